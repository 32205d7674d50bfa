// Package api provides HTTP handlers for the tissue overlay server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/tissue-tiles/server/internal/overlay"
	"github.com/tissue-tiles/server/internal/protocol"
	"github.com/tissue-tiles/server/internal/render"
	"github.com/tissue-tiles/server/internal/source"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Overlays is the overlay service as seen by the HTTP layer.
type Overlays interface {
	protocol.Service
	List() []overlay.Metadata
	Stats() map[string]interface{}
}

// Catalog lists the configured inputs.
type Catalog interface {
	List() source.Listing
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Overlays    Overlays
	Catalog     Catalog
	CORSOrigins []string
	Log         logrus.FieldLogger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(requestLogger(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/datasets", datasetsHandler(cfg.Catalog))
		r.Get("/stats", statsHandler(cfg.Overlays))

		r.Post("/tiles", tileRequestHandler(cfg.Overlays))
		r.Post("/command", commandHandler(cfg.Overlays))

		r.Route("/overlays", func(r chi.Router) {
			r.Get("/", listOverlaysHandler(cfg.Overlays))
			r.Post("/", generateHandler(cfg.Overlays))
			r.Get("/{id}", overlayMetadataHandler(cfg.Overlays))
			r.Get("/{id}/tiles/{z}/{x}/{y}", rawTileHandler(cfg.Overlays))
		})
	})

	return r
}

// requestLogger logs one line per request through the process logger.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	if log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		log = logger
	}
	log = log.WithField("component", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := log.WithFields(logrus.Fields{
					"method":   r.Method,
					"path":     r.URL.Path,
					"status":   ww.Status(),
					"bytes":    ww.BytesWritten(),
					"duration": time.Since(start).Round(time.Microsecond),
				})
				if ww.Status() >= http.StatusInternalServerError {
					entry.Warn("request failed")
				} else {
					entry.Debug("request")
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// statusOf maps an error category to an HTTP status.
func statusOf(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeUnknownAttribute:
		return http.StatusUnprocessableEntity
	case protocol.CodeOutOfRange, protocol.CodeInvalidRequest, protocol.CodeInvalidGeometry:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	pe := protocol.ToError(err)
	writeJSON(w, statusOf(pe.Code), pe)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &protocol.Error{Code: protocol.CodeInvalidRequest, Message: "invalid request body: " + err.Error()}
	}
	return nil
}

// overlayIDParam returns the decoded {id} segment. chi routes on RawPath
// when the request path needed escaping, so the segment is only unescaped
// in that case.
func overlayIDParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if r.URL.RawPath == "" {
		return id, nil
	}
	decoded, err := url.PathUnescape(id)
	if err != nil {
		return "", &protocol.Error{Code: protocol.CodeInvalidRequest, Message: "invalid overlay id"}
	}
	return decoded, nil
}

func datasetsHandler(catalog Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, catalog.List())
	}
}

func statsHandler(svc Overlays) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Stats())
	}
}

func listOverlaysHandler(svc Overlays) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overlays := svc.List()
		if overlays == nil {
			overlays = []overlay.Metadata{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"overlays": overlays})
	}
}

// generateHandler builds (or returns the existing) pyramid for the request.
// The generation is bound to the server, not to the request: a client that
// disconnects gets nothing, but the pyramid still completes.
func generateHandler(svc Overlays) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.GenerateRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		meta, err := svc.Generate(r.Context(), req.Params())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}
}

func overlayMetadataHandler(svc Overlays) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := overlayIDParam(r)
		if err != nil {
			writeError(w, err)
			return
		}
		meta, err := svc.Metadata(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}
}

func tileRequestHandler(svc Overlays) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.TileRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		tile, err := svc.GetTile(req.OverlayID, req.Zoom, req.X, req.Y)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewTileResponse(tile))
	}
}

// rawTileHandler serves the encoded tile bytes directly, for image elements
// and map libraries.
func rawTileHandler(svc Overlays) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := overlayIDParam(r)
		if err != nil {
			writeError(w, err)
			return
		}
		coords := [3]int{}
		for i, name := range []string{"z", "x", "y"} {
			v, err := strconv.Atoi(chi.URLParam(r, name))
			if err != nil {
				writeError(w, &protocol.Error{Code: protocol.CodeInvalidRequest, Message: "invalid " + name})
				return
			}
			coords[i] = v
		}

		tile, err := svc.GetTile(id, coords[0], coords[1], coords[2])
		if err != nil {
			writeError(w, err)
			return
		}

		// Tiles of a sealed overlay never change.
		w.Header().Set("Content-Type", render.ContentType(tile.Format))
		w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
		w.Write(tile.Data)
	}
}

// commandHandler accepts the same {command, params} messages as the stdio
// bridge.
func commandHandler(svc Overlays) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		resp := protocol.Dispatch(r.Context(), svc, req)
		status := http.StatusOK
		if !resp.Success {
			status = statusOf(resp.Code)
		}
		writeJSON(w, status, resp)
	}
}
