// Package bridge serves the overlay protocol as JSON lines over a pair of
// streams, so a host process can drive the server as a child on stdin and
// stdout.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tissue-tiles/server/internal/protocol"
)

// maxLineBytes bounds one request line.
const maxLineBytes = 4 << 20

// Config contains bridge configuration.
type Config struct {
	// Concurrency is the number of requests handled at once. With 1,
	// responses are written in request order; otherwise callers correlate by
	// request id.
	Concurrency int
	Log         logrus.FieldLogger
}

// Server reads one request per line and writes one response per line.
type Server struct {
	svc         protocol.Service
	concurrency int
	log         logrus.FieldLogger

	mu sync.Mutex
}

// NewServer creates a bridge for svc.
func NewServer(svc protocol.Service, cfg Config) *Server {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	log := cfg.Log
	if log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		log = logger
	}
	return &Server{svc: svc, concurrency: cfg.Concurrency, log: log.WithField("component", "bridge")}
}

// Serve handles requests from r until it is exhausted or ctx is done, then
// waits for outstanding requests.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	out := bufio.NewWriter(w)

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req protocol.Request
		decodeErr := json.Unmarshal(line, &req)
		g.Go(func() error {
			if decodeErr != nil {
				return s.write(out, protocol.Response{
					Success: false,
					Error:   fmt.Sprintf("invalid request line: %v", decodeErr),
					Code:    protocol.CodeInvalidRequest,
				})
			}
			return s.write(out, s.handle(ctx, req))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, req protocol.Request) protocol.Response {
	start := time.Now()
	resp := protocol.Dispatch(ctx, s.svc, req)
	entry := s.log.WithFields(logrus.Fields{
		"command":  req.Command,
		"duration": time.Since(start).Round(time.Millisecond),
	})
	if resp.Success {
		entry.Debug("command handled")
	} else {
		entry.WithField("code", resp.Code).Info(resp.Error)
	}
	return resp
}

func (s *Server) write(out *bufio.Writer, resp protocol.Response) error {
	line, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := out.Write(append(line, '\n')); err != nil {
		return err
	}
	return out.Flush()
}
