package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tissue-tiles/server/internal/logging"
	"github.com/tissue-tiles/server/internal/overlay"
	"github.com/tissue-tiles/server/internal/protocol"
	"github.com/tissue-tiles/server/internal/source"
	"github.com/tissue-tiles/server/internal/tilestore"
)

// fakeOverlays serves a single 2-level pyramid for dataset "lung".
type fakeOverlays struct {
	mu        sync.Mutex
	generated map[string]overlay.Metadata
	requests  []overlay.Params
}

func newFakeOverlays() *fakeOverlays {
	return &fakeOverlays{generated: make(map[string]overlay.Metadata)}
}

func (f *fakeOverlays) Generate(ctx context.Context, p overlay.Params) (overlay.Metadata, error) {
	if err := p.Validate(); err != nil {
		return overlay.Metadata{}, err
	}
	if p.DatasetID != "lung" {
		return overlay.Metadata{}, fmt.Errorf("%w: dataset %q", overlay.ErrNotFound, p.DatasetID)
	}
	if p.FillKey == "nope" {
		return overlay.Metadata{}, fmt.Errorf("%w: %q", overlay.ErrUnknownAttribute, p.FillKey)
	}
	meta := overlay.Metadata{
		OverlayID: p.ID(),
		Width:     300,
		Height:    200,
		TileSize:  256,
		MaxZoom:   1,
		FillKey:   p.FillKey,
		IsGene:    true,
	}
	f.mu.Lock()
	f.generated[meta.OverlayID] = meta
	f.requests = append(f.requests, p)
	f.mu.Unlock()
	return meta, nil
}

func (f *fakeOverlays) Metadata(id string) (overlay.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.generated[id]
	if !ok {
		return overlay.Metadata{}, fmt.Errorf("%w: overlay %q", overlay.ErrNotFound, id)
	}
	return meta, nil
}

func (f *fakeOverlays) GetTile(id string, z, x, y int) (tilestore.Tile, error) {
	if id == "" {
		return tilestore.Tile{}, fmt.Errorf("%w: missing overlayId", overlay.ErrInvalidRequest)
	}
	meta, err := f.Metadata(id)
	if err != nil {
		return tilestore.Tile{}, err
	}
	if !meta.Geometry().Contains(z, x, y) {
		return tilestore.Tile{}, fmt.Errorf("%w: %d/%d/%d", overlay.ErrOutOfRange, z, x, y)
	}
	return tilestore.Tile{Data: []byte(fmt.Sprintf("tile-%d-%d-%d", z, x, y)), Format: "png"}, nil
}

func (f *fakeOverlays) List() []overlay.Metadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]overlay.Metadata, 0, len(f.generated))
	for _, m := range f.generated {
		out = append(out, m)
	}
	return out
}

func (f *fakeOverlays) Stats() map[string]interface{} {
	return map[string]interface{}{"generations": len(f.List())}
}

type fakeCatalog struct{}

func (fakeCatalog) List() source.Listing {
	return source.Listing{
		Title:    "test",
		Datasets: []source.DatasetInfo{{ID: "lung", Name: "lung", NumCells: 3, NumGenes: 2}},
		Images:   []string{"he"},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeOverlays) {
	t.Helper()
	svc := newFakeOverlays()
	router := NewRouter(RouterConfig{
		Overlays: svc,
		Catalog:  fakeCatalog{},
		Log:      logging.Discard(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, svc
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

var lungRequest = map[string]interface{}{
	"datasetId": "lung",
	"imgId":     "he",
	"segId":     "cells",
	"fillKey":   "EPCAM",
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestGenerateOverlay(t *testing.T) {
	srv, svc := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/overlays", lungRequest)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var meta map[string]interface{}
	decode(t, resp, &meta)
	assert.Equal(t, "lung:he:cells:EPCAM", meta["overlay_id"])
	assert.EqualValues(t, 300, meta["width"])
	assert.EqualValues(t, 200, meta["height"])
	assert.EqualValues(t, 256, meta["tile_size"])
	assert.EqualValues(t, 1, meta["max_zoom"])
	assert.Equal(t, "EPCAM", meta["fill_key"])
	assert.Equal(t, true, meta["is_gene"])

	require.Len(t, svc.requests, 1)
	assert.Nil(t, svc.requests[0].BorderKey)
}

func TestGenerateOverlay_BorderKey(t *testing.T) {
	srv, svc := newTestServer(t)

	body := map[string]interface{}{}
	for k, v := range lungRequest {
		body[k] = v
	}
	body["borderKey"] = "cell_type"
	resp := postJSON(t, srv.URL+"/api/overlays", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, svc.requests, 1)
	require.NotNil(t, svc.requests[0].BorderKey)
	assert.Equal(t, "cell_type", *svc.requests[0].BorderKey)
}

func TestGenerateOverlay_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name   string
		body   interface{}
		status int
		code   protocol.ErrorCode
	}{
		{"missingField", map[string]string{"datasetId": "lung", "imgId": "he"}, http.StatusBadRequest, protocol.CodeInvalidRequest},
		{"unknownDataset", map[string]string{"datasetId": "brain", "imgId": "he", "segId": "cells", "fillKey": "EPCAM"}, http.StatusNotFound, protocol.CodeNotFound},
		{"unknownAttribute", map[string]string{"datasetId": "lung", "imgId": "he", "segId": "cells", "fillKey": "nope"}, http.StatusUnprocessableEntity, protocol.CodeUnknownAttribute},
		{"notJSON", "{", http.StatusBadRequest, protocol.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/overlays", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			var pe protocol.Error
			decode(t, resp, &pe)
			assert.Equal(t, tc.code, pe.Code)
			assert.NotEmpty(t, pe.Message)
		})
	}
}

func TestTileRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/api/overlays", lungRequest).StatusCode)

	resp := postJSON(t, srv.URL+"/api/tiles", map[string]interface{}{
		"overlayId": "lung:he:cells:EPCAM", "zoom": 1, "x": 1, "y": 0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr protocol.TileResponse
	decode(t, resp, &tr)
	assert.Equal(t, "png", tr.Format)
	data, err := tr.Decode()
	require.NoError(t, err)
	assert.Equal(t, "tile-1-1-0", string(data))
}

func TestTileRequest_Errors(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/api/overlays", lungRequest).StatusCode)

	cases := []struct {
		name   string
		body   map[string]interface{}
		status int
	}{
		{"outOfRangeZoom", map[string]interface{}{"overlayId": "lung:he:cells:EPCAM", "zoom": 2, "x": 0, "y": 0}, http.StatusBadRequest},
		{"outOfRangeX", map[string]interface{}{"overlayId": "lung:he:cells:EPCAM", "zoom": 0, "x": 1, "y": 0}, http.StatusBadRequest},
		{"negativeY", map[string]interface{}{"overlayId": "lung:he:cells:EPCAM", "zoom": 1, "x": 0, "y": -1}, http.StatusBadRequest},
		{"unknownOverlay", map[string]interface{}{"overlayId": "lung:he:cells:VIM", "zoom": 0, "x": 0, "y": 0}, http.StatusNotFound},
		{"missingOverlay", map[string]interface{}{"zoom": 0, "x": 0, "y": 0}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/tiles", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestRawTile(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/api/overlays", lungRequest).StatusCode)

	id := url.PathEscape("lung:he:cells:EPCAM")
	resp, err := http.Get(srv.URL + "/api/overlays/" + id + "/tiles/0/0/0")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "max-age")
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "tile-0-0-0", string(body))

	resp2, err := http.Get(srv.URL + "/api/overlays/" + id + "/tiles/0/zero/0")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestRawTile_EscapedID(t *testing.T) {
	srv, svc := newTestServer(t)

	// QueryEscape in the id leaves a literal '%' that must survive the path.
	p := overlay.Params{DatasetID: "lung", ImageID: "he/1", SegmentationID: "cells", FillKey: "EPCAM"}
	meta, err := svc.Generate(context.Background(), p)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/overlays/" + url.PathEscape(meta.OverlayID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got overlay.Metadata
	decode(t, resp, &got)
	assert.Equal(t, meta.OverlayID, got.OverlayID)
}

func TestListAndStats(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/api/overlays", lungRequest).StatusCode)

	resp, err := http.Get(srv.URL + "/api/overlays")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list struct {
		Overlays []overlay.Metadata `json:"overlays"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Overlays, 1)
	assert.Equal(t, "lung:he:cells:EPCAM", list.Overlays[0].OverlayID)

	resp2, err := http.Get(srv.URL + "/api/datasets")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var listing source.Listing
	decode(t, resp2, &listing)
	assert.Equal(t, "test", listing.Title)
	require.Len(t, listing.Datasets, 1)
	assert.Equal(t, 3, listing.Datasets[0].NumCells)

	resp3, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestCommand(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/command", map[string]interface{}{
		"command": "plot_tissue_overlay",
		"params": map[string]interface{}{
			"dataset_id": "lung", "img_id": "he", "seg_id": "cells", "fill_key": "EPCAM", "border_key": nil,
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out protocol.Response
	decode(t, resp, &out)
	require.True(t, out.Success)
	var meta overlay.Metadata
	require.NoError(t, json.Unmarshal(out.Data, &meta))
	assert.Equal(t, "lung:he:cells:EPCAM", meta.OverlayID)

	resp2 := postJSON(t, srv.URL+"/api/command", map[string]interface{}{"command": "rm -rf"})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	var bad protocol.Response
	decode(t, resp2, &bad)
	assert.False(t, bad.Success)
	assert.Equal(t, protocol.CodeInvalidRequest, bad.Code)
}
