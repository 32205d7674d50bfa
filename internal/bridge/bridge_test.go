package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tissue-tiles/server/internal/overlay"
	"github.com/tissue-tiles/server/internal/protocol"
	"github.com/tissue-tiles/server/internal/tilestore"
)

type fakeService struct {
	// release, when set, blocks Generate until closed.
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeService) Generate(ctx context.Context, p overlay.Params) (overlay.Metadata, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	if err := p.Validate(); err != nil {
		return overlay.Metadata{}, err
	}
	return overlay.Metadata{OverlayID: p.ID(), Width: 512, Height: 512, TileSize: 256, MaxZoom: 1, FillKey: p.FillKey}, nil
}

func (f *fakeService) GetTile(id string, z, x, y int) (tilestore.Tile, error) {
	if z > 1 {
		return tilestore.Tile{}, fmt.Errorf("%w: zoom %d", overlay.ErrOutOfRange, z)
	}
	return tilestore.Tile{Data: []byte{1, 2, 3}, Format: "jpeg"}, nil
}

func (f *fakeService) Metadata(id string) (overlay.Metadata, error) {
	return overlay.Metadata{}, fmt.Errorf("%w: %s", overlay.ErrNotFound, id)
}

func readResponses(t *testing.T, out string) []protocol.Response {
	t.Helper()
	var resps []protocol.Response
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r protocol.Response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), sc.Text())
		resps = append(resps, r)
	}
	return resps
}

func TestServe_Sequential(t *testing.T) {
	in := strings.Join([]string{
		`{"command":"plot_tissue_overlay","params":{"dataset_id":"d","img_id":"i","seg_id":"s","fill_key":"CD3E","border_key":null}}`,
		``,
		`{"command":"get_tissue_overlay_tile","params":{"overlay_id":"d:i:s:CD3E","zoom":1,"x":0,"y":1}}`,
		`not json`,
		`{"command":"get_tile","params":{"overlayId":"d:i:s:CD3E","zoom":5,"x":0,"y":0}}`,
		`{"command":"generate_overlay","params":{"datasetId":"d"}}`,
	}, "\n")

	var out bytes.Buffer
	srv := NewServer(&fakeService{}, Config{})
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(in), &out))

	resps := readResponses(t, out.String())
	require.Len(t, resps, 5)

	require.True(t, resps[0].Success)
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(resps[0].Data, &meta))
	assert.Equal(t, "d:i:s:CD3E", meta["overlay_id"])
	assert.EqualValues(t, 1, meta["max_zoom"])

	require.True(t, resps[1].Success)
	var tile protocol.TileResponse
	require.NoError(t, json.Unmarshal(resps[1].Data, &tile))
	assert.Equal(t, "AQID", tile.Tile)
	assert.Equal(t, "jpeg", tile.Format)

	assert.False(t, resps[2].Success)
	assert.Equal(t, protocol.CodeInvalidRequest, resps[2].Code)

	assert.False(t, resps[3].Success)
	assert.Equal(t, protocol.CodeOutOfRange, resps[3].Code)
	assert.NotEmpty(t, resps[3].Error)

	assert.False(t, resps[4].Success)
	assert.Equal(t, protocol.CodeInvalidRequest, resps[4].Code)
	assert.Contains(t, resps[4].Error, "fillKey")
}

func TestServe_ConcurrentTilesNotBlockedByGeneration(t *testing.T) {
	svc := &fakeService{release: make(chan struct{})}
	srv := NewServer(svc, Config{Concurrency: 4})

	in := strings.Join([]string{
		`{"id":"gen","command":"generate_overlay","params":{"datasetId":"d","imgId":"i","segId":"s","fillKey":"f"}}`,
		`{"id":"tile","command":"get_tile","params":{"overlayId":"x","zoom":0,"x":0,"y":0}}`,
	}, "\n")

	pipe := &linePipe{lines: make(chan []byte, 16)}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), strings.NewReader(in), pipe) }()

	// The tile answer arrives while the generation is still blocked.
	first := pipe.next(t)
	assert.Equal(t, "tile", first.ID)
	assert.True(t, first.Success)

	close(svc.release)
	second := pipe.next(t)
	assert.Equal(t, "gen", second.ID)
	assert.True(t, second.Success)

	require.NoError(t, <-done)
}

// linePipe hands written response lines to the test one at a time.
type linePipe struct {
	lines chan []byte
}

func (p *linePipe) Write(b []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(b, "\n"), []byte("\n")) {
		p.lines <- append([]byte(nil), line...)
	}
	return len(b), nil
}

func (p *linePipe) next(t *testing.T) protocol.Response {
	t.Helper()
	select {
	case line := <-p.lines:
		var r protocol.Response
		require.NoError(t, json.Unmarshal(line, &r))
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a response")
	}
	return protocol.Response{}
}
