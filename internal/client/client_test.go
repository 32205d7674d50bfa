package client

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tissue-tiles/server/internal/api"
	"github.com/tissue-tiles/server/internal/config"
	"github.com/tissue-tiles/server/internal/data/zarr"
	"github.com/tissue-tiles/server/internal/logging"
	"github.com/tissue-tiles/server/internal/overlay"
	"github.com/tissue-tiles/server/internal/service"
	"github.com/tissue-tiles/server/internal/source"
	"github.com/tissue-tiles/server/internal/tilestore"
)

// newServer runs the full HTTP stack over a 600x400 image with two cells.
func newServer(t *testing.T) *Client {
	t.Helper()
	log := logging.Discard()

	catalog, err := source.NewCatalog("test", config.DataConfig{}, 2, log)
	require.NoError(t, err)
	catalog.AddImage("he", image.NewRGBA(image.Rect(0, 0, 600, 400)))
	labels := make([]uint32, 600*400)
	for y := 100; y < 200; y++ {
		for x := 100; x < 200; x++ {
			labels[y*600+x] = 1
			labels[y*600+x+300] = 2
		}
	}
	catalog.AddSegmentation("cells", source.NewMask(&zarr.LabelMask{Width: 600, Height: 400, Labels: labels}))
	catalog.AddDataset("lung", &source.MemoryDataset{
		DatasetName: "lung",
		Labels:      []uint32{1, 2},
		Expression:  map[string][]float32{"CD3E": {0, 4}},
		Columns: map[string]*source.Column{
			"cell_type": {Name: "cell_type", Categorical: true, Codes: []int32{0, 1}, Categories: []string{"T", "B"}},
		},
	})

	cfg := config.DefaultConfig()
	store, err := tilestore.NewMemoryStore(tilestore.MemoryConfig{MaxOverlays: 4}, log)
	require.NoError(t, err)
	svc, err := service.NewOverlayService(service.OverlayServiceConfig{
		Sources:  catalog,
		Store:    store,
		Render:   cfg.Render,
		Generate: cfg.Generate,
		Log:      log,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{Overlays: svc, Catalog: catalog, Log: log}))
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client())
}

func TestEndToEnd_GeneTile(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	meta, err := c.Generate(ctx, overlay.Params{DatasetID: "lung", ImageID: "he", SegmentationID: "cells", FillKey: "CD3E"})
	require.NoError(t, err)
	assert.True(t, meta.IsGene)
	assert.Equal(t, "lung:he:cells:CD3E", meta.OverlayID)
	assert.Equal(t, 600, meta.Width)
	assert.Equal(t, 400, meta.Height)
	assert.Equal(t, 256, meta.TileSize)
	assert.Equal(t, 2, meta.MaxZoom)

	data, format, err := c.FetchTile(ctx, overlay.TileKey{OverlayID: meta.OverlayID, Zoom: 0, X: 0, Y: 0})
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, "jpeg", format)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())

	got, err := c.Metadata(ctx, meta.OverlayID)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestEndToEnd_CategoricalWithBorder(t *testing.T) {
	c := newServer(t)
	border := "cell_type"

	meta, err := c.Generate(context.Background(), overlay.Params{
		DatasetID: "lung", ImageID: "he", SegmentationID: "cells", FillKey: "cell_type", BorderKey: &border,
	})
	require.NoError(t, err)
	assert.False(t, meta.IsGene)
	assert.Equal(t, "lung:he:cells:cell_type:cell_type", meta.OverlayID)
}

func TestEndToEnd_Errors(t *testing.T) {
	c := newServer(t)
	ctx := context.Background()

	_, err := c.Generate(ctx, overlay.Params{DatasetID: "lung", ImageID: "he", SegmentationID: "cells", FillKey: "NOPE"})
	assert.ErrorIs(t, err, overlay.ErrUnknownAttribute)

	_, err = c.Generate(ctx, overlay.Params{DatasetID: "brain", ImageID: "he", SegmentationID: "cells", FillKey: "CD3E"})
	assert.ErrorIs(t, err, overlay.ErrNotFound)

	_, err = c.Generate(ctx, overlay.Params{DatasetID: "lung"})
	assert.ErrorIs(t, err, overlay.ErrInvalidRequest)

	_, _, err = c.FetchTile(ctx, overlay.TileKey{OverlayID: "lung:he:cells:CD3E", Zoom: 0})
	assert.ErrorIs(t, err, overlay.ErrNotFound)

	meta, err := c.Generate(ctx, overlay.Params{DatasetID: "lung", ImageID: "he", SegmentationID: "cells", FillKey: "CD3E"})
	require.NoError(t, err)
	_, _, err = c.FetchTile(ctx, overlay.TileKey{OverlayID: meta.OverlayID, Zoom: 3})
	assert.ErrorIs(t, err, overlay.ErrOutOfRange)
	_, _, err = c.FetchTile(ctx, overlay.TileKey{OverlayID: meta.OverlayID, Zoom: 2, X: 3, Y: 0})
	assert.ErrorIs(t, err, overlay.ErrOutOfRange)
}
