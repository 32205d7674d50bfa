// Package service generates overlay pyramids and serves their tiles.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tissue-tiles/server/internal/config"
	"github.com/tissue-tiles/server/internal/overlay"
	"github.com/tissue-tiles/server/internal/render"
	"github.com/tissue-tiles/server/internal/source"
	"github.com/tissue-tiles/server/internal/tilestore"
	"github.com/tissue-tiles/server/pkg/colormap"
	"github.com/tissue-tiles/server/pkg/pyramid"
)

// ErrClosed is returned by generations started after Close.
var ErrClosed = errors.New("overlay service closed")

// Sources resolves the inputs named by an overlay request.
type Sources interface {
	Dataset(id string) (source.Dataset, error)
	Image(id string) (image.Image, error)
	Segmentation(id string) (source.Segmentation, error)
}

// OverlayServiceConfig contains overlay service configuration.
type OverlayServiceConfig struct {
	Sources  Sources
	Store    tilestore.Store
	Render   config.RenderConfig
	Generate config.GenerateConfig
	Log      logrus.FieldLogger
}

// OverlayService builds pyramids on demand and reads their tiles.
type OverlayService struct {
	sources Sources
	store   tilestore.Store
	encoder *render.TileEncoder
	log     logrus.FieldLogger

	cmap        colormap.Colormap
	defaultFill color.RGBA
	borderColor color.RGBA
	fillOpacity float64
	borderWidth float64
	tileSize    int
	maxZoom     int
	workers     int

	// ctx outlives individual requests: a generation keeps running for the
	// callers coalesced onto it when the first caller goes away.
	ctx    context.Context
	cancel context.CancelFunc

	flights     singleflight.Group
	slots       chan struct{}
	generations atomic.Int64

	// published holds the ids of every pyramid sealed by or recovered into
	// the store. An id listed here whose pyramid is gone was evicted and is
	// regenerated on the next tile read.
	published sync.Map

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

// NewOverlayService creates a new overlay service.
func NewOverlayService(cfg OverlayServiceConfig) (*OverlayService, error) {
	cmap, ok := colormap.Lookup(cfg.Render.Colormap)
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q (have %v)", cfg.Render.Colormap, colormap.Names())
	}
	background, err := colormap.ParseHex(cfg.Render.Background)
	if err != nil {
		return nil, fmt.Errorf("render.background: %w", err)
	}
	defaultFill, err := colormap.ParseHex(cfg.Render.DefaultFill)
	if err != nil {
		return nil, fmt.Errorf("render.default_fill: %w", err)
	}
	borderColor, err := colormap.ParseHex(cfg.Render.BorderColor)
	if err != nil {
		return nil, fmt.Errorf("render.border_color: %w", err)
	}
	encoder, err := render.NewTileEncoder(render.Config{
		TileSize:    cfg.Render.TileSize,
		Format:      cfg.Render.Format,
		JPEGQuality: cfg.Render.JPEGQuality,
		Background:  background,
	})
	if err != nil {
		return nil, err
	}

	maxConcurrent := max(cfg.Generate.MaxConcurrent, 1)
	workers := max(cfg.Generate.EncodeWorkers, 1)

	ctx, cancel := context.WithCancel(context.Background())
	s := &OverlayService{
		sources:     cfg.Sources,
		store:       cfg.Store,
		encoder:     encoder,
		log:         cfg.Log.WithField("component", "overlay"),
		cmap:        cmap,
		defaultFill: defaultFill,
		borderColor: borderColor,
		fillOpacity: cfg.Render.FillOpacity,
		borderWidth: cfg.Render.BorderWidth,
		tileSize:    cfg.Render.TileSize,
		maxZoom:     cfg.Render.MaxZoom,
		workers:     workers,
		ctx:         ctx,
		cancel:      cancel,
		slots:       make(chan struct{}, maxConcurrent),
	}
	for _, meta := range cfg.Store.List() {
		s.published.Store(meta.OverlayID, struct{}{})
	}
	return s, nil
}

// Generations returns how many pyramids this service has rasterized.
func (s *OverlayService) Generations() int64 {
	return s.generations.Load()
}

// Generate returns the metadata of the overlay described by p, building its
// pyramid first unless the store already holds a complete one. Concurrent
// calls with equal parameters share one generation.
func (s *OverlayService) Generate(ctx context.Context, p overlay.Params) (overlay.Metadata, error) {
	if err := p.Validate(); err != nil {
		return overlay.Metadata{}, err
	}
	id := p.ID()

	if meta, err := s.store.Metadata(id); err == nil {
		return meta, nil
	}

	ch := s.flights.DoChan(id, func() (interface{}, error) {
		return s.generate(p, id)
	})
	select {
	case <-ctx.Done():
		return overlay.Metadata{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return overlay.Metadata{}, res.Err
		}
		return res.Val.(overlay.Metadata), nil
	}
}

func (s *OverlayService) generate(p overlay.Params, id string) (overlay.Metadata, error) {
	if !s.begin() {
		return overlay.Metadata{}, ErrClosed
	}
	defer s.running.Done()

	// A flight that finished just before this one started may have sealed it.
	if meta, err := s.store.Metadata(id); err == nil {
		return meta, nil
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-s.ctx.Done():
		return overlay.Metadata{}, s.ctx.Err()
	}

	log := s.log.WithFields(logrus.Fields{"overlay_id": id, "run": uuid.NewString()})
	start := time.Now()

	ds, err := s.sources.Dataset(p.DatasetID)
	if err != nil {
		return overlay.Metadata{}, err
	}
	base, err := s.sources.Image(p.ImageID)
	if err != nil {
		return overlay.Metadata{}, err
	}
	seg, err := s.sources.Segmentation(p.SegmentationID)
	if err != nil {
		return overlay.Metadata{}, err
	}

	fill, err := resolveAttribute(ds, p.FillKey)
	if err != nil {
		return overlay.Metadata{}, err
	}
	var border *attribute
	if p.HasBorder() {
		if border, err = resolveAttribute(ds, *p.BorderKey); err != nil {
			return overlay.Metadata{}, err
		}
	}

	geom, err := s.geometry(base.Bounds())
	if err != nil {
		return overlay.Metadata{}, err
	}

	labels, err := ds.CellLabels()
	if err != nil {
		return overlay.Metadata{}, fmt.Errorf("failed to read cell labels: %w", err)
	}
	style := render.Style{FillOpacity: s.fillOpacity, BorderWidth: s.borderWidth}
	var failures int
	if style.Fill, failures, err = cellColors(fill, labels, s.cmap, s.defaultFill); err != nil {
		return overlay.Metadata{}, err
	}
	if failures > 0 {
		log.WithFields(logrus.Fields{"key": p.FillKey, "cells": failures}).Warn("cells without a usable fill value use the default fill")
	}
	if border != nil {
		if style.Stroke, failures, err = cellColors(border, labels, s.cmap, s.borderColor); err != nil {
			return overlay.Metadata{}, err
		}
		if failures > 0 {
			log.WithFields(logrus.Fields{"key": *p.BorderKey, "cells": failures}).Warn("cells without a usable border value use the border color")
		}
	}

	s.generations.Add(1)
	native, unmatched, err := render.Rasterize(base, seg, style)
	if err != nil {
		return overlay.Metadata{}, fmt.Errorf("failed to rasterize: %w", err)
	}
	if unmatched > 0 {
		log.WithField("cells", unmatched).Warn("segmentation labels without a dataset row are left unpainted")
	}

	if err := s.writePyramid(id, geom, native); err != nil {
		if derr := s.store.Discard(id); derr != nil {
			log.WithError(derr).Warn("failed to discard partial pyramid")
		}
		return overlay.Metadata{}, err
	}

	meta := overlay.Metadata{
		OverlayID: id,
		Width:     geom.Width,
		Height:    geom.Height,
		TileSize:  geom.TileSize,
		MaxZoom:   geom.MaxZoom,
		FillKey:   p.FillKey,
		IsGene:    fill.isGene,
	}
	if err := s.store.Seal(meta); err != nil {
		if derr := s.store.Discard(id); derr != nil {
			log.WithError(derr).Warn("failed to discard partial pyramid")
		}
		return overlay.Metadata{}, fmt.Errorf("failed to publish pyramid: %w", err)
	}
	s.published.Store(id, struct{}{})

	log.WithFields(logrus.Fields{
		"width":    geom.Width,
		"height":   geom.Height,
		"max_zoom": geom.MaxZoom,
		"tiles":    geom.TotalTiles(),
		"cells":    len(labels),
		"regions":  seg.NumRegions(),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("generated pyramid")
	return meta, nil
}

// geometry picks the pyramid depth for an image of the given bounds.
func (s *OverlayService) geometry(bounds image.Rectangle) (pyramid.Geometry, error) {
	maxZoom := s.maxZoom
	if maxZoom < 0 {
		var err error
		if maxZoom, err = pyramid.ChooseMaxZoom(bounds.Dx(), bounds.Dy(), s.tileSize); err != nil {
			return pyramid.Geometry{}, err
		}
	}
	return pyramid.New(bounds.Dx(), bounds.Dy(), s.tileSize, maxZoom)
}

// writePyramid encodes every level, finest first, each level downsampled
// from the previous one.
func (s *OverlayService) writePyramid(id string, geom pyramid.Geometry, native *image.RGBA) error {
	level := native
	for z := geom.MaxZoom; z >= 0; z-- {
		if level.Rect.Dx() != geom.LevelWidth(z) || level.Rect.Dy() != geom.LevelHeight(z) {
			return fmt.Errorf("level %d is %dx%d, expected %dx%d", z, level.Rect.Dx(), level.Rect.Dy(), geom.LevelWidth(z), geom.LevelHeight(z))
		}
		if err := s.writeLevel(id, geom, z, level); err != nil {
			return err
		}
		if z > 0 {
			level = render.Downsample(level)
		}
	}
	return nil
}

func (s *OverlayService) writeLevel(id string, geom pyramid.Geometry, z int, level *image.RGBA) error {
	g, ctx := errgroup.WithContext(s.ctx)
	g.SetLimit(s.workers)
	for y := 0; y < geom.TilesY(z); y++ {
		for x := 0; x < geom.TilesX(z); x++ {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				tile, err := s.encoder.EncodeTile(level, x, y)
				if err != nil {
					return fmt.Errorf("failed to encode tile %d/%d/%d: %w", z, x, y, err)
				}
				return s.store.Put(overlay.TileKey{OverlayID: id, Zoom: z, X: x, Y: y}, tile.Data, tile.Format)
			})
		}
	}
	return g.Wait()
}

// GetTile returns one encoded tile of a generated overlay.
func (s *OverlayService) GetTile(overlayID string, z, x, y int) (tilestore.Tile, error) {
	if overlayID == "" {
		return tilestore.Tile{}, fmt.Errorf("%w: missing overlayId", overlay.ErrInvalidRequest)
	}
	p, err := overlay.ParseID(overlayID)
	if err != nil {
		return tilestore.Tile{}, err
	}
	meta, err := s.store.Metadata(overlayID)
	if errors.Is(err, overlay.ErrNotFound) {
		meta, err = s.regenerate(overlayID, p)
	}
	if err != nil {
		return tilestore.Tile{}, err
	}
	geom := meta.Geometry()
	if !geom.Contains(z, x, y) {
		return tilestore.Tile{}, fmt.Errorf("%w: tile %d/%d/%d outside %d zoom levels", overlay.ErrOutOfRange, z, x, y, geom.MaxZoom+1)
	}
	return s.store.Get(overlay.TileKey{OverlayID: overlayID, Zoom: z, X: x, Y: y})
}

// regenerate rebuilds an evicted pyramid. Overlays that were never
// published stay not found.
func (s *OverlayService) regenerate(id string, p overlay.Params) (overlay.Metadata, error) {
	if _, ok := s.published.Load(id); !ok {
		return overlay.Metadata{}, fmt.Errorf("%w: overlay %q", overlay.ErrNotFound, id)
	}
	s.log.WithField("overlay_id", id).Info("regenerating evicted pyramid")
	return s.Generate(s.ctx, p)
}

// Metadata returns the metadata of a generated overlay.
func (s *OverlayService) Metadata(overlayID string) (overlay.Metadata, error) {
	return s.store.Metadata(overlayID)
}

// List returns all generated overlays.
func (s *OverlayService) List() []overlay.Metadata {
	return s.store.List()
}

// Stats returns store and generation statistics.
func (s *OverlayService) Stats() map[string]interface{} {
	return map[string]interface{}{
		"store":       s.store.Stats(),
		"generations": s.generations.Load(),
		"in_flight":   len(s.slots),
		"tile_format": s.encoder.Format(),
	}
}

// begin registers a generation unless the service is closed.
func (s *OverlayService) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.running.Add(1)
	return true
}

// Close stops running generations and waits for them to return, so the
// store can be closed afterwards.
func (s *OverlayService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.running.Wait()
}
