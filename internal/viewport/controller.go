// Package viewport drives a tiled view of one overlay: zoom and pan state,
// the visible tile set, tile fetching and a bounded tile cache.
//
// All state is owned by one control flow. Handle, Load, Frame and WaitIdle
// must be called from the same goroutine; Run provides that goroutine for a
// channel of events. Fetches run in a bounded pool and report back through
// an internal channel that only the control flow drains.
package viewport

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/tissue-tiles/server/internal/overlay"
)

// Fetcher is the protocol client.
type Fetcher interface {
	Generate(ctx context.Context, p overlay.Params) (overlay.Metadata, error)
	FetchTile(ctx context.Context, key overlay.TileKey) ([]byte, string, error)
}

// Payload is an encoded tile held by the cache.
type Payload struct {
	Data   []byte
	Format string
}

// Config contains controller configuration.
type Config struct {
	Fetcher Fetcher
	// Size is the container size in screen pixels.
	Size        image.Point
	CacheTiles  int
	MaxInflight int
	Log         logrus.FieldLogger
}

// Controller is the viewport state machine.
type Controller struct {
	fetcher Fetcher
	log     logrus.FieldLogger

	meta   overlay.Metadata
	loaded bool
	zoom   int
	offset image.Point
	size   image.Point

	dragging bool
	dragLast image.Point

	cache    *lru.Cache[overlay.TileKey, Payload]
	capacity int
	pending  map[overlay.TileKey]struct{}
	failed   map[overlay.TileKey]error
	visible  image.Rectangle

	slots   chan struct{}
	results chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a controller with no overlay loaded.
func New(cfg Config) (*Controller, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("viewport: fetcher is required")
	}
	if cfg.CacheTiles <= 0 {
		cfg.CacheTiles = 512
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 8
	}
	cache, err := lru.New[overlay.TileKey, Payload](cfg.CacheTiles)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}
	log := cfg.Log
	if log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		log = logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		fetcher:  cfg.Fetcher,
		log:      log.WithField("component", "viewport"),
		size:     cfg.Size,
		cache:    cache,
		capacity: cfg.CacheTiles,
		pending:  make(map[overlay.TileKey]struct{}),
		failed:   make(map[overlay.TileKey]error),
		slots:    make(chan struct{}, cfg.MaxInflight),
		results:  make(chan Event, cfg.MaxInflight),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Load generates (or reuses) the overlay for p and shows it from zoom 0.
// Cached tiles of other overlays are dropped.
func (c *Controller) Load(ctx context.Context, p overlay.Params) (overlay.Metadata, error) {
	meta, err := c.fetcher.Generate(ctx, p)
	if err != nil {
		return overlay.Metadata{}, err
	}
	c.Show(meta)
	return meta, nil
}

// Show switches to an already generated overlay.
func (c *Controller) Show(meta overlay.Metadata) {
	if c.loaded && c.meta.OverlayID != meta.OverlayID {
		for _, key := range c.cache.Keys() {
			if key.OverlayID != meta.OverlayID {
				c.cache.Remove(key)
			}
		}
		c.failed = make(map[overlay.TileKey]error)
	}
	c.meta = meta
	c.loaded = true
	c.zoom = 0
	c.offset = image.Point{}
	c.dragging = false
	c.refresh()
}

// Handle applies one event.
func (c *Controller) Handle(ev Event) {
	switch ev := ev.(type) {
	case WheelUp, ZoomInButton:
		c.zoomIn()
	case WheelDown, ZoomOutButton:
		c.zoomOut()
	case Reset:
		if c.zoom != 0 || c.offset != (image.Point{}) {
			c.zoom = 0
			c.offset = image.Point{}
			c.refresh()
		}
	case DragStart:
		c.dragging = true
		c.dragLast = ev.At
	case DragMove:
		if !c.dragging {
			return
		}
		delta := ev.At.Sub(c.dragLast)
		c.dragLast = ev.At
		if delta != (image.Point{}) {
			c.offset = c.offset.Add(delta)
			c.refresh()
		}
	case DragEnd:
		c.dragging = false
	case Resize:
		if ev.Size != c.size {
			c.size = ev.Size
			c.refresh()
		}
	case TileFetched:
		delete(c.pending, ev.Key)
		// Stale fetches for the current overlay are kept; other overlays
		// were purged when we switched away.
		if !c.loaded || ev.Key.OverlayID != c.meta.OverlayID {
			return
		}
		delete(c.failed, ev.Key)
		c.cache.Add(ev.Key, Payload{Data: ev.Data, Format: ev.Format})
	case TileFetchFailed:
		delete(c.pending, ev.Key)
		if !c.loaded || ev.Key.OverlayID != c.meta.OverlayID {
			return
		}
		c.failed[ev.Key] = ev.Err
		c.log.WithFields(logrus.Fields{"tile": ev.Key.String()}).WithError(ev.Err).Debug("tile fetch failed")
	}
}

func (c *Controller) zoomIn() {
	if !c.loaded || c.zoom >= c.meta.MaxZoom {
		return
	}
	c.zoom++
	c.offset = c.offset.Mul(2)
	c.refresh()
}

func (c *Controller) zoomOut() {
	if !c.loaded || c.zoom == 0 {
		return
	}
	c.zoom--
	c.offset = c.offset.Div(2)
	c.refresh()
}

// refresh recomputes the visible tiles and fetches the ones not cached.
// Failed tiles are retried here, so a failure is retried on the next
// visibility change rather than immediately.
func (c *Controller) refresh() {
	c.visible = c.computeVisible()
	c.fitCache(c.visible.Dx() * c.visible.Dy())
	for y := c.visible.Min.Y; y < c.visible.Max.Y; y++ {
		for x := c.visible.Min.X; x < c.visible.Max.X; x++ {
			key := overlay.TileKey{OverlayID: c.meta.OverlayID, Zoom: c.zoom, X: x, Y: y}
			if _, ok := c.cache.Get(key); ok {
				continue
			}
			if _, ok := c.pending[key]; ok {
				continue
			}
			c.fetch(key)
		}
	}
}

// fitCache grows the cache to hold at least n tiles, so the visible tiles
// never evict each other.
func (c *Controller) fitCache(n int) {
	if n <= c.capacity {
		return
	}
	c.log.WithFields(logrus.Fields{"from": c.capacity, "to": n}).Debug("growing tile cache to the visible tile count")
	c.cache.Resize(n)
	c.capacity = n
}

func (c *Controller) fetch(key overlay.TileKey) {
	c.pending[key] = struct{}{}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case c.slots <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		data, format, err := c.fetcher.FetchTile(c.ctx, key)
		<-c.slots

		var ev Event = TileFetched{Key: key, Data: data, Format: format}
		if err != nil {
			ev = TileFetchFailed{Key: key, Err: err}
		}
		select {
		case c.results <- ev:
		case <-c.ctx.Done():
		}
	}()
}

// computeVisible converts the visible level pixels [-offset, -offset+size)
// to tile indices, flooring the start and ceiling the end, clamped to the
// grid. The result's Max is exclusive.
func (c *Controller) computeVisible() image.Rectangle {
	if !c.loaded || c.size.X <= 0 || c.size.Y <= 0 {
		return image.Rectangle{}
	}
	geom := c.meta.Geometry()
	ts := geom.TileSize
	x0 := clamp(floorDiv(-c.offset.X, ts), 0, geom.TilesX(c.zoom))
	y0 := clamp(floorDiv(-c.offset.Y, ts), 0, geom.TilesY(c.zoom))
	x1 := clamp(ceilDiv(-c.offset.X+c.size.X, ts), 0, geom.TilesX(c.zoom))
	y1 := clamp(ceilDiv(-c.offset.Y+c.size.Y, ts), 0, geom.TilesY(c.zoom))
	if x1 <= x0 || y1 <= y0 {
		return image.Rectangle{}
	}
	return image.Rect(x0, y0, x1, y1)
}

// Run handles events until ctx is done or events is closed.
func (c *Controller) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Handle(ev)
		case ev := <-c.results:
			c.Handle(ev)
		}
	}
}

// WaitIdle applies fetch results until no fetch is outstanding.
func (c *Controller) WaitIdle(ctx context.Context) error {
	for len(c.pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.results:
			c.Handle(ev)
		}
	}
	return nil
}

// Close abandons outstanding fetches.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Metadata returns the loaded overlay.
func (c *Controller) Metadata() (overlay.Metadata, bool) { return c.meta, c.loaded }

func (c *Controller) Zoom() int { return c.zoom }

func (c *Controller) Offset() image.Point { return c.offset }

func (c *Controller) Size() image.Point { return c.size }

// Visible returns the visible tile indices at the current zoom.
func (c *Controller) Visible() image.Rectangle { return c.visible }

// Pending is the number of outstanding fetches.
func (c *Controller) Pending() int { return len(c.pending) }

// Cached reports whether key is in the tile cache without touching it.
func (c *Controller) Cached(key overlay.TileKey) bool { return c.cache.Contains(key) }

// CacheCap is the tile cache capacity.
func (c *Controller) CacheCap() int { return c.capacity }

// CacheLen is the number of cached tiles.
func (c *Controller) CacheLen() int { return c.cache.Len() }

// Failed returns the last fetch error for key, if it has not since loaded.
func (c *Controller) Failed(key overlay.TileKey) error { return c.failed[key] }

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int {
	return -floorDiv(-a, b)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
