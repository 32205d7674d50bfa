// Package tilestore holds generated tile pyramids keyed by
// (overlay id, zoom, x, y).
//
// Tiles are staged with Put while a pyramid is being generated and become
// readable only once Seal publishes the whole pyramid, so a reader never
// sees a partial pyramid or a partially written tile.
package tilestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tissue-tiles/server/internal/cache"
	"github.com/tissue-tiles/server/internal/config"
	"github.com/tissue-tiles/server/internal/overlay"
)

// ErrSealed is returned by Put for a pyramid that was already published.
var ErrSealed = errors.New("overlay already sealed")

// ErrIncomplete is returned by Seal when staged tiles are missing.
var ErrIncomplete = errors.New("pyramid incomplete")

// Tile is an encoded tile payload with its format tag.
type Tile struct {
	Data   []byte
	Format string
}

// Stats describes store occupancy.
type Stats struct {
	Backend   string `json:"backend"`
	Overlays  int    `json:"overlays"`
	Staging   int    `json:"staging"`
	Tiles     int64  `json:"tiles"`
	Bytes     int64  `json:"bytes"`
	Evictions int64  `json:"evictions"`
}

// Store is the tile store contract shared by all backends.
type Store interface {
	// Put stages one tile of a pyramid under construction.
	Put(key overlay.TileKey, data []byte, format string) error
	// Get returns a tile of a sealed pyramid, or an error wrapping
	// overlay.ErrNotFound.
	Get(key overlay.TileKey) (Tile, error)
	// HasComplete reports whether a sealed pyramid exists for overlayID.
	HasComplete(overlayID string) bool
	// Seal publishes the staged pyramid described by meta. Every tile of
	// meta's geometry must have been staged.
	Seal(meta overlay.Metadata) error
	// Metadata returns the metadata of a sealed pyramid.
	Metadata(overlayID string) (overlay.Metadata, error)
	// Discard drops a pyramid, staged or sealed.
	Discard(overlayID string) error
	// List returns the metadata of all sealed pyramids.
	List() []overlay.Metadata
	Stats() Stats
	Close() error
}

// New creates the backend selected by cfg.
func New(cfg config.StoreConfig, log logrus.FieldLogger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(MemoryConfig{
			MaxOverlays: cfg.MaxOverlays,
			MaxBytes:    int64(cfg.MaxSizeMB) << 20,
		}, log)
	case "sqlite":
		var hot *cache.TileCache
		if cfg.HotCacheMB > 0 {
			var err error
			hot, err = cache.New(cache.Config{
				SizeMB: cfg.HotCacheMB,
				TTL:    time.Duration(cfg.HotCacheTTLMinutes) * time.Minute,
			})
			if err != nil {
				return nil, err
			}
		}
		return NewSQLiteStore(SQLiteConfig{
			Path:          cfg.SQLitePath,
			RetentionDays: cfg.RetentionDays,
		}, hot, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func notFound(key overlay.TileKey) error {
	return fmt.Errorf("tile %s: %w", key, overlay.ErrNotFound)
}

func overlayNotFound(overlayID string) error {
	return fmt.Errorf("overlay %q: %w", overlayID, overlay.ErrNotFound)
}
