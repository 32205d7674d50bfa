// Package cache provides an in-memory hot cache for encoded tiles.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// Config contains cache configuration.
type Config struct {
	SizeMB  int
	TTL     time.Duration
	Shards  int
	MaxTile int
}

// TileCache keeps recently served tiles off the backing store.
type TileCache struct {
	tiles *bigcache.BigCache
}

// New creates a new tile cache.
func New(cfg Config) (*TileCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1024
	}
	if cfg.MaxTile <= 0 {
		cfg.MaxTile = 100 * 1024 // 100KB per tile
	}
	tileCacheConfig := bigcache.Config{
		Shards:             cfg.Shards,
		LifeWindow:         cfg.TTL,
		CleanWindow:        cfg.TTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       cfg.MaxTile,
		HardMaxCacheSize:   cfg.SizeMB,
		Verbose:            false,
	}

	tiles, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}
	return &TileCache{tiles: tiles}, nil
}

// Get retrieves a tile and its format tag.
func (c *TileCache) Get(key string) ([]byte, string, bool) {
	entry, err := c.tiles.Get(key)
	if err != nil || len(entry) == 0 {
		return nil, "", false
	}
	n := int(entry[0])
	if len(entry) < 1+n {
		return nil, "", false
	}
	return entry[1+n:], string(entry[1 : 1+n]), true
}

// Set stores a tile.
func (c *TileCache) Set(key string, data []byte, format string) error {
	if len(format) > 255 {
		return fmt.Errorf("format tag too long: %q", format)
	}
	entry := make([]byte, 0, 1+len(format)+len(data))
	entry = append(entry, byte(len(format)))
	entry = append(entry, format...)
	entry = append(entry, data...)
	return c.tiles.Set(key, entry)
}

// Delete drops a tile if present.
func (c *TileCache) Delete(key string) {
	_ = c.tiles.Delete(key)
}

// TileKey generates a cache key for a tile.
func TileKey(overlayKey string, z, x, y int) string {
	return fmt.Sprintf("tile:%s/%d/%d/%d", overlayKey, z, x, y)
}

// Stats returns cache statistics.
func (c *TileCache) Stats() map[string]interface{} {
	s := c.tiles.Stats()
	return map[string]interface{}{
		"tile_cache_len":    c.tiles.Len(),
		"tile_cache_cap":    c.tiles.Capacity(),
		"tile_cache_hits":   s.Hits,
		"tile_cache_misses": s.Misses,
	}
}

// Close closes the cache.
func (c *TileCache) Close() error {
	return c.tiles.Close()
}
