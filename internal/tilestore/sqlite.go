package tilestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/tissue-tiles/server/internal/cache"
	"github.com/tissue-tiles/server/internal/overlay"
)

// SQLiteConfig configures the persistent backend.
type SQLiteConfig struct {
	Path string
	// RetentionDays drops pyramids sealed longer ago; 0 keeps them forever.
	RetentionDays int
	CleanupPeriod time.Duration
}

// SQLiteStore persists pyramids in a SQLite database so they survive
// restarts. Overlay ids are deterministic, so a restarted server serves the
// same ids. An optional hot cache keeps recently read tiles in memory.
type SQLiteStore struct {
	db  *sql.DB
	cfg SQLiteConfig
	hot *cache.TileCache
	log logrus.FieldLogger

	// mu serializes writers; reads go straight to the database.
	mu sync.Mutex

	indexMu sync.RWMutex
	sealed  map[string]overlay.Metadata

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSQLiteStore opens or creates the database at cfg.Path. hot may be nil.
func NewSQLiteStore(cfg SQLiteConfig, hot *cache.TileCache, log logrus.FieldLogger) (*SQLiteStore, error) {
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	// Ensure directory exists
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	// busy_timeout is per connection, so it goes into the DSN.
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		cfg:    cfg,
		hot:    hot,
		log:    log.WithField("component", "tilestore"),
		sealed: make(map[string]overlay.Metadata),
		stopCh: make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	if err := s.recover(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sealed pyramids: %w", err)
	}

	if cfg.RetentionDays > 0 {
		s.wg.Add(1)
		go s.cleaner()
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS overlays (
		overlay_id TEXT PRIMARY KEY,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		tile_size INTEGER NOT NULL,
		max_zoom INTEGER NOT NULL,
		fill_key TEXT NOT NULL,
		is_gene INTEGER NOT NULL,
		tiles INTEGER NOT NULL,
		bytes INTEGER NOT NULL,
		sealed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_overlays_sealed ON overlays(sealed_at);

	CREATE TABLE IF NOT EXISTS tiles (
		overlay_id TEXT NOT NULL,
		zoom INTEGER NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		format TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (overlay_id, zoom, x, y)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// recover drops tiles of pyramids whose generation never sealed (server
// crash) and loads the sealed index.
func (s *SQLiteStore) recover() error {
	res, err := s.db.Exec(`DELETE FROM tiles WHERE overlay_id NOT IN (SELECT overlay_id FROM overlays)`)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.WithField("tiles", n).Warn("dropped tiles of unsealed pyramids")
	}

	rows, err := s.db.Query(`SELECT overlay_id, width, height, tile_size, max_zoom, fill_key, is_gene FROM overlays`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	for rows.Next() {
		var m overlay.Metadata
		if err := rows.Scan(&m.OverlayID, &m.Width, &m.Height, &m.TileSize, &m.MaxZoom, &m.FillKey, &m.IsGene); err != nil {
			return err
		}
		s.sealed[m.OverlayID] = m
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.log.WithField("overlays", len(s.sealed)).Info("opened tile database")
	return nil
}

// Put implements Store. Each tile is written by a single statement, which
// SQLite commits atomically.
func (s *SQLiteStore) Put(key overlay.TileKey, data []byte, format string) error {
	if s.HasComplete(key.OverlayID) {
		return fmt.Errorf("put %s: %w", key, ErrSealed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tiles (overlay_id, zoom, x, y, format, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, key.OverlayID, key.Zoom, key.X, key.Y, format, data)
	if err != nil {
		return fmt.Errorf("failed to store tile %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(key overlay.TileKey) (Tile, error) {
	if !s.HasComplete(key.OverlayID) {
		return Tile{}, notFound(key)
	}

	cacheKey := cache.TileKey(overlay.Key(key.OverlayID), key.Zoom, key.X, key.Y)
	if s.hot != nil {
		if data, format, ok := s.hot.Get(cacheKey); ok {
			return Tile{Data: data, Format: format}, nil
		}
	}

	var t Tile
	err := s.db.QueryRow(`
		SELECT data, format FROM tiles WHERE overlay_id = ? AND zoom = ? AND x = ? AND y = ?
	`, key.OverlayID, key.Zoom, key.X, key.Y).Scan(&t.Data, &t.Format)
	if errors.Is(err, sql.ErrNoRows) {
		return Tile{}, notFound(key)
	}
	if err != nil {
		return Tile{}, fmt.Errorf("failed to read tile %s: %w", key, err)
	}

	if s.hot != nil {
		if err := s.hot.Set(cacheKey, t.Data, t.Format); err != nil {
			s.log.WithError(err).Debug("tile not cached")
		}
	}
	return t, nil
}

// HasComplete implements Store.
func (s *SQLiteStore) HasComplete(overlayID string) bool {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	_, ok := s.sealed[overlayID]
	return ok
}

// Seal implements Store.
func (s *SQLiteStore) Seal(meta overlay.Metadata) error {
	geom := meta.Geometry()
	if err := geom.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count, size int64
	if err := tx.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM tiles WHERE overlay_id = ?`, meta.OverlayID).Scan(&count, &size); err != nil {
		return err
	}
	if count == 0 {
		return overlayNotFound(meta.OverlayID)
	}
	if want := int64(geom.TotalTiles()); count != want {
		return fmt.Errorf("seal %q: %w: %d of %d tiles", meta.OverlayID, ErrIncomplete, count, want)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO overlays (overlay_id, width, height, tile_size, max_zoom, fill_key, is_gene, tiles, bytes, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		meta.OverlayID, meta.Width, meta.Height, meta.TileSize, meta.MaxZoom,
		meta.FillKey, meta.IsGene, count, size, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.indexMu.Lock()
	s.sealed[meta.OverlayID] = meta
	s.indexMu.Unlock()
	return nil
}

// Metadata implements Store.
func (s *SQLiteStore) Metadata(overlayID string) (overlay.Metadata, error) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	m, ok := s.sealed[overlayID]
	if !ok {
		return overlay.Metadata{}, overlayNotFound(overlayID)
	}
	return m, nil
}

// Discard implements Store.
func (s *SQLiteStore) Discard(overlayID string) error {
	s.indexMu.Lock()
	meta, wasSealed := s.sealed[overlayID]
	delete(s.sealed, overlayID)
	s.indexMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deleteOverlay(overlayID); err != nil {
		return err
	}
	if wasSealed {
		s.dropHot(meta)
	}
	return nil
}

// deleteOverlay removes the rows of one pyramid. Must hold s.mu.
func (s *SQLiteStore) deleteOverlay(overlayID string) error {
	// Delete the overlay row first so a crash leaves only orphaned tiles,
	// which recover drops.
	if _, err := s.db.Exec("DELETE FROM overlays WHERE overlay_id = ?", overlayID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM tiles WHERE overlay_id = ?", overlayID)
	return err
}

func (s *SQLiteStore) dropHot(meta overlay.Metadata) {
	if s.hot == nil {
		return
	}
	geom := meta.Geometry()
	key := overlay.Key(meta.OverlayID)
	for z := 0; z <= geom.MaxZoom; z++ {
		for y := 0; y < geom.TilesY(z); y++ {
			for x := 0; x < geom.TilesX(z); x++ {
				s.hot.Delete(cache.TileKey(key, z, x, y))
			}
		}
	}
}

// List implements Store.
func (s *SQLiteStore) List() []overlay.Metadata {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	out := make([]overlay.Metadata, 0, len(s.sealed))
	for _, m := range s.sealed {
		out = append(out, m)
	}
	return out
}

// Stats implements Store.
func (s *SQLiteStore) Stats() Stats {
	st := Stats{Backend: "sqlite"}
	s.indexMu.RLock()
	st.Overlays = len(s.sealed)
	s.indexMu.RUnlock()

	if err := s.db.QueryRow(`SELECT COALESCE(SUM(tiles), 0), COALESCE(SUM(bytes), 0) FROM overlays`).Scan(&st.Tiles, &st.Bytes); err != nil {
		s.log.WithError(err).Warn("failed to read store stats")
	}
	var staging int
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT overlay_id) FROM tiles WHERE overlay_id NOT IN (SELECT overlay_id FROM overlays)`).Scan(&staging); err == nil {
		st.Staging = staging
	}
	return st
}

// DeleteExpired drops pyramids sealed more than retentionDays ago.
func (s *SQLiteStore) DeleteExpired(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	rows, err := s.db.Query(`SELECT overlay_id FROM overlays WHERE sealed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range expired {
		if err := s.Discard(id); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func (s *SQLiteStore) cleaner() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *SQLiteStore) cleanup() {
	deleted, err := s.DeleteExpired(s.cfg.RetentionDays)
	if err != nil {
		s.log.WithError(err).Error("cleanup failed")
	} else if deleted > 0 {
		s.log.WithField("overlays", deleted).Info("cleaned up expired pyramids")
	}
}

// Checkpoint folds the WAL back into the main database file.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if err := s.Checkpoint(context.Background()); err != nil {
		s.log.WithError(err).Warn("wal checkpoint failed")
	}
	if s.hot != nil {
		s.hot.Close()
	}
	return s.db.Close()
}
