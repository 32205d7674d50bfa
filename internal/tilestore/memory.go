package tilestore

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/tissue-tiles/server/internal/overlay"
)

// MemoryConfig bounds the memory backend.
type MemoryConfig struct {
	MaxOverlays int
	// MaxBytes caps the payload bytes of sealed pyramids; 0 means no cap.
	MaxBytes int64
}

type tileIndex struct{ z, x, y int }

// pyramidTiles holds the tiles of one pyramid. Tile payloads are immutable
// once stored, so readers holding a reference are unaffected by eviction.
type pyramidTiles struct {
	meta  overlay.Metadata
	tiles sync.Map // tileIndex -> Tile
	count atomic.Int64
	bytes atomic.Int64
}

func (p *pyramidTiles) put(idx tileIndex, t Tile) {
	if prev, loaded := p.tiles.Swap(idx, t); loaded {
		p.bytes.Add(-int64(len(prev.(Tile).Data)))
	} else {
		p.count.Add(1)
	}
	p.bytes.Add(int64(len(t.Data)))
}

// MemoryStore keeps pyramids in process memory. Sealed pyramids are evicted
// least recently used first when either bound is exceeded.
type MemoryStore struct {
	cfg MemoryConfig
	log logrus.FieldLogger

	mu      sync.Mutex
	staging map[string]*pyramidTiles
	sealed  *lru.Cache[string, *pyramidTiles]

	sealedBytes atomic.Int64
	evictions   atomic.Int64
}

// NewMemoryStore creates a memory backend.
func NewMemoryStore(cfg MemoryConfig, log logrus.FieldLogger) (*MemoryStore, error) {
	if cfg.MaxOverlays <= 0 {
		cfg.MaxOverlays = 64
	}
	s := &MemoryStore{
		cfg:     cfg,
		log:     log.WithField("component", "tilestore"),
		staging: make(map[string]*pyramidTiles),
	}
	sealed, err := lru.NewWithEvict[string, *pyramidTiles](cfg.MaxOverlays, func(id string, p *pyramidTiles) {
		s.sealedBytes.Add(-p.bytes.Load())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay cache: %w", err)
	}
	s.sealed = sealed
	return s, nil
}

// Put implements Store.
func (s *MemoryStore) Put(key overlay.TileKey, data []byte, format string) error {
	s.mu.Lock()
	if s.sealed.Contains(key.OverlayID) {
		s.mu.Unlock()
		return fmt.Errorf("put %s: %w", key, ErrSealed)
	}
	p, ok := s.staging[key.OverlayID]
	if !ok {
		p = &pyramidTiles{}
		s.staging[key.OverlayID] = p
	}
	s.mu.Unlock()

	payload := make([]byte, len(data))
	copy(payload, data)
	p.put(tileIndex{key.Zoom, key.X, key.Y}, Tile{Data: payload, Format: format})
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(key overlay.TileKey) (Tile, error) {
	p, ok := s.sealed.Get(key.OverlayID)
	if !ok {
		return Tile{}, notFound(key)
	}
	v, ok := p.tiles.Load(tileIndex{key.Zoom, key.X, key.Y})
	if !ok {
		return Tile{}, notFound(key)
	}
	return v.(Tile), nil
}

// HasComplete implements Store.
func (s *MemoryStore) HasComplete(overlayID string) bool {
	return s.sealed.Contains(overlayID)
}

// Seal implements Store.
func (s *MemoryStore) Seal(meta overlay.Metadata) error {
	geom := meta.Geometry()
	if err := geom.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	p, ok := s.staging[meta.OverlayID]
	if !ok {
		s.mu.Unlock()
		return overlayNotFound(meta.OverlayID)
	}
	want := geom.TotalTiles()
	if got := int(p.count.Load()); got != want {
		s.mu.Unlock()
		return fmt.Errorf("seal %q: %w: %d of %d tiles", meta.OverlayID, ErrIncomplete, got, want)
	}
	delete(s.staging, meta.OverlayID)
	p.meta = meta
	s.sealedBytes.Add(p.bytes.Load())
	if s.sealed.Add(meta.OverlayID, p) {
		s.evictions.Add(1)
	}
	s.enforceByteCap(meta.OverlayID)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"overlay_id": meta.OverlayID,
		"tiles":      want,
		"bytes":      p.bytes.Load(),
	}).Debug("sealed pyramid")
	return nil
}

// enforceByteCap evicts old pyramids until the byte cap holds, never the
// one just sealed. Must hold s.mu.
func (s *MemoryStore) enforceByteCap(keep string) {
	if s.cfg.MaxBytes <= 0 {
		return
	}
	for s.sealedBytes.Load() > s.cfg.MaxBytes && s.sealed.Len() > 1 {
		id, _, ok := s.sealed.GetOldest()
		if !ok || id == keep {
			return
		}
		s.sealed.Remove(id)
		s.evictions.Add(1)
		s.log.WithField("overlay_id", id).Info("evicted pyramid over byte cap")
	}
}

// Metadata implements Store.
func (s *MemoryStore) Metadata(overlayID string) (overlay.Metadata, error) {
	p, ok := s.sealed.Peek(overlayID)
	if !ok {
		return overlay.Metadata{}, overlayNotFound(overlayID)
	}
	return p.meta, nil
}

// Discard implements Store.
func (s *MemoryStore) Discard(overlayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staging, overlayID)
	s.sealed.Remove(overlayID)
	return nil
}

// List implements Store.
func (s *MemoryStore) List() []overlay.Metadata {
	keys := s.sealed.Keys()
	out := make([]overlay.Metadata, 0, len(keys))
	for _, id := range keys {
		if p, ok := s.sealed.Peek(id); ok {
			out = append(out, p.meta)
		}
	}
	return out
}

// Stats implements Store.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	staging := len(s.staging)
	s.mu.Unlock()

	var tiles int64
	for _, id := range s.sealed.Keys() {
		if p, ok := s.sealed.Peek(id); ok {
			tiles += p.count.Load()
		}
	}
	return Stats{
		Backend:   "memory",
		Overlays:  s.sealed.Len(),
		Staging:   staging,
		Tiles:     tiles,
		Bytes:     s.sealedBytes.Load(),
		Evictions: s.evictions.Load(),
	}
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staging = make(map[string]*pyramidTiles)
	s.sealed.Purge()
	return nil
}
