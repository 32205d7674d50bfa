// Package overlay defines overlay identity and the metadata returned for a
// generated pyramid.
package overlay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tissue-tiles/server/pkg/pyramid"
)

var (
	// ErrNotFound marks a missing dataset, image, segmentation, overlay or tile.
	ErrNotFound = errors.New("not found")
	// ErrUnknownAttribute marks a fill or border key that resolves against
	// neither the gene-expression matrix nor a metadata column.
	ErrUnknownAttribute = errors.New("unknown attribute")
	// ErrOutOfRange marks tile indices outside the level's tile grid.
	ErrOutOfRange = errors.New("out of range")
	// ErrInvalidRequest marks malformed request parameters.
	ErrInvalidRequest = errors.New("invalid request")
)

const idSeparator = ":"

// Params are the generation parameters an overlay is identified by.
type Params struct {
	DatasetID      string
	ImageID        string
	SegmentationID string
	FillKey        string
	// BorderKey is nil when no border is requested. A non-nil empty string
	// is a distinct request.
	BorderKey *string
}

// Validate checks that the required fields are set.
func (p Params) Validate() error {
	var missing []string
	if p.DatasetID == "" {
		missing = append(missing, "datasetId")
	}
	if p.ImageID == "" {
		missing = append(missing, "imgId")
	}
	if p.SegmentationID == "" {
		missing = append(missing, "segId")
	}
	if p.FillKey == "" {
		missing = append(missing, "fillKey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// HasBorder reports whether a border attribute was requested.
func (p Params) HasBorder() bool {
	return p.BorderKey != nil && *p.BorderKey != ""
}

// ID returns the overlay identity. Each field is query-escaped, so none can
// contain the separator, and the fields are joined in a fixed order. The
// border field is appended only when present.
func (p Params) ID() string {
	fields := []string{p.DatasetID, p.ImageID, p.SegmentationID, p.FillKey}
	if p.BorderKey != nil {
		fields = append(fields, *p.BorderKey)
	}
	for i, f := range fields {
		fields[i] = url.QueryEscape(f)
	}
	return strings.Join(fields, idSeparator)
}

// Key is a fixed-length digest of the ID, safe for file names and cache keys.
func Key(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:12])
}

// ParseID reverses ID.
func ParseID(id string) (Params, error) {
	parts := strings.Split(id, idSeparator)
	if len(parts) != 4 && len(parts) != 5 {
		return Params{}, fmt.Errorf("%w: malformed overlay id %q", ErrInvalidRequest, id)
	}
	for i, part := range parts {
		v, err := url.QueryUnescape(part)
		if err != nil {
			return Params{}, fmt.Errorf("%w: malformed overlay id %q: %v", ErrInvalidRequest, id, err)
		}
		parts[i] = v
	}
	p := Params{
		DatasetID:      parts[0],
		ImageID:        parts[1],
		SegmentationID: parts[2],
		FillKey:        parts[3],
	}
	if len(parts) == 5 {
		border := parts[4]
		p.BorderKey = &border
	}
	return p, nil
}

// Metadata describes a generated overlay. The JSON field names are part of
// the wire protocol.
type Metadata struct {
	OverlayID string `json:"overlay_id"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	TileSize  int    `json:"tile_size"`
	MaxZoom   int    `json:"max_zoom"`
	FillKey   string `json:"fill_key"`
	IsGene    bool   `json:"is_gene"`
}

// Geometry returns the pyramid shape described by m.
func (m Metadata) Geometry() pyramid.Geometry {
	return pyramid.Geometry{
		Width:    m.Width,
		Height:   m.Height,
		TileSize: m.TileSize,
		MaxZoom:  m.MaxZoom,
	}
}

// TileKey addresses one tile of one overlay.
type TileKey struct {
	OverlayID string
	Zoom      int
	X         int
	Y         int
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.OverlayID, k.Zoom, k.X, k.Y)
}
