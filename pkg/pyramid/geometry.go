// Package pyramid describes the shape of a multi-resolution tile pyramid.
//
// Zoom 0 is the coarsest level and zoom MaxZoom is native resolution. Level z
// is the native image downsampled by 2^(MaxZoom-z), rounding dimensions up.
package pyramid

import (
	"errors"
	"fmt"
)

// ErrInvalidGeometry is returned for non-positive dimensions, tile sizes or a
// negative max zoom.
var ErrInvalidGeometry = errors.New("invalid geometry")

// maxSupportedZoom keeps 1<<(MaxZoom-z) inside an int.
const maxSupportedZoom = 30

// Geometry is the immutable shape of one pyramid.
type Geometry struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	TileSize int `json:"tile_size"`
	MaxZoom  int `json:"max_zoom"`
}

// New validates the parameters and returns the geometry.
func New(width, height, tileSize, maxZoom int) (Geometry, error) {
	g := Geometry{Width: width, Height: height, TileSize: tileSize, MaxZoom: maxZoom}
	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// Validate reports whether g describes a usable pyramid.
func (g Geometry) Validate() error {
	switch {
	case g.Width <= 0 || g.Height <= 0:
		return fmt.Errorf("%w: size %dx%d", ErrInvalidGeometry, g.Width, g.Height)
	case g.TileSize <= 0:
		return fmt.Errorf("%w: tile size %d", ErrInvalidGeometry, g.TileSize)
	case g.MaxZoom < 0 || g.MaxZoom > maxSupportedZoom:
		return fmt.Errorf("%w: max zoom %d", ErrInvalidGeometry, g.MaxZoom)
	}
	return nil
}

// ChooseMaxZoom returns the smallest k >= 0 such that the longer side of the
// image, downsampled by 2^k, fits into a single tile.
func ChooseMaxZoom(width, height, tileSize int) (int, error) {
	if width <= 0 || height <= 0 || tileSize <= 0 {
		return 0, fmt.Errorf("%w: size %dx%d tile %d", ErrInvalidGeometry, width, height, tileSize)
	}
	longest := max(width, height)
	k := 0
	for ceilDiv(longest, 1<<k) > tileSize {
		k++
	}
	return k, nil
}

// Scale is the downsampling factor of level z relative to native resolution,
// or 0 when z is not a level of g.
func (g Geometry) Scale(z int) int {
	if !g.ValidZoom(z) {
		return 0
	}
	return 1 << (g.MaxZoom - z)
}

// LevelWidth is the pixel width of level z, 0 outside the pyramid.
func (g Geometry) LevelWidth(z int) int {
	scale := g.Scale(z)
	if scale == 0 {
		return 0
	}
	return ceilDiv(g.Width, scale)
}

// LevelHeight is the pixel height of level z, 0 outside the pyramid.
func (g Geometry) LevelHeight(z int) int {
	scale := g.Scale(z)
	if scale == 0 {
		return 0
	}
	return ceilDiv(g.Height, scale)
}

// TilesX is the number of tile columns at level z, 0 outside the pyramid.
func (g Geometry) TilesX(z int) int {
	if g.TileSize <= 0 {
		return 0
	}
	return ceilDiv(g.LevelWidth(z), g.TileSize)
}

// TilesY is the number of tile rows at level z, 0 outside the pyramid.
func (g Geometry) TilesY(z int) int {
	if g.TileSize <= 0 {
		return 0
	}
	return ceilDiv(g.LevelHeight(z), g.TileSize)
}

// ValidZoom reports whether z is a level of this pyramid.
func (g Geometry) ValidZoom(z int) bool {
	return z >= 0 && z <= g.MaxZoom && g.MaxZoom <= maxSupportedZoom
}

// Contains reports whether (z, x, y) addresses a tile of this pyramid.
func (g Geometry) Contains(z, x, y int) bool {
	if !g.ValidZoom(z) {
		return false
	}
	return x >= 0 && x < g.TilesX(z) && y >= 0 && y < g.TilesY(z)
}

// TotalTiles is the number of tiles over all levels.
func (g Geometry) TotalTiles() int {
	n := 0
	for z := 0; z <= g.MaxZoom; z++ {
		n += g.TilesX(z) * g.TilesY(z)
	}
	return n
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
