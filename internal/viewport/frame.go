package viewport

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/fogleman/gg"

	"github.com/tissue-tiles/server/internal/overlay"
)

// Placed is one tile slot of a frame.
type Placed struct {
	Key overlay.TileKey
	// At is the screen position of the tile's top-left corner.
	At   image.Point
	Size int
	// Payload is nil for a placeholder: never requested, in flight, or
	// failed.
	Payload *Payload
}

// Frame is what the viewer should draw.
type Frame struct {
	Size  image.Point
	Zoom  int
	Tiles []Placed
}

// Frame lays out the visible tiles. Cached tiles shown here become the most
// recently used.
func (c *Controller) Frame() Frame {
	f := Frame{Size: c.size, Zoom: c.zoom}
	if !c.loaded {
		return f
	}
	ts := c.meta.TileSize
	for y := c.visible.Min.Y; y < c.visible.Max.Y; y++ {
		for x := c.visible.Min.X; x < c.visible.Max.X; x++ {
			key := overlay.TileKey{OverlayID: c.meta.OverlayID, Zoom: c.zoom, X: x, Y: y}
			p := Placed{
				Key:  key,
				At:   c.offset.Add(image.Pt(x*ts, y*ts)),
				Size: ts,
			}
			if payload, ok := c.cache.Get(key); ok {
				p.Payload = &payload
			}
			f.Tiles = append(f.Tiles, p)
		}
	}
	return f
}

// Compose draws a frame onto a background-filled canvas. Tiles that fail to
// decode are drawn as placeholders.
func Compose(f Frame, background color.Color) (image.Image, error) {
	if f.Size.X <= 0 || f.Size.Y <= 0 {
		return nil, fmt.Errorf("viewport: empty frame size %v", f.Size)
	}
	dc := gg.NewContext(f.Size.X, f.Size.Y)
	dc.SetColor(background)
	dc.Clear()

	for _, t := range f.Tiles {
		if t.Payload == nil {
			continue
		}
		img, _, err := image.Decode(bytes.NewReader(t.Payload.Data))
		if err != nil {
			continue
		}
		dc.DrawImage(img, t.At.X, t.At.Y)
	}
	return dc.Image(), nil
}
