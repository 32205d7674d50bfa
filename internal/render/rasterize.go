// Package render rasterizes overlays and cuts them into encoded tiles.
package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/paulmach/orb"
	"golang.org/x/image/draw"

	"github.com/tissue-tiles/server/internal/source"
)

// Style colors the cells of one overlay.
type Style struct {
	// Fill maps a segmentation label to its fill color. Labels without an
	// entry are left unpainted.
	Fill map[uint32]color.RGBA
	// Stroke maps labels to their border color; nil draws no borders.
	Stroke      map[uint32]color.RGBA
	FillOpacity float64
	BorderWidth float64
}

// Rasterize paints the cells of seg over base at native resolution. The
// result has base's size with its origin at (0, 0). unmatched counts the
// segmentation labels without a fill color; those cells keep the base image.
func Rasterize(base image.Image, seg source.Segmentation, style Style) (out *image.RGBA, unmatched int, err error) {
	b := base.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, 0, fmt.Errorf("empty base image")
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, base, b, draw.Src, nil)

	switch s := seg.(type) {
	case *source.Mask:
		unmatched = rasterizeMask(dst, s, style)
	case *source.Polygons:
		unmatched = rasterizePolygons(dst, s, style)
	default:
		return nil, 0, fmt.Errorf("unsupported segmentation type %T", seg)
	}
	return dst, unmatched, nil
}

func rasterizeMask(dst *image.RGBA, m *source.Mask, style Style) int {
	w := min(dst.Rect.Dx(), m.Width)
	h := min(dst.Rect.Dy(), m.Height)
	alpha := clamp01(style.FillOpacity)
	unmatched := make(map[uint32]struct{})

	for y := 0; y < h; y++ {
		row := y * m.Width
		for x := 0; x < w; x++ {
			label := m.Labels[row+x]
			if label == 0 {
				continue
			}
			off := dst.PixOffset(x, y)
			if style.Stroke != nil && style.BorderWidth > 0 && isMaskEdge(m, x, y, label) {
				if c, ok := style.Stroke[label]; ok {
					setPix(dst.Pix[off:off+4], c)
					continue
				}
			}
			if c, ok := style.Fill[label]; ok {
				blendPix(dst.Pix[off:off+4], c, alpha)
			} else {
				unmatched[label] = struct{}{}
			}
		}
	}
	return len(unmatched)
}

// isMaskEdge reports whether a 4-neighbour of (x, y) carries another label.
// The image boundary counts as an edge.
func isMaskEdge(m *source.Mask, x, y int, label uint32) bool {
	return m.At(x-1, y) != label || m.At(x+1, y) != label ||
		m.At(x, y-1) != label || m.At(x, y+1) != label
}

func rasterizePolygons(dst *image.RGBA, p *source.Polygons, style Style) int {
	dc := gg.NewContextForRGBA(dst)
	dc.SetFillRuleEvenOdd()
	alpha := clamp01(style.FillOpacity)
	unmatched := 0

	for _, cell := range p.Cells {
		fill, hasFill := style.Fill[cell.Label]
		stroke, hasStroke := style.Stroke[cell.Label]
		if !hasFill {
			unmatched++
		}
		if !hasFill && !hasStroke {
			continue
		}
		tracePolygon(dc, cell.Shape)
		if hasFill {
			dc.SetRGBA255(int(fill.R), int(fill.G), int(fill.B), int(alpha*255+0.5))
			dc.FillPreserve()
		}
		if hasStroke && style.BorderWidth > 0 {
			dc.SetRGBA255(int(stroke.R), int(stroke.G), int(stroke.B), 255)
			dc.SetLineWidth(style.BorderWidth)
			dc.StrokePreserve()
		}
		dc.ClearPath()
	}
	return unmatched
}

func tracePolygon(dc *gg.Context, shape orb.MultiPolygon) {
	for _, poly := range shape {
		for _, ring := range poly {
			if len(ring) < 3 {
				continue
			}
			dc.NewSubPath()
			dc.MoveTo(ring[0].X(), ring[0].Y())
			for _, pt := range ring[1:] {
				dc.LineTo(pt.X(), pt.Y())
			}
			dc.ClosePath()
		}
	}
}

func setPix(p []uint8, c color.RGBA) {
	p[0], p[1], p[2], p[3] = c.R, c.G, c.B, 255
}

// blendPix composites c with opacity alpha over the pixel.
func blendPix(p []uint8, c color.RGBA, alpha float64) {
	inv := 1 - alpha
	p[0] = uint8(float64(c.R)*alpha + float64(p[0])*inv + 0.5)
	p[1] = uint8(float64(c.G)*alpha + float64(p[1])*inv + 0.5)
	p[2] = uint8(float64(c.B)*alpha + float64(p[2])*inv + 0.5)
	p[3] = uint8(255*alpha + float64(p[3])*inv + 0.5)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
