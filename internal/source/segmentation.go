package source

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tissue-tiles/server/internal/data/zarr"
)

// Segmentation partitions the base image into labeled cells. It is either a
// *Mask or a *Polygons.
type Segmentation interface {
	// Bounds is the extent of the segmentation in native image pixels.
	Bounds() image.Rectangle
	// NumRegions is the number of distinct non-background labels.
	NumRegions() int
}

// Mask is a dense label image; label 0 is background.
type Mask struct {
	*zarr.LabelMask
	regions int
}

// NewMask wraps a label image.
func NewMask(m *zarr.LabelMask) *Mask {
	seen := make(map[uint32]struct{})
	for _, l := range m.Labels {
		if l != 0 {
			seen[l] = struct{}{}
		}
	}
	return &Mask{LabelMask: m, regions: len(seen)}
}

func (m *Mask) Bounds() image.Rectangle { return image.Rect(0, 0, m.Width, m.Height) }

func (m *Mask) NumRegions() int { return m.regions }

// Cell is one polygonal cell outline in pixel coordinates.
type Cell struct {
	Label uint32
	Shape orb.MultiPolygon
}

// Polygons is a segmentation given as cell outlines.
type Polygons struct {
	Cells []Cell
	bound orb.Bound
}

// NewPolygons builds a polygon segmentation.
func NewPolygons(cells []Cell) *Polygons {
	p := &Polygons{Cells: cells}
	for i, c := range cells {
		if i == 0 {
			p.bound = c.Shape.Bound()
			continue
		}
		p.bound = p.bound.Union(c.Shape.Bound())
	}
	return p
}

func (p *Polygons) Bounds() image.Rectangle {
	if len(p.Cells) == 0 {
		return image.Rectangle{}
	}
	return image.Rect(int(p.bound.Min.X()), int(p.bound.Min.Y()), int(p.bound.Max.X())+1, int(p.bound.Max.Y())+1)
}

func (p *Polygons) NumRegions() int { return len(p.Cells) }

// segmentationFormat returns the explicit format or infers it from the path.
func segmentationFormat(path, format string) string {
	if format != "" {
		return strings.ToLower(format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		return "geojson"
	}
	return "mask"
}

// LoadSegmentation reads a Zarr label mask or a GeoJSON feature collection.
func LoadSegmentation(path, format string) (Segmentation, error) {
	switch segmentationFormat(path, format) {
	case "mask", "zarr":
		m, err := zarr.ReadLabelMask(path)
		if err != nil {
			return nil, err
		}
		return NewMask(m), nil
	case "geojson":
		return LoadGeoJSON(path)
	default:
		return nil, fmt.Errorf("unsupported segmentation format %q", format)
	}
}

// LoadGeoJSON reads cell outlines from a feature collection. Each feature's
// "label" property names its cell; features without one are numbered from 1
// in file order.
func LoadGeoJSON(path string) (*Polygons, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cells := make([]Cell, 0, len(fc.Features))
	for i, f := range fc.Features {
		var shape orb.MultiPolygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			shape = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			shape = g
		default:
			return nil, fmt.Errorf("feature %d of %s: unsupported geometry %T", i, path, f.Geometry)
		}
		label := f.Properties.MustFloat64("label", float64(i+1))
		if label <= 0 {
			return nil, fmt.Errorf("feature %d of %s: label must be positive, got %v", i, path, label)
		}
		cells = append(cells, Cell{Label: uint32(label), Shape: shape})
	}
	return NewPolygons(cells), nil
}
