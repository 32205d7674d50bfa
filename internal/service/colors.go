package service

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/tissue-tiles/server/internal/overlay"
	"github.com/tissue-tiles/server/internal/source"
	"github.com/tissue-tiles/server/pkg/colormap"
)

// upperQuantile clips continuous values so a few outlier cells do not wash
// out the gradient.
const upperQuantile = 0.99

// attribute is a resolved fill or border key.
type attribute struct {
	key    string
	isGene bool
	// values is set for continuous attributes, column for categorical ones.
	values []float32
	column *source.Column
}

// resolveAttribute looks key up as a gene first and as an obs column second.
func resolveAttribute(ds source.Dataset, key string) (*attribute, error) {
	if ds.HasGene(key) {
		values, err := ds.Gene(key)
		if err != nil {
			return nil, fmt.Errorf("failed to read expression of %q: %w", key, err)
		}
		return &attribute{key: key, isGene: true, values: values}, nil
	}

	col, err := ds.Obs(key)
	if errors.Is(err, source.ErrNoSuchAttribute) {
		return nil, fmt.Errorf("%q is neither a gene nor an obs column: %w", key, overlay.ErrUnknownAttribute)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read column %q: %w", key, err)
	}
	if col.Categorical {
		return &attribute{key: key, column: col}, nil
	}
	return &attribute{key: key, values: col.Values}, nil
}

func (a *attribute) len() int {
	if a.column != nil {
		return a.column.Len()
	}
	return len(a.values)
}

// cellColors maps every cell label to a color. Cells whose value cannot be
// colored get fallback and are counted as failures.
func cellColors(a *attribute, labels []uint32, cmap colormap.Colormap, fallback color.RGBA) (map[uint32]color.RGBA, int, error) {
	if a.len() != len(labels) {
		return nil, 0, fmt.Errorf("attribute %q has %d values for %d cells", a.key, a.len(), len(labels))
	}

	colors := make(map[uint32]color.RGBA, len(labels))
	failures := 0

	if a.column != nil {
		palette := colormap.AssignCategories(a.column.Categories, a.column.Colors)
		for i, label := range labels {
			code := int(a.column.Codes[i])
			if code < 0 || code >= len(palette) {
				colors[label] = fallback
				failures++
				continue
			}
			colors[label] = palette[code]
		}
		return colors, failures, nil
	}

	lo, hi := valueRange(a.values)
	span := hi - lo
	for i, label := range labels {
		v := float64(a.values[i])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			colors[label] = fallback
			failures++
			continue
		}
		t := 0.0
		if span > 0 {
			t = (v - lo) / span
		}
		colors[label] = cmap.At(t)
	}
	return colors, failures, nil
}

// valueRange returns the minimum and the upper quantile of the finite values.
func valueRange(values []float32) (lo, hi float64) {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		f := float64(v)
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			finite = append(finite, f)
		}
	}
	if len(finite) == 0 {
		return 0, 0
	}
	sort.Float64s(finite)
	lo = finite[0]
	hi = stat.Quantile(upperQuantile, stat.Empirical, finite, nil)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}
