package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tissue-tiles/server/internal/data/zarr"
	"github.com/tissue-tiles/server/internal/source"
)

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestDownsample_Dimensions(t *testing.T) {
	for _, size := range [][2]int{{1, 1}, {2, 2}, {3, 5}, {256, 255}, {1001, 333}} {
		out := Downsample(uniform(size[0], size[1], color.RGBA{10, 20, 30, 255}))
		assert.Equal(t, (size[0]+1)/2, out.Rect.Dx(), "width of %v", size)
		assert.Equal(t, (size[1]+1)/2, out.Rect.Dy(), "height of %v", size)
		assert.Equal(t, color.RGBA{10, 20, 30, 255}, out.RGBAAt(out.Rect.Dx()-1, out.Rect.Dy()-1))
	}
}

func TestDownsample_AveragesExistingPixels(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 1))
	src.SetRGBA(0, 0, color.RGBA{0, 0, 0, 255})
	src.SetRGBA(1, 0, color.RGBA{200, 100, 50, 255})
	src.SetRGBA(2, 0, color.RGBA{90, 90, 90, 255})

	out := Downsample(src)
	require.Equal(t, image.Rect(0, 0, 2, 1), out.Rect)
	assert.Equal(t, color.RGBA{100, 50, 25, 255}, out.RGBAAt(0, 0))
	// The odd last column is carried over, not darkened.
	assert.Equal(t, color.RGBA{90, 90, 90, 255}, out.RGBAAt(1, 0))
}

func TestRasterize_Mask(t *testing.T) {
	// Label 1 covers a 3x3 block whose centre is its only interior pixel.
	labels := make([]uint32, 5*5)
	for y := 1; y <= 3; y++ {
		for x := 1; x <= 3; x++ {
			labels[y*5+x] = 1
		}
	}
	mask := source.NewMask(&zarr.LabelMask{Width: 5, Height: 5, Labels: labels})
	base := uniform(5, 5, color.RGBA{255, 255, 255, 255})

	t.Run("fill only", func(t *testing.T) {
		out, _, err := Rasterize(base, mask, Style{
			Fill:        map[uint32]color.RGBA{1: {255, 0, 0, 255}},
			FillOpacity: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, color.RGBA{255, 0, 0, 255}, out.RGBAAt(1, 1))
		assert.Equal(t, color.RGBA{255, 255, 255, 255}, out.RGBAAt(0, 0))
	})

	t.Run("half opacity", func(t *testing.T) {
		out, _, err := Rasterize(base, mask, Style{
			Fill:        map[uint32]color.RGBA{1: {0, 0, 0, 255}},
			FillOpacity: 0.5,
		})
		require.NoError(t, err)
		assert.Equal(t, color.RGBA{128, 128, 128, 255}, out.RGBAAt(2, 2))
	})

	t.Run("border", func(t *testing.T) {
		out, _, err := Rasterize(base, mask, Style{
			Fill:        map[uint32]color.RGBA{1: {255, 0, 0, 255}},
			Stroke:      map[uint32]color.RGBA{1: {0, 0, 255, 255}},
			FillOpacity: 1,
			BorderWidth: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, color.RGBA{0, 0, 255, 255}, out.RGBAAt(1, 1))
		assert.Equal(t, color.RGBA{0, 0, 255, 255}, out.RGBAAt(3, 2))
		assert.Equal(t, color.RGBA{255, 0, 0, 255}, out.RGBAAt(2, 2))
	})

	// The base image is not modified.
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, base.RGBAAt(2, 2))
}

func TestRasterize_CountsUnmatchedLabels(t *testing.T) {
	labels := []uint32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		0, 0, 3, 3,
	}
	mask := source.NewMask(&zarr.LabelMask{Width: 4, Height: 3, Labels: labels})
	base := uniform(4, 3, color.RGBA{255, 255, 255, 255})

	out, unmatched, err := Rasterize(base, mask, Style{
		Fill:        map[uint32]color.RGBA{1: {255, 0, 0, 255}},
		FillOpacity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, unmatched)
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, out.RGBAAt(3, 2))

	square := orb.MultiPolygon{{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}}}
	seg := source.NewPolygons([]source.Cell{{Label: 1, Shape: square}, {Label: 9, Shape: square}})
	_, unmatched, err = Rasterize(base, seg, Style{
		Fill:        map[uint32]color.RGBA{1: {255, 0, 0, 255}},
		FillOpacity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, unmatched)
}

func TestRasterize_Polygons(t *testing.T) {
	square := orb.MultiPolygon{{{{2, 2}, {18, 2}, {18, 18}, {2, 18}, {2, 2}}}}
	seg := source.NewPolygons([]source.Cell{{Label: 4, Shape: square}})
	base := uniform(20, 20, color.RGBA{0, 0, 0, 255})

	out, _, err := Rasterize(base, seg, Style{
		Fill:        map[uint32]color.RGBA{4: {0, 255, 0, 255}},
		FillOpacity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{0, 255, 0, 255}, out.RGBAAt(10, 10))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, out.RGBAAt(0, 0))
}

func TestEncodeTile_PadsEdgeTiles(t *testing.T) {
	enc, err := NewTileEncoder(Config{
		TileSize:   4,
		Format:     FormatPNG,
		Background: color.RGBA{255, 255, 255, 255},
	})
	require.NoError(t, err)

	level := uniform(6, 5, color.RGBA{255, 0, 0, 255})
	tile, err := enc.EncodeTile(level, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, FormatPNG, tile.Format)

	img, err := png.Decode(bytes.NewReader(tile.Data))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())
	assertRGB(t, img.At(0, 0), 255, 0, 0)
	assertRGB(t, img.At(1, 0), 255, 0, 0)
	assertRGB(t, img.At(2, 0), 255, 255, 255)
	assertRGB(t, img.At(0, 1), 255, 255, 255)

	_, err = enc.EncodeTile(level, 2, 0)
	assert.Error(t, err)
}

func TestEncodeTile_JPEG(t *testing.T) {
	enc, err := NewTileEncoder(Config{TileSize: 8, JPEGQuality: 90})
	require.NoError(t, err)
	assert.Equal(t, FormatJPEG, enc.Format())

	tile, err := enc.EncodeTile(uniform(8, 8, color.RGBA{40, 80, 120, 255}), 0, 0)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(tile.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
	assert.Equal(t, "image/jpeg", ContentType(tile.Format))
}

func TestNewTileEncoder_Rejects(t *testing.T) {
	_, err := NewTileEncoder(Config{TileSize: 0})
	assert.Error(t, err)
	_, err = NewTileEncoder(Config{TileSize: 256, Format: "webp"})
	assert.Error(t, err)
}

func assertRGB(t *testing.T, c color.Color, r, g, b uint8) {
	t.Helper()
	cr, cg, cb, _ := c.RGBA()
	assert.Equal(t, [3]uint8{r, g, b}, [3]uint8{uint8(cr >> 8), uint8(cg >> 8), uint8(cb >> 8)})
}
