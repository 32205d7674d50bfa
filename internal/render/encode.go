package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
)

// Tile formats.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// ContentType returns the MIME type of a tile format.
func ContentType(format string) string {
	if format == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Config contains encoder configuration.
type Config struct {
	TileSize    int
	Format      string
	JPEGQuality int
	Background  color.RGBA
}

// Tile is one encoded tile payload.
type Tile struct {
	Data   []byte
	Format string
}

// TileEncoder cuts pyramid levels into fixed-size encoded tiles. It is safe
// for concurrent use.
type TileEncoder struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewTileEncoder creates a new tile encoder.
func NewTileEncoder(cfg Config) (*TileEncoder, error) {
	if cfg.TileSize <= 0 {
		return nil, fmt.Errorf("tile size must be positive, got %d", cfg.TileSize)
	}
	switch cfg.Format {
	case FormatJPEG, FormatPNG:
	case "":
		cfg.Format = FormatJPEG
	default:
		return nil, fmt.Errorf("unsupported tile format %q", cfg.Format)
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}
	return &TileEncoder{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}, nil
}

// Format returns the format tag of encoded tiles.
func (e *TileEncoder) Format() string {
	return e.config.Format
}

// EncodeTile encodes tile (x, y) of level. Pixels beyond the level edge are
// filled with the background color.
func (e *TileEncoder) EncodeTile(level *image.RGBA, x, y int) (Tile, error) {
	size := e.config.TileSize
	rect := image.Rect(x*size, y*size, (x+1)*size, (y+1)*size).Intersect(level.Rect)
	if rect.Empty() {
		return Tile{}, fmt.Errorf("tile (%d,%d) lies outside the %dx%d level", x, y, level.Rect.Dx(), level.Rect.Dy())
	}

	// Get context from pool
	dc := e.contextPool.Get().(*gg.Context)
	defer e.contextPool.Put(dc)

	dc.SetColor(e.config.Background)
	dc.Clear()
	canvas := dc.Image().(*image.RGBA)
	draw.Draw(canvas, image.Rect(0, 0, rect.Dx(), rect.Dy()), level, rect.Min, draw.Over)

	data, err := e.encode(canvas)
	if err != nil {
		return Tile{}, err
	}
	return Tile{Data: data, Format: e.config.Format}, nil
}

func (e *TileEncoder) encode(img image.Image) ([]byte, error) {
	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()

	var err error
	switch e.config.Format {
	case FormatPNG:
		// Use fast PNG encoder
		encoder := png.Encoder{CompressionLevel: png.BestSpeed}
		err = encoder.Encode(buf, img)
	default:
		err = jpeg.Encode(buf, img, &jpeg.Options{Quality: e.config.JPEGQuality})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s tile: %w", e.config.Format, err)
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
