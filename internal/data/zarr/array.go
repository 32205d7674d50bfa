package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{} `json:"fill_value"`
	Codecs     []Codec     `json:"codecs"`
	ZarrFormat int         `json:"zarr_format"`
	NodeType   string      `json:"node_type"`
}

// Codec is one entry of the array codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// Array is one Zarr v3 array on the local filesystem. Only little-endian
// bytes with optional zstd compression are supported.
type Array struct {
	path    string
	meta    ArrayMeta
	decoder *zstd.Decoder
	zstd    bool
	elem    int
}

// OpenArray loads the array metadata at path. The decoder is shared and
// may be used concurrently.
func OpenArray(path string, decoder *zstd.Decoder) (*Array, error) {
	data, err := os.ReadFile(filepath.Join(path, "zarr.json"))
	if err != nil {
		return nil, err
	}
	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s/zarr.json: %w", path, err)
	}
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid zarr metadata at %s: shape %v chunk_shape %v", path, meta.Shape, meta.ChunkGrid.Configuration.ChunkShape)
	}
	for d, c := range meta.ChunkGrid.Configuration.ChunkShape {
		if c <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	elem, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}

	a := &Array{path: path, meta: meta, decoder: decoder, elem: elem}
	for _, codec := range meta.Codecs {
		switch codec.Name {
		case "bytes":
			if endian, ok := codec.Configuration["endian"].(string); ok && endian != "little" {
				return nil, fmt.Errorf("unsupported endian %q in %s", endian, path)
			}
		case "zstd":
			a.zstd = true
		default:
			return nil, fmt.Errorf("unsupported codec %q in %s", codec.Name, path)
		}
	}
	if a.zstd && decoder == nil {
		return nil, fmt.Errorf("array %s is zstd-compressed but no decoder was given", path)
	}
	return a, nil
}

// Shape returns the array shape.
func (a *Array) Shape() []int { return a.meta.Shape }

// DataType returns the Zarr data type name.
func (a *Array) DataType() string { return a.meta.DataType }

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8", "int8":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "uint64", "int64", "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func (a *Array) chunkKey(chunkIndices []int) string {
	sep := a.meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

// chunkShapeAt returns the shape of the chunk at chunkIndices clipped to the
// array bounds.
func (a *Array) chunkShapeAt(chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(a.meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(a.meta.Shape))
	}
	actual := make([]int, len(a.meta.Shape))
	for d := range a.meta.Shape {
		chunkLen := a.meta.ChunkGrid.Configuration.ChunkShape[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= a.meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, a.meta.Shape[d])
		}
		actual[d] = min(chunkLen, a.meta.Shape[d]-start)
	}
	return actual, nil
}

func (a *Array) readChunk(key string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(a.path, "c", key))
	if err != nil {
		return nil, err
	}
	if !a.zstd {
		return raw, nil
	}
	out, err := a.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return out, nil
}

// readChunkAt returns the decoded bytes of one chunk. Zarr writers pad edge
// chunks to the full chunk shape; missing chunks are all fill value.
func (a *Array) readChunkAt(chunkIndices []int) ([]byte, error) {
	data, err := a.readChunk(a.chunkKey(chunkIndices))
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	if _, shapeErr := a.chunkShapeAt(chunkIndices); shapeErr != nil {
		return nil, shapeErr
	}
	fill, fillErr := a.fillValueBytes()
	if fillErr != nil {
		return nil, fillErr
	}
	return repeatFillBytes(fill, product(a.meta.ChunkGrid.Configuration.ChunkShape)), nil
}

func (a *Array) fillValueBytes() ([]byte, error) {
	out := make([]byte, a.elem)
	var v float64
	switch t := a.meta.FillValue.(type) {
	case nil:
		return out, nil
	case float64:
		v = t
	case string:
		// Zarr v3 spells non-finite float fills as strings.
		switch t {
		case "NaN":
			v = math.NaN()
		case "Infinity":
			v = math.Inf(1)
		case "-Infinity":
			v = math.Inf(-1)
		default:
			return nil, fmt.Errorf("unsupported fill_value %q", t)
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type: %T", a.meta.FillValue)
	}

	switch a.meta.DataType {
	case "uint8", "int8":
		out[0] = byte(int64(v))
	case "uint16", "int16":
		binary.LittleEndian.PutUint16(out, uint16(int64(v)))
	case "int32", "uint32":
		binary.LittleEndian.PutUint32(out, uint32(int64(v)))
	case "float32":
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(v)))
	case "int64", "uint64":
		binary.LittleEndian.PutUint64(out, uint64(int64(v)))
	case "float64":
		binary.LittleEndian.PutUint64(out, math.Float64bits(v))
	}
	return out, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	out := make([]byte, len(fill)*n)
	allZero := true
	for _, b := range fill {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return out
	}
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):], fill)
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// ReadAll returns the whole array in C order. Only 1-D and 2-D arrays are
// supported.
func (a *Array) ReadAll() ([]byte, error) {
	switch len(a.meta.Shape) {
	case 1:
		n := a.meta.Shape[0]
		chunk := a.meta.ChunkGrid.Configuration.ChunkShape[0]
		out := make([]byte, n*a.elem)
		for c := 0; c < ceilDiv(n, chunk); c++ {
			start := c * chunk
			length := min(chunk, n-start)
			data, err := a.readChunkAt([]int{c})
			if err != nil {
				return nil, fmt.Errorf("failed to load chunk %d of %s: %w", c, a.path, err)
			}
			if len(data) < length*a.elem {
				return nil, fmt.Errorf("chunk %d of %s too short: got %d bytes, expected %d", c, a.path, len(data), length*a.elem)
			}
			copy(out[start*a.elem:], data[:length*a.elem])
		}
		return out, nil
	case 2:
		return a.readRegion(0, a.meta.Shape[1])
	default:
		return nil, fmt.Errorf("unsupported array rank %d at %s", len(a.meta.Shape), a.path)
	}
}

// ReadColumn returns column col of a 2-D array, touching only the chunks
// that contain it.
func (a *Array) ReadColumn(col int) ([]byte, error) {
	if len(a.meta.Shape) != 2 {
		return nil, fmt.Errorf("ReadColumn on %d-D array %s", len(a.meta.Shape), a.path)
	}
	if col < 0 || col >= a.meta.Shape[1] {
		return nil, fmt.Errorf("column %d out of range (n_cols=%d)", col, a.meta.Shape[1])
	}
	return a.readRegion(col, col+1)
}

// readRegion reads columns [colFrom, colTo) of every row of a 2-D array.
func (a *Array) readRegion(colFrom, colTo int) ([]byte, error) {
	nRows, nCols := a.meta.Shape[0], a.meta.Shape[1]
	rowChunk := a.meta.ChunkGrid.Configuration.ChunkShape[0]
	colChunk := a.meta.ChunkGrid.Configuration.ChunkShape[1]
	width := colTo - colFrom
	out := make([]byte, nRows*width*a.elem)

	for rc := 0; rc < ceilDiv(nRows, rowChunk); rc++ {
		rowStart := rc * rowChunk
		rowLen := min(rowChunk, nRows-rowStart)
		for cc := colFrom / colChunk; cc*colChunk < colTo; cc++ {
			colStart := cc * colChunk
			colLen := min(colChunk, nCols-colStart)

			data, err := a.readChunkAt([]int{rc, cc})
			if err != nil {
				return nil, fmt.Errorf("failed to load chunk %d/%d of %s: %w", rc, cc, a.path, err)
			}
			// Stored chunks always have the full chunk shape.
			stride := colChunk * a.elem
			if len(data) < (rowLen-1)*stride+colLen*a.elem {
				return nil, fmt.Errorf("chunk %d/%d of %s too short: got %d bytes", rc, cc, a.path, len(data))
			}

			lo := max(colFrom, colStart)
			hi := min(colTo, colStart+colLen)
			for i := 0; i < rowLen; i++ {
				src := data[i*stride+(lo-colStart)*a.elem : i*stride+(hi-colStart)*a.elem]
				dst := ((rowStart+i)*width + (lo - colFrom)) * a.elem
				copy(out[dst:], src)
			}
		}
	}
	return out, nil
}

// Float32s decodes little-endian float32 values.
func Float32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// Uint32s decodes unsigned integer data of the given type, widening to uint32.
func Uint32s(b []byte, dataType string) ([]uint32, error) {
	switch dataType {
	case "uint8":
		out := make([]uint32, len(b))
		for i, v := range b {
			out[i] = uint32(v)
		}
		return out, nil
	case "uint16":
		out := make([]uint32, len(b)/2)
		for i := range out {
			out[i] = uint32(binary.LittleEndian.Uint16(b[i*2:]))
		}
		return out, nil
	case "uint32", "int32":
		out := make([]uint32, len(b)/4)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(b[i*4:])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot read %s as labels", dataType)
	}
}

// Int32s decodes signed integer data of the given type, widening to int32.
func Int32s(b []byte, dataType string) ([]int32, error) {
	switch dataType {
	case "int8":
		out := make([]int32, len(b))
		for i, v := range b {
			out[i] = int32(int8(v))
		}
		return out, nil
	case "int16":
		out := make([]int32, len(b)/2)
		for i := range out {
			out[i] = int32(int16(binary.LittleEndian.Uint16(b[i*2:])))
		}
		return out, nil
	case "int32":
		out := make([]int32, len(b)/4)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot read %s as category codes", dataType)
	}
}
