package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// WriteArray writes a 1-D or 2-D little-endian array in C order as a Zarr v3
// array at path. Edge chunks are padded to the full chunk shape with zeros.
func WriteArray(path, dataType string, shape, chunkShape []int, data []byte, compress bool) error {
	elem, err := dtypeSize(dataType)
	if err != nil {
		return err
	}
	if len(shape) == 0 || len(shape) > 2 || len(shape) != len(chunkShape) {
		return fmt.Errorf("unsupported shape %v / chunk shape %v", shape, chunkShape)
	}
	if len(data) != product(shape)*elem {
		return fmt.Errorf("data has %d bytes, expected %d", len(data), product(shape)*elem)
	}

	if err := os.MkdirAll(filepath.Join(path, "c"), 0o755); err != nil {
		return err
	}

	var meta ArrayMeta
	meta.Shape = shape
	meta.DataType = dataType
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = chunkShape
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	meta.FillValue = 0.0
	meta.ZarrFormat = 3
	meta.NodeType = "array"
	meta.Codecs = append(meta.Codecs, Codec{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}})

	var encoder *zstd.Encoder
	if compress {
		meta.Codecs = append(meta.Codecs, Codec{Name: "zstd", Configuration: map[string]interface{}{"level": 3}})
		encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer encoder.Close()
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(path, "zarr.json"), metaBytes, 0o644); err != nil {
		return err
	}

	rows, cols := shape[0], 1
	rowChunk, colChunk := chunkShape[0], 1
	if len(shape) == 2 {
		cols, colChunk = shape[1], chunkShape[1]
	}

	for rc := 0; rc < ceilDiv(rows, rowChunk); rc++ {
		for cc := 0; cc < ceilDiv(cols, colChunk); cc++ {
			chunk := make([]byte, rowChunk*colChunk*elem)
			for i := 0; i < rowChunk && rc*rowChunk+i < rows; i++ {
				r := rc*rowChunk + i
				from := cc * colChunk
				to := min(from+colChunk, cols)
				copy(chunk[i*colChunk*elem:], data[(r*cols+from)*elem:(r*cols+to)*elem])
			}
			if encoder != nil {
				chunk = encoder.EncodeAll(chunk, nil)
			}

			var key string
			if len(shape) == 1 {
				key = fmt.Sprintf("%d", rc)
			} else {
				key = filepath.Join(fmt.Sprintf("%d", rc), fmt.Sprintf("%d", cc))
			}
			chunkPath := filepath.Join(path, "c", key)
			if err := os.MkdirAll(filepath.Dir(chunkPath), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(chunkPath, chunk, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteMetadata writes metadata.json of a cell table store.
func WriteMetadata(basePath string, metadata *Metadata) error {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(basePath, "metadata.json"), data, 0o644)
}

// EncodeFloat32s is the inverse of Float32s.
func EncodeFloat32s(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// EncodeUint32s is the inverse of Uint32s for uint32 data.
func EncodeUint32s(values []uint32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// EncodeInt32s is the inverse of Int32s for int32 data.
func EncodeInt32s(values []int32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}
