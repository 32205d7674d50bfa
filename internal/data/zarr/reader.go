// Package zarr reads per-cell tables and label masks stored as Zarr v3.
//
// A cell table store looks like:
//
//	metadata.json          dataset name, gene list, obs column descriptions
//	X/                     float32 [n_cells, n_genes] expression matrix
//	obs/<column>/          int32 category codes or float32 values, [n_cells]
//	cell_labels/           uint32 [n_cells], segmentation label of each row
//
// When cell_labels is absent, row i carries label i+1 (label 0 is background).
package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrNoSuchColumn is returned for genes or obs columns the store does not have.
var ErrNoSuchColumn = errors.New("no such column")

// ColumnKind distinguishes categorical from numeric obs columns.
type ColumnKind string

const (
	KindCategorical ColumnKind = "categorical"
	KindNumeric     ColumnKind = "numeric"
)

// Metadata contains metadata about a cell table store.
type Metadata struct {
	DatasetName string               `json:"dataset_name"`
	NCells      int                  `json:"n_cells"`
	Genes       []string             `json:"genes"`
	Obs         map[string]ObsColumn `json:"obs"`
	GeneIndex   map[string]int       `json:"-"`
}

// ObsColumn describes one per-cell metadata column.
type ObsColumn struct {
	Kind ColumnKind `json:"kind"`
	// Values lists the categories of a categorical column; codes index it.
	Values []string `json:"values,omitempty"`
	// Colors optionally pins category -> "#rrggbb".
	Colors map[string]string `json:"colors,omitempty"`
}

// Reader provides access to a cell table store.
type Reader struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder

	xOnce sync.Once
	x     *Array
	xErr  error

	labelsOnce sync.Once
	labels     []uint32
	labelsErr  error
}

// NewReader opens the cell table at basePath.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{basePath: basePath, decoder: decoder}
	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if metadata.NCells < 0 {
		return fmt.Errorf("invalid n_cells %d", metadata.NCells)
	}

	metadata.GeneIndex = make(map[string]int, len(metadata.Genes))
	for i, gene := range metadata.Genes {
		metadata.GeneIndex[gene] = i
	}
	if metadata.Obs == nil {
		metadata.Obs = map[string]ObsColumn{}
	}

	r.metadata = &metadata
	return nil
}

// NumCells returns the number of rows in the table.
func (r *Reader) NumCells() int {
	return r.metadata.NCells
}

// HasGene reports whether gene is a column of the expression matrix.
func (r *Reader) HasGene(gene string) bool {
	_, ok := r.metadata.GeneIndex[gene]
	return ok
}

// GetExpression returns the expression of gene for every cell.
func (r *Reader) GetExpression(gene string) ([]float32, error) {
	geneIdx, ok := r.metadata.GeneIndex[gene]
	if !ok {
		return nil, fmt.Errorf("gene %q: %w", gene, ErrNoSuchColumn)
	}

	r.xOnce.Do(func() {
		r.x, r.xErr = OpenArray(filepath.Join(r.basePath, "X"), r.decoder)
	})
	if r.xErr != nil {
		return nil, fmt.Errorf("failed to open expression matrix: %w", r.xErr)
	}
	if shape := r.x.Shape(); len(shape) != 2 || shape[0] != r.metadata.NCells || shape[1] != len(r.metadata.Genes) {
		return nil, fmt.Errorf("unexpected expression shape %v (expected [%d,%d])", shape, r.metadata.NCells, len(r.metadata.Genes))
	}
	if r.x.DataType() != "float32" {
		return nil, fmt.Errorf("unexpected expression data_type %s", r.x.DataType())
	}

	raw, err := r.x.ReadColumn(geneIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to read expression of %q: %w", gene, err)
	}
	return Float32s(raw), nil
}

// ObsInfo returns the description of an obs column.
func (r *Reader) ObsInfo(column string) (ObsColumn, bool) {
	info, ok := r.metadata.Obs[column]
	return info, ok
}

// GetCategoryCodes returns the category code of every cell for a
// categorical obs column. Negative codes mean missing.
func (r *Reader) GetCategoryCodes(column string) ([]int32, error) {
	info, ok := r.metadata.Obs[column]
	if !ok || info.Kind != KindCategorical {
		return nil, fmt.Errorf("categorical column %q: %w", column, ErrNoSuchColumn)
	}
	arr, err := r.obsArray(column)
	if err != nil {
		return nil, err
	}
	raw, err := arr.ReadAll()
	if err != nil {
		return nil, err
	}
	return Int32s(raw, arr.DataType())
}

// GetNumeric returns the values of a numeric obs column.
func (r *Reader) GetNumeric(column string) ([]float32, error) {
	info, ok := r.metadata.Obs[column]
	if !ok || info.Kind != KindNumeric {
		return nil, fmt.Errorf("numeric column %q: %w", column, ErrNoSuchColumn)
	}
	arr, err := r.obsArray(column)
	if err != nil {
		return nil, err
	}
	if arr.DataType() != "float32" {
		return nil, fmt.Errorf("unexpected data_type %s for numeric column %q", arr.DataType(), column)
	}
	raw, err := arr.ReadAll()
	if err != nil {
		return nil, err
	}
	return Float32s(raw), nil
}

func (r *Reader) obsArray(column string) (*Array, error) {
	arr, err := OpenArray(filepath.Join(r.basePath, "obs", column), r.decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to open obs column %q: %w", column, err)
	}
	if shape := arr.Shape(); len(shape) != 1 || shape[0] != r.metadata.NCells {
		return nil, fmt.Errorf("unexpected shape %v for obs column %q (expected [%d])", shape, column, r.metadata.NCells)
	}
	return arr, nil
}

// CellLabels returns the segmentation label of every row.
func (r *Reader) CellLabels() ([]uint32, error) {
	r.labelsOnce.Do(func() {
		path := filepath.Join(r.basePath, "cell_labels")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			r.labels = make([]uint32, r.metadata.NCells)
			for i := range r.labels {
				r.labels[i] = uint32(i + 1)
			}
			return
		}
		arr, err := OpenArray(path, r.decoder)
		if err != nil {
			r.labelsErr = err
			return
		}
		if shape := arr.Shape(); len(shape) != 1 || shape[0] != r.metadata.NCells {
			r.labelsErr = fmt.Errorf("unexpected cell_labels shape %v", shape)
			return
		}
		raw, err := arr.ReadAll()
		if err != nil {
			r.labelsErr = err
			return
		}
		r.labels, r.labelsErr = Uint32s(raw, arr.DataType())
	})
	return r.labels, r.labelsErr
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

// LabelMask is a dense [height, width] segmentation label image.
type LabelMask struct {
	Width  int
	Height int
	Labels []uint32
}

// At returns the label at (x, y), or 0 outside the mask.
func (m *LabelMask) At(x, y int) uint32 {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return 0
	}
	return m.Labels[y*m.Width+x]
}

// ReadLabelMask loads a 2-D unsigned integer array as a label mask.
func ReadLabelMask(path string) (*LabelMask, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()

	arr, err := OpenArray(path, decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to open label mask: %w", err)
	}
	shape := arr.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("label mask must be 2-D, got shape %v", shape)
	}
	raw, err := arr.ReadAll()
	if err != nil {
		return nil, err
	}
	labels, err := Uint32s(raw, arr.DataType())
	if err != nil {
		return nil, err
	}
	return &LabelMask{Width: shape[1], Height: shape[0], Labels: labels}, nil
}
