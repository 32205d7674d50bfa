package source

import (
	"errors"
	"fmt"

	"github.com/tissue-tiles/server/internal/data/zarr"
)

// ErrNoSuchAttribute is returned by Dataset lookups for unknown genes or
// columns.
var ErrNoSuchAttribute = errors.New("no such attribute")

// Dataset is the per-cell table an overlay is colored from. Row i of every
// column belongs to the cell with segmentation label CellLabels()[i].
type Dataset interface {
	Name() string
	NumCells() int
	CellLabels() ([]uint32, error)
	// Genes lists the columns of the expression matrix.
	Genes() []string
	HasGene(name string) bool
	Gene(name string) ([]float32, error)
	// ObsColumns lists the per-cell metadata columns.
	ObsColumns() []string
	Obs(name string) (*Column, error)
	Close()
}

// Column is one per-cell metadata column, either categorical or numeric.
type Column struct {
	Name        string
	Categorical bool
	// Codes index Categories; negative means missing.
	Codes      []int32
	Categories []string
	// Colors pins category -> "#rrggbb" for some or all categories.
	Colors map[string]string
	Values []float32
}

// Len returns the number of cells in the column.
func (c *Column) Len() int {
	if c.Categorical {
		return len(c.Codes)
	}
	return len(c.Values)
}

type zarrDataset struct {
	name   string
	reader *zarr.Reader
}

// OpenZarrDataset opens a cell table store.
func OpenZarrDataset(path string) (Dataset, error) {
	reader, err := zarr.NewReader(path)
	if err != nil {
		return nil, err
	}
	name := reader.Metadata().DatasetName
	return &zarrDataset{name: name, reader: reader}, nil
}

func (d *zarrDataset) Name() string                  { return d.name }
func (d *zarrDataset) NumCells() int                 { return d.reader.NumCells() }
func (d *zarrDataset) CellLabels() ([]uint32, error) { return d.reader.CellLabels() }
func (d *zarrDataset) Genes() []string               { return d.reader.Metadata().Genes }
func (d *zarrDataset) HasGene(name string) bool      { return d.reader.HasGene(name) }
func (d *zarrDataset) Close()                        { d.reader.Close() }

func (d *zarrDataset) Gene(name string) ([]float32, error) {
	values, err := d.reader.GetExpression(name)
	if errors.Is(err, zarr.ErrNoSuchColumn) {
		return nil, fmt.Errorf("gene %q: %w", name, ErrNoSuchAttribute)
	}
	return values, err
}

func (d *zarrDataset) ObsColumns() []string {
	names := make([]string, 0, len(d.reader.Metadata().Obs))
	for name := range d.reader.Metadata().Obs {
		names = append(names, name)
	}
	return sortedStrings(names)
}

func (d *zarrDataset) Obs(name string) (*Column, error) {
	info, ok := d.reader.ObsInfo(name)
	if !ok {
		return nil, fmt.Errorf("column %q: %w", name, ErrNoSuchAttribute)
	}
	col := &Column{Name: name}
	switch info.Kind {
	case zarr.KindCategorical:
		codes, err := d.reader.GetCategoryCodes(name)
		if err != nil {
			return nil, err
		}
		col.Categorical = true
		col.Codes = codes
		col.Categories = info.Values
		col.Colors = info.Colors
	case zarr.KindNumeric:
		values, err := d.reader.GetNumeric(name)
		if err != nil {
			return nil, err
		}
		col.Values = values
	default:
		return nil, fmt.Errorf("column %q has unknown kind %q", name, info.Kind)
	}
	return col, nil
}

// MemoryDataset is a Dataset held in memory.
type MemoryDataset struct {
	DatasetName string
	Labels      []uint32
	Expression  map[string][]float32
	Columns     map[string]*Column
}

func (d *MemoryDataset) Name() string { return d.DatasetName }

func (d *MemoryDataset) NumCells() int { return len(d.Labels) }

func (d *MemoryDataset) CellLabels() ([]uint32, error) { return d.Labels, nil }

func (d *MemoryDataset) Genes() []string {
	names := make([]string, 0, len(d.Expression))
	for name := range d.Expression {
		names = append(names, name)
	}
	return sortedStrings(names)
}

func (d *MemoryDataset) HasGene(name string) bool {
	_, ok := d.Expression[name]
	return ok
}

func (d *MemoryDataset) Gene(name string) ([]float32, error) {
	values, ok := d.Expression[name]
	if !ok {
		return nil, fmt.Errorf("gene %q: %w", name, ErrNoSuchAttribute)
	}
	return values, nil
}

func (d *MemoryDataset) ObsColumns() []string {
	names := make([]string, 0, len(d.Columns))
	for name := range d.Columns {
		names = append(names, name)
	}
	return sortedStrings(names)
}

func (d *MemoryDataset) Obs(name string) (*Column, error) {
	col, ok := d.Columns[name]
	if !ok {
		return nil, fmt.Errorf("column %q: %w", name, ErrNoSuchAttribute)
	}
	return col, nil
}

func (d *MemoryDataset) Close() {}
