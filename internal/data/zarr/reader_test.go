package zarr

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeTestStore builds a 5-cell, 3-gene table whose expression chunks do not
// divide the matrix evenly.
func writeTestStore(t *testing.T, withLabels bool) string {
	t.Helper()

	base := filepath.Join(t.TempDir(), "cells.zarr")
	meta := &Metadata{
		DatasetName: "test",
		NCells:      5,
		Genes:       []string{"CD3E", "MS4A1", "EPCAM"},
		Obs: map[string]ObsColumn{
			"cell_type": {
				Kind:   KindCategorical,
				Values: []string{"T", "B"},
				Colors: map[string]string{"B": "#0000ff"},
			},
			"area": {Kind: KindNumeric},
		},
	}
	if err := WriteMetadata(base, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	x := make([]float32, 5*3)
	for i := 0; i < 5; i++ {
		for g := 0; g < 3; g++ {
			x[i*3+g] = float32(i*10 + g)
		}
	}
	if err := WriteArray(filepath.Join(base, "X"), "float32", []int{5, 3}, []int{2, 2}, EncodeFloat32s(x), true); err != nil {
		t.Fatalf("WriteArray X: %v", err)
	}
	codes := []int32{0, 1, 1, -1, 0}
	if err := WriteArray(filepath.Join(base, "obs", "cell_type"), "int32", []int{5}, []int{4}, EncodeInt32s(codes), false); err != nil {
		t.Fatalf("WriteArray cell_type: %v", err)
	}
	area := []float32{1.5, 2.5, 3.5, 4.5, 5.5}
	if err := WriteArray(filepath.Join(base, "obs", "area"), "float32", []int{5}, []int{2}, EncodeFloat32s(area), true); err != nil {
		t.Fatalf("WriteArray area: %v", err)
	}
	if withLabels {
		labels := []uint32{7, 3, 9, 11, 2}
		if err := WriteArray(filepath.Join(base, "cell_labels"), "uint32", []int{5}, []int{5}, EncodeUint32s(labels), true); err != nil {
			t.Fatalf("WriteArray cell_labels: %v", err)
		}
	}
	return base
}

func TestReader_GetExpression_MultiChunk(t *testing.T) {
	r, err := NewReader(writeTestStore(t, false))
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer r.Close()

	if r.NumCells() != 5 {
		t.Fatalf("NumCells = %d", r.NumCells())
	}
	for g, gene := range r.Metadata().Genes {
		expr, err := r.GetExpression(gene)
		if err != nil {
			t.Fatalf("GetExpression(%q): %v", gene, err)
		}
		if len(expr) != 5 {
			t.Fatalf("GetExpression(%q) returned %d values", gene, len(expr))
		}
		for i, v := range expr {
			if want := float32(i*10 + g); v != want {
				t.Fatalf("%s[%d] = %v, want %v", gene, i, v, want)
			}
		}
	}

	if _, err := r.GetExpression("NOPE"); !errors.Is(err, ErrNoSuchColumn) {
		t.Fatalf("expected ErrNoSuchColumn, got %v", err)
	}
	if !r.HasGene("EPCAM") || r.HasGene("cell_type") {
		t.Fatal("HasGene mismatch")
	}
}

func TestReader_Obs(t *testing.T) {
	r, err := NewReader(writeTestStore(t, false))
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer r.Close()

	codes, err := r.GetCategoryCodes("cell_type")
	if err != nil {
		t.Fatalf("GetCategoryCodes: %v", err)
	}
	want := []int32{0, 1, 1, -1, 0}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
	info, ok := r.ObsInfo("cell_type")
	if !ok || info.Colors["B"] != "#0000ff" {
		t.Fatalf("unexpected obs info %+v", info)
	}

	area, err := r.GetNumeric("area")
	if err != nil {
		t.Fatalf("GetNumeric: %v", err)
	}
	if area[4] != 5.5 {
		t.Fatalf("area = %v", area)
	}

	t.Run("kind mismatch", func(t *testing.T) {
		if _, err := r.GetNumeric("cell_type"); !errors.Is(err, ErrNoSuchColumn) {
			t.Fatalf("expected ErrNoSuchColumn, got %v", err)
		}
		if _, err := r.GetCategoryCodes("area"); !errors.Is(err, ErrNoSuchColumn) {
			t.Fatalf("expected ErrNoSuchColumn, got %v", err)
		}
	})
}

func TestReader_CellLabels(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		r, err := NewReader(writeTestStore(t, false))
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		labels, err := r.CellLabels()
		if err != nil {
			t.Fatal(err)
		}
		for i, l := range labels {
			if l != uint32(i+1) {
				t.Fatalf("labels = %v", labels)
			}
		}
	})

	t.Run("stored", func(t *testing.T) {
		r, err := NewReader(writeTestStore(t, true))
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		labels, err := r.CellLabels()
		if err != nil {
			t.Fatal(err)
		}
		if labels[0] != 7 || labels[3] != 11 {
			t.Fatalf("labels = %v", labels)
		}
	})
}

func TestReadLabelMask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask")
	// 3 rows x 4 cols, chunked 2x3 so every edge chunk is padded.
	labels := []uint32{
		0, 1, 1, 2,
		0, 1, 2, 2,
		3, 3, 0, 0,
	}
	if err := WriteArray(path, "uint32", []int{3, 4}, []int{2, 3}, EncodeUint32s(labels), true); err != nil {
		t.Fatalf("WriteArray: %v", err)
	}

	mask, err := ReadLabelMask(path)
	if err != nil {
		t.Fatalf("ReadLabelMask: %v", err)
	}
	if mask.Width != 4 || mask.Height != 3 {
		t.Fatalf("mask size %dx%d", mask.Width, mask.Height)
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			if got := mask.At(x, y); got != labels[y*4+x] {
				t.Fatalf("At(%d,%d) = %d, want %d", x, y, got, labels[y*4+x])
			}
		}
	}
	if mask.At(-1, 0) != 0 || mask.At(4, 0) != 0 {
		t.Fatal("expected background outside the mask")
	}
}

func TestArray_MissingChunkIsFill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse")
	values := []float32{1, 2, 3, 4}
	if err := WriteArray(path, "float32", []int{4}, []int{2}, EncodeFloat32s(values), false); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(path, "c", "1")); err != nil {
		t.Fatal(err)
	}

	arr, err := OpenArray(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := arr.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	got := Float32s(raw)
	if got[0] != 1 || got[1] != 2 || got[2] != 0 || got[3] != 0 {
		t.Fatalf("got %v", got)
	}
}
