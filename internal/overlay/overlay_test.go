package overlay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestID_Deterministic(t *testing.T) {
	t.Parallel()

	a := Params{DatasetID: "lung", ImageID: "he", SegmentationID: "nuclei", FillKey: "CD3E"}
	b := a
	assert.Equal(t, a.ID(), b.ID())
	assert.Equal(t, "lung:he:nuclei:CD3E", a.ID())
	assert.Equal(t, Key(a.ID()), Key(b.ID()))
}

func TestID_Distinct(t *testing.T) {
	t.Parallel()

	base := Params{DatasetID: "lung", ImageID: "he", SegmentationID: "nuclei", FillKey: "CD3E"}

	t.Run("fillKey", func(t *testing.T) {
		other := base
		other.FillKey = "CD4"
		assert.NotEqual(t, base.ID(), other.ID())
	})

	t.Run("separatorInsideField", func(t *testing.T) {
		x := Params{DatasetID: "a:b", ImageID: "c", SegmentationID: "s", FillKey: "f"}
		y := Params{DatasetID: "a", ImageID: "b:c", SegmentationID: "s", FillKey: "f"}
		assert.NotEqual(t, x.ID(), y.ID())
	})

	t.Run("borderAbsentVsEmpty", func(t *testing.T) {
		empty := base
		empty.BorderKey = strPtr("")
		assert.NotEqual(t, base.ID(), empty.ID())
	})

	t.Run("borderValue", func(t *testing.T) {
		x := base
		x.BorderKey = strPtr("cluster")
		y := base
		y.BorderKey = strPtr("leiden")
		assert.NotEqual(t, x.ID(), y.ID())
	})

	t.Run("fieldOrder", func(t *testing.T) {
		swapped := Params{DatasetID: "he", ImageID: "lung", SegmentationID: "nuclei", FillKey: "CD3E"}
		assert.NotEqual(t, base.ID(), swapped.ID())
	})
}

func TestParseID_RoundTrip(t *testing.T) {
	t.Parallel()

	in := Params{DatasetID: "a:b", ImageID: "c%d", SegmentationID: "s e", FillKey: "f", BorderKey: strPtr("")}
	out, err := ParseID(in.ID())
	require.NoError(t, err)
	assert.Equal(t, in.DatasetID, out.DatasetID)
	assert.Equal(t, in.ImageID, out.ImageID)
	assert.Equal(t, in.SegmentationID, out.SegmentationID)
	require.NotNil(t, out.BorderKey)
	assert.Equal(t, "", *out.BorderKey)

	_, err = ParseID("only:three:parts")
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	err := Params{DatasetID: "d"}.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "imgId")
	assert.Contains(t, err.Error(), "fillKey")

	assert.NoError(t, Params{DatasetID: "d", ImageID: "i", SegmentationID: "s", FillKey: "f"}.Validate())
}
