package memimage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetDataRoundTrip(t *testing.T) {
	img := NewImage(0, 4, 0, 0)

	data := []byte{0x00, 0x01, 0x00, 0x02}
	require.NoError(t, img.SetData(Words16, 0, 2, data))

	got, err := img.GetData(Words16, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSetDataWrongSizeLeavesBufferUnchanged(t *testing.T) {
	img := NewImage(0, 2, 0, 0)
	require.NoError(t, img.SetData(Words16, 0, 1, []byte{0xAB, 0xCD}))

	err := img.SetData(Words16, 0, 1, []byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrDataSize)

	got, err := img.GetData(Words16, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xCD}, got)
}

func TestOutOfBoundsLeavesSectionUnchanged(t *testing.T) {
	img := NewImage(0, 2, 0, 0)
	require.NoError(t, img.SetData(Words16, 0, 2, []byte{0x11, 0x11, 0x22, 0x22}))

	_, err := img.GetData(Words16, 1, 2)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	err = img.SetData(Words16, 1, 2, []byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrOutOfBounds)

	got, err := img.GetData(Words16, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x11, 0x22, 0x22}, got)
}

func TestUnknownSection(t *testing.T) {
	img := NewImage(8, 0, 0, 0)
	_, err := img.WordLen("nope")
	assert.True(t, errors.Is(err, ErrUnknownSection))
}

func TestSetBitsGetBitsRoundTrip(t *testing.T) {
	img := NewImage(16, 0, 0, 0)

	require.NoError(t, img.SetBits(3, 5, []byte{0x1F}))

	got, err := img.GetBits(3, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1F}, got)
}

func TestSetBitsLeavesOutsideWindowUnchanged(t *testing.T) {
	img := NewImage(16, 0, 0, 0)

	require.NoError(t, img.SetBits(0, 16, []byte{0xFF, 0xFF}))
	require.NoError(t, img.SetBits(3, 5, []byte{0x00}))

	all, err := img.GetBits(0, 16)
	require.NoError(t, err)
	// Bits 3..7 cleared, everything else (0,1,2 and 8..15) still set.
	assert.Equal(t, []byte{0xFF, 0x07}, all)
}

func TestGetBitsSpansByteBoundary(t *testing.T) {
	img := NewImage(16, 0, 0, 0)

	require.NoError(t, img.SetBits(0, 16, []byte{0xFF, 0xFF}))

	got, err := img.GetBits(5, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3F}, got)
}

func TestBitWindowOutOfBounds(t *testing.T) {
	img := NewImage(16, 0, 0, 0)

	_, err := img.GetBits(12, 8)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	err = img.SetBits(12, 8, []byte{0xFF})
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestWordLenKnownSections(t *testing.T) {
	img := NewImage(0, 0, 0, 0)
	cases := []struct {
		section Section
		want    int
	}{
		{Bits, 1},
		{Words16, 2},
		{Words32, 4},
		{Words64, 8},
	}
	for _, c := range cases {
		got, err := img.WordLen(c.section)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}
