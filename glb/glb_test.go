package glb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixtureEncode25(t *testing.T) {
	want := []byte{0x19, 0x00, 0x00, 0x00, 0xE6, 0xFF, 0xFF, 0xFF}
	assert.Equal(t, want, Encode(25))
}

func TestFixtureDecode25(t *testing.T) {
	v, err := Decode([]byte{0x19, 0x00, 0x00, 0x00, 0xE6, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	assert.EqualValues(t, 25, v)
}

func TestFixtureDecodeCorrupt(t *testing.T) {
	_, err := Decode([]byte{0x19, 0x00, 0x00, 0x00, 0xE6, 0xFF, 0xFF, 0xFE})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRoundTripAndBitFlip(t *testing.T) {
	values := []int32{0, 1, -1, 25, 200, -200, 1 << 30, -(1 << 30)}
	for _, v := range values {
		enc := Encode(v)
		dec, err := Decode(enc)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, dec, "value %d round trip", v)

		for bit := 0; bit < 8*len(enc); bit++ {
			flipped := append([]byte{}, enc...)
			flipped[bit/8] ^= 1 << (bit % 8)
			_, err := Decode(flipped)
			assert.Error(t, err, "value %d: flipping bit %d should corrupt", v, bit)
		}
	}
}

func TestFindIn(t *testing.T) {
	enc := Encode(42)
	buf := append([]byte{0xAA, 0xBB, 0xCC}, enc...)
	buf = append(buf, 0xDD)

	v, ok := FindIn(buf)
	assert.True(t, ok)
	assert.EqualValues(t, 42, v)

	_, ok = FindIn([]byte{1, 2, 3})
	assert.False(t, ok, "expected no match in short buffer")
}
