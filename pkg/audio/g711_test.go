package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func absDiff(a, b int16) int32 {
	d := int32(a) - int32(b)
	if d < 0 {
		d = -d
	}
	return d
}

// companding tolerance: quantization step grows with magnitude
func tolerance(s int16) int32 {
	m := int32(s)
	if m < 0 {
		m = -m
	}
	return m/8 + 72
}

func TestULawRoundTrip(t *testing.T) {
	c := ULaw{}
	for _, s := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000} {
		decoded := c.Decode(c.Encode([]int16{s}))
		require.Len(t, decoded, 1)
		assert.LessOrEqual(t, absDiff(decoded[0], s), tolerance(s), "sample %d -> %d", s, decoded[0])
	}
}

func TestALawRoundTrip(t *testing.T) {
	c := ALaw{}
	for _, s := range []int16{0, 16, -16, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000} {
		decoded := c.Decode(c.Encode([]int16{s}))
		require.Len(t, decoded, 1)
		assert.LessOrEqual(t, absDiff(decoded[0], s), tolerance(s), "sample %d -> %d", s, decoded[0])
	}
}

func TestEncodeIdempotentOnDecodedValues(t *testing.T) {
	// encode(decode(b)) == b for every byte; the only exception is
	// µ-law negative zero, which collapses to positive zero
	for _, c := range []Codec{ULaw{}, ALaw{}} {
		for i := 0; i < 256; i++ {
			b := byte(i)
			if c.Name() == "PCMU" && b == 0x7F {
				continue
			}
			decoded := c.Decode([]byte{b})
			reencoded := c.Encode(decoded)
			require.Len(t, reencoded, 1)
			assert.Equal(t, b, reencoded[0], "%s byte %#x", c.Name(), b)
		}
	}
}

func TestForPayloadType(t *testing.T) {
	c, err := ForPayloadType(0)
	require.NoError(t, err)
	assert.Equal(t, "PCMU", c.Name())

	c, err = ForPayloadType(8)
	require.NoError(t, err)
	assert.Equal(t, "PCMA", c.Name())

	_, err = ForPayloadType(96)
	assert.Error(t, err)
}

func TestForName(t *testing.T) {
	c, err := ForName("PCMA")
	require.NoError(t, err)
	assert.Equal(t, uint8(8), c.PayloadType())

	_, err = ForName("OPUS")
	assert.Error(t, err)
}
