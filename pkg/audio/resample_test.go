package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResample_SameRate(t *testing.T) {
	in := []int16{1, 2, 3}
	assert.Equal(t, in, Resample(in, 8000, 8000))
}

func TestResample_Upsample(t *testing.T) {
	in := []int16{0, 100, 200, 300}
	out := Resample(in, 8000, 16000)
	assert.Len(t, out, 8)

	// линейная интерполяция: промежуточные значения между соседями
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, int16(50), out[1])
	assert.Equal(t, int16(100), out[2])
}

func TestResample_Downsample(t *testing.T) {
	in := make([]int16, 160)
	for i := range in {
		in[i] = int16(i)
	}
	out := Resample(in, 16000, 8000)
	assert.Len(t, out, 80)
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, int16(2), out[1])
}

func TestResample_Empty(t *testing.T) {
	assert.Empty(t, Resample(nil, 8000, 16000))
}
