package audio

// Resample converts PCM between clock rates by linear interpolation.
// Quality is adequate for narrowband voice; music is out of scope.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}

	outLen := len(samples) * toRate / fromRate
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	for i := range out {
		// integer arithmetic only in the hot loop
		srcPos := i * fromRate
		idx := srcPos / toRate
		frac := srcPos % toRate

		if idx+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}

		a := int32(samples[idx])
		b := int32(samples[idx+1])
		out[i] = int16(a + (b-a)*int32(frac)/int32(toRate))
	}
	return out
}
