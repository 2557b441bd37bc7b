// Package audio implements the narrowband voice codecs and sample-rate
// conversion used by the media path. Decoded audio is 16-bit signed
// linear PCM at the codec's clock rate.
package audio

import "fmt"

// Codec converts between RTP payload bytes and linear PCM samples.
type Codec interface {
	Name() string
	PayloadType() uint8
	ClockRate() int
	Decode(payload []byte) []int16
	Encode(samples []int16) []byte
}

var codecs = []Codec{ULaw{}, ALaw{}}

// ForPayloadType returns the codec registered for a static payload type.
func ForPayloadType(pt uint8) (Codec, error) {
	for _, c := range codecs {
		if c.PayloadType() == pt {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unsupported payload type %d", pt)
}

// ForName returns the codec by its SDP encoding name.
func ForName(name string) (Codec, error) {
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unsupported codec %q", name)
}
