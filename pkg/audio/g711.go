package audio

var (
	muLawDecodeTable [256]int16
	aLawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
		aLawDecodeTable[i] = decodeALawSample(byte(i))
	}
}

// ULaw is G.711 µ-law (PCMU, static payload type 0).
type ULaw struct{}

func (ULaw) Name() string       { return "PCMU" }
func (ULaw) PayloadType() uint8 { return 0 }
func (ULaw) ClockRate() int     { return 8000 }

func (ULaw) Decode(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = muLawDecodeTable[b]
	}
	return out
}

func (ULaw) Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeMuLawSample(s)
	}
	return out
}

// ALaw is G.711 A-law (PCMA, static payload type 8).
type ALaw struct{}

func (ALaw) Name() string       { return "PCMA" }
func (ALaw) PayloadType() uint8 { return 8 }
func (ALaw) ClockRate() int     { return 8000 }

func (ALaw) Decode(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = aLawDecodeTable[b]
	}
	return out
}

func (ALaw) Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeALawSample(s)
	}
	return out
}

const (
	muLawBias = 0x84
	muLawClip = 32635
)

func encodeMuLawSample(sample int16) byte {
	s := int32(sample)
	sign := int32(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := int32(7)
	for exponent > 0 && s&(0x80<<exponent) == 0 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}

func decodeMuLawSample(uval byte) int16 {
	uval = ^uval
	sign := uval & 0x80
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int32(mantissa) << 3) + muLawBias) << exponent
	magnitude -= muLawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// A-law segment upper bounds on the 13-bit magnitude
var aLawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func encodeALawSample(sample int16) byte {
	pcm := int32(sample) >> 3 // 13-bit domain
	var mask int32
	if pcm >= 0 {
		mask = 0xD5 // sign bit set means positive in A-law
	} else {
		mask = 0x55
		pcm = -pcm - 1
		if pcm < 0 {
			pcm = 0
		}
	}

	seg := 8
	for i, end := range aLawSegEnd {
		if pcm <= end {
			seg = i
			break
		}
	}
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}

	aval := int32(seg) << 4
	if seg < 2 {
		aval |= (pcm >> 1) & 0x0F
	} else {
		aval |= (pcm >> seg) & 0x0F
	}
	return byte(aval ^ mask)
}

func decodeALawSample(aval byte) int16 {
	aval ^= 0x55
	t := int32(aval&0x0F) << 4
	seg := (aval & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if aval&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}
