package audio

import "math"

// RMS16 returns the root-mean-square energy of an s16le buffer, normalized
// to [0, 1] (full-scale square wave = 1). Returns 0 for buffers shorter than
// one sample.
func RMS16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// ApplyGain16 multiplies every sample of an s16le buffer by gain in place,
// clipping to the int16 range. Gains ≤ 0 leave the buffer untouched.
func ApplyGain16(pcm []byte, gain float64) {
	if gain <= 0 || gain == 1 {
		return
	}
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		v := float64(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out := int16(v)
		pcm[i*2] = byte(out)
		pcm[i*2+1] = byte(out >> 8)
	}
}
