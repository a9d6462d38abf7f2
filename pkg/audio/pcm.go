// Package audio provides the PCM helpers shared by the relay pipeline, the
// model providers, and the egress bridges.
//
// Unless stated otherwise, functions operate on raw 16-bit signed
// little-endian mono PCM ("s16le"). The pipeline works at 16 kHz on the
// intake side and 24 kHz on the synthesis side; sample rates are always
// passed explicitly.
package audio

// BytesPerSample is the size of one s16le sample.
const BytesPerSample = 2

// DurationMS returns the duration in milliseconds of an s16le buffer at the
// given sample rate. Returns 0 for invalid rates.
func DurationMS(pcm []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return len(pcm) * 1000 / (sampleRate * BytesPerSample)
}

// BytesForMS returns the s16le byte count covering ms milliseconds at the
// given sample rate.
func BytesForMS(ms, sampleRate int) int {
	if ms <= 0 || sampleRate <= 0 {
		return 0
	}
	return ms * sampleRate * BytesPerSample / 1000
}

// PCM16ToFloat32 converts s16le bytes to float samples in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM16 converts float samples to s16le bytes, clipping to [-1, 1].
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(v * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// BytesToInt16s converts s16le bytes to int16 samples.
func BytesToInt16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// Int16sToBytes converts int16 samples to s16le bytes.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
