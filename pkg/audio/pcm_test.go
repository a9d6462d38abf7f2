package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/voxrelay/voxrelay/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestDurationMS(t *testing.T) {
	tests := []struct {
		name       string
		bytes      int
		sampleRate int
		want       int
	}{
		{"one second at 16kHz", 32000, 16000, 1000},
		{"100ms at 16kHz", 3200, 16000, 100},
		{"one second at 24kHz", 48000, 24000, 1000},
		{"empty", 0, 16000, 0},
		{"zero rate", 3200, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := make([]byte, tt.bytes)
			if got := audio.DurationMS(pcm, tt.sampleRate); got != tt.want {
				t.Errorf("DurationMS(%d bytes, %d Hz) = %d, want %d", tt.bytes, tt.sampleRate, got, tt.want)
			}
		})
	}
}

func TestBytesForMS(t *testing.T) {
	if got := audio.BytesForMS(1000, 16000); got != 32000 {
		t.Errorf("BytesForMS(1000, 16000) = %d, want 32000", got)
	}
	if got := audio.BytesForMS(100, 16000); got != 3200 {
		t.Errorf("BytesForMS(100, 16000) = %d, want 3200", got)
	}
	if got := audio.BytesForMS(200, 16000); got != 6400 {
		t.Errorf("BytesForMS(200, 16000) = %d, want 6400", got)
	}
}

func TestBytesForMS_RoundTrip(t *testing.T) {
	// BytesForMS and DurationMS should be inverses for whole-ms buffers.
	for _, ms := range []int{100, 450, 1200, 2000, 3000} {
		n := audio.BytesForMS(ms, 16000)
		if got := audio.DurationMS(make([]byte, n), 16000); got != ms {
			t.Errorf("round trip %dms: got %dms", ms, got)
		}
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 16384, -16384, 32767, -32768})
	got := audio.PCM16ToFloat32(pcm)
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1.0}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestFloat32ToPCM16(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1.0, -1.0}
	pcm := audio.Float32ToPCM16(samples)
	got := bytesToSamples(pcm)
	want := []int16{0, 16383, -16383, 32767, -32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFloat32ToPCM16_Clipping(t *testing.T) {
	// Out-of-range floats must clamp rather than wrap.
	pcm := audio.Float32ToPCM16([]float32{2.5, -3.0})
	got := bytesToSamples(pcm)
	if got[0] != 32767 {
		t.Errorf("positive overflow: got %d, want 32767", got[0])
	}
	if got[1] != -32767 {
		t.Errorf("negative overflow: got %d, want -32767", got[1])
	}
}

func TestPCM16Float32RoundTrip(t *testing.T) {
	orig := []int16{0, 1, -1, 1000, -1000, 12345, -12345, 32767, -32768}
	pcm := samplesToBytes(orig)
	back := audio.Float32ToPCM16(audio.PCM16ToFloat32(pcm))
	got := bytesToSamples(back)
	for i := range orig {
		diff := int(got[i]) - int(orig[i])
		if diff < -1 || diff > 1 {
			t.Errorf("sample %d: got %d, want %d (±1)", i, got[i], orig[i])
		}
	}
}

func TestBytesToInt16s(t *testing.T) {
	pcm := samplesToBytes([]int16{100, -200, 300})
	got := audio.BytesToInt16s(pcm)
	want := []int16{100, -200, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestInt16sToBytes(t *testing.T) {
	samples := []int16{100, -200, 300}
	pcm := audio.Int16sToBytes(samples)
	got := bytesToSamples(pcm)
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], samples[i])
		}
	}
}
