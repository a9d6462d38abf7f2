// Package mock provides a test double for the tts.Synthesizer interface.
//
// Output is deterministic: every call produces SamplesPerChar constant
// samples per input character at Amplitude, so tests can assert on audio
// length and payload without a model. The mock also implements the optional
// SpeakerPreparer and VoiceEmbedder interfaces.
//
// Example:
//
//	syn := &mock.Synthesizer{}
//	pcm, _ := syn.Synthesize(ctx, tts.Request{Text: "hi", Language: "en"})
//	// len(pcm) == 2 * mock.DefaultSamplesPerChar
package mock

import (
	"context"
	"sync"

	"github.com/voxrelay/voxrelay/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Synthesizer     = (*Synthesizer)(nil)
	_ tts.SpeakerPreparer = (*Synthesizer)(nil)
	_ tts.VoiceEmbedder   = (*Synthesizer)(nil)
)

// Defaults used when the zero value is not overridden.
const (
	DefaultSamplesPerChar = 240 // 10 ms per character at 24 kHz
	DefaultAmplitude      = 0.1
	DefaultSampleRate     = 24000
	DefaultStreamChunk    = 960 // 40 ms chunks at 24 kHz
)

// SynthesizeCall records a single invocation of Synthesize or
// SynthesizeStream.
type SynthesizeCall struct {
	Text       string
	Language   string
	SpeakerWav string
	Streamed   bool
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SamplesPerChar scales output length. Zero means DefaultSamplesPerChar.
	SamplesPerChar int

	// Amplitude is the constant sample value emitted. Zero means
	// DefaultAmplitude.
	Amplitude float32

	// SampleRate overrides OutputSampleRate. Zero means DefaultSampleRate.
	SampleRate int

	// StreamChunk is the samples-per-chunk of SynthesizeStream. Zero means
	// DefaultStreamChunk.
	StreamChunk int

	// Err, if non-nil, is returned by Synthesize and SynthesizeStream.
	Err error

	// PrepareErr, if non-nil, is returned by PrepareSpeaker.
	PrepareErr error

	// Embedding is returned by EmbedSpeaker. Nil yields a fixed 4-dim vector.
	Embedding []float32

	// EmbedErr, if non-nil, is returned by EmbedSpeaker.
	EmbedErr error

	// --- Call records ---

	// SynthesizeCalls records every synthesis call in order.
	SynthesizeCalls []SynthesizeCall

	// PrepareCalls records the speakerWav of every PrepareSpeaker call.
	PrepareCalls []string

	// EmbedCalls records the speakerWav of every EmbedSpeaker call.
	EmbedCalls []string
}

// Synthesize records the call and returns deterministic constant-amplitude
// samples proportional to the text length.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) ([]float32, error) {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{
		Text:       req.Text,
		Language:   req.Language,
		SpeakerWav: req.SpeakerWav,
	})
	err := s.Err
	perChar := s.SamplesPerChar
	amp := s.Amplitude
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if perChar == 0 {
		perChar = DefaultSamplesPerChar
	}
	if amp == 0 {
		amp = DefaultAmplitude
	}
	out := make([]float32, len(req.Text)*perChar)
	for i := range out {
		out[i] = amp
	}
	return out, nil
}

// SynthesizeStream records the call and emits the Synthesize result in
// fixed-size chunks.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan []float32, error) {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{
		Text:       req.Text,
		Language:   req.Language,
		SpeakerWav: req.SpeakerWav,
		Streamed:   true,
	})
	err := s.Err
	perChar := s.SamplesPerChar
	amp := s.Amplitude
	chunkSize := s.StreamChunk
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if perChar == 0 {
		perChar = DefaultSamplesPerChar
	}
	if amp == 0 {
		amp = DefaultAmplitude
	}
	if chunkSize == 0 {
		chunkSize = DefaultStreamChunk
	}

	total := len(req.Text) * perChar
	ch := make(chan []float32, total/chunkSize+1)
	go func() {
		defer close(ch)
		for emitted := 0; emitted < total; emitted += chunkSize {
			n := min(chunkSize, total-emitted)
			chunk := make([]float32, n)
			for i := range chunk {
				chunk[i] = amp
			}
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}

// OutputSampleRate returns the configured sample rate.
func (s *Synthesizer) OutputSampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SampleRate == 0 {
		return DefaultSampleRate
	}
	return s.SampleRate
}

// PrepareSpeaker records the call and returns PrepareErr.
func (s *Synthesizer) PrepareSpeaker(ctx context.Context, speakerWav string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PrepareCalls = append(s.PrepareCalls, speakerWav)
	return s.PrepareErr
}

// EmbedSpeaker records the call and returns Embedding, EmbedErr.
func (s *Synthesizer) EmbedSpeaker(ctx context.Context, speakerWav string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EmbedCalls = append(s.EmbedCalls, speakerWav)
	if s.EmbedErr != nil {
		return nil, s.EmbedErr
	}
	if s.Embedding != nil {
		out := make([]float32, len(s.Embedding))
		copy(out, s.Embedding)
		return out, nil
	}
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

// CallCount returns the number of recorded synthesis calls. Thread-safe.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = nil
	s.PrepareCalls = nil
	s.EmbedCalls = nil
}
