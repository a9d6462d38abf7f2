// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// A synthesizer wraps a speech synthesis service (an XTTS streaming server, a
// hosted speech API) and produces mono float32 PCM in [-1, 1] at the rate
// reported by OutputSampleRate (24 kHz for every backend shipped here). Two
// entry points are offered: Synthesize returns the complete utterance,
// SynthesizeStream emits chunks as the backend produces them so playback can
// begin before synthesis finishes.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request is one synthesis call. SpeakerWav is the path of a reference
// recording for voice cloning; empty means the backend's default voice, and
// callers then mark the delivery with voice_fallback.
type Request struct {
	Text       string
	Language   string
	SpeakerWav string
}

// Synthesizer is the abstraction over any text-to-speech backend.
type Synthesizer interface {
	// Synthesize renders the full utterance and returns mono float32 samples
	// in [-1, 1] at OutputSampleRate.
	Synthesize(ctx context.Context, req Request) ([]float32, error)

	// SynthesizeStream renders the utterance incrementally. The returned
	// channel is closed when synthesis completes or ctx is cancelled; callers
	// must drain it to avoid leaking the producer goroutine. Errors after the
	// stream has started are signalled by closing the channel early.
	SynthesizeStream(ctx context.Context, req Request) (<-chan []float32, error)

	// OutputSampleRate reports the sample rate of produced audio in Hz.
	OutputSampleRate() int
}

// SpeakerPreparer is implemented by synthesizers that precompute voice-clone
// state for a reference recording (conditioning latents, cached embeddings).
// Preparing is an optimization; synthesis must work without it.
type SpeakerPreparer interface {
	PrepareSpeaker(ctx context.Context, speakerWav string) error
}

// VoiceEmbedder is implemented by synthesizers that can expose a speaker
// embedding vector for a reference recording, used for voice-print storage.
type VoiceEmbedder interface {
	EmbedSpeaker(ctx context.Context, speakerWav string) ([]float32, error)
}
