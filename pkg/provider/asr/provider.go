// Package asr defines the Recognizer interface for speech-to-text backends.
//
// A recognizer wraps a transcription service (a whisper.cpp server, the
// native whisper.cpp bindings, or a hosted API) behind a single batch call:
// the caller hands over a window of PCM audio and receives the recognized
// text together with the language the model believes it heard.
//
// Implementations must be safe for concurrent use and must decode
// deterministically (temperature 0), so that re-running the same window
// yields the same prefix and downstream delta computation stays stable.
package asr

import "context"

// Request is one transcription call. PCM is raw s16le mono audio at
// SampleRate Hz. When LanguageHint is non-empty the recognizer is pinned to
// that language and must not auto-detect. VADFilter asks the backend to skip
// non-speech regions where supported; it is a hint, not a contract.
type Request struct {
	PCM          []byte
	SampleRate   int
	LanguageHint string
	VADFilter    bool
}

// Result is the outcome of a transcription call.
//
// DetectedLang is a primary language subtag ("en", "pt"). For hinted calls it
// echoes the hint with probability 1. For auto-detected calls
// LanguageProbability reflects the backend's confidence in [0,1]; backends
// that expose no probability report a fixed configured value.
type Result struct {
	Text                string
	DetectedLang        string
	LanguageProbability float64
}

// Recognizer is the abstraction over any speech-to-text backend.
type Recognizer interface {
	// Transcribe runs one batch transcription over the supplied audio window.
	// An empty Result.Text with a nil error is a valid outcome (silence or
	// non-speech audio); callers must not treat it as a failure.
	Transcribe(ctx context.Context, req Request) (Result, error)
}
