// Package mock provides a test double for the asr package.
//
// Queue Results (or set a TranscribeFunc) and inspect the recorded calls:
//
//	rec := &mock.Recognizer{}
//	rec.Enqueue(asr.Result{Text: "hello", DetectedLang: "en", LanguageProbability: 0.98})
//	res, _ := rec.Transcribe(ctx, asr.Request{PCM: pcm, SampleRate: 16000})
package mock

import (
	"context"
	"sync"

	"github.com/voxrelay/voxrelay/pkg/provider/asr"
)

// Ensure Recognizer implements asr.Recognizer at compile time.
var _ asr.Recognizer = (*Recognizer)(nil)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio bytes passed to Transcribe.
	PCM []byte
	// SampleRate, LanguageHint and VADFilter mirror the request fields.
	SampleRate   int
	LanguageHint string
	VADFilter    bool
}

// Recognizer is a mock implementation of asr.Recognizer.
//
// Responses are served from the queue populated via Enqueue; once the queue
// is exhausted, Default is returned. TranscribeFunc, when set, overrides the
// queue entirely. Err, if non-nil, is returned by every call.
type Recognizer struct {
	mu sync.Mutex

	// Default is returned when the queue is empty and TranscribeFunc is nil.
	Default asr.Result

	// Err, if non-nil, is returned as the error from every Transcribe call.
	Err error

	// TranscribeFunc, if non-nil, computes the response instead of the queue.
	TranscribeFunc func(ctx context.Context, req asr.Request) (asr.Result, error)

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	queue []asr.Result
}

// Enqueue appends results to be returned by subsequent Transcribe calls, one
// per call, in order.
func (r *Recognizer) Enqueue(results ...asr.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, results...)
}

// Transcribe records the call and returns the next queued result.
func (r *Recognizer) Transcribe(ctx context.Context, req asr.Request) (asr.Result, error) {
	r.mu.Lock()
	pcm := make([]byte, len(req.PCM))
	copy(pcm, req.PCM)
	r.TranscribeCalls = append(r.TranscribeCalls, TranscribeCall{
		PCM:          pcm,
		SampleRate:   req.SampleRate,
		LanguageHint: req.LanguageHint,
		VADFilter:    req.VADFilter,
	})
	fn := r.TranscribeFunc
	err := r.Err
	var res asr.Result
	if len(r.queue) > 0 {
		res = r.queue[0]
		r.queue = r.queue[1:]
	} else {
		res = r.Default
	}
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return asr.Result{}, err
	}
	return res, nil
}

// CallCount returns the number of recorded Transcribe calls. Thread-safe.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.TranscribeCalls)
}

// Reset clears all recorded calls and queued results. Thread-safe.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TranscribeCalls = nil
	r.queue = nil
}
