// This file contains the NativeRecognizer implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxrelay/voxrelay/pkg/audio"
	"github.com/voxrelay/voxrelay/pkg/provider/asr"
)

// Compile-time assertion that NativeRecognizer satisfies asr.Recognizer.
var _ asr.Recognizer = (*NativeRecognizer)(nil)

// ErrModelNotLoaded is returned by Transcribe before Load has succeeded or
// after Unload.
var ErrModelNotLoaded = errors.New("whisper: model not loaded")

// NativeRecognizer implements asr.Recognizer using the whisper.cpp Go
// bindings (CGO), eliminating HTTP overhead entirely. The model weights are
// mounted by Load and shared across all concurrent calls; each Transcribe
// runs on a fresh context because contexts are not thread-safe.
type NativeRecognizer struct {
	modelPath        string
	detectConfidence float64

	mu    sync.RWMutex
	model whisperlib.Model
}

// NativeOption is a functional option for configuring a NativeRecognizer.
type NativeOption func(*NativeRecognizer)

// WithNativeDetectConfidence sets the fixed confidence reported for
// auto-detected languages. Defaults to 0.72.
func WithNativeDetectConfidence(p float64) NativeOption {
	return func(r *NativeRecognizer) { r.detectConfidence = p }
}

// NewNative creates a NativeRecognizer for the model file at modelPath. The
// weights are not mounted until Load is called, so construction is cheap and
// deployments with lazy loading enabled pay the cost on first use.
func NewNative(modelPath string, opts ...NativeOption) (*NativeRecognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	r := &NativeRecognizer{
		modelPath:        modelPath,
		detectConfidence: defaultDetectConfidence,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Load mounts the model weights. Calling Load on a loaded recognizer is a
// no-op.
func (r *NativeRecognizer) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("whisper: load cancelled: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		return nil
	}

	model, err := whisperlib.New(r.modelPath)
	if err != nil {
		return fmt.Errorf("whisper: load model %q: %w", r.modelPath, err)
	}
	r.model = model
	slog.Info("whisper model loaded", "path", r.modelPath)
	return nil
}

// Unload releases the model weights. In-flight Transcribe calls finish
// first. Calling Unload on an unloaded recognizer is a no-op.
func (r *NativeRecognizer) Unload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return nil
	}
	err := r.model.Close()
	r.model = nil
	if err != nil {
		return fmt.Errorf("whisper: close model: %w", err)
	}
	return nil
}

// Ready reports whether the model weights are mounted.
func (r *NativeRecognizer) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.model != nil
}

// Close releases the model. Equivalent to Unload; provided for callers that
// manage the recognizer without the lazy loader.
func (r *NativeRecognizer) Close() error { return r.Unload() }

// Transcribe converts the request PCM to float32, runs whisper.cpp inference
// on a fresh context, and concatenates the resulting segments.
func (r *NativeRecognizer) Transcribe(ctx context.Context, req asr.Request) (asr.Result, error) {
	if len(req.PCM) == 0 {
		return asr.Result{}, nil
	}

	// Hold the read lock for the whole call so Unload cannot free the model
	// under a running inference.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.model == nil {
		return asr.Result{}, ErrModelNotLoaded
	}

	if err := ctx.Err(); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: transcribe cancelled: %w", err)
	}

	samples := audio.PCM16ToFloat32(req.PCM)

	// Contexts are not thread-safe, but the model can be shared; one fresh
	// context per call keeps concurrent Transcribes independent.
	wctx, err := r.model.NewContext()
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := req.LanguageHint
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language", "language", lang, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	res := asr.Result{Text: strings.Join(parts, " ")}
	if req.LanguageHint != "" {
		res.DetectedLang = req.LanguageHint
		res.LanguageProbability = 1
	} else if detected := wctx.DetectedLanguage(); detected != "" {
		res.DetectedLang = detected
		res.LanguageProbability = r.detectConfidence
	}
	return res, nil
}
