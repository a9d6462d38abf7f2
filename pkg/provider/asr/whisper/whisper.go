// Package whisper provides whisper.cpp-backed speech recognizers.
//
// Two implementations are available:
//
//   - Recognizer: an HTTP client for a running whisper-server binary (which
//     exposes a REST API at POST /inference). Audio is wrapped in a WAV
//     container and submitted as a multipart form; the detected language is
//     read from the verbose JSON response.
//
//   - NativeRecognizer: the whisper.cpp CGO bindings, loading the model
//     in-process and skipping HTTP entirely. See native.go.
//
// whisper.cpp exposes no probability for its language detection, so
// auto-detected results carry a fixed configurable confidence
// (WithDetectConfidence, default 0.72). Hinted calls echo the hint with
// probability 1, per the asr contract.
//
// Usage:
//
//	rec, err := whisper.New("http://localhost:8178",
//	    whisper.WithDetectConfidence(0.8),
//	)
//	res, err := rec.Transcribe(ctx, asr.Request{PCM: pcm, SampleRate: 16000})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/pkg/audio"
	"github.com/voxrelay/voxrelay/pkg/provider/asr"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultDetectConfidence = 0.72

	inferenceEndpoint = "/inference"
)

// Compile-time assertion that Recognizer implements asr.Recognizer.
var _ asr.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithModel sets the model identifier forwarded to the whisper-server
// (e.g., "base", "small"). When empty the server uses whichever model it was
// started with; this is the default.
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(r *Recognizer) {
		r.httpClient.Timeout = d
	}
}

// WithDetectConfidence sets the fixed confidence reported for auto-detected
// languages, since whisper.cpp exposes none. Defaults to 0.72.
func WithDetectConfidence(p float64) Option {
	return func(r *Recognizer) {
		r.detectConfidence = p
	}
}

// Recognizer implements asr.Recognizer backed by a whisper-server HTTP
// endpoint. It is safe for concurrent use; each Transcribe call is one
// independent HTTP request.
type Recognizer struct {
	serverURL        string
	model            string
	detectConfidence float64
	httpClient       *http.Client
}

// New creates a Recognizer that connects to the whisper-server at serverURL
// (e.g., "http://localhost:8178"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Recognizer, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	r := &Recognizer{
		serverURL:        strings.TrimRight(serverURL, "/"),
		detectConfidence: defaultDetectConfidence,
		httpClient:       &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// inferenceResponse is the verbose JSON body returned by POST /inference.
// Only the fields the relay consumes are declared.
type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcribe encodes the request PCM as WAV and POSTs it to /inference as
// multipart/form-data. Temperature is pinned to 0 for deterministic decoding.
func (r *Recognizer) Transcribe(ctx context.Context, req asr.Request) (asr.Result, error) {
	if len(req.PCM) == 0 {
		return asr.Result{}, nil
	}

	wav := audio.EncodeWAV(req.PCM, req.SampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := req.LanguageHint
	if lang == "" {
		lang = "auto"
	}
	fields := map[string]string{
		"language":        lang,
		"response_format": "verbose_json",
		"temperature":     "0.0",
	}
	if r.model != "" {
		fields["model"] = r.model
	}
	if req.VADFilter {
		fields["vad_filter"] = "true"
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return asr.Result{}, fmt.Errorf("whisper: write %s field: %w", name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+inferenceEndpoint, &body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return asr.Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var parsed inferenceResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return r.buildResult(parsed.Text, parsed.Language, req.LanguageHint), nil
}

// buildResult applies the language-confidence contract shared by both
// recognizers in this package.
func (r *Recognizer) buildResult(text, detected, hint string) asr.Result {
	res := asr.Result{Text: strings.TrimSpace(text)}
	switch {
	case hint != "":
		res.DetectedLang = hint
		res.LanguageProbability = 1
	case detected != "":
		res.DetectedLang = detected
		res.LanguageProbability = r.detectConfidence
	}
	return res
}
