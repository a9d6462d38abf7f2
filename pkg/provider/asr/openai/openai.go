// Package openai provides a speech recognizer backed by the OpenAI audio
// transcription API (whisper-1).
//
// The hosted API reports the detected language of a transcription as a full
// lowercase English name ("portuguese"), unlike the local whisper.cpp
// servers which report ISO 639-1 codes; the recognizer maps names back to
// primary subtags. Like whisper.cpp, the API exposes no detection
// probability, so auto-detected results carry a fixed configurable
// confidence.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/voxrelay/voxrelay/pkg/audio"
	"github.com/voxrelay/voxrelay/pkg/provider/asr"
)

const defaultDetectConfidence = 0.72

// Compile-time assertion that Recognizer implements asr.Recognizer.
var _ asr.Recognizer = (*Recognizer)(nil)

// config holds optional configuration for the recognizer.
type config struct {
	baseURL          string
	model            string
	timeout          time.Duration
	detectConfidence float64
}

// Option is a functional option for Recognizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL (for compatible
// gateways).
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel overrides the transcription model. Defaults to whisper-1.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDetectConfidence sets the fixed confidence reported for auto-detected
// languages. Defaults to 0.72.
func WithDetectConfidence(p float64) Option {
	return func(c *config) { c.detectConfidence = p }
}

// Recognizer implements asr.Recognizer using the OpenAI audio transcription
// API. It is safe for concurrent use.
type Recognizer struct {
	client           oai.Client
	model            string
	detectConfidence float64
}

// New constructs an OpenAI-backed Recognizer.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{
		model:            string(oai.AudioModelWhisper1),
		detectConfidence: defaultDetectConfidence,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Recognizer{
		client:           oai.NewClient(reqOpts...),
		model:            cfg.model,
		detectConfidence: cfg.detectConfidence,
	}, nil
}

// verboseTranscription is the verbose_json response body. Only the fields
// the relay consumes are declared.
type verboseTranscription struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcribe encodes the request PCM as WAV and submits it to the
// transcription endpoint. Temperature is pinned to 0 for deterministic
// decoding.
func (r *Recognizer) Transcribe(ctx context.Context, req asr.Request) (asr.Result, error) {
	if len(req.PCM) == 0 {
		return asr.Result{}, nil
	}

	wav := audio.EncodeWAV(req.PCM, req.SampleRate, 1)

	params := oai.AudioTranscriptionNewParams{
		Model:          oai.AudioModel(r.model),
		File:           oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		ResponseFormat: oai.AudioResponseFormatVerboseJSON,
		Temperature:    param.NewOpt(0.0),
	}
	if req.LanguageHint != "" {
		params.Language = param.NewOpt(req.LanguageHint)
	}

	// The typed Transcription model does not carry the verbose fields, so the
	// body is decoded into our own struct instead.
	var verbose verboseTranscription
	if _, err := r.client.Audio.Transcriptions.New(ctx, params, option.WithResponseBodyInto(&verbose)); err != nil {
		return asr.Result{}, fmt.Errorf("openai: transcription: %w", err)
	}

	res := asr.Result{Text: strings.TrimSpace(verbose.Text)}
	switch {
	case req.LanguageHint != "":
		res.DetectedLang = req.LanguageHint
		res.LanguageProbability = 1
	case verbose.Language != "":
		res.DetectedLang = languageTag(verbose.Language)
		res.LanguageProbability = r.detectConfidence
	}
	return res, nil
}

// languageTag maps the API's full language names to primary subtags. Already
// tag-shaped values pass through lowercased.
func languageTag(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if tag, ok := languageNames[name]; ok {
		return tag
	}
	return name
}

// languageNames covers the languages whisper-1 detects in practice on this
// relay's traffic. Unlisted names pass through unchanged.
var languageNames = map[string]string{
	"arabic":     "ar",
	"bulgarian":  "bg",
	"catalan":    "ca",
	"chinese":    "zh",
	"croatian":   "hr",
	"czech":      "cs",
	"danish":     "da",
	"dutch":      "nl",
	"english":    "en",
	"estonian":   "et",
	"finnish":    "fi",
	"french":     "fr",
	"german":     "de",
	"greek":      "el",
	"hebrew":     "he",
	"hindi":      "hi",
	"hungarian":  "hu",
	"indonesian": "id",
	"italian":    "it",
	"japanese":   "ja",
	"korean":     "ko",
	"latvian":    "lv",
	"lithuanian": "lt",
	"malay":      "ms",
	"norwegian":  "no",
	"polish":     "pl",
	"portuguese": "pt",
	"romanian":   "ro",
	"russian":    "ru",
	"slovak":     "sk",
	"slovenian":  "sl",
	"spanish":    "es",
	"swedish":    "sv",
	"thai":       "th",
	"turkish":    "tr",
	"ukrainian":  "uk",
	"vietnamese": "vi",
}
