// Package openai provides a speech synthesizer backed by the OpenAI speech
// API (tts-1).
//
// The API has no voice cloning: Request.SpeakerWav is ignored and every
// utterance is rendered with the configured named voice, so deliveries built
// on this backend always carry the voice_fallback mark. Audio is requested in
// the raw pcm response format, which the API produces as 24 kHz mono s16le.
// That is the relay's native output rate, so no resampling is needed.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/voxrelay/voxrelay/pkg/audio"
	"github.com/voxrelay/voxrelay/pkg/provider/tts"
)

const (
	// nativeSampleRate is the rate of the API's pcm response format.
	nativeSampleRate = 24000

	// streamReadSize is the read buffer size for the streamed PCM body.
	streamReadSize = 4096

	// audioChanBuf is the buffer depth of the channel returned by
	// SynthesizeStream.
	audioChanBuf = 64
)

// Compile-time assertion that Synthesizer implements tts.Synthesizer.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// config holds optional configuration for the synthesizer.
type config struct {
	baseURL string
	model   string
	voice   string
	speed   float64
	timeout time.Duration
}

// Option is a functional option for Synthesizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL (for compatible
// gateways).
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel overrides the speech model. Defaults to tts-1.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice sets the named voice used for every utterance. Defaults to alloy.
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithSpeed sets the playback speed multiplier (0.25 to 4.0). Zero leaves the
// API default of 1.0.
func WithSpeed(speed float64) Option {
	return func(c *config) { c.speed = speed }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Synthesizer implements tts.Synthesizer using the OpenAI speech API. It is
// safe for concurrent use.
type Synthesizer struct {
	client oai.Client
	model  string
	voice  string
	speed  float64
}

// New constructs an OpenAI-backed Synthesizer.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{
		model: string(oai.SpeechModelTTS1),
		voice: string(oai.AudioSpeechNewParamsVoiceAlloy),
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.speed < 0 {
		return nil, fmt.Errorf("openai: speed must not be negative, got %v", cfg.speed)
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

	return &Synthesizer{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		voice:  cfg.voice,
		speed:  cfg.speed,
	}, nil
}

// OutputSampleRate implements tts.Synthesizer.
func (s *Synthesizer) OutputSampleRate() int {
	return nativeSampleRate
}

// speechParams builds the request body shared by both synthesis entry points.
func (s *Synthesizer) speechParams(text string) oai.AudioSpeechNewParams {
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(s.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if s.speed > 0 {
		params.Speed = param.NewOpt(s.speed)
	}
	return params
}

// Synthesize implements tts.Synthesizer. The full pcm body is read before
// returning.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) ([]float32, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, nil
	}

	resp, err := s.client.Audio.Speech.New(ctx, s.speechParams(text))
	if err != nil {
		return nil, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech response: %w", err)
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return audio.PCM16ToFloat32(pcm), nil
}

// SynthesizeStream implements tts.Synthesizer. The API sends pcm as a plain
// chunked body, so chunks are forwarded as they arrive rather than waiting
// for the full utterance. The channel is closed when the body ends, on a
// mid-stream error, or when ctx is cancelled; the caller must drain it.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan []float32, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		ch := make(chan []float32)
		close(ch)
		return ch, nil
	}

	resp, err := s.client.Audio.Speech.New(ctx, s.speechParams(text))
	if err != nil {
		return nil, fmt.Errorf("openai: speech: %w", err)
	}

	ch := make(chan []float32, audioChanBuf)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, streamReadSize)
		var carry []byte // holds a split sample byte between reads
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				data := buf[:n]
				if len(carry) > 0 {
					data = append(carry, data...)
					carry = nil
				}
				if len(data)%2 != 0 {
					carry = []byte{data[len(data)-1]}
					data = data[:len(data)-1]
				}
				if len(data) > 0 {
					select {
					case ch <- audio.PCM16ToFloat32(data):
					case <-ctx.Done():
						return
					}
				}
			}
			if readErr != nil {
				// io.EOF ends the stream normally; other errors end it
				// early with whatever audio already went out.
				return
			}
		}
	}()
	return ch, nil
}
