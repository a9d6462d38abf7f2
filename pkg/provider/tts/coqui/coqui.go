// Package coqui provides a speech synthesizer backed by a Coqui XTTS v2
// streaming server. It implements tts.Synthesizer plus the optional
// tts.SpeakerPreparer and tts.VoiceEmbedder contracts.
//
// The XTTS server does not accept a reference WAV per synthesis call.
// Instead, conditioning (GPT latents + speaker embedding) is computed once
// per voice via POST /clone_speaker and sent with every request. The
// synthesizer caches conditioning per reference path, so the expensive
// cloning round-trip happens once per speaker; PrepareSpeaker warms this
// cache when a participant joins. When no reference is given, the server's
// studio speakers (GET /studio_speakers) provide the default voice.
//
// Synthesis endpoints:
//
//   - POST /tts: batch mode, returns a base64-encoded WAV.
//   - POST /tts_stream: chunked raw PCM as the model generates, used by
//     SynthesizeStream for lowest first-audio latency.
//
// Output is always 24 kHz mono, XTTS's native rate.
//
// Typical usage:
//
//	s, err := coqui.New("http://localhost:8000",
//	    coqui.WithTimeout(20*time.Second),
//	    coqui.WithDefaultSpeaker("Claribel Dervla"),
//	)
//	samples, err := s.Synthesize(ctx, tts.Request{
//	    Text:       "Guten Morgen!",
//	    Language:   "de",
//	    SpeakerWav: "/data/voices/alice.wav",
//	})
package coqui

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/pkg/audio"
	"github.com/voxrelay/voxrelay/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Synthesizer     = (*Synthesizer)(nil)
	_ tts.SpeakerPreparer = (*Synthesizer)(nil)
	_ tts.VoiceEmbedder   = (*Synthesizer)(nil)
)

// ---- constants ----

const (
	defaultTimeout = 30 * time.Second

	// nativeSampleRate is the sample rate XTTS v2 generates at.
	nativeSampleRate = 24000

	// defaultStreamChunkSize is the server-side generation chunk size in
	// tokens. Smaller values lower first-audio latency at some quality cost.
	defaultStreamChunkSize = 20

	ttsEndpoint            = "/tts"
	ttsStreamEndpoint      = "/tts_stream"
	cloneSpeakerEndpoint   = "/clone_speaker"
	studioSpeakersEndpoint = "/studio_speakers"

	// audioChanBuf is the buffer depth of the channel returned by
	// SynthesizeStream.
	audioChanBuf = 64

	// streamReadSize is the read buffer size for the chunked PCM body.
	streamReadSize = 4096
)

// ---- options ----

// Option is a functional option for configuring a Synthesizer.
type Option func(*Synthesizer)

// WithTimeout sets the per-request HTTP timeout. The timeout covers the
// whole exchange including the streamed body. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.httpClient.Timeout = d
	}
}

// WithStreamChunkSize sets the server-side generation chunk size for
// /tts_stream. Defaults to 20.
func WithStreamChunkSize(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.streamChunkSize = n
		}
	}
}

// WithDefaultSpeaker names the studio speaker used when a request carries no
// reference WAV. When unset, the first studio speaker (sorted by name) is
// used.
func WithDefaultSpeaker(name string) Option {
	return func(s *Synthesizer) {
		s.defaultSpeaker = name
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Synthesizer) {
		s.httpClient = c
	}
}

// ---- Synthesizer ----

// Synthesizer implements tts.Synthesizer backed by an XTTS v2 streaming
// server. It is safe for concurrent use; multiple synthesis calls may run in
// parallel against the same server.
type Synthesizer struct {
	serverURL       string
	httpClient      *http.Client
	streamChunkSize int
	defaultSpeaker  string

	mu     sync.RWMutex
	voices map[string]*voiceConditioning // keyed by cleaned reference path
	studio map[string]*voiceConditioning // nil until first fetched
}

// New creates a Synthesizer targeting the XTTS server at serverURL
// (e.g. "http://localhost:8000"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Synthesizer, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	s := &Synthesizer{
		serverURL:       strings.TrimRight(serverURL, "/"),
		streamChunkSize: defaultStreamChunkSize,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		voices: make(map[string]*voiceConditioning),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// OutputSampleRate implements tts.Synthesizer.
func (s *Synthesizer) OutputSampleRate() int {
	return nativeSampleRate
}

// ---- request/response types ----

// voiceConditioning is the per-voice state the server needs with every
// synthesis request. GPT latents are kept opaque since only the server
// interprets their shape.
type voiceConditioning struct {
	GPTCondLatent    json.RawMessage `json:"gpt_cond_latent"`
	SpeakerEmbedding []float32       `json:"speaker_embedding"`
}

// ttsRequest is the JSON body sent to POST /tts.
type ttsRequest struct {
	Text             string          `json:"text"`
	Language         string          `json:"language"`
	GPTCondLatent    json.RawMessage `json:"gpt_cond_latent"`
	SpeakerEmbedding []float32       `json:"speaker_embedding"`
}

// ttsStreamRequest is the JSON body sent to POST /tts_stream. The server
// models stream_chunk_size as a string.
type ttsStreamRequest struct {
	ttsRequest
	AddWAVHeader    bool   `json:"add_wav_header"`
	StreamChunkSize string `json:"stream_chunk_size"`
}

// ---- Synthesize ----

// Synthesize implements tts.Synthesizer via POST /tts. The base64 WAV
// response is stripped to raw PCM, resampled to 24 kHz if the server reports
// another rate, and converted to float32.
func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) ([]float32, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, nil
	}

	cond, err := s.conditioning(ctx, req.SpeakerWav)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(ttsRequest{
		Text:             text,
		Language:         xttsLanguage(req.Language),
		GPTCondLatent:    cond.GPTCondLatent,
		SpeakerEmbedding: cond.SpeakerEmbedding,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+ttsEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: POST %s returned status %d", ttsEndpoint, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read synthesis response: %w", err)
	}

	wav, err := decodeAudioBody(data)
	if err != nil {
		return nil, err
	}

	pcm, info, err := audio.StripWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if info.SampleRate != nativeSampleRate && info.Channels == 1 {
		pcm = audio.ResampleMono16(pcm, info.SampleRate, nativeSampleRate)
	}
	return audio.PCM16ToFloat32(pcm), nil
}

// decodeAudioBody unwraps the /tts response. The server JSON-encodes a
// base64 WAV string; some deployments are patched to return the WAV bytes
// directly, so a leading RIFF magic is accepted as-is.
func decodeAudioBody(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("coqui: empty synthesis response")
	}
	if bytes.HasPrefix(trimmed, []byte("RIFF")) {
		return trimmed, nil
	}
	var b64 string
	if err := json.Unmarshal(trimmed, &b64); err != nil {
		return nil, errors.New("coqui: unrecognised synthesis response format")
	}
	wav, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("coqui: decode base64 audio: %w", err)
	}
	return wav, nil
}

// ---- SynthesizeStream ----

// SynthesizeStream implements tts.Synthesizer via POST /tts_stream. PCM
// chunks are converted to float32 and emitted on the returned channel as the
// server generates them. The channel is closed when the stream ends, on a
// mid-stream error, or when ctx is cancelled; the caller must drain it.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan []float32, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		ch := make(chan []float32)
		close(ch)
		return ch, nil
	}

	cond, err := s.conditioning(ctx, req.SpeakerWav)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(ttsStreamRequest{
		ttsRequest: ttsRequest{
			Text:             text,
			Language:         xttsLanguage(req.Language),
			GPTCondLatent:    cond.GPTCondLatent,
			SpeakerEmbedding: cond.SpeakerEmbedding,
		},
		AddWAVHeader:    false,
		StreamChunkSize: strconv.Itoa(s.streamChunkSize),
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+ttsStreamEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST %s: %w", ttsStreamEndpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("coqui: POST %s returned status %d", ttsStreamEndpoint, resp.StatusCode)
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

// ---- conditioning ----

// conditioning resolves the voice conditioning for a synthesis request:
// the cached clone of speakerWav, cloning on first use, or the default
// studio speaker when speakerWav is empty.
func (s *Synthesizer) conditioning(ctx context.Context, speakerWav string) (*voiceConditioning, error) {
	if speakerWav == "" {
		return s.defaultConditioning(ctx)
	}

	key := filepath.Clean(speakerWav)
	s.mu.RLock()
	cond, ok := s.voices[key]
	s.mu.RUnlock()
	if ok {
		return cond, nil
	}

	if err := s.PrepareSpeaker(ctx, speakerWav); err != nil {
		return nil, err
	}

	s.mu.RLock()
	cond = s.voices[key]
	s.mu.RUnlock()
	if cond == nil {
		return nil, fmt.Errorf("coqui: conditioning missing after clone for %q", key)
	}
	return cond, nil
}

// PrepareSpeaker implements tts.SpeakerPreparer. It uploads the reference
// WAV at speakerWav to POST /clone_speaker and caches the returned
// conditioning. Calling it again for the same path is a no-op, so it is safe
// to invoke on every participant join.
func (s *Synthesizer) PrepareSpeaker(ctx context.Context, speakerWav string) error {
	if speakerWav == "" {
		return errors.New("coqui: speakerWav must not be empty")
	}
	key := filepath.Clean(speakerWav)

	s.mu.RLock()
	_, ok := s.voices[key]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	sample, err := os.ReadFile(speakerWav)
	if err != nil {
		return fmt.Errorf("coqui: read speaker reference: %w", err)
	}

	cond, err := s.cloneSpeaker(ctx, sample)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.voices[key] = cond
	s.mu.Unlock()

	slog.Debug("speaker conditioning cached",
		"path", key,
		"embedding_dims", len(cond.SpeakerEmbedding))
	return nil
}

// cloneSpeaker performs the POST /clone_speaker upload and returns the
// computed conditioning.
func (s *Synthesizer) cloneSpeaker(ctx context.Context, sample []byte) (*voiceConditioning, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("wav_file", "reference.wav")
	if err != nil {
		return nil, fmt.Errorf("coqui: create form file: %w", err)
	}
	if _, err := fw.Write(sample); err != nil {
		return nil, fmt.Errorf("coqui: write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("coqui: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+cloneSpeakerEndpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("coqui: create clone-speaker request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST %s: %w", cloneSpeakerEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: POST %s returned status %d", cloneSpeakerEndpoint, resp.StatusCode)
	}

	var cond voiceConditioning
	if err := json.NewDecoder(resp.Body).Decode(&cond); err != nil {
		return nil, fmt.Errorf("coqui: decode clone-speaker response: %w", err)
	}
	if len(cond.GPTCondLatent) == 0 || len(cond.SpeakerEmbedding) == 0 {
		return nil, errors.New("coqui: clone-speaker response missing conditioning")
	}
	return &cond, nil
}

// EmbedSpeaker implements tts.VoiceEmbedder. It returns a copy of the
// speaker embedding for the given reference, cloning it first if needed.
func (s *Synthesizer) EmbedSpeaker(ctx context.Context, speakerWav string) ([]float32, error) {
	if err := s.PrepareSpeaker(ctx, speakerWav); err != nil {
		return nil, err
	}

	key := filepath.Clean(speakerWav)
	s.mu.RLock()
	cond := s.voices[key]
	s.mu.RUnlock()
	if cond == nil || len(cond.SpeakerEmbedding) == 0 {
		return nil, errors.New("coqui: no speaker embedding available")
	}

	out := make([]float32, len(cond.SpeakerEmbedding))
	copy(out, cond.SpeakerEmbedding)
	return out, nil
}

// ---- studio speakers ----

// StudioSpeakers returns the sorted names of the server's built-in voices,
// fetching and caching them on first call.
func (s *Synthesizer) StudioSpeakers(ctx context.Context) ([]string, error) {
	if err := s.ensureStudio(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.studio))
	for name := range s.studio {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// defaultConditioning returns the conditioning of the configured (or first)
// studio speaker.
func (s *Synthesizer) defaultConditioning(ctx context.Context) (*voiceConditioning, error) {
	if err := s.ensureStudio(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.studio) == 0 {
		return nil, errors.New("coqui: server has no studio speakers")
	}
	if s.defaultSpeaker != "" {
		cond, ok := s.studio[s.defaultSpeaker]
		if !ok {
			return nil, fmt.Errorf("coqui: studio speaker %q not found", s.defaultSpeaker)
		}
		return cond, nil
	}

	names := make([]string, 0, len(s.studio))
	for name := range s.studio {
		names = append(names, name)
	}
	sort.Strings(names)
	return s.studio[names[0]], nil
}

// ensureStudio fetches the studio speaker catalogue once.
func (s *Synthesizer) ensureStudio(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.studio != nil
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+studioSpeakersEndpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create studio-speakers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", studioSpeakersEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", studioSpeakersEndpoint, resp.StatusCode)
	}

	var studio map[string]*voiceConditioning
	if err := json.NewDecoder(resp.Body).Decode(&studio); err != nil {
		return fmt.Errorf("coqui: decode studio speakers: %w", err)
	}
	if studio == nil {
		studio = map[string]*voiceConditioning{}
	}

	s.mu.Lock()
	if s.studio == nil {
		s.studio = studio
	}
	s.mu.Unlock()
	return nil
}

// ---- helpers ----

// xttsLanguage maps a primary subtag to the code XTTS v2 expects. The model
// addresses Chinese as "zh-cn"; the other supported languages use the plain
// subtag.
func xttsLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	switch lang {
	case "":
		return "en"
	case "zh":
		return "zh-cn"
	default:
		return lang
	}
}
