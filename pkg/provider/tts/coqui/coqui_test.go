package coqui

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/pkg/audio"
	"github.com/voxrelay/voxrelay/pkg/provider/tts"
)

// ---- test helpers ----

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, serverURL string, opts ...Option) *Synthesizer {
	t.Helper()
	s, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return s
}

// makePCM builds n s16le samples of the given constant value.
func makePCM(value int16, n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		pcm[i*2] = byte(value)
		pcm[i*2+1] = byte(value >> 8)
	}
	return pcm
}

// writeTempWAV writes a small valid reference WAV to a temp dir and returns
// its path.
func writeTempWAV(t *testing.T) string {
	t.Helper()
	wav := audio.EncodeWAV(make([]byte, 3200), 16000, 1) // 100 ms of silence
	path := filepath.Join(t.TempDir(), "ref.wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		t.Fatalf("write temp wav: %v", err)
	}
	return path
}

// collect drains the stream channel and concatenates all samples.
func collect(ch <-chan []float32) []float32 {
	var out []float32
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

// xttsState records what the fake XTTS server saw and controls its replies.
type xttsState struct {
	mu         sync.Mutex
	cloneCalls int
	ttsReqs    []ttsRequest
	streamReqs []ttsStreamRequest

	pcm      []byte // payload served by /tts and /tts_stream
	wavRate  int    // sample rate of the /tts WAV; defaults to 24000
	oddSplit bool   // flush an odd-length first write on /tts_stream
}

// newXTTSServer starts a fake XTTS streaming server backed by st.
func newXTTSServer(t *testing.T, st *xttsState) *httptest.Server {
	t.Helper()
	if st.wavRate == 0 {
		st.wavRate = nativeSampleRate
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cloneSpeakerEndpoint, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(4 << 20); err != nil {
			http.Error(w, "parse multipart: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(r.MultipartForm.File["wav_file"]) == 0 {
			http.Error(w, "no wav_file", http.StatusBadRequest)
			return
		}
		st.mu.Lock()
		st.cloneCalls++
		st.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"gpt_cond_latent":   [][]float64{{0.1, 0.2}, {0.3, 0.4}},
			"speaker_embedding": []float64{0.5, 0.25},
		})
	})
	mux.HandleFunc(ttsEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var req ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		st.mu.Lock()
		st.ttsReqs = append(st.ttsReqs, req)
		st.mu.Unlock()
		wav := audio.EncodeWAV(st.pcm, st.wavRate, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(base64.StdEncoding.EncodeToString(wav))
	})
	mux.HandleFunc(ttsStreamEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var req ttsStreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		st.mu.Lock()
		st.streamReqs = append(st.streamReqs, req)
		st.mu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		split := len(st.pcm) / 2
		if st.oddSplit && len(st.pcm) > 3 {
			split = 3
		}
		_, _ = w.Write(st.pcm[:split])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		_, _ = w.Write(st.pcm[split:])
	})
	mux.HandleFunc(studioSpeakersEndpoint, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"anna": map[string]any{"gpt_cond_latent": [][]float64{{0.1}}, "speaker_embedding": []float64{0.1}},
			"ben":  map[string]any{"gpt_cond_latent": [][]float64{{0.9}}, "speaker_embedding": []float64{0.9}},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// ---- construction ----

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s := mustNew(t, "http://localhost:8000")
		if s.serverURL != "http://localhost:8000" {
			t.Errorf("serverURL = %q, want %q", s.serverURL, "http://localhost:8000")
		}
		if s.streamChunkSize != defaultStreamChunkSize {
			t.Errorf("streamChunkSize = %d, want %d", s.streamChunkSize, defaultStreamChunkSize)
		}
		if s.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", s.httpClient.Timeout, defaultTimeout)
		}
		if s.OutputSampleRate() != nativeSampleRate {
			t.Errorf("OutputSampleRate = %d, want %d", s.OutputSampleRate(), nativeSampleRate)
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		s := mustNew(t, "http://localhost:8000/")
		if s.serverURL != "http://localhost:8000" {
			t.Errorf("serverURL = %q, want trailing slash stripped", s.serverURL)
		}
	})

	t.Run("empty URL returns error", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Fatal("expected error for empty URL, got nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		s := mustNew(t, "http://localhost:8000",
			WithTimeout(5*time.Second),
			WithStreamChunkSize(40),
			WithDefaultSpeaker("anna"),
		)
		if s.httpClient.Timeout != 5*time.Second {
			t.Errorf("timeout = %v, want %v", s.httpClient.Timeout, 5*time.Second)
		}
		if s.streamChunkSize != 40 {
			t.Errorf("streamChunkSize = %d, want 40", s.streamChunkSize)
		}
		if s.defaultSpeaker != "anna" {
			t.Errorf("defaultSpeaker = %q, want anna", s.defaultSpeaker)
		}
	})
}

// ---- Synthesize ----

func TestSynthesize_WithSpeakerReference(t *testing.T) {
	st := &xttsState{pcm: makePCM(8192, 100)} // 0.25 as float
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)
	ref := writeTempWAV(t)

	samples, err := s.Synthesize(context.Background(), tts.Request{
		Text:       "Guten Morgen!",
		Language:   "de",
		SpeakerWav: ref,
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if len(samples) != 100 {
		t.Fatalf("got %d samples, want 100", len(samples))
	}
	for i, v := range samples {
		if v != 0.25 {
			t.Fatalf("samples[%d] = %v, want 0.25", i, v)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cloneCalls != 1 {
		t.Errorf("cloneCalls = %d, want 1", st.cloneCalls)
	}
	if len(st.ttsReqs) != 1 {
		t.Fatalf("server received %d tts requests, want 1", len(st.ttsReqs))
	}
	req := st.ttsReqs[0]
	if req.Text != "Guten Morgen!" {
		t.Errorf("text = %q, want %q", req.Text, "Guten Morgen!")
	}
	if req.Language != "de" {
		t.Errorf("language = %q, want de", req.Language)
	}
	if len(req.SpeakerEmbedding) != 2 || req.SpeakerEmbedding[0] != 0.5 {
		t.Errorf("speaker embedding not forwarded: %v", req.SpeakerEmbedding)
	}
	if len(req.GPTCondLatent) == 0 {
		t.Error("gpt_cond_latent not forwarded")
	}
}

func TestSynthesize_CachesConditioning(t *testing.T) {
	st := &xttsState{pcm: makePCM(0, 10)}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)
	ref := writeTempWAV(t)

	for i := 0; i < 3; i++ {
		if _, err := s.Synthesize(context.Background(), tts.Request{
			Text: "hello", Language: "en", SpeakerWav: ref,
		}); err != nil {
			t.Fatalf("Synthesize #%d: %v", i, err)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cloneCalls != 1 {
		t.Errorf("cloneCalls = %d, want 1 (conditioning must be cached)", st.cloneCalls)
	}
	if len(st.ttsReqs) != 3 {
		t.Errorf("tts requests = %d, want 3", len(st.ttsReqs))
	}
}

func TestSynthesize_DefaultSpeaker(t *testing.T) {
	t.Run("first studio speaker when unset", func(t *testing.T) {
		st := &xttsState{pcm: makePCM(0, 10)}
		srv := newXTTSServer(t, st)
		s := mustNew(t, srv.URL)

		if _, err := s.Synthesize(context.Background(), tts.Request{Text: "hi", Language: "en"}); err != nil {
			t.Fatalf("Synthesize: %v", err)
		}

		st.mu.Lock()
		defer st.mu.Unlock()
		if st.cloneCalls != 0 {
			t.Errorf("cloneCalls = %d, want 0", st.cloneCalls)
		}
		// "anna" sorts before "ben"; anna's embedding is [0.1].
		if len(st.ttsReqs) != 1 || len(st.ttsReqs[0].SpeakerEmbedding) != 1 || st.ttsReqs[0].SpeakerEmbedding[0] != 0.1 {
			t.Errorf("expected anna's embedding, got %+v", st.ttsReqs)
		}
	})

	t.Run("configured studio speaker", func(t *testing.T) {
		st := &xttsState{pcm: makePCM(0, 10)}
		srv := newXTTSServer(t, st)
		s := mustNew(t, srv.URL, WithDefaultSpeaker("ben"))

		if _, err := s.Synthesize(context.Background(), tts.Request{Text: "hi", Language: "en"}); err != nil {
			t.Fatalf("Synthesize: %v", err)
		}

		st.mu.Lock()
		defer st.mu.Unlock()
		if len(st.ttsReqs) != 1 || st.ttsReqs[0].SpeakerEmbedding[0] != 0.9 {
			t.Errorf("expected ben's embedding, got %+v", st.ttsReqs)
		}
	})

	t.Run("unknown studio speaker", func(t *testing.T) {
		st := &xttsState{pcm: makePCM(0, 10)}
		srv := newXTTSServer(t, st)
		s := mustNew(t, srv.URL, WithDefaultSpeaker("nobody"))

		if _, err := s.Synthesize(context.Background(), tts.Request{Text: "hi", Language: "en"}); err == nil {
			t.Fatal("expected error for unknown studio speaker")
		}
	})
}

func TestSynthesize_EmptyText(t *testing.T) {
	st := &xttsState{pcm: makePCM(0, 10)}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)

	samples, err := s.Synthesize(context.Background(), tts.Request{Text: "   ", Language: "en"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if samples != nil {
		t.Errorf("expected nil samples for empty text, got %d", len(samples))
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.ttsReqs) != 0 {
		t.Errorf("expected no tts requests, got %d", len(st.ttsReqs))
	}
}

func TestSynthesize_LanguageMapping(t *testing.T) {
	st := &xttsState{pcm: makePCM(0, 10)}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)

	for _, lang := range []string{"zh", "PT"} {
		if _, err := s.Synthesize(context.Background(), tts.Request{Text: "hi", Language: lang}); err != nil {
			t.Fatalf("Synthesize(%q): %v", lang, err)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.ttsReqs) != 2 {
		t.Fatalf("tts requests = %d, want 2", len(st.ttsReqs))
	}
	if st.ttsReqs[0].Language != "zh-cn" {
		t.Errorf("zh mapped to %q, want zh-cn", st.ttsReqs[0].Language)
	}
	if st.ttsReqs[1].Language != "pt" {
		t.Errorf("PT mapped to %q, want pt", st.ttsReqs[1].Language)
	}
}

func TestSynthesize_ResamplesNonNativeRate(t *testing.T) {
	st := &xttsState{pcm: makePCM(8192, 100), wavRate: 22050}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)

	samples, err := s.Synthesize(context.Background(), tts.Request{Text: "hi", Language: "en"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	// 100 samples at 22050 Hz resample to 108 at 24000 Hz.
	if len(samples) != 108 {
		t.Errorf("got %d samples, want 108 after resampling", len(samples))
	}
	for i, v := range samples {
		if v != 0.25 {
			t.Fatalf("samples[%d] = %v, want 0.25", i, v)
		}
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == studioSpeakersEndpoint {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"anna":{"gpt_cond_latent":[[0.1]],"speaker_embedding":[0.1]}}`))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	s := mustNew(t, srv.URL)
	if _, err := s.Synthesize(context.Background(), tts.Request{Text: "hi", Language: "en"}); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

// ---- SynthesizeStream ----

func TestSynthesizeStream(t *testing.T) {
	st := &xttsState{pcm: makePCM(8192, 200)}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)
	ref := writeTempWAV(t)

	ch, err := s.SynthesizeStream(context.Background(), tts.Request{
		Text:       "Hello there.",
		Language:   "en",
		SpeakerWav: ref,
	})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	samples := collect(ch)
	if len(samples) != 200 {
		t.Fatalf("got %d samples, want 200", len(samples))
	}
	for i, v := range samples {
		if v != 0.25 {
			t.Fatalf("samples[%d] = %v, want 0.25", i, v)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.streamReqs) != 1 {
		t.Fatalf("stream requests = %d, want 1", len(st.streamReqs))
	}
	req := st.streamReqs[0]
	if req.AddWAVHeader {
		t.Error("add_wav_header should be false")
	}
	if req.StreamChunkSize != "20" {
		t.Errorf("stream_chunk_size = %q, want \"20\"", req.StreamChunkSize)
	}
}

func TestSynthesizeStream_OddChunkBoundary(t *testing.T) {
	// The server flushes 3 bytes first, splitting a sample across reads.
	st := &xttsState{pcm: makePCM(8192, 50), oddSplit: true}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)

	ch, err := s.SynthesizeStream(context.Background(), tts.Request{Text: "hi", Language: "en"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	samples := collect(ch)
	if len(samples) != 50 {
		t.Fatalf("got %d samples, want 50", len(samples))
	}
	for i, v := range samples {
		if v != 0.25 {
			t.Fatalf("samples[%d] = %v, want 0.25", i, v)
		}
	}
}

func TestSynthesizeStream_EmptyText(t *testing.T) {
	st := &xttsState{pcm: makePCM(0, 10)}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)

	ch, err := s.SynthesizeStream(context.Background(), tts.Request{Text: "", Language: "en"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if samples := collect(ch); len(samples) != 0 {
		t.Errorf("expected closed empty channel, got %d samples", len(samples))
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == studioSpeakersEndpoint {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"anna":{"gpt_cond_latent":[[0.1]],"speaker_embedding":[0.1]}}`))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	s := mustNew(t, srv.URL)
	if _, err := s.SynthesizeStream(context.Background(), tts.Request{Text: "hi", Language: "en"}); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

// ---- speaker preparation ----

func TestPrepareSpeaker_MissingFile(t *testing.T) {
	st := &xttsState{pcm: makePCM(0, 10)}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)

	if err := s.PrepareSpeaker(context.Background(), "/nonexistent/ref.wav"); err == nil {
		t.Fatal("expected error for missing reference file")
	}
}

func TestPrepareSpeaker_Idempotent(t *testing.T) {
	st := &xttsState{pcm: makePCM(0, 10)}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)
	ref := writeTempWAV(t)

	for i := 0; i < 3; i++ {
		if err := s.PrepareSpeaker(context.Background(), ref); err != nil {
			t.Fatalf("PrepareSpeaker #%d: %v", i, err)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cloneCalls != 1 {
		t.Errorf("cloneCalls = %d, want 1", st.cloneCalls)
	}
}

func TestEmbedSpeaker(t *testing.T) {
	st := &xttsState{pcm: makePCM(0, 10)}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)
	ref := writeTempWAV(t)

	emb, err := s.EmbedSpeaker(context.Background(), ref)
	if err != nil {
		t.Fatalf("EmbedSpeaker: %v", err)
	}
	if len(emb) != 2 || emb[0] != 0.5 || emb[1] != 0.25 {
		t.Fatalf("embedding = %v, want [0.5 0.25]", emb)
	}

	// The returned slice is a copy: mutating it must not poison the cache.
	emb[0] = -1
	again, err := s.EmbedSpeaker(context.Background(), ref)
	if err != nil {
		t.Fatalf("EmbedSpeaker again: %v", err)
	}
	if again[0] != 0.5 {
		t.Errorf("cached embedding mutated: %v", again)
	}
}

func TestStudioSpeakers(t *testing.T) {
	st := &xttsState{pcm: makePCM(0, 10)}
	srv := newXTTSServer(t, st)
	s := mustNew(t, srv.URL)

	names, err := s.StudioSpeakers(context.Background())
	if err != nil {
		t.Fatalf("StudioSpeakers: %v", err)
	}
	if len(names) != 2 || names[0] != "anna" || names[1] != "ben" {
		t.Errorf("names = %v, want [anna ben]", names)
	}
}

// ---- helpers ----

func TestDecodeAudioBody(t *testing.T) {
	wav := audio.EncodeWAV(makePCM(1, 4), 24000, 1)
	quoted, _ := json.Marshal(base64.StdEncoding.EncodeToString(wav))

	t.Run("base64 JSON string", func(t *testing.T) {
		got, err := decodeAudioBody(quoted)
		if err != nil {
			t.Fatalf("decodeAudioBody: %v", err)
		}
		if string(got) != string(wav) {
			t.Error("decoded WAV does not match original")
		}
	})

	t.Run("raw RIFF passthrough", func(t *testing.T) {
		got, err := decodeAudioBody(wav)
		if err != nil {
			t.Fatalf("decodeAudioBody: %v", err)
		}
		if string(got) != string(wav) {
			t.Error("raw WAV not passed through")
		}
	})

	t.Run("empty body", func(t *testing.T) {
		if _, err := decodeAudioBody(nil); err == nil {
			t.Fatal("expected error for empty body")
		}
	})

	t.Run("garbage body", func(t *testing.T) {
		if _, err := decodeAudioBody([]byte("{not audio}")); err == nil {
			t.Fatal("expected error for unrecognised body")
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := decodeAudioBody([]byte(`"!!!not-base64!!!"`)); err == nil {
			t.Fatal("expected error for invalid base64")
		}
	})
}

func TestXTTSLanguage(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"en", "en"},
		{"zh", "zh-cn"},
		{"PT", "pt"},
		{" de ", "de"},
		{"", "en"},
	}
	for _, tc := range cases {
		if got := xttsLanguage(tc.in); got != tc.want {
			t.Errorf("xttsLanguage(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
