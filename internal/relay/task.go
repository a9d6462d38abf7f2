package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/voxrelay/voxrelay/internal/gateway"
	"github.com/voxrelay/voxrelay/internal/intake"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/profile"
	"github.com/voxrelay/voxrelay/internal/room"
	"github.com/voxrelay/voxrelay/internal/wire"
	"github.com/voxrelay/voxrelay/pkg/audio"
	"github.com/voxrelay/voxrelay/pkg/provider/asr"
	"github.com/voxrelay/voxrelay/pkg/provider/mt"
)

// Context reset reasons, used for logs and the resets counter.
const (
	resetEndOfSpeech    = "end_of_speech"
	resetNearSilence    = "near_silence"
	resetHallucination  = "hallucination"
	resetEmptyASR       = "empty_asr"
	resetLanguageChange = "language_change"
)

// Flush reasons, used for logs and the flushes counter.
const (
	flushSentenceEnd    = "sentence_end"
	flushTimeout        = "timeout"
	flushMaxLength      = "max_length"
	flushEndOfSpeech    = "end_of_speech"
	flushEmptyASR       = "empty_asr"
	flushLanguageChange = "language_change"
)

// taskDeps are the collaborators a task works against, bundled so tests can
// assemble a task without a Coordinator.
type taskDeps struct {
	registry      *room.Registry
	intake        *intake.Buffer
	models        *gateway.Set
	voices        *profile.Resolver
	metrics       *observe.Metrics
	listenerPrefs func(userID string) (Settings, bool)
}

// taskStats are cheap mirrors of loop state for Snapshot.
type taskStats struct {
	speaking     atomic.Bool
	pendingChars atomic.Int64
	bufferedMS   atomic.Int64
}

// task is the pipeline for one speaker. The tick-loop state below the
// lifecycle fields is owned by the run goroutine; delivery state is shared
// with delivery jobs under delMu.
type task struct {
	cfg    Config
	userID string
	roomID string
	prefs  *speakerPrefs
	deps   taskDeps

	muted atomic.Bool
	stats taskStats

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// work feeds delivery and state-clear jobs to the single per-speaker
	// worker goroutine, which runs them strictly in submission order. Queue
	// position, not scheduling, is what keeps deltas and sequence numbers in
	// flush order.
	work       chan func(context.Context)
	workerDone chan struct{}
	jobs       sync.WaitGroup

	// Tick-loop state.
	rolling          []byte
	speaking         bool
	firstEmitted     bool
	lastActivity     time.Time
	silenceAccum     time.Duration
	lastASRCall      time.Time
	emptyStreak      int
	lastTranscript   string
	lastTranscriptAt time.Time
	pending          string
	pendingStarted   time.Time
	lastDecision     decision
	haveDecision     bool

	// Delivery state, shared between delivery jobs and reset jobs.
	delMu    sync.Mutex
	lastSent map[deliveryKey]string
	seqs     map[string]uint64
}

// deliveryKey identifies the delta state for one listener and target
// language of this speaker.
type deliveryKey struct {
	listenerID string
	lang       string
}

func newTask(cfg Config, userID, roomID string, prefs *speakerPrefs, deps taskDeps) *task {
	t := &task{
		cfg:        cfg,
		userID:     userID,
		roomID:     roomID,
		prefs:      prefs,
		deps:       deps,
		work:       make(chan func(context.Context), 16),
		workerDone: make(chan struct{}),
		lastSent:   make(map[deliveryKey]string),
		seqs:       make(map[string]uint64),
		done:       make(chan struct{}),
	}
	t.runCtx, t.cancel = context.WithCancel(context.Background())
	// The worker starts with the task, not with the tick loop, so anything
	// that drives step directly still gets its flushes delivered.
	go t.worker()
	return t
}

// start launches the tick loop.
func (t *task) start() {
	go t.run()
}

// stop cancels the loop and waits for it and the delivery worker. Jobs still
// queued at that point are abandoned; their deliveries would run against a
// cancelled context anyway.
func (t *task) stop() {
	t.cancel()
	<-t.done
	<-t.workerDone
}

// worker executes queued jobs one at a time, in the order the tick loop
// submitted them.
func (t *task) worker() {
	defer close(t.workerDone)
	for {
		select {
		case <-t.runCtx.Done():
			return
		case fn := <-t.work:
			fn(t.runCtx)
			t.jobs.Done()
		}
	}
}

// enqueue hands fn to the delivery worker. Jobs submitted after cancellation
// are dropped.
func (t *task) enqueue(fn func(context.Context)) {
	t.jobs.Add(1)
	select {
	case t.work <- fn:
	case <-t.runCtx.Done():
		t.jobs.Done()
	}
}

func (t *task) run() {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.runCtx.Done():
			return
		case now := <-ticker.C:
			t.step(t.runCtx, now)
		}
	}
}

// step advances the pipeline by one tick: drain, gate, recognize.
func (t *task) step(ctx context.Context, now time.Time) {
	t.deps.metrics.Ticks.Add(ctx, 1)
	frames := t.deps.intake.Drain(t.userID)

	// Muted speakers keep draining so the intake does not back up, but
	// nothing of theirs leaves the gate.
	if t.muted.Load() {
		return
	}

	if len(frames) == 0 {
		t.checkEndOfSpeech(ctx, now)
		return
	}

	rms := audio.RMS16(frames)
	if rms >= t.cfg.SilenceRMSThreshold {
		t.lastActivity = now
		t.speaking = true
		t.stats.speaking.Store(true)
		t.silenceAccum = 0
	} else {
		t.silenceAccum += bufferedDuration(len(frames), t.cfg.InputSampleRate)
	}

	// Soft speech is amplified toward the target level so the recognizer
	// sees a usable signal. ApplyGain16 clips at the int16 range.
	if rms >= gainWindowLow && rms <= gainWindowHigh {
		gain := gainTarget / rms
		if gain > gainMax {
			gain = gainMax
		}
		audio.ApplyGain16(frames, gain)
		rms = audio.RMS16(frames)
	}

	t.rolling = append(t.rolling, frames...)
	if maxBytes := audio.BytesForMS(int(t.cfg.RollingBufferMax/time.Millisecond), t.cfg.InputSampleRate); len(t.rolling) > maxBytes {
		t.rolling = append(t.rolling[:0:0], t.rolling[len(t.rolling)-maxBytes:]...)
	}
	t.stats.bufferedMS.Store(int64(audio.DurationMS(t.rolling, t.cfg.InputSampleRate)))

	if rms < t.cfg.SilenceRMSThreshold {
		if t.silenceAccum >= t.cfg.SilenceReset && (t.speaking || len(t.rolling) > 0 || t.pending != "") {
			// Prolonged near-silence carries no speech worth keeping.
			t.resetContext(ctx, resetNearSilence, false)
		}
		t.checkEndOfSpeech(ctx, now)
		return
	}

	if !t.lastASRCall.IsZero() && now.Sub(t.lastASRCall) < t.cfg.MinContinuation {
		return
	}
	need := t.cfg.MinContinuation
	if !t.firstEmitted {
		need = t.cfg.MinFirstUtterance
	}
	if bufferedDuration(len(t.rolling), t.cfg.InputSampleRate) < need {
		return
	}

	t.lastASRCall = now
	t.recognize(ctx, now)
}

// checkEndOfSpeech resets the context once the speaker has been silent for
// the end-of-speech window, flushing any pending utterance first.
func (t *task) checkEndOfSpeech(ctx context.Context, now time.Time) {
	if !t.speaking || t.lastActivity.IsZero() {
		return
	}
	if now.Sub(t.lastActivity) > t.cfg.EndOfSpeech {
		t.resetContext(ctx, resetEndOfSpeech, true)
	}
}

// recognize runs one ASR pass over the rolling window and feeds the result
// through post-processing, language decision and aggregation.
func (t *task) recognize(ctx context.Context, now time.Time) {
	if err := t.deps.models.Ensure(ctx, gateway.KindASR); err != nil {
		slog.Warn("relay: asr unavailable", "user_id", t.userID, "err", err)
		t.notifyError(ctx, wire.StageASR, "speech recognition model unavailable")
		return
	}

	settings, lastGood := t.prefs.view()
	hint := ""
	if concrete(settings.InputLang) {
		hint = settings.InputLang
	} else if lastGood != "" {
		hint = lastGood
	}

	start := time.Now()
	res, err := t.deps.models.ASR().Transcribe(ctx, asr.Request{
		PCM:          t.rolling,
		SampleRate:   t.cfg.InputSampleRate,
		LanguageHint: hint,
		VADFilter:    true,
	})
	t.deps.metrics.ASRDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		// Recognizer errors count as empty transcripts.
		slog.Warn("relay: transcription failed", "user_id", t.userID, "err", err)
		t.deps.metrics.RecordStageError(ctx, wire.StageASR)
		res = asr.Result{}
	}

	text := strings.TrimSpace(res.Text)
	if text == "" || noiseOnly(text) {
		t.emptyStreak++
		if t.emptyStreak >= 3 {
			t.resetContext(ctx, resetEmptyASR, true)
		}
		return
	}
	t.emptyStreak = 0

	if looksRepetitive(text) {
		slog.Debug("relay: dropped hallucinated repetition", "user_id", t.userID, "text", text)
		t.deps.metrics.RecordDroppedTranscript(ctx, "hallucination")
		t.resetContext(ctx, resetHallucination, false)
		return
	}

	if maxChars := 2 * t.cfg.MaxTTSChars; runeLen(text) > maxChars {
		text = truncateRunes(text, maxChars)
	}

	if t.lastTranscript != "" && now.Sub(t.lastTranscriptAt) < t.cfg.DuplicateWindow && nearDuplicate(text, t.lastTranscript) {
		t.deps.metrics.RecordDroppedTranscript(ctx, "duplicate")
		return
	}
	t.lastTranscript = text
	t.lastTranscriptAt = now

	// Keep a short tail of audio for context across ASR calls.
	if keep := audio.BytesForMS(int(t.cfg.ContextTail/time.Millisecond), t.cfg.InputSampleRate); len(t.rolling) > keep {
		t.rolling = append(t.rolling[:0:0], t.rolling[len(t.rolling)-keep:]...)
		t.stats.bufferedMS.Store(int64(audio.DurationMS(t.rolling, t.cfg.InputSampleRate)))
	}

	detected := NormalizeLang(res.DetectedLang)
	dec := decision{
		speakerLang:  t.decideLanguage(settings, lastGood, detected, res.LanguageProbability),
		detectedLang: detected,
		confidence:   res.LanguageProbability,
	}
	if concrete(settings.InputLang) {
		t.prefs.setLastGood(settings.InputLang)
	} else if detected != "" && res.LanguageProbability >= t.cfg.DetectConfThreshold {
		t.prefs.setLastGood(detected)
	}
	t.prefs.setDecided(dec.speakerLang)

	t.firstEmitted = true
	slog.Debug("relay: transcript accepted",
		"user_id", t.userID,
		"language", dec.speakerLang,
		"detected", detected,
		"confidence", res.LanguageProbability,
		"chars", runeLen(text),
	)

	if err := t.deps.registry.SendToRoom(ctx, t.roomID, wire.NewPartialTranscript(t.userID, text, dec.speakerLang), ""); err != nil {
		slog.Debug("relay: partial transcript broadcast failed", "user_id", t.userID, "err", err)
	}

	t.aggregate(ctx, now, text, dec)
}

// decideLanguage picks the language the speaker is speaking: configured
// input wins, then a confident detection, then the last known good input,
// then the first speakable preference, then English.
func (t *task) decideLanguage(settings Settings, lastGood, detected string, conf float64) string {
	if concrete(settings.InputLang) {
		return settings.InputLang
	}
	if detected != "" && conf >= t.cfg.DetectConfThreshold {
		return detected
	}
	if lastGood != "" {
		return lastGood
	}
	if first := firstConcrete(settings.SpeaksPref); first != "" {
		return first
	}
	return "en"
}

// aggregate grows the pending utterance with the accepted transcript and
// flushes it when the policy says the utterance is ready.
func (t *task) aggregate(ctx context.Context, now time.Time, text string, dec decision) {
	if t.haveDecision && !dec.sameLanguage(t.lastDecision) && t.pending != "" {
		// The language changed under the buffered text. Deliver it under
		// the decision it was transcribed with, then start fresh.
		t.flush(ctx, flushLanguageChange, t.lastDecision)
		t.rolling = nil
		t.silenceAccum = 0
		t.emptyStreak = 0
		t.stats.bufferedMS.Store(0)
		t.dropDeliveryState()
		t.deps.metrics.RecordReset(ctx, resetLanguageChange)
	}
	t.lastDecision = dec
	t.haveDecision = true

	if t.pending == "" {
		t.pending = text
		t.pendingStarted = now
	} else {
		t.pending += " " + text
	}
	t.stats.pendingChars.Store(int64(runeLen(t.pending)))

	plen := runeLen(t.pending)
	switch {
	case plen >= t.cfg.PendingMinChars && mt.HasSentenceEnd(text):
		t.flush(ctx, flushSentenceEnd, dec)
	case now.Sub(t.pendingStarted) >= t.cfg.PendingTimeout && plen >= pendingTimeoutMinChars:
		t.flush(ctx, flushTimeout, dec)
	case plen >= t.cfg.PendingMaxChars:
		t.flush(ctx, flushMaxLength, dec)
	}
}

// flush hands the pending utterance to the delivery worker and clears it.
func (t *task) flush(ctx context.Context, reason string, dec decision) {
	text := t.pending
	t.pending = ""
	t.pendingStarted = time.Time{}
	t.stats.pendingChars.Store(0)
	if strings.TrimSpace(text) == "" {
		return
	}

	t.deps.metrics.RecordFlush(ctx, reason)
	slog.Debug("relay: utterance flushed",
		"user_id", t.userID,
		"reason", reason,
		"language", dec.speakerLang,
		"chars", runeLen(text),
	)

	t.enqueue(func(ctx context.Context) {
		t.deliver(ctx, text, dec)
	})
}

// resetContext clears the utterance state so the next speech starts fresh.
// When flushPending is set a non-empty pending utterance is delivered first;
// silence and hallucination resets discard it instead.
func (t *task) resetContext(ctx context.Context, reason string, flushPending bool) {
	if flushPending && strings.TrimSpace(t.pending) != "" && t.haveDecision {
		t.flush(ctx, reason, t.lastDecision)
	}
	t.rolling = nil
	t.pending = ""
	t.pendingStarted = time.Time{}
	t.lastTranscript = ""
	t.lastTranscriptAt = time.Time{}
	t.speaking = false
	t.firstEmitted = false
	t.silenceAccum = 0
	t.emptyStreak = 0
	t.stats.speaking.Store(false)
	t.stats.pendingChars.Store(0)
	t.stats.bufferedMS.Store(0)

	t.dropDeliveryState()
	t.deps.metrics.RecordReset(ctx, reason)
	slog.Debug("relay: context reset", "user_id", t.userID, "reason", reason)
}

// dropDeliveryState queues a clear of the per-listener delta state behind any
// flush submitted earlier. A queued delivery still sees the state it was
// computed against, and the clear can never overtake it.
func (t *task) dropDeliveryState() {
	t.enqueue(func(context.Context) {
		t.delMu.Lock()
		clear(t.lastSent)
		t.delMu.Unlock()
	})
}

// notifyError reports a model-stage failure to the speaker.
func (t *task) notifyError(ctx context.Context, stage, message string) {
	t.deps.metrics.RecordStageError(ctx, stage)
	if err := t.deps.registry.SendToUser(ctx, t.userID, wire.NewTranslationError(stage, message)); err != nil {
		slog.Debug("relay: error notification failed", "user_id", t.userID, "stage", stage, "err", err)
	}
}

// bufferedDuration converts a byte count of s16le mono PCM to a duration.
func bufferedDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate*audio.BytesPerSample)
}

// noiseOnly reports whether a transcript carries no words: punctuation,
// ellipses and whitespace only.
func noiseOnly(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) && !unicode.IsSymbol(r) {
			return false
		}
	}
	return true
}

// runeLen is the transcript length in characters, not bytes.
func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

// truncateRunes cuts s to at most n characters.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
