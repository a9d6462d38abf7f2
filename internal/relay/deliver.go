package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/internal/gateway"
	"github.com/voxrelay/voxrelay/internal/wire"
	"github.com/voxrelay/voxrelay/pkg/audio"
	"github.com/voxrelay/voxrelay/pkg/provider/mt"
	"github.com/voxrelay/voxrelay/pkg/provider/tts"
)

// deliver fans one flushed utterance out to every listener in the room:
// translate once per target language, then per listener synthesize the
// not-yet-sent suffix in the speaker's voice and send it with the next
// sequence number. Runs on the per-speaker delivery worker.
func (t *task) deliver(ctx context.Context, text string, dec decision) {
	if t.muted.Load() {
		return
	}
	start := time.Now()

	if err := t.deps.models.Ensure(ctx, gateway.KindMT); err != nil {
		slog.Warn("relay: mt unavailable", "user_id", t.userID, "err", err)
		t.notifyError(ctx, wire.StageMT, "translation model unavailable")
		return
	}
	if err := t.deps.models.Ensure(ctx, gateway.KindTTS); err != nil {
		slog.Warn("relay: tts unavailable", "user_id", t.userID, "err", err)
		t.notifyError(ctx, wire.StageTTS, "voice synthesis model unavailable")
		return
	}

	listeners := t.deps.registry.MemberIDs(t.roomID)
	if len(listeners) == 0 {
		return
	}

	speakerWav := ""
	if t.deps.voices != nil {
		speakerWav = t.deps.voices.Resolve(ctx, t.userID)
	}
	voiceFallback := speakerWav == ""

	outputRate := t.deps.models.TTS().OutputSampleRate()
	translations := make(map[string]string)
	delivered := 0

	for _, listenerID := range listeners {
		if listenerID == t.userID {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		listener, _ := t.deps.listenerPrefs(listenerID)
		target := resolveTarget(listener, dec.speakerLang)

		// A misdetected source would turn this into a no-op translation.
		// With reasonable confidence in a differing detection, translate
		// from the detection instead.
		source := dec.speakerLang
		if target == dec.speakerLang && dec.detectedLang != "" && dec.detectedLang != target &&
			dec.confidence >= t.cfg.ForceSourceThreshold {
			source = dec.detectedLang
		}

		full, ok := translations[target]
		if !ok {
			full = t.translate(ctx, text, source, target)
			translations[target] = full
		}
		if strings.TrimSpace(full) == "" {
			continue
		}

		if err := t.deps.registry.SendToUser(ctx, listenerID, wire.NewPartialTranslation(t.userID, full, target)); err != nil {
			slog.Debug("relay: partial translation send failed", "user_id", t.userID, "listener", listenerID, "err", err)
		}

		key := deliveryKey{listenerID: listenerID, lang: target}
		t.delMu.Lock()
		last := t.lastSent[key]
		t.delMu.Unlock()

		delta := full
		if last != "" && strings.HasPrefix(full, last) {
			delta = full[len(last):]
		}
		if strings.TrimSpace(delta) == "" {
			continue
		}

		pcm, err := t.synthesize(ctx, delta, target, speakerWav)
		if err != nil {
			// Skip this listener without advancing last_sent_text; the
			// delta rides along with the next flush.
			slog.Warn("relay: synthesis failed",
				"user_id", t.userID, "listener", listenerID, "language", target, "err", err)
			t.deps.metrics.RecordStageError(ctx, wire.StageTTS)
			continue
		}
		if len(pcm) == 0 {
			slog.Debug("relay: synthesizer produced no audio",
				"user_id", t.userID, "listener", listenerID, "language", target)
			continue
		}

		t.delMu.Lock()
		t.seqs[listenerID]++
		seq := t.seqs[listenerID]
		t.delMu.Unlock()

		msg := wire.NewTranslatedAudio(
			t.userID,
			seq,
			base64.StdEncoding.EncodeToString(audio.Float32ToPCM16(pcm)),
			outputRate,
			text,
			dec.speakerLang,
			delta,
			target,
			voiceFallback,
		)
		if err := t.deps.registry.SendToUser(ctx, listenerID, msg); err != nil {
			slog.Warn("relay: audio send failed", "user_id", t.userID, "listener", listenerID, "err", err)
			t.deps.metrics.SendFailures.Add(ctx, 1)
			continue
		}

		t.delMu.Lock()
		t.lastSent[key] = full
		t.delMu.Unlock()
		delivered++
	}

	t.deps.metrics.DeliveryDuration.Record(ctx, time.Since(start).Seconds())
	if delivered > 0 {
		slog.Debug("relay: utterance delivered",
			"user_id", t.userID,
			"listeners", delivered,
			"languages", len(translations),
			"took", time.Since(start).Round(time.Millisecond),
		)
	}
}

// translate runs MT over the utterance, splitting long inputs at sentence
// boundaries. The tail of an overlong utterance wins: it is the part the
// listener has not heard yet. Failures degrade to the tagged source text so
// delivery keeps flowing.
func (t *task) translate(ctx context.Context, text, source, target string) string {
	text = strings.TrimSpace(text)
	if text == "" || source == target {
		return text
	}

	if max := 3 * t.cfg.MaxTTSChars; runeLen(text) > max {
		runes := []rune(text)
		text = string(runes[len(runes)-max:])
		slog.Warn("relay: truncating long utterance for translation",
			"user_id", t.userID, "kept_chars", max)
	}

	translator := t.deps.models.MT()
	var parts []string
	for _, chunk := range mt.SplitSentences(text, t.cfg.MaxTTSChars) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		start := time.Now()
		out, err := translator.Translate(ctx, chunk, source, target)
		t.deps.metrics.MTDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			slog.Error("relay: translation failed",
				"user_id", t.userID, "source", source, "target", target, "err", err)
			t.deps.metrics.RecordStageError(ctx, wire.StageMT)
			return fmt.Sprintf("[%s] %s", strings.ToUpper(target), text)
		}
		parts = append(parts, out)
	}
	return strings.Join(parts, " ")
}

// synthesize renders text as float PCM, splitting at sentence boundaries so
// a single synthesis call never exceeds the working window.
func (t *task) synthesize(ctx context.Context, text, language, speakerWav string) ([]float32, error) {
	syn := t.deps.models.TTS()
	var out []float32
	for _, chunk := range mt.SplitSentences(text, t.cfg.MaxTTSChars) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		start := time.Now()
		pcm, err := syn.Synthesize(ctx, tts.Request{
			Text:       chunk,
			Language:   language,
			SpeakerWav: speakerWav,
		})
		if err != nil {
			return nil, err
		}
		t.deps.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		out = append(out, pcm...)
	}
	return out, nil
}

// resolveTarget picks the language a listener hears: their explicit output
// choice, else the speaker's language if they understand it, else their
// first understood language, else their own input language, else English.
func resolveTarget(listener Settings, speakerLang string) string {
	if concrete(listener.OutputLang) {
		return listener.OutputLang
	}
	if concrete(speakerLang) && slices.Contains(listener.UnderstandsPref, speakerLang) {
		return speakerLang
	}
	if first := firstConcrete(listener.UnderstandsPref); first != "" {
		return first
	}
	if concrete(listener.InputLang) {
		return listener.InputLang
	}
	return "en"
}
