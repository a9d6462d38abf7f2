// Package relay implements the per-speaker translation pipeline. It turns a
// speaker's raw PCM intake into translated audio for every other member of
// the room: recognize, aggregate into an utterance, translate per listener
// language, synthesize in the speaker's voice and deliver with per-listener
// sequence numbers.
//
// The Coordinator owns one task goroutine per active speaker. Each ~100 ms
// tick the task drains the intake buffer, gates on signal level, runs the
// recognizer over a rolling window and grows a pending utterance. A flush
// hands the utterance to a delivery job; one worker per speaker runs the
// jobs in flush order so sequence numbers stay strictly increasing, while
// different speakers deliver concurrently.
package relay

import (
	"strings"
	"time"
)

// LangAuto is the sentinel input language meaning "detect per utterance".
const LangAuto = "auto"

// Automatic gain window. Frames whose RMS falls inside the window are
// amplified toward gainTarget before recognition; louder frames pass through
// untouched and quieter ones stay below the silence gate.
const (
	gainWindowLow  = 2e-4
	gainWindowHigh = 4.5e-3
	gainTarget     = 0.010
	gainMax        = 4.0
)

// pendingTimeoutMinChars is the minimum pending length for a timeout flush.
// Shorter fragments keep waiting for more speech.
const pendingTimeoutMinChars = 15

// Config tunes the pipeline. The zero value is unusable; obtain one from
// DefaultConfig and override fields, or rely on withDefaults which fills
// every zero field.
type Config struct {
	// TickInterval is the cadence of the per-speaker loop.
	TickInterval time.Duration

	// RollingBufferMax bounds the recognition window.
	RollingBufferMax time.Duration

	// ContextTail is how much trailing audio survives an accepted
	// transcript, keeping word boundaries intact across ASR calls.
	ContextTail time.Duration

	// MinFirstUtterance and MinContinuation are the minimum buffered
	// durations before the recognizer is called, for the first transcript
	// of a speaking session and for every one after it.
	MinFirstUtterance time.Duration
	MinContinuation   time.Duration

	// SilenceRMSThreshold gates frames on RMS of float-normalized samples.
	SilenceRMSThreshold float64

	// SilenceReset resets the context after this much accumulated
	// near-silent input.
	SilenceReset time.Duration

	// EndOfSpeech resets the context after this much wall-clock silence
	// while the speaker was mid-utterance.
	EndOfSpeech time.Duration

	// PendingTimeout, PendingMinChars and PendingMaxChars drive the flush
	// policy for the pending utterance.
	PendingTimeout  time.Duration
	PendingMinChars int
	PendingMaxChars int

	// MaxTTSChars bounds a single synthesis call; transcripts are capped
	// at twice this length before translation.
	MaxTTSChars int

	// DetectConfThreshold is the language detection confidence above which
	// an auto-detected language is trusted.
	DetectConfThreshold float64

	// ForceSourceThreshold is the confidence above which a detection that
	// disagrees with the decided language overrides the MT source, so a
	// misdetected no-op still produces a real translation.
	ForceSourceThreshold float64

	// DuplicateWindow suppresses a transcript that repeats the previous
	// one within this interval.
	DuplicateWindow time.Duration

	// InputSampleRate is the rate of intake PCM (s16le mono).
	InputSampleRate int
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		TickInterval:         100 * time.Millisecond,
		RollingBufferMax:     3 * time.Second,
		ContextTail:          200 * time.Millisecond,
		MinFirstUtterance:    450 * time.Millisecond,
		MinContinuation:      100 * time.Millisecond,
		SilenceRMSThreshold:  0.0018,
		SilenceReset:         1200 * time.Millisecond,
		EndOfSpeech:          2 * time.Second,
		PendingTimeout:       3500 * time.Millisecond,
		PendingMinChars:      40,
		PendingMaxChars:      150,
		MaxTTSChars:          180,
		DetectConfThreshold:  0.70,
		ForceSourceThreshold: 0.40,
		DuplicateWindow:      1500 * time.Millisecond,
		InputSampleRate:      16000,
	}
}

// withDefaults fills every zero field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.RollingBufferMax <= 0 {
		c.RollingBufferMax = d.RollingBufferMax
	}
	if c.ContextTail <= 0 {
		c.ContextTail = d.ContextTail
	}
	if c.MinFirstUtterance <= 0 {
		c.MinFirstUtterance = d.MinFirstUtterance
	}
	if c.MinContinuation <= 0 {
		c.MinContinuation = d.MinContinuation
	}
	if c.SilenceRMSThreshold <= 0 {
		c.SilenceRMSThreshold = d.SilenceRMSThreshold
	}
	if c.SilenceReset <= 0 {
		c.SilenceReset = d.SilenceReset
	}
	if c.EndOfSpeech <= 0 {
		c.EndOfSpeech = d.EndOfSpeech
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = d.PendingTimeout
	}
	if c.PendingMinChars <= 0 {
		c.PendingMinChars = d.PendingMinChars
	}
	if c.PendingMaxChars <= 0 {
		c.PendingMaxChars = d.PendingMaxChars
	}
	if c.MaxTTSChars <= 0 {
		c.MaxTTSChars = d.MaxTTSChars
	}
	if c.DetectConfThreshold <= 0 {
		c.DetectConfThreshold = d.DetectConfThreshold
	}
	if c.ForceSourceThreshold <= 0 {
		c.ForceSourceThreshold = d.ForceSourceThreshold
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = d.DuplicateWindow
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = d.InputSampleRate
	}
	return c
}

// Settings are one user's language preferences as provided by the client.
//
// InputLang is what the user speaks (a concrete tag or "auto"); OutputLang is
// what they want to hear others in. SpeaksPref and UnderstandsPref are
// ordered fallbacks for both directions.
type Settings struct {
	InputLang       string
	OutputLang      string
	SpeaksPref      []string
	UnderstandsPref []string
}

// Normalized returns a copy with every tag reduced to its lowercase primary
// subtag ("pt-BR" becomes "pt") and empty list entries dropped.
func (s Settings) Normalized() Settings {
	return Settings{
		InputLang:       NormalizeLang(s.InputLang),
		OutputLang:      NormalizeLang(s.OutputLang),
		SpeaksPref:      normalizeList(s.SpeaksPref),
		UnderstandsPref: normalizeList(s.UnderstandsPref),
	}
}

// NormalizeLang reduces a language tag to its lowercase primary subtag.
// Empty input stays empty; "auto" stays "auto".
func NormalizeLang(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return strings.ToLower(code)
}

// concrete reports whether lang names an actual language rather than the
// auto sentinel or nothing at all.
func concrete(lang string) bool {
	return lang != "" && lang != LangAuto
}

func normalizeList(codes []string) []string {
	if codes == nil {
		return nil
	}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if n := NormalizeLang(c); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// firstConcrete returns the first usable tag from an already normalized
// preference list.
func firstConcrete(codes []string) string {
	for _, c := range codes {
		if concrete(c) {
			return c
		}
	}
	return ""
}

// decision is one language decision snapshot: the language chosen for the
// speaker, the raw detection it was derived from and the detection
// confidence. Pending text is flushed whenever the (speaker, detected) pair
// changes so it is never translated under the wrong source language.
type decision struct {
	speakerLang  string
	detectedLang string
	confidence   float64
}

// sameLanguage compares only the language pair, not the confidence.
func (d decision) sameLanguage(o decision) bool {
	return d.speakerLang == o.speakerLang && d.detectedLang == o.detectedLang
}
