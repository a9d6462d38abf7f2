// Package gateway owns the lifecycle of the relay's model providers.
//
// A [Set] holds one provider per pipeline stage (ASR, MT, TTS). Providers
// that implement [Lifecycle] are loaded on first use and unloaded again after
// a configurable idle period, so a relay that sits quiet overnight gives its
// GPU memory back. Providers without a Lifecycle count as always ready.
//
// The pipeline calls [Set.Ensure] before every stage; concurrent ensures for
// one kind are serialized on a weighted semaphore so a model is never loaded
// twice, and a caller whose context dies while waiting gets out cleanly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voxrelay/voxrelay/internal/wire"
	"github.com/voxrelay/voxrelay/pkg/provider/asr"
	"github.com/voxrelay/voxrelay/pkg/provider/mt"
	"github.com/voxrelay/voxrelay/pkg/provider/tts"
)

// Kind identifies one pipeline stage's provider slot.
type Kind string

const (
	KindASR Kind = "asr"
	KindMT  Kind = "mt"
	KindTTS Kind = "tts"
)

// Stage returns the translation_error stage string for this kind.
func (k Kind) Stage() string {
	switch k {
	case KindASR:
		return wire.StageASR
	case KindMT:
		return wire.StageMT
	case KindTTS:
		return wire.StageTTS
	default:
		return string(k)
	}
}

// Lifecycle is implemented by providers that hold heavyweight state (a CGO
// model, a warmed pipeline). Load and Unload are never called concurrently
// for one provider; Ready must be callable at any time.
type Lifecycle interface {
	Load(ctx context.Context) error
	Unload() error
	Ready() bool
}

// Defaults for the janitor, overridable per Set.
const (
	defaultIdleUnload    = time.Hour
	defaultSweepInterval = 5 * time.Minute
)

// Option is a functional option for a Set.
type Option func(*Set)

// WithIdleUnload sets how long a loaded model may sit unused before the
// janitor unloads it. Zero disables idle unloading.
func WithIdleUnload(d time.Duration) Option {
	return func(s *Set) { s.idleUnload = d }
}

// WithSweepInterval sets how often the janitor looks for idle models.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Set) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// slot is the per-kind load state.
type slot struct {
	provider  any
	lifecycle Lifecycle // nil when the provider has no load/unload cycle

	// sem serializes Load/Unload per kind. A semaphore rather than a mutex so
	// that waiting ensures respect context cancellation.
	sem *semaphore.Weighted

	mu      sync.Mutex
	loaded  bool
	lastUse time.Time
}

func newSlot(provider any) *slot {
	sl := &slot{
		provider: provider,
		sem:      semaphore.NewWeighted(1),
	}
	if lc, ok := provider.(Lifecycle); ok {
		sl.lifecycle = lc
	}
	return sl
}

func (sl *slot) touch() {
	sl.mu.Lock()
	sl.lastUse = time.Now()
	sl.mu.Unlock()
}

func (sl *slot) markLoaded() {
	sl.mu.Lock()
	sl.loaded = true
	sl.lastUse = time.Now()
	sl.mu.Unlock()
}

// idleSince reports whether the slot has been loaded and unused for at least d.
func (sl *slot) idleSince(d time.Duration) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.loaded && time.Since(sl.lastUse) >= d
}

// Set holds the relay's providers, one per kind, and drives their lifecycle.
// All methods are safe for concurrent use.
type Set struct {
	idleUnload    time.Duration
	sweepInterval time.Duration

	slots map[Kind]*slot

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSet builds a Set over the given providers. A nil provider leaves its
// kind unconfigured; Ensure for that kind fails. The janitor goroutine starts
// immediately unless idle unloading is disabled.
func NewSet(recognizer asr.Recognizer, translator mt.Translator, synthesizer tts.Synthesizer, opts ...Option) *Set {
	s := &Set{
		idleUnload:    defaultIdleUnload,
		sweepInterval: defaultSweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		slots:         make(map[Kind]*slot, 3),
	}
	for _, o := range opts {
		o(s)
	}

	var asrAny, mtAny, ttsAny any
	if recognizer != nil {
		asrAny = recognizer
	}
	if translator != nil {
		mtAny = translator
	}
	if synthesizer != nil {
		ttsAny = synthesizer
	}
	s.slots[KindASR] = newSlot(asrAny)
	s.slots[KindMT] = newSlot(mtAny)
	s.slots[KindTTS] = newSlot(ttsAny)

	if s.idleUnload > 0 {
		go s.janitor()
	} else {
		close(s.done)
	}
	return s
}

// ASR returns the recognizer, or nil when unconfigured.
func (s *Set) ASR() asr.Recognizer {
	if p, ok := s.slots[KindASR].provider.(asr.Recognizer); ok {
		return p
	}
	return nil
}

// MT returns the translator, or nil when unconfigured.
func (s *Set) MT() mt.Translator {
	if p, ok := s.slots[KindMT].provider.(mt.Translator); ok {
		return p
	}
	return nil
}

// TTS returns the synthesizer, or nil when unconfigured.
func (s *Set) TTS() tts.Synthesizer {
	if p, ok := s.slots[KindTTS].provider.(tts.Synthesizer); ok {
		return p
	}
	return nil
}

// Ensure makes the provider for kind usable, loading it if necessary, and
// records the use for idle accounting. Concurrent ensures for one kind are
// serialized; ctx cancellation while waiting returns its error.
func (s *Set) Ensure(ctx context.Context, kind Kind) error {
	sl, ok := s.slots[kind]
	if !ok || sl.provider == nil {
		return fmt.Errorf("gateway: no %s provider configured", kind)
	}
	sl.touch()

	if sl.lifecycle == nil {
		return nil
	}

	if err := sl.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("gateway: waiting for %s model: %w", kind, err)
	}
	defer sl.sem.Release(1)

	if sl.lifecycle.Ready() {
		sl.markLoaded()
		return nil
	}

	slog.Info("loading model", "kind", kind)
	start := time.Now()
	if err := sl.lifecycle.Load(ctx); err != nil {
		return fmt.Errorf("gateway: load %s model: %w", kind, err)
	}
	sl.markLoaded()
	slog.Info("model loaded", "kind", kind, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// Preload ensures every configured kind up front. Used when lazy loading is
// disabled so the first speaker does not pay the load cost.
func (s *Set) Preload(ctx context.Context) error {
	for _, kind := range []Kind{KindASR, KindMT, KindTTS} {
		if s.slots[kind].provider == nil {
			continue
		}
		if err := s.Ensure(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

// Check reports readiness for /readyz: every kind must have a provider
// configured. It never forces a load; a lazily unloaded model still counts
// as ready because Ensure brings it back on demand.
func (s *Set) Check(_ context.Context) error {
	var missing []string
	for _, kind := range []Kind{KindASR, KindMT, KindTTS} {
		if s.slots[kind].provider == nil {
			missing = append(missing, string(kind))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("gateway: unconfigured providers: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Loaded reports whether the kind's provider currently holds its model. Plain
// providers report true once configured.
func (s *Set) Loaded(kind Kind) bool {
	sl, ok := s.slots[kind]
	if !ok || sl.provider == nil {
		return false
	}
	if sl.lifecycle == nil {
		return true
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.loaded
}

// janitor periodically unloads models that have been idle for too long.
func (s *Set) janitor() {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep unloads every idle model it can grab without blocking a loader.
func (s *Set) sweep() {
	for kind, sl := range s.slots {
		if sl.lifecycle == nil || !sl.idleSince(s.idleUnload) {
			continue
		}
		if !sl.sem.TryAcquire(1) {
			continue // in use right now, try again next sweep
		}
		// Re-check: an Ensure may have touched the slot while we acquired.
		if sl.idleSince(s.idleUnload) {
			if err := sl.lifecycle.Unload(); err != nil {
				slog.Warn("model unload failed", "kind", kind, "error", err)
			} else {
				sl.mu.Lock()
				sl.loaded = false
				sl.mu.Unlock()
				slog.Info("idle model unloaded", "kind", kind)
			}
		}
		sl.sem.Release(1)
	}
}

// Close stops the janitor and unloads every loaded model.
func (s *Set) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	var errs []error
	for kind, sl := range s.slots {
		if sl.lifecycle == nil {
			continue
		}
		sl.mu.Lock()
		loaded := sl.loaded
		sl.loaded = false
		sl.mu.Unlock()
		if !loaded {
			continue
		}
		if err := sl.lifecycle.Unload(); err != nil {
			errs = append(errs, fmt.Errorf("gateway: unload %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}
