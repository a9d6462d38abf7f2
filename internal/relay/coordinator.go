package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/voxrelay/voxrelay/internal/gateway"
	"github.com/voxrelay/voxrelay/internal/intake"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/profile"
	"github.com/voxrelay/voxrelay/internal/room"
)

var (
	// ErrClosed is returned by StartSpeaker after Close.
	ErrClosed = errors.New("relay: coordinator closed")

	// ErrAlreadyStarted is returned when a pipeline task is already
	// running for the user.
	ErrAlreadyStarted = errors.New("relay: speaker already started")
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithVoices supplies the voice profile resolver used to clone each
// speaker's timbre. Without it every synthesis uses the default voice.
func WithVoices(r *profile.Resolver) Option {
	return func(c *Coordinator) { c.voices = r }
}

// WithMetrics overrides the metrics sink, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator owns the pipeline tasks, one per active speaker, and the
// language preferences of everyone who announced any. Preferences outlive
// the task: a muted or never-started user still resolves correctly as a
// listener. All exported methods are safe for concurrent use.
type Coordinator struct {
	cfg      Config
	registry *room.Registry
	intake   *intake.Buffer
	models   *gateway.Set
	voices   *profile.Resolver
	metrics  *observe.Metrics

	mu     sync.Mutex
	tasks  map[string]*task
	prefs  map[string]*speakerPrefs
	closed bool
}

// NewCoordinator wires the pipeline to its collaborators. Zero Config fields
// take defaults.
func NewCoordinator(cfg Config, registry *room.Registry, in *intake.Buffer, models *gateway.Set, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		registry: registry,
		intake:   in,
		models:   models,
		tasks:    make(map[string]*task),
		prefs:    make(map[string]*speakerPrefs),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// StartSpeaker launches the pipeline task for userID in roomID. The settings
// are merged into the user's stored preferences first, so an unmute without
// explicit settings resumes with the previous ones.
func (c *Coordinator) StartSpeaker(userID, roomID string, settings Settings) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.tasks[userID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, userID)
	}
	p := c.prefs[userID]
	if p == nil {
		p = &speakerPrefs{}
		c.prefs[userID] = p
	}
	p.update(settings)
	t := newTask(c.cfg, userID, roomID, p, taskDeps{
		registry:      c.registry,
		intake:        c.intake,
		models:        c.models,
		voices:        c.voices,
		metrics:       c.metrics,
		listenerPrefs: c.SettingsFor,
	})
	c.tasks[userID] = t
	c.mu.Unlock()

	t.start()
	c.metrics.ActiveSpeakers.Add(context.Background(), 1)
	in, out := p.languages()
	slog.Info("relay: speaker started", "user_id", userID, "room_id", roomID, "input", in, "output", out)
	return nil
}

// StopSpeaker cancels the pipeline task for userID and waits for it and any
// queued delivery to wind down. Stored preferences are kept; a stopped user
// keeps resolving as a listener. No-op if the user has no task.
func (c *Coordinator) StopSpeaker(userID string) {
	c.mu.Lock()
	t := c.tasks[userID]
	delete(c.tasks, userID)
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.stop()
	c.intake.Clear(userID)
	c.metrics.ActiveSpeakers.Add(context.Background(), -1)
	slog.Info("relay: speaker stopped", "user_id", userID)
}

// Forget stops the user's task and drops their stored preferences. Called on
// disconnect.
func (c *Coordinator) Forget(userID string) {
	c.StopSpeaker(userID)
	c.mu.Lock()
	delete(c.prefs, userID)
	c.mu.Unlock()
}

// Running reports whether a pipeline task is active for userID.
func (c *Coordinator) Running(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[userID]
	return ok
}

// UpdateSettings merges new language preferences for userID. It does not
// require a running task: pure listeners announce preferences too. Zero
// fields leave the stored value untouched.
func (c *Coordinator) UpdateSettings(userID string, settings Settings) {
	c.mu.Lock()
	p := c.prefs[userID]
	if p == nil {
		p = &speakerPrefs{}
		c.prefs[userID] = p
	}
	c.mu.Unlock()
	p.update(settings)
}

// SetMuted flips the mute flag on a running task and reports whether one
// exists. A muted task keeps draining intake but nothing leaves the
// recognition gate.
func (c *Coordinator) SetMuted(userID string, muted bool) bool {
	c.mu.Lock()
	t := c.tasks[userID]
	c.mu.Unlock()
	if t == nil {
		return false
	}
	t.muted.Store(muted)
	return true
}

// SettingsFor returns the stored preferences of a user. Delivery uses it to
// resolve each listener's target language, and the transport to decide
// whether a connecting speaker can start right away; users who never
// announced any get the zero Settings, which resolve to English.
func (c *Coordinator) SettingsFor(userID string) (Settings, bool) {
	c.mu.Lock()
	p := c.prefs[userID]
	c.mu.Unlock()
	if p == nil {
		return Settings{}, false
	}
	s, _ := p.view()
	return s, true
}

// Snapshot is a point-in-time view of one speaker's pipeline, exposed for
// the ops tools.
type Snapshot struct {
	UserID        string
	RoomID        string
	Settings      Settings
	LastGoodInput string
	LastDecided   string
	Muted         bool
	Speaking      bool
	PendingChars  int
	BufferedMS    int
}

// Snapshot reports the live state of userID's pipeline.
func (c *Coordinator) Snapshot(userID string) (Snapshot, bool) {
	c.mu.Lock()
	t := c.tasks[userID]
	c.mu.Unlock()
	if t == nil {
		return Snapshot{}, false
	}
	settings, lastGood := t.prefs.view()
	return Snapshot{
		UserID:        userID,
		RoomID:        t.roomID,
		Settings:      settings,
		LastGoodInput: lastGood,
		LastDecided:   t.prefs.decided(),
		Muted:         t.muted.Load(),
		Speaking:      t.stats.speaking.Load(),
		PendingChars:  int(t.stats.pendingChars.Load()),
		BufferedMS:    int(t.stats.bufferedMS.Load()),
	}, true
}

// ActiveSpeakers returns the IDs of all users with a running task, sorted.
func (c *Coordinator) ActiveSpeakers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Close stops every task. The coordinator cannot be reused afterwards.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tasks := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.tasks = make(map[string]*task)
	c.mu.Unlock()

	for _, t := range tasks {
		t.stop()
		c.metrics.ActiveSpeakers.Add(context.Background(), -1)
	}
	return nil
}

// speakerPrefs is the shared mutable preference state for one user. The
// coordinator updates it from client messages while the user's own task
// reads it every tick and records language bookkeeping back into it.
type speakerPrefs struct {
	mu          sync.Mutex
	settings    Settings
	lastGood    string
	lastDecided string
}

// update merges normalized settings. A concrete input language also becomes
// the last known good input.
func (p *speakerPrefs) update(s Settings) {
	s = s.Normalized()
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.InputLang != "" {
		p.settings.InputLang = s.InputLang
		if s.InputLang != LangAuto {
			p.lastGood = s.InputLang
		}
	}
	if s.OutputLang != "" {
		p.settings.OutputLang = s.OutputLang
	}
	if s.SpeaksPref != nil {
		p.settings.SpeaksPref = s.SpeaksPref
	}
	if s.UnderstandsPref != nil {
		p.settings.UnderstandsPref = s.UnderstandsPref
	}
}

// view returns a copy of the settings and the last good input.
func (p *speakerPrefs) view() (Settings, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.settings
	s.SpeaksPref = slices.Clone(s.SpeaksPref)
	s.UnderstandsPref = slices.Clone(s.UnderstandsPref)
	return s, p.lastGood
}

// setLastGood records a confidently known input language.
func (p *speakerPrefs) setLastGood(lang string) {
	p.mu.Lock()
	p.lastGood = lang
	p.mu.Unlock()
}

// setDecided records the most recent language decision.
func (p *speakerPrefs) setDecided(lang string) {
	p.mu.Lock()
	p.lastDecided = lang
	p.mu.Unlock()
}

func (p *speakerPrefs) decided() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDecided
}

// languages returns the configured input and output tags for logging.
func (p *speakerPrefs) languages() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings.InputLang, p.settings.OutputLang
}
