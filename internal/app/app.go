// Package app wires the voxrelay subsystems together and owns their
// lifecycle: construction in [New], serving in [App.Run], teardown in
// [App.Shutdown].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/gateway"
	"github.com/voxrelay/voxrelay/internal/health"
	"github.com/voxrelay/voxrelay/internal/intake"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/ops"
	"github.com/voxrelay/voxrelay/internal/profile"
	"github.com/voxrelay/voxrelay/internal/profile/postgres"
	"github.com/voxrelay/voxrelay/internal/relay"
	"github.com/voxrelay/voxrelay/internal/room"
	"github.com/voxrelay/voxrelay/internal/server"
	"github.com/voxrelay/voxrelay/pkg/bridge/discord"
	"github.com/voxrelay/voxrelay/pkg/provider/asr"
	"github.com/voxrelay/voxrelay/pkg/provider/mt"
	"github.com/voxrelay/voxrelay/pkg/provider/tts"
)

// defaultListen is used when server.listen is not configured.
const defaultListen = ":8080"

// Providers carries the model providers assembled by main from the config
// registry. Any field may be nil; the readiness check reports missing kinds
// and the pipeline degrades stage by stage.
type Providers struct {
	ASR        asr.Recognizer
	MT         mt.Translator
	MTFastPath mt.Translator
	TTS        tts.Synthesizer
}

// App owns every subsystem of the relay server.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	auth     server.Authenticator
	registry *room.Registry
	intake   *intake.Buffer
	models   *gateway.Set
	store    profile.Store
	voices   *profile.Resolver
	metrics  *observe.Metrics
	coord    *relay.Coordinator
	bridge   *discord.Bridge

	handler http.Handler
	httpSrv *http.Server

	// baseCtx is the parent of every request context; cancelling it unblocks
	// the websocket read loops during shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// closers are called in reverse-init order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a profile store instead of connecting to PostgreSQL.
func WithStore(s profile.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAuthenticator overrides the default token-as-identity authenticator.
func WithAuthenticator(auth server.Authenticator) Option {
	return func(a *App) { a.auth = auth }
}

// WithMetrics injects a metrics sink and skips the global telemetry setup.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion records the build version reported in telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	if a.providers == nil {
		a.providers = &Providers{}
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Rooms and intake ──────────────────────────────────────────────
	a.initRooms()

	// ── 3. Model gateway ─────────────────────────────────────────────────
	if err := a.initModels(ctx); err != nil {
		return nil, fmt.Errorf("app: init models: %w", err)
	}

	// ── 4. Voice profiles ────────────────────────────────────────────────
	if err := a.initVoices(ctx); err != nil {
		return nil, fmt.Errorf("app: init voices: %w", err)
	}

	// ── 5. Pipeline coordinator ──────────────────────────────────────────
	a.initCoordinator()

	// ── 6. Discord bridge ────────────────────────────────────────────────
	if err := a.initBridge(); err != nil {
		return nil, fmt.Errorf("app: init bridge: %w", err)
	}

	// ── 7. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the global OTel providers and the metrics sink. An
// injected sink skips the global provider setup.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil // injected
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxrelay",
		ServiceVersion: a.version,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initRooms builds the registry and the bounded intake buffer.
func (a *App) initRooms() {
	a.registry = room.NewRegistry(room.WithSendTimeout(a.cfg.Server.SendTimeout()))

	var opts []intake.Option
	if max := a.cfg.Pipeline.IntakeMaxBytes(); max > 0 {
		opts = append(opts, intake.WithMaxBuffered(max))
	}
	opts = append(opts, intake.WithDropHandler(func(userID string, dropped int) {
		slog.Warn("intake overflow, dropped oldest audio", "user", userID, "bytes", dropped)
	}))
	a.intake = intake.NewBuffer(opts...)
}

// initModels assembles the gateway over the configured providers, wrapping
// the translator in the fast path when one is configured.
func (a *App) initModels(ctx context.Context) error {
	translator := a.providers.MT
	if a.providers.MTFastPath != nil && translator != nil && len(a.cfg.Models.MTFastPath.Pairs) > 0 {
		translator = gateway.NewFastPath(a.providers.MTFastPath, translator, a.cfg.Models.MTFastPath.Pairs)
	}

	var opts []gateway.Option
	if d := a.cfg.Models.IdleUnload(); d > 0 {
		opts = append(opts, gateway.WithIdleUnload(d))
	}
	a.models = gateway.NewSet(a.providers.ASR, translator, a.providers.TTS, opts...)
	a.closers = append(a.closers, a.models.Close)

	if !a.cfg.Models.Lazy() {
		if err := a.models.Preload(ctx); err != nil {
			return fmt.Errorf("preload models: %w", err)
		}
	}
	return nil
}

// initVoices connects the profile store when a DSN is configured and builds
// the voice resolver on top of it.
func (a *App) initVoices(ctx context.Context) error {
	if a.store == nil && a.cfg.Postgres.DSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.Postgres.DSN, postgres.DefaultEmbeddingDims)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("voice profile store connected", "dims", postgres.DefaultEmbeddingDims)
	}

	var opts []profile.Option
	if a.store != nil {
		opts = append(opts, profile.WithStore(a.store))
		if emb, ok := a.providers.TTS.(tts.VoiceEmbedder); ok {
			opts = append(opts, profile.WithEmbedder(emb))
		}
	}
	a.voices = profile.NewResolver(a.cfg.Server.VoicesDir, opts...)
	return nil
}

// initCoordinator creates the per-speaker pipeline coordinator.
func (a *App) initCoordinator() {
	a.coord = relay.NewCoordinator(
		a.cfg.Pipeline.Relay(),
		a.registry,
		a.intake,
		a.models,
		relay.WithVoices(a.voices),
		relay.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.coord.Close)
}

// initBridge prepares the optional Discord egress bridge. The bridge joins
// its voice channel in Run, not here.
func (a *App) initBridge() error {
	bc := a.cfg.Bridge.Discord
	if !bc.Enabled {
		return nil
	}

	lang := bc.Language
	if lang == "" {
		lang = "en"
	}

	br, err := discord.New(discord.Config{
		Token:     bc.Token,
		GuildID:   bc.GuildID,
		ChannelID: bc.ChannelID,
		RoomID:    bc.RoomID,
		Language:  lang,
	}, a.registry)
	if err != nil {
		return err
	}
	a.bridge = br
	a.closers = append(a.closers, br.Close)

	// Announce the bridge's listening language so deliveries target it.
	a.coord.UpdateSettings(discord.UserID, relay.Settings{
		OutputLang:      lang,
		UnderstandsPref: []string{lang},
	}.Normalized())
	return nil
}

// initHTTP assembles the mux: websocket endpoints, health, metrics, and the
// optional ops tools, all behind the HTTP metrics middleware.
func (a *App) initHTTP() {
	auth := a.auth
	if auth == nil {
		auth = server.InsecureAuthenticator{}
	}

	ws := server.New(server.Config{
		SendTimeout:    a.cfg.Server.SendTimeout(),
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	}, auth, a.registry, a.intake, a.coord, server.WithMetrics(a.metrics))

	mux := http.NewServeMux()
	ws.Routes(mux)

	var checkers []health.Checker
	if pinger, ok := a.store.(interface {
		Ping(ctx context.Context) error
	}); ok {
		checkers = append(checkers, health.Checker{Name: "store", Check: pinger.Ping})
	}
	checkers = append(checkers, health.Checker{Name: "models", Check: a.models.Check})
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	if a.cfg.Ops.MCP {
		ops.New(a.registry, a.coord, a.store).Register(mux)
	}

	a.handler = observe.Middleware(a.metrics)(mux)

	addr := a.cfg.Server.Listen
	if addr == "" {
		addr = defaultListen
	}
	a.baseCtx, a.baseCancel = context.WithCancel(context.Background())
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run brings the Discord bridge online, starts the HTTP server, and blocks
// until ctx is cancelled or serving fails. The caller is expected to follow
// with [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	if a.bridge != nil {
		if err := a.bridge.Start(ctx); err != nil {
			return fmt.Errorf("app: start discord bridge: %w", err)
		}
	}

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.httpSrv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.httpSrv.Serve(ln) }()

	slog.Info("server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler exposes the assembled HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the subsystems down in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, the remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Unblock the websocket read loops, then drain the HTTP server.
		a.baseCancel()
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http drain incomplete, forcing close", "err", err)
			_ = a.httpSrv.Close()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
