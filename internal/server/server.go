// Package server is the WebSocket transport of the relay. It accepts client
// connections, authenticates them, registers them with the room registry and
// feeds the speaker's audio into the intake buffer. Everything the pipeline
// sends back travels through the same registered channels.
//
// Two endpoints exist per room: /ws/audio/{room_id} is a full participant
// session with a speaker pipeline, /ws/status/{room_id} is a passive channel
// that only observes room traffic.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/voxrelay/voxrelay/internal/intake"
	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/relay"
	"github.com/voxrelay/voxrelay/internal/room"
	"github.com/voxrelay/voxrelay/internal/wire"
)

// Config carries the transport tunables.
type Config struct {
	// SendTimeout bounds every outbound frame write.
	SendTimeout time.Duration

	// AutostartDelay is how long a speaker with no known language gets to
	// send init_settings before the pipeline starts anyway.
	AutostartDelay time.Duration

	// AllowedOrigins is passed through to the WebSocket accept origin
	// check. Empty means same-host only.
	AllowedOrigins []string

	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	if c.AutostartDelay <= 0 {
		c.AutostartDelay = 2 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics overrides the metrics sink, mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server owns the WebSocket endpoints. It writes into the intake buffer and
// drives the coordinator; translated output flows back through the registry
// without the server's involvement.
type Server struct {
	cfg      Config
	auth     Authenticator
	registry *room.Registry
	intake   *intake.Buffer
	coord    *relay.Coordinator
	metrics  *observe.Metrics
}

// New wires the transport to its collaborators.
func New(cfg Config, auth Authenticator, registry *room.Registry, in *intake.Buffer, coord *relay.Coordinator, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		auth:     auth,
		registry: registry,
		intake:   in,
		coord:    coord,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Routes registers the WebSocket endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/audio/{room_id}", s.handleAudio)
	mux.HandleFunc("GET /ws/status/{room_id}", s.handleStatus)
}

// accept upgrades the request and authenticates the participant. The
// connection is accepted before authentication runs so that proxies which
// strip query parameters from the handshake still see a completed upgrade.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, room.Identity, bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Debug("server: websocket accept failed", "path", r.URL.Path, "err", err)
		return nil, room.Identity{}, false
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	user, err := s.auth.Authenticate(r)
	if err != nil {
		slog.Warn("server: authentication failed", "path", r.URL.Path, "err", err)
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return nil, room.Identity{}, false
	}
	return conn, user, true
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	conn, user, ok := s.accept(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := newChannel(conn, s.cfg.SendTimeout)
	s.trackJoin(ctx, user.ID, roomID)
	s.registry.Register(user, roomID, ch)
	slog.Info("server: participant joined", "user_id", user.ID, "room_id", roomID)

	defer func() {
		cancel()
		s.coord.Forget(user.ID)
		s.registry.Unregister(user.ID, ch)
		ch.Close("session ended")
		s.trackLeave(context.Background(), user.ID, roomID)

		left := wire.NewParticipantLeft(user.ID, s.participants(roomID))
		if err := s.registry.SendToRoom(context.Background(), roomID, left, ""); err != nil {
			slog.Debug("server: leave broadcast failed", "room_id", roomID, "err", err)
		}
		slog.Info("server: participant left", "user_id", user.ID, "room_id", roomID)
	}()

	if err := ch.Send(ctx, wire.NewConnected(user.ID, roomID)); err != nil {
		slog.Debug("server: connected ack failed", "user_id", user.ID, "err", err)
		return
	}
	joined := wire.NewParticipantJoined(user.ID, s.participants(roomID))
	if err := s.registry.SendToRoom(ctx, roomID, joined, ""); err != nil {
		slog.Debug("server: join broadcast failed", "room_id", roomID, "err", err)
	}

	s.maybeStartPipeline(ctx, user.ID, roomID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("server: session ended", "user_id", user.ID, "err", err)
			return
		}
		s.dispatch(ctx, user.ID, roomID, ch, data)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	conn, user, ok := s.accept(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	ch := newChannel(conn, s.cfg.SendTimeout)
	s.registry.Register(user, roomID, ch)
	slog.Debug("server: status observer joined", "user_id", user.ID, "room_id", roomID)

	defer func() {
		s.registry.Unregister(user.ID, ch)
		ch.Close("session ended")
	}()

	// Status sockets observe room traffic; the only inbound message they
	// may send is a ping.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			continue
		}
		if _, isPing := msg.(wire.Ping); isPing {
			_ = ch.Send(ctx, wire.NewPong())
		}
	}
}

// maybeStartPipeline starts the speaker's pipeline if enough is known about
// their input language, and otherwise arms the deferred autostart so a
// client that never sends init_settings still gets processed.
func (s *Server) maybeStartPipeline(ctx context.Context, userID, roomID string) {
	if s.coord.Running(userID) {
		return
	}
	st, known := s.coord.SettingsFor(userID)
	if known && (concreteLang(st.InputLang) || len(st.SpeaksPref) > 0) {
		if err := s.coord.StartSpeaker(userID, roomID, relay.Settings{}); err != nil && !errors.Is(err, relay.ErrAlreadyStarted) {
			slog.Warn("server: pipeline start failed", "user_id", userID, "err", err)
		}
		return
	}
	slog.Info("server: deferring pipeline start until init_settings", "user_id", userID, "room_id", roomID)
	go s.autostart(ctx, userID, roomID)
}

// autostart kicks in when the client never announced its languages. It
// starts the pipeline with the best known input, falling back to English.
func (s *Server) autostart(ctx context.Context, userID, roomID string) {
	timer := time.NewTimer(s.cfg.AutostartDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if s.coord.Running(userID) {
		return
	}
	if _, connected := s.registry.RoomOf(userID); !connected {
		return
	}

	st, _ := s.coord.SettingsFor(userID)
	in := st.InputLang
	if len(st.SpeaksPref) > 0 {
		in = st.SpeaksPref[0]
	}
	if !concreteLang(in) {
		in = "en"
	}
	if err := s.coord.StartSpeaker(userID, roomID, relay.Settings{InputLang: in}); err != nil {
		if !errors.Is(err, relay.ErrAlreadyStarted) {
			slog.Warn("server: deferred pipeline start failed", "user_id", userID, "err", err)
		}
		return
	}
	slog.Info("server: pipeline autostarted", "user_id", userID, "room_id", roomID, "input", in)
}

// participants snapshots the room membership in wire form.
func (s *Server) participants(roomID string) []wire.Participant {
	members := s.registry.Members(roomID)
	out := make([]wire.Participant, 0, len(members))
	for _, m := range members {
		name := m.FullName
		if name == "" {
			name = m.Username
		}
		out = append(out, wire.Participant{
			ID:       m.ID,
			Username: m.Username,
			FullName: m.FullName,
			Name:     name,
		})
	}
	return out
}

func (s *Server) trackJoin(ctx context.Context, userID, roomID string) {
	if _, known := s.registry.Lookup(userID); !known {
		s.metrics.ConnectedUsers.Add(ctx, 1)
	}
	if s.registry.MemberCount(roomID) == 0 {
		s.metrics.ActiveRooms.Add(ctx, 1)
	}
}

func (s *Server) trackLeave(ctx context.Context, userID, roomID string) {
	if _, known := s.registry.Lookup(userID); !known {
		s.metrics.ConnectedUsers.Add(ctx, -1)
	}
	if s.registry.MemberCount(roomID) == 0 {
		s.metrics.ActiveRooms.Add(ctx, -1)
	}
}

func concreteLang(lang string) bool {
	return lang != "" && lang != relay.LangAuto
}
