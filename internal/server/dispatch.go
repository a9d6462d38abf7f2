package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"github.com/voxrelay/voxrelay/internal/relay"
	"github.com/voxrelay/voxrelay/internal/wire"
)

// dispatch routes one inbound frame. Malformed or unknown frames are logged
// and dropped; a bad message never ends the session.
func (s *Server) dispatch(ctx context.Context, userID, roomID string, ch *wsChannel, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownType) {
			slog.Warn("server: unknown message", "user_id", userID, "err", err)
		} else {
			slog.Debug("server: malformed message", "user_id", userID, "err", err)
		}
		return
	}

	switch m := msg.(type) {
	case wire.InitSettings:
		s.handleInitSettings(ctx, userID, roomID, m)
	case wire.AudioChunk:
		s.handleAudioChunk(userID, m)
	case wire.LanguageUpdate:
		s.handleLanguageUpdate(ctx, userID, m)
	case wire.Control:
		s.handleControl(ctx, userID, roomID, m)
	case wire.Ping:
		_ = ch.Send(ctx, wire.NewPong())
	case wire.WebRTCSignal:
		s.handleSignal(ctx, userID, m)
	}
}

func (s *Server) handleInitSettings(ctx context.Context, userID, roomID string, m wire.InitSettings) {
	s.coord.UpdateSettings(userID, relay.Settings{
		InputLang:       m.InputLanguage,
		OutputLang:      m.OutputLanguage,
		SpeaksPref:      m.SpeaksLanguages,
		UnderstandsPref: m.UnderstandsLanguages,
	})

	// A deferred pipeline starts as soon as the client tells us anything.
	if !s.coord.Running(userID) {
		if err := s.coord.StartSpeaker(userID, roomID, relay.Settings{}); err != nil && !errors.Is(err, relay.ErrAlreadyStarted) {
			slog.Warn("server: pipeline start after init_settings failed", "user_id", userID, "err", err)
		}
	}

	ack := wire.NewLanguageUpdated(relay.NormalizeLang(m.InputLanguage), relay.NormalizeLang(m.OutputLanguage))
	if err := s.registry.SendToUser(ctx, userID, ack); err != nil {
		slog.Debug("server: settings ack failed", "user_id", userID, "err", err)
	}
	slog.Info("server: initial settings applied",
		"user_id", userID,
		"input", ack.InputLanguage,
		"output", ack.OutputLanguage,
	)
}

func (s *Server) handleAudioChunk(userID string, m wire.AudioChunk) {
	payload := m.AudioData
	if strings.HasPrefix(payload, "data:") {
		if i := strings.IndexByte(payload, ','); i >= 0 {
			payload = payload[i+1:]
		}
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		slog.Debug("server: dropping invalid audio chunk", "user_id", userID, "err", err)
		return
	}
	if len(raw) == 0 {
		return
	}
	s.intake.Push(userID, raw)
}

func (s *Server) handleLanguageUpdate(ctx context.Context, userID string, m wire.LanguageUpdate) {
	s.coord.UpdateSettings(userID, relay.Settings{
		InputLang:       m.InputLanguage,
		OutputLang:      m.OutputLanguage,
		SpeaksPref:      m.SpeaksLanguages,
		UnderstandsPref: m.UnderstandsLanguages,
	})

	ack := wire.NewLanguageUpdated(relay.NormalizeLang(m.InputLanguage), relay.NormalizeLang(m.OutputLanguage))
	if err := s.registry.SendToUser(ctx, userID, ack); err != nil {
		slog.Debug("server: language ack failed", "user_id", userID, "err", err)
	}
	slog.Info("server: languages updated",
		"user_id", userID,
		"input", ack.InputLanguage,
		"output", ack.OutputLanguage,
	)
}

func (s *Server) handleControl(ctx context.Context, userID, roomID string, m wire.Control) {
	switch m.Action {
	case wire.ActionMute:
		s.coord.StopSpeaker(userID)
		_ = s.registry.SendToUser(ctx, userID, wire.NewMuteStatus(true))

	case wire.ActionUnmute:
		// Stored preferences survive the stop, so the restart resumes
		// with the previous languages.
		if err := s.coord.StartSpeaker(userID, roomID, relay.Settings{}); err != nil && !errors.Is(err, relay.ErrAlreadyStarted) {
			slog.Warn("server: unmute restart failed", "user_id", userID, "err", err)
			return
		}
		_ = s.registry.SendToUser(ctx, userID, wire.NewMuteStatus(false))

	case wire.ActionPauseTranslation:
		_ = s.registry.SendToUser(ctx, userID, wire.NewTranslationStatus(true))

	case wire.ActionResumeTranslation:
		_ = s.registry.SendToUser(ctx, userID, wire.NewTranslationStatus(false))

	default:
		slog.Warn("server: unknown control action", "user_id", userID, "action", m.Action)
	}
}

// handleSignal relays opaque WebRTC signaling to the target user with the
// sender stamped on it.
func (s *Server) handleSignal(ctx context.Context, userID string, m wire.WebRTCSignal) {
	if m.TargetUserID == "" {
		slog.Debug("server: signaling without target", "user_id", userID, "signal", m.Type)
		return
	}
	m.FromUserID = userID
	if err := s.registry.SendToUser(ctx, m.TargetUserID, m); err != nil {
		slog.Debug("server: signaling relay failed",
			"user_id", userID, "target", m.TargetUserID, "err", err)
	}
}
