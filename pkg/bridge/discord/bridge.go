// Package discord forwards translated room audio into a Discord voice
// channel via the bwmarrin/discordgo library.
//
// The bridge registers itself in the room registry as a listener named
// "discord-bridge" and plays every translated_audio message matching its
// target language through an Opus voice connection. Everything else that
// crosses the room is ignored; the bridge never speaks back into the room.
package discord

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/voxrelay/voxrelay/internal/room"
	"github.com/voxrelay/voxrelay/internal/wire"
	"github.com/voxrelay/voxrelay/pkg/audio"
)

// UserID is the registry identity under which the bridge listens.
const UserID = "discord-bridge"

// Discord voice expects 48 kHz stereo Opus in 20 ms frames.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * 20 / 1000
	// frameBytes is the exact PCM input size for one Opus frame:
	// 960 samples/channel × 2 channels × 2 bytes/sample.
	frameBytes = opusFrameSize * opusChannels * 2

	// queueDepth bounds PCM deltas waiting for the encoder.
	queueDepth = 64

	// flushInterval is how long a partial tail frame may wait before it is
	// padded with silence and transmitted.
	flushInterval = 150 * time.Millisecond
)

// fallbackSampleRate is assumed when a message carries no sample rate.
const fallbackSampleRate = 24000

// Config locates the voice channel to join and the room to listen in.
type Config struct {
	Token     string
	GuildID   string
	ChannelID string
	RoomID    string

	// Language is the translation target the bridge plays. Defaults to "en".
	Language string
}

// Bridge is a one-way audio exit from a room into a Discord voice channel.
// Create one with [New], bring it online with [Bridge.Start], and tear it
// down with [Bridge.Close].
type Bridge struct {
	cfg      Config
	lang     string
	registry *room.Registry

	session *discordgo.Session
	vc      *discordgo.VoiceConnection

	ch  *sink
	out chan []byte // 48 kHz stereo s16le awaiting encode

	done      chan struct{}
	closeOnce sync.Once
}

// New validates cfg and prepares the Discord session. No network traffic
// happens until [Bridge.Start].
func New(cfg Config, registry *room.Registry) (*Bridge, error) {
	if cfg.Token == "" || cfg.GuildID == "" || cfg.ChannelID == "" || cfg.RoomID == "" {
		return nil, errors.New("discord bridge: token, guild_id, channel_id and room_id are required")
	}
	lang := primaryTag(cfg.Language)
	if lang == "" {
		lang = "en"
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord bridge: create session: %w", err)
	}

	b := &Bridge{
		cfg:      cfg,
		lang:     lang,
		registry: registry,
		session:  session,
		out:      make(chan []byte, queueDepth),
		done:     make(chan struct{}),
	}
	b.ch = &sink{b: b}
	return b, nil
}

// Start opens the Discord gateway, joins the configured voice channel, and
// registers the bridge as a room member. ctx governs the setup phase only;
// once Start returns the bridge lives until [Bridge.Close].
func (b *Bridge) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord bridge: open gateway: %w", err)
	}

	// mute=false (we send audio), deaf=true (egress only).
	vc, err := b.session.ChannelVoiceJoin(b.cfg.GuildID, b.cfg.ChannelID, false, true)
	if err != nil {
		_ = b.session.Close()
		return fmt.Errorf("discord bridge: join voice channel %q: %w", b.cfg.ChannelID, err)
	}
	b.vc = vc

	go b.sendLoop()

	b.registry.Register(room.Identity{
		ID:       UserID,
		Username: UserID,
		FullName: "Discord voice bridge",
	}, b.cfg.RoomID, b.ch)

	slog.Info("discord bridge online",
		"guild", b.cfg.GuildID,
		"channel", b.cfg.ChannelID,
		"room", b.cfg.RoomID,
		"language", b.lang)
	return nil
}

// Close unregisters from the room, leaves the voice channel, and closes the
// gateway session. Safe to call more than once.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.registry.Unregister(UserID, b.ch)
		close(b.done)

		if b.vc != nil {
			if derr := b.vc.Disconnect(); derr != nil {
				err = fmt.Errorf("discord bridge: disconnect voice: %w", derr)
			}
		}
		if cerr := b.session.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("discord bridge: close session: %w", cerr)
		}
	})
	return err
}

// sink adapts the bridge to [room.Channel] so the registry fans out to it
// like to any other member connection.
type sink struct{ b *Bridge }

func (s *sink) Send(_ context.Context, msg any) error {
	s.b.consume(msg)
	return nil
}

func (s *sink) Close(reason string) error {
	slog.Warn("discord bridge channel closed by registry", "reason", reason)
	return nil
}

// consume keeps translated audio in the bridge language and queues its PCM
// for the encoder. It never blocks the delivering goroutine; when the
// encoder falls behind, new deltas are dropped.
func (b *Bridge) consume(msg any) {
	ta, ok := msg.(wire.TranslatedAudio)
	if !ok {
		return
	}
	if primaryTag(ta.Language) != b.lang {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(ta.Audio.Data)
	if err != nil {
		slog.Warn("discord bridge: bad audio payload", "speaker", ta.UserID, "err", err)
		return
	}
	if len(raw) == 0 {
		return
	}

	rate := ta.Audio.SampleRate
	if rate <= 0 {
		rate = fallbackSampleRate
	}
	if rate != opusSampleRate {
		raw = audio.ResampleMono16(raw, rate, opusSampleRate)
	}
	pcm := audio.MonoToStereo(raw)

	select {
	case b.out <- pcm:
	default:
		slog.Debug("discord bridge: queue full, dropping delta", "speaker", ta.UserID)
	}
}

// sendLoop frames queued PCM into 20 ms Opus packets and feeds the voice
// connection. A partial tail frame is padded with silence and flushed after
// flushInterval so the end of an utterance is not held back.
func (b *Bridge) sendLoop() {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		slog.Error("discord bridge: create opus encoder", "err", err)
		return
	}

	flush := time.NewTimer(flushInterval)
	if !flush.Stop() {
		<-flush.C
	}

	var buf []byte
	speaking := false

	for {
		select {
		case <-b.done:
			if speaking {
				b.setSpeaking(false)
			}
			return

		case pcm := <-b.out:
			if !speaking {
				b.setSpeaking(true)
				speaking = true
			}
			buf = b.encodeFrames(enc, append(buf, pcm...))

			if !flush.Stop() {
				select {
				case <-flush.C:
				default:
				}
			}
			if len(buf) > 0 {
				flush.Reset(flushInterval)
			}

		case <-flush.C:
			if len(buf) == 0 {
				continue
			}
			buf = append(buf, make([]byte, frameBytes-len(buf))...)
			buf = b.encodeFrames(enc, buf)
			if speaking {
				b.setSpeaking(false)
				speaking = false
			}
		}
	}
}

// encodeFrames transmits every whole frame in buf and returns the remainder.
func (b *Bridge) encodeFrames(enc *gopus.Encoder, buf []byte) []byte {
	for len(buf) >= frameBytes {
		pkt, err := enc.Encode(audio.BytesToInt16s(buf[:frameBytes]), opusFrameSize, frameBytes)
		buf = buf[frameBytes:]
		if err != nil {
			slog.Warn("discord bridge: opus encode error", "err", err)
			continue
		}
		select {
		case b.vc.OpusSend <- pkt:
		case <-b.done:
			return nil
		}
	}
	return buf
}

func (b *Bridge) setSpeaking(on bool) {
	if err := b.vc.Speaking(on); err != nil {
		slog.Warn("discord bridge: speaking notification error", "speaking", on, "err", err)
	}
}

// primaryTag lowercases a language tag and strips any region subtag, so
// "PT-br" and "pt" compare equal.
func primaryTag(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	lang, _, _ = strings.Cut(lang, "-")
	return lang
}
