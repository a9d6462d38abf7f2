package discord

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/voxrelay/voxrelay/internal/room"
	"github.com/voxrelay/voxrelay/internal/wire"
)

func validConfig() Config {
	return Config{
		Token:     "token",
		GuildID:   "guild",
		ChannelID: "channel",
		RoomID:    "lobby",
		Language:  "en",
	}
}

// translated builds a translated_audio message carrying n silent samples.
func translated(lang string, n, rate int) wire.TranslatedAudio {
	data := base64.StdEncoding.EncodeToString(make([]byte, n*2))
	return wire.NewTranslatedAudio("alice", 1, data, rate, "hola", "es", "hello", lang, false)
}

func TestNew_RequiresAllFields(t *testing.T) {
	t.Parallel()

	broken := []func(*Config){
		func(c *Config) { c.Token = "" },
		func(c *Config) { c.GuildID = "" },
		func(c *Config) { c.ChannelID = "" },
		func(c *Config) { c.RoomID = "" },
	}
	for i, mutate := range broken {
		cfg := validConfig()
		mutate(&cfg)
		if _, err := New(cfg, room.NewRegistry()); err == nil {
			t.Errorf("case %d: expected error for incomplete config %+v", i, cfg)
		}
	}
}

func TestNew_NormalizesLanguage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"PT-BR", "pt"},
		{"en", "en"},
		{"", "en"},
		{" De ", "de"},
	}
	for _, tc := range cases {
		cfg := validConfig()
		cfg.Language = tc.in
		b, err := New(cfg, room.NewRegistry())
		if err != nil {
			t.Fatalf("New(%q): %v", tc.in, err)
		}
		if b.lang != tc.want {
			t.Errorf("language %q normalized to %q, want %q", tc.in, b.lang, tc.want)
		}
	}
}

func TestConsume_FiltersByLanguage(t *testing.T) {
	t.Parallel()
	b := &Bridge{lang: "pt", out: make(chan []byte, 4)}

	b.consume(translated("en", 240, 24000))
	if len(b.out) != 0 {
		t.Fatal("audio in a foreign language was queued")
	}

	b.consume(translated("pt", 240, 24000))
	b.consume(translated("PT-br", 240, 24000))
	if len(b.out) != 2 {
		t.Fatalf("queued %d deltas, want 2 (exact and regional tags)", len(b.out))
	}
}

func TestConsume_IgnoresOtherMessageTypes(t *testing.T) {
	t.Parallel()
	b := &Bridge{lang: "en", out: make(chan []byte, 4)}

	b.consume(wire.NewPong())
	b.consume(wire.NewPartialTranslation("alice", "hello", "en"))
	b.consume("not even a message")

	if len(b.out) != 0 {
		t.Fatalf("queued %d deltas from non-audio messages", len(b.out))
	}
}

func TestConsume_ResamplesForDiscord(t *testing.T) {
	t.Parallel()
	b := &Bridge{lang: "en", out: make(chan []byte, 4)}

	// 240 samples of 24 kHz mono: doubled to 48 kHz, then interleaved to
	// stereo. 480 bytes in, 1920 bytes out.
	b.consume(translated("en", 240, 24000))

	select {
	case pcm := <-b.out:
		if len(pcm) != 1920 {
			t.Fatalf("queued %d bytes, want 1920 (48 kHz stereo)", len(pcm))
		}
	default:
		t.Fatal("nothing queued")
	}
}

func TestConsume_KeepsNativeRate(t *testing.T) {
	t.Parallel()
	b := &Bridge{lang: "en", out: make(chan []byte, 4)}

	// Already 48 kHz: only the stereo interleave doubles the size.
	b.consume(translated("en", 480, 48000))

	pcm := <-b.out
	if len(pcm) != 1920 {
		t.Fatalf("queued %d bytes, want 1920", len(pcm))
	}
}

func TestConsume_BadPayloadDropped(t *testing.T) {
	t.Parallel()
	b := &Bridge{lang: "en", out: make(chan []byte, 4)}

	msg := translated("en", 240, 24000)
	msg.Audio.Data = "!!not-base64!!"
	b.consume(msg)

	empty := translated("en", 0, 24000)
	b.consume(empty)

	if len(b.out) != 0 {
		t.Fatalf("queued %d deltas from unusable payloads", len(b.out))
	}
}

func TestConsume_QueueFullDropsNew(t *testing.T) {
	t.Parallel()
	b := &Bridge{lang: "en", out: make(chan []byte, 2)}

	for range 3 {
		b.consume(translated("en", 240, 24000))
	}
	if len(b.out) != 2 {
		t.Fatalf("queue holds %d deltas, want capacity 2 with overflow dropped", len(b.out))
	}
}

func TestSink_SendNeverErrors(t *testing.T) {
	t.Parallel()
	b := &Bridge{lang: "en", out: make(chan []byte, 1)}
	s := &sink{b: b}

	if err := s.Send(context.Background(), translated("en", 240, 24000)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(context.Background(), "garbage"); err != nil {
		t.Fatalf("Send(garbage): %v", err)
	}
}

func TestClose_UnregistersFromRoom(t *testing.T) {
	t.Parallel()

	registry := room.NewRegistry()
	b, err := New(validConfig(), registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	registry.Register(room.Identity{ID: UserID, Username: UserID}, "lobby", b.ch)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := registry.RoomOf(UserID); ok {
		t.Fatal("bridge still registered after Close")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
