package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxTTSChars is clamped into this range by [Config.Validate].
const (
	MinTTSCharsBound = 120
	MaxTTSCharsBound = 250
)

// ValidProviderNames lists known provider names per gateway kind.
// Used by [Config.Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr": {"whisper", "whisper-native", "openai"},
	"mt":  {"nllb", "anyllm"},
	"tts": {"coqui", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and clamps
// pipeline.max_tts_chars into its supported range. It returns a joined error
// listing all validation failures found; soft issues are logged as warnings.
func (cfg *Config) Validate() error {
	var errs []error

	// Log
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.Format != "" && !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	// Server
	if cfg.Server.SendTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("server.send_timeout_ms %d must not be negative", cfg.Server.SendTimeoutMS))
	}

	// Pipeline
	p := &cfg.Pipeline
	for _, f := range []struct {
		name  string
		value int
	}{
		{"tick_interval_ms", p.TickIntervalMS},
		{"rolling_buffer_max_ms", p.RollingBufferMaxMS},
		{"context_tail_ms", p.ContextTailMS},
		{"min_first_utterance_ms", p.MinFirstUtteranceMS},
		{"min_continuation_ms", p.MinContinuationMS},
		{"silence_reset_ms", p.SilenceResetMS},
		{"end_of_speech_ms", p.EndOfSpeechMS},
		{"pending_timeout_ms", p.PendingTimeoutMS},
		{"pending_min_chars", p.PendingMinChars},
		{"pending_max_chars", p.PendingMaxChars},
		{"duplicate_window_ms", p.DuplicateWindowMS},
		{"intake_max_ms", p.IntakeMaxMS},
	} {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("pipeline.%s %d must not be negative", f.name, f.value))
		}
	}
	if p.SilenceRMSThreshold < 0 || p.SilenceRMSThreshold >= 1 {
		errs = append(errs, fmt.Errorf("pipeline.silence_rms_threshold %.4f is out of range [0, 1)", p.SilenceRMSThreshold))
	}
	if p.ASRDetectConfThreshold < 0 || p.ASRDetectConfThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.asr_detect_conf_threshold %.2f is out of range [0, 1]", p.ASRDetectConfThreshold))
	}
	if p.ASRForceOverrideThreshold < 0 || p.ASRForceOverrideThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.asr_force_override_threshold %.2f is out of range [0, 1]", p.ASRForceOverrideThreshold))
	}
	if p.PendingMinChars > 0 && p.PendingMaxChars > 0 && p.PendingMinChars > p.PendingMaxChars {
		errs = append(errs, fmt.Errorf("pipeline.pending_min_chars %d exceeds pending_max_chars %d", p.PendingMinChars, p.PendingMaxChars))
	}
	if p.InputSampleRate != 0 && p.InputSampleRate != 16000 {
		errs = append(errs, fmt.Errorf("pipeline.input_sample_rate %d is unsupported; intake audio is 16000 Hz s16le mono", p.InputSampleRate))
	}
	if p.OutputSampleRate != 0 && p.OutputSampleRate != 24000 {
		errs = append(errs, fmt.Errorf("pipeline.output_sample_rate %d is unsupported; synthesized audio is 24000 Hz", p.OutputSampleRate))
	}
	if p.MaxTTSChars != 0 {
		if p.MaxTTSChars < MinTTSCharsBound {
			slog.Warn("pipeline.max_tts_chars below supported range; clamping",
				"configured", p.MaxTTSChars, "effective", MinTTSCharsBound)
			p.MaxTTSChars = MinTTSCharsBound
		} else if p.MaxTTSChars > MaxTTSCharsBound {
			slog.Warn("pipeline.max_tts_chars above supported range; clamping",
				"configured", p.MaxTTSChars, "effective", MaxTTSCharsBound)
			p.MaxTTSChars = MaxTTSCharsBound
		}
	}

	// Models
	if cfg.Models.IdleUnloadS < 0 {
		errs = append(errs, fmt.Errorf("models.idle_unload_s %d must not be negative", cfg.Models.IdleUnloadS))
	}
	validateProviderName("asr", cfg.Models.ASR.Name)
	validateProviderName("mt", cfg.Models.MT.Name)
	validateProviderName("mt", cfg.Models.MTFastPath.Name)
	validateProviderName("tts", cfg.Models.TTS.Name)

	if cfg.Models.ASR.Name == "" {
		slog.Warn("models.asr is not configured; speech cannot be transcribed")
	}
	if cfg.Models.MT.Name == "" {
		slog.Warn("models.mt is not configured; transcripts will be relayed untranslated")
	}
	if cfg.Models.TTS.Name == "" {
		slog.Warn("models.tts is not configured; listeners will receive no audio")
	}

	fp := cfg.Models.MTFastPath
	for i, pair := range fp.Pairs {
		src, dst, ok := strings.Cut(pair, ":")
		if !ok || src == "" || dst == "" {
			errs = append(errs, fmt.Errorf("models.mt_fastpath.pairs[%d] %q must have the form \"src:dst\"", i, pair))
		}
	}
	if fp.Name != "" && len(fp.Pairs) == 0 {
		slog.Warn("models.mt_fastpath has no pairs; the fast translator will never be used", "name", fp.Name)
	}
	if fp.Name == "" && len(fp.Pairs) > 0 {
		slog.Warn("models.mt_fastpath.pairs set without a provider name; pairs are ignored")
	}

	// Discord bridge
	d := cfg.Bridge.Discord
	if d.Enabled {
		if d.Token == "" {
			errs = append(errs, errors.New("bridge.discord.token is required when the bridge is enabled"))
		}
		if d.GuildID == "" {
			errs = append(errs, errors.New("bridge.discord.guild_id is required when the bridge is enabled"))
		}
		if d.ChannelID == "" {
			errs = append(errs, errors.New("bridge.discord.channel_id is required when the bridge is enabled"))
		}
		if d.RoomID == "" {
			errs = append(errs, errors.New("bridge.discord.room_id is required when the bridge is enabled"))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
