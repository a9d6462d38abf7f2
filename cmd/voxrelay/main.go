// Command voxrelay is the main entry point for the voxrelay audio
// translation relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxrelay/voxrelay/internal/app"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/pkg/provider/asr"
	asropenai "github.com/voxrelay/voxrelay/pkg/provider/asr/openai"
	"github.com/voxrelay/voxrelay/pkg/provider/asr/whisper"
	"github.com/voxrelay/voxrelay/pkg/provider/mt"
	mtanyllm "github.com/voxrelay/voxrelay/pkg/provider/mt/anyllm"
	"github.com/voxrelay/voxrelay/pkg/provider/mt/nllb"
	"github.com/voxrelay/voxrelay/pkg/provider/tts"
	"github.com/voxrelay/voxrelay/pkg/provider/tts/coqui"
	ttsopenai "github.com/voxrelay/voxrelay/pkg/provider/tts/openai"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn or error)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("voxrelay " + version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxrelay: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		}
		return 1
	}

	if *logLevel != "" {
		lvl := config.LogLevel(*logLevel)
		if !lvl.IsValid() {
			fmt.Fprintf(os.Stderr, "voxrelay: invalid -log-level %q\n", *logLevel)
			return 1
		}
		cfg.Log.Level = lvl
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("voxrelay starting",
		"version", version,
		"config", *configPath,
		"listen", cfg.Server.Listen,
		"log_level", cfg.Log.Level,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in model factories into reg.
// Each factory receives a config.ModelEntry and constructs the matching
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("whisper", func(entry config.ModelEntry) (asr.Recognizer, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if conf := optFloat(entry.Options, "detect_confidence"); conf > 0 {
			opts = append(opts, whisper.WithDetectConfidence(conf))
		}
		if s := optInt(entry.Options, "timeout_s"); s > 0 {
			opts = append(opts, whisper.WithTimeout(time.Duration(s)*time.Second))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterASR("whisper-native", func(entry config.ModelEntry) (asr.Recognizer, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if conf := optFloat(entry.Options, "detect_confidence"); conf > 0 {
			opts = append(opts, whisper.WithNativeDetectConfidence(conf))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterASR("openai", func(entry config.ModelEntry) (asr.Recognizer, error) {
		var opts []asropenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, asropenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, asropenai.WithModel(entry.Model))
		}
		if conf := optFloat(entry.Options, "detect_confidence"); conf > 0 {
			opts = append(opts, asropenai.WithDetectConfidence(conf))
		}
		return asropenai.New(entry.APIKey, opts...)
	})

	// ── MT ────────────────────────────────────────────────────────────────────

	reg.RegisterMT("nllb", func(entry config.ModelEntry) (mt.Translator, error) {
		var opts []nllb.Option
		if n := optInt(entry.Options, "max_chunk_chars"); n > 0 {
			opts = append(opts, nllb.WithMaxChunkChars(n))
		}
		if s := optInt(entry.Options, "timeout_s"); s > 0 {
			opts = append(opts, nllb.WithTimeout(time.Duration(s)*time.Second))
		}
		return nllb.New(entry.BaseURL, opts...)
	})

	// anyllm routes through any OpenAI-compatible chat backend; the concrete
	// vendor is picked with the "provider" option (openai, anthropic, gemini,
	// ollama, deepseek, mistral, groq, llamacpp, llamafile).
	reg.RegisterMT("anyllm", func(entry config.ModelEntry) (mt.Translator, error) {
		providerName := optString(entry.Options, "provider")
		if providerName == "" {
			providerName = "openai"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return mtanyllm.New(providerName, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("coqui", func(entry config.ModelEntry) (tts.Synthesizer, error) {
		var opts []coqui.Option
		if speaker := optString(entry.Options, "default_speaker"); speaker != "" {
			opts = append(opts, coqui.WithDefaultSpeaker(speaker))
		}
		if n := optInt(entry.Options, "stream_chunk_size"); n > 0 {
			opts = append(opts, coqui.WithStreamChunkSize(n))
		}
		if s := optInt(entry.Options, "timeout_s"); s > 0 {
			opts = append(opts, coqui.WithTimeout(time.Duration(s)*time.Second))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ModelEntry) (tts.Synthesizer, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, ttsopenai.WithVoice(voice))
		}
		if speed := optFloat(entry.Options, "speed"); speed > 0 {
			opts = append(opts, ttsopenai.WithSpeed(speed))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the models named in cfg using the registry and
// returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Models.ASR.Name; name != "" {
		p, err := reg.CreateASR(cfg.Models.ASR)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "asr", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create asr provider %q: %w", name, err)
		} else {
			ps.ASR = p
			slog.Info("provider created", "kind", "asr", "name", name)
		}
	}

	if name := cfg.Models.MT.Name; name != "" {
		p, err := reg.CreateMT(cfg.Models.MT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "mt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create mt provider %q: %w", name, err)
		} else {
			ps.MT = p
			slog.Info("provider created", "kind", "mt", "name", name)
		}
	}

	if name := cfg.Models.MTFastPath.Name; name != "" {
		p, err := reg.CreateMT(cfg.Models.MTFastPath.ModelEntry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "mt-fastpath", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create mt fast-path provider %q: %w", name, err)
		} else {
			ps.MTFastPath = p
			slog.Info("provider created", "kind", "mt-fastpath", "name", name, "pairs", cfg.Models.MTFastPath.Pairs)
		}
	}

	if name := cfg.Models.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Models.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║       voxrelay — startup summary       ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printProvider("ASR", cfg.Models.ASR.Name, cfg.Models.ASR.Model)
	printProvider("MT", cfg.Models.MT.Name, cfg.Models.MT.Model)
	printProvider("MT fast path", cfg.Models.MTFastPath.Name, cfg.Models.MTFastPath.Model)
	printProvider("TTS", cfg.Models.TTS.Name, cfg.Models.TTS.Model)
	loadMode := "eager"
	if cfg.Models.Lazy() {
		loadMode = "lazy"
	}
	printRow("Model load", loadMode)
	store := "(in-memory)"
	if cfg.Postgres.DSN != "" {
		store = "postgres"
	}
	printRow("Voice store", store)
	bridge := "(disabled)"
	if cfg.Bridge.Discord.Enabled {
		bridge = "room " + cfg.Bridge.Discord.RoomID
	}
	printRow("Discord bridge", bridge)
	ops := "(disabled)"
	if cfg.Ops.MCP {
		ops = "/mcp"
	}
	printRow("MCP ops", ops)
	listen := cfg.Server.Listen
	if listen == "" {
		listen = ":8080"
	}
	printRow("Listen addr", listen)
	fmt.Println("╚════════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 20 {
		value = value[:17] + "…"
	}
	fmt.Printf("║  %-14s : %-20s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(c config.LogConfig) *slog.Logger {
	var lvl slog.Level
	switch c.Level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the key is absent or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int; float values are truncated.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optFloat extracts a float value from a provider Options map.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
