package config_test

import (
	"strings"
	"testing"

	"github.com/voxrelay/voxrelay/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
log:
  level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log.level") {
		t.Errorf("error should mention log.level, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	t.Parallel()
	yaml := `
log:
  format: xml
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log format, got nil")
	}
	if !strings.Contains(err.Error(), "log.format") {
		t.Errorf("error should mention log.format, got: %v", err)
	}
}

func TestValidate_NegativePipelineValue(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  tick_interval_ms: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative tick_interval_ms, got nil")
	}
	if !strings.Contains(err.Error(), "tick_interval_ms") {
		t.Errorf("error should mention tick_interval_ms, got: %v", err)
	}
}

func TestValidate_ThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "silence rms above one",
			yaml: "pipeline:\n  silence_rms_threshold: 1.5\n",
			want: "silence_rms_threshold",
		},
		{
			name: "detect confidence above one",
			yaml: "pipeline:\n  asr_detect_conf_threshold: 1.5\n",
			want: "asr_detect_conf_threshold",
		},
		{
			name: "force override negative",
			yaml: "pipeline:\n  asr_force_override_threshold: -0.2\n",
			want: "asr_force_override_threshold",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected a validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error should mention %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestValidate_PendingMinExceedsMax(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  pending_min_chars: 200
  pending_max_chars: 150
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for min > max, got nil")
	}
	if !strings.Contains(err.Error(), "pending_min_chars") {
		t.Errorf("error should mention pending_min_chars, got: %v", err)
	}
}

func TestValidate_UnsupportedSampleRates(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  input_sample_rate: 44100
  output_sample_rate: 48000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unsupported sample rates, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "input_sample_rate") {
		t.Errorf("error should mention input_sample_rate, got: %v", err)
	}
	if !strings.Contains(errStr, "output_sample_rate") {
		t.Errorf("error should mention output_sample_rate, got: %v", err)
	}
}

func TestValidate_ClampsMaxTTSChars(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		configured int
		want       int
	}{
		{"below range", 80, 120},
		{"in range", 200, 200},
		{"above range", 400, 250},
		{"unset stays zero", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			cfg.Pipeline.MaxTTSChars = tc.configured
			if err := cfg.Validate(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Pipeline.MaxTTSChars != tc.want {
				t.Errorf("max_tts_chars after validate: got %d, want %d", cfg.Pipeline.MaxTTSChars, tc.want)
			}
		})
	}
}

func TestValidate_FastPathPairFormat(t *testing.T) {
	t.Parallel()
	yaml := `
models:
  mt_fastpath:
    name: anyllm
    model: gpt-4o-mini
    pairs:
      - "pt:en"
      - "pten"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for malformed pair, got nil")
	}
	if !strings.Contains(err.Error(), "pairs[1]") {
		t.Errorf("error should point at pairs[1], got: %v", err)
	}
}

func TestValidate_DiscordBridgeRequiredFields(t *testing.T) {
	t.Parallel()
	yaml := `
bridge:
  discord:
    enabled: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for enabled bridge without credentials, got nil")
	}
	errStr := err.Error()
	for _, field := range []string{"token", "guild_id", "channel_id", "room_id"} {
		if !strings.Contains(errStr, field) {
			t.Errorf("error should mention %s, got: %v", field, err)
		}
	}
}

func TestValidate_DisabledBridgeNeedsNothing(t *testing.T) {
	t.Parallel()
	yaml := `
bridge:
  discord:
    enabled: false
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
log:
  level: verbose
pipeline:
  tick_interval_ms: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log.level") || !strings.Contains(errStr, "tick_interval_ms") {
		t.Errorf("joined error should list both failures, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	asrNames := config.ValidProviderNames["asr"]
	if len(asrNames) == 0 {
		t.Fatal("ValidProviderNames[\"asr\"] should not be empty")
	}
	found := false
	for _, n := range asrNames {
		if n == "whisper" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"asr\"] should contain \"whisper\"")
	}
}
