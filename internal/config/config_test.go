package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicepipe.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Turn.BargeIn {
		t.Error("barge-in should default on")
	}
	if cfg.Turn.SilenceTimeout.Std() != 2*time.Second {
		t.Errorf("silence timeout = %s", cfg.Turn.SilenceTimeout)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeFile(t, `
vad:
  threshold: 0.02
turn:
  silence_timeout: 1s
  max_turn_duration: 30s
session:
  voice: verse
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.VAD.Threshold != 0.02 {
		t.Errorf("threshold = %g", cfg.VAD.Threshold)
	}
	if cfg.VAD.Smoothing != 0.95 {
		t.Errorf("smoothing default lost: %g", cfg.VAD.Smoothing)
	}
	if cfg.Turn.SilenceTimeout.Std() != time.Second {
		t.Errorf("silence timeout = %s", cfg.Turn.SilenceTimeout)
	}
	if cfg.Session.Voice != "verse" {
		t.Errorf("voice = %q", cfg.Session.Voice)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
transport:
  url: wss://file.example/realtime
  api_key: from-file
`)
	t.Setenv("VOICEPIPE_API_KEY", "from-env")
	t.Setenv("VOICEPIPE_URL", "wss://env.example/realtime")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.APIKey != "from-env" {
		t.Errorf("api key = %q", cfg.Transport.APIKey)
	}
	if cfg.Transport.URL != "wss://env.example/realtime" {
		t.Errorf("url = %q", cfg.Transport.URL)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeFile(t, `
turn:
  silence_timeout: soon
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero frame size", func(c *Config) { c.Audio.FrameSize = 0 }},
		{"negative threshold", func(c *Config) { c.VAD.Threshold = -1 }},
		{"smoothing out of range", func(c *Config) { c.VAD.Smoothing = 1.5 }},
		{"zero debounce", func(c *Config) { c.VAD.SpeechFrames = 0 }},
		{"zero silence timeout", func(c *Config) { c.Turn.SilenceTimeout = 0 }},
		{"max turn below silence timeout", func(c *Config) { c.Turn.MaxTurnDuration = Duration(time.Second) }},
		{"empty url", func(c *Config) { c.Transport.URL = "" }},
		{"web enabled without addr", func(c *Config) { c.Web.Addr = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
