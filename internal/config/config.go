// Package config loads and validates the voicepipe configuration from
// YAML, with environment overrides for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "2s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Config is the full application configuration.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Turn      TurnConfig      `yaml:"turn"`
	Transport TransportConfig `yaml:"transport"`
	Web       WebConfig       `yaml:"web"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SessionConfig shapes the assistant persona and modalities.
type SessionConfig struct {
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
	TextOnly     bool   `yaml:"text_only"`
}

// AudioConfig tunes the capture path.
type AudioConfig struct {
	FrameSize int `yaml:"frame_size"`

	// IngestRate is the sample rate of audio arriving on the web ingest
	// socket; it is resampled to the pipeline rate when they differ.
	IngestRate int `yaml:"ingest_rate"`
}

// VADConfig tunes local voice activity detection.
type VADConfig struct {
	Threshold     float64 `yaml:"threshold"`
	Smoothing     float64 `yaml:"smoothing"`
	SpeechFrames  int     `yaml:"speech_frames"`
	SilenceFrames int     `yaml:"silence_frames"`
}

// TurnConfig tunes the turn coordinator.
type TurnConfig struct {
	BargeIn         bool     `yaml:"barge_in"`
	SilenceTimeout  Duration `yaml:"silence_timeout"`
	MaxTurnDuration Duration `yaml:"max_turn_duration"`
}

// TransportConfig points at the remote speech endpoint.
type TransportConfig struct {
	URL           string   `yaml:"url"`
	APIKey        string   `yaml:"api_key"`
	Model         string   `yaml:"model"`
	PingInterval  Duration `yaml:"ping_interval"`
	OutboundQueue int      `yaml:"outbound_queue"`
}

// WebConfig configures the control server.
type WebConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with working defaults for everything
// but the API key.
func Default() Config {
	return Config{
		Session: SessionConfig{
			Voice: "alloy",
		},
		Audio: AudioConfig{
			FrameSize:  128,
			IngestRate: 24000,
		},
		VAD: VADConfig{
			Threshold:     0.01,
			Smoothing:     0.95,
			SpeechFrames:  3,
			SilenceFrames: 10,
		},
		Turn: TurnConfig{
			BargeIn:         true,
			SilenceTimeout:  Duration(2 * time.Second),
			MaxTurnDuration: Duration(40 * time.Second),
		},
		Transport: TransportConfig{
			URL:           "wss://api.openai.com/v1/realtime",
			Model:         "gpt-4o-realtime-preview",
			PingInterval:  Duration(30 * time.Second),
			OutboundQueue: 256,
		},
		Web: WebConfig{
			Enabled:     true,
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (optional), layers it over defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets deploy-time settings override the file. Secrets never
// belong in the YAML.
func (c *Config) applyEnv() {
	if v := os.Getenv("VOICEPIPE_API_KEY"); v != "" {
		c.Transport.APIKey = v
	}
	if v := os.Getenv("VOICEPIPE_URL"); v != "" {
		c.Transport.URL = v
	}
	if v := os.Getenv("VOICEPIPE_MODEL"); v != "" {
		c.Transport.Model = v
	}
	if v := os.Getenv("VOICEPIPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Audio.FrameSize <= 0 {
		return fmt.Errorf("config: audio.frame_size must be positive, got %d", c.Audio.FrameSize)
	}
	if c.Audio.IngestRate <= 0 {
		return fmt.Errorf("config: audio.ingest_rate must be positive, got %d", c.Audio.IngestRate)
	}
	if c.VAD.Threshold <= 0 {
		return fmt.Errorf("config: vad.threshold must be positive, got %g", c.VAD.Threshold)
	}
	if c.VAD.Smoothing <= 0 || c.VAD.Smoothing >= 1 {
		return fmt.Errorf("config: vad.smoothing must be in (0,1), got %g", c.VAD.Smoothing)
	}
	if c.VAD.SpeechFrames <= 0 || c.VAD.SilenceFrames <= 0 {
		return fmt.Errorf("config: vad debounce frame counts must be positive")
	}
	if c.Turn.SilenceTimeout <= 0 {
		return fmt.Errorf("config: turn.silence_timeout must be positive, got %s", c.Turn.SilenceTimeout)
	}
	if c.Turn.MaxTurnDuration <= c.Turn.SilenceTimeout {
		return fmt.Errorf("config: turn.max_turn_duration (%s) must exceed turn.silence_timeout (%s)",
			c.Turn.MaxTurnDuration, c.Turn.SilenceTimeout)
	}
	if c.Transport.URL == "" {
		return fmt.Errorf("config: transport.url is required")
	}
	if c.Web.Enabled && c.Web.Addr == "" {
		return fmt.Errorf("config: web.addr is required when web is enabled")
	}
	return nil
}
