package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AudioConfig struct {
	Device   string `yaml:"device"`    // capture device name; empty means system default
	MicIndex int    `yaml:"mic_index"` // index into the device list; -1 means unset
	Gain     int    `yaml:"gain"`

	// RecordDir, when set, receives one FLAC file per session.
	RecordDir string `yaml:"record_dir"`
}

type SessionConfig struct {
	PauseThreshold float64 `yaml:"pause_threshold_s"`
	PauseMode      string  `yaml:"pause_mode"` // cadence, vad
	AutoStart      bool    `yaml:"auto_start"`
}

type RecognizerConfig struct {
	Engine    string `yaml:"engine"` // vosk-server, deepgram, fake
	URL       string `yaml:"url"`
	Language  string `yaml:"language"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	TimeoutMS int    `yaml:"timeout_ms"`

	// Script is replayed as final transcripts by the fake engine.
	Script []string `yaml:"script"`
}

type ClipboardConfig struct {
	FallbackCommand string `yaml:"fallback_command"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type LogConfig struct {
	Path    string `yaml:"path"`
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type Config struct {
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Clipboard  ClipboardConfig  `yaml:"clipboard"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

func Default() Config {
	return Config{
		Audio: AudioConfig{
			MicIndex: -1,
			Gain:     1,
		},
		Session: SessionConfig{
			PauseThreshold: 10,
			PauseMode:      "cadence",
		},
		Recognizer: RecognizerConfig{
			Engine:    "vosk-server",
			URL:       "ws://localhost:2700",
			Language:  "pt",
			TimeoutMS: 5000,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    5000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// PauseDuration converts the configured threshold to a duration.
func (c SessionConfig) PauseDuration() time.Duration {
	return time.Duration(c.PauseThreshold * float64(time.Second))
}

func (c RecognizerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Audio.Device, "CLIPSCRIBE_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.MicIndex, "CLIPSCRIBE_AUDIO_MIC_INDEX")
	overrideInt(&cfg.Audio.Gain, "CLIPSCRIBE_AUDIO_GAIN")
	overrideString(&cfg.Audio.RecordDir, "CLIPSCRIBE_AUDIO_RECORD_DIR")
	overrideFloat(&cfg.Session.PauseThreshold, "CLIPSCRIBE_SESSION_PAUSE_THRESHOLD_S")
	overrideString(&cfg.Session.PauseMode, "CLIPSCRIBE_SESSION_PAUSE_MODE")
	overrideBool(&cfg.Session.AutoStart, "CLIPSCRIBE_SESSION_AUTO_START")
	overrideString(&cfg.Recognizer.Engine, "CLIPSCRIBE_RECOGNIZER_ENGINE")
	overrideString(&cfg.Recognizer.URL, "CLIPSCRIBE_RECOGNIZER_URL")
	overrideString(&cfg.Recognizer.Language, "CLIPSCRIBE_RECOGNIZER_LANGUAGE")
	overrideString(&cfg.Recognizer.Model, "CLIPSCRIBE_RECOGNIZER_MODEL")
	overrideString(&cfg.Recognizer.APIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.Recognizer.APIKey, "CLIPSCRIBE_RECOGNIZER_API_KEY")
	overrideInt(&cfg.Recognizer.TimeoutMS, "CLIPSCRIBE_RECOGNIZER_TIMEOUT_MS")
	overrideString(&cfg.Clipboard.FallbackCommand, "CLIPSCRIBE_CLIPBOARD_FALLBACK_COMMAND")
	overrideBool(&cfg.HTTP.Enabled, "CLIPSCRIBE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "CLIPSCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CLIPSCRIBE_HTTP_PORT")
	overrideString(&cfg.Log.Path, "CLIPSCRIBE_LOG_PATH")
	overrideString(&cfg.Log.Level, "CLIPSCRIBE_LOG_LEVEL")
	overrideBool(&cfg.Log.Console, "CLIPSCRIBE_LOG_CONSOLE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks a config assembled from file, environment and flags.
func Validate(cfg Config) error {
	if cfg.Session.PauseDuration() <= 0 {
		return errors.New("session.pause_threshold_s must be positive")
	}
	switch cfg.Session.PauseMode {
	case "cadence", "vad":
	default:
		return errors.New("session.pause_mode must be one of cadence|vad")
	}
	if cfg.Audio.MicIndex < -1 {
		return errors.New("audio.mic_index must be >= 0 (or -1 for default)")
	}
	if cfg.Audio.Gain < 1 {
		return errors.New("audio.gain must be >= 1")
	}
	switch cfg.Recognizer.Engine {
	case "vosk-server":
		if cfg.Recognizer.URL == "" {
			return errors.New("recognizer.url must be set when engine=vosk-server")
		}
	case "deepgram":
		if cfg.Recognizer.APIKey == "" {
			return errors.New("recognizer.api_key (or DEEPGRAM_API_KEY) must be set when engine=deepgram")
		}
	case "fake":
	default:
		return errors.New("recognizer.engine must be one of vosk-server|deepgram|fake")
	}
	if cfg.Recognizer.TimeoutMS < 0 {
		return errors.New("recognizer.timeout_ms must be >= 0")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	return nil
}
