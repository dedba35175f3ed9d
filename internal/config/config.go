// Package config provides configuration management for visemesync
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/normanking/visemesync/internal/audio"
	"github.com/normanking/visemesync/internal/avatar3d"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Animator AnimatorConfig `mapstructure:"animator"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// AnalyzerConfig configures the audio analyzer and its loop
type AnalyzerConfig struct {
	Sensitivity  float32       `mapstructure:"sensitivity"`
	Smoothing    float32       `mapstructure:"smoothing"`
	MinVolume    float32       `mapstructure:"min_volume"`
	MaxVolume    float32       `mapstructure:"max_volume"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	SampleRate   int           `mapstructure:"sample_rate"` // PCM input rate in Hz
	Stream       string        `mapstructure:"stream"`      // input or output
}

// AnimatorConfig configures the avatar animator and render loop
type AnimatorConfig struct {
	RenderInterval time.Duration `mapstructure:"render_interval"`
	ModelPath      string        `mapstructure:"model_path"`
	InitialState   string        `mapstructure:"initial_state"`
}

// ServerConfig configures the websocket pose stream
type ServerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	PosePath   string `mapstructure:"pose_path"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig configures logging
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	a := audio.DefaultConfig()
	return &Config{
		Analyzer: AnalyzerConfig{
			Sensitivity:  a.Sensitivity,
			Smoothing:    a.Smoothing,
			MinVolume:    a.MinVolume,
			MaxVolume:    a.MaxVolume,
			TickInterval: 16 * time.Millisecond,
			SampleRate:   24000,
			Stream:       string(audio.StreamOutput),
		},
		Animator: AnimatorConfig{
			RenderInterval: 16 * time.Millisecond,
			InitialState:   string(avatar3d.StateIdle),
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8765",
			PosePath:   "/pose",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// ToAudio converts the analyzer section to the analyzer's own config.
func (c AnalyzerConfig) ToAudio() audio.Config {
	return audio.Config{
		Sensitivity: c.Sensitivity,
		Smoothing:   c.Smoothing,
		MinVolume:   c.MinVolume,
		MaxVolume:   c.MaxVolume,
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Analyzer.ToAudio().Validate(); err != nil {
		return err
	}
	if c.Analyzer.TickInterval <= 0 {
		return fmt.Errorf("analyzer.tick_interval must be positive")
	}
	if c.Analyzer.SampleRate <= 0 {
		return fmt.Errorf("analyzer.sample_rate must be positive")
	}
	switch audio.StreamKind(c.Analyzer.Stream) {
	case audio.StreamInput, audio.StreamOutput:
	default:
		return fmt.Errorf("analyzer.stream must be %q or %q", audio.StreamInput, audio.StreamOutput)
	}
	if c.Animator.RenderInterval <= 0 {
		return fmt.Errorf("animator.render_interval must be positive")
	}
	if _, err := avatar3d.ParseState(c.Animator.InitialState); err != nil {
		return fmt.Errorf("animator.initial_state: %w", err)
	}
	return nil
}

// Loader reads configuration from an optional file and the environment.
type Loader struct {
	v      *viper.Viper
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewLoader prepares a loader. An empty path searches for visemesync.yaml
// in the working directory and ~/.visemesync.
func NewLoader(path string, logger zerolog.Logger) *Loader {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("visemesync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	// Environment variable overrides, e.g. VISEMESYNC_ANALYZER_SENSITIVITY
	v.SetEnvPrefix("VISEMESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range settings(DefaultConfig()) {
		v.SetDefault(key, val)
	}

	return &Loader{v: v, logger: logger.With().Str("component", "config").Logger()}
}

// settings flattens cfg into viper keys.
func settings(cfg *Config) map[string]any {
	return map[string]any{
		"analyzer.sensitivity":     cfg.Analyzer.Sensitivity,
		"analyzer.smoothing":       cfg.Analyzer.Smoothing,
		"analyzer.min_volume":      cfg.Analyzer.MinVolume,
		"analyzer.max_volume":      cfg.Analyzer.MaxVolume,
		"analyzer.tick_interval":   cfg.Analyzer.TickInterval.String(),
		"analyzer.sample_rate":     cfg.Analyzer.SampleRate,
		"analyzer.stream":          cfg.Analyzer.Stream,
		"animator.render_interval": cfg.Animator.RenderInterval.String(),
		"animator.model_path":      cfg.Animator.ModelPath,
		"animator.initial_state":   cfg.Animator.InitialState,
		"server.enabled":           cfg.Server.Enabled,
		"server.listen_addr":       cfg.Server.ListenAddr,
		"server.pose_path":         cfg.Server.PosePath,
		"metrics.enabled":          cfg.Metrics.Enabled,
		"metrics.path":             cfg.Metrics.Path,
		"log.level":                cfg.Log.Level,
		"log.dir":                  cfg.Log.Dir,
		"log.console":              cfg.Log.Console,
	}
}

// Load reads the file (if any) and returns the validated configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		l.logger.Debug().Msg("No config file found, using defaults")
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigFile returns the file in use, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the file whenever it changes and hands valid results to
// onChange. Invalid edits are logged and skipped. Load must have found a
// file first.
func (l *Loader) Watch(onChange func(cfg *Config, e fsnotify.Event)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()

		if err != nil {
			l.logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		l.logger.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config reloaded")
		onChange(cfg, e)
	})
	l.v.WatchConfig()
}

// Load reads configuration from path (optional) and environment
func Load(path string) (*Config, error) {
	return NewLoader(path, zerolog.Nop()).Load()
}

// Save writes the configuration as YAML to path
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	v := viper.New()
	for key, val := range settings(cfg) {
		v.Set(key, val)
	}
	v.SetConfigType("yaml")
	return v.WriteConfigAs(path)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".visemesync"), nil
}
