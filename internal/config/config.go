// Package config provides the configuration structure for the kaztts-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Default values applied by ApplyDefaults.
const (
	defaultHost              = "0.0.0.0"
	defaultPort              = 8000
	defaultReadTimeout       = 30
	defaultWriteTimeout      = 300
	defaultMaxFormBytes      = 32 << 20
	defaultStaticDir         = "static"
	defaultLogsDir           = "logs"
	defaultInterpreter       = "python"
	defaultTTSScript         = "KazTTS.py"
	defaultRVCScript         = "test.py"
	defaultRVCDir            = "rvc_python"
	defaultStepTimeout       = 120
	defaultMaxTextRunes      = 1000
	defaultMaxConcurrentJobs = 1
	defaultMaxAgeMinutes     = 60
	defaultSweepInterval     = 300
	defaultSubject           = "tts.synthesize"
	defaultAudioBucket       = "AUDIO_FILES"
	defaultTextBucket        = "TEXT_FILES"
	homePrefix               = "~/"
)

var (
	// ErrInvalidPort indicates the HTTP port is outside 1..65535.
	ErrInvalidPort = errors.New("server port must be between 1 and 65535")
	// ErrActivateEmpty indicates a step has no virtualenv activation script.
	ErrActivateEmpty = errors.New("activate script cannot be empty")
	// ErrScriptEmpty indicates a step has no script to run.
	ErrScriptEmpty = errors.New("script cannot be empty")
	// ErrStaticDirEmpty indicates no static directory was configured.
	ErrStaticDirEmpty = errors.New("static dir cannot be empty")
	// ErrNegativeRate indicates a negative requests-per-second limit.
	ErrNegativeRate = errors.New("requests_per_second must be non-negative")
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
	MaxFormBytes        int64  `toml:"max_form_bytes"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir  string `toml:"base_logs_dir"`
	StaticDir    string `toml:"static_dir"`
	WorkDir      string `toml:"work_dir"`
	TemplatesDir string `toml:"templates_dir"`
}

// StepConfig describes one script invocation inside an isolated model environment.
type StepConfig struct {
	Activate       string `toml:"activate"`
	Interpreter    string `toml:"interpreter"`
	Script         string `toml:"script"`
	Dir            string `toml:"dir"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxTextRunes   int    `toml:"max_text_runes"`
}

// Timeout returns the step timeout as a duration.
func (s StepConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// LimitsConfig bounds how much model work runs at once.
type LimitsConfig struct {
	MaxConcurrentJobs int     `toml:"max_concurrent_jobs"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// RetentionConfig controls removal of generated audio.
type RetentionConfig struct {
	MaxAgeMinutes        int `toml:"max_age_minutes"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// MaxAge returns the retention window.
func (r RetentionConfig) MaxAge() time.Duration {
	return time.Duration(r.MaxAgeMinutes) * time.Minute
}

// SweepInterval returns how often the janitor runs.
func (r RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds) * time.Second
}

// NATSConfig holds the configuration for NATS. An empty URL disables the worker.
type NATSConfig struct {
	URL                    string `toml:"url"`
	SynthesizeSubject      string `toml:"synthesize_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	TextObjectStoreBucket  string `toml:"text_object_store_bucket"`
}

// Enabled reports whether a NATS URL was configured.
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Paths     PathsConfig     `toml:"paths"`
	TTS       StepConfig      `toml:"tts"`
	RVC       StepConfig      `toml:"rvc"`
	Limits    LimitsConfig    `toml:"limits"`
	Retention RetentionConfig `toml:"retention"`
	NATS      NATSConfig      `toml:"nats"`
}

// Load loads the configuration for the kaztts-service through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile reads the configuration from an explicit TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills zero values with the service defaults and expands home-relative paths.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.Host, defaultHost)
	setInt(&c.Server.Port, defaultPort)
	setInt(&c.Server.ReadTimeoutSeconds, defaultReadTimeout)
	setInt(&c.Server.WriteTimeoutSeconds, defaultWriteTimeout)

	if c.Server.MaxFormBytes <= 0 {
		c.Server.MaxFormBytes = defaultMaxFormBytes
	}

	setString(&c.Paths.StaticDir, defaultStaticDir)
	setString(&c.Paths.BaseLogsDir, defaultLogsDir)

	setString(&c.TTS.Interpreter, defaultInterpreter)
	setString(&c.TTS.Script, defaultTTSScript)
	setInt(&c.TTS.TimeoutSeconds, defaultStepTimeout)
	setInt(&c.TTS.MaxTextRunes, defaultMaxTextRunes)

	setString(&c.RVC.Interpreter, defaultInterpreter)
	setString(&c.RVC.Script, defaultRVCScript)
	setString(&c.RVC.Dir, defaultRVCDir)
	setInt(&c.RVC.TimeoutSeconds, defaultStepTimeout)

	setInt(&c.Limits.MaxConcurrentJobs, defaultMaxConcurrentJobs)

	if c.Limits.RequestsPerSecond > 0 && c.Limits.Burst <= 0 {
		c.Limits.Burst = max(1, int(c.Limits.RequestsPerSecond))
	}

	setInt(&c.Retention.MaxAgeMinutes, defaultMaxAgeMinutes)
	setInt(&c.Retention.SweepIntervalSeconds, defaultSweepInterval)

	setString(&c.NATS.SynthesizeSubject, defaultSubject)
	setString(&c.NATS.AudioObjectStoreBucket, defaultAudioBucket)
	setString(&c.NATS.TextObjectStoreBucket, defaultTextBucket)

	c.Paths.BaseLogsDir = ExpandHome(c.Paths.BaseLogsDir)
	c.Paths.StaticDir = ExpandHome(c.Paths.StaticDir)
	c.Paths.WorkDir = ExpandHome(c.Paths.WorkDir)
	c.Paths.TemplatesDir = ExpandHome(c.Paths.TemplatesDir)
	c.TTS.Activate = ExpandHome(c.TTS.Activate)
	c.RVC.Activate = ExpandHome(c.RVC.Activate)

	c.TTS.Dir = c.resolveDir(c.TTS.Dir)
	c.RVC.Dir = c.resolveDir(c.RVC.Dir)
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Server.Port)
	}

	if c.Paths.StaticDir == "" {
		return ErrStaticDirEmpty
	}

	if c.Limits.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: got %f", ErrNegativeRate, c.Limits.RequestsPerSecond)
	}

	for name, step := range map[string]StepConfig{"tts": c.TTS, "rvc": c.RVC} {
		if step.Activate == "" {
			return fmt.Errorf("[%s]: %w", name, ErrActivateEmpty)
		}

		if step.Script == "" {
			return fmt.Errorf("[%s]: %w", name, ErrScriptEmpty)
		}
	}

	return nil
}

// RVCStaticDir returns the directory the voice-conversion environment writes into.
func (c *Config) RVCStaticDir() string {
	return filepath.Join(c.RVC.Dir, defaultStaticDir)
}

// EnsureDirectories creates the directories the service writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StaticDir, c.RVCStaticDir(), c.Paths.BaseLogsDir} {
		err := os.MkdirAll(dir, 0o750)
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// resolveDir makes a step directory relative to the configured work dir.
func (c *Config) resolveDir(dir string) string {
	dir = ExpandHome(dir)
	if dir == "" {
		return c.Paths.WorkDir
	}

	if filepath.IsAbs(dir) || c.Paths.WorkDir == "" {
		return dir
	}

	return filepath.Join(c.Paths.WorkDir, dir)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, homePrefix) {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, homePrefix))
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}
