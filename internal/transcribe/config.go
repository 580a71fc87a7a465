// Package transcribe provides the batch transcription configuration and
// run coordinator.
package transcribe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/alalapi-0/ASRProgram/internal/transcribe/backend"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/filelock"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/logging"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/metrics"
	"github.com/alalapi-0/ASRProgram/internal/transcribe/retry"
)

const (
	// EnvPrefix prefixes every environment override, e.g. ASRPROGRAM_OUT_DIR
	// or ASRPROGRAM_RUNTIME__BACKEND.
	EnvPrefix = "ASRPROGRAM"
	// ConfigName is the base name of the YAML config file.
	ConfigName = "asrprogram"
	// DefaultManifestName is the manifest file created inside out_dir.
	DefaultManifestName = "_manifest.jsonl"
)

// Default values for optional configuration fields
const (
	DefaultNumWorkers     = 1
	DefaultRetryBaseDelay = retry.DefaultBaseDelay
	DefaultRetryFactor    = retry.DefaultFactor
	DefaultMaxRetries     = retry.DefaultMaxRetries
	DefaultLockTimeout    = 30 * time.Second
	DefaultBackend        = backend.DummyName
	DefaultLanguage       = "auto"
	DefaultWhisperASRURL  = "http://localhost:9000"
	DefaultWatchInterval  = 2 * time.Second
	DefaultWatchChecks    = 3
	DefaultWatchTimeout   = 10 * time.Minute
	DefaultRetentionDays  = 30
)

// RuntimeConfig selects and configures the backend.
type RuntimeConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`
	Language string `mapstructure:"language" yaml:"language"`
	Model    string `mapstructure:"model" yaml:"model"`
	// SerializeBackend forces one backend call at a time even for
	// backends registered as reentrant.
	SerializeBackend bool                     `mapstructure:"serialize_backend" yaml:"serialize_backend"`
	WhisperASR       backend.WhisperASRConfig `mapstructure:"whisper_asr" yaml:"whisper_asr"`
	WhisperCpp       backend.WhisperCppConfig `mapstructure:"whisper_cpp" yaml:"whisper_cpp"`
}

// ProbeConfig locates the duration probe.
type ProbeConfig struct {
	FFprobePath string `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
}

// LogConfig configures the run logger.
type LogConfig struct {
	Format        string `mapstructure:"format" yaml:"format"`
	Level         string `mapstructure:"level" yaml:"level"`
	Dir           string `mapstructure:"dir" yaml:"dir"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

// MetricsConfig selects where run metrics are exported. An empty File
// disables the export.
type MetricsConfig struct {
	File   string `mapstructure:"file" yaml:"file"`
	Format string `mapstructure:"format" yaml:"format"`
}

// WatchConfig tunes watch mode stabilization.
type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Checks   int           `mapstructure:"checks" yaml:"checks"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Config is the resolved run configuration.
type Config struct {
	Input          string        `mapstructure:"input" yaml:"input"`
	OutDir         string        `mapstructure:"out_dir" yaml:"out_dir"`
	ManifestPath   string        `mapstructure:"manifest_path" yaml:"manifest_path"`
	NumWorkers     int           `mapstructure:"num_workers" yaml:"num_workers"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryFactor    float64       `mapstructure:"retry_factor" yaml:"retry_factor"`
	RetryJitter    bool          `mapstructure:"retry_jitter" yaml:"retry_jitter"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	SkipDone       bool          `mapstructure:"skip_done" yaml:"skip_done"`
	Overwrite      bool          `mapstructure:"overwrite" yaml:"overwrite"`
	Force          bool          `mapstructure:"force" yaml:"force"`
	FailFast       bool          `mapstructure:"fail_fast" yaml:"fail_fast"`
	IntegrityCheck bool          `mapstructure:"integrity_check" yaml:"integrity_check"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	LockStrategy   string        `mapstructure:"lock_strategy" yaml:"lock_strategy"`
	CleanupTemp    bool          `mapstructure:"cleanup_temp" yaml:"cleanup_temp"`
	SegmentsJSON   bool          `mapstructure:"segments_json" yaml:"segments_json"`
	DryRun         bool          `mapstructure:"dry_run" yaml:"dry_run"`
	Extensions     []string      `mapstructure:"extensions" yaml:"extensions"`
	Progress       bool          `mapstructure:"progress" yaml:"progress"`

	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
	Probe   ProbeConfig   `mapstructure:"probe" yaml:"probe"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Watch   WatchConfig   `mapstructure:"watch" yaml:"watch"`

	// ConfigFile is the file the config was read from, if any.
	ConfigFile string `mapstructure:"-" yaml:"-"`
	// Profile is the applied profile name, if any.
	Profile string `mapstructure:"-" yaml:"-"`
}

// Validation errors
var (
	ErrInputRequired         = errors.New("input is required")
	ErrOutDirRequired        = errors.New("out_dir is required")
	ErrInvalidWorkers        = errors.New("num_workers must be at least 1")
	ErrInvalidRetries        = errors.New("max_retries must not be negative")
	ErrInvalidRetryFactor    = errors.New("retry_factor must be at least 1")
	ErrInvalidRateLimit      = errors.New("rate_limit must not be negative")
	ErrInvalidLockTimeout    = errors.New("lock_timeout must not be negative")
	ErrInvalidLockStrategy   = errors.New("unknown lock_strategy")
	ErrInvalidLogFormat      = errors.New("unknown log.format")
	ErrInvalidLogLevel       = errors.New("unknown log.level")
	ErrInvalidMetricsFormat  = errors.New("unknown metrics.format")
	ErrProfileNotFound       = errors.New("profile not found")
	ErrConfigFileUnreadable  = errors.New("cannot read config file")
	ErrConfigDecode          = errors.New("cannot decode configuration")
	ErrFlagBinding           = errors.New("cannot bind flag")
	ErrWatchChecksInvalid    = errors.New("watch.checks must be at least 1")
	ErrWatchIntervalInvalid  = errors.New("watch.interval must be positive")
	ErrBackendNameRequired   = errors.New("runtime.backend is required")
	ErrWhisperCppMissingPath = errors.New("runtime.whisper_cpp requires executable_path and model_path")
)

// FlagKeys maps CLI flag names to configuration keys.
var FlagKeys = map[string]string{
	"input":           "input",
	"out-dir":         "out_dir",
	"manifest":        "manifest_path",
	"workers":         "num_workers",
	"max-retries":     "max_retries",
	"rate-limit":      "rate_limit",
	"skip-done":       "skip_done",
	"overwrite":       "overwrite",
	"force":           "force",
	"fail-fast":       "fail_fast",
	"integrity-check": "integrity_check",
	"lock-timeout":    "lock_timeout",
	"lock-strategy":   "lock_strategy",
	"cleanup-temp":    "cleanup_temp",
	"segments-json":   "segments_json",
	"dry-run":         "dry_run",
	"extensions":      "extensions",
	"progress":        "progress",
	"backend":         "runtime.backend",
	"language":        "runtime.language",
	"model":           "runtime.model",
	"log-format":      "log.format",
	"log-level":       "log.level",
	"log-dir":         "log.dir",
	"metrics-file":    "metrics.file",
	"metrics-format":  "metrics.format",
	"stable-interval": "watch.interval",
	"stable-checks":   "watch.checks",
}

// LoadOptions selects the sources Load merges.
type LoadOptions struct {
	// File is an explicit config path. When empty the default search
	// locations are tried and a missing file is not an error.
	File    string
	Profile string
	// Flags, when set, are bound through FlagKeys. Only flags the user
	// changed override lower layers.
	Flags *pflag.FlagSet
	// SearchPaths overrides the default config search locations.
	SearchPaths []string
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("input", "")
	v.SetDefault("out_dir", "")
	v.SetDefault("manifest_path", "")
	v.SetDefault("num_workers", DefaultNumWorkers)
	v.SetDefault("max_retries", DefaultMaxRetries)
	v.SetDefault("retry_base_delay", DefaultRetryBaseDelay)
	v.SetDefault("retry_factor", DefaultRetryFactor)
	v.SetDefault("retry_jitter", true)
	v.SetDefault("rate_limit", 0.0)
	v.SetDefault("skip_done", true)
	v.SetDefault("overwrite", false)
	v.SetDefault("force", false)
	v.SetDefault("fail_fast", false)
	v.SetDefault("integrity_check", true)
	v.SetDefault("lock_timeout", DefaultLockTimeout)
	v.SetDefault("lock_strategy", string(filelock.StrategyAuto))
	v.SetDefault("cleanup_temp", true)
	v.SetDefault("segments_json", true)
	v.SetDefault("dry_run", false)
	v.SetDefault("extensions", []string{})
	v.SetDefault("progress", true)

	v.SetDefault("runtime.backend", DefaultBackend)
	v.SetDefault("runtime.language", DefaultLanguage)
	v.SetDefault("runtime.model", "")
	v.SetDefault("runtime.serialize_backend", false)
	v.SetDefault("runtime.whisper_asr.url", DefaultWhisperASRURL)
	v.SetDefault("runtime.whisper_asr.timeout", backend.DefaultWhisperASRTimeout)
	v.SetDefault("runtime.whisper_cpp.executable_path", "")
	v.SetDefault("runtime.whisper_cpp.model_path", "")
	v.SetDefault("runtime.whisper_cpp.threads", 0)
	v.SetDefault("runtime.whisper_cpp.beam_size", 0)
	v.SetDefault("runtime.whisper_cpp.temperature", 0.0)
	v.SetDefault("runtime.whisper_cpp.timeout", backend.DefaultWhisperCppTimeout)

	v.SetDefault("probe.ffprobe_path", "ffprobe")

	v.SetDefault("log.format", string(logging.FormatHuman))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", filepath.Join(home, ".asrprogram", "logs"))
	v.SetDefault("log.retention_days", DefaultRetentionDays)

	v.SetDefault("metrics.file", "")
	v.SetDefault("metrics.format", metrics.FormatJSONL)

	v.SetDefault("watch.interval", DefaultWatchInterval)
	v.SetDefault("watch.checks", DefaultWatchChecks)
	v.SetDefault("watch.timeout", DefaultWatchTimeout)
}

// Load merges defaults, the YAML config file, the selected profile,
// ASRPROGRAM_ environment variables and changed flags, in that order of
// increasing precedence. The result has defaults applied and paths
// expanded but is not validated.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		paths := opts.SearchPaths
		if len(paths) == 0 {
			paths = defaultSearchPaths()
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || opts.File != "" {
			return nil, fmt.Errorf("%w: %w", ErrConfigFileUnreadable, err)
		}
	}

	if opts.Profile != "" {
		key := "profiles." + opts.Profile
		sub := v.Sub(key)
		if sub == nil {
			return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, opts.Profile)
		}
		if err := v.MergeConfigMap(sub.AllSettings()); err != nil {
			return nil, fmt.Errorf("merge profile %q: %w", opts.Profile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__", "-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("%w --%s: %w", ErrFlagBinding, name, err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	cfg.ConfigFile = v.ConfigFileUsed()
	cfg.Profile = opts.Profile
	cfg.ApplyDefaults()
	cfg.expandPaths()
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigDecode, err)
	}
	return &cfg, nil
}

func defaultSearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", ConfigName))
	}
	return paths
}

// DefaultConfig returns the built-in defaults with no file, environment or
// flag layered on top.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults sets default values for optional fields that are empty or zero.
// Booleans are left alone; their defaults come from Load.
func (c *Config) ApplyDefaults() {
	if c.NumWorkers == 0 {
		c.NumWorkers = DefaultNumWorkers
	}
	if c.RetryFactor == 0 {
		c.RetryFactor = DefaultRetryFactor
	}
	if c.LockStrategy == "" {
		c.LockStrategy = string(filelock.StrategyAuto)
	}
	if c.Runtime.Backend == "" {
		c.Runtime.Backend = DefaultBackend
	}
	if c.Runtime.Language == "" {
		c.Runtime.Language = DefaultLanguage
	}
	if c.Log.Format == "" {
		c.Log.Format = string(logging.FormatHuman)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.RetentionDays == 0 {
		c.Log.RetentionDays = DefaultRetentionDays
	}
	if c.Metrics.Format == "" {
		c.Metrics.Format = metrics.FormatJSONL
	}
	if c.Watch.Interval == 0 {
		c.Watch.Interval = DefaultWatchInterval
	}
	if c.Watch.Checks == 0 {
		c.Watch.Checks = DefaultWatchChecks
	}
	if c.Watch.Timeout == 0 {
		c.Watch.Timeout = DefaultWatchTimeout
	}
	if c.ManifestPath == "" && c.OutDir != "" {
		c.ManifestPath = filepath.Join(c.OutDir, DefaultManifestName)
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Input == "" {
		return ErrInputRequired
	}
	if c.OutDir == "" {
		return ErrOutDirRequired
	}
	if c.NumWorkers < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkers, c.NumWorkers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidRetries, c.MaxRetries)
	}
	if c.RetryFactor < 1 {
		return fmt.Errorf("%w: got %g", ErrInvalidRetryFactor, c.RetryFactor)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: got %g", ErrInvalidRateLimit, c.RateLimit)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidLockTimeout, c.LockTimeout)
	}
	switch filelock.Strategy(c.LockStrategy) {
	case filelock.StrategyAuto, filelock.StrategyFlock, filelock.StrategyExclusive:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLockStrategy, c.LockStrategy)
	}
	if strings.TrimSpace(c.Runtime.Backend) == "" {
		return ErrBackendNameRequired
	}
	if c.Runtime.Backend == backend.WhisperCppName &&
		(c.Runtime.WhisperCpp.ExecutablePath == "" || c.Runtime.WhisperCpp.ModelPath == "") {
		return ErrWhisperCppMissingPath
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatHuman, logging.FormatJSONL:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	switch c.Metrics.Format {
	case metrics.FormatJSONL, metrics.FormatCSV:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMetricsFormat, c.Metrics.Format)
	}
	if c.Watch.Interval <= 0 {
		return ErrWatchIntervalInvalid
	}
	if c.Watch.Checks < 1 {
		return ErrWatchChecksInvalid
	}
	return nil
}

// RetryPolicy builds the per-task retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryBaseDelay,
		Factor:     c.RetryFactor,
		Jitter:     c.RetryJitter,
	}
}

// BackendOptions builds the options handed to the backend factory.
func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		Language:       c.Runtime.Language,
		Model:          c.Runtime.Model,
		WordTimestamps: true,
		WhisperASR:     c.Runtime.WhisperASR,
		WhisperCpp:     c.Runtime.WhisperCpp,
	}
}

// expandPaths expands ~ to the user's home directory in path fields.
func (c *Config) expandPaths() {
	c.Input = expandTilde(c.Input)
	c.OutDir = expandTilde(c.OutDir)
	c.ManifestPath = expandTilde(c.ManifestPath)
	c.Log.Dir = expandTilde(c.Log.Dir)
	c.Metrics.File = expandTilde(c.Metrics.File)
	c.Runtime.WhisperCpp.ExecutablePath = expandTilde(c.Runtime.WhisperCpp.ExecutablePath)
	c.Runtime.WhisperCpp.ModelPath = expandTilde(c.Runtime.WhisperCpp.ModelPath)
}

// expandTilde expands ~ at the beginning of a path to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
