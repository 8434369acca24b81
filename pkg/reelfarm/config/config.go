package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
	"github.com/spf13/viper"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Path       string            `mapstructure:"path"`
	Format     string            `mapstructure:"format"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Components map[string]string `mapstructure:"components"`
}

// DaemonConfig configures reelfarmd.
type DaemonConfig struct {
	AutoStart        bool          `mapstructure:"auto_start"`
	BinaryPath       string        `mapstructure:"binary_path"` // auto-discovered if empty
	SocketPath       string        `mapstructure:"socket_path"`
	PIDPath          string        `mapstructure:"pid_path"`
	DataDir          string        `mapstructure:"data_dir"`
	HTTPAddr         string        `mapstructure:"http_addr"` // health endpoint, disabled if empty
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig configures admission control.
type SchedulerConfig struct {
	MaxGPUTasks       int           `mapstructure:"max_gpu_tasks"`
	MaxCPUTasks       int           `mapstructure:"max_cpu_tasks"` // 0 sizes from the host
	BackpressureDelay time.Duration `mapstructure:"backpressure_delay"`
	CPUSaturation     float64       `mapstructure:"cpu_saturation"`
	MemSaturation     float64       `mapstructure:"mem_saturation"`
	TaskRetention     time.Duration `mapstructure:"task_retention"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	EncodeQuality     string        `mapstructure:"encode_quality"`
}

// MonitorConfig configures resource sampling.
type MonitorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	HistorySize int           `mapstructure:"history_size"`
	NvidiaSMI   string        `mapstructure:"nvidia_smi"`
}

// TunerConfig configures live retuning.
type TunerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	Window       int           `mapstructure:"window"`
	GPULowUtil   float64       `mapstructure:"gpu_low_util"`
	GPUHighUtil  float64       `mapstructure:"gpu_high_util"`
	GPUMinFree   string        `mapstructure:"gpu_min_free"`
	GPUWidenFree string        `mapstructure:"gpu_widen_free"`
	GPUMaxTemp   float64       `mapstructure:"gpu_max_temp"`
	GPUMemHigh   float64       `mapstructure:"gpu_mem_high"`
	CPULowUtil   float64       `mapstructure:"cpu_low_util"`
	CPUHighUtil  float64       `mapstructure:"cpu_high_util"`
	GPUMin       int           `mapstructure:"gpu_min"`
	GPUMax       int           `mapstructure:"gpu_max"`
	CPUMin       int           `mapstructure:"cpu_min"`
	CPUMax       int           `mapstructure:"cpu_max"`
}

// CacheConfig configures the content cache.
type CacheConfig struct {
	Dir                string        `mapstructure:"dir"`
	TTL                time.Duration `mapstructure:"ttl"`
	MaxSize            string        `mapstructure:"max_size"`
	MaxEntries         int           `mapstructure:"max_entries"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	PreloadConcurrency int           `mapstructure:"preload_concurrency"`
	FetchAttempts      int           `mapstructure:"fetch_attempts"`
	FetchRetryDelay    time.Duration `mapstructure:"fetch_retry_delay"`
	Probe              bool          `mapstructure:"probe"`
	FFmpeg             string        `mapstructure:"ffmpeg"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	Watch              bool          `mapstructure:"watch"`
}

// TransferConfig configures the object store and upload engine.
type TransferConfig struct {
	Backend            string        `mapstructure:"backend"` // memory, minio or s3
	Bucket             string        `mapstructure:"bucket"`
	Endpoint           string        `mapstructure:"endpoint"`
	Region             string        `mapstructure:"region"`
	AccessKey          string        `mapstructure:"access_key"`
	SecretKey          string        `mapstructure:"secret_key"`
	UseSSL             bool          `mapstructure:"use_ssl"`
	PublicBaseURL      string        `mapstructure:"public_base_url"`
	MultipartThreshold string        `mapstructure:"multipart_threshold"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Exporter string `mapstructure:"exporter"` // none or stdout
}

// Config is the full reelfarm configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Tuner     TunerConfig     `mapstructure:"tuner"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.rotation.max_size", "10MB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"daemon":    "info",
		"scheduler": "info",
		"monitor":   "warn",
		"cache":     "info",
		"transfer":  "info",
	})

	v.SetDefault("daemon.auto_start", true)
	v.SetDefault("daemon.socket_path", "")
	v.SetDefault("daemon.pid_path", "")
	v.SetDefault("daemon.data_dir", "")
	v.SetDefault("daemon.http_addr", "")
	v.SetDefault("daemon.history_retention", DefaultHistoryRetention)
	v.SetDefault("daemon.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("scheduler.max_gpu_tasks", DefaultMaxGPUTasks)
	v.SetDefault("scheduler.max_cpu_tasks", 0)
	v.SetDefault("scheduler.backpressure_delay", DefaultBackpressureDelay)
	v.SetDefault("scheduler.cpu_saturation", DefaultCPUSaturation)
	v.SetDefault("scheduler.mem_saturation", DefaultMemSaturation)
	v.SetDefault("scheduler.task_retention", DefaultTaskRetention)
	v.SetDefault("scheduler.default_timeout", DefaultTaskTimeout)
	v.SetDefault("scheduler.encode_quality", DefaultEncodeQuality)

	v.SetDefault("monitor.interval", DefaultMonitorInterval)
	v.SetDefault("monitor.history_size", DefaultHistorySize)
	v.SetDefault("monitor.nvidia_smi", DefaultNvidiaSMI)

	v.SetDefault("tuner.enabled", true)
	v.SetDefault("tuner.interval", DefaultTunerInterval)
	v.SetDefault("tuner.window", DefaultTunerWindow)
	v.SetDefault("tuner.gpu_low_util", DefaultGPULowUtil)
	v.SetDefault("tuner.gpu_high_util", DefaultGPUHighUtil)
	v.SetDefault("tuner.gpu_min_free", DefaultGPUMinFree)
	v.SetDefault("tuner.gpu_widen_free", DefaultGPUWidenFree)
	v.SetDefault("tuner.gpu_max_temp", DefaultGPUMaxTemp)
	v.SetDefault("tuner.gpu_mem_high", DefaultGPUMemHigh)
	v.SetDefault("tuner.cpu_low_util", DefaultCPULowUtil)
	v.SetDefault("tuner.cpu_high_util", DefaultCPUHighUtil)
	v.SetDefault("tuner.gpu_min", DefaultGPUTasksFloor)
	v.SetDefault("tuner.gpu_max", DefaultGPUTasksCeil)
	v.SetDefault("tuner.cpu_min", DefaultCPUTasksFloor)
	v.SetDefault("tuner.cpu_max", DefaultCPUTasksCeil)

	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.ttl", DefaultCacheTTL)
	v.SetDefault("cache.max_size", DefaultCacheMaxSize)
	v.SetDefault("cache.max_entries", DefaultCacheMaxEntries)
	v.SetDefault("cache.cleanup_interval", DefaultCacheCleanup)
	v.SetDefault("cache.preload_concurrency", DefaultPreloadConcurrency)
	v.SetDefault("cache.fetch_attempts", DefaultFetchAttempts)
	v.SetDefault("cache.fetch_retry_delay", DefaultFetchRetryDelay)
	v.SetDefault("cache.probe", true)
	v.SetDefault("cache.ffmpeg", DefaultFFmpeg)
	v.SetDefault("cache.probe_timeout", DefaultProbeTimeout)
	v.SetDefault("cache.watch", true)

	v.SetDefault("transfer.backend", DefaultTransferBackend)
	v.SetDefault("transfer.bucket", "reelfarm")
	v.SetDefault("transfer.endpoint", "")
	v.SetDefault("transfer.region", DefaultS3Region)
	v.SetDefault("transfer.use_ssl", true)
	v.SetDefault("transfer.public_base_url", "")
	v.SetDefault("transfer.multipart_threshold", DefaultMultipartThreshold)
	v.SetDefault("transfer.max_retries", DefaultMaxRetries)
	v.SetDefault("transfer.retry_delay", DefaultRetryDelay)

	v.SetDefault("tracing.exporter", "none")
}

// Configure points v at the config file (explicit, or the XDG search path)
// and REELFARM_* environment variables.
func Configure(v *viper.Viper, file string) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := ConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}
	v.SetEnvPrefix("REELFARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from file (or the default location), the
// environment and defaults. A missing default file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	Configure(v, file)
	SetDefaults(v)
	if err := ReadIn(v); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// ReadIn reads the configured file, tolerating a missing default file.
func ReadIn(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// FromViper decodes v into a Config, fills derived paths and validates.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolvePaths() error {
	var err error
	for _, p := range []*string{&c.Logging.Path, &c.Daemon.SocketPath, &c.Daemon.PIDPath, &c.Daemon.DataDir, &c.Cache.Dir} {
		if *p, err = ExpandPath(*p); err != nil {
			return err
		}
	}
	if c.Daemon.DataDir == "" {
		c.Daemon.DataDir = DataDir()
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = filepath.Join(c.Daemon.DataDir, "reelfarm.sock")
	}
	if c.Daemon.PIDPath == "" {
		c.Daemon.PIDPath = filepath.Join(c.Daemon.DataDir, "reelfarm.pid")
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = CacheDir()
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	if _, err := types.ParseEncodeQuality(c.Scheduler.EncodeQuality); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.encode_quality: %w", err))
	}
	if c.Scheduler.MaxGPUTasks < 0 || c.Scheduler.MaxCPUTasks < 0 {
		errs = append(errs, errors.New("scheduler task limits must not be negative"))
	}
	for key, val := range map[string]string{
		"cache.max_size":               c.Cache.MaxSize,
		"tuner.gpu_min_free":           c.Tuner.GPUMinFree,
		"tuner.gpu_widen_free":         c.Tuner.GPUWidenFree,
		"transfer.multipart_threshold": c.Transfer.MultipartThreshold,
		"logging.rotation.max_size":    c.Logging.Rotation.MaxSize,
	} {
		if _, err := types.ParseSize(val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	switch c.Transfer.Backend {
	case "memory", "minio", "s3":
	default:
		errs = append(errs, fmt.Errorf("transfer.backend: unknown backend %q", c.Transfer.Backend))
	}
	if c.Transfer.Backend == "minio" && c.Transfer.Endpoint == "" {
		errs = append(errs, errors.New("transfer.endpoint is required for the minio backend"))
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter: unknown exporter %q", c.Tracing.Exporter))
	}
	if c.Tuner.GPUMin > c.Tuner.GPUMax || c.Tuner.CPUMin > c.Tuner.CPUMax {
		errs = append(errs, errors.New("tuner floors must not exceed ceilings"))
	}
	return errors.Join(errs...)
}

// MustSize parses a size field already checked by Validate.
func MustSize(s string) int64 {
	n, err := types.ParseSize(s)
	if err != nil {
		return 0
	}
	return n
}

// ConfigDir returns $XDG_CONFIG_HOME/reelfarm.
func ConfigDir() (string, error) {
	if home := os.Getenv("XDG_CONFIG_HOME"); home != "" {
		return filepath.Join(home, "reelfarm"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "reelfarm"), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, path[1:]), nil
}

// DataDir returns $XDG_DATA_HOME/reelfarm for the socket, PID file and
// task history.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "reelfarm")
}

// StateDir returns $XDG_STATE_HOME/reelfarm, where logs are written.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "reelfarm")
}

// DefaultBinaryPath looks for an installed reelfarmd in GOBIN, GOPATH/bin
// and ~/go/bin, in that order. It returns "" when none exists.
func DefaultBinaryPath() string {
	var dirs []string
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		dirs = append(dirs, gobin)
	}
	if gopath := os.Getenv("GOPATH"); gopath != "" {
		for _, p := range filepath.SplitList(gopath) {
			dirs = append(dirs, filepath.Join(p, "bin"))
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "go", "bin"))
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, "reelfarmd")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// CacheDir returns $XDG_CACHE_HOME/reelfarm/media for fetched content.
func CacheDir() string {
	return filepath.Join(xdg.CacheHome, "reelfarm", "media")
}

// WriteDefault writes a commented default config file unless one exists.
// It returns the path of the file.
func WriteDefault() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check config file: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultFile), 0o644); err != nil {
		return "", fmt.Errorf("failed to write default config: %w", err)
	}
	return path, nil
}

const defaultFile = `# reelfarm configuration

logging:
  # debug, info, warn, error
  level: info
  # empty means $XDG_STATE_HOME/reelfarm/reelfarm.log
  path: ""
  # text, json or logfmt
  format: text
  rotation:
    max_size: 10MB
    max_age: 30
    max_backups: 5
    daily: true

daemon:
  auto_start: true
  socket_path: ""
  pid_path: ""
  # health endpoint, e.g. 127.0.0.1:8787; empty disables it
  http_addr: ""
  # archived tasks older than this are pruned
  history_retention: 720h
  # running tasks get this long to finish on stop
  shutdown_timeout: 30s

scheduler:
  max_gpu_tasks: 3
  # 0 sizes the CPU lane from the host
  max_cpu_tasks: 0
  cpu_saturation: 90
  mem_saturation: 85
  task_retention: 1h
  default_timeout: 30m
  encode_quality: balanced

tuner:
  enabled: true
  interval: 10s
  window: 10

cache:
  # empty means $XDG_CACHE_HOME/reelfarm/media
  dir: ""
  ttl: 168h
  max_size: 10GB
  max_entries: 1000
  preload_concurrency: 3
  probe: true

transfer:
  # memory, minio or s3
  backend: memory
  bucket: reelfarm
  endpoint: ""
  region: us-east-1
  multipart_threshold: 10MB
  max_retries: 3
  retry_delay: 1s

tracing:
  # none or stdout
  exporter: none
`
