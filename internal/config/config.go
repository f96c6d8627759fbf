// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	v "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Browser drivers.
const (
	DriverChromedp = "chromedp"
	DriverScripted = "scripted"
	DriverNoop     = "noop"
)

// Archive storage backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" json:"server"`
	Pool    PoolConfig    `mapstructure:"pool" json:"pool"`
	Capture CaptureConfig `mapstructure:"capture" json:"capture"`
	Browser BrowserConfig `mapstructure:"browser" json:"browser"`
	Cache   CacheConfig   `mapstructure:"cache" json:"cache"`
	Storage StorageConfig `mapstructure:"storage" json:"storage"`
	DB      DBConfig      `mapstructure:"db" json:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub" json:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port" json:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds" json:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
}

// PoolConfig sizes the browser pool and tunes relaunches.
type PoolConfig struct {
	Size                 int     `mapstructure:"size" json:"size"`
	AcquireTimeoutMs     int     `mapstructure:"acquire_timeout_ms" json:"acquire_timeout_ms"`
	DegradedAfter        int     `mapstructure:"degraded_after" json:"degraded_after"`
	BackoffInitialMs     int     `mapstructure:"backoff_initial_ms" json:"backoff_initial_ms"`
	BackoffMaxMs         int     `mapstructure:"backoff_max_ms" json:"backoff_max_ms"`
	RespawnQPS           float64 `mapstructure:"respawn_qps" json:"respawn_qps"`
	LaunchTimeoutSeconds int     `mapstructure:"launch_timeout_seconds" json:"launch_timeout_seconds"`
}

// CaptureConfig controls how each page is rendered.
type CaptureConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	ViewportWidth  int    `mapstructure:"viewport_width" json:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height" json:"viewport_height"`
	UserAgent      string `mapstructure:"user_agent" json:"user_agent"`
	SettleMs       int    `mapstructure:"settle_ms" json:"settle_ms"`

	// PerHostRPS spaces out captures of one target host; 0 disables it.
	PerHostRPS   float64 `mapstructure:"per_host_rps" json:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst" json:"per_host_burst"`
}

// BrowserConfig selects and locates the browser.
type BrowserConfig struct {
	Driver    string `mapstructure:"driver" json:"driver"`
	ExecPath  string `mapstructure:"exec_path" json:"exec_path"`
	RemoteURL string `mapstructure:"remote_url" json:"remote_url"`
	Headless  bool   `mapstructure:"headless" json:"headless"`
}

// CacheConfig bounds the screenshot cache.
type CacheConfig struct {
	Capacity      int    `mapstructure:"capacity" json:"capacity"`
	TTLSeconds    int    `mapstructure:"ttl_seconds" json:"ttl_seconds"`
	SweepSchedule string `mapstructure:"sweep_schedule" json:"sweep_schedule"`
}

// StorageConfig selects where archived screenshots are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend" json:"backend"`
	LocalDir  string `mapstructure:"local_dir" json:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket" json:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix" json:"prefix"`
}

// DBConfig controls access to the archive database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn" json:"dsn"`
	Table    string `mapstructure:"table" json:"table"`
	MaxConns int32  `mapstructure:"max_conns" json:"max_conns"`
}

// PubSubConfig holds metadata for capture notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id" json:"project_id"`
	TopicName string `mapstructure:"topic_name" json:"topic_name"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development" json:"development"`
	Level       string `mapstructure:"level" json:"level"`
}

// TracingConfig controls OpenTelemetry trace propagation.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" json:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio" json:"sample_ratio"`
}

// Load builds a Config from disk/environment. Environment variables use the
// WEBSHOT_ prefix with dots replaced by underscores, e.g. WEBSHOT_POOL_SIZE.
func Load(path string) (Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix("WEBSHOT")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	if path != "" {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("server.port", 11754)
	vp.SetDefault("server.request_timeout_seconds", 60)
	vp.SetDefault("server.shutdown_timeout_seconds", 20)
	vp.SetDefault("pool.size", 2)
	vp.SetDefault("pool.acquire_timeout_ms", 10000)
	vp.SetDefault("pool.degraded_after", 3)
	vp.SetDefault("pool.backoff_initial_ms", 250)
	vp.SetDefault("pool.backoff_max_ms", 30000)
	vp.SetDefault("pool.respawn_qps", 1.0)
	vp.SetDefault("pool.launch_timeout_seconds", 30)
	vp.SetDefault("capture.timeout_seconds", 15)
	vp.SetDefault("capture.viewport_width", 1280)
	vp.SetDefault("capture.viewport_height", 800)
	vp.SetDefault("capture.user_agent", "")
	vp.SetDefault("capture.settle_ms", 500)
	vp.SetDefault("capture.per_host_rps", 0.0)
	vp.SetDefault("capture.per_host_burst", 1)
	vp.SetDefault("browser.driver", DriverChromedp)
	vp.SetDefault("browser.exec_path", "")
	vp.SetDefault("browser.remote_url", "")
	vp.SetDefault("browser.headless", true)
	vp.SetDefault("cache.capacity", 512)
	vp.SetDefault("cache.ttl_seconds", 3600)
	vp.SetDefault("cache.sweep_schedule", "@every 1m")
	vp.SetDefault("storage.backend", BackendNone)
	vp.SetDefault("storage.local_dir", "")
	vp.SetDefault("storage.gcs_bucket", "")
	vp.SetDefault("storage.prefix", "screenshots")
	vp.SetDefault("db.dsn", "")
	vp.SetDefault("db.table", "captures")
	vp.SetDefault("db.max_conns", 4)
	vp.SetDefault("pubsub.project_id", "")
	vp.SetDefault("pubsub.topic_name", "")
	vp.SetDefault("logging.development", false)
	vp.SetDefault("logging.level", "info")
	vp.SetDefault("tracing.enabled", false)
	vp.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	return v.ValidateStruct(&c,
		v.Field(&c.Server),
		v.Field(&c.Pool),
		v.Field(&c.Capture),
		v.Field(&c.Browser),
		v.Field(&c.Cache),
		v.Field(&c.Storage),
		v.Field(&c.DB),
		v.Field(&c.PubSub),
		v.Field(&c.Logging),
		v.Field(&c.Tracing),
	)
}

// Validate implements validation.Validatable.
func (s ServerConfig) Validate() error {
	return v.ValidateStruct(&s,
		v.Field(&s.Port, v.Required, v.Min(1), v.Max(65535)),
		v.Field(&s.RequestTimeoutSeconds, v.Min(0)),
		v.Field(&s.ShutdownTimeoutSeconds, v.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (p PoolConfig) Validate() error {
	return v.ValidateStruct(&p,
		v.Field(&p.Size, v.Required, v.Min(1), v.Max(64)),
		v.Field(&p.AcquireTimeoutMs, v.Min(0)),
		v.Field(&p.DegradedAfter, v.Required, v.Min(1)),
		v.Field(&p.BackoffInitialMs, v.Required, v.Min(1)),
		v.Field(&p.BackoffMaxMs, v.Required, v.Min(p.BackoffInitialMs)),
		v.Field(&p.RespawnQPS, v.Min(0.0)),
		v.Field(&p.LaunchTimeoutSeconds, v.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (c CaptureConfig) Validate() error {
	return v.ValidateStruct(&c,
		v.Field(&c.TimeoutSeconds, v.Required, v.Min(1), v.Max(300)),
		v.Field(&c.ViewportWidth, v.Required, v.Min(100), v.Max(4096)),
		v.Field(&c.ViewportHeight, v.Required, v.Min(100), v.Max(4096)),
		v.Field(&c.SettleMs, v.Min(0)),
		v.Field(&c.PerHostRPS, v.Min(0.0)),
		v.Field(&c.PerHostBurst, v.Min(0)),
	)
}

// Validate implements validation.Validatable.
func (b BrowserConfig) Validate() error {
	return v.ValidateStruct(&b,
		v.Field(&b.Driver, v.Required, v.In(DriverChromedp, DriverScripted, DriverNoop)),
		v.Field(&b.RemoteURL, is.URL),
	)
}

// Validate implements validation.Validatable.
func (c CacheConfig) Validate() error {
	return v.ValidateStruct(&c,
		v.Field(&c.Capacity, v.Min(0)),
		v.Field(&c.TTLSeconds, v.Min(0)),
		v.Field(&c.SweepSchedule, v.Required, v.By(cronSchedule)),
	)
}

// Validate implements validation.Validatable.
func (s StorageConfig) Validate() error {
	return v.ValidateStruct(&s,
		v.Field(&s.Backend, v.Required, v.In(BackendNone, BackendMemory, BackendLocal, BackendGCS)),
		v.Field(&s.LocalDir, v.When(s.Backend == BackendLocal, v.Required)),
		v.Field(&s.GCSBucket, v.When(s.Backend == BackendGCS, v.Required)),
	)
}

// Validate implements validation.Validatable.
func (d DBConfig) Validate() error {
	return v.ValidateStruct(&d,
		v.Field(&d.Table, v.Match(validTableName)),
		v.Field(&d.MaxConns, v.Min(int32(0))),
	)
}

// Validate implements validation.Validatable.
func (p PubSubConfig) Validate() error {
	return v.ValidateStruct(&p,
		v.Field(&p.ProjectID, v.When(p.TopicName != "", v.Required)),
		v.Field(&p.TopicName, v.When(p.ProjectID != "", v.Required)),
	)
}

// Validate implements validation.Validatable.
func (l LoggingConfig) Validate() error {
	return v.ValidateStruct(&l,
		v.Field(&l.Level, v.In("debug", "info", "warn", "error")),
	)
}

// Validate implements validation.Validatable.
func (t TracingConfig) Validate() error {
	return v.ValidateStruct(&t,
		v.Field(&t.SampleRatio, v.Min(0.0), v.Max(1.0)),
	)
}

func cronSchedule(value any) error {
	spec, _ := value.(string)
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("must be a cron schedule: %w", err)
	}
	return nil
}

// RequestTimeout bounds one HTTP request; zero disables the limit.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// AcquireTimeout is how long a capture waits for a browser session.
func (p PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(p.AcquireTimeoutMs) * time.Millisecond
}

// BackoffInitial is the first relaunch delay.
func (p PoolConfig) BackoffInitial() time.Duration {
	return time.Duration(p.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the relaunch delay.
func (p PoolConfig) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxMs) * time.Millisecond
}

// LaunchTimeout bounds one browser start.
func (p PoolConfig) LaunchTimeout() time.Duration {
	return time.Duration(p.LaunchTimeoutSeconds) * time.Second
}

// Timeout bounds one capture from navigation to screenshot.
func (c CaptureConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Settle is the pause between page ready and screenshot.
func (c CaptureConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// TTL is the cache entry lifetime; zero means entries never expire.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}
