// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/artifact-harvester/internal/encoder"
	"github.com/JakeFAU/artifact-harvester/internal/harvest"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Job       JobConfig       `mapstructure:"job"`
	Tuning    TuningConfig    `mapstructure:"tuning"`
	Encoder   encoder.Config  `mapstructure:"encoder"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Source    SourceConfig    `mapstructure:"source"`
	Sink      SinkConfig      `mapstructure:"sink"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// JobConfig names the work to do. IDs and IDsFile are merged.
type JobConfig struct {
	Name    string   `mapstructure:"name"`
	IDsFile string   `mapstructure:"ids_file"`
	IDs     []string `mapstructure:"ids"`
	Target  int      `mapstructure:"target"`
}

// TuningConfig controls pacing, retries and batching.
type TuningConfig struct {
	Concurrency    int  `mapstructure:"concurrency"`
	MaxConcurrency int  `mapstructure:"max_concurrency"`
	DelayMS        int  `mapstructure:"delay_ms"`
	MaxDelayMS     int  `mapstructure:"max_delay_ms"`
	MaxRetries     int  `mapstructure:"max_retries"`
	MaxWaitMS      int  `mapstructure:"max_wait_ms"`
	BatchSize      int  `mapstructure:"batch_size"`
	ByteCeiling    int  `mapstructure:"byte_ceiling"`
	SweepFailed    bool `mapstructure:"sweep_failed"`
	ResumeFailed   bool `mapstructure:"resume_failed"`
}

// MonitorConfig sets the performance monitor thresholds.
type MonitorConfig struct {
	Window         int     `mapstructure:"window"`
	ErrorThreshold float64 `mapstructure:"error_threshold"`
	SoftMemoryMB   int     `mapstructure:"soft_memory_mb"`
	HardMemoryMB   int     `mapstructure:"hard_memory_mb"`
}

// ProgressConfig selects the progress store backend.
type ProgressConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SourceConfig selects and configures the source adapter.
type SourceConfig struct {
	Kind           string            `mapstructure:"kind"`
	URLTemplate    string            `mapstructure:"url_template"`
	UserAgent      string            `mapstructure:"user_agent"`
	Headers        map[string]string `mapstructure:"headers"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	RespectRobots  bool              `mapstructure:"respect_robots"`
	MaxBodyBytes   int               `mapstructure:"max_body_bytes"`
	RPS            float64           `mapstructure:"rps"`
	Burst          int               `mapstructure:"burst"`
	MaxParallel    int               `mapstructure:"max_parallel"`
	WaitSelector   string            `mapstructure:"wait_selector"`
	Dir            string            `mapstructure:"dir"`
	Extensions     []string          `mapstructure:"extensions"`
	PromoteMinBody int               `mapstructure:"promote_min_body"`
	PromoteMarkers []string          `mapstructure:"promote_markers"`
}

// SinkConfig selects and configures the sink adapter.
type SinkConfig struct {
	Kind           string `mapstructure:"kind"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	BaseDir        string `mapstructure:"base_dir"`
	MaxObjectBytes int    `mapstructure:"max_object_bytes"`
}

// PubSubConfig enables completion notices when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// EventsConfig sizes the event hub.
type EventsConfig struct {
	BufferSize    int `mapstructure:"buffer_size"`
	MaxBatch      int `mapstructure:"max_batch"`
	SinkTimeoutMS int `mapstructure:"sink_timeout_ms"`
}

// ServerConfig controls the optional status API.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig enables tracing. ProjectID turns on Cloud Trace export.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Backend, source and sink kinds.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"

	SourceHTTP     = "http"
	SourceHeadless = "headless"
	SourceDir      = "dir"
	SourceAuto     = "auto"

	SinkGCS   = "gcs"
	SinkLocal = "local"
)

// Load builds a Config from disk/environment. Environment variables use the
// HARVEST_ prefix, e.g. HARVEST_TUNING_CONCURRENCY.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job.name", "harvest")
	v.SetDefault("job.ids_file", "")
	v.SetDefault("job.ids", []string{})
	v.SetDefault("job.target", 0)
	v.SetDefault("tuning.concurrency", harvest.DefaultConcurrency)
	v.SetDefault("tuning.max_concurrency", 0)
	v.SetDefault("tuning.delay_ms", int(harvest.DefaultDelay/time.Millisecond))
	v.SetDefault("tuning.max_delay_ms", 30000)
	v.SetDefault("tuning.max_retries", harvest.DefaultMaxRetries)
	v.SetDefault("tuning.max_wait_ms", 30000)
	v.SetDefault("tuning.batch_size", harvest.DefaultBatchSize)
	v.SetDefault("tuning.byte_ceiling", harvest.DefaultByteCeiling)
	v.SetDefault("tuning.sweep_failed", false)
	v.SetDefault("tuning.resume_failed", false)
	v.SetDefault("encoder.quality", encoder.DefaultQuality)
	v.SetDefault("encoder.step", encoder.DefaultStep)
	v.SetDefault("encoder.floor", encoder.DefaultFloor)
	v.SetDefault("encoder.moderate_quality", encoder.DefaultModerateQuality)
	v.SetDefault("encoder.max_rounds", encoder.DefaultMaxRounds)
	v.SetDefault("monitor.window", 20)
	v.SetDefault("monitor.error_threshold", 0.10)
	v.SetDefault("monitor.soft_memory_mb", 0)
	v.SetDefault("monitor.hard_memory_mb", 0)
	v.SetDefault("progress.backend", BackendFile)
	v.SetDefault("progress.path", "progress.json")
	v.SetDefault("progress.dsn", "")
	v.SetDefault("progress.table", "harvest_progress")
	v.SetDefault("progress.max_conns", 4)
	v.SetDefault("source.kind", SourceHTTP)
	v.SetDefault("source.url_template", "")
	v.SetDefault("source.user_agent", "artifact-harvester/0.1")
	v.SetDefault("source.timeout_seconds", 15)
	v.SetDefault("source.respect_robots", false)
	v.SetDefault("source.max_body_bytes", 0)
	v.SetDefault("source.rps", 0)
	v.SetDefault("source.burst", 1)
	v.SetDefault("source.max_parallel", 2)
	v.SetDefault("source.wait_selector", "body")
	v.SetDefault("source.dir", "")
	v.SetDefault("source.promote_min_body", 2048)
	v.SetDefault("source.promote_markers", []string{})
	v.SetDefault("sink.kind", SinkLocal)
	v.SetDefault("sink.bucket", "")
	v.SetDefault("sink.prefix", "")
	v.SetDefault("sink.base_dir", "artifacts")
	v.SetDefault("sink.max_object_bytes", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch", 64)
	v.SetDefault("events.sink_timeout_ms", 2000)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "artifact-harvester")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	t := c.Tuning
	switch {
	case t.Concurrency <= 0:
		return fmt.Errorf("tuning.concurrency must be > 0")
	case t.DelayMS < 0:
		return fmt.Errorf("tuning.delay_ms must be >= 0")
	case t.MaxRetries < 0:
		return fmt.Errorf("tuning.max_retries must be >= 0")
	case t.BatchSize <= 0:
		return fmt.Errorf("tuning.batch_size must be > 0")
	case t.ByteCeiling <= 0:
		return fmt.Errorf("tuning.byte_ceiling must be > 0")
	case c.Job.Target < 0:
		return fmt.Errorf("job.target must be >= 0")
	case c.Monitor.ErrorThreshold <= 0 || c.Monitor.ErrorThreshold > 1:
		return fmt.Errorf("monitor.error_threshold must be in (0, 1]")
	case c.Monitor.HardMemoryMB > 0 && c.Monitor.SoftMemoryMB > c.Monitor.HardMemoryMB:
		return fmt.Errorf("monitor.soft_memory_mb must not exceed monitor.hard_memory_mb")
	}

	switch c.Progress.Backend {
	case BackendFile:
		if c.Progress.Path == "" {
			return fmt.Errorf("progress.path is required for the file backend")
		}
	case BackendPostgres:
		if c.Progress.DSN == "" {
			return fmt.Errorf("progress.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("progress.backend %q is not one of file, postgres", c.Progress.Backend)
	}

	switch c.Source.Kind {
	case SourceHTTP, SourceHeadless, SourceAuto:
		if c.Source.URLTemplate == "" {
			return fmt.Errorf("source.url_template is required for the %s source", c.Source.Kind)
		}
	case SourceDir:
		if c.Source.Dir == "" {
			return fmt.Errorf("source.dir is required for the dir source")
		}
	default:
		return fmt.Errorf("source.kind %q is not one of http, headless, dir, auto", c.Source.Kind)
	}

	switch c.Sink.Kind {
	case SinkGCS:
		if c.Sink.Bucket == "" {
			return fmt.Errorf("sink.bucket is required for the gcs sink")
		}
	case SinkLocal:
		if c.Sink.BaseDir == "" {
			return fmt.Errorf("sink.base_dir is required for the local sink")
		}
	default:
		return fmt.Errorf("sink.kind %q is not one of gcs, local", c.Sink.Kind)
	}

	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be in [0, 1]")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// HarvestTuning converts the tuning section into controller tuning.
func (c Config) HarvestTuning() harvest.Tuning {
	t := c.Tuning
	return harvest.Tuning{
		Concurrency:    t.Concurrency,
		MaxConcurrency: t.MaxConcurrency,
		Delay:          ms(t.DelayMS),
		MaxDelay:       ms(t.MaxDelayMS),
		MaxRetries:     t.MaxRetries,
		BatchSize:      t.BatchSize,
		ByteCeiling:    t.ByteCeiling,
		SweepFailed:    t.SweepFailed,
		ResumeFailed:   t.ResumeFailed,
	}.WithDefaults()
}

// MaxWait returns the retry wait cap.
func (c Config) MaxWait() time.Duration {
	return ms(c.Tuning.MaxWaitMS)
}

// SourceTimeout returns the per-request source timeout.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// SinkTimeout returns the per-call event sink timeout.
func (c Config) SinkTimeout() time.Duration {
	return ms(c.Events.SinkTimeoutMS)
}

// Bytes converts a megabyte figure.
func Bytes(mb int) uint64 {
	if mb <= 0 {
		return 0
	}
	return uint64(mb) << 20
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
