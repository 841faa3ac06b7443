// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/fetcher/httpapi"
	"github.com/JakeFAU/catalog-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/sources"
	"github.com/JakeFAU/catalog-harvester/internal/storage/postgres"
	"github.com/JakeFAU/catalog-harvester/internal/telemetry"
)

// Config captures every knob loaded via Viper.
type Config struct {
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Source     SourceConfig     `mapstructure:"source"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	ProgressDB ProgressDBConfig `mapstructure:"progress_db"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// CrawlConfig governs the on-disk crawl layout and cadence.
type CrawlConfig struct {
	// DataDir holds one directory per source plus the collated outputs.
	DataDir        string `mapstructure:"data_dir"`
	ItemsPerFile   int    `mapstructure:"items_per_file"`
	CountThreshold int    `mapstructure:"count_threshold"`
	// Estimate toggles the completion estimate on the status line.
	Estimate bool `mapstructure:"estimate"`
}

// RetryConfig lists the sleep before each fetch attempt.
type RetryConfig struct {
	Schedule []time.Duration `mapstructure:"schedule"`
}

// SourceConfig picks a built-in preset or a fully custom spec.
type SourceConfig struct {
	Preset string       `mapstructure:"preset"`
	Custom sources.Spec `mapstructure:"custom"`
	// BatchSize overrides the preset's batch size when positive.
	BatchSize int `mapstructure:"batch_size"`
}

// HTTPConfig configures the remote API client.
type HTTPConfig struct {
	BaseURL        string         `mapstructure:"base_url"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	UserAgent      string         `mapstructure:"user_agent"`
	RPS            float64        `mapstructure:"rps"`
	Burst          int            `mapstructure:"burst"`
	Auth           HTTPAuthConfig `mapstructure:"auth"`
}

// HTTPAuthConfig holds OAuth2 client credentials.
type HTTPAuthConfig struct {
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// LoggingConfig toggles zap development features and the crawl log file.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// File tees structured logs into log.txt inside the crawl directory.
	File bool `mapstructure:"file"`
}

// MetricsConfig enables the status server.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	APIKey     string `mapstructure:"api_key"`
}

// ExportConfig mirrors collated outputs to GCS when a bucket is set.
type ExportConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// NotifyConfig publishes a completion message to Pub/Sub when a topic is set.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressDBConfig enables the Postgres run history.
type ProgressDBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
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
	def := crawler.DefaultConfig()
	v.SetDefault("crawl.data_dir", "data")
	v.SetDefault("crawl.items_per_file", def.ItemsPerFile)
	v.SetDefault("crawl.count_threshold", def.CountThreshold)
	v.SetDefault("crawl.estimate", true)
	schedule := make([]string, 0, len(def.RetrySchedule))
	for _, d := range def.RetrySchedule {
		schedule = append(schedule, d.String())
	}
	v.SetDefault("retry.schedule", schedule)
	v.SetDefault("source.preset", "")
	v.SetDefault("source.batch_size", 0)
	v.SetDefault("http.base_url", "https://api.spotify.com")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "catalog-harvester/0.1")
	v.SetDefault("http.rps", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.auth.token_url", "")
	v.SetDefault("http.auth.client_id", "")
	v.SetDefault("http.auth.client_secret", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.api_key", "")
	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("export.gcs_prefix", "")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("progress_db.dsn", "")
	v.SetDefault("progress_db.ensure_schema", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("telemetry.service_name", "catalog-harvester")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawl.DataDir) == "" {
		return fmt.Errorf("crawl.data_dir is required")
	}
	if err := c.CrawlerConfig().Validate(); err != nil {
		return err
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.BaseURL == "" {
		return fmt.Errorf("http.base_url is required")
	}
	if c.HTTP.Auth.ClientID != "" && c.HTTP.Auth.TokenURL == "" {
		return fmt.Errorf("http.auth.token_url must be set when client_id is set")
	}
	if c.Notify.Topic != "" && c.Notify.ProjectID == "" {
		return fmt.Errorf("notify.project_id must be set when notify.topic is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Source.BatchSize < 0 {
		return fmt.Errorf("source.batch_size must be >= 0")
	}
	return nil
}

// CrawlerConfig converts the crawl and retry sections for the engine.
func (c Config) CrawlerConfig() crawler.Config {
	return crawler.Config{
		ItemsPerFile:   c.Crawl.ItemsPerFile,
		CountThreshold: c.Crawl.CountThreshold,
		RetrySchedule:  c.Retry.Schedule,
	}
}

// SourceSpec resolves the configured source. name, when non-empty, selects
// a preset and takes precedence over source.preset.
func (c Config) SourceSpec(name string) (sources.Spec, error) {
	var spec sources.Spec
	switch {
	case name != "":
		preset, ok := sources.Preset(name)
		if !ok {
			return sources.Spec{}, fmt.Errorf("unknown source %q (presets: %s)", name, strings.Join(sources.PresetNames(), ", "))
		}
		spec = preset
	case c.Source.Preset != "":
		preset, ok := sources.Preset(c.Source.Preset)
		if !ok {
			return sources.Spec{}, fmt.Errorf("unknown source.preset %q", c.Source.Preset)
		}
		spec = preset
	case c.Source.Custom.Name != "":
		spec = c.Source.Custom
	default:
		return sources.Spec{}, fmt.Errorf("no source configured: set source.preset or source.custom")
	}
	if c.Source.BatchSize > 0 {
		spec.BatchSize = c.Source.BatchSize
	}
	if err := spec.Validate(); err != nil {
		return sources.Spec{}, err
	}
	return spec, nil
}

// FetcherConfig combines the HTTP section with the source's endpoints.
func (c Config) FetcherConfig(spec sources.Spec) httpapi.Config {
	return httpapi.Config{
		BaseURL:   c.HTTP.BaseURL,
		Endpoints: spec.Endpoints,
		Timeout:   time.Duration(c.HTTP.TimeoutSeconds) * time.Second,
		UserAgent: c.HTTP.UserAgent,
		RateLimit: ratelimit.Config{DefaultRPS: c.HTTP.RPS, DefaultBurst: c.HTTP.Burst},
		Auth: httpapi.AuthConfig{
			TokenURL:     c.HTTP.Auth.TokenURL,
			ClientID:     c.HTTP.Auth.ClientID,
			ClientSecret: c.HTTP.Auth.ClientSecret,
			Scopes:       c.HTTP.Auth.Scopes,
		},
	}
}

// CrawlDir is the directory holding one source's crawl state.
func (c Config) CrawlDir(name string) string {
	return filepath.Join(c.Crawl.DataDir, name)
}

// PostgresConfig converts the progress_db section.
func (c Config) PostgresConfig() postgres.Config {
	return postgres.Config{
		DSN:             c.ProgressDB.DSN,
		MaxConns:        c.ProgressDB.MaxConns,
		MinConns:        c.ProgressDB.MinConns,
		MaxConnLifetime: c.ProgressDB.MaxConnLifetime,
	}
}

// TracingConfig converts the telemetry section.
func (c Config) TracingConfig(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName: c.Telemetry.ServiceName,
		Version:     version,
		SampleRatio: c.Telemetry.SampleRatio,
	}
}

// HubConfig converts the progress section.
func (c Config) HubConfig() progress.Config {
	return progress.Config{
		BufferSize:     c.Progress.BufferSize,
		MaxBatchEvents: c.Progress.MaxBatchEvents,
		MaxBatchWait:   c.Progress.MaxBatchWait,
		SinkTimeout:    c.Progress.SinkTimeout,
	}
}
