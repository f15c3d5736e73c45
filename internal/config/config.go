// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

// Strategy and backend names accepted in configuration.
const (
	FeederDirect     = "direct"
	FeederPagination = "pagination"
	FeederLinks      = "links"

	ParserHTML     = "html"
	ParserHeadless = "headless"
	// ParserAuto fetches with colly and re-renders client-side pages headless.
	ParserAuto = "auto"

	StorageLocal  = "local"
	StorageMemory = "memory"
	StorageGCS    = "gcs"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Feeder     FeederConfig     `mapstructure:"feeder"`
	Parser     ParserConfig     `mapstructure:"parser"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Server     ServerConfig     `mapstructure:"server"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// LoggingConfig toggles zap development features and optional file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	// File enables a rotating JSON log file alongside the console.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// CrawlerConfig sizes the three stage pools and the queues between them.
type CrawlerConfig struct {
	FeederWorkers     int `mapstructure:"feeder_workers"`
	ParserWorkers     int `mapstructure:"parser_workers"`
	DownloaderWorkers int `mapstructure:"downloader_workers"`
	// QueueCapacity bounds the URL and task queues; 0 leaves them unbounded.
	QueueCapacity int    `mapstructure:"queue_capacity"`
	ImageDir      string `mapstructure:"image_dir"`
}

// HTTPConfig configures the shared session.
type HTTPConfig struct {
	UserAgent      string            `mapstructure:"user_agent"`
	Headers        map[string]string `mapstructure:"headers"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	MaxIdleConns   int               `mapstructure:"max_idle_conns"`
	MaxBodyBytes   int64             `mapstructure:"max_body_bytes"`
}

// FeederConfig selects the discovery strategy and its options.
type FeederConfig struct {
	Strategy string         `mapstructure:"strategy"`
	Seeds    []string       `mapstructure:"seeds"`
	Options  map[string]any `mapstructure:"options"`
}

// ParserConfig selects the extraction strategy.
type ParserConfig struct {
	Strategy string         `mapstructure:"strategy"`
	Options  map[string]any `mapstructure:"options"`
	Headless HeadlessConfig `mapstructure:"headless"`
	// MaxBodyBytes caps HTML pages fetched through colly; 0 keeps colly's default.
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the chromedp fetcher used by the headless parser.
type HeadlessConfig struct {
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	SettleMillis      int    `mapstructure:"settle_ms"`
	ScrollToBottom    bool   `mapstructure:"scroll_to_bottom"`
	ExecPath          string `mapstructure:"exec_path"`
	// PromoteThreshold is the body size below which script-heavy pages are
	// rendered by the auto parser.
	PromoteThreshold int `mapstructure:"promote_threshold"`
}

// DownloaderConfig carries the downloader start options.
type DownloaderConfig struct {
	Options map[string]any `mapstructure:"options"`
}

// StorageConfig picks where downloaded files are written.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	// BaseDir defaults to crawler.image_dir for the local backend.
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres record and run store.
type DBConfig struct {
	DSN            string `mapstructure:"dsn"`
	DownloadsTable string `mapstructure:"downloads_table"`
	MaxConns       int32  `mapstructure:"max_conns"`
	EnsureSchema   bool   `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for download notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig controls the progress hub and its human-facing sinks.
type ProgressConfig struct {
	Log            bool `mapstructure:"log"`
	Bar            bool `mapstructure:"bar"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig enables the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("crawler.feeder_workers", 1)
	v.SetDefault("crawler.parser_workers", 1)
	v.SetDefault("crawler.downloader_workers", 1)
	v.SetDefault("crawler.queue_capacity", 0)
	v.SetDefault("crawler.image_dir", "images")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_idle_conns", 100)
	v.SetDefault("feeder.strategy", FeederDirect)
	v.SetDefault("feeder.seeds", []string{})
	v.SetDefault("parser.strategy", ParserHTML)
	v.SetDefault("parser.headless.max_parallel", 1)
	v.SetDefault("parser.headless.nav_timeout_seconds", 25)
	v.SetDefault("parser.headless.settle_ms", 500)
	v.SetDefault("parser.headless.promote_threshold", 2048)
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("db.downloads_table", "downloads")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("progress.log", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("server.port", 8080)
	v.SetDefault("tracing.service_name", "image-crawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits. Stage options are
// checked later by the strategies themselves.
func (c Config) Validate() error {
	if c.Crawler.FeederWorkers < 0 || c.Crawler.ParserWorkers < 0 || c.Crawler.DownloaderWorkers < 0 {
		return fmt.Errorf("crawler worker counts must be >= 0")
	}
	if c.Crawler.QueueCapacity < 0 {
		return fmt.Errorf("crawler.queue_capacity must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Feeder.Strategy {
	case FeederDirect, FeederPagination, FeederLinks:
	default:
		return fmt.Errorf("feeder.strategy %q is not one of direct, pagination, links", c.Feeder.Strategy)
	}
	switch c.Parser.Strategy {
	case ParserHTML:
	case ParserHeadless, ParserAuto:
		if c.Parser.Headless.MaxParallel <= 0 {
			return fmt.Errorf("parser.headless.max_parallel must be > 0 for the %s parser", c.Parser.Strategy)
		}
		if c.Parser.Headless.PromoteThreshold < 0 {
			return fmt.Errorf("parser.headless.promote_threshold must be >= 0")
		}
	default:
		return fmt.Errorf("parser.strategy %q is not one of html, headless, auto", c.Parser.Strategy)
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if c.LocalDir() == "" {
			return fmt.Errorf("storage.base_dir or crawler.image_dir is required for local storage")
		}
	case StorageMemory:
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of local, memory, gcs", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1) {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// LocalDir is the directory used by the local storage backend.
func (c Config) LocalDir() string {
	if c.Storage.BaseDir != "" {
		return c.Storage.BaseDir
	}
	return c.Crawler.ImageDir
}

// HTTPTimeout converts the configured timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Plan builds the crawl plan. Seeds join the feeder options and storage.prefix
// becomes the downloader prefix unless the downloader options set one.
func (c Config) Plan() crawler.Plan {
	feederOpts := crawler.Options(maps.Clone(c.Feeder.Options))
	if feederOpts == nil {
		feederOpts = crawler.Options{}
	}
	if len(c.Feeder.Seeds) > 0 {
		feederOpts["seeds"] = append([]string(nil), c.Feeder.Seeds...)
	}
	downloaderOpts := crawler.Options(maps.Clone(c.Downloader.Options))
	if c.Storage.Prefix != "" {
		if downloaderOpts == nil {
			downloaderOpts = crawler.Options{}
		}
		if _, ok := downloaderOpts["prefix"]; !ok {
			downloaderOpts["prefix"] = c.Storage.Prefix
		}
	}
	return crawler.Plan{
		FeederWorkers:     c.Crawler.FeederWorkers,
		ParserWorkers:     c.Crawler.ParserWorkers,
		DownloaderWorkers: c.Crawler.DownloaderWorkers,
		FeederOptions:     feederOpts,
		ParserOptions:     crawler.Options(maps.Clone(c.Parser.Options)),
		DownloaderOptions: downloaderOpts,
	}
}
