// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Groups    GroupsConfig    `mapstructure:"groups"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Sources   SourcesConfig   `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrowserConfig configures the shared headless Chrome allocator.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	ExecPath          string        `mapstructure:"exec_path"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
}

// StorageConfig selects the key-value backend for reconciled records.
type StorageConfig struct {
	Backend   string             `mapstructure:"backend"`
	CacheSize int                `mapstructure:"cache_size"`
	Local     LocalStorageConfig `mapstructure:"local"`
	GCS       GCSStorageConfig   `mapstructure:"gcs"`
	Mongo     MongoStorageConfig `mapstructure:"mongo"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSStorageConfig configures the Cloud Storage backend.
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// MongoStorageConfig configures the MongoDB backend.
type MongoStorageConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// DatabaseConfig controls access to the relational database.
type DatabaseConfig struct {
	DSN              string        `mapstructure:"dsn"`
	LegislatureTable string        `mapstructure:"legislature_table"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	BufferSize int  `mapstructure:"buffer_size"`
	LogEnabled bool `mapstructure:"log_enabled"`
}

// ReconcileConfig pins the legislative term treated as current.
type ReconcileConfig struct {
	CurrentLegislature int `mapstructure:"current_legislature"`
}

// GroupsConfig configures the parliamentary group lookup endpoint.
type GroupsConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TracingConfig toggles OpenTelemetry spans for visits and API requests.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SourcesConfig lists the crawl sources known to the service.
type SourcesConfig struct {
	Person      SourceConfig `mapstructure:"person"`
	Legislature SourceConfig `mapstructure:"legislature"`
}

// SourceConfig holds the crawl and schedule settings for one source.
type SourceConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	SeedURL              string        `mapstructure:"seed_url"`
	Renderer             string        `mapstructure:"renderer"`
	Schedule             string        `mapstructure:"schedule"`
	Concurrency          int           `mapstructure:"concurrency"`
	Timezone             string        `mapstructure:"timezone"`
	MaxConcurrency       int           `mapstructure:"max_concurrency"`
	MaxRequestsPerMinute int           `mapstructure:"max_requests_per_minute"`
	SameDomainDelay      time.Duration `mapstructure:"same_domain_delay"`
}

// Renderer names accepted by SourceConfig.Renderer.
const (
	RendererBrowser = "browser"
	RendererStatic  = "static"
)

// Load builds a Config from disk/environment. A .env file in the working
// directory is applied to the process environment first when present.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("CONGRESO")
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

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.cache_size", 512)
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.mongo.uri", "")
	v.SetDefault("storage.mongo.database", "congreso")
	v.SetDefault("storage.mongo.collection", "records")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.legislature_table", "legislatures")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("reconcile.current_legislature", 15)
	v.SetDefault("groups.endpoint", "https://www.congreso.es/es/grupos/composicion-en-la-legislatura"+
		"?p_p_id=grupos&p_p_lifecycle=2&p_p_state=normal&p_p_mode=view"+
		"&p_p_resource_id=gruposSearch&p_p_cacheability=cacheLevelPage")
	v.SetDefault("groups.timeout", 15*time.Second)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("sources.person.enabled", true)
	v.SetDefault("sources.person.seed_url", "https://www.congreso.es/busqueda-de-diputados")
	v.SetDefault("sources.person.renderer", RendererBrowser)
	v.SetDefault("sources.person.schedule", "0 0 * * *")
	v.SetDefault("sources.person.concurrency", 1)
	v.SetDefault("sources.person.timezone", "")
	v.SetDefault("sources.person.max_concurrency", 2)
	v.SetDefault("sources.person.max_requests_per_minute", 20)
	v.SetDefault("sources.person.same_domain_delay", time.Duration(0))

	v.SetDefault("sources.legislature.enabled", true)
	v.SetDefault("sources.legislature.seed_url", "https://www.congreso.es/es/cem/historia")
	v.SetDefault("sources.legislature.renderer", RendererStatic)
	v.SetDefault("sources.legislature.schedule", "0 0 * * *")
	v.SetDefault("sources.legislature.concurrency", 1)
	v.SetDefault("sources.legislature.timezone", "")
	v.SetDefault("sources.legislature.max_concurrency", 1)
	v.SetDefault("sources.legislature.max_requests_per_minute", 20)
	v.SetDefault("sources.legislature.same_domain_delay", 2*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Reconcile.CurrentLegislature <= 0 {
		return fmt.Errorf("reconcile.current_legislature must be > 0")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set when storage.backend is gcs")
		}
	case "mongo":
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("storage.mongo.uri must be set when storage.backend is mongo")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Storage.Backend == "local" && strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
		return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
	}
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("storage.cache_size must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be > 0")
	}
	if err := c.Sources.Person.validate("sources.person"); err != nil {
		return err
	}
	return c.Sources.Legislature.validate("sources.legislature")
}

func (s SourceConfig) validate(prefix string) error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.SeedURL) == "" {
		return fmt.Errorf("%s.seed_url must be set", prefix)
	}
	if strings.TrimSpace(s.Schedule) == "" {
		return fmt.Errorf("%s.schedule must be set", prefix)
	}
	if s.Concurrency <= 0 {
		return fmt.Errorf("%s.concurrency must be > 0", prefix)
	}
	if s.MaxConcurrency <= 0 {
		return fmt.Errorf("%s.max_concurrency must be > 0", prefix)
	}
	if s.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("%s.max_requests_per_minute must be >= 0", prefix)
	}
	if s.SameDomainDelay < 0 {
		return fmt.Errorf("%s.same_domain_delay must be >= 0", prefix)
	}
	switch s.Renderer {
	case RendererBrowser, RendererStatic:
	default:
		return fmt.Errorf("%s.renderer %q is not supported", prefix, s.Renderer)
	}
	return nil
}
