package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the self-correcting kernel.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Triage    TriageConfig    `mapstructure:"triage"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Diagnosis DiagnosisConfig `mapstructure:"diagnosis"`
	Patches   PatchesConfig   `mapstructure:"patches"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address is required")
	}
	return nil
}

// LLMConfig contains provider settings and the primary/oracle model split.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration.
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai, anthropic, local
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration.
type LLMModel struct {
	Name        string  `mapstructure:"name"`
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LLMRoutingConfig names the model used on each path. The oracle model
// must be strictly more capable than the primary; it only serves the
// sampled audit population.
type LLMRoutingConfig struct {
	Primary string `mapstructure:"primary"`
	Oracle  string `mapstructure:"oracle"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Routing.Primary) == "" {
		return fmt.Errorf("llm.routing.primary is required")
	}
	if strings.TrimSpace(l.Routing.Oracle) == "" {
		return fmt.Errorf("llm.routing.oracle is required")
	}
	return nil
}

// TriageConfig tunes the sync/async split.
type TriageConfig struct {
	// WriteActions extends the built-in write/mutate/delete/payment verbs.
	WriteActions []string `mapstructure:"write_actions"`
	// ReadActions extends the built-in read verbs.
	ReadActions []string `mapstructure:"read_actions"`
}

// AuditConfig tunes the differential auditor.
type AuditConfig struct {
	// SampleTarget is the fraction of all outcomes (not of give-up
	// signals) routed to deep audit. Valid range (0,1].
	SampleTarget float64 `mapstructure:"sample_target"`
	// QueueDepth bounds the audit FIFO; overflow drops the oldest
	// un-started audit and increments the drop counter.
	QueueDepth int `mapstructure:"queue_depth"`
	// Workers is the number of goroutines draining the audit queue.
	Workers int `mapstructure:"workers"`
}

// Normalize applies defaults for unset audit values.
func (a AuditConfig) Normalize() AuditConfig {
	if a.SampleTarget <= 0 || a.SampleTarget > 1 {
		a.SampleTarget = 0.07
	}
	if a.QueueDepth <= 0 {
		a.QueueDepth = 256
	}
	if a.Workers <= 0 {
		a.Workers = 2
	}
	return a
}

func (a AuditConfig) Validate() error {
	if a.SampleTarget <= 0 || a.SampleTarget > 1 {
		return fmt.Errorf("audit.sample_target must be in (0,1]")
	}
	if a.QueueDepth <= 0 {
		return fmt.Errorf("audit.queue_depth must be > 0")
	}
	return nil
}

// DiagnosisConfig tunes the shadow-teacher comparator.
type DiagnosisConfig struct {
	// OracleTimeout is the hard deadline on a counterfactual run; on
	// expiry the audit degrades to no diagnosis rather than retrying.
	OracleTimeout time.Duration `mapstructure:"oracle_timeout"`
	// ConfidenceThreshold below which a diagnosis is discarded and no
	// patch is created.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
}

// Normalize applies defaults for unset diagnosis values.
func (d DiagnosisConfig) Normalize() DiagnosisConfig {
	if d.OracleTimeout <= 0 {
		d.OracleTimeout = 30 * time.Second
	}
	if d.ConfidenceThreshold <= 0 {
		d.ConfidenceThreshold = 0.5
	}
	return d
}

// PatchesConfig tunes the tiered patch store.
type PatchesConfig struct {
	// CacheCapacity bounds the CACHE tier entry count.
	CacheCapacity int `mapstructure:"cache_capacity"`
	// ArchiveTopK caps similarity-search augmentation per read.
	ArchiveTopK int `mapstructure:"archive_top_k"`
	// PromoteHits and PromoteWindow: a CACHE patch exceeding
	// PromoteHits within the window is promoted to KERNEL.
	PromoteHits   int64         `mapstructure:"promote_hits"`
	PromoteWindow time.Duration `mapstructure:"promote_window"`
	// DemoteWindow: a KERNEL or CACHE patch with zero hits for the
	// window is demoted to ARCHIVE.
	DemoteWindow time.Duration `mapstructure:"demote_window"`
	// SweepCron schedules the promotion/demotion sweep.
	SweepCron string `mapstructure:"sweep_cron"`
	// ModelVersion tags newly created patches.
	ModelVersion string `mapstructure:"model_version"`
}

// Normalize applies defaults for unset patch-store values.
func (p PatchesConfig) Normalize() PatchesConfig {
	if p.CacheCapacity <= 0 {
		p.CacheCapacity = 10000
	}
	if p.ArchiveTopK <= 0 {
		p.ArchiveTopK = 3
	}
	if p.PromoteHits <= 0 {
		p.PromoteHits = 10
	}
	if p.PromoteWindow <= 0 {
		p.PromoteWindow = 7 * 24 * time.Hour
	}
	if p.DemoteWindow <= 0 {
		p.DemoteWindow = 30 * 24 * time.Hour
	}
	if strings.TrimSpace(p.SweepCron) == "" {
		p.SweepCron = "0 * * * *"
	}
	return p
}

func (p PatchesConfig) Validate() error {
	if strings.TrimSpace(p.ModelVersion) == "" {
		return fmt.Errorf("patches.model_version is required")
	}
	if p.PromoteWindow >= p.DemoteWindow {
		return fmt.Errorf("patches.promote_window must be shorter than demote_window")
	}
	return nil
}

// StorageConfig groups backing stores.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a connection string from the individual fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// EventStream is the alignment event stream key.
	EventStream string `mapstructure:"event_stream"`
	// EventStreamMaxLen bounds the stream via approximate trimming.
	EventStreamMaxLen int64 `mapstructure:"event_stream_max_len"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file, applying env overrides (MENDLOOP_*).
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "60s")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("audit.sample_target", 0.07)
	viper.SetDefault("audit.queue_depth", 256)
	viper.SetDefault("audit.workers", 2)
	viper.SetDefault("diagnosis.oracle_timeout", "30s")
	viper.SetDefault("diagnosis.confidence_threshold", 0.5)
	viper.SetDefault("patches.cache_capacity", 10000)
	viper.SetDefault("patches.archive_top_k", 3)
	viper.SetDefault("patches.promote_hits", 10)
	viper.SetDefault("patches.promote_window", "168h")
	viper.SetDefault("patches.demote_window", "720h")
	viper.SetDefault("patches.sweep_cron", "0 * * * *")
	viper.SetDefault("storage.redis.event_stream", "mendloop.alignment.events")
	viper.SetDefault("storage.redis.event_stream_max_len", 100000)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("MENDLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Audit = config.Audit.Normalize()
	config.Diagnosis = config.Diagnosis.Normalize()
	config.Patches = config.Patches.Normalize()
	return &config
}

// Validate runs all section validators.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Audit.Validate(); err != nil {
		return err
	}
	if err := c.Patches.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Redis.Validate(); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}
