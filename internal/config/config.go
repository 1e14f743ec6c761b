package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Dialer    DialerConfig    `mapstructure:"dialer"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	StreamKeepAlive time.Duration `mapstructure:"stream_keep_alive"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthQuery     string        `mapstructure:"health_query"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	ProgressTopic     string        `mapstructure:"progress_topic"`
	ConsumerGroupID   string        `mapstructure:"consumer_group_id"`
	CommitInterval    time.Duration `mapstructure:"commit_interval"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	ServiceName       string        `mapstructure:"service_name"`
	SampleRatio       float64       `mapstructure:"sample_ratio"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
	TracingEnabled    bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CollectorProtocol string        `mapstructure:"collector_protocol"`
}

// SchedulerConfig drives the background sweeper.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// ThrottleConfig bounds concurrent prospect legs across all runs.
type ThrottleConfig struct {
	GlobalLines int           `mapstructure:"global_lines"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	Key         string        `mapstructure:"key"`
}

// ProviderConfig selects and configures the call-control provider.
type ProviderConfig struct {
	Name               string        `mapstructure:"name"`
	AccountSID         string        `mapstructure:"account_sid"`
	AuthToken          string        `mapstructure:"auth_token"`
	CallbackBaseURL    string        `mapstructure:"callback_base_url"`
	ValidateSignatures bool          `mapstructure:"validate_signatures"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MockFailureRate    float64       `mapstructure:"mock_failure_rate"`
}

type DialerConfig struct {
	FromLines          []string      `mapstructure:"from_lines"`
	DefaultMaxLines    int           `mapstructure:"default_max_lines"`
	MaxLinesCap        int           `mapstructure:"max_lines_cap"`
	RingTimeout        time.Duration `mapstructure:"ring_timeout"`
	Retention          time.Duration `mapstructure:"retention"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	FatalFailureStreak int           `mapstructure:"fatal_failure_streak"`
	RegistryBackend    string        `mapstructure:"registry_backend"`
	RegistryTTL        time.Duration `mapstructure:"registry_ttl"`
	SubscriberBuffer   int           `mapstructure:"subscriber_buffer"`
	SinkBuffer         int           `mapstructure:"sink_buffer"`
	Bridge             BridgeConfig  `mapstructure:"bridge"`
	AMD                AMDConfig     `mapstructure:"amd"`
}

type BridgeConfig struct {
	Strategy      string `mapstructure:"strategy"`
	AgentEndpoint string `mapstructure:"agent_endpoint"`
}

// AMDConfig controls answering machine detection. Timeout bounds how long an
// answered winner waits for a verdict before it is treated as unknown.
type AMDConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	GateBridge     bool          `mapstructure:"gate_bridge"`
	UnknownAsHuman bool          `mapstructure:"unknown_as_human"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ArchiveConfig controls the S3 run report archive.
type ArchiveConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	Prefix       string `mapstructure:"prefix"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DIALER")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("provider.name", "mock")
	v.SetDefault("dialer.amd.enabled", true)
	v.SetDefault("dialer.amd.gate_bridge", true)
	v.SetDefault("dialer.amd.unknown_as_human", true)
	v.SetDefault("dialer.bridge.strategy", "conference")
	v.SetDefault("dialer.registry_backend", "memory")
}

// Normalize fills zero values with working defaults.
func (c *Config) Normalize() {
	d := &c.Dialer
	if d.DefaultMaxLines <= 0 {
		d.DefaultMaxLines = 3
	}
	if d.MaxLinesCap <= 0 {
		d.MaxLinesCap = 10
	}
	if d.RingTimeout <= 0 {
		d.RingTimeout = 45 * time.Second
	}
	if d.Retention <= 0 {
		d.Retention = 24 * time.Hour
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 2
	}
	if d.FatalFailureStreak <= 0 {
		d.FatalFailureStreak = 5
	}
	if d.RegistryBackend == "" {
		d.RegistryBackend = "memory"
	}
	if d.RegistryTTL <= 0 {
		d.RegistryTTL = 6 * time.Hour
	}
	if d.SubscriberBuffer <= 0 {
		d.SubscriberBuffer = 64
	}
	if d.SinkBuffer <= 0 {
		d.SinkBuffer = 1024
	}
	if d.Bridge.Strategy == "" {
		d.Bridge.Strategy = "conference"
	}
	if d.AMD.Timeout <= 0 {
		d.AMD.Timeout = 30 * time.Second
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = 5 * time.Second
	}
	if c.Throttle.LockTTL <= 0 {
		c.Throttle.LockTTL = 5 * time.Minute
	}
	if c.Throttle.Key == "" {
		c.Throttle.Key = "account"
	}
	if c.Provider.RequestTimeout <= 0 {
		c.Provider.RequestTimeout = 10 * time.Second
	}
	if c.Kafka.ProgressTopic == "" {
		c.Kafka.ProgressTopic = "dialer.progress"
	}
	if c.Kafka.Partitions <= 0 {
		c.Kafka.Partitions = 3
	}
	if c.HTTP.StreamKeepAlive <= 0 {
		c.HTTP.StreamKeepAlive = 15 * time.Second
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "dialer-runs"
	}
}

// Validate rejects configurations the dialer cannot run with.
func (c *Config) Validate() error {
	d := c.Dialer
	if d.DefaultMaxLines > d.MaxLinesCap {
		return fmt.Errorf("config: dialer.default_max_lines %d exceeds max_lines_cap %d", d.DefaultMaxLines, d.MaxLinesCap)
	}
	switch d.Bridge.Strategy {
	case "direct", "conference":
	default:
		return fmt.Errorf("config: unknown dialer.bridge.strategy %q", d.Bridge.Strategy)
	}
	if d.Bridge.Strategy == "conference" && d.Bridge.AgentEndpoint == "" {
		return fmt.Errorf("config: dialer.bridge.agent_endpoint is required for conference bridging")
	}
	switch d.RegistryBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown dialer.registry_backend %q", d.RegistryBackend)
	}
	switch c.Provider.Name {
	case "mock":
	case "twilio":
		if c.Provider.AccountSID == "" || c.Provider.AuthToken == "" {
			return fmt.Errorf("config: twilio provider requires account_sid and auth_token")
		}
		if c.Provider.CallbackBaseURL == "" {
			return fmt.Errorf("config: twilio provider requires callback_base_url")
		}
		if len(d.FromLines) == 0 {
			return fmt.Errorf("config: dialer.from_lines must list at least one caller id")
		}
	default:
		return fmt.Errorf("config: unknown provider.name %q", c.Provider.Name)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("config: archive.bucket is required when archive is enabled")
	}
	return nil
}
