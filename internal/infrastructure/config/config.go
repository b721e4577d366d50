package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Log       LogConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Upstream  UpstreamConfig
	Kafka     KafkaConfig
	HTTP      HTTPConfig
	Auth      AuthConfig
	Swagger   SwaggerConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AllowInMemoryFallback lets the service start on in-process stores when Redis is down
	AllowInMemoryFallback bool
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Identity strategies
const (
	IDStrategyUUID = "uuid"
	IDStrategyULID = "ulid"
)

// Uniqueness guard strategies
const (
	UniquenessIndex = "index"
	UniquenessScan  = "scan"
)

// Missing-predecessor policies
const (
	MissingPredecessorInsert = "insert"
	MissingPredecessorReject = "reject"
)

// Entity codecs
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// CacheConfig holds the entity store settings
type CacheConfig struct {
	KeyPrefix           string        // prepended to every table name
	IDStrategy          string        // uuid, ulid
	Uniqueness          string        // index, scan
	MissingPredecessor  string        // insert, reject
	Codec               string        // json, cbor
	LocalTTL            time.Duration // lifetime of the in-process system date tier
	InvalidationChannel string        // Redis Pub/Sub channel for peer eviction
	IdempotencyTTL      time.Duration // how long handled event offsets are remembered
}

// UpstreamConfig holds the parameter service client settings
type UpstreamConfig struct {
	ProviderURI  string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
}

// GraphQLURL returns the parameter service GraphQL endpoint
func (u UpstreamConfig) GraphQLURL() string {
	return strings.TrimRight(u.ProviderURI, "/") + "/param/graphql"
}

// KafkaConfig holds the invalidation event consumer settings
type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	Topic      string
	GroupID    string
	AuditTopic string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string
}

// AuthConfig holds bearer token verification for the invalidation endpoints
type AuthConfig struct {
	Enabled bool
	Secret  string
	Issuer  string
}

// SwaggerConfig holds API documentation endpoint configuration
type SwaggerConfig struct {
	Enabled     bool
	RequireAuth bool     // reuse the admin bearer token check
	AllowedIPs  []string // CIDR notation supported, empty allows all
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	MetricsEnabled    bool
	MetricsInterval   time.Duration
	LogsEnabled       bool // also export zap entries over OTLP

	// Pyroscope continuous profiling
	ProfilingEnabled       bool
	ProfilingServerAddress string
	SpanProfilesEnabled    bool // tag CPU samples with the active span id
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with PARAMCACHE_ prefix (e.g., PARAMCACHE_REDIS_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration from an explicit file, or searches the default
// paths when file is empty
func LoadFrom(file string) (*Config, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/app")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("PARAMCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Redis: RedisConfig{
			Host:                  v.GetString("redis.host"),
			Port:                  v.GetInt("redis.port"),
			Password:              v.GetString("redis.password"),
			DB:                    v.GetInt("redis.db"),
			DialTimeout:           v.GetDuration("redis.dial_timeout"),
			ReadTimeout:           v.GetDuration("redis.read_timeout"),
			WriteTimeout:          v.GetDuration("redis.write_timeout"),
			AllowInMemoryFallback: v.GetBool("redis.allow_in_memory_fallback"),
		},
		Cache: CacheConfig{
			KeyPrefix:           v.GetString("cache.key_prefix"),
			IDStrategy:          strings.ToLower(v.GetString("cache.id_strategy")),
			Uniqueness:          strings.ToLower(v.GetString("cache.uniqueness")),
			MissingPredecessor:  strings.ToLower(v.GetString("cache.missing_predecessor")),
			Codec:               strings.ToLower(v.GetString("cache.codec")),
			LocalTTL:            v.GetDuration("cache.local_ttl"),
			InvalidationChannel: v.GetString("cache.invalidation_channel"),
			IdempotencyTTL:      v.GetDuration("cache.idempotency_ttl"),
		},
		Upstream: UpstreamConfig{
			ProviderURI:  v.GetString("upstream.provider_uri"),
			ClientID:     v.GetString("upstream.client_id"),
			ClientSecret: v.GetString("upstream.client_secret"),
			TokenURL:     v.GetString("upstream.token_url"),
			Scopes:       v.GetStringSlice("upstream.scopes"),
			Timeout:      v.GetDuration("upstream.timeout"),
		},
		Kafka: KafkaConfig{
			Enabled:    v.GetBool("kafka.enabled"),
			Brokers:    v.GetStringSlice("kafka.brokers"),
			Topic:      v.GetString("kafka.topic"),
			GroupID:    v.GetString("kafka.group_id"),
			AuditTopic: v.GetString("kafka.audit_topic"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders: v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
		},
		Auth: AuthConfig{
			Enabled: v.GetBool("auth.enabled"),
			Secret:  v.GetString("auth.secret"),
			Issuer:  v.GetString("auth.issuer"),
		},
		Swagger: SwaggerConfig{
			Enabled:     v.GetBool("swagger.enabled"),
			RequireAuth: v.GetBool("swagger.require_auth"),
			AllowedIPs:  v.GetStringSlice("swagger.allowed_ips"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),

			ProfilingEnabled:       v.GetBool("telemetry.profiling_enabled"),
			ProfilingServerAddress: v.GetString("telemetry.profiling_server_address"),
			SpanProfilesEnabled:    v.GetBool("telemetry.span_profiles_enabled"),
		},
	}

	// Redis fallback defaults to on unless explicitly set
	if !v.IsSet("redis.allow_in_memory_fallback") {
		cfg.Redis.AllowInMemoryFallback = true
	}

	// API docs are served by default everywhere but production
	if !v.IsSet("swagger.enabled") {
		cfg.Swagger.Enabled = cfg.App.Env != "production"
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "paramcache"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}
	if cfg.Cache.IDStrategy == "" {
		cfg.Cache.IDStrategy = IDStrategyUUID
	}
	if cfg.Cache.Uniqueness == "" {
		cfg.Cache.Uniqueness = UniquenessIndex
	}
	if cfg.Cache.MissingPredecessor == "" {
		cfg.Cache.MissingPredecessor = MissingPredecessorInsert
	}
	if cfg.Cache.Codec == "" {
		cfg.Cache.Codec = CodecJSON
	}
	if cfg.Cache.LocalTTL == 0 {
		cfg.Cache.LocalTTL = 10 * time.Minute
	}
	if cfg.Cache.InvalidationChannel == "" {
		cfg.Cache.InvalidationChannel = "paramcache:invalidate"
	}
	if cfg.Cache.IdempotencyTTL == 0 {
		cfg.Cache.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Upstream.ProviderURI == "" {
		cfg.Upstream.ProviderURI = "http://localhost:8081"
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 10 * time.Second
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "param-service"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "paramcache"
	}
	if cfg.Kafka.AuditTopic == "" {
		cfg.Kafka.AuditTopic = "audit-service"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID"}
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "paramcache"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "paramcache"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if cfg.Telemetry.ProfilingServerAddress == "" {
		cfg.Telemetry.ProfilingServerAddress = "http://localhost:4040"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if !slices.Contains([]string{IDStrategyUUID, IDStrategyULID}, c.Cache.IDStrategy) {
		return fmt.Errorf("cache.id_strategy must be %q or %q, got %q", IDStrategyUUID, IDStrategyULID, c.Cache.IDStrategy)
	}
	if !slices.Contains([]string{UniquenessIndex, UniquenessScan}, c.Cache.Uniqueness) {
		return fmt.Errorf("cache.uniqueness must be %q or %q, got %q", UniquenessIndex, UniquenessScan, c.Cache.Uniqueness)
	}
	if !slices.Contains([]string{MissingPredecessorInsert, MissingPredecessorReject}, c.Cache.MissingPredecessor) {
		return fmt.Errorf("cache.missing_predecessor must be %q or %q, got %q",
			MissingPredecessorInsert, MissingPredecessorReject, c.Cache.MissingPredecessor)
	}
	if !slices.Contains([]string{CodecJSON, CodecCBOR}, c.Cache.Codec) {
		return fmt.Errorf("cache.codec must be %q or %q, got %q", CodecJSON, CodecCBOR, c.Cache.Codec)
	}
	if _, err := url.ParseRequestURI(c.Upstream.ProviderURI); err != nil {
		return fmt.Errorf("upstream.provider_uri is invalid: %w", err)
	}
	if c.Upstream.ClientID != "" && c.Upstream.TokenURL == "" {
		return fmt.Errorf("upstream.token_url is required when upstream.client_id is set")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required when auth is enabled")
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if !c.Auth.Enabled {
			return fmt.Errorf("auth.enabled must be true in production")
		}
		if len(c.Auth.Secret) < 32 {
			return fmt.Errorf("auth.secret must be at least 32 characters in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.Swagger.Enabled && !c.Swagger.RequireAuth && len(c.Swagger.AllowedIPs) == 0 {
			return fmt.Errorf("swagger endpoint must be disabled, require authentication, or have IP restriction in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	if c.Telemetry.ProfilingEnabled {
		if _, err := url.ParseRequestURI(c.Telemetry.ProfilingServerAddress); err != nil {
			return fmt.Errorf("telemetry.profiling_server_address is invalid: %w", err)
		}
	}

	return nil
}
