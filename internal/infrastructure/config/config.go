package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/ratelimit"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Quota     QuotaConfig
	RateLimit RateLimitConfig
	Tracking  TrackingConfig
	Tiers     TiersConfig
	Stripe    StripeConfig
	Storage   StorageConfig
	Statement StatementConfig
	Scheduler SchedulerConfig
	Swagger   SwaggerConfig
	Telemetry TelemetryConfig
	Profiling ProfilingConfig
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

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres or sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	FilePath        string // sqlite only
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// AuthConfig holds token verification settings
type AuthConfig struct {
	JWTSecret             string
	JWTIssuer             string
	AccessTokenExpiration time.Duration
	AdminAPIKeyHash       string // bcrypt hash; empty disables the admin surface
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

// QuotaConfig holds tier limit evaluation settings
type QuotaConfig struct {
	GracePeriod         time.Duration // how long over-limit usage stays admitted after a downgrade
	EntitlementCacheTTL time.Duration // bounds staleness of cached subscription state
}

// RateLimitConfig holds per-tenant rate limiting settings.
// Rules maps action names to their rule; an empty map means the
// built-in defaults apply.
type RateLimitConfig struct {
	Enabled   bool
	KeyPrefix string
	Rules     map[string]ratelimit.Rule
}

// RuleTable builds the effective rule table, falling back to the
// built-in defaults when no rules are configured.
func (r *RateLimitConfig) RuleTable() (*ratelimit.RuleTable, error) {
	if len(r.Rules) == 0 {
		return ratelimit.DefaultRuleTable(), nil
	}
	rules := make(map[metering.ActionKind]ratelimit.Rule, len(r.Rules))
	for name, rule := range r.Rules {
		rules[metering.ActionKind(name)] = rule
	}
	return ratelimit.NewRuleTable(rules)
}

// TrackingConfig holds usage event validation and buffering settings
type TrackingConfig struct {
	MaxQuantity            int64
	MaxMetadataBytes       int
	MaxEventAge            time.Duration
	ClockSkewTolerance     time.Duration
	IdempotencyTTL         time.Duration
	UnhealthyAfterFailures int64
	BufferSize             int
	BatchSize              int
	FlushInterval          time.Duration
}

// ValidationRules converts the configured bounds into domain validation rules
func (t *TrackingConfig) ValidationRules() metering.ValidationRules {
	return metering.ValidationRules{
		MaxQuantity:        t.MaxQuantity,
		MaxMetadataBytes:   t.MaxMetadataBytes,
		MaxEventAge:        t.MaxEventAge,
		ClockSkewTolerance: t.ClockSkewTolerance,
	}
}

// TiersConfig holds per-tier limit overrides.
// Limits maps tier names to limit sets; an empty map means the
// built-in tier table applies.
type TiersConfig struct {
	Limits map[string]billing.LimitSet
}

// Table builds the effective tier table, falling back to the built-in
// defaults when no limits are configured.
func (t *TiersConfig) Table() (*billing.TierTable, error) {
	if len(t.Limits) == 0 {
		return billing.DefaultTierTable(), nil
	}
	limits := make(map[billing.Tier]billing.LimitSet, len(t.Limits))
	for name, set := range t.Limits {
		tier, err := billing.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("tiers.limits: %w", err)
		}
		limits[tier] = set
	}
	return billing.NewTierTable(limits)
}

// StripeConfig holds billing provider settings
type StripeConfig struct {
	Enabled                bool
	SecretKey              string
	PublishableKey         string
	WebhookSecret          string
	IsTestMode             bool
	DefaultCurrency        string
	PriceIDs               map[string]string // tier name -> Stripe price ID
	SuccessURL             string
	CancelURL              string
	BillingPortalReturnURL string
}

// StorageConfig holds object storage settings for the storage reconciler
type StorageConfig struct {
	Enabled      bool
	Bucket       string
	AccessKey    string
	SecretKey    string
	Endpoint     string // empty for AWS S3, set for MinIO or compatible stores
	Region       string
	UseSSL       bool
	UsePathStyle bool
}

// StatementConfig holds usage statement rendering settings
type StatementConfig struct {
	Engine    string // "", "chromedp", or "wkhtmltopdf"; empty renders HTML only
	BasePath  string
	BaseURL   string
	Retention time.Duration // 0 keeps statements indefinitely
}

// SchedulerConfig holds background job scheduling configuration
type SchedulerConfig struct {
	Enabled                bool
	SnapshotHourUTC        int           // hour of day the daily snapshot job runs
	ReportingRetryInterval time.Duration // retry cadence for failed report deliveries
	SyncInterval           time.Duration // subscription re-sync cadence
	ReconcileInterval      time.Duration // storage reconciliation cadence
	StatementDayOfMonth    int           // day of month the statement job runs
	StatementHourUTC       int           // hour of day the statement job runs
	LedgerRetention        time.Duration // 0 disables ledger pruning
	JobTimeout             time.Duration
}

// SwaggerConfig holds Swagger documentation endpoint configuration
type SwaggerConfig struct {
	Enabled     bool     // Whether to enable Swagger endpoint
	RequireAuth bool     // Require authentication to access Swagger
	AllowedIPs  []string // IP whitelist (empty = allow all)
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only, disable in prod for security)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
}

// ProfilingConfig holds Pyroscope continuous profiling settings
type ProfilingConfig struct {
	Enabled           bool   // Whether to enable continuous profiling
	ServerAddress     string // Pyroscope server address (e.g., "http://pyroscope:4040")
	ApplicationName   string // Application name for profiles (defaults to app.name)
	ProfileCPU        bool
	ProfileAllocSpace bool
	ProfileInuseSpace bool
	ProfileGoroutines bool
	SpanProfiles      bool // Associate CPU profiles with trace spans (needs telemetry enabled)
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with METERING_ prefix (e.g., METERING_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set config file settings
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Enable environment variable override
	v.SetEnvPrefix("METERING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans that default to true need an explicit viper default,
	// since a zero-value bool cannot tell "unset" from "false"
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("profiling.profile_cpu", true)

	// Build config struct
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			FilePath:        v.GetString("database.file_path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			JWTSecret:             v.GetString("auth.jwt_secret"),
			JWTIssuer:             v.GetString("auth.jwt_issuer"),
			AccessTokenExpiration: v.GetDuration("auth.access_token_expiration"),
			AdminAPIKeyHash:       v.GetString("auth.admin_api_key_hash"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
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
		Quota: QuotaConfig{
			GracePeriod:         v.GetDuration("quota.grace_period"),
			EntitlementCacheTTL: v.GetDuration("quota.entitlement_cache_ttl"),
		},
		RateLimit: RateLimitConfig{
			Enabled:   v.GetBool("ratelimit.enabled"),
			KeyPrefix: v.GetString("ratelimit.key_prefix"),
		},
		Tracking: TrackingConfig{
			MaxQuantity:            v.GetInt64("tracking.max_quantity"),
			MaxMetadataBytes:       v.GetInt("tracking.max_metadata_bytes"),
			MaxEventAge:            v.GetDuration("tracking.max_event_age"),
			ClockSkewTolerance:     v.GetDuration("tracking.clock_skew_tolerance"),
			IdempotencyTTL:         v.GetDuration("tracking.idempotency_ttl"),
			UnhealthyAfterFailures: v.GetInt64("tracking.unhealthy_after_failures"),
			BufferSize:             v.GetInt("tracking.buffer_size"),
			BatchSize:              v.GetInt("tracking.batch_size"),
			FlushInterval:          v.GetDuration("tracking.flush_interval"),
		},
		Stripe: StripeConfig{
			Enabled:                v.GetBool("stripe.enabled"),
			SecretKey:              v.GetString("stripe.secret_key"),
			PublishableKey:         v.GetString("stripe.publishable_key"),
			WebhookSecret:          v.GetString("stripe.webhook_secret"),
			IsTestMode:             v.GetBool("stripe.is_test_mode"),
			DefaultCurrency:        v.GetString("stripe.default_currency"),
			SuccessURL:             v.GetString("stripe.success_url"),
			CancelURL:              v.GetString("stripe.cancel_url"),
			BillingPortalReturnURL: v.GetString("stripe.billing_portal_return_url"),
		},
		Storage: StorageConfig{
			Enabled:      v.GetBool("storage.enabled"),
			Bucket:       v.GetString("storage.bucket"),
			AccessKey:    v.GetString("storage.access_key"),
			SecretKey:    v.GetString("storage.secret_key"),
			Endpoint:     v.GetString("storage.endpoint"),
			Region:       v.GetString("storage.region"),
			UseSSL:       v.GetBool("storage.use_ssl"),
			UsePathStyle: v.GetBool("storage.use_path_style"),
		},
		Statement: StatementConfig{
			Engine:    v.GetString("statement.engine"),
			BasePath:  v.GetString("statement.base_path"),
			BaseURL:   v.GetString("statement.base_url"),
			Retention: v.GetDuration("statement.retention"),
		},
		Scheduler: SchedulerConfig{
			Enabled:                v.GetBool("scheduler.enabled"),
			SnapshotHourUTC:        v.GetInt("scheduler.snapshot_hour_utc"),
			ReportingRetryInterval: v.GetDuration("scheduler.reporting_retry_interval"),
			SyncInterval:           v.GetDuration("scheduler.sync_interval"),
			ReconcileInterval:      v.GetDuration("scheduler.reconcile_interval"),
			StatementDayOfMonth:    v.GetInt("scheduler.statement_day_of_month"),
			StatementHourUTC:       v.GetInt("scheduler.statement_hour_utc"),
			LedgerRetention:        v.GetDuration("scheduler.ledger_retention"),
			JobTimeout:             v.GetDuration("scheduler.job_timeout"),
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
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
		Profiling: ProfilingConfig{
			Enabled:           v.GetBool("profiling.enabled"),
			ServerAddress:     v.GetString("profiling.server_address"),
			ApplicationName:   v.GetString("profiling.application_name"),
			ProfileCPU:        v.GetBool("profiling.profile_cpu"),
			ProfileAllocSpace: v.GetBool("profiling.profile_alloc_space"),
			ProfileInuseSpace: v.GetBool("profiling.profile_inuse_space"),
			ProfileGoroutines: v.GetBool("profiling.profile_goroutines"),
			SpanProfiles:      v.GetBool("profiling.span_profiles"),
		},
	}

	// Structured tables come from the config file only; environment
	// variables cannot express nested maps
	if err := v.UnmarshalKey("ratelimit.rules", &cfg.RateLimit.Rules); err != nil {
		return nil, fmt.Errorf("error parsing ratelimit.rules: %w", err)
	}
	if err := v.UnmarshalKey("tiers.limits", &cfg.Tiers.Limits); err != nil {
		return nil, fmt.Errorf("error parsing tiers.limits: %w", err)
	}
	if err := v.UnmarshalKey("stripe.price_ids", &cfg.Stripe.PriceIDs); err != nil {
		return nil, fmt.Errorf("error parsing stripe.price_ids: %w", err)
	}

	// Apply defaults for empty values
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "briefly-metering"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "metering"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.FilePath == "" {
		cfg.Database.FilePath = "data/metering.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Auth.AccessTokenExpiration == 0 {
		cfg.Auth.AccessTokenExpiration = 15 * time.Minute
	}
	if cfg.Auth.JWTIssuer == "" {
		cfg.Auth.JWTIssuer = "briefly-cloud"
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
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	// NOTE: CORS origins are intentionally not given a default fallback to "*".
	// An empty list means no cross-origin requests are allowed until explicitly configured.
	// This is a secure default - applications MUST configure allowed origins explicitly.
	// In development, use config.toml to set specific origins like ["http://localhost:3000"]
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID", "X-Tenant-ID", "Idempotency-Key"}
	}
	if cfg.Quota.GracePeriod == 0 {
		cfg.Quota.GracePeriod = 7 * 24 * time.Hour
	}
	if cfg.Quota.EntitlementCacheTTL == 0 {
		cfg.Quota.EntitlementCacheTTL = billing.DefaultEntitlementsCacheConfig().TTL
	}
	if cfg.RateLimit.KeyPrefix == "" {
		cfg.RateLimit.KeyPrefix = "metering:"
	}
	if cfg.Tracking.MaxQuantity == 0 {
		cfg.Tracking.MaxQuantity = metering.DefaultValidationRules().MaxQuantity
	}
	if cfg.Tracking.MaxMetadataBytes == 0 {
		cfg.Tracking.MaxMetadataBytes = metering.DefaultValidationRules().MaxMetadataBytes
	}
	if cfg.Tracking.MaxEventAge == 0 {
		cfg.Tracking.MaxEventAge = 72 * time.Hour
	}
	if cfg.Tracking.ClockSkewTolerance == 0 {
		cfg.Tracking.ClockSkewTolerance = 5 * time.Minute
	}
	if cfg.Tracking.IdempotencyTTL == 0 {
		cfg.Tracking.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Tracking.UnhealthyAfterFailures == 0 {
		cfg.Tracking.UnhealthyAfterFailures = 3
	}
	if cfg.Tracking.BufferSize == 0 {
		cfg.Tracking.BufferSize = 1000
	}
	if cfg.Tracking.BatchSize == 0 {
		cfg.Tracking.BatchSize = 100
	}
	if cfg.Tracking.FlushInterval == 0 {
		cfg.Tracking.FlushInterval = 5 * time.Second
	}
	if cfg.Stripe.DefaultCurrency == "" {
		cfg.Stripe.DefaultCurrency = "usd"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Statement.BasePath == "" {
		cfg.Statement.BasePath = "/data/statements"
	}
	if cfg.Statement.BaseURL == "" {
		cfg.Statement.BaseURL = "/api/v1/usage/statements/files"
	}
	if cfg.Scheduler.SnapshotHourUTC == 0 {
		cfg.Scheduler.SnapshotHourUTC = 2
	}
	if cfg.Scheduler.ReportingRetryInterval == 0 {
		cfg.Scheduler.ReportingRetryInterval = 15 * time.Minute
	}
	if cfg.Scheduler.SyncInterval == 0 {
		cfg.Scheduler.SyncInterval = 6 * time.Hour
	}
	if cfg.Scheduler.ReconcileInterval == 0 {
		cfg.Scheduler.ReconcileInterval = 24 * time.Hour
	}
	if cfg.Scheduler.StatementDayOfMonth == 0 {
		cfg.Scheduler.StatementDayOfMonth = 1
	}
	if cfg.Scheduler.StatementHourUTC == 0 {
		cfg.Scheduler.StatementHourUTC = 4
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = 30 * time.Minute
	}
	// Note: Scheduler.LedgerRetention defaults to 0 (no pruning); raw
	// usage events stay until an operator opts into retention

	// Telemetry defaults
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0 // 100% in development
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "briefly-metering"
	}
	// Note: Insecure defaults to false for safety (TLS enabled by default)
	// Database tracing defaults - enabled by default when telemetry is enabled
	// DBTraceEnabled defaults to false (needs explicit enable)
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}

	// Profiling defaults
	if cfg.Profiling.ApplicationName == "" {
		cfg.Profiling.ApplicationName = cfg.App.Name
	}
	// Note: DBLogFullSQL defaults to false for security (disable in production)
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be 'postgres' or 'sqlite', got %q", c.Database.Driver)
	}

	// Validate connection pool settings
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	// Downgrade grace is load-bearing for admission decisions; a
	// non-positive value would flip every downgraded tenant to hard
	// denial without warning
	if c.Quota.GracePeriod <= 0 {
		return fmt.Errorf("quota.grace_period must be positive")
	}

	if c.Tracking.BatchSize > c.Tracking.BufferSize {
		return fmt.Errorf("tracking.batch_size (%d) cannot exceed tracking.buffer_size (%d)",
			c.Tracking.BatchSize, c.Tracking.BufferSize)
	}

	// Structured tables are validated at load so a bad rule fails
	// startup instead of the first admission check
	if _, err := c.RateLimit.RuleTable(); err != nil {
		return fmt.Errorf("ratelimit.rules: %w", err)
	}
	if _, err := c.Tiers.Table(); err != nil {
		return err
	}

	if c.Stripe.Enabled && c.Stripe.SecretKey == "" {
		return fmt.Errorf("stripe.secret_key is required when stripe.enabled is true")
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required when storage.enabled is true")
	}

	switch c.Statement.Engine {
	case "", "chromedp", "wkhtmltopdf":
	default:
		return fmt.Errorf("statement.engine must be '', 'chromedp', or 'wkhtmltopdf', got %q", c.Statement.Engine)
	}

	if c.Scheduler.SnapshotHourUTC < 0 || c.Scheduler.SnapshotHourUTC > 23 {
		return fmt.Errorf("scheduler.snapshot_hour_utc must be between 0 and 23, got %d", c.Scheduler.SnapshotHourUTC)
	}
	if c.Scheduler.StatementHourUTC < 0 || c.Scheduler.StatementHourUTC > 23 {
		return fmt.Errorf("scheduler.statement_hour_utc must be between 0 and 23, got %d", c.Scheduler.StatementHourUTC)
	}
	if c.Scheduler.StatementDayOfMonth < 1 || c.Scheduler.StatementDayOfMonth > 28 {
		return fmt.Errorf("scheduler.statement_day_of_month must be between 1 and 28, got %d", c.Scheduler.StatementDayOfMonth)
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("database.driver must be 'postgres' in production")
		}
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required in production")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		// CORS must not use wildcard with credentials
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		// Swagger must be disabled OR protected in production
		if c.Swagger.Enabled {
			if !c.Swagger.RequireAuth && len(c.Swagger.AllowedIPs) == 0 {
				return fmt.Errorf("swagger endpoint must be disabled, require authentication, or have IP restriction in production")
			}
		}
		// Database tracing: full SQL logging is a security risk in production
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	// Validate telemetry configuration (all environments)
	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.FilePath
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
