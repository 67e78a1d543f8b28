// Package config provides application configuration loaded from an optional
// per-environment YAML file, a .env file, and environment variables, in that
// order of increasing precedence. It centralizes server, logging, Redis,
// database, queue, pipeline, outbox, and observability settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Application environments selected by APP_ENV.
const (
	EnvLocal   = "LOCAL"
	EnvDebug   = "DEBUG"
	EnvProd    = "PROD"
	EnvRelease = "RELEASE"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool          `yaml:"enable_hsts"`
	HSTSMaxAge time.Duration `yaml:"hsts_max_age"`
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    `yaml:"enabled"`      // OTEL_ENABLED
	Endpoint    string  `yaml:"endpoint"`     // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    `yaml:"insecure"`     // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  `yaml:"service_name"` // OTEL_SERVICE_NAME
	SampleRatio float64 `yaml:"sample_ratio"` // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// LogConfig defines the log sinks.
type LogConfig struct {
	Level      string `yaml:"level"`  // FATAL|ERROR|WARN|INFO|DEBUG|TRACE|ALL
	Pretty     bool   `yaml:"pretty"` // console writer instead of JSON on stdout
	File       string `yaml:"file"`   // rotated file sink; empty disables it
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	BufferSize int    `yaml:"buffer_size"` // async ring buffer entries
}

// RedisConfig defines the shared Redis connection pool.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
	App         string        `yaml:"app"` // first segment of the key namespace
}

// DatabaseConfig defines the global pool and the shard pool defaults.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // mysql|sqlite
	GlobalDSN       string        `yaml:"global_dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// SessionConfig defines session and sequence TTLs.
type SessionConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	CounterTTL time.Duration `yaml:"counter_ttl"`
	MemoTTL    time.Duration `yaml:"memo_ttl"`
}

// LockConfig defines distributed lock defaults.
type LockConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// StateConfig defines TTLs of state machine keys.
type StateConfig struct {
	MessageTTL time.Duration `yaml:"message_ttl"`
	RoomTTL    time.Duration `yaml:"room_ttl"`
}

// QueueConfig defines the partitioned queue behavior.
type QueueConfig struct {
	Partitions   int           `yaml:"partitions"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	RetentionTTL time.Duration `yaml:"retention_ttl"`
}

// PipelineConfig defines chat persistence batching.
type PipelineConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	BatchInterval  time.Duration `yaml:"batch_interval"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	MaxContentRune int           `yaml:"max_content_runes"`
}

// OutboxConfig defines the outbox publisher.
type OutboxConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	LimitPerShard int           `yaml:"limit_per_shard"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetentionDays int           `yaml:"retention_days"`
	CleanupCron   string        `yaml:"cleanup_cron"`
}

// AssistantConfig selects the AI orchestrator used by the stream endpoint.
type AssistantConfig struct {
	Mode          string        `yaml:"mode"`           // echo|knowledge
	KnowledgeFile string        `yaml:"knowledge_file"` // markdown notes for knowledge mode
	TopK          int           `yaml:"top_k"`
	TokenDelay    time.Duration `yaml:"token_delay"`
	MaxReplyRunes int           `yaml:"max_reply_runes"`
}

// Config holds all configuration values for the application.
type Config struct {
	AppEnv string `yaml:"-"` // LOCAL|DEBUG|PROD|RELEASE

	// Server
	Port              string        `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	GinMode           string        `yaml:"gin_mode"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// Logging / Docs
	Log            LogConfig `yaml:"log"`
	SwaggerEnabled bool      `yaml:"swagger_enabled"`
	APIBasePath    string    `yaml:"api_base_path"`

	// Rate limiting
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`

	// Web protection
	CORS     CORSConfig     `yaml:"cors"`
	Security SecurityConfig `yaml:"security"`

	// Core
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	Lock     LockConfig     `yaml:"lock"`
	State    StateConfig    `yaml:"state"`
	Queue    QueueConfig    `yaml:"queue"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Outbox   OutboxConfig   `yaml:"outbox"`

	// AI collaborator
	Assistant AssistantConfig `yaml:"assistant"`

	// Observability
	OTEL OTELConfig `yaml:"otel"`
}

// KeyPrefix returns the Redis namespace "app:<env>:".
func (c Config) KeyPrefix() string {
	return c.Redis.App + ":" + strings.ToLower(c.AppEnv) + ":"
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration using the process arguments as the command-line
// fallback for app_env and logLevel.
func Load() (Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs reads .env, resolves the environment, overlays the environment's
// YAML file (if present) and then environment variables on top of defaults,
// normalizes values, and validates the result.
func LoadArgs(args []string) (Config, error) {
	// A missing .env is normal outside of local development.
	_ = godotenv.Load()

	cfg := defaults()
	cfg.AppEnv = resolveAppEnv(args)

	if err := overlayFile(&cfg); err != nil {
		return cfg, err
	}
	overlayEnv(&cfg)

	if lvl := argValue(args, "logLevel"); lvl != "" && os.Getenv("LOG_LEVEL") == "" {
		cfg.Log.Level = lvl
	}

	// --- normalization ---
	cfg.Log.Level = strings.ToUpper(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "WARNING" {
		cfg.Log.Level = "WARN"
	}
	cfg.GinMode = strings.ToLower(cfg.GinMode)
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	cfg.APIBasePath = normalizeBasePath(cfg.APIBasePath)
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))

	return cfg, validate(cfg)
}

func defaults() Config {
	return Config{
		Port:              "8080",
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		GinMode:           "release",
		ShutdownTimeout:   15 * time.Second,

		Log: LogConfig{
			Level:      "INFO",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 14,
			BufferSize: 10000,
		},
		APIBasePath: "/api/v1",

		RateRPS:   20.0,
		RateBurst: 40,

		Security: SecurityConfig{HSTSMaxAge: 180 * 24 * time.Hour},

		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    50,
			DialTimeout: 2 * time.Second,
			OpTimeout:   2 * time.Second,
			App:         "app",
		},
		Database: DatabaseConfig{
			Driver:          "mysql",
			GlobalDSN:       "root:root@tcp(localhost:3306)/finassist_global",
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
			RefreshInterval: 5 * time.Minute,
		},
		Session: SessionConfig{
			TTL:        30 * time.Minute,
			CounterTTL: 30 * time.Minute,
			MemoTTL:    15 * time.Second,
		},
		Lock: LockConfig{
			TTL:            30 * time.Second,
			AcquireTimeout: 10 * time.Second,
			PollInterval:   100 * time.Millisecond,
		},
		State: StateConfig{
			MessageTTL: 24 * time.Hour,
			RoomTTL:    7 * 24 * time.Hour,
		},
		Queue: QueueConfig{
			Partitions:   16,
			MaxAttempts:  5,
			BaseBackoff:  500 * time.Millisecond,
			MaxBackoff:   30 * time.Second,
			PollTimeout:  time.Second,
			RetentionTTL: 7 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			BatchSize:      100,
			BatchInterval:  time.Second,
			SweepInterval:  30 * time.Second,
			LockTimeout:    10 * time.Second,
			LockTTL:        30 * time.Second,
			MaxContentRune: 8000,
		},
		Outbox: OutboxConfig{
			PollInterval:  5 * time.Second,
			LimitPerShard: 100,
			MaxAttempts:   5,
			RetentionDays: 7,
			CleanupCron:   "0 3 * * *",
		},
		Assistant: AssistantConfig{
			Mode:          "echo",
			TopK:          2,
			TokenDelay:    20 * time.Millisecond,
			MaxReplyRunes: 8000,
		},
		OTEL: OTELConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "go-finassist-backend",
			SampleRatio: 1.0,
		},
	}
}

// resolveAppEnv applies the precedence APP_ENV > app_env=X argument > LOCAL.
func resolveAppEnv(args []string) string {
	env := strings.ToUpper(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		env = strings.ToUpper(strings.TrimSpace(argValue(args, "app_env")))
	}
	if env == "" {
		env = EnvLocal
	}
	return env
}

// argValue returns the value of the first "name=value" argument.
func argValue(args []string, name string) string {
	for _, a := range args {
		a = strings.TrimLeft(a, "-")
		if k, v, ok := strings.Cut(a, "="); ok && strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// overlayFile decodes CONFIG_DIR/<env>.yaml over cfg. A missing file is not
// an error; a malformed one is.
func overlayFile(cfg *Config) error {
	dir := getenv("CONFIG_DIR", "config")
	path := filepath.Join(dir, strings.ToLower(cfg.AppEnv)+".yaml")
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func overlayEnv(cfg *Config) {
	// Server
	cfg.Port = getenv("PORT", cfg.Port)
	cfg.ReadTimeout = getdur("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.ReadHeaderTimeout = getdur("READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.WriteTimeout = getdur("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = getdur("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = getint("MAX_HEADER_BYTES", cfg.MaxHeaderBytes)
	cfg.GinMode = getenv("GIN_MODE", cfg.GinMode)
	cfg.ShutdownTimeout = getdur("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	// Logging / Docs
	cfg.Log.Level = getenv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = getbool("LOG_PRETTY", cfg.Log.Pretty)
	cfg.Log.File = getenv("LOG_FILE", cfg.Log.File)
	cfg.Log.MaxSizeMB = getint("LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
	cfg.Log.MaxBackups = getint("LOG_MAX_BACKUPS", cfg.Log.MaxBackups)
	cfg.Log.MaxAgeDays = getint("LOG_MAX_AGE_DAYS", cfg.Log.MaxAgeDays)
	cfg.SwaggerEnabled = getbool("SWAGGER_ENABLED", cfg.SwaggerEnabled)
	cfg.APIBasePath = getenv("API_BASE_PATH", cfg.APIBasePath)

	// Rate limiting
	cfg.RateRPS = getfloat("RATE_RPS", cfg.RateRPS)
	cfg.RateBurst = getint("RATE_BURST", cfg.RateBurst)

	// Web protection
	if v := getenv("CORS_ALLOWED_ORIGINS", ""); v != "" {
		cfg.CORS.AllowedOrigins = splitCSV(v)
	}
	cfg.Security.EnableHSTS = getbool("ENABLE_HSTS", cfg.Security.EnableHSTS)
	cfg.Security.HSTSMaxAge = getdur("HSTS_MAX_AGE", cfg.Security.HSTSMaxAge)

	// Redis
	cfg.Redis.Addr = getenv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getint("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getint("REDIS_POOL_SIZE", cfg.Redis.PoolSize)
	cfg.Redis.OpTimeout = getdur("REDIS_TIMEOUT", cfg.Redis.OpTimeout)
	cfg.Redis.App = getenv("REDIS_APP", cfg.Redis.App)

	// Database
	cfg.Database.Driver = getenv("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.GlobalDSN = getenv("DB_GLOBAL_DSN", cfg.Database.GlobalDSN)
	cfg.Database.MaxOpenConns = getint("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getint("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.QueryTimeout = getdur("DB_TIMEOUT", cfg.Database.QueryTimeout)
	cfg.Database.RefreshInterval = getdur("DB_SHARD_REFRESH_INTERVAL", cfg.Database.RefreshInterval)

	// Session / lock
	cfg.Session.TTL = getdur("SESSION_TTL", cfg.Session.TTL)
	cfg.Lock.AcquireTimeout = getdur("LOCK_ACQUIRE_TIMEOUT", cfg.Lock.AcquireTimeout)

	// Queue / pipeline / outbox
	cfg.Queue.Partitions = getint("QUEUE_PARTITIONS", cfg.Queue.Partitions)
	cfg.Queue.MaxAttempts = getint("QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)
	cfg.Pipeline.BatchSize = getint("CHAT_BATCH_SIZE", cfg.Pipeline.BatchSize)
	cfg.Pipeline.BatchInterval = getdur("CHAT_BATCH_INTERVAL", cfg.Pipeline.BatchInterval)
	cfg.Outbox.PollInterval = getdur("OUTBOX_POLL_INTERVAL", cfg.Outbox.PollInterval)
	cfg.Outbox.LimitPerShard = getint("OUTBOX_LIMIT_PER_SHARD", cfg.Outbox.LimitPerShard)
	cfg.Outbox.RetentionDays = getint("OUTBOX_RETENTION_DAYS", cfg.Outbox.RetentionDays)
	cfg.Outbox.MaxAttempts = getint("OUTBOX_MAX_ATTEMPTS", cfg.Outbox.MaxAttempts)
	cfg.Outbox.CleanupCron = getenv("OUTBOX_CLEANUP_CRON", cfg.Outbox.CleanupCron)

	// Assistant
	cfg.Assistant.Mode = strings.ToLower(getenv("ASSISTANT_MODE", cfg.Assistant.Mode))
	cfg.Assistant.KnowledgeFile = getenv("ASSISTANT_KNOWLEDGE_FILE", cfg.Assistant.KnowledgeFile)
	cfg.Assistant.TopK = getint("ASSISTANT_TOP_K", cfg.Assistant.TopK)
	cfg.Assistant.TokenDelay = getdur("ASSISTANT_TOKEN_DELAY", cfg.Assistant.TokenDelay)

	// Observability (OpenTelemetry)
	cfg.OTEL.Enabled = getbool("OTEL_ENABLED", cfg.OTEL.Enabled)
	cfg.OTEL.Endpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTEL.Endpoint)
	cfg.OTEL.Insecure = getbool("OTEL_EXPORTER_OTLP_INSECURE", cfg.OTEL.Insecure)
	cfg.OTEL.ServiceName = getenv("OTEL_SERVICE_NAME", cfg.OTEL.ServiceName)
	cfg.OTEL.SampleRatio = getfloat("OTEL_TRACES_SAMPLER_ARG", cfg.OTEL.SampleRatio)
}

func validate(cfg Config) error {
	switch cfg.AppEnv {
	case EnvLocal, EnvDebug, EnvProd, EnvRelease:
	default:
		return errors.New("APP_ENV must be one of: LOCAL, DEBUG, PROD, RELEASE")
	}
	switch cfg.Log.Level {
	case "FATAL", "ERROR", "WARN", "INFO", "DEBUG", "TRACE", "ALL":
	default:
		return errors.New("LOG_LEVEL must be one of: FATAL, ERROR, WARN, INFO, DEBUG, TRACE, ALL")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("REDIS_ADDR must not be empty")
	}
	if cfg.Redis.OpTimeout <= 0 {
		return errors.New("REDIS_TIMEOUT must be > 0")
	}
	switch cfg.Database.Driver {
	case "mysql", "sqlite":
	default:
		return errors.New("DB_DRIVER must be one of: mysql, sqlite")
	}
	if strings.TrimSpace(cfg.Database.GlobalDSN) == "" {
		return errors.New("DB_GLOBAL_DSN must not be empty")
	}
	if cfg.Database.QueryTimeout <= 0 {
		return errors.New("DB_TIMEOUT must be > 0")
	}
	if cfg.Session.TTL <= 0 || cfg.Session.CounterTTL <= 0 || cfg.Session.MemoTTL <= 0 {
		return errors.New("session TTLs must be > 0")
	}
	if cfg.Lock.AcquireTimeout <= 0 || cfg.Lock.TTL <= 0 || cfg.Lock.PollInterval <= 0 {
		return errors.New("lock durations must be > 0")
	}
	if cfg.State.MessageTTL <= 0 || cfg.State.RoomTTL <= 0 {
		return errors.New("state TTLs must be > 0")
	}
	if cfg.Queue.Partitions < 1 {
		return errors.New("QUEUE_PARTITIONS must be >= 1")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return errors.New("QUEUE_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Pipeline.BatchSize < 1 {
		return errors.New("CHAT_BATCH_SIZE must be >= 1")
	}
	if cfg.Pipeline.BatchInterval <= 0 {
		return errors.New("CHAT_BATCH_INTERVAL must be > 0")
	}
	if cfg.Outbox.LimitPerShard < 1 {
		return errors.New("OUTBOX_LIMIT_PER_SHARD must be >= 1")
	}
	if cfg.Outbox.RetentionDays < 1 {
		return errors.New("OUTBOX_RETENTION_DAYS must be >= 1")
	}
	switch cfg.Assistant.Mode {
	case "echo":
	case "knowledge":
		if strings.TrimSpace(cfg.Assistant.KnowledgeFile) == "" {
			return errors.New("ASSISTANT_KNOWLEDGE_FILE is required when ASSISTANT_MODE=knowledge")
		}
	default:
		return errors.New("ASSISTANT_MODE must be one of: echo, knowledge")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
