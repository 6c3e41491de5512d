package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full server configuration.
type Config struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	GRPC          GRPCConfig
	HTTP          HTTPConfig
	Observability ObservabilityConfig
	Saga          SagaConfig
	Idempotency   IdempotencyConfig
	OrderPrefix   string
	EventBuffer   int64
}

// PostgresConfig holds the database DSN and pool bounds. An empty URL selects
// the in-memory backends.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection and behavior settings. An empty URL
// disables Redis.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	SnapshotTTL        time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// GRPCConfig holds the listener address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
	Reflection        bool
}

// HTTPConfig holds the API listener address.
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// ObservabilityConfig holds the optional standalone metrics listener.
type ObservabilityConfig struct {
	Addr string
}

// SagaConfig tunes step deadlines and the background sweeper.
type SagaConfig struct {
	StepTimeout   time.Duration
	SweepInterval time.Duration
	PurgeInterval time.Duration
	Retention     time.Duration
	SweepBatch    int
}

// IdempotencyConfig holds token lifetimes.
type IdempotencyConfig struct {
	ProcessingTTL time.Duration
	CompletedTTL  time.Duration
	RedisPrefix   string
}

// LoadDotEnv loads variables from the given files, or .env when none are
// named. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads every configuration group from env.
func Load() (Config, error) {
	var (
		cfg Config
		err error
	)
	if cfg.Postgres, err = LoadPostgres(); err != nil {
		return cfg, err
	}
	if cfg.Redis, err = LoadRedis(); err != nil {
		return cfg, err
	}
	if cfg.GRPC, err = LoadGRPC(); err != nil {
		return cfg, err
	}
	if cfg.HTTP, err = LoadHTTP(); err != nil {
		return cfg, err
	}
	if cfg.Observability, err = LoadObservability(); err != nil {
		return cfg, err
	}
	if cfg.Saga, err = LoadSaga(); err != nil {
		return cfg, err
	}
	if cfg.Idempotency, err = LoadIdempotency(); err != nil {
		return cfg, err
	}
	cfg.OrderPrefix = stringOr("ORDER_NUMBER_PREFIX", "ORD")
	if cfg.EventBuffer, err = int64Or("EVENT_BUS_BUFFER", 256); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadPostgres reads DATABASE_URL and the pool settings.
func LoadPostgres() (PostgresConfig, error) {
	cfg := PostgresConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
	var err error
	if cfg.MaxOpenConns, err = intOr("DATABASE_MAX_OPEN_CONNS", 20); err != nil {
		return cfg, err
	}
	if cfg.MaxIdleConns, err = intOr("DATABASE_MAX_IDLE_CONNS", 5); err != nil {
		return cfg, err
	}
	if cfg.ConnMaxLifetime, err = durationOr("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env. Without REDIS_URL only the URL
// field is checked.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		Stream: stringOr("REDIS_STREAM", "order_events"),
	}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.SnapshotTTL, err = durationOr("REDIS_SNAPSHOT_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = int64Or("REDIS_STREAM_MAXLEN", 10000); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadGRPC reads the gRPC listener and ingress rate limit settings.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: stringOr("GRPC_ADDR", ":50051")}
	var err error
	if cfg.RateLimitInterval, err = durationOr("GRPC_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("GRPC_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	cfg.Reflection = strings.TrimSpace(os.Getenv("APP_ENV")) != "production"
	return cfg, nil
}

// LoadHTTP reads the API listener settings.
func LoadHTTP() (HTTPConfig, error) {
	cfg := HTTPConfig{Addr: stringOr("HTTP_ADDR", ":8080")}
	var err error
	if cfg.ShutdownTimeout, err = durationOr("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadObservability reads the optional standalone metrics address.
func LoadObservability() (ObservabilityConfig, error) {
	return ObservabilityConfig{Addr: strings.TrimSpace(os.Getenv("OBS_ADDR"))}, nil
}

// LoadSaga reads step deadline and sweeper settings.
func LoadSaga() (SagaConfig, error) {
	var (
		cfg SagaConfig
		err error
	)
	if cfg.StepTimeout, err = durationOr("SAGA_STEP_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = durationOr("SAGA_SWEEP_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.PurgeInterval, err = durationOr("SAGA_PURGE_INTERVAL", 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.Retention, err = durationOr("SAGA_RETENTION", 7*24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.SweepBatch, err = intOr("SAGA_SWEEP_BATCH", 100); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval < time.Second {
		return cfg, errors.New("SAGA_SWEEP_INTERVAL must be at least 1s")
	}
	if cfg.PurgeInterval < time.Second {
		return cfg, errors.New("SAGA_PURGE_INTERVAL must be at least 1s")
	}
	return cfg, nil
}

// LoadIdempotency reads token lifetimes.
func LoadIdempotency() (IdempotencyConfig, error) {
	cfg := IdempotencyConfig{RedisPrefix: stringOr("IDEMPOTENCY_REDIS_PREFIX", "idem:")}
	var err error
	if cfg.ProcessingTTL, err = durationOr("IDEMPOTENCY_PROCESSING_TTL", 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.CompletedTTL, err = durationOr("IDEMPOTENCY_COMPLETED_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return fallback, err
	}
	return *val, nil
}

func intOr(name string, fallback int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return fallback, err
	}
	return *val, nil
}

func int64Or(name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
