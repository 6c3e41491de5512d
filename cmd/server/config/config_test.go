package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{
		"DATABASE_URL", "REDIS_URL", "GRPC_ADDR", "HTTP_ADDR", "OBS_ADDR", "APP_ENV",
		"SAGA_STEP_TIMEOUT", "SAGA_SWEEP_INTERVAL", "SAGA_PURGE_INTERVAL",
		"IDEMPOTENCY_PROCESSING_TTL", "IDEMPOTENCY_COMPLETED_TTL", "ORDER_NUMBER_PREFIX",
	} {
		t.Setenv(name, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.URL != "" || cfg.Redis.URL != "" {
		t.Fatalf("expected no external backends: %+v", cfg)
	}
	if cfg.GRPC.Addr != ":50051" || cfg.HTTP.Addr != ":8080" || !cfg.GRPC.Reflection {
		t.Fatalf("unexpected listeners: %+v %+v", cfg.GRPC, cfg.HTTP)
	}
	if cfg.Saga.SweepInterval != time.Minute || cfg.Saga.PurgeInterval != 5*time.Minute {
		t.Fatalf("unexpected sweeper cadence: %+v", cfg.Saga)
	}
	if cfg.Idempotency.ProcessingTTL != 5*time.Minute || cfg.Idempotency.CompletedTTL != 24*time.Hour {
		t.Fatalf("unexpected token ttls: %+v", cfg.Idempotency)
	}
	if cfg.OrderPrefix != "ORD" {
		t.Fatalf("unexpected prefix %q", cfg.OrderPrefix)
	}
}

func TestLoadGRPC(t *testing.T) {
	t.Setenv("GRPC_ADDR", ":6000")
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("GRPC_RATE_LIMIT_BURST", "10")
	t.Setenv("APP_ENV", "production")

	cfg, err := LoadGRPC()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":6000" || cfg.RateLimitInterval != 5*time.Millisecond || cfg.RateLimitBurst != 10 {
		t.Fatalf("unexpected grpc cfg: %+v", cfg)
	}
	if cfg.Reflection {
		t.Fatalf("expected reflection disabled in production")
	}
}

func TestLoadGRPCInvalidEnv(t *testing.T) {
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "soon")
	if _, err := LoadGRPC(); err == nil {
		t.Fatalf("expected error for invalid interval")
	}
}

func TestLoadObservability(t *testing.T) {
	t.Setenv("OBS_ADDR", ":9999")

	cfg, err := LoadObservability()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("unexpected observability addr: %+v", cfg)
	}
}

func TestLoadPostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/orders")
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "7")
	t.Setenv("DATABASE_CONN_MAX_LIFETIME", "1m")

	cfg, err := LoadPostgres()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "postgres://localhost/orders" || cfg.MaxOpenConns != 7 || cfg.MaxIdleConns != 5 || cfg.ConnMaxLifetime != time.Minute {
		t.Fatalf("unexpected postgres cfg: %+v", cfg)
	}
}

func TestLoadSaga(t *testing.T) {
	t.Setenv("SAGA_STEP_TIMEOUT", "10s")
	t.Setenv("SAGA_SWEEP_INTERVAL", "30s")
	t.Setenv("SAGA_SWEEP_BATCH", "25")

	cfg, err := LoadSaga()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StepTimeout != 10*time.Second || cfg.SweepInterval != 30*time.Second || cfg.SweepBatch != 25 {
		t.Fatalf("unexpected saga cfg: %+v", cfg)
	}

	t.Setenv("SAGA_SWEEP_INTERVAL", "10ms")
	if _, err := LoadSaga(); err == nil {
		t.Fatalf("expected sub-second sweep interval rejected")
	}
}

func TestLoadIdempotency(t *testing.T) {
	t.Setenv("IDEMPOTENCY_PROCESSING_TTL", "1m")
	t.Setenv("IDEMPOTENCY_COMPLETED_TTL", "2h")

	cfg, err := LoadIdempotency()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ProcessingTTL != time.Minute || cfg.CompletedTTL != 2*time.Hour || cfg.RedisPrefix != "idem:" {
		t.Fatalf("unexpected idempotency cfg: %+v", cfg)
	}
}

func TestLoadRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_STREAM", "s")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "2s")
	t.Setenv("REDIS_SNAPSHOT_TTL", "10m")
	t.Setenv("REDIS_STREAM_MAXLEN", "1000")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url: %s", cfg.URL)
	}
	if cfg.Stream != "s" {
		t.Fatalf("unexpected stream: %s", cfg.Stream)
	}
	if cfg.HealthcheckTimeout != 2*time.Second {
		t.Fatalf("unexpected healthcheck timeout: %v", cfg.HealthcheckTimeout)
	}
	if cfg.SnapshotTTL != 10*time.Minute {
		t.Fatalf("unexpected snapshot ttl: %v", cfg.SnapshotTTL)
	}
	if cfg.StreamMaxLen != 1000 {
		t.Fatalf("unexpected stream maxlen: %d", cfg.StreamMaxLen)
	}
}

func TestLoadRedis_WithOptionalFields(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_DIAL_TIMEOUT", "3s")
	t.Setenv("REDIS_READ_TIMEOUT", "4s")
	t.Setenv("REDIS_WRITE_TIMEOUT", "5s")
	t.Setenv("REDIS_POOL_SIZE", "9")
	t.Setenv("REDIS_MIN_IDLE_CONNS", "2")
	t.Setenv("REDIS_MAX_RETRIES", "3")
	t.Setenv("REDIS_OTEL", "true")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DialTimeout == nil || *cfg.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected dial timeout: %v", cfg.DialTimeout)
	}
	if cfg.ReadTimeout == nil || *cfg.ReadTimeout != 4*time.Second {
		t.Fatalf("unexpected read timeout: %v", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout == nil || *cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.WriteTimeout)
	}
	if cfg.PoolSize == nil || *cfg.PoolSize != 9 {
		t.Fatalf("unexpected pool size: %v", cfg.PoolSize)
	}
	if cfg.MinIdleConns == nil || *cfg.MinIdleConns != 2 {
		t.Fatalf("unexpected min idle: %v", cfg.MinIdleConns)
	}
	if cfg.MaxRetries == nil || *cfg.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %v", cfg.MaxRetries)
	}
	if !cfg.EnableOTel {
		t.Fatalf("expected otel enabled")
	}
}

func TestLoadRedis_Disabled(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("REDIS_POOL_SIZE", "not-a-number")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("expected disabled redis to skip parsing, got %v", err)
	}
	if cfg.URL != "" {
		t.Fatalf("unexpected url %q", cfg.URL)
	}
}

func TestLoadRedisTLS_NoSettingsReturnsNil(t *testing.T) {
	if cfg, err := loadRedisTLSFromEnv(); err != nil || cfg != nil {
		t.Fatalf("expected nil tls config, got %#v err %v", cfg, err)
	}
}

func TestLoadRedisTLS_MismatchedKeyPair(t *testing.T) {
	t.Setenv("REDIS_TLS_CERT_FILE", "cert")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected cert/key mismatch error")
	}
}

func TestLoadRedisTLS_InsecureTrue(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE_SKIP_VERIFY", "true")
	cfg, err := loadRedisTLSFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure tls config, got %#v", cfg)
	}
}

func TestLoadRedisTLS_ReadCAError(t *testing.T) {
	t.Setenv("REDIS_TLS_CA_FILE", "/no/such/file")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected read error for missing CA file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("ORDER_NUMBER_PREFIX=SHOP\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ORDER_NUMBER_PREFIX", "")
	os.Unsetenv("ORDER_NUMBER_PREFIX")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("ORDER_NUMBER_PREFIX"); got != "SHOP" {
		t.Fatalf("expected prefix from file, got %q", got)
	}
}

func TestOptionalHelpers(t *testing.T) {
	t.Setenv("X_OPT_DUR", "-1ms")
	if _, err := optionalDuration("X_OPT_DUR"); err == nil {
		t.Fatalf("expected negative duration error")
	}
	t.Setenv("X_OPT_INT", "-1")
	if _, err := optionalInt("X_OPT_INT"); err == nil {
		t.Fatalf("expected negative int error")
	}
	t.Setenv("X_OPT_BOOL", "notbool")
	if _, err := optionalBool("X_OPT_BOOL"); err == nil {
		t.Fatalf("expected bool parse error")
	}
	t.Setenv("X_INT64", "notint")
	if _, err := int64Or("X_INT64", 1); err == nil {
		t.Fatalf("expected int64 parse error")
	}
	t.Setenv("X_DUR", "")
	if d, err := durationOr("X_DUR", time.Second); err != nil || d != time.Second {
		t.Fatalf("expected fallback, got %v %v", d, err)
	}
}
