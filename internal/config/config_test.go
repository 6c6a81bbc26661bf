package config

import "testing"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"LISTEN_ADDR", "DATABASE_URL", "POSTGRES_POOL_SIZE", "POSTGRES_MAX_OVERFLOW",
		"POSTGRES_POOL_RECYCLE", "POSTGRES_POOL_TIMEOUT", "POSTGRES_POOL_PRE_PING",
		"REDIS_URL", "JWT_SECRET_KEY", "JWT_ALGORITHM", "DECISION_RATE_LIMIT",
		"TESTING", "ENABLE_SCHEDULER",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.PostgresPoolSize != 50 || cfg.PostgresMaxConns != 100 {
		t.Errorf("pool sizing = %d/%d, want 50/100", cfg.PostgresPoolSize, cfg.PostgresMaxConns)
	}
	if cfg.PoolRecycle != "300s" || cfg.PoolTimeout != "30s" || !cfg.PoolPrePing {
		t.Errorf("unexpected pool tuning: %+v", cfg)
	}
	if cfg.JWTAlgorithm != "HS256" || cfg.JWTSecretKey != "changeme" {
		t.Errorf("unexpected JWT defaults: %+v", cfg)
	}
	if !cfg.EnableScheduler || cfg.Testing {
		t.Errorf("unexpected scheduler/testing defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("POSTGRES_POOL_SIZE", "10")
	t.Setenv("POSTGRES_MAX_OVERFLOW", "5")
	t.Setenv("ENABLE_SCHEDULER", "false")
	t.Setenv("TESTING", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.PostgresPoolSize != 10 || cfg.PostgresMaxConns != 15 {
		t.Errorf("pool sizing = %d/%d, want 10/15", cfg.PostgresPoolSize, cfg.PostgresMaxConns)
	}
	if cfg.EnableScheduler {
		t.Error("expected scheduler disabled")
	}
	if !cfg.Testing {
		t.Error("expected testing enabled")
	}
}

func TestLoadRejectsInvalidInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("POSTGRES_POOL_SIZE", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric pool size")
	}
}

func TestCacheConfigSplitsRedisURL(t *testing.T) {
	cfg := &Config{RedisURL: "redis://:secret@cache.internal:6380/3"}
	cc := cfg.CacheConfig()
	if cc.Address != "cache.internal:6380" || cc.Password != "secret" || cc.DB != 3 {
		t.Errorf("unexpected cache config: %+v", cc)
	}
	if cc.Prefix != "policyengine:" {
		t.Errorf("prefix = %q, want policyengine:", cc.Prefix)
	}
}
