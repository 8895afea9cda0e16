package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	requireNoError(t, err)

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Sharding.SubShards != 8 {
		t.Fatalf("expected default sub_shards 8, got %d", cfg.Sharding.SubShards)
	}
	if cfg.Aggregation.MaxWritesPerChunk != 450 {
		t.Fatalf("expected default max_writes_per_chunk 450, got %d", cfg.Aggregation.MaxWritesPerChunk)
	}
	if cfg.RetentionDuration() != 168*time.Hour {
		t.Fatalf("expected default retention 168h, got %v", cfg.RetentionDuration())
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "tally.yaml")
	requireNoError(t, os.WriteFile(cfgPath, []byte(`
server:
  port: 9090
  host: "127.0.0.1"
  mode: "debug"
sharding:
  sub_shards: 16
aggregation:
  run_budget: "90s"
rate_limit:
  store: "memory"
  limit: 10
  window: "30s"
`), 0o644))

	cfg, err := Load(cfgPath)
	requireNoError(t, err)

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Sharding.SubShards != 16 {
		t.Fatalf("expected sub_shards 16, got %d", cfg.Sharding.SubShards)
	}
	if cfg.RunBudgetDuration() != 90*time.Second {
		t.Fatalf("expected run budget 90s, got %v", cfg.RunBudgetDuration())
	}
	if cfg.RateLimit.Store != "memory" {
		t.Fatalf("expected memory rate limit store, got %q", cfg.RateLimit.Store)
	}
	if cfg.RateLimitWindow() != 30*time.Second {
		t.Fatalf("expected rate limit window 30s, got %v", cfg.RateLimitWindow())
	}
}

func TestLoad_InvalidRunBudgetFailsStartup(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "tally.yaml")
	requireNoError(t, os.WriteFile(cfgPath, []byte(`
aggregation:
  run_budget: "nope"
`), 0o644))

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "invalid aggregation.run_budget") {
		t.Fatalf("expected invalid run_budget error, got %v", err)
	}
}

func TestLoad_InvalidRateLimitStoreFailsStartup(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "tally.yaml")
	requireNoError(t, os.WriteFile(cfgPath, []byte(`
rate_limit:
  store: "redis"
`), 0o644))

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "unsupported rate_limit.store") {
		t.Fatalf("expected unsupported store error, got %v", err)
	}
}

func TestValidate_ClaimTimeoutMustExceedRunBudget(t *testing.T) {
	cfg, err := Load("")
	requireNoError(t, err)

	cfg.Aggregation.ClaimTimeout = "1m" // run_budget defaults to 5m
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "claim_timeout") {
		t.Fatalf("expected claim_timeout error, got %v", err)
	}
}

func TestValidate_RejectsZeroSubShards(t *testing.T) {
	cfg, err := Load("")
	requireNoError(t, err)

	cfg.Sharding.SubShards = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "sharding.sub_shards") {
		t.Fatalf("expected sub_shards error, got %v", err)
	}
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
