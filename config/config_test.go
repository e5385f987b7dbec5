package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `sellerflow:
  name: "TestApp"
  version: "1.0"
storage:
  sqlite:
    path: "/tmp/test.db"
  archive:
    enabled: false
marketplaces:
  shopee:
    enabled: true
    page_size: 50
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Sellerflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Sellerflow.Name)
	}
	if cfg.Marketplaces.Shopee.PageSize != 50 {
		t.Errorf("unexpected page size: %d", cfg.Marketplaces.Shopee.PageSize)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Sync.FullBackfillDays != 90 {
		t.Errorf("unexpected full backfill days: %d", cfg.Sync.FullBackfillDays)
	}
	if cfg.Sync.IncrementalDays != 3 {
		t.Errorf("unexpected incremental days: %d", cfg.Sync.IncrementalDays)
	}
	if cfg.Sync.MaxLookbackDays != 180 {
		t.Errorf("unexpected max lookback days: %d", cfg.Sync.MaxLookbackDays)
	}
	if cfg.Sync.UpsertBatchSize != 500 {
		t.Errorf("unexpected upsert batch size: %d", cfg.Sync.UpsertBatchSize)
	}
	if cfg.Fees.ConfigCacheTTL != 5*time.Minute {
		t.Errorf("unexpected fee cache ttl: %s", cfg.Fees.ConfigCacheTTL)
	}
	if cfg.Client.Retry.MaxAttempts != 3 {
		t.Errorf("unexpected retry attempts: %d", cfg.Client.Retry.MaxAttempts)
	}
}

func TestLoadConfigMissingName(t *testing.T) {
	content := `storage:
  sqlite:
    path: "/tmp/test.db"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatal("expected validation error for missing name")
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	r := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 3}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 900 * time.Millisecond},
		{4, time.Second}, // capped
	}
	for _, tc := range cases {
		if got := r.Delay(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}

	flat := RetryConfig{BaseDelay: 50 * time.Millisecond, BackoffMultiplier: 1}
	if got := flat.Delay(5); got != 50*time.Millisecond {
		t.Errorf("multiplier 1 should keep the delay flat, got %v", got)
	}
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	defaultPath := filepath.Join(dir, "config.yml")
	prodPath := filepath.Join(dir, "config.production.yml")
	for _, p := range []string{defaultPath, prodPath} {
		if err := os.WriteFile(p, []byte("sellerflow: {}\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	t.Setenv("APP_ENV", "")
	if got := ResolveConfigPath(defaultPath, defaultPath); got != defaultPath {
		t.Errorf("development resolved to %s", got)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath(defaultPath, defaultPath); got != prodPath {
		t.Errorf("production resolved to %s, want %s", got, prodPath)
	}

	explicit := filepath.Join(dir, "custom.yml")
	if got := ResolveConfigPath(explicit, defaultPath); got != explicit {
		t.Errorf("explicit path overridden to %s", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := ResolveConfigPath(defaultPath, defaultPath); got != defaultPath {
		t.Errorf("missing staging file resolved to %s", got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
