package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "negative parallelism",
			mutate: func(cfg *Config) {
				cfg.Parallelism = -1
			},
			wantErr: "parallelism",
		},
		{
			name: "zero max pages",
			mutate: func(cfg *Config) {
				cfg.MaxPages = 0
			},
			wantErr: "max pages",
		},
		{
			name: "category without host",
			mutate: func(cfg *Config) {
				cfg.Categories = []Category{{Name: "TVs", URL: "http://"}}
			},
			wantErr: "host",
		},
		{
			name: "duplicate category",
			mutate: func(cfg *Config) {
				cfg.Categories = []Category{
					{Name: "TVs", URL: "https://shop.test/tvs"},
					{Name: "TVs", URL: "https://shop.test/tvs2"},
				}
			},
			wantErr: "duplicate",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "zero retention",
			mutate: func(cfg *Config) {
				cfg.Policy.RetentionDays = 0
			},
			wantErr: "retention",
		},
		{
			name: "drop threshold out of range",
			mutate: func(cfg *Config) {
				cfg.Policy.MinDropPercent = 120
			},
			wantErr: "min drop",
		},
		{
			name: "category override out of range",
			mutate: func(cfg *Config) {
				cfg.Categories = []Category{{Name: "TVs", URL: "https://shop.test/tvs", Policy: Policy{FloodGuardRatio: 2}}}
			},
			wantErr: "flood guard",
		},
		{
			name: "bad event log format",
			mutate: func(cfg *Config) {
				cfg.EventLogFormat = "xml"
			},
			wantErr: "event log format",
		},
		{
			name: "relative webhook",
			mutate: func(cfg *Config) {
				cfg.WebhookURL = "/hooks/1"
			},
			wantErr: "webhook",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestPolicyForMergesCategoryOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Categories = []Category{{
		Name:   "TVs",
		URL:    "https://shop.test/tvs",
		Policy: Policy{MinDiscountPercent: 30, NotifyEveryCycles: 1},
	}}

	policy, err := cfg.PolicyFor("TVs")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.MinDiscountPercent != 30 || policy.NotifyEveryCycles != 1 {
		t.Fatalf("override not applied: %+v", policy)
	}
	if policy.RetentionDays != cfg.Policy.RetentionDays || policy.Cooldown != cfg.Policy.Cooldown {
		t.Fatalf("defaults not inherited: %+v", policy)
	}

	other, err := cfg.PolicyFor("Unknown")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if other != cfg.Policy {
		t.Fatalf("unknown category should use global policy")
	}
}

func TestLoadMergesLocalOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor.json5")
	base := `{
  // categories to watch
  categories: [
    {name: "Lighting", url: "https://shop.test/lighting", policy: {min_discount_percent: 40}},
  ],
  policy: {retention_days: 14, cooldown_minutes: 90},
  database_path: "state/base.db",
}`
	local := `{database_path: "state/local.db", interval_minutes: 30}`
	if err := os.WriteFile(path, []byte(base), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "monitor.local.json5"), []byte(local), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Categories) != 1 || cfg.Categories[0].Name != "Lighting" {
		t.Fatalf("categories = %+v", cfg.Categories)
	}
	if cfg.DatabasePath != "state/local.db" {
		t.Fatalf("database path = %q", cfg.DatabasePath)
	}
	if cfg.Interval != 30*time.Minute {
		t.Fatalf("interval = %v", cfg.Interval)
	}
	if cfg.Policy.RetentionDays != 14 || cfg.Policy.Cooldown != 90*time.Minute {
		t.Fatalf("policy = %+v", cfg.Policy)
	}
	if cfg.Policy.MinDiscountPercent != DefaultPolicy().MinDiscountPercent {
		t.Fatalf("unset policy field should keep default, got %v", cfg.Policy.MinDiscountPercent)
	}
	policy, err := cfg.PolicyFor("Lighting")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.MinDiscountPercent != 40 {
		t.Fatalf("category discount = %v", policy.MinDiscountPercent)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json5")); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MONITOR_RETENTION_DAYS", "3")
	t.Setenv("MONITOR_INTERVAL", "45m")
	t.Setenv("MONITOR_DB", " /tmp/monitor.db ")

	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Policy.RetentionDays != 3 || cfg.Interval != 45*time.Minute || cfg.DatabasePath != "/tmp/monitor.db" {
		t.Fatalf("env not applied: retention=%d interval=%v db=%q", cfg.Policy.RetentionDays, cfg.Interval, cfg.DatabasePath)
	}

	t.Setenv("MONITOR_PARALLEL", "many")
	if err := ApplyEnv(cfg); err == nil || !strings.Contains(err.Error(), "MONITOR_PARALLEL") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
