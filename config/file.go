package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// FilePolicy is the on-disk form of Policy. Zero values keep the defaults.
type FilePolicy struct {
	MinDiscountPercent    float64 `json:"min_discount_percent"`
	MinDropPercent        float64 `json:"min_drop_percent"`
	CooldownMinutes       int     `json:"cooldown_minutes"`
	NotifyEveryCycles     int     `json:"notify_every_cycles"`
	RecentlyAddedHours    int     `json:"recently_added_hours"`
	RecentlyReducedHours  int     `json:"recently_reduced_hours"`
	RetentionDays         int     `json:"retention_days"`
	FloodGuardRatio       float64 `json:"flood_guard_ratio"`
	FloodGuardMinProducts int     `json:"flood_guard_min_products"`
	CurrencySymbol        string  `json:"currency_symbol"`
}

// FileCategory is the on-disk form of Category.
type FileCategory struct {
	Name     string     `json:"name"`
	URL      string     `json:"url"`
	MaxPages int        `json:"max_pages"`
	Policy   FilePolicy `json:"policy"`
}

// File is the JSON5 configuration file layout.
type File struct {
	Categories       []FileCategory `json:"categories"`
	ExcludedKeywords []string       `json:"excluded_keywords"`
	Policy           FilePolicy     `json:"policy"`
	DatabasePath     string         `json:"database_path"`
	WebhookURL       string         `json:"webhook_url"`
	EventLogFile     string         `json:"event_log_file"`
	EventLogFormat   string         `json:"event_log_format"`
	IntervalMinutes  int            `json:"interval_minutes"`
	MaxPages         int            `json:"max_pages"`
	Parallelism      int            `json:"parallelism"`
	UserAgent        string         `json:"user_agent"`
}

func splitExt(f string) (string, string) {
	ext := filepath.Ext(f)
	return strings.TrimSuffix(f, ext), strings.TrimPrefix(ext, ".")
}

// ReadFile reads name and merges <name>.local.<ext> over it when present.
func ReadFile(name string) (File, error) {
	var out File
	found := false

	data, err := os.ReadFile(name)
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	if len(data) > 0 {
		if err := json5.Unmarshal(data, &out); err != nil {
			return out, fmt.Errorf("parse %s: %w", name, err)
		}
		found = true
	}

	prefix, ext := splitExt(name)
	localPath := fmt.Sprintf("%s.local.%s", prefix, ext)
	local, err := os.ReadFile(localPath)
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	if len(local) > 0 {
		var override File
		if err := json5.Unmarshal(local, &override); err != nil {
			return out, fmt.Errorf("parse %s: %w", localPath, err)
		}
		if err := mergo.Merge(&out, override, mergo.WithOverride); err != nil {
			return out, fmt.Errorf("merge %s: %w", localPath, err)
		}
		slog.Info("merging config with local overrides", slog.String("local", localPath))
		found = true
	}

	if !found {
		return out, os.ErrNotExist
	}
	return out, nil
}

// Load builds a Config from defaults, the file at path (optional), and the
// environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		file, err := ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		file.apply(cfg)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f File) apply(cfg *Config) {
	for _, c := range f.Categories {
		cfg.Categories = append(cfg.Categories, Category{
			Name:     c.Name,
			URL:      c.URL,
			MaxPages: c.MaxPages,
			Policy:   c.Policy.toPolicy(),
		})
	}
	if len(f.ExcludedKeywords) > 0 {
		cfg.ExcludedKeywords = f.ExcludedKeywords
	}
	// Overlay non-zero file values onto the defaults.
	_ = mergo.Merge(&cfg.Policy, f.Policy.toPolicy(), mergo.WithOverride)

	if f.DatabasePath != "" {
		cfg.DatabasePath = f.DatabasePath
	}
	if f.WebhookURL != "" {
		cfg.WebhookURL = f.WebhookURL
	}
	if f.EventLogFile != "" {
		cfg.EventLogFile = f.EventLogFile
	}
	if f.EventLogFormat != "" {
		cfg.EventLogFormat = strings.ToLower(f.EventLogFormat)
	}
	if f.IntervalMinutes > 0 {
		cfg.Interval = time.Duration(f.IntervalMinutes) * time.Minute
	}
	if f.MaxPages > 0 {
		cfg.MaxPages = f.MaxPages
	}
	if f.Parallelism > 0 {
		cfg.Parallelism = f.Parallelism
	}
	if f.UserAgent != "" {
		cfg.UserAgent = f.UserAgent
	}
}

func (p FilePolicy) toPolicy() Policy {
	return Policy{
		MinDiscountPercent:    p.MinDiscountPercent,
		MinDropPercent:        p.MinDropPercent,
		Cooldown:              time.Duration(p.CooldownMinutes) * time.Minute,
		NotifyEveryCycles:     p.NotifyEveryCycles,
		RecentlyAddedWindow:   time.Duration(p.RecentlyAddedHours) * time.Hour,
		RecentlyReducedWindow: time.Duration(p.RecentlyReducedHours) * time.Hour,
		RetentionDays:         p.RetentionDays,
		FloodGuardRatio:       p.FloodGuardRatio,
		FloodGuardMinProducts: p.FloodGuardMinProducts,
		CurrencySymbol:        p.CurrencySymbol,
	}
}
