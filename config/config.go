package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/aluiziolira/go-price-monitor/models"
)

// Policy holds the classifier and retention thresholds.
type Policy struct {
	MinDiscountPercent    float64
	MinDropPercent        float64
	Cooldown              time.Duration
	NotifyEveryCycles     int
	RecentlyAddedWindow   time.Duration
	RecentlyReducedWindow time.Duration
	RetentionDays         int
	FloodGuardRatio       float64
	FloodGuardMinProducts int
	CurrencySymbol        string
}

// Retention returns the retention threshold as a duration.
func (p Policy) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// BadgeWindows returns the read-side label windows.
func (p Policy) BadgeWindows() models.BadgeWindows {
	return models.BadgeWindows{
		RecentlyAdded:   p.RecentlyAddedWindow,
		RecentlyReduced: p.RecentlyReducedWindow,
	}
}

// Category is one monitored category listing.
type Category struct {
	Name     string
	URL      string
	MaxPages int
	// Policy overrides; zero fields fall back to Config.Policy.
	Policy Policy
}

// Config holds monitor configuration.
type Config struct {
	Categories       []Category
	ExcludedKeywords []string

	MaxPages         int
	Parallelism      int
	Delay            time.Duration
	RandomDelay      time.Duration
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	UserAgent        string
	RespectRobotsTxt bool

	DatabasePath string
	Policy       Policy

	Interval       time.Duration
	IntervalJitter time.Duration

	WebhookURL      string
	EventLogFile    string
	EventLogFormat  string // csv, json, or dual
	DispatchWorkers int
	BatchSize       int
	BufferSize      int

	MetricsAddr string
	APIAddr     string
	Verbose     bool
}

// DefaultPolicy mirrors the thresholds the monitor has always run with.
func DefaultPolicy() Policy {
	return Policy{
		MinDiscountPercent:    50,
		MinDropPercent:        5,
		Cooldown:              24 * time.Hour,
		NotifyEveryCycles:     3,
		RecentlyAddedWindow:   24 * time.Hour,
		RecentlyReducedWindow: 168 * time.Hour,
		RetentionDays:         7,
		FloodGuardRatio:       0.5,
		FloodGuardMinProducts: 10,
		CurrencySymbol:        "£",
	}
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() *Config {
	return &Config{
		ExcludedKeywords: []string{"kids", "baby", "children", "boys", "girls"},
		MaxPages:         3,
		Parallelism:      4,
		Delay:            500 * time.Millisecond,
		RandomDelay:      500 * time.Millisecond,
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     time.Second,
		RetryBackoffMax:  5 * time.Second,
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		DatabasePath:     "state/monitor.db",
		Policy:           DefaultPolicy(),
		Interval:         2 * time.Hour,
		IntervalJitter:   10 * time.Minute,
		EventLogFile:     "output/events.csv",
		EventLogFormat:   "csv",
		DispatchWorkers:  1,
		BatchSize:        16,
		BufferSize:       256,
	}
}

// PolicyFor returns the effective policy of a category.
func (c *Config) PolicyFor(name string) (Policy, error) {
	effective := c.Policy
	for _, cat := range c.Categories {
		if cat.Name != name {
			continue
		}
		override := cat.Policy
		if err := mergo.Merge(&effective, override, mergo.WithOverride); err != nil {
			return Policy{}, fmt.Errorf("merge policy for %s: %w", name, err)
		}
		break
	}
	return effective, nil
}

// Category returns the named category.
func (c *Config) Category(name string) (Category, bool) {
	for _, cat := range c.Categories {
		if cat.Name == name {
			return cat, true
		}
	}
	return Category{}, false
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Categories))
	for i, cat := range c.Categories {
		if strings.TrimSpace(cat.Name) == "" {
			return fmt.Errorf("category %d: name cannot be empty", i)
		}
		if _, ok := seen[cat.Name]; ok {
			return fmt.Errorf("category %q: duplicate name", cat.Name)
		}
		seen[cat.Name] = struct{}{}
		parsed, err := url.Parse(cat.URL)
		if err != nil {
			return fmt.Errorf("category %q: invalid url: %w", cat.Name, err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("category %q: url must include a host", cat.Name)
		}
		if cat.MaxPages < 0 {
			return fmt.Errorf("category %q: max pages cannot be negative", cat.Name)
		}
		if err := cat.Policy.validateOverride(); err != nil {
			return fmt.Errorf("category %q: %w", cat.Name, err)
		}
	}

	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.IntervalJitter < 0 {
		return fmt.Errorf("interval jitter cannot be negative")
	}
	if c.WebhookURL != "" {
		if parsed, err := url.Parse(c.WebhookURL); err != nil || parsed.Host == "" {
			return fmt.Errorf("webhook url must be an absolute url")
		}
	}
	if c.EventLogFile != "" && c.EventLogFormat != "csv" && c.EventLogFormat != "json" && c.EventLogFormat != "dual" {
		return fmt.Errorf("event log format must be csv, json, or dual")
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("dispatch workers must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}

	return nil
}

// Validate checks a complete policy.
func (p Policy) Validate() error {
	if err := p.validateOverride(); err != nil {
		return err
	}
	if p.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive")
	}
	if p.NotifyEveryCycles <= 0 {
		return fmt.Errorf("notify every cycles must be positive")
	}
	return nil
}

func (p Policy) validateOverride() error {
	if p.MinDiscountPercent < 0 || p.MinDiscountPercent > 100 {
		return fmt.Errorf("min discount percent must be within 0-100")
	}
	if p.MinDropPercent < 0 || p.MinDropPercent > 100 {
		return fmt.Errorf("min drop percent must be within 0-100")
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	if p.NotifyEveryCycles < 0 {
		return fmt.Errorf("notify every cycles cannot be negative")
	}
	if p.RecentlyAddedWindow < 0 || p.RecentlyReducedWindow < 0 {
		return fmt.Errorf("badge windows cannot be negative")
	}
	if p.RetentionDays < 0 {
		return fmt.Errorf("retention days cannot be negative")
	}
	if p.FloodGuardRatio < 0 || p.FloodGuardRatio > 1 {
		return fmt.Errorf("flood guard ratio must be within 0-1")
	}
	if p.FloodGuardMinProducts < 0 {
		return fmt.Errorf("flood guard min products cannot be negative")
	}
	return nil
}
