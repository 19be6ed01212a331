package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed value of key and whether it was set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvDuration parses key as a Go duration such as "90m".
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

// ApplyEnv overrides cfg from MONITOR_* environment variables.
func ApplyEnv(cfg *Config) error {
	if value, ok := EnvString("MONITOR_DB"); ok {
		cfg.DatabasePath = value
	}
	if value, ok := EnvString("DISCORD_WEBHOOK_URL"); ok {
		cfg.WebhookURL = value
	}
	if value, ok := EnvString("MONITOR_EVENT_LOG"); ok {
		cfg.EventLogFile = value
	}
	if value, ok := EnvString("MONITOR_METRICS_ADDR"); ok {
		cfg.MetricsAddr = value
	}
	if value, ok := EnvString("MONITOR_API_ADDR"); ok {
		cfg.APIAddr = value
	}
	if value, ok, err := EnvInt("MONITOR_PARALLEL"); err != nil {
		return err
	} else if ok {
		cfg.Parallelism = value
	}
	if value, ok, err := EnvInt("MONITOR_RETENTION_DAYS"); err != nil {
		return err
	} else if ok {
		cfg.Policy.RetentionDays = value
	}
	if value, ok, err := EnvDuration("MONITOR_INTERVAL"); err != nil {
		return err
	} else if ok {
		cfg.Interval = value
	}
	if value, ok, err := EnvDuration("MONITOR_COOLDOWN"); err != nil {
		return err
	} else if ok {
		cfg.Policy.Cooldown = value
	}
	return nil
}
