package commands

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
)

var runAPI bool

func init() {
	runCmd.Flags().BoolVar(&runAPI, "api", false, "Also serve the read API on the configured api address")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--api]",
	Short: "Runs a pass immediately, then one every interval until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		m, err := setup(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := m.Close(); err != nil {
				slog.Error("shutdown", slog.Any("error", err))
			}
		}()

		stopMetrics := m.serveMetrics()
		defer stopMetrics()
		if runAPI {
			stopAPI := serveAPI(m.store, cfg, cfg.APIAddr)
			defer stopAPI()
		}

		slog.Info("monitor started",
			slog.Int("categories", len(cfg.Categories)),
			slog.Duration("interval", cfg.Interval),
			slog.Duration("jitter", cfg.IntervalJitter),
		)

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			results, err := m.runner.RunAll(ctx)
			logResults(results)
			if err != nil {
				slog.Error("pass finished with errors", slog.Any("error", err))
			}

			wait := nextWait(cfg.Interval, cfg.IntervalJitter, rng)
			slog.Info("next pass scheduled", slog.Time("at", time.Now().Add(wait)))
			if !sleep(ctx, wait) {
				slog.Info("shutdown signal received, waiting for in-flight work to finish")
				return nil
			}
		}
	},
}

// nextWait returns interval plus a random jitter in [0, jitter).
func nextWait(interval, jitter time.Duration, rng *rand.Rand) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval + time.Duration(rng.Int63n(int64(jitter)))
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
