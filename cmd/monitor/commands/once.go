package commands

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/models"
)

var onceCategory string

func init() {
	onceCmd.Flags().StringVar(&onceCategory, "category", "", "Only run this category")
	rootCmd.AddCommand(onceCmd)
}

var onceCmd = &cobra.Command{
	Use:   "once [--category <name>]",
	Short: "Runs a single pass over the configured categories and prints a summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if onceCategory != "" {
			cat, ok := cfg.Category(onceCategory)
			if !ok {
				return fmt.Errorf("unknown category %q", onceCategory)
			}
			cfg.Categories = []config.Category{cat}
		}

		m, err := setup(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		stopMetrics := m.serveMetrics()

		results, runErr := m.runner.RunAll(cmd.Context())
		stopMetrics()
		if err := m.Close(); err != nil {
			slog.Error("shutdown", slog.Any("error", err))
		}

		logResults(results)
		printSummary(results)
		return runErr
	},
}

func printSummary(results []models.CycleResult) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Pass complete")

	for _, res := range results {
		fmt.Printf("  %s\n", res.Category)
		fmt.Printf("    Products:      %d of %d scraped\n", res.ProductCount, res.RawCount)
		if len(res.EventsByKind) > 0 {
			fmt.Printf("    Events:        %s\n", formatCounts(res.EventsByKind))
		}
		if len(res.Rejected) > 0 {
			fmt.Printf("    Rejected:      %s\n", formatCounts(res.Rejected))
		}
		fmt.Printf("    Notifications: %d\n", len(res.Notifications))
		fmt.Printf("    Pruned:        %d\n", len(res.Pruned))
		fmt.Printf("    Duration:      %v\n", res.EndTime.Sub(res.StartTime))
	}
	fmt.Println(separator)
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
