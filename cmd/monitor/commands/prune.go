package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

var pruneCategory string

func init() {
	pruneCmd.Flags().StringVar(&pruneCategory, "category", "", "Only prune this category")
	rootCmd.AddCommand(pruneCmd)
}

var pruneCmd = &cobra.Command{
	Use:   "prune [--category <name>]",
	Short: "Removes products unseen for longer than their retention window.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		categories := []string{pruneCategory}
		if pruneCategory == "" {
			if categories, err = st.Categories(ctx); err != nil {
				return err
			}
		}

		now := time.Now()
		total := 0
		for _, name := range categories {
			policy, err := cfg.PolicyFor(name)
			if err != nil {
				return err
			}
			pruned, err := st.Prune(ctx, name, now, policy.Retention())
			if err != nil {
				return fmt.Errorf("prune %s: %w", name, err)
			}
			total += len(pruned)
			slog.Info("pruned category",
				slog.String("category", name),
				slog.Int("pruned", len(pruned)),
				slog.Duration("retention", policy.Retention()),
			)
		}
		fmt.Printf("Pruned %d product(s) across %d categories\n", total, len(categories))
		return nil
	},
}
