package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/models"
	"github.com/aluiziolira/go-price-monitor/parser"
)

var ingestCategory string

func init() {
	ingestCmd.Flags().StringVar(&ingestCategory, "category", "", "Category the records belong to")
	_ = ingestCmd.MarkFlagRequired("category")
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest --category <name> <records.json>",
	Short: "Runs one cycle over raw records read from a JSON array instead of scraping.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		raws, err := readRawRecords(args[0])
		if err != nil {
			return err
		}

		category, ok := cfg.Category(ingestCategory)
		if !ok {
			category = config.Category{Name: ingestCategory}
		}

		m, err := setup(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		res, runErr := m.runner.Ingest(cmd.Context(), category, raws)
		if err := m.Close(); err != nil && runErr == nil {
			runErr = err
		}
		if runErr != nil {
			return runErr
		}
		printSummary([]models.CycleResult{res})
		return nil
	},
}

func readRawRecords(path string) ([]parser.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var raws []parser.RawRecord
	if err := dec.Decode(&raws); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return raws, nil
}
