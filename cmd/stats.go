package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"media-pipeline/internal/config"
	"media-pipeline/internal/stats"
)

func statsCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregated job statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, found, err := stats.NewFileStore(cfg.StatsPath).Load()
			if err != nil {
				return fmt.Errorf("read stats file %s: %w", cfg.StatsPath, err)
			}
			if !found {
				cmd.Printf("No statistics recorded yet (%s).\n", cfg.StatsPath)
				return nil
			}

			cmd.Printf("Totals: %d succeeded, %d failed\n", rec.TotalSuccess, rec.TotalFailure)
			if !rec.LastUpdated.IsZero() {
				cmd.Printf("Last updated: %s\n", rec.LastUpdated.Format("2006-01-02 15:04:05 MST"))
			}

			if len(rec.Stages) > 0 {
				cmd.Println("\nPer stage:")
				for _, stage := range sortedKeys(rec.Stages) {
					c := rec.Stages[stage]
					cmd.Printf("  %-12s %d succeeded, %d failed\n", stage, c.Success, c.Failure)
				}
			}

			printBuckets(cmd, "Daily", rec.Daily, 7)
			printBuckets(cmd, "Weekly", rec.Weekly, 4)
			printBuckets(cmd, "Monthly", rec.Monthly, 6)
			return nil
		},
	}
}

func printBuckets(cmd *cobra.Command, title string, buckets map[string]*stats.Counts, limit int) {
	if len(buckets) == 0 {
		return
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	// Bucket keys sort chronologically; show the most recent last.
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	cmd.Printf("\n%s:\n", title)
	for _, k := range keys {
		c := buckets[k]
		cmd.Printf("  %-10s %d succeeded, %d failed\n", k, c.Success, c.Failure)
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
