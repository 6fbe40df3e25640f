// Package cmd defines the CLI commands.
package cmd

import (
	"github.com/spf13/cobra"

	"media-pipeline/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "media-pipeline",
	Short: "Job orchestration for media download, encode, and upload",
}

// Execute runs the CLI with the loaded configuration.
func Execute(cfg config.Config) error {
	rootCmd.AddCommand(serveCmd(cfg))
	rootCmd.AddCommand(statsCmd(cfg))
	return rootCmd.Execute()
}
