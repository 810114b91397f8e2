// Package cmd wires the forged command tree.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "forged",
	Short: "Neural Forge MCP memory and planning server",
	Long: `forged runs the Neural Forge MCP server: conversational event ingestion,
durable memory and task storage on PostgreSQL, a pre-action governance
classifier, and the MCP tool surface behind bearer auth.

Running forged with no subcommand serves on LISTEN_ADDR (default :8000).`,
	Version: version,
}

func init() {
	// Assigned here rather than in the literal: runServe reads rootCmd's
	// flags, so wiring it in the literal is an initialization cycle.
	rootCmd.RunE = runServe
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (optional; the environment is the primary source)")
	rootCmd.PersistentFlags().String("listen", "",
		"listen address (overrides LISTEN_ADDR)")
	rootCmd.PersistentFlags().String("database-url", "",
		"PostgreSQL connection URL (overrides DATABASE_URL)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
