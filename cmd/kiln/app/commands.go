// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the kiln command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiln-dev/kiln/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "kiln",
	DisableAutoGenTag: true,
	Short:             "Kiln is a trust and execution kernel for untrusted code",
	Long: `Kiln issues and verifies OAuth 2.1 credentials, runs untrusted code in
hardened containers, and records everything it does in a tamper-evident
audit log.

Under the hood, kiln acts as a very thin client for the Docker/Podman
Unix socket API. Every execution gets a fresh, locked-down container
with no network access unless explicitly granted.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// Re-initialize once the debug flag is bound.
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the kiln CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
