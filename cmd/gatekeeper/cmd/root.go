// Package cmd provides the gatekeeper CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Gatekeeper - API gatekeeping layer",
	Long: `Gatekeeper authenticates, authorizes and rate limits API requests
and applies a security policy (IP filtering, size limits, CORS and
security headers) before they reach a handler.

Configuration:
  Config is loaded from gatekeeper.yaml in the current directory or
  /etc/gatekeeper/, or from the file given with --config.

  Environment variables override config values with the GATEKEEPER_ prefix.
  Example: GATEKEEPER_SERVER_ADDR=:9090`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gatekeeper.yaml)")
}
