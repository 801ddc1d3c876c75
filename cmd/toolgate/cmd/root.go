// Package cmd provides the CLI commands for toolgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "toolgate - policy-enforcing gateway for tool backends",
	Long: `toolgate sits between a tool-calling agent and a set of stdio tool
backends. Every tool call is authenticated, checked against role-scoped
policies, rate limited, proxied to the owning backend, written to a
hash-chained audit trail, and metered.

Quick start:
  1. Generate a starting config: toolgate config example > toolgate.yaml
  2. Edit it, then run: toolgate start

Configuration:
  Config is loaded from toolgate.yaml in the current directory,
  $HOME/.toolgate/, or /etc/toolgate/.

  Environment variables override config values with the TOOLGATE_ prefix.
  Example: TOOLGATE_PORT=9090

Commands:
  start       Start the gateway
  hash-key    Hash a pre-shared credential for the config file
  audit       Inspect and verify the audit trail
  config      Configuration helpers
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./toolgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
