package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentdemo",
	Short: "agentz demo - traced HTTP fan-out server",
	Long: `agentdemo serves HTTP requests that fan out to two upstream endpoints,
tracing every hop with agentz and exporting finished segments over OTLP.

Configuration is read from an optional YAML file and AGENTZ_* environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults plus AGENTZ_* when empty)")
}
