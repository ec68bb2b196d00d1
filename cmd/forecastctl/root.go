package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "forecastctl",
	Short: "Operate a forecasting core instance",
	Long: `forecastctl is the operator CLI for the consumption forecasting core.
It shares nothing with the library's public Go API — every subcommand opens
its own stores against the config file and closes them on exit.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.toml (defaults to built-in defaults)")
}
