// Command forecastctl is the host-operator CLI for the forecasting core:
// it runs the synthetic pretrainer, forces a scheduler tick, and inspects
// one item's forecast, against the stores a config.toml file points at.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
