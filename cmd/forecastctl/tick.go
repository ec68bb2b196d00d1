package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/forecast-core/internal/domain"
	"github.com/tutu-network/forecast-core/internal/forecast/scheduler"
)

var tickQuantityMax float64

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Force one scheduler retrain cycle",
	Long: `Forces a single retrain-sweep cycle outside of the scheduler's normal
clock, useful for operator-driven backfills or smoke-testing a deployment.
This CLI has no inventory subsystem to resolve a real ItemDescriptor from,
so every item is retrained against --quantity-max as a shared ceiling.`,
	RunE: runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
	tickCmd.Flags().Float64Var(&tickQuantityMax, "quantity-max", 10, "Quantity ceiling applied to every item for this cycle's retrain-due check")
}

func runTick(cmd *cobra.Command, args []string) error {
	c, err := bootstrap()
	if err != nil {
		return err
	}
	defer c.close()

	descriptor := func(ctx context.Context, itemID string) (domain.ItemDescriptor, error) {
		return domain.ItemDescriptor{QuantityMax: tickQuantityMax}, nil
	}

	sched := scheduler.New(c.cfg.Training, c.trainer, c.obsStore, c.audit, descriptor, nil)
	stats := sched.RunCycle(cmd.Context())

	fmt.Fprintf(os.Stdout, "scanned=%d dispatched=%d succeeded=%d failed=%d\n",
		stats.Scanned, stats.Dispatched, stats.Succeeded, stats.Failed)
	return nil
}
