package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/forecast-core/internal/api"
	"github.com/tutu-network/forecast-core/internal/domain"
	"github.com/tutu-network/forecast-core/internal/forecast/scheduler"
)

const shutdownGrace = 5 * time.Second

var serveQuantityMax float64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop and the /healthz, /metrics status server",
	Long: `Starts the periodic retrain scheduler and binds the ambient status
server to the configured address. Blocks until interrupted. Like tick, this
standalone binary has no inventory subsystem, so every item shares a single
--quantity-max ceiling for the retrain-due check.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Float64Var(&serveQuantityMax, "quantity-max", 10, "Quantity ceiling applied to every item's retrain-due check")
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := bootstrap()
	if err != nil {
		return err
	}
	defer c.close()

	descriptor := func(ctx context.Context, itemID string) (domain.ItemDescriptor, error) {
		return domain.ItemDescriptor{QuantityMax: serveQuantityMax}, nil
	}
	sched := scheduler.New(c.cfg.Training, c.trainer, c.obsStore, c.audit, descriptor, nil)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx, c.cfg.Training.RetrainInterval())
	defer sched.Stop()

	srv := api.New(c.trainer.Registry(), sched)
	httpServer := &http.Server{Addr: c.cfg.API.Addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	fmt.Fprintf(os.Stdout, "forecastctl serve: listening on %s\n", c.cfg.API.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}
