package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/forecast-core/internal/forecast/feature"
	"github.com/tutu-network/forecast-core/internal/forecast/pretrain"
)

var pretrainSeed int64

var pretrainCmd = &cobra.Command{
	Use:   "pretrain",
	Short: "Generate synthetic category histories and persist warm-start checkpoints",
	Long: `Runs the synthetic pretrainer against every built-in category profile,
persisting one warm-start model checkpoint per category under the
configured model directory. Run once before any item has enough history of
its own to train from.`,
	RunE: runPretrain,
}

func init() {
	rootCmd.AddCommand(pretrainCmd)
	pretrainCmd.Flags().Int64Var(&pretrainSeed, "seed", 42, "Deterministic RNG seed for synthetic history generation")
}

func runPretrain(cmd *cobra.Command, args []string) error {
	c, err := bootstrap()
	if err != nil {
		return err
	}
	defer c.close()

	p := pretrain.NewPretrainer(c.modelStore, feature.NewBuilder(time.Local), pretrainSeed, c.cfg.Training.LearningRate, c.cfg.Training.EWMAAlpha, nil)
	profiles := pretrain.DefaultProfiles()
	if err := p.Run(cmd.Context(), profiles); err != nil {
		return fmt.Errorf("pretrain: %w", err)
	}

	fmt.Fprintf(os.Stdout, "pretrained %d category profiles into %s\n", len(profiles), c.cfg.Stores.ModelDir)
	return nil
}
