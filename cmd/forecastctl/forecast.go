package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/forecast-core/internal/domain"
)

var (
	forecastHorizonDays int
	forecastCategory    string
	forecastPerishable  bool
	forecastHousehold   int
	forecastQuantityMin float64
	forecastQuantityMax float64
)

var forecastCmd = &cobra.Command{
	Use:   "forecast ITEM_ID",
	Short: "Generate and print a forecast for one item",
	Args:  cobra.ExactArgs(1),
	RunE:  runForecast,
}

func init() {
	rootCmd.AddCommand(forecastCmd)
	forecastCmd.Flags().IntVar(&forecastHorizonDays, "horizon-days", 14, "Forecast horizon in days")
	forecastCmd.Flags().StringVar(&forecastCategory, "category", "", "Item category, for feature building")
	forecastCmd.Flags().BoolVar(&forecastPerishable, "perishable", false, "Whether the item is perishable")
	forecastCmd.Flags().IntVar(&forecastHousehold, "household-size", 1, "Household size")
	forecastCmd.Flags().Float64Var(&forecastQuantityMin, "quantity-min", 0, "Reorder threshold quantity")
	forecastCmd.Flags().Float64Var(&forecastQuantityMax, "quantity-max", 10, "Full-stock quantity")
}

func runForecast(cmd *cobra.Command, args []string) error {
	itemID := args[0]

	c, err := bootstrap()
	if err != nil {
		return err
	}
	defer c.close()

	descriptor := domain.ItemDescriptor{
		Category:      forecastCategory,
		Perishable:    forecastPerishable,
		HouseholdSize: forecastHousehold,
		QuantityMin:   forecastQuantityMin,
		QuantityMax:   forecastQuantityMax,
	}

	f, err := c.service.Forecast(cmd.Context(), itemID, forecastHorizonDays, descriptor)
	if err != nil {
		return fmt.Errorf("forecast %s: %w", itemID, err)
	}

	fmt.Fprintf(os.Stdout, "item=%s horizon_days=%d confidence=%.2f\n", itemID, f.HorizonDays, f.Confidence)
	if f.PredictedRunoutDate != nil {
		fmt.Fprintf(os.Stdout, "predicted_runout=%s\n", f.PredictedRunoutDate.Format("2006-01-02"))
	} else {
		fmt.Fprintln(os.Stdout, "predicted_runout=none within horizon")
	}
	if f.RecommendedOrderDate != nil {
		fmt.Fprintf(os.Stdout, "recommended_order=%s qty=%.2f\n", f.RecommendedOrderDate.Format("2006-01-02"), f.RecommendedQuantity)
	}
	fmt.Fprintf(os.Stdout, "trajectory=%v\n", f.Trajectory)
	return nil
}
