package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ensembleworks/ensemble/ai/tracker"
	"github.com/ensembleworks/ensemble/budget"
	"github.com/ensembleworks/ensemble/config"
	"github.com/ensembleworks/ensemble/errors"
)

// UsageCmd reports AI usage and spend
var UsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show AI usage and spend",
	Long: `Show AI request counts, token usage, and cost over a trailing window,
broken down by model, plus current budget status.`,
	RunE: runUsage,
}

var usageDays int

func init() {
	UsageCmd.Flags().IntVar(&usageDays, "days", 30, "Trailing window in days")
}

func runUsage(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg, "")
	if err != nil {
		return err
	}
	defer database.Close()

	usageTracker := tracker.NewUsageTracker(database, verbosity)
	since := time.Now().AddDate(0, 0, -usageDays)

	stats, err := usageTracker.GetUsageStats(since)
	if err != nil {
		return err
	}

	pterm.Printf("AI usage over the last %d days:\n\n", usageDays)
	pterm.Printf("  Requests:    %d (%d successful, %.0f%%)\n",
		stats.TotalRequests, stats.SuccessfulRequests, stats.SuccessRate*100)
	pterm.Printf("  Tokens:      %d\n", stats.TotalTokens)
	pterm.Printf("  Cost:        $%.4f\n", stats.TotalCost)
	pterm.Printf("  Models used: %d\n", stats.UniqueModels)

	breakdown, err := usageTracker.GetModelBreakdown(since)
	if err != nil {
		return err
	}
	if len(breakdown) > 0 {
		pterm.Println("\nPer model:")
		for _, m := range breakdown {
			pterm.Printf("  %-40s %5d requests  $%.4f\n", m.ModelName, m.RequestCount, m.TotalCost)
		}
	}

	budgetTracker := budget.NewTracker(database, budget.Config{
		DailyBudgetUSD:   cfg.Workflow.DailyBudgetUSD,
		WeeklyBudgetUSD:  cfg.Workflow.WeeklyBudgetUSD,
		MonthlyBudgetUSD: cfg.Workflow.MonthlyBudgetUSD,
		CostPerStepUSD:   cfg.Workflow.CostPerStepUSD,
	})
	status, err := budgetTracker.GetStatus()
	if err != nil {
		return err
	}

	pterm.Println("\nBudget:")
	pterm.Printf("  Daily:   $%.4f spent, $%.4f remaining\n", status.DailySpend, status.DailyRemaining)
	pterm.Printf("  Monthly: $%.4f spent, $%.4f remaining\n", status.MonthlySpend, status.MonthlyRemaining)
	return nil
}
