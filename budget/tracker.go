package budget

import (
	"database/sql"
	"sync"

	"github.com/ensembleworks/ensemble/errors"
)

// Config contains budget limits. A weekly limit of zero disables the
// weekly check.
type Config struct {
	DailyBudgetUSD   float64
	WeeklyBudgetUSD  float64
	MonthlyBudgetUSD float64
	CostPerStepUSD   float64
}

// Status represents current budget state.
type Status struct {
	DailySpend       float64 `json:"daily_spend"`
	WeeklySpend      float64 `json:"weekly_spend"`
	MonthlySpend     float64 `json:"monthly_spend"`
	DailyRemaining   float64 `json:"daily_remaining"`
	WeeklyRemaining  float64 `json:"weekly_remaining"`
	MonthlyRemaining float64 `json:"monthly_remaining"`
	DailyOps         int     `json:"daily_ops"`
	WeeklyOps        int     `json:"weekly_ops"`
	MonthlyOps       int     `json:"monthly_ops"`
}

// Tracker tracks and enforces budget limits.
type Tracker struct {
	store  *Store
	config Config
	mu     sync.RWMutex // protects config
}

// NewTracker creates a budget tracker.
func NewTracker(db *sql.DB, config Config) *Tracker {
	return &Tracker{
		store:  NewStore(db),
		config: config,
	}
}

// GetStatus returns current budget status based on recorded usage.
func (bt *Tracker) GetStatus() (*Status, error) {
	dailySpend, dailyOps, err := bt.store.GetActualDailySpend()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get daily spend from usage")
	}

	weeklySpend, weeklyOps, err := bt.store.GetActualWeeklySpend()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get weekly spend from usage")
	}

	monthlySpend, monthlyOps, err := bt.store.GetActualMonthlySpend()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get monthly spend from usage")
	}

	bt.mu.RLock()
	dailyBudget := bt.config.DailyBudgetUSD
	weeklyBudget := bt.config.WeeklyBudgetUSD
	monthlyBudget := bt.config.MonthlyBudgetUSD
	bt.mu.RUnlock()

	return &Status{
		DailySpend:       dailySpend,
		WeeklySpend:      weeklySpend,
		MonthlySpend:     monthlySpend,
		DailyRemaining:   dailyBudget - dailySpend,
		WeeklyRemaining:  weeklyBudget - weeklySpend,
		MonthlyRemaining: monthlyBudget - monthlySpend,
		DailyOps:         dailyOps,
		WeeklyOps:        weeklyOps,
		MonthlyOps:       monthlyOps,
	}, nil
}

// CheckBudget returns an error wrapping ErrBudgetExceeded if spending
// the estimated cost would exceed any configured limit.
func (bt *Tracker) CheckBudget(estimatedCostUSD float64) error {
	status, err := bt.GetStatus()
	if err != nil {
		return errors.Wrap(err, "failed to get budget status")
	}

	bt.mu.RLock()
	dailyBudget := bt.config.DailyBudgetUSD
	weeklyBudget := bt.config.WeeklyBudgetUSD
	monthlyBudget := bt.config.MonthlyBudgetUSD
	bt.mu.RUnlock()

	if status.DailySpend+estimatedCostUSD > dailyBudget {
		return errors.WithMessage(errors.ErrBudgetExceeded,
			errors.Newf("daily budget would be exceeded: current $%.3f + estimated $%.3f > limit $%.2f",
				status.DailySpend, estimatedCostUSD, dailyBudget).Error())
	}

	if weeklyBudget > 0 && status.WeeklySpend+estimatedCostUSD > weeklyBudget {
		return errors.WithMessage(errors.ErrBudgetExceeded,
			errors.Newf("weekly budget would be exceeded: current $%.3f + estimated $%.3f > limit $%.2f",
				status.WeeklySpend, estimatedCostUSD, weeklyBudget).Error())
	}

	if status.MonthlySpend+estimatedCostUSD > monthlyBudget {
		return errors.WithMessage(errors.ErrBudgetExceeded,
			errors.Newf("monthly budget would be exceeded: current $%.3f + estimated $%.3f > limit $%.2f",
				status.MonthlySpend, estimatedCostUSD, monthlyBudget).Error())
	}

	return nil
}

// EstimateWorkflowCost estimates the cost of a workflow with the given
// number of persona steps.
func (bt *Tracker) EstimateWorkflowCost(numSteps int) float64 {
	bt.mu.RLock()
	costPerStep := bt.config.CostPerStepUSD
	bt.mu.RUnlock()
	return float64(numSteps) * costPerStep
}

// UpdateDailyBudget updates the daily limit at runtime.
func (bt *Tracker) UpdateDailyBudget(newBudgetUSD float64) error {
	if newBudgetUSD < 0 {
		return errors.Newf("daily budget cannot be negative: %.2f", newBudgetUSD)
	}

	bt.mu.Lock()
	bt.config.DailyBudgetUSD = newBudgetUSD
	bt.mu.Unlock()

	return nil
}

// UpdateWeeklyBudget updates the weekly limit at runtime. Zero disables
// the weekly check.
func (bt *Tracker) UpdateWeeklyBudget(newBudgetUSD float64) error {
	if newBudgetUSD < 0 {
		return errors.Newf("weekly budget cannot be negative: %.2f", newBudgetUSD)
	}

	bt.mu.Lock()
	bt.config.WeeklyBudgetUSD = newBudgetUSD
	bt.mu.Unlock()

	return nil
}

// UpdateMonthlyBudget updates the monthly limit at runtime.
func (bt *Tracker) UpdateMonthlyBudget(newBudgetUSD float64) error {
	if newBudgetUSD < 0 {
		return errors.Newf("monthly budget cannot be negative: %.2f", newBudgetUSD)
	}

	bt.mu.Lock()
	bt.config.MonthlyBudgetUSD = newBudgetUSD
	bt.mu.Unlock()

	return nil
}

// GetBudgetLimits returns the current budget configuration.
func (bt *Tracker) GetBudgetLimits() Config {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.config
}
