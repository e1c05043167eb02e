package budget

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ensembleworks/ensemble/errors"
)

func spendRows(cost float64, ops int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"total_cost", "operation_count"}).AddRow(cost, ops)
}

// expectSpendQueries sets up the three sliding-window queries GetStatus runs.
func expectSpendQueries(mock sqlmock.Sqlmock, daily, weekly, monthly float64) {
	mock.ExpectQuery("SELECT").WillReturnRows(spendRows(daily, 1))
	mock.ExpectQuery("SELECT").WillReturnRows(spendRows(weekly, 2))
	mock.ExpectQuery("SELECT").WillReturnRows(spendRows(monthly, 3))
}

func TestGetStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	tracker := NewTracker(db, Config{
		DailyBudgetUSD:   3.0,
		WeeklyBudgetUSD:  7.0,
		MonthlyBudgetUSD: 15.0,
	})

	expectSpendQueries(mock, 1.0, 2.5, 5.0)

	status, err := tracker.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}

	if status.DailyRemaining != 2.0 {
		t.Errorf("expected daily remaining 2.0, got %f", status.DailyRemaining)
	}
	if status.WeeklyRemaining != 4.5 {
		t.Errorf("expected weekly remaining 4.5, got %f", status.WeeklyRemaining)
	}
	if status.MonthlyRemaining != 10.0 {
		t.Errorf("expected monthly remaining 10.0, got %f", status.MonthlyRemaining)
	}
}

func TestCheckBudget(t *testing.T) {
	cfg := Config{
		DailyBudgetUSD:   3.0,
		WeeklyBudgetUSD:  7.0,
		MonthlyBudgetUSD: 15.0,
		CostPerStepUSD:   0.01,
	}

	t.Run("within budget", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		tracker := NewTracker(db, cfg)
		expectSpendQueries(mock, 0.5, 1.0, 2.0)

		if err := tracker.CheckBudget(0.06); err != nil {
			t.Errorf("expected check to pass: %v", err)
		}
	})

	t.Run("daily limit exceeded", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		tracker := NewTracker(db, cfg)
		expectSpendQueries(mock, 2.99, 3.0, 4.0)

		err := tracker.CheckBudget(0.05)
		if err == nil {
			t.Fatal("expected daily budget error")
		}
		if !errors.IsBudgetExceededError(err) {
			t.Errorf("expected budget exceeded sentinel, got %v", err)
		}
	})

	t.Run("weekly limit exceeded", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		tracker := NewTracker(db, cfg)
		expectSpendQueries(mock, 0.5, 6.99, 8.0)

		err := tracker.CheckBudget(0.05)
		if err == nil || !errors.IsBudgetExceededError(err) {
			t.Errorf("expected weekly budget exceeded, got %v", err)
		}
	})

	t.Run("weekly disabled when zero", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		noWeekly := cfg
		noWeekly.WeeklyBudgetUSD = 0
		tracker := NewTracker(db, noWeekly)
		expectSpendQueries(mock, 0.5, 100.0, 8.0)

		if err := tracker.CheckBudget(0.05); err != nil {
			t.Errorf("expected weekly check skipped: %v", err)
		}
	})

	t.Run("monthly limit exceeded", func(t *testing.T) {
		db, mock, _ := sqlmock.New()
		defer db.Close()
		tracker := NewTracker(db, cfg)
		expectSpendQueries(mock, 0.5, 1.0, 14.99)

		err := tracker.CheckBudget(0.05)
		if err == nil || !errors.IsBudgetExceededError(err) {
			t.Errorf("expected monthly budget exceeded, got %v", err)
		}
	})
}

func TestEstimateWorkflowCost(t *testing.T) {
	tracker := NewTracker(nil, Config{CostPerStepUSD: 0.01})
	if got := tracker.EstimateWorkflowCost(6); got != 0.06 {
		t.Errorf("expected 0.06, got %f", got)
	}
	if got := tracker.EstimateWorkflowCost(0); got != 0 {
		t.Errorf("expected zero, got %f", got)
	}
}

func TestUpdateBudgets(t *testing.T) {
	tracker := NewTracker(nil, Config{DailyBudgetUSD: 1.0, MonthlyBudgetUSD: 10.0})

	if err := tracker.UpdateDailyBudget(-1); err == nil {
		t.Error("expected error for negative daily budget")
	}
	if err := tracker.UpdateDailyBudget(5.0); err != nil {
		t.Fatalf("update daily: %v", err)
	}
	if err := tracker.UpdateMonthlyBudget(50.0); err != nil {
		t.Fatalf("update monthly: %v", err)
	}

	limits := tracker.GetBudgetLimits()
	if limits.DailyBudgetUSD != 5.0 || limits.MonthlyBudgetUSD != 50.0 {
		t.Errorf("unexpected limits: %+v", limits)
	}
}
