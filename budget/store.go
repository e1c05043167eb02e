// Package budget enforces spend limits for workflow execution.
// Spend is computed from the ai_model_usage table with pure sliding
// windows (24h/7d/30d) so limits cannot be gamed at day boundaries.
package budget

import (
	"database/sql"
	"fmt"

	"github.com/ensembleworks/ensemble/errors"
)

// Store queries recorded spend from the ai_model_usage table.
type Store struct {
	db *sql.DB
}

// NewStore creates a budget store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) getActualSpend(window string, period string) (totalCost float64, opCount int, err error) {
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(cost), 0) as total_cost,
			COUNT(*) as operation_count
		FROM ai_model_usage
		WHERE request_timestamp >= datetime('now', '%s')
			AND success = 1
	`, window)

	err = s.db.QueryRow(query).Scan(&totalCost, &opCount)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to query %s spend", period)
	}

	return totalCost, opCount, nil
}

// GetActualDailySpend returns spend over the last 24 hours.
func (s *Store) GetActualDailySpend() (totalCost float64, opCount int, err error) {
	return s.getActualSpend("-24 hours", "daily")
}

// GetActualWeeklySpend returns spend over the last 7 days.
func (s *Store) GetActualWeeklySpend() (totalCost float64, opCount int, err error) {
	return s.getActualSpend("-7 days", "weekly")
}

// GetActualMonthlySpend returns spend over the last 30 days.
func (s *Store) GetActualMonthlySpend() (totalCost float64, opCount int, err error) {
	return s.getActualSpend("-30 days", "monthly")
}
