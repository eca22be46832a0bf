package database

import (
	"context"
	"fmt"
	"time"
)

// Repository provides database operations for trade and decision history.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// RecordOpen inserts a row for a freshly opened position.
func (r *Repository) RecordOpen(ctx context.Context, positionID int64, symbol, side string, quantity, entryPrice float64, reason string, openedAt time.Time) error {
	query := `
		INSERT INTO trades (position_id, symbol, side, quantity, entry_price, open_reason, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (position_id) DO NOTHING`

	_, err := r.db.Pool.Exec(ctx, query, positionID, symbol, side, quantity, entryPrice, reason, openedAt)
	if err != nil {
		return fmt.Errorf("failed to record open: %w", err)
	}
	return nil
}

// RecordClose fills in the exit side of an existing trade row.
func (r *Repository) RecordClose(ctx context.Context, positionID int64, exitPrice, pnl float64, reason string, closedAt time.Time) error {
	query := `
		UPDATE trades
		SET exit_price = $2, pnl = $3, close_reason = $4, closed_at = $5
		WHERE position_id = $1 AND closed_at IS NULL`

	_, err := r.db.Pool.Exec(ctx, query, positionID, exitPrice, pnl, reason, closedAt)
	if err != nil {
		return fmt.Errorf("failed to record close: %w", err)
	}
	return nil
}

// RecordDecision persists one pipeline verdict. WAIT decisions are
// skipped by the recorder; they would dominate the table with noise.
func (r *Repository) RecordDecision(ctx context.Context, scanID, symbol, final, filteredBy, reason string, evaluatedAt time.Time) error {
	query := `
		INSERT INTO decisions (scan_id, symbol, final, filtered_by, reason, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Pool.Exec(ctx, query, scanID, symbol, final, filteredBy, reason, evaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// RecentTrades returns the latest trades, newest first.
func (r *Repository) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, position_id, symbol, side, quantity, entry_price, exit_price,
		       pnl, COALESCE(open_reason, ''), COALESCE(close_reason, ''),
		       opened_at, closed_at, created_at
		FROM trades
		ORDER BY opened_at DESC
		LIMIT $1`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Symbol, &t.Side, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.PnL, &t.OpenReason, &t.CloseReason,
			&t.OpenedAt, &t.ClosedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RecentDecisions returns the latest recorded decisions, newest first.
func (r *Repository) RecentDecisions(ctx context.Context, limit int) ([]DecisionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, scan_id, symbol, final, COALESCE(filtered_by, ''),
		       COALESCE(reason, ''), evaluated_at, created_at
		FROM decisions
		ORDER BY evaluated_at DESC
		LIMIT $1`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []DecisionRow
	for rows.Next() {
		var d DecisionRow
		if err := rows.Scan(&d.ID, &d.ScanID, &d.Symbol, &d.Final, &d.FilteredBy,
			&d.Reason, &d.EvaluatedAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
