package database

import "time"

// Trade is one completed (or still open) position's history row.
type Trade struct {
	ID          int64      `json:"id"`
	PositionID  int64      `json:"position_id"`
	Symbol      string     `json:"symbol"`
	Side        string     `json:"side"`
	Quantity    float64    `json:"quantity"`
	EntryPrice  float64    `json:"entry_price"`
	ExitPrice   *float64   `json:"exit_price,omitempty"`
	PnL         *float64   `json:"pnl,omitempty"`
	OpenReason  string     `json:"open_reason,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DecisionRow is one persisted pipeline verdict.
type DecisionRow struct {
	ID          int64     `json:"id"`
	ScanID      string    `json:"scan_id"`
	Symbol      string    `json:"symbol"`
	Final       string    `json:"final"`
	FilteredBy  string    `json:"filtered_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	CreatedAt   time.Time `json:"created_at"`
}
