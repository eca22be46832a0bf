package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"futures-momentum-bot/internal/events"
	"futures-momentum-bot/internal/position"
	"futures-momentum-bot/internal/signal"
)

// Recorder subscribes to the event bus and persists trade history and
// decision audit rows. Persistence is strictly an observer: a database
// failure is logged and trading continues.
type Recorder struct {
	repo *Repository
	log  zerolog.Logger
}

// NewRecorder creates a recorder and attaches it to bus.
func NewRecorder(repo *Repository, bus *events.Bus, log zerolog.Logger) *Recorder {
	r := &Recorder{
		repo: repo,
		log:  log.With().Str("component", "recorder").Logger(),
	}
	bus.Subscribe(events.EventPositionOpened, r.onPositionOpened)
	bus.Subscribe(events.EventPositionClosed, r.onPositionClosed)
	bus.Subscribe(events.EventDecision, r.onDecision)
	return r
}

func (r *Recorder) onPositionOpened(event events.Event) {
	pos, ok := event.Data["position"].(*position.Position)
	if !ok {
		return
	}
	reason, _ := event.Data["reason"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.repo.RecordOpen(ctx, pos.ID, pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, reason, pos.OpenedAt); err != nil {
		r.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("trade open not recorded")
	}
}

func (r *Recorder) onPositionClosed(event events.Event) {
	pos, ok := event.Data["position"].(*position.Position)
	if !ok {
		return
	}
	pnl, _ := event.Data["pnl"].(float64)
	reason, _ := event.Data["reason"].(string)

	exitPrice := pos.EntryPrice
	if pos.Quantity > 0 {
		exitPrice = pos.EntryPrice + pnl/pos.Quantity
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.repo.RecordClose(ctx, pos.ID, exitPrice, pnl, reason, event.Timestamp); err != nil {
		r.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("trade close not recorded")
	}
}

func (r *Recorder) onDecision(event events.Event) {
	d, ok := event.Data["decision"].(signal.Decision)
	if !ok {
		return
	}
	// WAIT is the steady-state verdict for most of the universe; only
	// actionable or filtered outcomes are worth a row.
	if d.Final == signal.DecisionWait {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.repo.RecordDecision(ctx, scanIDFor(event), d.Symbol, string(d.Final), d.FilteredBy, d.Reason, d.EvaluatedAt); err != nil {
		r.log.Warn().Err(err).Str("symbol", d.Symbol).Msg("decision not recorded")
	}
}

func scanIDFor(event events.Event) string {
	if id, ok := event.Data["scan_id"].(string); ok {
		return id
	}
	return event.Timestamp.UTC().Format("scan-20060102T1504")
}
