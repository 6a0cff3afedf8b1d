package order

import (
	"context"

	"signal-trader/pkg/db"
)

// Outcome is the result of processing one signal. Validation and backend
// failures are outcomes, not errors.
type Outcome int

const (
	// OutcomeSkipped: the signal had no source message id; nothing was written.
	OutcomeSkipped Outcome = iota
	// OutcomeDuplicate: an order for the source message id already exists.
	OutcomeDuplicate
	// OutcomeAdmissionFailed: the pending order could not be stored.
	OutcomeAdmissionFailed
	// OutcomeExecuted: the backend placed the order and it was recorded as executed.
	OutcomeExecuted
	// OutcomeFailed: SL/TP validation failed or the backend placed nothing.
	OutcomeFailed
	// OutcomeErrored: an unexpected fault moved the order to error.
	OutcomeErrored
)

var outcomeNames = [...]string{
	OutcomeSkipped:         "skipped",
	OutcomeDuplicate:       "duplicate",
	OutcomeAdmissionFailed: "admission_failed",
	OutcomeExecuted:        "executed",
	OutcomeFailed:          "failed",
	OutcomeErrored:         "errored",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// Session is the slice of the order store used during one Process call.
type Session interface {
	GetOrderBySourceID(ctx context.Context, sourceID string) (*db.Order, error)
	AddOrder(ctx context.Context, o db.NewOrder) (*db.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status db.OrderStatus, upd db.StatusUpdate) (*db.Order, error)
	OrderStatus(ctx context.Context, id int64) (db.OrderStatus, error)
	Close() error
}

// SessionFactory opens a Session scoped to one Process call.
type SessionFactory func(ctx context.Context) (Session, error)

// DatabaseSessions adapts a Database into a SessionFactory.
func DatabaseSessions(database *db.Database) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		s, err := database.Session(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Recorder receives lifecycle measurements. monitor.Metrics implements it.
type Recorder interface {
	ObserveOutcome(outcome string, seconds float64)
	ObserveBackend(backend string, placed bool, seconds float64)
}
