package order

import (
	"time"

	"signal-trader/internal/events"
	"signal-trader/pkg/db"
)

func toUpdate(o *db.Order, at time.Time) events.OrderUpdate {
	u := events.OrderUpdate{
		OrderID:         o.ID,
		SourceMessageID: o.SourceMessageID,
		Instrument:      o.Instrument,
		Action:          o.Action,
		Status:          string(o.Status),
		Time:            at,
	}
	if o.StatusMessage != nil {
		u.Message = *o.StatusMessage
	}
	if o.BackendOrderID != nil {
		u.BackendOrderID = *o.BackendOrderID
	}
	if o.ExecutedPrice != nil {
		u.ExecutedPrice = *o.ExecutedPrice
	}
	return u
}
