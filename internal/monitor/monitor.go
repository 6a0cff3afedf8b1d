package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"signal-trader/internal/events"
)

// Monitor watches order events and forwards failures to an alert sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
}

// Start subscribes to failed and errored orders. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.SubscribeMany([]events.Event{events.EventOrderFailed, events.EventOrderError}, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				if err := m.Sink.Send(formatAlert(msg)); err != nil {
					log.Printf("monitor: deliver alert: %v", err)
				}
			}
		}
	}()
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	env, ok := v.(events.Envelope)
	if !ok {
		return "alert triggered"
	}
	u, ok := env.Payload.(events.OrderUpdate)
	if !ok {
		return string(env.Event)
	}
	s := fmt.Sprintf("order %d %s %s (%s) is %s", u.OrderID, u.Action, u.Instrument, u.SourceMessageID, u.Status)
	if u.Message != "" {
		s += ": " + u.Message
	}
	return s
}
