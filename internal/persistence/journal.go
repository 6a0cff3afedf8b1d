// Package persistence journals pipeline events into the order database.
package persistence

import (
	"context"
	"log"
	"time"

	json "github.com/goccy/go-json"

	"signal-trader/internal/events"
	"signal-trader/pkg/db"
)

var journalTopics = append([]events.Event{
	events.EventSignalParsed,
	events.EventSignalIgnored,
	events.EventSignalDuplicate,
}, events.OrderEvents...)

// Journal copies every signal.* and order.* event into signal_events.
type Journal struct {
	writer *BatchWriter
	stream <-chan any
	unsub  func()
}

// NewJournal subscribes right away so nothing published before Run is lost.
func NewJournal(bus *events.Bus, writer *BatchWriter) *Journal {
	stream, unsub := bus.SubscribeMany(journalTopics, 256)
	return &Journal{writer: writer, stream: stream, unsub: unsub}
}

// Run consumes events until ctx is cancelled, then drains the subscription
// and flushes what is buffered.
func (j *Journal) Run(ctx context.Context) {
	defer j.unsub()

	for {
		select {
		case <-ctx.Done():
			j.drain()
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := j.writer.Flush(flushCtx); err != nil {
				log.Printf("journal: final flush: %v", err)
			}
			cancel()
			return
		case msg, ok := <-j.stream:
			if !ok {
				return
			}
			j.record(msg)
		}
	}
}

func (j *Journal) drain() {
	for {
		select {
		case msg, ok := <-j.stream:
			if !ok {
				return
			}
			j.record(msg)
		default:
			return
		}
	}
}

func (j *Journal) record(msg any) {
	env, ok := msg.(events.Envelope)
	if !ok {
		return
	}
	op, err := eventOp(env)
	if err != nil {
		log.Printf("journal: encode %s: %v", env.Event, err)
		return
	}
	j.writer.Write(op)
}

func eventOp(env events.Envelope) (WriteOp, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return WriteOp{}, err
	}

	var (
		sourceID string
		orderID  *int64
		status   string
		message  string
		at       time.Time
	)
	switch p := env.Payload.(type) {
	case events.OrderUpdate:
		sourceID, status, message, at = p.SourceMessageID, p.Status, p.Message, p.Time
		id := p.OrderID
		orderID = &id
	case events.SignalNotice:
		sourceID, message, at = p.SourceMessageID, p.Reason, p.Time
	}
	if at.IsZero() {
		at = time.Now()
	}

	return WriteOp{
		Query: db.InsertEventSQL,
		Args:  []any{string(env.Event), sourceID, orderID, status, message, string(payload), at.UTC()},
	}, nil
}
