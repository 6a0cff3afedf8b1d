// Package ingest connects chat transports to the order lifecycle: messages
// are parsed on arrival and the resulting signals are processed one at a time.
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"signal-trader/internal/events"
	"signal-trader/internal/order"
	"signal-trader/internal/signal"
)

// Processor runs one signal to completion.
type Processor interface {
	Process(ctx context.Context, sig signal.Signal) order.Outcome
}

// Observer receives pipeline measurements. monitor.Metrics implements it.
type Observer interface {
	ObserveMessage(result string)
	SetQueueDepth(n int)
}

// Pipeline parses incoming messages and feeds a single lifecycle worker.
type Pipeline struct {
	queue     *order.Queue
	processor Processor
	bus       *events.Bus
	metrics   Observer
}

func NewPipeline(p Processor, queueSize int, bus *events.Bus, metrics Observer) *Pipeline {
	return &Pipeline{
		queue:     order.NewQueue(queueSize),
		processor: p,
		bus:       bus,
		metrics:   metrics,
	}
}

// Submit parses text and queues the signal. It reports whether the text was a
// trade alert. ctx bounds the wait for queue space.
func (p *Pipeline) Submit(ctx context.Context, text, messageID string) (bool, error) {
	sig, ok := p.parse(text, messageID)
	if !ok {
		return false, nil
	}
	return true, p.Enqueue(ctx, sig)
}

// TrySubmit is Submit without waiting: a full queue fails with
// order.ErrQueueFull.
func (p *Pipeline) TrySubmit(text, messageID string) (bool, error) {
	sig, ok := p.parse(text, messageID)
	if !ok {
		return false, nil
	}
	return true, p.TryEnqueue(sig)
}

// Enqueue queues an already structured signal.
func (p *Pipeline) Enqueue(ctx context.Context, sig signal.Signal) error {
	return p.accept(sig, func(s signal.Signal) error { return p.queue.Enqueue(ctx, s) })
}

// TryEnqueue queues sig only if there is room right now.
func (p *Pipeline) TryEnqueue(sig signal.Signal) error {
	return p.accept(sig, p.queue.TryEnqueue)
}

func (p *Pipeline) parse(text, messageID string) (signal.Signal, bool) {
	sig, ok := signal.Parse(text, messageID)
	if !ok {
		p.observe("ignored")
		p.bus.Publish(events.EventSignalIgnored, events.SignalNotice{
			SourceMessageID: messageID,
			Reason:          "no header line",
			Time:            time.Now(),
		})
	}
	return sig, ok
}

func (p *Pipeline) accept(sig signal.Signal, put func(signal.Signal) error) error {
	p.observe("signal")
	if err := put(sig); err != nil {
		return fmt.Errorf("queue signal %s: %w", sig.SourceMessageID, err)
	}
	log.Printf("ingest: queued %s %s %s (%s)", sig.Action, sig.Instrument, sig.EntryRange, sig.SourceMessageID)
	p.bus.Publish(events.EventSignalParsed, events.SignalNotice{
		SourceMessageID: sig.SourceMessageID,
		Instrument:      sig.Instrument,
		Action:          string(sig.Action),
		Time:            time.Now(),
	})
	p.depth()
	return nil
}

// Run processes queued signals until ctx is canceled. Only one signal is in
// flight at a time.
func (p *Pipeline) Run(ctx context.Context) {
	log.Println("ingest: worker started")
	p.queue.Drain(ctx, func(sig signal.Signal) {
		p.depth()
		out := p.processor.Process(ctx, sig)
		log.Printf("ingest: %s -> %s", sig.SourceMessageID, out)
	})
	log.Println("ingest: worker stopped")
}

// Pending returns the number of queued signals.
func (p *Pipeline) Pending() int { return p.queue.Len() }

func (p *Pipeline) observe(result string) {
	if p.metrics != nil {
		p.metrics.ObserveMessage(result)
	}
}

func (p *Pipeline) depth() {
	if p.metrics != nil {
		p.metrics.SetQueueDepth(p.queue.Len())
	}
}
