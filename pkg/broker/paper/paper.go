// Package paper simulates order execution for dry-run mode.
package paper

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"signal-trader/pkg/broker"
)

// Config controls the fill simulation.
type Config struct {
	SlippageBps  float64 // basis points of adverse slippage applied on fills
	LatencyMinMs int     // simulated terminal latency lower bound
	LatencyMaxMs int     // simulated terminal latency upper bound
	FirstOrderID int64
}

// Broker fills every valid market order at the reference price plus noise.
type Broker struct {
	cfg    Config
	nextID atomic.Int64

	mu        sync.Mutex
	rng       *rand.Rand
	positions map[string]*Position
	fills     []Fill
}

// Position is the simulated net exposure per instrument.
type Position struct {
	Instrument string
	Side       broker.Side
	Volume     float64
	EntryPrice float64
}

// Fill records one simulated execution.
type Fill struct {
	OrderID    int64
	Instrument string
	Side       broker.Side
	Volume     float64
	Price      float64
	StopLoss   *float64
	TakeProfit *float64
	FilledAt   time.Time
}

var _ broker.Broker = (*Broker)(nil)

func New(cfg Config) *Broker {
	if cfg.LatencyMaxMs > 0 && cfg.LatencyMinMs > cfg.LatencyMaxMs {
		cfg.LatencyMinMs, cfg.LatencyMaxMs = cfg.LatencyMaxMs, cfg.LatencyMinMs
	}
	if cfg.FirstOrderID <= 0 {
		cfg.FirstOrderID = 1
	}
	b := &Broker{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		positions: make(map[string]*Position),
	}
	b.nextID.Store(cfg.FirstOrderID - 1)
	return b
}

func (b *Broker) Name() string { return "DRY-RUN" }

// PlaceOrder simulates a market fill. Orders without a reference price or
// with a non-positive volume are rejected the way a terminal would.
func (b *Broker) PlaceOrder(ctx context.Context, req broker.Request) (*broker.Result, error) {
	if err := b.sleep(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrNoResult, err)
	}

	side := broker.Side(strings.ToUpper(string(req.Side)))
	if side != broker.SideBuy && side != broker.SideSell {
		return &broker.Result{Retcode: -1, Comment: "Application error: Invalid order type"}, nil
	}
	if req.Volume <= 0 {
		return &broker.Result{Retcode: 10014, Comment: "Invalid volume"}, nil
	}
	if req.Price <= 0 {
		return &broker.Result{Retcode: 10021, Comment: fmt.Sprintf("No quote for %s", req.Instrument)}, nil
	}

	b.mu.Lock()
	price := req.Price
	if frac := b.cfg.SlippageBps / 10000.0; frac > 0 {
		noise := b.rng.Float64() * frac
		if side == broker.SideBuy {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}
	fill := Fill{
		OrderID:    b.nextID.Add(1),
		Instrument: req.Instrument,
		Side:       side,
		Volume:     req.Volume,
		Price:      price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		FilledAt:   time.Now(),
	}
	b.fills = append(b.fills, fill)
	b.updatePosition(fill)
	b.mu.Unlock()

	log.Printf("DRY-RUN: %s %s vol=%.2f price=%.5f ticket=%d", side, req.Instrument, req.Volume, price, fill.OrderID)
	return &broker.Result{
		OrderID: fill.OrderID,
		Price:   price,
		Volume:  req.Volume,
		Comment: "Simulated fill",
		Retcode: 10009,
	}, nil
}

// Fills returns a copy of all simulated executions.
func (b *Broker) Fills() []Fill {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Fill, len(b.fills))
	copy(out, b.fills)
	return out
}

// Positions returns a snapshot of simulated open positions.
func (b *Broker) Positions() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}

func (b *Broker) updatePosition(f Fill) {
	pos, exists := b.positions[f.Instrument]
	if !exists {
		b.positions[f.Instrument] = &Position{
			Instrument: f.Instrument,
			Side:       f.Side,
			Volume:     f.Volume,
			EntryPrice: f.Price,
		}
		return
	}

	if f.Side == pos.Side {
		total := pos.Volume*pos.EntryPrice + f.Volume*f.Price
		pos.Volume += f.Volume
		if pos.Volume != 0 {
			pos.EntryPrice = total / pos.Volume
		}
		return
	}

	pos.Volume -= f.Volume
	switch {
	case pos.Volume < 1e-9 && pos.Volume > -1e-9:
		delete(b.positions, f.Instrument)
	case pos.Volume < 0:
		// Flipped through zero: the remainder opens on the new side.
		pos.Side = f.Side
		pos.Volume = -pos.Volume
		pos.EntryPrice = f.Price
	}
}

func (b *Broker) sleep(ctx context.Context) error {
	maxMs := b.cfg.LatencyMaxMs
	if maxMs <= 0 {
		return ctx.Err()
	}
	minMs := b.cfg.LatencyMinMs
	if minMs < 0 {
		minMs = 0
	}
	delayMs := minMs
	if span := maxMs - minMs; span > 0 {
		b.mu.Lock()
		delayMs += b.rng.Intn(span + 1)
		b.mu.Unlock()
	}
	if delayMs == 0 {
		return ctx.Err()
	}

	t := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
