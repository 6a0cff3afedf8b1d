// Package broker defines the execution backend port used by the order lifecycle.
package broker

import (
	"context"
	"errors"
)

// Side denotes order side as understood by the execution backend.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ErrNoResult is returned when the backend produced no result at all
// (transport failure, terminal not connected, ...).
var ErrNoResult = errors.New("broker returned no result")

// Request is a market order intent.
type Request struct {
	Instrument string
	Side       Side
	Volume     float64
	StopLoss   *float64 // nil when not set
	TakeProfit *float64 // nil when not set
	// Price is a reference price for simulators; live backends fill at market.
	Price    float64
	ClientID string
}

// Result is the backend acknowledgement. A zero OrderID means the order was not placed.
type Result struct {
	OrderID int64   `json:"order_id"`
	Price   float64 `json:"price"`
	Volume  float64 `json:"volume"`
	Comment string  `json:"comment,omitempty"`
	Retcode int     `json:"retcode"`
}

// Placed reports whether the backend assigned an order id.
func (r *Result) Placed() bool {
	return r != nil && r.OrderID != 0
}

// Broker places market orders.
type Broker interface {
	Name() string
	PlaceOrder(ctx context.Context, req Request) (*Result, error)
}
