package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signal-trader/internal/events"
	"signal-trader/internal/signal"
	"signal-trader/pkg/broker"
	"signal-trader/pkg/db"
)

// maxErrorMessage bounds the diagnostic stored with an error status.
const maxErrorMessage = 250

var entryPricePattern = regexp.MustCompile(`\d+\.?\d*`)

// Manager drives a signal from admission to a terminal order status.
type Manager struct {
	Sessions      SessionFactory
	Broker        broker.Broker
	Bus           *events.Bus // optional
	Metrics       Recorder    // optional
	DefaultVolume float64     // <= 0 uses db.DefaultVolume

	now func() time.Time
}

func NewManager(sessions SessionFactory, b broker.Broker, bus *events.Bus) *Manager {
	return &Manager{
		Sessions:      sessions,
		Broker:        b,
		Bus:           bus,
		DefaultVolume: db.DefaultVolume,
	}
}

// Process runs the lifecycle for one signal. It never returns an error and
// never panics: the persisted order status is the record of what happened.
func (m *Manager) Process(ctx context.Context, sig signal.Signal) (out Outcome) {
	start := m.clock()
	defer func() {
		if m.Metrics != nil {
			m.Metrics.ObserveOutcome(out.String(), m.clock().Sub(start).Seconds())
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("lifecycle: admission of %s panicked: %v", sig.SourceMessageID, r)
			out = OutcomeAdmissionFailed
		}
	}()

	if strings.TrimSpace(sig.SourceMessageID) == "" {
		log.Printf("lifecycle: signal for %s has no source message id, skipping", sig.Instrument)
		return OutcomeSkipped
	}

	sess, err := m.Sessions(ctx)
	if err != nil {
		log.Printf("lifecycle: open session for %s: %v", sig.SourceMessageID, err)
		return OutcomeAdmissionFailed
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Printf("lifecycle: close session for %s: %v", sig.SourceMessageID, err)
		}
	}()

	existing, err := sess.GetOrderBySourceID(ctx, sig.SourceMessageID)
	if err != nil {
		log.Printf("lifecycle: dedup lookup for %s: %v", sig.SourceMessageID, err)
		return OutcomeAdmissionFailed
	}
	if existing != nil {
		log.Printf("lifecycle: duplicate signal %s (order %d, %s)", sig.SourceMessageID, existing.ID, existing.Status)
		m.publishDuplicate(sig)
		return OutcomeDuplicate
	}

	ord, err := sess.AddOrder(ctx, m.newOrder(sig))
	if err != nil {
		if errors.Is(err, db.ErrDuplicateSourceID) {
			log.Printf("lifecycle: duplicate signal %s detected on insert", sig.SourceMessageID)
			m.publishDuplicate(sig)
			return OutcomeDuplicate
		}
		log.Printf("lifecycle: admit %s: %v", sig.SourceMessageID, err)
		return OutcomeAdmissionFailed
	}
	log.Printf("lifecycle: order %d pending for %s %s %s", ord.ID, ord.Action, ord.Instrument, ord.SourceMessageID)
	m.publish(events.EventOrderPending, ord)

	// Once the order exists its outcome must be written even if ctx is
	// cancelled while the backend call is in flight.
	wctx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			out = m.guard(wctx, sess, ord, fmt.Errorf("panic: %v", r))
		}
	}()

	out, err = m.execute(ctx, wctx, sess, ord, sig)
	if err != nil {
		out = m.guard(wctx, sess, ord, err)
	}
	return out
}

// execute resolves SL/TP, calls the backend with ctx and records the result
// with wctx. A returned error is an unexpected fault for the guard to handle.
func (m *Manager) execute(ctx, wctx context.Context, sess Session, ord *db.Order, sig signal.Signal) (Outcome, error) {
	req := broker.Request{
		Instrument: ord.Instrument,
		Side:       broker.Side(strings.ToUpper(ord.Action)),
		Volume:     ord.Volume,
		ClientID:   ord.SourceMessageID,
	}
	if ord.ParsedEntryPrice != nil {
		req.Price = *ord.ParsedEntryPrice
	}

	if sig.HasStopLoss() {
		sl, ok := positiveLevel(sig.StopLoss)
		if !ok {
			return m.fail(wctx, sess, ord, fmt.Sprintf("Invalid SL value: %s", sig.StopLoss))
		}
		req.StopLoss = sl
	}
	if len(sig.TakeProfits) > 0 {
		tp, ok := positiveLevel(sig.TakeProfits[0])
		if !ok {
			return m.fail(wctx, sess, ord, fmt.Sprintf("Invalid TP value: %s", sig.TakeProfits[0]))
		}
		req.TakeProfit = tp
	}

	name := m.Broker.Name()
	callStart := m.clock()
	res, err := m.Broker.PlaceOrder(ctx, req)
	if m.Metrics != nil {
		m.Metrics.ObserveBackend(name, err == nil && res.Placed(), m.clock().Sub(callStart).Seconds())
	}
	if err != nil {
		log.Printf("lifecycle: %s place order for %d: %v", name, ord.ID, err)
		res = nil
	}

	if res.Placed() {
		backendID := res.OrderID
		upd := db.StatusUpdate{
			BackendOrderID: &backendID,
			StatusMessage:  strPtr("Order executed successfully."),
		}
		if res.Price > 0 {
			price := res.Price
			upd.ExecutedPrice = &price
		}
		updated, err := sess.UpdateOrderStatus(wctx, ord.ID, db.StatusExecuted, upd)
		if err != nil {
			return OutcomeExecuted, fmt.Errorf("record execution of order %d: %w", ord.ID, err)
		}
		log.Printf("lifecycle: order %d executed, ticket=%d price=%.5f", ord.ID, backendID, res.Price)
		m.publish(events.EventOrderExecuted, updated)
		return OutcomeExecuted, nil
	}

	msg := fmt.Sprintf("%s order execution failed. Check %s connector logs.", name, name)
	if res != nil && strings.TrimSpace(res.Comment) != "" {
		msg = fmt.Sprintf("%s order failed: %s", name, res.Comment)
	}
	return m.fail(wctx, sess, ord, msg)
}

func (m *Manager) fail(ctx context.Context, sess Session, ord *db.Order, msg string) (Outcome, error) {
	updated, err := sess.UpdateOrderStatus(ctx, ord.ID, db.StatusFailed, db.StatusUpdate{StatusMessage: &msg})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("record failure of order %d: %w", ord.ID, err)
	}
	log.Printf("lifecycle: order %d failed: %s", ord.ID, msg)
	m.publish(events.EventOrderFailed, updated)
	return OutcomeFailed, nil
}

// guard moves the order to error unless it already reached executed or failed.
// It re-reads the stored status first.
func (m *Manager) guard(ctx context.Context, sess Session, ord *db.Order, cause error) (out Outcome) {
	log.Printf("lifecycle: unexpected error on order %d: %v", ord.ID, cause)
	out = OutcomeErrored
	defer func() {
		if r := recover(); r != nil {
			log.Printf("lifecycle: guard for order %d panicked: %v", ord.ID, r)
		}
	}()

	status, err := sess.OrderStatus(ctx, ord.ID)
	if err != nil {
		log.Printf("lifecycle: read status of order %d: %v", ord.ID, err)
		return out
	}
	if status.IsTerminal() {
		log.Printf("lifecycle: order %d already %s, error not recorded", ord.ID, status)
		return outcomeFor(status)
	}

	msg := truncate("Core logic processing error: "+cause.Error(), maxErrorMessage)
	updated, err := sess.UpdateOrderStatus(ctx, ord.ID, db.StatusError, db.StatusUpdate{StatusMessage: &msg})
	if err != nil {
		log.Printf("lifecycle: record error on order %d: %v", ord.ID, err)
		return out
	}
	m.publish(events.EventOrderError, updated)
	return out
}

func (m *Manager) newOrder(sig signal.Signal) db.NewOrder {
	volume := sig.Volume
	if volume <= 0 {
		volume = m.DefaultVolume
	}
	n := db.NewOrder{
		SourceMessageID:  sig.SourceMessageID,
		Instrument:       sig.Instrument,
		Action:           string(sig.Action),
		EntryRange:       sig.EntryRange,
		ParsedEntryPrice: ParseEntryPrice(sig.EntryRange),
		Volume:           volume,
		TakeProfits:      sig.TakeProfits,
	}
	if sig.HasStopLoss() {
		sl := sig.StopLoss
		n.StopLoss = &sl
	}
	return n
}

func (m *Manager) publishDuplicate(sig signal.Signal) {
	m.Bus.Publish(events.EventSignalDuplicate, events.SignalNotice{
		SourceMessageID: sig.SourceMessageID,
		Instrument:      sig.Instrument,
		Action:          string(sig.Action),
		Reason:          "duplicate",
		Time:            m.clock(),
	})
}

func (m *Manager) publish(e events.Event, o *db.Order) {
	if m.Bus == nil || o == nil {
		return
	}
	m.Bus.Publish(e, toUpdate(o, m.clock()))
}

func (m *Manager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

// ParseEntryPrice returns the first number in an entry range such as
// "2050.5-2051.0", or nil when there is none.
func ParseEntryPrice(entryRange string) *float64 {
	match := entryPricePattern.FindString(entryRange)
	if match == "" {
		return nil
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return nil
	}
	return &v
}

// positiveLevel converts a price level. ok is false when the text is not a
// number; a number <= 0 yields nil (not sent) with ok true.
func positiveLevel(text string) (*float64, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return nil, false
	}
	if !d.IsPositive() {
		return nil, true
	}
	v := d.InexactFloat64()
	return &v, true
}

func outcomeFor(status db.OrderStatus) Outcome {
	switch status {
	case db.StatusExecuted:
		return OutcomeExecuted
	case db.StatusFailed:
		return OutcomeFailed
	default:
		return OutcomeErrored
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func strPtr(s string) *string { return &s }
