package order

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"signal-trader/internal/events"
	"signal-trader/internal/signal"
	"signal-trader/pkg/broker"
	"signal-trader/pkg/db"
)

// memStore is an in-memory order store shared by the sessions it hands out.
type memStore struct {
	mu     sync.Mutex
	orders map[int64]*db.Order
	nextID int64
	opened int
	closed int

	addErr    error // returned by AddOrder when set
	addPanic  any   // AddOrder panics with this when set
	updateErr error // returned by UpdateOrderStatus after applying the update
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[int64]*db.Order)}
}

func (s *memStore) factory() SessionFactory {
	return func(ctx context.Context) (Session, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.opened++
		return &memSession{store: s}, nil
	}
}

func (s *memStore) all() []db.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	return out
}

type memSession struct {
	store  *memStore
	closed bool
}

func (m *memSession) GetOrderBySourceID(ctx context.Context, sourceID string) (*db.Order, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	for _, o := range m.store.orders {
		if o.SourceMessageID == sourceID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSession) AddOrder(ctx context.Context, n db.NewOrder) (*db.Order, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.addErr != nil {
		return nil, m.store.addErr
	}
	if m.store.addPanic != nil {
		panic(m.store.addPanic)
	}
	m.store.nextID++
	o := &db.Order{
		ID:               m.store.nextID,
		SourceMessageID:  n.SourceMessageID,
		Instrument:       n.Instrument,
		Action:           n.Action,
		EntryRange:       n.EntryRange,
		ParsedEntryPrice: n.ParsedEntryPrice,
		Volume:           n.Volume,
		TakeProfits:      n.TakeProfits,
		StopLoss:         n.StopLoss,
		Status:           db.StatusPending,
		CreatedAt:        time.Now(),
	}
	m.store.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (m *memSession) UpdateOrderStatus(ctx context.Context, id int64, status db.OrderStatus, upd db.StatusUpdate) (*db.Order, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	o, ok := m.store.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	o.Status = status
	if upd.BackendOrderID != nil {
		o.BackendOrderID = upd.BackendOrderID
	}
	if upd.ExecutedPrice != nil {
		o.ExecutedPrice = upd.ExecutedPrice
	}
	if upd.StatusMessage != nil {
		o.StatusMessage = upd.StatusMessage
	}
	if status == db.StatusExecuted && o.ExecutedAt == nil {
		now := time.Now()
		o.ExecutedAt = &now
	}
	if m.store.updateErr != nil && status != db.StatusError {
		return nil, m.store.updateErr
	}
	cp := *o
	return &cp, nil
}

func (m *memSession) OrderStatus(ctx context.Context, id int64) (db.OrderStatus, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	o, ok := m.store.orders[id]
	if !ok {
		return "", db.ErrNotFound
	}
	return o.Status, nil
}

func (m *memSession) Close() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.store.closed++
	}
	return nil
}

// stubBroker records requests and replies with a canned result.
type stubBroker struct {
	calls  []broker.Request
	result *broker.Result
	err    error
	panic  any
	before func() // runs inside PlaceOrder before it returns
}

func (b *stubBroker) Name() string { return "MT5" }

func (b *stubBroker) PlaceOrder(ctx context.Context, req broker.Request) (*broker.Result, error) {
	b.calls = append(b.calls, req)
	if b.before != nil {
		b.before()
	}
	if b.panic != nil {
		panic(b.panic)
	}
	return b.result, b.err
}

func goldSignal(id string) signal.Signal {
	return signal.Signal{
		SourceMessageID: id,
		Instrument:      "GOLD",
		Action:          signal.ActionSell,
		EntryRange:      "2050.5-2051.0",
		TakeProfits:     []string{"2048.0", "2045.5"},
		StopLoss:        "2055.0",
	}
}

func placed() *broker.Result {
	return &broker.Result{OrderID: 555, Price: 2050.4, Volume: 0.01, Retcode: 10009}
}

func onlyOrder(t *testing.T, store *memStore) db.Order {
	t.Helper()
	all := store.all()
	if len(all) != 1 {
		t.Fatalf("orders=%d, expected 1", len(all))
	}
	return all[0]
}

func TestProcessExecuted(t *testing.T) {
	store := newMemStore()
	stub := &stubBroker{result: placed()}
	m := NewManager(store.factory(), stub, nil)

	if out := m.Process(context.Background(), goldSignal("1:10")); out != OutcomeExecuted {
		t.Fatalf("outcome=%s, expected executed", out)
	}

	if len(stub.calls) != 1 {
		t.Fatalf("backend calls=%d, expected 1", len(stub.calls))
	}
	req := stub.calls[0]
	if req.Instrument != "GOLD" || req.Side != broker.SideSell || req.Volume != db.DefaultVolume {
		t.Errorf("unexpected request %+v", req)
	}
	if req.StopLoss == nil || *req.StopLoss != 2055.0 {
		t.Errorf("StopLoss=%v, expected 2055", req.StopLoss)
	}
	if req.TakeProfit == nil || *req.TakeProfit != 2048.0 {
		t.Errorf("TakeProfit=%v, expected first level 2048", req.TakeProfit)
	}
	if req.Price != 2050.5 {
		t.Errorf("Price=%v, expected 2050.5", req.Price)
	}

	o := onlyOrder(t, store)
	if o.Status != db.StatusExecuted {
		t.Fatalf("status=%s, expected executed", o.Status)
	}
	if o.BackendOrderID == nil || *o.BackendOrderID != 555 {
		t.Errorf("BackendOrderID=%v, expected 555", o.BackendOrderID)
	}
	if o.ExecutedPrice == nil || *o.ExecutedPrice != 2050.4 {
		t.Errorf("ExecutedPrice=%v, expected 2050.4", o.ExecutedPrice)
	}
	if o.ExecutedAt == nil {
		t.Errorf("ExecutedAt not set")
	}
	if len(o.TakeProfits) != 2 {
		t.Errorf("TakeProfits=%v, expected both levels retained", o.TakeProfits)
	}
	if store.closed != store.opened {
		t.Errorf("sessions opened=%d closed=%d", store.opened, store.closed)
	}
}

func TestProcessInvalidLevelsSkipBackend(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*signal.Signal)
		message string
	}{
		{"stop loss", func(s *signal.Signal) { s.StopLoss = "not_a_number" }, "Invalid SL value: not_a_number"},
		{"take profit", func(s *signal.Signal) { s.TakeProfits = []string{"abc", "2045"} }, "Invalid TP value: abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			stub := &stubBroker{result: placed()}
			m := NewManager(store.factory(), stub, nil)

			sig := goldSignal("1:11")
			tt.mutate(&sig)
			if out := m.Process(context.Background(), sig); out != OutcomeFailed {
				t.Fatalf("outcome=%s, expected failed", out)
			}
			if len(stub.calls) != 0 {
				t.Fatalf("backend invoked %d times, expected never", len(stub.calls))
			}
			o := onlyOrder(t, store)
			if o.Status != db.StatusFailed {
				t.Fatalf("status=%s, expected failed", o.Status)
			}
			if o.StatusMessage == nil || *o.StatusMessage != tt.message {
				t.Fatalf("StatusMessage=%v, expected %q", o.StatusMessage, tt.message)
			}
			if store.closed != store.opened {
				t.Errorf("sessions opened=%d closed=%d", store.opened, store.closed)
			}
		})
	}
}

func TestProcessNonPositiveLevelsNotSent(t *testing.T) {
	store := newMemStore()
	stub := &stubBroker{result: placed()}
	m := NewManager(store.factory(), stub, nil)

	sig := goldSignal("1:12")
	sig.StopLoss = "0"
	sig.TakeProfits = []string{"-5"}
	if out := m.Process(context.Background(), sig); out != OutcomeExecuted {
		t.Fatalf("outcome=%s, expected executed", out)
	}
	req := stub.calls[0]
	if req.StopLoss != nil || req.TakeProfit != nil {
		t.Fatalf("SL=%v TP=%v, expected neither sent", req.StopLoss, req.TakeProfit)
	}
}

func TestProcessNoLevels(t *testing.T) {
	store := newMemStore()
	stub := &stubBroker{result: placed()}
	m := NewManager(store.factory(), stub, nil)

	sig := goldSignal("1:13")
	sig.StopLoss = ""
	sig.TakeProfits = nil
	sig.Volume = 0.5
	m.Process(context.Background(), sig)

	req := stub.calls[0]
	if req.StopLoss != nil || req.TakeProfit != nil {
		t.Fatalf("SL=%v TP=%v, expected neither sent", req.StopLoss, req.TakeProfit)
	}
	if req.Volume != 0.5 {
		t.Fatalf("Volume=%v, expected 0.5", req.Volume)
	}
	if o := onlyOrder(t, store); o.StopLoss != nil {
		t.Fatalf("StopLoss=%v, expected nil", *o.StopLoss)
	}
}

func TestProcessBackendFailure(t *testing.T) {
	tests := []struct {
		name    string
		result  *broker.Result
		err     error
		message string
	}{
		{"comment", &broker.Result{Retcode: 10019, Comment: "No money"}, nil, "MT5 order failed: No money"},
		{"no comment", &broker.Result{}, nil, "MT5 order execution failed. Check MT5 connector logs."},
		{"no result", nil, nil, "MT5 order execution failed. Check MT5 connector logs."},
		{"transport error", nil, broker.ErrNoResult, "MT5 order execution failed. Check MT5 connector logs."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			m := NewManager(store.factory(), &stubBroker{result: tt.result, err: tt.err}, nil)

			if out := m.Process(context.Background(), goldSignal("1:20")); out != OutcomeFailed {
				t.Fatalf("outcome=%s, expected failed", out)
			}
			o := onlyOrder(t, store)
			if o.Status != db.StatusFailed {
				t.Fatalf("status=%s, expected failed", o.Status)
			}
			if o.StatusMessage == nil || *o.StatusMessage != tt.message {
				t.Fatalf("StatusMessage=%v, expected %q", o.StatusMessage, tt.message)
			}
			if o.ExecutedAt != nil || o.BackendOrderID != nil {
				t.Fatalf("failed order carries execution fields: %+v", o)
			}
		})
	}
}

func TestProcessDuplicate(t *testing.T) {
	store := newMemStore()
	stub := &stubBroker{result: placed()}
	m := NewManager(store.factory(), stub, nil)

	first := m.Process(context.Background(), goldSignal("1:30"))
	before := onlyOrder(t, store)

	second := m.Process(context.Background(), goldSignal("1:30"))
	after := onlyOrder(t, store)

	if first != OutcomeExecuted || second != OutcomeDuplicate {
		t.Fatalf("outcomes=%s,%s expected executed,duplicate", first, second)
	}
	if len(stub.calls) != 1 {
		t.Fatalf("backend calls=%d, expected 1", len(stub.calls))
	}
	if !before.ExecutedAt.Equal(*after.ExecutedAt) || after.Status != before.Status {
		t.Fatalf("duplicate mutated order: before=%+v after=%+v", before, after)
	}
	if store.closed != 2 || store.opened != 2 {
		t.Fatalf("sessions opened=%d closed=%d, expected 2/2", store.opened, store.closed)
	}
}

func TestProcessInsertRaceIsDuplicate(t *testing.T) {
	store := newMemStore()
	store.addErr = errors.Join(db.ErrDuplicateSourceID, errors.New("UNIQUE constraint failed"))
	stub := &stubBroker{result: placed()}
	m := NewManager(store.factory(), stub, nil)

	if out := m.Process(context.Background(), goldSignal("1:31")); out != OutcomeDuplicate {
		t.Fatalf("outcome=%s, expected duplicate", out)
	}
	if len(stub.calls) != 0 {
		t.Fatalf("backend invoked on duplicate")
	}
	if store.closed != 1 {
		t.Fatalf("session not closed")
	}
}

func TestProcessAdmissionFailure(t *testing.T) {
	store := newMemStore()
	store.addErr = errors.New("disk I/O error")
	stub := &stubBroker{result: placed()}
	m := NewManager(store.factory(), stub, nil)

	if out := m.Process(context.Background(), goldSignal("1:32")); out != OutcomeAdmissionFailed {
		t.Fatalf("outcome=%s, expected admission_failed", out)
	}
	if len(stub.calls) != 0 || len(store.all()) != 0 {
		t.Fatalf("admission failure had side effects")
	}
	if store.closed != 1 {
		t.Fatalf("session not closed")
	}
}

func TestProcessAdmissionPanic(t *testing.T) {
	store := newMemStore()
	store.addPanic = "corrupt page"
	stub := &stubBroker{result: placed()}
	rec := &recordedOutcome{}
	m := NewManager(store.factory(), stub, nil)
	m.Metrics = rec

	if out := m.Process(context.Background(), goldSignal("1:33")); out != OutcomeAdmissionFailed {
		t.Fatalf("outcome=%s, expected admission_failed", out)
	}
	if len(stub.calls) != 0 {
		t.Fatalf("backend called after admission panic")
	}
	if store.closed != 1 {
		t.Fatalf("session not closed")
	}
	if rec.outcome != "admission_failed" {
		t.Fatalf("recorded outcome=%q", rec.outcome)
	}
}

func TestProcessSessionOpenFailure(t *testing.T) {
	stub := &stubBroker{result: placed()}
	m := NewManager(func(ctx context.Context) (Session, error) {
		return nil, errors.New("database is locked")
	}, stub, nil)

	if out := m.Process(context.Background(), goldSignal("1:33")); out != OutcomeAdmissionFailed {
		t.Fatalf("outcome=%s, expected admission_failed", out)
	}
	if len(stub.calls) != 0 {
		t.Fatalf("backend invoked without an order")
	}
}

func TestProcessMissingSourceID(t *testing.T) {
	stub := &stubBroker{result: placed()}
	m := NewManager(func(ctx context.Context) (Session, error) {
		t.Fatalf("session opened for a signal without id")
		return nil, nil
	}, stub, nil)

	if out := m.Process(context.Background(), goldSignal("  ")); out != OutcomeSkipped {
		t.Fatalf("outcome=%s, expected skipped", out)
	}
	if len(stub.calls) != 0 {
		t.Fatalf("backend invoked")
	}
}

func TestProcessUnexpectedFaultRecordsError(t *testing.T) {
	store := newMemStore()
	stub := &stubBroker{panic: strings.Repeat("x", 400)}
	m := NewManager(store.factory(), stub, nil)

	if out := m.Process(context.Background(), goldSignal("1:40")); out != OutcomeErrored {
		t.Fatalf("outcome=%s, expected errored", out)
	}
	o := onlyOrder(t, store)
	if o.Status != db.StatusError {
		t.Fatalf("status=%s, expected error", o.Status)
	}
	if o.StatusMessage == nil || !strings.HasPrefix(*o.StatusMessage, "Core logic processing error: panic: x") {
		t.Fatalf("StatusMessage=%v", o.StatusMessage)
	}
	if n := len([]rune(*o.StatusMessage)); n != maxErrorMessage {
		t.Fatalf("message length=%d, expected %d", n, maxErrorMessage)
	}
	if store.closed != store.opened {
		t.Fatalf("sessions opened=%d closed=%d", store.opened, store.closed)
	}
}

func TestProcessErrorDoesNotOverwriteTerminal(t *testing.T) {
	tests := []struct {
		name    string
		broker  *stubBroker
		status  db.OrderStatus
		outcome Outcome
	}{
		{"executed", &stubBroker{result: placed()}, db.StatusExecuted, OutcomeExecuted},
		{"failed", &stubBroker{result: &broker.Result{Comment: "Market closed"}}, db.StatusFailed, OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			// the terminal write lands but reports an error afterwards
			store.updateErr = errors.New("connection reset")
			m := NewManager(store.factory(), tt.broker, nil)

			if out := m.Process(context.Background(), goldSignal("1:41")); out != tt.outcome {
				t.Fatalf("outcome=%s, expected %s", out, tt.outcome)
			}
			if o := onlyOrder(t, store); o.Status != tt.status {
				t.Fatalf("status=%s, expected %s kept", o.Status, tt.status)
			}
		})
	}
}

func TestProcessPublishesEvents(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.SubscribeMany(append(events.OrderEvents, events.EventSignalDuplicate), 8)
	defer unsub()

	store := newMemStore()
	m := NewManager(store.factory(), &stubBroker{result: placed()}, bus)
	m.Process(context.Background(), goldSignal("1:50"))
	m.Process(context.Background(), goldSignal("1:50"))

	want := []events.Event{events.EventOrderPending, events.EventOrderExecuted, events.EventSignalDuplicate}
	for _, e := range want {
		env := (<-ch).(events.Envelope)
		if env.Event != e {
			t.Fatalf("event=%s, expected %s", env.Event, e)
		}
	}
}

type recordedOutcome struct {
	outcome string
	backend int
}

func (r *recordedOutcome) ObserveOutcome(outcome string, seconds float64) { r.outcome = outcome }
func (r *recordedOutcome) ObserveBackend(backend string, ok bool, seconds float64) {
	r.backend++
}

func TestProcessRecordsMetrics(t *testing.T) {
	store := newMemStore()
	rec := &recordedOutcome{}
	m := NewManager(store.factory(), &stubBroker{result: placed()}, nil)
	m.Metrics = rec

	m.Process(context.Background(), goldSignal("1:60"))
	if rec.outcome != "executed" || rec.backend != 1 {
		t.Fatalf("recorded %+v", rec)
	}
}

func TestProcessWithSQLite(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	stub := &stubBroker{result: placed()}
	m := NewManager(DatabaseSessions(database), stub, nil)
	ctx := context.Background()

	if out := m.Process(ctx, goldSignal("-100:7")); out != OutcomeExecuted {
		t.Fatalf("outcome=%s, expected executed", out)
	}
	if out := m.Process(ctx, goldSignal("-100:7")); out != OutcomeDuplicate {
		t.Fatalf("outcome=%s, expected duplicate", out)
	}

	bad := goldSignal("-100:8")
	bad.StopLoss = "not_a_number"
	if out := m.Process(ctx, bad); out != OutcomeFailed {
		t.Fatalf("outcome=%s, expected failed", out)
	}

	orders, err := database.Queries().ListOrders(ctx, 10)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders=%d, expected 2", len(orders))
	}
	got, err := database.Queries().GetOrderBySourceID(ctx, "-100:7")
	if err != nil || got == nil {
		t.Fatalf("GetOrderBySourceID: %v, %v", got, err)
	}
	if got.Status != db.StatusExecuted || got.ExecutedAt == nil || got.ParsedEntryPrice == nil || *got.ParsedEntryPrice != 2050.5 {
		t.Fatalf("unexpected order %+v", got)
	}
	if len(stub.calls) != 1 {
		t.Fatalf("backend calls=%d, expected 1", len(stub.calls))
	}
}

func TestProcessRecordsOutcomeAfterCancel(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stub := &stubBroker{
		result: &broker.Result{OrderID: 777, Price: 2050.4, Volume: 0.01, Retcode: 10009},
		before: cancel,
	}
	m := NewManager(DatabaseSessions(database), stub, nil)

	if out := m.Process(ctx, goldSignal("-100:9")); out != OutcomeExecuted {
		t.Fatalf("outcome=%s, expected executed", out)
	}
	if ctx.Err() == nil {
		t.Fatalf("context was not cancelled during the backend call")
	}

	got, err := database.Queries().GetOrderBySourceID(context.Background(), "-100:9")
	if err != nil || got == nil {
		t.Fatalf("GetOrderBySourceID: %v, %v", got, err)
	}
	if got.Status != db.StatusExecuted {
		t.Fatalf("status=%s, expected executed", got.Status)
	}
	if got.BackendOrderID == nil || *got.BackendOrderID != 777 {
		t.Fatalf("BackendOrderID=%v, expected 777", got.BackendOrderID)
	}
}

func TestParseEntryPrice(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"2050.5-2051.0", 2050.5, true},
		{"3358-3360", 3358, true},
		{"1.1234-1.1236", 1.1234, true},
		{"", 0, false},
		{"n/a", 0, false},
	}
	for _, tt := range tests {
		got := ParseEntryPrice(tt.in)
		if (got != nil) != tt.ok {
			t.Errorf("ParseEntryPrice(%q)=%v, expected ok=%v", tt.in, got, tt.ok)
			continue
		}
		if got != nil && *got != tt.want {
			t.Errorf("ParseEntryPrice(%q)=%v, expected %v", tt.in, *got, tt.want)
		}
	}
}
