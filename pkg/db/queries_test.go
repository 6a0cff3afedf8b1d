package db

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func ptr[T any](v T) *T { return &v }

func TestAddOrderDefaultsAndRoundTrip(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()
	ctx := context.Background()

	o, err := q.AddOrder(ctx, NewOrder{
		SourceMessageID:  "chat:1",
		Instrument:       "GOLD",
		Action:           "Sell",
		EntryRange:       "2050.5-2051.0",
		ParsedEntryPrice: ptr(2050.5),
		TakeProfits:      []string{"2048.0", "2045.5"},
		StopLoss:         ptr("2055.0"),
	})
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}

	if o.ID == 0 {
		t.Errorf("expected store-assigned id")
	}
	if o.Status != StatusPending {
		t.Errorf("Status=%s, expected pending", o.Status)
	}
	if o.Volume != DefaultVolume {
		t.Errorf("Volume=%v, expected %v", o.Volume, DefaultVolume)
	}
	if !reflect.DeepEqual(o.TakeProfits, []string{"2048.0", "2045.5"}) {
		t.Errorf("TakeProfits=%v", o.TakeProfits)
	}
	if o.StopLoss == nil || *o.StopLoss != "2055.0" {
		t.Errorf("StopLoss=%v", o.StopLoss)
	}
	if o.ParsedEntryPrice == nil || *o.ParsedEntryPrice != 2050.5 {
		t.Errorf("ParsedEntryPrice=%v", o.ParsedEntryPrice)
	}
	if o.ExecutedAt != nil || o.BackendOrderID != nil || o.ExecutedPrice != nil {
		t.Errorf("execution fields set on pending order: %+v", o)
	}
}

func TestAddOrderWithoutOptionalFields(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()

	o, err := q.AddOrder(context.Background(), NewOrder{
		SourceMessageID: "chat:2",
		Instrument:      "EURUSD",
		Action:          "Buy",
		EntryRange:      "1.1234-1.1236",
		Volume:          0.05,
	})
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}
	if o.TakeProfits != nil {
		t.Errorf("TakeProfits=%v, expected nil", o.TakeProfits)
	}
	if o.StopLoss != nil {
		t.Errorf("StopLoss=%v, expected nil", *o.StopLoss)
	}
	if o.Volume != 0.05 {
		t.Errorf("Volume=%v, expected 0.05", o.Volume)
	}
}

func TestAddOrderDuplicateSourceID(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()
	ctx := context.Background()

	in := NewOrder{SourceMessageID: "dup", Instrument: "GOLD", Action: "Buy", EntryRange: "1-2"}
	if _, err := q.AddOrder(ctx, in); err != nil {
		t.Fatalf("first AddOrder: %v", err)
	}
	_, err := q.AddOrder(ctx, in)
	if !errors.Is(err, ErrDuplicateSourceID) {
		t.Fatalf("expected ErrDuplicateSourceID, got %v", err)
	}

	all, err := q.ListOrders(ctx, 10)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 order, got %d", len(all))
	}
}

func TestAddOrderRequiresSourceID(t *testing.T) {
	database := newTestDB(t)
	_, err := database.Queries().AddOrder(context.Background(), NewOrder{Instrument: "GOLD"})
	if !errors.Is(err, ErrSourceIDRequired) {
		t.Fatalf("expected ErrSourceIDRequired, got %v", err)
	}
}

func TestGetOrderBySourceIDMissing(t *testing.T) {
	database := newTestDB(t)
	o, err := database.Queries().GetOrderBySourceID(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o != nil {
		t.Fatalf("expected nil order, got %+v", o)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()
	ctx := context.Background()

	first := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	q.now = func() time.Time { return first }

	o, err := q.AddOrder(ctx, NewOrder{SourceMessageID: "u1", Instrument: "GOLD", Action: "Sell", EntryRange: "1-2"})
	if err != nil {
		t.Fatalf("AddOrder: %v", err)
	}

	t.Run("executed stamps time and fields", func(t *testing.T) {
		got, err := q.UpdateOrderStatus(ctx, o.ID, StatusExecuted, StatusUpdate{
			BackendOrderID: ptr(int64(98765)),
			ExecutedPrice:  ptr(2050.6),
			StatusMessage:  ptr("Order executed successfully."),
		})
		if err != nil {
			t.Fatalf("UpdateOrderStatus: %v", err)
		}
		if got.Status != StatusExecuted {
			t.Errorf("Status=%s", got.Status)
		}
		if got.BackendOrderID == nil || *got.BackendOrderID != 98765 {
			t.Errorf("BackendOrderID=%v", got.BackendOrderID)
		}
		if got.ExecutedPrice == nil || *got.ExecutedPrice != 2050.6 {
			t.Errorf("ExecutedPrice=%v", got.ExecutedPrice)
		}
		if got.ExecutedAt == nil || !got.ExecutedAt.Equal(first) {
			t.Errorf("ExecutedAt=%v, expected %v", got.ExecutedAt, first)
		}
	})

	t.Run("executed again keeps first timestamp and null fields untouched", func(t *testing.T) {
		q.now = func() time.Time { return first.Add(time.Hour) }
		got, err := q.UpdateOrderStatus(ctx, o.ID, StatusExecuted, StatusUpdate{})
		if err != nil {
			t.Fatalf("UpdateOrderStatus: %v", err)
		}
		if got.ExecutedAt == nil || !got.ExecutedAt.Equal(first) {
			t.Errorf("ExecutedAt=%v, expected %v", got.ExecutedAt, first)
		}
		if got.BackendOrderID == nil || *got.BackendOrderID != 98765 {
			t.Errorf("BackendOrderID cleared: %v", got.BackendOrderID)
		}
		if got.StatusMessage == nil || *got.StatusMessage != "Order executed successfully." {
			t.Errorf("StatusMessage=%v", got.StatusMessage)
		}
	})

	t.Run("status read", func(t *testing.T) {
		st, err := q.OrderStatus(ctx, o.ID)
		if err != nil {
			t.Fatalf("OrderStatus: %v", err)
		}
		if st != StatusExecuted {
			t.Errorf("OrderStatus=%s", st)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, err := q.UpdateOrderStatus(ctx, 999999, StatusFailed, StatusUpdate{}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := q.OrderStatus(ctx, 999999); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListPendingOrders(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.AddOrder(ctx, NewOrder{SourceMessageID: id, Instrument: "GOLD", Action: "Buy", EntryRange: "1-2"}); err != nil {
			t.Fatalf("AddOrder %s: %v", id, err)
		}
	}
	b, err := q.GetOrderBySourceID(ctx, "b")
	if err != nil || b == nil {
		t.Fatalf("GetOrderBySourceID: %v", err)
	}
	if _, err := q.UpdateOrderStatus(ctx, b.ID, StatusFailed, StatusUpdate{StatusMessage: ptr("nope")}); err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}

	pending, err := q.ListPendingOrders(ctx)
	if err != nil {
		t.Fatalf("ListPendingOrders: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending orders, got %d", len(pending))
	}
	for _, o := range pending {
		if o.SourceMessageID == "b" {
			t.Errorf("failed order listed as pending")
		}
	}

	recent, err := q.ListOrders(ctx, 2)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(recent) != 2 || recent[0].SourceMessageID != "c" {
		t.Fatalf("ListOrders newest-first violated: %+v", recent)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	sess, err := database.Session(ctx)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if _, err := sess.AddOrder(ctx, NewOrder{SourceMessageID: "s1", Instrument: "GOLD", Action: "Buy", EntryRange: "1-2"}); err != nil {
		t.Fatalf("AddOrder in session: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	o, err := database.Queries().GetOrderBySourceID(ctx, "s1")
	if err != nil || o == nil {
		t.Fatalf("order written through session not visible: %v", err)
	}
}

func TestOpenSessionDoesNotBlockReaders(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	sess, err := database.Session(ctx)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	defer sess.Close()
	if _, err := sess.AddOrder(ctx, NewOrder{SourceMessageID: "s2", Instrument: "GOLD", Action: "Sell", EntryRange: "1-2"}); err != nil {
		t.Fatalf("AddOrder in session: %v", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	orders, err := database.Queries().ListOrders(readCtx, 10)
	if err != nil {
		t.Fatalf("ListOrders while session open: %v", err)
	}
	if len(orders) != 1 || orders[0].SourceMessageID != "s2" {
		t.Fatalf("orders=%+v", orders)
	}
	if err := database.Ping(readCtx); err != nil {
		t.Fatalf("Ping while session open: %v", err)
	}
}

func TestSessionRejectsCancelledContext(t *testing.T) {
	database := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := database.Session(ctx); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
