package persistence

import (
	"context"
	"strings"
	"testing"
	"time"

	"signal-trader/internal/events"
	"signal-trader/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestBatchWriterFlushOnSize(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, 2, time.Hour)
	defer bw.Close()

	at := time.Now().UTC()
	bw.Write(WriteOp{Query: db.InsertEventSQL, Args: []any{"order.pending", "1:1", nil, "pending", "", "{}", at}})
	if bw.Pending() != 1 {
		t.Fatalf("Pending=%d, expected 1", bw.Pending())
	}
	bw.Write(WriteOp{Query: db.InsertEventSQL, Args: []any{"order.executed", "1:1", nil, "executed", "", "{}", at}})
	if bw.Pending() != 0 {
		t.Fatalf("Pending=%d, expected 0 after size flush", bw.Pending())
	}

	got, err := database.Queries().ListEvents(context.Background(), "1:1", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 2 || got[0].Event != "order.pending" || got[1].Event != "order.executed" {
		t.Fatalf("events=%+v", got)
	}
	if s := bw.Stats(); s.Writes != 2 || s.Batches != 1 || s.Errors != 0 {
		t.Fatalf("Stats=%+v", s)
	}
}

func TestBatchWriterRollsBackBadBatch(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, 10, time.Hour)
	defer bw.Close()

	bw.Write(WriteOp{Query: db.InsertEventSQL, Args: []any{"order.pending", "2:1", nil, "", "", "", time.Now().UTC()}})
	bw.Write(WriteOp{Query: "INSERT INTO missing_table VALUES (1)"})

	if err := bw.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	got, err := database.Queries().ListEvents(context.Background(), "2:1", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected rollback, found %d events", len(got))
	}
	if bw.Stats().Errors != 1 {
		t.Fatalf("Errors=%d, expected 1", bw.Stats().Errors)
	}
}

func TestBatchWriterCloseFlushes(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, 100, time.Hour)

	bw.Write(WriteOp{Query: db.InsertEventSQL, Args: []any{"signal.ignored", "3:1", nil, "", "no header line", "{}", time.Now().UTC()}})
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	got, err := database.Queries().ListEvents(context.Background(), "3:1", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 1 || got[0].Message != "no header line" {
		t.Fatalf("events=%+v", got)
	}
}

func TestJournalRecordsEvents(t *testing.T) {
	database := newTestDB(t)
	bus := events.NewBus()
	bw := NewBatchWriter(database.DB, 100, time.Hour)
	defer bw.Close()

	j := NewJournal(bus, bw)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	bus.Publish(events.EventSignalParsed, events.SignalNotice{SourceMessageID: "9:4", Instrument: "GOLD", Action: "Sell", Time: now})
	bus.Publish(events.EventOrderPending, events.OrderUpdate{OrderID: 7, SourceMessageID: "9:4", Status: "pending", Time: now})
	bus.Publish(events.EventOrderFailed, events.OrderUpdate{OrderID: 7, SourceMessageID: "9:4", Status: "failed", Message: "Invalid SL value: abc", Time: now})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("journal did not stop")
	}

	got, err := database.Queries().ListEvents(context.Background(), "9:4", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d, expected 3: %+v", len(got), got)
	}
	if got[0].Event != string(events.EventSignalParsed) || got[0].OrderID != nil {
		t.Errorf("first=%+v", got[0])
	}
	last := got[2]
	if last.Event != string(events.EventOrderFailed) || last.Status != "failed" || last.Message != "Invalid SL value: abc" {
		t.Errorf("last=%+v", last)
	}
	if last.OrderID == nil || *last.OrderID != 7 {
		t.Errorf("OrderID=%v, expected 7", last.OrderID)
	}
	if !strings.Contains(last.Payload, `"status":"failed"`) {
		t.Errorf("Payload=%s", last.Payload)
	}
}
