package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// WriteOp is one buffered statement.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter buffers statements and commits them together, either when the
// buffer fills or on a timer.
type BatchWriter struct {
	db       *sql.DB
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []WriteOp

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	writes  atomic.Uint64
	batches atomic.Uint64
	errors  atomic.Uint64
}

// Stats reports totals since the writer was created.
type Stats struct {
	Writes  uint64 `json:"writes"`
	Batches uint64 `json:"batches"`
	Errors  uint64 `json:"errors"`
	Pending int    `json:"pending"`
}

// NewBatchWriter starts the background flush loop. maxSize <= 0 defaults to
// 50 and interval <= 0 to 500ms.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:       db,
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]WriteOp, 0, maxSize),
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.loop()
	return bw
}

// Write queues op and flushes synchronously once the buffer is full.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		if err := bw.Flush(context.Background()); err != nil {
			log.Printf("batch writer: flush: %v", err)
		}
	}
}

// Flush commits everything buffered so far in one transaction. A failing
// statement rolls back the whole batch; the batch is not retried.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	bw.batches.Add(1)
	bw.writes.Add(uint64(len(ops)))

	if err := bw.exec(ctx, ops); err != nil {
		bw.errors.Add(1)
		return err
	}
	return nil
}

func (bw *BatchWriter) exec(ctx context.Context, ops []WriteOp) error {
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("batch of %d rolled back: %w", len(ops), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				log.Printf("batch writer: background flush: %v", err)
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				log.Printf("batch writer: final flush: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of buffered statements.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BatchWriter) Stats() Stats {
	return Stats{
		Writes:  bw.writes.Load(),
		Batches: bw.batches.Load(),
		Errors:  bw.errors.Load(),
		Pending: bw.Pending(),
	}
}

// Close stops the loop after a final flush. Safe to call more than once.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
