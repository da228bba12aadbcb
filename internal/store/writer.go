package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-data/floorsight/internal/monitoring"
	"github.com/kestrel-data/floorsight/internal/occupancy"
	"github.com/kestrel-data/floorsight/internal/queueing"
	"github.com/kestrel-data/floorsight/internal/visits"
)

// Op is one persistence operation applied inside a group transaction.
type Op func(ctx context.Context, tx *sql.Tx) error

// defaultWriterQueueDepth bounds the number of pending op groups per venue.
const defaultWriterQueueDepth = 256

// writerRetryDelays is the per-group backoff schedule. After the last delay
// fails the group is dropped; engine state is already ahead of the store and
// must not be held back by it.
var writerRetryDelays = []time.Duration{250 * time.Millisecond, time.Second, 4 * time.Second}

// writerTxTimeout bounds a single transaction attempt.
const writerTxTimeout = 10 * time.Second

// writerDrainBudget bounds how long Close keeps flushing queued groups.
const writerDrainBudget = 5 * time.Second

// Writer applies op groups to the store from a single goroutine, one
// transaction per group, so a processed sample's rows commit atomically.
// Enqueue never blocks: when the queue is full the group is dropped and
// counted. Do not Enqueue after Close.
type Writer struct {
	store   *Store
	venueID string
	queue   chan []Op
	done    chan struct{}

	retryDelays []time.Duration
	drainBudget time.Duration
	drainUntil  atomic.Int64 // UnixNano deadline; 0 while running

	enqueued atomic.Uint64
	applied  atomic.Uint64
	dropped  atomic.Uint64

	mu       sync.Mutex
	degraded bool
}

// WriterStats is a point-in-time counter snapshot.
type WriterStats struct {
	Enqueued uint64 `json:"enqueued"`
	Applied  uint64 `json:"applied"`
	Dropped  uint64 `json:"dropped"`
	Degraded bool   `json:"degraded"`
}

// NewWriter starts a writer for one venue. queueDepth <= 0 uses the default.
func NewWriter(s *Store, venueID string, queueDepth int) *Writer {
	if queueDepth <= 0 {
		queueDepth = defaultWriterQueueDepth
	}
	w := &Writer{
		store:       s,
		venueID:     venueID,
		queue:       make(chan []Op, queueDepth),
		done:        make(chan struct{}),
		retryDelays: writerRetryDelays,
		drainBudget: writerDrainBudget,
	}
	go w.loop()
	return w
}

// Enqueue hands a group of ops to the writer. The group applies in one
// transaction, in enqueue order relative to other groups.
func (w *Writer) Enqueue(ops ...Op) {
	if len(ops) == 0 {
		return
	}
	select {
	case w.queue <- ops:
		w.enqueued.Add(1)
	default:
		w.dropped.Add(1)
		w.setDegraded(true)
		monitoring.Logf("store writer[%s]: queue full, dropped group of %d ops", w.venueID, len(ops))
	}
}

// Close stops the writer, flushing queued groups within the drain budget.
// Groups still queued when the budget runs out are dropped and counted.
func (w *Writer) Close() {
	w.drainUntil.Store(time.Now().Add(w.drainBudget).UnixNano())
	close(w.queue)
	<-w.done
}

// drainDeadline returns the shutdown flush deadline once Close has set one.
func (w *Writer) drainDeadline() (time.Time, bool) {
	n := w.drainUntil.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// Degraded reports whether the last write attempt failed or a group was
// dropped. Clears on the next successful commit.
func (w *Writer) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// Stats returns the writer's counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Enqueued: w.enqueued.Load(),
		Applied:  w.applied.Load(),
		Dropped:  w.dropped.Load(),
		Degraded: w.Degraded(),
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	var expired uint64
	for group := range w.queue {
		if dl, ok := w.drainDeadline(); ok && !time.Now().Before(dl) {
			w.dropped.Add(1)
			expired++
			continue
		}
		w.applyGroup(group)
	}
	if expired > 0 {
		monitoring.Logf("store writer[%s]: drain budget exhausted, dropped %d queued groups", w.venueID, expired)
	}
}

func (w *Writer) applyGroup(group []Op) {
	var lastErr error
	for attempt := 0; attempt <= len(w.retryDelays); attempt++ {
		if attempt > 0 {
			delay := w.retryDelays[attempt-1]
			// No retry sleeps past the shutdown flush deadline.
			if dl, ok := w.drainDeadline(); ok && time.Now().Add(delay).After(dl) {
				break
			}
			time.Sleep(delay)
		}
		if lastErr = w.applyOnce(group); lastErr == nil {
			w.applied.Add(1)
			w.setDegraded(false)
			return
		}
	}
	w.dropped.Add(1)
	w.setDegraded(true)
	monitoring.Logf("store writer[%s]: dropping group of %d ops after %v",
		w.venueID, len(group), lastErr)
}

func (w *Writer) applyOnce(group []Op) error {
	ctx, cancel := context.WithTimeout(context.Background(), writerTxTimeout)
	defer cancel()
	if dl, ok := w.drainDeadline(); ok {
		dctx, dcancel := context.WithDeadline(ctx, dl)
		defer dcancel()
		ctx = dctx
	}

	tx, err := w.store.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin group tx: %w", err)
	}
	for _, op := range group {
		if err := op(ctx, tx); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group tx: %w", err)
	}
	return nil
}

func (w *Writer) setDegraded(v bool) {
	w.mu.Lock()
	changed := w.degraded != v
	w.degraded = v
	w.mu.Unlock()
	if !changed {
		return
	}
	if v {
		monitoring.Logf("store writer[%s]: persistence degraded", w.venueID)
	} else {
		monitoring.Logf("store writer[%s]: persistence recovered", w.venueID)
	}
}

// OpUpsertVisit persists a visit open or close.
func OpUpsertVisit(v visits.Visit) Op {
	return func(ctx context.Context, tx *sql.Tx) error {
		return upsertVisit(ctx, tx, &v)
	}
}

// OpUpsertQueueSession persists a queue session transition.
func OpUpsertQueueSession(qs queueing.Session) Op {
	return func(ctx context.Context, tx *sql.Tx) error {
		return upsertQueueSession(ctx, tx, &qs)
	}
}

// OpInsertSnapshots persists one tick's occupancy snapshots.
func OpInsertSnapshots(snaps []occupancy.Snapshot) Op {
	return func(ctx context.Context, tx *sql.Tx) error {
		return insertSnapshots(ctx, tx, snaps)
	}
}

// OpAppendLedger persists a ledger entry.
func OpAppendLedger(entry LedgerEntry) Op {
	return func(ctx context.Context, tx *sql.Tx) error {
		return appendLedger(ctx, tx, &entry)
	}
}
