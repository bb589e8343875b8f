package sqlstore

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"sync"

	"github.com/c360/eventbroker/metric"
)

// task is one unit of work bound to a logical connection. Statements tagged
// with an action mask keep the mask pending until the task completes.
type task struct {
	fn   func(tx *sql.Tx) error
	mask action
	done chan error // nil for fire-and-forget statements
}

// connWorker owns one logical DB connection. Statements submitted to it
// execute in submission order on a single goroutine; batches of
// queriesPerTx statements share one transaction.
type connWorker struct {
	id     int
	db     *sql.DB
	logger *slog.Logger
	mets   *metric.Metrics

	queue chan task

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[action]int // outstanding statement count per action bit
	queued  int
	closed  bool

	queriesPerTx int
	wg           sync.WaitGroup
}

func newConnWorker(id int, db *sql.DB, queriesPerTx int, logger *slog.Logger, mets *metric.Metrics) *connWorker {
	w := &connWorker{
		id:           id,
		db:           db,
		logger:       logger,
		mets:         mets,
		queue:        make(chan task, 4096),
		pending:      make(map[action]int),
		queriesPerTx: queriesPerTx,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *connWorker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *connWorker) run(ctx context.Context) {
	defer w.wg.Done()

	var tx *sql.Tx
	inTx := 0
	label := strconv.Itoa(w.id)

	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			w.logger.Error("transaction commit failed", "connection", w.id, "error", err)
			if w.mets != nil {
				w.mets.SQLErrors.WithLabelValues(label).Inc()
			}
		}
		tx = nil
		inTx = 0
	}

	for {
		var t task
		var ok bool
		if tx != nil {
			// A transaction is open: commit as soon as the queue idles so
			// writes become visible without waiting for the batch to fill.
			select {
			case t, ok = <-w.queue:
			default:
				commit()
				t, ok = <-w.queue
			}
		} else {
			t, ok = <-w.queue
		}
		if !ok {
			commit()
			return
		}

		if t.fn == nil {
			// Barrier task: make everything before it visible.
			commit()
			w.finishTask(t, nil)
			continue
		}

		if tx == nil {
			var err error
			tx, err = w.db.BeginTx(ctx, nil)
			if err != nil {
				w.logger.Error("begin transaction failed", "connection", w.id, "error", err)
				w.finishTask(t, err)
				continue
			}
		}

		err := t.fn(tx)
		if w.mets != nil {
			w.mets.SQLStatements.WithLabelValues(label).Inc()
			if err != nil {
				w.mets.SQLErrors.WithLabelValues(label).Inc()
			}
		}
		if err != nil {
			// One poisonous statement must not stop the pipeline: log, drop
			// the event, keep the connection.
			w.logger.Error("statement failed", "connection", w.id, "error", err)
		}
		inTx++
		if inTx >= w.queriesPerTx {
			commit()
		}
		w.finishTask(t, err)
	}
}

func (w *connWorker) finishTask(t task, err error) {
	w.mu.Lock()
	if t.mask != 0 {
		for bit := action(1); bit <= t.mask && bit != 0; bit <<= 1 {
			if t.mask&bit != 0 {
				if w.pending[bit] > 0 {
					w.pending[bit]--
				}
			}
		}
	}
	w.queued--
	w.cond.Broadcast()
	w.mu.Unlock()
	if t.done != nil {
		t.done <- err
	}
}

// submit enqueues a task, blocking only if the connection's queue is full.
// Tasks submitted after close are completed immediately without running.
func (w *connWorker) submit(t task) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		if t.done != nil {
			t.done <- nil
		}
		return
	}
	if t.mask != 0 {
		for bit := action(1); bit <= t.mask && bit != 0; bit <<= 1 {
			if t.mask&bit != 0 {
				w.pending[bit]++
			}
		}
	}
	w.queued++
	w.mu.Unlock()
	w.queue <- t
}

// waitMask blocks until no statement tagged with a bit of mask is pending on
// this connection.
func (w *connWorker) waitMask(mask action) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		busy := false
		for bit := action(1); bit <= mask && bit != 0; bit <<= 1 {
			if mask&bit != 0 && w.pending[bit] > 0 {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		w.cond.Wait()
	}
}

func (w *connWorker) load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queued
}

func (w *connWorker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	close(w.queue)
	w.wg.Wait()
}

// pool is the set of logical connections of the persister.
type pool struct {
	workers []*connWorker
}

func newPool(db *sql.DB, n, queriesPerTx int, logger *slog.Logger, mets *metric.Metrics) *pool {
	p := &pool{}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, newConnWorker(i, db, queriesPerTx, logger, mets))
	}
	return p
}

func (p *pool) start(ctx context.Context) {
	for _, w := range p.workers {
		w.start(ctx)
	}
}

func (p *pool) close() {
	for _, w := range p.workers {
		w.close()
	}
}

func (p *pool) size() int { return len(p.workers) }

// byInstance returns a stable connection for an instance, serializing all
// writes of one poller.
func (p *pool) byInstance(instanceID uint32) int {
	return int(instanceID) % len(p.workers)
}

// special returns the fixed connection serializing a shared-table family.
func (p *pool) special(s specialConn) int {
	return int(s) % len(p.workers)
}

// best returns the least-loaded connection for independent writes.
func (p *pool) best() int {
	bestIdx, bestLoad := 0, int(^uint(0)>>1)
	for i, w := range p.workers {
		if l := w.load(); l < bestLoad {
			bestIdx, bestLoad = i, l
		}
	}
	return bestIdx
}

// run enqueues a fire-and-forget statement tagged with mask on conn.
func (p *pool) run(conn int, mask action, fn func(tx *sql.Tx) error) {
	p.workers[conn].submit(task{fn: fn, mask: mask})
}

// runWait enqueues a statement and waits for its completion, returning its
// error. Used where the handler needs a result (insert ids, selects).
func (p *pool) runWait(conn int, mask action, fn func(tx *sql.Tx) error) error {
	done := make(chan error, 1)
	p.workers[conn].submit(task{fn: fn, mask: mask, done: done})
	return <-done
}

// finish blocks until every pending statement on conn whose mask intersects
// mask has completed and been committed. conn == -1 waits on all
// connections.
func (p *pool) finish(conn int, mask action) {
	if conn < 0 {
		for i := range p.workers {
			p.finish(i, mask)
		}
		return
	}
	w := p.workers[conn]
	// A commit barrier makes completed statements visible before waiting.
	done := make(chan error, 1)
	w.submit(task{done: done})
	<-done
	w.waitMask(mask)
}
