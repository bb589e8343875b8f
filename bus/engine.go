// Package bus implements the process-wide multiplexing engine: publishing an
// event fans it out to every registered muxer. Publication runs lock-free
// over a copy-on-write snapshot of the muxer set, so subscription changes
// never block publishers.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/metric"
	"github.com/c360/eventbroker/mux"
)

// Engine is the fan-out hub. One per process, owned by the runtime and
// passed by reference to every component.
type Engine struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.Mutex // serializes Subscribe/Unsubscribe/Stop
	snapshot atomic.Pointer[[]*mux.Muxer]
	stopped  atomic.Bool
}

// New creates an engine with an empty muxer set.
func New(logger *slog.Logger, metrics *metric.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger, metrics: metrics}
	empty := make([]*mux.Muxer, 0)
	e.snapshot.Store(&empty)
	return e
}

// Subscribe registers a muxer. The engine holds a non-owning handle; the
// subscriber remains responsible for the muxer's lifecycle.
func (e *Engine) Subscribe(m *mux.Muxer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := *e.snapshot.Load()
	next := make([]*mux.Muxer, 0, len(old)+1)
	next = append(next, old...)
	next = append(next, m)
	e.snapshot.Store(&next)
	e.logger.Debug("muxer subscribed", "muxer", m.Name(), "subscribers", len(next))
}

// Unsubscribe removes a muxer from the set.
func (e *Engine) Unsubscribe(m *mux.Muxer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := *e.snapshot.Load()
	next := make([]*mux.Muxer, 0, len(old))
	for _, s := range old {
		if s != m {
			next = append(next, s)
		}
	}
	e.snapshot.Store(&next)
	e.logger.Debug("muxer unsubscribed", "muxer", m.Name(), "subscribers", len(next))
}

// Publish fans ev out to every subscribed muxer. Each muxer's own filter
// decides acceptance; no filtering happens here.
func (e *Engine) Publish(publisher string, ev events.Event) error {
	if e.stopped.Load() {
		return errors.ErrShuttingDown
	}
	for _, m := range *e.snapshot.Load() {
		if err := m.Publish(ev); err != nil && err != errors.ErrShuttingDown {
			e.logger.Error("publish to muxer failed",
				"muxer", m.Name(), "type", ev.Type().String(), "error", err)
		}
	}
	if e.metrics != nil {
		e.metrics.EventsPublished.WithLabelValues(publisher).Inc()
	}
	return nil
}

// Stop makes further publishes fail with ErrShuttingDown. Muxers are drained
// by their owners.
func (e *Engine) Stop() {
	e.stopped.Store(true)
}

// Subscribers returns the current snapshot, for the stats reporter.
func (e *Engine) Subscribers() []*mux.Muxer {
	return *e.snapshot.Load()
}
