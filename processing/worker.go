// Package processing drives the configured endpoints: one worker per
// endpoint runs a reconnect/failover state machine, feeding events between
// its muxer and the wire in both directions. A failover is itself a full
// worker, owned by its primary and drained back into it on reconnect.
package processing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/eventbroker/bbdo"
	"github.com/c360/eventbroker/bus"
	"github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/metric"
	"github.com/c360/eventbroker/mux"
	"github.com/c360/eventbroker/transport"
)

// EndpointState is the worker state machine position.
type EndpointState int32

const (
	// StateDisconnected is the initial state and the terminal state of a
	// version-mismatch failure.
	StateDisconnected EndpointState = iota
	// StateWaiting sleeps the retry interval before redialing.
	StateWaiting
	// StateConnected feeds events in both directions.
	StateConnected
	// StateReplaying drains the failover into the reconnected primary.
	StateReplaying
	// StateStopped is the terminal state of an orderly shutdown.
	StateStopped
)

func (s EndpointState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateWaiting:
		return "waiting"
	case StateConnected:
		return "connected"
	case StateReplaying:
		return "replaying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// pollInterval bounds the latency of a stop request inside blocking reads.
const pollInterval = time.Second

// Options configures a worker.
type Options struct {
	Name string

	// Connector dials the peer. Nil makes the worker a passive buffer: it
	// never dials and simply retains events in its muxer, the usual shape
	// of a terminal failover.
	Connector transport.Connector

	// Muxer is exclusively owned by this worker.
	Muxer *mux.Muxer

	// Failover, when set, is an owned subordinate worker fed while this one
	// is down and drained back on reconnect.
	Failover *Worker

	// PublishToBus forwards events read from the wire into the engine.
	// Output-only endpoints (the NATS sink) leave it false.
	PublishToBus bool

	Engine   *bus.Engine
	Registry *events.Registry
	Logger   *slog.Logger
	Metrics  *metric.Metrics

	RetryInterval    time.Duration
	BufferingTimeout time.Duration
	AckInterval      uint32
	MaxFrameSize     uint32
	Extensions       uint32
	SourceID         uint32
}

// Worker drives one endpoint.
type Worker struct {
	opts Options

	state atomic.Int32

	mu          sync.Mutex
	lastError   string
	lastEvent   time.Time
	lastConnect time.Time

	eventsOut atomic.Uint64
	eventsIn  atomic.Uint64
	rate      ewma

	cancel         context.CancelFunc
	done           chan struct{}
	started        bool
	transferActive atomic.Bool
}

// Stats is the point-in-time snapshot reported to the stats pipe.
type Stats struct {
	Name        string
	State       string
	LastError   string
	EventsIn    uint64
	EventsOut   uint64
	EventRate   float64
	LastEvent   time.Time
	LastConnect time.Time
	Queued      int
	Failover    *Stats
}

// NewWorker creates a worker. The muxer and the failover become owned by it.
func NewWorker(opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 30 * time.Second
	}
	w := &Worker{opts: opts, done: make(chan struct{})}
	w.state.Store(int32(StateDisconnected))
	return w
}

// Name implements component.Component.
func (w *Worker) Name() string { return w.opts.Name }

// Initialize implements component.Component.
func (w *Worker) Initialize() error {
	if w.opts.Muxer == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "processing", "Initialize", w.opts.Name+": muxer required")
	}
	if w.opts.Failover != nil {
		if err := w.opts.Failover.Initialize(); err != nil {
			return err
		}
	}
	return nil
}

// Start implements component.Component: it spawns the state-machine task.
// The failover is not started here; the primary activates it on demand.
func (w *Worker) Start(ctx context.Context) error {
	if w.started {
		return errors.ErrAlreadyStarted
	}
	w.started = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)
	return nil
}

// Stop implements component.Component.
func (w *Worker) Stop(timeout time.Duration) error {
	if !w.started {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "processing", "Stop", w.opts.Name)
	}
	if w.opts.Failover != nil && w.opts.Failover.started {
		_ = w.opts.Failover.Stop(timeout)
	}
	return w.opts.Muxer.Close()
}

// State returns the current state machine position.
func (w *Worker) State() EndpointState {
	return EndpointState(w.state.Load())
}

// Muxer exposes the owned muxer, for wiring into the engine.
func (w *Worker) Muxer() *mux.Muxer { return w.opts.Muxer }

// Snapshot reports the worker's stats, recursing into its failover.
func (w *Worker) Snapshot() Stats {
	w.mu.Lock()
	s := Stats{
		Name:        w.opts.Name,
		State:       w.State().String(),
		LastError:   w.lastError,
		LastEvent:   w.lastEvent,
		LastConnect: w.lastConnect,
	}
	w.mu.Unlock()
	s.EventsIn = w.eventsIn.Load()
	s.EventsOut = w.eventsOut.Load()
	s.EventRate = w.rate.value()
	s.Queued = w.opts.Muxer.Unread()
	if w.opts.Failover != nil {
		fs := w.opts.Failover.Snapshot()
		s.Failover = &fs
	}
	return s
}

func (w *Worker) setState(s EndpointState) {
	w.state.Store(int32(s))
	if w.opts.Metrics != nil {
		w.opts.Metrics.EndpointState.WithLabelValues(w.opts.Name).Set(float64(s))
	}
}

func (w *Worker) setError(err error) {
	w.mu.Lock()
	if err != nil {
		w.lastError = err.Error()
	} else {
		w.lastError = ""
	}
	w.mu.Unlock()
}

// run is the state machine main loop.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.setState(StateStopped)

	if w.opts.Connector == nil {
		// Passive buffer: events accumulate in the muxer until an owner
		// drains them.
		<-ctx.Done()
		return
	}

	for ctx.Err() == nil {
		w.setState(StateDisconnected)

		stream, err := w.connect(ctx)
		if err != nil {
			if errors.IsFatal(err) {
				// Version incompatibility is terminal: stay disconnected
				// until reconfigured.
				w.setError(err)
				w.opts.Logger.Error("endpoint permanently disconnected",
					"endpoint", w.opts.Name, "error", err)
				<-ctx.Done()
				return
			}
			w.setError(err)
			w.startFailover(ctx)
			if !w.wait(ctx) {
				return
			}
			continue
		}

		w.mu.Lock()
		w.lastConnect = time.Now()
		w.mu.Unlock()
		w.setError(nil)

		if w.opts.Failover != nil && w.opts.Failover.Muxer().Unread() > 0 {
			w.setState(StateReplaying)
			if err := w.replayFailover(ctx, stream); err != nil {
				w.setError(err)
				_ = stream.Close()
				if !w.wait(ctx) {
					return
				}
				continue
			}
		}

		w.setState(StateConnected)
		err = w.feed(ctx, stream)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		w.setError(err)
		w.startFailover(ctx)
		if !w.wait(ctx) {
			return
		}
	}
}

// connect dials and negotiates a BBDO stream.
func (w *Worker) connect(ctx context.Context) (*bbdo.Stream, error) {
	if w.opts.Metrics != nil {
		w.opts.Metrics.EndpointReconnects.WithLabelValues(w.opts.Name).Inc()
	}
	raw, err := w.opts.Connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	stream := bbdo.NewStream(raw, bbdo.StreamConfig{
		Registry:     w.opts.Registry,
		Logger:       w.opts.Logger,
		Name:         w.opts.Name,
		MaxFrameSize: w.opts.MaxFrameSize,
		AckInterval:  w.opts.AckInterval,
		Extensions:   w.opts.Extensions,
		SourceID:     w.opts.SourceID,
	})
	if err := stream.Negotiate(10 * time.Second); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return stream, nil
}

// wait sleeps the retry interval, cancellable. It returns false when the
// worker must exit.
func (w *Worker) wait(ctx context.Context) bool {
	w.setState(StateWaiting)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.opts.RetryInterval):
		return true
	}
}

// startFailover activates the failover worker after the buffering window and
// hands it the primary muxer's backlog so it keeps accumulating there.
func (w *Worker) startFailover(ctx context.Context) {
	fo := w.opts.Failover
	if fo == nil {
		return
	}
	if w.opts.BufferingTimeout > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.BufferingTimeout):
		}
	}
	if !fo.started {
		if err := fo.Start(ctx); err != nil && err != errors.ErrAlreadyStarted {
			w.opts.Logger.Error("failover start failed", "endpoint", w.opts.Name, "error", err)
			return
		}
		w.opts.Logger.Info("failover activated", "endpoint", w.opts.Name, "failover", fo.opts.Name)
	}
	if w.transferActive.CompareAndSwap(false, true) {
		go w.transferToFailover(ctx, fo)
	}
}

// transferToFailover moves events from the primary muxer into the failover's
// muxer while the primary is not connected.
func (w *Worker) transferToFailover(ctx context.Context, fo *Worker) {
	defer w.transferActive.Store(false)
	for ctx.Err() == nil {
		st := w.State()
		if st == StateConnected || st == StateReplaying || st == StateStopped {
			return
		}
		ev, err := w.opts.Muxer.Read(ctx, pollInterval)
		if err != nil {
			if err == errors.ErrShuttingDown || ctx.Err() != nil {
				return
			}
			continue
		}
		// The primary may have reconnected while the read was blocked; hand
		// the event back for the connected feeder.
		st = w.State()
		if st == StateConnected || st == StateReplaying {
			w.opts.Muxer.Nack()
			return
		}
		if err := fo.Muxer().Publish(ev); err != nil {
			w.opts.Muxer.Nack()
			return
		}
		w.opts.Muxer.Ack(1)
	}
}

// replayFailover sends everything retained by the failover to the
// reconnected primary stream, in order, before any new event.
func (w *Worker) replayFailover(ctx context.Context, stream *bbdo.Stream) error {
	fo := w.opts.Failover
	w.opts.Logger.Info("replaying failover backlog",
		"endpoint", w.opts.Name, "failover", fo.opts.Name, "events", fo.Muxer().Unread())
	for ctx.Err() == nil {
		ev, err := fo.Muxer().Read(ctx, 100*time.Millisecond)
		if err != nil {
			if err == errors.ErrConnectionTimeout {
				return nil // drained
			}
			if err == errors.ErrShuttingDown {
				return nil
			}
			return err
		}
		if err := stream.Write(ev); err != nil {
			fo.Muxer().Nack()
			return err
		}
		fo.Muxer().Ack(1)
		w.eventsOut.Add(1)
		w.rate.tick()
	}
	return ctx.Err()
}

// feed runs the connected loop: one task writes muxer events to the stream,
// the other publishes stream events to the bus. The first error tears both
// down.
func (w *Worker) feed(ctx context.Context, stream *bbdo.Stream) error {
	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		errCh <- w.feedOut(feedCtx, stream)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		errCh <- w.feedIn(feedCtx, stream)
	}()
	wg.Wait()

	// Flush the final ack so the peer's cursor is current before close.
	_ = stream.SendAck()

	err := <-errCh
	if err == nil || err == context.Canceled {
		if second := <-errCh; second != nil && second != context.Canceled {
			err = second
		}
	}
	return err
}

// feedOut writes muxer events to the stream and advances the muxer by the
// peer's acks.
func (w *Worker) feedOut(ctx context.Context, stream *bbdo.Stream) error {
	for ctx.Err() == nil {
		if n := stream.TakeAcked(); n > 0 {
			w.opts.Muxer.Ack(int(n))
			if w.opts.Metrics != nil {
				w.opts.Metrics.AcknowledgedEvents.WithLabelValues(w.opts.Name).Add(float64(n))
			}
		}

		ev, err := w.opts.Muxer.Read(ctx, pollInterval)
		if err != nil {
			if err == errors.ErrConnectionTimeout {
				continue
			}
			if err == errors.ErrShuttingDown {
				return nil
			}
			return err
		}
		if err := stream.Write(ev); err != nil {
			// Unwritten event: redeliver after reconnect.
			w.opts.Muxer.Nack()
			return err
		}
		w.eventsOut.Add(1)
		w.rate.tick()
		w.touch()
		if w.opts.Metrics != nil {
			w.opts.Metrics.FramesEncoded.WithLabelValues(w.opts.Name).Inc()
		}
	}
	return ctx.Err()
}

// feedIn publishes stream events to the bus.
func (w *Worker) feedIn(ctx context.Context, stream *bbdo.Stream) error {
	for ctx.Err() == nil {
		ev, err := stream.Read(pollInterval)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if err == errors.ErrStreamShutdown {
				return nil
			}
			return err
		}
		w.eventsIn.Add(1)
		w.rate.tick()
		w.touch()
		if w.opts.Metrics != nil {
			w.opts.Metrics.FramesDecoded.WithLabelValues(w.opts.Name).Inc()
		}
		if w.opts.PublishToBus && w.opts.Engine != nil {
			if err := w.opts.Engine.Publish(w.opts.Name, ev); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastEvent = time.Now()
	w.mu.Unlock()
}

// ewma tracks an exponentially-smoothed events-per-second rate.
type ewma struct {
	mu      sync.Mutex
	rate    float64
	count   uint64
	lastCut time.Time
}

const ewmaAlpha = 0.3

func (e *ewma) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if e.lastCut.IsZero() {
		e.lastCut = now
	}
	e.count++
	if elapsed := now.Sub(e.lastCut); elapsed >= time.Second {
		instant := float64(e.count) / elapsed.Seconds()
		e.rate = e.rate*(1-ewmaAlpha) + instant*ewmaAlpha
		e.count = 0
		e.lastCut = now
	}
}

func (e *ewma) value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// String renders a stats snapshot block for the stats pipe.
func (s Stats) String() string {
	out := fmt.Sprintf("endpoint %s\nstate=%s\n", s.Name, s.State)
	if s.LastError != "" {
		out = fmt.Sprintf("endpoint %s\nstate=%s (last error: %s)\n", s.Name, s.State, s.LastError)
	}
	out += fmt.Sprintf("events_in=%d\nevents_out=%d\nevent_rate=%.2f\nqueued=%d\n",
		s.EventsIn, s.EventsOut, s.EventRate, s.Queued)
	if !s.LastEvent.IsZero() {
		out += fmt.Sprintf("last_event=%d\n", s.LastEvent.Unix())
	}
	if !s.LastConnect.IsZero() {
		out += fmt.Sprintf("last_connect=%d\n", s.LastConnect.Unix())
	}
	return out
}
