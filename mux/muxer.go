// Package mux implements the per-subscriber queue of the multiplexing
// fabric: an in-memory deque bounded by a soft cap, spilling to an on-disk
// spool under pressure, with strict per-subscriber FIFO ordering and
// ack-driven retention.
package mux

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/eventbroker/bbdo"
	"github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/metric"
	"github.com/c360/eventbroker/spool"
)

// DefaultQueueLimit is the soft cap on the in-memory deque.
const DefaultQueueLimit = 10000

// Filter is a set of event type ids. A nil Filter accepts everything.
type Filter map[events.Type]struct{}

// NewFilter builds a filter from a list of types.
func NewFilter(types ...events.Type) Filter {
	f := make(Filter, len(types))
	for _, t := range types {
		f[t] = struct{}{}
	}
	return f
}

// Contains reports whether t passes the filter.
func (f Filter) Contains(t events.Type) bool {
	if f == nil {
		return true
	}
	_, ok := f[t]
	return ok
}

// CategoryFilter builds a filter accepting every registered type of the
// given categories.
func CategoryFilter(reg *events.Registry, categories ...uint16) Filter {
	f := make(Filter)
	for _, t := range reg.Types() {
		for _, c := range categories {
			if t.Category() == c {
				f[t] = struct{}{}
			}
		}
	}
	return f
}

// Config configures a muxer.
type Config struct {
	// Name addresses the spool on disk; it must be stable across restarts
	// for retention to survive. Empty means an ephemeral anonymous queue.
	Name string

	// QueueLimit is the soft cap M on the in-memory deque.
	QueueLimit int

	// Published is the set of types this subscriber consumes.
	Published Filter

	// Accepted is the set of types this subscriber announces it produces,
	// used for reverse routing.
	Accepted Filter

	// SpoolDir hosts the overflow files.
	SpoolDir string

	// SpoolMaxFileSize caps each spool file.
	SpoolMaxFileSize int64

	Registry *events.Registry
	Logger   *slog.Logger
	Metrics  *metric.Metrics
}

// Muxer is one subscriber's queue. Events are retained until acknowledged:
// Read hands them out in FIFO order, Ack drops the oldest, Nack rewinds the
// read position for redelivery.
type Muxer struct {
	cfg  Config
	name string

	mu       sync.Mutex
	deque    []events.Event
	readPos  int
	seq      uint64
	spool    *spool.Splitter
	spooled  int64 // events currently held on disk
	shutdown bool

	wake chan struct{}
}

// New creates a muxer and replays any spool backlog left by a previous run.
func New(cfg Config) (*Muxer, error) {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "mux", "New", "registry required")
	}
	name := cfg.Name
	if name == "" {
		name = "anon-" + uuid.NewString()
	}

	sp, err := spool.Open(filepath.Join(cfg.SpoolDir, name), spool.Options{
		MaxFileSize: cfg.SpoolMaxFileSize,
		AutoDelete:  true,
	})
	if err != nil {
		return nil, err
	}

	m := &Muxer{
		cfg:   cfg,
		name:  name,
		spool: sp,
		wake:  make(chan struct{}, 1),
	}
	if backlog := sp.UnreadBytes(); backlog > 0 {
		m.spooled = -1 // unknown count, drained until the spool reports empty
		cfg.Logger.Info("muxer resuming spool backlog", "muxer", name, "bytes", backlog)
	}
	return m, nil
}

// Name returns the queue name.
func (m *Muxer) Name() string { return m.name }

// KnowsType reports whether this subscriber announced producing t.
func (m *Muxer) KnowsType(t events.Type) bool {
	return m.cfg.Accepted.Contains(t)
}

// Publish enqueues ev if it passes the subscriber's filter. Under memory
// pressure, or while a disk backlog exists, the event goes to the spool so
// FIFO order is preserved.
func (m *Muxer) Publish(ev events.Event) error {
	if !m.cfg.Published.Contains(ev.Type()) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return errors.ErrShuttingDown
	}

	m.seq++
	if m.spooled == 0 && len(m.deque) < m.cfg.QueueLimit {
		m.deque = append(m.deque, ev)
	} else {
		if err := m.spoolEvent(ev); err != nil {
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.EventsDropped.WithLabelValues(m.name, "spool_error").Inc()
			}
			return err
		}
	}
	m.gauges()
	m.signal()
	return nil
}

// Read returns the next unread event, waiting up to timeout. It returns
// ErrShuttingDown after Close.
func (m *Muxer) Read(ctx context.Context, timeout time.Duration) (events.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			return nil, errors.ErrShuttingDown
		}
		if ev, ok := m.next(); ok {
			m.gauges()
			m.mu.Unlock()
			return ev, nil
		}
		m.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, errors.ErrConnectionTimeout
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, errors.ErrConnectionTimeout
		case <-m.wake:
			timer.Stop()
		}
	}
}

// next pops the next unread event under m.mu.
func (m *Muxer) next() (events.Event, bool) {
	if m.readPos < len(m.deque) {
		ev := m.deque[m.readPos]
		m.readPos++
		return ev, true
	}
	// The deque is exhausted: pull one event off the spool into retention.
	if m.spooled != 0 {
		ev, err := m.unspoolEvent()
		if err != nil {
			if err != spool.ErrEmpty {
				m.cfg.Logger.Error("muxer spool read failed", "muxer", m.name, "error", err)
			}
			m.spooled = 0
			return nil, false
		}
		m.deque = append(m.deque, ev)
		m.readPos++
		return ev, true
	}
	return nil, false
}

// Ack drops the n oldest events from retention.
func (m *Muxer) Ack(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.readPos {
		n = m.readPos
	}
	if n <= 0 {
		return
	}
	m.deque = m.deque[n:]
	m.readPos -= n
	m.gauges()
}

// Nack rewinds the read position: every unacknowledged event will be
// delivered again.
func (m *Muxer) Nack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readPos = 0
	m.signal()
}

// Pending returns the number of events retained (unacknowledged), in memory
// and on disk. A value of -1 for the disk part means an unsized restart
// backlog; Pending then reports memory retention only.
func (m *Muxer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.deque)
	if m.spooled > 0 {
		n += int(m.spooled)
	}
	return n
}

// Unread returns the number of events not yet handed to the reader.
func (m *Muxer) Unread() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.deque) - m.readPos
	if m.spooled > 0 {
		n += int(m.spooled)
	} else if m.spooled < 0 && m.spool.UnreadBytes() > 0 {
		n++ // at least something is on disk
	}
	return n
}

// Close drains unacknowledged events to the spool for the next run and wakes
// blocked readers.
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil
	}
	m.shutdown = true

	// The deque holds older events than the spool: pull the spool backlog in
	// behind it so the persisted sequence stays FIFO.
	for m.spooled != 0 {
		ev, err := m.unspoolEvent()
		if err != nil {
			if err != spool.ErrEmpty {
				m.cfg.Logger.Error("muxer spool read failed at shutdown", "muxer", m.name, "error", err)
			}
			break
		}
		m.deque = append(m.deque, ev)
	}
	m.spooled = 0

	for _, ev := range m.deque {
		if err := m.spoolEvent(ev); err != nil {
			m.cfg.Logger.Error("muxer failed to persist event at shutdown",
				"muxer", m.name, "type", ev.Type().String(), "error", err)
		}
	}
	m.deque = nil
	m.readPos = 0
	m.signal()
	return m.spool.Close()
}

func (m *Muxer) spoolEvent(ev events.Event) error {
	frame, err := bbdo.EncodeFrame(m.cfg.Registry, ev)
	if err != nil {
		return err
	}
	if _, err := m.spool.Write(frame); err != nil {
		return err
	}
	if m.spooled >= 0 {
		m.spooled++
	}
	return nil
}

func (m *Muxer) unspoolEvent() (events.Event, error) {
	header := make([]byte, bbdo.HeaderSize)
	if err := m.readSpoolFull(header); err != nil {
		return nil, err
	}
	h, err := bbdo.ParseHeader(header)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, int(h.Size))
	if err := m.readSpoolFull(payload); err != nil {
		return nil, err
	}
	ev, err := bbdo.DecodePayload(m.cfg.Registry, h, payload)
	if err != nil {
		return nil, err
	}
	if m.spooled > 0 {
		m.spooled--
	}
	return ev, nil
}

// readSpoolFull reads exactly len(buf) bytes from the spool. The spool only
// ever holds whole frames, so a short read mid-frame means corruption.
func (m *Muxer) readSpoolFull(buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := m.spool.Read(buf[got:])
		if err != nil {
			if err == spool.ErrEmpty && got > 0 {
				return errors.WrapFatal(
					fmt.Errorf("truncated frame in spool of %s", m.name),
					"mux", "readSpoolFull", "spool integrity")
			}
			return err
		}
		got += n
	}
	return nil
}

func (m *Muxer) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Muxer) gauges() {
	if m.cfg.Metrics == nil {
		return
	}
	m.cfg.Metrics.QueueDepth.WithLabelValues(m.name).Set(float64(len(m.deque) - m.readPos))
	m.cfg.Metrics.SpoolBytes.WithLabelValues(m.name).Set(float64(m.spool.UnreadBytes()))
}
