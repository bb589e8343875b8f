// Package stats implements the named-pipe reporter: a periodic human-
// readable snapshot of every component's counters, written best-effort so a
// slow or absent consumer never backpressures the broker.
package stats

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/c360/eventbroker/errors"
)

// Source produces one text block of the snapshot: `key=value` lines,
// blank-line separated from the next block.
type Source func() string

// Options configures a Reporter.
type Options struct {
	// FifoPath is the well-known named pipe. Created when absent.
	FifoPath string
	// Interval paces snapshots.
	Interval time.Duration
	Logger   *slog.Logger
}

// Reporter periodically dumps the registered sources to the FIFO. The pipe
// is opened non-blocking and closed between snapshots so consumers can tail
// it at their own pace.
type Reporter struct {
	opts Options

	mu      sync.Mutex
	sources []Source

	cancel  func()
	done    chan struct{}
	started bool
}

// NewReporter creates a reporter with no sources.
func NewReporter(opts Options) *Reporter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	return &Reporter{opts: opts, done: make(chan struct{})}
}

// Register adds a snapshot source.
func (r *Reporter) Register(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, src)
}

// Name implements component.Component.
func (r *Reporter) Name() string { return "stats-reporter" }

// Initialize creates the FIFO when it does not exist.
func (r *Reporter) Initialize() error {
	if r.opts.FifoPath == "" {
		return nil
	}
	info, err := os.Stat(r.opts.FifoPath)
	switch {
	case err == nil:
		if info.Mode()&os.ModeNamedPipe == 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "stats", "Initialize",
				r.opts.FifoPath+" exists and is not a fifo")
		}
		return nil
	case os.IsNotExist(err):
		if err := syscall.Mkfifo(r.opts.FifoPath, 0o644); err != nil {
			return errors.WrapFatal(err, "stats", "Initialize", "mkfifo "+r.opts.FifoPath)
		}
		return nil
	default:
		return errors.WrapFatal(err, "stats", "Initialize", "stat "+r.opts.FifoPath)
	}
}

// Start implements component.Component.
func (r *Reporter) Start(ctx context.Context) error {
	if r.started {
		return errors.ErrAlreadyStarted
	}
	r.started = true

	stop := make(chan struct{})
	r.cancel = func() { close(stop) }

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				r.dump()
			}
		}
	}()
	return nil
}

// Stop implements component.Component.
func (r *Reporter) Stop(timeout time.Duration) error {
	if !r.started {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "stats", "Stop", "reporter drain")
	}
}

// Snapshot renders the full text snapshot.
func (r *Reporter) Snapshot() string {
	r.mu.Lock()
	sources := make([]Source, len(r.sources))
	copy(sources, r.sources)
	r.mu.Unlock()

	blocks := make([]string, 0, len(sources))
	for _, src := range sources {
		if block := strings.TrimRight(src(), "\n"); block != "" {
			blocks = append(blocks, block)
		}
	}
	return strings.Join(blocks, "\n\n") + "\n"
}

// dump writes one snapshot to the FIFO. A missing reader is not an error:
// opening with O_NONBLOCK fails with ENXIO and the snapshot is skipped.
func (r *Reporter) dump() {
	if r.opts.FifoPath == "" {
		return
	}
	fd, err := syscall.Open(r.opts.FifoPath, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		if err == syscall.ENXIO {
			return // no consumer attached
		}
		r.opts.Logger.Warn("cannot open stats fifo", "path", r.opts.FifoPath, "error", err)
		return
	}
	f := os.NewFile(uintptr(fd), r.opts.FifoPath)
	defer f.Close()

	if _, err := f.WriteString(r.Snapshot()); err != nil {
		r.opts.Logger.Debug("stats snapshot write failed", "error", err)
	}
}
