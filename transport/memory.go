package transport

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/c360/eventbroker/errors"
)

// Pair returns the two ends of a synchronous in-process stream (net.Pipe):
// every write rendezvouses with a read on the other side.
func Pair() (Stream, Stream) {
	a, b := net.Pipe()
	return a, b
}

// BufferedPair returns the two ends of a buffered in-process stream. Writes
// complete without a concurrent reader, like a TCP socket with kernel
// buffers; this is what embedded producers and tests usually want.
func BufferedPair() (Stream, Stream) {
	ab := newMemBuf()
	ba := newMemBuf()
	return &memStream{r: ba, w: ab}, &memStream{r: ab, w: ba}
}

// memBuf is one direction of a buffered pipe.
type memBuf struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	wake   chan struct{}
}

func newMemBuf() *memBuf {
	return &memBuf{wake: make(chan struct{}, 1)}
}

func (b *memBuf) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (b *memBuf) read(p []byte, deadline time.Time) (int, error) {
	for {
		b.mu.Lock()
		if len(b.data) > 0 {
			n := copy(p, b.data)
			b.data = b.data[n:]
			b.mu.Unlock()
			return n, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return 0, io.EOF
		}

		var timer <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer = time.After(wait)
		}
		select {
		case <-b.wake:
		case <-timer:
			return 0, os.ErrDeadlineExceeded
		}
	}
}

func (b *memBuf) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// memStream is one end of a buffered pair.
type memStream struct {
	r, w     *memBuf
	deadline time.Time
}

func (s *memStream) Read(p []byte) (int, error)  { return s.r.read(p, s.deadline) }
func (s *memStream) Write(p []byte) (int, error) { return s.w.write(p) }

func (s *memStream) SetReadDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

func (s *memStream) Close() error {
	s.r.close()
	s.w.close()
	return nil
}

// MemoryConnector hands out the streams queued with Arm, one per Connect
// call, and fails connection attempts while none is queued. Endpoint tests
// drive reconnection scenarios through it.
type MemoryConnector struct {
	name string
	ch   chan Stream
}

// NewMemoryConnector creates a connector named name with no stream armed.
func NewMemoryConnector(name string) *MemoryConnector {
	return &MemoryConnector{name: name, ch: make(chan Stream, 4)}
}

// Name implements Connector.
func (c *MemoryConnector) Name() string { return c.name }

// Arm queues a stream to be returned by the next Connect call.
func (c *MemoryConnector) Arm(s Stream) {
	c.ch <- s
}

// Connect implements Connector. It fails immediately when no stream is
// armed, modeling a refused connection.
func (c *MemoryConnector) Connect(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, errors.WrapTransient(errors.ErrNoConnection, "transport", "Connect", c.name)
	}
}
