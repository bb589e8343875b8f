package stats

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotJoinsBlocks(t *testing.T) {
	r := NewReporter(Options{})
	r.Register(func() string { return "module sql\nstate=loaded\n" })
	r.Register(func() string { return "endpoint poller\nstate=connected\nevent_rate=12.50\n" })
	r.Register(func() string { return "" }) // empty blocks are dropped

	snap := r.Snapshot()
	assert.Contains(t, snap, "state=loaded")
	assert.Contains(t, snap, "state=connected")
	assert.Contains(t, snap, "\n\n")
	assert.True(t, strings.HasSuffix(snap, "\n"))
}

func TestInitializeCreatesFifo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker-stats")
	r := NewReporter(Options{FifoPath: path})
	require.NoError(t, r.Initialize())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)

	// Idempotent when the fifo already exists.
	require.NoError(t, r.Initialize())
}

func TestInitializeRejectsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-fifo")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	r := NewReporter(Options{FifoPath: path})
	assert.Error(t, r.Initialize())
}

func TestDumpSkipsWithoutConsumer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker-stats")
	r := NewReporter(Options{FifoPath: path, Interval: 10 * time.Millisecond})
	require.NoError(t, r.Initialize())
	r.Register(func() string { return "state=idle\n" })

	// No reader on the fifo: dump must return promptly without blocking.
	done := make(chan struct{})
	go func() {
		r.dump()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dump blocked without a fifo consumer")
	}
}

func TestDumpDeliversToConsumer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker-stats")
	r := NewReporter(Options{FifoPath: path})
	require.NoError(t, r.Initialize())
	r.Register(func() string { return "endpoint rrd\nstate=connected\n" })

	got := make(chan string, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			got <- ""
			return
		}
		defer f.Close()
		buf := make([]byte, 4096)
		n, _ := f.Read(buf)
		got <- string(buf[:n])
	}()

	// The reader needs a moment to open its end before the writer tries.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.dump()
		select {
		case s := <-got:
			assert.Contains(t, s, "state=connected")
			return
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatal("snapshot never reached the fifo consumer")
}
