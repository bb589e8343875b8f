package processing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventbroker/bbdo"
	"github.com/c360/eventbroker/bus"
	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/mux"
	"github.com/c360/eventbroker/transport"
)

func testRegistry(t *testing.T) *events.Registry {
	t.Helper()
	r := events.NewRegistry()
	require.NoError(t, events.RegisterAll(r))
	return r
}

func testMuxer(t *testing.T, reg *events.Registry, name string) *mux.Muxer {
	t.Helper()
	m, err := mux.New(mux.Config{Name: name, SpoolDir: t.TempDir(), Registry: reg})
	require.NoError(t, err)
	return m
}

// peer negotiates the remote side of a stream and returns it.
func peer(t *testing.T, reg *events.Registry, raw transport.Stream) *bbdo.Stream {
	t.Helper()
	s := bbdo.NewStream(raw, bbdo.StreamConfig{Registry: reg, Name: "peer", AckInterval: 1})
	require.NoError(t, s.Negotiate(5*time.Second))
	return s
}

func hostStatus(id uint64) *events.HostStatus {
	ev := &events.HostStatus{HostID: id}
	ev.EventType = events.TypeHostStatus
	return ev
}

func waitState(t *testing.T, w *Worker, want EndpointState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker %s never reached %s (now %s)", w.Name(), want, w.State())
}

func TestWorkerConnectsAndFeedsOut(t *testing.T) {
	reg := testRegistry(t)
	conn := transport.NewMemoryConnector("mem")
	local, remote := transport.BufferedPair()
	conn.Arm(local)

	m := testMuxer(t, reg, "out")
	w := NewWorker(Options{
		Name:          "out-endpoint",
		Connector:     conn,
		Muxer:         m,
		Registry:      reg,
		RetryInterval: 50 * time.Millisecond,
		AckInterval:   1,
	})
	require.NoError(t, w.Initialize())

	peerDone := make(chan *events.HostStatus, 1)
	go func() {
		p := peer(t, reg, remote)
		ev, err := p.Read(5 * time.Second)
		if err == nil {
			peerDone <- ev.(*events.HostStatus)
		}
		close(peerDone)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	waitState(t, w, StateConnected)

	require.NoError(t, m.Publish(hostStatus(42)))

	select {
	case got := <-peerDone:
		require.NotNil(t, got)
		assert.Equal(t, uint64(42), got.HostID)
	case <-time.After(5 * time.Second):
		t.Fatal("peer never received the event")
	}

	require.NoError(t, w.Stop(5*time.Second))
	assert.Equal(t, StateStopped, w.State())
}

func TestWorkerPublishesInboundToBus(t *testing.T) {
	reg := testRegistry(t)
	engine := bus.New(nil, nil)

	sink := testMuxer(t, reg, "sink")
	defer sink.Close()
	engine.Subscribe(sink)

	conn := transport.NewMemoryConnector("mem")
	local, remote := transport.BufferedPair()
	conn.Arm(local)

	w := NewWorker(Options{
		Name:          "in-endpoint",
		Connector:     conn,
		Muxer:         testMuxer(t, reg, "in"),
		Registry:      reg,
		Engine:        engine,
		PublishToBus:  true,
		RetryInterval: 50 * time.Millisecond,
	})
	require.NoError(t, w.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(5 * time.Second)

	p := peer(t, reg, remote)
	waitState(t, w, StateConnected)
	require.NoError(t, p.Write(hostStatus(7)))

	ev, err := sink.Read(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ev.(*events.HostStatus).HostID)
}

func TestWorkerWaitsAndRedials(t *testing.T) {
	reg := testRegistry(t)
	conn := transport.NewMemoryConnector("mem")

	w := NewWorker(Options{
		Name:          "flaky",
		Connector:     conn,
		Muxer:         testMuxer(t, reg, "flaky"),
		Registry:      reg,
		RetryInterval: 30 * time.Millisecond,
	})
	require.NoError(t, w.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(5 * time.Second)

	// No stream armed: the worker cycles disconnected -> waiting.
	waitState(t, w, StateWaiting)

	// Arm a stream; within a retry interval the worker connects.
	local, remote := transport.BufferedPair()
	conn.Arm(local)
	go peer(t, reg, remote)
	waitState(t, w, StateConnected)
}

func TestWorkerVersionMismatchIsTerminal(t *testing.T) {
	reg := testRegistry(t)
	conn := transport.NewMemoryConnector("mem")
	local, remote := transport.BufferedPair()
	conn.Arm(local)

	w := NewWorker(Options{
		Name:          "mismatched",
		Connector:     conn,
		Muxer:         testMuxer(t, reg, "mismatched"),
		Registry:      reg,
		RetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, w.Initialize())

	// Peer announces an incompatible major version.
	go func() {
		vr := &events.VersionResponse{Major: bbdo.VersionMajor + 1}
		vr.EventType = events.TypeVersionResponse
		frame, _ := bbdo.EncodeFrame(reg, vr)
		_, _ = remote.Write(frame)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(5 * time.Second)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := w.Snapshot(); s.State == "disconnected" && s.LastError != "" {
			assert.Contains(t, s.LastError, "version")
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("worker did not settle in permanent disconnected state")
}

func TestFailoverBuffersAndReplaysInOrder(t *testing.T) {
	reg := testRegistry(t)

	foWorker := NewWorker(Options{
		Name:     "spill",
		Muxer:    testMuxer(t, reg, "spill"),
		Registry: reg,
	})

	conn := transport.NewMemoryConnector("mem")
	m := testMuxer(t, reg, "primary")
	w := NewWorker(Options{
		Name:          "primary",
		Connector:     conn,
		Muxer:         m,
		Failover:      foWorker,
		Registry:      reg,
		RetryInterval: 30 * time.Millisecond,
		AckInterval:   1,
	})
	require.NoError(t, w.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(5 * time.Second)

	// Primary cannot connect: events published now drain into the failover.
	const total = 50
	for i := 1; i <= total; i++ {
		require.NoError(t, m.Publish(hostStatus(uint64(i))))
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && foWorker.Muxer().Unread() < total {
		time.Sleep(10 * time.Millisecond)
	}
	require.GreaterOrEqual(t, foWorker.Muxer().Unread(), total-1)

	// Primary comes back: the backlog must arrive first, in order.
	local, remote := transport.BufferedPair()
	conn.Arm(local)

	received := make(chan uint64, total+1)
	go func() {
		p := peer(t, reg, remote)
		for {
			ev, err := p.Read(5 * time.Second)
			if err != nil {
				close(received)
				return
			}
			received <- ev.(*events.HostStatus).HostID
		}
	}()

	var got []uint64
	for len(got) < total {
		select {
		case id, ok := <-received:
			if !ok {
				t.Fatalf("peer closed after %d events", len(got))
			}
			got = append(got, id)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	for i, id := range got {
		assert.Equal(t, uint64(i+1), id, "event %d out of order", i)
	}
}
