package mux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
)

func testRegistry(t *testing.T) *events.Registry {
	t.Helper()
	r := events.NewRegistry()
	require.NoError(t, events.RegisterAll(r))
	return r
}

func hostStatus(id uint64) *events.HostStatus {
	ev := &events.HostStatus{HostID: id}
	ev.EventType = events.TypeHostStatus
	return ev
}

func newTestMuxer(t *testing.T, cfg Config) *Muxer {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = testRegistry(t)
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = t.TempDir()
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func TestPublishReadFIFO(t *testing.T) {
	m := newTestMuxer(t, Config{Name: "q"})
	defer m.Close()

	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Publish(hostStatus(uint64(i))))
	}
	for i := 1; i <= 5; i++ {
		ev, err := m.Read(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), ev.(*events.HostStatus).HostID)
	}
}

func TestFilterExcludesForeignTypes(t *testing.T) {
	m := newTestMuxer(t, Config{
		Name:      "q",
		Published: NewFilter(events.TypeHostStatus),
	})
	defer m.Close()

	svc := &events.ServiceStatus{HostID: 1, ServiceID: 2}
	svc.EventType = events.TypeServiceStatus
	require.NoError(t, m.Publish(svc))
	require.NoError(t, m.Publish(hostStatus(42)))

	ev, err := m.Read(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, events.TypeHostStatus, ev.Type())
	assert.Equal(t, 1, m.Pending())
}

func TestOverflowSpillsToSpoolKeepingOrder(t *testing.T) {
	m := newTestMuxer(t, Config{Name: "q", QueueLimit: 3})
	defer m.Close()

	for i := 1; i <= 10; i++ {
		require.NoError(t, m.Publish(hostStatus(uint64(i))))
	}

	for i := 1; i <= 10; i++ {
		ev, err := m.Read(context.Background(), time.Second)
		require.NoError(t, err, "event %d", i)
		assert.Equal(t, uint64(i), ev.(*events.HostStatus).HostID)
	}
}

func TestAckDropsOldest(t *testing.T) {
	m := newTestMuxer(t, Config{Name: "q"})
	defer m.Close()

	for i := 1; i <= 4; i++ {
		require.NoError(t, m.Publish(hostStatus(uint64(i))))
	}
	for i := 0; i < 3; i++ {
		_, err := m.Read(context.Background(), time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, m.Pending())

	m.Ack(2)
	assert.Equal(t, 2, m.Pending())

	// Nack rewinds: the unacked third event is redelivered.
	m.Nack()
	ev, err := m.Read(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.(*events.HostStatus).HostID)
}

func TestReadTimeout(t *testing.T) {
	m := newTestMuxer(t, Config{Name: "q"})
	defer m.Close()

	start := time.Now()
	_, err := m.Read(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReadWakesOnPublish(t *testing.T) {
	m := newTestMuxer(t, Config{Name: "q"})
	defer m.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Publish(hostStatus(7))
	}()

	ev, err := m.Read(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ev.(*events.HostStatus).HostID)
}

func TestCloseSignalsReaders(t *testing.T) {
	m := newTestMuxer(t, Config{Name: "q"})

	done := make(chan error, 1)
	go func() {
		_, err := m.Read(context.Background(), 5*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errors.ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("reader not released on close")
	}
}

func TestRetentionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(t)

	m := newTestMuxer(t, Config{Name: "durable", SpoolDir: dir, Registry: reg})
	for i := 1; i <= 3; i++ {
		require.NoError(t, m.Publish(hostStatus(uint64(i))))
	}
	// One event read but never acked: it must come back too.
	_, err := m.Read(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m2 := newTestMuxer(t, Config{Name: "durable", SpoolDir: dir, Registry: reg})
	defer m2.Close()

	for i := 1; i <= 3; i++ {
		ev, err := m2.Read(context.Background(), time.Second)
		require.NoError(t, err, "replayed event %d", i)
		assert.Equal(t, uint64(i), ev.(*events.HostStatus).HostID)
	}
}
