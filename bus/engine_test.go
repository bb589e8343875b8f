package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/mux"
)

func testRegistry(t *testing.T) *events.Registry {
	t.Helper()
	r := events.NewRegistry()
	require.NoError(t, events.RegisterAll(r))
	return r
}

func testMuxer(t *testing.T, reg *events.Registry, name string, filter mux.Filter) *mux.Muxer {
	t.Helper()
	m, err := mux.New(mux.Config{
		Name:      name,
		Published: filter,
		SpoolDir:  t.TempDir(),
		Registry:  reg,
	})
	require.NoError(t, err)
	return m
}

func TestPublishFansOutPerFilter(t *testing.T) {
	reg := testRegistry(t)
	e := New(nil, nil)

	all := testMuxer(t, reg, "all", nil)
	defer all.Close()
	statusOnly := testMuxer(t, reg, "status", mux.NewFilter(events.TypeHostStatus))
	defer statusOnly.Close()

	e.Subscribe(all)
	e.Subscribe(statusOnly)

	hs := &events.HostStatus{HostID: 1}
	hs.EventType = events.TypeHostStatus
	svc := &events.Service{HostID: 1, ServiceID: 2}
	svc.EventType = events.TypeService

	require.NoError(t, e.Publish("test", hs))
	require.NoError(t, e.Publish("test", svc))

	assert.Equal(t, 2, all.Unread())
	assert.Equal(t, 1, statusOnly.Unread())

	ev, err := statusOnly.Read(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, events.TypeHostStatus, ev.Type())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	reg := testRegistry(t)
	e := New(nil, nil)

	m := testMuxer(t, reg, "m", nil)
	defer m.Close()
	e.Subscribe(m)

	hs := &events.HostStatus{HostID: 1}
	hs.EventType = events.TypeHostStatus
	require.NoError(t, e.Publish("test", hs))
	e.Unsubscribe(m)
	require.NoError(t, e.Publish("test", hs))

	assert.Equal(t, 1, m.Unread())
}

func TestStopRejectsPublishes(t *testing.T) {
	e := New(nil, nil)
	e.Stop()

	hs := &events.HostStatus{HostID: 1}
	hs.EventType = events.TypeHostStatus
	assert.ErrorIs(t, e.Publish("test", hs), errors.ErrShuttingDown)
}

func TestSubscribeDuringPublishIsSafe(t *testing.T) {
	reg := testRegistry(t)
	e := New(nil, nil)

	stop := make(chan struct{})
	go func() {
		hs := &events.HostStatus{HostID: 1}
		hs.EventType = events.TypeHostStatus
		for {
			select {
			case <-stop:
				return
			default:
				_ = e.Publish("test", hs)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		m := testMuxer(t, reg, "", nil)
		e.Subscribe(m)
		e.Unsubscribe(m)
		m.Close()
	}
	close(stop)
}
