package component

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	name      string
	initErr   error
	startErr  error
	stopErr   error
	events    *[]string
	sawCancel bool
	ctx       context.Context
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Initialize() error {
	*f.events = append(*f.events, "init:"+f.name)
	return f.initErr
}

func (f *fakeComponent) Start(ctx context.Context) error {
	f.ctx = ctx
	*f.events = append(*f.events, "start:"+f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(time.Duration) error {
	if f.ctx != nil && f.ctx.Err() != nil {
		f.sawCancel = true
	}
	*f.events = append(*f.events, "stop:"+f.name)
	return f.stopErr
}

func TestStartStopOrder(t *testing.T) {
	var log []string
	m := NewManager(nil)
	a := &fakeComponent{name: "a", events: &log}
	b := &fakeComponent{name: "b", events: &log}
	m.Add(a)
	m.Add(b)

	require.NoError(t, m.StartAll(context.Background()))
	m.StopAll(time.Second)

	assert.Equal(t, []string{
		"init:a", "start:a", "init:b", "start:b",
		"stop:b", "stop:a",
	}, log)
	assert.True(t, a.sawCancel, "component context must be cancelled before Stop")
}

func TestStartAllStopsOnFirstFailure(t *testing.T) {
	var log []string
	m := NewManager(nil)
	m.Add(&fakeComponent{name: "ok", events: &log})
	m.Add(&fakeComponent{name: "broken", events: &log, startErr: errors.New("boom")})
	m.Add(&fakeComponent{name: "never", events: &log})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.NotContains(t, log, "init:never")

	// The already-started component still stops.
	m.StopAll(time.Second)
	assert.Contains(t, log, "stop:ok")
	assert.NotContains(t, log, "stop:broken")
}

func TestStopAllRecordsFailures(t *testing.T) {
	var log []string
	m := NewManager(nil)
	bad := &fakeComponent{name: "bad", events: &log, stopErr: errors.New("stuck")}
	m.Add(bad)

	require.NoError(t, m.StartAll(context.Background()))
	m.StopAll(time.Second)

	mcs := m.Components()
	require.Len(t, mcs, 1)
	assert.Equal(t, StateFailed, mcs[0].State)
	assert.Error(t, mcs[0].LastError)
}
