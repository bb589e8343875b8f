package bbdo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/transport"
)

func testRegistry(t *testing.T) *events.Registry {
	t.Helper()
	r := events.NewRegistry()
	require.NoError(t, events.RegisterAll(r))
	return r
}

func TestEncodeDecodeFrame(t *testing.T) {
	reg := testRegistry(t)

	in := &events.Instance{InstanceID: 1, Name: "p1", Running: true, StartTime: 1000}
	in.EventType = events.TypeInstance
	in.Source = 7

	frame, err := EncodeFrame(reg, in)
	require.NoError(t, err)
	require.True(t, VerifyFrame(frame))

	h, err := ParseHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, events.TypeInstance, h.Type)
	assert.Equal(t, uint32(7), h.Source)

	ev, err := DecodePayload(reg, h, frame[HeaderSize:])
	require.NoError(t, err)
	got := ev.(*events.Instance)
	assert.Equal(t, uint32(1), got.InstanceID)
	assert.Equal(t, "p1", got.Name)
	assert.True(t, got.Running)
}

func TestVerifyFrameDetectsCorruption(t *testing.T) {
	reg := testRegistry(t)
	in := &events.Instance{InstanceID: 1, Name: "p1"}
	in.EventType = events.TypeInstance

	frame, err := EncodeFrame(reg, in)
	require.NoError(t, err)

	frame[len(frame)-1] ^= 0xff
	assert.False(t, VerifyFrame(frame))
}

func streamPair(t *testing.T, reg *events.Registry) (*Stream, *Stream) {
	t.Helper()
	a, b := transport.BufferedPair()
	sa := NewStream(a, StreamConfig{Registry: reg, Name: "a", AckInterval: 2})
	sb := NewStream(b, StreamConfig{Registry: reg, Name: "b", AckInterval: 2})

	errCh := make(chan error, 1)
	go func() { errCh <- sb.Negotiate(2 * time.Second) }()
	require.NoError(t, sa.Negotiate(2*time.Second))
	require.NoError(t, <-errCh)
	return sa, sb
}

func TestNegotiateAndExchange(t *testing.T) {
	reg := testRegistry(t)
	sa, sb := streamPair(t, reg)
	defer sa.Close()
	defer sb.Close()

	in := &events.HostStatus{HostID: 42, State: 1, LastCheck: 1100}
	in.EventType = events.TypeHostStatus

	done := make(chan error, 1)
	go func() { done <- sa.Write(in) }()

	out, err := sb.Read(2 * time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)

	got := out.(*events.HostStatus)
	assert.Equal(t, uint64(42), got.HostID)
	assert.Equal(t, int32(1), got.State)
}

func TestAckAdvancesSender(t *testing.T) {
	reg := testRegistry(t)
	sa, sb := streamPair(t, reg)
	defer sa.Close()
	defer sb.Close()

	// AckInterval is 2: after the receiver consumes two events, it sends an
	// ack the sender collects through TakeAcked.
	for i := 0; i < 2; i++ {
		ev := &events.HostStatus{HostID: uint64(i + 1)}
		ev.EventType = events.TypeHostStatus
		require.NoError(t, sa.Write(ev))
	}

	for i := 0; i < 2; i++ {
		_, err := sb.Read(2 * time.Second)
		require.NoError(t, err)
	}

	// The ack frame travels back to sa; its next Read collects it.
	_, err := sa.Read(200 * time.Millisecond)
	require.Error(t, err) // only the control frame arrived
	assert.True(t, transport.IsTimeout(err))
	assert.Equal(t, uint32(2), sa.TakeAcked())
	assert.Equal(t, uint32(0), sa.TakeAcked())
}

func TestNegotiateMajorMismatch(t *testing.T) {
	reg := testRegistry(t)
	a, b := transport.BufferedPair()
	defer a.Close()
	defer b.Close()

	sa := NewStream(a, StreamConfig{Registry: reg, Name: "a"})

	// Fake a peer speaking a different major version.
	go func() {
		vr := &events.VersionResponse{Major: VersionMajor + 1}
		vr.EventType = events.TypeVersionResponse
		frame, _ := EncodeFrame(reg, vr)
		_, _ = b.Write(frame)
		// Drain our version frame so the pipe does not block.
		buf := make([]byte, 4096)
		_, _ = b.Read(buf)
	}()

	err := sa.Negotiate(2 * time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, brokererrors.ErrVersionMismatch)
}

func TestReadResyncsAfterGarbage(t *testing.T) {
	reg := testRegistry(t)
	a, b := transport.BufferedPair()
	defer a.Close()
	defer b.Close()

	sa := NewStream(a, StreamConfig{Registry: reg, Name: "a"})

	// Peer negotiation.
	vr := &events.VersionResponse{Major: VersionMajor}
	vr.EventType = events.TypeVersionResponse
	frame, err := EncodeFrame(reg, vr)
	require.NoError(t, err)
	_, err = b.Write(frame)
	require.NoError(t, err)
	require.NoError(t, sa.Negotiate(2*time.Second))

	// Garbage announcing a tiny bogus size, then a valid frame: the reader
	// skips forward byte by byte until the checksum lines up again.
	_, err = b.Write([]byte{0xde, 0xad, 0x00, 0x02})
	require.NoError(t, err)
	ev := &events.HostStatus{HostID: 99}
	ev.EventType = events.TypeHostStatus
	frame, err = EncodeFrame(reg, ev)
	require.NoError(t, err)
	_, err = b.Write(frame)
	require.NoError(t, err)

	out, err := sa.Read(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), out.(*events.HostStatus).HostID)
}
