package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedPairCarriesDataBothWays(t *testing.T) {
	a, b := BufferedPair()
	defer a.Close()
	defer b.Close()

	_, err := a.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = b.Write([]byte("pong"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	n, err = a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestBufferedPairReadDeadline(t *testing.T) {
	a, b := BufferedPair()
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.SetReadDeadline(time.Now().Add(30*time.Millisecond)))
	buf := make([]byte, 16)
	_, err := a.Read(buf)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestBufferedPairCloseUnblocksReader(t *testing.T) {
	a, b := BufferedPair()

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := a.Read(buf)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader not released on close")
	}
}

func TestMemoryConnector(t *testing.T) {
	c := NewMemoryConnector("mem")
	assert.Equal(t, "mem", c.Name())

	// Nothing armed: connection refused.
	_, err := c.Connect(context.Background())
	assert.Error(t, err)

	s, _ := BufferedPair()
	c.Arm(s)
	got, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s, got)
}
