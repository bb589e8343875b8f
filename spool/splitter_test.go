package spool

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempBase(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "queue")
}

func TestWriteThenReadBack(t *testing.T) {
	s, err := Open(tempBase(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	chunks := [][]byte{
		[]byte("first"),
		[]byte("second chunk"),
		[]byte("third"),
	}
	var want bytes.Buffer
	for _, c := range chunks {
		n, err := s.Write(c)
		require.NoError(t, err)
		assert.Equal(t, len(c), n)
		want.Write(c)
	}

	var got bytes.Buffer
	buf := make([]byte, 7)
	for {
		n, err := s.Read(buf)
		if err == ErrEmpty {
			break
		}
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Equal(t, want.Bytes(), got.Bytes())

	// Caught up: further reads report empty.
	_, err = s.Read(buf)
	assert.Equal(t, ErrEmpty, err)
}

func TestRollAcrossFiles(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base, Options{MaxFileSize: 32})
	require.NoError(t, err)
	defer s.Close()

	payload := bytes.Repeat([]byte("x"), 20)
	for i := 0; i < 5; i++ {
		_, err := s.Write(payload)
		require.NoError(t, err)
	}

	// 100 bytes over a 32-byte cap spreads across several files.
	ids, err := s.existingIDs()
	require.NoError(t, err)
	assert.Greater(t, len(ids), 1)

	total := 0
	buf := make([]byte, 64)
	for {
		n, err := s.Read(buf)
		if err == ErrEmpty {
			break
		}
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, 100, total)
}

func TestAutoDeleteConsumedFiles(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base, Options{MaxFileSize: 16, AutoDelete: true})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 6; i++ {
		_, err := s.Write([]byte("0123456789"))
		require.NoError(t, err)
	}

	buf := make([]byte, 128)
	for {
		_, err := s.Read(buf)
		if err == ErrEmpty {
			break
		}
		require.NoError(t, err)
	}

	// All files before the write head must be gone.
	ids, err := s.existingIDs()
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	for _, id := range ids[:len(ids)-1] {
		_, statErr := os.Stat(s.filePath(id))
		assert.True(t, os.IsNotExist(statErr), "file %d should be unlinked", id)
	}
}

func TestRecoverFromSidecar(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base, Options{})
	require.NoError(t, err)

	_, err = s.Write([]byte("abcdef"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, s.Close())

	// Reopen: the read cursor resumes where it left off.
	s2, err := Open(base, Options{})
	require.NoError(t, err)
	defer s2.Close()

	rest := make([]byte, 16)
	n, err = s2.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, "def", string(rest[:n]))
}

func TestRecoverWithoutSidecar(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base, Options{})
	require.NoError(t, err)
	_, err = s.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, os.Remove(base+".stats"))

	s2, err := Open(base, Options{})
	require.NoError(t, err)
	defer s2.Close()

	buf := make([]byte, 16)
	n, err := s2.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}

func TestUnreadBytes(t *testing.T) {
	s, err := Open(tempBase(t), Options{MaxFileSize: 8})
	require.NoError(t, err)
	defer s.Close()

	assert.EqualValues(t, 0, s.UnreadBytes())
	_, err = s.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.EqualValues(t, 16, s.UnreadBytes())

	buf := make([]byte, 6)
	_, err = s.Read(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 10, s.UnreadBytes())
}

func TestSeekStartReplaysRetainedData(t *testing.T) {
	s, err := Open(tempBase(t), Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Write([]byte("replay me"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "replay me", string(buf[:n]))

	require.NoError(t, s.SeekStart())
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "replay me", string(buf[:n]))
}

func TestRemove(t *testing.T) {
	base := tempBase(t)
	s, err := Open(base, Options{MaxFileSize: 4})
	require.NoError(t, err)
	_, err = s.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Remove())

	matches, err := filepath.Glob(base + ".*")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
