package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"db": {"path": "/tmp/broker.db"}}`))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.DB.Connections)
	assert.Equal(t, 2000, cfg.DB.QueriesPerTransaction)
	assert.True(t, *cfg.DB.StoreInHostsServices)
	assert.True(t, *cfg.DB.StoreInResources)
	assert.Equal(t, 60, cfg.DB.IntervalLength)
	assert.EqualValues(t, 16*1024*1024, cfg.Transport.MaxFrameSize)
	assert.Equal(t, 30, cfg.Transport.RetryIntervalSeconds)
	assert.EqualValues(t, 1000, cfg.Transport.AckInterval)
}

func TestLoadRejectsMissingDBPath(t *testing.T) {
	_, err := Load(writeConfig(t, `{}`))
	assert.Error(t, err)
}

func TestValidateEndpoints(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"db": {"path": "/tmp/broker.db"},
		"endpoints": [
			{"name": "poller", "mode": "in", "proto": "tcp-listen", "address": ":5669"},
			{"name": "rrd", "mode": "out", "proto": "tcp", "address": "rrd:5670", "failover": "rrd-spool"},
			{"name": "rrd-spool", "mode": "out", "proto": "tcp", "address": "backup:5670"},
			{"name": "firehose", "mode": "out", "proto": "nats", "address": "nats://mq:4222", "subject": "broker.events"}
		]
	}`))
	require.NoError(t, err)
	assert.Len(t, cfg.Endpoints, 4)
}

func TestValidateRejectsBadEndpoints(t *testing.T) {
	cases := []string{
		// duplicate names
		`{"db": {"path": "x"}, "endpoints": [
			{"name": "a", "mode": "in", "proto": "tcp", "address": "h:1"},
			{"name": "a", "mode": "in", "proto": "tcp", "address": "h:2"}]}`,
		// unknown failover
		`{"db": {"path": "x"}, "endpoints": [
			{"name": "a", "mode": "out", "proto": "tcp", "address": "h:1", "failover": "ghost"}]}`,
		// nats input
		`{"db": {"path": "x"}, "endpoints": [
			{"name": "a", "mode": "in", "proto": "nats", "address": "nats://h:4222", "subject": "s"}]}`,
		// missing address
		`{"db": {"path": "x"}, "endpoints": [
			{"name": "a", "mode": "in", "proto": "tcp"}]}`,
		// bad mode
		`{"db": {"path": "x"}, "endpoints": [
			{"name": "a", "mode": "sideways", "proto": "tcp", "address": "h:1"}]}`,
	}
	for i, body := range cases {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, "case %d", i)
	}
}

func TestSafeConfigUpdate(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"db": {"path": "/tmp/broker.db"}}`))
	require.NoError(t, err)

	sc := NewSafeConfig(cfg)
	got := sc.Get()
	got.DB.Connections = 6
	require.NoError(t, sc.Update(got))
	assert.Equal(t, 6, sc.Get().DB.Connections)

	// The returned copy is detached from the stored config.
	got.DB.Connections = 99
	assert.Equal(t, 6, sc.Get().DB.Connections)
}
