package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventbroker/bus"
	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/mux"
)

type fixture struct {
	t      *testing.T
	stream *Stream
	engine *bus.Engine
	sink   *mux.Muxer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := events.NewRegistry()
	require.NoError(t, events.RegisterAll(reg))

	engine := bus.New(nil, nil)
	sink, err := mux.New(mux.Config{
		Name:      "rrd-sink",
		SpoolDir:  t.TempDir(),
		Registry:  reg,
		Published: mux.CategoryFilter(reg, events.CategoryStorage),
	})
	require.NoError(t, err)
	engine.Subscribe(sink)

	s := New(Options{
		DBPath:                filepath.Join(t.TempDir(), "broker.db"),
		Connections:           3,
		QueriesPerTransaction: 1,
		StoreInHostsServices:  true,
		StoreInResources:      true,
		StoreInDataBin:        true,
		RRDLen:                15552000,
		IntervalLength:        60,
		FlushInterval:         time.Hour, // tests flush explicitly
		Engine:                engine,
		Registry:              reg,
	})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Stop(10 * time.Second)
		sink.Close()
	})
	return &fixture{t: t, stream: s, engine: engine, sink: sink}
}

// settle commits and drains every pending statement.
func (f *fixture) settle() {
	f.stream.pool.finish(-1, actionAll)
}

func (f *fixture) queryInt(query string, args ...any) int {
	f.t.Helper()
	var n int
	require.NoError(f.t, f.stream.db.QueryRow(query, args...).Scan(&n))
	return n
}

// drainSink empties the storage-event sink, returning events by type.
func (f *fixture) drainSink() map[events.Type]int {
	got := map[events.Type]int{}
	for {
		ev, err := f.sink.Read(context.Background(), 100*time.Millisecond)
		if err != nil {
			return got
		}
		got[ev.Type()]++
		f.sink.Ack(1)
	}
}

func instanceEvent(id uint32, running bool) *events.Instance {
	ev := &events.Instance{InstanceID: id, Name: "p1", Running: running, StartTime: 1000}
	if !running {
		ev.EndTime = 2000
	}
	ev.EventType = events.TypePbInstance
	return ev
}

func hostEvent(instanceID uint32, hostID uint64) *events.Host {
	ev := &events.Host{
		InstanceID: instanceID,
		HostID:     hostID,
		Name:       "h",
		Alias:      "h",
		Address:    "10.0.0.1",
		Enabled:    true,
	}
	ev.EventType = events.TypePbHost
	return ev
}

func serviceEvent(hostID, serviceID uint64, description string) *events.Service {
	ev := &events.Service{
		HostID:      hostID,
		ServiceID:   serviceID,
		Description: description,
		HostName:    "h",
		Enabled:     true,
	}
	ev.EventType = events.TypePbService
	return ev
}

func serviceStatusEvent(hostID, serviceID uint64, perfdata string) *events.ServiceStatus {
	ev := &events.ServiceStatus{
		HostID:              hostID,
		ServiceID:           serviceID,
		HostName:            "h",
		ServiceDescription:  "cpu",
		Checked:             true,
		CheckType:           events.CheckActive,
		ActiveChecksEnabled: true,
		State:               0,
		StateType:           1,
		LastCheck:           1100,
		NextCheck:           time.Now().Unix() + 60,
		CheckInterval:       1,
		Perfdata:            perfdata,
	}
	ev.EventType = events.TypePbServiceStatus
	return ev
}

// Scenario A: cold start, first host.
func TestColdStartFirstHost(t *testing.T) {
	f := newFixture(t)

	f.stream.Write(instanceEvent(1, true))
	f.stream.Write(hostEvent(1, 42))
	f.settle()

	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM instances WHERE instance_id=1 AND outdated=0"))
	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM hosts WHERE host_id=42 AND instance_id=1 AND enabled=1"))
	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM resources WHERE id=42 AND parent_id=0 AND type=1 AND enabled=1"))

	inst, ok := f.stream.hostInstance.Get(42)
	require.True(t, ok)
	assert.Equal(t, uint32(1), inst)
}

// Scenario B: perfdata creates index and metrics, publishes graphing events.
func TestPerfdataCreatesIndexAndMetrics(t *testing.T) {
	f := newFixture(t)

	f.stream.Write(instanceEvent(1, true))
	f.stream.Write(hostEvent(1, 42))
	f.stream.Write(serviceEvent(42, 7, "cpu"))
	f.drainSink()

	f.stream.Write(serviceStatusEvent(42, 7, "load=0.42;1;2;0;4 mem=35%;80;95"))
	f.settle()

	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM services WHERE host_id=42 AND service_id=7"))
	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM index_data WHERE host_id=42 AND service_id=7 AND check_interval=1"))
	assert.Equal(t, 2, f.queryInt(
		"SELECT COUNT(*) FROM metrics WHERE metric_name IN ('load', 'mem')"))
	assert.Equal(t, 2, f.queryInt("SELECT COUNT(*) FROM data_bin"))

	got := f.drainSink()
	assert.Equal(t, 2, got[events.TypePbMetric])
	assert.Equal(t, 1, got[events.TypePbStatus])
	assert.Equal(t, 1, got[events.TypePbIndexMapping])

	// The ids are stable: a second status reuses them.
	idx1 := f.queryInt("SELECT id FROM index_data WHERE host_id=42 AND service_id=7")
	f.stream.Write(serviceStatusEvent(42, 7, "load=0.43;1;2;0;4"))
	f.settle()
	assert.Equal(t, idx1, f.queryInt("SELECT id FROM index_data WHERE host_id=42 AND service_id=7"))
	assert.Equal(t, 2, f.queryInt("SELECT COUNT(*) FROM metrics"))
}

// Scenario C: stale status dropped.
func TestStaleStatusDropped(t *testing.T) {
	f := newFixture(t)

	f.stream.Write(instanceEvent(1, true))
	f.stream.Write(hostEvent(1, 42))
	f.settle()

	hs := &events.HostStatus{
		HostID:              42,
		CheckType:           events.CheckActive,
		ActiveChecksEnabled: true,
		Checked:             true,
		State:               1,
		NextCheck:           time.Now().Add(-time.Hour).Unix(),
		Output:              "late",
	}
	hs.EventType = events.TypePbHostStatus
	f.stream.Write(hs)
	f.settle()

	assert.Equal(t, 0, f.queryInt(
		"SELECT COUNT(*) FROM hosts WHERE host_id=42 AND output='late'"))
}

// A fresh status is applied to both the legacy table and resources.
func TestFreshStatusApplied(t *testing.T) {
	f := newFixture(t)

	f.stream.Write(instanceEvent(1, true))
	f.stream.Write(hostEvent(1, 42))
	f.settle()

	hs := &events.HostStatus{
		HostID:              42,
		CheckType:           events.CheckPassive,
		ActiveChecksEnabled: true,
		Checked:             true,
		State:               1,
		StateType:           1,
		LastCheck:           time.Now().Unix(),
		Output:              "DOWN",
	}
	hs.EventType = events.TypePbHostStatus
	f.stream.Write(hs)
	f.settle()

	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM hosts WHERE host_id=42 AND state=1 AND output='DOWN'"))
	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM resources WHERE id=42 AND parent_id=0 AND status=1"))
}

// Scenario D: instance disappears, everything it owns is disabled.
func TestInstanceDisappears(t *testing.T) {
	f := newFixture(t)

	f.stream.Write(instanceEvent(1, true))
	f.stream.Write(hostEvent(1, 42))
	f.stream.Write(serviceEvent(42, 7, "cpu"))

	dt := &events.Downtime{
		InstanceID: 1, HostID: 42, InternalID: 5,
		EntryTime: 1500, StartTime: 1500, Duration: 3600, Started: true,
	}
	dt.EventType = events.TypePbDowntime
	f.stream.Write(dt)
	f.stream.flushQueues()

	cm := &events.Comment{
		InstanceID: 1, HostID: 42, InternalID: 9,
		EntryTime: 1500, Author: "admin", Data: "note", Persistent: false,
	}
	cm.EventType = events.TypePbComment
	f.stream.Write(cm)

	cv := &events.CustomVariable{HostID: 42, Name: "ROLE", Value: "db", Enabled: true}
	cv.EventType = events.TypePbCustomVariable
	f.stream.Write(cv)
	f.stream.flushQueues()
	f.settle()

	require.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM downtimes"))
	require.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM customvariables"))

	f.stream.Write(instanceEvent(1, false))
	f.settle()

	assert.Equal(t, 0, f.queryInt(
		"SELECT COUNT(*) FROM hosts WHERE instance_id=1 AND enabled=1"))
	assert.Equal(t, 0, f.queryInt(
		"SELECT COUNT(*) FROM resources WHERE poller_id=1 AND enabled=1"))
	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM downtimes WHERE cancelled=1"))
	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM comments WHERE deletion_time IS NOT NULL AND deletion_time > 0"))
	assert.Equal(t, 0, f.queryInt("SELECT COUNT(*) FROM customvariables"))
	assert.False(t, f.stream.hostInstance.Contains(42))

	// The group-cleanup sweep is driven by a timer; invoke it directly.
	f.stream.cleanGroupTables()
	f.settle()
	assert.Equal(t, 0, f.queryInt("SELECT COUNT(*) FROM hostgroups"))
}

// Invariant 5: re-applying the same event leaves the DB unchanged.
func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)

	f.stream.Write(instanceEvent(1, true))
	for i := 0; i < 2; i++ {
		f.stream.Write(hostEvent(1, 42))
		f.stream.Write(serviceEvent(42, 7, "cpu"))
	}
	f.settle()

	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM hosts"))
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM services"))
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM resources WHERE parent_id=0"))
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM resources WHERE parent_id=42"))

	ack := &events.Acknowledgement{
		InstanceID: 1, HostID: 42, EntryTime: 1700, Author: "ops", State: 1,
	}
	ack.EventType = events.TypePbAcknowledgement
	f.stream.Write(ack)
	f.stream.Write(ack)
	f.settle()
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM acknowledgements"))
}

// Check events only write when the command line hash changes.
func TestCheckCommandDeduplication(t *testing.T) {
	f := newFixture(t)

	f.stream.Write(instanceEvent(1, true))
	f.stream.Write(hostEvent(1, 42))
	f.settle()

	hc := &events.HostCheck{
		HostID:      42,
		CommandLine: "/usr/lib/check_ping -H 10.0.0.1",
		CheckType:   events.CheckPassive,
	}
	hc.EventType = events.TypePbHostCheck
	f.stream.Write(hc)
	f.settle()
	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM hosts WHERE host_id=42 AND command_line LIKE '%check_ping%'"))

	// Same command again: the cache suppresses the write. Wipe the column
	// behind the persister's back to observe the skip.
	_, err := f.stream.db.Exec("UPDATE hosts SET command_line='wiped' WHERE host_id=42")
	require.NoError(t, err)
	f.stream.Write(hc)
	f.settle()
	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM hosts WHERE host_id=42 AND command_line='wiped'"))

	// A different command writes again.
	hc2 := &events.HostCheck{HostID: 42, CommandLine: "/bin/true", CheckType: events.CheckPassive}
	hc2.EventType = events.TypePbHostCheck
	f.stream.Write(hc2)
	f.settle()
	assert.Equal(t, 1, f.queryInt(
		"SELECT COUNT(*) FROM hosts WHERE host_id=42 AND command_line='/bin/true'"))
}

func TestSeverityAndTagLifecycle(t *testing.T) {
	f := newFixture(t)

	sev := &events.Severity{ID: 3, SevType: 1, Name: "critical", Level: 1, Action: events.ActionAdd}
	sev.EventType = events.TypePbSeverity
	f.stream.Write(sev)
	f.settle()
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM severities WHERE id=3 AND type=1"))
	_, ok := f.stream.severityCache.Get(idTypeKey{3, 1})
	assert.True(t, ok)

	sev.Action = events.ActionModify
	sev.Name = "very critical"
	f.stream.Write(sev)
	f.settle()
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM severities WHERE name='very critical'"))

	// Severity DELETE is a no-op.
	sev.Action = events.ActionDelete
	f.stream.Write(sev)
	f.settle()
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM severities"))

	tag := &events.Tag{ID: 8, TagType: 2, Name: "prod", Action: events.ActionAdd}
	tag.EventType = events.TypePbTag
	f.stream.Write(tag)
	f.settle()
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM tags WHERE id=8 AND type=2"))

	tag.Action = events.ActionDelete
	f.stream.Write(tag)
	f.settle()
	assert.Equal(t, 0, f.queryInt("SELECT COUNT(*) FROM tags"))
}

func TestHostTagsRewrittenOnUpdate(t *testing.T) {
	f := newFixture(t)

	f.stream.Write(instanceEvent(1, true))

	tag := &events.Tag{ID: 5, TagType: 0, Name: "linux", Action: events.ActionAdd}
	tag.EventType = events.TypePbTag
	f.stream.Write(tag)

	h := hostEvent(1, 42)
	h.TagIDs = []uint64{5}
	h.TagTypes = []uint64{0}
	f.stream.Write(h)
	f.settle()
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM resources_tags"))

	// Re-sending the host with a missing tag creates the tag row on demand.
	h2 := hostEvent(1, 42)
	h2.TagIDs = []uint64{5, 6}
	h2.TagTypes = []uint64{0, 0}
	f.stream.Write(h2)
	f.settle()
	assert.Equal(t, 2, f.queryInt("SELECT COUNT(*) FROM resources_tags"))
	assert.Equal(t, 2, f.queryInt("SELECT COUNT(*) FROM tags"))
}

func TestBulkFlushers(t *testing.T) {
	f := newFixture(t)

	f.stream.Write(instanceEvent(1, true))
	f.stream.Write(hostEvent(1, 42))

	for i := 0; i < 5; i++ {
		cv := &events.CustomVariable{
			HostID: 42, Name: "VAR" + string(rune('A'+i)), Value: "v", Enabled: true,
		}
		cv.EventType = events.TypePbCustomVariable
		f.stream.Write(cv)
	}
	le := &events.LogEntry{CTime: 1100, HostID: 42, InstanceName: "p1", Output: "host up"}
	le.EventType = events.TypePbLogEntry
	f.stream.Write(le)

	f.stream.flushQueues()
	f.settle()

	assert.Equal(t, 5, f.queryInt("SELECT COUNT(*) FROM customvariables"))
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM logs"))

	// A status update for an existing variable upserts in place.
	cvs := &events.CustomVariableStatus{HostID: 42, Name: "VARA", Value: "v2", Modified: true}
	cvs.EventType = events.TypePbCustomVariableStatus
	f.stream.Write(cvs)
	f.stream.flushQueues()
	f.settle()
	assert.Equal(t, 5, f.queryInt("SELECT COUNT(*) FROM customvariables"))
	assert.Equal(t, 1, f.queryInt("SELECT COUNT(*) FROM customvariables WHERE value='v2'"))
}

// Invariant 3: mask-intersecting writes on one connection are ordered.
func TestActionBarrierOrdersDependentWrites(t *testing.T) {
	f := newFixture(t)

	f.stream.Write(instanceEvent(1, true))
	f.stream.Write(hostEvent(1, 42))
	// processHost and processService both write on the instance's
	// connection, so the host row is written before the service row.
	f.stream.Write(serviceEvent(42, 7, "cpu"))
	f.settle()

	assert.Equal(t, 1, f.queryInt(
		`SELECT COUNT(*) FROM services s JOIN hosts h ON h.host_id = s.host_id
		 WHERE s.service_id=7 AND h.enabled=1`))
}

func TestUnknownHostEventsAreDropped(t *testing.T) {
	f := newFixture(t)

	ss := serviceStatusEvent(99, 1, "x=1")
	f.stream.Write(ss)
	f.settle()

	assert.Equal(t, 0, f.queryInt("SELECT COUNT(*) FROM index_data"))
	assert.Equal(t, 0, f.queryInt("SELECT COUNT(*) FROM metrics"))
}

func TestCachesWarmAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "broker.db")
	reg := events.NewRegistry()
	require.NoError(t, events.RegisterAll(reg))

	mk := func() *Stream {
		s := New(Options{
			DBPath:                dbPath,
			Connections:           2,
			QueriesPerTransaction: 1,
			StoreInHostsServices:  true,
			StoreInResources:      true,
			FlushInterval:         time.Hour,
			Registry:              reg,
		})
		require.NoError(t, s.Initialize())
		require.NoError(t, s.Start(context.Background()))
		return s
	}

	s1 := mk()
	s1.Write(instanceEvent(1, true))
	s1.Write(hostEvent(1, 42))
	s1.Write(serviceEvent(42, 7, "cpu"))
	s1.Write(serviceStatusEvent(42, 7, "load=1;;;;"))
	s1.pool.finish(-1, actionAll)

	var indexID, metricID int
	require.NoError(t, s1.db.QueryRow("SELECT id FROM index_data").Scan(&indexID))
	require.NoError(t, s1.db.QueryRow("SELECT metric_id FROM metrics").Scan(&metricID))
	require.NoError(t, s1.Stop(10*time.Second))

	s2 := mk()
	defer s2.Stop(10 * time.Second)

	info, ok := s2.indexCache.Get(svcKey{42, 7})
	require.True(t, ok)
	assert.EqualValues(t, indexID, info.id)

	minfo, ok := s2.metricCache.Get(metricKey{uint64(indexID), "load"})
	require.True(t, ok)
	assert.EqualValues(t, metricID, minfo.id)

	inst, ok := s2.hostInstance.Get(42)
	require.True(t, ok)
	assert.Equal(t, uint32(1), inst)
}
