package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterAll(r))
	return r
}

func TestRegistryLookup(t *testing.T) {
	r := newTestRegistry(t)

	entry, ok := r.Lookup(TypeHost)
	require.True(t, ok)
	assert.Equal(t, "host", entry.Name)
	assert.Equal(t, "hosts", entry.Table)
	assert.Equal(t, EncodingLegacy, entry.Encoding)

	entry, ok = r.Lookup(TypePbHost)
	require.True(t, ok)
	assert.Equal(t, "pb_host", entry.Name)
	assert.Equal(t, EncodingProto, entry.Encoding)

	_, ok = r.Lookup(Make(CategoryNEB, 9999))
	assert.False(t, ok)
}

func TestRegistrySealed(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(Make(CategoryNEB, 200), "late", "", EncodingLegacy, func() Event { return new(Host) })
	assert.Error(t, err)
}

func TestTypePartition(t *testing.T) {
	ty := Make(CategoryStorage, 5)
	assert.Equal(t, CategoryStorage, ty.Category())
	assert.Equal(t, uint16(5), ty.Element())
	assert.Equal(t, TypeIndexMapping, ty)
}

func sampleServiceStatus() *ServiceStatus {
	return &ServiceStatus{
		HostID:              42,
		ServiceID:           7,
		HostName:            "h",
		ServiceDescription:  "cpu",
		CheckType:           CheckActive,
		Checked:             true,
		State:               1,
		StateType:           1,
		LastCheck:           1100,
		NextCheck:           1160,
		Output:              "WARNING - load high",
		Perfdata:            "load=0.42;1;2;0;4",
		PercentStateChange:  12.5,
		Latency:             0.25,
		ExecutionTime:       0.125,
		ActiveChecksEnabled: true,
		CurrentCheckAttempt: 2,
		CheckInterval:       1,
	}
}

func TestRoundTripLegacy(t *testing.T) {
	r := newTestRegistry(t)
	entry, ok := r.Lookup(TypeServiceStatus)
	require.True(t, ok)

	in := sampleServiceStatus()
	in.EventType = TypeServiceStatus

	buf, err := entry.Marshal(in)
	require.NoError(t, err)

	out, err := entry.Unmarshal(buf)
	require.NoError(t, err)

	got, ok := out.(*ServiceStatus)
	require.True(t, ok)
	assert.Equal(t, TypeServiceStatus, got.Type())
	assert.Equal(t, in.HostID, got.HostID)
	assert.Equal(t, in.Perfdata, got.Perfdata)
	assert.Equal(t, in.PercentStateChange, got.PercentStateChange)
	assert.Equal(t, in.Output, got.Output)
}

func TestRoundTripProto(t *testing.T) {
	r := newTestRegistry(t)
	entry, ok := r.Lookup(TypePbServiceStatus)
	require.True(t, ok)

	in := sampleServiceStatus()
	in.EventType = TypePbServiceStatus

	buf, err := entry.Marshal(in)
	require.NoError(t, err)

	out, err := entry.Unmarshal(buf)
	require.NoError(t, err)

	got := out.(*ServiceStatus)
	assert.Equal(t, TypePbServiceStatus, got.Type())
	assert.Equal(t, in.ServiceID, got.ServiceID)
	assert.Equal(t, in.Checked, got.Checked)
	assert.Equal(t, in.Latency, got.Latency)
	assert.Equal(t, in.ServiceDescription, got.ServiceDescription)
}

func TestRoundTripAllRegisteredTypes(t *testing.T) {
	r := newTestRegistry(t)
	for _, ty := range r.Types() {
		entry, ok := r.Lookup(ty)
		require.True(t, ok)

		in := entry.New()
		buf, err := entry.Marshal(in)
		require.NoError(t, err, "marshal %s", entry.Name)

		out, err := entry.Unmarshal(buf)
		require.NoError(t, err, "unmarshal %s", entry.Name)
		assert.Equal(t, ty, out.Type(), "type of %s", entry.Name)
	}
}

func TestRoundTripTags(t *testing.T) {
	r := newTestRegistry(t)
	entry, _ := r.Lookup(TypePbHost)

	in := &Host{
		HostID:     42,
		InstanceID: 1,
		Name:       "h",
		Alias:      "h",
		Enabled:    true,
		TagIDs:     []uint64{3, 9, 12},
		TagTypes:   []uint64{0, 1, 1},
	}
	in.EventType = TypePbHost

	buf, err := entry.Marshal(in)
	require.NoError(t, err)
	out, err := entry.Unmarshal(buf)
	require.NoError(t, err)

	got := out.(*Host)
	assert.Equal(t, in.TagIDs, got.TagIDs)
	assert.Equal(t, in.TagTypes, got.TagTypes)
}

func TestProtoSkipsUnknownFields(t *testing.T) {
	r := newTestRegistry(t)
	entry, _ := r.Lookup(TypePbAcknowledgement)

	in := entry.New().(*Acknowledgement)
	in.HostID = 42
	in.Author = "admin"
	buf, err := entry.Marshal(in)
	require.NoError(t, err)

	// Append a field number the struct does not declare; decoding must skip
	// it silently (forward compatibility).
	buf = protowire.AppendTag(buf, 200, protowire.BytesType)
	buf = protowire.AppendString(buf, "future data")

	out, err := entry.Unmarshal(buf)
	require.NoError(t, err)
	got := out.(*Acknowledgement)
	assert.Equal(t, uint64(42), got.HostID)
	assert.Equal(t, "admin", got.Author)
}
