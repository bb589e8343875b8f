package perfdata

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventbroker/events"
)

func TestParseSimple(t *testing.T) {
	vals, errs := Parse("load=0.42;1;2;0;4")
	require.Empty(t, errs)
	require.Len(t, vals, 1)

	v := vals[0]
	assert.Equal(t, "load", v.Name)
	assert.Equal(t, 0.42, v.Value)
	assert.Equal(t, "", v.Unit)
	assert.Equal(t, 1.0, v.Warning)
	assert.Equal(t, 2.0, v.Critical)
	assert.Equal(t, 0.0, v.Min)
	assert.Equal(t, 4.0, v.Max)
	assert.Equal(t, events.DataSourceGauge, v.Type)
}

func TestParseMultipleMetrics(t *testing.T) {
	vals, errs := Parse("load=0.42;1;2;0;4 mem=35%;80;95")
	require.Empty(t, errs)
	require.Len(t, vals, 2)
	assert.Equal(t, "mem", vals[1].Name)
	assert.Equal(t, 35.0, vals[1].Value)
	assert.Equal(t, "%", vals[1].Unit)
	assert.True(t, math.IsNaN(vals[1].Min))
}

func TestParseQuotedLabel(t *testing.T) {
	vals, errs := Parse("'used space'=12GB;;;0;100")
	require.Empty(t, errs)
	require.Len(t, vals, 1)
	assert.Equal(t, "used space", vals[0].Name)
	assert.Equal(t, "GB", vals[0].Unit)
	assert.True(t, math.IsNaN(vals[0].Warning))
}

func TestParseDataSourcePrefixes(t *testing.T) {
	cases := map[string]int32{
		"d[rx]=5":  events.DataSourceDerive,
		"c[io]=10": events.DataSourceCounter,
		"a[up]=1":  events.DataSourceAbsolute,
		"g[t]=3":   events.DataSourceGauge,
	}
	for in, want := range cases {
		vals, errs := Parse(in)
		require.Empty(t, errs, in)
		require.Len(t, vals, 1, in)
		assert.Equal(t, want, vals[0].Type, in)
	}
}

func TestParseCounterUnit(t *testing.T) {
	vals, errs := Parse("traffic=12345c")
	require.Empty(t, errs)
	require.Len(t, vals, 1)
	assert.Equal(t, "c", vals[0].Unit)
}

func TestParseUnitNormalization(t *testing.T) {
	vals, errs := Parse("size=10kb time=5ms")
	require.Empty(t, errs)
	require.Len(t, vals, 2)
	assert.Equal(t, "KB", vals[0].Unit)
	assert.Equal(t, "s", vals[1].Unit)
}

func TestParseRanges(t *testing.T) {
	vals, errs := Parse("rta=0.5;10:20;@0:30;0;")
	require.Empty(t, errs)
	require.Len(t, vals, 1)
	assert.Equal(t, 20.0, vals[0].Warning)
	assert.Equal(t, 30.0, vals[0].Critical)
}

func TestParseBadMetricDoesNotPoisonBatch(t *testing.T) {
	vals, errs := Parse("ok=1 =broken;; also_ok=2")
	assert.Len(t, errs, 1)
	require.Len(t, vals, 2)
	assert.Equal(t, "ok", vals[0].Name)
	assert.Equal(t, "also_ok", vals[1].Name)
}

func TestParseUndeterminedValue(t *testing.T) {
	vals, errs := Parse("pending=U")
	require.Empty(t, errs)
	require.Len(t, vals, 1)
	assert.True(t, math.IsNaN(vals[0].Value))
}

func TestParseEmpty(t *testing.T) {
	vals, errs := Parse("   ")
	assert.Empty(t, vals)
	assert.Empty(t, errs)
}
