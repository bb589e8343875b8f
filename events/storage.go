package events

// Data source types derived from the perfdata value prefix.
const (
	DataSourceGauge    int32 = 0
	DataSourceCounter  int32 = 1
	DataSourceDerive   int32 = 2
	DataSourceAbsolute int32 = 3
)

// Metric is one perfdata point destined to the RRD writer.
type Metric struct {
	Header

	CTime     int64   `pb:"1"`
	Interval  uint32  `pb:"2"`
	MetricID  uint64  `pb:"3"`
	Name      string  `pb:"4"`
	RRDLen    int32   `pb:"5"`
	Value     float64 `pb:"6"`
	ValueType int32   `pb:"7"`
	HostID    uint64  `pb:"8"`
	ServiceID uint64  `pb:"9"`
}

// Status carries the state of an index at a point in time, graphed alongside
// its metrics.
type Status struct {
	Header

	CTime    int64  `pb:"1"`
	IndexID  uint64 `pb:"2"`
	Interval uint32 `pb:"3"`
	RRDLen   int32  `pb:"4"`
	State    int32  `pb:"5"`
}

// IndexMapping announces a newly-created index id for a (host, service)
// pair.
type IndexMapping struct {
	Header

	IndexID   uint64 `pb:"1"`
	HostID    uint64 `pb:"2"`
	ServiceID uint64 `pb:"3"`
}

// MetricMapping announces a newly-created metric id within an index.
type MetricMapping struct {
	Header

	IndexID  uint64 `pb:"1"`
	MetricID uint64 `pb:"2"`
}

// Rebuild asks the RRD writer to rebuild the file of an index or metric.
type Rebuild struct {
	Header

	EndRebuild bool   `pb:"1"`
	ID         uint64 `pb:"2"`
	IsIndex    bool   `pb:"3"`
}

// RemoveGraph asks the RRD writer to delete the file of an index or metric.
type RemoveGraph struct {
	Header

	ID      uint64 `pb:"1"`
	IsIndex bool   `pb:"2"`
}
