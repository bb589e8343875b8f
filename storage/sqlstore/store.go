// Package sqlstore implements the SQL persister: a multi-connection,
// action-ordered writer ingesting the event stream into the relational
// store, maintaining entity caches, deriving perfdata metrics from service
// status events and re-emitting them to the RRD subscriber over the bus.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/eventbroker/bus"
	"github.com/c360/eventbroker/errors"
	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/metric"
	"github.com/c360/eventbroker/mux"
	"github.com/c360/eventbroker/pkg/cache"
	"github.com/c360/eventbroker/pkg/retry"
)

// staleWindow is how far in the past a next_check may lie before a status
// event is considered stale and dropped.
const staleWindow = 5 * time.Minute

// groupCleanupDelay spaces the empty-group sweep from the instance event
// that scheduled it.
const groupCleanupDelay = time.Minute

// Options configures the persister.
type Options struct {
	DBPath                string
	Connections           int
	QueriesPerTransaction int
	InstanceTimeout       time.Duration
	StoreInHostsServices  bool
	StoreInResources      bool
	StoreInDataBin        bool
	RRDLen                int
	IntervalLength        int
	FlushInterval         time.Duration

	Engine   *bus.Engine
	Registry *events.Registry
	Muxer    *mux.Muxer
	Logger   *slog.Logger
	Metrics  *metric.Metrics
	SourceID uint32
}

type indexInfo struct {
	id      uint64
	locked  bool
	special bool
}

type metricInfo struct {
	id   uint64
	unit string
	warn float64
	crit float64
	min  float64
	max  float64
}

type svcKey struct {
	hostID    uint64
	serviceID uint64
}

type idTypeKey struct {
	id  uint64
	typ uint32
}

type metricKey struct {
	indexID uint64
	name    string
}

type timestampState int

const (
	responsive timestampState = iota
	unresponsive
)

type storedTimestamp struct {
	state timestampState
	seen  time.Time
}

// Stream is the persister. It consumes its muxer, dispatches each event to a
// per-kind handler, and owns the connection pool and every entity cache.
type Stream struct {
	opts Options
	log  *slog.Logger

	db    *sql.DB
	pool  *pool
	sizes columnSizes

	handlers map[events.Type]func(events.Event)

	// Entity caches, coherent with the DB.
	hostInstance  *cache.Cache[uint64, uint32] // host_id -> instance_id
	hostCmd       *cache.Cache[uint64, uint64] // host_id -> command hash
	svcCmd        *cache.Cache[svcKey, uint64] // (host, service) -> command hash
	indexCache    *cache.Cache[svcKey, indexInfo]
	metricCache   *cache.Cache[metricKey, metricInfo]
	resourceCache *cache.Cache[svcKey, uint64] // (id, parent) keyed as (host, service-or-0)
	severityCache *cache.Cache[idTypeKey, uint64]
	tagCache      *cache.Cache[idTypeKey, uint64]
	hostgroups    *cache.Set[uint64]
	servicegroups *cache.Set[uint64]
	deletedInst   *cache.Set[uint32]

	// Staging queues for bulk loads.
	qmu           sync.Mutex
	cvQueue       [][]any
	cvsQueue      [][]any
	downtimeQueue [][]any
	logQueue      [][]any

	// Instance liveness tracking.
	tsMu       sync.Mutex
	timestamps map[uint32]storedTimestamp

	timerMu         sync.Mutex
	groupCleanTimer *time.Timer

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a persister.
func New(opts Options) *Stream {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Connections <= 0 {
		opts.Connections = 3
	}
	if opts.QueriesPerTransaction <= 0 {
		opts.QueriesPerTransaction = 2000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.RRDLen <= 0 {
		opts.RRDLen = 15552000
	}
	if opts.IntervalLength <= 0 {
		opts.IntervalLength = 60
	}
	s := &Stream{
		opts:          opts,
		log:           opts.Logger,
		hostInstance:  cache.New[uint64, uint32](),
		hostCmd:       cache.New[uint64, uint64](),
		svcCmd:        cache.New[svcKey, uint64](),
		indexCache:    cache.New[svcKey, indexInfo](),
		metricCache:   cache.New[metricKey, metricInfo](),
		resourceCache: cache.New[svcKey, uint64](),
		severityCache: cache.New[idTypeKey, uint64](),
		tagCache:      cache.New[idTypeKey, uint64](),
		hostgroups:    cache.NewSet[uint64](),
		servicegroups: cache.NewSet[uint64](),
		deletedInst:   cache.NewSet[uint32](),
		timestamps:    make(map[uint32]storedTimestamp),
	}
	s.buildDispatchTable()
	return s
}

// Name implements component.Component.
func (s *Stream) Name() string { return "sql-persister" }

// Initialize opens the database, installs the schema when absent, reads the
// column size limits and warms the entity caches.
func (s *Stream) Initialize() error {
	db, err := retry.DoWithResult(context.Background(), retry.Persistent(), func() (*sql.DB, error) {
		db, err := sql.Open("sqlite3", s.opts.DBPath+"?_busy_timeout=5000&_journal_mode=WAL")
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	})
	if err != nil {
		return errors.WrapFatal(err, "sqlstore", "Initialize", "open database")
	}
	s.db = db

	if _, err := db.Exec(schemaDDL); err != nil {
		return errors.WrapFatal(err, "sqlstore", "Initialize", "install schema")
	}

	s.sizes, err = loadColumnSizes(db)
	if err != nil {
		return errors.WrapFatal(err, "sqlstore", "Initialize", "read column sizes")
	}

	s.pool = newPool(db, s.opts.Connections, s.opts.QueriesPerTransaction, s.log, s.opts.Metrics)

	if err := s.warmCaches(); err != nil {
		return errors.WrapFatal(err, "sqlstore", "Initialize", "warm caches")
	}
	return nil
}

// warmCaches preloads every cache from the DB so ids stay stable across
// restarts.
func (s *Stream) warmCaches() error {
	load := func(query string, scan func(rows *sql.Rows) error) error {
		rows, err := s.db.Query(query)
		if err != nil {
			return fmt.Errorf("%s: %w", query, err)
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	}

	if err := load("SELECT id, host_id, service_id, locked, special FROM index_data", func(rows *sql.Rows) error {
		var id, hostID, serviceID uint64
		var locked, special bool
		if err := rows.Scan(&id, &hostID, &serviceID, &locked, &special); err != nil {
			return err
		}
		s.indexCache.Set(svcKey{hostID, serviceID}, indexInfo{id: id, locked: locked, special: special})
		return nil
	}); err != nil {
		return err
	}

	if err := load("SELECT metric_id, index_id, metric_name, unit_name, COALESCE(warn, 0), COALESCE(crit, 0), COALESCE(min, 0), COALESCE(max, 0) FROM metrics", func(rows *sql.Rows) error {
		var id, indexID uint64
		var name string
		var unit sql.NullString
		var warn, crit, mn, mx float64
		if err := rows.Scan(&id, &indexID, &name, &unit, &warn, &crit, &mn, &mx); err != nil {
			return err
		}
		s.metricCache.Set(metricKey{indexID, name}, metricInfo{id: id, unit: unit.String, warn: warn, crit: crit, min: mn, max: mx})
		return nil
	}); err != nil {
		return err
	}

	if err := load("SELECT host_id, instance_id FROM hosts WHERE enabled=1", func(rows *sql.Rows) error {
		var hostID uint64
		var instanceID uint32
		if err := rows.Scan(&hostID, &instanceID); err != nil {
			return err
		}
		s.hostInstance.Set(hostID, instanceID)
		return nil
	}); err != nil {
		return err
	}

	if err := load("SELECT resource_id, id, parent_id FROM resources WHERE enabled=1", func(rows *sql.Rows) error {
		var resourceID, id, parentID uint64
		if err := rows.Scan(&resourceID, &id, &parentID); err != nil {
			return err
		}
		if parentID == 0 {
			s.resourceCache.Set(svcKey{id, 0}, resourceID)
		} else {
			s.resourceCache.Set(svcKey{parentID, id}, resourceID)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := load("SELECT severity_id, id, type FROM severities", func(rows *sql.Rows) error {
		var sid, id uint64
		var typ uint32
		if err := rows.Scan(&sid, &id, &typ); err != nil {
			return err
		}
		s.severityCache.Set(idTypeKey{id, typ}, sid)
		return nil
	}); err != nil {
		return err
	}

	if err := load("SELECT tag_id, id, type FROM tags", func(rows *sql.Rows) error {
		var tid, id uint64
		var typ uint32
		if err := rows.Scan(&tid, &id, &typ); err != nil {
			return err
		}
		s.tagCache.Set(idTypeKey{id, typ}, tid)
		return nil
	}); err != nil {
		return err
	}

	if err := load("SELECT hostgroup_id FROM hostgroups", func(rows *sql.Rows) error {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		s.hostgroups.Add(id)
		return nil
	}); err != nil {
		return err
	}

	if err := load("SELECT servicegroup_id FROM servicegroups", func(rows *sql.Rows) error {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		s.servicegroups.Add(id)
		return nil
	}); err != nil {
		return err
	}

	if err := load("SELECT instance_id FROM instances WHERE deleted=1", func(rows *sql.Rows) error {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return err
		}
		s.deletedInst.Add(id)
		return nil
	}); err != nil {
		return err
	}

	s.log.Info("persister caches warmed",
		"indexes", s.indexCache.Len(),
		"metrics", s.metricCache.Len(),
		"hosts", s.hostInstance.Len(),
		"resources", s.resourceCache.Len())
	return nil
}

// Start implements component.Component: dispatch loop, bulk flusher and
// outdated-instance sweeper.
func (s *Stream) Start(ctx context.Context) error {
	if s.started {
		return errors.ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.pool.start(runCtx)

	if s.opts.Muxer != nil {
		s.wg.Add(1)
		go s.dispatchLoop(runCtx)
	}

	s.wg.Add(1)
	go s.flushLoop(runCtx)

	if s.opts.InstanceTimeout > 0 {
		s.wg.Add(1)
		go s.sweepLoop(runCtx)
	}
	return nil
}

// Stop implements component.Component: drain, flush, close.
func (s *Stream) Stop(timeout time.Duration) error {
	if !s.started {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "sqlstore", "Stop", "drain workers")
	}

	s.timerMu.Lock()
	if s.groupCleanTimer != nil {
		s.groupCleanTimer.Stop()
	}
	s.timerMu.Unlock()

	s.flushQueues()
	s.pool.finish(-1, actionAll)
	s.pool.close()

	if s.opts.Muxer != nil {
		if err := s.opts.Muxer.Close(); err != nil {
			s.log.Error("persister muxer close failed", "error", err)
		}
	}
	return s.db.Close()
}

// dispatchLoop consumes the input muxer and routes each event to its
// handler.
func (s *Stream) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		ev, err := s.opts.Muxer.Read(ctx, time.Second)
		if err != nil {
			if err == errors.ErrConnectionTimeout {
				continue
			}
			return
		}
		s.Write(ev)
		s.opts.Muxer.Ack(1)
	}
}

// Write dispatches one event synchronously. Exposed for tests; production
// traffic arrives through the muxer.
func (s *Stream) Write(ev events.Event) {
	h, ok := s.handlers[ev.Type()]
	if !ok {
		if s.opts.Metrics != nil {
			s.opts.Metrics.EventsDropped.WithLabelValues(s.Name(), "unhandled_type").Inc()
		}
		return
	}
	h(ev)
	if s.opts.Metrics != nil {
		s.opts.Metrics.EventsProcessed.WithLabelValues(s.Name(), categoryName(ev.Type())).Inc()
	}
}

func categoryName(t events.Type) string {
	switch t.Category() {
	case events.CategoryNEB:
		return "neb"
	case events.CategoryStorage:
		return "storage"
	case events.CategoryBBDO:
		return "bbdo"
	default:
		return "unknown"
	}
}

func (s *Stream) flushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushQueues()
		}
	}
}

func (s *Stream) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepUnresponsiveInstances()
		}
	}
}

// buildDispatchTable binds every handled type id to its closure. Legacy and
// protobuf ids of the same kind share one handler.
func (s *Stream) buildDispatchTable() {
	s.handlers = map[events.Type]func(events.Event){}
	add := func(h func(events.Event), types ...events.Type) {
		for _, t := range types {
			s.handlers[t] = h
		}
	}
	add(s.processInstance, events.TypeInstance, events.TypePbInstance)
	add(s.processInstanceStatus, events.TypeInstanceStatus, events.TypePbInstanceStatus)
	add(s.processHost, events.TypeHost, events.TypePbHost)
	add(s.processHostCheck, events.TypeHostCheck, events.TypePbHostCheck)
	add(s.processHostStatus, events.TypeHostStatus, events.TypePbHostStatus)
	add(s.processAdaptiveHost, events.TypePbAdaptiveHost)
	add(s.processHostParent, events.TypeHostParent, events.TypePbHostParent)
	add(s.processHostDependency, events.TypeHostDependency, events.TypePbHostDependency)
	add(s.processHostGroup, events.TypeHostGroup, events.TypePbHostGroup)
	add(s.processHostGroupMember, events.TypeHostGroupMember, events.TypePbHostGroupMember)
	add(s.processService, events.TypeService, events.TypePbService)
	add(s.processServiceCheck, events.TypeServiceCheck, events.TypePbServiceCheck)
	add(s.processServiceStatus, events.TypeServiceStatus, events.TypePbServiceStatus)
	add(s.processAdaptiveService, events.TypePbAdaptiveService)
	add(s.processServiceDependency, events.TypeServiceDependency, events.TypePbServiceDependency)
	add(s.processServiceGroup, events.TypeServiceGroup, events.TypePbServiceGroup)
	add(s.processServiceGroupMember, events.TypeServiceGroupMember, events.TypePbServiceGroupMember)
	add(s.processComment, events.TypeComment, events.TypePbComment)
	add(s.processDowntime, events.TypeDowntime, events.TypePbDowntime)
	add(s.processAcknowledgement, events.TypeAcknowledgement, events.TypePbAcknowledgement)
	add(s.processCustomVariable, events.TypeCustomVariable, events.TypePbCustomVariable)
	add(s.processCustomVariableStatus, events.TypeCustomVariableStatus, events.TypePbCustomVariableStatus)
	add(s.processLog, events.TypeLogEntry, events.TypePbLogEntry)
	add(s.processModule, events.TypeModule, events.TypePbModule)
	add(s.processSeverity, events.TypePbSeverity)
	add(s.processTag, events.TypePbTag)
	add(s.processResponsiveInstance, events.TypeResponsiveInstance, events.TypePbResponsiveInstance)
}

// publish re-emits a derived event on the bus.
func (s *Stream) publish(ev events.Event) {
	if s.opts.Engine == nil {
		return
	}
	ev.Hdr().Source = s.opts.SourceID
	if err := s.opts.Engine.Publish(s.Name(), ev); err != nil && err != errors.ErrShuttingDown {
		s.log.Error("publish derived event failed", "type", ev.Type().String(), "error", err)
	}
}

// Stats returns a snapshot block for the stats reporter.
func (s *Stream) Stats() map[string]int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	stats := map[string]int{
		"indexes_cached":   s.indexCache.Len(),
		"metrics_cached":   s.metricCache.Len(),
		"hosts_cached":     s.hostInstance.Len(),
		"resources_cached": s.resourceCache.Len(),
		"cv_queue":         len(s.cvQueue) + len(s.cvsQueue),
		"downtime_queue":   len(s.downtimeQueue),
		"log_queue":        len(s.logQueue),
	}
	if s.opts.Muxer != nil {
		stats["pending_events"] = s.opts.Muxer.Unread()
	}
	return stats
}
