package sqlstore

import (
	"database/sql"
	"math"
	"strings"

	"github.com/c360/eventbroker/events"
	"github.com/c360/eventbroker/perfdata"
)

// moduleHostPrefix marks internal hosts whose graphs are handled specially.
const moduleHostPrefix = "_Module_"

func isSpecialHost(hostName string) bool {
	return strings.HasPrefix(hostName, moduleHostPrefix)
}

// processPerfdata turns the perfdata string of a service status into metric
// rows and graphing events: resolve the index, resolve each metric, refresh
// thresholds, optionally write data_bin, publish metric and status events to
// the RRD subscriber.
func (s *Stream) processPerfdata(ss *events.ServiceStatus) {
	if ss.Perfdata == "" {
		return
	}

	info, ok := s.resolveIndex(ss)
	if !ok {
		return
	}

	interval := uint32(ss.CheckInterval * float64(s.opts.IntervalLength))
	if interval == 0 {
		interval = uint32(s.opts.IntervalLength)
	}

	// Status event for the index, graphed alongside its metrics.
	st := &events.Status{
		CTime:    ss.LastCheck,
		IndexID:  info.id,
		Interval: interval,
		RRDLen:   int32(s.opts.RRDLen),
		State:    ss.State,
	}
	st.EventType = events.TypePbStatus
	s.publish(st)

	values, errs := perfdata.Parse(ss.Perfdata)
	for _, perr := range errs {
		s.log.Error("perfdata parse error",
			"host_id", ss.HostID, "service_id", ss.ServiceID, "error", perr)
		if s.opts.Metrics != nil {
			s.opts.Metrics.PerfdataErrors.Inc()
		}
	}

	for _, v := range values {
		minfo, ok := s.resolveMetric(ss, info.id, v)
		if !ok {
			continue
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.PerfdataParsed.Inc()
		}

		if s.opts.StoreInDataBin {
			instance, _ := s.hostInstance.Get(ss.HostID)
			conn := s.pool.byInstance(instance)
			metricID := minfo.id
			value := v.Value
			s.pool.run(conn, 0, func(tx *sql.Tx) error {
				_, err := tx.Exec(
					"INSERT INTO data_bin (id_metric, ctime, value, status) VALUES (?, ?, ?, ?)",
					metricID, ss.LastCheck, nanToNull(value), ss.State+1)
				return err
			})
		}

		me := &events.Metric{
			CTime:     ss.LastCheck,
			Interval:  interval,
			MetricID:  minfo.id,
			Name:      v.Name,
			RRDLen:    int32(s.opts.RRDLen),
			Value:     v.Value,
			ValueType: v.Type,
			HostID:    ss.HostID,
			ServiceID: ss.ServiceID,
		}
		me.EventType = events.TypePbMetric
		s.publish(me)
	}
}

// resolveIndex returns the stable index of a (host, service) pair, creating
// the index_data row and announcing the mapping when first seen.
func (s *Stream) resolveIndex(ss *events.ServiceStatus) (indexInfo, bool) {
	key := svcKey{ss.HostID, ss.ServiceID}
	if info, ok := s.indexCache.Get(key); ok {
		return info, true
	}

	instance, _ := s.hostInstance.Get(ss.HostID)
	conn := s.pool.byInstance(instance)

	special := isSpecialHost(ss.HostName)
	hostName := s.sizes.truncate("index_data", "host_name", ss.HostName)
	description := s.sizes.truncate("index_data", "service_description", ss.ServiceDescription)
	interval := int(ss.CheckInterval)

	var indexID uint64
	err := s.pool.runWait(conn, 0, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO index_data
				(host_id, service_id, host_name, service_description,
				 check_interval, rrd_retention, special, must_be_rebuild)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			ss.HostID, ss.ServiceID, hostName, description,
			interval, s.opts.RRDLen, special)
		if err != nil {
			return err
		}
		last, err := res.LastInsertId()
		if err != nil {
			return err
		}
		indexID = uint64(last)
		return nil
	})
	if err != nil {
		// A row may pre-date the cache (restart, concurrent writer): fall
		// back to a targeted select.
		err = s.pool.runWait(conn, 0, func(tx *sql.Tx) error {
			return tx.QueryRow(
				"SELECT id FROM index_data WHERE host_id=? AND service_id=?",
				ss.HostID, ss.ServiceID).Scan(&indexID)
		})
		if err != nil || indexID == 0 {
			s.log.Error("insertion of index failed",
				"host_id", ss.HostID, "service_id", ss.ServiceID, "error", err)
			return indexInfo{}, false
		}
	}

	s.log.Debug("new index", "index_id", indexID,
		"host_id", ss.HostID, "service_id", ss.ServiceID)
	info := indexInfo{id: indexID, special: special}
	s.indexCache.Set(key, info)

	im := &events.IndexMapping{IndexID: indexID, HostID: ss.HostID, ServiceID: ss.ServiceID}
	im.EventType = events.TypePbIndexMapping
	s.publish(im)
	return info, true
}

// resolveMetric returns the stable metric id of (index, name), creating the
// row when first seen and refreshing unit/warn/crit/min/max on change.
func (s *Stream) resolveMetric(ss *events.ServiceStatus, indexID uint64, v perfdata.Value) (metricInfo, bool) {
	key := metricKey{indexID, v.Name}
	instance, _ := s.hostInstance.Get(ss.HostID)
	conn := s.pool.byInstance(instance)

	if info, ok := s.metricCache.Get(key); ok {
		if metricChanged(info, v) {
			info.unit = v.Unit
			info.warn = v.Warning
			info.crit = v.Critical
			info.min = v.Min
			info.max = v.Max
			s.metricCache.Set(key, info)

			unit := s.sizes.truncate("metrics", "unit_name", v.Unit)
			metricID := info.id
			val := v
			s.pool.run(conn, 0, func(tx *sql.Tx) error {
				_, err := tx.Exec(
					`UPDATE metrics SET unit_name=?, warn=?, crit=?, min=?, max=?, current_value=?
					 WHERE metric_id=?`,
					unit, nanToNull(val.Warning), nanToNull(val.Critical),
					nanToNull(val.Min), nanToNull(val.Max), nanToNull(val.Value), metricID)
				return err
			})
		}
		return info, true
	}

	name := s.sizes.truncate("metrics", "metric_name", v.Name)
	unit := s.sizes.truncate("metrics", "unit_name", v.Unit)
	var metricID uint64
	err := s.pool.runWait(conn, 0, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO metrics
				(index_id, metric_name, unit_name, warn, crit, min, max, current_value, data_source_type)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			indexID, name, unit, nanToNull(v.Warning), nanToNull(v.Critical),
			nanToNull(v.Min), nanToNull(v.Max), nanToNull(v.Value), v.Type)
		if err != nil {
			return err
		}
		last, err := res.LastInsertId()
		if err != nil {
			return err
		}
		metricID = uint64(last)
		return nil
	})
	if err != nil {
		err = s.pool.runWait(conn, 0, func(tx *sql.Tx) error {
			return tx.QueryRow(
				"SELECT metric_id FROM metrics WHERE index_id=? AND metric_name=?",
				indexID, v.Name).Scan(&metricID)
		})
		if err != nil || metricID == 0 {
			s.log.Error("insertion of metric failed",
				"index_id", indexID, "metric", v.Name, "error", err)
			return metricInfo{}, false
		}
	}

	s.log.Debug("new metric", "metric_id", metricID, "index_id", indexID, "name", v.Name)
	info := metricInfo{id: metricID, unit: v.Unit, warn: v.Warning, crit: v.Critical, min: v.Min, max: v.Max}
	s.metricCache.Set(key, info)

	mm := &events.MetricMapping{IndexID: indexID, MetricID: metricID}
	mm.EventType = events.TypePbMetricMapping
	s.publish(mm)
	return info, true
}

func metricChanged(info metricInfo, v perfdata.Value) bool {
	return info.unit != v.Unit ||
		!floatEqual(info.warn, v.Warning) ||
		!floatEqual(info.crit, v.Critical) ||
		!floatEqual(info.min, v.Min) ||
		!floatEqual(info.max, v.Max)
}

func floatEqual(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}

// nanToNull maps NaN to SQL NULL; undefined thresholds stay unset.
func nanToNull(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}
