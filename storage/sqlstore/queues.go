package sqlstore

import (
	"database/sql"
	"strings"
)

// multiRowQuery expands a row template into a multi-row VALUES clause and
// the flattened argument list.
func multiRowQuery(prefix, rowTemplate, suffix string, rows [][]any) (string, []any) {
	placeholders := make([]string, len(rows))
	args := make([]any, 0, len(rows)*8)
	for i, row := range rows {
		placeholders[i] = rowTemplate
		args = append(args, row...)
	}
	return prefix + strings.Join(placeholders, ",") + suffix, args
}

// flushQueues drains every staging queue with one multi-row upsert each.
// Called by the periodic flusher and at shutdown.
func (s *Stream) flushQueues() {
	s.qmu.Lock()
	cv, cvs := s.cvQueue, s.cvsQueue
	dt, lg := s.downtimeQueue, s.logQueue
	s.cvQueue, s.cvsQueue = nil, nil
	s.downtimeQueue, s.logQueue = nil, nil
	s.qmu.Unlock()

	if len(cv) > 0 || len(cvs) > 0 {
		s.flushCustomVariables(cv, cvs)
	}
	if len(dt) > 0 {
		s.flushDowntimes(dt)
	}
	if len(lg) > 0 {
		s.flushLogs(lg)
	}
}

func (s *Stream) flushCustomVariables(cv, cvs [][]any) {
	conn := s.pool.special(specialCustomVariable)
	s.pool.finish(conn, actionCustomVariables)

	if len(cv) > 0 {
		query, args := multiRowQuery(
			"INSERT INTO customvariables (name, host_id, service_id, default_value, modified, type, update_time, value) VALUES ",
			"(?,?,?,?,?,?,?,?)",
			` ON CONFLICT(host_id, name, service_id) DO UPDATE SET
				default_value=excluded.default_value, modified=excluded.modified,
				type=excluded.type, update_time=excluded.update_time, value=excluded.value`,
			cv)
		s.pool.run(conn, actionCustomVariables, func(tx *sql.Tx) error {
			_, err := tx.Exec(query, args...)
			return err
		})
		s.log.Debug("custom variables inserted", "count", len(cv))
	}

	if len(cvs) > 0 {
		query, args := multiRowQuery(
			"INSERT INTO customvariables (name, host_id, service_id, modified, update_time, value) VALUES ",
			"(?,?,?,?,?,?)",
			` ON CONFLICT(host_id, name, service_id) DO UPDATE SET
				modified=excluded.modified, update_time=excluded.update_time, value=excluded.value`,
			cvs)
		s.pool.run(conn, actionCustomVariables, func(tx *sql.Tx) error {
			_, err := tx.Exec(query, args...)
			return err
		})
		s.log.Debug("custom variable statuses inserted", "count", len(cvs))
	}
}

func (s *Stream) flushDowntimes(dt [][]any) {
	conn := s.pool.special(specialDowntime)
	s.pool.finish(-1, actionHosts|actionInstances|actionDowntimes|
		actionHostParents|actionHostDependencies|actionServiceDependencies)

	query, args := multiRowQuery(
		`INSERT INTO downtimes (actual_end_time, actual_start_time, author, type,
			deletion_time, duration, end_time, entry_time, fixed, host_id,
			instance_id, internal_id, service_id, start_time, triggered_by,
			cancelled, started, comment_data) VALUES `,
		"(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		` ON CONFLICT(host_id, service_id, instance_id, entry_time, internal_id) DO UPDATE SET
			actual_end_time=NULLIF(MAX(COALESCE(actual_end_time, -1), COALESCE(excluded.actual_end_time, -1)), -1),
			actual_start_time=COALESCE(actual_start_time, excluded.actual_start_time),
			author=excluded.author, cancelled=excluded.cancelled,
			comment_data=excluded.comment_data, deletion_time=excluded.deletion_time,
			duration=excluded.duration, end_time=excluded.end_time, fixed=excluded.fixed,
			start_time=excluded.start_time, started=excluded.started,
			triggered_by=excluded.triggered_by, type=excluded.type`,
		dt)
	s.pool.run(conn, actionDowntimes, func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	})
	s.log.Debug("downtimes inserted", "count", len(dt))
}

func (s *Stream) flushLogs(lg [][]any) {
	conn := s.pool.special(specialLog)
	query, args := multiRowQuery(
		`INSERT INTO logs (ctime, host_id, service_id, host_name, instance_name,
			type, msg_type, notification_cmd, notification_contact, retry,
			service_description, status, output) VALUES `,
		"(?,?,?,?,?,?,?,?,?,?,?,?,?)",
		"",
		lg)
	s.pool.run(conn, 0, func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	})
	s.log.Debug("logs inserted", "count", len(lg))
}
