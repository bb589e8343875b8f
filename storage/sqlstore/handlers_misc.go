package sqlstore

import (
	"database/sql"

	"github.com/c360/eventbroker/events"
)

// processComment upserts a comment keyed on its natural key.
func (s *Stream) processComment(ev events.Event) {
	c := ev.(*events.Comment)
	s.pool.finish(-1, actionHosts|actionInstances|actionHostParents|
		actionHostDependencies|actionServiceDependencies|actionComments)

	if !s.isValidPoller(c.InstanceID) {
		return
	}

	s.log.Info("processing comment",
		"instance_id", c.InstanceID, "host_id", c.HostID, "service_id", c.ServiceID)

	conn := s.pool.byInstance(c.InstanceID)
	author := s.sizes.truncate("comments", "author", c.Author)
	data := s.sizes.truncate("comments", "data", c.Data)
	s.pool.run(conn, actionComments, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO comments (host_id, service_id, instance_id, internal_id, entry_time,
				entry_type, author, data, type, deletion_time, expire_time, expires, persistent, source)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(host_id, service_id, entry_time, instance_id, internal_id) DO UPDATE SET
				entry_type=excluded.entry_type, author=excluded.author, data=excluded.data,
				type=excluded.type, deletion_time=excluded.deletion_time,
				expire_time=excluded.expire_time, expires=excluded.expires,
				persistent=excluded.persistent, source=excluded.source`,
			c.HostID, c.ServiceID, c.InstanceID, c.InternalID, c.EntryTime,
			c.EntryType, author, data, c.CommentType, nullIfZero(c.DeletionTime),
			nullIfZero(c.ExpireTime), c.Expires, c.Persistent, c.Source)
		return err
	})
}

// processDowntime stages the downtime into the bulk queue.
func (s *Stream) processDowntime(ev events.Event) {
	d := ev.(*events.Downtime)

	s.log.Info("processing downtime event",
		"instance_id", d.InstanceID, "host_id", d.HostID, "service_id", d.ServiceID,
		"start_time", d.StartTime, "end_time", d.EndTime, "entry_time", d.EntryTime)

	if !s.isValidPoller(d.InstanceID) {
		return
	}

	var triggeredBy any
	if d.TriggeredBy != 0 {
		triggeredBy = d.TriggeredBy
	}
	s.qmu.Lock()
	s.downtimeQueue = append(s.downtimeQueue, []any{
		nullIfZero(d.ActualEndTime), nullIfZero(d.ActualStartTime),
		s.sizes.truncate("downtimes", "author", d.Author),
		d.DowntimeType, nullIfZero(d.DeletionTime), d.Duration,
		nullIfZero(d.EndTime), nullIfZero(d.EntryTime), d.Fixed,
		d.HostID, d.InstanceID, d.InternalID, d.ServiceID,
		nullIfZero(d.StartTime), triggeredBy, d.Cancelled, d.Started,
		s.sizes.truncate("downtimes", "comment_data", d.Comment),
	})
	s.qmu.Unlock()
}

// processAcknowledgement upserts an acknowledgement keyed on
// (entry_time, host_id, service_id).
func (s *Stream) processAcknowledgement(ev events.Event) {
	a := ev.(*events.Acknowledgement)

	s.log.Info("processing acknowledgement event",
		"instance_id", a.InstanceID, "host_id", a.HostID, "service_id", a.ServiceID,
		"entry_time", a.EntryTime, "deletion_time", a.DeletionTime)

	if !s.isValidPoller(a.InstanceID) {
		return
	}

	conn := s.pool.byInstance(a.InstanceID)
	author := s.sizes.truncate("acknowledgements", "author", a.Author)
	comment := s.sizes.truncate("acknowledgements", "comment_data", a.Comment)
	s.pool.run(conn, actionAcknowledgements, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO acknowledgements (host_id, service_id, instance_id, entry_time,
				author, comment_data, type, state, sticky, notify_contacts,
				persistent_comment, deletion_time)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(entry_time, host_id, service_id) DO UPDATE SET
				instance_id=excluded.instance_id, author=excluded.author,
				comment_data=excluded.comment_data, type=excluded.type, state=excluded.state,
				sticky=excluded.sticky, notify_contacts=excluded.notify_contacts,
				persistent_comment=excluded.persistent_comment, deletion_time=excluded.deletion_time`,
			a.HostID, a.ServiceID, a.InstanceID, a.EntryTime,
			author, comment, a.AckType, a.State, a.Sticky, a.NotifyContacts,
			a.PersistentComment, nullIfZero(a.DeletionTime))
		return err
	})
}

// processCustomVariable stages enabled definitions into the bulk queue;
// disabled ones delete immediately on the shared custom-variable
// connection.
func (s *Stream) processCustomVariable(ev events.Event) {
	cv := ev.(*events.CustomVariable)

	if cv.Enabled {
		s.log.Info("enabling custom variable",
			"name", cv.Name, "host_id", cv.HostID, "service_id", cv.ServiceID)
		s.qmu.Lock()
		s.cvQueue = append(s.cvQueue, []any{
			s.sizes.truncate("customvariables", "name", cv.Name),
			cv.HostID, cv.ServiceID,
			s.sizes.truncate("customvariables", "default_value", cv.DefaultValue),
			cv.Modified, cv.VarType, cv.UpdateTime,
			s.sizes.truncate("customvariables", "value", cv.Value),
		})
		s.qmu.Unlock()
	} else {
		conn := s.pool.special(specialCustomVariable)
		s.pool.finish(-1, actionCustomVariables)

		s.log.Info("disabling custom variable",
			"name", cv.Name, "host_id", cv.HostID, "service_id", cv.ServiceID)
		name := cv.Name
		s.pool.run(conn, actionCustomVariables, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				"DELETE FROM customvariables WHERE host_id=? AND service_id=? AND name=?",
				cv.HostID, cv.ServiceID, name)
			return err
		})
	}
}

// processCustomVariableStatus stages a value update into the bulk queue.
func (s *Stream) processCustomVariableStatus(ev events.Event) {
	cvs := ev.(*events.CustomVariableStatus)

	s.qmu.Lock()
	s.cvsQueue = append(s.cvsQueue, []any{
		s.sizes.truncate("customvariables", "name", cvs.Name),
		cvs.HostID, cvs.ServiceID, cvs.Modified, cvs.UpdateTime,
		s.sizes.truncate("customvariables", "value", cvs.Value),
	})
	s.qmu.Unlock()

	s.log.Info("updating custom variable",
		"name", cvs.Name, "host_id", cvs.HostID, "service_id", cvs.ServiceID)
}

// processLog stages an engine log line into the bulk queue.
func (s *Stream) processLog(ev events.Event) {
	le := ev.(*events.LogEntry)

	s.log.Info("processing log of poller",
		"instance_name", le.InstanceName, "ctime", le.CTime, "msg_type", le.MsgType)

	s.qmu.Lock()
	s.logQueue = append(s.logQueue, []any{
		le.CTime, le.HostID, le.ServiceID,
		s.sizes.truncate("logs", "host_name", le.HostName),
		s.sizes.truncate("logs", "instance_name", le.InstanceName),
		le.LogType, le.MsgType,
		s.sizes.truncate("logs", "notification_cmd", le.NotificationCmd),
		s.sizes.truncate("logs", "notification_contact", le.NotificationContact),
		le.Retry,
		s.sizes.truncate("logs", "service_description", le.ServiceDescription),
		le.Status,
		s.sizes.truncate("logs", "output", le.Output),
	})
	s.qmu.Unlock()
}

// processModule records a module loaded by a poller.
func (s *Stream) processModule(ev events.Event) {
	m := ev.(*events.Module)

	s.log.Info("processing module event",
		"instance_id", m.InstanceID, "filename", m.Filename, "loaded", m.Loaded)

	if !s.isValidPoller(m.InstanceID) {
		return
	}

	conn := s.pool.byInstance(m.InstanceID)
	filename := s.sizes.truncate("modules", "filename", m.Filename)
	args := s.sizes.truncate("modules", "args", m.Args)
	s.pool.run(conn, actionModules, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO modules (instance_id, filename, args, loaded, should_be_loaded)
			 VALUES (?, ?, ?, ?, ?)`,
			m.InstanceID, filename, args, m.Loaded, m.ShouldBeLoaded)
		return err
	})
}

// processSeverity applies a severity ADD/MODIFY/DELETE. DELETE is a
// deliberate no-op: reclaiming severity rows while several pollers may
// still reference them has no agreed strategy yet.
func (s *Stream) processSeverity(ev events.Event) {
	if !s.opts.StoreInResources {
		return
	}
	sv := ev.(*events.Severity)
	s.pool.finish(-1, actionResources)

	s.log.Debug("processing severity event",
		"id", sv.ID, "type", sv.SevType, "name", sv.Name,
		"level", sv.Level, "action", sv.Action)

	key := idTypeKey{sv.ID, sv.SevType}
	surrogate, cached := s.severityCache.Get(key)
	conn := s.pool.special(specialSeverity)
	name := s.sizes.truncate("severities", "name", sv.Name)

	switch sv.Action {
	case events.ActionAdd:
		if cached {
			s.log.Debug("add of already existing severity", "id", sv.ID)
			sid := surrogate
			s.pool.run(conn, actionSeverities, func(tx *sql.Tx) error {
				_, err := tx.Exec(
					"UPDATE severities SET id=?, type=?, name=?, level=?, icon_id=? WHERE severity_id=?",
					sv.ID, sv.SevType, name, sv.Level, sv.IconID, sid)
				return err
			})
		} else {
			var created uint64
			err := s.pool.runWait(conn, actionSeverities, func(tx *sql.Tx) error {
				res, err := tx.Exec(
					"INSERT INTO severities (id, type, name, level, icon_id) VALUES (?, ?, ?, ?, ?)",
					sv.ID, sv.SevType, name, sv.Level, sv.IconID)
				if err != nil {
					return err
				}
				last, err := res.LastInsertId()
				if err != nil {
					return err
				}
				created = uint64(last)
				return nil
			})
			if err != nil {
				s.log.Error("unable to insert new severity",
					"id", sv.ID, "type", sv.SevType, "error", err)
				return
			}
			s.severityCache.Set(key, created)
		}
	case events.ActionModify:
		if !cached {
			s.log.Error("unable to modify severity, not in cache",
				"id", sv.ID, "type", sv.SevType)
			return
		}
		sid := surrogate
		s.pool.run(conn, actionSeverities, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				"UPDATE severities SET id=?, type=?, name=?, level=?, icon_id=? WHERE severity_id=?",
				sv.ID, sv.SevType, name, sv.Level, sv.IconID, sid)
			return err
		})
	case events.ActionDelete:
		s.log.Debug("severity delete not implemented", "id", sv.ID)
	default:
		s.log.Error("bad action in severity object", "action", sv.Action)
	}
}

// processTag applies a tag ADD/MODIFY/DELETE and keeps the surrogate cache
// coherent.
func (s *Stream) processTag(ev events.Event) {
	if !s.opts.StoreInResources {
		return
	}
	tg := ev.(*events.Tag)
	s.pool.finish(-1, actionTags)

	s.log.Info("processing tag event",
		"id", tg.ID, "type", tg.TagType, "name", tg.Name, "action", tg.Action)

	key := idTypeKey{tg.ID, tg.TagType}
	surrogate, cached := s.tagCache.Get(key)
	conn := s.pool.special(specialTag)
	name := s.sizes.truncate("tags", "name", tg.Name)

	switch tg.Action {
	case events.ActionAdd:
		if cached {
			s.log.Debug("add of already existing tag", "id", tg.ID)
			tid := surrogate
			s.pool.run(conn, actionTags, func(tx *sql.Tx) error {
				_, err := tx.Exec(
					"UPDATE tags SET id=?, type=?, name=? WHERE tag_id=?",
					tg.ID, tg.TagType, name, tid)
				return err
			})
		} else {
			var created uint64
			err := s.pool.runWait(conn, actionTags, func(tx *sql.Tx) error {
				res, err := tx.Exec(
					"INSERT INTO tags (id, type, name) VALUES (?, ?, ?)",
					tg.ID, tg.TagType, name)
				if err != nil {
					return err
				}
				last, err := res.LastInsertId()
				if err != nil {
					return err
				}
				created = uint64(last)
				return nil
			})
			if err != nil {
				s.log.Error("unable to insert new tag",
					"id", tg.ID, "type", tg.TagType, "error", err)
				return
			}
			s.tagCache.Set(key, created)
		}
	case events.ActionModify:
		if !cached {
			s.log.Error("unable to modify tag, not in cache",
				"id", tg.ID, "type", tg.TagType)
			return
		}
		tid := surrogate
		s.pool.run(conn, actionTags, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				"UPDATE tags SET id=?, type=?, name=? WHERE tag_id=?",
				tg.ID, tg.TagType, name, tid)
			return err
		})
	case events.ActionDelete:
		if !cached {
			s.log.Warn("unable to delete tag, not in cache",
				"id", tg.ID, "type", tg.TagType)
			return
		}
		s.log.Debug("deleting tag", "tag_id", surrogate)
		tid := surrogate
		s.pool.run(conn, actionTags, func(tx *sql.Tx) error {
			if _, err := tx.Exec("DELETE FROM resources_tags WHERE tag_id=?", tid); err != nil {
				return err
			}
			_, err := tx.Exec("DELETE FROM tags WHERE tag_id=?", tid)
			return err
		})
		s.tagCache.Delete(key)
	default:
		s.log.Error("bad action in tag object", "action", tg.Action)
	}
}
