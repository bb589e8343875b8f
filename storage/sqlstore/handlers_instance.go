package sqlstore

import (
	"database/sql"
	"time"

	"github.com/c360/eventbroker/events"
)

// isValidPoller rejects events of deleted pollers and refreshes the liveness
// timestamp of the others.
func (s *Stream) isValidPoller(instanceID uint32) bool {
	if s.deletedInst.Contains(instanceID) {
		s.log.Info("discarding event related to a deleted poller", "instance_id", instanceID)
		return false
	}
	s.updateTimestamp(instanceID)
	return true
}

func (s *Stream) updateTimestamp(instanceID uint32) {
	s.tsMu.Lock()
	prev, known := s.timestamps[instanceID]
	s.timestamps[instanceID] = storedTimestamp{state: responsive, seen: time.Now()}
	s.tsMu.Unlock()

	if !known || prev.state == unresponsive {
		s.markInstanceResponsive(instanceID, true)
	}
}

// sweepUnresponsiveInstances marks outdated every instance silent for longer
// than the configured timeout.
func (s *Stream) sweepUnresponsiveInstances() {
	timeout := s.opts.InstanceTimeout
	if timeout <= 0 {
		return
	}
	now := time.Now()

	var flipped []uint32
	s.tsMu.Lock()
	for id, ts := range s.timestamps {
		if ts.state == responsive && now.Sub(ts.seen) > timeout {
			s.timestamps[id] = storedTimestamp{state: unresponsive, seen: ts.seen}
			flipped = append(flipped, id)
		}
	}
	s.tsMu.Unlock()

	for _, id := range flipped {
		s.markInstanceResponsive(id, false)
	}
}

// markInstanceResponsive mirrors a liveness flip into the DB and announces
// it on the bus.
func (s *Stream) markInstanceResponsive(instanceID uint32, alive bool) {
	conn := s.pool.byInstance(instanceID)
	s.pool.finish(conn, actionHosts)
	s.pool.finish(-1, actionAcknowledgements|actionModules|actionDowntimes|actionComments)

	if alive {
		s.pool.run(conn, actionInstances, func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE instances SET outdated=0 WHERE instance_id=?", instanceID)
			return err
		})
		s.pool.run(conn, actionHosts, func(tx *sql.Tx) error {
			if _, err := tx.Exec(
				"UPDATE hosts SET state=COALESCE(real_state, state) WHERE instance_id=?", instanceID); err != nil {
				return err
			}
			_, err := tx.Exec(
				`UPDATE services SET state=COALESCE(real_state, state)
				 WHERE host_id IN (SELECT host_id FROM hosts WHERE instance_id=?)`, instanceID)
			return err
		})
	} else {
		s.log.Warn("instance is outdated", "instance_id", instanceID, "timeout", s.opts.InstanceTimeout)
		s.pool.run(conn, actionInstances, func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE instances SET outdated=1 WHERE instance_id=?", instanceID)
			return err
		})
		// Unreachable/unknown pending states, previous states parked in
		// real_state for restoration.
		s.pool.run(conn, actionHosts, func(tx *sql.Tx) error {
			if _, err := tx.Exec(
				"UPDATE hosts SET real_state=state, state=2 WHERE instance_id=?", instanceID); err != nil {
				return err
			}
			_, err := tx.Exec(
				`UPDATE services SET real_state=state, state=3
				 WHERE host_id IN (SELECT host_id FROM hosts WHERE instance_id=?)`, instanceID)
			return err
		})
	}

	ri := &events.ResponsiveInstance{InstanceID: instanceID, Responsive: alive}
	ri.EventType = events.TypePbResponsiveInstance
	s.publish(ri)
}

// processInstance handles the poller start/stop event: clean every table
// bound to the instance, then upsert the instance row.
func (s *Stream) processInstance(ev events.Event) {
	i := ev.(*events.Instance)
	conn := s.pool.byInstance(i.InstanceID)
	s.pool.finish(-1, actionHosts|actionAcknowledgements|actionModules|actionDowntimes|
		actionComments|actionServicegroups|actionHostgroups|actionServiceDependencies|
		actionHostDependencies)

	s.log.Info("processing poller event",
		"instance_id", i.InstanceID, "name", i.Name, "running", i.Running)

	s.cleanTables(i.InstanceID)

	if !s.isValidPoller(i.InstanceID) {
		return
	}

	name := s.sizes.truncate("instances", "name", i.Name)
	version := s.sizes.truncate("instances", "version", i.Version)
	engine := s.sizes.truncate("instances", "engine", i.Engine)
	s.pool.run(conn, actionInstances, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO instances (instance_id, name, engine, running, pid, version, start_time, end_time, outdated)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(instance_id) DO UPDATE SET
			 name=excluded.name, engine=excluded.engine, running=excluded.running,
			 pid=excluded.pid, version=excluded.version,
			 start_time=excluded.start_time, end_time=excluded.end_time, outdated=0`,
			i.InstanceID, name, engine, i.Running, i.Pid, version,
			nullIfZero(i.StartTime), nullIfZero(i.EndTime))
		return err
	})
}

// processInstanceStatus refreshes the liveness columns of an existing
// instance row; it must run on the same connection that created the row.
func (s *Stream) processInstanceStatus(ev events.Event) {
	is := ev.(*events.InstanceStatus)
	conn := s.pool.byInstance(is.InstanceID)
	s.pool.finish(-1, actionHosts|actionAcknowledgements|actionModules|actionDowntimes|actionComments)

	if !s.isValidPoller(is.InstanceID) {
		return
	}

	s.log.Debug("processing poller status event",
		"instance_id", is.InstanceID, "last_alive", is.LastAlive)

	s.pool.run(conn, actionInstances, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE instances SET last_alive=?, running=1 WHERE instance_id=?",
			nullIfZero(is.LastAlive), is.InstanceID)
		return err
	})
}

func (s *Stream) processResponsiveInstance(events.Event) {
	// Produced by this component; nothing to persist when echoed back.
}

// cleanTables disables everything bound to an instance: resources, hosts and
// services, group memberships, dependencies, parents, modules; open
// downtimes are cancelled, non-persistent comments soft-deleted, custom
// variables dropped. The empty-group sweep runs on a timer one minute
// later.
func (s *Stream) cleanTables(instanceID uint32) {
	s.timerMu.Lock()
	if s.groupCleanTimer != nil {
		s.groupCleanTimer.Stop()
	}
	s.timerMu.Unlock()

	s.pool.finish(-1, actionAll)

	if s.opts.StoreInResources {
		conn := s.pool.special(specialTag)
		s.log.Debug("removing tag memberships", "instance_id", instanceID)
		s.pool.run(conn, actionResourcesTags, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`DELETE FROM resources_tags WHERE resource_id IN
				 (SELECT resource_id FROM resources WHERE poller_id=?)`, instanceID)
			return err
		})
	}

	conn := s.pool.byInstance(instanceID)

	s.pool.run(conn, actionResources, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE resources SET enabled=0 WHERE poller_id=?", instanceID)
		return err
	})

	s.log.Debug("disabling hosts and services", "instance_id", instanceID)
	s.pool.run(conn, actionHosts, func(tx *sql.Tx) error {
		if _, err := tx.Exec("UPDATE hosts SET enabled=0 WHERE instance_id=?", instanceID); err != nil {
			return err
		}
		_, err := tx.Exec(
			`UPDATE services SET enabled=0 WHERE host_id IN
			 (SELECT host_id FROM hosts WHERE instance_id=?)`, instanceID)
		return err
	})

	s.pool.run(conn, actionHostgroups, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM hosts_hostgroups WHERE host_id IN
			 (SELECT host_id FROM hosts WHERE instance_id=?)`, instanceID)
		return err
	})

	s.pool.run(conn, actionServicegroups, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM services_servicegroups WHERE host_id IN
			 (SELECT host_id FROM hosts WHERE instance_id=?)`, instanceID)
		return err
	})

	s.pool.run(conn, actionHostDependencies, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM hosts_hosts_dependencies WHERE host_id IN
			 (SELECT host_id FROM hosts WHERE instance_id=?)
			 OR dependent_host_id IN (SELECT host_id FROM hosts WHERE instance_id=?)`,
			instanceID, instanceID)
		return err
	})

	s.pool.run(conn, actionHostParents, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM hosts_hosts_parents WHERE child_id IN
			 (SELECT host_id FROM hosts WHERE instance_id=?)
			 OR parent_id IN (SELECT host_id FROM hosts WHERE instance_id=?)`,
			instanceID, instanceID)
		return err
	})

	s.pool.run(conn, actionServiceDependencies, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM services_services_dependencies WHERE host_id IN
			 (SELECT host_id FROM hosts WHERE instance_id=?)
			 OR dependent_host_id IN (SELECT host_id FROM hosts WHERE instance_id=?)`,
			instanceID, instanceID)
		return err
	})

	s.log.Debug("removing module list", "instance_id", instanceID)
	s.pool.run(conn, actionModules, func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM modules WHERE instance_id=?", instanceID)
		return err
	})

	s.log.Debug("cancelling downtimes", "instance_id", instanceID)
	s.pool.run(conn, actionDowntimes, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE downtimes SET cancelled=1 WHERE actual_end_time IS NULL AND cancelled=0 AND instance_id=?",
			instanceID)
		return err
	})

	s.log.Debug("removing comments", "instance_id", instanceID)
	now := time.Now().Unix()
	s.pool.run(conn, actionComments, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE comments SET deletion_time=? WHERE instance_id=? AND persistent=0
			 AND (deletion_time IS NULL OR deletion_time=0)`, now, instanceID)
		return err
	})

	s.log.Debug("removing custom variables", "instance_id", instanceID)
	s.pool.finish(conn, actionCustomVariables|actionHosts)
	s.pool.run(conn, actionCustomVariables, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM customvariables WHERE host_id IN
			 (SELECT host_id FROM hosts WHERE instance_id=?)`, instanceID)
		return err
	})

	// Hosts of this instance are gone from the routing caches.
	var removed []uint64
	s.hostInstance.Range(func(hostID uint64, inst uint32) bool {
		if inst == instanceID {
			removed = append(removed, hostID)
		}
		return true
	})
	for _, hostID := range removed {
		s.hostInstance.Delete(hostID)
	}

	s.timerMu.Lock()
	s.groupCleanTimer = time.AfterFunc(groupCleanupDelay, s.cleanGroupTables)
	s.timerMu.Unlock()
}

// cleanGroupTables removes host and service groups left without members.
func (s *Stream) cleanGroupTables() {
	conn := s.pool.best()
	s.log.Debug("removing empty host and service groups")
	s.pool.run(conn, actionHostgroups, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM hostgroups WHERE hostgroup_id NOT IN
			 (SELECT DISTINCT hostgroup_id FROM hosts_hostgroups)`)
		return err
	})
	s.pool.run(conn, actionServicegroups, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM servicegroups WHERE servicegroup_id NOT IN
			 (SELECT DISTINCT servicegroup_id FROM services_servicegroups)`)
		return err
	})
}

// nullIfZero maps the "undefined" time encoding (0 or -1) to SQL NULL.
func nullIfZero(v int64) any {
	if v == 0 || v == -1 {
		return nil
	}
	return v
}
