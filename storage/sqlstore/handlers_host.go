package sqlstore

import (
	"database/sql"
	"hash/fnv"
	"strings"
	"time"

	"github.com/c360/eventbroker/events"
)

// Ordered status values used to sort the resources view: hosts map
// up/down/unreachable, services ok/warning/critical/unknown onto a shared
// severity scale.
var (
	hostOrderedStatus = map[int32]int32{0: 0, 1: 3, 2: 2}
	svcOrderedStatus  = map[int32]int32{0: 0, 1: 1, 2: 3, 3: 2}
)

func hashCommand(cmd string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(cmd))
	return h.Sum64()
}

func (s *Stream) hostInstanceKnown(hostID uint64) bool {
	return s.hostInstance.Contains(hostID)
}

// statusIsFresh implements the staleness rule shared by every check/status
// handler: passive results, disabled active checks, a next check in the
// near past, and the initial state all pass.
func statusIsFresh(checkType int32, activeChecks bool, nextCheck int64) bool {
	now := time.Now()
	return checkType == events.CheckPassive ||
		!activeChecks ||
		nextCheck >= now.Add(-staleWindow).Unix() ||
		nextCheck == 0
}

// processHost upserts a host definition, maintains the host->instance cache
// and mirrors the object into resources.
func (s *Stream) processHost(ev events.Event) {
	h := ev.(*events.Host)
	s.pool.finish(-1, actionInstances|actionHostgroups|actionHostDependencies|
		actionHostParents|actionCustomVariables|actionDowntimes|actionComments|
		actionServiceDependencies|actionSeverities)

	s.log.Info("processing host event",
		"instance_id", h.InstanceID, "host_id", h.HostID, "name", h.Name)

	if !s.isValidPoller(h.InstanceID) {
		return
	}
	if h.HostID == 0 || h.Alias == "" {
		// Synthetic hosts carry no alias and are not persisted.
		s.log.Debug("host has no id or alias, skipping", "name", h.Name)
		return
	}

	conn := s.pool.byInstance(h.InstanceID)

	name := s.sizes.truncate("hosts", "name", h.Name)
	alias := s.sizes.truncate("hosts", "alias", h.Alias)
	address := s.sizes.truncate("hosts", "address", h.Address)
	output := s.sizes.truncate("hosts", "output", h.Output)
	s.pool.run(conn, actionHosts, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO hosts (host_id, instance_id, name, alias, address, display_name, enabled,
				check_command, check_interval, retry_interval, check_period, check_type,
				check_attempt, max_check_attempts, state, state_type, checked,
				last_check, next_check, last_state_change, last_hard_state, last_hard_state_change,
				last_time_up, last_time_down, last_time_unreachable, output, perfdata,
				flapping, percent_state_change, latency, execution_time,
				active_checks, passive_checks, should_be_scheduled, obsess_over_host,
				event_handler, event_handler_enabled, flap_detection,
				low_flap_threshold, high_flap_threshold, check_freshness, freshness_threshold,
				notify, notification_interval, notification_period, notification_number,
				last_notification, no_more_notifications, acknowledged, acknowledgement_type,
				scheduled_downtime_depth, notes, notes_url, action_url, icon_image, timezone)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(host_id) DO UPDATE SET
				instance_id=excluded.instance_id, name=excluded.name, alias=excluded.alias,
				address=excluded.address, display_name=excluded.display_name, enabled=excluded.enabled,
				check_command=excluded.check_command, check_interval=excluded.check_interval,
				retry_interval=excluded.retry_interval, check_period=excluded.check_period,
				check_type=excluded.check_type, check_attempt=excluded.check_attempt,
				max_check_attempts=excluded.max_check_attempts, state=excluded.state,
				state_type=excluded.state_type, checked=excluded.checked,
				last_check=excluded.last_check, next_check=excluded.next_check,
				last_state_change=excluded.last_state_change, last_hard_state=excluded.last_hard_state,
				last_hard_state_change=excluded.last_hard_state_change,
				last_time_up=excluded.last_time_up, last_time_down=excluded.last_time_down,
				last_time_unreachable=excluded.last_time_unreachable,
				output=excluded.output, perfdata=excluded.perfdata, flapping=excluded.flapping,
				percent_state_change=excluded.percent_state_change, latency=excluded.latency,
				execution_time=excluded.execution_time, active_checks=excluded.active_checks,
				passive_checks=excluded.passive_checks, should_be_scheduled=excluded.should_be_scheduled,
				obsess_over_host=excluded.obsess_over_host, event_handler=excluded.event_handler,
				event_handler_enabled=excluded.event_handler_enabled, flap_detection=excluded.flap_detection,
				low_flap_threshold=excluded.low_flap_threshold, high_flap_threshold=excluded.high_flap_threshold,
				check_freshness=excluded.check_freshness, freshness_threshold=excluded.freshness_threshold,
				notify=excluded.notify, notification_interval=excluded.notification_interval,
				notification_period=excluded.notification_period, notification_number=excluded.notification_number,
				last_notification=excluded.last_notification, no_more_notifications=excluded.no_more_notifications,
				acknowledged=excluded.acknowledged, acknowledgement_type=excluded.acknowledgement_type,
				scheduled_downtime_depth=excluded.scheduled_downtime_depth, notes=excluded.notes,
				notes_url=excluded.notes_url, action_url=excluded.action_url,
				icon_image=excluded.icon_image, timezone=excluded.timezone`,
			h.HostID, h.InstanceID, name, alias, address,
			s.sizes.truncate("hosts", "display_name", h.DisplayName), h.Enabled,
			h.CheckCommand, h.CheckInterval, h.RetryInterval,
			s.sizes.truncate("hosts", "check_period", h.CheckPeriod), h.CheckType,
			h.CurrentCheckAttempt, h.MaxCheckAttempts, h.State, h.StateType, h.Checked,
			nullIfZero(h.LastCheck), nullIfZero(h.NextCheck), nullIfZero(h.LastStateChange),
			h.LastHardState, nullIfZero(h.LastHardStateChange),
			nullIfZero(h.LastTimeUp), nullIfZero(h.LastTimeDown), nullIfZero(h.LastTimeUnreachable),
			output, h.Perfdata, h.Flapping, h.PercentStateChange, h.Latency, h.ExecutionTime,
			h.ActiveChecksEnabled, h.PassiveChecksEnabled, h.ShouldBeScheduled, h.ObsessOver,
			s.sizes.truncate("hosts", "event_handler", h.EventHandler), h.EventHandlerEnabled,
			h.FlapDetectionEnabled, h.LowFlapThreshold, h.HighFlapThreshold,
			h.FreshnessChecked, h.FreshnessThreshold,
			h.NotificationsEnabled, h.NotificationInterval,
			s.sizes.truncate("hosts", "notification_period", h.NotificationPeriod),
			h.NotificationNumber, nullIfZero(h.LastNotification), h.NoMoreNotifications,
			h.AcknowledgementType != events.AckNone, h.AcknowledgementType,
			h.ScheduledDowntimeDepth,
			s.sizes.truncate("hosts", "notes", h.Notes),
			s.sizes.truncate("hosts", "notes_url", h.NotesURL),
			s.sizes.truncate("hosts", "action_url", h.ActionURL),
			s.sizes.truncate("hosts", "icon_image", h.IconImage),
			s.sizes.truncate("hosts", "timezone", h.Timezone))
		return err
	})

	if h.Enabled {
		s.hostInstance.Set(h.HostID, h.InstanceID)
	} else {
		s.hostInstance.Delete(h.HostID)
	}

	if s.opts.StoreInResources {
		s.upsertResource(conn, resourceRow{
			id:            h.HostID,
			parentID:      0,
			typ:           1,
			enabled:       h.Enabled,
			status:        h.State,
			statusOrdered: hostOrderedStatus[h.State],
			lastChange:    h.LastStateChange,
			inDowntime:    h.ScheduledDowntimeDepth > 0,
			acknowledged:  h.AcknowledgementType != events.AckNone,
			confirmed:     h.StateType == 1,
			checkAttempts: h.CurrentCheckAttempt,
			maxAttempts:   h.MaxCheckAttempts,
			pollerID:      h.InstanceID,
			severityID:    h.SeverityID,
			severityType:  1,
			name:          h.Name,
			address:       h.Address,
			alias:         h.Alias,
			parentName:    h.Name,
			notes:         h.Notes,
			notesURL:      h.NotesURL,
			actionURL:     h.ActionURL,
			notify:        h.NotificationsEnabled,
			passiveChecks: h.PassiveChecksEnabled,
			activeChecks:  h.ActiveChecksEnabled,
			iconID:        h.IconID,
			tagIDs:        h.TagIDs,
			tagTypes:      h.TagTypes,
		})
	}
}

// processHostCheck updates the command line of a host, skipping the write
// when the command hash is unchanged.
func (s *Stream) processHostCheck(ev events.Event) {
	hc := ev.(*events.HostCheck)
	s.pool.finish(-1, actionInstances|actionDowntimes|actionComments|
		actionHostDependencies|actionHostParents|actionServiceDependencies)

	if !s.hostInstanceKnown(hc.HostID) {
		s.log.Warn("host check thrown away, host unknown to any poller", "host_id", hc.HostID)
		return
	}

	if !statusIsFresh(hc.CheckType, hc.ActiveChecksEnabled, hc.NextCheck) {
		s.log.Debug("not processing stale host check",
			"host_id", hc.HostID, "next_check", hc.NextCheck)
		return
	}

	hash := hashCommand(hc.CommandLine)
	if prev, ok := s.hostCmd.Get(hc.HostID); ok && prev == hash {
		return
	}
	s.hostCmd.Set(hc.HostID, hash)

	instance, _ := s.hostInstance.Get(hc.HostID)
	conn := s.pool.byInstance(instance)
	cmd := s.sizes.truncate("hosts", "command_line", hc.CommandLine)
	s.pool.run(conn, actionHosts, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE hosts SET command_line=? WHERE host_id=?", cmd, hc.HostID)
		return err
	})
}

// processHostStatus applies the volatile state of a host, dropping stale
// events.
func (s *Stream) processHostStatus(ev events.Event) {
	hs := ev.(*events.HostStatus)
	s.pool.finish(-1, actionInstances|actionDowntimes|actionComments|
		actionCustomVariables|actionHostgroups|actionHostDependencies|actionHostParents)

	if !s.hostInstanceKnown(hs.HostID) {
		s.log.Warn("host status thrown away, host unknown to any poller", "host_id", hs.HostID)
		return
	}

	if !statusIsFresh(hs.CheckType, hs.ActiveChecksEnabled, hs.NextCheck) {
		s.log.Debug("skipping stale host status event",
			"host_id", hs.HostID, "check_type", hs.CheckType,
			"last_check", hs.LastCheck, "next_check", hs.NextCheck)
		if s.opts.Metrics != nil {
			s.opts.Metrics.StaleStatusDropped.Inc()
		}
		return
	}

	instance, _ := s.hostInstance.Get(hs.HostID)
	conn := s.pool.byInstance(instance)

	if s.opts.StoreInHostsServices {
		output := hs.Output
		if hs.LongOutput != "" {
			output = output + "\n" + hs.LongOutput
		}
		output = s.sizes.truncate("hosts", "output", output)
		perfdata := s.sizes.truncate("hosts", "perfdata", hs.Perfdata)
		s.pool.run(conn, actionHosts, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`UPDATE hosts SET checked=?, check_type=?, state=?, state_type=?,
					last_state_change=?, last_hard_state=?, last_hard_state_change=?,
					last_time_up=?, last_time_down=?, last_time_unreachable=?,
					output=?, perfdata=?, flapping=?, percent_state_change=?,
					latency=?, execution_time=?, last_check=?, next_check=?,
					should_be_scheduled=?, check_attempt=?, notification_number=?,
					no_more_notifications=?, last_notification=?, next_host_notification=?,
					acknowledged=?, acknowledgement_type=?, scheduled_downtime_depth=?
				 WHERE host_id=?`,
				hs.Checked, hs.CheckType, hs.State, hs.StateType,
				nullIfZero(hs.LastStateChange), hs.LastHardState, nullIfZero(hs.LastHardStateChange),
				nullIfZero(hs.LastTimeUp), nullIfZero(hs.LastTimeDown), nullIfZero(hs.LastTimeUnreachable),
				output, perfdata, hs.Flapping, hs.PercentStateChange,
				hs.Latency, hs.ExecutionTime, nullIfZero(hs.LastCheck), nullIfZero(hs.NextCheck),
				hs.ShouldBeScheduled, hs.CurrentCheckAttempt, hs.NotificationNumber,
				hs.NoMoreNotifications, nullIfZero(hs.LastNotification), nullIfZero(hs.NextNotification),
				hs.AcknowledgementType != events.AckNone, hs.AcknowledgementType,
				hs.ScheduledDowntimeDepth, hs.HostID)
			return err
		})
	}

	if s.opts.StoreInResources {
		output := s.sizes.truncate("resources", "output", hs.Output)
		s.pool.run(conn, actionResources, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`UPDATE resources SET status=?, status_ordered=?, last_status_change=?,
					in_downtime=?, acknowledged=?, status_confirmed=?, check_attempts=?,
					has_graph=?, last_check_type=?, last_check=?, output=?
				 WHERE id=? AND parent_id=0`,
				hs.State, hostOrderedStatus[hs.State], nullIfZero(hs.LastStateChange),
				hs.ScheduledDowntimeDepth > 0, hs.AcknowledgementType != events.AckNone,
				hs.StateType == 1, hs.CurrentCheckAttempt,
				hs.Perfdata != "", hs.CheckType, nullIfZero(hs.LastCheck), output,
				hs.HostID)
			return err
		})
	}
}

// processAdaptiveHost applies a partial host update built from the fields
// present on the event.
func (s *Stream) processAdaptiveHost(ev events.Event) {
	ah := ev.(*events.AdaptiveHost)
	s.pool.finish(-1, actionHostParents|actionComments|actionDowntimes|
		actionHostDependencies|actionServiceDependencies)

	if !s.hostInstanceKnown(ah.HostID) {
		s.log.Warn("adaptive host thrown away, host unknown", "host_id", ah.HostID)
		return
	}

	var sets []string
	var args []any
	setBool := func(col string, has, v bool) {
		if has {
			sets = append(sets, col+"=?")
			args = append(args, v)
		}
	}
	setBool("notify", ah.HasNotify, ah.Notify)
	setBool("active_checks", ah.HasActiveChecks, ah.ActiveChecks)
	setBool("should_be_scheduled", ah.HasShouldBeScheduled, ah.ShouldBeScheduled)
	setBool("passive_checks", ah.HasPassiveChecks, ah.PassiveChecks)
	setBool("event_handler_enabled", ah.HasEventHandlerEnabled, ah.EventHandlerEnabled)
	setBool("flap_detection", ah.HasFlapDetection, ah.FlapDetection)
	setBool("obsess_over_host", ah.HasObsessOver, ah.ObsessOver)
	setBool("check_freshness", ah.HasCheckFreshness, ah.CheckFreshness)
	if ah.HasCheckInterval {
		sets = append(sets, "check_interval=?")
		args = append(args, ah.CheckInterval)
	}
	if ah.HasRetryInterval {
		sets = append(sets, "retry_interval=?")
		args = append(args, ah.RetryInterval)
	}
	if ah.HasMaxCheckAttempts {
		sets = append(sets, "max_check_attempts=?")
		args = append(args, ah.MaxCheckAttempts)
	}
	if ah.HasCheckPeriod {
		sets = append(sets, "check_period=?")
		args = append(args, s.sizes.truncate("hosts", "check_period", ah.CheckPeriod))
	}
	if ah.HasNotificationPeriod {
		sets = append(sets, "notification_period=?")
		args = append(args, s.sizes.truncate("hosts", "notification_period", ah.NotificationPeriod))
	}
	if ah.HasEventHandler {
		sets = append(sets, "event_handler=?")
		args = append(args, s.sizes.truncate("hosts", "event_handler", ah.EventHandler))
	}
	if ah.HasCheckCommand {
		sets = append(sets, "check_command=?")
		args = append(args, ah.CheckCommand)
	}
	if ah.HasNotificationInterval {
		sets = append(sets, "notification_interval=?")
		args = append(args, ah.NotificationInterval)
	}
	if len(sets) == 0 {
		return
	}
	args = append(args, ah.HostID)

	instance, _ := s.hostInstance.Get(ah.HostID)
	conn := s.pool.byInstance(instance)
	query := "UPDATE hosts SET " + strings.Join(sets, ", ") + " WHERE host_id=?"
	s.pool.run(conn, actionHosts, func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	})
}

// processHostParent maintains the hosts_hosts_parents relation.
func (s *Stream) processHostParent(ev events.Event) {
	hp := ev.(*events.HostParent)
	conn := s.pool.special(specialHostParent)
	s.pool.finish(-1, actionHosts|actionHostDependencies|actionComments|actionDowntimes)

	if hp.Enabled {
		s.log.Info("host parent relation enabled", "parent", hp.ParentID, "child", hp.ChildID)
		s.pool.run(conn, actionHostParents, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`INSERT INTO hosts_hosts_parents (child_id, parent_id) VALUES (?, ?)
				 ON CONFLICT(child_id, parent_id) DO NOTHING`,
				hp.ChildID, hp.ParentID)
			return err
		})
	} else {
		s.log.Info("host parent relation disabled", "parent", hp.ParentID, "child", hp.ChildID)
		s.pool.run(conn, actionHostParents, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				"DELETE FROM hosts_hosts_parents WHERE child_id=? AND parent_id=?",
				hp.ChildID, hp.ParentID)
			return err
		})
	}
}

// processHostDependency maintains the hosts_hosts_dependencies relation.
func (s *Stream) processHostDependency(ev events.Event) {
	hd := ev.(*events.HostDependency)
	conn := s.pool.special(specialHostDependency)
	s.pool.finish(-1, actionHosts|actionHostParents|actionComments|actionDowntimes|
		actionHostDependencies|actionServiceDependencies)

	if hd.Enabled {
		s.log.Info("enabling host dependency",
			"dependent", hd.DependentHostID, "host", hd.HostID)
		s.pool.run(conn, actionHostDependencies, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`INSERT INTO hosts_hosts_dependencies
					(dependent_host_id, host_id, dependency_period,
					 execution_failure_options, notification_failure_options, inherits_parent)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT(dependent_host_id, host_id) DO UPDATE SET
					dependency_period=excluded.dependency_period,
					execution_failure_options=excluded.execution_failure_options,
					notification_failure_options=excluded.notification_failure_options,
					inherits_parent=excluded.inherits_parent`,
				hd.DependentHostID, hd.HostID,
				s.sizes.truncate("hosts_hosts_dependencies", "dependency_period", hd.DependencyPeriod),
				s.sizes.truncate("hosts_hosts_dependencies", "execution_failure_options", hd.ExecutionFailureOptions),
				s.sizes.truncate("hosts_hosts_dependencies", "notification_failure_options", hd.NotificationFailureOptions),
				hd.InheritsParent)
			return err
		})
	} else {
		s.log.Info("removing host dependency",
			"dependent", hd.DependentHostID, "host", hd.HostID)
		s.pool.run(conn, actionHostDependencies, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				"DELETE FROM hosts_hosts_dependencies WHERE dependent_host_id=? AND host_id=?",
				hd.DependentHostID, hd.HostID)
			return err
		})
	}
}

// processHostGroup maintains the hostgroups table and its membership cache.
func (s *Stream) processHostGroup(ev events.Event) {
	hg := ev.(*events.HostGroup)
	conn := s.pool.special(specialHostGroup)

	if hg.Enabled {
		s.log.Info("enabling host group", "hostgroup_id", hg.HostgroupID, "name", hg.Name)
		name := s.sizes.truncate("hostgroups", "name", hg.Name)
		s.pool.run(conn, actionHostgroups, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`INSERT INTO hostgroups (hostgroup_id, name) VALUES (?, ?)
				 ON CONFLICT(hostgroup_id) DO UPDATE SET name=excluded.name`,
				hg.HostgroupID, name)
			return err
		})
		s.hostgroups.Add(hg.HostgroupID)
	} else {
		s.log.Info("disabling host group", "hostgroup_id", hg.HostgroupID, "name", hg.Name)
		s.pool.finish(-1, actionHosts)
		s.pool.run(conn, actionHostgroups, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`DELETE FROM hosts_hostgroups WHERE hostgroup_id=? AND host_id IN
				 (SELECT host_id FROM hosts WHERE instance_id=?)`,
				hg.HostgroupID, hg.InstanceID)
			return err
		})
		s.hostgroups.Remove(hg.HostgroupID)
	}
}

// processHostGroupMember maintains hosts_hostgroups, creating the group on
// demand when a membership arrives before its definition.
func (s *Stream) processHostGroupMember(ev events.Event) {
	hgm := ev.(*events.HostGroupMember)
	conn := s.pool.special(specialHostGroup)
	s.pool.finish(-1, actionHosts)

	if !s.hostInstanceKnown(hgm.HostID) {
		s.log.Warn("host group membership thrown away, host unknown",
			"host_id", hgm.HostID, "hostgroup_id", hgm.HostgroupID)
		return
	}

	if hgm.Enabled {
		s.log.Info("enabling host group membership",
			"host_id", hgm.HostID, "hostgroup_id", hgm.HostgroupID)

		if !s.hostgroups.Contains(hgm.HostgroupID) {
			s.log.Error("host group does not exist, inserting before membership",
				"hostgroup_id", hgm.HostgroupID)
			name := s.sizes.truncate("hostgroups", "name", hgm.GroupName)
			s.pool.run(conn, actionHostgroups, func(tx *sql.Tx) error {
				_, err := tx.Exec(
					`INSERT INTO hostgroups (hostgroup_id, name) VALUES (?, ?)
					 ON CONFLICT(hostgroup_id) DO UPDATE SET name=excluded.name`,
					hgm.HostgroupID, name)
				return err
			})
			s.hostgroups.Add(hgm.HostgroupID)
		}

		s.pool.run(conn, actionHostgroups, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`INSERT INTO hosts_hostgroups (host_id, hostgroup_id) VALUES (?, ?)
				 ON CONFLICT(host_id, hostgroup_id) DO NOTHING`,
				hgm.HostID, hgm.HostgroupID)
			return err
		})
	} else {
		s.log.Info("disabling host group membership",
			"host_id", hgm.HostID, "hostgroup_id", hgm.HostgroupID)
		s.pool.run(conn, actionHostgroups, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				"DELETE FROM hosts_hostgroups WHERE host_id=? AND hostgroup_id=?",
				hgm.HostID, hgm.HostgroupID)
			return err
		})
	}
}
