package sqlstore

import (
	"database/sql"
	"strings"

	"github.com/c360/eventbroker/events"
)

// processService upserts a service definition and mirrors it into
// resources.
func (s *Stream) processService(ev events.Event) {
	sv := ev.(*events.Service)
	s.pool.finish(-1, actionInstances|actionServicegroups|actionServiceDependencies|
		actionCustomVariables|actionDowntimes|actionComments|actionHostDependencies|
		actionSeverities)

	s.log.Info("processing service event",
		"host_id", sv.HostID, "service_id", sv.ServiceID, "description", sv.Description)

	if !s.hostInstanceKnown(sv.HostID) {
		s.log.Warn("service thrown away, host unknown to any poller",
			"host_id", sv.HostID, "service_id", sv.ServiceID)
		return
	}
	if sv.HostID == 0 || sv.ServiceID == 0 {
		s.log.Debug("service has no id, skipping", "description", sv.Description)
		return
	}

	instance, _ := s.hostInstance.Get(sv.HostID)
	conn := s.pool.byInstance(instance)

	description := s.sizes.truncate("services", "description", sv.Description)
	output := s.sizes.truncate("services", "output", sv.Output)
	s.pool.run(conn, actionServices, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO services (host_id, service_id, description, display_name, enabled,
				check_command, check_interval, retry_interval, check_period, check_type,
				check_attempt, max_check_attempts, state, state_type, checked,
				last_check, next_check, last_state_change, last_hard_state, last_hard_state_change,
				last_time_ok, last_time_warning, last_time_critical, last_time_unknown,
				output, perfdata, flapping, percent_state_change, latency, execution_time,
				active_checks, passive_checks, should_be_scheduled, obsess_over_service,
				event_handler, event_handler_enabled, flap_detection,
				low_flap_threshold, high_flap_threshold, check_freshness, freshness_threshold,
				notify, notification_interval, notification_period, notification_number,
				last_notification, no_more_notifications, acknowledged, acknowledgement_type,
				scheduled_downtime_depth, volatile, notes, notes_url, action_url, icon_image)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(host_id, service_id) DO UPDATE SET
				description=excluded.description, display_name=excluded.display_name,
				enabled=excluded.enabled, check_command=excluded.check_command,
				check_interval=excluded.check_interval, retry_interval=excluded.retry_interval,
				check_period=excluded.check_period, check_type=excluded.check_type,
				check_attempt=excluded.check_attempt, max_check_attempts=excluded.max_check_attempts,
				state=excluded.state, state_type=excluded.state_type, checked=excluded.checked,
				last_check=excluded.last_check, next_check=excluded.next_check,
				last_state_change=excluded.last_state_change, last_hard_state=excluded.last_hard_state,
				last_hard_state_change=excluded.last_hard_state_change,
				last_time_ok=excluded.last_time_ok, last_time_warning=excluded.last_time_warning,
				last_time_critical=excluded.last_time_critical, last_time_unknown=excluded.last_time_unknown,
				output=excluded.output, perfdata=excluded.perfdata, flapping=excluded.flapping,
				percent_state_change=excluded.percent_state_change, latency=excluded.latency,
				execution_time=excluded.execution_time, active_checks=excluded.active_checks,
				passive_checks=excluded.passive_checks, should_be_scheduled=excluded.should_be_scheduled,
				obsess_over_service=excluded.obsess_over_service, event_handler=excluded.event_handler,
				event_handler_enabled=excluded.event_handler_enabled, flap_detection=excluded.flap_detection,
				low_flap_threshold=excluded.low_flap_threshold, high_flap_threshold=excluded.high_flap_threshold,
				check_freshness=excluded.check_freshness, freshness_threshold=excluded.freshness_threshold,
				notify=excluded.notify, notification_interval=excluded.notification_interval,
				notification_period=excluded.notification_period, notification_number=excluded.notification_number,
				last_notification=excluded.last_notification, no_more_notifications=excluded.no_more_notifications,
				acknowledged=excluded.acknowledged, acknowledgement_type=excluded.acknowledgement_type,
				scheduled_downtime_depth=excluded.scheduled_downtime_depth, volatile=excluded.volatile,
				notes=excluded.notes, notes_url=excluded.notes_url, action_url=excluded.action_url,
				icon_image=excluded.icon_image`,
			sv.HostID, sv.ServiceID, description,
			s.sizes.truncate("services", "display_name", sv.DisplayName), sv.Enabled,
			sv.CheckCommand, sv.CheckInterval, sv.RetryInterval,
			s.sizes.truncate("services", "check_period", sv.CheckPeriod), sv.CheckType,
			sv.CurrentCheckAttempt, sv.MaxCheckAttempts, sv.State, sv.StateType, sv.Checked,
			nullIfZero(sv.LastCheck), nullIfZero(sv.NextCheck), nullIfZero(sv.LastStateChange),
			sv.LastHardState, nullIfZero(sv.LastHardStateChange),
			nullIfZero(sv.LastTimeOK), nullIfZero(sv.LastTimeWarning),
			nullIfZero(sv.LastTimeCritical), nullIfZero(sv.LastTimeUnknown),
			output, sv.Perfdata, sv.Flapping, sv.PercentStateChange, sv.Latency, sv.ExecutionTime,
			sv.ActiveChecksEnabled, sv.PassiveChecksEnabled, sv.ShouldBeScheduled, sv.ObsessOver,
			s.sizes.truncate("services", "event_handler", sv.EventHandler), sv.EventHandlerEnabled,
			sv.FlapDetectionEnabled, sv.LowFlapThreshold, sv.HighFlapThreshold,
			sv.FreshnessChecked, sv.FreshnessThreshold,
			sv.NotificationsEnabled, sv.NotificationInterval,
			s.sizes.truncate("services", "notification_period", sv.NotificationPeriod),
			sv.NotificationNumber, nullIfZero(sv.LastNotification), sv.NoMoreNotifications,
			sv.AcknowledgementType != events.AckNone, sv.AcknowledgementType,
			sv.ScheduledDowntimeDepth, sv.Volatile,
			s.sizes.truncate("services", "notes", sv.Notes),
			s.sizes.truncate("services", "notes_url", sv.NotesURL),
			s.sizes.truncate("services", "action_url", sv.ActionURL),
			s.sizes.truncate("services", "icon_image", sv.IconImage))
		return err
	})

	// The index_data row, when present, follows the description.
	if info, ok := s.indexCache.Get(svcKey{sv.HostID, sv.ServiceID}); ok && !info.locked {
		hostName := s.sizes.truncate("index_data", "host_name", sv.HostName)
		s.pool.run(conn, actionServices, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`UPDATE index_data SET host_name=?, service_description=?, special=?
				 WHERE host_id=? AND service_id=?`,
				hostName, description, isSpecialHost(sv.HostName), sv.HostID, sv.ServiceID)
			return err
		})
	}

	if s.opts.StoreInResources {
		instanceID, _ := s.hostInstance.Get(sv.HostID)
		s.upsertResource(conn, resourceRow{
			id:            sv.ServiceID,
			parentID:      sv.HostID,
			typ:           0,
			enabled:       sv.Enabled,
			status:        sv.State,
			statusOrdered: svcOrderedStatus[sv.State],
			lastChange:    sv.LastStateChange,
			inDowntime:    sv.ScheduledDowntimeDepth > 0,
			acknowledged:  sv.AcknowledgementType != events.AckNone,
			confirmed:     sv.StateType == 1,
			checkAttempts: sv.CurrentCheckAttempt,
			maxAttempts:   sv.MaxCheckAttempts,
			pollerID:      instanceID,
			severityID:    sv.SeverityID,
			severityType:  0,
			name:          sv.Description,
			alias:         sv.DisplayName,
			parentName:    sv.HostName,
			notes:         sv.Notes,
			notesURL:      sv.NotesURL,
			actionURL:     sv.ActionURL,
			notify:        sv.NotificationsEnabled,
			passiveChecks: sv.PassiveChecksEnabled,
			activeChecks:  sv.ActiveChecksEnabled,
			iconID:        sv.IconID,
			tagIDs:        sv.TagIDs,
			tagTypes:      sv.TagTypes,
		})
	}
}

// processServiceCheck updates the command line of a service when its hash
// changed.
func (s *Stream) processServiceCheck(ev events.Event) {
	sc := ev.(*events.ServiceCheck)
	s.pool.finish(-1, actionDowntimes|actionComments|actionHostDependencies|
		actionHostParents|actionServiceDependencies)

	if !s.hostInstanceKnown(sc.HostID) {
		s.log.Warn("service check thrown away, host unknown",
			"host_id", sc.HostID, "service_id", sc.ServiceID)
		return
	}

	if !statusIsFresh(sc.CheckType, sc.ActiveChecksEnabled, sc.NextCheck) {
		s.log.Debug("not processing stale service check",
			"host_id", sc.HostID, "service_id", sc.ServiceID, "next_check", sc.NextCheck)
		return
	}

	key := svcKey{sc.HostID, sc.ServiceID}
	hash := hashCommand(sc.CommandLine)
	if prev, ok := s.svcCmd.Get(key); ok && prev == hash {
		return
	}
	s.svcCmd.Set(key, hash)

	instance, _ := s.hostInstance.Get(sc.HostID)
	conn := s.pool.byInstance(instance)
	cmd := s.sizes.truncate("services", "command_line", sc.CommandLine)
	s.pool.run(conn, actionServices, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE services SET command_line=? WHERE host_id=? AND service_id=?",
			cmd, sc.HostID, sc.ServiceID)
		return err
	})
}

// processServiceStatus applies the volatile state of a service and derives
// perfdata metrics.
func (s *Stream) processServiceStatus(ev events.Event) {
	ss := ev.(*events.ServiceStatus)
	s.pool.finish(-1, actionHostParents|actionComments|actionDowntimes|
		actionHostDependencies|actionServiceDependencies)

	s.log.Debug("service status check result",
		"host_id", ss.HostID, "service_id", ss.ServiceID,
		"output", ss.Output, "perfdata", ss.Perfdata)

	if !s.hostInstanceKnown(ss.HostID) {
		s.log.Warn("service status thrown away, host unknown to any poller",
			"host_id", ss.HostID, "service_id", ss.ServiceID)
		return
	}

	if !statusIsFresh(ss.CheckType, ss.ActiveChecksEnabled, ss.NextCheck) {
		s.log.Debug("skipping stale service status event",
			"host_id", ss.HostID, "service_id", ss.ServiceID,
			"check_type", ss.CheckType, "last_check", ss.LastCheck,
			"next_check", ss.NextCheck)
		if s.opts.Metrics != nil {
			s.opts.Metrics.StaleStatusDropped.Inc()
		}
	} else {
		instance, _ := s.hostInstance.Get(ss.HostID)
		conn := s.pool.byInstance(instance)

		if s.opts.StoreInHostsServices {
			output := ss.Output
			if ss.LongOutput != "" {
				output = output + "\n" + ss.LongOutput
			}
			output = s.sizes.truncate("services", "output", output)
			perfdata := s.sizes.truncate("services", "perfdata", ss.Perfdata)
			s.pool.run(conn, actionServices, func(tx *sql.Tx) error {
				_, err := tx.Exec(
					`UPDATE services SET checked=?, check_type=?, state=?, state_type=?,
						last_state_change=?, last_hard_state=?, last_hard_state_change=?,
						last_time_ok=?, last_time_warning=?, last_time_critical=?, last_time_unknown=?,
						output=?, perfdata=?, flapping=?, percent_state_change=?,
						latency=?, execution_time=?, last_check=?, next_check=?,
						should_be_scheduled=?, check_attempt=?, notification_number=?,
						no_more_notifications=?, last_notification=?, next_notification=?,
						acknowledged=?, acknowledgement_type=?, scheduled_downtime_depth=?
					 WHERE host_id=? AND service_id=?`,
					ss.Checked, ss.CheckType, ss.State, ss.StateType,
					nullIfZero(ss.LastStateChange), ss.LastHardState, nullIfZero(ss.LastHardStateChange),
					nullIfZero(ss.LastTimeOK), nullIfZero(ss.LastTimeWarning),
					nullIfZero(ss.LastTimeCritical), nullIfZero(ss.LastTimeUnknown),
					output, perfdata, ss.Flapping, ss.PercentStateChange,
					ss.Latency, ss.ExecutionTime, nullIfZero(ss.LastCheck), nullIfZero(ss.NextCheck),
					ss.ShouldBeScheduled, ss.CurrentCheckAttempt, ss.NotificationNumber,
					ss.NoMoreNotifications, nullIfZero(ss.LastNotification), nullIfZero(ss.NextNotification),
					ss.AcknowledgementType != events.AckNone, ss.AcknowledgementType,
					ss.ScheduledDowntimeDepth, ss.HostID, ss.ServiceID)
				return err
			})
		}

		if s.opts.StoreInResources {
			output := s.sizes.truncate("resources", "output", ss.Output)
			s.pool.run(conn, actionResources, func(tx *sql.Tx) error {
				_, err := tx.Exec(
					`UPDATE resources SET status=?, status_ordered=?, last_status_change=?,
						in_downtime=?, acknowledged=?, status_confirmed=?, check_attempts=?,
						has_graph=?, last_check_type=?, last_check=?, output=?
					 WHERE id=? AND parent_id=?`,
					ss.State, svcOrderedStatus[ss.State], nullIfZero(ss.LastStateChange),
					ss.ScheduledDowntimeDepth > 0, ss.AcknowledgementType != events.AckNone,
					ss.StateType == 1, ss.CurrentCheckAttempt,
					ss.Perfdata != "", ss.CheckType, nullIfZero(ss.LastCheck), output,
					ss.ServiceID, ss.HostID)
				return err
			})
		}
	}

	// Perfdata derivation runs even for states the legacy tables dropped as
	// stale: graphs keep their continuity.
	s.processPerfdata(ss)
}

// processAdaptiveService applies a partial service update.
func (s *Stream) processAdaptiveService(ev events.Event) {
	as := ev.(*events.AdaptiveService)
	s.pool.finish(-1, actionComments|actionDowntimes|actionHostDependencies|
		actionServiceDependencies)

	if !s.hostInstanceKnown(as.HostID) {
		s.log.Warn("adaptive service thrown away, host unknown",
			"host_id", as.HostID, "service_id", as.ServiceID)
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
	setBool("notify", as.HasNotify, as.Notify)
	setBool("active_checks", as.HasActiveChecks, as.ActiveChecks)
	setBool("should_be_scheduled", as.HasShouldBeScheduled, as.ShouldBeScheduled)
	setBool("passive_checks", as.HasPassiveChecks, as.PassiveChecks)
	setBool("event_handler_enabled", as.HasEventHandlerEnabled, as.EventHandlerEnabled)
	setBool("flap_detection", as.HasFlapDetection, as.FlapDetection)
	setBool("obsess_over_service", as.HasObsessOver, as.ObsessOver)
	setBool("check_freshness", as.HasCheckFreshness, as.CheckFreshness)
	if as.HasCheckInterval {
		sets = append(sets, "check_interval=?")
		args = append(args, as.CheckInterval)
	}
	if as.HasRetryInterval {
		sets = append(sets, "retry_interval=?")
		args = append(args, as.RetryInterval)
	}
	if as.HasMaxCheckAttempts {
		sets = append(sets, "max_check_attempts=?")
		args = append(args, as.MaxCheckAttempts)
	}
	if as.HasCheckPeriod {
		sets = append(sets, "check_period=?")
		args = append(args, s.sizes.truncate("services", "check_period", as.CheckPeriod))
	}
	if as.HasNotificationPeriod {
		sets = append(sets, "notification_period=?")
		args = append(args, s.sizes.truncate("services", "notification_period", as.NotificationPeriod))
	}
	if as.HasEventHandler {
		sets = append(sets, "event_handler=?")
		args = append(args, s.sizes.truncate("services", "event_handler", as.EventHandler))
	}
	if as.HasCheckCommand {
		sets = append(sets, "check_command=?")
		args = append(args, as.CheckCommand)
	}
	if as.HasNotificationInterval {
		sets = append(sets, "notification_interval=?")
		args = append(args, as.NotificationInterval)
	}
	if len(sets) == 0 {
		return
	}
	args = append(args, as.HostID, as.ServiceID)

	instance, _ := s.hostInstance.Get(as.HostID)
	conn := s.pool.byInstance(instance)
	query := "UPDATE services SET " + strings.Join(sets, ", ") + " WHERE host_id=? AND service_id=?"
	s.pool.run(conn, actionServices, func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	})
}

// processServiceDependency maintains services_services_dependencies.
func (s *Stream) processServiceDependency(ev events.Event) {
	sd := ev.(*events.ServiceDependency)
	conn := s.pool.special(specialServiceDependency)
	s.pool.finish(-1, actionHosts|actionHostParents|actionComments|actionDowntimes|
		actionHostDependencies|actionServiceDependencies)

	if sd.Enabled {
		s.log.Info("enabling service dependency",
			"dependent_host", sd.DependentHostID, "dependent_service", sd.DependentServiceID,
			"host", sd.HostID, "service", sd.ServiceID)
		s.pool.run(conn, actionServiceDependencies, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`INSERT INTO services_services_dependencies
					(dependent_host_id, dependent_service_id, host_id, service_id,
					 dependency_period, execution_failure_options,
					 notification_failure_options, inherits_parent)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(dependent_host_id, dependent_service_id, host_id, service_id)
				 DO UPDATE SET
					dependency_period=excluded.dependency_period,
					execution_failure_options=excluded.execution_failure_options,
					notification_failure_options=excluded.notification_failure_options,
					inherits_parent=excluded.inherits_parent`,
				sd.DependentHostID, sd.DependentServiceID, sd.HostID, sd.ServiceID,
				s.sizes.truncate("services_services_dependencies", "dependency_period", sd.DependencyPeriod),
				s.sizes.truncate("services_services_dependencies", "execution_failure_options", sd.ExecutionFailureOptions),
				s.sizes.truncate("services_services_dependencies", "notification_failure_options", sd.NotificationFailureOptions),
				sd.InheritsParent)
			return err
		})
	} else {
		s.log.Info("removing service dependency",
			"dependent_host", sd.DependentHostID, "dependent_service", sd.DependentServiceID,
			"host", sd.HostID, "service", sd.ServiceID)
		s.pool.run(conn, actionServiceDependencies, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`DELETE FROM services_services_dependencies
				 WHERE dependent_host_id=? AND dependent_service_id=? AND host_id=? AND service_id=?`,
				sd.DependentHostID, sd.DependentServiceID, sd.HostID, sd.ServiceID)
			return err
		})
	}
}

// processServiceGroup maintains the servicegroups table.
func (s *Stream) processServiceGroup(ev events.Event) {
	sg := ev.(*events.ServiceGroup)
	conn := s.pool.special(specialServiceGroup)

	if sg.Enabled {
		s.log.Info("enabling service group", "servicegroup_id", sg.ServicegroupID, "name", sg.Name)
		name := s.sizes.truncate("servicegroups", "name", sg.Name)
		s.pool.run(conn, actionServicegroups, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`INSERT INTO servicegroups (servicegroup_id, name) VALUES (?, ?)
				 ON CONFLICT(servicegroup_id) DO UPDATE SET name=excluded.name`,
				sg.ServicegroupID, name)
			return err
		})
		s.servicegroups.Add(sg.ServicegroupID)
	} else {
		s.log.Info("disabling service group", "servicegroup_id", sg.ServicegroupID, "name", sg.Name)
		s.pool.finish(-1, actionHosts)
		s.pool.run(conn, actionServicegroups, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`DELETE FROM services_servicegroups WHERE servicegroup_id=? AND host_id IN
				 (SELECT host_id FROM hosts WHERE instance_id=?)`,
				sg.ServicegroupID, sg.InstanceID)
			return err
		})
		s.servicegroups.Remove(sg.ServicegroupID)
	}
}

// processServiceGroupMember maintains services_servicegroups, creating the
// group on demand.
func (s *Stream) processServiceGroupMember(ev events.Event) {
	sgm := ev.(*events.ServiceGroupMember)
	conn := s.pool.special(specialServiceGroup)
	s.pool.finish(-1, actionHosts)

	if sgm.Enabled {
		s.log.Info("enabling service group membership",
			"host_id", sgm.HostID, "service_id", sgm.ServiceID,
			"servicegroup_id", sgm.ServicegroupID)

		if !s.servicegroups.Contains(sgm.ServicegroupID) {
			s.log.Error("service group does not exist, inserting before membership",
				"servicegroup_id", sgm.ServicegroupID)
			name := s.sizes.truncate("servicegroups", "name", sgm.GroupName)
			s.pool.run(conn, actionServicegroups, func(tx *sql.Tx) error {
				_, err := tx.Exec(
					`INSERT INTO servicegroups (servicegroup_id, name) VALUES (?, ?)
					 ON CONFLICT(servicegroup_id) DO UPDATE SET name=excluded.name`,
					sgm.ServicegroupID, name)
				return err
			})
			s.servicegroups.Add(sgm.ServicegroupID)
		}

		s.pool.run(conn, actionServicegroups, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`INSERT INTO services_servicegroups (host_id, service_id, servicegroup_id)
				 VALUES (?, ?, ?)
				 ON CONFLICT(host_id, service_id, servicegroup_id) DO NOTHING`,
				sgm.HostID, sgm.ServiceID, sgm.ServicegroupID)
			return err
		})
	} else {
		s.log.Info("disabling service group membership",
			"host_id", sgm.HostID, "service_id", sgm.ServiceID,
			"servicegroup_id", sgm.ServicegroupID)
		s.pool.run(conn, actionServicegroups, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				`DELETE FROM services_servicegroups
				 WHERE host_id=? AND service_id=? AND servicegroup_id=?`,
				sgm.HostID, sgm.ServiceID, sgm.ServicegroupID)
			return err
		})
	}
}
