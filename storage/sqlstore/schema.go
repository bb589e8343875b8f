package sqlstore

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"unicode/utf8"
)

// schemaDDL creates the tables the persister depends on when they do not
// exist yet. Deployments normally install the schema out of band; this keeps
// development and tests self-contained. Column sizes are re-read from the
// live schema at startup either way.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id INTEGER PRIMARY KEY,
	name VARCHAR(255) NOT NULL DEFAULT '',
	engine VARCHAR(64) DEFAULT NULL,
	running TINYINT NOT NULL DEFAULT 0,
	outdated TINYINT NOT NULL DEFAULT 0,
	pid INTEGER DEFAULT NULL,
	version VARCHAR(16) DEFAULT NULL,
	start_time BIGINT DEFAULT NULL,
	end_time BIGINT DEFAULT NULL,
	last_alive BIGINT DEFAULT NULL,
	deleted TINYINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS hosts (
	host_id BIGINT PRIMARY KEY,
	instance_id INTEGER NOT NULL,
	name VARCHAR(255) NOT NULL DEFAULT '',
	alias VARCHAR(255) DEFAULT NULL,
	address VARCHAR(75) DEFAULT NULL,
	display_name VARCHAR(255) DEFAULT NULL,
	enabled TINYINT NOT NULL DEFAULT 1,
	check_command TEXT DEFAULT NULL,
	command_line TEXT DEFAULT NULL,
	check_interval DOUBLE DEFAULT NULL,
	retry_interval DOUBLE DEFAULT NULL,
	check_period VARCHAR(75) DEFAULT NULL,
	check_type SMALLINT DEFAULT NULL,
	check_attempt SMALLINT DEFAULT NULL,
	max_check_attempts SMALLINT DEFAULT NULL,
	state SMALLINT DEFAULT NULL,
	real_state SMALLINT DEFAULT NULL,
	state_type SMALLINT DEFAULT NULL,
	checked TINYINT DEFAULT 0,
	last_check BIGINT DEFAULT NULL,
	next_check BIGINT DEFAULT NULL,
	last_state_change BIGINT DEFAULT NULL,
	last_hard_state SMALLINT DEFAULT NULL,
	last_hard_state_change BIGINT DEFAULT NULL,
	last_time_up BIGINT DEFAULT NULL,
	last_time_down BIGINT DEFAULT NULL,
	last_time_unreachable BIGINT DEFAULT NULL,
	output TEXT DEFAULT NULL,
	perfdata TEXT DEFAULT NULL,
	flapping TINYINT DEFAULT 0,
	percent_state_change DOUBLE DEFAULT NULL,
	latency DOUBLE DEFAULT NULL,
	execution_time DOUBLE DEFAULT NULL,
	active_checks TINYINT DEFAULT 0,
	passive_checks TINYINT DEFAULT 0,
	should_be_scheduled TINYINT DEFAULT 0,
	obsess_over_host TINYINT DEFAULT 0,
	event_handler VARCHAR(255) DEFAULT NULL,
	event_handler_enabled TINYINT DEFAULT 0,
	flap_detection TINYINT DEFAULT 0,
	low_flap_threshold DOUBLE DEFAULT NULL,
	high_flap_threshold DOUBLE DEFAULT NULL,
	check_freshness TINYINT DEFAULT 0,
	freshness_threshold DOUBLE DEFAULT NULL,
	notify TINYINT DEFAULT 0,
	notification_interval DOUBLE DEFAULT NULL,
	notification_period VARCHAR(75) DEFAULT NULL,
	notification_number SMALLINT DEFAULT NULL,
	last_notification BIGINT DEFAULT NULL,
	next_host_notification BIGINT DEFAULT NULL,
	no_more_notifications TINYINT DEFAULT 0,
	acknowledged TINYINT DEFAULT 0,
	acknowledgement_type SMALLINT DEFAULT NULL,
	scheduled_downtime_depth SMALLINT DEFAULT NULL,
	notes VARCHAR(512) DEFAULT NULL,
	notes_url VARCHAR(255) DEFAULT NULL,
	action_url VARCHAR(255) DEFAULT NULL,
	icon_image VARCHAR(255) DEFAULT NULL,
	timezone VARCHAR(64) DEFAULT NULL
);

CREATE TABLE IF NOT EXISTS services (
	host_id BIGINT NOT NULL,
	service_id BIGINT NOT NULL,
	description VARCHAR(255) NOT NULL DEFAULT '',
	display_name VARCHAR(255) DEFAULT NULL,
	enabled TINYINT NOT NULL DEFAULT 1,
	check_command TEXT DEFAULT NULL,
	command_line TEXT DEFAULT NULL,
	check_interval DOUBLE DEFAULT NULL,
	retry_interval DOUBLE DEFAULT NULL,
	check_period VARCHAR(75) DEFAULT NULL,
	check_type SMALLINT DEFAULT NULL,
	check_attempt SMALLINT DEFAULT NULL,
	max_check_attempts SMALLINT DEFAULT NULL,
	state SMALLINT DEFAULT NULL,
	real_state SMALLINT DEFAULT NULL,
	state_type SMALLINT DEFAULT NULL,
	checked TINYINT DEFAULT 0,
	last_check BIGINT DEFAULT NULL,
	next_check BIGINT DEFAULT NULL,
	last_state_change BIGINT DEFAULT NULL,
	last_hard_state SMALLINT DEFAULT NULL,
	last_hard_state_change BIGINT DEFAULT NULL,
	last_time_ok BIGINT DEFAULT NULL,
	last_time_warning BIGINT DEFAULT NULL,
	last_time_critical BIGINT DEFAULT NULL,
	last_time_unknown BIGINT DEFAULT NULL,
	output TEXT DEFAULT NULL,
	perfdata TEXT DEFAULT NULL,
	flapping TINYINT DEFAULT 0,
	percent_state_change DOUBLE DEFAULT NULL,
	latency DOUBLE DEFAULT NULL,
	execution_time DOUBLE DEFAULT NULL,
	active_checks TINYINT DEFAULT 0,
	passive_checks TINYINT DEFAULT 0,
	should_be_scheduled TINYINT DEFAULT 0,
	obsess_over_service TINYINT DEFAULT 0,
	event_handler VARCHAR(255) DEFAULT NULL,
	event_handler_enabled TINYINT DEFAULT 0,
	flap_detection TINYINT DEFAULT 0,
	low_flap_threshold DOUBLE DEFAULT NULL,
	high_flap_threshold DOUBLE DEFAULT NULL,
	check_freshness TINYINT DEFAULT 0,
	freshness_threshold DOUBLE DEFAULT NULL,
	notify TINYINT DEFAULT 0,
	notification_interval DOUBLE DEFAULT NULL,
	notification_period VARCHAR(75) DEFAULT NULL,
	notification_number SMALLINT DEFAULT NULL,
	last_notification BIGINT DEFAULT NULL,
	next_notification BIGINT DEFAULT NULL,
	no_more_notifications TINYINT DEFAULT 0,
	acknowledged TINYINT DEFAULT 0,
	acknowledgement_type SMALLINT DEFAULT NULL,
	scheduled_downtime_depth SMALLINT DEFAULT NULL,
	volatile TINYINT DEFAULT 0,
	notes VARCHAR(512) DEFAULT NULL,
	notes_url VARCHAR(255) DEFAULT NULL,
	action_url VARCHAR(255) DEFAULT NULL,
	icon_image VARCHAR(255) DEFAULT NULL,
	PRIMARY KEY (host_id, service_id)
);

CREATE TABLE IF NOT EXISTS resources (
	resource_id INTEGER PRIMARY KEY AUTOINCREMENT,
	id BIGINT NOT NULL,
	parent_id BIGINT NOT NULL DEFAULT 0,
	type SMALLINT NOT NULL DEFAULT 0,
	status SMALLINT DEFAULT NULL,
	status_ordered SMALLINT DEFAULT NULL,
	status_confirmed TINYINT DEFAULT 0,
	last_status_change BIGINT DEFAULT NULL,
	in_downtime TINYINT NOT NULL DEFAULT 0,
	acknowledged TINYINT NOT NULL DEFAULT 0,
	check_attempts SMALLINT DEFAULT NULL,
	max_check_attempts SMALLINT DEFAULT NULL,
	poller_id BIGINT NOT NULL,
	severity_id BIGINT DEFAULT NULL,
	name VARCHAR(255) DEFAULT NULL,
	address VARCHAR(75) DEFAULT NULL,
	alias VARCHAR(255) DEFAULT NULL,
	parent_name VARCHAR(255) DEFAULT NULL,
	notes VARCHAR(512) DEFAULT NULL,
	notes_url VARCHAR(255) DEFAULT NULL,
	action_url VARCHAR(255) DEFAULT NULL,
	has_graph TINYINT NOT NULL DEFAULT 0,
	last_check_type SMALLINT DEFAULT NULL,
	last_check BIGINT DEFAULT NULL,
	output TEXT DEFAULT NULL,
	notifications_enabled TINYINT NOT NULL DEFAULT 0,
	passive_checks_enabled TINYINT NOT NULL DEFAULT 0,
	active_checks_enabled TINYINT NOT NULL DEFAULT 0,
	icon_id BIGINT DEFAULT NULL,
	enabled TINYINT NOT NULL DEFAULT 1,
	UNIQUE (id, parent_id)
);

CREATE TABLE IF NOT EXISTS resources_tags (
	tag_id BIGINT NOT NULL,
	resource_id BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS hostgroups (
	hostgroup_id BIGINT PRIMARY KEY,
	name VARCHAR(255) NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS servicegroups (
	servicegroup_id BIGINT PRIMARY KEY,
	name VARCHAR(255) NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS hosts_hostgroups (
	host_id BIGINT NOT NULL,
	hostgroup_id BIGINT NOT NULL,
	PRIMARY KEY (host_id, hostgroup_id)
);

CREATE TABLE IF NOT EXISTS services_servicegroups (
	host_id BIGINT NOT NULL,
	service_id BIGINT NOT NULL,
	servicegroup_id BIGINT NOT NULL,
	PRIMARY KEY (host_id, service_id, servicegroup_id)
);

CREATE TABLE IF NOT EXISTS hosts_hosts_parents (
	child_id BIGINT NOT NULL,
	parent_id BIGINT NOT NULL,
	PRIMARY KEY (child_id, parent_id)
);

CREATE TABLE IF NOT EXISTS hosts_hosts_dependencies (
	dependent_host_id BIGINT NOT NULL,
	host_id BIGINT NOT NULL,
	dependency_period VARCHAR(75) DEFAULT NULL,
	execution_failure_options VARCHAR(15) DEFAULT NULL,
	notification_failure_options VARCHAR(15) DEFAULT NULL,
	inherits_parent TINYINT DEFAULT 0,
	PRIMARY KEY (dependent_host_id, host_id)
);

CREATE TABLE IF NOT EXISTS services_services_dependencies (
	dependent_host_id BIGINT NOT NULL,
	dependent_service_id BIGINT NOT NULL,
	host_id BIGINT NOT NULL,
	service_id BIGINT NOT NULL,
	dependency_period VARCHAR(75) DEFAULT NULL,
	execution_failure_options VARCHAR(15) DEFAULT NULL,
	notification_failure_options VARCHAR(15) DEFAULT NULL,
	inherits_parent TINYINT DEFAULT 0,
	PRIMARY KEY (dependent_host_id, dependent_service_id, host_id, service_id)
);

CREATE TABLE IF NOT EXISTS comments (
	comment_id INTEGER PRIMARY KEY AUTOINCREMENT,
	host_id BIGINT NOT NULL,
	service_id BIGINT NOT NULL DEFAULT 0,
	instance_id INTEGER NOT NULL,
	internal_id BIGINT NOT NULL,
	entry_time BIGINT NOT NULL,
	entry_type SMALLINT DEFAULT NULL,
	author VARCHAR(64) DEFAULT NULL,
	data TEXT DEFAULT NULL,
	type SMALLINT DEFAULT NULL,
	deletion_time BIGINT DEFAULT NULL,
	expire_time BIGINT DEFAULT NULL,
	expires TINYINT DEFAULT 0,
	persistent TINYINT DEFAULT 0,
	source SMALLINT DEFAULT NULL,
	UNIQUE (host_id, service_id, entry_time, instance_id, internal_id)
);

CREATE TABLE IF NOT EXISTS downtimes (
	downtime_id INTEGER PRIMARY KEY AUTOINCREMENT,
	host_id BIGINT NOT NULL,
	service_id BIGINT NOT NULL DEFAULT 0,
	instance_id INTEGER NOT NULL,
	internal_id BIGINT NOT NULL,
	entry_time BIGINT DEFAULT NULL,
	author VARCHAR(64) DEFAULT NULL,
	comment_data TEXT DEFAULT NULL,
	type SMALLINT DEFAULT NULL,
	duration BIGINT DEFAULT NULL,
	start_time BIGINT DEFAULT NULL,
	end_time BIGINT DEFAULT NULL,
	actual_start_time BIGINT DEFAULT NULL,
	actual_end_time BIGINT DEFAULT NULL,
	deletion_time BIGINT DEFAULT NULL,
	triggered_by BIGINT DEFAULT NULL,
	fixed TINYINT DEFAULT 0,
	cancelled TINYINT DEFAULT 0,
	started TINYINT DEFAULT 0,
	UNIQUE (host_id, service_id, instance_id, entry_time, internal_id)
);

CREATE TABLE IF NOT EXISTS acknowledgements (
	acknowledgement_id INTEGER PRIMARY KEY AUTOINCREMENT,
	host_id BIGINT NOT NULL,
	service_id BIGINT NOT NULL DEFAULT 0,
	instance_id INTEGER NOT NULL,
	entry_time BIGINT NOT NULL,
	author VARCHAR(64) DEFAULT NULL,
	comment_data VARCHAR(255) DEFAULT NULL,
	type SMALLINT DEFAULT NULL,
	state SMALLINT DEFAULT NULL,
	sticky TINYINT DEFAULT 0,
	notify_contacts TINYINT DEFAULT 0,
	persistent_comment TINYINT DEFAULT 0,
	deletion_time BIGINT DEFAULT NULL,
	UNIQUE (entry_time, host_id, service_id)
);

CREATE TABLE IF NOT EXISTS customvariables (
	host_id BIGINT NOT NULL,
	service_id BIGINT NOT NULL DEFAULT 0,
	name VARCHAR(255) NOT NULL,
	value VARCHAR(4096) DEFAULT NULL,
	default_value VARCHAR(4096) DEFAULT NULL,
	modified TINYINT DEFAULT 0,
	type SMALLINT DEFAULT NULL,
	update_time BIGINT DEFAULT NULL,
	PRIMARY KEY (host_id, name, service_id)
);

CREATE TABLE IF NOT EXISTS logs (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	ctime BIGINT DEFAULT NULL,
	host_id BIGINT DEFAULT NULL,
	service_id BIGINT DEFAULT NULL,
	host_name VARCHAR(255) DEFAULT NULL,
	instance_name VARCHAR(255) NOT NULL,
	type SMALLINT DEFAULT NULL,
	msg_type SMALLINT DEFAULT NULL,
	notification_cmd VARCHAR(255) DEFAULT NULL,
	notification_contact VARCHAR(255) DEFAULT NULL,
	retry INTEGER DEFAULT NULL,
	service_description VARCHAR(255) DEFAULT NULL,
	status SMALLINT DEFAULT NULL,
	output TEXT DEFAULT NULL
);

CREATE TABLE IF NOT EXISTS modules (
	module_id INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id INTEGER NOT NULL,
	filename VARCHAR(255) DEFAULT NULL,
	args VARCHAR(255) DEFAULT NULL,
	loaded TINYINT DEFAULT 0,
	should_be_loaded TINYINT DEFAULT 0
);

CREATE TABLE IF NOT EXISTS index_data (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	host_id BIGINT NOT NULL,
	service_id BIGINT NOT NULL,
	host_name VARCHAR(255) DEFAULT NULL,
	service_description VARCHAR(255) DEFAULT NULL,
	check_interval INTEGER DEFAULT NULL,
	rrd_retention INTEGER DEFAULT NULL,
	special TINYINT NOT NULL DEFAULT 1,
	locked TINYINT NOT NULL DEFAULT 0,
	must_be_rebuild TINYINT NOT NULL DEFAULT 0,
	UNIQUE (host_id, service_id)
);

CREATE TABLE IF NOT EXISTS metrics (
	metric_id INTEGER PRIMARY KEY AUTOINCREMENT,
	index_id BIGINT NOT NULL,
	metric_name VARCHAR(255) NOT NULL,
	unit_name VARCHAR(32) DEFAULT NULL,
	warn DOUBLE DEFAULT NULL,
	crit DOUBLE DEFAULT NULL,
	min DOUBLE DEFAULT NULL,
	max DOUBLE DEFAULT NULL,
	current_value DOUBLE DEFAULT NULL,
	data_source_type SMALLINT NOT NULL DEFAULT 0,
	UNIQUE (index_id, metric_name)
);

CREATE TABLE IF NOT EXISTS data_bin (
	id_metric BIGINT NOT NULL,
	ctime BIGINT NOT NULL,
	value DOUBLE DEFAULT NULL,
	status SMALLINT DEFAULT NULL
);

CREATE TABLE IF NOT EXISTS severities (
	severity_id INTEGER PRIMARY KEY AUTOINCREMENT,
	id BIGINT NOT NULL,
	type SMALLINT NOT NULL,
	name VARCHAR(255) NOT NULL,
	level INTEGER NOT NULL,
	icon_id BIGINT DEFAULT NULL,
	UNIQUE (id, type)
);

CREATE TABLE IF NOT EXISTS tags (
	tag_id INTEGER PRIMARY KEY AUTOINCREMENT,
	id BIGINT NOT NULL,
	type SMALLINT NOT NULL,
	name VARCHAR(255) NOT NULL,
	UNIQUE (id, type)
);
`

// tableNames lists every table whose column sizes are read at startup.
var tableNames = []string{
	"instances", "hosts", "services", "resources", "resources_tags",
	"hostgroups", "servicegroups", "hosts_hostgroups", "services_servicegroups",
	"hosts_hosts_parents", "hosts_hosts_dependencies", "services_services_dependencies",
	"comments", "downtimes", "acknowledgements", "customvariables", "logs",
	"modules", "index_data", "metrics", "data_bin", "severities", "tags",
}

var varcharSize = regexp.MustCompile(`(?i)(?:VARCHAR|CHAR)\s*\(\s*(\d+)\s*\)`)

// columnSizes maps table -> column -> declared character limit (0 for
// unbounded types).
type columnSizes map[string]map[string]int

// loadColumnSizes reads the declared column types from the live schema so
// strings are truncated to what the DB actually accepts.
func loadColumnSizes(db *sql.DB) (columnSizes, error) {
	sizes := make(columnSizes, len(tableNames))
	for _, table := range tableNames {
		rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return nil, fmt.Errorf("table_info %s: %w", table, err)
		}
		cols := make(map[string]int)
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull int
			var dflt sql.NullString
			var pk int
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan table_info %s: %w", table, err)
			}
			size := 0
			if m := varcharSize.FindStringSubmatch(ctype); m != nil {
				size, _ = strconv.Atoi(m[1])
			}
			cols[name] = size
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		sizes[table] = cols
	}
	return sizes, nil
}

// truncate shortens s to the declared size of table.column, cutting on a
// rune boundary so multi-byte characters are never split.
func (cs columnSizes) truncate(table, column, s string) string {
	size := 0
	if cols, ok := cs[table]; ok {
		size = cols[column]
	}
	if size <= 0 || len(s) <= size {
		return s
	}
	cut := size
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
