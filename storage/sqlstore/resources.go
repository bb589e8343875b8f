package sqlstore

import (
	"database/sql"
)

// resourceRow is the unified view of a host or service written into the
// resources table. Hosts use parent_id 0; services use their host id.
type resourceRow struct {
	id            uint64
	parentID      uint64
	typ           int32 // 0 service, 1 host
	enabled       bool
	status        int32
	statusOrdered int32
	lastChange    int64
	inDowntime    bool
	acknowledged  bool
	confirmed     bool
	checkAttempts int32
	maxAttempts   int32
	pollerID      uint32
	severityID    uint64
	severityType  uint32
	name          string
	address       string
	alias         string
	parentName    string
	notes         string
	notesURL      string
	actionURL     string
	notify        bool
	passiveChecks bool
	activeChecks  bool
	iconID        uint64
	tagIDs        []uint64
	tagTypes      []uint64
}

func (r resourceRow) cacheKey() svcKey {
	if r.parentID == 0 {
		return svcKey{r.id, 0}
	}
	return svcKey{r.parentID, r.id}
}

// upsertResource inserts or updates the resource row of a monitored object,
// reusing the surrogate resource_id for the lifetime of the object and
// reclaiming it on disable. Tags are rewritten from the event's tag list.
func (s *Stream) upsertResource(conn int, r resourceRow) {
	key := r.cacheKey()
	cached, known := s.resourceCache.Get(key)

	if !r.enabled {
		if !known {
			s.log.Debug("resource already absent, nothing to disable",
				"id", r.id, "parent_id", r.parentID)
			return
		}
		s.pool.run(conn, actionResources, func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE resources SET enabled=0 WHERE resource_id=?", cached)
			return err
		})
		s.resourceCache.Delete(key)
		return
	}

	var severity any
	if r.severityID != 0 {
		if sid, ok := s.severityCache.Get(idTypeKey{r.severityID, r.severityType}); ok {
			severity = sid
		} else {
			s.log.Info("no severity found in cache for resource",
				"id", r.id, "parent_id", r.parentID, "severity_id", r.severityID)
		}
	}

	name := s.sizes.truncate("resources", "name", r.name)
	address := s.sizes.truncate("resources", "address", r.address)
	alias := s.sizes.truncate("resources", "alias", r.alias)
	parentName := s.sizes.truncate("resources", "parent_name", r.parentName)
	notes := s.sizes.truncate("resources", "notes", r.notes)
	notesURL := s.sizes.truncate("resources", "notes_url", r.notesURL)
	actionURL := s.sizes.truncate("resources", "action_url", r.actionURL)

	resourceID := cached
	if !known {
		err := s.pool.runWait(conn, actionResources, func(tx *sql.Tx) error {
			res, err := tx.Exec(
				`INSERT INTO resources (id, parent_id, type, status, status_ordered,
					last_status_change, in_downtime, acknowledged, status_confirmed,
					check_attempts, max_check_attempts, poller_id, severity_id,
					name, address, alias, parent_name, notes_url, notes, action_url,
					notifications_enabled, passive_checks_enabled, active_checks_enabled,
					enabled, icon_id)
				 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1,?)`,
				r.id, r.parentID, r.typ, r.status, r.statusOrdered,
				nullIfZero(r.lastChange), r.inDowntime, r.acknowledged, r.confirmed,
				r.checkAttempts, r.maxAttempts, r.pollerID, severity,
				name, address, alias, parentName, notesURL, notes, actionURL,
				r.notify, r.passiveChecks, r.activeChecks, r.iconID)
			if err != nil {
				return err
			}
			last, err := res.LastInsertId()
			if err != nil {
				return err
			}
			resourceID = uint64(last)
			return nil
		})
		if err != nil {
			// Insert failed, likely a row surviving from a previous run:
			// fall back to a targeted select.
			s.log.Error("unable to insert resource, falling back to lookup",
				"id", r.id, "parent_id", r.parentID, "error", err)
			err = s.pool.runWait(conn, actionResources, func(tx *sql.Tx) error {
				return tx.QueryRow(
					"SELECT resource_id FROM resources WHERE parent_id=? AND id=?",
					r.parentID, r.id).Scan(&resourceID)
			})
			if err != nil {
				s.log.Error("no resource in database for object",
					"id", r.id, "parent_id", r.parentID, "error", err)
				return
			}
			// Recovered rows still need their attributes refreshed.
			s.updateResource(conn, resourceID, r, severity,
				name, address, alias, parentName, notes, notesURL, actionURL)
		}
		s.resourceCache.Set(key, resourceID)
	} else {
		s.updateResource(conn, resourceID, r, severity,
			name, address, alias, parentName, notes, notesURL, actionURL)
	}

	s.rewriteResourceTags(conn, resourceID, r)
}

func (s *Stream) updateResource(conn int, resourceID uint64, r resourceRow, severity any,
	name, address, alias, parentName, notes, notesURL, actionURL string) {
	s.pool.run(conn, actionResources, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE resources SET type=?, status=?, status_ordered=?, last_status_change=?,
				in_downtime=?, acknowledged=?, status_confirmed=?, check_attempts=?,
				max_check_attempts=?, poller_id=?, severity_id=?, name=?, address=?,
				alias=?, parent_name=?, notes_url=?, notes=?, action_url=?,
				notifications_enabled=?, passive_checks_enabled=?, active_checks_enabled=?,
				icon_id=?, enabled=1
			 WHERE resource_id=?`,
			r.typ, r.status, r.statusOrdered, nullIfZero(r.lastChange),
			r.inDowntime, r.acknowledged, r.confirmed, r.checkAttempts,
			r.maxAttempts, r.pollerID, severity, name, address,
			alias, parentName, notesURL, notes, actionURL,
			r.notify, r.passiveChecks, r.activeChecks, r.iconID, resourceID)
		return err
	})
}

// rewriteResourceTags deletes every tag binding of the resource and
// re-inserts the event's list, creating missing tag rows on demand.
func (s *Stream) rewriteResourceTags(conn int, resourceID uint64, r resourceRow) {
	s.pool.finish(-1, actionTags)
	s.pool.run(conn, actionResourcesTags, func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM resources_tags WHERE resource_id=?", resourceID)
		return err
	})

	for i, tagID := range r.tagIDs {
		var tagType uint32
		if i < len(r.tagTypes) {
			tagType = uint32(r.tagTypes[i])
		}
		key := idTypeKey{tagID, tagType}
		surrogate, ok := s.tagCache.Get(key)
		if !ok {
			s.log.Error("tag not in cache, creating it",
				"tag_id", tagID, "tag_type", tagType, "resource_id", resourceID)
			var created uint64
			err := s.pool.runWait(conn, actionTags, func(tx *sql.Tx) error {
				res, err := tx.Exec(
					"INSERT INTO tags (id, type, name) VALUES (?, ?, ?)",
					tagID, tagType, "(unknown)")
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
				s.log.Error("unable to insert tag",
					"tag_id", tagID, "tag_type", tagType, "error", err)
				continue
			}
			surrogate = created
			s.tagCache.Set(key, surrogate)
		}

		s.log.Debug("linking resource to tag",
			"resource_id", resourceID, "tag_id", tagID, "tag_type", tagType)
		surrogateCopy := surrogate
		s.pool.run(conn, actionResourcesTags, func(tx *sql.Tx) error {
			_, err := tx.Exec(
				"INSERT INTO resources_tags (tag_id, resource_id) VALUES (?, ?)",
				surrogateCopy, resourceID)
			return err
		})
	}
}
