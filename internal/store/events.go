package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"skillsyncd/internal/apperr"
)

// InsertChangeEvent appends an audit record. ID, CreatedAt and a pending
// resolution are filled when empty.
func (s *Store) InsertChangeEvent(e *ChangeEvent) error {
	if e.Type != EventCreated && e.Type != EventModified && e.Type != EventDeleted {
		return apperr.Validation("insert change event", "unknown event type %q", e.Type)
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Resolution == "" {
		e.Resolution = ResolutionPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.SubjectRef == "" {
		e.SubjectRef = e.DeploymentID
	}

	_, err := s.q.Exec(`
		INSERT INTO change_events (id, deployment_id, skill_id, subject_ref, source, event_type, path, rel_path,
			old_checksum, new_checksum, resolution, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.DeploymentID), nullString(e.SkillID), e.SubjectRef, e.Source, string(e.Type),
		e.Path, e.RelPath, nullString(e.OldChecksum), nullString(e.NewChecksum), string(e.Resolution),
		nullTime(e.ResolvedAt), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return apperr.Store("insert change event", err)
	}
	return nil
}

const eventColumns = `id, deployment_id, skill_id, subject_ref, source, event_type, path, rel_path,
	old_checksum, new_checksum, resolution, resolved_at, created_at`

func scanEvent(row rowScanner) (*ChangeEvent, error) {
	var e ChangeEvent
	var deploymentID, skillID, oldSum, newSum sql.NullString
	var resolvedAt sql.NullInt64
	var typ, resolution string
	var created int64

	if err := row.Scan(&e.ID, &deploymentID, &skillID, &e.SubjectRef, &e.Source, &typ, &e.Path, &e.RelPath,
		&oldSum, &newSum, &resolution, &resolvedAt, &created); err != nil {
		return nil, err
	}
	e.DeploymentID = deploymentID.String
	e.SkillID = skillID.String
	e.Type = EventType(typ)
	e.OldChecksum = oldSum.String
	e.NewChecksum = newSum.String
	e.Resolution = Resolution(resolution)
	e.ResolvedAt = timePtr(resolvedAt)
	e.CreatedAt = time.Unix(0, created)
	return &e, nil
}

// GetChangeEvent retrieves one event.
func (s *Store) GetChangeEvent(id string) (*ChangeEvent, error) {
	e, err := scanEvent(s.q.QueryRow(`SELECT `+eventColumns+` FROM change_events WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("get change event", "event %s not found", id)
		}
		return nil, apperr.Store("get change event", err)
	}
	return e, nil
}

// ListChangeEvents returns events matching the filter, newest first.
func (s *Store) ListChangeEvents(f EventFilter) ([]*ChangeEvent, error) {
	var where []string
	var args []any
	if f.SkillID != "" {
		where = append(where, "skill_id = ?")
		args = append(args, f.SkillID)
	}
	if f.Resolution != "" {
		where = append(where, "resolution = ?")
		args = append(args, string(f.Resolution))
	}

	query := `SELECT ` + eventColumns + ` FROM change_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, apperr.Store("list change events", err)
	}
	defer rows.Close()

	var out []*ChangeEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, apperr.Store("scan change event", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasPendingEvent reports whether an unresolved event of type t already
// exists for a subject.
func (s *Store) HasPendingEvent(subjectRef string, t EventType) (bool, error) {
	var n int
	err := s.q.QueryRow(`SELECT COUNT(*) FROM change_events
		WHERE subject_ref = ? AND event_type = ? AND resolution = 'pending'`, subjectRef, string(t)).Scan(&n)
	if err != nil {
		return false, apperr.Store("check pending event", err)
	}
	return n > 0, nil
}

// ResolveChangeEvent moves one pending event to a final resolution.
func (s *Store) ResolveChangeEvent(id string, r Resolution) error {
	if r == ResolutionPending || r == "" {
		return apperr.Validation("resolve change event", "cannot resolve to %q", r)
	}
	res, err := s.q.Exec(`UPDATE change_events SET resolution = ?, resolved_at = ? WHERE id = ? AND resolution = 'pending'`,
		string(r), nowNs(), id)
	if err != nil {
		return apperr.Store("resolve change event", err)
	}
	if affected(res) == 0 {
		if _, err := s.GetChangeEvent(id); err != nil {
			return err
		}
		return apperr.Validation("resolve change event", "event %s is already resolved", id)
	}
	return nil
}

// ResolveSkillEvents moves every pending event of a skill to r and returns
// how many changed. A non-empty source limits it to events from that source.
func (s *Store) ResolveSkillEvents(skillID, source string, r Resolution) (int, error) {
	if r == ResolutionPending || r == "" {
		return 0, apperr.Validation("resolve skill events", "cannot resolve to %q", r)
	}
	query := `UPDATE change_events SET resolution = ?, resolved_at = ? WHERE skill_id = ? AND resolution = 'pending'`
	args := []any{string(r), nowNs(), skillID}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	res, err := s.q.Exec(query, args...)
	if err != nil {
		return 0, apperr.Store("resolve skill events", err)
	}
	return int(affected(res)), nil
}

// ResolveSubjectEvents moves every pending event about one subject to r and
// returns how many changed.
func (s *Store) ResolveSubjectEvents(subjectRef string, r Resolution) (int, error) {
	if r == ResolutionPending || r == "" {
		return 0, apperr.Validation("resolve subject events", "cannot resolve to %q", r)
	}
	res, err := s.q.Exec(`UPDATE change_events SET resolution = ?, resolved_at = ?
		WHERE subject_ref = ? AND resolution = 'pending'`, string(r), nowNs(), subjectRef)
	if err != nil {
		return 0, apperr.Store("resolve subject events", err)
	}
	return int(affected(res)), nil
}

// InsertSyncHistory appends a sync record.
func (s *Store) InsertSyncHistory(h *SyncHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	res, err := s.q.Exec(`
		INSERT INTO sync_history (skill_id, deployment_id, action, from_checksum, to_checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.SkillID, nullString(h.DeploymentID), h.Action, nullString(h.FromChecksum), nullString(h.ToChecksum),
		h.CreatedAt.UnixNano(),
	)
	if err != nil {
		return apperr.Store("insert sync history", err)
	}
	h.ID, _ = res.LastInsertId()
	return nil
}

// ListSyncHistory returns a skill's sync records, newest first.
func (s *Store) ListSyncHistory(skillID string, limit int) ([]*SyncHistory, error) {
	query := `SELECT id, skill_id, deployment_id, action, from_checksum, to_checksum, created_at
		FROM sync_history WHERE skill_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{skillID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, apperr.Store("list sync history", err)
	}
	defer rows.Close()

	var out []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		var deploymentID, from, to sql.NullString
		var created int64
		if err := rows.Scan(&h.ID, &h.SkillID, &deploymentID, &h.Action, &from, &to, &created); err != nil {
			return nil, apperr.Store("scan sync history", err)
		}
		h.DeploymentID = deploymentID.String
		h.FromChecksum = from.String
		h.ToChecksum = to.String
		h.CreatedAt = time.Unix(0, created)
		out = append(out, &h)
	}
	return out, rows.Err()
}
