package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/checksum"
)

const skillColumns = `id, name, description, version, checksum, created_at, last_modified,
	watcher_pending_since, watcher_backup_id, watcher_trigger_deployment_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSkill(row rowScanner) (*Skill, error) {
	var sk Skill
	var sum, backupID, triggerID sql.NullString
	var created, modified int64
	var pending sql.NullInt64

	if err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Version, &sum, &created, &modified,
		&pending, &backupID, &triggerID); err != nil {
		return nil, err
	}
	sk.Checksum = sum.String
	sk.CreatedAt = time.Unix(0, created)
	sk.LastModified = time.Unix(0, modified)
	sk.PendingSince = timePtr(pending)
	sk.PendingBackupID = backupID.String
	sk.PendingDeploymentID = triggerID.String
	return &sk, nil
}

// CreateSkill inserts a skill. ID and timestamps are assigned when empty.
func (s *Store) CreateSkill(sk *Skill) error {
	sk.Name = strings.TrimSpace(sk.Name)
	if sk.Name == "" {
		return apperr.Validation("create skill", "skill name is empty")
	}
	if sk.ID == "" {
		sk.ID = newID()
	}
	now := time.Now()
	sk.CreatedAt, sk.LastModified = now, now

	_, err := s.q.Exec(`
		INSERT INTO skills (id, name, description, version, checksum, created_at, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sk.ID, sk.Name, sk.Description, sk.Version, nullString(sk.Checksum), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("create skill", "skill %q already exists", sk.Name)
		}
		return apperr.Store("create skill", err)
	}
	return nil
}

// GetSkill retrieves a skill by ID.
func (s *Store) GetSkill(id string) (*Skill, error) {
	sk, err := scanSkill(s.q.QueryRow(`SELECT `+skillColumns+` FROM skills WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("get skill", "skill %s not found", id)
		}
		return nil, apperr.Store("get skill", err)
	}
	return sk, nil
}

// GetSkillByName retrieves a skill by its unique name.
func (s *Store) GetSkillByName(name string) (*Skill, error) {
	sk, err := scanSkill(s.q.QueryRow(`SELECT `+skillColumns+` FROM skills WHERE name = ?`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("get skill", "skill %q not found", name)
		}
		return nil, apperr.Store("get skill by name", err)
	}
	return sk, nil
}

// ListSkills returns all skills ordered by name.
func (s *Store) ListSkills() ([]*Skill, error) {
	rows, err := s.q.Query(`SELECT ` + skillColumns + ` FROM skills ORDER BY name`)
	if err != nil {
		return nil, apperr.Store("list skills", err)
	}
	defer rows.Close()

	var out []*Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, apperr.Store("scan skill", err)
		}
		out = append(out, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("list skills", err)
	}
	return out, nil
}

// UpdateSkillMeta sets description and version.
func (s *Store) UpdateSkillMeta(id, description, version string) error {
	res, err := s.q.Exec(`UPDATE skills SET description = ?, version = ?, last_modified = ? WHERE id = ?`,
		description, version, nowNs(), id)
	if err != nil {
		return apperr.Store("update skill", err)
	}
	if affected(res) == 0 {
		return apperr.NotFound("update skill", "skill %s not found", id)
	}
	return nil
}

// DeleteSkill removes a skill. Files, deployments, backups, and events cascade.
func (s *Store) DeleteSkill(id string) error {
	res, err := s.q.Exec(`DELETE FROM skills WHERE id = ?`, id)
	if err != nil {
		return apperr.Store("delete skill", err)
	}
	if affected(res) == 0 {
		return apperr.NotFound("delete skill", "skill %s not found", id)
	}
	return nil
}

// SetSkillChecksum records the fingerprint of the skill's stored files.
func (s *Store) SetSkillChecksum(id, sum string) error {
	res, err := s.q.Exec(`UPDATE skills SET checksum = ?, last_modified = ? WHERE id = ?`,
		nullString(sum), nowNs(), id)
	if err != nil {
		return apperr.Store("set skill checksum", err)
	}
	if affected(res) == 0 {
		return apperr.NotFound("set skill checksum", "skill %s not found", id)
	}
	return nil
}

// RefreshSkillChecksum recomputes the fingerprint from stored content and saves it.
func (s *Store) RefreshSkillChecksum(id string) (string, error) {
	sum, err := checksum.Store(s, id)
	if err != nil {
		return "", err
	}
	if err := s.SetSkillChecksum(id, sum); err != nil {
		return "", err
	}
	return sum, nil
}

// BeginPendingEpisode moves a clean skill into the pending-change state.
//
// When the skill is clean, a backup of its current files is taken with
// reason ReasonExternalEdit and the markers are set, all in one transaction;
// started is true. When the skill is already pending, nothing is written and
// the existing backup ID is returned with started false.
func (s *Store) BeginPendingEpisode(skillID, triggerDeploymentID string) (backupID string, started bool, err error) {
	err = s.WithTx(func(tx *Store) error {
		sk, err := tx.GetSkill(skillID)
		if err != nil {
			return err
		}
		if sk.Pending() {
			backupID = sk.PendingBackupID
			return nil
		}

		b, err := tx.CreateBackup(skillID, ReasonExternalEdit)
		if err != nil {
			return err
		}
		if _, err := tx.q.Exec(`
			UPDATE skills
			SET watcher_pending_since = ?, watcher_backup_id = ?, watcher_trigger_deployment_id = ?
			WHERE id = ?`,
			nowNs(), b.ID, nullString(triggerDeploymentID), skillID,
		); err != nil {
			return apperr.Store("mark pending", err)
		}
		backupID, started = b.ID, true
		return nil
	})
	return backupID, started, err
}

// ClearPending resets the pending-change markers.
func (s *Store) ClearPending(skillID string) error {
	res, err := s.q.Exec(`
		UPDATE skills
		SET watcher_pending_since = NULL, watcher_backup_id = NULL, watcher_trigger_deployment_id = NULL
		WHERE id = ?`, skillID)
	if err != nil {
		return apperr.Store("clear pending", err)
	}
	if affected(res) == 0 {
		return apperr.NotFound("clear pending", "skill %s not found", skillID)
	}
	return nil
}

// ListPendingSkills returns skills with an unresolved external edit.
func (s *Store) ListPendingSkills() ([]*Skill, error) {
	rows, err := s.q.Query(`SELECT ` + skillColumns + ` FROM skills
		WHERE watcher_pending_since IS NOT NULL ORDER BY watcher_pending_since`)
	if err != nil {
		return nil, apperr.Store("list pending skills", err)
	}
	defer rows.Close()

	var out []*Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, apperr.Store("scan skill", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
