package store

import (
	"database/sql"
	"errors"
	"time"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/checksum"
)

// CreateBackup snapshots the skill's current files in one transaction.
// A skill with no files still gets an (empty) backup row.
func (s *Store) CreateBackup(skillID, reason string) (*Backup, error) {
	var b *Backup
	err := s.WithTx(func(tx *Store) error {
		if err := tx.requireSkill("create backup", skillID); err != nil {
			return err
		}
		files, err := tx.Files(skillID)
		if err != nil {
			return err
		}

		b = &Backup{
			ID:        newID(),
			SkillID:   skillID,
			Reason:    reason,
			Checksum:  checksum.Fingerprint(files),
			FileCount: len(files),
			CreatedAt: time.Now(),
		}
		if _, err := tx.q.Exec(`
			INSERT INTO backups (id, skill_id, reason, checksum, file_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, b.SkillID, b.Reason, nullString(b.Checksum), b.FileCount, b.CreatedAt.UnixNano(),
		); err != nil {
			return apperr.Store("create backup", err)
		}

		if _, err := tx.q.Exec(`
			INSERT INTO backup_files (backup_id, relative_path, content, size)
			SELECT ?, relative_path, content, size FROM skill_files WHERE skill_id = ?`,
			b.ID, skillID,
		); err != nil {
			return apperr.Store("copy backup files", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanBackup(row rowScanner) (*Backup, error) {
	var b Backup
	var sum sql.NullString
	var created int64
	if err := row.Scan(&b.ID, &b.SkillID, &b.Reason, &sum, &b.FileCount, &created); err != nil {
		return nil, err
	}
	b.Checksum = sum.String
	b.CreatedAt = time.Unix(0, created)
	return &b, nil
}

// GetBackup retrieves backup metadata.
func (s *Store) GetBackup(id string) (*Backup, error) {
	b, err := scanBackup(s.q.QueryRow(`
		SELECT id, skill_id, reason, checksum, file_count, created_at FROM backups WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("get backup", "backup %s not found", id)
		}
		return nil, apperr.Store("get backup", err)
	}
	return b, nil
}

// ListBackups returns a skill's backups, newest first.
func (s *Store) ListBackups(skillID string) ([]*Backup, error) {
	rows, err := s.q.Query(`
		SELECT id, skill_id, reason, checksum, file_count, created_at
		FROM backups WHERE skill_id = ? ORDER BY created_at DESC, rowid DESC`, skillID)
	if err != nil {
		return nil, apperr.Store("list backups", err)
	}
	defer rows.Close()

	var out []*Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, apperr.Store("scan backup", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BackupFiles returns the snapshot's files sorted by path.
func (s *Store) BackupFiles(backupID string) ([]checksum.Entry, error) {
	if _, err := s.GetBackup(backupID); err != nil {
		return nil, err
	}
	return s.loadEntries("load backup files",
		`SELECT relative_path, content FROM backup_files WHERE backup_id = ? ORDER BY relative_path`, backupID)
}
