package store

import (
	"database/sql"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/checksum"
	"skillsyncd/internal/fswalk"
)

// CleanRelPath normalizes a slash-separated path relative to a skill root and
// rejects anything that would escape it.
func CleanRelPath(rel string) (string, error) {
	rel = strings.TrimSpace(filepath.ToSlash(rel))
	if rel == "" {
		return "", apperr.Validation("clean path", "relative path is empty")
	}
	if path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", apperr.Validation("clean path", "path %q must be relative", rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", apperr.Validation("clean path", "path %q escapes the skill root", rel)
	}
	return clean, nil
}

func (s *Store) requireSkill(op, skillID string) error {
	if strings.TrimSpace(skillID) == "" {
		return apperr.Validation(op, "skill id is empty")
	}
	var one int
	err := s.q.QueryRow(`SELECT 1 FROM skills WHERE id = ?`, skillID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(op, "skill %s not found", skillID)
	}
	if err != nil {
		return apperr.Store(op, err)
	}
	return nil
}

// ReadFile returns the stored bytes of one file.
func (s *Store) ReadFile(skillID, rel string) ([]byte, error) {
	rel, err := CleanRelPath(rel)
	if err != nil {
		return nil, err
	}
	var content []byte
	err = s.q.QueryRow(`SELECT content FROM skill_files WHERE skill_id = ? AND relative_path = ?`,
		skillID, rel).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("read file", "file %s not found in skill %s", rel, skillID)
		}
		return nil, apperr.Store("read file", err)
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}

// WriteFile upserts one file. An existing (skill, path) row is overwritten.
func (s *Store) WriteFile(skillID, rel string, content []byte) error {
	rel, err := CleanRelPath(rel)
	if err != nil {
		return err
	}
	if err := s.requireSkill("write file", skillID); err != nil {
		return err
	}
	return s.upsertFile(skillID, rel, content)
}

func (s *Store) upsertFile(skillID, rel string, content []byte) error {
	if content == nil {
		content = []byte{}
	}
	now := nowNs()
	if _, err := s.q.Exec(`
		INSERT INTO skill_files (skill_id, relative_path, content, size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (skill_id, relative_path)
		DO UPDATE SET content = excluded.content, size = excluded.size, updated_at = excluded.updated_at`,
		skillID, rel, content, len(content), now,
	); err != nil {
		return apperr.Store("write file", err)
	}
	if _, err := s.q.Exec(`UPDATE skills SET last_modified = ? WHERE id = ?`, now, skillID); err != nil {
		return apperr.Store("touch skill", err)
	}
	return nil
}

// DeleteFile removes one file. Deleting a path that is not stored is NotFound.
func (s *Store) DeleteFile(skillID, rel string) error {
	rel, err := CleanRelPath(rel)
	if err != nil {
		return err
	}
	res, err := s.q.Exec(`DELETE FROM skill_files WHERE skill_id = ? AND relative_path = ?`, skillID, rel)
	if err != nil {
		return apperr.Store("delete file", err)
	}
	if affected(res) == 0 {
		return apperr.NotFound("delete file", "file %s not found in skill %s", rel, skillID)
	}
	if _, err := s.q.Exec(`UPDATE skills SET last_modified = ? WHERE id = ?`, nowNs(), skillID); err != nil {
		return apperr.Store("touch skill", err)
	}
	return nil
}

// DeleteTree removes every file stored under a directory prefix and returns
// how many were removed.
func (s *Store) DeleteTree(skillID, dir string) (int, error) {
	dir, err := CleanRelPath(dir)
	if err != nil {
		return 0, err
	}
	// substr avoids LIKE treating '_' and '%' in names as wildcards.
	prefix := dir + "/"
	res, err := s.q.Exec(`DELETE FROM skill_files WHERE skill_id = ? AND substr(relative_path, 1, ?) = ?`,
		skillID, len(prefix), prefix)
	if err != nil {
		return 0, apperr.Store("delete tree", err)
	}
	return int(affected(res)), nil
}

// ListFiles returns the skill's relative paths in byte-wise order.
func (s *Store) ListFiles(skillID string) ([]string, error) {
	if err := s.requireSkill("list files", skillID); err != nil {
		return nil, err
	}
	rows, err := s.q.Query(`SELECT relative_path FROM skill_files WHERE skill_id = ? ORDER BY relative_path`, skillID)
	if err != nil {
		return nil, apperr.Store("list files", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, apperr.Store("scan file", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("list files", err)
	}
	return out, nil
}

// Files returns every stored (path, content) pair of a skill, sorted by path.
// It satisfies checksum.FileSource.
func (s *Store) Files(skillID string) ([]checksum.Entry, error) {
	return s.loadEntries("load files",
		`SELECT relative_path, content FROM skill_files WHERE skill_id = ? ORDER BY relative_path`, skillID)
}

func (s *Store) loadEntries(op, query string, arg string) ([]checksum.Entry, error) {
	rows, err := s.q.Query(query, arg)
	if err != nil {
		return nil, apperr.Store(op, err)
	}
	defer rows.Close()

	var out []checksum.Entry
	for rows.Next() {
		var e checksum.Entry
		if err := rows.Scan(&e.Path, &e.Content); err != nil {
			return nil, apperr.Store(op, err)
		}
		if e.Content == nil {
			e.Content = []byte{}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(op, err)
	}
	return out, nil
}

// ReplaceFiles swaps the skill's whole file set in one transaction.
func (s *Store) ReplaceFiles(skillID string, files []checksum.Entry) error {
	cleaned := make([]checksum.Entry, 0, len(files))
	for _, f := range files {
		rel, err := CleanRelPath(f.Path)
		if err != nil {
			return err
		}
		cleaned = append(cleaned, checksum.Entry{Path: rel, Content: f.Content})
	}

	return s.WithTx(func(tx *Store) error {
		if err := tx.requireSkill("replace files", skillID); err != nil {
			return err
		}
		if _, err := tx.q.Exec(`DELETE FROM skill_files WHERE skill_id = ?`, skillID); err != nil {
			return apperr.Store("replace files", err)
		}
		for _, f := range cleaned {
			if err := tx.upsertFile(skillID, f.Path, f.Content); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadDir loads every eligible file under dir into memory.
func ReadDir(dir string, opts fswalk.Options) ([]checksum.Entry, error) {
	files, err := fswalk.Files(dir, opts)
	if err != nil {
		return nil, apperr.IO("read dir", err)
	}
	out := make([]checksum.Entry, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.AbsPath)
		if err != nil {
			return nil, apperr.IO("read dir", err)
		}
		out = append(out, checksum.Entry{Path: f.RelPath, Content: data})
	}
	return out, nil
}

// ImportFromDir upserts every regular file under dir, skipping dot-files and
// dot-directories, and returns the number of files stored.
func (s *Store) ImportFromDir(skillID, dir string, opts fswalk.Options) (int, error) {
	if err := s.requireSkill("import", skillID); err != nil {
		return 0, err
	}
	entries, err := ReadDir(dir, opts)
	if err != nil {
		return 0, err
	}

	err = s.WithTx(func(tx *Store) error {
		for _, e := range entries {
			if err := tx.upsertFile(skillID, e.Path, e.Content); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// ExportToDir writes every stored file under dir, creating parents as needed.
// dir is expected to be fresh. A skill with no stored files is a Validation error:
// it was never imported into the store and must be re-imported.
func (s *Store) ExportToDir(skillID, dir string) (int, error) {
	if err := s.requireSkill("export", skillID); err != nil {
		return 0, err
	}
	files, err := s.Files(skillID)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, apperr.Validation("export", "skill %s has no stored files; re-import it before deploying", skillID)
	}
	if err := WriteEntries(dir, files); err != nil {
		return 0, err
	}
	return len(files), nil
}

// WriteEntries materializes files under dir.
func WriteEntries(dir string, files []checksum.Entry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.IO("export", err)
	}
	for _, f := range files {
		rel, err := CleanRelPath(f.Path)
		if err != nil {
			return err
		}
		dest := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return apperr.IO("export", err)
		}
		if err := os.WriteFile(dest, f.Content, 0o644); err != nil {
			return apperr.IO("export", err)
		}
	}
	return nil
}

// ClearDir removes dir and everything in it. A missing dir is not an error.
func ClearDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return apperr.IO("clear dir", err)
	}
	return nil
}
