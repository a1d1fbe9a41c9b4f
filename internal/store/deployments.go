package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"skillsyncd/internal/apperr"
)

// AddProject registers a project root. path must be absolute.
func (s *Store) AddProject(name, path string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("add project", "project name is empty")
	}
	if !filepath.IsAbs(path) {
		return nil, apperr.Validation("add project", "project path %q must be absolute", path)
	}
	p := &Project{ID: newID(), Name: name, Path: filepath.Clean(path), CreatedAt: time.Now()}

	_, err := s.q.Exec(`INSERT INTO projects (id, name, path, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Validation("add project", "project path %s is already registered", p.Path)
		}
		return nil, apperr.Store("add project", err)
	}
	return p, nil
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var created int64
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(0, created)
	return &p, nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*Project, error) {
	p, err := scanProject(s.q.QueryRow(`SELECT id, name, path, created_at FROM projects WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("get project", "project %s not found", id)
		}
		return nil, apperr.Store("get project", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects() ([]*Project, error) {
	rows, err := s.q.Query(`SELECT id, name, path, created_at FROM projects ORDER BY name, path`)
	if err != nil {
		return nil, apperr.Store("list projects", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, apperr.Store("scan project", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RemoveProject deletes a project and, by cascade, its deployment rows.
// On-disk directories are left alone.
func (s *Store) RemoveProject(id string) error {
	res, err := s.q.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return apperr.Store("remove project", err)
	}
	if affected(res) == 0 {
		return apperr.NotFound("remove project", "project %s not found", id)
	}
	return nil
}

const deploymentColumns = `d.id, d.skill_id, s.name, d.project_id, d.tool, d.path, d.checksum,
	d.status, d.last_synced, d.created_at`

const deploymentFrom = ` FROM deployments d JOIN skills s ON s.id = d.skill_id`

func scanDeployment(row rowScanner) (*Deployment, error) {
	var d Deployment
	var projectID, sum sql.NullString
	var lastSynced sql.NullInt64
	var created int64
	var status string

	if err := row.Scan(&d.ID, &d.SkillID, &d.SkillName, &projectID, &d.Tool, &d.Path, &sum,
		&status, &lastSynced, &created); err != nil {
		return nil, err
	}
	d.ProjectID = projectID.String
	d.Checksum = sum.String
	d.Status = DeploymentStatus(status)
	d.LastSynced = timePtr(lastSynced)
	d.CreatedAt = time.Unix(0, created)
	return &d, nil
}

// UpsertDeployment inserts or updates the deployment keyed by
// (skill, scope, tool). On update the existing ID is kept and written back
// into d. A path already owned by another deployment is a Validation error.
func (s *Store) UpsertDeployment(d *Deployment) error {
	if d.SkillID == "" || d.Tool == "" {
		return apperr.Validation("upsert deployment", "skill and tool are required")
	}
	if !filepath.IsAbs(d.Path) {
		return apperr.Validation("upsert deployment", "deployment path %q must be absolute", d.Path)
	}
	if d.Status == "" {
		d.Status = StatusSynced
	}
	if !d.Status.Valid() {
		return apperr.Validation("upsert deployment", "unknown status %q", d.Status)
	}

	return s.WithTx(func(tx *Store) error {
		var owner string
		err := tx.q.QueryRow(`SELECT id FROM deployments WHERE path = ? AND NOT (skill_id = ? AND scope = ? AND tool = ?)`,
			d.Path, d.SkillID, d.Scope(), d.Tool).Scan(&owner)
		if err == nil {
			return apperr.Validation("upsert deployment", "path %s is already used by deployment %s", d.Path, owner)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return apperr.Store("upsert deployment", err)
		}

		now := time.Now()
		if d.Status == StatusSynced {
			d.LastSynced = &now
		}

		var existing string
		err = tx.q.QueryRow(`SELECT id FROM deployments WHERE skill_id = ? AND scope = ? AND tool = ?`,
			d.SkillID, d.Scope(), d.Tool).Scan(&existing)
		switch {
		case err == nil:
			if _, err := tx.q.Exec(`
				UPDATE deployments
				SET path = ?, checksum = ?, status = ?, last_synced = COALESCE(?, last_synced)
				WHERE id = ?`,
				d.Path, nullString(d.Checksum), string(d.Status), nullTime(d.LastSynced), existing,
			); err != nil {
				return apperr.Store("update deployment", err)
			}
		case errors.Is(err, sql.ErrNoRows):
			if d.ID == "" {
				d.ID = newID()
			}
			if _, err := tx.q.Exec(`
				INSERT INTO deployments (id, skill_id, project_id, scope, tool, path, checksum, status, last_synced, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				d.ID, d.SkillID, nullString(d.ProjectID), d.Scope(), d.Tool, d.Path, nullString(d.Checksum),
				string(d.Status), nullTime(d.LastSynced), now.UnixNano(),
			); err != nil {
				return apperr.Store("insert deployment", err)
			}
		default:
			return apperr.Store("upsert deployment", err)
		}

		stored, err := scanDeployment(tx.q.QueryRow(`SELECT `+deploymentColumns+deploymentFrom+`
			WHERE d.skill_id = ? AND d.scope = ? AND d.tool = ?`, d.SkillID, d.Scope(), d.Tool))
		if err != nil {
			return apperr.Store("reload deployment", err)
		}
		*d = *stored
		return nil
	})
}

// GetDeployment retrieves a deployment by ID.
func (s *Store) GetDeployment(id string) (*Deployment, error) {
	d, err := scanDeployment(s.q.QueryRow(`SELECT `+deploymentColumns+deploymentFrom+` WHERE d.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("get deployment", "deployment %s not found", id)
		}
		return nil, apperr.Store("get deployment", err)
	}
	return d, nil
}

// FindDeployment looks up the deployment of a skill for a scope and tool.
func (s *Store) FindDeployment(skillID, projectID, tool string) (*Deployment, error) {
	scope := projectID
	if scope == "" {
		scope = GlobalScope
	}
	d, err := scanDeployment(s.q.QueryRow(`SELECT `+deploymentColumns+deploymentFrom+`
		WHERE d.skill_id = ? AND d.scope = ? AND d.tool = ?`, skillID, scope, tool))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("find deployment", "no %s deployment of skill %s in %s", tool, skillID, scope)
		}
		return nil, apperr.Store("find deployment", err)
	}
	return d, nil
}

// ListDeployments returns every deployment ordered by path.
func (s *Store) ListDeployments() ([]*Deployment, error) {
	return s.queryDeployments(`SELECT ` + deploymentColumns + deploymentFrom + ` ORDER BY d.path`)
}

// ListSkillDeployments returns the deployments of one skill.
func (s *Store) ListSkillDeployments(skillID string) ([]*Deployment, error) {
	return s.queryDeployments(`SELECT `+deploymentColumns+deploymentFrom+` WHERE d.skill_id = ? ORDER BY d.path`, skillID)
}

func (s *Store) queryDeployments(query string, args ...any) ([]*Deployment, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, apperr.Store("list deployments", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, apperr.Store("scan deployment", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("list deployments", err)
	}
	return out, nil
}

// UpdateDeploymentSync records an observed checksum and status. Moving to
// synced also stamps last_synced.
func (s *Store) UpdateDeploymentSync(id, sum string, status DeploymentStatus) error {
	if !status.Valid() {
		return apperr.Validation("update deployment", "unknown status %q", status)
	}
	var res sql.Result
	var err error
	if status == StatusSynced {
		res, err = s.q.Exec(`UPDATE deployments SET checksum = ?, status = ?, last_synced = ? WHERE id = ?`,
			nullString(sum), string(status), nowNs(), id)
	} else {
		res, err = s.q.Exec(`UPDATE deployments SET checksum = ?, status = ? WHERE id = ?`,
			nullString(sum), string(status), id)
	}
	if err != nil {
		return apperr.Store("update deployment", err)
	}
	if affected(res) == 0 {
		return apperr.NotFound("update deployment", "deployment %s not found", id)
	}
	return nil
}

// DeleteDeployment removes the registry row only.
func (s *Store) DeleteDeployment(id string) error {
	res, err := s.q.Exec(`DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return apperr.Store("delete deployment", err)
	}
	if affected(res) == 0 {
		return apperr.NotFound("delete deployment", "deployment %s not found", id)
	}
	return nil
}

// SetDeploymentStatus records a classification without stamping last_synced.
func (s *Store) SetDeploymentStatus(id string, status DeploymentStatus, sum string) error {
	if !status.Valid() {
		return apperr.Validation("set deployment status", "unknown status %q", status)
	}
	res, err := s.q.Exec(`UPDATE deployments SET status = ?, checksum = ? WHERE id = ?`,
		string(status), nullString(sum), id)
	if err != nil {
		return apperr.Store("set deployment status", err)
	}
	if affected(res) == 0 {
		return apperr.NotFound("set deployment status", "deployment %s not found", id)
	}
	return nil
}
