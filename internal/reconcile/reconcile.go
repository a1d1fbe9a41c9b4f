// Package reconcile compares recorded deployments against the filesystem and
// records what drifted.
package reconcile

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"skillsyncd/internal/checksum"
	"skillsyncd/internal/fswalk"
	"skillsyncd/internal/store"
	"skillsyncd/internal/tools"
)

// Detail is the classification of one deployment.
type Detail struct {
	DeploymentID   string
	SkillID        string
	SkillName      string
	Tool           string
	Path           string
	Status         store.DeploymentStatus
	LibChecksum    string
	DeployChecksum string
}

// ConsistencyReport summarizes CheckConsistency.
type ConsistencyReport struct {
	Total    int
	Synced   int
	Diverged int
	Missing  int
	Failed   int
	Details  []Detail
}

// Report summarizes ReconcileAll.
type Report struct {
	Checked          int
	Synced           int
	MissingDetected  int
	DivergedDetected int
	UntrackedFound   int
	EventsCreated    int
	Failed           int
}

// Options configures an Engine.
type Options struct {
	Tools *tools.Registry
	// Workers bounds concurrent directory fingerprinting. 0 uses GOMAXPROCS.
	Workers int
	Walk    fswalk.Options
	Logger  *slog.Logger
}

// Engine runs consistency passes.
type Engine struct {
	store  *store.Store
	tools  *tools.Registry
	pool   *checksum.Pool
	walk   fswalk.Options
	logger *slog.Logger
}

// New creates an Engine.
func New(st *store.Store, opts Options) *Engine {
	if opts.Tools == nil {
		opts.Tools = tools.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		tools:  opts.Tools,
		pool:   checksum.NewPool(opts.Workers, opts.Walk),
		walk:   opts.Walk,
		logger: logger.With("component", "reconcile"),
	}
}

// classify fingerprints every deployment on the pool and compares each
// against its skill's stored content. A deployment whose directory or skill
// content cannot be read is logged and returned with an empty Status.
func (e *Engine) classify(deps []*store.Deployment) []Detail {
	paths := make([]string, len(deps))
	for i, d := range deps {
		paths[i] = d.Path
	}
	results := e.pool.Dirs(paths)

	// Stored fingerprints are computed once per skill per pass.
	libSums := make(map[string]string)
	libErrs := make(map[string]error)
	libSum := func(skillID string) (string, error) {
		if sum, ok := libSums[skillID]; ok {
			return sum, nil
		}
		if err, ok := libErrs[skillID]; ok {
			return "", err
		}
		sum, err := checksum.Store(e.store, skillID)
		if err != nil {
			libErrs[skillID] = err
			return "", err
		}
		libSums[skillID] = sum
		return sum, nil
	}

	details := make([]Detail, len(deps))
	for i, d := range deps {
		det := Detail{
			DeploymentID: d.ID,
			SkillID:      d.SkillID,
			SkillName:    d.SkillName,
			Tool:         d.Tool,
			Path:         d.Path,
		}

		lib, err := libSum(d.SkillID)
		if err != nil {
			e.logger.Warn("could not fingerprint stored skill", "skill", d.SkillName, "error", err)
			details[i] = det
			continue
		}
		det.LibChecksum = lib

		res := results[i]
		switch {
		case errors.Is(res.Err, fs.ErrNotExist):
			det.Status = store.StatusMissing
		case res.Err != nil:
			e.logger.Warn("could not fingerprint deployment", "deployment", d.ID, "path", d.Path, "error", res.Err)
		case res.Checksum != lib:
			det.DeployChecksum = res.Checksum
			det.Status = store.StatusDiverged
		default:
			det.DeployChecksum = res.Checksum
			det.Status = store.StatusSynced
		}
		details[i] = det
	}
	return details
}

// persistStatus writes a classification. Missing and diverged keep the last
// recorded checksum so later events can report what was expected.
func persistStatus(tx *store.Store, d *store.Deployment, det Detail) error {
	sum := d.Checksum
	if det.Status == store.StatusSynced {
		sum = det.DeployChecksum
	}
	return tx.SetDeploymentStatus(d.ID, det.Status, sum)
}

// CheckConsistency classifies every deployment and persists the statuses in
// one transaction.
func (e *Engine) CheckConsistency() (*ConsistencyReport, error) {
	deps, err := e.store.ListDeployments()
	if err != nil {
		return nil, err
	}

	details := e.classify(deps)
	report := &ConsistencyReport{Total: len(deps), Details: details}

	err = e.store.WithTx(func(tx *store.Store) error {
		for i, det := range details {
			switch det.Status {
			case store.StatusSynced:
				report.Synced++
			case store.StatusDiverged:
				report.Diverged++
			case store.StatusMissing:
				report.Missing++
			default:
				report.Failed++
				continue
			}
			if err := persistStatus(tx, deps[i], det); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("consistency check complete",
		"total", report.Total, "synced", report.Synced, "diverged", report.Diverged,
		"missing", report.Missing, "failed", report.Failed)
	return report, nil
}

// ReconcileAll classifies every deployment, records missing and diverged
// deployments as change events, and reports skill directories under
// registered projects that no deployment tracks. All writes happen in one
// transaction. An event is not repeated while an identical one is still
// pending.
func (e *Engine) ReconcileAll() (*Report, error) {
	deps, err := e.store.ListDeployments()
	if err != nil {
		return nil, err
	}

	details := e.classify(deps)
	untracked, err := e.scanUntracked(deps)
	if err != nil {
		return nil, err
	}

	report := &Report{Checked: len(deps), UntrackedFound: len(untracked)}
	var events []*store.ChangeEvent

	for i, det := range details {
		d := deps[i]
		switch det.Status {
		case store.StatusSynced:
			report.Synced++
		case store.StatusMissing:
			report.MissingDetected++
			e.logger.Info("deployment missing", "deployment", d.ID, "path", d.Path)
			events = append(events, &store.ChangeEvent{
				DeploymentID: d.ID,
				SkillID:      d.SkillID,
				SubjectRef:   d.ID,
				Source:       store.SourceReconcile,
				Type:         store.EventDeleted,
				Path:         d.Path,
				OldChecksum:  d.Checksum,
			})
		case store.StatusDiverged:
			report.DivergedDetected++
			e.logger.Info("deployment diverged", "deployment", d.ID, "path", d.Path,
				"recorded", d.Checksum, "disk", det.DeployChecksum)
			events = append(events, &store.ChangeEvent{
				DeploymentID: d.ID,
				SkillID:      d.SkillID,
				SubjectRef:   d.ID,
				Source:       store.SourceReconcile,
				Type:         store.EventModified,
				Path:         d.Path,
				OldChecksum:  d.Checksum,
				NewChecksum:  det.DeployChecksum,
			})
		default:
			report.Failed++
		}
	}
	events = append(events, untracked...)

	err = e.store.WithTx(func(tx *store.Store) error {
		for i, det := range details {
			if det.Status == "" {
				continue
			}
			if err := persistStatus(tx, deps[i], det); err != nil {
				return err
			}
		}
		for _, ev := range events {
			dup, err := tx.HasPendingEvent(ev.SubjectRef, ev.Type)
			if err != nil {
				return err
			}
			if dup {
				continue
			}
			if err := tx.InsertChangeEvent(ev); err != nil {
				return err
			}
			report.EventsCreated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("reconciliation complete",
		"checked", report.Checked, "missing", report.MissingDetected, "diverged", report.DivergedDetected,
		"untracked", report.UntrackedFound, "events", report.EventsCreated, "failed", report.Failed)
	return report, nil
}

// Untracked is a skill directory under a tool skills directory that no
// deployment records.
type Untracked struct {
	// ProjectID is "" for a directory under the global root.
	ProjectID   string
	ProjectName string
	Tool        string
	Name        string
	Path        string
}

// Ref is the change-event subject for the directory.
func (u Untracked) Ref() string {
	scope := u.ProjectID
	if scope == "" {
		scope = "global"
	}
	return scope + ":" + u.Tool + ":" + u.Name
}

// FindUntracked lists skill directories under the tool directories of the
// given projects, and of globalRoot when it is not "", that are not a
// recorded deployment path. Dot-directories are never candidates.
func (e *Engine) FindUntracked(projects []*store.Project, globalRoot string) ([]Untracked, error) {
	deps, err := e.store.ListDeployments()
	if err != nil {
		return nil, err
	}
	return e.findUntracked(deps, projects, globalRoot), nil
}

func (e *Engine) findUntracked(deps []*store.Deployment, projects []*store.Project, globalRoot string) []Untracked {
	tracked := make(map[string]bool, len(deps))
	for _, d := range deps {
		tracked[filepath.Clean(d.Path)] = true
	}

	var out []Untracked
	scan := func(root string, dirs []tools.ToolDir, proj *store.Project) {
		for _, td := range dirs {
			base := filepath.Join(root, filepath.FromSlash(td.Dir))
			entries, err := os.ReadDir(base)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					e.logger.Warn("could not scan tool directory", "path", base, "error", err)
				}
				continue
			}
			for _, ent := range entries {
				name := ent.Name()
				if !ent.IsDir() || strings.HasPrefix(name, ".") {
					continue
				}
				dir := filepath.Join(base, name)
				if tracked[dir] {
					continue
				}
				u := Untracked{Tool: td.ToolID, Name: name, Path: dir}
				if proj != nil {
					u.ProjectID, u.ProjectName = proj.ID, proj.Name
				}
				out = append(out, u)
			}
		}
	}

	for _, p := range projects {
		scan(p.Path, e.tools.ProjectDirs(), p)
	}
	if globalRoot != "" {
		scan(globalRoot, e.tools.GlobalDirs(), nil)
	}
	return out
}

// scanUntracked turns the untracked directories under registered projects
// into change events.
func (e *Engine) scanUntracked(deps []*store.Deployment) ([]*store.ChangeEvent, error) {
	projects, err := e.store.ListProjects()
	if err != nil {
		return nil, err
	}

	var events []*store.ChangeEvent
	for _, u := range e.findUntracked(deps, projects, "") {
		ev := &store.ChangeEvent{
			SubjectRef: u.Ref(),
			Source:     store.SourceReconcile,
			Type:       store.EventCreated,
			Path:       u.Path,
		}
		if sum, err := checksum.Dir(u.Path, e.walk); err == nil {
			ev.NewChecksum = sum
		}
		if sk, err := e.store.GetSkillByName(u.Name); err == nil {
			ev.SkillID = sk.ID
		}
		e.logger.Info("untracked skill directory", "project", u.ProjectName, "tool", u.Tool, "path", u.Path)
		events = append(events, ev)
	}
	return events, nil
}
