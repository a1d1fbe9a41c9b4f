// Package registry materializes skills into tool directories and tracks each
// materialization as a deployment row.
package registry

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/checksum"
	"skillsyncd/internal/fswalk"
	"skillsyncd/internal/store"
	"skillsyncd/internal/tools"
)

// Suppressor lets the registry mark paths it is about to rewrite so a
// filesystem watcher does not mistake them for external edits. The returned
// func ends the suppression.
type Suppressor interface {
	Suppress(path string) (release func())
}

// Target names where a skill should be deployed.
type Target struct {
	// ProjectID is "" for a global deployment.
	ProjectID string
	Tool      string
}

// Conflict statuses reported by Deploy.
const (
	ConflictExistsSame      = "exists_same"
	ConflictExistsDifferent = "exists_different"
)

// Conflict describes a target directory that already existed.
type Conflict struct {
	Status           string
	ExistingChecksum string
	StoreChecksum    string
}

// DeployResult is the outcome of Deploy. Deployment is nil when the target
// held different content and force was not set.
type DeployResult struct {
	Deployment  *store.Deployment
	FilesCopied int
	Checksum    string
	Path        string
	Conflict    *Conflict
}

// SyncResult is the outcome of re-exporting one deployment.
type SyncResult struct {
	DeploymentID string
	Path         string
	FilesCopied  int
	OldChecksum  string
	NewChecksum  string
}

// Options configures a Registry.
type Options struct {
	// GlobalRoot replaces the home directory for global deployments.
	GlobalRoot string
	Tools      *tools.Registry
	Walk       fswalk.Options
	Logger     *slog.Logger
}

// Registry performs deploy, sync, and remove against the store.
type Registry struct {
	store      *store.Store
	tools      *tools.Registry
	globalRoot string
	walk       fswalk.Options
	logger     *slog.Logger

	mu         sync.RWMutex
	suppressor Suppressor
}

// New creates a Registry.
func New(st *store.Store, opts Options) *Registry {
	if opts.Tools == nil {
		opts.Tools = tools.Default()
	}
	if opts.GlobalRoot == "" {
		if home, err := os.UserHomeDir(); err == nil {
			opts.GlobalRoot = home
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:      st,
		tools:      opts.Tools,
		globalRoot: opts.GlobalRoot,
		walk:       opts.Walk,
		logger:     logger.With("component", "registry"),
	}
}

// Store returns the backing store.
func (r *Registry) Store() *store.Store {
	return r.store
}

// GlobalRoot returns the base directory of global deployments.
func (r *Registry) GlobalRoot() string {
	return r.globalRoot
}

// Tools returns the tool table.
func (r *Registry) Tools() *tools.Registry {
	return r.tools
}

// SetSuppressor installs the watcher hook. nil removes it.
func (r *Registry) SetSuppressor(s Suppressor) {
	r.mu.Lock()
	r.suppressor = s
	r.mu.Unlock()
}

func (r *Registry) suppress(path string) func() {
	r.mu.RLock()
	s := r.suppressor
	r.mu.RUnlock()
	if s == nil {
		return func() {}
	}
	return s.Suppress(path)
}

// ValidateSkillName rejects names that cannot be a single directory segment.
func ValidateSkillName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.Validation("validate skill name", "skill name is empty")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return apperr.Validation("validate skill name", "skill name %q is not a valid directory name", name)
	}
	return nil
}

// Resolve computes the absolute deployment path of a skill for a target.
func (r *Registry) Resolve(skillName string, t Target) (string, error) {
	if err := ValidateSkillName(skillName); err != nil {
		return "", err
	}
	tool, ok := r.tools.Get(t.Tool)
	if !ok {
		return "", apperr.Validation("resolve target", "unsupported tool %q", t.Tool)
	}

	var root, sub string
	if t.ProjectID == "" {
		if r.globalRoot == "" {
			return "", apperr.Validation("resolve target", "no global root configured")
		}
		root, sub = r.globalRoot, tool.GlobalDir
	} else {
		p, err := r.store.GetProject(t.ProjectID)
		if err != nil {
			return "", err
		}
		root, sub = p.Path, tool.ProjectDir
	}

	dest := filepath.Join(root, filepath.FromSlash(sub), skillName)
	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", apperr.Validation("resolve target", "path %s escapes %s", dest, root)
	}
	return dest, nil
}

// Deploy exports a skill to a target and records the deployment.
//
// If the target directory exists with the same fingerprint as the stored
// content, nothing is copied and the row is upserted (exists_same). If it
// holds different content, nothing is touched and no row is written
// (exists_different) unless force is set, in which case the directory is
// replaced.
func (r *Registry) Deploy(skillID string, t Target, force bool) (*DeployResult, error) {
	sk, err := r.store.GetSkill(skillID)
	if err != nil {
		return nil, err
	}
	dest, err := r.Resolve(sk.Name, t)
	if err != nil {
		return nil, err
	}

	storeSum, err := checksum.Store(r.store, skillID)
	if err != nil {
		return nil, err
	}
	if storeSum == "" {
		return nil, apperr.Validation("deploy", "skill %s has no stored files; re-import it before deploying", sk.Name)
	}

	result := &DeployResult{Path: dest}

	if _, statErr := os.Stat(dest); statErr == nil {
		existing, err := checksum.Dir(dest, r.walk)
		if err != nil {
			existing = ""
		}
		if existing == storeSum {
			d := &store.Deployment{
				SkillID:   skillID,
				ProjectID: t.ProjectID,
				Tool:      t.Tool,
				Path:      dest,
				Checksum:  existing,
				Status:    store.StatusSynced,
			}
			if err := r.store.UpsertDeployment(d); err != nil {
				return nil, err
			}
			r.logger.Info("target already up to date", "skill", sk.Name, "path", dest)
			result.Deployment = d
			result.Checksum = existing
			result.Conflict = &Conflict{Status: ConflictExistsSame, ExistingChecksum: existing, StoreChecksum: storeSum}
			return result, nil
		}
		if !force {
			r.logger.Info("target holds different content", "skill", sk.Name, "path", dest)
			result.Conflict = &Conflict{Status: ConflictExistsDifferent, ExistingChecksum: existing, StoreChecksum: storeSum}
			return result, nil
		}
		r.logger.Info("overwriting target", "skill", sk.Name, "path", dest)
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, apperr.IO("deploy", statErr)
	}

	n, sum, err := r.materialize(skillID, dest)
	if err != nil {
		return nil, err
	}

	d := &store.Deployment{
		SkillID:   skillID,
		ProjectID: t.ProjectID,
		Tool:      t.Tool,
		Path:      dest,
		Checksum:  sum,
		Status:    store.StatusSynced,
	}
	if err := r.store.UpsertDeployment(d); err != nil {
		return nil, err
	}
	r.record(&store.SyncHistory{SkillID: skillID, DeploymentID: d.ID, Action: store.ActionDeploy, ToChecksum: sum})
	r.logger.Info("deployed skill", "skill", sk.Name, "tool", t.Tool, "path", dest, "files", n)

	result.Deployment = d
	result.FilesCopied = n
	result.Checksum = sum
	return result, nil
}

// materialize exports the skill into a hidden sibling of dest, fingerprints
// it, and only then swaps it into place. dest is never left empty or half
// written, and a failed export leaves it untouched. The watcher is told to
// ignore dest for the duration.
func (r *Registry) materialize(skillID, dest string) (int, string, error) {
	release := r.suppress(dest)
	defer release()

	parent, name := filepath.Dir(dest), filepath.Base(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return 0, "", apperr.IO("materialize", err)
	}
	stage := scratchPath(parent, name, "stage")
	defer store.ClearDir(stage)

	n, err := r.store.ExportToDir(skillID, stage)
	if err != nil {
		return 0, "", err
	}
	sum, err := checksum.Dir(stage, r.walk)
	if err != nil {
		return 0, "", err
	}
	if err := replaceDir(stage, dest); err != nil {
		return 0, "", err
	}
	return n, sum, nil
}

// scratchPath names a dot-prefixed sibling of a deployment directory. Walks
// and the watcher never look inside dot entries.
func scratchPath(parent, name, kind string) string {
	return filepath.Join(parent, "."+name+".skillsyncd-"+kind+"-"+uuid.NewString()[:8])
}

// replaceDir moves stage to dest. An existing dest is first renamed aside,
// so dest is absent only between two renames, then deleted.
func replaceDir(stage, dest string) error {
	old := ""
	if _, err := os.Lstat(dest); err == nil {
		old = scratchPath(filepath.Dir(dest), filepath.Base(dest), "old")
		if err := os.Rename(dest, old); err != nil {
			return apperr.IO("replace dir", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return apperr.IO("replace dir", err)
	}
	if err := os.Rename(stage, dest); err != nil {
		if old != "" {
			os.Rename(old, dest)
		}
		return apperr.IO("replace dir", err)
	}
	if old != "" {
		return store.ClearDir(old)
	}
	return nil
}

// Sync re-exports the skill's current content to a deployment. It always
// overwrites whatever is on disk.
func (r *Registry) Sync(deploymentID string) (*SyncResult, error) {
	d, err := r.store.GetDeployment(deploymentID)
	if err != nil {
		return nil, err
	}

	n, sum, err := r.materialize(d.SkillID, d.Path)
	if err != nil {
		return nil, err
	}
	if err := r.store.UpdateDeploymentSync(d.ID, sum, store.StatusSynced); err != nil {
		return nil, err
	}
	r.record(&store.SyncHistory{
		SkillID:      d.SkillID,
		DeploymentID: d.ID,
		Action:       store.ActionSync,
		FromChecksum: d.Checksum,
		ToChecksum:   sum,
	})
	r.logger.Debug("synced deployment", "deployment", d.ID, "path", d.Path, "files", n)

	return &SyncResult{
		DeploymentID: d.ID,
		Path:         d.Path,
		FilesCopied:  n,
		OldChecksum:  d.Checksum,
		NewChecksum:  sum,
	}, nil
}

// SyncAll syncs every deployment of a skill except those listed in skip.
// A failing deployment is logged and the rest still run; the failures are
// returned joined.
func (r *Registry) SyncAll(skillID string, skip ...string) ([]*SyncResult, error) {
	deps, err := r.store.ListSkillDeployments(skillID)
	if err != nil {
		return nil, err
	}

	skipped := make(map[string]bool, len(skip))
	for _, id := range skip {
		skipped[id] = true
	}

	var results []*SyncResult
	var errs []error
	for _, d := range deps {
		if skipped[d.ID] {
			continue
		}
		res, err := r.Sync(d.ID)
		if err != nil {
			r.logger.Warn("sync failed", "deployment", d.ID, "path", d.Path, "error", err)
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Remove moves the deployment directory aside, deletes the row, and then
// deletes the directory. A directory that cannot be moved or removed is
// logged and the row is still deleted.
func (r *Registry) Remove(deploymentID string) error {
	d, err := r.store.GetDeployment(deploymentID)
	if err != nil {
		return err
	}

	release := r.suppress(d.Path)
	defer release()

	gone := d.Path
	if _, err := os.Lstat(d.Path); err == nil {
		tomb := scratchPath(filepath.Dir(d.Path), filepath.Base(d.Path), "old")
		if err := os.Rename(d.Path, tomb); err != nil {
			r.logger.Warn("could not move deployment directory aside", "path", d.Path, "error", err)
		} else {
			gone = tomb
		}
	}

	if err := r.store.DeleteDeployment(d.ID); err != nil {
		return err
	}
	if err := store.ClearDir(gone); err != nil {
		r.logger.Warn("could not remove deployment directory", "path", d.Path, "error", err)
	}
	r.logger.Info("removed deployment", "deployment", d.ID, "path", d.Path)
	return nil
}

func (r *Registry) record(h *store.SyncHistory) {
	if err := r.store.InsertSyncHistory(h); err != nil {
		r.logger.Warn("could not record sync history", "skill", h.SkillID, "action", h.Action, "error", err)
	}
}
