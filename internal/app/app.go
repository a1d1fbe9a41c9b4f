// Package app wires the store, registry, reconciler, and watcher into the
// service the CLI drives.
package app

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/config"
	"skillsyncd/internal/fswalk"
	"skillsyncd/internal/reconcile"
	"skillsyncd/internal/registry"
	"skillsyncd/internal/store"
	"skillsyncd/internal/tools"
	"skillsyncd/internal/watcher"
)

// App is an open skillsyncd instance.
type App struct {
	Store      *store.Store
	Tools      *tools.Registry
	Registry   *registry.Registry
	Reconciler *reconcile.Engine
	Resolver   *watcher.Resolver

	cfg    *config.Config
	walk   fswalk.Options
	logger *slog.Logger

	mu         sync.Mutex
	watcher    *watcher.Watcher
	watchStore *store.Store
}

// Open opens the store at cfg's storage path and builds every component on
// top of it. A nil logger uses slog.Default().
func Open(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.DatabasePath(), storeOptions(cfg))
	if err != nil {
		return nil, err
	}

	walk := fswalk.Options{Exclude: append([]string{}, cfg.Watch.ExcludePatterns...)}
	tt := tools.Default()
	reg := registry.New(st, registry.Options{
		GlobalRoot: cfg.GlobalRoot(),
		Tools:      tt,
		Walk:       walk,
		Logger:     logger,
	})

	a := &App{
		Store:    st,
		Tools:    tt,
		Registry: reg,
		Reconciler: reconcile.New(st, reconcile.Options{
			Tools:   tt,
			Workers: cfg.Reconcile.Workers,
			Walk:    walk,
			Logger:  logger,
		}),
		Resolver: watcher.NewResolver(reg, logger),
		cfg:      cfg,
		walk:     walk,
		logger:   logger.With("component", "app"),
	}
	a.logger.Debug("opened", "database", st.Path())
	return a, nil
}

func storeOptions(cfg *config.Config) store.Options {
	return store.Options{
		MaxConnections: cfg.Storage.MaxConnections,
		BusyTimeout:    cfg.BusyTimeout(),
	}
}

// Config returns the configuration the app was opened with.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Walk returns the walk options applied to skill directories.
func (a *App) Walk() fswalk.Options {
	return a.walk
}

// Close stops the watcher, if running, and closes the stores.
func (a *App) Close() error {
	werr := a.StopWatcher()
	return errors.Join(werr, a.Store.Close())
}

// StartWatcher starts monitoring every recorded deployment on a dedicated
// store handle. Registry writes made through a are suppressed from then on.
func (a *App) StartWatcher() (*watcher.Watcher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.watcher != nil {
		return nil, apperr.Validation("start watcher", "watcher is already running")
	}

	ws, err := store.Open(a.cfg.DatabasePath(), storeOptions(a.cfg))
	if err != nil {
		return nil, err
	}
	h := watcher.NewHandler(ws, a.walk, a.logger)
	h.RemoveSettle = a.cfg.RemoveSettle()
	w, err := watcher.New(h, watcher.Options{
		QueueSize:     a.cfg.Watch.QueueSize,
		PollTimeout:   a.cfg.PollTimeout(),
		SuppressGrace: a.cfg.SuppressGrace(),
		Walk:          a.walk,
		Logger:        a.logger,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}

	roots, err := a.deploymentRoots()
	if err != nil {
		w.Stop()
		ws.Close()
		return nil, err
	}

	a.Registry.SetSuppressor(w)
	if err := w.Start(roots); err != nil {
		a.Registry.SetSuppressor(nil)
		w.Stop()
		ws.Close()
		return nil, err
	}

	a.watcher, a.watchStore = w, ws
	a.logger.Info("watcher started", "roots", len(roots))
	return w, nil
}

// Watcher returns the running watcher, or nil.
func (a *App) Watcher() *watcher.Watcher {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watcher
}

// StopWatcher stops the watcher and closes its store handle. It is a no-op
// when the watcher is not running.
func (a *App) StopWatcher() error {
	a.mu.Lock()
	w, ws := a.watcher, a.watchStore
	a.watcher, a.watchStore = nil, nil
	a.mu.Unlock()

	if w == nil {
		return nil
	}
	a.Registry.SetSuppressor(nil)
	return errors.Join(w.Stop(), ws.Close())
}

func (a *App) deploymentRoots() ([]string, error) {
	deps, err := a.Store.ListDeployments()
	if err != nil {
		return nil, err
	}
	roots := make([]string, 0, len(deps))
	for _, d := range deps {
		roots = append(roots, d.Path)
	}
	sort.Strings(roots)
	return roots, nil
}

// RefreshWatchRoots makes the watched roots match the deployment table.
// Deployments recorded by other processes are picked up, removed ones are
// dropped, and watches lost to a replaced directory are re-added. It is a
// no-op when the watcher is not running.
func (a *App) RefreshWatchRoots() (added, removed int, err error) {
	w := a.Watcher()
	if w == nil {
		return 0, 0, nil
	}
	roots, err := a.deploymentRoots()
	if err != nil {
		return 0, 0, err
	}
	added, removed, err = w.SetRoots(roots)
	if err != nil {
		return added, removed, err
	}
	if added > 0 || removed > 0 {
		a.logger.Info("watch roots refreshed", "added", added, "removed", removed, "roots", len(roots))
	}
	return added, removed, nil
}

func (a *App) watchRoot(path string) {
	if w := a.Watcher(); w != nil {
		if err := w.Add(path); err != nil {
			a.logger.Warn("could not watch deployment", "path", path, "error", err)
		}
	}
}

func (a *App) unwatchRoot(path string) {
	if w := a.Watcher(); w != nil {
		if err := w.Remove(path); err != nil {
			a.logger.Warn("could not unwatch deployment", "path", path, "error", err)
		}
	}
}

// Deploy deploys a skill and, when the watcher is running, starts watching
// the new directory.
func (a *App) Deploy(skillID string, t registry.Target, force bool) (*registry.DeployResult, error) {
	res, err := a.Registry.Deploy(skillID, t, force)
	if err != nil {
		return nil, err
	}
	if res.Deployment != nil {
		a.watchRoot(res.Path)
	}
	return res, nil
}

// Undeploy removes a deployment and its directory.
func (a *App) Undeploy(deploymentID string) error {
	d, err := a.Store.GetDeployment(deploymentID)
	if err != nil {
		return err
	}
	a.unwatchRoot(d.Path)
	return a.Registry.Remove(deploymentID)
}

// FindSkill resolves a skill by name, then by ID.
func (a *App) FindSkill(ref string) (*store.Skill, error) {
	sk, err := a.Store.GetSkillByName(ref)
	if err == nil {
		return sk, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	sk, err = a.Store.GetSkill(ref)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NotFound("find skill", "no skill named %q", ref)
	}
	return sk, err
}

// FindProject resolves a project by ID, then by name, then by path. A name
// shared by several projects is a Validation error.
func (a *App) FindProject(ref string) (*store.Project, error) {
	if p, err := a.Store.GetProject(ref); err == nil {
		return p, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	projects, err := a.Store.ListProjects()
	if err != nil {
		return nil, err
	}
	var byName []*store.Project
	for _, p := range projects {
		if p.Name == ref {
			byName = append(byName, p)
		}
	}
	switch len(byName) {
	case 1:
		return byName[0], nil
	case 0:
	default:
		return nil, apperr.Validation("find project", "%d projects are named %q; use the project ID", len(byName), ref)
	}

	if abs, err := filepath.Abs(ref); err == nil {
		for _, p := range projects {
			if p.Path == abs {
				return p, nil
			}
		}
	}
	return nil, apperr.NotFound("find project", "no project %q", ref)
}

// FindDeployment resolves the deployment of a skill in a project ("" for
// global) for a tool.
func (a *App) FindDeployment(skillRef, projectRef, tool string) (*store.Deployment, error) {
	sk, err := a.FindSkill(skillRef)
	if err != nil {
		return nil, err
	}
	projectID := ""
	if projectRef != "" {
		p, err := a.FindProject(projectRef)
		if err != nil {
			return nil, err
		}
		projectID = p.ID
	}
	return a.Store.FindDeployment(sk.ID, projectID, tool)
}

// RemoveProject deletes a project, removing its deployments from disk first.
func (a *App) RemoveProject(projectID string) error {
	deps, err := a.Store.ListDeployments()
	if err != nil {
		return err
	}
	for _, d := range deps {
		if d.ProjectID != projectID {
			continue
		}
		if err := a.Undeploy(d.ID); err != nil {
			a.logger.Warn("could not remove deployment", "deployment", d.ID, "error", err)
		}
	}
	return a.Store.RemoveProject(projectID)
}

// RemoveSkill deletes a skill. With undeploy, its deployment directories are
// removed from disk first; otherwise they are left in place and only the
// rows go.
func (a *App) RemoveSkill(skillID string, undeploy bool) error {
	deps, err := a.Store.ListSkillDeployments(skillID)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if undeploy {
			if err := a.Undeploy(d.ID); err != nil {
				a.logger.Warn("could not remove deployment", "deployment", d.ID, "error", err)
			}
			continue
		}
		a.unwatchRoot(d.Path)
	}
	return a.Store.DeleteSkill(skillID)
}
