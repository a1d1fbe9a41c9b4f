package watcher

import (
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/checksum"
	"skillsyncd/internal/fswalk"
	"skillsyncd/internal/store"
)

// Notification reports one external edit that was folded into the store.
type Notification struct {
	EventID      string          `json:"event_id"`
	EventType    store.EventType `json:"event_type"`
	Path         string          `json:"path"`
	DeploymentID string          `json:"deployment_id"`
	SkillID      string          `json:"skill_id"`
	SkillName    string          `json:"skill_name"`
	RelPath      string          `json:"rel_path"`
	BackupID     string          `json:"backup_id"`
	// NewEpisode is true when this edit moved the skill from clean to
	// pending and took the backup.
	NewEpisode bool `json:"new_episode"`
}

// Handler applies external edits under deployment directories to the store.
type Handler struct {
	store  *store.Store
	walk   fswalk.Options
	logger *slog.Logger

	// RemoveSettle is how long a planned deletion waits before the disk is
	// checked again. A path that is back by then is not deleted.
	RemoveSettle time.Duration
}

// NewHandler creates a Handler. st should be a store handle dedicated to the
// watcher.
func NewHandler(st *store.Store, walk fswalk.Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, walk: walk, logger: logger.With("component", "watcher")}
}

// edit is the store mutation derived from one event.
type edit struct {
	typ   store.EventType
	apply func(tx *store.Store, skillID string) error
}

// Handle maps ev to its owning deployment and, unless it is a no-op, runs
// the pending-change transition in one transaction: take the episode backup
// if the skill is clean, apply the edit, refresh the skill checksum, mark
// the triggering deployment synced, and append a pending change event.
func (h *Handler) Handle(ev RawEvent) (*Notification, error) {
	p, err := filepath.Abs(ev.Path)
	if err != nil {
		return nil, apperr.IO("handle event", err)
	}

	d, rel, err := h.owner(p)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}
	if rel == "" {
		h.logger.Debug("ignoring event on deployment root", "path", p, "op", ev.Op)
		return nil, nil
	}
	if fswalk.Hidden(rel) || fswalk.Excluded(h.walk.Exclude, rel) {
		return nil, nil
	}
	// A vanished deployment is reported missing by reconciliation; its
	// files stay in the store.
	if !dirExists(d.Path) {
		h.logger.Debug("ignoring event under missing deployment", "path", p, "op", ev.Op)
		return nil, nil
	}

	e, err := h.plan(d.SkillID, p, rel)
	if err != nil || e == nil {
		return nil, err
	}
	if e.typ == store.EventDeleted && h.RemoveSettle > 0 {
		time.Sleep(h.RemoveSettle)
		if !dirExists(d.Path) {
			return nil, nil
		}
		if e, err = h.plan(d.SkillID, p, rel); err != nil || e == nil {
			return nil, err
		}
	}

	n := &Notification{
		EventType:    e.typ,
		Path:         p,
		DeploymentID: d.ID,
		SkillID:      d.SkillID,
		SkillName:    d.SkillName,
		RelPath:      rel,
	}

	err = h.store.WithTx(func(tx *store.Store) error {
		sk, err := tx.GetSkill(d.SkillID)
		if err != nil {
			return err
		}
		backupID, started, err := tx.BeginPendingEpisode(d.SkillID, d.ID)
		if err != nil {
			return err
		}
		if err := e.apply(tx, d.SkillID); err != nil {
			return err
		}
		sum, err := tx.RefreshSkillChecksum(d.SkillID)
		if err != nil {
			return err
		}
		if err := tx.UpdateDeploymentSync(d.ID, sum, store.StatusSynced); err != nil {
			return err
		}
		ce := &store.ChangeEvent{
			DeploymentID: d.ID,
			SkillID:      d.SkillID,
			Source:       store.SourceWatcher,
			Type:         e.typ,
			Path:         p,
			RelPath:      rel,
			OldChecksum:  sk.Checksum,
			NewChecksum:  sum,
		}
		if err := tx.InsertChangeEvent(ce); err != nil {
			return err
		}
		n.EventID = ce.ID
		n.BackupID = backupID
		n.NewEpisode = started
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("external change applied",
		"skill", d.SkillName, "deployment", d.ID, "file", rel, "type", e.typ, "new_episode", n.NewEpisode)
	return n, nil
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// owner finds the deployment with the longest path containing p. rel is the
// slash-separated path below that deployment, "" for the root itself.
func (h *Handler) owner(p string) (*store.Deployment, string, error) {
	deps, err := h.store.ListDeployments()
	if err != nil {
		return nil, "", err
	}
	var best *store.Deployment
	for _, d := range deps {
		root := filepath.Clean(d.Path)
		if !within(p, root) {
			continue
		}
		if best == nil || len(root) > len(filepath.Clean(best.Path)) {
			best = d
		}
	}
	if best == nil {
		return nil, "", nil
	}
	rel, err := filepath.Rel(filepath.Clean(best.Path), p)
	if err != nil {
		return nil, "", apperr.IO("handle event", err)
	}
	if rel == "." {
		return best, "", nil
	}
	return best, filepath.ToSlash(rel), nil
}

// plan inspects the disk and the store and returns the edit to apply, or nil
// when the store already matches. The current state of the path decides the
// edit, not the event op: a remove for a path that is back is a modify.
func (h *Handler) plan(skillID, p, rel string) (*edit, error) {
	info, err := os.Lstat(p)
	switch {
	case err == nil && info.IsDir():
		return h.planDir(skillID, p, rel)
	case err == nil && info.Mode().IsRegular():
		return h.planFile(skillID, p, rel)
	case err == nil:
		// Symlinks and special files are not skill content.
		return nil, nil
	case errors.Is(err, fs.ErrNotExist):
		return h.planRemove(skillID, rel)
	default:
		return nil, apperr.IO("handle event", err)
	}
}

func (h *Handler) planFile(skillID, p, rel string) (*edit, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return h.planRemove(skillID, rel)
		}
		return nil, apperr.IO("handle event", err)
	}

	typ := store.EventModified
	cur, err := h.store.ReadFile(skillID, rel)
	switch {
	case err == nil:
		if bytes.Equal(cur, data) {
			return nil, nil
		}
	case errors.Is(err, apperr.ErrNotFound):
		typ = store.EventCreated
	default:
		return nil, err
	}

	return &edit{typ: typ, apply: func(tx *store.Store, id string) error {
		return tx.WriteFile(id, rel, data)
	}}, nil
}

// planDir imports a directory that appeared under a deployment, typically a
// move into place. Files already stored with the same bytes are skipped.
func (h *Handler) planDir(skillID, p, rel string) (*edit, error) {
	entries, err := store.ReadDir(p, h.walk)
	if err != nil {
		return nil, err
	}

	var changed []checksum.Entry
	for _, e := range entries {
		full := path.Join(rel, e.Path)
		cur, err := h.store.ReadFile(skillID, full)
		if err == nil && bytes.Equal(cur, e.Content) {
			continue
		}
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		changed = append(changed, checksum.Entry{Path: full, Content: e.Content})
	}
	if len(changed) == 0 {
		return nil, nil
	}

	return &edit{typ: store.EventCreated, apply: func(tx *store.Store, id string) error {
		for _, e := range changed {
			if err := tx.WriteFile(id, e.Path, e.Content); err != nil {
				return err
			}
		}
		return nil
	}}, nil
}

// planRemove deletes the stored file at rel, or every stored file below rel
// when a directory went away.
func (h *Handler) planRemove(skillID, rel string) (*edit, error) {
	paths, err := h.store.ListFiles(skillID)
	if err != nil {
		return nil, err
	}

	var file, tree bool
	for _, sp := range paths {
		if sp == rel {
			file = true
		} else if strings.HasPrefix(sp, rel+"/") {
			tree = true
		}
	}

	switch {
	case file:
		return &edit{typ: store.EventDeleted, apply: func(tx *store.Store, id string) error {
			return tx.DeleteFile(id, rel)
		}}, nil
	case tree:
		return &edit{typ: store.EventDeleted, apply: func(tx *store.Store, id string) error {
			_, err := tx.DeleteTree(id, rel)
			return err
		}}, nil
	default:
		return nil, nil
	}
}
