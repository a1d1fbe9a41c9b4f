package watcher

import (
	"log/slog"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/registry"
	"skillsyncd/internal/store"
)

// Outcome reports what Accept or Discard did.
type Outcome struct {
	SkillID        string
	BackupID       string
	Restored       bool
	FilesRestored  int
	Resynced       bool
	Checksum       string
	EventsResolved int
}

// Resolver ends pending-change episodes.
type Resolver struct {
	reg    *registry.Registry
	store  *store.Store
	logger *slog.Logger
}

// NewResolver creates a Resolver. Re-exports go through reg so the watcher
// suppresses them.
func NewResolver(reg *registry.Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{reg: reg, store: reg.Store(), logger: logger.With("component", "watcher")}
}

func (r *Resolver) pendingSkill(op, skillID string) (*store.Skill, error) {
	sk, err := r.store.GetSkill(skillID)
	if err != nil {
		return nil, err
	}
	if !sk.Pending() {
		return nil, apperr.Validation(op, "skill %s has no pending change", sk.Name)
	}
	return sk, nil
}

// Accept keeps the external edit. The store already holds it, so only the
// pending markers are cleared and the episode's watcher events are marked
// accepted.
func (r *Resolver) Accept(skillID string) (*Outcome, error) {
	sk, err := r.pendingSkill("accept change", skillID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{SkillID: sk.ID, BackupID: sk.PendingBackupID, Checksum: sk.Checksum}
	err = r.store.WithTx(func(tx *store.Store) error {
		if err := tx.ClearPending(sk.ID); err != nil {
			return err
		}
		n, err := tx.ResolveSkillEvents(sk.ID, store.SourceWatcher, store.ResolutionAccepted)
		out.EventsResolved = n
		return err
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("accepted external change", "skill", sk.Name, "events", out.EventsResolved)
	return out, nil
}

// Discard undoes the external edit: the stored content is restored from the
// episode backup and re-exported to the deployment that triggered it. A
// missing backup or a failed re-export is logged and skipped; the markers
// are cleared either way.
func (r *Resolver) Discard(skillID string) (*Outcome, error) {
	sk, err := r.pendingSkill("discard change", skillID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{SkillID: sk.ID, BackupID: sk.PendingBackupID, Checksum: sk.Checksum}

	if sk.PendingBackupID != "" {
		files, err := r.store.BackupFiles(sk.PendingBackupID)
		if err != nil {
			r.logger.Warn("backup unavailable, content not restored", "skill", sk.Name, "backup", sk.PendingBackupID, "error", err)
		} else {
			err = r.store.WithTx(func(tx *store.Store) error {
				if err := tx.ReplaceFiles(sk.ID, files); err != nil {
					return err
				}
				sum, err := tx.RefreshSkillChecksum(sk.ID)
				out.Checksum = sum
				return err
			})
			if err != nil {
				return nil, err
			}
			out.Restored = true
			out.FilesRestored = len(files)
		}
	} else {
		r.logger.Warn("no backup recorded, content not restored", "skill", sk.Name)
	}

	if sk.PendingDeploymentID != "" {
		if _, err := r.reg.Sync(sk.PendingDeploymentID); err != nil {
			r.logger.Warn("could not re-export triggering deployment", "skill", sk.Name, "deployment", sk.PendingDeploymentID, "error", err)
		} else {
			out.Resynced = true
		}
	}

	err = r.store.WithTx(func(tx *store.Store) error {
		if err := tx.ClearPending(sk.ID); err != nil {
			return err
		}
		n, err := tx.ResolveSkillEvents(sk.ID, store.SourceWatcher, store.ResolutionReverted)
		if err != nil {
			return err
		}
		out.EventsResolved = n
		return tx.InsertSyncHistory(&store.SyncHistory{
			SkillID:      sk.ID,
			DeploymentID: sk.PendingDeploymentID,
			Action:       store.ActionDiscard,
			FromChecksum: sk.Checksum,
			ToChecksum:   out.Checksum,
		})
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("discarded external change",
		"skill", sk.Name, "restored", out.Restored, "resynced", out.Resynced, "events", out.EventsResolved)
	return out, nil
}
