package app

import (
	"errors"
	"io/fs"
	"path/filepath"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/checksum"
	"skillsyncd/internal/merge"
	"skillsyncd/internal/registry"
	"skillsyncd/internal/skillmd"
	"skillsyncd/internal/store"
)

// ImportResult is the outcome of ImportSkill.
type ImportResult struct {
	Skill   *store.Skill
	Files   int
	Created bool
	// BackupID is set when an existing skill was replaced.
	BackupID string
	Warnings []string
}

// ImportSkill loads a skill directory into the store. The name defaults to
// the SKILL.md frontmatter name, then the directory name. Importing over an
// existing skill replaces its files after a "before library update" backup.
// Deployments are not touched; sync them to publish the new content.
func (a *App) ImportSkill(dir, name string) (*ImportResult, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, apperr.IO("import skill", err)
	}
	meta, err := skillmd.Parse(abs)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = meta.Name
	}
	if err := registry.ValidateSkillName(name); err != nil {
		return nil, err
	}

	res := &ImportResult{}
	if !meta.HasFrontmatter {
		res.Warnings = append(res.Warnings, skillmd.FileName+" has no frontmatter")
	}
	if !skillmd.ValidVersion(meta.Version) {
		res.Warnings = append(res.Warnings, "version "+meta.Version+" is not semantic")
	}
	for _, p := range meta.Problems {
		res.Warnings = append(res.Warnings, skillmd.FileName+" "+p)
	}

	err = a.Store.WithTx(func(tx *store.Store) error {
		sk, err := tx.GetSkillByName(name)
		switch {
		case err == nil:
			if sk.Pending() {
				return apperr.Validation("import skill", "skill %s has an unresolved external edit; accept or discard it first", name)
			}
			b, err := tx.CreateBackup(sk.ID, store.ReasonBeforeUpdate)
			if err != nil {
				return err
			}
			res.BackupID = b.ID
			if err := tx.UpdateSkillMeta(sk.ID, meta.Description, meta.Version); err != nil {
				return err
			}
		case errors.Is(err, apperr.ErrNotFound):
			sk = &store.Skill{Name: name, Description: meta.Description, Version: meta.Version}
			if err := tx.CreateSkill(sk); err != nil {
				return err
			}
			res.Created = true
		default:
			return err
		}

		if !res.Created {
			if err := tx.ReplaceFiles(sk.ID, nil); err != nil {
				return err
			}
		}
		n, err := tx.ImportFromDir(sk.ID, abs, a.walk)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.Validation("import skill", "%s has no files to import", abs)
		}
		res.Files = n
		sum, err := tx.RefreshSkillChecksum(sk.ID)
		if err != nil {
			return err
		}
		if err := tx.InsertSyncHistory(&store.SyncHistory{
			SkillID:      sk.ID,
			Action:       store.ActionImport,
			FromChecksum: sk.Checksum,
			ToChecksum:   sum,
		}); err != nil {
			return err
		}
		res.Skill, err = tx.GetSkill(sk.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("imported skill", "skill", name, "files", res.Files, "created", res.Created)
	return res, nil
}

// WriteSkillFile upserts one stored file and refreshes the skill's checksum
// and, for SKILL.md, its metadata.
func (a *App) WriteSkillFile(skillID, rel string, content []byte) (string, error) {
	var sum string
	err := a.Store.WithTx(func(tx *store.Store) error {
		if err := tx.WriteFile(skillID, rel, content); err != nil {
			return err
		}
		if err := refreshMeta(tx, skillID, rel, content); err != nil {
			return err
		}
		var err error
		sum, err = tx.RefreshSkillChecksum(skillID)
		return err
	})
	return sum, err
}

// DeleteSkillFile removes one stored file and refreshes the skill's checksum.
func (a *App) DeleteSkillFile(skillID, rel string) (string, error) {
	var sum string
	err := a.Store.WithTx(func(tx *store.Store) error {
		if err := tx.DeleteFile(skillID, rel); err != nil {
			return err
		}
		var err error
		sum, err = tx.RefreshSkillChecksum(skillID)
		return err
	})
	return sum, err
}

func refreshMeta(tx *store.Store, skillID, rel string, content []byte) error {
	clean, err := store.CleanRelPath(rel)
	if err != nil || clean != skillmd.FileName {
		return err
	}
	sk, err := tx.GetSkill(skillID)
	if err != nil {
		return err
	}
	meta, err := skillmd.ParseBytes(content, sk.Name)
	if err != nil {
		return err
	}
	return tx.UpdateSkillMeta(skillID, meta.Description, meta.Version)
}

// storeSet loads a skill's stored files as a merge.FileSet.
func (a *App) storeSet(skillID string) (merge.FileSet, error) {
	files, err := a.Store.Files(skillID)
	if err != nil {
		return nil, err
	}
	return entrySet(files), nil
}

func entrySet(files []checksum.Entry) merge.FileSet {
	set := make(merge.FileSet, len(files))
	for _, f := range files {
		set[f.Path] = f.Content
	}
	return set
}

// DiffDeployment compares the stored content of a deployment's skill (a)
// against what is on disk (b). A missing directory reads as empty.
func (a *App) DiffDeployment(deploymentID string) (*merge.DirDiff, error) {
	d, err := a.Store.GetDeployment(deploymentID)
	if err != nil {
		return nil, err
	}
	lib, err := a.storeSet(d.SkillID)
	if err != nil {
		return nil, err
	}
	disk, err := merge.LoadDir(d.Path, a.walk)
	if errors.Is(err, fs.ErrNotExist) {
		disk, err = merge.FileSet{}, nil
	}
	if err != nil {
		return nil, err
	}
	return merge.DiffSets(lib, disk), nil
}

// MergeDeployment three-way merges the stored skill (left) with a deployment
// directory (right). baseBackupID selects the common ancestor; "" uses the
// skill's pending-episode backup when there is one, otherwise no base.
func (a *App) MergeDeployment(deploymentID, baseBackupID string) (*merge.Result, error) {
	d, err := a.Store.GetDeployment(deploymentID)
	if err != nil {
		return nil, err
	}
	sk, err := a.Store.GetSkill(d.SkillID)
	if err != nil {
		return nil, err
	}

	left, err := a.storeSet(sk.ID)
	if err != nil {
		return nil, err
	}
	right, err := merge.LoadDir(d.Path, a.walk)
	if err != nil {
		return nil, apperr.Validation("merge", "deployment directory %s is not readable: %v", d.Path, err)
	}

	if baseBackupID == "" {
		baseBackupID = sk.PendingBackupID
	}
	var base merge.FileSet
	if baseBackupID != "" {
		b, err := a.Store.GetBackup(baseBackupID)
		if err != nil {
			return nil, err
		}
		if b.SkillID != sk.ID {
			return nil, apperr.Validation("merge", "backup %s belongs to another skill", baseBackupID)
		}
		files, err := a.Store.BackupFiles(baseBackupID)
		if err != nil {
			return nil, err
		}
		base = entrySet(files)
	}
	return merge.MergeSets(base, left, right), nil
}

// MergeApplyResult is the outcome of ApplyMergeToSkill.
type MergeApplyResult struct {
	SkillID  string
	BackupID string
	Applied  int
	Checksum string
}

// ApplyMergeToSkill writes merge resolutions into the store. The current
// content is backed up first with reason "before merge". Every path is
// validated before anything changes.
func (a *App) ApplyMergeToSkill(skillID string, resolutions []merge.Resolution) (*MergeApplyResult, error) {
	if len(resolutions) == 0 {
		return nil, apperr.Validation("apply merge", "no resolutions to apply")
	}
	cleaned := make([]merge.Resolution, len(resolutions))
	for i, r := range resolutions {
		rel, err := store.CleanRelPath(r.Path)
		if err != nil {
			return nil, err
		}
		r.Path = rel
		cleaned[i] = r
	}

	res := &MergeApplyResult{SkillID: skillID}
	err := a.Store.WithTx(func(tx *store.Store) error {
		sk, err := tx.GetSkill(skillID)
		if err != nil {
			return err
		}
		b, err := tx.CreateBackup(skillID, store.ReasonBeforeMerge)
		if err != nil {
			return err
		}
		res.BackupID = b.ID

		for _, r := range cleaned {
			if r.Delete {
				if err := tx.DeleteFile(skillID, r.Path); err != nil && !errors.Is(err, apperr.ErrNotFound) {
					return err
				}
				res.Applied++
				continue
			}
			if err := tx.WriteFile(skillID, r.Path, r.Content); err != nil {
				return err
			}
			if err := refreshMeta(tx, skillID, r.Path, r.Content); err != nil {
				return err
			}
			res.Applied++
		}

		files, err := tx.ListFiles(skillID)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return apperr.Validation("apply merge", "resolutions would leave skill %s with no files", sk.Name)
		}

		res.Checksum, err = tx.RefreshSkillChecksum(skillID)
		if err != nil {
			return err
		}
		return tx.InsertSyncHistory(&store.SyncHistory{
			SkillID:      skillID,
			Action:       store.ActionMerge,
			FromChecksum: sk.Checksum,
			ToChecksum:   res.Checksum,
		})
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("applied merge", "skill", skillID, "files", res.Applied, "backup", res.BackupID)
	return res, nil
}
