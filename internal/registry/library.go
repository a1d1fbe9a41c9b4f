package registry

import (
	"os"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/checksum"
	"skillsyncd/internal/store"
)

// PullResult is the outcome of UpdateFromDeployment.
type PullResult struct {
	SkillID       string
	BackupID      string
	FilesImported int
	OldChecksum   string
	NewChecksum   string
	Synced        []*SyncResult
}

// Adopt records the directory already at a skill's target path as a
// deployment without writing to it. The row is synced when the directory
// matches the stored content and diverged otherwise.
func (r *Registry) Adopt(skillID string, t Target) (*store.Deployment, error) {
	sk, err := r.store.GetSkill(skillID)
	if err != nil {
		return nil, err
	}
	dest, err := r.Resolve(sk.Name, t)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(dest); err != nil || !fi.IsDir() {
		return nil, apperr.Validation("adopt", "no skill directory at %s", dest)
	}

	storeSum, err := checksum.Store(r.store, skillID)
	if err != nil {
		return nil, err
	}
	if storeSum == "" {
		return nil, apperr.Validation("adopt", "skill %s has no stored files; re-import it before adopting", sk.Name)
	}
	dirSum, err := checksum.Dir(dest, r.walk)
	if err != nil {
		return nil, err
	}

	d := &store.Deployment{
		SkillID:   skillID,
		ProjectID: t.ProjectID,
		Tool:      t.Tool,
		Path:      dest,
		Checksum:  dirSum,
		Status:    store.StatusSynced,
	}
	if dirSum != storeSum {
		d.Status = store.StatusDiverged
	}
	if err := r.store.UpsertDeployment(d); err != nil {
		return nil, err
	}
	r.record(&store.SyncHistory{SkillID: skillID, DeploymentID: d.ID, Action: store.ActionAdopt, ToChecksum: dirSum})
	r.logger.Info("adopted deployment", "skill", sk.Name, "tool", t.Tool, "path", dest, "status", d.Status)
	return d, nil
}

// UpdateFromDeployment replaces the skill's stored content with what is on
// disk at one deployment. The previous content is backed up first. With
// syncOthers, every other deployment of the skill is then re-exported.
func (r *Registry) UpdateFromDeployment(deploymentID string, syncOthers bool) (*PullResult, error) {
	d, err := r.store.GetDeployment(deploymentID)
	if err != nil {
		return nil, err
	}
	sk, err := r.store.GetSkill(d.SkillID)
	if err != nil {
		return nil, err
	}

	if fi, err := os.Stat(d.Path); err != nil || !fi.IsDir() {
		return nil, apperr.Validation("update from deployment", "deployment directory %s does not exist", d.Path)
	}
	entries, err := store.ReadDir(d.Path, r.walk)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperr.Validation("update from deployment", "deployment directory %s has no files", d.Path)
	}

	backup, err := r.store.CreateBackup(sk.ID, store.ReasonBeforeUpdate)
	if err != nil {
		return nil, err
	}
	if err := r.store.ReplaceFiles(sk.ID, entries); err != nil {
		return nil, err
	}
	newSum, err := r.store.RefreshSkillChecksum(sk.ID)
	if err != nil {
		return nil, err
	}
	if err := r.store.UpdateDeploymentSync(d.ID, checksum.Fingerprint(entries), store.StatusSynced); err != nil {
		return nil, err
	}
	r.record(&store.SyncHistory{
		SkillID:      sk.ID,
		DeploymentID: d.ID,
		Action:       store.ActionPull,
		FromChecksum: sk.Checksum,
		ToChecksum:   newSum,
	})
	r.logger.Info("updated skill from deployment", "skill", sk.Name, "path", d.Path, "files", len(entries))

	res := &PullResult{
		SkillID:       sk.ID,
		BackupID:      backup.ID,
		FilesImported: len(entries),
		OldChecksum:   sk.Checksum,
		NewChecksum:   newSum,
	}
	if syncOthers {
		// Per-deployment failures are already logged by SyncAll.
		res.Synced, _ = r.SyncAll(sk.ID, d.ID)
	}
	return res, nil
}

// RestoreResult is the outcome of RestoreBackup.
type RestoreResult struct {
	SkillID        string
	BackupID       string
	SafetyBackupID string
	FilesRestored  int
	Checksum       string
	Synced         []*SyncResult
}

// RestoreBackup replaces the skill's stored content with a backup. The
// current content is backed up first so the restore can itself be undone.
func (r *Registry) RestoreBackup(backupID string, syncDeployments bool) (*RestoreResult, error) {
	b, err := r.store.GetBackup(backupID)
	if err != nil {
		return nil, err
	}
	files, err := r.store.BackupFiles(backupID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, apperr.Validation("restore backup", "backup %s has no files", backupID)
	}
	sk, err := r.store.GetSkill(b.SkillID)
	if err != nil {
		return nil, err
	}

	safety, err := r.store.CreateBackup(sk.ID, store.ReasonBeforeRestore)
	if err != nil {
		return nil, err
	}
	if err := r.store.ReplaceFiles(sk.ID, files); err != nil {
		return nil, err
	}
	sum, err := r.store.RefreshSkillChecksum(sk.ID)
	if err != nil {
		return nil, err
	}
	r.record(&store.SyncHistory{
		SkillID:      sk.ID,
		Action:       store.ActionRestore,
		FromChecksum: sk.Checksum,
		ToChecksum:   sum,
	})
	r.logger.Info("restored backup", "skill", sk.Name, "backup", backupID, "files", len(files))

	res := &RestoreResult{
		SkillID:        sk.ID,
		BackupID:       backupID,
		SafetyBackupID: safety.ID,
		FilesRestored:  len(files),
		Checksum:       sum,
	}
	if syncDeployments {
		res.Synced, _ = r.SyncAll(sk.ID)
	}
	return res, nil
}
