// Package store provides SQLite-based persistence for skillsyncd: skill file
// content, deployments, backups, and the change-event audit log.
package store

import "time"

// Skill is a named bundle of files whose authoritative content lives in the
// skill_files table.
type Skill struct {
	ID          string
	Name        string
	Description string
	Version     string
	// Checksum is the fingerprint of the stored files, "" when there are none.
	Checksum     string
	CreatedAt    time.Time
	LastModified time.Time

	// Set only while an external edit is awaiting accept or discard.
	PendingSince        *time.Time
	PendingBackupID     string
	PendingDeploymentID string
}

// Pending reports whether the skill is in a pending-change episode.
func (s *Skill) Pending() bool {
	return s.PendingSince != nil
}

// StoredFile is one file owned by a skill.
type StoredFile struct {
	SkillID   string
	Path      string
	Content   []byte
	Size      int64
	UpdatedAt time.Time
}

// Project is a registered project root.
type Project struct {
	ID        string
	Name      string
	Path      string
	CreatedAt time.Time
}

// GlobalScope is the deployment scope used when no project is set.
const GlobalScope = "global"

// DeploymentStatus classifies a deployment against its skill's content.
type DeploymentStatus string

const (
	StatusSynced    DeploymentStatus = "synced"
	StatusDiverged  DeploymentStatus = "diverged"
	StatusMissing   DeploymentStatus = "missing"
	StatusUntracked DeploymentStatus = "untracked"
)

// Valid reports whether s is a known status.
func (s DeploymentStatus) Valid() bool {
	switch s {
	case StatusSynced, StatusDiverged, StatusMissing, StatusUntracked:
		return true
	}
	return false
}

// Deployment is one on-disk materialization of a skill.
type Deployment struct {
	ID      string
	SkillID string
	// SkillName is filled on reads.
	SkillName string
	// ProjectID is "" for global deployments.
	ProjectID  string
	Tool       string
	Path       string
	Checksum   string
	Status     DeploymentStatus
	LastSynced *time.Time
	CreatedAt  time.Time
}

// Scope returns the uniqueness scope: the project ID or GlobalScope.
func (d *Deployment) Scope() string {
	if d.ProjectID == "" {
		return GlobalScope
	}
	return d.ProjectID
}

// Backup reasons.
const (
	ReasonExternalEdit  = "external edit"
	ReasonBeforeRestore = "before restore"
	ReasonBeforeMerge   = "before merge"
	ReasonBeforeUpdate  = "before library update"
)

// Backup is an immutable snapshot of a skill's files.
type Backup struct {
	ID        string
	SkillID   string
	Reason    string
	Checksum  string
	FileCount int
	CreatedAt time.Time
}

// EventType is the kind of filesystem change observed.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
)

// Resolution is the user decision state of a change event.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionAccepted Resolution = "accepted"
	ResolutionReverted Resolution = "reverted"
	ResolutionIgnored  Resolution = "ignored"
)

// Event sources.
const (
	SourceWatcher   = "watcher"
	SourceReconcile = "reconcile"
)

// ChangeEvent is an append-only audit record. Only Resolution and ResolvedAt
// change after insert.
type ChangeEvent struct {
	ID string
	// DeploymentID is "" for untracked directories; SubjectRef then holds a
	// synthetic "project:tool:name" reference.
	DeploymentID string
	SkillID      string
	SubjectRef   string
	Source       string
	Type         EventType
	Path         string
	RelPath      string
	OldChecksum  string
	NewChecksum  string
	Resolution   Resolution
	ResolvedAt   *time.Time
	CreatedAt    time.Time
}

// EventFilter narrows ListChangeEvents. Zero fields match everything.
type EventFilter struct {
	SkillID    string
	Resolution Resolution
	Limit      int
}

// Sync history actions.
const (
	ActionImport  = "import"
	ActionDeploy  = "deploy"
	ActionSync    = "sync"
	ActionPull    = "pull"
	ActionRestore = "restore"
	ActionDiscard = "discard"
	ActionMerge   = "merge"
	ActionAdopt   = "adopt"
)

// SyncHistory records one content movement between the store and a deployment.
type SyncHistory struct {
	ID           int64
	SkillID      string
	DeploymentID string
	Action       string
	FromChecksum string
	ToChecksum   string
	CreatedAt    time.Time
}
