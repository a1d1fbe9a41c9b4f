package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/checksum"
	"skillsyncd/internal/fswalk"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createSkill(t *testing.T, s *Store, name string, files map[string]string) *Skill {
	t.Helper()
	sk := &Skill{Name: name, Version: "1.0.0"}
	if err := s.CreateSkill(sk); err != nil {
		t.Fatalf("CreateSkill failed: %v", err)
	}
	for p, c := range files {
		if err := s.WriteFile(sk.ID, p, []byte(c)); err != nil {
			t.Fatalf("WriteFile %s failed: %v", p, err)
		}
	}
	return sk
}

func TestOpenAndClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := Open(dbPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.Path() != dbPath {
		t.Errorf("Path mismatch: expected %s, got %s", dbPath, s.Path())
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	s, err := Open(dbPath, Options{MaxConnections: 2})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestMigrationStatusAndRollback(t *testing.T) {
	s := openTestStore(t)

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("expected version %d, got %d", status.LatestVersion, status.CurrentVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Fatalf("ValidateSchema failed: %v", err)
	}

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err == nil {
		t.Error("expected missing table after rollback")
	}

	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("ValidateSchema after re-migrate failed: %v", err)
	}
}

func TestSkillCRUD(t *testing.T) {
	s := openTestStore(t)

	sk := createSkill(t, s, "pdf-tools", nil)
	if sk.ID == "" {
		t.Fatal("expected generated ID")
	}

	err := s.CreateSkill(&Skill{Name: "pdf-tools"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for duplicate name, got %v", err)
	}
	if err := s.CreateSkill(&Skill{Name: "  "}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for blank name, got %v", err)
	}

	byName, err := s.GetSkillByName("pdf-tools")
	if err != nil {
		t.Fatalf("GetSkillByName failed: %v", err)
	}
	if byName.ID != sk.ID {
		t.Errorf("ID mismatch: expected %s, got %s", sk.ID, byName.ID)
	}
	if byName.Pending() {
		t.Error("new skill should not be pending")
	}

	if _, err := s.GetSkill("nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if err := s.UpdateSkillMeta(sk.ID, "Work with PDFs", "1.2.0"); err != nil {
		t.Fatalf("UpdateSkillMeta failed: %v", err)
	}
	got, _ := s.GetSkill(sk.ID)
	if got.Version != "1.2.0" || got.Description != "Work with PDFs" {
		t.Errorf("metadata not updated: %+v", got)
	}

	list, err := s.ListSkills()
	if err != nil {
		t.Fatalf("ListSkills failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 skill, got %d", len(list))
	}
}

func TestWriteFileUpserts(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", map[string]string{"b.md": "b", "A.md": "v1"})

	if err := s.WriteFile(sk.ID, "A.md", []byte("v2")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	paths, err := s.ListFiles(sk.ID)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(paths) != 2 || paths[0] != "A.md" || paths[1] != "b.md" {
		t.Errorf("unexpected paths: %v", paths)
	}

	data, err := s.ReadFile(sk.ID, "A.md")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("expected v2, got %q", data)
	}

	if err := s.WriteFile("missing", "x.md", []byte("x")); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found for unknown skill, got %v", err)
	}
}

func TestEmptyFileRoundTrip(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "empty", map[string]string{"blank.txt": ""})

	data, err := s.ReadFile(sk.ID, "blank.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if data == nil || len(data) != 0 {
		t.Errorf("expected empty non-nil content, got %#v", data)
	}
}

func TestCleanRelPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"SKILL.md", "SKILL.md", false},
		{"a/./b/../c.md", "a/c.md", false},
		{"", "", true},
		{".", "", true},
		{"../etc/passwd", "", true},
		{"a/../../x", "", true},
		{"/abs/path", "", true},
	}
	for _, tt := range tests {
		got, err := CleanRelPath(tt.in)
		if tt.wantErr {
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("CleanRelPath(%q): expected validation error, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("CleanRelPath(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestReadAndDeleteNotFound(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", map[string]string{"A.md": "v1"})

	if _, err := s.ReadFile(sk.ID, "B.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := s.DeleteFile(sk.ID, "B.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := s.DeleteFile(sk.ID, "A.md"); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	paths, _ := s.ListFiles(sk.ID)
	if len(paths) != 0 {
		t.Errorf("expected no files, got %v", paths)
	}
}

func TestDeleteTree(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", map[string]string{
		"ref/a.md":     "a",
		"ref/sub/b.md": "b",
		"ref_x.md":     "keep",
		"SKILL.md":     "keep",
	})

	n, err := s.DeleteTree(sk.ID, "ref")
	if err != nil {
		t.Fatalf("DeleteTree failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	paths, _ := s.ListFiles(sk.ID)
	if len(paths) != 2 || paths[0] != "SKILL.md" || paths[1] != "ref_x.md" {
		t.Errorf("unexpected remaining files: %v", paths)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := openTestStore(t)
	src := createSkill(t, s, "src", map[string]string{
		"SKILL.md":          "---\nname: src\n---\n",
		"scripts/run.sh":    "#!/bin/sh\necho hi\n",
		"ref/deep/notes.md": "notes",
		"bin.dat":           string([]byte{0, 1, 2, 255}),
	})

	dir := filepath.Join(t.TempDir(), "out")
	n, err := s.ExportToDir(src.ID, dir)
	if err != nil {
		t.Fatalf("ExportToDir failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 exported, got %d", n)
	}

	dst := createSkill(t, s, "dst", nil)
	n, err = s.ImportFromDir(dst.ID, dir, fswalk.Options{})
	if err != nil {
		t.Fatalf("ImportFromDir failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 imported, got %d", n)
	}

	a, _ := checksum.Store(s, src.ID)
	b, _ := checksum.Store(s, dst.ID)
	if a == "" || a != b {
		t.Errorf("fingerprints differ after round trip: %s vs %s", a, b)
	}

	onDisk, err := checksum.Dir(dir, fswalk.Options{})
	if err != nil {
		t.Fatalf("checksum.Dir failed: %v", err)
	}
	if onDisk != a {
		t.Errorf("disk fingerprint %s != store fingerprint %s", onDisk, a)
	}
}

func TestExportEmptySkillFails(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "hollow", nil)

	dir := filepath.Join(t.TempDir(), "out")
	_, err := s.ExportToDir(sk.ID, dir)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
		t.Error("export of empty skill must not create the directory")
	}
}

func TestImportSkipsDotFiles(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", nil)

	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, ".git"), 0o755)
	os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644)
	os.WriteFile(filepath.Join(dir, ".DS_Store"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("# demo"), 0o644)

	n, err := s.ImportFromDir(sk.ID, dir, fswalk.Options{})
	if err != nil {
		t.Fatalf("ImportFromDir failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 file imported, got %d", n)
	}
}

func TestReplaceFiles(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", map[string]string{"old.md": "old"})

	err := s.ReplaceFiles(sk.ID, []checksum.Entry{{Path: "new.md", Content: []byte("new")}})
	if err != nil {
		t.Fatalf("ReplaceFiles failed: %v", err)
	}
	paths, _ := s.ListFiles(sk.ID)
	if len(paths) != 1 || paths[0] != "new.md" {
		t.Errorf("unexpected files: %v", paths)
	}

	err = s.ReplaceFiles(sk.ID, []checksum.Entry{{Path: "../evil", Content: nil}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	paths, _ = s.ListFiles(sk.ID)
	if len(paths) != 1 {
		t.Errorf("failed replace must not change files, got %v", paths)
	}
}

func TestWithTxRollback(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", nil)

	boom := errors.New("boom")
	err := s.WithTx(func(tx *Store) error {
		if err := tx.WriteFile(sk.ID, "A.md", []byte("x")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	paths, _ := s.ListFiles(sk.ID)
	if len(paths) != 0 {
		t.Errorf("rolled back write is visible: %v", paths)
	}
}

func TestUpsertDeployment(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", map[string]string{"A.md": "v1"})
	proj, err := s.AddProject("web", filepath.Join(t.TempDir(), "web"))
	if err != nil {
		t.Fatalf("AddProject failed: %v", err)
	}

	path := filepath.Join(proj.Path, ".claude", "skills", "demo")
	d := &Deployment{SkillID: sk.ID, ProjectID: proj.ID, Tool: "claude-code", Path: path, Checksum: "abc"}
	if err := s.UpsertDeployment(d); err != nil {
		t.Fatalf("UpsertDeployment failed: %v", err)
	}
	if d.Status != StatusSynced || d.LastSynced == nil {
		t.Errorf("expected synced with timestamp, got %s", d.Status)
	}
	if d.SkillName != "demo" {
		t.Errorf("expected skill name demo, got %q", d.SkillName)
	}
	firstID := d.ID

	again := &Deployment{SkillID: sk.ID, ProjectID: proj.ID, Tool: "claude-code", Path: path, Checksum: "def"}
	if err := s.UpsertDeployment(again); err != nil {
		t.Fatalf("second UpsertDeployment failed: %v", err)
	}
	if again.ID != firstID {
		t.Errorf("upsert created a new row: %s vs %s", again.ID, firstID)
	}
	if again.Checksum != "def" {
		t.Errorf("checksum not updated: %s", again.Checksum)
	}

	global := &Deployment{SkillID: sk.ID, Tool: "claude-code", Path: filepath.Join(t.TempDir(), "global", "demo")}
	if err := s.UpsertDeployment(global); err != nil {
		t.Fatalf("global UpsertDeployment failed: %v", err)
	}
	if global.ID == firstID || global.ProjectID != "" {
		t.Error("global deployment must be a separate row")
	}

	clash := &Deployment{SkillID: sk.ID, Tool: "cursor", Path: path}
	if err := s.UpsertDeployment(clash); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for shared path, got %v", err)
	}

	all, _ := s.ListDeployments()
	if len(all) != 2 {
		t.Errorf("expected 2 deployments, got %d", len(all))
	}

	if err := s.UpdateDeploymentSync(firstID, "", StatusMissing); err != nil {
		t.Fatalf("UpdateDeploymentSync failed: %v", err)
	}
	got, _ := s.GetDeployment(firstID)
	if got.Status != StatusMissing || got.Checksum != "" {
		t.Errorf("unexpected deployment state: %s %q", got.Status, got.Checksum)
	}

	found, err := s.FindDeployment(sk.ID, "", "claude-code")
	if err != nil || found.ID != global.ID {
		t.Errorf("FindDeployment returned %v, %v", found, err)
	}
}

func TestDeleteSkillCascades(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", map[string]string{"A.md": "v1"})
	d := &Deployment{SkillID: sk.ID, Tool: "claude-code", Path: filepath.Join(t.TempDir(), "demo")}
	if err := s.UpsertDeployment(d); err != nil {
		t.Fatalf("UpsertDeployment failed: %v", err)
	}
	if _, err := s.CreateBackup(sk.ID, ReasonBeforeMerge); err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}

	if err := s.DeleteSkill(sk.ID); err != nil {
		t.Fatalf("DeleteSkill failed: %v", err)
	}
	if _, err := s.GetDeployment(d.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("deployment should cascade, got %v", err)
	}
	backups, _ := s.ListBackups(sk.ID)
	if len(backups) != 0 {
		t.Errorf("backups should cascade, got %d", len(backups))
	}
}

func TestBackupIsSnapshot(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", map[string]string{"A.md": "v1", "B.md": "b"})

	b, err := s.CreateBackup(sk.ID, ReasonBeforeRestore)
	if err != nil {
		t.Fatalf("CreateBackup failed: %v", err)
	}
	if b.FileCount != 2 || b.Checksum == "" {
		t.Errorf("unexpected backup metadata: %+v", b)
	}

	s.WriteFile(sk.ID, "A.md", []byte("v2"))
	s.DeleteFile(sk.ID, "B.md")

	files, err := s.BackupFiles(b.ID)
	if err != nil {
		t.Fatalf("BackupFiles failed: %v", err)
	}
	if len(files) != 2 || string(files[0].Content) != "v1" {
		t.Errorf("backup changed with live content: %+v", files)
	}
	if checksum.Fingerprint(files) != b.Checksum {
		t.Error("backup checksum does not match its files")
	}

	if _, err := s.BackupFiles("nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestBeginPendingEpisodeTakesOneBackup(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", map[string]string{"A.md": "v1"})

	first, started, err := s.BeginPendingEpisode(sk.ID, "dep-1")
	if err != nil || !started {
		t.Fatalf("first BeginPendingEpisode: started=%v err=%v", started, err)
	}
	second, started, err := s.BeginPendingEpisode(sk.ID, "dep-2")
	if err != nil || started {
		t.Fatalf("second BeginPendingEpisode: started=%v err=%v", started, err)
	}
	if first != second {
		t.Errorf("expected same backup, got %s and %s", first, second)
	}

	got, _ := s.GetSkill(sk.ID)
	if !got.Pending() || got.PendingBackupID != first || got.PendingDeploymentID != "dep-1" {
		t.Errorf("unexpected pending markers: %+v", got)
	}
	backups, _ := s.ListBackups(sk.ID)
	if len(backups) != 1 || backups[0].Reason != ReasonExternalEdit {
		t.Errorf("expected one external edit backup, got %d", len(backups))
	}

	if err := s.ClearPending(sk.ID); err != nil {
		t.Fatalf("ClearPending failed: %v", err)
	}
	got, _ = s.GetSkill(sk.ID)
	if got.Pending() || got.PendingBackupID != "" {
		t.Error("markers not cleared")
	}

	if _, started, _ := s.BeginPendingEpisode(sk.ID, "dep-1"); !started {
		t.Error("a new episode should start after clear")
	}
	backups, _ = s.ListBackups(sk.ID)
	if len(backups) != 2 {
		t.Errorf("expected 2 backups across episodes, got %d", len(backups))
	}
}

func TestChangeEvents(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", map[string]string{"A.md": "v1"})

	e1 := &ChangeEvent{SkillID: sk.ID, SubjectRef: "dep", Source: SourceWatcher, Type: EventModified, RelPath: "A.md"}
	e2 := &ChangeEvent{SubjectRef: "proj:cursor:other", Source: SourceReconcile, Type: EventCreated}
	for _, e := range []*ChangeEvent{e1, e2} {
		if err := s.InsertChangeEvent(e); err != nil {
			t.Fatalf("InsertChangeEvent failed: %v", err)
		}
	}
	if err := s.InsertChangeEvent(&ChangeEvent{Type: "renamed"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	pending, _ := s.ListChangeEvents(EventFilter{Resolution: ResolutionPending})
	if len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(pending))
	}
	mine, _ := s.ListChangeEvents(EventFilter{SkillID: sk.ID})
	if len(mine) != 1 || mine[0].ID != e1.ID {
		t.Errorf("unexpected skill events: %v", mine)
	}

	if err := s.ResolveChangeEvent(e2.ID, ResolutionIgnored); err != nil {
		t.Fatalf("ResolveChangeEvent failed: %v", err)
	}
	if err := s.ResolveChangeEvent(e2.ID, ResolutionAccepted); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("resolving twice should fail validation, got %v", err)
	}
	if err := s.ResolveChangeEvent("nope", ResolutionAccepted); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	n, err := s.ResolveSkillEvents(sk.ID, SourceWatcher, ResolutionReverted)
	if err != nil || n != 1 {
		t.Fatalf("ResolveSkillEvents = %d, %v", n, err)
	}
	got, _ := s.GetChangeEvent(e1.ID)
	if got.Resolution != ResolutionReverted || got.ResolvedAt == nil {
		t.Errorf("unexpected resolution: %s", got.Resolution)
	}
}

func TestSyncHistory(t *testing.T) {
	s := openTestStore(t)
	sk := createSkill(t, s, "demo", nil)

	for _, action := range []string{ActionDeploy, ActionSync} {
		if err := s.InsertSyncHistory(&SyncHistory{SkillID: sk.ID, Action: action, ToChecksum: "x"}); err != nil {
			t.Fatalf("InsertSyncHistory failed: %v", err)
		}
	}
	hist, err := s.ListSyncHistory(sk.ID, 1)
	if err != nil {
		t.Fatalf("ListSyncHistory failed: %v", err)
	}
	if len(hist) != 1 || hist[0].Action != ActionSync {
		t.Errorf("expected newest sync record, got %+v", hist)
	}
}
