package registry

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/checksum"
	"skillsyncd/internal/fswalk"
	"skillsyncd/internal/store"
)

type recordingSuppressor struct {
	mu       sync.Mutex
	paths    []string
	released int
}

func (s *recordingSuppressor) Suppress(path string) func() {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}
}

type fixture struct {
	reg     *Registry
	st      *store.Store
	project *store.Project
	global  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "skills.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	proj, err := st.AddProject("web", t.TempDir())
	require.NoError(t, err)

	global := t.TempDir()
	return &fixture{
		reg:     New(st, Options{GlobalRoot: global}),
		st:      st,
		project: proj,
		global:  global,
	}
}

func (f *fixture) skill(t *testing.T, name string, files map[string]string) *store.Skill {
	t.Helper()
	sk := &store.Skill{Name: name}
	require.NoError(t, f.st.CreateSkill(sk))
	for p, c := range files {
		require.NoError(t, f.st.WriteFile(sk.ID, p, []byte(c)))
	}
	_, err := f.st.RefreshSkillChecksum(sk.ID)
	require.NoError(t, err)
	return sk
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestResolve(t *testing.T) {
	f := newFixture(t)

	p, err := f.reg.Resolve("demo", Target{ProjectID: f.project.ID, Tool: "claude-code"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.project.Path, ".claude", "skills", "demo"), p)

	p, err = f.reg.Resolve("demo", Target{Tool: "windsurf"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.global, ".codeium", "windsurf", "skills", "demo"), p)

	_, err = f.reg.Resolve("demo", Target{Tool: "notepad"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	for _, bad := range []string{"", "..", "a/b", `a\b`, ".hidden"} {
		_, err = f.reg.Resolve(bad, Target{Tool: "cursor"})
		assert.ErrorIs(t, err, apperr.ErrValidation, "name %q", bad)
	}

	_, err = f.reg.Resolve("demo", Target{ProjectID: "missing", Tool: "cursor"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeployFresh(t *testing.T) {
	f := newFixture(t)
	sk := f.skill(t, "demo", map[string]string{"SKILL.md": "# demo", "ref/a.md": "a"})

	res, err := f.reg.Deploy(sk.ID, Target{ProjectID: f.project.ID, Tool: "claude-code"}, false)
	require.NoError(t, err)
	require.NotNil(t, res.Deployment)
	assert.Nil(t, res.Conflict)
	assert.Equal(t, 2, res.FilesCopied)
	assert.Equal(t, "a", readFile(t, filepath.Join(res.Path, "ref", "a.md")))

	storeSum, _ := checksum.Store(f.st, sk.ID)
	dirSum, _ := checksum.Dir(res.Path, fswalk.Options{})
	assert.Equal(t, storeSum, res.Checksum)
	assert.Equal(t, storeSum, dirSum)
	assert.Equal(t, store.StatusSynced, res.Deployment.Status)

	hist, err := f.st.ListSyncHistory(sk.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.ActionDeploy, hist[0].Action)
}

func TestDeployTwiceIsExistsSame(t *testing.T) {
	f := newFixture(t)
	sk := f.skill(t, "demo", map[string]string{"A.md": "v1"})
	target := Target{ProjectID: f.project.ID, Tool: "cursor"}

	first, err := f.reg.Deploy(sk.ID, target, false)
	require.NoError(t, err)

	second, err := f.reg.Deploy(sk.ID, target, false)
	require.NoError(t, err)
	require.NotNil(t, second.Conflict)
	assert.Equal(t, ConflictExistsSame, second.Conflict.Status)
	assert.Zero(t, second.FilesCopied)
	require.NotNil(t, second.Deployment)
	assert.Equal(t, first.Deployment.ID, second.Deployment.ID)

	deps, _ := f.st.ListSkillDeployments(sk.ID)
	assert.Len(t, deps, 1)
}

func TestDeployExistsDifferent(t *testing.T) {
	f := newFixture(t)
	sk := f.skill(t, "demo", map[string]string{"A.md": "v1"})
	target := Target{Tool: "claude-code"}

	first, err := f.reg.Deploy(sk.ID, target, false)
	require.NoError(t, err)
	path := filepath.Join(first.Path, "A.md")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	res, err := f.reg.Deploy(sk.ID, target, false)
	require.NoError(t, err)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, ConflictExistsDifferent, res.Conflict.Status)
	assert.Nil(t, res.Deployment)
	assert.NotEqual(t, res.Conflict.ExistingChecksum, res.Conflict.StoreChecksum)
	assert.Equal(t, "local", readFile(t, path))

	row, err := f.st.GetDeployment(first.Deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, row.Checksum)

	forced, err := f.reg.Deploy(sk.ID, target, true)
	require.NoError(t, err)
	assert.Nil(t, forced.Conflict)
	assert.Equal(t, "v1", readFile(t, path))
	assert.Equal(t, 1, forced.FilesCopied)
}

func TestDeployEmptySkill(t *testing.T) {
	f := newFixture(t)
	sk := f.skill(t, "hollow", nil)

	_, err := f.reg.Deploy(sk.ID, Target{Tool: "cursor"}, false)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.reg.Deploy("nope", Target{Tool: "cursor"}, false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSyncOverwritesDisk(t *testing.T) {
	f := newFixture(t)
	sk := f.skill(t, "demo", map[string]string{"A.md": "v1"})
	dep, err := f.reg.Deploy(sk.ID, Target{Tool: "cursor"}, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dep.Path, "stray.md"), []byte("x"), 0o644))
	require.NoError(t, f.st.WriteFile(sk.ID, "A.md", []byte("v2")))

	res, err := f.reg.Sync(dep.Deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, dep.Checksum, res.OldChecksum)
	assert.NotEqual(t, res.OldChecksum, res.NewChecksum)
	assert.Equal(t, "v2", readFile(t, filepath.Join(dep.Path, "A.md")))
	assert.NoFileExists(t, filepath.Join(dep.Path, "stray.md"))

	storeSum, _ := checksum.Store(f.st, sk.ID)
	assert.Equal(t, storeSum, res.NewChecksum)
	assert.Empty(t, scratchEntries(t, filepath.Dir(dep.Path)))
}

// scratchEntries lists the dot entries left beside deployment directories.
func scratchEntries(t *testing.T, parent string) []string {
	t.Helper()
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestSyncEmptySkillKeepsDeployment(t *testing.T) {
	f := newFixture(t)
	sk := f.skill(t, "demo", map[string]string{"A.md": "v1"})
	dep, err := f.reg.Deploy(sk.ID, Target{Tool: "cursor"}, false)
	require.NoError(t, err)

	require.NoError(t, f.st.DeleteFile(sk.ID, "A.md"))
	_, err = f.reg.Sync(dep.Deployment.ID)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Equal(t, "v1", readFile(t, filepath.Join(dep.Path, "A.md")))
	row, err := f.st.GetDeployment(dep.Deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, dep.Checksum, row.Checksum)
	assert.Empty(t, scratchEntries(t, filepath.Dir(dep.Path)))
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	sk := f.skill(t, "demo", map[string]string{"A.md": "v1"})
	dep, err := f.reg.Deploy(sk.ID, Target{Tool: "cursor"}, false)
	require.NoError(t, err)

	require.NoError(t, f.reg.Remove(dep.Deployment.ID))
	assert.NoDirExists(t, dep.Path)
	assert.Empty(t, scratchEntries(t, filepath.Dir(dep.Path)))
	_, err = f.st.GetDeployment(dep.Deployment.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// Directory already gone: the row is still removed.
	dep, err = f.reg.Deploy(sk.ID, Target{Tool: "cursor"}, false)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dep.Path))
	require.NoError(t, f.reg.Remove(dep.Deployment.ID))

	assert.ErrorIs(t, f.reg.Remove("nope"), apperr.ErrNotFound)
}

func TestSuppressorWrapsWrites(t *testing.T) {
	f := newFixture(t)
	sup := &recordingSuppressor{}
	f.reg.SetSuppressor(sup)

	sk := f.skill(t, "demo", map[string]string{"A.md": "v1"})
	dep, err := f.reg.Deploy(sk.ID, Target{Tool: "cursor"}, false)
	require.NoError(t, err)
	_, err = f.reg.Sync(dep.Deployment.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{dep.Path, dep.Path}, sup.paths)
	assert.Equal(t, 2, sup.released)
}

func TestUpdateFromDeployment(t *testing.T) {
	f := newFixture(t)
	sk := f.skill(t, "demo", map[string]string{"A.md": "v1"})
	a, err := f.reg.Deploy(sk.ID, Target{Tool: "cursor"}, false)
	require.NoError(t, err)
	b, err := f.reg.Deploy(sk.ID, Target{ProjectID: f.project.ID, Tool: "claude-code"}, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(a.Path, "A.md"), []byte("edited"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(a.Path, "B.md"), []byte("new"), 0o644))

	res, err := f.reg.UpdateFromDeployment(a.Deployment.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesImported)
	assert.Len(t, res.Synced, 1)

	data, err := f.st.ReadFile(sk.ID, "A.md")
	require.NoError(t, err)
	assert.Equal(t, "edited", string(data))
	assert.Equal(t, "new", readFile(t, filepath.Join(b.Path, "B.md")))

	backup, err := f.st.GetBackup(res.BackupID)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonBeforeUpdate, backup.Reason)
	assert.Equal(t, a.Checksum, backup.Checksum)

	for _, id := range []string{a.Deployment.ID, b.Deployment.ID} {
		d, err := f.st.GetDeployment(id)
		require.NoError(t, err)
		assert.Equal(t, res.NewChecksum, d.Checksum)
		assert.Equal(t, store.StatusSynced, d.Status)
	}

	require.NoError(t, os.RemoveAll(a.Path))
	_, err = f.reg.UpdateFromDeployment(a.Deployment.ID, false)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRestoreBackup(t *testing.T) {
	f := newFixture(t)
	sk := f.skill(t, "demo", map[string]string{"A.md": "v1"})
	dep, err := f.reg.Deploy(sk.ID, Target{Tool: "cursor"}, false)
	require.NoError(t, err)

	b, err := f.st.CreateBackup(sk.ID, store.ReasonBeforeMerge)
	require.NoError(t, err)
	require.NoError(t, f.st.WriteFile(sk.ID, "A.md", []byte("v2")))

	res, err := f.reg.RestoreBackup(b.ID, true)
	require.NoError(t, err)
	assert.Equal(t, b.Checksum, res.Checksum)
	require.Len(t, res.Synced, 1)
	assert.Equal(t, "v1", readFile(t, filepath.Join(dep.Path, "A.md")))

	safety, err := f.st.BackupFiles(res.SafetyBackupID)
	require.NoError(t, err)
	require.Len(t, safety, 1)
	assert.Equal(t, "v2", string(safety[0].Content))

	_, err = f.reg.RestoreBackup("nope", false)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAdopt(t *testing.T) {
	f := newFixture(t)
	sk := f.skill(t, "demo", map[string]string{"SKILL.md": "# demo", "ref/a.md": "alpha"})
	target := Target{ProjectID: f.project.ID, Tool: "claude-code"}

	_, err := f.reg.Adopt(sk.ID, target)
	assert.ErrorIs(t, err, apperr.ErrValidation, "nothing on disk yet")

	dest, err := f.reg.Resolve("demo", target)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "ref"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "SKILL.md"), []byte("# demo"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "ref", "a.md"), []byte("alpha"), 0o644))

	d, err := f.reg.Adopt(sk.ID, target)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSynced, d.Status)
	assert.Equal(t, dest, d.Path)
	assert.Equal(t, "alpha", readFile(t, filepath.Join(dest, "ref", "a.md")), "adopting never rewrites the directory")

	hist, err := f.st.ListSyncHistory(sk.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, store.ActionAdopt, hist[0].Action)

	// A second adoption of an edited directory updates the same row.
	require.NoError(t, os.WriteFile(filepath.Join(dest, "ref", "a.md"), []byte("edited"), 0o644))
	again, err := f.reg.Adopt(sk.ID, target)
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, store.StatusDiverged, again.Status)
	assert.NotEqual(t, d.Checksum, again.Checksum)

	empty := f.skill(t, "empty", nil)
	emptyDir, err := f.reg.Resolve("empty", target)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(emptyDir, 0o755))
	_, err = f.reg.Adopt(empty.ID, target)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
