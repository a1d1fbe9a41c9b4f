package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/fswalk"
)

type mapSource map[string][]Entry

func (m mapSource) Files(skillID string) ([]Entry, error) {
	return m[skillID], nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestFingerprintKnownValue(t *testing.T) {
	h := sha256.New()
	h.Write([]byte("A.md"))
	h.Write([]byte("v1"))
	h.Write([]byte("b/c.txt"))
	h.Write([]byte("hello"))
	want := hex.EncodeToString(h.Sum(nil))

	got := Fingerprint([]Entry{
		{Path: "b/c.txt", Content: []byte("hello")},
		{Path: "A.md", Content: []byte("v1")},
	})
	assert.Equal(t, want, got)
}

func TestFingerprintEmpty(t *testing.T) {
	assert.Equal(t, "", Fingerprint(nil))
	assert.Equal(t, "", Fingerprint([]Entry{}))
}

func TestFingerprintOrderInvariant(t *testing.T) {
	entries := []Entry{
		{Path: "SKILL.md", Content: []byte("# s")},
		{Path: "a/b.md", Content: []byte("b")},
		{Path: "a/c.md", Content: []byte("c")},
		{Path: "z.txt", Content: []byte("")},
		{Path: "scripts/run.sh", Content: []byte("#!/bin/sh")},
	}
	want := Fingerprint(entries)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]Entry(nil), entries...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Fingerprint(shuffled))
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := []Entry{{Path: "A.md", Content: []byte("v1")}}
	assert.NotEqual(t, Fingerprint(base), Fingerprint([]Entry{{Path: "A.md", Content: []byte("v2")}}))
	assert.NotEqual(t, Fingerprint(base), Fingerprint([]Entry{{Path: "B.md", Content: []byte("v1")}}))
	assert.NotEqual(t, Fingerprint(base), Fingerprint(append(base, Entry{Path: "C.md"})))
}

func TestDirMatchesFingerprint(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"SKILL.md":       "# demo",
		"scripts/run.sh": "echo hi",
		"ref/notes.md":   "notes",
	}
	writeTree(t, root, files)
	writeTree(t, root, map[string]string{".DS_Store": "ignored"})

	var entries []Entry
	for p, c := range files {
		entries = append(entries, Entry{Path: p, Content: []byte(c)})
	}

	got, err := Dir(root, fswalk.Options{})
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(entries), got)

	fromStore, err := Store(mapSource{"s1": entries}, "s1")
	require.NoError(t, err)
	assert.Equal(t, got, fromStore)
}

func TestDirEmptyAndMissing(t *testing.T) {
	empty := t.TempDir()
	got, err := Dir(empty, fswalk.Options{})
	require.NoError(t, err)
	assert.Equal(t, "", got)

	_, err = Dir(filepath.Join(empty, "missing"), fswalk.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorIs(t, err, apperr.ErrIO)
}

func TestPoolDirs(t *testing.T) {
	var paths []string
	var want []string
	for i := 0; i < 7; i++ {
		dir := filepath.Join(t.TempDir(), "skill")
		writeTree(t, dir, map[string]string{"SKILL.md": string(rune('a' + i))})
		paths = append(paths, dir)
		sum, err := Dir(dir, fswalk.Options{})
		require.NoError(t, err)
		want = append(want, sum)
	}
	paths = append(paths, filepath.Join(t.TempDir(), "gone"))

	pool := NewPool(3, fswalk.Options{})
	assert.Equal(t, 3, pool.Workers())

	results := pool.Dirs(paths)
	require.Len(t, results, len(paths))
	for i := range want {
		assert.Equal(t, paths[i], results[i].Path)
		assert.NoError(t, results[i].Err)
		assert.Equal(t, want[i], results[i].Checksum)
	}
	assert.ErrorIs(t, results[len(results)-1].Err, os.ErrNotExist)

	assert.Empty(t, pool.Dirs(nil))
	assert.Positive(t, NewPool(0, fswalk.Options{}).Workers())
}

func TestDirUnreadableFails(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := t.TempDir()
	writeTree(t, root, map[string]string{"SKILL.md": "# s", "ref/a.md": "a", "z.md": "z"})

	require.NoError(t, os.Chmod(filepath.Join(root, "z.md"), 0))
	t.Cleanup(func() { os.Chmod(filepath.Join(root, "z.md"), 0o644) })
	_, err := Dir(root, fswalk.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrIO)
	assert.ErrorIs(t, err, os.ErrPermission)

	require.NoError(t, os.Chmod(filepath.Join(root, "z.md"), 0o644))
	require.NoError(t, os.Chmod(filepath.Join(root, "ref"), 0))
	t.Cleanup(func() { os.Chmod(filepath.Join(root, "ref"), 0o755) })
	_, err = Dir(root, fswalk.Options{})
	assert.ErrorIs(t, err, os.ErrPermission)
}
