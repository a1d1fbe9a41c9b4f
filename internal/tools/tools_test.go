package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLookup(t *testing.T) {
	r := Default()
	require.Same(t, r, Default())

	cc, ok := r.Get("claude-code")
	require.True(t, ok)
	assert.Equal(t, ".claude/skills", cc.ProjectDir)
	assert.Equal(t, ".claude/skills", cc.GlobalDir)

	ws, ok := r.Get("windsurf")
	require.True(t, ok)
	assert.Equal(t, ".codeium/windsurf/skills", ws.GlobalDir)

	_, ok = r.Get("notepad")
	assert.False(t, ok)
}

func TestProjectDirsDeduped(t *testing.T) {
	dirs := Default().ProjectDirs()

	seen := map[string]bool{}
	for i, d := range dirs {
		assert.False(t, seen[d.Dir], "duplicate dir %s", d.Dir)
		seen[d.Dir] = true
		if i > 0 {
			assert.Less(t, dirs[i-1].Dir, d.Dir)
		}
	}

	for _, d := range dirs {
		if d.Dir == ".agents/skills" {
			assert.Equal(t, "amp", d.ToolID)
		}
	}
	assert.True(t, seen["skills"])
}

func TestGlobalDirsDeduped(t *testing.T) {
	dirs := Default().GlobalDirs()
	seen := map[string]string{}
	for _, d := range dirs {
		_, dup := seen[d.Dir]
		assert.False(t, dup, "duplicate dir %s", d.Dir)
		seen[d.Dir] = d.ToolID
	}
	assert.Equal(t, "amp", seen[".config/agents/skills"])
	assert.Equal(t, "cursor", seen[".cursor/skills"])
	assert.Less(t, len(dirs), len(Default().All()))
}

func TestNewIgnoresDuplicates(t *testing.T) {
	r := New([]Tool{
		{ID: "a", ProjectDir: ".a/skills"},
		{ID: "a", ProjectDir: ".other"},
		{ID: "", ProjectDir: ".blank"},
	})
	require.Len(t, r.All(), 1)
	a, _ := r.Get("a")
	assert.Equal(t, ".a/skills", a.ProjectDir)

	all := r.All()
	all[0].ID = "mutated"
	_, ok := r.Get("a")
	assert.True(t, ok)
}
