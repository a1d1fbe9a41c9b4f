// Package tools is the static table of AI coding tools that load skills from
// disk, with the project-relative and home-relative directory each one reads.
package tools

import (
	"sort"
	"sync"
)

// Tool describes where one tool looks for skills.
type Tool struct {
	// ID is the stable identifier stored on deployments.
	ID   string
	Name string
	// ProjectDir is relative to a project root.
	ProjectDir string
	// GlobalDir is relative to the user's home (or the configured global root).
	GlobalDir string
}

// Registry is an immutable lookup table. Build it once and share it.
type Registry struct {
	tools []Tool
	byID  map[string]Tool
}

// New builds a registry from a tool list. Later duplicates of an ID are ignored.
func New(list []Tool) *Registry {
	r := &Registry{byID: make(map[string]Tool, len(list))}
	for _, t := range list {
		if _, dup := r.byID[t.ID]; dup || t.ID == "" {
			continue
		}
		r.byID[t.ID] = t
		r.tools = append(r.tools, t)
	}
	return r
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the built-in registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New(builtin)
	})
	return defaultRegistry
}

// Get looks up a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// All returns a copy of every tool in registration order.
func (r *Registry) All() []Tool {
	return append([]Tool(nil), r.tools...)
}

// ToolDir pairs a distinct skills directory with the first tool registered
// for it. Several tools share ".agents/skills" in projects and
// ".config/agents/skills" globally.
type ToolDir struct {
	Dir    string
	ToolID string
}

// ProjectDirs returns each distinct project directory once, sorted by Dir.
func (r *Registry) ProjectDirs() []ToolDir {
	return r.dirs(func(t Tool) string { return t.ProjectDir })
}

// GlobalDirs returns each distinct global directory once, sorted by Dir.
func (r *Registry) GlobalDirs() []ToolDir {
	return r.dirs(func(t Tool) string { return t.GlobalDir })
}

func (r *Registry) dirs(pick func(Tool) string) []ToolDir {
	seen := make(map[string]bool)
	var out []ToolDir
	for _, t := range r.tools {
		dir := pick(t)
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		out = append(out, ToolDir{Dir: dir, ToolID: t.ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out
}

var builtin = []Tool{
	{ID: "amp", Name: "Amp", ProjectDir: ".agents/skills", GlobalDir: ".config/agents/skills"},
	{ID: "antigravity", Name: "Antigravity", ProjectDir: ".agent/skills", GlobalDir: ".gemini/antigravity/skills"},
	{ID: "augment", Name: "Augment", ProjectDir: ".augment/skills", GlobalDir: ".augment/skills"},
	{ID: "claude-code", Name: "Claude Code", ProjectDir: ".claude/skills", GlobalDir: ".claude/skills"},
	{ID: "cline", Name: "Cline", ProjectDir: ".cline/skills", GlobalDir: ".cline/skills"},
	{ID: "codebuddy", Name: "CodeBuddy", ProjectDir: ".codebuddy/skills", GlobalDir: ".codebuddy/skills"},
	{ID: "codex", Name: "Codex", ProjectDir: ".agents/skills", GlobalDir: ".codex/skills"},
	{ID: "command-code", Name: "Command Code", ProjectDir: ".commandcode/skills", GlobalDir: ".commandcode/skills"},
	{ID: "continue", Name: "Continue", ProjectDir: ".continue/skills", GlobalDir: ".continue/skills"},
	{ID: "cortex", Name: "Cortex Code", ProjectDir: ".cortex/skills", GlobalDir: ".snowflake/cortex/skills"},
	{ID: "crush", Name: "Crush", ProjectDir: ".crush/skills", GlobalDir: ".config/crush/skills"},
	{ID: "cursor", Name: "Cursor", ProjectDir: ".agents/skills", GlobalDir: ".cursor/skills"},
	{ID: "droid", Name: "Droid", ProjectDir: ".factory/skills", GlobalDir: ".factory/skills"},
	{ID: "gemini-cli", Name: "Gemini CLI", ProjectDir: ".agents/skills", GlobalDir: ".gemini/skills"},
	{ID: "github-copilot", Name: "GitHub Copilot", ProjectDir: ".agents/skills", GlobalDir: ".copilot/skills"},
	{ID: "goose", Name: "Goose", ProjectDir: ".goose/skills", GlobalDir: ".config/goose/skills"},
	{ID: "iflow-cli", Name: "iFlow CLI", ProjectDir: ".iflow/skills", GlobalDir: ".iflow/skills"},
	{ID: "junie", Name: "Junie", ProjectDir: ".junie/skills", GlobalDir: ".junie/skills"},
	{ID: "kilo", Name: "Kilo Code", ProjectDir: ".kilocode/skills", GlobalDir: ".kilocode/skills"},
	{ID: "kimi-cli", Name: "Kimi Code CLI", ProjectDir: ".agents/skills", GlobalDir: ".config/agents/skills"},
	{ID: "kiro-cli", Name: "Kiro CLI", ProjectDir: ".kiro/skills", GlobalDir: ".kiro/skills"},
	{ID: "kode", Name: "Kode", ProjectDir: ".kode/skills", GlobalDir: ".kode/skills"},
	{ID: "mcpjam", Name: "MCPJam", ProjectDir: ".mcpjam/skills", GlobalDir: ".mcpjam/skills"},
	{ID: "mistral-vibe", Name: "Mistral Vibe", ProjectDir: ".vibe/skills", GlobalDir: ".vibe/skills"},
	{ID: "mux", Name: "Mux", ProjectDir: ".mux/skills", GlobalDir: ".mux/skills"},
	{ID: "openclaw", Name: "OpenClaw", ProjectDir: "skills", GlobalDir: ".openclaw/skills"},
	{ID: "opencode", Name: "OpenCode", ProjectDir: ".agents/skills", GlobalDir: ".config/opencode/skills"},
	{ID: "openhands", Name: "OpenHands", ProjectDir: ".openhands/skills", GlobalDir: ".openhands/skills"},
	{ID: "pi", Name: "Pi", ProjectDir: ".pi/skills", GlobalDir: ".pi/agent/skills"},
	{ID: "qoder", Name: "Qoder", ProjectDir: ".qoder/skills", GlobalDir: ".qoder/skills"},
	{ID: "qwen-code", Name: "Qwen Code", ProjectDir: ".qwen/skills", GlobalDir: ".qwen/skills"},
	{ID: "replit", Name: "Replit", ProjectDir: ".agents/skills", GlobalDir: ".config/agents/skills"},
	{ID: "roo", Name: "Roo Code", ProjectDir: ".roo/skills", GlobalDir: ".roo/skills"},
	{ID: "trae", Name: "Trae", ProjectDir: ".trae/skills", GlobalDir: ".trae/skills"},
	{ID: "trae-cn", Name: "Trae CN", ProjectDir: ".trae/skills", GlobalDir: ".trae-cn/skills"},
	{ID: "universal", Name: "Universal", ProjectDir: ".agents/skills", GlobalDir: ".config/agents/skills"},
	{ID: "windsurf", Name: "Windsurf", ProjectDir: ".windsurf/skills", GlobalDir: ".codeium/windsurf/skills"},
	{ID: "zencoder", Name: "Zencoder", ProjectDir: ".zencoder/skills", GlobalDir: ".zencoder/skills"},
	{ID: "neovate", Name: "Neovate", ProjectDir: ".neovate/skills", GlobalDir: ".neovate/skills"},
	{ID: "pochi", Name: "Pochi", ProjectDir: ".pochi/skills", GlobalDir: ".pochi/skills"},
	{ID: "adal", Name: "AdaL", ProjectDir: ".adal/skills", GlobalDir: ".adal/skills"},
}
