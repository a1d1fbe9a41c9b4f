// Package skillmd reads skill metadata from the YAML frontmatter of a
// skill's SKILL.md.
package skillmd

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"skillsyncd/internal/apperr"
)

// FileName is the metadata file at the root of every skill.
const FileName = "SKILL.md"

// Meta is the metadata of one skill.
type Meta struct {
	Name        string
	Description string
	Version     string
	// Body is the markdown after the frontmatter.
	Body string
	// HasFrontmatter is false when SKILL.md is missing or has no frontmatter;
	// Name then falls back to the directory name.
	HasFrontmatter bool
	// Problems lists frontmatter schema violations. They do not stop a
	// parse.
	Problems []string
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Version is kept as a node so "1.10" is not read as the float 1.1.
	Version yaml.Node `yaml:"version"`
}

// Parse reads dir/SKILL.md. A missing file yields the directory name and no
// error. Malformed frontmatter is a Validation error.
func Parse(dir string) (*Meta, error) {
	fallback := filepath.Base(filepath.Clean(dir))
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Meta{Name: fallback}, nil
		}
		return nil, apperr.IO("read "+FileName, err)
	}
	return ParseBytes(data, fallback)
}

// ParseBytes parses SKILL.md content. fallbackName is used when the
// frontmatter has no name.
func ParseBytes(data []byte, fallbackName string) (*Meta, error) {
	front, body, ok := splitFrontmatter(string(data))
	meta := &Meta{Name: fallbackName, Body: body}
	if !ok {
		return meta, nil
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, apperr.Validation("parse "+FileName, "invalid frontmatter: %v", err)
	}
	meta.HasFrontmatter = true
	meta.Problems = Lint(front)
	if name := strings.TrimSpace(fm.Name); name != "" {
		meta.Name = name
	}
	meta.Description = strings.TrimSpace(fm.Description)
	meta.Version = strings.TrimSpace(fm.Version.Value)
	return meta, nil
}

func splitFrontmatter(raw string) (frontmatter string, body string, ok bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(raw, "---\n") {
		return "", strings.TrimSpace(raw), false
	}
	lines := strings.Split(raw, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end <= 0 {
		return "", strings.TrimSpace(raw), false
	}
	front := strings.Join(lines[1:end], "\n")
	bodyPart := ""
	if end+1 < len(lines) {
		bodyPart = strings.Join(lines[end+1:], "\n")
	}
	return front, strings.TrimSpace(bodyPart), true
}

// Canonical returns v as a canonical semantic version ("v1.2.0"), or "" if
// v is not one. A missing "v" prefix is accepted.
func Canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// ValidVersion reports whether v is a semantic version. Empty is valid:
// skills need not be versioned.
func ValidVersion(v string) bool {
	return strings.TrimSpace(v) == "" || Canonical(v) != ""
}

// Compare orders two versions like semver.Compare. Invalid versions sort
// before valid ones.
func Compare(a, b string) int {
	return semver.Compare(Canonical(a), Canonical(b))
}
