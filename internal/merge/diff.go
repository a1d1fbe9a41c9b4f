// Package merge diffs skill directories and merges divergent copies.
package merge

import (
	"bytes"
	"errors"
	"io/fs"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/fswalk"
	"skillsyncd/internal/store"
)

// ContextLines is the unchanged context kept around each change. Changes
// separated by at most twice this many lines share a hunk.
const ContextLines = 3

// Line tags.
const (
	TagEqual  = " "
	TagInsert = "+"
	TagDelete = "-"
)

// Line is one diff line. Content has its line terminator removed.
type Line struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// Hunk is a run of changes with surrounding context. Starts are 1-based;
// a zero count means the hunk inserts after line Start.
type Hunk struct {
	OldStart int    `json:"old_start"`
	OldCount int    `json:"old_count"`
	NewStart int    `json:"new_start"`
	NewCount int    `json:"new_count"`
	Lines    []Line `json:"lines"`
}

// File statuses reported by DiffDirs.
const (
	StatusAdded     = "added"
	StatusRemoved   = "removed"
	StatusModified  = "modified"
	StatusUnchanged = "unchanged"
)

// FileDiff is the comparison of one relative path.
type FileDiff struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Binary bool   `json:"binary,omitempty"`
	Hunks  []Hunk `json:"hunks,omitempty"`
}

// Summary counts files per status.
type Summary struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Modified  int `json:"modified"`
	Unchanged int `json:"unchanged"`
}

// DirDiff compares two file sets.
type DirDiff struct {
	Files   []FileDiff `json:"files"`
	Summary Summary    `json:"summary"`
}

// FileSet maps slash-separated relative paths to content.
type FileSet map[string][]byte

// Paths returns the set's paths, sorted.
func (s FileSet) Paths() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// LoadDir reads a directory into a FileSet. A missing directory is an IO
// error wrapping fs.ErrNotExist.
func LoadDir(dir string, opts fswalk.Options) (FileSet, error) {
	entries, err := store.ReadDir(dir, opts)
	if err != nil {
		return nil, err
	}
	set := make(FileSet, len(entries))
	for _, e := range entries {
		set[e.Path] = e.Content
	}
	return set, nil
}

// loadOptional is LoadDir with a missing directory read as empty.
func loadOptional(dir string, opts fswalk.Options) (FileSet, bool, error) {
	set, err := LoadDir(dir, opts)
	if errors.Is(err, fs.ErrNotExist) {
		return FileSet{}, false, nil
	}
	return set, err == nil, err
}

// splitLines splits s after each newline. A final line without a newline is
// kept as is.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func opcodes(a, b []string) []difflib.OpCode {
	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	return m.GetOpCodes()
}

// DiffText returns the line hunks turning a into b, or nil when they are
// equal.
func DiffText(a, b string) []Hunk {
	if a == b {
		return nil
	}
	al, bl := splitLines(a), splitLines(b)
	m := difflib.NewMatcherWithJunk(al, bl, false, nil)

	var hunks []Hunk
	for _, group := range m.GetGroupedOpCodes(ContextLines) {
		first := group[0]
		h := Hunk{OldStart: first.I1, NewStart: first.J1}
		for _, op := range group {
			switch op.Tag {
			case 'e':
				for _, l := range al[op.I1:op.I2] {
					h.Lines = append(h.Lines, Line{Tag: TagEqual, Content: trimEOL(l)})
				}
				h.OldCount += op.I2 - op.I1
				h.NewCount += op.J2 - op.J1
			case 'd', 'r', 'i':
				for _, l := range al[op.I1:op.I2] {
					h.Lines = append(h.Lines, Line{Tag: TagDelete, Content: trimEOL(l)})
				}
				for _, l := range bl[op.J1:op.J2] {
					h.Lines = append(h.Lines, Line{Tag: TagInsert, Content: trimEOL(l)})
				}
				h.OldCount += op.I2 - op.I1
				h.NewCount += op.J2 - op.J1
			}
		}
		if h.OldCount > 0 {
			h.OldStart++
		}
		if h.NewCount > 0 {
			h.NewStart++
		}
		hunks = append(hunks, h)
	}
	return hunks
}

func trimEOL(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// isBinary uses the same heuristic as git: a NUL byte in the first 8000
// bytes.
func isBinary(b []byte) bool {
	if len(b) > 8000 {
		b = b[:8000]
	}
	return bytes.IndexByte(b, 0) >= 0
}

// DiffSets compares two file sets path by path.
func DiffSets(a, b FileSet) *DirDiff {
	paths := make(map[string]bool, len(a)+len(b))
	for p := range a {
		paths[p] = true
	}
	for p := range b {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	d := &DirDiff{Files: make([]FileDiff, 0, len(sorted))}
	for _, p := range sorted {
		av, inA := a[p]
		bv, inB := b[p]
		fd := FileDiff{Path: p}
		switch {
		case inA && !inB:
			fd.Status = StatusRemoved
			d.Summary.Removed++
		case !inA && inB:
			fd.Status = StatusAdded
			d.Summary.Added++
		case bytes.Equal(av, bv):
			fd.Status = StatusUnchanged
			d.Summary.Unchanged++
		default:
			fd.Status = StatusModified
			d.Summary.Modified++
			if isBinary(av) || isBinary(bv) {
				fd.Binary = true
			} else {
				fd.Hunks = DiffText(string(av), string(bv))
			}
		}
		d.Files = append(d.Files, fd)
	}
	return d
}

// DiffDirs compares directory a against directory b. A missing side is read
// as empty; both missing is a Validation error.
func DiffDirs(a, b string, opts fswalk.Options) (*DirDiff, error) {
	as, aok, err := loadOptional(a, opts)
	if err != nil {
		return nil, err
	}
	bs, bok, err := loadOptional(b, opts)
	if err != nil {
		return nil, err
	}
	if !aok && !bok {
		return nil, apperr.Validation("diff", "neither %s nor %s exists", a, b)
	}
	return DiffSets(as, bs), nil
}
