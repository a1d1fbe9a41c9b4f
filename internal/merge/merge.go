package merge

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/fswalk"
	"skillsyncd/internal/store"
)

// Conflict markers. LOCAL is the left (store) side, DEPLOYMENT the right.
const (
	MarkerLocal      = "<<<<<<< LOCAL\n"
	MarkerSeparator  = "=======\n"
	MarkerDeployment = ">>>>>>> DEPLOYMENT\n"
)

// Per-file merge statuses.
const (
	MergeUnchanged    = "unchanged"
	MergeAutoMerged   = "auto_merged"
	MergeConflict     = "conflict"
	MergeAddedLeft    = "added_left"
	MergeAddedRight   = "added_right"
	MergeDeletedLeft  = "deleted_left"
	MergeDeletedRight = "deleted_right"
)

// change is one edit against base: lines [i1, i2) replaced by lines.
type change struct {
	i1, i2 int
	lines  []string
}

func changes(base, side []string) []change {
	var out []change
	for _, op := range opcodes(base, side) {
		if op.Tag == 'e' {
			continue
		}
		out = append(out, change{i1: op.I1, i2: op.I2, lines: side[op.J1:op.J2]})
	}
	return out
}

func (c change) insertion() bool { return c.i1 == c.i2 }

func (c change) same(o change) bool {
	if c.i1 != o.i1 || c.i2 != o.i2 || len(c.lines) != len(o.lines) {
		return false
	}
	for i := range c.lines {
		if c.lines[i] != o.lines[i] {
			return false
		}
	}
	return true
}

// overlaps reports whether two edits touch the same base lines. An insertion
// conflicts with any edit that starts, ends, or spans its position.
func (c change) overlaps(o change) bool {
	switch {
	case c.insertion() && o.insertion():
		return c.i1 == o.i1
	case c.insertion():
		return o.i1 <= c.i1 && c.i1 <= o.i2
	case o.insertion():
		return c.i1 <= o.i1 && o.i1 <= c.i2
	default:
		return c.i1 < o.i2 && o.i1 < c.i2
	}
}

// ThreeWay merges left and right, both derived from base. When only one side
// changed it wins. When both changed and their edits touch disjoint base
// lines, both sets of edits are applied. Otherwise the result embeds both
// sides verbatim between conflict markers and conflict is true.
func ThreeWay(base, left, right string) (merged string, conflict bool) {
	switch {
	case left == right:
		return left, false
	case left == base:
		return right, false
	case right == base:
		return left, false
	}

	bl := splitLines(base)
	lc := changes(bl, splitLines(left))
	rc := changes(bl, splitLines(right))

	all := make([]change, 0, len(lc)+len(rc))
	all = append(all, lc...)
	for _, r := range rc {
		dup := false
		for _, l := range lc {
			if l.same(r) {
				dup = true
				break
			}
			if l.overlaps(r) {
				return conflictText(left, right), true
			}
		}
		if !dup {
			all = append(all, r)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].i1 < all[j].i1 })

	var b strings.Builder
	pos := 0
	for _, c := range all {
		for _, l := range bl[pos:c.i1] {
			b.WriteString(l)
		}
		for _, l := range c.lines {
			b.WriteString(l)
		}
		pos = c.i2
	}
	for _, l := range bl[pos:] {
		b.WriteString(l)
	}
	return b.String(), false
}

func conflictText(left, right string) string {
	var b strings.Builder
	b.WriteString(MarkerLocal)
	b.WriteString(left)
	if !strings.HasSuffix(left, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(MarkerSeparator)
	b.WriteString(right)
	if !strings.HasSuffix(right, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(MarkerDeployment)
	return b.String()
}

// FileMerge is the three-way result for one path. Content fields are nil
// when the file is absent on that side. Merged is the proposed content; for
// conflicts it holds marker text (or the left bytes for binary files) and
// needs an explicit resolution.
type FileMerge struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Merged []byte `json:"merged,omitempty"`
	Left   []byte `json:"left,omitempty"`
	Right  []byte `json:"right,omitempty"`
	Base   []byte `json:"base,omitempty"`
}

// Conflicted reports whether the file needs an explicit resolution.
func (f FileMerge) Conflicted() bool {
	switch f.Status {
	case MergeConflict, MergeDeletedLeft, MergeDeletedRight:
		return true
	}
	return false
}

// Result is the outcome of MergeSets.
type Result struct {
	Files       []FileMerge `json:"files"`
	AutoMerged  int         `json:"auto_merged"`
	Conflicts   int         `json:"conflicts"`
	TotalFiles  int         `json:"total_files"`
	BothDeleted int         `json:"both_deleted"`
}

// MergeSets classifies every path across base, left and right. base may be
// nil. Files deleted on both sides are counted but not listed. Deletions on
// one side are always conflicts.
func MergeSets(base, left, right FileSet) *Result {
	if base == nil {
		base = FileSet{}
	}
	paths := make(map[string]bool)
	for _, s := range []FileSet{base, left, right} {
		for p := range s {
			paths[p] = true
		}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	res := &Result{}
	for _, p := range sorted {
		b, inBase := base[p]
		l, inLeft := left[p]
		r, inRight := right[p]

		fm := FileMerge{Path: p}
		switch {
		case inLeft && inRight:
			if bytes.Equal(l, r) {
				fm.Status = MergeUnchanged
				fm.Merged = l
				break
			}
			if isBinary(l) || isBinary(r) || isBinary(b) {
				fm.Status, fm.Merged = binaryMerge(b, l, r, inBase)
			} else {
				text, conflict := ThreeWay(string(b), string(l), string(r))
				fm.Merged = []byte(text)
				fm.Status = MergeAutoMerged
				if conflict {
					fm.Status = MergeConflict
				}
			}
			if fm.Status == MergeConflict {
				fm.Left, fm.Right = l, r
				if inBase {
					fm.Base = b
				}
			}
		case inLeft && inBase:
			fm.Status = MergeDeletedRight
			fm.Merged, fm.Left, fm.Base = l, l, b
		case inLeft:
			fm.Status = MergeAddedLeft
			fm.Merged, fm.Left = l, l
		case inRight && inBase:
			fm.Status = MergeDeletedLeft
			fm.Merged, fm.Right, fm.Base = r, r, b
		case inRight:
			fm.Status = MergeAddedRight
			fm.Merged, fm.Right = r, r
		default:
			res.BothDeleted++
			res.AutoMerged++
			continue
		}

		if fm.Conflicted() {
			res.Conflicts++
		} else {
			res.AutoMerged++
		}
		res.Files = append(res.Files, fm)
	}
	res.TotalFiles = len(res.Files)
	return res
}

// binaryMerge only resolves binary files when one side is untouched.
func binaryMerge(b, l, r []byte, inBase bool) (string, []byte) {
	switch {
	case inBase && bytes.Equal(l, b):
		return MergeAutoMerged, r
	case inBase && bytes.Equal(r, b):
		return MergeAutoMerged, l
	default:
		return MergeConflict, l
	}
}

// MergeDirs loads and merges three directories. base may be "" or missing;
// left and right must exist.
func MergeDirs(base, left, right string, opts fswalk.Options) (*Result, error) {
	ls, err := LoadDir(left, opts)
	if err != nil {
		return nil, apperr.Validation("merge", "left side %s is not readable: %v", left, err)
	}
	rs, err := LoadDir(right, opts)
	if err != nil {
		return nil, apperr.Validation("merge", "right side %s is not readable: %v", right, err)
	}
	var bs FileSet
	if base != "" {
		if bs, _, err = loadOptional(base, opts); err != nil {
			return nil, err
		}
	}
	return MergeSets(bs, ls, rs), nil
}

// Resolution is the final content chosen for one path. Delete removes the
// path instead of writing Content.
type Resolution struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

// Resolutions returns the automatic resolutions of a result: the merged
// content of every file that needs no decision. Conflicted files are left
// out.
func (r *Result) Resolutions() []Resolution {
	out := make([]Resolution, 0, len(r.Files))
	for _, f := range r.Files {
		if f.Conflicted() {
			continue
		}
		out = append(out, Resolution{Path: f.Path, Content: f.Merged})
	}
	return out
}

// Apply writes resolutions under target, creating it when needed. Every path
// must stay inside target; nothing is written if any does not.
func Apply(target string, resolutions []Resolution) (int, error) {
	cleaned := make([]Resolution, len(resolutions))
	for i, res := range resolutions {
		rel, err := store.CleanRelPath(res.Path)
		if err != nil {
			return 0, err
		}
		res.Path = rel
		cleaned[i] = res
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return 0, apperr.IO("apply merge", err)
	}
	for i, res := range cleaned {
		dest := filepath.Join(target, filepath.FromSlash(res.Path))
		if res.Delete {
			if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
				return i, apperr.IO("apply merge", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return i, apperr.IO("apply merge", err)
		}
		if err := os.WriteFile(dest, res.Content, 0o644); err != nil {
			return i, apperr.IO("apply merge", err)
		}
	}
	return len(cleaned), nil
}
