// Package fswalk provides an iterative, lazy traversal of a skill directory.
//
// The walk keeps an explicit stack of pending directories instead of
// recursing, so stack usage stays flat on deep trees. Dot-files and
// dot-directories are never yielded; they are editor and VCS droppings, not
// skill content.
package fswalk

import (
	"errors"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is one regular file found under the walk root.
type Entry struct {
	// RelPath is slash-separated and relative to the root.
	RelPath string
	// AbsPath is the native path on disk.
	AbsPath string
	Size    int64
}

// Options tune a walk.
type Options struct {
	// Exclude holds doublestar patterns matched against RelPath (and against
	// directory relative paths, pruning the whole subtree).
	Exclude []string
}

// Walk returns a single-use sequence of regular files under root.
//
// Directories are visited in lexical order, but callers that need a stable
// ordering across platforms must still sort; see Files. A read error on a
// subdirectory is yielded once and the walk continues with its siblings. An
// error on the root itself is yielded and ends the sequence.
func Walk(root string, opts Options) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		info, err := os.Stat(root)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		if !info.IsDir() {
			yield(Entry{}, &fs.PathError{Op: "walk", Path: root, Err: fs.ErrInvalid})
			return
		}

		stack := []string{""}
		for len(stack) > 0 {
			rel := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			dir := filepath.Join(root, filepath.FromSlash(rel))
			entries, err := os.ReadDir(dir)
			if err != nil {
				if !yield(Entry{}, err) {
					return
				}
				continue
			}

			// Push subdirectories in reverse so they pop in lexical order.
			var subdirs []string
			for _, de := range entries {
				name := de.Name()
				if strings.HasPrefix(name, ".") {
					continue
				}
				childRel := path.Join(rel, name)
				if excluded(opts.Exclude, childRel) {
					continue
				}

				if de.IsDir() {
					subdirs = append(subdirs, childRel)
					continue
				}
				if !de.Type().IsRegular() {
					continue
				}
				fi, err := de.Info()
				if err != nil {
					if !yield(Entry{}, err) {
						return
					}
					continue
				}
				e := Entry{
					RelPath: childRel,
					AbsPath: filepath.Join(dir, name),
					Size:    fi.Size(),
				}
				if !yield(e, nil) {
					return
				}
			}
			for i := len(subdirs) - 1; i >= 0; i-- {
				stack = append(stack, subdirs[i])
			}
		}
	}
}

// Files drains a walk into a byte-wise sorted slice. Entries that vanish
// mid-walk are skipped; any other error, such as an unreadable
// subdirectory, fails the whole listing.
func Files(root string, opts Options) ([]Entry, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	var out []Entry
	for e, err := range Walk(root, opts) {
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out, nil
}

// Hidden reports whether any segment of a slash-separated relative path is a
// dot-file or dot-directory.
func Hidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// Excluded reports whether rel (or one of its parent directories) matches an
// exclude pattern.
func Excluded(patterns []string, rel string) bool {
	if excluded(patterns, rel) {
		return true
	}
	for dir := path.Dir(rel); dir != "." && dir != "/" && dir != ""; dir = path.Dir(dir) {
		if excluded(patterns, dir) {
			return true
		}
	}
	return false
}

func excluded(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
		// Bare names like "node_modules" match at any depth.
		if !strings.Contains(p, "/") {
			if ok, err := doublestar.Match(p, path.Base(rel)); err == nil && ok {
				return true
			}
		}
	}
	return false
}
