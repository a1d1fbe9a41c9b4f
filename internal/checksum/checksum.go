// Package checksum computes the content fingerprint of a skill.
//
// A fingerprint is SHA-256 over the file set sorted by relative path, feeding
// each entry's path bytes immediately followed by its content bytes. The
// same algorithm runs over stored content and over a directory on disk, so
// the two results are directly comparable. An empty file set has no
// fingerprint, reported as "".
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"skillsyncd/internal/apperr"
	"skillsyncd/internal/fswalk"
)

// Entry is one (path, content) pair.
type Entry struct {
	Path    string
	Content []byte
}

// FileSource lists the stored files of a skill, sorted or not.
type FileSource interface {
	Files(skillID string) ([]Entry, error)
}

// Fingerprint hashes an in-memory file set. The input slice is not modified.
func Fingerprint(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, e := range sorted {
		h.Write([]byte(e.Path))
		h.Write(e.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Dir fingerprints a directory tree read from disk.
// A missing directory is an IOFailure wrapping fs.ErrNotExist. A directory with
// no eligible files yields "" and no error. Files that vanish mid-walk are
// left out; any other read failure fails the fingerprint.
func Dir(root string, opts fswalk.Options) (string, error) {
	files, err := fswalk.Files(root, opts)
	if err != nil {
		return "", apperr.IO("fingerprint dir", err)
	}

	h := sha256.New()
	hashed := 0
	for _, f := range files {
		ok, err := hashFile(h, f)
		if err != nil {
			return "", apperr.IO("fingerprint dir", err)
		}
		if ok {
			hashed++
		}
	}
	if hashed == 0 {
		return "", nil
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFile feeds one entry into h. The content is read in full before
// anything is written, so a failed read never leaves a partial entry behind.
func hashFile(h io.Writer, f fswalk.Entry) (bool, error) {
	data, err := os.ReadFile(f.AbsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hash %s: %w", f.RelPath, err)
	}
	io.WriteString(h, f.RelPath)
	h.Write(data)
	return true, nil
}

// Store fingerprints the stored content of a skill.
func Store(src FileSource, skillID string) (string, error) {
	entries, err := src.Files(skillID)
	if err != nil {
		return "", err
	}
	return Fingerprint(entries), nil
}
