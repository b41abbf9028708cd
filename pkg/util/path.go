package util

import (
	"errors"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path escapes its root directory")

// ResolveUnder joins a relative path onto root, or accepts an absolute one,
// and returns the cleaned absolute result if it stays inside root.
func ResolveUnder(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(absRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return path, nil
}

// SafeName reports whether name can be used as a single path element: no
// separators and no parent references.
func SafeName(name string) bool {
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}
