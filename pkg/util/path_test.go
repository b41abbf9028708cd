package util

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestResolveUnder(t *testing.T) {
	root := t.TempDir()

	got, err := ResolveUnder(root, "a/b.csv")
	if err != nil || got != filepath.Join(root, "a", "b.csv") {
		t.Fatalf("unexpected %q %v", got, err)
	}
	if got, err := ResolveUnder(root, filepath.Join(root, "x.json")); err != nil || got != filepath.Join(root, "x.json") {
		t.Fatalf("absolute path inside root rejected: %q %v", got, err)
	}
	for _, p := range []string{"../escaped.json", "a/../../b", "/etc/passwd", filepath.Dir(root)} {
		if _, err := ResolveUnder(root, p); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("%q: expected ErrOutsideRoot, got %v", p, err)
		}
	}
}

func TestSafeName(t *testing.T) {
	for _, ok := range []string{"cnn", "cnn_v2", "sentiment-1"} {
		if !SafeName(ok) {
			t.Fatalf("%q rejected", ok)
		}
	}
	for _, bad := range []string{"../../escaped", "a/b", `a\b`, ".."} {
		if SafeName(bad) {
			t.Fatalf("%q accepted", bad)
		}
	}
}
