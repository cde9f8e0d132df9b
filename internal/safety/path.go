package safety

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot indicates a path resolved outside of the allowed root.
var ErrEscapesRoot = errors.New("path escapes root")

// CleanRelativePath validates and normalizes a relative path.
// It rejects absolute paths and parent traversal segments.
func CleanRelativePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}

	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." {
		return "", fmt.Errorf("path resolves to current directory")
	}
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("parent traversal is not allowed: %q: %w", p, ErrEscapesRoot)
	}
	return clean, nil
}

// SafeJoinUnder joins a validated relative path under root and verifies
// the final path remains inside root.
func SafeJoinUnder(root, rel string) (string, error) {
	cleanRel, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, cleanRel))
}

// EnsureUnderRoot verifies candidate resolves under root (or is root itself)
// and returns an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}
	if !within(rootAbs, candAbs) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, candidate)
	}
	return candAbs, nil
}

// ResolveRealUnderRoot resolves p (relative to root unless absolute) to its
// canonical path with symlinks evaluated, and rejects anything that lands
// outside the canonical root. A missing path returns an error satisfying
// os.IsNotExist so callers can treat it as already gone. Lexical escapes
// are rejected before anything is looked up, so they fail even when root
// itself is missing.
func ResolveRealUnderRoot(root, p string) (string, error) {
	var (
		candidate string
		err       error
	)
	switch {
	case p == "" || p == ".":
		candidate = root
	case filepath.IsAbs(p):
		candidate = filepath.Clean(p)
		if _, err := EnsureUnderRoot(root, candidate); err != nil {
			return "", err
		}
	default:
		candidate, err = SafeJoinUnder(root, p)
		if err != nil {
			return "", err
		}
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	realRoot, err = filepath.Abs(realRoot)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}

	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	real, err = filepath.Abs(real)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	if !within(realRoot, real) {
		return "", fmt.Errorf("%w: %q resolves to %q", ErrEscapesRoot, p, real)
	}
	return real, nil
}

func within(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
