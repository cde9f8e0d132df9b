package safety

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafeJoinUnder(t *testing.T) {
	root := t.TempDir()

	okPath, err := SafeJoinUnder(root, "a/b/c.txt")
	if err != nil {
		t.Fatalf("SafeJoinUnder returned error: %v", err)
	}
	if !strings.HasPrefix(okPath, root) {
		t.Fatalf("path %q is not under root %q", okPath, root)
	}

	if _, err := SafeJoinUnder(root, "../escape.txt"); !errors.Is(err, ErrEscapesRoot) {
		t.Fatalf("expected ErrEscapesRoot for traversal path, got %v", err)
	}
	if _, err := SafeJoinUnder(root, "/abs/path.txt"); err == nil {
		t.Fatal("expected absolute path to fail")
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, root+"/child/file.txt"); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root); err != nil {
		t.Fatalf("EnsureUnderRoot failed for root itself: %v", err)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
}

func TestResolveRealUnderRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "data", "catalogs"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveRealUnderRoot(root, "data/catalogs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	realRoot, _ := filepath.EvalSymlinks(root)
	if got != filepath.Join(realRoot, "data", "catalogs") {
		t.Errorf("got %q", got)
	}

	if _, err := ResolveRealUnderRoot(root, "../../etc"); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("expected ErrEscapesRoot, got %v", err)
	}

	if _, err := ResolveRealUnderRoot(root, "missing/dir"); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestResolveRealUnderRootMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "absent")

	if _, err := ResolveRealUnderRoot(root, "../../etc"); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("expected ErrEscapesRoot for traversal under a missing root, got %v", err)
	}
	if _, err := ResolveRealUnderRoot(root, "/etc"); !errors.Is(err, ErrEscapesRoot) {
		t.Errorf("expected ErrEscapesRoot for absolute path outside a missing root, got %v", err)
	}
	if _, err := ResolveRealUnderRoot(root, "data"); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error for a missing root, got %v", err)
	}
}

func TestResolveRealUnderRootSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := ResolveRealUnderRoot(root, "sneaky"); !errors.Is(err, ErrEscapesRoot) {
		t.Fatalf("expected symlink escape to be rejected, got %v", err)
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(io.NopCloser(strings.NewReader("abc")), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}

func TestValidateSourceURL(t *testing.T) {
	cases := []struct {
		raw     string
		wantErr bool
	}{
		{"http://mirror.example/ds.tar.gz", false},
		{"https://mirror.example/ds.tar.gz", false},
		{"file:///srv/data/ds.tar.gz", false},
		{"ftp://mirror.example/ds.tar.gz", true},
		{"http://user:pw@mirror.example/ds.tar.gz", true},
		{"file://", true},
	}
	for _, tc := range cases {
		_, err := ValidateSourceURL(tc.raw)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateSourceURL(%q) err=%v, wantErr=%v", tc.raw, err, tc.wantErr)
		}
	}
}
