// Package boundary enforces the workspace perimeter: filesystem targets must
// resolve inside the workspace root, and network targets must satisfy the
// host allowlist/denylist.
package boundary

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathEscape reports a target that resolves outside the workspace
	// root after dot-segment and percent-encoding normalization.
	ErrPathEscape = errors.New("path escapes workspace boundary")
	// ErrSymlinkEscape reports a target whose existing ancestor chain
	// contains a symlink pointing outside the workspace root.
	ErrSymlinkEscape = errors.New("symlink escapes workspace boundary")
)

// maxDecodePasses bounds percent-decoding so double- and triple-encoded
// traversal sequences ("%252e%252e") are unwrapped before the escape check.
const maxDecodePasses = 3

// Workspace is the filesystem boundary all reversible actions operate in.
type Workspace struct {
	root string
}

// NewWorkspace creates a boundary rooted at root. The root is cleaned and
// made absolute; it does not need to exist yet.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root must not be empty")
	}
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve normalizes target and returns its absolute path inside the
// workspace. It decodes percent-encoded sequences (including double
// encoding), resolves dot segments, and rejects targets that escape the
// root either textually or through a symlinked ancestor.
func (w *Workspace) Resolve(target string) (string, error) {
	decoded := target
	for i := 0; i < maxDecodePasses; i++ {
		next, err := url.PathUnescape(decoded)
		if err != nil || next == decoded {
			break
		}
		decoded = next
	}

	p := decoded
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	p = filepath.Clean(p)

	if !w.contains(p) {
		return "", fmt.Errorf("%w: %s resolves to %s", ErrPathEscape, target, p)
	}

	// A textually in-boundary path can still escape through a symlinked
	// ancestor. Resolve the deepest existing ancestor and re-check.
	real, err := resolveExisting(p)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks for %s: %w", p, err)
	}
	realRoot, err := resolveExisting(w.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if real != realRoot && !strings.HasPrefix(real, realRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s resolves to %s", ErrSymlinkEscape, target, real)
	}

	return p, nil
}

// Contains reports whether an already-cleaned absolute path lies inside the
// workspace.
func (w *Workspace) Contains(path string) bool {
	return w.contains(filepath.Clean(path))
}

func (w *Workspace) contains(cleaned string) bool {
	if cleaned == w.root {
		return true
	}
	return strings.HasPrefix(cleaned, w.root+string(filepath.Separator))
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of p
// and rejoins the non-existing suffix, so new files under symlinked
// directories are still checked.
func resolveExisting(p string) (string, error) {
	remainder := ""
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, remainder)), nil
		}
		if !os.IsNotExist(err) && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return filepath.Clean(p), nil
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}
