// Package pathutil provides path normalization and containment checks.
package pathutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/snapguard/snapguard/pkg/errclass"
)

// Normalize NFC-normalizes and cleans p. Relative paths are made absolute
// when possible. The empty string stays empty.
func Normalize(p string) string {
	if p == "" {
		return ""
	}
	p = norm.NFC.String(p)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

// IsWithin reports whether p equals root or lies below it. Both are
// compared lexically after cleaning.
func IsWithin(root, p string) bool {
	root = filepath.Clean(root)
	p = filepath.Clean(p)
	if root == p {
		return true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Disjoint returns an error when any root contains another.
func Disjoint(roots []string) error {
	sorted := append([]string(nil), roots...)
	sort.Strings(sorted)
	for i := range sorted {
		for j := range sorted {
			if i != j && IsWithin(sorted[i], sorted[j]) {
				return fmt.Errorf("roots overlap: %s contains %s", sorted[i], sorted[j])
			}
		}
	}
	return nil
}

// RootFor returns the root that contains p, or "" when none does.
func RootFor(roots []string, p string) string {
	best := ""
	for _, r := range roots {
		if IsWithin(r, p) && len(r) > len(best) {
			best = r
		}
	}
	return best
}

// Rel returns p relative to root using forward slashes, or an
// E_PATH_ESCAPE error when p is outside root.
func Rel(root, p string) (string, error) {
	if !IsWithin(root, p) {
		return "", errclass.ErrPathEscape.WithMessagef("%s is outside %s", p, root)
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return "", errclass.ErrPathEscape.WithMessagef("%v", err)
	}
	return filepath.ToSlash(rel), nil
}

// Label returns a stable directory name for root: its base name plus a
// short hash of the full path, so two roots named "docs" do not collide.
func Label(root string) string {
	root = filepath.Clean(root)
	sum := sha256.Sum256([]byte(root))
	base := filepath.Base(root)
	if base == string(filepath.Separator) || base == "." || base == "" {
		base = "root"
	}
	return base + "-" + hex.EncodeToString(sum[:])[:8]
}

// ValidatePathSafety verifies target path does not escape root once
// symlinks are resolved.
func ValidatePathSafety(root, targetPath string) error {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return errclass.ErrPathEscape.WithMessagef("cannot resolve root: %v", err)
	}

	// Try resolving target; if it doesn't exist, resolve closest ancestor
	resolvedTarget, err := filepath.EvalSymlinks(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			resolvedTarget = resolveClosestAncestor(targetPath)
		} else {
			return errclass.ErrPathEscape.WithMessagef("cannot resolve target: %v", err)
		}
	}

	if !IsWithin(resolvedRoot, resolvedTarget) {
		return errclass.ErrPathEscape.WithMessagef("path escapes root: %s", targetPath)
	}
	return nil
}

func resolveClosestAncestor(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if dir == path {
		return filepath.Clean(path)
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			resolved = resolveClosestAncestor(dir)
		} else {
			return filepath.Clean(path)
		}
	}
	return filepath.Join(resolved, base)
}
