package watch

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

// Filter decides which paths under a root produce events.
type Filter struct {
	excludeDirs []string
	globs       []string
	// include holds lower-cased base names; includeRel holds root-relative
	// slash paths. Both empty means everything is included.
	include    map[string]bool
	includeRel map[string]bool
}

// NewFilter builds a filter. excludeDirs (state and duplicates areas) are
// pruned whole. Globs are matched against the root-relative slash path and
// the base name. Include entries containing a separator are root-relative
// paths, the rest are case-insensitive base names.
func NewFilter(excludeDirs, excludeGlobs, include []string) (*Filter, error) {
	f := &Filter{include: map[string]bool{}, includeRel: map[string]bool{}}
	for _, d := range excludeDirs {
		if d != "" {
			f.excludeDirs = append(f.excludeDirs, pathutil.Normalize(d))
		}
	}
	for _, g := range excludeGlobs {
		if _, err := path.Match(g, ""); err != nil {
			return nil, errclass.ErrConfigInvalid.WithMessagef("bad exclude pattern %q: %v", g, err)
		}
		f.globs = append(f.globs, g)
	}
	for _, inc := range include {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if strings.ContainsAny(inc, `/\`) {
			f.includeRel[strings.Trim(filepath.ToSlash(inc), "/")] = true
		} else {
			f.include[strings.ToLower(inc)] = true
		}
	}
	return f, nil
}

func (f *Filter) String() string {
	return fmt.Sprintf("exclude dirs=%v globs=%v include=%d", f.excludeDirs, f.globs, len(f.include)+len(f.includeRel))
}

// SkipDir reports whether dir and everything below it is ignored.
func (f *Filter) SkipDir(root, dir string) bool {
	for _, ex := range f.excludeDirs {
		if pathutil.IsWithin(ex, dir) {
			return true
		}
	}
	if dir == root {
		return false
	}
	return f.globbed(root, dir)
}

// Match reports whether a file at p produces events.
func (f *Filter) Match(root, p string) bool {
	if fsutil.IsTempName(filepath.Base(p)) {
		return false
	}
	for _, ex := range f.excludeDirs {
		if pathutil.IsWithin(ex, p) {
			return false
		}
	}
	if f.globbed(root, p) {
		return false
	}
	if len(f.include) == 0 && len(f.includeRel) == 0 {
		return true
	}
	if f.include[strings.ToLower(filepath.Base(p))] {
		return true
	}
	rel, err := pathutil.Rel(root, p)
	return err == nil && f.includeRel[rel]
}

func (f *Filter) globbed(root, p string) bool {
	if len(f.globs) == 0 {
		return false
	}
	rel, err := pathutil.Rel(root, p)
	if err != nil {
		return true
	}
	base := path.Base(rel)
	for _, g := range f.globs {
		if ok, _ := path.Match(g, rel); ok {
			return true
		}
		if ok, _ := path.Match(g, base); ok {
			return true
		}
	}
	return false
}
