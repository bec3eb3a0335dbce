package storagekit

import (
	"context"
	"strings"

	"github.com/gobwas/glob"

	"github.com/gobeaver/storagekit/fspath"
)

// Selector filters the files visited by FindWith. rel is the entry path
// relative to the folder the search started in, without a leading separator.
//
//	sel := storagekit.And(storagekit.MustGlob("**.jpg"), storagekit.Depth(2))
//	files, err := storagekit.FindWith(ctx, s, fspath.New("/images/"), sel)
type Selector interface {
	// Match reports whether a file is part of the result.
	Match(rel string, e *Entry) bool

	// TraverseDescendants reports whether a folder is descended into.
	TraverseDescendants(rel string, e *Entry) bool
}

// Find returns the files below folder whose relative path matches a glob
// pattern. See Glob for the syntax.
func Find(ctx context.Context, s Storage, folder fspath.Path, pattern string) ([]*Entry, error) {
	sel, err := Glob(pattern)
	if err != nil {
		return nil, err
	}
	return FindWith(ctx, s, folder, sel)
}

// FindWith walks folder one level at a time, descending only where the
// selector allows, and returns the matching files in listing order.
func FindWith(ctx context.Context, s Storage, folder fspath.Path, selector Selector) ([]*Entry, error) {
	if err := RequireFolder("find", folder); err != nil {
		return nil, err
	}
	if selector == nil {
		selector = All()
	}
	var results []*Entry
	err := find(ctx, s, folder, folder, selector, &results)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func find(ctx context.Context, s Storage, base, folder fspath.Path, selector Selector, results *[]*Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := s.Ls(ctx, folder, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rel := e.Path.RelativeTo(base).WithoutLeadingSlash()
		if e.IsFolder() {
			if selector.TraverseDescendants(rel, e) {
				if err := find(ctx, s, base, e.Path, selector, results); err != nil {
					return err
				}
			}
			continue
		}
		if selector.Match(rel, e) {
			*results = append(*results, e)
		}
	}
	return nil
}

type allSelector struct{}

func (allSelector) Match(string, *Entry) bool               { return true }
func (allSelector) TraverseDescendants(string, *Entry) bool { return true }

// All matches every file and descends into every folder.
func All() Selector { return allSelector{} }

type globSelector struct {
	g        glob.Glob
	fullPath bool
}

// Glob compiles a pattern with "/" as the separator: "*" and "?" stay within
// one segment, "**" crosses segments, and "[a-z]" and "{jpg,png}" work as
// usual. A pattern without "/" is matched against the file name alone.
func Glob(pattern string) (Selector, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, argError("find", pattern, "bad pattern: %v", err)
	}
	return &globSelector{g: g, fullPath: strings.Contains(pattern, fspath.Separator)}, nil
}

// MustGlob is Glob for patterns known to be valid.
func MustGlob(pattern string) Selector {
	sel, err := Glob(pattern)
	if err != nil {
		panic(err)
	}
	return sel
}

func (s *globSelector) Match(rel string, e *Entry) bool {
	if s.fullPath {
		return s.g.Match(rel)
	}
	return s.g.Match(e.Name())
}

func (s *globSelector) TraverseDescendants(string, *Entry) bool { return true }

type depthSelector struct {
	maxDepth int
}

// Depth limits the search to maxDepth levels. Depth 1 is the start folder's
// own files.
func Depth(maxDepth int) Selector {
	return depthSelector{maxDepth: maxDepth}
}

func depth(rel string) int {
	rel = strings.Trim(rel, fspath.Separator)
	if rel == "" {
		return 0
	}
	return strings.Count(rel, fspath.Separator) + 1
}

func (s depthSelector) Match(rel string, _ *Entry) bool {
	return depth(rel) <= s.maxDepth
}

func (s depthSelector) TraverseDescendants(rel string, _ *Entry) bool {
	return depth(rel) < s.maxDepth
}

type andSelector []Selector

// And matches only if every selector matches. It descends when any of them
// would.
func And(selectors ...Selector) Selector { return andSelector(selectors) }

func (s andSelector) Match(rel string, e *Entry) bool {
	for _, sel := range s {
		if !sel.Match(rel, e) {
			return false
		}
	}
	return true
}

func (s andSelector) TraverseDescendants(rel string, e *Entry) bool {
	for _, sel := range s {
		if !sel.TraverseDescendants(rel, e) {
			return false
		}
	}
	return true
}

type orSelector []Selector

// Or matches if any selector matches.
func Or(selectors ...Selector) Selector { return orSelector(selectors) }

func (s orSelector) Match(rel string, e *Entry) bool {
	for _, sel := range s {
		if sel.Match(rel, e) {
			return true
		}
	}
	return false
}

func (s orSelector) TraverseDescendants(rel string, e *Entry) bool {
	for _, sel := range s {
		if sel.TraverseDescendants(rel, e) {
			return true
		}
	}
	return false
}

type notSelector struct{ inner Selector }

// Not inverts Match. Traversal is unaffected.
func Not(selector Selector) Selector { return notSelector{inner: selector} }

func (s notSelector) Match(rel string, e *Entry) bool {
	return !s.inner.Match(rel, e)
}

func (s notSelector) TraverseDescendants(string, *Entry) bool { return true }

// SelectorFunc matches files with a function and descends everywhere.
type SelectorFunc func(e *Entry) bool

func (f SelectorFunc) Match(_ string, e *Entry) bool         { return f(e) }
func (f SelectorFunc) TraverseDescendants(string, *Entry) bool { return true }
