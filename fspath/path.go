// Package fspath implements the canonical path model shared by every storage
// backend.
//
// A normalized path always starts with "/". Folder paths end with "/", file
// paths don't. ".." segments collapse eagerly and never climb above the root.
//
//	fspath.Normalize("dev/../storage", false, false) // "/storage"
//	fspath.Combine("dev", "one/")                    // "/dev/one/"
//	fspath.GetParent("/dev/one")                     // "/dev/"
package fspath

import (
	"strings"
)

const (
	// Separator is the only path separator understood by the model.
	Separator = "/"

	// Root is the normalized root folder path.
	Root = "/"
)

// IsRoot reports whether path denotes the root folder.
func IsRoot(path string) bool {
	return path == "" || path == Root
}

// IsFolder reports whether path is folder-terminated.
func IsFolder(path string) bool {
	return strings.HasSuffix(path, Separator)
}

// Normalize cleans up path. Empty segments and "." are dropped, ".." pops the
// previous segment when there is one and is ignored at the root. A trailing
// separator on the input is preserved; appendTrailingSlash forces one.
func Normalize(path string, removeLeadingSlash, appendTrailingSlash bool) string {
	folder := appendTrailingSlash || IsFolder(path)
	segments := resolve(path)

	if len(segments) == 0 {
		if removeLeadingSlash {
			return ""
		}
		return Root
	}

	var b strings.Builder
	if !removeLeadingSlash {
		b.WriteString(Separator)
	}
	b.WriteString(strings.Join(segments, Separator))
	if folder {
		b.WriteString(Separator)
	}
	return b.String()
}

func resolve(path string) []string {
	raw := strings.Split(path, Separator)
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		switch s {
		case "", ".":
		case "..":
			if len(segments) > 0 {
				segments = segments[:len(segments)-1]
			}
		default:
			segments = append(segments, s)
		}
	}
	return segments
}

// Split returns the segments of path. When path is a folder the final
// segment keeps its trailing separator. The root has no segments.
func Split(path string) []string {
	segments := resolve(path)
	if len(segments) > 0 && IsFolder(path) {
		segments[len(segments)-1] += Separator
	}
	return segments
}

// Combine joins parts into one normalized path. Empty parts are skipped. The
// result is a folder iff the last non-empty part is folder-terminated.
func Combine(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	folder := false
	for _, p := range parts {
		if p == "" {
			continue
		}
		folder = IsFolder(p)
		if t := strings.Trim(p, Separator); t != "" {
			trimmed = append(trimmed, t)
		}
	}
	return Normalize(strings.Join(trimmed, Separator), false, folder)
}

// GetParent returns the folder one level above path. The parent of a
// single-segment path, and of the root, is the root.
func GetParent(path string) string {
	segments := resolve(path)
	if len(segments) <= 1 {
		return Root
	}
	return Separator + strings.Join(segments[:len(segments)-1], Separator) + Separator
}

// RelativeTo strips root from the front of path. When path does not live
// under root the result is "/".
func RelativeTo(path, root string) string {
	ps := Split(path)
	rs := Split(root)
	if len(rs) > len(ps) {
		return Root
	}
	for i := range rs {
		if strings.TrimSuffix(rs[i], Separator) != strings.TrimSuffix(ps[i], Separator) {
			return Root
		}
	}
	return Combine(ps[len(rs):]...)
}

// Prefix prepends prefix's segments to path, keeping path's folder or file
// kind.
func Prefix(path, prefix string) string {
	if IsRoot(path) {
		return Normalize(prefix, false, true)
	}
	return Combine(append(Split(prefix), Split(path)...)...)
}
