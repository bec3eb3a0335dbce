package fspath

import "strings"

// Path is an immutable, normalized path. Derived forms are computed once at
// construction. The zero value is the root.
type Path struct {
	full   string
	name   string
	folder string
}

// New normalizes raw into a Path.
func New(raw string) Path {
	full := Normalize(raw, false, false)
	p := Path{full: full, folder: GetParent(full)}
	if segments := resolve(full); len(segments) > 0 {
		p.name = segments[len(segments)-1]
	}
	return p
}

// Join builds a Path from parts, see Combine.
func Join(parts ...string) Path {
	return New(Combine(parts...))
}

// String returns the normalized form.
func (p Path) String() string {
	if p.full == "" {
		return Root
	}
	return p.full
}

// Name is the last segment without any trailing separator. Empty for root.
func (p Path) Name() string { return p.name }

// Folder is the normalized parent folder as a string.
func (p Path) Folder() string {
	if p.folder == "" {
		return Root
	}
	return p.folder
}

// Parent returns the containing folder.
func (p Path) Parent() Path { return New(p.Folder()) }

// IsFolder reports whether p is folder-terminated. The root is a folder.
func (p Path) IsFolder() bool { return IsFolder(p.String()) }

// IsRoot reports whether p is the root.
func (p Path) IsRoot() bool { return IsRoot(p.full) }

// WithoutLeadingSlash is the normalized form without the leading separator,
// which is how object stores name keys.
func (p Path) WithoutLeadingSlash() string {
	return strings.TrimPrefix(p.String(), Separator)
}

// WithTrailingSlash returns p as a folder path.
func (p Path) WithTrailingSlash() Path {
	if p.IsFolder() {
		return p
	}
	return New(p.String() + Separator)
}

// Combine appends parts to p.
func (p Path) Combine(parts ...string) Path {
	return Join(append([]string{p.String()}, parts...)...)
}

// RelativeTo strips root from the front of p.
func (p Path) RelativeTo(root Path) Path {
	return New(RelativeTo(p.String(), root.String()))
}

// Prefix places p under prefix.
func (p Path) Prefix(prefix Path) Path {
	return New(Prefix(p.String(), prefix.String()))
}

// Segments returns Split(p).
func (p Path) Segments() []string { return Split(p.String()) }

// Equal compares normalized forms.
func (p Path) Equal(other Path) bool { return p.String() == other.String() }

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(text []byte) error {
	*p = New(string(text))
	return nil
}
