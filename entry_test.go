package storagekit

import (
	"testing"
	"time"

	"github.com/gobeaver/storagekit/fspath"
)

func TestEntry(t *testing.T) {
	mod := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	e := NewEntry(fspath.New("/a/b.txt")).SetSize(10).SetModTime(mod)
	e.Properties.Set(PropETag, `"abc"`)
	e.Metadata.Set("Owner", "me")

	if e.Name() != "b.txt" || e.IsFolder() {
		t.Errorf("name = %q, folder = %v", e.Name(), e.IsFolder())
	}
	if e.LastModificationTime.Location() != time.UTC || !e.LastModificationTime.Equal(mod) {
		t.Errorf("mod time = %v", e.LastModificationTime)
	}
	if v, ok := e.Properties.Get("etag"); !ok || v != `"abc"` {
		t.Errorf("etag = %v, %v", v, ok)
	}
	if v, _ := e.Metadata.Get("OWNER"); v != "me" {
		t.Errorf("owner = %q", v)
	}
	if e.String() != "/a/b.txt (10)" {
		t.Errorf("String = %q", e.String())
	}

	c := e.Clone()
	*c.Size = 20
	c.Metadata.Set("owner", "you")
	c.Properties.Delete(PropETag)
	if *e.Size != 10 {
		t.Error("clone shares size")
	}
	if v, _ := e.Metadata.Get("owner"); v != "me" {
		t.Error("clone shares metadata")
	}
	if _, ok := e.Properties.Get(PropETag); !ok {
		t.Error("clone shares properties")
	}

	if !e.Equal(NewEntry(fspath.New("/a/b.txt"))) {
		t.Error("entries with the same path differ")
	}
	if e.Equal(NewEntry(fspath.New("/a/c.txt"))) || e.Equal(nil) {
		t.Error("entries with different paths are equal")
	}

	moved := e.WithPath(fspath.New("/z.txt"))
	if moved.Path.String() != "/z.txt" || e.Path.String() != "/a/b.txt" {
		t.Errorf("WithPath = %s, original %s", moved.Path, e.Path)
	}

	folder := NewEntry(fspath.New("/dir/")).SetSize(0)
	if folder.String() != "/dir/" {
		t.Errorf("folder String = %q", folder.String())
	}
}
