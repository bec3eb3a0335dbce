package storagekit

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/storagekit/fspath"
)

// mockStorage is a flat map-backed Storage for testing. Folders exist while
// a file exists below them.
type mockStorage struct {
	mu      sync.Mutex
	files   map[string][]byte
	times   map[string]time.Time
	now     func() time.Time
	reads   int
	lsErr   error
	events  chan fspath.Path
	watched bool
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		files: make(map[string][]byte),
		times: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (m *mockStorage) put(p string, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fspath.New(p).String()
	m.files[key] = []byte(content)
	m.times[key] = m.now()
}

func (m *mockStorage) get(p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[fspath.New(p).String()]
	return string(data), ok
}

func (m *mockStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func (m *mockStorage) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *mockStorage) Ls(ctx context.Context, folder fspath.Path, recurse bool) ([]*Entry, error) {
	if m.lsErr != nil {
		return nil, m.lsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := folder.WithTrailingSlash().String()
	seen := make(map[string]bool)
	var entries []*Entry
	for key := range m.files {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		segments := strings.Split(strings.TrimPrefix(key, prefix), "/")
		limit := len(segments)
		if !recurse {
			limit = 1
		}
		for i := 1; i < len(segments) && i <= limit; i++ {
			dir := prefix + strings.Join(segments[:i], "/") + "/"
			if !seen[dir] {
				seen[dir] = true
				entries = append(entries, NewEntry(fspath.New(dir)))
			}
		}
		if recurse || len(segments) == 1 {
			entries = append(entries, m.entry(key))
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

func (m *mockStorage) entry(key string) *Entry {
	return NewEntry(fspath.New(key)).SetSize(int64(len(m.files[key]))).SetModTime(m.times[key])
}

func (m *mockStorage) OpenRead(ctx context.Context, p fspath.Path) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p.String()]
	if !ok {
		return nil, nil
	}
	m.reads++
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockStorage) OpenWrite(ctx context.Context, p fspath.Path, mode WriteMode) (io.WriteCloser, error) {
	if err := RequireFile("write", p); err != nil {
		return nil, err
	}
	w := &mockWriter{m: m, key: p.String()}
	if mode == WriteAppend {
		m.mu.Lock()
		w.buf.Write(m.files[p.String()])
		m.mu.Unlock()
	}
	return w, nil
}

func (m *mockStorage) Rm(ctx context.Context, p fspath.Path, recurse bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.String()
	for k := range m.files {
		if k == key || (p.IsFolder() && strings.HasPrefix(k, key)) {
			delete(m.files, k)
			delete(m.times, k)
			m.notify(k)
		}
	}
	return nil
}

func (m *mockStorage) Stat(ctx context.Context, p fspath.Path) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p.String()]; ok {
		return m.entry(p.String()), nil
	}
	if p.IsFolder() {
		for k := range m.files {
			if strings.HasPrefix(k, p.String()) {
				return NewEntry(p), nil
			}
		}
	}
	return nil, nil
}

// Watch implements Watcher. Must be called before the writes it observes.
func (m *mockStorage) Watch(ctx context.Context, folder fspath.Path) (<-chan fspath.Path, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make(chan fspath.Path, 16)
	m.watched = true
	ch := m.events
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		close(ch)
		m.watched = false
	}()
	return ch, nil
}

// notify must be called with mu held.
func (m *mockStorage) notify(key string) {
	if m.watched {
		select {
		case m.events <- fspath.New(key):
		default:
		}
	}
}

type mockWriter struct {
	m   *mockStorage
	key string
	buf bytes.Buffer
}

func (w *mockWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *mockWriter) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.files[w.key] = bytes.Clone(w.buf.Bytes())
	w.m.times[w.key] = w.m.now()
	w.m.notify(w.key)
	return nil
}

var (
	_ Storage = (*mockStorage)(nil)
	_ Watcher = (*mockStorage)(nil)
)
