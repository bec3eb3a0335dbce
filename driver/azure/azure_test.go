package azure

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/auth"
	"github.com/gobeaver/storagekit/fspath"
)

const (
	testAccount   = "devaccount"
	testContainer = "files"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("not-a-real-account-key"))

type fakeBlob struct {
	data        []byte
	blobType    string
	contentType string
	etag        string
	modified    time.Time
	created     time.Time
}

// fakeBlobService is a Blob endpoint for one container, reached under
// /<account>/<container>/ like the storage emulator. It checks every shared
// key signature and lists two items per page.
type fakeBlobService struct {
	t         *testing.T
	mu        sync.Mutex
	blobs     map[string]*fakeBlob
	staged    map[string]map[string][]byte
	container bool
	pageSize  int
	version   int
}

func newFakeBlobService(t *testing.T) (*fakeBlobService, *httptest.Server) {
	f := &fakeBlobService{
		t:         t,
		blobs:     make(map[string]*fakeBlob),
		staged:    make(map[string]map[string][]byte),
		container: true,
		pageSize:  2,
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBlobService) verifySignature(r *http.Request) {
	got := r.Header.Get("Authorization")
	date, err := http.ParseTime(r.Header.Get("x-ms-date"))
	if err != nil {
		f.t.Errorf("x-ms-date: %v", err)
		return
	}
	signer, err := auth.NewSharedKey(testAccount, testKey, auth.WithSharedKeyClock(func() time.Time { return date }))
	if err != nil {
		f.t.Fatal(err)
	}
	clone := r.Clone(context.Background())
	clone.Header.Del("Authorization")
	if err := signer.Sign(context.Background(), clone); err != nil {
		f.t.Fatal(err)
	}
	if want := clone.Header.Get("Authorization"); got != want {
		f.t.Errorf("%s %s: Authorization = %q, want %q", r.Method, r.URL, got, want)
	}
}

func (f *fakeBlobService) fail(w http.ResponseWriter, status int, code string) {
	w.Header().Set("x-ms-error-code", code)
	w.WriteHeader(status)
	if status != http.StatusNotFound || code != "" {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
	}
}

func (f *fakeBlobService) touch(b *fakeBlob) {
	f.version++
	b.etag = fmt.Sprintf(`"0x%X"`, f.version)
	b.modified = time.Now().UTC()
}

func (f *fakeBlobService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.verifySignature(r)

	f.mu.Lock()
	defer f.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/"+testAccount+"/"+testContainer)
	name := strings.TrimPrefix(rest, "/")
	q := r.URL.Query()

	if q.Get("restype") == "container" {
		switch {
		case r.Method == http.MethodPut:
			if f.container {
				f.fail(w, http.StatusConflict, "ContainerAlreadyExists")
				return
			}
			f.container = true
			w.WriteHeader(http.StatusCreated)
		case q.Get("comp") == "list":
			f.list(w, q.Get("prefix"), q.Get("delimiter"), q.Get("marker"))
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
		return
	}
	if !f.container {
		f.fail(w, http.StatusNotFound, "ContainerNotFound")
		return
	}

	b := f.blobs[name]
	switch {
	case r.Method == http.MethodHead:
		if b == nil {
			f.fail(w, http.StatusNotFound, "BlobNotFound")
			return
		}
		sum := md5.Sum(b.data)
		w.Header().Set("Content-Length", strconv.Itoa(len(b.data)))
		w.Header().Set("Content-Type", b.contentType)
		w.Header().Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
		w.Header().Set("ETag", b.etag)
		w.Header().Set("Last-Modified", b.modified.Format(http.TimeFormat))
		w.Header().Set("x-ms-creation-time", b.created.Format(http.TimeFormat))
		w.Header().Set("x-ms-blob-type", b.blobType)
	case r.Method == http.MethodGet:
		if b == nil {
			f.fail(w, http.StatusNotFound, "BlobNotFound")
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && m != b.etag {
			f.fail(w, http.StatusPreconditionFailed, "ConditionNotMet")
			return
		}
		rng := r.Header.Get("x-ms-range")
		if rng == "" {
			rng = r.Header.Get("Range")
		}
		start, end := 0, len(b.data)-1
		if rng != "" {
			if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
				f.t.Errorf("range %q", rng)
			}
			end = min(end, len(b.data)-1)
		}
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(b.data)))
		w.Header().Set("ETag", b.etag)
		w.Header().Set("x-ms-blob-type", b.blobType)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(b.data[start : end+1])
	case r.Method == http.MethodPut && q.Get("comp") == "block":
		data, _ := io.ReadAll(r.Body)
		if f.staged[name] == nil {
			f.staged[name] = make(map[string][]byte)
		}
		f.staged[name][q.Get("blockid")] = data
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut && q.Get("comp") == "blocklist":
		var list struct {
			Latest []string `xml:"Latest"`
		}
		if err := xml.NewDecoder(r.Body).Decode(&list); err != nil {
			f.t.Errorf("decode block list: %v", err)
		}
		var buf bytes.Buffer
		for _, id := range list.Latest {
			data, ok := f.staged[name][id]
			if !ok {
				f.fail(w, http.StatusBadRequest, "InvalidBlockList")
				return
			}
			buf.Write(data)
		}
		delete(f.staged, name)
		nb := &fakeBlob{data: buf.Bytes(), blobType: "BlockBlob", contentType: r.Header.Get("x-ms-blob-content-type"), created: time.Now().UTC()}
		f.touch(nb)
		f.blobs[name] = nb
		w.Header().Set("ETag", nb.etag)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut && q.Get("comp") == "appendblock":
		if b == nil || b.blobType != "AppendBlob" {
			f.fail(w, http.StatusConflict, "InvalidBlobType")
			return
		}
		data, _ := io.ReadAll(r.Body)
		b.data = append(b.data, data...)
		f.touch(b)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		nb := &fakeBlob{
			data:        data,
			blobType:    r.Header.Get("x-ms-blob-type"),
			contentType: r.Header.Get("x-ms-blob-content-type"),
			created:     time.Now().UTC(),
		}
		f.touch(nb)
		f.blobs[name] = nb
		w.Header().Set("ETag", nb.etag)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodDelete:
		if b == nil {
			f.fail(w, http.StatusNotFound, "BlobNotFound")
			return
		}
		delete(f.blobs, name)
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeBlobService) list(w http.ResponseWriter, prefix, delimiter, marker string) {
	var names []string
	prefixes := map[string]bool{}
	for name := range f.blobs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				prefixes[prefix+rest[:i+1]] = true
				continue
			}
		}
		names = append(names, name)
	}
	for p := range prefixes {
		names = append(names, p)
	}
	sort.Strings(names)

	start, _ := strconv.Atoi(marker)
	end := min(start+f.pageSize, len(names))

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><EnumerationResults ContainerName="files">`)
	fmt.Fprintf(&b, "<Prefix>%s</Prefix><Delimiter>%s</Delimiter><Blobs>", prefix, delimiter)
	for _, name := range names[start:end] {
		if prefixes[name] {
			fmt.Fprintf(&b, "<BlobPrefix><Name>%s</Name></BlobPrefix>", name)
			continue
		}
		blob := f.blobs[name]
		sum := md5.Sum(blob.data)
		fmt.Fprintf(&b, "<Blob><Name>%s</Name><Properties>"+
			"<Creation-Time>%s</Creation-Time><Last-Modified>%s</Last-Modified><Etag>%s</Etag>"+
			"<Content-Length>%d</Content-Length><Content-Type>%s</Content-Type><Content-MD5>%s</Content-MD5>"+
			"<BlobType>%s</BlobType></Properties></Blob>",
			name, blob.created.Format(http.TimeFormat), blob.modified.Format(http.TimeFormat), blob.etag,
			len(blob.data), blob.contentType, base64.StdEncoding.EncodeToString(sum[:]), blob.blobType)
	}
	b.WriteString("</Blobs>")
	if end < len(names) {
		fmt.Fprintf(&b, "<NextMarker>%d</NextMarker>", end)
	} else {
		b.WriteString("<NextMarker/>")
	}
	b.WriteString("</EnumerationResults>")
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(b.String()))
}

func openFake(t *testing.T, extra ...string) (*Adapter, *fakeBlobService) {
	t.Helper()
	f, srv := newFakeBlobService(t)

	cs := storagekit.NewConnectionString("az")
	cs.Set("account", testAccount)
	cs.Set("container", testContainer)
	cs.Set("key", testKey)
	cs.Set("endpoint", srv.URL+"/"+testAccount)
	for i := 0; i+1 < len(extra); i += 2 {
		cs.Set(extra[i], extra[i+1])
	}

	s, err := storagekit.OpenConnectionString(context.Background(), cs, storagekit.WithHTTPRetries(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a, ok := s.(*Adapter)
	if !ok {
		t.Fatalf("Open returned %T", s)
	}
	return a, f
}

func TestWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("single upload", func(t *testing.T) {
		a, f := openFake(t)
		if err := storagekit.WriteText(ctx, a, fspath.New("/docs/a.json"), `{"a":1}`); err != nil {
			t.Fatalf("WriteText: %v", err)
		}
		b := f.blobs["docs/a.json"]
		if b == nil || string(b.data) != `{"a":1}` || b.blobType != "BlockBlob" {
			t.Fatalf("blob = %+v", b)
		}
		if b.contentType != "application/json" {
			t.Errorf("content type = %q", b.contentType)
		}
	})

	t.Run("staged blocks", func(t *testing.T) {
		a, f := openFake(t)
		a.blockSize = 1000
		data := bytes.Repeat([]byte("0123456789"), 250)
		if err := storagekit.WriteBytes(ctx, a, fspath.New("/big.bin"), data); err != nil {
			t.Fatalf("WriteBytes: %v", err)
		}
		if b := f.blobs["big.bin"]; b == nil || !bytes.Equal(b.data, data) {
			t.Fatal("committed content mismatch")
		}
		if len(f.staged) != 0 {
			t.Errorf("staged blocks left: %d", len(f.staged))
		}
	})

	t.Run("append", func(t *testing.T) {
		a, f := openFake(t)
		for _, chunk := range []string{"one,", "two"} {
			w, err := a.OpenWrite(ctx, fspath.New("/log.txt"), storagekit.WriteAppend)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := io.WriteString(w, chunk); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
		}
		b := f.blobs["log.txt"]
		if b == nil || string(b.data) != "one,two" || b.blobType != "AppendBlob" {
			t.Errorf("blob = %+v", b)
		}
	})

	t.Run("append to block blob", func(t *testing.T) {
		a, _ := openFake(t)
		if err := storagekit.WriteText(ctx, a, fspath.New("/a.txt"), "x"); err != nil {
			t.Fatal(err)
		}
		w, err := a.OpenWrite(ctx, fspath.New("/a.txt"), storagekit.WriteAppend)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.WriteString(w, "y")
		if err := w.Close(); !errors.Is(err, storagekit.ErrNotSupported) {
			t.Errorf("Close = %v, want ErrNotSupported", err)
		}
	})
}

func TestRead(t *testing.T) {
	ctx := context.Background()
	a, _ := openFake(t)
	a.chunkSize = 700

	data := bytes.Repeat([]byte("abcdefghij"), 300)
	if err := storagekit.WriteBytes(ctx, a, fspath.New("/r.bin"), data); err != nil {
		t.Fatal(err)
	}
	got, found, err := storagekit.ReadBytes(ctx, a, fspath.New("/r.bin"))
	if err != nil || !found || !bytes.Equal(got, data) {
		t.Errorf("ReadBytes = %d bytes, %v, %v", len(got), found, err)
	}

	r, err := a.OpenRead(ctx, fspath.New("/missing.bin"))
	if err != nil || r != nil {
		t.Errorf("OpenRead missing = %v, %v", r, err)
	}
}

func TestLs(t *testing.T) {
	ctx := context.Background()
	a, _ := openFake(t)
	for _, p := range []string{"/a.txt", "/b.txt", "/dir/c.txt", "/dir/sub/d.txt", "/other/e.txt"} {
		if err := storagekit.WriteText(ctx, a, fspath.New(p), p); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		folder  string
		recurse bool
		want    []string
	}{
		{"root", "/", false, []string{"/a.txt", "/b.txt", "/dir/", "/other/"}},
		{"nested", "/dir/", false, []string{"/dir/c.txt", "/dir/sub/"}},
		{"recursive", "/", true, []string{"/a.txt", "/b.txt", "/dir/", "/dir/c.txt", "/dir/sub/", "/dir/sub/d.txt", "/other/", "/other/e.txt"}},
		{"missing", "/nothing/", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := a.Ls(ctx, fspath.New(tt.folder), tt.recurse)
			if err != nil {
				t.Fatalf("Ls: %v", err)
			}
			var got []string
			for _, e := range entries {
				got = append(got, e.Path.String())
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Ls = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	a, _ := openFake(t)
	if err := storagekit.WriteText(ctx, a, fspath.New("/dir/a.txt"), "hello"); err != nil {
		t.Fatal(err)
	}

	e, err := a.Stat(ctx, fspath.New("/dir/a.txt"))
	if err != nil || e == nil {
		t.Fatalf("Stat = %v, %v", e, err)
	}
	if *e.Size != 5 || e.MD5 != "5d41402abc4b2a76b9719d911017c592" || e.CreatedTime == nil {
		t.Errorf("entry = %+v", e)
	}
	if bt, _ := e.Properties.Get(storagekit.PropBlobType); bt != "BlockBlob" {
		t.Errorf("blob type = %v", bt)
	}
	if e, err := a.Stat(ctx, fspath.New("/dir/")); err != nil || e == nil {
		t.Errorf("folder Stat = %v, %v", e, err)
	}
	if e, err := a.Stat(ctx, fspath.New("/none.txt")); err != nil || e != nil {
		t.Errorf("missing Stat = %v, %v", e, err)
	}
}

func TestRm(t *testing.T) {
	ctx := context.Background()
	a, f := openFake(t)
	for _, p := range []string{"/keep.txt", "/dir/a.txt", "/dir/b.txt", "/dir/sub/c.txt"} {
		if err := storagekit.WriteText(ctx, a, fspath.New(p), "x"); err != nil {
			t.Fatal(err)
		}
	}

	if err := a.Rm(ctx, fspath.New("/missing.txt"), false); err != nil {
		t.Errorf("Rm missing: %v", err)
	}
	if err := a.Rm(ctx, fspath.New("/dir/"), false); !storagekit.IsInvalidArgument(err) {
		t.Errorf("Rm non-empty folder = %v", err)
	}
	if err := a.Rm(ctx, fspath.New("/dir/"), true); err != nil {
		t.Fatalf("Rm recursive: %v", err)
	}
	if len(f.blobs) != 1 || f.blobs["keep.txt"] == nil {
		t.Errorf("blobs left = %d", len(f.blobs))
	}
}

func TestMissingContainer(t *testing.T) {
	ctx := context.Background()
	a, f := openFake(t)
	f.container = false

	_, err := a.Stat(ctx, fspath.New("/a.txt"))
	if storagekit.StatusCode(err) != http.StatusNotFound {
		t.Errorf("Stat err = %v, want a 404 protocol error", err)
	}

	if err := a.EnsureContainer(ctx); err != nil {
		t.Fatalf("EnsureContainer: %v", err)
	}
	if err := a.EnsureContainer(ctx); err != nil {
		t.Errorf("EnsureContainer on existing container: %v", err)
	}
}

func TestSignedURL(t *testing.T) {
	a, _ := openFake(t)
	raw, err := a.SignedURL(fspath.New("/dir/a.txt"), time.Hour)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(u.Path, "/"+testContainer+"/dir/a.txt") {
		t.Errorf("path = %q", u.Path)
	}
	q := u.Query()
	if q.Get("sp") != "r" || q.Get("sig") == "" || q.Get("se") == "" {
		t.Errorf("query = %v", q)
	}
}

func TestBearerCredentials(t *testing.T) {
	var tokenCalls int
	var mu sync.Mutex
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokenCalls++
		mu.Unlock()
		if r.URL.Path != "/tenant/oauth2/v2.0/token" {
			t.Errorf("token path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"aad-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokens.Close()

	blobs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer aad-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("x-ms-error-code", "BlobNotFound")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer blobs.Close()

	cs := storagekit.NewConnectionString("az")
	cs.Set("account", testAccount)
	cs.Set("container", testContainer)
	cs.Set("tenantId", "tenant")
	cs.Set("clientId", "client")
	cs.Set("clientSecret", "secret")
	cs.Set("authorityHost", tokens.URL)
	cs.Set("endpoint", blobs.URL+"/"+testAccount)

	s, err := storagekit.OpenConnectionString(context.Background(), cs, storagekit.WithHTTPRetries(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for range 2 {
		if e, err := s.Stat(context.Background(), fspath.New("/a.txt")); err != nil || e != nil {
			t.Errorf("Stat = %v, %v", e, err)
		}
	}
	if tokenCalls != 1 {
		t.Errorf("token calls = %d, want 1", tokenCalls)
	}

	a := s.(*Adapter)
	if _, err := a.SignedURL(fspath.New("/a.txt"), time.Hour); !errors.Is(err, storagekit.ErrNotSupported) {
		t.Errorf("SignedURL err = %v", err)
	}
}

func TestRegisteredValidation(t *testing.T) {
	tests := map[string]string{
		"missing account":   "az://container=c;key=" + testKey,
		"missing container": "az://account=a;key=" + testKey,
		"bad key":           "az://account=a;container=c;key=***",
		"no credentials":    "az://account=a;container=c",
	}
	for name, cs := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := storagekit.Open(context.Background(), cs); err == nil {
				t.Error("expected error")
			}
		})
	}
}
