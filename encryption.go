package storagekit

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"

	"github.com/gobeaver/storagekit/fspath"
)

// ErrCorrupt is returned when stored ciphertext fails authentication or ends
// before its final segment.
var ErrCorrupt = errors.New("encrypted content is corrupt or truncated")

const (
	encryptionVersion = 1
	encryptionKeySize = 32
	saltSize          = 32
	noncePrefixSize   = 7
	headerSize        = 1 + saltSize + noncePrefixSize

	// EncryptedSegmentSize is the plaintext size of every segment but the last.
	EncryptedSegmentSize = 64 << 10
)

// EncryptedStorage encrypts file content with AES-256-GCM before it reaches
// the wrapped storage and decrypts it on read. Paths, folder structure and
// metadata are stored in the clear.
//
// Each file carries a random salt from which its content key is derived with
// HKDF-SHA256, so the master key never encrypts data directly. Content is
// split into segments sealed independently; the segment counter and a final
// flag are bound into each nonce, so reordered or truncated files fail with
// ErrCorrupt.
type EncryptedStorage struct {
	s   Storage
	key []byte
}

// NewEncryptedStorage wraps s. key must be 32 bytes.
func NewEncryptedStorage(s Storage, key []byte) (*EncryptedStorage, error) {
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", ErrInvalidArgument, encryptionKeySize, len(key))
	}
	return &EncryptedStorage{s: s, key: append([]byte(nil), key...)}, nil
}

// Unwrap returns the wrapped storage.
func (e *EncryptedStorage) Unwrap() Storage { return e.s }

func (e *EncryptedStorage) aead(salt []byte) (cipher.AEAD, error) {
	fileKey := make([]byte, encryptionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, e.key, salt, []byte("storagekit content")), fileKey); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(fileKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// OpenWrite implements Storage. WriteAppend is not supported: a sealed final
// segment cannot be extended.
func (e *EncryptedStorage) OpenWrite(ctx context.Context, p fspath.Path, mode WriteMode) (io.WriteCloser, error) {
	if err := RequireFile("write", p); err != nil {
		return nil, err
	}
	if mode == WriteAppend {
		return nil, &PathError{Op: "append", Path: p.String(), Err: ErrNotSupported}
	}

	header := make([]byte, headerSize)
	header[0] = encryptionVersion
	if _, err := io.ReadFull(rand.Reader, header[1:]); err != nil {
		return nil, &PathError{Op: "write", Path: p.String(), Err: err}
	}
	aead, err := e.aead(header[1 : 1+saltSize])
	if err != nil {
		return nil, &PathError{Op: "write", Path: p.String(), Err: err}
	}

	w, err := e.s.OpenWrite(ctx, p, WriteCreate)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(header); err != nil {
		discard(w, err)
		return nil, err
	}
	ew := &encryptWriter{dst: w, aead: aead, buf: make([]byte, 0, EncryptedSegmentSize)}
	copy(ew.prefix[:], header[1+saltSize:])
	return ew, nil
}

// OpenRead implements Storage.
func (e *EncryptedStorage) OpenRead(ctx context.Context, p fspath.Path) (io.ReadCloser, error) {
	r, err := e.s.OpenRead(ctx, p)
	if err != nil || r == nil {
		return r, err
	}

	br := bufio.NewReaderSize(r, EncryptedSegmentSize+aes.BlockSize)
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(br, header); err != nil {
		r.Close()
		return nil, &PathError{Op: "read", Path: p.String(), Err: ErrCorrupt}
	}
	if header[0] != encryptionVersion {
		r.Close()
		return nil, &PathError{Op: "read", Path: p.String(), Err: fmt.Errorf("%w: unknown version %d", ErrCorrupt, header[0])}
	}
	aead, err := e.aead(header[1 : 1+saltSize])
	if err != nil {
		r.Close()
		return nil, &PathError{Op: "read", Path: p.String(), Err: err}
	}

	dr := &decryptReader{
		src:   r,
		br:    br,
		path:  p,
		aead:  aead,
		frame: make([]byte, EncryptedSegmentSize+aead.Overhead()),
	}
	copy(dr.prefix[:], header[1+saltSize:])
	return dr, nil
}

// Stat implements Storage. File sizes are reported as plaintext sizes.
func (e *EncryptedStorage) Stat(ctx context.Context, p fspath.Path) (*Entry, error) {
	entry, err := e.s.Stat(ctx, p)
	if err != nil || entry == nil {
		return entry, err
	}
	return plaintextEntry(entry), nil
}

// Ls implements Storage.
func (e *EncryptedStorage) Ls(ctx context.Context, p fspath.Path, recurse bool) ([]*Entry, error) {
	entries, err := e.s.Ls(ctx, p, recurse)
	if err != nil {
		return nil, err
	}
	for i, entry := range entries {
		entries[i] = plaintextEntry(entry)
	}
	return entries, nil
}

// Rm implements Storage.
func (e *EncryptedStorage) Rm(ctx context.Context, p fspath.Path, recurse bool) error {
	return e.s.Rm(ctx, p, recurse)
}

// Watch implements Watcher when the wrapped storage does.
func (e *EncryptedStorage) Watch(ctx context.Context, folder fspath.Path) (<-chan fspath.Path, error) {
	if w, ok := e.s.(Watcher); ok {
		return w.Watch(ctx, folder)
	}
	return nil, &PathError{Op: "watch", Path: folder.String(), Err: ErrNotSupported}
}

// Close implements Closer.
func (e *EncryptedStorage) Close() error {
	return Close(e.s)
}

// plaintextEntry replaces the stored size with the plaintext size. The
// stored MD5 describes ciphertext and is dropped.
func plaintextEntry(entry *Entry) *Entry {
	if entry.IsFolder() || entry.Size == nil {
		return entry
	}
	out := entry.Clone()
	out.MD5 = ""
	out.SetSize(PlaintextSize(*entry.Size))
	return out
}

// PlaintextSize returns the plaintext length of a stored ciphertext of the
// given length, or -1 if no valid ciphertext has that length.
func PlaintextSize(stored int64) int64 {
	const tag = 16
	body := stored - headerSize
	if body < tag {
		return -1
	}
	frame := int64(EncryptedSegmentSize + tag)
	frames := body / frame
	if rem := body % frame; rem != 0 {
		if rem < tag {
			return -1
		}
		frames++
	}
	return body - frames*tag
}

func segmentNonce(prefix [noncePrefixSize]byte, counter uint32, final bool) []byte {
	nonce := make([]byte, 12)
	copy(nonce, prefix[:])
	binary.BigEndian.PutUint32(nonce[noncePrefixSize:], counter)
	if final {
		nonce[11] = 1
	}
	return nonce
}

type encryptWriter struct {
	dst     io.WriteCloser
	aead    cipher.AEAD
	prefix  [noncePrefixSize]byte
	counter uint32
	buf     []byte
	sealed  []byte
	err     error
	closed  bool
}

// Write buffers plaintext and seals a segment once the buffer is full and
// more data follows, so the last segment is always sealed as final.
func (w *encryptWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	written := 0
	for len(p) > 0 {
		if len(w.buf) == EncryptedSegmentSize {
			if err := w.seal(false); err != nil {
				return written, err
			}
		}
		n := min(len(p), EncryptedSegmentSize-len(w.buf))
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		written += n
	}
	return written, nil
}

func (w *encryptWriter) seal(final bool) error {
	if w.counter == math.MaxUint32 {
		w.err = fmt.Errorf("%w: file too large to encrypt", ErrInvalidArgument)
		return w.err
	}
	w.sealed = w.aead.Seal(w.sealed[:0], segmentNonce(w.prefix, w.counter, final), w.buf, nil)
	w.counter++
	w.buf = w.buf[:0]
	if _, err := w.dst.Write(w.sealed); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Close seals the final segment and closes the underlying writer, which
// commits the file.
func (w *encryptWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err == nil {
		w.seal(true)
	}
	if w.err != nil {
		discard(w.dst, w.err)
		return w.err
	}
	return w.dst.Close()
}

// CloseWithError ends the session without sealing the final segment or
// committing the file.
func (w *encryptWriter) CloseWithError(err error) error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err == nil {
		w.err = err
	}
	discard(w.dst, err)
	return w.err
}

type decryptReader struct {
	src     io.ReadCloser
	br      *bufio.Reader
	path    fspath.Path
	aead    cipher.AEAD
	prefix  [noncePrefixSize]byte
	counter uint32
	frame   []byte
	plain   []byte
	pending []byte
	done    bool
	err     error
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.next()
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// next reads and opens one segment. A full segment is final only when
// nothing follows it.
func (r *decryptReader) next() error {
	n, err := io.ReadFull(r.br, r.frame)
	final := false
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		final = true
	case errors.Is(err, io.EOF):
		return r.corrupt(nil)
	case err != nil:
		return &PathError{Op: "read", Path: r.path.String(), Err: err}
	default:
		if _, perr := r.br.Peek(1); errors.Is(perr, io.EOF) {
			final = true
		} else if perr != nil {
			return &PathError{Op: "read", Path: r.path.String(), Err: perr}
		}
	}

	plain, err := r.aead.Open(r.plain[:0], segmentNonce(r.prefix, r.counter, final), r.frame[:n], nil)
	if err != nil {
		return r.corrupt(err)
	}
	r.counter++
	r.plain = plain
	r.pending = plain
	r.done = final
	return nil
}

func (r *decryptReader) corrupt(cause error) error {
	err := ErrCorrupt
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrCorrupt, cause)
	}
	return &PathError{Op: "read", Path: r.path.String(), Err: err}
}

func (r *decryptReader) Close() error {
	return r.src.Close()
}
