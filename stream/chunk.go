package stream

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrClosed is returned by reads and writes on a closed stream.
	ErrClosed = errors.New("stream: closed")

	// ErrAborted is the failure of a session closed by CloseWithError(nil).
	ErrAborted = errors.New("stream: write aborted")
)

// ChunkFunc reads up to len(p) bytes starting at offset. Returning fewer bytes
// than requested, or io.EOF, marks the end of the data.
type ChunkFunc func(ctx context.Context, offset int64, p []byte) (int, error)

// ChunkReader is a forward-only reader that services each Read with as many
// bounded chunk requests as it takes to fill the caller's buffer.
type ChunkReader struct {
	ctx      context.Context
	read     ChunkFunc
	maxChunk int
	length   int64
	pos      int64
	eof      bool
	closed   bool
	onClose  func() error
}

// NewChunkReader returns a reader over length bytes. A negative length means
// unknown and the reader runs until a short chunk comes back.
func NewChunkReader(ctx context.Context, read ChunkFunc, maxChunk int, length int64) *ChunkReader {
	if maxChunk <= 0 {
		maxChunk = DefaultChunkSize
	}
	return &ChunkReader{
		ctx:      ctx,
		read:     read,
		maxChunk: maxChunk,
		length:   length,
	}
}

// OnClose registers fn to run once when the reader is closed.
func (r *ChunkReader) OnClose(fn func() error) *ChunkReader {
	r.onClose = fn
	return r
}

// Read implements io.Reader.
func (r *ChunkReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if r.eof || (r.length >= 0 && r.pos >= r.length) {
		return 0, io.EOF
	}

	want := len(p)
	if r.length >= 0 && int64(want) > r.length-r.pos {
		want = int(r.length - r.pos)
	}

	total := 0
	for total < want {
		if err := r.ctx.Err(); err != nil {
			return total, err
		}

		toRead := min(r.maxChunk, want-total)
		n, err := r.read(r.ctx, r.pos, p[total:total+toRead])
		total += n
		r.pos += int64(n)

		if err != nil && !errors.Is(err, io.EOF) {
			return total, err
		}
		if n < toRead || err != nil {
			r.eof = true
			break
		}
	}

	if total == 0 && r.eof {
		return 0, io.EOF
	}
	return total, nil
}

// Position is the absolute offset of the next byte to be read.
func (r *ChunkReader) Position() int64 { return r.pos }

// Length is the declared total length, or -1 if unknown.
func (r *ChunkReader) Length() int64 { return r.length }

// Close implements io.Closer.
func (r *ChunkReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.onClose != nil {
		return r.onClose()
	}
	return nil
}
