package stream

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultChunkSize bounds ranged reads when the backend sets no limit.
	DefaultChunkSize = 4 << 20

	// DefaultBufferSize is the write buffer used when none is given.
	DefaultBufferSize = 8 << 20
)

// Committer receives the parts of a WriteSession. part is the 1-based part
// number, matching the order of Dump calls. data is only valid for the
// duration of the call.
type Committer interface {
	Dump(ctx context.Context, part int, data []byte, isFinal bool) error
	Commit(ctx context.Context) error
}

// Aborter is implemented by committers that can discard a half-written
// upload, such as an unfinished multipart upload.
type Aborter interface {
	Abort(ctx context.Context) error
}

// SessionOption configures a WriteSession.
type SessionOption func(*WriteSession)

// WithLogger sets the logger used to report abort failures.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *WriteSession) {
		if l != nil {
			s.logger = l
		}
	}
}

// WriteSession is a buffered io.WriteCloser that commits on Close. It is not
// safe for concurrent use.
type WriteSession struct {
	ctx     context.Context
	c       Committer
	buf     []byte
	pos     int
	parts   int
	written int64
	closed  bool
	err     error
	logger  *zap.Logger
}

// NewWriteSession returns a session flushing every bufferSize bytes to c.
func NewWriteSession(ctx context.Context, c Committer, bufferSize int, opts ...SessionOption) *WriteSession {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	s := &WriteSession{
		ctx:    ctx,
		c:      c,
		buf:    getBuffer(bufferSize),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write implements io.Writer.
func (s *WriteSession) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.err != nil {
		return 0, s.err
	}

	n := 0
	for len(p) > 0 {
		if err := s.ctx.Err(); err != nil {
			s.fail(err)
			return n, err
		}

		c := copy(s.buf[s.pos:], p)
		s.pos += c
		p = p[c:]
		n += c
		s.written += int64(c)

		if s.pos == len(s.buf) {
			if err := s.dump(false); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Close flushes the remaining bytes as the final part and commits. An empty
// session still produces one empty final part so the object gets created.
func (s *WriteSession) Close() error {
	if s.closed {
		return s.err
	}
	s.closed = true
	defer s.release()

	if s.err != nil {
		return s.err
	}
	if s.pos > 0 || s.parts == 0 {
		if err := s.dump(true); err != nil {
			return err
		}
	}
	if err := s.c.Commit(s.ctx); err != nil {
		err = fmt.Errorf("commit: %w", err)
		s.fail(err)
		return err
	}
	return nil
}

// CloseWithError ends the session without committing. Committers that
// implement Aborter are aborted. It returns the error the session failed
// with, which is err unless an earlier dump already failed.
func (s *WriteSession) CloseWithError(err error) error {
	if s.closed {
		return s.err
	}
	s.closed = true
	if err == nil {
		err = ErrAborted
	}
	s.fail(err)
	return s.err
}

// Written is the number of bytes accepted so far.
func (s *WriteSession) Written() int64 { return s.written }

// Parts is the number of parts handed to the committer so far.
func (s *WriteSession) Parts() int { return s.parts }

func (s *WriteSession) dump(final bool) error {
	s.parts++
	err := s.c.Dump(s.ctx, s.parts, s.buf[:s.pos], final)
	s.pos = 0
	if err != nil {
		err = fmt.Errorf("part %d: %w", s.parts, err)
		s.fail(err)
	}
	return err
}

func (s *WriteSession) fail(err error) {
	if s.err != nil {
		return
	}
	s.err = err
	s.release()

	if a, ok := s.c.(Aborter); ok {
		if abortErr := a.Abort(context.WithoutCancel(s.ctx)); abortErr != nil {
			s.logger.Warn("abort of failed upload did not succeed",
				zap.Int("parts", s.parts),
				zap.Error(abortErr))
		}
	}
}

func (s *WriteSession) release() {
	if s.buf != nil {
		putBuffer(s.buf)
		s.buf = nil
	}
}

// ============================================================================
// Buffer Pool
// ============================================================================

var pools sync.Map // buffer size -> *sync.Pool

func poolFor(size int) *sync.Pool {
	if p, ok := pools.Load(size); ok {
		return p.(*sync.Pool)
	}
	p, _ := pools.LoadOrStore(size, &sync.Pool{
		New: func() any {
			b := make([]byte, size)
			return &b
		},
	})
	return p.(*sync.Pool)
}

func getBuffer(size int) []byte {
	return *poolFor(size).Get().(*[]byte)
}

func putBuffer(b []byte) {
	b = b[:cap(b)]
	poolFor(len(b)).Put(&b)
}
