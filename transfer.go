package storagekit

import (
	"context"
	"io"

	"github.com/gobeaver/storagekit/fspath"
)

// DefaultReportEvery is the progress granularity when TransferOptions leaves
// it unset.
const DefaultReportEvery = 1 << 20

// ProgressFunc reports bytes moved so far. total is -1 when unknown.
type ProgressFunc func(transferred, total int64)

// TransferOptions configures Upload and Download.
type TransferOptions struct {
	// Mode is the write mode used by Upload.
	Mode WriteMode

	// Progress is called every ReportEvery bytes and once at the end.
	Progress    ProgressFunc
	ReportEvery int64
}

// Upload streams r into p. size is only used for progress and may be -1.
// If r fails, the write session is discarded instead of committed.
func Upload(ctx context.Context, s Storage, p fspath.Path, r io.Reader, size int64, opts *TransferOptions) error {
	if err := RequireFile("upload", p); err != nil {
		return err
	}
	if opts == nil {
		opts = &TransferOptions{}
	}
	w, err := s.OpenWrite(ctx, p, opts.Mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, newProgressReader(r, size, opts)); err != nil {
		discard(w, err)
		return &PathError{Op: "upload", Path: p.String(), Err: err}
	}
	return w.Close()
}

// Download streams p into w and reports whether p exists.
func Download(ctx context.Context, s Storage, p fspath.Path, w io.Writer, opts *TransferOptions) (found bool, err error) {
	if err := RequireFile("download", p); err != nil {
		return false, err
	}
	if opts == nil {
		opts = &TransferOptions{}
	}

	size := int64(-1)
	if opts.Progress != nil {
		e, err := s.Stat(ctx, p)
		if err != nil {
			return false, err
		}
		if e != nil && e.Size != nil {
			size = *e.Size
		}
	}

	r, err := s.OpenRead(ctx, p)
	if err != nil || r == nil {
		return false, err
	}
	defer r.Close()
	if _, err := io.Copy(w, newProgressReader(r, size, opts)); err != nil {
		return true, &PathError{Op: "download", Path: p.String(), Err: err}
	}
	return true, nil
}

type progressReader struct {
	r            io.Reader
	progress     ProgressFunc
	total        int64
	read         int64
	lastReported int64
	every        int64
	done         bool
}

func newProgressReader(r io.Reader, total int64, opts *TransferOptions) io.Reader {
	if opts.Progress == nil {
		return r
	}
	every := opts.ReportEvery
	if every <= 0 {
		every = DefaultReportEvery
	}
	return &progressReader{r: r, progress: opts.Progress, total: total, every: every}
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.read += int64(n)
	if err == io.EOF {
		if !r.done {
			r.done = true
			r.progress(r.read, r.total)
		}
	} else if n > 0 && r.read-r.lastReported >= r.every {
		r.lastReported = r.read
		r.progress(r.read, r.total)
	}
	return n, err
}
