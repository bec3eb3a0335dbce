// Package stream holds the two I/O building blocks every backend is written
// against.
//
// ChunkReader turns a "read n bytes at offset" primitive into a sequential
// io.Reader that never asks the backend for more than a fixed chunk at once.
// Ranged GETs, DBFS reads and GCS range readers all plug in here.
//
// WriteSession buffers writes into a fixed-size buffer and hands every full
// buffer to a Committer as a numbered part. Closing the session flushes the
// remainder as the final part and then calls Commit exactly once. That split
// is enough to express single-shot uploads (collect every part, PUT on
// commit), multipart uploads (one part upload per dump, complete on commit)
// and append blobs (one append per dump, commit is a no-op).
package stream
