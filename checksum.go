package storagekit

import (
	"context"
	"crypto/md5"  //nolint:gosec // MD5 used for checksum verification, not security
	"crypto/sha1" //nolint:gosec // SHA1 used for checksum verification, not security
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/gobeaver/storagekit/fspath"
)

// ChecksumAlgorithm names a content hash.
type ChecksumAlgorithm string

const (
	ChecksumMD5    ChecksumAlgorithm = "md5"
	ChecksumSHA1   ChecksumAlgorithm = "sha1"
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	ChecksumSHA512 ChecksumAlgorithm = "sha512"
	ChecksumCRC32  ChecksumAlgorithm = "crc32"
	ChecksumXXHash ChecksumAlgorithm = "xxhash"
)

// NewHasher creates a new hash.Hash for the given algorithm.
func NewHasher(algorithm ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case ChecksumMD5:
		return md5.New(), nil //nolint:gosec // MD5 used for checksum verification, not security
	case ChecksumSHA1:
		return sha1.New(), nil //nolint:gosec // SHA1 used for checksum verification, not security
	case ChecksumSHA256:
		return sha256.New(), nil
	case ChecksumSHA512:
		return sha512.New(), nil
	case ChecksumCRC32:
		return crc32.NewIEEE(), nil
	case ChecksumXXHash:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported checksum algorithm: %s", ErrNotSupported, algorithm)
	}
}

// Checksum hashes the content of a stored file and returns the hex digest.
// found is false when the file does not exist.
func Checksum(ctx context.Context, s Storage, path fspath.Path, algorithm ChecksumAlgorithm) (sum string, found bool, err error) {
	sums, found, err := Checksums(ctx, s, path, algorithm)
	if err != nil || !found {
		return "", found, err
	}
	return sums[algorithm], true, nil
}

// Checksums reads the file once and computes every requested digest.
func Checksums(ctx context.Context, s Storage, path fspath.Path, algorithms ...ChecksumAlgorithm) (map[ChecksumAlgorithm]string, bool, error) {
	if len(algorithms) == 0 {
		return nil, false, argError("checksum", path.String(), "no algorithms specified")
	}

	hashers := make(map[ChecksumAlgorithm]hash.Hash, len(algorithms))
	writers := make([]io.Writer, 0, len(algorithms))
	for _, algo := range algorithms {
		h, err := NewHasher(algo)
		if err != nil {
			return nil, false, err
		}
		hashers[algo] = h
		writers = append(writers, h)
	}

	r, err := s.OpenRead(ctx, path)
	if err != nil || r == nil {
		return nil, false, err
	}
	defer r.Close()

	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		return nil, true, fmt.Errorf("failed to calculate checksums: %w", err)
	}

	results := make(map[ChecksumAlgorithm]string, len(algorithms))
	for algo, h := range hashers {
		results[algo] = hex.EncodeToString(h.Sum(nil))
	}
	return results, true, nil
}

// VerifyChecksum reports whether the stored file hashes to expected. For MD5
// the digest the backend already reports in Entry.MD5 is used when present.
func VerifyChecksum(ctx context.Context, s Storage, path fspath.Path, expected string, algorithm ChecksumAlgorithm) (bool, error) {
	if algorithm == ChecksumMD5 {
		e, err := s.Stat(ctx, path)
		if err != nil {
			return false, err
		}
		if e == nil {
			return false, nil
		}
		if e.MD5 != "" {
			return strings.EqualFold(e.MD5, expected), nil
		}
	}

	actual, found, err := Checksum(ctx, s, path, algorithm)
	if err != nil || !found {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}
