// Package digest computes streaming cryptographic digests over file
// contents for signature lookups and quarantine bookkeeping.
package digest

import (
	"crypto/md5"  //nolint:gosec // G501: MD5 is required by the signature DB schema
	"crypto/sha1" //nolint:gosec // G505: SHA-1 is required by the signature DB schema
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// ErrUnsupportedAlgorithm is returned for algorithm names other than
// md5, sha1, or sha256.
var ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

const blockSize = 16 * 1024

// Digests holds the hex digests of a single file. A field is empty when
// that algorithm could not be computed.
type Digests struct {
	MD5    string
	SHA1   string
	SHA256 string
}

// Empty reports whether no digest was computed at all.
func (d Digests) Empty() bool {
	return d.MD5 == "" && d.SHA1 == "" && d.SHA256 == ""
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "md5":
		return md5.New(), nil //nolint:gosec
	case "sha1":
		return sha1.New(), nil //nolint:gosec
	case "sha256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// Compute returns the lowercase hex digest of the file at path using the
// given algorithm (md5, sha1, or sha256).
func Compute(path, algorithm string) (string, error) {
	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path) //nolint:gosec // G304: callers pass paths discovered by the scanner
	if err != nil {
		return "", fmt.Errorf("opening file for %s digest: %w", algorithm, err)
	}
	defer f.Close() //nolint:errcheck

	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("reading file for %s digest: %w", algorithm, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeAll computes MD5, SHA-1, and SHA-256 in a single pass over the
// file. A read error part-way through leaves all fields empty; the
// three digests always cover the same byte stream.
func ComputeAll(path string) (Digests, error) {
	f, err := os.Open(path) //nolint:gosec // G304: callers pass paths discovered by the scanner
	if err != nil {
		return Digests{}, fmt.Errorf("opening file for digests: %w", err)
	}
	defer f.Close() //nolint:errcheck

	md5h := md5.New()   //nolint:gosec
	sha1h := sha1.New() //nolint:gosec
	sha256h := sha256.New()

	buf := make([]byte, blockSize)
	w := io.MultiWriter(md5h, sha1h, sha256h)
	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		return Digests{}, fmt.Errorf("reading file for digests: %w", err)
	}

	return Digests{
		MD5:    hex.EncodeToString(md5h.Sum(nil)),
		SHA1:   hex.EncodeToString(sha1h.Sum(nil)),
		SHA256: hex.EncodeToString(sha256h.Sum(nil)),
	}, nil
}
