// Package verify checks local game files against their catalog size and digest.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/BadgerOps/gamescan/internal/catalog"
	"github.com/zeebo/xxh3"
)

// Result is the outcome of verifying one file. Mismatch and Missing are
// ordinary results, not errors.
type Result int

const (
	Ok Result = iota
	Mismatch
	Missing
	IoError
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Mismatch:
		return "mismatch"
	case Missing:
		return "missing"
	case IoError:
		return "io_error"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// NeedsRepair reports whether r should trigger a repair download.
func (r Result) NeedsRepair() bool {
	return r == Mismatch || r == Missing
}

// ProgressFunc receives the hashed share of the file as a percentage in [0,100].
type ProgressFunc func(percent int)

const chunkSize = 256 << 10

// Verifier hashes local files with the catalog's algorithm.
type Verifier struct {
	algorithm catalog.Algorithm
	logger    *slog.Logger
}

// New creates a Verifier for the given digest algorithm.
func New(algorithm catalog.Algorithm, logger *slog.Logger) (*Verifier, error) {
	if algorithm == "" {
		algorithm = catalog.AlgorithmSHA256
	}
	if algorithm.DigestLen() == 0 {
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{algorithm: algorithm, logger: logger}, nil
}

// Verify compares the file at localPath with the expected size and digest.
//
// The returned error is non-nil for IoError (the cause) and when ctx is
// cancelled mid-hash, in which case ctx.Err() is returned alongside IoError.
func (v *Verifier) Verify(ctx context.Context, localPath string, expectedSize int64, expectedDigest string, onProgress ProgressFunc) (Result, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		// ENOTDIR: a parent component is a file, so the file itself cannot exist.
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return Missing, nil
		}
		return IoError, fmt.Errorf("stat %s: %w", localPath, err)
	}
	if !info.Mode().IsRegular() {
		v.logger.Debug("not a regular file", "path", localPath, "mode", info.Mode().String())
		return Mismatch, nil
	}
	if info.Size() != expectedSize {
		v.logger.Debug("size mismatch", "path", localPath, "got", info.Size(), "expected", expectedSize)
		return Mismatch, nil
	}

	digest, err := v.Digest(ctx, localPath, onProgress)
	if err != nil {
		if ctx.Err() != nil {
			return IoError, ctx.Err()
		}
		return IoError, err
	}
	if digest != strings.ToLower(expectedDigest) {
		v.logger.Debug("digest mismatch", "path", localPath, "got", digest, "expected", expectedDigest)
		return Mismatch, nil
	}
	return Ok, nil
}

// Digest hashes the file at path and returns the lowercase hex digest.
// ctx is checked between chunks; a chunk read in flight always completes.
func (v *Verifier) Digest(ctx context.Context, path string, onProgress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var total int64
	if info, err := f.Stat(); err == nil {
		total = info.Size()
	}

	h := v.newHash()
	buf := make([]byte, chunkSize)
	var done int64
	lastPct := -1
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			done += int64(n)
			if onProgress != nil {
				pct := percent(done, total)
				if pct != lastPct {
					onProgress(pct)
					lastPct = pct
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("read %s: %w", path, rerr)
		}
	}
	if onProgress != nil && lastPct != 100 {
		onProgress(100)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (v *Verifier) newHash() hash.Hash {
	return NewHash(v.algorithm)
}

// NewHash returns a fresh hash.Hash for algorithm, defaulting to sha256.
func NewHash(algorithm catalog.Algorithm) hash.Hash {
	if algorithm == catalog.AlgorithmXXH3 {
		return &xxh3Hash128{Hasher: xxh3.New()}
	}
	return sha256.New()
}

// xxh3Hash128 exposes the 128-bit xxh3 sum through hash.Hash.
type xxh3Hash128 struct {
	*xxh3.Hasher
}

func (h *xxh3Hash128) Sum(b []byte) []byte {
	sum := h.Hasher.Sum128().Bytes()
	return append(b, sum[:]...)
}

func (h *xxh3Hash128) Size() int { return 16 }

func percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(done * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}
