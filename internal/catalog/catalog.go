package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BadgerOps/gamescan/internal/safety"
)

// Algorithm names the digest used for every entry of a catalog.
type Algorithm string

const (
	AlgorithmSHA256 Algorithm = "sha256"
	AlgorithmXXH3   Algorithm = "xxh3"
)

// DigestLen returns the hex length of a digest produced by a, or 0 if a is unknown.
func (a Algorithm) DigestLen() int {
	switch a {
	case AlgorithmSHA256:
		return 64
	case AlgorithmXXH3:
		return 32
	default:
		return 0
	}
}

// Compression is the transfer encoding of a repair source.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionXZ   Compression = "xz"
)

var (
	// ErrInvalidDigest indicates a catalog digest that is not valid hex of the expected length.
	ErrInvalidDigest = errors.New("invalid digest")
	// ErrDuplicatePath indicates two catalog entries resolving to the same file.
	ErrDuplicatePath = errors.New("duplicate catalog path")
)

// FileDescriptor is one expected game file.
type FileDescriptor struct {
	Path        string      `json:"path" yaml:"path"`
	Size        int64       `json:"size" yaml:"size"`
	Digest      string      `json:"hash" yaml:"hash"`
	Source      string      `json:"source" yaml:"source"`
	Compression Compression `json:"compression,omitempty" yaml:"compression,omitempty"`
}

// Catalog is the authoritative, ordered manifest of a game installation.
type Catalog struct {
	Version   string           `json:"version" yaml:"version"`
	Algorithm Algorithm        `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	BaseURL   string           `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Files     []FileDescriptor `json:"files" yaml:"files"`
}

// TotalSize returns the sum of expected sizes of all entries.
func (c *Catalog) TotalSize() int64 {
	var total int64
	for _, f := range c.Files {
		total += f.Size
	}
	return total
}

// SourceURL resolves the download URL of a single entry.
func (c *Catalog) SourceURL(fd FileDescriptor) (string, error) {
	return safety.ResolveSourceURL(c.BaseURL, fd.Source)
}

// Validate applies defaults and checks every entry. Paths are normalized in place
// so later stages see slash-separated relative paths only.
func (c *Catalog) Validate() error {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmSHA256
	}
	c.Algorithm = Algorithm(strings.ToLower(string(c.Algorithm)))
	digestLen := c.Algorithm.DigestLen()
	if digestLen == 0 {
		return fmt.Errorf("unsupported digest algorithm %q", c.Algorithm)
	}

	seen := make(map[string]int, len(c.Files))
	for i := range c.Files {
		fd := &c.Files[i]

		clean, err := safety.NormalizeCatalogPath(fd.Path)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		fd.Path = clean

		key := strings.ToLower(clean)
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("entry %d (%s) and entry %d: %w", i, clean, prev, ErrDuplicatePath)
		}
		seen[key] = i

		if fd.Size < 0 {
			return fmt.Errorf("entry %d (%s): negative size %d", i, clean, fd.Size)
		}

		fd.Digest = strings.ToLower(strings.TrimSpace(fd.Digest))
		if !isHex(fd.Digest, digestLen) {
			return fmt.Errorf("entry %d (%s): %w: want %d hex characters for %s", i, clean, ErrInvalidDigest, digestLen, c.Algorithm)
		}

		if fd.Source == "" {
			fd.Source = clean
		}

		switch fd.Compression {
		case "":
			fd.Compression = CompressionNone
		case CompressionNone, CompressionGzip, CompressionZstd, CompressionXZ:
		default:
			return fmt.Errorf("entry %d (%s): unsupported compression %q", i, clean, fd.Compression)
		}
	}
	return nil
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
