package catalog

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/gamescan/internal/safety"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"
)

// maxCatalogSize bounds both the raw and the decompressed catalog document.
const maxCatalogSize = 64 << 20

// Loader reads catalogs from local files or HTTP(S) URLs.
type Loader struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewLoader creates a Loader. A nil client gets a hardened default.
func NewLoader(client *http.Client, logger *slog.Logger) *Loader {
	if client == nil {
		client = safety.NewHTTPClient(60 * time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{httpClient: client, logger: logger}
}

// SetBaseURL makes every loaded catalog resolve relative sources against u
// instead of its own base_url.
func (l *Loader) SetBaseURL(u string) {
	l.baseURL = u
}

// Load fetches, decodes and validates the catalog at src.
func (l *Loader) Load(ctx context.Context, src string) (*Catalog, error) {
	if src == "" {
		return nil, fmt.Errorf("catalog source is empty")
	}

	var (
		data []byte
		err  error
	)
	if safety.IsHTTPURL(src) {
		data, err = l.fetch(ctx, src)
	} else {
		data, err = readLocal(src)
	}
	if err != nil {
		return nil, err
	}

	c, err := l.Parse(data, src)
	if err != nil {
		return nil, err
	}
	if l.baseURL != "" {
		c.BaseURL = l.baseURL
	} else if c.BaseURL == "" && safety.IsHTTPURL(src) {
		// Relative sources of a remote catalog resolve next to the catalog itself.
		if u, err := url.Parse(src); err == nil {
			c.BaseURL = u.ResolveReference(&url.URL{Path: "./"}).String()
		}
	}

	l.logger.Info("catalog loaded", "source", src, "files", len(c.Files), "algorithm", c.Algorithm, "total_size", c.TotalSize())
	return c, nil
}

// Parse decodes a catalog document. name is used only to pick YAML over JSON
// by extension; compressed documents are detected by magic number.
func (l *Loader) Parse(data []byte, name string) (*Catalog, error) {
	plain, err := l.decompress(data)
	if err != nil {
		return nil, err
	}

	c := &Catalog{}
	if isYAML(name, plain) {
		err = yaml.Unmarshal(plain, c)
	} else {
		err = json.Unmarshal(plain, c)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return c, nil
}

func (l *Loader) fetch(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("creating catalog request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching catalog: unexpected status %s", resp.Status)
	}
	data, err := safety.ReadAllWithLimit(resp.Body, maxCatalogSize)
	if err != nil {
		return nil, fmt.Errorf("reading catalog body: %w", err)
	}
	return data, nil
}

func readLocal(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()

	data, err := safety.ReadAllWithLimit(f, maxCatalogSize)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return data, nil
}

// decompress detects zstd, xz and gzip by magic number. Anything else is
// returned unchanged.
func (l *Loader) decompress(data []byte) ([]byte, error) {
	if len(data) < 6 {
		return data, nil
	}

	var (
		r    io.Reader
		kind string
	)
	switch {
	case bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		kind = "zstd"
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	case bytes.HasPrefix(data, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}):
		kind = "xz"
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		r = xr
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		kind = "gzip"
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gr.Close()
		r = gr
	default:
		return data, nil
	}

	l.logger.Debug("decompressing catalog", "format", kind)
	out, err := safety.ReadAllWithLimit(r, maxCatalogSize)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			return nil, fmt.Errorf("%s catalog exceeded %d bytes after decompression: %w", kind, maxCatalogSize, err)
		}
		return nil, fmt.Errorf("decompressing %s catalog: %w", kind, err)
	}
	return out, nil
}

func isYAML(name string, data []byte) bool {
	base := strings.ToLower(filepath.Base(name))
	for _, suffix := range []string{".gz", ".zst", ".xz"} {
		base = strings.TrimSuffix(base, suffix)
	}
	switch filepath.Ext(base) {
	case ".yaml", ".yml":
		return true
	case ".json":
		return false
	}
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] != '{'
}
