package safety

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBodyTooLarge indicates a response body exceeded the configured read limit.
var ErrBodyTooLarge = errors.New("response body too large")

// NewHTTPClient returns a client with bounded dial and header timeouts.
// A zero timeout leaves body reads unbounded, which repair downloads need;
// cancellation then comes only from the request context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   4,
		},
	}
}

// ReadAllWithLimit reads from r and fails if content exceeds limit bytes.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid read limit: %d", limit)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ValidateHTTPURL ensures the URL parses as HTTP(S) and carries no credentials.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL host is required")
	}
	if u.User != nil {
		return nil, fmt.Errorf("URL userinfo is not allowed")
	}
	return u, nil
}

// IsHTTPURL reports whether s looks like an http or https URL.
func IsHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// ResolveSourceURL resolves a catalog source against the catalog base URL.
// Absolute sources are validated and returned unchanged.
func ResolveSourceURL(baseURL, source string) (string, error) {
	if source == "" {
		return "", fmt.Errorf("source is empty")
	}
	if IsHTTPURL(source) {
		u, err := ValidateHTTPURL(source)
		if err != nil {
			return "", err
		}
		return u.String(), nil
	}
	if baseURL == "" {
		return "", fmt.Errorf("relative source %q requires a base URL", source)
	}

	base, err := ValidateHTTPURL(baseURL)
	if err != nil {
		return "", fmt.Errorf("base URL: %w", err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	ref, err := url.Parse(strings.TrimPrefix(strings.ReplaceAll(source, `\`, "/"), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid source %q: %w", source, err)
	}
	return base.ResolveReference(ref).String(), nil
}
