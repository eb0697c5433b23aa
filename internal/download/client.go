package download

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/gamescan/internal/safety"
)

// Status is the terminal state of a Fetch call.
type Status int

const (
	StatusOk Status = iota
	StatusCancelled
	StatusNetworkError
	StatusIoError
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusCancelled:
		return "cancelled"
	case StatusNetworkError:
		return "network_error"
	case StatusIoError:
		return "io_error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Progress is a snapshot of an in-flight transfer. BytesReceived counts wire
// bytes of the current attempt and never exceeds TotalBytes.
type Progress struct {
	BytesReceived int64
	TotalBytes    int64
	Elapsed       time.Duration
}

// ProgressFunc is called on buffer-chunk boundaries, at most once per
// progress interval, plus once at completion.
type ProgressFunc func(Progress)

// FetchOptions contains configuration for a single repair download.
type FetchOptions struct {
	URL      string
	DestPath string

	// ExpectedSize is the decoded size; negative skips the size check.
	ExpectedSize int64
	// ExpectedDigest is compared against NewHash over the decoded bytes; empty skips it.
	ExpectedDigest string
	NewHash        func() hash.Hash

	Compression string // "", "none", "gzip", "zstd", "xz"
	RetryCount  int    // 0 defaults to 3
	OnProgress  ProgressFunc

	// Cancelled is polled on every progress tick. Returning true aborts the
	// transfer and discards the temporary file.
	Cancelled func() bool
}

// FetchResult describes a finished Fetch call. It is returned for every status.
type FetchResult struct {
	Status   Status
	Path     string
	Size     int64 // decoded bytes written
	Received int64 // wire bytes of the final attempt
	Digest   string
	Attempts int
	Duration time.Duration
}

var (
	// ErrContentMismatch indicates the downloaded bytes did not match the expected size or digest.
	ErrContentMismatch = errors.New("downloaded content failed verification")

	errCancelled = errors.New("fetch cancelled")
)

// cancelPollInterval bounds how long a backoff sleep outlives a raised cancel flag.
const cancelPollInterval = 50 * time.Millisecond

// HTTPError represents a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// diskError marks failures of the local filesystem as opposed to the transfer.
type diskError struct {
	op  string
	err error
}

func (e *diskError) Error() string { return e.op + ": " + e.err.Error() }
func (e *diskError) Unwrap() error { return e.err }

// Client streams repair downloads into place.
type Client struct {
	httpClient       *http.Client
	logger           *slog.Logger
	userAgent        string
	progressInterval time.Duration
	backoffFunc      func(attempt int) time.Duration
}

// NewClient creates a download client with the given logger.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		// No overall timeout: large archives can take as long as needed and
		// cancellation comes from the context and the cancel flag.
		httpClient:       safety.NewHTTPClient(0),
		logger:           logger,
		userAgent:        "gamescan/1.0",
		progressInterval: 100 * time.Millisecond,
		backoffFunc:      calculateBackoffDelay,
	}
}

// SetProgressInterval changes the minimum spacing of progress callbacks.
func (c *Client) SetProgressInterval(d time.Duration) {
	if d >= 0 {
		c.progressInterval = d
	}
}

// Fetch downloads opts.URL and atomically replaces opts.DestPath with it.
// The destination is never written in place: bytes land in a temporary file in
// the same directory which is renamed over the destination only after the
// content has been verified.
//
// Cancellation yields StatusCancelled with a nil error. NetworkError and
// IoError carry the cause in the returned error.
func (c *Client) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}

	start := time.Now()
	res := &FetchResult{Path: opts.DestPath}
	var lastErr error

	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		res.Attempts = attempt
		if c.cancelled(ctx, opts) {
			res.Status = StatusCancelled
			res.Duration = time.Since(start)
			return res, nil
		}

		err := c.fetchAttempt(ctx, opts, res)
		res.Duration = time.Since(start)
		if err == nil {
			res.Status = StatusOk
			return res, nil
		}

		if errors.Is(err, errCancelled) || c.cancelled(ctx, opts) {
			c.logger.Info("download cancelled", "url", opts.URL, "attempt", attempt)
			res.Status = StatusCancelled
			return res, nil
		}

		var de *diskError
		if errors.As(err, &de) {
			c.logger.Error("download failed writing to disk", "path", opts.DestPath, "error", err)
			res.Status = StatusIoError
			return res, err
		}

		lastErr = err
		c.logger.Warn("download attempt failed", "url", opts.URL, "attempt", attempt, "error", err)

		if shouldNotRetry(err) {
			res.Status = StatusNetworkError
			return res, err
		}

		if attempt < opts.RetryCount {
			delay := c.backoffFunc(attempt)
			c.logger.Debug("retrying download", "url", opts.URL, "delay", delay)
			if !c.backoff(ctx, opts, delay) {
				c.logger.Info("download cancelled during backoff", "url", opts.URL, "attempt", attempt)
				res.Status = StatusCancelled
				res.Duration = time.Since(start)
				return res, nil
			}
		}
	}

	res.Status = StatusNetworkError
	return res, fmt.Errorf("download failed after %d attempts: %w", opts.RetryCount, lastErr)
}

// backoff sleeps for d while polling the cancel flag. It reports false when
// the fetch was cancelled before d elapsed.
func (c *Client) backoff(ctx context.Context, opts FetchOptions, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	poll := time.NewTicker(cancelPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-timer.C:
			return !c.cancelled(ctx, opts)
		case <-ctx.Done():
			return false
		case <-poll.C:
			if c.cancelled(ctx, opts) {
				return false
			}
		}
	}
}

func (c *Client) cancelled(ctx context.Context, opts FetchOptions) bool {
	if ctx.Err() != nil {
		return true
	}
	return opts.Cancelled != nil && opts.Cancelled()
}

// fetchAttempt performs a single download attempt into a fresh temporary file.
func (c *Client) fetchAttempt(ctx context.Context, opts FetchOptions, res *FetchResult) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
		if isPlain(opts.Compression) && opts.ExpectedSize > 0 {
			total = opts.ExpectedSize
		}
	}

	// The destination directory may not exist yet, or a stray file may sit in
	// its place. Stage next to the nearest existing directory and only reshape
	// the tree once the content has been verified.
	dir, err := stagingDir(filepath.Dir(opts.DestPath))
	if err != nil {
		return &diskError{op: "find staging directory", err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(opts.DestPath)+".*.part")
	if err != nil {
		return &diskError{op: "create temporary file", err: err}
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	pr := &progressReader{
		ctx:       ctx,
		reader:    resp.Body,
		callback:  opts.OnProgress,
		cancelled: opts.Cancelled,
		total:     total,
		start:     time.Now(),
		interval:  c.progressInterval,
	}

	body, err := newDecoder(opts.Compression, pr)
	if err != nil {
		return err
	}
	defer body.Close()

	var h hash.Hash
	fw := &fileWriter{w: tmp}
	var w io.Writer = fw
	if opts.ExpectedDigest != "" && opts.NewHash != nil {
		h = opts.NewHash()
		w = io.MultiWriter(fw, h)
	}

	written, err := io.Copy(w, body)
	if err != nil {
		switch {
		case pr.aborted:
			return errCancelled
		case fw.err != nil:
			return &diskError{op: "write temporary file", err: fw.err}
		default:
			return fmt.Errorf("failed to read response body: %w", err)
		}
	}
	res.Size = written
	res.Received = pr.current

	if opts.ExpectedSize >= 0 && written != opts.ExpectedSize {
		return fmt.Errorf("%w: got %d bytes, expected %d", ErrContentMismatch, written, opts.ExpectedSize)
	}
	if h != nil {
		res.Digest = hex.EncodeToString(h.Sum(nil))
		if res.Digest != opts.ExpectedDigest {
			return fmt.Errorf("%w: digest %s, expected %s", ErrContentMismatch, res.Digest, opts.ExpectedDigest)
		}
	}

	// Cancellation is honoured up to the last moment before the rename.
	if c.cancelled(ctx, opts) {
		return errCancelled
	}

	if err := tmp.Sync(); err != nil {
		return &diskError{op: "sync temporary file", err: err}
	}
	if err := tmp.Close(); err != nil {
		return &diskError{op: "close temporary file", err: err}
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return &diskError{op: "chmod temporary file", err: err}
	}
	if err := clearObstacles(opts.DestPath); err != nil {
		return &diskError{op: "prepare destination", err: err}
	}
	if err := os.MkdirAll(filepath.Dir(opts.DestPath), 0755); err != nil {
		return &diskError{op: "create directory", err: err}
	}
	if err := os.Rename(tmpPath, opts.DestPath); err != nil {
		return &diskError{op: "replace destination", err: err}
	}

	pr.finish()
	return nil
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 408 and 429
		code := httpErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return true
		}
	}
	return false
}

// Summary renders err as a short message fit for end users.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	var de *diskError
	switch {
	case errors.As(err, &httpErr):
		return fmt.Sprintf("server returned %d", httpErr.StatusCode)
	case errors.As(err, &de) && de.op == "prepare destination":
		return "a non-empty directory is in the way"
	case errors.As(err, &de):
		return "could not write file to disk"
	case errors.Is(err, ErrContentMismatch):
		return ErrContentMismatch.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "download timed out"
	default:
		return "network error"
	}
}

// fileWriter remembers the first write error so it can be told apart from
// read and decode failures.
type fileWriter struct {
	w   io.Writer
	err error
}

func (fw *fileWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil && fw.err == nil {
		fw.err = err
	}
	return n, err
}

// progressReader counts wire bytes, emits throttled progress and polls the
// cancel flag on every chunk.
type progressReader struct {
	ctx       context.Context
	reader    io.Reader
	callback  ProgressFunc
	cancelled func() bool
	current   int64
	total     int64
	start     time.Time
	interval  time.Duration
	lastEmit  time.Time
	aborted   bool
}

func (pr *progressReader) Read(p []byte) (int, error) {
	if pr.ctx.Err() != nil || (pr.cancelled != nil && pr.cancelled()) {
		pr.aborted = true
		return 0, errCancelled
	}
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		now := time.Now()
		if pr.callback != nil && now.Sub(pr.lastEmit) >= pr.interval {
			pr.lastEmit = now
			pr.callback(pr.snapshot(now))
		}
	}
	if err != nil && err != io.EOF && pr.ctx.Err() != nil {
		pr.aborted = true
		err = errCancelled
	}
	return n, err
}

func (pr *progressReader) snapshot(now time.Time) Progress {
	total := pr.total
	if pr.current > total {
		total = pr.current
	}
	return Progress{BytesReceived: pr.current, TotalBytes: total, Elapsed: now.Sub(pr.start)}
}

// finish emits the terminal tick with BytesReceived equal to TotalBytes.
func (pr *progressReader) finish() {
	if pr.callback == nil {
		return
	}
	pr.total = pr.current
	pr.callback(pr.snapshot(time.Now()))
}
