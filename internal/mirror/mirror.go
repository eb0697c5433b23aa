// Package mirror ranks alternative download locations for repair sources.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/gamescan/internal/safety"
)

const (
	probeTimeout    = 5 * time.Second
	probeMaxWorkers = 8
	// probeMaxBytes caps the throughput sample downloaded from each mirror.
	probeMaxBytes = 4 << 20
)

// ErrNoMirror is returned by Best when no mirror answered the probe.
var ErrNoMirror = errors.New("no reachable mirror")

// Result holds the outcome of probing one mirror.
type Result struct {
	BaseURL        string  `json:"base_url"`
	LatencyMs      int     `json:"latency_ms"`
	ThroughputKBps float64 `json:"throughput_kbps,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Selector probes mirrors concurrently.
type Selector struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
}

// NewSelector creates a Selector. A nil client gets a hardened default.
func NewSelector(client *http.Client, logger *slog.Logger) *Selector {
	if client == nil {
		client = safety.NewHTTPClient(probeTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{client: client, logger: logger, userAgent: "gamescan/1.0"}
}

// Rank probes every base URL and returns them best first, failures last.
//
// probe is a source path relative to each base URL, typically a catalog file.
// Every mirror gets a HEAD request for latency; when probe is set, the
// reachable ones also get a bounded GET for throughput and are ordered by it.
// Without a probe, mirrors are ordered by latency.
func (s *Selector) Rank(ctx context.Context, baseURLs []string, probe string) []Result {
	results := s.measureLatency(ctx, baseURLs, probe)

	if probe != "" {
		var reachable []int
		for i, r := range results {
			if r.Error == "" {
				reachable = append(reachable, i)
			}
		}
		s.measureThroughput(ctx, results, reachable, probe)
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if (a.Error == "") != (b.Error == "") {
			return a.Error == ""
		}
		if probe != "" && a.ThroughputKBps != b.ThroughputKBps {
			return a.ThroughputKBps > b.ThroughputKBps
		}
		return a.LatencyMs < b.LatencyMs
	})

	for _, r := range results {
		s.logger.Debug("mirror probed", "base_url", r.BaseURL, "latency_ms", r.LatencyMs, "throughput_kbps", r.ThroughputKBps, "error", r.Error)
	}
	return results
}

// Best returns the top ranked reachable mirror.
func (s *Selector) Best(ctx context.Context, baseURLs []string, probe string) (string, error) {
	if len(baseURLs) == 0 {
		return "", ErrNoMirror
	}
	results := s.Rank(ctx, baseURLs, probe)
	if results[0].Error != "" {
		return "", fmt.Errorf("%w: %s", ErrNoMirror, results[0].Error)
	}
	s.logger.Info("selected mirror", "base_url", results[0].BaseURL, "latency_ms", results[0].LatencyMs)
	return results[0].BaseURL, nil
}

func probeURL(base, probe string) (string, error) {
	if probe == "" {
		u, err := safety.ValidateHTTPURL(base)
		if err != nil {
			return "", err
		}
		return u.String(), nil
	}
	return safety.ResolveSourceURL(base, probe)
}

// measureLatency performs concurrent HTTP HEAD requests to measure latency.
func (s *Selector) measureLatency(ctx context.Context, baseURLs []string, probe string) []Result {
	results := make([]Result, len(baseURLs))
	sem := make(chan struct{}, probeMaxWorkers)
	var wg sync.WaitGroup

	for i, base := range baseURLs {
		wg.Add(1)
		go func(idx int, base string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res := Result{BaseURL: base}
			defer func() { results[idx] = res }()

			target, err := probeURL(base, probe)
			if err != nil {
				res.Error = err.Error()
				return
			}

			reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, target, nil)
			if err != nil {
				res.Error = err.Error()
				return
			}
			req.Header.Set("User-Agent", s.userAgent)

			start := time.Now()
			resp, err := s.client.Do(req)
			res.LatencyMs = int(time.Since(start).Milliseconds())
			if err != nil {
				res.Error = err.Error()
				return
			}
			resp.Body.Close()

			if resp.StatusCode >= 400 {
				res.Error = fmt.Sprintf("server returned %d", resp.StatusCode)
			}
		}(i, base)
	}

	wg.Wait()
	return results
}

// measureThroughput downloads a bounded sample of probe from each indexed mirror.
func (s *Selector) measureThroughput(ctx context.Context, results []Result, indexes []int, probe string) {
	sem := make(chan struct{}, probeMaxWorkers)
	var wg sync.WaitGroup

	for _, idx := range indexes {
		wg.Add(1)
		go func(r *Result) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			target, err := probeURL(r.BaseURL, probe)
			if err != nil {
				r.Error = err.Error()
				return
			}

			reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
			if err != nil {
				r.Error = err.Error()
				return
			}
			req.Header.Set("User-Agent", s.userAgent)

			start := time.Now()
			resp, err := s.client.Do(req)
			if err != nil {
				r.Error = err.Error()
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				r.Error = fmt.Sprintf("server returned %d", resp.StatusCode)
				return
			}

			n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, probeMaxBytes))
			elapsed := time.Since(start)
			if err != nil {
				r.Error = err.Error()
				return
			}
			if elapsed.Seconds() > 0 {
				r.ThroughputKBps = float64(n) / elapsed.Seconds() / 1024.0
			}
		}(&results[idx])
	}

	wg.Wait()
}
