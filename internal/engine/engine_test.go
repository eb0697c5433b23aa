package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BadgerOps/gamescan/internal/catalog"
	"github.com/BadgerOps/gamescan/internal/download"
	"github.com/BadgerOps/gamescan/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// fakeLoader hands out a fixed catalog and counts how often it was asked.
type fakeLoader struct {
	cat   *catalog.Catalog
	err   error
	block chan struct{}
	calls atomic.Int32
	// onLoad runs on the session worker before the catalog is returned.
	onLoad func()
}

func (f *fakeLoader) Load(ctx context.Context, src string) (*catalog.Catalog, error) {
	f.calls.Add(1)
	if f.onLoad != nil {
		f.onLoad()
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	c := *f.cat
	c.Files = append([]catalog.FileDescriptor(nil), f.cat.Files...)
	return &c, nil
}

// fileServer serves the authoritative copy of every catalog file.
type fileServer struct {
	*httptest.Server
	files   map[string]string
	missing map[string]bool
	// stall, when set, receives the request after 40% of the named file is sent.
	stall string
	hits  atomic.Int32
}

func newFileServer(t *testing.T, files map[string]string) *fileServer {
	t.Helper()
	fs := &fileServer{files: files, missing: map[string]bool{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		name := strings.TrimPrefix(r.URL.Path, "/files/")
		body, ok := fs.files[name]
		if !ok || fs.missing[name] {
			http.NotFound(w, r)
			return
		}
		if name == fs.stall {
			cut := (len(body)*40 + 99) / 100
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, body[:cut])
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-time.After(10 * time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(fs.Close)
	return fs
}

// buildCatalog describes files in order, served from baseURL.
func buildCatalog(t *testing.T, baseURL string, names []string, content map[string]string) *catalog.Catalog {
	t.Helper()
	cat := &catalog.Catalog{Version: "1", BaseURL: baseURL + "/files/"}
	for _, name := range names {
		cat.Files = append(cat.Files, catalog.FileDescriptor{
			Path:   name,
			Size:   int64(len(content[name])),
			Digest: sha256Hex(content[name]),
		})
	}
	if err := cat.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	return cat
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func newTestEngine(loader CatalogLoader, st RunStore, opts Options) *Engine {
	client := download.NewClient(discardLogger())
	client.SetProgressInterval(0)
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 1
	}
	return New(loader, client, st, opts, discardLogger())
}

// collector records snapshots delivered to a ProgressFunc.
type collector struct {
	mu    sync.Mutex
	snaps []ScanProgress
}

func (c *collector) observe(p ScanProgress) {
	c.mu.Lock()
	c.snaps = append(c.snaps, p)
	c.mu.Unlock()
}

func (c *collector) logs(level Level) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.snaps {
		if p.Log != nil && p.Log.Level == level {
			out = append(out, p.Log.Message)
		}
	}
	return out
}

func containsLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

var good = map[string]string{
	"a.dat":      "alpha file contents",
	"gm/b.gm1":   strings.Repeat("bravo sprite data ", 4096),
	"fx/c/c.wav": "charlie sound",
}

var order = []string{"a.dat", "gm/b.gm1", "fx/c/c.wav"}

func setupScenario(t *testing.T) (root string, srv *fileServer, loader *fakeLoader) {
	t.Helper()
	root = t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.dat":      good["a.dat"],
		"gm/b.gm1":   "corrupted",
		"fx/c/c.wav": good["fx/c/c.wav"],
	})
	srv = newFileServer(t, good)
	loader = &fakeLoader{cat: buildCatalog(t, srv.URL, order, good)}
	return root, srv, loader
}

func TestStartScanRepairsCorruptedFile(t *testing.T) {
	root, _, loader := setupScenario(t)
	e := newTestEngine(loader, nil, Options{})

	var c collector
	outcome, err := e.StartScan(context.Background(), root, c.observe)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}

	if outcome.Status != OutcomeCompleted {
		t.Fatalf("Status = %s, want completed (%s)", outcome.Status, outcome.Message)
	}
	if outcome.FilesRepaired != 1 || outcome.FilesVerifiedOk != 2 {
		t.Errorf("repaired/verified = %d/%d, want 1/2", outcome.FilesRepaired, outcome.FilesVerifiedOk)
	}
	if len(outcome.Failures) != 0 {
		t.Errorf("unexpected failures: %+v", outcome.Failures)
	}
	if outcome.TotalFiles != 3 {
		t.Errorf("TotalFiles = %d, want 3", outcome.TotalFiles)
	}
	if outcome.BytesDownloaded != int64(len(good["gm/b.gm1"])) {
		t.Errorf("BytesDownloaded = %d, want %d", outcome.BytesDownloaded, len(good["gm/b.gm1"]))
	}

	if got := readFile(t, filepath.Join(root, "gm", "b.gm1")); got != good["gm/b.gm1"] {
		t.Error("corrupted file was not replaced with the correct bytes")
	}
	if !containsLine(c.logs(LevelInfo), "repaired file #2") {
		t.Errorf("missing repair log, info lines: %v", c.logs(LevelInfo))
	}
	if !containsLine(c.logs(LevelWarn), "gm/b.gm1 is corrupted") {
		t.Errorf("missing corruption warning, warn lines: %v", c.logs(LevelWarn))
	}
	if !containsLine(c.logs(LevelInfo), "scanning 3 files") {
		t.Errorf("missing scan start log, info lines: %v", c.logs(LevelInfo))
	}
	if loader.calls.Load() != 1 {
		t.Errorf("catalog loaded %d times, want 1", loader.calls.Load())
	}
	if e.Active() != nil {
		t.Error("engine still reports an active session")
	}
}

func TestProgressInvariants(t *testing.T) {
	root, _, loader := setupScenario(t)
	e := newTestEngine(loader, nil, Options{})

	var c collector
	outcome, err := e.StartScan(context.Background(), root, c.observe)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if len(c.snaps) == 0 {
		t.Fatal("no snapshots delivered")
	}

	lastIndex, lastPercent := 0, 0
	total := -1
	sawDownload := false
	var lastDownload *DownloadProgress
	for i, p := range c.snaps {
		if p.SessionID != outcome.SessionID {
			t.Fatalf("snapshot %d has session %q, want %q", i, p.SessionID, outcome.SessionID)
		}
		if p.TotalFiles > 0 {
			if total == -1 {
				total = p.TotalFiles
			} else if p.TotalFiles != total {
				t.Fatalf("snapshot %d: total changed from %d to %d", i, total, p.TotalFiles)
			}
		}
		if p.CurrentIndex < lastIndex {
			t.Fatalf("snapshot %d: index went backwards %d -> %d", i, lastIndex, p.CurrentIndex)
		}
		if total > 0 && p.CurrentIndex > total {
			t.Fatalf("snapshot %d: index %d exceeds total %d", i, p.CurrentIndex, total)
		}
		if p.SubProgress < 0 || p.SubProgress > 100 {
			t.Fatalf("snapshot %d: sub-progress %d out of range", i, p.SubProgress)
		}
		if p.Percent < lastPercent {
			t.Fatalf("snapshot %d: percent went backwards %d -> %d", i, lastPercent, p.Percent)
		}
		if d := p.Download; d != nil {
			sawDownload = true
			if d.BytesReceived > d.TotalBytes {
				t.Fatalf("snapshot %d: received %d exceeds total %d", i, d.BytesReceived, d.TotalBytes)
			}
			lastDownload = d
		}
		lastIndex, lastPercent = p.CurrentIndex, p.Percent
	}

	if !sawDownload {
		t.Fatal("no download progress delivered for the repair")
	}
	if lastDownload.BytesReceived != lastDownload.TotalBytes {
		t.Errorf("final download tick %d/%d, want equal", lastDownload.BytesReceived, lastDownload.TotalBytes)
	}
	final := c.snaps[len(c.snaps)-1]
	if final.CurrentIndex != 3 || final.Percent != 100 {
		t.Errorf("final snapshot index=%d percent=%d, want 3 and 100", final.CurrentIndex, final.Percent)
	}
}

func TestSecondScanIsIdempotent(t *testing.T) {
	root, srv, loader := setupScenario(t)
	e := newTestEngine(loader, nil, Options{})

	if _, err := e.StartScan(context.Background(), root, nil); err != nil {
		t.Fatalf("first StartScan() error = %v", err)
	}
	hits := srv.hits.Load()

	outcome, err := e.StartScan(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("second StartScan() error = %v", err)
	}
	if outcome.Status != OutcomeCompleted || outcome.FilesRepaired != 0 || outcome.FilesVerifiedOk != 3 {
		t.Errorf("second run = %+v, want completed with 0 repairs and 3 verified", outcome)
	}
	if srv.hits.Load() != hits {
		t.Errorf("second run contacted the server %d times", srv.hits.Load()-hits)
	}
}

func TestMissingFileIsDownloaded(t *testing.T) {
	root, _, loader := setupScenario(t)
	if err := os.RemoveAll(filepath.Join(root, "fx")); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(loader, nil, Options{})

	var c collector
	outcome, err := e.StartScan(context.Background(), root, c.observe)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if outcome.FilesRepaired != 2 || outcome.FilesVerifiedOk != 1 {
		t.Errorf("repaired/verified = %d/%d, want 2/1", outcome.FilesRepaired, outcome.FilesVerifiedOk)
	}
	if got := readFile(t, filepath.Join(root, "fx", "c", "c.wav")); got != good["fx/c/c.wav"] {
		t.Error("missing file was not restored")
	}
	if !containsLine(c.logs(LevelWarn), "fx/c/c.wav is missing") {
		t.Errorf("missing warning not logged: %v", c.logs(LevelWarn))
	}
	if !containsLine(c.logs(LevelInfo), "repaired file #3") {
		t.Errorf("repair of third file not logged: %v", c.logs(LevelInfo))
	}
}

func TestCancelDuringDownload(t *testing.T) {
	root, srv, loader := setupScenario(t)
	srv.stall = "gm/b.gm1"
	e := newTestEngine(loader, nil, Options{})

	var once sync.Once
	var c collector
	outcome, err := e.StartScan(context.Background(), root, func(p ScanProgress) {
		c.observe(p)
		if d := p.Download; d != nil && p.CurrentIndex == 1 && d.TotalBytes > 0 && d.BytesReceived*100 >= 40*d.TotalBytes {
			once.Do(func() {
				if !e.RequestCancel() {
					t.Error("RequestCancel() reported no active session")
				}
			})
		}
	})
	if err != nil {
		t.Fatalf("StartScan() error = %v, cancellation must not be an error", err)
	}

	if outcome.Status != OutcomeCancelled {
		t.Fatalf("Status = %s, want cancelled", outcome.Status)
	}
	if outcome.FilesRepaired != 0 {
		t.Errorf("FilesRepaired = %d, want 0", outcome.FilesRepaired)
	}
	if got := readFile(t, filepath.Join(root, "gm", "b.gm1")); got != "corrupted" {
		t.Errorf("partially downloaded bytes reached the destination: %q", got[:min(len(got), 20)])
	}

	entries, err := os.ReadDir(filepath.Join(root, "gm"))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".part") {
			t.Errorf("temporary file left behind: %s", entry.Name())
		}
	}

	for _, p := range c.snaps {
		if p.CurrentIndex > 1 {
			t.Fatalf("scan advanced to file %d after cancellation", p.CurrentIndex)
		}
	}
}

func TestInvalidRootDoesNotReadCatalog(t *testing.T) {
	notADir := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(notADir, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		root string
	}{
		{"empty", ""},
		{"does not exist", filepath.Join(t.TempDir(), "nope")},
		{"not a directory", notADir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &fakeLoader{cat: &catalog.Catalog{}}
			e := newTestEngine(loader, nil, Options{})

			outcome, err := e.StartScan(context.Background(), tt.root, nil)
			if err != nil {
				t.Fatalf("StartScan() error = %v", err)
			}
			if outcome.Status != OutcomeFailed || outcome.Reason != ReasonInvalidPath {
				t.Errorf("outcome = %s/%s, want failed/invalid_path", outcome.Status, outcome.Reason)
			}
			if loader.calls.Load() != 0 {
				t.Error("catalog was read for an invalid root")
			}

			if _, err := e.Start(context.Background(), tt.root); !errors.Is(err, ErrInvalidPath) {
				t.Errorf("Start() error = %v, want ErrInvalidPath", err)
			}
		})
	}
}

func TestConcurrentSessionRejected(t *testing.T) {
	loader := &fakeLoader{cat: &catalog.Catalog{}, block: make(chan struct{})}
	e := newTestEngine(loader, nil, Options{})
	root := t.TempDir()

	s, err := e.Start(context.Background(), root)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	go func() {
		for range s.Progress() {
		}
	}()

	if _, err := e.Start(context.Background(), root); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Start() error = %v, want ErrSessionActive", err)
	}
	if _, err := e.StartScan(context.Background(), root, nil); !errors.Is(err, ErrSessionActive) {
		t.Errorf("StartScan() error = %v, want ErrSessionActive", err)
	}
	if e.Active() != s {
		t.Error("Active() does not return the running session")
	}

	s.Cancel()
	outcome := s.Wait()
	if outcome.Status != OutcomeCancelled {
		t.Errorf("Status = %s, want cancelled", outcome.Status)
	}
	if s.Running() {
		t.Error("session still running after Wait()")
	}
	if e.RequestCancel() {
		t.Error("RequestCancel() reported an active session after completion")
	}
}

func TestCatalogUnreadable(t *testing.T) {
	loader := &fakeLoader{err: errors.New("no such catalog")}
	e := newTestEngine(loader, nil, Options{CatalogSource: "missing.json"})

	var c collector
	outcome, err := e.StartScan(context.Background(), t.TempDir(), c.observe)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if outcome.Status != OutcomeFailed || outcome.Reason != ReasonCatalogUnreadable {
		t.Errorf("outcome = %s/%s, want failed/catalog_unreadable", outcome.Status, outcome.Reason)
	}
	if len(c.logs(LevelFatal)) == 0 {
		t.Error("expected a fatal log entry")
	}
}

func TestFailedRepairContinuesScan(t *testing.T) {
	root, srv, loader := setupScenario(t)
	srv.missing["gm/b.gm1"] = true
	e := newTestEngine(loader, nil, Options{})

	var c collector
	outcome, err := e.StartScan(context.Background(), root, c.observe)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if outcome.Status != OutcomeCompleted {
		t.Fatalf("Status = %s, want completed", outcome.Status)
	}
	if outcome.FilesVerifiedOk != 2 || outcome.FilesRepaired != 0 {
		t.Errorf("verified/repaired = %d/%d, want 2/0", outcome.FilesVerifiedOk, outcome.FilesRepaired)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].Path != "gm/b.gm1" || outcome.Failures[0].Index != 1 {
		t.Fatalf("Failures = %+v", outcome.Failures)
	}
	if outcome.Failures[0].Reason != "server returned 404" {
		t.Errorf("failure reason = %q", outcome.Failures[0].Reason)
	}
	if !containsLine(c.logs(LevelError), "failed to repair gm/b.gm1") {
		t.Errorf("error not logged: %v", c.logs(LevelError))
	}
}

func TestStopOnFirstError(t *testing.T) {
	root, srv, loader := setupScenario(t)
	srv.missing["gm/b.gm1"] = true
	e := newTestEngine(loader, nil, Options{StopOnFirstError: true})

	outcome, err := e.StartScan(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if outcome.Status != OutcomeFailed || outcome.Reason != ReasonFileFailed {
		t.Fatalf("outcome = %s/%s, want failed/file_failed", outcome.Status, outcome.Reason)
	}
	if outcome.FilesVerifiedOk != 1 {
		t.Errorf("FilesVerifiedOk = %d, want 1 (scan should stop before the third file)", outcome.FilesVerifiedOk)
	}
}

func TestPathOutsideRootIsRejected(t *testing.T) {
	root := t.TempDir()
	cat := &catalog.Catalog{BaseURL: "http://127.0.0.1:1/", Algorithm: catalog.AlgorithmSHA256}
	cat.Files = []catalog.FileDescriptor{{Path: "../escape.dat", Size: 1, Digest: sha256Hex("x"), Source: "escape.dat"}}
	e := newTestEngine(&fakeLoader{cat: cat}, nil, Options{})

	outcome, err := e.StartScan(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if len(outcome.Failures) != 1 {
		t.Fatalf("Failures = %+v, want one", outcome.Failures)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape.dat")); err == nil {
		t.Error("file written outside the game directory")
	}
}

func TestEmptyCatalogCompletes(t *testing.T) {
	e := newTestEngine(&fakeLoader{cat: &catalog.Catalog{Algorithm: catalog.AlgorithmSHA256}}, nil, Options{})

	var c collector
	outcome, err := e.StartScan(context.Background(), t.TempDir(), c.observe)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if outcome.Status != OutcomeCompleted || outcome.TotalFiles != 0 {
		t.Errorf("outcome = %+v", outcome)
	}
	if last := c.snaps[len(c.snaps)-1]; last.Percent != 100 {
		t.Errorf("final percent = %d, want 100", last.Percent)
	}
}

func TestScanHistoryIsRecorded(t *testing.T) {
	root, srv, loader := setupScenario(t)
	srv.missing["fx/c/c.wav"] = true
	if err := os.Remove(filepath.Join(root, "fx", "c", "c.wav")); err != nil {
		t.Fatal(err)
	}

	st, err := store.New(":memory:", discardLogger())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer st.Close()

	e := newTestEngine(loader, st, Options{CatalogSource: "catalog.json"})
	outcome, err := e.StartScan(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}

	run, err := st.GetScanRun(outcome.SessionID)
	if err != nil {
		t.Fatalf("GetScanRun() error = %v", err)
	}
	if run.Status != "completed" || run.FilesRepaired != 1 || run.FilesVerified != 1 || run.FilesFailed != 1 {
		t.Errorf("run = %+v", run)
	}
	if run.CatalogSource != "catalog.json" || run.Root != root {
		t.Errorf("run source/root = %q/%q", run.CatalogSource, run.Root)
	}

	failures, err := st.ListFileFailures(outcome.SessionID)
	if err != nil {
		t.Fatalf("ListFileFailures() error = %v", err)
	}
	if len(failures) != 1 || failures[0].Path != "fx/c/c.wav" {
		t.Errorf("failures = %+v", failures)
	}

	records, err := st.ListFileRecords(root)
	if err != nil {
		t.Fatalf("ListFileRecords() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	for _, rec := range records {
		repaired := !rec.LastRepaired.IsZero()
		if want := rec.Path == "gm/b.gm1"; repaired != want {
			t.Errorf("%s: repaired = %v, want %v", rec.Path, repaired, want)
		}
	}
}

func TestMisshapenPathsAreRepaired(t *testing.T) {
	root, _, loader := setupScenario(t)

	// An empty directory where a.dat belongs, and a file where fx/ belongs.
	if err := os.Remove(filepath.Join(root, "a.dat")); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "a.dat"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(root, "fx")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "fx"), []byte("stray"), 0644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(loader, nil, Options{})
	var c collector
	outcome, err := e.StartScan(context.Background(), root, c.observe)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if outcome.Status != OutcomeCompleted || len(outcome.Failures) != 0 {
		t.Fatalf("outcome = %s, failures = %+v", outcome.Status, outcome.Failures)
	}
	if outcome.FilesRepaired != 3 || outcome.FilesVerifiedOk != 0 {
		t.Errorf("repaired/verified = %d/%d, want 3/0", outcome.FilesRepaired, outcome.FilesVerifiedOk)
	}
	for _, name := range order {
		if got := readFile(t, filepath.Join(root, filepath.FromSlash(name))); got != good[name] {
			t.Errorf("%s was not restored", name)
		}
	}
	if !containsLine(c.logs(LevelWarn), "a.dat is corrupted") {
		t.Errorf("directory in place of a.dat not reported: %v", c.logs(LevelWarn))
	}
	if !containsLine(c.logs(LevelWarn), "fx/c/c.wav is missing") {
		t.Errorf("file blocking fx/ not reported as missing: %v", c.logs(LevelWarn))
	}
}

func TestNonEmptyDirectoryIsNotRemoved(t *testing.T) {
	root, _, loader := setupScenario(t)
	if err := os.Remove(filepath.Join(root, "a.dat")); err != nil {
		t.Fatal(err)
	}
	writeFiles(t, root, map[string]string{"a.dat/keep.txt": "user data"})

	e := newTestEngine(loader, nil, Options{})
	outcome, err := e.StartScan(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].Path != "a.dat" {
		t.Fatalf("Failures = %+v, want a.dat", outcome.Failures)
	}
	if outcome.Failures[0].Reason != "a non-empty directory is in the way" {
		t.Errorf("failure reason = %q", outcome.Failures[0].Reason)
	}
	if got := readFile(t, filepath.Join(root, "a.dat", "keep.txt")); got != "user data" {
		t.Errorf("directory contents changed: %q", got)
	}
	if outcome.FilesRepaired != 1 || outcome.FilesVerifiedOk != 1 {
		t.Errorf("repaired/verified = %d/%d, want 1/1", outcome.FilesRepaired, outcome.FilesVerifiedOk)
	}
}

func TestUnreadableFileIsRecordedAndSkipped(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root, srv, loader := setupScenario(t)
	locked := filepath.Join(root, "a.dat")
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0644) })

	e := newTestEngine(loader, nil, Options{})
	var c collector
	outcome, err := e.StartScan(context.Background(), root, c.observe)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if outcome.Status != OutcomeCompleted {
		t.Fatalf("Status = %s, want completed (%s)", outcome.Status, outcome.Message)
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].Index != 0 || outcome.Failures[0].Reason != "file could not be read" {
		t.Fatalf("Failures = %+v", outcome.Failures)
	}
	if outcome.FilesRepaired != 1 || outcome.FilesVerifiedOk != 1 {
		t.Errorf("repaired/verified = %d/%d, want 1/1", outcome.FilesRepaired, outcome.FilesVerifiedOk)
	}
	if !containsLine(c.logs(LevelError), "failed to repair a.dat: file could not be read") {
		t.Errorf("error not logged: %v", c.logs(LevelError))
	}
	// Only gm/b.gm1 needed a download; the unreadable file was left alone.
	if srv.hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", srv.hits.Load())
	}
}

func TestUnreadableRootFailsSession(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root, _, loader := setupScenario(t)
	t.Cleanup(func() { _ = os.Chmod(root, 0755) })
	// Root passes the start check, then loses its permissions before the first file.
	loader.onLoad = func() {
		if err := os.Chmod(root, 0); err != nil {
			t.Error(err)
		}
	}

	e := newTestEngine(loader, nil, Options{})
	var c collector
	outcome, err := e.StartScan(context.Background(), root, c.observe)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if outcome.Status != OutcomeFailed || outcome.Reason != ReasonIO {
		t.Fatalf("outcome = %s/%s, want failed/io", outcome.Status, outcome.Reason)
	}
	if outcome.FilesVerifiedOk != 0 || outcome.FilesRepaired != 0 {
		t.Errorf("work done after root became unreadable: %+v", outcome)
	}
	if !containsLine(c.logs(LevelFatal), "game directory became unreadable") {
		t.Errorf("fatal entry missing: %v", c.logs(LevelFatal))
	}
}
