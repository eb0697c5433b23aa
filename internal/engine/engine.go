package engine

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/BadgerOps/gamescan/internal/catalog"
	"github.com/BadgerOps/gamescan/internal/download"
	"github.com/BadgerOps/gamescan/internal/safety"
	"github.com/BadgerOps/gamescan/internal/store"
	"github.com/BadgerOps/gamescan/internal/verify"
	"github.com/google/uuid"
)

var (
	// ErrSessionActive is returned when a scan is started while another is running.
	ErrSessionActive = errors.New("a scan session is already active")
	// ErrInvalidPath is returned when the root directory is empty or does not exist.
	ErrInvalidPath = errors.New("invalid game files path")
)

// CatalogLoader resolves the catalog for a session.
type CatalogLoader interface {
	Load(ctx context.Context, src string) (*catalog.Catalog, error)
}

// Fetcher downloads the correct bytes of one file.
type Fetcher interface {
	Fetch(ctx context.Context, opts download.FetchOptions) (*download.FetchResult, error)
}

// RunStore persists scan history. All methods are best effort from the
// engine's point of view: failures are logged, never surfaced.
type RunStore interface {
	CreateScanRun(run *store.ScanRun) error
	UpdateScanRun(run *store.ScanRun) error
	AddFileFailure(f *store.FileFailure) error
	UpsertFileRecord(rec *store.FileRecord) error
}

// Options tunes the engine.
type Options struct {
	CatalogSource    string
	RetryAttempts    int
	StopOnFirstError bool
}

// Engine runs scan-and-repair sessions, one at a time.
type Engine struct {
	loader  CatalogLoader
	fetcher Fetcher
	store   RunStore
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	active *Session
}

// New creates an Engine. st may be nil to disable history.
func New(loader CatalogLoader, fetcher Fetcher, st RunStore, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		loader:  loader,
		fetcher: fetcher,
		store:   st,
		opts:    opts,
		logger:  logger,
	}
}

// Active returns the running session, or nil when idle.
func (e *Engine) Active() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// RequestCancel asks the active session to stop. It reports whether a session
// was running.
func (e *Engine) RequestCancel() bool {
	s := e.Active()
	if s == nil {
		return false
	}
	e.logger.Info("scan cancellation requested", "session", s.id)
	s.Cancel()
	return true
}

// checkRoot validates the session precondition without touching the catalog.
func checkRoot(root string) (string, error) {
	if root == "" {
		return "game files path is empty", ErrInvalidPath
	}
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "game files path does not exist", ErrInvalidPath
		}
		return "game files path is not accessible", ErrInvalidPath
	}
	if !info.IsDir() {
		return "game files path is not a directory", ErrInvalidPath
	}
	return "", nil
}

// rootReadable reports why the directory root can no longer be listed.
func rootReadable(root string) error {
	f, err := os.Open(root)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Start validates root and launches a session on its own worker goroutine.
// It fails with ErrInvalidPath or ErrSessionActive before any work starts.
func (e *Engine) Start(ctx context.Context, root string) (*Session, error) {
	if msg, err := checkRoot(root); err != nil {
		return nil, fmt.Errorf("%s: %w", msg, err)
	}

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return nil, ErrSessionActive
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        uuid.NewString(),
		root:      root,
		startTime: time.Now(),
		ctx:       sctx,
		cancel:    cancel,
		queue:     newProgressQueue(),
		done:      make(chan struct{}),
	}
	s.running.Store(true)
	e.active = s
	e.mu.Unlock()

	go e.work(s)
	return s, nil
}

// StartScan runs a session to completion, delivering every snapshot to
// onProgress in order before returning. An invalid root yields a Failed
// outcome with ReasonInvalidPath; a concurrent session yields ErrSessionActive.
func (e *Engine) StartScan(ctx context.Context, root string, onProgress ProgressFunc) (*Outcome, error) {
	s, err := e.Start(ctx, root)
	if err != nil {
		if errors.Is(err, ErrInvalidPath) {
			msg, _ := checkRoot(root)
			e.logger.Warn("scan not started", "root", root, "reason", msg)
			return failed(ReasonInvalidPath, msg), nil
		}
		return nil, err
	}

	for p := range s.Progress() {
		if onProgress != nil {
			onProgress(p)
		}
	}
	return s.Wait(), nil
}

// work is the session worker. It owns the outcome and all snapshot emission.
func (e *Engine) work(s *Session) {
	r := &run{engine: e, session: s, logger: e.logger.With("session", s.id)}
	outcome := r.execute()
	outcome.SessionID = s.id
	outcome.StartTime = s.startTime
	outcome.EndTime = time.Now()
	r.finishRecord(outcome)

	s.outcome = outcome
	s.queue.close()
	s.running.Store(false)
	s.cancel()

	e.mu.Lock()
	if e.active == s {
		e.active = nil
	}
	e.mu.Unlock()
	close(s.done)

	r.logger.Info("scan finished",
		"status", outcome.Status,
		"reason", outcome.Reason,
		"repaired", outcome.FilesRepaired,
		"verified_ok", outcome.FilesVerifiedOk,
		"failed", len(outcome.Failures),
		"duration", outcome.EndTime.Sub(outcome.StartTime),
	)
}

// run holds per-session mutable state. It is only touched by the worker.
type run struct {
	engine  *Engine
	session *Session
	logger  *slog.Logger
	record  *store.ScanRun

	total    int
	index    int
	file     string
	sub      int
	complete bool
	outcome  Outcome
}

func (r *run) emit(dl *DownloadProgress, entry *LogEntry) {
	percent := globalPercent(r.index, r.total, r.sub)
	if r.complete {
		percent = 100
	}
	r.session.queue.push(ScanProgress{
		SessionID:    r.session.id,
		CurrentIndex: r.index,
		TotalFiles:   r.total,
		CurrentFile:  r.file,
		SubProgress:  r.sub,
		Percent:      percent,
		Download:     dl,
		Log:          entry,
	})
}

// setSub raises the file's sub-progress; it never moves backwards within a file.
func (r *run) setSub(p int) bool {
	if p > 100 {
		p = 100
	}
	if p <= r.sub {
		return false
	}
	r.sub = p
	return true
}

func (r *run) log(level Level, format string, args ...any) {
	entry := &LogEntry{Level: level, Message: fmt.Sprintf(format, args...), Time: time.Now()}
	r.logger.Log(context.Background(), level.SlogLevel(), entry.Message, "index", r.index, "file", r.file)
	r.emit(nil, entry)
}

func (r *run) cancelledOutcome() *Outcome {
	r.log(LevelWarn, "scan cancelled after %d of %d files", r.index, r.total)
	o := r.outcome
	o.Status = OutcomeCancelled
	o.Message = "scan cancelled"
	return &o
}

func (r *run) execute() *Outcome {
	e, s := r.engine, r.session
	r.startRecord()

	r.log(LevelInfo, "loading file catalog")
	cat, err := e.loader.Load(s.ctx, e.opts.CatalogSource)
	if err != nil {
		if s.Cancelled() {
			return r.cancelledOutcome()
		}
		r.logger.Error("failed to load catalog", "source", e.opts.CatalogSource, "error", err)
		r.log(LevelFatal, "file catalog could not be read")
		return failed(ReasonCatalogUnreadable, "file catalog could not be read")
	}

	verifier, err := verify.New(cat.Algorithm, r.logger)
	if err != nil {
		r.log(LevelFatal, "file catalog uses an unsupported digest")
		return failed(ReasonCatalogUnreadable, "file catalog uses an unsupported digest")
	}

	r.total = len(cat.Files)
	r.outcome.TotalFiles = r.total
	r.log(LevelInfo, "scanning %d files", r.total)

	for i, fd := range cat.Files {
		if s.Cancelled() {
			return r.cancelledOutcome()
		}

		r.index, r.file, r.sub = i, fd.Path, 0
		r.emit(nil, nil)

		stop, abort := r.processFile(cat, verifier, fd)
		if abort != nil {
			return abort
		}

		r.index, r.file, r.sub = i+1, "", 0
		r.emit(nil, nil)

		if stop {
			r.log(LevelError, "stopping scan after first failure")
			o := r.outcome
			o.Status = OutcomeFailed
			o.Reason = ReasonFileFailed
			o.Message = fmt.Sprintf("failed to repair %s", fd.Path)
			return &o
		}
	}

	if s.Cancelled() {
		return r.cancelledOutcome()
	}

	r.complete = true
	r.log(LevelInfo, "scan complete: %d repaired, %d verified, %d failed",
		r.outcome.FilesRepaired, r.outcome.FilesVerifiedOk, len(r.outcome.Failures))
	o := r.outcome
	o.Status = OutcomeCompleted
	return &o
}

// processFile verifies and, when needed, repairs one entry. stop is set when a
// per-file failure must end the scan; abort carries a terminal outcome.
//
// Sub-progress covers verification in [0,50] and the repair download in [50,100].
func (r *run) processFile(cat *catalog.Catalog, verifier *verify.Verifier, fd catalog.FileDescriptor) (stop bool, abort *Outcome) {
	s := r.session
	number := r.index + 1

	dest, err := safety.ResolveUnderRoot(s.root, fd.Path)
	if err != nil {
		return r.fileFailed(fd, "path is outside the game directory"), nil
	}

	result, verr := verifier.Verify(s.ctx, dest, fd.Size, fd.Digest, func(pct int) {
		if r.setSub(pct / 2) {
			r.emit(nil, nil)
		}
	})
	if s.Cancelled() {
		return false, r.cancelledOutcome()
	}

	switch {
	case result == verify.Ok:
		r.setSub(100)
		r.outcome.FilesVerifiedOk++
		r.log(LevelDebug, "verified %s", fd.Path)
		r.recordFile(fd, false)
		return false, nil
	case result == verify.Missing:
		r.log(LevelWarn, "%s is missing", fd.Path)
	case result == verify.Mismatch:
		r.log(LevelWarn, "%s is corrupted", fd.Path)
	}

	if !result.NeedsRepair() {
		r.logger.Error("verification failed", "path", dest, "error", verr)
		if err := rootReadable(s.root); err != nil {
			r.logger.Error("game directory unreadable", "root", s.root, "error", err)
			r.log(LevelFatal, "game directory became unreadable")
			o := r.outcome
			o.Status = OutcomeFailed
			o.Reason = ReasonIO
			o.Message = "game directory became unreadable"
			return false, &o
		}
		return r.fileFailed(fd, "file could not be read"), nil
	}

	url, err := cat.SourceURL(fd)
	if err != nil {
		r.logger.Error("invalid repair source", "path", fd.Path, "source", fd.Source, "error", err)
		return r.fileFailed(fd, "repair source is invalid"), nil
	}

	r.setSub(50)
	r.log(LevelInfo, "downloading %s", fd.Path)

	res, ferr := r.engine.fetcher.Fetch(s.ctx, download.FetchOptions{
		URL:            url,
		DestPath:       dest,
		ExpectedSize:   fd.Size,
		ExpectedDigest: fd.Digest,
		NewHash:        func() hash.Hash { return verify.NewHash(cat.Algorithm) },
		Compression:    string(fd.Compression),
		RetryCount:     r.engine.opts.RetryAttempts,
		Cancelled:      s.Cancelled,
		OnProgress: func(p download.Progress) {
			if p.TotalBytes > 0 {
				r.setSub(50 + int(p.BytesReceived*50/p.TotalBytes))
			}
			r.emit(&DownloadProgress{BytesReceived: p.BytesReceived, TotalBytes: p.TotalBytes, Elapsed: p.Elapsed}, nil)
		},
	})
	if res != nil {
		r.outcome.BytesDownloaded += res.Received
	}

	switch {
	case res != nil && res.Status == download.StatusCancelled, s.Cancelled():
		return false, r.cancelledOutcome()
	case ferr == nil && res != nil && res.Status == download.StatusOk:
		r.setSub(100)
		r.outcome.FilesRepaired++
		r.log(LevelInfo, "repaired file #%d (%s)", number, fd.Path)
		r.recordFile(fd, true)
		return false, nil
	default:
		r.logger.Error("repair failed", "path", fd.Path, "url", url, "error", ferr)
		return r.fileFailed(fd, download.Summary(ferr)), nil
	}
}

// fileFailed records a per-file failure and reports whether the scan must stop.
func (r *run) fileFailed(fd catalog.FileDescriptor, reason string) bool {
	r.log(LevelError, "failed to repair %s: %s", fd.Path, reason)
	r.outcome.Failures = append(r.outcome.Failures, FileFailure{Index: r.index, Path: fd.Path, Reason: reason})

	if st := r.engine.store; st != nil && r.record != nil {
		if err := st.AddFileFailure(&store.FileFailure{
			RunID:      r.record.ID,
			Path:       fd.Path,
			Error:      reason,
			OccurredAt: time.Now(),
		}); err != nil {
			r.logger.Warn("failed to record file failure", "path", fd.Path, "error", err)
		}
	}
	return r.engine.opts.StopOnFirstError
}

func (r *run) startRecord() {
	st := r.engine.store
	if st == nil {
		return
	}
	rec := &store.ScanRun{
		ID:            r.session.id,
		Root:          r.session.root,
		CatalogSource: r.engine.opts.CatalogSource,
		StartTime:     r.session.startTime,
		Status:        "running",
	}
	if err := st.CreateScanRun(rec); err != nil {
		r.logger.Error("failed to create scan run record", "error", err)
		return
	}
	r.record = rec
}

func (r *run) finishRecord(o *Outcome) {
	st := r.engine.store
	if st == nil || r.record == nil {
		return
	}
	rec := r.record
	rec.EndTime = o.EndTime
	rec.Status = string(o.Status)
	rec.Reason = string(o.Reason)
	rec.Message = o.Message
	rec.FilesTotal = o.TotalFiles
	rec.FilesRepaired = o.FilesRepaired
	rec.FilesVerified = o.FilesVerifiedOk
	rec.FilesFailed = len(o.Failures)
	rec.BytesDownloaded = o.BytesDownloaded
	if err := st.UpdateScanRun(rec); err != nil {
		r.logger.Error("failed to update scan run record", "error", err)
	}
}

func (r *run) recordFile(fd catalog.FileDescriptor, repaired bool) {
	st := r.engine.store
	if st == nil {
		return
	}
	now := time.Now()
	rec := &store.FileRecord{
		Root:         r.session.root,
		Path:         fd.Path,
		Size:         fd.Size,
		Digest:       fd.Digest,
		LastVerified: now,
		RunID:        r.session.id,
	}
	if repaired {
		rec.LastRepaired = now
	}
	if err := st.UpsertFileRecord(rec); err != nil {
		r.logger.Warn("failed to upsert file record", "path", fd.Path, "error", err)
	}
}
