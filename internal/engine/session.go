package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// OutcomeStatus is the terminal state of a session.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeCancelled OutcomeStatus = "cancelled"
	OutcomeFailed    OutcomeStatus = "failed"
)

// FailureReason qualifies a Failed outcome.
type FailureReason string

const (
	ReasonInvalidPath       FailureReason = "invalid_path"
	ReasonCatalogUnreadable FailureReason = "catalog_unreadable"
	ReasonIO                FailureReason = "io"
	ReasonFileFailed        FailureReason = "file_failed"
)

// FileFailure records a file that could not be verified or repaired.
type FileFailure struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Outcome is the result of one session. Per-file failures do not make the
// session Failed unless StopOnFirstError is set; they are listed in Failures.
type Outcome struct {
	SessionID       string        `json:"session_id"`
	Status          OutcomeStatus `json:"status"`
	Reason          FailureReason `json:"reason,omitempty"`
	Message         string        `json:"message,omitempty"`
	TotalFiles      int           `json:"total_files"`
	FilesRepaired   int           `json:"files_repaired"`
	FilesVerifiedOk int           `json:"files_verified_ok"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	Failures        []FileFailure `json:"failures,omitempty"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
}

func failed(reason FailureReason, msg string) *Outcome {
	now := time.Now()
	return &Outcome{Status: OutcomeFailed, Reason: reason, Message: msg, StartTime: now, EndTime: now}
}

// Session is one scan-and-repair run bound to a root directory.
type Session struct {
	id        string
	root      string
	startTime time.Time

	cancelled atomic.Bool
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	queue   *progressQueue
	done    chan struct{}
	outcome *Outcome
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Root returns the directory being scanned.
func (s *Session) Root() string { return s.root }

// StartTime returns when the session was started.
func (s *Session) StartTime() time.Time { return s.startTime }

// Running reports whether the worker is still active.
func (s *Session) Running() bool { return s.running.Load() }

// Progress returns the snapshot stream. It is closed after the final snapshot.
// Consumers must drain it; the engine itself never blocks on it.
func (s *Session) Progress() <-chan ScanProgress { return s.queue.out }

// Cancel requests cooperative cancellation. It is safe to call from any goroutine
// and more than once.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

// Cancelled reports whether cancellation has been requested.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load() || s.ctx.Err() != nil
}

// Wait blocks until the worker has finished and returns its outcome.
func (s *Session) Wait() *Outcome {
	<-s.done
	return s.outcome
}
