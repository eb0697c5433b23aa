package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a LogEntry. LevelAll is the catch-all that every
// consumer displays; the remaining levels are ordered by severity.
type Level int

const (
	LevelAll Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[Level]string{
	LevelAll:   "all",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelFatal: "fatal",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// MarshalText encodes the level by name for JSON consumers.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	if want == "warning" {
		want = "warn"
	}
	for l, name := range levelNames {
		if name == want {
			return l, nil
		}
	}
	return LevelAll, fmt.Errorf("unknown log level %q", s)
}

// SlogLevel maps l onto the slog level used when mirroring entries.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError, LevelFatal:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogEntry is one log line produced during verification or repair.
type LogEntry struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// DownloadProgress describes the repair download of the current file. It is
// only attached to snapshots while that download is in flight.
type DownloadProgress struct {
	BytesReceived int64         `json:"bytes_received"`
	TotalBytes    int64         `json:"total_bytes"`
	Elapsed       time.Duration `json:"elapsed"`
}

// ScanProgress is one immutable snapshot delivered to progress consumers.
type ScanProgress struct {
	SessionID    string            `json:"session_id"`
	CurrentIndex int               `json:"current_index"`
	TotalFiles   int               `json:"total_files"`
	CurrentFile  string            `json:"current_file,omitempty"`
	SubProgress  int               `json:"sub_progress"`
	Percent      int               `json:"percent"`
	Download     *DownloadProgress `json:"download,omitempty"`
	Log          *LogEntry         `json:"log,omitempty"`
}

// ProgressFunc receives snapshots on the session's delivery goroutine.
type ProgressFunc func(ScanProgress)

// globalPercent folds the per-file sub-progress into an overall percentage.
func globalPercent(index, total, sub int) int {
	if total <= 0 {
		return 0
	}
	if index >= total {
		return 100
	}
	p := (index*100 + sub) / total
	if p > 100 {
		p = 100
	}
	return p
}

// progressQueue is an unbounded FIFO between the scan worker and the consumer.
// push never blocks, so a slow consumer cannot stall the scan, and nothing is
// dropped or reordered.
type progressQueue struct {
	mu     sync.Mutex
	items  []ScanProgress
	closed bool
	wake   chan struct{}
	out    chan ScanProgress
}

func newProgressQueue() *progressQueue {
	q := &progressQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan ScanProgress),
	}
	go q.run()
	return q
}

func (q *progressQueue) push(p ScanProgress) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, p)
	q.mu.Unlock()
	q.poke()
}

// close stops accepting snapshots; out is closed once the backlog is delivered.
func (q *progressQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.poke()
}

func (q *progressQueue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *progressQueue) run() {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, p := range batch {
			q.out <- p
		}
		if len(batch) == 0 {
			if closed {
				close(q.out)
				return
			}
			<-q.wake
		}
	}
}

// Tracker keeps the latest snapshot and a rolling log for observers that poll
// or long-wait instead of draining the session channel themselves.
type Tracker struct {
	mu sync.Mutex

	session string
	latest  ScanProgress
	hasData bool
	logs    []LogEntry
	logSeq  int
	outcome *Outcome

	// Notification channel: close-and-replace pattern.
	// Listeners call Wait() to get the current channel, then block on it.
	notify chan struct{}
}

const trackerLogCap = 200

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{notify: make(chan struct{})}
}

// Reset clears the tracker and binds it to sessionID. Snapshots and outcomes
// of other sessions are ignored afterwards.
func (t *Tracker) Reset(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = sessionID
	t.latest = ScanProgress{}
	t.hasData = false
	t.logs = nil
	t.logSeq = 0
	t.outcome = nil
	t.signal()
}

// Observe records a snapshot. It is safe to use as a ProgressFunc.
func (t *Tracker) Observe(p ScanProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != "" && p.SessionID != t.session {
		return
	}

	t.latest = p
	t.hasData = true
	if p.Log != nil {
		t.logs = append(t.logs, *p.Log)
		t.logSeq++
		if len(t.logs) > trackerLogCap {
			t.logs = t.logs[len(t.logs)-trackerLogCap:]
		}
	}
	t.signal()
}

// Finish records the terminal outcome.
func (t *Tracker) Finish(o *Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != "" && o != nil && o.SessionID != t.session {
		return
	}
	t.outcome = o
	t.signal()
}

// TrackerState is a copy of the tracker contents. LogSeq counts every entry
// observed since Reset, including ones trimmed from Logs.
type TrackerState struct {
	Progress *ScanProgress `json:"progress,omitempty"`
	Logs     []LogEntry    `json:"logs,omitempty"`
	LogSeq   int           `json:"log_seq"`
	Outcome  *Outcome      `json:"outcome,omitempty"`
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	var st TrackerState
	if t.hasData {
		p := t.latest
		st.Progress = &p
	}
	st.Logs = make([]LogEntry, len(t.logs))
	copy(st.Logs, t.logs)
	st.LogSeq = t.logSeq
	st.Outcome = t.outcome
	return st
}

// Wait returns a channel that will be closed when the next update occurs.
// Callers should select on this channel alongside a timeout for heartbeats.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal closes the current notify channel and replaces it with a new one.
// Must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}
