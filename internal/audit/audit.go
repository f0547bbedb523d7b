// Package audit records every meaningful control-plane action as one
// JSON line in an append-only file. Writes take an exclusive flock so
// concurrent processes interleave whole lines, never fragments. Audit
// failures are logged and counted but never fail the action being
// audited.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/deckhand-dev/deckhand/internal/log"
)

// Record kinds.
const (
	KindPlanResolved       = "plan_resolved"
	KindExecutionStarted   = "execution_started"
	KindExecutionFinished  = "execution_finished"
	KindStepFailed         = "step_failed"
	KindRemediationOffered = "remediation_offered"
	KindRemediationChosen  = "remediation_chosen"
	KindCacheBust          = "cache_bust"
	KindConfigChange       = "config_change"
)

// Record is one audit line. The sudo secret has no field here and must
// never be smuggled into Details.
type Record struct {
	ID   string    `json:"id"`
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`

	ToolID    string `json:"tool_id,omitempty"`
	Card      string `json:"card,omitempty"`
	PlanID    string `json:"plan_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	ChainID   string `json:"chain_id,omitempty"`
	FailureID string `json:"failure_id,omitempty"`
	OptionID  string `json:"option_id,omitempty"`
	Result    string `json:"result,omitempty"`

	Details json.RawMessage `json:"details,omitempty"`
}

// Writer appends records to one NDJSON file.
type Writer struct {
	path    string
	logger  log.Logger
	clock   func() time.Time
	onError func()
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithLogger sets the writer's logger.
func WithLogger(l log.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// WithClock overrides the time source (tests).
func WithClock(f func() time.Time) WriterOption {
	return func(w *Writer) { w.clock = f }
}

// WithErrorHook registers a callback fired on every failed append,
// used to feed the audit failure metric.
func WithErrorHook(f func()) WriterOption {
	return func(w *Writer) { w.onError = f }
}

// NewWriter builds a Writer appending to path.
func NewWriter(path string, opts ...WriterOption) *Writer {
	w := &Writer{
		path:   path,
		logger: log.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append writes one record. ID and At are filled in when empty.
func (w *Writer) Append(rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = w.clock().UTC()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock audit file: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Log appends a record, swallowing any error after logging and counting
// it. The audited action must not fail because auditing did.
func (w *Writer) Log(rec Record) {
	if err := w.Append(rec); err != nil {
		w.logger.Error("audit write failed", "kind", rec.Kind, "error", err)
		if w.onError != nil {
			w.onError()
		}
	}
}

// Filter narrows a Scan. Zero values match everything.
type Filter struct {
	Kind   string
	ToolID string
	Card   string

	// Query substring-matches the raw record line, case-insensitive.
	Query string

	// Offset and Limit page through matches, newest first. A zero Limit
	// means no cap.
	Offset int
	Limit  int
}

// Scan reads the audit file and returns matching records newest first.
// A missing file is an empty trail. Unparseable lines are skipped; a
// partial line from a crashed writer must not hide the rest of the
// history.
func (w *Writer) Scan(filter Filter) ([]Record, error) {
	matched, _, err := w.scan(filter)
	if err != nil {
		return nil, err
	}
	matched, _ = paginate(matched, filter)
	return matched, nil
}

// Page is one window of the audit trail plus the totals clients page by.
type Page struct {
	Entries       []Record `json:"entries"`
	TotalAll      int      `json:"total_all"`
	TotalFiltered int      `json:"total_filtered"`
	HasMore       bool     `json:"has_more"`
}

// ScanPage is Scan with paging metadata.
func (w *Writer) ScanPage(filter Filter) (Page, error) {
	matched, totalAll, err := w.scan(filter)
	if err != nil {
		return Page{}, err
	}
	totalFiltered := len(matched)
	entries, hasMore := paginate(matched, filter)
	if entries == nil {
		entries = []Record{}
	}
	return Page{
		Entries:       entries,
		TotalAll:      totalAll,
		TotalFiltered: totalFiltered,
		HasMore:       hasMore,
	}, nil
}

func (w *Writer) scan(filter Filter) (matched []Record, totalAll int, err error) {
	f, err := os.Open(w.path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, 0, fmt.Errorf("failed to lock audit file: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			w.logger.Debug("skipping malformed audit line", "error", err)
			continue
		}
		totalAll++
		if !filter.matches(&rec, line) {
			continue
		}
		matched = append(matched, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read audit file: %w", err)
	}

	// Newest first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched, totalAll, nil
}

func paginate(matched []Record, filter Filter) ([]Record, bool) {
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, false
		}
		matched = matched[filter.Offset:]
	}
	hasMore := false
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
		hasMore = true
	}
	return matched, hasMore
}

func (f *Filter) matches(rec *Record, raw []byte) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.ToolID != "" && rec.ToolID != f.ToolID {
		return false
	}
	if f.Card != "" && rec.Card != f.Card {
		return false
	}
	if f.Query != "" && !strings.Contains(strings.ToLower(string(raw)), strings.ToLower(f.Query)) {
		return false
	}
	return true
}
