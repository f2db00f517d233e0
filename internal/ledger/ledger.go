// Package ledger is the durable per-page progress record that makes runs
// resumable. The whole ledger lives in one JSON file inside the workspace and
// is atomically replaced on every status change, so a crash mid-write can
// never leave a half-written file behind. A missing or corrupt ledger is
// treated as "no progress yet": reprocessing is idempotent, silent data loss
// is not.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mathscan/internal/util"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// PageEntry records the durable state of one page.
type PageEntry struct {
	Status    Status            `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type state struct {
	SessionID   string             `json:"session_id"`
	SourcePath  string             `json:"source_path"`
	Fingerprint string             `json:"fingerprint"`
	TotalPages  int                `json:"total_pages"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Tasks       int                `json:"tasks_extracted"`
	ModelCalls  int                `json:"model_calls"`
	ModelErrors int                `json:"model_errors"`
	Pages       map[int]*PageEntry `json:"pages"`
}

// Ledger guards its state with a mutex so the concurrent pipeline mode can
// share it; every mutation is persisted before the call returns.
type Ledger struct {
	path string
	mu   sync.Mutex
	st   state
}

// Load reads the ledger at path, tolerating absence and corruption. On any
// read or parse failure the returned ledger is empty; the pipeline then
// safely reprocesses from scratch.
func Load(path, sourcePath, fingerprint string, totalPages int) *Ledger {
	l := &Ledger{path: path}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var st state
		if jerr := json.Unmarshal(data, &st); jerr != nil {
			slog.Warn("ledger unreadable, starting over", "path", path, "error", jerr)
		} else if st.Fingerprint != "" && st.Fingerprint != fingerprint {
			slog.Warn("ledger belongs to a different document, starting over", "path", path)
		} else {
			l.st = st
		}
	case os.IsNotExist(err):
		// First run for this workspace.
	default:
		slog.Warn("ledger unreadable, starting over", "path", path, "error", err)
	}

	if l.st.SessionID == "" {
		l.st = state{
			SessionID:   uuid.NewString(),
			SourcePath:  sourcePath,
			Fingerprint: fingerprint,
			CreatedAt:   time.Now().UTC(),
		}
	}
	l.st.TotalPages = totalPages
	if l.st.Pages == nil {
		l.st.Pages = map[int]*PageEntry{}
	}
	return l
}

func (l *Ledger) SessionID() string { return l.st.SessionID }

// IsDone reports whether page has already been fully persisted.
func (l *Ledger) IsDone(page int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.st.Pages[page]
	return ok && e.Status == StatusDone
}

// Entry returns a copy of the page's entry, if any.
func (l *Ledger) Entry(page int) (PageEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.st.Pages[page]
	if !ok {
		return PageEntry{}, false
	}
	return *e, true
}

// Mark transitions page to status and persists the whole ledger atomically
// before returning. lastErr may be nil; artifacts may be nil.
func (l *Ledger) Mark(page int, status Status, lastErr error, artifacts map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.st.Pages[page]
	if !ok {
		e = &PageEntry{}
		l.st.Pages[page] = e
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	if lastErr != nil {
		e.LastError = lastErr.Error()
	} else {
		e.LastError = ""
	}
	if artifacts != nil {
		e.Artifacts = artifacts
	}
	return l.save()
}

// RecordAttempt bumps the attempt counter for page without changing status.
func (l *Ledger) RecordAttempt(page int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.st.Pages[page]
	if !ok {
		e = &PageEntry{Status: StatusPending}
		l.st.Pages[page] = e
	}
	e.Attempts++
	e.UpdatedAt = time.Now().UTC()
	return l.save()
}

// AddStats accumulates run counters and persists them.
func (l *Ledger) AddStats(tasks, calls, callErrors int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.Tasks += tasks
	l.st.ModelCalls += calls
	l.st.ModelErrors += callErrors
	return l.save()
}

// Stats returns the accumulated (tasks, model calls, model errors).
func (l *Ledger) Stats() (int, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.Tasks, l.st.ModelCalls, l.st.ModelErrors
}

// PendingPages filters pages down to those not yet done, preserving
// ascending page order. Resume always continues in page order.
func (l *Ledger) PendingPages(pages []int) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, 0, len(pages))
	for _, p := range pages {
		if e, ok := l.st.Pages[p]; ok && e.Status == StatusDone {
			continue
		}
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Reset returns the given pages to pending so they are reprocessed. Used by
// the force-reprocess flag.
func (l *Ledger) Reset(pages []int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range pages {
		if e, ok := l.st.Pages[p]; ok {
			e.Status = StatusPending
			e.Attempts = 0
			e.LastError = ""
			e.UpdatedAt = time.Now().UTC()
		}
	}
	return l.save()
}

// FailedPages maps failed page numbers to their recorded reasons.
func (l *Ledger) FailedPages() map[int]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[int]string{}
	for p, e := range l.st.Pages {
		if e.Status == StatusFailed {
			out[p] = e.LastError
		}
	}
	return out
}

// save must be called with l.mu held.
func (l *Ledger) save() error {
	l.st.UpdatedAt = time.Now().UTC()
	if err := util.WriteJSONAtomic(l.path, &l.st); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}
