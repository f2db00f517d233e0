package storage

import (
	"context"
	"fmt"
	"time"
)

// CallRecord is one vision-model invocation. Records are written per attempt
// so rate limiting and flaky pages are visible in the audit trail.
type CallRecord struct {
	SessionID    string
	Page         int
	ProviderName string
	Model        string
	Attempt      int
	PromptKind   string
	Status       string
	ErrorType    string
	DurationMS   int64
}

// CallAudit persists vision-model call records to Postgres. A nil receiver
// is a no-op so callers need no guard when auditing is not configured.
type CallAudit struct {
	db *DB
}

func NewCallAudit(db *DB) *CallAudit {
	if db == nil {
		return nil
	}
	return &CallAudit{db: db}
}

// EnsureSchema creates the audit table when it does not exist yet.
func (a *CallAudit) EnsureSchema(ctx context.Context) error {
	if a == nil {
		return nil
	}
	_, err := a.db.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS model_calls(
  id           bigserial PRIMARY KEY,
  session_id   uuid NOT NULL,
  page         int NOT NULL,
  provider     text NOT NULL,
  model        text NOT NULL,
  attempt      int NOT NULL,
  prompt_kind  text NOT NULL,
  status       text NOT NULL,
  error_type   text,
  duration_ms  bigint NOT NULL,
  created_at   timestamptz NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("ensure model_calls schema: %w", err)
	}
	return nil
}

func (a *CallAudit) Insert(ctx context.Context, rec CallRecord) error {
	if a == nil {
		return nil
	}
	_, err := a.db.Pool.Exec(ctx, `
INSERT INTO model_calls(session_id, page, provider, model, attempt, prompt_kind, status, error_type, duration_ms)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, NULLIF($8,''), $9)`,
		rec.SessionID, rec.Page, rec.ProviderName, rec.Model, rec.Attempt, rec.PromptKind, rec.Status, rec.ErrorType, rec.DurationMS)
	if err != nil {
		return fmt.Errorf("insert model call: %w", err)
	}
	return nil
}

// Timed wraps an Insert with a duration measured from start.
func (a *CallAudit) Timed(ctx context.Context, rec CallRecord, start time.Time) error {
	if a == nil {
		return nil
	}
	rec.DurationMS = time.Since(start).Milliseconds()
	return a.Insert(ctx, rec)
}
