package models

import "time"

// Task is one extracted task row destined for the CSV output. Immutable once
// appended to the sink.
type Task struct {
	PageNumber int      `json:"page_number"`
	TaskNumber string   `json:"task_number"`
	TaskText   string   `json:"task_text"`
	HasImage   bool     `json:"has_image"`
	Confidence *float64 `json:"confidence,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
}

// RunSummary is reported at the end of a run.
type RunSummary struct {
	SessionID   string         `json:"session_id"`
	TotalPages  int            `json:"total_pages"`
	Requested   int            `json:"requested_pages"`
	Done        int            `json:"done"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Tasks       int            `json:"tasks_extracted"`
	ModelCalls  int            `json:"model_calls"`
	ModelErrors int            `json:"model_errors"`
	FailReasons map[int]string `json:"fail_reasons,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}
