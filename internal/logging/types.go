package logging

import "time"

// #region run-event
// Run event kinds.
const (
	EventEvaluated = "evaluated"
	EventFailed    = "failed"
	EventSkipped   = "skipped"
)

// RunEvent is a single row in the run_events table.
type RunEvent struct {
	RunID     string
	ItemIndex string
	Event     string // "evaluated" | "failed" | "skipped"
	Detail    string
	CreatedAt time.Time
}

// #endregion run-event
