package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region log-run-event
// LogRunEvent appends an item outcome to the run_events table.
func LogRunEvent(db *sql.DB, entry RunEvent) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO run_events (run_id, item_index, event, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.RunID,
		nullIfEmpty(entry.ItemIndex),
		entry.Event,
		nullIfEmpty(entry.Detail),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// #endregion log-run-event

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
