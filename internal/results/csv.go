package results

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// utf8BOM marks the file as UTF-8 for spreadsheet tools.
const utf8BOM = "\ufeff"

// #region csv-sink
// CSVSink appends result rows to a CSV file, writing the header only when the
// file is empty. Safe for concurrent use within one process.
type CSVSink struct {
	path string
	mu   sync.Mutex
}

// NewCSVSink returns a sink writing to SupportResultsFile under experimentPath.
func NewCSVSink(experimentPath string) *CSVSink {
	return &CSVSink{path: filepath.Join(experimentPath, SupportResultsFile)}
}

// Name implements Sink.
func (s *CSVSink) Name() string { return "csv" }

// Path returns the file the sink appends to.
func (s *CSVSink) Path() string { return s.path }

// Save appends one row.
func (s *CSVSink) Save(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open results csv: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat results csv: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if _, err := f.WriteString(utf8BOM); err != nil {
			return fmt.Errorf("write bom: %w", err)
		}
		if err := w.Write(Header()); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.Write(r.Row()); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush results csv: %w", err)
	}
	return f.Close()
}

// #endregion csv-sink
