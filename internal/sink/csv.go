// Package sink writes extracted tasks to the output CSV. The file is opened
// in append mode so a resumed run continues where the previous one stopped;
// the header is written only when the file is new or empty.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"mathscan/internal/models"
)

var baseHeader = []string{"page_number", "task_number", "task_text", "has_image"}

var extendedHeader = append(append([]string{}, baseHeader...), "confidence", "provider", "model")

// CSVSink appends task rows to a CSV file. Append flushes and syncs before
// returning so rows written for a page survive a crash that happens before
// the page is marked done.
type CSVSink struct {
	f        *os.File
	w        *csv.Writer
	extended bool
}

// OpenCSV opens (or creates) the output file for appending. When extended is
// true each row additionally carries confidence, provider and model columns.
func OpenCSV(path string, extended bool) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat output %s: %w", path, err)
	}
	s := &CSVSink{f: f, w: csv.NewWriter(f), extended: extended}
	if info.Size() == 0 {
		header := baseHeader
		if extended {
			header = extendedHeader
		}
		if err := s.w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}
	return s, nil
}

// Append writes all rows for one page and forces them to disk.
func (s *CSVSink) Append(tasks []models.Task) error {
	for _, t := range tasks {
		row := []string{
			strconv.Itoa(t.PageNumber),
			t.TaskNumber,
			t.TaskText,
			strconv.FormatBool(t.HasImage),
		}
		if s.extended {
			conf := ""
			if t.Confidence != nil {
				conf = strconv.FormatFloat(*t.Confidence, 'f', 2, 64)
			}
			row = append(row, conf, t.Provider, t.Model)
		}
		if err := s.w.Write(row); err != nil {
			return fmt.Errorf("write row for page %d: %w", t.PageNumber, err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	return nil
}

func (s *CSVSink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
