// Package eventlog appends cycle events to daily rotated JSONL files.
// The log is the durable, grep-friendly record of what the agent did;
// the SQLite archive covers structured queries, this covers audits.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one structured record in the activity log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	CycleID   string         `json:"cycle_id,omitempty"`
}

// Writer appends events to the current day's log file, rotating at
// midnight local time.
type Writer struct {
	currentFile *os.File
	logDir      string
	currentDate string
	mu          sync.Mutex
}

// NewWriter creates a writer rooted at logDir, creating the directory
// and the current day's file.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	writer := &Writer{logDir: logDir}
	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return writer, nil
}

// Write appends one event as a JSON line. A zero timestamp is stamped
// with the current time.
func (w *Writer) Write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	jsonData, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if _, err := w.currentFile.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	// Ensure data is written to disk.
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// CurrentLogFile returns the path of the currently active log file.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// ReadEvents reads and parses all events from one log file.
func ReadEvents(logFilePath string) ([]Event, error) {
	file, err := os.Open(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return events, nil
}

// ListLogFiles returns all event log files under logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	return files, nil
}
