// Package logx provides leveled, component-scoped logging with env-gated
// debug domains and an in-memory buffer backing the console log view.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Logger writes timestamped, leveled lines to stderr tagged with the
// owning component ("cycle", "dispatcher", "console", ...).
type Logger struct {
	component string
	logger    *log.Logger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is one buffered log line, JSON-shaped for the console API.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ringBuffer keeps the most recent entries for the console log view.
type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil = all domains
}

var (
	debugMu sync.RWMutex
	debug   = debugSettings{}

	buffer = &ringBuffer{maxSize: 1000}
)

//nolint:gochecknoinits // env vars must be read before any logger exists
func init() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debug.enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debug.domains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			debug.domains[strings.TrimSpace(d)] = true
		}
	}
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0), // stderr keeps stdout clean for CLI use
	}
}

// SetDebug overrides the env-derived debug settings. Empty domains
// enables every domain.
func SetDebug(enabled bool, domains []string) {
	debugMu.Lock()
	defer debugMu.Unlock()

	debug.enabled = enabled
	if len(domains) == 0 {
		debug.domains = nil
		return
	}
	debug.domains = make(map[string]bool, len(domains))
	for _, d := range domains {
		debug.domains[strings.TrimSpace(d)] = true
	}
}

// DebugEnabled reports whether debug logging is on for a component.
func DebugEnabled(component string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()

	if !debug.enabled {
		return false
	}
	if debug.domains == nil {
		return true
	}
	return debug.domains[component]
}

func (b *ringBuffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

func (b *ringBuffer) recent(limit int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, limit)
	copy(out, b.entries[n-limit:])
	return out
}

// Recent returns up to limit most recent log entries, oldest first.
// limit <= 0 returns everything buffered.
func Recent(limit int) []Entry {
	return buffer.recent(limit)
}

func (l *Logger) log(level Level, format string, args ...any) {
	ts := time.Now().UTC().Format(timestampFormat)
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", ts, l.component, level, msg)

	buffer.add(Entry{
		Timestamp: ts,
		Component: l.component,
		Level:     string(level),
		Message:   msg,
	})
}

// Debug logs only when debug is enabled for this logger's component.
func (l *Logger) Debug(format string, args ...any) {
	if !DebugEnabled(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Component returns the component tag this logger was created with.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger sharing the output but tagged anew.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component, logger: l.logger}
}

var defaultLogger = NewLogger("reploid")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error, for call sites that need
// both:
//
//	return logx.Errorf("curation failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns the wrapped error. Returns nil
// when err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
