package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than a concrete logger so the
// root logger can be constructed once at startup and handed down explicitly.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a config string to a Level. Unknown values default to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Root is the writer-backed logger every component logger derives from.
type Root struct {
	mu     sync.Mutex
	out    *log.Logger
	level  Level
	closer io.Closer
}

// Options configures a root logger.
type Options struct {
	Level Level
	// File is an optional log file path. When empty, output goes to stderr.
	File string
}

// NewRoot creates the process root logger.
func NewRoot(opts Options) (*Root, error) {
	w := io.Writer(os.Stderr)
	var closer io.Closer
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closer = f
	}
	return &Root{
		out:    log.New(w, "", 0),
		level:  opts.Level,
		closer: closer,
	}, nil
}

// NewTestRoot returns a root logger writing to w, for tests.
func NewTestRoot(w io.Writer, level Level) *Root {
	return &Root{out: log.New(w, "", 0), level: level}
}

// Close releases the underlying log file, if any.
func (r *Root) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Component returns a logger scoped to a component name.
func (r *Root) Component(name string) Logger {
	return &componentLogger{root: r, component: name}
}

func (r *Root) write(level Level, component, format string, args ...any) {
	if level < r.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	r.mu.Lock()
	defer r.mu.Unlock()
	if component != "" {
		r.out.Printf("[%s] [%s] [%s] %s", ts, level, component, msg)
		return
	}
	r.out.Printf("[%s] [%s] %s", ts, level, msg)
}

type componentLogger struct {
	root      *Root
	component string
}

func (c *componentLogger) Debug(format string, args ...any) {
	c.root.write(DEBUG, c.component, format, args...)
}

func (c *componentLogger) Info(format string, args ...any) {
	c.root.write(INFO, c.component, format, args...)
}

func (c *componentLogger) Warn(format string, args ...any) {
	c.root.write(WARN, c.component, format, args...)
}

func (c *componentLogger) Error(format string, args ...any) {
	c.root.write(ERROR, c.component, format, args...)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}
