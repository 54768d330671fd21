package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface so they can be tested with Nop() and
// composed without caring about the concrete sink.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
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

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

type baseLogger struct {
	mu    sync.Mutex
	out   *log.Logger
	level Level
}

var (
	base     *baseLogger
	baseOnce sync.Once
)

func root() *baseLogger {
	baseOnce.Do(func() {
		base = &baseLogger{
			out:   log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
			level: LevelInfo,
		}
	})
	return base
}

// SetLevel adjusts the global minimum level.
func SetLevel(level Level) {
	b := root()
	b.mu.Lock()
	b.level = level
	b.mu.Unlock()
}

// SetOutput redirects the global log sink. The stdio frontend uses this to
// keep stdout reserved for protocol frames.
func SetOutput(w io.Writer) {
	b := root()
	b.mu.Lock()
	b.out = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	b.mu.Unlock()
}

// componentLogger scopes log lines with a component tag.
type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (c *componentLogger) log(level Level, format string, args ...any) {
	b := root()
	b.mu.Lock()
	defer b.mu.Unlock()
	if level < b.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if c.component != "" {
		b.out.Printf("[%s] [%s] %s", level, c.component, msg)
		return
	}
	b.out.Printf("[%s] %s", level, msg)
}

func (c *componentLogger) Debug(format string, args ...any) { c.log(LevelDebug, format, args...) }
func (c *componentLogger) Info(format string, args ...any)  { c.log(LevelInfo, format, args...) }
func (c *componentLogger) Warn(format string, args ...any)  { c.log(LevelWarn, format, args...) }
func (c *componentLogger) Error(format string, args ...any) { c.log(LevelError, format, args...) }
