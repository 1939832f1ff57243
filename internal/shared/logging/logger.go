package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const logDirEnvVar = "TOOLHUB_LOG_DIR"

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

// Logger defines a minimal, printf-style logging contract.
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

var (
	sinkOnce sync.Once
	sink     *log.Logger
	minLevel = LevelDebug
)

// SetMinLevel adjusts the global threshold below which messages are dropped.
func SetMinLevel(level Level) {
	minLevel = level
}

// componentLogger writes to the shared file sink, tagged with a component name.
type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (c *componentLogger) Debug(format string, args ...any) { c.write(LevelDebug, format, args...) }
func (c *componentLogger) Info(format string, args ...any)  { c.write(LevelInfo, format, args...) }
func (c *componentLogger) Warn(format string, args ...any)  { c.write(LevelWarn, format, args...) }
func (c *componentLogger) Error(format string, args ...any) { c.write(LevelError, format, args...) }

func (c *componentLogger) write(level Level, format string, args ...any) {
	if level < minLevel {
		return
	}
	out := getSink()
	msg := fmt.Sprintf(format, args...)
	out.Printf("[%s] [%s] %s", level, c.component, msg)
}

func getSink() *log.Logger {
	sinkOnce.Do(func() {
		dir, err := resolveLogDirectory()
		if err == nil {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr == nil {
				path := filepath.Join(dir, "toolhub.log")
				if file, openErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); openErr == nil {
					sink = log.New(file, "", log.LstdFlags|log.Lmicroseconds)
					return
				}
			}
		}
		sink = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	})
	return sink
}

func resolveLogDirectory() (string, error) {
	if dir := os.Getenv(logDirEnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".toolhub", "logs"), nil
}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
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

// Timestamp returns a log-friendly timestamp for callers that render their
// own output lines.
func Timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05.000")
}
