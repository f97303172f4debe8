package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a level name to a Level, defaulting to INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
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

// Logger is a leveled logger shared by every component. Named children
// share the parent's outputs and lock.
type Logger struct {
	level     Level
	component string
	mu        *sync.Mutex
	out       map[Level]*log.Logger
}

func New(level string) *Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter builds a logger writing every level to w.
func NewWithWriter(level string, w io.Writer) *Logger {
	flags := log.LstdFlags | log.Lmicroseconds

	return &Logger{
		level: ParseLevel(level),
		mu:    &sync.Mutex{},
		out: map[Level]*log.Logger{
			DEBUG: log.New(w, "[DEBUG] ", flags),
			INFO:  log.New(w, "[INFO] ", flags),
			WARN:  log.New(w, "[WARN] ", flags),
			ERROR: log.New(w, "[ERROR] ", flags),
		},
	}
}

// Named returns a child logger whose lines carry "component: " before the message.
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{
		level:     l.level,
		component: name,
		mu:        l.mu,
		out:       l.out,
	}
}

func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) logf(lvl Level, format string, args ...interface{}) {
	if l == nil || l.level > lvl {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		msg = l.component + ": " + msg
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out[lvl].Output(3, msg)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.logf(DEBUG, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.logf(INFO, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.logf(WARN, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.logf(ERROR, format, args...)
}

// Writer adapts the logger to an io.Writer at the given level, for libraries
// that only accept one (raft transport, memberlist).
func (l *Logger) Writer(lvl Level) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		l.logf(lvl, "%s", strings.TrimRight(string(p), "\n"))
		return len(p), nil
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// Fields renders ctx as sorted key=value pairs.
func Fields(ctx map[string]interface{}) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ctx[k]))
	}
	return strings.Join(parts, " ")
}
