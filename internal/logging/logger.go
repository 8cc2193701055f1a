package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than a concrete logger so tests
// can swap in Nop.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown strings mean Info.
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

var (
	rootInstance *fileLogger
	rootOnce     sync.Once
)

// fileLogger writes timestamped lines to carapace-debug.log and stderr.
type fileLogger struct {
	mu        sync.Mutex
	file      *os.File
	out       *log.Logger
	level     Level
	component string
	toStderr  bool
}

func rootLogger() *fileLogger {
	rootOnce.Do(func() {
		rootInstance = newFileLogger(LevelDebug)
	})
	return rootInstance
}

// NewComponentLogger returns the shared application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	r := rootLogger()
	return &fileLogger{
		file:      r.file,
		out:       r.out,
		level:     r.level,
		component: component,
		toStderr:  r.toStderr,
	}
}

// SetLevel sets the minimum level on the shared logger. Component loggers
// created afterwards inherit it.
func SetLevel(level Level) {
	r := rootLogger()
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

func newFileLogger(level Level) *fileLogger {
	l := &fileLogger{level: level, toStderr: true}

	dir := os.Getenv("CARAPACE_DATA_DIR")
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, "carapace-debug.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return l
	}
	l.file = file
	l.out = log.New(file, "", 0)
	return l
}

func (l *fileLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "carapace"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, component, file, line, message)

	if l.out != nil {
		l.out.Print(logLine)
	}
	if l.toStderr {
		fmt.Fprint(os.Stderr, logLine)
	}
}

func (l *fileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
