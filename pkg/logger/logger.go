// Package logger is the process-wide component logger. Every call names the
// component it logs for and may carry structured fields, e.g.
//
//	logger.InfoCF("memory", "Store opened", map[string]any{"backend": "sqlite"})
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kataras/golog"
)

type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
	FATAL: "fatal",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLevel maps a level name to a LogLevel, defaulting to INFO.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

var (
	current atomic.Int32
	base    *golog.Logger
	mu      sync.Mutex
)

func init() {
	base = golog.New()
	base.SetTimeFormat("2006-01-02 15:04:05")
	base.SetOutput(os.Stderr)
	SetLevel(INFO)
}

// SetLevel changes the minimum level for all components.
func SetLevel(level LogLevel) {
	current.Store(int32(level))
	mu.Lock()
	defer mu.Unlock()
	base.SetLevel(level.String())
}

func GetLevel() LogLevel {
	return LogLevel(current.Load())
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base.SetOutput(w)
}

func enabled(level LogLevel) bool {
	return level >= GetLevel()
}

func format(component, message string, fields map[string]any) string {
	var b strings.Builder
	if component != "" {
		b.WriteString("[")
		b.WriteString(component)
		b.WriteString("] ")
	}
	b.WriteString(message)
	if len(fields) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func logMessage(level LogLevel, component, message string, fields map[string]any) {
	if !enabled(level) {
		return
	}
	line := format(component, message, fields)

	mu.Lock()
	defer mu.Unlock()
	switch level {
	case DEBUG:
		base.Debug(line)
	case INFO:
		base.Info(line)
	case WARN:
		base.Warn(line)
	case ERROR:
		base.Error(line)
	case FATAL:
		base.Error(line)
	}
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }

func DebugF(message string, fields map[string]any) { logMessage(DEBUG, "", message, fields) }

func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) { logMessage(INFO, "", message, nil) }

func InfoC(component, message string) { logMessage(INFO, component, message, nil) }

func InfoF(message string, fields map[string]any) { logMessage(INFO, "", message, fields) }

func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) { logMessage(WARN, "", message, nil) }

func WarnC(component, message string) { logMessage(WARN, component, message, nil) }

func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) { logMessage(ERROR, "", message, nil) }

func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

// FatalCF logs and exits the process.
func FatalCF(component, message string, fields map[string]any) {
	logMessage(FATAL, component, message, fields)
	os.Exit(1)
}
