// Package logging provides leveled console logging for the transport stack.
// Output is a traditional line format: LEVEL TIMESTAMP [component] message key=value ...
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Logger provides structured logging to a writer (default: stdout).
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	agentID   string
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		agentID:   l.agentID,
	}
}

// WithAgentID returns a new logger tagged with an agent identity.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		agentID:   agentID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry.
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.agentID != "" {
		fieldStr = " agent=" + l.agentID + fieldStr
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Transport event helpers ---
// Called by the factory, dispatcher and messenger so the significant
// lifecycle events have a consistent shape in the logs.

// Downgrade logs a switch from the realtime to the fallback transport.
func (l *Logger) Downgrade(identity, reason string) {
	l.Warn("transport_downgrade", map[string]interface{}{
		"identity": identity,
		"reason":   reason,
	})
}

// Reconnected logs a successful return to the realtime transport.
func (l *Logger) Reconnected(identity string, degradedFor time.Duration) {
	l.Info("transport_reconnected", map[string]interface{}{
		"identity":     identity,
		"degraded_for": degradedFor.String(),
	})
}

// SendFailed logs a send that exhausted every delivery path.
func (l *Logger) SendFailed(identity, topic, msgID string, err error) {
	l.Error("send_failed", map[string]interface{}{
		"identity": identity,
		"topic":    topic,
		"msg_id":   msgID,
		"error":    err.Error(),
	})
}

// DroppedDuplicate logs a message absorbed by the dedup check.
func (l *Logger) DroppedDuplicate(topic, msgID string) {
	l.Debug("dropped_duplicate", map[string]interface{}{
		"topic":  topic,
		"msg_id": msgID,
	})
}

// CallbackError logs a subscriber callback failure. Callback failures
// never propagate to the receive loop.
func (l *Logger) CallbackError(topic, msgID string, err error) {
	l.Error("callback_error", map[string]interface{}{
		"topic":  topic,
		"msg_id": msgID,
		"error":  err.Error(),
	})
}
