package logger

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// TestLogger captures log messages for assertions in tests. Derived loggers
// created with WithField/WithError write into the same capture.
type TestLogger struct {
	sink   *capture
	fields map[string]interface{}
	err    error
}

type capture struct {
	mu       sync.Mutex
	messages []LogMessage
}

// LogMessage represents a captured log message
type LogMessage struct {
	Level   string
	Message string
	Fields  map[string]interface{}
	Error   error
}

// NewTestLogger creates a new test logger
func NewTestLogger() *TestLogger {
	return &TestLogger{sink: &capture{}}
}

func (l *TestLogger) log(level, msg string, extra map[string]interface{}) {
	fields := make(map[string]interface{}, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}

	l.sink.mu.Lock()
	l.sink.messages = append(l.sink.messages, LogMessage{
		Level:   level,
		Message: msg,
		Fields:  fields,
		Error:   l.err,
	})
	l.sink.mu.Unlock()
}

func (l *TestLogger) derive(fields map[string]interface{}, err error) *TestLogger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &TestLogger{sink: l.sink, fields: merged, err: err}
}

func (l *TestLogger) Debug(msg string) { l.log("DEBUG", msg, nil) }
func (l *TestLogger) Info(msg string)  { l.log("INFO", msg, nil) }
func (l *TestLogger) Warn(msg string)  { l.log("WARN", msg, nil) }
func (l *TestLogger) Error(msg string) { l.log("ERROR", msg, nil) }
func (l *TestLogger) Fatal(msg string) { l.log("FATAL", msg, nil) }

func (l *TestLogger) DebugWithFields(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

func (l *TestLogger) InfoWithFields(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *TestLogger) WarnWithFields(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *TestLogger) ErrorWithFields(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

func (l *TestLogger) FatalWithFields(msg string, fields map[string]interface{}) {
	l.log("FATAL", msg, fields)
}

func (l *TestLogger) WithField(key string, value interface{}) Logger {
	return l.derive(map[string]interface{}{key: value}, l.err)
}

func (l *TestLogger) WithFields(fields map[string]interface{}) Logger {
	return l.derive(fields, l.err)
}

func (l *TestLogger) WithError(err error) Logger {
	return l.derive(nil, err)
}

func (l *TestLogger) WithContext(ctx context.Context) Logger {
	return l
}

func (l *TestLogger) GetZerolog() *zerolog.Logger {
	z := zerolog.Nop()
	return &z
}

// GetMessages returns all captured log messages
func (l *TestLogger) GetMessages() []LogMessage {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	messages := make([]LogMessage, len(l.sink.messages))
	copy(messages, l.sink.messages)
	return messages
}

// GetMessagesByLevel returns all messages of a specific level
func (l *TestLogger) GetMessagesByLevel(level string) []LogMessage {
	var filtered []LogMessage
	for _, msg := range l.GetMessages() {
		if msg.Level == level {
			filtered = append(filtered, msg)
		}
	}
	return filtered
}

// HasMessage checks if a message containing text was logged
func (l *TestLogger) HasMessage(text string) bool {
	for _, msg := range l.GetMessages() {
		if strings.Contains(msg.Message, text) {
			return true
		}
	}
	return false
}

// HasError checks if an error was logged
func (l *TestLogger) HasError() bool {
	return len(l.GetMessagesByLevel("ERROR")) > 0
}

// Clear clears all captured messages
func (l *TestLogger) Clear() {
	l.sink.mu.Lock()
	l.sink.messages = nil
	l.sink.mu.Unlock()
}
