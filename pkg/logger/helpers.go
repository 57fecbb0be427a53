package logger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LogRequest logs one HTTP exchange against an upstream API.
func LogRequest(l Logger, method, url string, statusCode int, duration time.Duration) {
	fields := map[string]interface{}{
		"method":      method,
		"url":         url,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}

	l = OrGlobal(l)
	switch {
	case statusCode >= 500:
		l.WarnWithFields("HTTP request server error", fields)
	case statusCode >= 400:
		l.WarnWithFields("HTTP request client error", fields)
	default:
		l.DebugWithFields("HTTP request completed", fields)
	}
}

// LogPage logs a committed crawl page.
func LogPage(l Logger, kind string, page, admitted, duplicates int, oldest int64) {
	OrGlobal(l).WithFields(map[string]interface{}{
		"kind":       kind,
		"page":       page,
		"admitted":   admitted,
		"duplicates": duplicates,
		"oldest":     time.Unix(oldest, 0).UTC().Format(time.RFC3339),
	}).Info("Page committed")
}

// LogDownload logs the outcome of one media asset.
func LogDownload(l Logger, recordID, destination, status string, err error) {
	entry := OrGlobal(l).WithFields(map[string]interface{}{
		"record_id":   recordID,
		"destination": destination,
		"status":      status,
	})

	switch {
	case err != nil:
		entry.WithError(err).Error("Download failed")
	case status == "downloaded":
		entry.Info("Download completed")
	default:
		entry.Debug("Download skipped")
	}
}

// LogRateLimit logs rate limiting events
func LogRateLimit(l Logger, endpoint string, retryAfter time.Duration) {
	OrGlobal(l).WithFields(map[string]interface{}{
		"endpoint":    endpoint,
		"retry_after": retryAfter,
		"action":      "rate_limited",
	}).Warn("Rate limit reached, backing off")
}

// LogComponentStart logs when a component starts
func LogComponentStart(l Logger, component string, config map[string]interface{}) {
	entry := OrGlobal(l).WithField("component", component)
	if len(config) > 0 {
		entry = entry.WithFields(config)
	}
	entry.Info("Component started")
}

// LogComponentStop logs when a component stops
func LogComponentStop(l Logger, component string, reason string) {
	OrGlobal(l).WithFields(map[string]interface{}{
		"component": component,
		"reason":    reason,
	}).Info("Component stopped")
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger                    { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) FatalWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger {
	z := zerolog.Nop()
	return &z
}
