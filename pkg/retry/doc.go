// Package retry provides bounded exponential backoff for transient failures
// of archive listing calls, media lookups and media downloads.
//
// Only errors classified as transient by pkg/errors are retried. A server
// supplied Retry-After delay replaces the computed backoff for that attempt.
// When the attempts run out the last error is escalated to a fatal one.
//
// Basic usage:
//
//	cfg := &retry.Config{
//		MaxAttempts: 6,
//		Backoff:     retry.DefaultExponentialBackoff(),
//		Context:     ctx,
//		Logger:      logger.GetLogger(),
//	}
//	err := retry.Do(func() error {
//		return fetchPage(ctx)
//	}, cfg)
package retry
