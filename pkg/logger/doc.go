// Package logger provides structured logging for subharvest on top of zerolog.
//
// Console output goes to stderr so that command summaries on stdout stay
// clean. When a log file is configured every line is also written to it as
// JSON.
//
// Components take a Logger in their constructor; nil means the global
// logger set up by Initialize.
//
//	err := logger.Initialize(&cfg.Logging)
//	log := logger.GetLogger().WithField("component", "crawler")
//	log.InfoWithFields("page committed", map[string]interface{}{
//	    "page":     3,
//	    "admitted": 97,
//	})
package logger
