// Package logger provides the structured logging interface used across the
// crawler.
//
// It wraps zerolog and offers:
//   - leveled logging (Debug, Info, Warn, Error, Fatal)
//   - bound fields via WithField/WithFields/WithError
//   - a colored console writer, or JSON lines when logging.format is "json"
//   - optional JSON file output next to the console
//   - a process-global logger (Initialize, GetLogger)
//
// Basic usage:
//
//	if err := logger.Initialize(&cfg.Logging); err != nil {
//		return err
//	}
//	log := logger.GetLogger().WithField("account", uid)
//	log.InfoWithFields("page fetched", map[string]interface{}{"page": 3})
//
// Tests use NewNopLogger to silence output or NewTestLogger to assert on
// captured messages.
package logger
