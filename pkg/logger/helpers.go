package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LogFetch logs one remote API call
func LogFetch(l Logger, endpoint string, statusCode int, duration time.Duration) {
	fields := map[string]interface{}{
		"endpoint":    endpoint,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		l.DebugWithFields("fetch completed", fields)
	case statusCode >= 500:
		l.ErrorWithFields("fetch server error", fields)
	default:
		l.WarnWithFields("fetch rejected", fields)
	}
}

// LogBackoff logs a retry decision taken by the resilience policy
func LogBackoff(l Logger, operation, class string, attempt int, delay time.Duration) {
	l.WarnWithFields("backing off", map[string]interface{}{
		"operation": operation,
		"class":     class,
		"attempt":   attempt,
		"delay":     delay.Round(time.Millisecond).String(),
	})
}

// LogDownload logs the outcome of one media download
func LogDownload(l Logger, postID, url string, success bool, err error) {
	entry := l.WithFields(map[string]interface{}{
		"post_id": postID,
		"url":     url,
		"success": success,
	})

	switch {
	case err != nil:
		entry.WithError(err).Error("download failed")
	case success:
		entry.Debug("download completed")
	default:
		entry.Warn("download skipped")
	}
}

// LogCrawlProgress logs page-walk progress for one account
func LogCrawlProgress(l Logger, account string, page, pageCount, fetched int) {
	percentage := 0.0
	if pageCount > 0 {
		percentage = float64(page) / float64(pageCount) * 100
	}

	l.WithFields(map[string]interface{}{
		"account":    account,
		"page":       page,
		"page_count": pageCount,
		"fetched":    fetched,
		"percentage": fmt.Sprintf("%.1f%%", percentage),
	}).Info("crawl progress")
}

// NewNopLogger creates a logger that discards everything
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
	l := zerolog.Nop()
	return &l
}
