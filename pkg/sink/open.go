package sink

import (
	"context"
	"errors"
	"fmt"

	"weibocrawler/pkg/config"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/storage"
)

// Opened is the set of sinks built from the configuration. SQLite is set when
// the embedded database is enabled, it also serves the media cache and the
// read API.
type Opened struct {
	Sinks  []Sink
	SQLite *SQLite
}

// Open builds every sink named by the write modes of cfg. Any sink that
// cannot be opened fails the whole call and closes those already opened.
func Open(ctx context.Context, cfg *config.Config, store *storage.Manager, log logger.Logger) (*Opened, error) {
	modes, err := config.NormalizeWriteModes(cfg.Sinks.WriteMode)
	if err != nil {
		return nil, err
	}
	out := &Opened{}
	var failures []error
	for _, mode := range modes {
		var s Sink
		switch mode {
		case config.ModeCSV:
			s = NewCSV(store, cfg.Crawl.OnlyCrawlOriginal)
		case config.ModeJSON:
			s = NewJSON(store)
		case config.ModePostgres:
			s, err = NewPostgres(ctx, cfg.Sinks.PostgresDSN)
		case config.ModeMongo:
			s, err = NewMongo(ctx, cfg.Sinks.MongoURI, cfg.Sinks.MongoDB)
		case config.ModeSQLite:
			var db *SQLite
			db, err = NewSQLite(cfg.Sinks.SQLitePath)
			if err == nil {
				out.SQLite = db
				s = db
			}
		case config.ModeWebhook:
			s = NewWebhook(cfg.Sinks.WebhookURL, cfg.Sinks.WebhookToken, log)
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("%s sink: %w", mode, err))
			err = nil
			continue
		}
		out.Sinks = append(out.Sinks, s)
	}
	if len(failures) > 0 {
		for _, s := range out.Sinks {
			_ = s.Close()
		}
		return nil, errors.Join(failures...)
	}
	return out, nil
}
