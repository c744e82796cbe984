// Package app assembles the crawl engine from the configuration. Both the
// crawl and serve commands build their runners through an Engine.
package app

import (
	"context"
	"errors"
	"fmt"

	"weibocrawler/internal/downloader"
	"weibocrawler/pkg/challenge"
	"weibocrawler/pkg/checkpoint"
	"weibocrawler/pkg/config"
	"weibocrawler/pkg/crawler"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/metrics"
	"weibocrawler/pkg/retry"
	"weibocrawler/pkg/runner"
	"weibocrawler/pkg/sink"
	"weibocrawler/pkg/social"
	"weibocrawler/pkg/storage"
	"weibocrawler/pkg/transport"
	"weibocrawler/pkg/weibo"
)

// Engine holds the long lived collaborators of crawl runs
type Engine struct {
	cfg      *config.Config
	log      logger.Logger
	Metrics  *metrics.Collector
	HTTP     *transport.Client
	API      *weibo.Client
	Resolver challenge.Resolver
	Sinks    *sink.Fanout
	// SQLite is the embedded database when enabled, nil otherwise
	SQLite  *sink.SQLite
	Cursors *checkpoint.Manager

	parser *weibo.Parser
	social *social.Fetcher
	media  *downloader.Manager
}

// New wires an engine. A nil collector disables metrics.
func New(ctx context.Context, cfg *config.Config, m *metrics.Collector, log logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	resolver, err := challenge.FromConfig(cfg.Challenge, log)
	if err != nil {
		return nil, err
	}
	httpClient, err := transport.NewFromConfig(cfg, m, log)
	if err != nil {
		return nil, err
	}
	api := weibo.NewClient(httpClient, retry.PagePolicy(cfg.Transport.OperationTimeout), resolver, m, log)

	store, err := storage.NewManager(cfg.Download.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare output directory: %w", err)
	}
	opened, err := sink.Open(ctx, cfg, store, log)
	if err != nil {
		return nil, err
	}
	fanout := sink.NewFanout(opened.Sinks, m, log)

	cursors, err := checkpoint.NewManager("")
	if err != nil {
		_ = fanout.Close()
		return nil, err
	}

	pacer := httpClient.Pacer()
	socialOpts := social.DefaultOptions()
	socialOpts.CommentMax = cfg.Download.CommentMaxCount
	socialOpts.RepostMax = cfg.Download.RepostMaxCount
	socialOpts.RemoveHTML = cfg.Crawl.RemoveHTMLTag

	dl := downloader.New(httpClient, retry.MediaPolicy(cfg.Transport.OperationTimeout), m, log)
	if opened.SQLite != nil && cfg.Download.StoreBinaryInSQLite {
		dl.SetBinStore(opened.SQLite)
	}

	return &Engine{
		cfg:      cfg,
		log:      log,
		Metrics:  m,
		HTTP:     httpClient,
		API:      api,
		Resolver: resolver,
		Sinks:    fanout,
		SQLite:   opened.SQLite,
		Cursors:  cursors,
		parser:   &weibo.Parser{RemoveHTML: cfg.Crawl.RemoveHTMLTag, Detail: api, Logger: log},
		social:   social.New(api, pacer, socialOpts, log),
		media: downloader.NewManager(dl, downloader.TogglesFrom(cfg.Download), pacer,
			downloader.DefaultManagerOptions(), log),
	}, nil
}

// Runner builds a runner publishing its progress on events, which may be nil
func (e *Engine) Runner(events chan<- crawler.Event) *runner.Runner {
	return runner.New(runner.OptionsFrom(e.cfg), runner.Deps{
		Profiles: e.API,
		Pages:    e.API,
		Parser:   e.parser,
		Social:   e.social,
		Media:    e.media,
		Sinks:    e.Sinks,
		Cursors:  e.Cursors,
		Pauser:   e.HTTP.Pacer(),
		Rotate:   e.HTTP.RotateIdentity,
		Metrics:  e.Metrics,
	}, crawler.NewEmitter(events), e.log)
}

// Accounts resolves the accounts of a run. A non empty override replaces the
// configured list.
func (e *Engine) Accounts(override []string) ([]config.Account, error) {
	if len(override) == 0 {
		return e.cfg.Targets()
	}
	out := make([]config.Account, 0, len(override))
	for _, id := range override {
		out = append(out, config.Account{ID: id})
	}
	return out, nil
}

// Run crawls the given accounts, or the configured ones when none are given.
// It matches the job queue's run signature.
func (e *Engine) Run(ctx context.Context, accounts []string, events chan<- crawler.Event) error {
	targets, err := e.Accounts(accounts)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("no accounts to crawl")
	}
	report, err := e.Runner(events).Run(ctx, targets)
	if err != nil {
		return err
	}
	if report.Failed == len(targets) {
		return fmt.Errorf("all %d accounts failed", report.Failed)
	}
	return nil
}

// Close releases the sinks and idle connections
func (e *Engine) Close() error {
	e.HTTP.Close()
	return e.Sinks.Close()
}
