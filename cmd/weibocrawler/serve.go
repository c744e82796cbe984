package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"weibocrawler/internal/app"
	"weibocrawler/pkg/challenge"
	"weibocrawler/pkg/jobs"
	"weibocrawler/pkg/metrics"
	"weibocrawler/pkg/server"
	"weibocrawler/pkg/ui"
)

var listenAddr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job queue behind an HTTP API",
	Long: `Run crawls on request. POST /refresh queues a crawl of the configured
accounts, or of {"user_id_list": [...]}; GET /task/{id} reports its state.
Stored posts are readable from /weibos when the sqlite sink is enabled.

Verification steps cannot be confirmed on a terminal here: the interactive
mode is replaced by the signal mode, answered through POST /challenge/confirm
or POST /challenge/abort.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addCrawlFlags(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default 127.0.0.1:8000)")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := commandFlags(cmd, args)
	if cmd.Flags().Changed("listen") {
		flags["listen"] = listenAddr
	}
	cfg, log, err := loadConfig(flags)
	if err != nil {
		ui.PrintError("Failed to load configuration", err.Error())
		return err
	}
	if cfg.Challenge.Mode == "" || cfg.Challenge.Mode == "interactive" {
		cfg.Challenge.Mode = "signal"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	engine, err := app.New(ctx, cfg, m, log)
	if err != nil {
		ui.PrintError("Failed to initialize crawler", err.Error())
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.WithError(err).Warn("failed to close sinks")
		}
	}()

	statePath := cfg.Jobs.StateFile
	if statePath == "" {
		if statePath, err = jobs.DefaultStatePath(); err != nil {
			return fmt.Errorf("failed to resolve job state file: %w", err)
		}
	}
	queue, err := jobs.NewQueue(engine.Run, jobs.Options{
		StatePath: statePath,
		Timeout:   cfg.Jobs.Timeout,
		Accounts:  cfg.Accounts.UserIDList,
	}, log)
	if err != nil {
		return err
	}
	defer queue.Close()

	deps := server.Deps{Queue: queue, Metrics: m}
	if engine.SQLite != nil {
		deps.Posts = engine.SQLite
	}
	if sr, ok := engine.Resolver.(*challenge.SignalResolver); ok {
		deps.Challenge = sr
	}
	srv := server.New(server.Options{Addr: cfg.Jobs.Listen}, deps, log)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()
	ui.PrintInfo("Listening", cfg.Jobs.Listen)
	ui.PrintInfo("Job state", statePath)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	return srv.Shutdown(context.Background())
}
