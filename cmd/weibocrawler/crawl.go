package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"weibocrawler/internal/app"
	"weibocrawler/pkg/crawler"
	errs "weibocrawler/pkg/errors"
	"weibocrawler/pkg/metrics"
	"weibocrawler/pkg/ui"
)

// crawlCmd represents the crawl command
var crawlCmd = &cobra.Command{
	Use:   "crawl [user_id...]",
	Short: "Crawl the configured accounts once",
	Long: `Crawl every configured account once: profile, timeline pages, comments,
reposts and media, persisted through every configured sink.

Accounts come from positional arguments, --user-id, --user-id-file or the
configuration file. In append mode each account stops at the newest post of
its previous run.`,
	Example: `  # Crawl two accounts for the last 30 days into csv and sqlite
  weibocrawler crawl 1669879400 1223178222 --since 30 -w csv,sqlite

  # Incremental crawl of an account file
  weibocrawler crawl --user-id-file accounts.txt --append

  # Search within an account
  weibocrawler crawl 1669879400 --query 春游,夏天`,
	Args: cobra.ArbitraryArgs,
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)
	addCrawlFlags(crawlCmd)
}

func runCrawl(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(commandFlags(cmd, args))
	if err != nil {
		ui.PrintError("Failed to load configuration", err.Error())
		return err
	}
	log.WithField("version", version).Info("weibocrawler starting")

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

	accounts, err := engine.Accounts(nil)
	if err != nil {
		ui.PrintError("Failed to read accounts", err.Error())
		return err
	}
	ui.PrintInfo("Accounts", fmt.Sprintf("%d", len(accounts)))
	ui.PrintInfo("Sinks", fmt.Sprintf("%v", cfg.Sinks.WriteMode))

	events := make(chan crawler.Event, 64)
	progress := ui.NewProgress(os.Stdout, verbose)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		if quiet {
			for range events {
			}
			return
		}
		progress.Consume(events)
	}()

	report, err := engine.Runner(events).Run(ctx, accounts)
	close(events)
	<-rendered
	if !quiet {
		progress.Complete()
	}

	switch {
	case errors.Is(err, context.Canceled):
		ui.PrintWarning("Crawl interrupted")
		return err
	case errs.Is(err, errs.ErrorTypeAuthInvalid):
		ui.PrintError("Cookie is invalid", "the check_cookie marker post was not found")
		return err
	case err != nil:
		log.WithError(err).Error("crawl aborted")
		ui.PrintError("CRAWL ABORTED", err.Error())
		return err
	}

	for _, res := range report.Accounts {
		if res.Err != nil {
			ui.PrintWarning("Account failed", fmt.Sprintf("%s: %v", res.UserID, res.Err))
		}
	}
	if report.Failed > 0 {
		ui.PrintWarning(fmt.Sprintf("%d of %d accounts failed", report.Failed, len(report.Accounts)))
		return nil
	}
	ui.PrintSuccess("Crawl completed")
	return nil
}
