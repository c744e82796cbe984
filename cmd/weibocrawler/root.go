package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"weibocrawler/pkg/config"
	"weibocrawler/pkg/logger"
	"weibocrawler/pkg/ui"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
	noColor    bool
	quiet      bool
	verbose    bool

	// Crawl flags shared by crawl and serve
	userIDs    []string
	userIDFile string
	queries    []string
	sinceDate  string
	appendMode bool
	writeModes []string
	outputDir  string
	cookie     string
	challengeM string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName + " [user_id...]",
	Short: "Crawl Weibo timelines with their comments, reposts and media",
	Long: `weibocrawler walks the public timelines of Weibo accounts and stores every
post, its comments, reposts and media through the configured sinks.

Features:
  - Incremental crawls that stop at the newest post of the previous run
  - Paced requests with identity rotation and per class retry budgets
  - Human in the loop verification steps
  - csv, json, postgres, mongo, sqlite and webhook sinks
  - A job queue with an HTTP API (serve)`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	Args:    cobra.ArbitraryArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.SetNoColor(noColor)
		if quiet {
			ui.SetQuiet(true)
		}
		if cmd.Name() != "version" && cmd.Name() != "help" {
			ui.PrintLogo()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !cmd.Flags().Changed("user-id") && !cmd.Flags().Changed("user-id-file") {
			return cmd.Help()
		}
		return runCrawl(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./weibocrawler.yaml or $XDG_CONFIG_HOME/weibocrawler/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print every progress event on its own line")

	addCrawlFlags(rootCmd)

	rootCmd.SetVersionTemplate(`weibocrawler {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func addCrawlFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&userIDs, "user-id", "u", nil, "account ids to crawl")
	cmd.Flags().StringVar(&userIDFile, "user-id-file", "", "account file, one \"uid [name [since [q1,q2]]]\" per line")
	cmd.Flags().StringSliceVar(&queries, "query", nil, "search within each account instead of walking its whole timeline")
	cmd.Flags().StringVar(&sinceDate, "since", "", "oldest post to keep: days back, YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS")
	cmd.Flags().BoolVar(&appendMode, "append", false, "stop at the newest post of the previous run")
	cmd.Flags().StringSliceVarP(&writeModes, "write-mode", "w", nil, "sinks: csv, json, postgres, mongo, sqlite, post")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory for files and media")
	cmd.Flags().StringVar(&cookie, "cookie", "", "session cookie sent with every request")
	cmd.Flags().StringVar(&challengeM, "challenge", "", "verification handling: interactive, fail or signal")
}

// commandFlags collects the flags explicitly set on cmd. Positional
// arguments are account ids.
func commandFlags(cmd *cobra.Command, args []string) map[string]interface{} {
	flags := make(map[string]interface{})
	ids := append(append([]string(nil), userIDs...), args...)
	if len(ids) > 0 {
		flags["user-id"] = ids
	}
	set := func(name string, v interface{}) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			flags[name] = v
		}
	}
	set("user-id-file", userIDFile)
	set("query", queries)
	set("since", sinceDate)
	set("append", appendMode)
	set("write-mode", writeModes)
	set("output", outputDir)
	set("cookie", cookie)
	set("challenge", challengeM)
	if logLevel != "" {
		flags["log-level"] = logLevel
	}
	return flags
}

// loadConfig loads the configuration and initializes the global logger
func loadConfig(flags map[string]interface{}) (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, nil, err
	}
	if quiet {
		cfg.Logging.Level = "error"
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger.GetLogger(), nil
}
