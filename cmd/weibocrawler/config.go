package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"weibocrawler/pkg/config"
	"weibocrawler/pkg/ui"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage weibocrawler configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (WEIBO_*)
  - .env files
  - Configuration file
  - Default values (lowest priority)`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every default value",
	RunE:  runConfigInit,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration with secrets masked",
	RunE:  runConfigShow,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(validateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = config.AppName + ".yaml"
	}
	if _, err := os.Stat(path); err == nil {
		ui.PrintError("Configuration file already exists", path)
		return fmt.Errorf("%s already exists", path)
	}

	cfg := config.DefaultConfig()
	cfg.Accounts.UserIDList = []string{"1669879400"}
	if err := cfg.Save(path); err != nil {
		ui.PrintError("Failed to create configuration file", err.Error())
		return err
	}

	ui.PrintSuccess("Configuration file created: " + path)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Edit the account list and paste your session cookie")
	fmt.Println("2. Run 'weibocrawler config validate' to check the configuration")
	fmt.Println("3. Start crawling with 'weibocrawler crawl'")
	return nil
}

// mask keeps the ends of a secret
func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > 8 {
		return s[:4] + "..." + s[len(s)-4:]
	}
	return "***"
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		ui.PrintError("Failed to load configuration", err.Error())
		return err
	}

	display := *cfg
	display.Identity.Cookie = mask(cfg.Identity.Cookie)
	display.Sinks.PostgresDSN = mask(cfg.Sinks.PostgresDSN)
	display.Sinks.WebhookToken = mask(cfg.Sinks.WebhookToken)

	data, err := yaml.Marshal(&display)
	if err != nil {
		ui.PrintError("Failed to format configuration", err.Error())
		return err
	}

	ui.PrintHighlight("Current Configuration")
	fmt.Println()
	fmt.Print(string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		ui.PrintError("Configuration validation failed", err.Error())
		return err
	}

	var warnings []string
	if cfg.Identity.Cookie == "" {
		warnings = append(warnings, "no cookie configured, comments fall back to the page based endpoint")
	}
	if cfg.Identity.CheckCookie.Enabled && cfg.Identity.CheckCookie.HiddenText == "" {
		warnings = append(warnings, "check_cookie is enabled without hidden_text")
	}
	if len(warnings) > 0 {
		ui.PrintWarning("Configuration warnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
		fmt.Println()
	}

	ui.PrintSuccess("Configuration is valid")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Accounts: %d listed, file %q\n", len(cfg.Accounts.UserIDList), cfg.Accounts.UserIDFile)
	fmt.Printf("  Since: %s\n", cfg.Crawl.SinceDate)
	fmt.Printf("  Sinks: %v\n", cfg.Sinks.WriteMode)
	fmt.Printf("  Output directory: %s\n", cfg.Download.OutputDir)
	fmt.Printf("  Challenge mode: %s\n", cfg.Challenge.Mode)
	fmt.Printf("  Log level: %s\n", cfg.Logging.Level)
	return nil
}
