package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppName names the config, data and cache directories
const AppName = "weibocrawler"

// Config is the immutable run configuration of one crawl
type Config struct {
	Accounts  AccountsConfig  `yaml:"accounts" json:"accounts"`
	Crawl     CrawlConfig     `yaml:"crawl" json:"crawl"`
	Download  DownloadConfig  `yaml:"download" json:"download"`
	Identity  IdentityConfig  `yaml:"identity" json:"identity"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Sinks     SinksConfig     `yaml:"sinks" json:"sinks"`
	Challenge ChallengeConfig `yaml:"challenge" json:"challenge"`
	Jobs      JobsConfig      `yaml:"jobs" json:"jobs"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// AccountsConfig selects the accounts to crawl. UserIDFile takes precedence
// over UserIDList when both are set.
type AccountsConfig struct {
	UserIDList []string `yaml:"user_id_list" json:"user_id_list"`
	UserIDFile string   `yaml:"user_id_file" json:"user_id_file"`
	QueryList  []string `yaml:"query_list" json:"query_list"`
}

// CrawlConfig controls pagination and the incremental boundary
type CrawlConfig struct {
	SinceDate         string `yaml:"since_date" json:"since_date"`
	StartPage         int    `yaml:"start_page" json:"start_page"`
	PageSize          int    `yaml:"page_size" json:"page_size"`
	OnlyCrawlOriginal bool   `yaml:"only_crawl_original" json:"only_crawl_original"`
	RemoveHTMLTag     bool   `yaml:"remove_html_tag" json:"remove_html_tag"`
	AppendMode        bool   `yaml:"append_mode" json:"append_mode"`
	// GuessPinned drops the first post of page 1 in append mode when the
	// server does not mark pinned posts.
	GuessPinned bool `yaml:"guess_pinned" json:"guess_pinned"`
	// FlushEvery flushes the batch to sinks after this many pages, 0 flushes
	// only at the end of the walk.
	FlushEvery int `yaml:"flush_every" json:"flush_every"`
}

// DownloadConfig holds the per-content-class media toggles and social graph caps
type DownloadConfig struct {
	OutputDir           string `yaml:"output_dir" json:"output_dir"`
	OriginalPic         bool   `yaml:"original_pic" json:"original_pic"`
	OriginalVideo       bool   `yaml:"original_video" json:"original_video"`
	OriginalLivePhoto   bool   `yaml:"original_live_photo" json:"original_live_photo"`
	RetweetPic          bool   `yaml:"retweet_pic" json:"retweet_pic"`
	RetweetVideo        bool   `yaml:"retweet_video" json:"retweet_video"`
	RetweetLivePhoto    bool   `yaml:"retweet_live_photo" json:"retweet_live_photo"`
	Comments            bool   `yaml:"comments" json:"comments"`
	CommentMaxCount     int    `yaml:"comment_max_count" json:"comment_max_count"`
	CommentPics         bool   `yaml:"comment_pics" json:"comment_pics"`
	Reposts             bool   `yaml:"reposts" json:"reposts"`
	RepostMaxCount      int    `yaml:"repost_max_count" json:"repost_max_count"`
	StoreBinaryInSQLite bool   `yaml:"store_binary_in_sqlite" json:"store_binary_in_sqlite"`
}

// IdentityConfig describes the client fingerprints the transport rotates through
type IdentityConfig struct {
	Cookie      string      `yaml:"cookie" json:"cookie"`
	UserAgents  []string    `yaml:"user_agents" json:"user_agents"`
	Proxies     []string    `yaml:"proxies" json:"proxies"`
	CheckCookie CheckCookie `yaml:"check_cookie" json:"check_cookie"`
}

// CheckCookie configures the authentication validity probe. HiddenText is the
// prefix of a post only visible to an authenticated session.
type CheckCookie struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	HiddenText string `yaml:"hidden_text" json:"hidden_text"`
	// Pages bounds how many pages may pass before the marker must have been seen.
	Pages int `yaml:"pages" json:"pages"`
}

// TransportConfig holds HTTP and pacing settings
type TransportConfig struct {
	BaseURL           string        `yaml:"base_url" json:"base_url"`
	RequestTimeout    time.Duration `yaml:"request_timeout" json:"request_timeout"`
	DownloadTimeout   time.Duration `yaml:"download_timeout" json:"download_timeout"`
	MaxIdleConns      int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	PaceMin           time.Duration `yaml:"pace_min" json:"pace_min"`
	PaceMax           time.Duration `yaml:"pace_max" json:"pace_max"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	RotateEvery       int           `yaml:"rotate_every" json:"rotate_every"`
	CounterReset      time.Duration `yaml:"counter_reset" json:"counter_reset"`
	OperationTimeout  time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
}

// SinksConfig lists the enabled sinks and their connection settings
type SinksConfig struct {
	WriteMode    []string `yaml:"write_mode" json:"write_mode"`
	PostgresDSN  string   `yaml:"postgres_dsn" json:"postgres_dsn"`
	MongoURI     string   `yaml:"mongo_uri" json:"mongo_uri"`
	MongoDB      string   `yaml:"mongo_database" json:"mongo_database"`
	SQLitePath   string   `yaml:"sqlite_path" json:"sqlite_path"`
	WebhookURL   string   `yaml:"webhook_url" json:"webhook_url"`
	WebhookToken string   `yaml:"webhook_token" json:"webhook_token"`
}

// ChallengeConfig selects how interactive verification steps are resolved
type ChallengeConfig struct {
	// Mode is one of interactive, fail or signal
	Mode          string        `yaml:"mode" json:"mode"`
	SignalTimeout time.Duration `yaml:"signal_timeout" json:"signal_timeout"`
}

// JobsConfig configures the job queue behind the serve command
type JobsConfig struct {
	Listen    string        `yaml:"listen" json:"listen"`
	StateFile string        `yaml:"state_file" json:"state_file"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

// DefaultUserAgents is the identity pool used when none is configured
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Crawl: CrawlConfig{
			SinceDate:     "7",
			StartPage:     1,
			PageSize:      10,
			RemoveHTMLTag: true,
		},
		Download: DownloadConfig{
			OutputDir:       "./weibo",
			CommentMaxCount: 100,
			RepostMaxCount:  100,
		},
		Identity: IdentityConfig{
			UserAgents: append([]string(nil), DefaultUserAgents...),
			CheckCookie: CheckCookie{
				Pages: 1,
			},
		},
		Transport: TransportConfig{
			BaseURL:           "https://m.weibo.cn",
			RequestTimeout:    15 * time.Second,
			DownloadTimeout:   30 * time.Second,
			MaxIdleConns:      10,
			PaceMin:           2 * time.Second,
			PaceMax:           5 * time.Second,
			RequestsPerMinute: 20,
			RotateEvery:       10,
			CounterReset:      30 * time.Minute,
			OperationTimeout:  10 * time.Minute,
		},
		Sinks: SinksConfig{
			WriteMode:  []string{"csv"},
			MongoURI:   "mongodb://localhost:27017",
			MongoDB:    "weibo",
			SQLitePath: "./weibo/weibodata.db",
		},
		Challenge: ChallengeConfig{
			Mode:          "interactive",
			SignalTimeout: 10 * time.Minute,
		},
		Jobs: JobsConfig{
			Listen:  "127.0.0.1:8000",
			Timeout: 2 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadFromEnv loads configuration from WEIBO_* environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	if v := os.Getenv("WEIBO_USER_ID_LIST"); v != "" {
		c.Accounts.UserIDList = splitList(v)
	}
	if v := os.Getenv("WEIBO_USER_ID_FILE"); v != "" {
		c.Accounts.UserIDFile = v
	}
	if v := os.Getenv("WEIBO_QUERY_LIST"); v != "" {
		c.Accounts.QueryList = splitList(v)
	}
	if v := os.Getenv("WEIBO_SINCE_DATE"); v != "" {
		c.Crawl.SinceDate = v
	}
	if v := os.Getenv("WEIBO_COOKIE"); v != "" {
		c.Identity.Cookie = v
	}
	if v := os.Getenv("WEIBO_PROXIES"); v != "" {
		c.Identity.Proxies = splitList(v)
	}
	if v := os.Getenv("WEIBO_WRITE_MODE"); v != "" {
		c.Sinks.WriteMode = splitList(v)
	}
	if v := os.Getenv("WEIBO_POSTGRES_DSN"); v != "" {
		c.Sinks.PostgresDSN = v
	}
	if v := os.Getenv("WEIBO_MONGO_URI"); v != "" {
		c.Sinks.MongoURI = v
	}
	if v := os.Getenv("WEIBO_WEBHOOK_URL"); v != "" {
		c.Sinks.WebhookURL = v
	}
	if v := os.Getenv("WEIBO_WEBHOOK_TOKEN"); v != "" {
		c.Sinks.WebhookToken = v
	}
	if v := os.Getenv("WEIBO_OUTPUT_DIR"); v != "" {
		c.Download.OutputDir = v
	}
	if v := os.Getenv("WEIBO_CHALLENGE_MODE"); v != "" {
		c.Challenge.Mode = v
	}
	if v := os.Getenv("WEIBO_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WEIBO_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WEIBO_PAGE_SIZE: %w", err))
		} else {
			c.Crawl.PageSize = n
		}
	}
	if v := os.Getenv("WEIBO_APPEND_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WEIBO_APPEND_MODE: %w", err))
		} else {
			c.Crawl.AppendMode = b
		}
	}

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func findConfigFile() string {
	locations := []string{
		AppName + ".yaml",
		"." + AppName + ".yaml",
		filepath.Join(xdg.ConfigHome, AppName, "config.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// DataDir returns the per-user data directory for cursors and job state
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// Validate checks the configuration and reports every violation at once
func (c *Config) Validate() error {
	var errs []error

	if len(c.Accounts.UserIDList) == 0 && c.Accounts.UserIDFile == "" {
		errs = append(errs, errors.New("either accounts.user_id_list or accounts.user_id_file is required"))
	}
	for _, uid := range c.Accounts.UserIDList {
		if !isDigits(uid) {
			errs = append(errs, fmt.Errorf("account id %q must be numeric", uid))
		}
	}

	if _, err := ParseSinceDate(c.Crawl.SinceDate, time.Now()); err != nil {
		errs = append(errs, err)
	}
	if c.Crawl.StartPage < 1 {
		errs = append(errs, errors.New("crawl.start_page must be at least 1"))
	}
	if c.Crawl.PageSize <= 0 {
		errs = append(errs, errors.New("crawl.page_size must be positive"))
	}
	if c.Crawl.FlushEvery < 0 {
		errs = append(errs, errors.New("crawl.flush_every cannot be negative"))
	}

	if c.Download.CommentMaxCount < 0 {
		errs = append(errs, errors.New("download.comment_max_count cannot be negative"))
	}
	if c.Download.RepostMaxCount < 0 {
		errs = append(errs, errors.New("download.repost_max_count cannot be negative"))
	}
	if c.Download.OutputDir == "" {
		errs = append(errs, errors.New("download.output_dir is required"))
	}

	for _, p := range c.Identity.Proxies {
		u, err := url.Parse(p)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid proxy %q", p))
			continue
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			errs = append(errs, fmt.Errorf("unsupported proxy scheme %q", u.Scheme))
		}
	}
	if c.Identity.CheckCookie.Enabled && c.Identity.CheckCookie.HiddenText == "" {
		errs = append(errs, errors.New("identity.check_cookie.hidden_text is required when the check is enabled"))
	}

	if c.Transport.RequestTimeout <= 0 || c.Transport.DownloadTimeout <= 0 {
		errs = append(errs, errors.New("transport timeouts must be positive"))
	}
	if c.Transport.PaceMax < c.Transport.PaceMin {
		errs = append(errs, errors.New("transport.pace_max must not be below pace_min"))
	}
	if c.Transport.RotateEvery < 0 {
		errs = append(errs, errors.New("transport.rotate_every cannot be negative"))
	}

	modes, err := NormalizeWriteModes(c.Sinks.WriteMode)
	if err != nil {
		errs = append(errs, err)
	}
	for _, m := range modes {
		switch m {
		case ModePostgres:
			if c.Sinks.PostgresDSN == "" {
				errs = append(errs, errors.New("sinks.postgres_dsn is required for the postgres sink"))
			}
		case ModeMongo:
			if c.Sinks.MongoURI == "" {
				errs = append(errs, errors.New("sinks.mongo_uri is required for the mongo sink"))
			}
		case ModeWebhook:
			if c.Sinks.WebhookURL == "" {
				errs = append(errs, errors.New("sinks.webhook_url is required for the post sink"))
			}
		case ModeSQLite:
			if c.Sinks.SQLitePath == "" {
				errs = append(errs, errors.New("sinks.sqlite_path is required for the sqlite sink"))
			}
		}
	}
	if c.Download.StoreBinaryInSQLite && !containsMode(modes, ModeSQLite) {
		errs = append(errs, errors.New("download.store_binary_in_sqlite requires the sqlite sink"))
	}

	switch strings.ToLower(c.Challenge.Mode) {
	case "interactive", "fail", "signal":
	default:
		errs = append(errs, fmt.Errorf("invalid challenge mode %q", c.Challenge.Mode))
	}

	if _, ok := validLogLevels[strings.ToLower(c.Logging.Level)]; !ok {
		errs = append(errs, errors.New("invalid log level"))
	}

	return errors.Join(errs...)
}

var validLogLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// the file may carry a session cookie
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags applies flags that were explicitly set on the command line
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["user-id"].([]string); ok && len(v) > 0 {
		c.Accounts.UserIDList = v
	}
	if v, ok := flags["user-id-file"].(string); ok && v != "" {
		c.Accounts.UserIDFile = v
	}
	if v, ok := flags["query"].([]string); ok && len(v) > 0 {
		c.Accounts.QueryList = v
	}
	if v, ok := flags["since"].(string); ok && v != "" {
		c.Crawl.SinceDate = v
	}
	if v, ok := flags["append"].(bool); ok {
		c.Crawl.AppendMode = v
	}
	if v, ok := flags["write-mode"].([]string); ok && len(v) > 0 {
		c.Sinks.WriteMode = v
	}
	if v, ok := flags["output"].(string); ok && v != "" {
		c.Download.OutputDir = v
	}
	if v, ok := flags["cookie"].(string); ok && v != "" {
		c.Identity.Cookie = v
	}
	if v, ok := flags["challenge"].(string); ok && v != "" {
		c.Challenge.Mode = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := flags["listen"].(string); ok && v != "" {
		c.Jobs.Listen = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(xdg.ConfigHome, AppName, ".env"))

	cfg := DefaultConfig()

	if err := cfg.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.MergeCommandLineFlags(flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}
