package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSinceDays   = 30
	defaultMaxAttempts = 3
	defaultPortalHost  = "mygiftcardsplus.com"
	defaultWebAddr     = "127.0.0.1:8787"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Inbox       InboxConfig   `yaml:"inbox"`
	Extract     ExtractConfig `yaml:"extract"`
	Browser     BrowserConfig `yaml:"browser"`
	Notify      NotifyConfig  `yaml:"notify,omitempty"`
	Web         WebConfig     `yaml:"web,omitempty"`
	HistoryPath string        `yaml:"history_path,omitempty"`
}

// InboxConfig holds IMAP settings for the mailbox holding gift card emails
type InboxConfig struct {
	Provider      string `yaml:"provider"`       // "gmail", "outlook", "imap"
	Server        string `yaml:"server"`         // e.g., "imap.gmail.com"
	Port          int    `yaml:"port"`           // e.g., 993
	Email         string `yaml:"email"`          // Mailbox login, also the address typed into e-mail challenges
	Password      string `yaml:"password"`       // App password (not main password)
	Folder        string `yaml:"folder"`         // Folder to search (default: "INBOX")
	AutoArchive   bool   `yaml:"auto_archive"`   // Move messages that produced a card to ArchiveFolder
	ArchiveFolder string `yaml:"archive_folder"` // default: "Gift Cards"
}

// ExtractConfig is the batch configuration for one run
type ExtractConfig struct {
	NoPIN               bool                       `yaml:"no_pin"`     // cards in this batch carry no PIN
	FromEmail           string                     `yaml:"from_email"` // sender filter
	Merchant            string                     `yaml:"merchant,omitempty"`
	SinceDays           int                        `yaml:"since_days"`
	Screenshots         bool                       `yaml:"screenshots"`
	ScreenshotDir       string                     `yaml:"screenshot_dir,omitempty"`
	OutputDir           string                     `yaml:"output_dir,omitempty"`
	SkipProcessed       bool                       `yaml:"skip_processed"`
	MaxAttempts         int                        `yaml:"max_attempts"`
	EmbeddedURLPatterns []string                   `yaml:"embedded_url_patterns,omitempty"`
	PortalHosts         []string                   `yaml:"portal_hosts,omitempty"`
	PortalPostLogin     string                     `yaml:"portal_post_login,omitempty"`
	ExtraLocators       map[string][]LocatorConfig `yaml:"extra_locators,omitempty"` // keyed by field: brand, number, amount, pin, barcode
}

// ExpectPIN reports whether a missing PIN fails a link
func (e ExtractConfig) ExpectPIN() bool { return !e.NoPIN }

// LocatorConfig is a user-supplied locator strategy
type LocatorConfig struct {
	By    string `yaml:"by"` // id, tag, css, xpath, link-text
	Value string `yaml:"value"`
	Attr  string `yaml:"attr,omitempty"`
}

// BrowserConfig holds browser and wait settings
type BrowserConfig struct {
	Headless        bool   `yaml:"headless"`
	TimeoutSec      int    `yaml:"timeout_sec"`
	ChromePath      string `yaml:"chrome_path,omitempty"`
	UserAgent       string `yaml:"user_agent,omitempty"`
	WindowWidth     int    `yaml:"window_width,omitempty"`
	WindowHeight    int    `yaml:"window_height,omitempty"`
	DetectWaitMs    int    `yaml:"detect_wait_ms"`
	ClickableWaitMs int    `yaml:"clickable_wait_ms"`
	HumanWaitSec    int    `yaml:"human_wait_sec"`
	SettleMs        int    `yaml:"settle_ms"`
}

func (b BrowserConfig) Timeout() time.Duration       { return time.Duration(b.TimeoutSec) * time.Second }
func (b BrowserConfig) DetectWait() time.Duration    { return time.Duration(b.DetectWaitMs) * time.Millisecond }
func (b BrowserConfig) ClickableWait() time.Duration { return time.Duration(b.ClickableWaitMs) * time.Millisecond }
func (b BrowserConfig) HumanWait() time.Duration     { return time.Duration(b.HumanWaitSec) * time.Second }
func (b BrowserConfig) Settle() time.Duration        { return time.Duration(b.SettleMs) * time.Millisecond }

// NotifyConfig enables the end-of-run report e-mail
type NotifyConfig struct {
	Enabled bool       `yaml:"enabled"`
	From    string     `yaml:"from"`
	To      string     `yaml:"to"`
	SMTP    SMTPConfig `yaml:"smtp,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

type WebConfig struct {
	Addr string `yaml:"addr"`
}

// Dir returns the per-user state directory
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".egcx"
	}
	return filepath.Join(home, ".egcx")
}

func DefaultConfigPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	// Inbox defaults
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Inbox.ArchiveFolder == "" {
		c.Inbox.ArchiveFolder = "Gift Cards"
	}
	if c.Inbox.Provider == "gmail" && c.Inbox.Server == "" {
		c.Inbox.Server = "imap.gmail.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Provider == "outlook" && c.Inbox.Server == "" {
		c.Inbox.Server = "outlook.office365.com"
		c.Inbox.Port = 993
	}

	// Extraction defaults
	if c.Extract.SinceDays == 0 {
		c.Extract.SinceDays = defaultSinceDays
	}
	if c.Extract.MaxAttempts == 0 {
		c.Extract.MaxAttempts = defaultMaxAttempts
	}
	if len(c.Extract.PortalHosts) == 0 {
		c.Extract.PortalHosts = []string{defaultPortalHost}
	}
	if c.Extract.ScreenshotDir == "" {
		c.Extract.ScreenshotDir = filepath.Join(Dir(), "screenshots")
	}
	if c.Extract.OutputDir == "" {
		c.Extract.OutputDir = "."
	}

	// Browser defaults
	if c.Browser.TimeoutSec == 0 {
		c.Browser.TimeoutSec = 30
	}
	if c.Browser.DetectWaitMs == 0 {
		c.Browser.DetectWaitMs = 5000
	}
	if c.Browser.ClickableWaitMs == 0 {
		c.Browser.ClickableWaitMs = 10000
	}
	if c.Browser.HumanWaitSec == 0 {
		c.Browser.HumanWaitSec = 60
	}
	if c.Browser.SettleMs == 0 {
		c.Browser.SettleMs = 1000
	}

	if c.Web.Addr == "" {
		c.Web.Addr = defaultWebAddr
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(Dir(), "history.db")
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

var validLocatorKinds = map[string]bool{"id": true, "tag": true, "css": true, "xpath": true, "link-text": true}
var validFields = map[string]bool{"brand": true, "number": true, "amount": true, "pin": true, "barcode": true}

// Validate checks the batch and browser settings
func (c *Config) Validate() error {
	if c.Extract.FromEmail == "" && c.Extract.Merchant == "" {
		return fmt.Errorf("extract: from_email or merchant is required")
	}
	if c.Extract.SinceDays < 0 {
		return fmt.Errorf("extract: since_days must not be negative")
	}
	for field, locs := range c.Extract.ExtraLocators {
		if !validFields[field] {
			return fmt.Errorf("extract.extra_locators: unknown field %q", field)
		}
		for _, l := range locs {
			if !validLocatorKinds[l.By] {
				return fmt.Errorf("extract.extra_locators.%s: unknown locator kind %q", field, l.By)
			}
			if l.Value == "" {
				return fmt.Errorf("extract.extra_locators.%s: value is required", field)
			}
		}
	}

	if c.Notify.Enabled {
		if c.Notify.From == "" || c.Notify.To == "" {
			return fmt.Errorf("notify: from and to are required")
		}
		if c.Notify.SMTP.Host == "" {
			return fmt.Errorf("notify.smtp: host is required")
		}
		if c.Notify.SMTP.Port == 0 {
			return fmt.Errorf("notify.smtp: port is required")
		}
	}
	return nil
}

// ValidateInbox validates inbox configuration (only called when the mailbox is used)
func (c *Config) ValidateInbox() error {
	if c.Inbox.Email == "" {
		return fmt.Errorf("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) is required")
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}
