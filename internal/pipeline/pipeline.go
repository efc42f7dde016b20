// Package pipeline builds and runs an extraction batch from configuration:
// mailbox, browser, navigator, extractor, sinks and the optional report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/egcx/egcx/internal/browser"
	"github.com/egcx/egcx/internal/card"
	"github.com/egcx/egcx/internal/config"
	"github.com/egcx/egcx/internal/email"
	"github.com/egcx/egcx/internal/history"
	"github.com/egcx/egcx/internal/inbox"
	"github.com/egcx/egcx/internal/merchant"
	"github.com/egcx/egcx/internal/obstacle"
	"github.com/egcx/egcx/internal/session"
	"github.com/egcx/egcx/internal/sink"
	"github.com/egcx/egcx/internal/template"
)

// ErrNoSender is returned when neither a sender nor a merchant is given
var ErrNoSender = errors.New("a sender address is required (--from or --merchant)")

// Request overrides the configured batch settings for one run
type Request struct {
	From          string `json:"from,omitempty"`
	Folder        string `json:"folder,omitempty"`
	Merchant      string `json:"merchant,omitempty"`
	NoPIN         bool   `json:"no_pin,omitempty"`
	SkipProcessed bool   `json:"skip_processed,omitempty"`
	Screenshots   bool   `json:"screenshots,omitempty"`
	SinceDays     int    `json:"since_days,omitempty"`
}

// Plan is a Request merged with configuration and the merchant catalog
type Plan struct {
	Merchant         *merchant.Merchant
	Filter           inbox.Filter
	ExpectPIN        bool
	PortalHosts      []string
	EmbeddedPatterns []string
	Strategies       map[card.Field][]card.Strategy
	ScreenshotDir    string
	OutputDir        string
	SkipProcessed    bool
}

// Resolve merges req over cfg. catalog may be nil when no merchant is named.
func Resolve(cfg *config.Config, catalog *merchant.Catalog, req Request, now time.Time) (*Plan, error) {
	p := &Plan{
		OutputDir:     cfg.Extract.OutputDir,
		SkipProcessed: req.SkipProcessed || cfg.Extract.SkipProcessed,
		ExpectPIN:     cfg.Extract.ExpectPIN(),
	}

	key := firstNonEmpty(req.Merchant, cfg.Extract.Merchant)
	if key != "" {
		if catalog == nil {
			return nil, fmt.Errorf("merchant %q: no merchant catalog loaded", key)
		}
		p.Merchant = catalog.Find(key)
		if p.Merchant == nil {
			return nil, fmt.Errorf("unknown merchant %q (see list-merchants)", key)
		}
		if p.Merchant.ExpectPIN != nil {
			p.ExpectPIN = *p.Merchant.ExpectPIN
		}
	}
	if req.NoPIN {
		p.ExpectPIN = false
	}

	p.Filter.From = firstNonEmpty(req.From, cfg.Extract.FromEmail)
	if p.Filter.From == "" && p.Merchant != nil {
		p.Filter.From = p.Merchant.Sender
	}
	if p.Filter.From == "" {
		return nil, ErrNoSender
	}
	p.Filter.Folder = firstNonEmpty(req.Folder, cfg.Inbox.Folder)

	days := req.SinceDays
	if days == 0 {
		days = cfg.Extract.SinceDays
	}
	if days > 0 {
		p.Filter.Since = now.AddDate(0, 0, -days)
	}

	p.PortalHosts = appendUnique(nil, cfg.Extract.PortalHosts...)
	if catalog != nil {
		p.PortalHosts = appendUnique(p.PortalHosts, catalog.PortalHosts()...)
	}

	p.EmbeddedPatterns = appendUnique(nil, card.DefaultEmbeddedPatterns...)
	p.EmbeddedPatterns = appendUnique(p.EmbeddedPatterns, cfg.Extract.EmbeddedURLPatterns...)
	if p.Merchant != nil {
		p.EmbeddedPatterns = appendUnique(p.EmbeddedPatterns, p.Merchant.EmbeddedURLPatterns...)
	}

	p.Strategies = card.WithExtra(card.DefaultStrategies(), ExtraStrategies(cfg.Extract.ExtraLocators))

	if req.Screenshots || cfg.Extract.Screenshots {
		p.ScreenshotDir = cfg.Extract.ScreenshotDir
	}
	return p, nil
}

// ExtraStrategies converts configured locators into strategies per field
func ExtraStrategies(extra map[string][]config.LocatorConfig) map[card.Field][]card.Strategy {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[card.Field][]card.Strategy, len(extra))
	for field, locs := range extra {
		for _, l := range locs {
			out[card.Field(field)] = append(out[card.Field(field)], card.Strategy{
				Locator: browser.Locator{By: browser.By(l.By), Value: l.Value},
				Attr:    l.Attr,
			})
		}
	}
	return out
}

// Extractor builds the card extractor for p
func (p *Plan) Extractor(cfg *config.Config, logger *slog.Logger) (*card.Extractor, error) {
	return card.NewExtractor(card.Options{
		Strategies:       p.Strategies,
		EmbeddedPatterns: p.EmbeddedPatterns,
		MaxAttempts:      cfg.Extract.MaxAttempts,
		Logger:           logger,
	})
}

// NewNavigator builds the obstacle navigator from the browser wait settings
func NewNavigator(cfg *config.Config, logger *slog.Logger, onHuman func(string)) (*obstacle.Navigator, error) {
	return obstacle.New(obstacle.Options{
		Timeouts: obstacle.Timeouts{
			Detect:    cfg.Browser.DetectWait(),
			Clickable: cfg.Browser.ClickableWait(),
			Human:     cfg.Browser.HumanWait(),
			Settle:    cfg.Browser.Settle(),
			Poll:      250 * time.Millisecond,
		},
		PostLoginPattern: cfg.Extract.PortalPostLogin,
		Logger:           logger,
		OnHuman:          onHuman,
	})
}

// BrowserConfig maps the browser section onto driver settings
func BrowserConfig(cfg config.BrowserConfig) browser.Config {
	bc := browser.DefaultConfig()
	bc.Headless = cfg.Headless
	if cfg.TimeoutSec > 0 {
		bc.Timeout = cfg.Timeout()
	}
	bc.ExecPath = cfg.ChromePath
	if cfg.UserAgent != "" {
		bc.UserAgent = cfg.UserAgent
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		bc.WindowWidth, bc.WindowHeight = cfg.WindowWidth, cfg.WindowHeight
	}
	return bc
}

// Options are the caller's hooks into a run
type Options struct {
	Store      *history.Store
	Logger     *slog.Logger
	OnProgress func(session.Progress)
	OnHuman    func(reason string)
	// OnCard is called after each card is stored
	OnCard func(*card.Card)
}

// Result is a finished run
type Result struct {
	Plan       *Plan
	Report     *session.Report
	OutputPath string
}

// Run connects to the mailbox, starts Chrome and processes one batch. The
// report e-mail is sent when notify is enabled, even after a failed run.
func Run(ctx context.Context, cfg *config.Config, catalog *merchant.Catalog, req Request, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.ValidateInbox(); err != nil {
		return nil, err
	}
	plan, err := Resolve(cfg, catalog, req, time.Now())
	if err != nil {
		return nil, err
	}

	nav, err := NewNavigator(cfg, logger, opts.OnHuman)
	if err != nil {
		return nil, err
	}
	ext, err := plan.Extractor(cfg, logger)
	if err != nil {
		return nil, err
	}

	monitor := inbox.NewMonitor(cfg.Inbox, logger)
	if err := monitor.Connect(ctx); err != nil {
		return nil, err
	}
	defer monitor.Disconnect()

	chrome, err := browser.New(BrowserConfig(cfg.Browser))
	if err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	defer chrome.Close()

	csv, err := sink.CreateCSV(plan.OutputDir, sink.FileName(time.Now()))
	if err != nil {
		return nil, err
	}

	out := sink.Multi{csv}
	if opts.OnCard != nil {
		out = append(out, sink.Func(func(c *card.Card) error { opts.OnCard(c); return nil }))
	}

	sopts := session.Options{
		Filter:        plan.Filter,
		ExpectPIN:     plan.ExpectPIN,
		Discoverer:    inbox.NewDiscoverer(plan.PortalHosts),
		Navigator:     nav,
		Extractor:     ext,
		Opener:        chrome,
		Sink:          out,
		Store:         opts.Store,
		SkipProcessed: plan.SkipProcessed,
		ScreenshotDir: plan.ScreenshotDir,
		Logger:        logger,
		OnProgress:    opts.OnProgress,
	}
	if cfg.Inbox.AutoArchive {
		sopts.Archiver = monitor
	}
	sess, err := session.New(sopts)
	if err != nil {
		csv.Close()
		return nil, err
	}

	report, runErr := sess.Run(ctx, monitor)

	res := &Result{Plan: plan, Report: report, OutputPath: csv.Path()}
	if err := csv.Close(); err != nil {
		logger.Warn("failed to close output file", "path", csv.Path(), "error", err)
	}
	if report == nil || len(report.Cards) == 0 {
		os.Remove(csv.Path())
		res.OutputPath = ""
	}

	if report != nil && cfg.Notify.Enabled {
		if err := Notify(context.WithoutCancel(ctx), cfg.Notify, res, runErr); err != nil {
			logger.Warn("failed to send run report", "to", cfg.Notify.To, "error", err)
		}
	}
	return res, runErr
}

// Notify e-mails the run report
func Notify(ctx context.Context, cfg config.NotifyConfig, res *Result, runErr error) error {
	engine, err := template.NewEngine()
	if err != nil {
		return err
	}
	msg, err := engine.RenderReport(template.NewReportData(res.Report, runErr, res.OutputPath))
	if err != nil {
		return err
	}
	sender, err := email.NewSender(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	result := sender.Send(ctx, email.Message{From: cfg.From, To: cfg.To, Subject: msg.Subject, Body: msg.Body})
	return result.Error
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		dup := false
		for _, have := range list {
			if strings.EqualFold(have, item) {
				dup = true
				break
			}
		}
		if !dup && item != "" {
			list = append(list, item)
		}
	}
	return list
}
