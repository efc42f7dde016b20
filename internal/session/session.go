// Package session runs one extraction batch: it walks every gift card
// e-mail from a message source, follows each redemption link through the
// obstacle navigator and hands the extracted cards to a sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/egcx/egcx/internal/browser"
	"github.com/egcx/egcx/internal/card"
	"github.com/egcx/egcx/internal/history"
	"github.com/egcx/egcx/internal/inbox"
	"github.com/egcx/egcx/internal/logging"
	"github.com/egcx/egcx/internal/obstacle"
	"github.com/egcx/egcx/internal/sink"
)

var (
	// ErrNavigation marks a link whose tab could not be opened or loaded
	ErrNavigation = errors.New("navigation failed")
	// ErrSink marks a card that was extracted but could not be stored
	ErrSink = errors.New("failed to store card")
)

// Failure kinds recorded in history
const (
	KindLinkNotFound  = "link_not_found"
	KindFieldNotFound = "field_not_found"
	KindHumanTimeout  = "human_timeout"
	KindInconsistent  = "inconsistent"
	KindNavigation    = "navigation"
	KindSink          = "sink"
	KindCancelled     = "cancelled"
	KindOther         = "other"
)

// Source yields the messages of one batch
type Source interface {
	Fetch(ctx context.Context, f inbox.Filter) ([]inbox.Message, error)
}

// Archiver moves fully processed messages out of the search folder
type Archiver interface {
	Archive(ctx context.Context, folder string, uids []uint32) error
}

// Progress is a snapshot of a running batch
type Progress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Skipped   int    `json:"skipped"`
	Extracted int    `json:"extracted"`
	Failed    int    `json:"failed"`
	Current   string `json:"current,omitempty"`
}

// Failure is a message or link that produced no card
type Failure struct {
	MessageID string
	URL       string
	Kind      string
	Err       error
}

// Report summarises a finished batch
type Report struct {
	RunID      int64
	Progress   Progress
	Cards      []*card.Card
	Failures   []Failure
	Archived   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Options wires a Session
type Options struct {
	Filter    inbox.Filter
	ExpectPIN bool

	Discoverer *inbox.Discoverer
	Navigator  *obstacle.Navigator
	Extractor  *card.Extractor
	Opener     browser.Opener
	Sink       sink.Sink

	// Store, when set, records the run, its cards and failures
	Store         *history.Store
	SkipProcessed bool

	// ScreenshotDir enables <number>.png captures when non-empty
	ScreenshotDir string

	// Archiver, when set, receives the UIDs of messages whose every link
	// produced a card
	Archiver Archiver

	Logger     *slog.Logger
	OnProgress func(Progress)
}

// Session owns the per-run state shared across links
type Session struct {
	opts   Options
	logger *slog.Logger
	login  obstacle.LoginState

	mu       sync.Mutex
	progress Progress
	runID    int64
}

// New checks the required collaborators
func New(opts Options) (*Session, error) {
	if opts.Opener == nil {
		return nil, errors.New("session: browser opener is required")
	}
	if opts.Navigator == nil || opts.Extractor == nil {
		return nil, errors.New("session: navigator and extractor are required")
	}
	if opts.Discoverer == nil {
		opts.Discoverer = inbox.NewDiscoverer(nil)
	}
	if opts.Sink == nil {
		opts.Sink = sink.Multi{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{opts: opts, logger: logger}, nil
}

// Progress returns the current counters
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// LoggedIn reports whether the portal login happened during this session
func (s *Session) LoggedIn() bool { return s.login.Done() }

func (s *Session) update(fn func(p *Progress)) {
	s.mu.Lock()
	fn(&s.progress)
	snapshot := s.progress
	s.mu.Unlock()

	if s.opts.OnProgress != nil {
		s.opts.OnProgress(snapshot)
	}
}

// Run processes every message src returns for the configured filter.
// Messages and links are handled one at a time. Only a mailbox connection
// failure or ctx cancellation ends the batch early; every other failure is
// logged, recorded and skipped.
func (s *Session) Run(ctx context.Context, src Source) (*Report, error) {
	report := &Report{StartedAt: time.Now()}

	run := &history.Run{FromEmail: s.opts.Filter.From, Folder: s.opts.Filter.Folder, StartedAt: report.StartedAt}
	out := s.opts.Sink
	if s.opts.Store != nil {
		if err := s.opts.Store.StartRun(run); err != nil {
			return nil, err
		}
		report.RunID = run.ID
		ctx = logging.WithRunID(ctx, strconv.FormatInt(run.ID, 10))
		s.logger = logging.FromContext(ctx, s.logger)
		out = sink.Multi{out, &sink.History{Store: s.opts.Store, RunID: run.ID}}
	}
	s.mu.Lock()
	s.runID = run.ID
	s.mu.Unlock()

	err := s.run(ctx, src, out, report)

	report.Progress = s.Progress()
	report.FinishedAt = time.Now()
	s.finish(run, report, err)
	return report, err
}

func (s *Session) run(ctx context.Context, src Source, out sink.Sink, report *Report) error {
	msgs, err := src.Fetch(ctx, s.opts.Filter)
	if err != nil {
		var connErr *inbox.ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return fmt.Errorf("failed to fetch messages: %w", err)
	}

	msgs, skipped := s.skipProcessed(msgs)
	s.update(func(p *Progress) {
		p.Total = len(msgs)
		p.Skipped = skipped
	})
	s.logger.Info("starting extraction", "messages", len(msgs), "skipped", skipped, "from", s.opts.Filter.From)

	var done []uint32
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := &msgs[i]
		s.update(func(p *Progress) { p.Current = msg.Subject })

		ok, err := s.processMessage(ctx, msg, out, report)
		s.update(func(p *Progress) {
			p.Processed++
			p.Current = ""
		})
		if err != nil {
			return err
		}
		if ok && msg.UID != 0 {
			done = append(done, msg.UID)
		}
	}

	if s.opts.Archiver != nil && len(done) > 0 {
		if err := s.opts.Archiver.Archive(ctx, s.opts.Filter.Folder, done); err != nil {
			s.logger.Warn("failed to archive processed messages", "count", len(done), "error", err)
		} else {
			report.Archived = len(done)
			s.logger.Info("archived processed messages", "count", len(done))
		}
	}
	return nil
}

func (s *Session) skipProcessed(msgs []inbox.Message) ([]inbox.Message, int) {
	if !s.opts.SkipProcessed || s.opts.Store == nil {
		return msgs, 0
	}
	seen, err := s.opts.Store.ProcessedMessageIDs()
	if err != nil {
		s.logger.Warn("could not load processed messages, processing all", "error", err)
		return msgs, 0
	}

	kept := make([]inbox.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.MessageID != "" && seen[m.MessageID] {
			continue
		}
		kept = append(kept, m)
	}
	return kept, len(msgs) - len(kept)
}

// processMessage reports whether every link of msg produced a card. The
// returned error is non-nil only when the batch must stop.
func (s *Session) processMessage(ctx context.Context, msg *inbox.Message, out sink.Sink, report *Report) (bool, error) {
	body := msg.HTMLBody
	if body == "" {
		body = msg.TextBody
	}
	links, err := s.opts.Discoverer.Discover(body)
	if err != nil {
		s.fail(report, Failure{MessageID: msg.MessageID, Kind: Kind(err), Err: err})
		return false, nil
	}

	allOK := true
	for _, link := range links {
		c, err := s.processLink(ctx, msg, link, out)
		if err != nil {
			allOK = false
			s.fail(report, Failure{MessageID: msg.MessageID, URL: link.URL, Kind: Kind(err), Err: err})
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			continue
		}
		report.Cards = append(report.Cards, c)
		s.update(func(p *Progress) { p.Extracted++ })
	}
	return allOK, nil
}

// processLink owns one tab from open to close
func (s *Session) processLink(ctx context.Context, msg *inbox.Message, link inbox.Link, out sink.Sink) (*card.Card, error) {
	page, err := s.opts.Opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNavigation, err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			s.logger.Debug("failed to close tab", "url", link.URL, "error", err)
		}
	}()

	if err := page.Navigate(ctx, link.URL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNavigation, err)
	}

	visit := obstacle.Visit{URL: link.URL, Recipient: msg.To, Portal: link.Portal()}
	if _, err := s.opts.Navigator.Run(ctx, page, visit, &s.login); err != nil {
		return nil, err
	}

	c, err := s.opts.Extractor.Extract(ctx, page, s.opts.ExpectPIN)
	if err != nil {
		return nil, err
	}
	c.ReceivedAt = msg.ReceivedAt
	c.MessageID = msg.MessageID

	if s.opts.Store != nil {
		if seen, err := s.opts.Store.HasCard(c.Number); err == nil && seen {
			s.logger.Warn("card number already recorded", "number", c.Number, "message_id", msg.MessageID)
		}
	}

	if err := out.Write(c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSink, err)
	}
	s.screenshot(ctx, page, c)
	s.logger.Info(c.Summary(), "message_id", msg.MessageID, "method", string(link.Method))
	return c, nil
}

func (s *Session) screenshot(ctx context.Context, page browser.Page, c *card.Card) {
	if s.opts.ScreenshotDir == "" {
		return
	}
	png, err := page.Screenshot(ctx)
	if err != nil {
		s.logger.Warn("failed to capture screenshot", "number", c.Number, "error", err)
		return
	}
	path, err := browser.SaveScreenshot(s.opts.ScreenshotDir, c.Number, png)
	if err != nil {
		s.logger.Warn("failed to save screenshot", "number", c.Number, "error", err)
		return
	}
	s.logger.Debug("saved screenshot", "path", path)
}

func (s *Session) fail(report *Report, f Failure) {
	report.Failures = append(report.Failures, f)
	s.update(func(p *Progress) { p.Failed++ })

	s.logger.Error("link failed", "message_id", f.MessageID, "url", f.URL, "kind", f.Kind, "error", f.Err)
	if s.opts.Store == nil {
		return
	}
	rec := &history.Failure{RunID: s.runID, MessageID: f.MessageID, LinkURL: f.URL, Kind: f.Kind, Error: f.Err.Error()}
	if err := s.opts.Store.AddFailure(rec); err != nil {
		s.logger.Warn("failed to record failure", "error", err)
	}
}

func (s *Session) finish(run *history.Run, report *Report, err error) {
	run.Messages = report.Progress.Processed
	run.Extracted = report.Progress.Extracted
	run.Failed = report.Progress.Failed
	run.FinishedAt = report.FinishedAt

	switch {
	case err == nil:
		run.Status = history.RunCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		run.Status = history.RunCancelled
		run.Error = err.Error()
	default:
		run.Status = history.RunFailed
		run.Error = err.Error()
	}

	s.logger.Info("extraction finished",
		"status", string(run.Status), "processed", run.Messages, "extracted", run.Extracted, "failed", run.Failed,
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

	if s.opts.Store == nil {
		return
	}
	if ferr := s.opts.Store.FinishRun(run); ferr != nil {
		s.logger.Warn("failed to record run result", "run_id", run.ID, "error", ferr)
	}
}

// Kind classifies a link or message failure
func Kind(err error) string {
	var (
		fnf *card.FieldNotFoundError
		hte *obstacle.HumanTimeoutError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, inbox.ErrLinkNotFound):
		return KindLinkNotFound
	case errors.As(err, &fnf):
		return KindFieldNotFound
	case errors.As(err, &hte):
		return KindHumanTimeout
	case errors.Is(err, card.ErrInconsistentCard):
		return KindInconsistent
	case errors.Is(err, ErrNavigation):
		return KindNavigation
	case errors.Is(err, ErrSink):
		return KindSink
	default:
		return KindOther
	}
}
