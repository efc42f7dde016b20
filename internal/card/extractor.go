package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/egcx/egcx/internal/browser"
)

// Mode selects how a page is read
type Mode int

const (
	// ModeDOM reads visible element text through locator strategies
	ModeDOM Mode = iota
	// ModeEmbedded reads an inline configuration object from the page source
	ModeEmbedded
)

func (m Mode) String() string {
	if m == ModeEmbedded {
		return "embedded"
	}
	return "dom"
}

// DefaultEmbeddedPatterns match delivery pages that ship card data as an
// inline configuration object
var DefaultEmbeddedPatterns = []string{
	`(?i)^https?://([a-z0-9-]+\.)*activationspot\.com/`,
}

// DefaultMaxAttempts bounds reloads while the number and barcode disagree
const DefaultMaxAttempts = 3

// Options configures an Extractor
type Options struct {
	Strategies       map[Field][]Strategy
	EmbeddedPatterns []string
	MaxAttempts      int
	Logger           *slog.Logger
}

// Extractor turns a loaded redemption page into a Card
type Extractor struct {
	strategies  map[Field][]Strategy
	embedded    []*regexp.Regexp
	maxAttempts int
	logger      *slog.Logger
}

// NewExtractor compiles the embedded-mode URL patterns
func NewExtractor(opts Options) (*Extractor, error) {
	e := &Extractor{
		strategies:  opts.Strategies,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
	}
	if e.strategies == nil {
		e.strategies = DefaultStrategies()
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	patterns := opts.EmbeddedPatterns
	if patterns == nil {
		patterns = DefaultEmbeddedPatterns
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid embedded URL pattern %q: %w", p, err)
		}
		e.embedded = append(e.embedded, re)
	}
	return e, nil
}

// ModeFor picks the extraction mode for a page URL
func (e *Extractor) ModeFor(url string) Mode {
	for _, re := range e.embedded {
		if re.MatchString(url) {
			return ModeEmbedded
		}
	}
	return ModeDOM
}

// Extract reads a card from page, which must already be past every obstacle.
// Brand, number and amount are mandatory; PIN is mandatory when expectPIN
// is set and recorded as NoPIN otherwise.
func (e *Extractor) Extract(ctx context.Context, page browser.Page, expectPIN bool) (*Card, error) {
	url, err := page.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page URL: %w", err)
	}

	if e.ModeFor(url) == ModeEmbedded {
		return e.extractEmbedded(ctx, page, url, expectPIN)
	}

	for attempt := 1; ; attempt++ {
		c, barcode, err := e.extractDOM(ctx, page, url, expectPIN)
		if err != nil {
			return nil, err
		}
		if barcode == "" || barcode == c.Number {
			return c, nil
		}

		e.logger.Warn("card number does not match barcode",
			"url", url, "number", c.Number, "barcode", barcode, "attempt", attempt)
		if attempt >= e.maxAttempts {
			return nil, fmt.Errorf("%w after %d attempts on %s", ErrInconsistentCard, attempt, url)
		}
		if err := page.Navigate(ctx, url); err != nil {
			return nil, fmt.Errorf("failed to reload page: %w", err)
		}
	}
}

func (e *Extractor) extractDOM(ctx context.Context, page browser.Page, url string, expectPIN bool) (*Card, string, error) {
	c := &Card{SourceURL: url}

	required := []struct {
		field Field
		dst   *string
	}{
		{FieldBrand, &c.Brand},
		{FieldNumber, &c.Number},
		{FieldAmount, &c.Amount},
	}
	for _, r := range required {
		v, err := e.field(ctx, page, r.field)
		if err != nil {
			return nil, "", e.notFound(err, r.field, url)
		}
		*r.dst = v
	}

	pin, err := e.field(ctx, page, FieldPIN)
	switch {
	case err == nil:
		c.PIN = pin
	case !errors.Is(err, ErrNoMatch):
		return nil, "", err
	case expectPIN:
		return nil, "", e.notFound(err, FieldPIN, url)
	default:
		c.PIN = NoPIN
	}

	barcode, err := e.field(ctx, page, FieldBarcode)
	if err != nil && !errors.Is(err, ErrNoMatch) {
		return nil, "", err
	}
	return c, barcode, nil
}

func (e *Extractor) extractEmbedded(ctx context.Context, page browser.Page, url string, expectPIN bool) (*Card, error) {
	source, err := page.Source(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page source: %w", err)
	}
	cfg, err := ParseEmbedded(source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}

	c := &Card{
		Brand:     cfg.Brand,
		Number:    cfg.Number,
		PIN:       cfg.PIN,
		Amount:    cfg.Balance,
		SourceURL: url,
	}

	// Some delivery pages leave the brand out of the configuration object
	if c.Brand == "" {
		brand, err := e.field(ctx, page, FieldBrand)
		if err != nil {
			return nil, e.notFound(err, FieldBrand, url)
		}
		c.Brand = brand
	}

	switch {
	case c.Number == "":
		return nil, &FieldNotFoundError{Field: FieldNumber, URL: url}
	case c.Amount == "":
		return nil, &FieldNotFoundError{Field: FieldAmount, URL: url}
	case c.PIN == "" && expectPIN:
		return nil, &FieldNotFoundError{Field: FieldPIN, URL: url}
	case c.PIN == "":
		c.PIN = NoPIN
	}
	return c, nil
}

func (e *Extractor) field(ctx context.Context, page browser.Page, f Field) (string, error) {
	return resolve(ctx, page, e.strategies[f], Normalizers[f], e.logger)
}

func (e *Extractor) notFound(err error, f Field, url string) error {
	if errors.Is(err, ErrNoMatch) {
		return &FieldNotFoundError{Field: f, URL: url}
	}
	return err
}
