package card

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/egcx/egcx/internal/browser"
)

// ErrNoMatch is returned by Resolve when every strategy came up empty
var ErrNoMatch = errors.New("no strategy matched")

// Strategy locates one candidate element. When Attr is set the attribute
// value is read instead of the element text.
type Strategy struct {
	Locator browser.Locator `yaml:",inline"`
	Attr    string          `yaml:"attr,omitempty"`
}

func (s Strategy) String() string {
	if s.Attr != "" {
		return s.Locator.String() + "@" + s.Attr
	}
	return s.Locator.String()
}

// Resolve evaluates strategies in order and returns the first value that
// survives normalize. Strategies after the first success are not evaluated.
// Locator and driver errors count as a miss; only ctx errors are returned.
func Resolve(ctx context.Context, page browser.Page, strategies []Strategy, normalize Normalizer) (string, error) {
	return resolve(ctx, page, strategies, normalize, slog.Default())
}

func resolve(ctx context.Context, page browser.Page, strategies []Strategy, normalize Normalizer, logger *slog.Logger) (string, error) {
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		var raw string
		var err error
		if s.Attr != "" {
			raw, err = page.Attribute(ctx, s.Locator, s.Attr)
		} else {
			raw, err = page.Text(ctx, s.Locator)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if !errors.Is(err, browser.ErrNotFound) {
				logger.Debug("strategy failed", "strategy", s.String(), "error", err)
			}
			continue
		}

		value := strings.TrimSpace(raw)
		if normalize != nil {
			value = strings.TrimSpace(normalize(value))
		}
		if value != "" {
			return value, nil
		}
	}
	return "", ErrNoMatch
}
