package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// By selects how a Locator value is interpreted
type By string

const (
	ByID       By = "id"
	ByTag      By = "tag"
	ByCSS      By = "css"
	ByXPath    By = "xpath"
	ByLinkText By = "link-text"
)

// Locator identifies a single element on a page
type Locator struct {
	By    By     `yaml:"by" json:"by"`
	Value string `yaml:"value" json:"value"`
}

func (l Locator) String() string {
	return fmt.Sprintf("%s=%s", l.By, l.Value)
}

// ID, Tag, CSS, XPath and LinkText build locators
func ID(v string) Locator       { return Locator{By: ByID, Value: v} }
func Tag(v string) Locator      { return Locator{By: ByTag, Value: v} }
func CSS(v string) Locator      { return Locator{By: ByCSS, Value: v} }
func XPath(v string) Locator    { return Locator{By: ByXPath, Value: v} }
func LinkText(v string) Locator { return Locator{By: ByLinkText, Value: v} }

var (
	// ErrNotFound is returned when a locator matches no element
	ErrNotFound = errors.New("element not found")
	// ErrUnsupported is returned by drivers that cannot perform an operation
	ErrUnsupported = errors.New("operation not supported by this page")
	// ErrWaitTimeout is returned by WaitFor when the deadline passes
	ErrWaitTimeout = errors.New("wait timed out")
)

// Page is one browser tab. A Page is used by a single goroutine and is
// closed once the link it was opened for has been handled.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	// Source returns the serialized DOM of the current document
	Source(ctx context.Context) (string, error)

	Present(ctx context.Context, loc Locator) (bool, error)
	// Clickable reports whether the element is present, visible and enabled
	Clickable(ctx context.Context, loc Locator) (bool, error)
	Text(ctx context.Context, loc Locator) (string, error)
	Attribute(ctx context.Context, loc Locator, name string) (string, error)

	Click(ctx context.Context, loc Locator) error
	Type(ctx context.Context, loc Locator, text string) error

	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener creates fresh pages
type Opener interface {
	Open(ctx context.Context) (Page, error)
}

// Condition is polled by WaitFor
type Condition func(ctx context.Context) (bool, error)

// WaitFor polls cond every poll interval until it returns true, the timeout
// passes or ctx is done. A zero timeout waits until ctx is done. Errors from
// cond do not stop the wait; the last one is attached to ErrWaitTimeout.
func WaitFor(ctx context.Context, timeout, poll time.Duration, cond Condition) error {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := cond(ctx)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if lastErr != nil {
				return fmt.Errorf("%w after %s: %v", ErrWaitTimeout, timeout, lastErr)
			}
			return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// PresentCondition waits for loc to exist
func PresentCondition(p Page, loc Locator) Condition {
	return func(ctx context.Context) (bool, error) {
		return p.Present(ctx, loc)
	}
}

// ClickableCondition waits for loc to be clickable
func ClickableCondition(p Page, loc Locator) Condition {
	return func(ctx context.Context) (bool, error) {
		return p.Clickable(ctx, loc)
	}
}
