// Package obstacle walks a redemption page past the interstitials merchants
// put in front of the card: e-mail challenges, envelope animations, unlock
// buttons, portal logins and the CAPTCHAs that come with them.
package obstacle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/egcx/egcx/internal/browser"
)

// State is a position in the navigation state machine
type State int

const (
	Arrived State = iota
	ChallengeCleared
	EnvelopeOpened
	Extractable
	AwaitingHuman
)

func (s State) String() string {
	switch s {
	case Arrived:
		return "arrived"
	case ChallengeCleared:
		return "challenge-cleared"
	case EnvelopeOpened:
		return "envelope-opened"
	case Extractable:
		return "extractable"
	case AwaitingHuman:
		return "awaiting-human"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Visit is one link being walked
type Visit struct {
	URL string
	// Recipient is typed into e-mail challenges
	Recipient string
	// Portal marks links behind the third-party portal login
	Portal bool
}

// LoginState tracks the once-per-run portal login. It is owned by the
// caller and shared across visits of one run.
type LoginState struct {
	done bool
	at   time.Time
}

// Done reports whether the portal login has completed
func (l *LoginState) Done() bool { return l.done }

func (l *LoginState) markDone() {
	l.done = true
	l.at = time.Now()
}

// HumanTimeoutError is returned when a CAPTCHA is still on screen after
// the human wait window
type HumanTimeoutError struct {
	Handler string
	Captcha string
	Waited  time.Duration
}

func (e *HumanTimeoutError) Error() string {
	return fmt.Sprintf("%s: %s CAPTCHA not solved within %s", e.Handler, e.Captcha, e.Waited)
}

// Timeouts bounds every wait the navigator performs
type Timeouts struct {
	Detect    time.Duration // wait for an obstacle element to show up
	Clickable time.Duration // wait for a present control to become clickable
	Human     time.Duration // wait for a CAPTCHA to be solved
	Settle    time.Duration // pause after a click before probing again
	Poll      time.Duration
}

// DefaultTimeouts returns the standard wait bounds
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Detect:    5 * time.Second,
		Clickable: 10 * time.Second,
		Human:     60 * time.Second,
		Settle:    time.Second,
		Poll:      250 * time.Millisecond,
	}
}

// DefaultPostLoginPattern matches portal pages only reachable after login
const DefaultPostLoginPattern = `(?i)^https?://([a-z0-9-]+\.)*mygiftcardsplus\.com/(account|dashboard|wallet|mycards|cards)`

// Locators identify the obstacle controls
type Locators struct {
	ChallengeEmail  browser.Locator
	ChallengeSubmit browser.Locator
	Skip            browser.Locator
	Unlock          []browser.Locator
}

// DefaultLocators returns the known obstacle controls
func DefaultLocators() Locators {
	return Locators{
		ChallengeEmail:  browser.ID("challenge-email"),
		ChallengeSubmit: browser.CSS("button[type='submit']"),
		Skip:            browser.ID("skip"),
		Unlock: []browser.Locator{
			browser.ID("unlock"),
			browser.ID("unlockButton"),
			browser.CSS("button[data-action='unlock']"),
			browser.CSS("button.unlock-button"),
		},
	}
}

// Options configures a Navigator
type Options struct {
	Timeouts         Timeouts
	Locators         *Locators
	PostLoginPattern string
	Logger           *slog.Logger
	// OnHuman is called when the navigator starts waiting for a person
	OnHuman func(reason string)
}

// Navigator drives one page from Arrived to Extractable
type Navigator struct {
	timeouts  Timeouts
	locators  Locators
	postLogin *regexp.Regexp
	logger    *slog.Logger
	onHuman   func(string)
	handlers  []transition
}

// transition runs its handlers in order to move from one state to the next
type transition struct {
	from, to State
	handlers []handler
}

type handler struct {
	name string
	run  func(ctx context.Context, w *walk) error
}

// walk is the per-visit working set
type walk struct {
	page  browser.Page
	visit Visit
	login *LoginState
	state State
	// reloaded is set when the portal login reopened the link
	reloaded bool
}

// New builds a Navigator
func New(opts Options) (*Navigator, error) {
	n := &Navigator{
		timeouts: opts.Timeouts,
		logger:   opts.Logger,
		onHuman:  opts.OnHuman,
	}
	if n.timeouts == (Timeouts{}) {
		n.timeouts = DefaultTimeouts()
	}
	if n.timeouts.Poll <= 0 {
		n.timeouts.Poll = 250 * time.Millisecond
	}
	if opts.Locators != nil {
		n.locators = *opts.Locators
	} else {
		n.locators = DefaultLocators()
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}

	pattern := opts.PostLoginPattern
	if pattern == "" {
		pattern = DefaultPostLoginPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid post-login pattern: %w", err)
	}
	n.postLogin = re

	n.handlers = []transition{
		{Arrived, ChallengeCleared, []handler{{"email-challenge", n.emailChallenge}}},
		{ChallengeCleared, EnvelopeOpened, []handler{{"envelope-skip", n.envelopeSkip}, {"brand-unlock", n.brandUnlock}}},
		{EnvelopeOpened, Extractable, []handler{{"portal-login", n.portalLogin}}},
	}
	return n, nil
}

// Run walks page, already navigated to visit.URL, until it is Extractable.
// Absent obstacles are skipped. A HumanTimeoutError or a ctx error aborts
// the visit and is returned with the state reached.
func (n *Navigator) Run(ctx context.Context, page browser.Page, visit Visit, login *LoginState) (State, error) {
	if login == nil {
		login = &LoginState{}
	}
	w := &walk{page: page, visit: visit, login: login, state: Arrived}

	if err := n.walkHandlers(ctx, w); err != nil {
		return w.state, err
	}
	if w.reloaded {
		// The reopened link starts over with its own challenge and envelope
		n.logger.Debug("walking reopened link", "url", visit.URL)
		w.state = Arrived
		if err := n.walkHandlers(ctx, w); err != nil {
			return w.state, err
		}
	}
	return w.state, nil
}

func (n *Navigator) walkHandlers(ctx context.Context, w *walk) error {
	for _, t := range n.handlers {
		for _, h := range t.handlers {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := h.run(ctx, w); err != nil {
				n.logger.Debug("obstacle handler aborted visit",
					"handler", h.name, "state", w.state.String(), "url", w.visit.URL, "error", err)
				return err
			}
		}
		n.logger.Debug("state transition", "from", t.from.String(), "to", t.to.String(), "url", w.visit.URL)
		w.state = t.to
	}
	return nil
}

// appear waits up to the detect timeout for loc. Only ctx errors are returned.
func (n *Navigator) appear(ctx context.Context, page browser.Page, loc browser.Locator) (bool, error) {
	err := browser.WaitFor(ctx, n.timeouts.Detect, n.timeouts.Poll, browser.PresentCondition(page, loc))
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, nil
}

// interactionFailed logs a failed click or keystroke. The obstacle is then
// treated as absent; ctx errors still abort.
func (n *Navigator) interactionFailed(ctx context.Context, name string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	n.logger.Debug("obstacle interaction failed, continuing", "handler", name, "error", err)
	return nil
}

func (n *Navigator) settle(ctx context.Context) error {
	if n.timeouts.Settle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(n.timeouts.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// awaitHuman suspends in AwaitingHuman while a blocking CAPTCHA is shown
func (n *Navigator) awaitHuman(ctx context.Context, w *walk, name string) error {
	info := browser.DetectCaptcha(ctx, w.page)
	if !info.IsCaptchaBlocking() {
		return ctx.Err()
	}

	resume := w.state
	w.state = AwaitingHuman
	n.logger.Info("waiting for CAPTCHA to be solved",
		"handler", name, "captcha", info.Type, "url", w.visit.URL, "timeout", n.timeouts.Human)
	if n.onHuman != nil {
		n.onHuman(info.Description())
	}

	err := browser.WaitFor(ctx, n.timeouts.Human, n.timeouts.Poll, browser.CaptchaGone(w.page))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, browser.ErrWaitTimeout) {
			return &HumanTimeoutError{Handler: name, Captcha: info.Type, Waited: n.timeouts.Human}
		}
		return err
	}
	w.state = resume
	return n.settle(ctx)
}
