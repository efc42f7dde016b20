package obstacle

import (
	"context"
	"time"

	"github.com/egcx/egcx/internal/browser"
)

// At returns when the portal login completed
func (l *LoginState) At() time.Time { return l.at }

func (n *Navigator) emailChallenge(ctx context.Context, w *walk) error {
	const name = "email-challenge"

	ok, err := n.appear(ctx, w.page, n.locators.ChallengeEmail)
	if err != nil || !ok {
		return err
	}

	n.logger.Info("answering e-mail challenge", "url", w.visit.URL)
	if err := w.page.Type(ctx, n.locators.ChallengeEmail, w.visit.Recipient); err != nil {
		return n.interactionFailed(ctx, name, err)
	}
	if err := w.page.Click(ctx, n.locators.ChallengeSubmit); err != nil {
		return n.interactionFailed(ctx, name, err)
	}
	if err := n.settle(ctx); err != nil {
		return err
	}
	return n.awaitHuman(ctx, w, name)
}

func (n *Navigator) envelopeSkip(ctx context.Context, w *walk) error {
	return n.clickThrough(ctx, w, "envelope-skip", []browser.Locator{n.locators.Skip})
}

func (n *Navigator) brandUnlock(ctx context.Context, w *walk) error {
	return n.clickThrough(ctx, w, "brand-unlock", n.locators.Unlock)
}

// clickThrough clicks the first of locs to appear once it is clickable
func (n *Navigator) clickThrough(ctx context.Context, w *walk, name string, locs []browser.Locator) error {
	var target browser.Locator
	cond := func(ctx context.Context) (bool, error) {
		for _, loc := range locs {
			if ok, err := w.page.Present(ctx, loc); err == nil && ok {
				target = loc
				return true, nil
			}
		}
		return false, nil
	}
	if err := browser.WaitFor(ctx, n.timeouts.Detect, n.timeouts.Poll, cond); err != nil {
		return ctxOnly(ctx)
	}

	err := browser.WaitFor(ctx, n.timeouts.Clickable, n.timeouts.Poll, browser.ClickableCondition(w.page, target))
	if err != nil {
		return n.interactionFailed(ctx, name, err)
	}

	n.logger.Info("clicking through", "handler", name, "control", target.String(), "url", w.visit.URL)
	if err := w.page.Click(ctx, target); err != nil {
		return n.interactionFailed(ctx, name, err)
	}
	if err := n.settle(ctx); err != nil {
		return err
	}
	return n.awaitHuman(ctx, w, name)
}

// portalLogin blocks until a person has logged into the portal, once per run
func (n *Navigator) portalLogin(ctx context.Context, w *walk) error {
	if !w.visit.Portal || w.login.Done() {
		return nil
	}

	resume := w.state
	w.state = AwaitingHuman
	n.logger.Info("waiting for portal login", "url", w.visit.URL, "pattern", n.postLogin.String())
	if n.onHuman != nil {
		n.onHuman("Log in to the gift card portal in the browser window")
	}

	loggedIn := func(ctx context.Context) (bool, error) {
		u, err := w.page.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return n.postLogin.MatchString(u), nil
	}
	// No upper bound: the wait ends on login or cancellation
	if err := browser.WaitFor(ctx, 0, n.timeouts.Poll, loggedIn); err != nil {
		return err
	}

	w.login.markDone()
	w.state = resume
	n.logger.Info("portal login complete, reopening link", "url", w.visit.URL)
	if err := w.page.Navigate(ctx, w.visit.URL); err != nil {
		return err
	}
	w.reloaded = true
	return nil
}

func ctxOnly(ctx context.Context) error {
	return ctx.Err()
}
