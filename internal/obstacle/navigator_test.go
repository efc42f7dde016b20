package obstacle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egcx/egcx/internal/browser"
)

// scriptedPage is a browser.Page whose DOM is a set of locators
type scriptedPage struct {
	mu          sync.Mutex
	present     map[browser.Locator]bool
	clickable   map[browser.Locator]bool
	clickErr    map[browser.Locator]error
	typed       map[browser.Locator]string
	clicks      []browser.Locator
	navigations []string

	// captchaProbes counts down while an hCaptcha frame is on screen;
	// a negative value keeps it there forever
	captchaProbes int

	// urls is returned by CurrentURL in order; the last one sticks
	urls []string

	// afterNavigate appear once Navigate has been called
	afterNavigate []browser.Locator
}

func newScriptedPage(locs ...browser.Locator) *scriptedPage {
	p := &scriptedPage{
		present:   map[browser.Locator]bool{},
		clickable: map[browser.Locator]bool{},
		clickErr:  map[browser.Locator]error{},
		typed:     map[browser.Locator]string{},
		urls:      []string{"https://cards.example/view"},
	}
	for _, l := range locs {
		p.present[l] = true
		p.clickable[l] = true
	}
	return p
}

func (p *scriptedPage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigations = append(p.navigations, url)
	for _, l := range p.afterNavigate {
		p.present[l] = true
		p.clickable[l] = true
	}
	return nil
}

func (p *scriptedPage) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.urls[0]
	if len(p.urls) > 1 {
		p.urls = p.urls[1:]
	}
	return u, nil
}

func (p *scriptedPage) Source(ctx context.Context) (string, error) { return "", nil }

func (p *scriptedPage) Present(ctx context.Context, loc browser.Locator) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.Contains(loc.Value, "hcaptcha.com") && p.captchaProbes != 0 {
		if p.captchaProbes > 0 {
			p.captchaProbes--
		}
		return true, nil
	}
	return p.present[loc], nil
}

func (p *scriptedPage) Clickable(ctx context.Context, loc browser.Locator) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present[loc] && p.clickable[loc], nil
}

func (p *scriptedPage) Text(ctx context.Context, loc browser.Locator) (string, error) {
	return "", browser.ErrNotFound
}

func (p *scriptedPage) Attribute(ctx context.Context, loc browser.Locator, name string) (string, error) {
	return "", browser.ErrNotFound
}

func (p *scriptedPage) Click(ctx context.Context, loc browser.Locator) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.clickErr[loc]; err != nil {
		return err
	}
	p.clicks = append(p.clicks, loc)
	return nil
}

func (p *scriptedPage) Type(ctx context.Context, loc browser.Locator, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed[loc] = text
	return nil
}

func (p *scriptedPage) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }
func (p *scriptedPage) Close() error                                 { return nil }

func fastNavigator(t *testing.T) *Navigator {
	t.Helper()
	n, err := New(Options{Timeouts: Timeouts{
		Detect:    15 * time.Millisecond,
		Clickable: 15 * time.Millisecond,
		Human:     40 * time.Millisecond,
		Settle:    time.Millisecond,
		Poll:      time.Millisecond,
	}})
	require.NoError(t, err)
	return n
}

var visit = Visit{URL: "https://cards.example/view", Recipient: "me@example.com"}

func TestRunNoObstacles(t *testing.T) {
	page := newScriptedPage()
	state, err := fastNavigator(t).Run(context.Background(), page, visit, &LoginState{})
	require.NoError(t, err)
	assert.Equal(t, Extractable, state)
	assert.Empty(t, page.clicks)
}

func TestRunEmailChallenge(t *testing.T) {
	loc := DefaultLocators()
	page := newScriptedPage(loc.ChallengeEmail, loc.ChallengeSubmit)

	state, err := fastNavigator(t).Run(context.Background(), page, visit, &LoginState{})
	require.NoError(t, err)
	assert.Equal(t, Extractable, state)
	assert.Equal(t, "me@example.com", page.typed[loc.ChallengeEmail])
	assert.Equal(t, []browser.Locator{loc.ChallengeSubmit}, page.clicks)
}

func TestRunCaptchaSolvedByHuman(t *testing.T) {
	loc := DefaultLocators()
	page := newScriptedPage(loc.ChallengeEmail, loc.ChallengeSubmit)
	page.captchaProbes = 3

	var prompts []string
	n := fastNavigator(t)
	n.onHuman = func(reason string) { prompts = append(prompts, reason) }

	state, err := n.Run(context.Background(), page, visit, &LoginState{})
	require.NoError(t, err)
	assert.Equal(t, Extractable, state)
	assert.Len(t, prompts, 1)
}

func TestRunCaptchaTimeout(t *testing.T) {
	loc := DefaultLocators()
	page := newScriptedPage(loc.ChallengeEmail, loc.ChallengeSubmit)
	page.captchaProbes = -1

	state, err := fastNavigator(t).Run(context.Background(), page, visit, &LoginState{})
	var hte *HumanTimeoutError
	require.True(t, errors.As(err, &hte), "got %v", err)
	assert.Equal(t, "email-challenge", hte.Handler)
	assert.Equal(t, browser.CaptchaTypeHCaptcha, hte.Captcha)
	assert.Equal(t, AwaitingHuman, state)
}

func TestRunEnvelopeSkip(t *testing.T) {
	loc := DefaultLocators()

	t.Run("clicks when clickable", func(t *testing.T) {
		page := newScriptedPage(loc.Skip)
		state, err := fastNavigator(t).Run(context.Background(), page, visit, &LoginState{})
		require.NoError(t, err)
		assert.Equal(t, Extractable, state)
		assert.Equal(t, []browser.Locator{loc.Skip}, page.clicks)
	})

	t.Run("never clickable is treated as absent", func(t *testing.T) {
		page := newScriptedPage(loc.Skip)
		page.clickable[loc.Skip] = false
		state, err := fastNavigator(t).Run(context.Background(), page, visit, &LoginState{})
		require.NoError(t, err)
		assert.Equal(t, Extractable, state)
		assert.Empty(t, page.clicks)
	})

	t.Run("click failure is swallowed", func(t *testing.T) {
		page := newScriptedPage(loc.Skip, loc.Unlock[2])
		page.clickErr[loc.Skip] = errors.New("node is detached from document")
		state, err := fastNavigator(t).Run(context.Background(), page, visit, &LoginState{})
		require.NoError(t, err)
		assert.Equal(t, Extractable, state)
		assert.Equal(t, []browser.Locator{loc.Unlock[2]}, page.clicks)
	})

	t.Run("captcha after skip is solved", func(t *testing.T) {
		page := newScriptedPage(loc.Skip)
		page.captchaProbes = 3

		var prompts []string
		n := fastNavigator(t)
		n.onHuman = func(reason string) { prompts = append(prompts, reason) }

		state, err := n.Run(context.Background(), page, visit, &LoginState{})
		require.NoError(t, err)
		assert.Equal(t, Extractable, state)
		assert.Equal(t, []browser.Locator{loc.Skip}, page.clicks)
		assert.Len(t, prompts, 1)
	})

	t.Run("captcha after skip times out", func(t *testing.T) {
		page := newScriptedPage(loc.Skip)
		page.captchaProbes = -1

		state, err := fastNavigator(t).Run(context.Background(), page, visit, &LoginState{})
		var hte *HumanTimeoutError
		require.True(t, errors.As(err, &hte), "got %v", err)
		assert.Equal(t, "envelope-skip", hte.Handler)
		assert.Equal(t, AwaitingHuman, state)
		assert.Equal(t, []browser.Locator{loc.Skip}, page.clicks)
	})
}

func TestRunBrandUnlockAlone(t *testing.T) {
	loc := DefaultLocators()
	for _, unlock := range loc.Unlock {
		t.Run(unlock.String(), func(t *testing.T) {
			page := newScriptedPage(unlock)
			state, err := fastNavigator(t).Run(context.Background(), page, visit, &LoginState{})
			require.NoError(t, err)
			assert.Equal(t, Extractable, state)
			assert.Equal(t, []browser.Locator{unlock}, page.clicks)
		})
	}
}

func TestRunPortalLogin(t *testing.T) {
	portal := Visit{URL: "https://www.mygiftcardsplus.com/redeem/abc", Portal: true}
	login := &LoginState{}

	page := newScriptedPage()
	page.urls = []string{
		"https://www.mygiftcardsplus.com/login",
		"https://www.mygiftcardsplus.com/login?step=2",
		"https://www.mygiftcardsplus.com/dashboard",
	}

	n := fastNavigator(t)
	state, err := n.Run(context.Background(), page, portal, login)
	require.NoError(t, err)
	assert.Equal(t, Extractable, state)
	assert.True(t, login.Done())
	assert.False(t, login.At().IsZero())
	assert.Equal(t, []string{portal.URL}, page.navigations)

	// Second portal link in the same run does not wait or reload
	second := newScriptedPage()
	second.urls = []string{"https://www.mygiftcardsplus.com/login"}
	state, err = n.Run(context.Background(), second, portal, login)
	require.NoError(t, err)
	assert.Equal(t, Extractable, state)
	assert.Empty(t, second.navigations)
}

func TestRunPortalLoginReopenedLinkIsWalked(t *testing.T) {
	loc := DefaultLocators()
	portal := Visit{URL: "https://www.mygiftcardsplus.com/redeem/abc", Portal: true}

	page := newScriptedPage()
	page.urls = []string{
		"https://www.mygiftcardsplus.com/login",
		"https://www.mygiftcardsplus.com/dashboard",
	}
	page.afterNavigate = []browser.Locator{loc.Skip, loc.Unlock[0]}

	login := &LoginState{}
	state, err := fastNavigator(t).Run(context.Background(), page, portal, login)
	require.NoError(t, err)
	assert.Equal(t, Extractable, state)
	assert.True(t, login.Done())
	assert.Equal(t, []string{portal.URL}, page.navigations)
	assert.Equal(t, []browser.Locator{loc.Skip, loc.Unlock[0]}, page.clicks)
}

func TestRunPortalLoginCancelled(t *testing.T) {
	page := newScriptedPage()
	page.urls = []string{"https://www.mygiftcardsplus.com/login"}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	login := &LoginState{}
	state, err := fastNavigator(t).Run(ctx, page, Visit{URL: "https://www.mygiftcardsplus.com/r/1", Portal: true}, login)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, AwaitingHuman, state)
	assert.False(t, login.Done())
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New(Options{PostLoginPattern: "("})
	assert.Error(t, err)
}
