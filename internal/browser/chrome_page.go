package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// chromePage is a Page backed by a single chromedp tab
type chromePage struct {
	tabCtx  context.Context
	close   context.CancelFunc
	timeout time.Duration
	once    sync.Once
}

// run executes actions on the tab, bounded by the driver timeout and by ctx
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(p.tabCtx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *chromePage) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := p.run(ctx, chromedp.Location(&u))
	return u, err
}

func (p *chromePage) Source(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) Present(ctx context.Context, loc Locator) (bool, error) {
	var found bool
	js := fmt.Sprintf(`(function() { return (%s) != null; })()`, locateJS(loc))
	if err := p.run(ctx, chromedp.Evaluate(js, &found)); err != nil {
		return false, err
	}
	return found, nil
}

func (p *chromePage) Clickable(ctx context.Context, loc Locator) (bool, error) {
	js := fmt.Sprintf(`(function() {
		var el = %s;
		if (!el || el.disabled) return false;
		var r = el.getBoundingClientRect();
		return el.offsetParent !== null && r.width > 0 && r.height > 0;
	})()`, locateJS(loc))

	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(js, &ok)); err != nil {
		return false, err
	}
	return ok, nil
}

func (p *chromePage) Text(ctx context.Context, loc Locator) (string, error) {
	js := fmt.Sprintf(`(function() {
		var el = %s;
		if (!el) return {found: false};
		return {found: true, text: el.innerText || el.textContent || ''};
	})()`, locateJS(loc))
	return p.evalString(ctx, loc, js, "text")
}

func (p *chromePage) Attribute(ctx context.Context, loc Locator, name string) (string, error) {
	attr, _ := json.Marshal(name)
	js := fmt.Sprintf(`(function() {
		var el = %s;
		if (!el) return {found: false};
		var v = el.getAttribute(%s);
		return {found: v !== null, value: v || ''};
	})()`, locateJS(loc), attr)
	return p.evalString(ctx, loc, js, "value")
}

func (p *chromePage) evalString(ctx context.Context, loc Locator, js, key string) (string, error) {
	var result map[string]interface{}
	if err := p.run(ctx, chromedp.Evaluate(js, &result)); err != nil {
		return "", err
	}
	found, _ := result["found"].(bool)
	if !found {
		return "", fmt.Errorf("%s: %w", loc, ErrNotFound)
	}
	s, _ := result[key].(string)
	return s, nil
}

func (p *chromePage) Click(ctx context.Context, loc Locator) error {
	if ok, err := p.Present(ctx, loc); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: %w", loc, ErrNotFound)
	}
	return p.run(ctx, chromedp.Click(locateJS(loc), chromedp.ByJSPath))
}

func (p *chromePage) Type(ctx context.Context, loc Locator, text string) error {
	if ok, err := p.Present(ctx, loc); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: %w", loc, ErrNotFound)
	}
	return p.run(ctx, chromedp.SendKeys(locateJS(loc), text, chromedp.ByJSPath))
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

func (p *chromePage) Close() error {
	p.once.Do(p.close)
	return nil
}

// locateJS returns a JS expression evaluating to the first element matched
// by loc, or null
func locateJS(loc Locator) string {
	v, _ := json.Marshal(loc.Value)
	switch loc.By {
	case ByID:
		return fmt.Sprintf("document.getElementById(%s)", v)
	case ByTag:
		return fmt.Sprintf("(document.getElementsByTagName(%s)[0] || null)", v)
	case ByXPath:
		return fmt.Sprintf("document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue", v)
	case ByLinkText:
		return fmt.Sprintf("(Array.from(document.querySelectorAll('a')).find(function(a) { return a.textContent.trim() === %s; }) || null)", v)
	default:
		return fmt.Sprintf("document.querySelector(%s)", v)
	}
}
