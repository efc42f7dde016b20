package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
)

// StaticPage is a read-only Page over a saved HTML document. It backs the
// offline inspect command.
type StaticPage struct {
	url  string
	html string
	doc  *goquery.Document
}

// NewStaticPage parses html as the document served at url
func NewStaticPage(url, html string) (*StaticPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &StaticPage{url: url, html: html, doc: doc}, nil
}

// Navigate only records the URL; the document never changes
func (p *StaticPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.url = url
	return nil
}

func (p *StaticPage) CurrentURL(ctx context.Context) (string, error) {
	return p.url, nil
}

func (p *StaticPage) Source(ctx context.Context) (string, error) {
	return p.html, nil
}

func (p *StaticPage) find(loc Locator) (*goquery.Selection, error) {
	var sel *goquery.Selection
	switch loc.By {
	case ByID:
		sel = p.doc.Find(fmt.Sprintf(`[id=%q]`, loc.Value))
	case ByTag, ByCSS:
		sel = p.doc.Find(loc.Value)
	case ByLinkText:
		sel = p.doc.Find("a").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return strings.TrimSpace(s.Text()) == loc.Value
		})
	case ByXPath:
		node, err := htmlquery.Query(p.doc.Nodes[0], loc.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid xpath: %w", loc, err)
		}
		if node == nil {
			return nil, fmt.Errorf("%s: %w", loc, ErrNotFound)
		}
		sel = p.doc.FindNodes(node)
	default:
		return nil, fmt.Errorf("%s: %w", loc, ErrUnsupported)
	}
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%s: %w", loc, ErrNotFound)
	}
	return sel.First(), nil
}

func (p *StaticPage) Present(ctx context.Context, loc Locator) (bool, error) {
	_, err := p.find(loc)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Clickable is Present minus disabled controls
func (p *StaticPage) Clickable(ctx context.Context, loc Locator) (bool, error) {
	sel, err := p.find(loc)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	_, disabled := sel.Attr("disabled")
	return !disabled, nil
}

// Text returns the element text with whitespace runs collapsed, close to
// what a rendered innerText gives for simple markup
func (p *StaticPage) Text(ctx context.Context, loc Locator) (string, error) {
	sel, err := p.find(loc)
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(sel.Text()), " "), nil
}

func (p *StaticPage) Attribute(ctx context.Context, loc Locator, name string) (string, error) {
	sel, err := p.find(loc)
	if err != nil {
		return "", err
	}
	v, ok := sel.Attr(name)
	if !ok {
		return "", fmt.Errorf("%s[%s]: %w", loc, name, ErrNotFound)
	}
	return v, nil
}

func (p *StaticPage) Click(ctx context.Context, loc Locator) error {
	return ErrUnsupported
}

func (p *StaticPage) Type(ctx context.Context, loc Locator, text string) error {
	return ErrUnsupported
}

func (p *StaticPage) Screenshot(ctx context.Context) ([]byte, error) {
	return nil, ErrUnsupported
}

func (p *StaticPage) Close() error { return nil }

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
