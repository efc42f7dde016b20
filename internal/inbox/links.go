package inbox

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ErrLinkNotFound is returned when a message holds no redemption link
var ErrLinkNotFound = errors.New("no redemption link found")

// Method tags how a redemption link was discovered
type Method string

const (
	MethodPortal Method = "mgcp-portal"
	MethodView   Method = "view-link"
	MethodImage  Method = "image-activate"
)

// Link is a redemption URL found in a message
type Link struct {
	URL    string `json:"url"`
	Method Method `json:"method"`
}

// Portal reports whether the link sits behind the portal login
func (l Link) Portal() bool { return l.Method == MethodPortal }

// DefaultPortalHosts are third-party redemption portals that need a login
var DefaultPortalHosts = []string{"mygiftcardsplus.com"}

var (
	viewPattern = regexp.MustCompile(`(?i)\b(?:view|get)\s+(?:your\s+|my\s+)?(?:e-?)?(?:gift|card)`)
	excludeText = regexp.MustCompile(`(?i)this\s+email`)
	activateAlt = regexp.MustCompile(`(?i)^\s*activate`)
)

// Discoverer finds redemption links in message bodies
type Discoverer struct {
	portalHosts []string
}

// NewDiscoverer matches portal links against hosts and their subdomains
func NewDiscoverer(portalHosts []string) *Discoverer {
	if len(portalHosts) == 0 {
		portalHosts = DefaultPortalHosts
	}
	hosts := make([]string, 0, len(portalHosts))
	for _, h := range portalHosts {
		hosts = append(hosts, strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "www."))
	}
	return &Discoverer{portalHosts: hosts}
}

// Discover returns the redemption links of body in document order. Rules
// are tried in priority order and the first rule that yields a link wins:
// portal anchors, then "view your gift" text, then activate images.
func (d *Discoverer) Discover(body string) ([]Link, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrLinkNotFound
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message HTML: %w", err)
	}

	rules := []struct {
		method Method
		find   func(*goquery.Document) []*goquery.Selection
	}{
		{MethodPortal, d.portalAnchors},
		{MethodView, viewAnchors},
		{MethodImage, activateAnchors},
	}

	for _, rule := range rules {
		links := collect(rule.find(doc), rule.method)
		if len(links) > 0 {
			return links, nil
		}
	}
	return nil, ErrLinkNotFound
}

// collect turns anchors into links, dropping non-http(s) and repeated URLs
func collect(anchors []*goquery.Selection, method Method) []Link {
	var links []Link
	seen := make(map[string]bool)
	for _, a := range anchors {
		href, _ := a.Attr("href")
		u := cleanURL(href)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		links = append(links, Link{URL: u, Method: method})
	}
	return links
}

func (d *Discoverer) portalAnchors(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		if hostMatches(href, d.portalHosts) {
			out = append(out, a)
		}
	})
	return out
}

// viewAnchors matches the anchor text as a whole, its title, or any text
// node inside it. Matching text outside an anchor has nothing to follow.
func viewAnchors(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		title, _ := a.Attr("title")
		if isViewText(a.Text()) || isViewText(title) {
			out = append(out, a)
			return
		}
		for _, t := range textNodes(a) {
			if isViewText(t) {
				out = append(out, a)
				return
			}
		}
	})
	return out
}

func activateAnchors(doc *goquery.Document) []*goquery.Selection {
	var out []*goquery.Selection
	doc.Find("img[alt]").Each(func(_ int, img *goquery.Selection) {
		alt, _ := img.Attr("alt")
		if !activateAlt.MatchString(alt) {
			return
		}
		if a := img.Closest("a[href]"); a.Length() > 0 {
			out = append(out, a)
		}
	})
	return out
}

func isViewText(s string) bool {
	s = strings.Join(strings.Fields(s), " ")
	return viewPattern.MatchString(s) && !excludeText.MatchString(s)
}

// textNodes returns the text of every text node below sel
func textNodes(sel *goquery.Selection) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				out = append(out, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return out
}

// cleanURL normalizes and validates a URL
func cleanURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	if parsed.Host == "" {
		return ""
	}
	return parsed.String()
}

// hostMatches reports whether rawURL's host is one of domains or a subdomain
func hostMatches(rawURL string, domains []string) bool {
	u := cleanURL(rawURL)
	if u == "" {
		return false
	}
	parsed, _ := url.Parse(u)
	host := strings.ToLower(parsed.Hostname())

	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
