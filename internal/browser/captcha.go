package browser

import (
	"context"
	"strings"
)

// CaptchaInfo describes a CAPTCHA found on a page
type CaptchaInfo struct {
	Found   bool
	Type    string
	Locator Locator
}

// CaptchaType constants
const (
	CaptchaTypeRecaptchaV2 = "recaptcha_v2"
	CaptchaTypeRecaptchaV3 = "recaptcha_v3"
	CaptchaTypeHCaptcha    = "hcaptcha"
	CaptchaTypeTurnstile   = "cloudflare_turnstile"
	CaptchaTypeFunCaptcha  = "funcaptcha"
	CaptchaTypeCloudflare  = "cloudflare_challenge"
	CaptchaTypeUnknown     = "unknown"
)

type captchaProbe struct {
	Type    string
	Locator Locator
}

// captchaProbes are checked in order; the first present element wins
var captchaProbes = []captchaProbe{
	{CaptchaTypeRecaptchaV2, CSS(`iframe[src*="recaptcha/api2/anchor"], iframe[src*="recaptcha/enterprise/anchor"], iframe[title="reCAPTCHA"]`)},
	{CaptchaTypeRecaptchaV2, CSS(`iframe[src*="recaptcha/api2/bframe"]`)},
	{CaptchaTypeHCaptcha, CSS(`iframe[src*="hcaptcha.com"], .h-captcha iframe`)},
	{CaptchaTypeTurnstile, CSS(`iframe[src*="challenges.cloudflare.com"], .cf-turnstile iframe`)},
	{CaptchaTypeFunCaptcha, CSS(`iframe[src*="funcaptcha"], iframe[src*="arkoselabs"]`)},
	{CaptchaTypeCloudflare, CSS(`form#challenge-form`)},
}

// DetectCaptcha reports the first CAPTCHA frame present on p. Probe errors
// are treated as absence.
func DetectCaptcha(ctx context.Context, p Page) CaptchaInfo {
	for _, probe := range captchaProbes {
		ok, err := p.Present(ctx, probe.Locator)
		if err != nil || !ok {
			continue
		}
		return CaptchaInfo{Found: true, Type: probe.Type, Locator: probe.Locator}
	}
	return CaptchaInfo{}
}

// CaptchaGone is a Condition that holds once no CAPTCHA frame is present
func CaptchaGone(p Page) Condition {
	return func(ctx context.Context) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return !DetectCaptcha(ctx, p).Found, nil
	}
}

// IsCaptchaBlocking returns true if the CAPTCHA requires human intervention
func (c CaptchaInfo) IsCaptchaBlocking() bool {
	return c.Found && c.Type != CaptchaTypeRecaptchaV3
}

// Description returns a human-readable hint for whoever solves it
func (c CaptchaInfo) Description() string {
	if !c.Found {
		return "No CAPTCHA detected"
	}

	descriptions := map[string]string{
		CaptchaTypeRecaptchaV2: "Google reCAPTCHA v2 - click the checkbox and/or solve image puzzles",
		CaptchaTypeRecaptchaV3: "Google reCAPTCHA v3 - usually invisible, may auto-pass",
		CaptchaTypeHCaptcha:    "hCaptcha - select images matching the description",
		CaptchaTypeTurnstile:   "Cloudflare Turnstile - usually auto-passes after a brief check",
		CaptchaTypeFunCaptcha:  "FunCaptcha - complete the interactive puzzle",
		CaptchaTypeCloudflare:  "Cloudflare challenge - wait or complete verification",
	}
	if desc, ok := descriptions[c.Type]; ok {
		return desc
	}
	return "Unknown CAPTCHA - manual inspection required"
}

// DetectCaptchaFromHTML checks saved HTML for CAPTCHA markers
func DetectCaptchaFromHTML(html string) CaptchaInfo {
	html = strings.ToLower(html)

	switch {
	case strings.Contains(html, "g-recaptcha") || strings.Contains(html, "recaptcha/api2"):
		return CaptchaInfo{Found: true, Type: CaptchaTypeRecaptchaV2}
	case strings.Contains(html, "hcaptcha") || strings.Contains(html, "h-captcha"):
		return CaptchaInfo{Found: true, Type: CaptchaTypeHCaptcha}
	case strings.Contains(html, "cf-turnstile") || strings.Contains(html, "challenges.cloudflare.com"):
		return CaptchaInfo{Found: true, Type: CaptchaTypeTurnstile}
	case strings.Contains(html, "arkoselabs") || strings.Contains(html, "funcaptcha"):
		return CaptchaInfo{Found: true, Type: CaptchaTypeFunCaptcha}
	}
	return CaptchaInfo{}
}
