package card

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egcx/egcx/internal/browser"
)

// recordingPage wraps a StaticPage and records every locator read
type recordingPage struct {
	*browser.StaticPage
	reads     []browser.Locator
	navigates int
	// swap replaces the page after each Navigate, for reload tests
	swap []string
}

func (p *recordingPage) Text(ctx context.Context, loc browser.Locator) (string, error) {
	p.reads = append(p.reads, loc)
	return p.StaticPage.Text(ctx, loc)
}

func (p *recordingPage) Navigate(ctx context.Context, url string) error {
	p.navigates++
	if len(p.swap) > 0 {
		next, err := browser.NewStaticPage(url, p.swap[0])
		if err != nil {
			return err
		}
		p.swap = p.swap[1:]
		p.StaticPage = next
	}
	return p.StaticPage.Navigate(ctx, url)
}

func newPage(t *testing.T, url, html string) *recordingPage {
	t.Helper()
	sp, err := browser.NewStaticPage(url, html)
	require.NoError(t, err)
	return &recordingPage{StaticPage: sp}
}

func newExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := NewExtractor(Options{})
	require.NoError(t, err)
	return e
}

func TestNormalizeBrand(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Your Example Store $25 eGift card", "Example Store"},
		{"Example Store eGift Card", "Example Store"},
		{"Your Macy's Gift Card", "Macy's"},
		{"Your Bed Bath & Beyond® Bonus Card", "Bed Bath Beyond"},
		{"Your Your Store Gift card", "Store"},
		{"Your Example Store $25.00 eGift card", "Example Store"},
		{"Your Example Store $1,000 eGift card", "Example Store"},
		{"Café Rouge Gift Card", "Café Rouge"},
		{"Some_Store Gift Card", "SomeStore"},
		{"Welcome back", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := NormalizeBrand(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.NotRegexp(t, `^(?i)your\b`, got)
			assert.NotRegexp(t, `[^\p{L}\p{N}'\s]`, got)
			assert.NotContains(t, got, "$")
		})
	}
}

func TestNormalizeAmount(t *testing.T) {
	canonical := regexp.MustCompile(`^\$\d+(,\d+)*(\.\d{1,2})?$`)
	tests := []struct {
		raw  string
		want string
	}{
		{"$50.00 Balance", "$50.00"},
		{"Card value: $1,000", "$1,000"},
		{"$1500.5", "$1500.5"},
		{"Your $25 gift", "$25"},
		{"no amount here", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := NormalizeAmount(tt.raw)
			assert.Equal(t, tt.want, got)
			if got != "" {
				assert.Regexp(t, canonical, got)
			}
		})
	}
}

func TestNormalizeNumberAndPIN(t *testing.T) {
	assert.Equal(t, "6006491234567890", NormalizeNumber(" 6006 4912\n3456\t7890 "))
	assert.Equal(t, "A1B2", NormalizePIN("PIN: A1B2"))
	assert.Equal(t, "4821", NormalizePIN("Security code 4821 (copy)"))
	assert.Empty(t, NormalizePIN("abc 12"))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "$25.00", FormatAmount(25))
	assert.Equal(t, "$1,234.50", FormatAmount(1234.5))
}

func TestResolveFirstMatchWins(t *testing.T) {
	ctx := context.Background()
	page := newPage(t, "https://cards.example/v", `<div id="a">nothing</div><div id="b">$10.00</div><div id="c">$99.00</div>`)

	strategies := []Strategy{
		{Locator: browser.ID("missing")},
		{Locator: browser.ID("a")},
		{Locator: browser.ID("b")},
		{Locator: browser.ID("c")},
	}

	got, err := Resolve(ctx, page, strategies, NormalizeAmount)
	require.NoError(t, err)
	assert.Equal(t, "$10.00", got)

	want := []browser.Locator{browser.ID("missing"), browser.ID("a"), browser.ID("b")}
	if diff := cmp.Diff(want, page.reads); diff != "" {
		t.Errorf("evaluated locators mismatch (-want +got):\n%s", diff)
	}

	again, err := Resolve(ctx, page, strategies, NormalizeAmount)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestResolveNoMatch(t *testing.T) {
	page := newPage(t, "https://cards.example/v", `<p>empty</p>`)
	_, err := Resolve(context.Background(), page, []Strategy{{Locator: browser.ID("x")}}, nil)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolveStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := newPage(t, "https://cards.example/v", `<div id="a">$1</div>`)
	_, err := Resolve(ctx, page, []Strategy{{Locator: browser.ID("a")}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

const domCard = `<html><head><title>Welcome</title></head><body>
<div id="vgcheader">Your Example Store $25 eGift card</div>
<span id="cardNumber2">6006 4912 3456 7890</span>
<div id="value">$50.00 Balance</div>
<div id="secCode">PIN: 7731</div>
</body></html>`

func TestExtractDOM(t *testing.T) {
	e := newExtractor(t)
	page := newPage(t, "https://cards.example/view?id=1", domCard)

	got, err := e.Extract(context.Background(), page, true)
	require.NoError(t, err)

	want := &Card{
		Brand:     "Example Store",
		Number:    "6006491234567890",
		PIN:       "7731",
		Amount:    "$50.00",
		SourceURL: "https://cards.example/view?id=1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("card mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractXPathLayout(t *testing.T) {
	html := `<html><head><title>Portal</title></head><body>
<div id="main">
  <p><strong>Your Example Store $25.00 eGift card</strong></p>
  <div><div>x</div><div><h2>$25.00</h2></div></div>
  <div><div>y</div><div><p>PIN</p><p>PIN: <span>K7Q2</span></p></div></div>
</div>
<span id="accountnumber">6006 4912 3456 7890</span>
</body></html>`

	page := newPage(t, "https://cards.example/x", html)
	got, err := newExtractor(t).Extract(context.Background(), page, true)
	require.NoError(t, err)

	want := &Card{
		Brand:     "Example Store",
		Number:    "6006491234567890",
		PIN:       "K7Q2",
		Amount:    "$25.00",
		SourceURL: "https://cards.example/x",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("card mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, browser.ByXPath, page.reads[0].By)
}

func TestExtractMissingPIN(t *testing.T) {
	html := `<html><body>
<div id="vgcheader">Example Store Gift Card</div>
<span id="accountnumber">1111 2222</span>
<div id="amount">$20</div>
</body></html>`

	t.Run("expected pin fails the link", func(t *testing.T) {
		_, err := newExtractor(t).Extract(context.Background(), newPage(t, "https://cards.example/x", html), true)
		require.ErrorIs(t, err, ErrFieldNotFound)

		var fnf *FieldNotFoundError
		require.True(t, errors.As(err, &fnf))
		assert.Equal(t, FieldPIN, fnf.Field)
	})

	t.Run("no pin batch records marker", func(t *testing.T) {
		c, err := newExtractor(t).Extract(context.Background(), newPage(t, "https://cards.example/x", html), false)
		require.NoError(t, err)
		assert.Equal(t, NoPIN, c.PIN)
		assert.Equal(t, "11112222", c.Number)
	})
}

func TestExtractMissingMandatory(t *testing.T) {
	html := `<html><body><div id="vgcheader">Example Store Gift Card</div><div id="value">$5.00</div></body></html>`
	_, err := newExtractor(t).Extract(context.Background(), newPage(t, "https://cards.example/x", html), false)

	var fnf *FieldNotFoundError
	require.True(t, errors.As(err, &fnf))
	assert.Equal(t, FieldNumber, fnf.Field)
}

func TestExtractEmbedded(t *testing.T) {
	html := `<html><head><title>Acme eGift Card</title>
<script>
  window.dataLayer = [];
  var cardConfig = {"CardNumber": "1234567890123456", "Pin": "4821", "InitialBalance": 25};
</script></head><body><div id="app"></div></body></html>`

	e := newExtractor(t)
	url := "https://egift.activationspot.com/card/abc"
	require.Equal(t, ModeEmbedded, e.ModeFor(url))

	c, err := e.Extract(context.Background(), newPage(t, url, html), true)
	require.NoError(t, err)
	assert.Equal(t, "$25.00", c.Amount)
	assert.Equal(t, "1234567890123456", c.Number)
	assert.Equal(t, "4821", c.PIN)
	assert.Equal(t, "Acme", c.Brand)
}

func TestParseEmbeddedJSObject(t *testing.T) {
	src := `<script>
	init({
	  theme: { color: '#fff' },
	  card: { brandName: 'Example Store', cardNumber: '6006 4912', securityCode: 'X9Z8', initialBalance: '1,250.00', },
	});
	</script>`

	cfg, err := ParseEmbedded(src)
	require.NoError(t, err)
	want := &EmbeddedConfig{Brand: "Example Store", Number: "60064912", PIN: "X9Z8", Balance: "$1,250.00"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	_, err = ParseEmbedded(`<script>var x = {a: 1};</script>`)
	assert.ErrorIs(t, err, ErrNoEmbeddedConfig)
}

func TestParseEmbeddedLongNumber(t *testing.T) {
	cfg, err := ParseEmbedded(`<script>var card = {CardNumber: 6006491234567890123, Pin: 4821, InitialBalance: 25.5};</script>`)
	require.NoError(t, err)
	assert.Equal(t, "6006491234567890123", cfg.Number)
	assert.Equal(t, "4821", cfg.PIN)
	assert.Equal(t, "$25.50", cfg.Balance)
}

func TestParseEmbeddedRejectsBadBalance(t *testing.T) {
	for _, balance := range []string{"Infinity", "-Infinity", "NaN", "-5", "'-5.00'", "'NaN'"} {
		t.Run(balance, func(t *testing.T) {
			cfg, err := ParseEmbedded(`<script>var card = {cardNumber: '1234', balance: ` + balance + `};</script>`)
			require.NoError(t, err)
			assert.Empty(t, cfg.Balance)
		})
	}

	html := `<html><head><title>Acme eGift Card</title>
<script>var cardConfig = {CardNumber: "1234567890123456", Pin: "4821", InitialBalance: Infinity};</script>
</head><body></body></html>`
	url := "https://egift.activationspot.com/card/abc"
	_, err := newExtractor(t).Extract(context.Background(), newPage(t, url, html), true)

	var fnf *FieldNotFoundError
	require.True(t, errors.As(err, &fnf))
	assert.Equal(t, FieldAmount, fnf.Field)
}

func TestExtractBarcodeCrossCheck(t *testing.T) {
	stale := `<html><body><div id="vgcheader">Example Store Gift Card</div>
<span id="cardNumber2">1111</span><div id="value">$5.00</div>
<div id="barcodeData">2222</div></body></html>`
	fresh := `<html><body><div id="vgcheader">Example Store Gift Card</div>
<span id="cardNumber2">2222</span><div id="value">$5.00</div>
<div id="barcodeData">2222</div></body></html>`

	t.Run("reload resolves mismatch", func(t *testing.T) {
		page := newPage(t, "https://cards.example/x", stale)
		page.swap = []string{fresh}

		c, err := newExtractor(t).Extract(context.Background(), page, false)
		require.NoError(t, err)
		assert.Equal(t, "2222", c.Number)
		assert.Equal(t, 1, page.navigates)
	})

	t.Run("persistent mismatch gives up", func(t *testing.T) {
		page := newPage(t, "https://cards.example/x", stale)

		_, err := newExtractor(t).Extract(context.Background(), page, false)
		require.ErrorIs(t, err, ErrInconsistentCard)
		assert.Equal(t, DefaultMaxAttempts-1, page.navigates)
	})
}

func TestCardRowAndSummary(t *testing.T) {
	received := time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)
	c := &Card{
		Brand: "Example Store", Number: "6006", PIN: NoPIN, Amount: "$5.00",
		SourceURL: "https://cards.example/x", ReceivedAt: received,
	}

	assert.Equal(t, []string{"Example Store", "6006", "N/A", "$5.00", "2024-03-01 09:30:00", "https://cards.example/x"}, c.Row())
	assert.Equal(t, "Example Store: 6006 N/A, $5.00, 2024-03-01 09:30:00", c.Summary())
}

func TestWithExtra(t *testing.T) {
	base := DefaultStrategies()
	extra := map[Field][]Strategy{FieldPIN: {{Locator: browser.CSS(".pin-code")}}}

	merged := WithExtra(base, extra)
	assert.Len(t, merged[FieldPIN], len(base[FieldPIN])+1)
	assert.Equal(t, browser.CSS(".pin-code"), merged[FieldPIN][len(merged[FieldPIN])-1].Locator)
	assert.Len(t, DefaultStrategies()[FieldPIN], len(base[FieldPIN]))
}
