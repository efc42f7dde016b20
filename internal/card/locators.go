package card

import "github.com/egcx/egcx/internal/browser"

func text(l browser.Locator) Strategy { return Strategy{Locator: l} }

// DefaultStrategies returns the built-in locator lists. Merchant ids come
// first and generic tags last.
func DefaultStrategies() map[Field][]Strategy {
	return map[Field][]Strategy{
		FieldBrand: {
			text(browser.XPath(`//*[@id="main"]/p/strong`)),
			text(browser.ID("vgcheader")),
			text(browser.Tag("title")),
			text(browser.CSS(".section-header")),
			text(browser.Tag("h1")),
		},
		FieldNumber: {
			text(browser.ID("cardNumber2")),
			text(browser.ID("accountnumber")),
			text(browser.CSS("div[aria-label$='Card Number'] .utility-button-secondary-text-style")),
		},
		FieldAmount: {
			text(browser.ID("value")),
			text(browser.ID("amount")),
			text(browser.ID("balance-amount")),
			text(browser.ID("giftvalue")),
			text(browser.XPath(`//*[@id="main"]/div[1]/div[2]/h2`)),
			text(browser.Tag("h1")),
		},
		FieldPIN: {
			text(browser.ID("secCode")),
			text(browser.ID("securityCode")),
			text(browser.ID("pinContainer")),
			text(browser.CSS("div[aria-label='Copy PIN'] .utility-button-secondary-text-style")),
			text(browser.XPath(`//*[@id="main"]/div[2]/div[2]/p[2]/span`)),
			text(browser.XPath(`//*[@id="main"]/div[4]/p[2]/span`)),
		},
		FieldBarcode: {
			text(browser.ID("barcodeData")),
			{Locator: browser.CSS("[data-barcode]"), Attr: "data-barcode"},
		},
	}
}

// WithExtra appends extra strategies to the defaults per field
func WithExtra(base map[Field][]Strategy, extra map[Field][]Strategy) map[Field][]Strategy {
	out := make(map[Field][]Strategy, len(base))
	for f, list := range base {
		out[f] = append([]Strategy(nil), list...)
	}
	for f, list := range extra {
		out[f] = append(out[f], list...)
	}
	return out
}
