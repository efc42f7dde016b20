package card

import (
	"regexp"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Normalizer cleans raw element text into a field value. An empty result
// means the text did not hold a valid value.
type Normalizer func(raw string) string

var (
	brandPattern     = regexp.MustCompile(`(?i)(Your )?(.*?) (?:\$[\d,]+(?:\.\d{1,2})?\s)?(e?Gift|Bonus) card`)
	brandPunctuation = regexp.MustCompile(`[^\p{L}\p{N}'\s]`)
	whitespace       = regexp.MustCompile(`\s+`)
	amountPattern    = regexp.MustCompile(`\$(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d{1,2})?`)
	pinPattern       = regexp.MustCompile(`[A-Z0-9]{4,}`)
	yourPrefix       = regexp.MustCompile(`(?i)^your\s+`)
)

// NormalizeBrand reduces "Your Example Store $25 eGift card" to
// "Example Store". Text without a gift card phrase is invalid.
func NormalizeBrand(raw string) string {
	m := brandPattern.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return cleanBrand(m[2])
}

// CleanBrand is the lenient form used for structured sources: the gift
// card phrase is stripped when present, otherwise the whole text is kept.
func CleanBrand(raw string) string {
	if b := NormalizeBrand(raw); b != "" {
		return b
	}
	return cleanBrand(raw)
}

func cleanBrand(s string) string {
	s = brandPunctuation.ReplaceAllString(s, "")
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	for yourPrefix.MatchString(s) {
		s = yourPrefix.ReplaceAllString(s, "")
	}
	return s
}

// NormalizeNumber strips all whitespace
func NormalizeNumber(raw string) string {
	return whitespace.ReplaceAllString(raw, "")
}

// NormalizeAmount returns the first dollar amount in raw
func NormalizeAmount(raw string) string {
	return amountPattern.FindString(raw)
}

// NormalizePIN returns the first run of four or more uppercase letters or digits
func NormalizePIN(raw string) string {
	return pinPattern.FindString(raw)
}

var amountPrinter = message.NewPrinter(language.AmericanEnglish)

// FormatAmount renders a balance as "$1,234.50"
func FormatAmount(v float64) string {
	return amountPrinter.Sprintf("$%.2f", v)
}

// Normalizers maps each field to its normalizer
var Normalizers = map[Field]Normalizer{
	FieldBrand:   NormalizeBrand,
	FieldNumber:  NormalizeNumber,
	FieldAmount:  NormalizeAmount,
	FieldPIN:     NormalizePIN,
	FieldBarcode: NormalizeNumber,
}
