package card

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/titanous/json5"
)

// ErrNoEmbeddedConfig is returned when no script on the page carries a card
// configuration object
var ErrNoEmbeddedConfig = errors.New("no embedded card configuration")

// Key aliases, compared case-insensitively, in order of preference
var (
	numberKeys  = []string{"cardnumber", "card_number", "accountnumber"}
	pinKeys     = []string{"pin", "cardpin", "securitycode", "seccode"}
	balanceKeys = []string{"initialbalance", "initial_balance", "balance", "amount"}
	brandKeys   = []string{"brandname", "brand", "merchantname", "merchant"}
)

// EmbeddedConfig is the card data found in an inline configuration object
type EmbeddedConfig struct {
	Brand   string
	Number  string
	PIN     string
	Balance string
}

// ParseEmbedded finds the first object literal in the page's scripts that
// carries a card number and reads the card fields from it. Objects may be
// strict JSON or JS literals with unquoted keys and trailing commas.
func ParseEmbedded(source string) (*EmbeddedConfig, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page source: %w", err)
	}

	var found map[string]interface{}
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = findConfigObject(s.Text())
		return found == nil
	})
	if found == nil {
		return nil, ErrNoEmbeddedConfig
	}

	cfg := &EmbeddedConfig{
		Number: NormalizeNumber(lookupString(found, numberKeys)),
		PIN:    strings.TrimSpace(lookupString(found, pinKeys)),
		Brand:  CleanBrand(lookupString(found, brandKeys)),
	}
	if v, ok := lookup(found, balanceKeys); ok {
		cfg.Balance = formatBalance(v)
	}
	return cfg, nil
}

// findConfigObject tries every balanced {...} region of script in order
func findConfigObject(script string) map[string]interface{} {
	for i := 0; i < len(script); i++ {
		if script[i] != '{' {
			continue
		}
		end := matchBrace(script, i)
		if end < 0 {
			return nil
		}

		obj, err := decodeObject(script[i : end+1])
		if err != nil {
			continue
		}
		if _, ok := lookup(obj, numberKeys); ok {
			return obj
		}
		i = end
	}
	return nil
}

// decodeObject keeps number literals as written so long card numbers
// survive without float rounding
func decodeObject(literal string) (map[string]interface{}, error) {
	dec := json5.NewDecoder(strings.NewReader(literal))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// matchBrace returns the index of the brace closing the one at start,
// skipping quoted strings, or -1
func matchBrace(s string, start int) int {
	depth := 0
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// lookup searches obj and nested objects breadth first for the first key
// alias with a non-empty value
func lookup(obj map[string]interface{}, keys []string) (interface{}, bool) {
	queue := []map[string]interface{}{obj}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, want := range keys {
			for k, v := range cur {
				if strings.EqualFold(k, want) && v != nil && v != "" {
					if _, nested := v.(map[string]interface{}); !nested {
						return v, true
					}
				}
			}
		}
		for _, v := range cur {
			switch child := v.(type) {
			case map[string]interface{}:
				queue = append(queue, child)
			case []interface{}:
				for _, item := range child {
					if m, ok := item.(map[string]interface{}); ok {
						queue = append(queue, m)
					}
				}
			}
		}
	}
	return nil, false
}

func lookupString(obj map[string]interface{}, keys []string) string {
	v, ok := lookup(obj, keys)
	if !ok {
		return ""
	}
	return scalarString(v)
}

func scalarString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case json5.Number:
		lit := strings.TrimPrefix(x.String(), "+")
		if strings.ContainsAny(lit, "xX") {
			if n, err := x.Int64(); err == nil {
				return strconv.FormatInt(n, 10)
			}
		}
		return lit
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// formatBalance renders numeric or textual balances in DOM amount format.
// Values that are not finite non-negative amounts yield "".
func formatBalance(v interface{}) string {
	var f float64
	switch x := v.(type) {
	case json5.Number:
		n, err := x.Float64()
		if err != nil {
			return ""
		}
		f = n
	case float64:
		f = x
	case string:
		cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(x)
		n, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return NormalizeAmount(x)
		}
		f = n
	default:
		return ""
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return ""
	}
	return FormatAmount(f)
}
