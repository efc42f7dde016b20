// Package card extracts gift card details from redemption pages
package card

import (
	"errors"
	"fmt"
	"time"
)

// Field names a card attribute
type Field string

const (
	FieldBrand   Field = "brand"
	FieldNumber  Field = "number"
	FieldPIN     Field = "pin"
	FieldAmount  Field = "amount"
	FieldBarcode Field = "barcode"
)

// NoPIN is recorded in place of a PIN when the batch expects none
const NoPIN = "N/A"

// TimestampLayout formats ReceivedAt in records and summaries
const TimestampLayout = "2006-01-02 15:04:05"

// Card is one extracted gift card
type Card struct {
	Brand      string    `json:"brand"`
	Number     string    `json:"number"`
	PIN        string    `json:"pin"`
	Amount     string    `json:"amount"`
	SourceURL  string    `json:"source_url"`
	ReceivedAt time.Time `json:"received_at"`
	MessageID  string    `json:"message_id,omitempty"`
}

// Row returns the sink columns: brand, number, pin, amount, timestamp, source url
func (c *Card) Row() []string {
	return []string{c.Brand, c.Number, c.PIN, c.Amount, c.Timestamp(), c.SourceURL}
}

// Timestamp formats ReceivedAt in local time
func (c *Card) Timestamp() string {
	if c.ReceivedAt.IsZero() {
		return ""
	}
	return c.ReceivedAt.Local().Format(TimestampLayout)
}

// Summary is the one-line console form of a card
func (c *Card) Summary() string {
	return fmt.Sprintf("%s: %s %s, %s, %s", c.Brand, c.Number, c.PIN, c.Amount, c.Timestamp())
}

var (
	// ErrFieldNotFound matches every FieldNotFoundError
	ErrFieldNotFound = errors.New("field not found")
	// ErrInconsistentCard is returned when the card number never agrees
	// with the barcode on the same page
	ErrInconsistentCard = errors.New("card number and barcode disagree")
)

// FieldNotFoundError reports a mandatory field no strategy could produce
type FieldNotFoundError struct {
	Field Field
	URL   string
}

func (e *FieldNotFoundError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %s", ErrFieldNotFound, e.Field)
	}
	return fmt.Sprintf("%s: %s on %s", ErrFieldNotFound, e.Field, e.URL)
}

func (e *FieldNotFoundError) Unwrap() error {
	return ErrFieldNotFound
}
