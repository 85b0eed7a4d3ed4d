package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single statement line as printed by the issuing bank.
// Transactions are immutable once parsed; their position in the owning
// statement is significant and is used as the transaction reference in findings.
type Transaction struct {
	Date        time.Time `json:"date"`
	Description string    `json:"description"`

	// Amount is signed: credits are positive, debits negative.
	Amount decimal.Decimal `json:"amount"`

	// BalanceAfter is the running balance printed next to the line.
	// Invalid when the statement has no balance column.
	BalanceAfter decimal.NullDecimal `json:"balanceAfter"`

	// Channel is the payment channel the parser inferred, e.g. "ATM" or
	// "ONLINE". Empty when unknown.
	Channel string `json:"channel,omitempty"`

	// defect is set by UnmarshalJSON; Field is relative to the line.
	defect *FieldError
}

// Magnitude returns |Amount| as a float for statistical work.
func (t Transaction) Magnitude() float64 {
	return t.Amount.Abs().InexactFloat64()
}

// Day returns the calendar day of the transaction (UTC, midnight).
func (t Transaction) Day() time.Time {
	y, m, d := t.Date.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// UnmarshalJSON accepts dates either as RFC 3339 timestamps or as plain
// YYYY-MM-DD calendar dates, which is how most statement parsers emit them.
// A missing amount or unreadable date does not fail decoding; it is kept on
// the transaction and reported by Statement.Validate with the line index.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	type alias Transaction
	aux := struct {
		*alias
		Date   string          `json:"date"`
		Amount json.RawMessage `json:"amount"`
	}{alias: (*alias)(t)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.defect = nil

	date, err := ParseDate(aux.Date)
	if err != nil {
		t.defect = &FieldError{Field: "date", Reason: "is not a date"}
		return nil
	}
	t.Date = date

	if len(aux.Amount) == 0 || string(aux.Amount) == "null" {
		t.defect = &FieldError{Field: "amount", Reason: "is required"}
		return nil
	}
	if err := t.Amount.UnmarshalJSON(aux.Amount); err != nil {
		t.defect = &FieldError{Field: "amount", Reason: "is not a number"}
	}
	return nil
}

// ParseDate parses an RFC 3339 timestamp or a YYYY-MM-DD date.
// An empty string yields the zero time.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}
