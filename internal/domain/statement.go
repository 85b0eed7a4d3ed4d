package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedStatement is returned when a statement is missing a field the
// scoring math depends on.
var ErrMalformedStatement = errors.New("malformed statement")

// FieldError names the offending statement field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("malformed statement: %s %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrMalformedStatement
}

// Statement is one account's transaction history for a period plus the
// document provenance signals extracted by the parser.
// A Statement owns its transactions; no component reorders them.
type Statement struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	Currency  string `json:"currency,omitempty"`

	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`

	OpeningBalance decimal.NullDecimal `json:"openingBalance"`

	// ClosingBalance is the closing balance reported on the document, if any.
	ClosingBalance decimal.NullDecimal `json:"closingBalance"`

	Transactions []Transaction    `json:"transactions"`
	Metadata     DocumentMetadata `json:"metadata"`
}

// DocumentMetadata holds document-level signals supplied by the external parser.
type DocumentMetadata struct {
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`

	RevisionCount int `json:"revisionCount"`

	// Reissued is true when the document declares itself a duplicate or
	// re-issue; false means it claims to be the original issuance.
	Reissued bool `json:"reissued,omitempty"`

	StructuralFingerprint string `json:"structuralFingerprint,omitempty"`
	ReferenceFingerprint  string `json:"referenceFingerprint,omitempty"`
	Template              string `json:"template,omitempty"`

	Pages []PageMarkers `json:"pages,omitempty"`

	// PDF info dictionary
	Producer  string `json:"producer,omitempty"`
	Creator   string `json:"creator,omitempty"`
	Author    string `json:"author,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// PageMarkers lists font and encoding markers observed on one page.
type PageMarkers struct {
	Number   int      `json:"number"`
	Fonts    []string `json:"fonts,omitempty"`
	Encoding string   `json:"encoding,omitempty"`
}

// UnmarshalJSON accepts period dates as RFC 3339 timestamps or YYYY-MM-DD.
func (s *Statement) UnmarshalJSON(data []byte) error {
	type alias Statement
	aux := struct {
		*alias
		PeriodStart string `json:"periodStart"`
		PeriodEnd   string `json:"periodEnd"`
	}{alias: (*alias)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if s.PeriodStart, err = ParseDate(aux.PeriodStart); err != nil {
		return &FieldError{Field: "periodStart", Reason: "is not a date"}
	}
	if s.PeriodEnd, err = ParseDate(aux.PeriodEnd); err != nil {
		return &FieldError{Field: "periodEnd", Reason: "is not a date"}
	}
	return nil
}

// Validate enforces the field-level rules every downstream component relies on.
func (s *Statement) Validate() error {
	if s == nil {
		return &FieldError{Field: "statement", Reason: "is required"}
	}
	if s.AccountID == "" {
		return &FieldError{Field: "accountId", Reason: "is required"}
	}
	if s.PeriodStart.IsZero() {
		return &FieldError{Field: "periodStart", Reason: "is required"}
	}
	if s.PeriodEnd.IsZero() {
		return &FieldError{Field: "periodEnd", Reason: "is required"}
	}
	if s.PeriodEnd.Before(s.PeriodStart) {
		return &FieldError{Field: "periodEnd", Reason: "is before periodStart"}
	}
	if !s.OpeningBalance.Valid {
		return &FieldError{Field: "openingBalance", Reason: "is required"}
	}
	for i, tx := range s.Transactions {
		if tx.defect != nil {
			return &FieldError{Field: fmt.Sprintf("transactions[%d].%s", i, tx.defect.Field), Reason: tx.defect.Reason}
		}
		if tx.Date.IsZero() {
			return &FieldError{Field: fmt.Sprintf("transactions[%d].date", i), Reason: "is required"}
		}
	}
	if s.Metadata.RevisionCount < 0 {
		return &FieldError{Field: "metadata.revisionCount", Reason: "must not be negative"}
	}
	return nil
}

// Contains reports whether t falls inside the stated period.
// The period end is inclusive through the end of that day.
func (s *Statement) Contains(t time.Time) bool {
	return !t.Before(s.PeriodStart) && t.Before(s.PeriodEndExclusive())
}

// PeriodEndExclusive returns the first instant after the stated period.
func (s *Statement) PeriodEndExclusive() time.Time {
	y, m, d := s.PeriodEnd.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// PeriodDays returns the number of calendar days covered by the statement.
func (s *Statement) PeriodDays() int {
	start := s.PeriodStart.UTC()
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	days := int(s.PeriodEndExclusive().Sub(start).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}

// DecodeStatement reads one JSON statement and validates it.
func DecodeStatement(r io.Reader) (*Statement, error) {
	var stmt Statement
	if err := json.NewDecoder(r).Decode(&stmt); err != nil {
		var fe *FieldError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedStatement, err)
	}
	if err := stmt.Validate(); err != nil {
		return nil, err
	}
	return &stmt, nil
}
