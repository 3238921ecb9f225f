package square

import (
	"strings"
	"unicode/utf8"

	sq "github.com/square/square-go-sdk"

	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
)

// Field limits enforced by the Payments API.
const (
	maxIdempotencyKeyLen = 45
	maxReferenceIDLen    = 40
	maxNoteLen           = 500
	defaultCurrency      = "USD"
)

// PaymentCreateParams is a card-on-file charge. Payments are always
// autocompleted; the engine never holds authorizations open.
type PaymentCreateParams struct {
	AmountCents    int64
	Currency       string
	LocationID     string
	CustomerID     string
	SourceID       string
	IdempotencyKey string
	Note           string
	ReferenceID    string
}

// Validate rejects requests Square would refuse with INVALID_VALUE.
func (p PaymentCreateParams) Validate() error {
	key := strings.TrimSpace(p.IdempotencyKey)
	switch {
	case key == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "square payment requires an idempotency key")
	case len(key) > maxIdempotencyKeyLen:
		return pkgerrors.New(pkgerrors.CodeValidation, "square idempotency key too long").
			WithDetails(map[string]any{"max": maxIdempotencyKeyLen})
	case strings.TrimSpace(p.SourceID) == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "square payment requires a source id")
	case p.AmountCents <= 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "square payment amount must be positive")
	case len(strings.TrimSpace(p.ReferenceID)) > maxReferenceIDLen:
		return pkgerrors.New(pkgerrors.CodeValidation, "square reference id too long").
			WithDetails(map[string]any{"max": maxReferenceIDLen})
	}
	return nil
}

func (p PaymentCreateParams) toSquareRequest() *sq.CreatePaymentRequest {
	autocomplete := true
	return &sq.CreatePaymentRequest{
		IdempotencyKey: strings.TrimSpace(p.IdempotencyKey),
		SourceID:       strings.TrimSpace(p.SourceID),
		AmountMoney:    &sq.Money{Amount: &p.AmountCents, Currency: currency(p.Currency)},
		Autocomplete:   &autocomplete,
		LocationID:     optional(p.LocationID),
		CustomerID:     optional(p.CustomerID),
		ReferenceID:    optional(p.ReferenceID),
		Note:           optional(truncate(p.Note, maxNoteLen)),
	}
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func currency(code string) *sq.Currency {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = defaultCurrency
	}
	c := sq.Currency(code)
	return &c
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
