package pricing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidPriceStructure is the cause of every normalization failure.
var ErrInvalidPriceStructure = errors.New("invalid price structure")

const minorUnitExponent = 2

// Price is the canonical record produced from any accepted price response.
type Price struct {
	Amount      decimal.Decimal `json:"amount"`
	AmountMinor int64           `json:"amountMinor"`
	Currency    enums.Currency  `json:"currency"`
	Metadata    Metadata        `json:"metadata"`
}

// Metadata keeps the provenance of a normalized price.
type Metadata struct {
	Shape    Shape           `json:"shape"`
	Original json.RawMessage `json:"original"`
}

// PaymentPrice is Price plus the breakdown fields surfaced for payment and audit.
type PaymentPrice struct {
	Price
	OriginalAmount decimal.Decimal `json:"originalAmount"`
	VATAmount      decimal.Decimal `json:"vatAmount"`
	PlatformFee    decimal.Decimal `json:"platformFee"`
}

// Normalizer resolves price responses with a fallback currency for shapes that omit it.
type Normalizer struct {
	defaultCurrency enums.Currency
}

// NewNormalizer builds a Normalizer. An invalid default falls back to CHF.
func NewNormalizer(defaultCurrency enums.Currency) Normalizer {
	if !defaultCurrency.IsValid() {
		defaultCurrency = enums.CurrencyCHF
	}
	return Normalizer{defaultCurrency: defaultCurrency}
}

var defaultNormalizer = NewNormalizer(enums.CurrencyCHF)

// Normalize resolves input using CHF as the fallback currency.
func Normalize(input any) (Price, error) {
	return defaultNormalizer.Normalize(input)
}

// NormalizeJSON decodes raw JSON, keeping numbers exact, and normalizes it.
func NormalizeJSON(raw []byte) (Price, error) {
	return defaultNormalizer.NormalizeJSON(raw)
}

// FormatForPayment normalizes input and surfaces its breakdown using CHF as the fallback currency.
func FormatForPayment(input any) (PaymentPrice, error) {
	return defaultNormalizer.FormatForPayment(input)
}

// DefaultCurrency returns the fallback currency.
func (n Normalizer) DefaultCurrency() enums.Currency {
	return n.defaultCurrency
}

// Normalize coerces a nested, flat or bare price response into a Price.
func (n Normalizer) Normalize(input any) (Price, error) {
	price, _, err := n.resolve(input)
	return price, err
}

// NormalizeJSON decodes raw JSON with UseNumber and normalizes the result.
func (n Normalizer) NormalizeJSON(raw []byte) (Price, error) {
	input, err := decodeJSON(raw)
	if err != nil {
		return Price{}, invalid(string(raw), "price response is not valid json")
	}
	return n.Normalize(input)
}

// FormatForPayment normalizes input and adds originalAmount, vatAmount and platformFee.
// Missing breakdown fields default to the amount (originalAmount) or zero.
func (n Normalizer) FormatForPayment(input any) (PaymentPrice, error) {
	if raw, ok := asRawJSON(input); ok {
		decoded, err := decodeJSON(raw)
		if err != nil {
			return PaymentPrice{}, invalid(string(raw), "price response is not valid json")
		}
		input = decoded
	}
	price, shape, err := n.resolve(input)
	if err != nil {
		return PaymentPrice{}, err
	}
	out := PaymentPrice{Price: price, OriginalAmount: price.Amount}
	if v, ok := shape.lookup("originalAmount"); ok {
		out.OriginalAmount = v
	}
	if v, ok := shape.lookup("vatAmount"); ok {
		out.VATAmount = v
	} else if v, ok := shape.lookup("vat"); ok {
		out.VATAmount = v
	}
	if v, ok := shape.lookup("platformFee"); ok {
		out.PlatformFee = v
	}
	return out, nil
}

func (n Normalizer) resolve(input any) (Price, priceShape, error) {
	if raw, ok := asRawJSON(input); ok {
		decoded, err := decodeJSON(raw)
		if err != nil {
			return Price{}, nil, invalid(string(raw), "price response is not valid json")
		}
		input = decoded
	}

	shape, reason := classify(input)
	if shape == nil {
		return Price{}, nil, invalid(input, reason)
	}

	amount, ok := shape.amount()
	if !ok {
		return Price{}, nil, invalid(input, fmt.Sprintf("%s price amount is not numeric", shape.kind()))
	}
	if amount.IsNegative() {
		return Price{}, nil, invalid(input, "price amount must not be negative")
	}

	currency := n.defaultCurrency
	if code := shape.currency(); code != "" {
		parsed, err := enums.ParseCurrency(code)
		if err != nil {
			return Price{}, nil, invalid(input, err.Error())
		}
		currency = parsed
	}

	original, err := json.Marshal(input)
	if err != nil {
		return Price{}, nil, invalid(input, "price response cannot be serialized")
	}

	return Price{
		Amount:      amount,
		AmountMinor: ToMinorUnits(amount),
		Currency:    currency,
		Metadata: Metadata{
			Shape:    shape.kind(),
			Original: original,
		},
	}, shape, nil
}

// ToMinorUnits converts a major-unit amount to an integer amount of cents, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(minorUnitExponent).Round(0).IntPart()
}

// FromMinorUnits converts cents back to a major-unit decimal.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-minorUnitExponent)
}

func asRawJSON(input any) ([]byte, bool) {
	switch v := input.(type) {
	case json.RawMessage:
		return v, true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func invalid(input any, reason string) error {
	return pkgerrors.Wrap(pkgerrors.CodeValidation, ErrInvalidPriceStructure, reason).
		WithDetails(map[string]any{
			"input":  echo(input),
			"reason": reason,
		})
}

func echo(input any) string {
	if s, ok := input.(string); ok {
		return s
	}
	if b, err := json.Marshal(input); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", input)
}
