package pricing

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Shape identifies which accepted price layout an input resolved to.
type Shape string

const (
	ShapeNested Shape = "nested"
	ShapeFlat   Shape = "flat"
	ShapeBare   Shape = "bare"
)

// priceShape is the closed set of accepted layouts. Each variant knows where its amount
// and currency live; classify picks the variant once at the boundary.
type priceShape interface {
	kind() Shape
	amount() (decimal.Decimal, bool)
	currency() string
	lookup(key string) (decimal.Decimal, bool)
}

// nestedShape: {final: {amount: {amount: 42.5}} | {amount: 42.5}, currency?}
type nestedShape struct {
	root  map[string]any
	final map[string]any
}

func (s nestedShape) kind() Shape { return ShapeNested }

func (s nestedShape) amount() (decimal.Decimal, bool) {
	switch inner := s.final["amount"].(type) {
	case map[string]any:
		return toDecimal(inner["amount"])
	default:
		return toDecimal(inner)
	}
}

func (s nestedShape) currency() string {
	if inner, ok := s.final["amount"].(map[string]any); ok {
		if code := stringField(inner, "currency"); code != "" {
			return code
		}
	}
	if code := stringField(s.final, "currency"); code != "" {
		return code
	}
	return stringField(s.root, "currency")
}

func (s nestedShape) lookup(key string) (decimal.Decimal, bool) {
	if inner, ok := s.final["amount"].(map[string]any); ok {
		if v, ok := toDecimal(inner[key]); ok {
			return v, true
		}
	}
	if v, ok := toDecimal(s.final[key]); ok {
		return v, true
	}
	return lookupRoot(s.root, key)
}

// flatShape: {amount: 42.5 | "42.5", currency?}
type flatShape struct {
	root map[string]any
}

func (s flatShape) kind() Shape { return ShapeFlat }

func (s flatShape) amount() (decimal.Decimal, bool) {
	return toDecimal(s.root["amount"])
}

func (s flatShape) currency() string {
	return stringField(s.root, "currency")
}

func (s flatShape) lookup(key string) (decimal.Decimal, bool) {
	return lookupRoot(s.root, key)
}

// bareShape: 42.5 | "42.5"
type bareShape struct {
	value any
}

func (s bareShape) kind() Shape { return ShapeBare }

func (s bareShape) amount() (decimal.Decimal, bool) {
	return toDecimal(s.value)
}

func (s bareShape) currency() string { return "" }

func (s bareShape) lookup(string) (decimal.Decimal, bool) {
	return decimal.Decimal{}, false
}

// classify resolves the input into one of the accepted shapes.
func classify(input any) (priceShape, string) {
	switch v := input.(type) {
	case nil:
		return nil, "price response is empty"
	case map[string]any:
		if final, ok := v["final"].(map[string]any); ok {
			if _, has := final["amount"]; has {
				return nestedShape{root: v, final: final}, ""
			}
			return nil, "final block has no amount"
		}
		if _, has := v["amount"]; has {
			if _, nested := v["amount"].(map[string]any); nested {
				return nil, "amount is an object without a final block"
			}
			return flatShape{root: v}, ""
		}
		return nil, "no recognizable price fields"
	default:
		if isScalar(v) {
			return bareShape{value: v}, ""
		}
		return nil, "unsupported price response type"
	}
}

func lookupRoot(root map[string]any, key string) (decimal.Decimal, bool) {
	if v, ok := toDecimal(root[key]); ok {
		return v, true
	}
	if breakdown, ok := root["breakdown"].(map[string]any); ok {
		return toDecimal(breakdown[key])
	}
	return decimal.Decimal{}, false
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func isScalar(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number, string, decimal.Decimal:
		return true
	default:
		return false
	}
}

// toDecimal coerces the numeric encodings produced by JSON decoding or callers.
// NaN, infinities and non-numeric strings do not coerce.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		return toDecimal(float64(n))
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		if n > math.MaxInt64 {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromInt(int64(n)), true
	case json.Number:
		return parseDecimal(string(n))
	case string:
		return parseDecimal(n)
	default:
		return decimal.Decimal{}, false
	}
}

func parseDecimal(raw string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
