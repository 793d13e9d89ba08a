package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind enumerates the representations a field value can take.
type Kind uint8

const (
	// KindAbsent marks a missing, null or NaN value. Absent values are never persisted.
	KindAbsent Kind = iota
	// KindNumber holds an exact decimal.
	KindNumber
	// KindString holds free text such as status labels.
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return "absent"
	}
}

// Value is a tagged field value produced once at the sample boundary.
type Value struct {
	kind Kind
	num  decimal.Decimal
	str  string
}

// Absent returns the absent value.
func Absent() Value { return Value{} }

// Number wraps an exact decimal.
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }

// String wraps a text value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Float converts a float to an exact decimal using its shortest round-trip
// representation. NaN and infinities become absent.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Absent()
	}
	d, err := decimal.NewFromString(strconv.FormatFloat(f, 'f', -1, 64))
	if err != nil {
		return Absent()
	}
	return Number(d)
}

// Kind reports the value kind.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether the value should be omitted from storage.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Decimal returns the numeric payload; ok is false for non-numeric values.
func (v Value) Decimal() (decimal.Decimal, bool) {
	if v.kind != KindNumber {
		return decimal.Decimal{}, false
	}
	return v.num, true
}

// Text returns the string payload; ok is false for non-string values.
func (v Value) Text() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// String renders the value for display. Absent renders as an empty string.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return v.num.String()
	case KindString:
		return v.str
	default:
		return ""
	}
}

// Equal compares two values by kind and payload. Numbers compare by value, so 1.50 equals 1.5.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num.Equal(other.num)
	case KindString:
		return v.str == other.str
	default:
		return true
	}
}

// MarshalJSON encodes numbers as exact JSON number literals, strings as JSON strings, absent as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindString:
		return json.Marshal(v.str)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON and accepts any scalar.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseJSONValue(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseJSONValue converts a scalar decoded with json.Decoder.UseNumber into a Value.
//
// null and the textual NaN markers become absent, json.Number becomes an exact
// decimal, and booleans and strings become strings. Nested objects and arrays
// are rejected.
func ParseJSONValue(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Absent(), nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return Absent(), fmt.Errorf("parse number %q: %w", x.String(), err)
		}
		return Number(d), nil
	case float64:
		return Float(x), nil
	case string:
		if isNaNMarker(x) {
			return Absent(), nil
		}
		return String(x), nil
	case bool:
		return String(strconv.FormatBool(x)), nil
	default:
		return Absent(), fmt.Errorf("unsupported value type %T", raw)
	}
}

func isNaNMarker(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nan", "nat":
		return true
	}
	return false
}
