// Package dimensions models the segmentation attributes a metric snapshot was
// computed under and derives their stable identity hash.
//
// A dimension set is an unordered mapping of string keys to scalar values
// (string, number or boolean). Two sets hash identically if and only if they
// hold the same key/value pairs; values compare type-aware, so the string "1"
// and the number 1 are different values while the numbers 1 and 1.0 are equal.
//
// Canonical form: keys sorted by byte order, each pair rendered as
// key=T:value with T one of s, n or b, pairs joined by '&'. Backslash, '=' and
// '&' inside keys and string values are escaped with a backslash. Numbers use
// the shortest exact decimal representation without exponent. The digest is
// the lowercase hex SHA-256 of the canonical form; the empty set therefore
// hashes to the SHA-256 of the empty string (EmptyHash).
//
// Numbers are bounded so their canonical rendering stays short: at most
// MaxDigits significant digits, and the last of them no more than
// MaxExponent places from the decimal point.
package dimensions

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// EmptyHash is the canonical hash of a set with no dimensions.
const EmptyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Number bounds. Every finite float64 fits.
const (
	MaxDigits   = 64
	MaxExponent = 324
)

// maxNumberText caps the length of a number literal before it is parsed.
const maxNumberText = MaxDigits + MaxExponent + 16

// ErrNumberRange reports a number outside MaxDigits or MaxExponent.
var ErrNumberRange = errors.New("number out of range")

// CheckNumber reports whether d is within the number bounds.
func CheckNumber(d decimal.Decimal) error {
	coef := d.Coefficient()
	if coef.BitLen() > 4*(MaxDigits+MaxExponent) {
		return fmt.Errorf("%w: too many digits", ErrNumberRange)
	}
	digits := strings.TrimPrefix(coef.String(), "-")
	significant := strings.TrimRight(digits, "0")
	if significant == "" {
		return nil
	}
	if len(significant) > MaxDigits {
		return fmt.Errorf("%w: more than %d significant digits", ErrNumberRange, MaxDigits)
	}
	exp := int64(d.Exponent()) + int64(len(digits)-len(significant))
	if exp > MaxExponent || exp < -MaxExponent {
		return fmt.Errorf("%w: exponent beyond %d", ErrNumberRange, MaxExponent)
	}
	return nil
}

// Kind identifies the scalar type of a dimension value.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// tag is the one-letter type marker used in the canonical form.
func (k Kind) tag() string {
	switch k {
	case KindString:
		return "s"
	case KindNumber:
		return "n"
	case KindBool:
		return "b"
	default:
		return "?"
	}
}

// Value is a single scalar dimension value.
type Value struct {
	kind Kind
	str  string
	num  decimal.Decimal
	b    bool
}

// String returns a string dimension value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric dimension value.
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }

// Int returns a numeric dimension value from an integer.
func Int(i int64) Value { return Number(decimal.NewFromInt(i)) }

// Bool returns a boolean dimension value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind reports the value's scalar type. The zero Value has an invalid kind.
func (v Value) Kind() Kind { return v.kind }

// Equal reports whether two values have the same type and value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num.Equal(o.num)
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

// Validate checks that v has a known kind and, for numbers, fits the bounds.
func (v Value) Validate() error {
	switch v.kind {
	case KindString, KindBool:
		return nil
	case KindNumber:
		return CheckNumber(v.num)
	default:
		return errors.New("invalid value")
	}
}

// Interface returns the value as a string, decimal.Decimal or bool.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num.String()
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// MarshalJSON renders the value as a native JSON scalar. Numbers are written
// unquoted with full precision.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindBool:
		return json.Marshal(v.b)
	default:
		return nil, fmt.Errorf("cannot marshal dimension value of kind %s", v.kind)
	}
}

// UnmarshalJSON accepts a JSON string, number or boolean.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Error reports a dimension that cannot be part of a set.
type Error struct {
	Key    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dimension %q: %s", e.Key, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Set is an unordered collection of dimensions.
type Set map[string]Value

// FromMap converts loosely typed input into a Set. Strings, booleans, Go
// integer and float types, json.Number, decimal.Decimal and Value are
// accepted. Nested maps, slices, nil, non-finite floats and numbers outside
// the bounds are rejected with an *Error naming the offending key.
func FromMap(m map[string]any) (Set, error) {
	out := make(Set, len(m))
	for key, raw := range m {
		v, err := fromAny(raw)
		if err != nil {
			return nil, &Error{Key: key, Reason: err.Error(), Err: err}
		}
		out[key] = v
	}
	return out, nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case Value:
		if err := t.Validate(); err != nil {
			return Value{}, err
		}
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t))
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t)
	case float32:
		return fromFloat(float64(t))
	case float64:
		return fromFloat(t)
	case json.Number:
		if len(t) > maxNumberText {
			return Value{}, fmt.Errorf("%w: literal longer than %d characters", ErrNumberRange, maxNumberText)
		}
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", t.String())
		}
		return fromDecimal(d)
	case decimal.Decimal:
		return fromDecimal(t)
	case nil:
		return Value{}, fmt.Errorf("null is not a supported value")
	case map[string]any, []any:
		return Value{}, fmt.Errorf("nested structures are not supported")
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

func fromDecimal(d decimal.Decimal) (Value, error) {
	if err := CheckNumber(d); err != nil {
		return Value{}, err
	}
	return Number(d), nil
}

func fromUint(u uint64) (Value, error) {
	d, err := decimal.NewFromString(strconv.FormatUint(u, 10))
	if err != nil {
		return Value{}, err
	}
	return Number(d), nil
}

func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("non-finite number")
	}
	return Number(decimal.NewFromFloat(f)), nil
}

// Canonical returns the canonical serialization used for hashing.
func (s Set) Canonical() string {
	keys := s.Keys()
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		v := s[k]
		b.WriteString(escape(k))
		b.WriteByte('=')
		b.WriteString(v.kind.tag())
		b.WriteByte(':')
		switch v.kind {
		case KindString:
			b.WriteString(escape(v.str))
		default:
			b.WriteString(v.String())
		}
	}
	return b.String()
}

// Hash returns the hex SHA-256 digest of the canonical form.
func (s Set) Hash() string {
	sum := sha256.Sum256([]byte(s.Canonical()))
	return hex.EncodeToString(sum[:])
}

// Hash is a convenience for s.Hash().
func Hash(s Set) string { return s.Hash() }

// Keys returns the set's keys in byte order.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether both sets hold the same key/value pairs.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Matches reports whether every key in filter is present in s with an equal
// value. An empty filter matches every set.
func (s Set) Matches(filter Set) bool {
	for k, fv := range filter {
		v, ok := s[k]
		if !ok || !v.Equal(fv) {
			return false
		}
	}
	return true
}

// Validate checks every value of the set.
func (s Set) Validate() error {
	for _, k := range s.Keys() {
		if err := s[k].Validate(); err != nil {
			return &Error{Key: k, Reason: err.Error(), Err: err}
		}
	}
	return nil
}

// MarshalJSON writes the set as a JSON object with keys in byte order. A nil
// set is written as {}.
func (s Set) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := s[k].MarshalJSON()
		if err != nil {
			return nil, &Error{Key: k, Reason: err.Error()}
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a flat JSON object of scalars.
func (s *Set) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Set, len(raw))
	for k, msg := range raw {
		var v Value
		if err := v.UnmarshalJSON(msg); err != nil {
			return &Error{Key: k, Reason: err.Error(), Err: err}
		}
		out[k] = v
	}
	*s = out
	return nil
}

var escaper = strings.NewReplacer(`\`, `\\`, `=`, `\=`, `&`, `\&`)

func escape(s string) string {
	return escaper.Replace(s)
}
