package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf16"
)

// IRValue is a sealed interface representing literal values that may appear
// as call-site arguments in a traced graph.
// Only IRNull, IRString, IRInt, IRFloat, IRBool, IRArray, and IRObject implement this.
type IRValue interface {
	irValue() // Sealed - only these types implement it
}

// IRNull represents a JSON null value (Python None at trace time).
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler for IRNull.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString represents a string value in the IR.
type IRString string

func (IRString) irValue() {}

// IRInt represents an integer value in the IR.
type IRInt int64

func (IRInt) irValue() {}

// IRFloat represents a floating point constant folded at trace time
// (e.g. the 0.5 in x * 0.5). NaN and Inf are not representable in
// canonical JSON and are rejected when hashing.
type IRFloat float64

func (IRFloat) irValue() {}

// IRBool represents a boolean value in the IR.
type IRBool bool

func (IRBool) irValue() {}

// IRArray represents an array of IRValue elements.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject represents a map of string keys to IRValue elements.
// Use SortedKeys() for deterministic iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// IRPair represents a key-value pair for typed IRObject construction.
type IRPair struct {
	Key   string
	Value IRValue
}

// NewIRObjectFromPairs creates an IRObject from typed key-value pairs.
func NewIRObjectFromPairs(pairs ...IRPair) IRObject {
	obj := make(IRObject, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// O is a shorthand for IRPair for ergonomic construction.
// Example: NewIRObjectFromPairs(O("dim", IRInt(-1)), O("eps", IRFloat(1e-5)))
func O(key string, value IRValue) IRPair {
	return IRPair{Key: key, Value: value}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 which produces a different order for
// characters outside the BMP.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785 (Canonical JSON).
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	// If all compared units are equal, shorter string comes first
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// UnmarshalJSON implements json.Unmarshaler for IRObject.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*obj = make(IRObject, len(raw))
	for k, v := range raw {
		val, err := unmarshalIRValue(v)
		if err != nil {
			return fmt.Errorf("IRObject key %q: %w", k, err)
		}
		(*obj)[k] = val
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for IRArray.
func (arr *IRArray) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*arr = make(IRArray, len(raw))
	for i, v := range raw {
		val, err := unmarshalIRValue(v)
		if err != nil {
			return fmt.Errorf("IRArray index %d: %w", i, err)
		}
		(*arr)[i] = val
	}
	return nil
}

// unmarshalIRValue decodes a JSON value into the appropriate IRValue type.
// Numbers without a fraction or exponent decode to IRInt, all others to IRFloat.
func unmarshalIRValue(data []byte) (IRValue, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return IRString(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return IRBool(b), nil

	case 'n':
		return IRNull{}, nil

	case '[':
		var arr IRArray
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, err
		}
		return arr, nil

	case '{':
		var obj IRObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		return obj, nil

	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		return numberToIRValue(n)
	}
}

// numberToIRValue maps a JSON number to IRInt when it is integral and to IRFloat otherwise.
func numberToIRValue(n json.Number) (IRValue, error) {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return IRInt(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("invalid float %s: %w", s, err)
	}
	return IRFloat(f), nil
}

// MarshalJSON implements json.Marshaler for IRObject with sorted keys (RFC 8785 ordering).
// NOTE: This is NOT canonical marshaling - may have HTML escaping. Use MarshalCanonical
// for content-addressed hashing.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalIRValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalIRValue marshals an IRValue to JSON bytes.
func MarshalIRValue(v IRValue) ([]byte, error) {
	switch val := v.(type) {
	case IRNull:
		return []byte("null"), nil
	case IRString:
		return json.Marshal(string(val))
	case IRInt:
		return json.Marshal(int64(val))
	case IRFloat:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil, fmt.Errorf("non-finite float %v", float64(val))
		}
		return json.Marshal(float64(val))
	case IRBool:
		return json.Marshal(bool(val))
	case IRArray:
		return marshalIRArray(val)
	case IRObject:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown IRValue type: %T", v)
	}
}

// marshalIRArray marshals an IRArray to JSON bytes.
func marshalIRArray(arr IRArray) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := MarshalIRValue(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// ToIRValue converts a plain Go value (as produced by yaml or json decoding)
// into an IRValue. Unsupported types are rejected.
func ToIRValue(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d out of int64 range", val)
		}
		return IRInt(int64(val)), nil
	case float64:
		return IRFloat(val), nil
	case float32:
		return IRFloat(val), nil
	case json.Number:
		return numberToIRValue(val)
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			irElem, err := ToIRValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = irElem
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			irElem, err := ToIRValue(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = irElem
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// FromIRValue converts an IRValue back into a plain Go value
// (nil, string, int64, float64, bool, []any, map[string]any).
func FromIRValue(v IRValue) any {
	switch val := v.(type) {
	case IRString:
		return string(val)
	case IRInt:
		return int64(val)
	case IRFloat:
		return float64(val)
	case IRBool:
		return bool(val)
	case IRArray:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = FromIRValue(elem)
		}
		return out
	case IRObject:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = FromIRValue(elem)
		}
		return out
	default:
		return nil
	}
}

// UnmarshalIRValue decodes a JSON value into an IRValue.
func UnmarshalIRValue(data []byte) (IRValue, error) {
	return unmarshalIRValue(bytes.TrimSpace(data))
}
