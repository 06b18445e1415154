package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON for hashing.
// CRITICAL: This is the ONLY serialization that should be used for
// graph fingerprints.
//
// Key differences from standard json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. Floats use the shortest round-trip form; NaN and Inf are rejected
func MarshalCanonical(v any) ([]byte, error) {
	return marshalCanonical(v)
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil, IRNull:
		return []byte("null"), nil
	case IRString:
		return marshalCanonicalString(string(val))
	case IRInt:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case IRFloat:
		return marshalCanonicalFloat(float64(val))
	case IRBool:
		return strconv.AppendBool(nil, bool(val)), nil
	case IRArray:
		return marshalCanonicalArray(val)
	case IRObject:
		return marshalCanonicalObject(val)
	default:
		irVal, err := ToIRValue(v)
		if err != nil {
			return nil, fmt.Errorf("canonical JSON: %w", err)
		}
		return marshalCanonical(irVal)
	}
}

// marshalCanonicalFloat formats a float the way ECMAScript Number.toString does,
// which is what RFC 8785 requires. Integral values print without a fraction.
func marshalCanonicalFloat(f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite float %v is forbidden in canonical JSON", f)
	}
	if f == 0 {
		// -0 serializes as 0
		return []byte("0"), nil
	}

	abs := math.Abs(f)
	format := byte('f')
	if abs < 1e-6 || abs >= 1e21 {
		format = 'e'
	}
	b := strconv.AppendFloat(nil, f, format, -1, 64)
	if format == 'e' {
		// clean up e-09 to e-9
		n := len(b)
		if n >= 4 && b[n-4] == 'e' && b[n-3] == '-' && b[n-2] == '0' {
			b[n-2] = b[n-1]
			b = b[:n-1]
		}
	}
	return b, nil
}

// marshalCanonicalString produces canonical JSON string with NFC normalization.
// CRITICAL: RFC 8785 compliance:
//   - No HTML escaping (<, >, & are NOT escaped)
//   - U+2028 and U+2029 are NOT escaped
//   - Only control characters (U+0000-U+001F), backslash, and quote are escaped
func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	result := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	return unescapeLineSeparators(result), nil
}

// unescapeLineSeparators turns \u2028 and \u2029 escapes back into literal
// characters. An escape preceded by an odd number of backslashes is literal
// text (\\u2028) and is kept.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+5 < len(data) && data[i+1] == 'u' &&
			data[i+2] == '2' && data[i+3] == '0' && data[i+4] == '2' &&
			(data[i+5] == '8' || data[i+5] == '9') && trailingBackslashes(out)%2 == 0 {
			if data[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		out = append(out, data[i])
	}
	return out
}

func trailingBackslashes(b []byte) int {
	n := 0
	for j := len(b) - 1; j >= 0 && b[j] == '\\'; j-- {
		n++
	}
	return n
}

// marshalCanonicalArray marshals an array to canonical JSON.
func marshalCanonicalArray(arr IRArray) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := marshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// marshalCanonicalObject marshals an object to canonical JSON with RFC 8785 key ordering.
func marshalCanonicalObject(obj IRObject) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyBytes, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := marshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
