package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func posInf() float64 { return math.Inf(1) }

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"empty string", IRString(""), `""`},
		{"int", IRInt(42), "42"},
		{"negative int", IRInt(-100), "-100"},
		{"max int64", IRInt(9223372036854775807), "9223372036854775807"},
		{"bool true", IRBool(true), "true"},
		{"bool false", IRBool(false), "false"},
		{"null", IRNull{}, "null"},
		{"go nil", nil, "null"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"array of ints", IRArray{IRInt(1), IRInt(2), IRInt(3)}, "[1,2,3]"},
		{"simple object", IRObject{"a": IRInt(1)}, `{"a":1}`},
		{"go map", map[string]any{"b": 1, "a": "x"}, `{"a":"x","b":1}`},
		{"go slice", []any{"a", 1, true}, `["a",1,true]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalFloats(t *testing.T) {
	tests := []struct {
		name     string
		input    float64
		expected string
	}{
		{"half", 0.5, "0.5"},
		{"integral", 2.0, "2"},
		{"negative zero", math.Copysign(0, -1), "0"},
		{"small", 1e-5, "0.00001"},
		{"tiny", 1e-7, "1e-7"},
		{"huge", 1e21, "1e+21"},
		{"below exponent threshold", 1e20, "100000000000000000000"},
		{"shortest round trip", 0.1, "0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(IRFloat(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := MarshalCanonical(IRObject{"x": IRFloat(f)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "non-finite")
	}
}

func TestMarshalCanonicalNestedSortedKeys(t *testing.T) {
	obj := IRObject{
		"z": IRObject{
			"b": IRInt(1),
			"a": IRInt(2),
		},
		"a": IRInt(3),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(IRString("<a & b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(result))
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// "e-acute" as e + combining acute (NFD) vs precomposed (NFC)
	nfd := "e\u0301"
	nfc := "\u00e9"

	r1, err := MarshalCanonical(IRString(nfd))
	require.NoError(t, err)
	r2, err := MarshalCanonical(IRString(nfc))
	require.NoError(t, err)
	assert.Equal(t, r2, r1)
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"newline", "a\nb", `"a\nb"`},
		{"tab", "a\tb", `"a\tb"`},
		{"quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(IRString(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"U+2028", "hello\u2028world", "\"hello\u2028world\""},
		{"U+2029", "hello\u2029world", "\"hello\u2029world\""},
		{"literal backslash-u2028 text", `seq \u2028`, `"seq \\u2028"`},
		{"mixed literal and actual", "literal \\u2028 and actual \u2028", "\"literal \\\\u2028 and actual \u2028\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(IRString(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

// FuzzMarshalCanonicalIdempotent tests the idempotency property via fuzzing
func FuzzMarshalCanonicalIdempotent(f *testing.F) {
	f.Add(`{"a":1,"b":"test"}`)
	f.Add(`[1,2.5,null]`)
	f.Add(`"hello"`)
	f.Add(`1e-7`)
	f.Add(`{"nested":{"deep":{"value":123}}}`)

	f.Fuzz(func(t *testing.T, jsonStr string) {
		val, err := UnmarshalIRValue([]byte(jsonStr))
		if err != nil {
			t.Skip()
		}

		canonical1, err := MarshalCanonical(val)
		if err != nil {
			t.Skip()
		}

		val2, err := UnmarshalIRValue(canonical1)
		if err != nil {
			// integral floats beyond int64 print without a fraction
			t.Skip()
		}

		canonical2, err := MarshalCanonical(val2)
		require.NoError(t, err)

		assert.Equal(t, canonical1, canonical2, "canonical marshaling must be idempotent")
	})
}
