package naming

import (
	"strings"
	"unicode"
)

// SnakeCase inserts "_" before every uppercase letter that follows a
// lowercase one, then lowercases the whole string.
//
//	LayerNorm -> layer_norm
//	GELU      -> gelu
//	encoder.LayerNorm -> encoder.layer_norm
func SnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	var prev rune
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(prev) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
		prev = r
	}
	return b.String()
}

// TargetToStr derives the name candidate for a string target (submodule
// path, method name, attribute path). Dunder names lose their underscores
// ("__add__" -> "add").
func TargetToStr(target string) string {
	if len(target) > 4 && strings.HasPrefix(target, "__") && strings.HasSuffix(target, "__") {
		target = target[2 : len(target)-2]
	}
	return SnakeCase(target)
}

// FunctionName returns the short name of a canonical function identity:
// the segment after the last ".".
//
//	operator.add                 -> add
//	torch.nn.functional.softmax  -> softmax
func FunctionName(identity string) string {
	if i := strings.LastIndexByte(identity, '.'); i >= 0 {
		return identity[i+1:]
	}
	return identity
}

// FunctionCandidate is the name candidate for a call_function node.
func FunctionCandidate(identity string) string {
	return TargetToStr(FunctionName(identity))
}
