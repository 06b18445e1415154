// Package naming allocates collision-free node and submodule names.
//
// A Namespace hands out identifier-safe names with numeric suffix
// disambiguation, the same way the tracer names graph nodes, so that a
// rewrite that replays the tracer's candidate sequence reproduces the
// original node names exactly.
//
// CRITICAL: A Namespace is owned by exactly one transformation. It is not
// safe for concurrent use; independent transformations each build their own.
package naming

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	illegalChars = regexp.MustCompile(`[^0-9a-zA-Z_]+`)
	numSuffix    = regexp.MustCompile(`^(.*)_(\d+)$`)
)

// reservedNames can never be issued verbatim; they always receive a suffix.
// Keywords and builtins of the host language the graphs are traced from,
// plus the names the code generator binds globally.
var reservedNames = map[string]bool{
	// keywords
	"False": true, "None": true, "True": true, "and": true, "as": true,
	"assert": true, "async": true, "await": true, "break": true, "class": true,
	"continue": true, "def": true, "del": true, "elif": true, "else": true,
	"except": true, "finally": true, "for": true, "from": true, "global": true,
	"if": true, "import": true, "in": true, "is": true, "lambda": true,
	"nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
	// builtins that commonly collide with op names
	"abs": true, "all": true, "any": true, "bool": true, "dict": true,
	"float": true, "getattr": true, "input": true, "int": true, "len": true,
	"list": true, "map": true, "max": true, "min": true, "object": true,
	"pow": true, "print": true, "range": true, "round": true, "set": true,
	"slice": true, "str": true, "sum": true, "super": true, "tuple": true,
	"type": true, "zip": true,
	// globals bound by generated code
	"inf": true, "nan": true, "NoneType": true, "torch": true, "device": true,
	"fx_pytree": true, "pytree": true,
}

// Namespace tracks issued names and the next numeric suffix per base name.
// Names are never freed.
type Namespace struct {
	used      map[string]bool
	baseCount map[string]int
}

// New returns an empty Namespace.
func New() *Namespace {
	return &Namespace{
		used:      make(map[string]bool),
		baseCount: make(map[string]int),
	}
}

// Create returns a unique name derived from candidate and records it.
//
// The candidate is sanitized (illegal identifier characters become "_",
// a leading digit gets a "_" prefix, empty becomes "_unnamed"), then split
// into base and numeric suffix ("add_3" -> "add", 3). When the candidate is
// taken, the suffix is incremented starting from the base's counter until
// a free name is found.
//
// Deterministic: the same sequence of candidates always yields the same
// sequence of names.
func (ns *Namespace) Create(candidate string) string {
	name, base, num := ns.resolve(candidate)
	ns.used[name] = true
	ns.baseCount[base] = num
	return name
}

// Peek returns the name Create would return for candidate without recording it.
func (ns *Namespace) Peek(candidate string) string {
	name, _, _ := ns.resolve(candidate)
	return name
}

// Reserve marks the name derived from candidate as used without returning it.
// Use it when a computed candidate must block later allocations even though
// the caller emits a different name.
func (ns *Namespace) Reserve(candidate string) {
	ns.Create(candidate)
}

// Used reports whether name has been issued exactly.
func (ns *Namespace) Used(name string) bool {
	return ns.used[name]
}

// Len returns the number of issued names.
func (ns *Namespace) Len() int {
	return len(ns.used)
}

func (ns *Namespace) resolve(candidate string) (name, base string, num int) {
	candidate = Sanitize(candidate)

	base = candidate
	hasNum := false
	if m := numSuffix.FindStringSubmatch(candidate); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil {
			base, num, hasNum = m[1], n, true
		}
	}

	name = base
	if hasNum {
		name = base + "_" + strconv.Itoa(num)
	}

	// a zero suffix counts as absent
	if num == 0 {
		num = ns.baseCount[base]
	}

	for ns.used[name] || reservedNames[name] {
		num++
		name = base + "_" + strconv.Itoa(num)
	}
	return name, base, num
}

// Sanitize rewrites candidate into a legal identifier.
func Sanitize(candidate string) string {
	candidate = illegalChars.ReplaceAllString(candidate, "_")
	if candidate == "" {
		return "_unnamed"
	}
	if candidate[0] >= '0' && candidate[0] <= '9' {
		candidate = "_" + candidate
	}
	return candidate
}

// ScopedName converts an allocated flat name back into a dotted submodule
// path: every "_" becomes "."; when the result ends in a digit, the last
// "." is turned back into "_" so the disambiguating suffix stays attached
// to the final segment.
//
//	block_resadd    -> block.resadd
//	block_resadd_1  -> block.resadd_1
//	layers_0_matmul -> layers.0.matmul
//
// NOTE: underscores that belonged to a scope segment ("self_attn") are
// also turned into separators, and a name whose last segment is itself
// numeric ("layers_0") keeps its final underscore. Callers rely on this
// exact behavior; do not generalize it.
func ScopedName(allocated string) string {
	out := strings.ReplaceAll(allocated, "_", ".")
	if out == "" || !isDigit(out[len(out)-1]) {
		return out
	}
	i := strings.LastIndexByte(out, '.')
	if i < 0 {
		return out
	}
	return out[:i] + "_" + out[i+1:]
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
