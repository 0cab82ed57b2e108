// Package demangle recovers human-readable names from compiled-language
// symbols. Demangling is best-effort: anything unrecognized passes through
// unchanged, it is never an error.
package demangle

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Demangle returns the display form of a possibly-mangled symbol. Plain
// names come back untouched.
func Demangle(symbol string) string {
	if symbol == "" {
		return ""
	}
	out := demangle.Filter(symbol, demangle.NoParams, demangle.NoClones)
	return stripHashSuffix(out)
}

// SplitModule splits a demangled name at its last scope separator,
// returning the module path and the leaf function. Names without a
// separator have an empty module.
func SplitModule(name string) (module, function string) {
	idx := strings.LastIndex(name, "::")
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+2:]
}

// stripHashSuffix drops the trailing ::h<16 hex> disambiguator that legacy
// Rust mangling appends to every symbol.
func stripHashSuffix(name string) string {
	idx := strings.LastIndex(name, "::h")
	if idx < 0 {
		return name
	}
	suffix := name[idx+3:]
	if len(suffix) != 16 {
		return name
	}
	for i := 0; i < len(suffix); i++ {
		c := suffix[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return name
		}
	}
	return name[:idx]
}
