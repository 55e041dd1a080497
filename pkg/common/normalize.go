package common

import (
	"strings"
	"unicode"
)

// legalSuffixes are corporate-form tokens stripped from the end of a
// name before keying. "Acme Corp", "Acme Corp." and "Acme" all share
// one normalized key and therefore one deterministic entity id.
var legalSuffixes = map[string]struct{}{
	"inc": {}, "incorporated": {},
	"corp": {}, "corporation": {},
	"co": {}, "company": {},
	"llc": {}, "llp": {}, "lp": {},
	"ltd": {}, "limited": {}, "plc": {},
	"gmbh": {}, "ag": {}, "sa": {}, "srl": {},
	"bv": {}, "nv": {}, "ab": {}, "oy": {},
}

// NormalizeName reduces a company mention to its canonical key:
// lowercased, punctuation dropped, whitespace collapsed, trailing legal
// suffixes removed. The key is what alias lookups and entity ids hash.
func NormalizeName(name string) string {
	fields := strings.Fields(foldName(name))
	for len(fields) > 1 {
		if _, ok := legalSuffixes[fields[len(fields)-1]]; !ok {
			break
		}
		fields = fields[:len(fields)-1]
	}
	// Suffix stripping can expose a dangling connector ("tiffany &").
	for len(fields) > 1 {
		last := fields[len(fields)-1]
		if last != "&" && last != "and" {
			break
		}
		fields = fields[:len(fields)-1]
	}

	return strings.Join(fields, " ")
}

// NormalizeKey returns the normalized alias key for a mention of the
// given entity type. Only company names shed legal suffixes; other
// types keep every word, so "Net Revenue" and "Revenue" stay distinct.
func NormalizeKey(entityType, name string) string {
	if entityType == EntityTypeCompany {
		return NormalizeName(name)
	}
	return strings.Join(strings.Fields(foldName(name)), " ")
}

// foldName lowercases, trims, and drops punctuation except connectors.
func foldName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	if lowered == "" {
		return ""
	}

	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r):
			return r
		case r == '&' || r == '-':
			return r
		default:
			return -1
		}
	}, lowered)
}
