// Package textnorm provides the text normalisation shared by rule matching,
// symptom canonicalisation and treatment safety checks.
package textnorm

import (
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true, "on": true,
	"at": true, "and": true, "or": true, "with": true, "my": true, "to": true,
	"is": true, "when": true, "for": true, "i": true, "have": true, "feel": true,
}

// Normalize lower-cases s, replaces every non-alphanumeric rune with a space
// and collapses runs of whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// CollapseSpace lower-cases s, trims it and collapses internal whitespace
// while keeping punctuation.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Tokens returns the normalised words of s with stopwords removed.
func Tokens(s string) []string {
	words := strings.Fields(Normalize(s))
	out := words[:0]
	for _, w := range words {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// ContainsPhrase reports whether phrase occurs in text on word boundaries
// after both are normalised. An empty phrase never matches.
func ContainsPhrase(text, phrase string) bool {
	p := Normalize(phrase)
	if p == "" {
		return false
	}
	return strings.Contains(" "+Normalize(text)+" ", " "+p+" ")
}

var negationCues = map[string]bool{
	"no": true, "not": true, "never": true, "without": true, "none": true,
	"deny": true, "denies": true, "denied": true, "don": true, "doesn": true, "didn": true,
}

// Words that open a new clause and so end the reach of a negation.
var clauseBreaks = map[string]bool{
	"but": true, "just": true, "except": true, "though": true, "although": true, "however": true,
}

// ContainsAffirmedPhrase is ContainsPhrase for free narrative text. A mention
// does not count when a negation cue such as "no" or "denies" precedes it in
// the same clause, so "no chest pain, just a cough" does not contain
// "chest pain".
func ContainsAffirmedPhrase(text, phrase string) bool {
	p := strings.Fields(Normalize(phrase))
	if len(p) == 0 {
		return false
	}
	for _, clause := range clauses(text) {
		negated := false
		for i, w := range clause {
			if negationCues[w] {
				negated = true
			}
			if !negated && hasPrefixWords(clause[i:], p) {
				return true
			}
		}
	}
	return false
}

// clauses splits text at punctuation and at clause-break words and returns
// the normalised words of each clause.
func clauses(text string) [][]string {
	var out [][]string
	parts := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return strings.ContainsRune(".,;:!?()", r)
	})
	for _, part := range parts {
		var clause []string
		for _, w := range strings.Fields(Normalize(part)) {
			if clauseBreaks[w] {
				out = append(out, clause)
				clause = nil
				continue
			}
			clause = append(clause, w)
		}
		out = append(out, clause)
	}
	return out
}

func hasPrefixWords(words, prefix []string) bool {
	if len(words) < len(prefix) {
		return false
	}
	for i := range prefix {
		if words[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Stem normalises s and strips a plural "s" from longer words so that
// "penicillins" and "penicillin" compare equal.
func Stem(s string) string {
	words := strings.Fields(Normalize(s))
	for i, w := range words {
		if len(w) > 4 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
			words[i] = w[:len(w)-1]
		}
	}
	return strings.Join(words, " ")
}

// TermsMatch reports whether two clinical terms refer to the same thing:
// after stemming, either one contains the other on word boundaries.
func TermsMatch(a, b string) bool {
	sa, sb := Stem(a), Stem(b)
	if sa == "" || sb == "" {
		return false
	}
	pa, pb := " "+sa+" ", " "+sb+" "
	return strings.Contains(pa, pb) || strings.Contains(pb, pa)
}

// AnyTermMatch returns the first pair (from a, from b) for which TermsMatch holds.
func AnyTermMatch(a, b []string) (string, string, bool) {
	for _, x := range a {
		for _, y := range b {
			if TermsMatch(x, y) {
				return x, y, true
			}
		}
	}
	return "", "", false
}
