// Package moderation screens chat content and runs the report workflow:
// filing reports, hiding messages that collect too many of them, and the
// administrative resolution that removes a message for good.
package moderation

import (
	"strings"
)

// DefaultTerms is the blocklist used when none is configured.
var DefaultTerms = []string{"욕설1", "욕설2", "스팸", "광고"}

// FilterResult describes why a text was blocked. The zero value means the
// text is clean.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string
}

// Filter is a case-insensitive substring blocklist, optionally followed by
// the spam pattern checks. It is immutable after construction and safe for
// concurrent use.
type Filter struct {
	terms []string
	spam  bool
}

// NewFilter builds a filter over terms. Empty and whitespace-only terms are
// ignored. When spamPatterns is set, URLs, phone numbers and flooding are
// blocked as well.
func NewFilter(terms []string, spamPatterns bool) *Filter {
	f := &Filter{spam: spamPatterns}
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		f.terms = append(f.terms, t)
	}
	return f
}

// Check screens text. Terms match anywhere in the text, before and after
// leetspeak normalization.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)
	leet := normalizeLeet(lower)
	for _, term := range f.terms {
		if strings.Contains(lower, term) || strings.Contains(leet, term) {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: term}
		}
	}
	if f.spam {
		return f.checkSpamPatterns(text)
	}
	return FilterResult{}
}

// Terms returns the normalized blocklist.
func (f *Filter) Terms() []string {
	out := make([]string, len(f.terms))
	copy(out, f.terms)
	return out
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

func normalizeLeet(s string) string {
	return leetReplacer.Replace(s)
}
