// Package moderation screens chat message bodies before they are persisted.
// Filter applies the content rules (empty body, personal information,
// prohibited terms, harmful intent, shouting); PIIDetector finds contact and
// identity details; SpamDetector tracks per-sender frequency and repetition.
package moderation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rule names reported in Result.Rule. They are for audit logs only and are
// never sent to clients.
const (
	RuleEmpty        = "empty"
	RulePersonalInfo = "personal_info"
	RuleProhibited   = "prohibited_term"
	RuleHarmful      = "harmful_intent"
	RuleShouting     = "shouting"
)

// Result is the outcome of a content check. The zero value is a clean
// message.
type Result struct {
	Blocked bool
	Rule    string // which rule fired
	Term    string // matched term, category or PII type
}

// DefaultProhibitedTerms is the built-in case-insensitive substring list.
var DefaultProhibitedTerms = []string{
	"kill yourself",
	"kys",
	"send nudes",
	"nude pics",
	"child porn",
	"whore",
	"slut",
	"retard",
	"free bitcoin",
	"gift card code",
	"wire me money",
	"sugar daddy",
	"onlyfans.com",
}

// harmfulPattern pairs a category with its compiled expression.
type harmfulPattern struct {
	category string
	re       *regexp.Regexp
}

// harmfulPatterns are compiled once and are safe for concurrent use.
var harmfulPatterns = []harmfulPattern{
	{"violence", regexp.MustCompile(`(?i)\b(i'?ll|i will|gonna|going to|want to)\s+(kill|hurt|stab|shoot|beat)\s+(you|u|your)\b`)},
	{"self_harm", regexp.MustCompile(`(?i)\b(kill|hurt|cut)\s+my\s?self\b|\bsuicid(e|al)\b|\bend it all\b`)},
	{"drugs", regexp.MustCompile(`(?i)\b(buy|sell|selling|got)\s+(some\s+)?(weed|coke|cocaine|meth|molly|mdma|xanax|pills|heroin)\b`)},
	{"hate_speech", regexp.MustCompile(`(?i)\b(all|those|these)\s+\w+\s+(should|must|deserve to)\s+(die|be killed|be shot)\b`)},
}

const (
	shoutingRatio  = 0.7
	shoutingMinLen = 10
)

// Filter checks message content. It is immutable after construction and safe
// for concurrent use.
type Filter struct {
	terms []string
	pii   *PIIDetector
}

// NewFilter creates a Filter with the default term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(DefaultProhibitedTerms)
}

// NewFilterWithTerms creates a Filter with a custom term list. Terms are
// lowercased and trimmed; empty entries are dropped.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{pii: NewPIIDetector()}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			f.terms = append(f.terms, term)
		}
	}
	return f
}

// Check evaluates text against the rules in order and returns the first
// violation. Violations are never aggregated.
func (f *Filter) Check(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Blocked: true, Rule: RuleEmpty}
	}

	// Personal information outranks the word lists.
	if found := f.pii.Detect(text); found.Found {
		return Result{Blocked: true, Rule: RulePersonalInfo, Term: found.Type}
	}

	lower := strings.ToLower(text)
	for _, term := range f.terms {
		if strings.Contains(lower, term) {
			return Result{Blocked: true, Rule: RuleProhibited, Term: term}
		}
	}

	for _, hp := range harmfulPatterns {
		if hp.re.MatchString(text) {
			return Result{Blocked: true, Rule: RuleHarmful, Term: hp.category}
		}
	}

	if isShouting(text) {
		return Result{Blocked: true, Rule: RuleShouting}
	}

	return Result{}
}

// isShouting reports whether more than 70% of the characters of a message
// longer than 10 characters are uppercase.
func isShouting(text string) bool {
	total := utf8.RuneCountInString(text)
	if total <= shoutingMinLen {
		return false
	}
	upper := 0
	for _, r := range text {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return float64(upper)/float64(total) > shoutingRatio
}
