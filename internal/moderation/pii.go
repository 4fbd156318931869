package moderation

import (
	"regexp"
	"strings"
)

// PII types reported by PIIDetector.
const (
	PIISSN        = "ssn"
	PIIPhone      = "phone"
	PIIEmail      = "email"
	PIIAddress    = "street_address"
	PIIZip        = "zip_code"
	PIICreditCard = "credit_card"
	PIISocial     = "social_handle"
	PIIPayment    = "payment_handle"
)

type piiPattern struct {
	kind string
	re   *regexp.Regexp
}

// piiPatterns is evaluated in order; the first match wins.
var piiPatterns = []piiPattern{
	{PIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{PIICreditCard, regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`)},
	{PIIPhone, regexp.MustCompile(`\b\d{3}-\d{3}-\d{4}\b`)},
	{PIIPhone, regexp.MustCompile(`\(\d{3}\)\s*\d{3}-\d{4}`)},
	{PIIPhone, regexp.MustCompile(`\b\d{10}\b`)},
	{PIIEmail, regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
	{PIIAddress, regexp.MustCompile(`(?i)\b\d+\s+[A-Za-z]+\s+(street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl)\b`)},
	{PIIZip, regexp.MustCompile(`\b\d{5}(-\d{4})?\b`)},
	{PIISocial, regexp.MustCompile(`(?i)\b(instagram|insta|ig|snapchat|snap|tiktok|twitter|telegram|whatsapp|discord|kik)\s*[:@]\s*@?[A-Za-z0-9._]{2,}`)},
	{PIIPayment, regexp.MustCompile(`(?i)\b(venmo|cashapp|cash app|paypal|zelle)\s*[:@$]?\s*[@$]?[A-Za-z0-9._-]{2,}`)},
}

// PIIMatch describes a personal-information hit. Only Found is reliable;
// Type is best-effort.
type PIIMatch struct {
	Found bool
	Type  string
}

// PIIDetector finds personal information in free text.
type PIIDetector struct{}

// NewPIIDetector returns a detector using the built-in pattern battery.
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{}
}

// Detect returns the first personal-information match in text. Any match
// whose text contains "@" is labeled PIIEmail, so handle and payment mentions
// written with "@" come back as email.
func (d *PIIDetector) Detect(text string) PIIMatch {
	for _, p := range piiPatterns {
		m := p.re.FindString(text)
		if m == "" {
			continue
		}
		kind := p.kind
		if strings.Contains(m, "@") {
			kind = PIIEmail
		}
		return PIIMatch{Found: true, Type: kind}
	}
	return PIIMatch{}
}

// Contains reports whether text holds any personal information.
func (d *PIIDetector) Contains(text string) bool {
	return d.Detect(text).Found
}
