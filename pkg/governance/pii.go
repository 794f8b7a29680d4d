package governance

import (
	"regexp"
	"strings"
)

// PIIType names a category of personal data.
type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIIIBAN       PIIType = "iban"
	PIICreditCard PIIType = "credit_card"
)

// PIIMode selects what the input check does with detected PII.
type PIIMode string

const (
	PIIOff    PIIMode = "off"
	PIIBlock  PIIMode = "block"
	PIIRedact PIIMode = "redact"
)

type piiPattern struct {
	kind PIIType
	re   *regexp.Regexp
	mask string
}

// Order matters: card and IBAN digits would otherwise read as phone numbers.
var piiPatterns = []piiPattern{
	{PIICreditCard, regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), "[CREDIT_CARD]"},
	{PIIIBAN, regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{4}\d{7}[A-Z0-9]{0,16}\b`), "[IBAN]"},
	{PIIEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{PIIPhone, regexp.MustCompile(`(?:\+\d{1,3}[\s-]?|\b0)[1-9][\d\s-]{5,14}\d\b`), "[PHONE]"},
}

// DetectPII returns the PII categories found in text, in detection order.
func DetectPII(text string) []PIIType {
	var found []PIIType
	for _, p := range piiPatterns {
		if p.re.MatchString(text) {
			found = append(found, p.kind)
			text = p.re.ReplaceAllString(text, p.mask)
		}
	}
	return found
}

// RedactPII replaces every detected value with a category placeholder.
func RedactPII(text string) string {
	for _, p := range piiPatterns {
		text = p.re.ReplaceAllString(text, p.mask)
	}
	return text
}

// ParsePIIMode maps configuration strings to a mode. Unknown values are off.
func ParsePIIMode(s string) PIIMode {
	switch PIIMode(strings.ToLower(strings.TrimSpace(s))) {
	case PIIBlock:
		return PIIBlock
	case PIIRedact:
		return PIIRedact
	}
	return PIIOff
}
