package governance

import (
	"regexp"
	"strings"
)

// DefaultInjectionThreshold is the score a single suspicious phrase yields.
const DefaultInjectionThreshold = 0.7

var injectionPatterns = compileAll(
	// instruction override
	`(ignore|disregard|forget|override)\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`,
	// persona switching
	`you\s+are\s+now\s+(a|an)\s+`,
	`pretend\s+(you\s+are|to\s+be)\s+`,
	`roleplay\s+as\s+`,
	`(developer|debug|sudo|admin|maintenance|dan)\s+mode`,
	// system prompt extraction
	`(what\s+(is|are)|show\s+me|reveal|print|display)\s+your\s+(system\s+)?(prompt|instructions?)`,
	// jailbreaks
	`do\s+anything\s+now`,
	`jailbreak`,
	`bypass\s+(safety|content|filter)`,
	// chat template delimiters
	`\]\]\s*system\s*:`,
	`<\|[^|]*\|>`,
	`\[/?inst\]`,
	`<</?sys>>`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// InjectionScore rates how much text looks like a prompt injection attempt.
// Zero means no known pattern matched; each further match adds 0.1 up to 1.
func InjectionScore(text string) float64 {
	if text == "" {
		return 0
	}
	normalized := strings.ToLower(text)
	n := 0
	for _, re := range injectionPatterns {
		if re.MatchString(normalized) {
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return min(float64(n+6)/10, 1)
}
