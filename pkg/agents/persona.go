package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jllopis/watt/pkg/memory"
)

var toneDescriptions = map[string]string{
	"formal":       "formal, courteous",
	"casual":       "relaxed, easygoing",
	"friendly":     "friendly, welcoming",
	"professional": "professional, matter-of-fact",
	"technical":    "technical, precise",
}

// ToneDescription expands a tone keyword. Unknown tones are used verbatim.
func ToneDescription(tone string) string {
	tone = strings.TrimSpace(tone)
	if tone == "" {
		return "helpful"
	}
	if d, ok := toneDescriptions[strings.ToLower(tone)]; ok {
		return d
	}
	return tone
}

// SystemPrompt renders the persona of def, followed by the long-term facts
// held in mem.
func SystemPrompt(def Definition, mem memory.Context) string {
	p := def.Persona
	name := p.Name
	if name == "" {
		name = def.Name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s assistant.", name, ToneDescription(p.Tone))
	if def.Role != "" {
		fmt.Fprintf(&b, "\nYour role: %s", def.Role)
	}
	if p.Goal != "" {
		fmt.Fprintf(&b, "\n\nYour main goal: %s", p.Goal)
	}
	if p.Style != "" {
		fmt.Fprintf(&b, "\n\nYour communication style: %s", p.Style)
	}
	if len(p.Constraints) > 0 {
		b.WriteString("\n\nImportant constraints:")
		for i, c := range p.Constraints {
			fmt.Fprintf(&b, "\n%d. %s", i+1, c)
		}
	}
	if len(p.Examples) > 0 {
		b.WriteString("\n\nExamples of how you communicate:")
		for i, ex := range p.Examples {
			fmt.Fprintf(&b, "\n\nExample %d:\n%s", i+1, ex)
		}
	}
	if keys := mem.FactKeys(); len(keys) > 0 {
		b.WriteString("\n\nImportant facts from previous conversations:")
		for _, k := range keys {
			v, err := json.Marshal(mem.LongTermFacts[k])
			if err != nil {
				v = []byte(fmt.Sprintf("%q", fmt.Sprint(mem.LongTermFacts[k])))
			}
			fmt.Fprintf(&b, "\n- %s: %s", k, v)
		}
	}
	return b.String()
}
