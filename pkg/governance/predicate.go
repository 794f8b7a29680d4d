package governance

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Op is a comparison operator.
type Op string

const (
	OpEq        Op = "eq"
	OpNe        Op = "ne"
	OpGt        Op = "gt"
	OpGte       Op = "gte"
	OpLt        Op = "lt"
	OpLte       Op = "lte"
	OpContains  Op = "contains"
	OpIn        Op = "in"
	OpGlob      Op = "glob"
	OpRegex     Op = "regex"
	OpExists    Op = "exists"
	OpPII       Op = "pii"
	OpInjection Op = "injection"
)

// Predicate is a condition over Facts.
type Predicate interface {
	Match(f Facts) bool
}

// Compare tests a single fact.
type Compare struct {
	Field string
	Op    Op
	Value any

	re *regexp.Regexp
}

// All matches when every child matches. An empty All matches.
type All []Predicate

// Any matches when at least one child matches.
type Any []Predicate

// Not negates its child.
type Not struct {
	P Predicate
}

// Always matches everything.
type Always struct{}

// Match implements Predicate.
func (Always) Match(Facts) bool { return true }

// Match implements Predicate.
func (a All) Match(f Facts) bool {
	for _, p := range a {
		if !p.Match(f) {
			return false
		}
	}
	return true
}

// Match implements Predicate.
func (a Any) Match(f Facts) bool {
	for _, p := range a {
		if p.Match(f) {
			return true
		}
	}
	return false
}

// Match implements Predicate.
func (n Not) Match(f Facts) bool {
	return n.P != nil && !n.P.Match(f)
}

// Match implements Predicate. A missing field only matches ne and
// "exists: false".
func (c *Compare) Match(f Facts) bool {
	v, ok := f.Lookup(c.Field)
	if c.Op == OpExists {
		want := true
		if b, isBool := c.Value.(bool); isBool {
			want = b
		}
		return ok == want
	}
	if !ok {
		return c.Op == OpNe
	}

	switch c.Op {
	case OpEq:
		return equal(v, c.Value)
	case OpNe:
		return !equal(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, okA := toFloat(v)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpContains:
		if s, isStr := v.(string); isStr {
			return strings.Contains(strings.ToLower(s), strings.ToLower(fmt.Sprint(c.Value)))
		}
		for _, item := range toSlice(v) {
			if equal(item, c.Value) {
				return true
			}
		}
		return false
	case OpIn:
		for _, item := range toSlice(c.Value) {
			if equal(v, item) {
				return true
			}
		}
		return false
	case OpGlob:
		ok, err := path.Match(fmt.Sprint(c.Value), fmt.Sprint(v))
		return err == nil && ok
	case OpRegex:
		return c.re != nil && c.re.MatchString(fmt.Sprint(v))
	case OpPII:
		found := DetectPII(textOf(v))
		if c.Value == nil || c.Value == "" {
			return len(found) > 0
		}
		for _, t := range found {
			if string(t) == fmt.Sprint(c.Value) {
				return true
			}
		}
		return false
	case OpInjection:
		// Value is the minimum score, DefaultInjectionThreshold when unset.
		threshold := DefaultInjectionThreshold
		if f, ok := toFloat(c.Value); ok {
			threshold = f
		}
		score := InjectionScore(textOf(v))
		return score > 0 && score >= threshold
	}
	return false
}

// PredicateSpec is the declarative form of a predicate used in policy files.
// Exactly one of Field, All, Any or Not must be set.
type PredicateSpec struct {
	Field string          `yaml:"field" json:"field,omitempty"`
	Op    Op              `yaml:"op" json:"op,omitempty"`
	Value any             `yaml:"value" json:"value,omitempty"`
	All   []PredicateSpec `yaml:"all" json:"all,omitempty"`
	Any   []PredicateSpec `yaml:"any" json:"any,omitempty"`
	Not   *PredicateSpec  `yaml:"not" json:"not,omitempty"`
}

// Build compiles the spec into a Predicate. An empty spec matches everything.
func (s PredicateSpec) Build() (Predicate, error) {
	set := 0
	if s.Field != "" {
		set++
	}
	if len(s.All) > 0 {
		set++
	}
	if len(s.Any) > 0 {
		set++
	}
	if s.Not != nil {
		set++
	}
	switch {
	case set == 0:
		return Always{}, nil
	case set > 1:
		return nil, fmt.Errorf("predicate: only one of field, all, any, not may be set")
	}

	switch {
	case s.Field != "":
		return buildCompare(s)
	case len(s.All) > 0:
		out := make(All, 0, len(s.All))
		for _, child := range s.All {
			p, err := child.Build()
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	case len(s.Any) > 0:
		out := make(Any, 0, len(s.Any))
		for _, child := range s.Any {
			p, err := child.Build()
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	default:
		p, err := s.Not.Build()
		if err != nil {
			return nil, err
		}
		return Not{P: p}, nil
	}
}

func buildCompare(s PredicateSpec) (Predicate, error) {
	op := s.Op
	if op == "" {
		op = OpEq
	}
	c := &Compare{Field: s.Field, Op: op, Value: s.Value}
	switch op {
	case OpEq, OpNe, OpContains, OpExists, OpPII:
	case OpInjection:
		if s.Value != nil {
			if v, ok := toFloat(s.Value); !ok || v < 0 || v > 1 {
				return nil, fmt.Errorf("predicate %s: injection threshold must be within [0, 1]", s.Field)
			}
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := toFloat(s.Value); !ok {
			return nil, fmt.Errorf("predicate %s: %s needs a numeric value", s.Field, op)
		}
	case OpIn:
		if toSlice(s.Value) == nil {
			return nil, fmt.Errorf("predicate %s: in needs a list value", s.Field)
		}
	case OpGlob:
		if _, err := path.Match(fmt.Sprint(s.Value), ""); err != nil {
			return nil, fmt.Errorf("predicate %s: bad glob: %w", s.Field, err)
		}
	case OpRegex:
		re, err := regexp.Compile(fmt.Sprint(s.Value))
		if err != nil {
			return nil, fmt.Errorf("predicate %s: bad regex: %w", s.Field, err)
		}
		c.re = re
	default:
		return nil, fmt.Errorf("predicate %s: unknown op %q", s.Field, op)
	}
	return c, nil
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out
	}
	return nil
}

func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		parts := make([]string, 0, len(t))
		for _, x := range t {
			parts = append(parts, textOf(x))
		}
		return strings.Join(parts, " ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, x := range t {
			parts = append(parts, textOf(x))
		}
		return strings.Join(parts, " ")
	}
	return fmt.Sprint(v)
}
