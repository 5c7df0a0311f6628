package rbac

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// ATTRIBUTE CONDITIONS
// ============================================================================

// Operator is the closed set of condition operators. Adding an operator means
// extending the switch in evaluate, not comparing strings at runtime.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNe    Operator = "ne"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
	OpRegex Operator = "regex"
	OpGt    Operator = "gt"
	OpLt    Operator = "lt"
)

// Valid reports whether op is a recognized operator. The empty operator is
// valid and defaults to eq.
func (op Operator) Valid() bool {
	switch op {
	case "", OpEq, OpNe, OpIn, OpNotIn, OpRegex, OpGt, OpLt:
		return true
	}
	return false
}

// Condition constrains a single context attribute. A zero Op means eq.
type Condition struct {
	Op    Operator `json:"op,omitempty" yaml:"op,omitempty"`
	Value any      `json:"value" yaml:"value"`

	// compiled pattern for OpRegex, populated by Compile.
	re *regexp.Regexp
}

// Compile validates the operator and precompiles regex patterns. The catalog
// calls this at registration so evaluation never compiles on the hot path.
func (c *Condition) Compile() error {
	if !c.Op.Valid() {
		return fmt.Errorf("%w: unknown condition operator %q", ErrInvalidInput, c.Op)
	}
	if c.Op == OpRegex {
		pat, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("%w: regex condition value must be a string, got %T", ErrInvalidInput, c.Value)
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("%w: bad regex %q: %v", ErrInvalidInput, pat, err)
		}
		c.re = re
	}
	return nil
}

// Evaluate checks the condition against a context value. present reports
// whether the attribute existed in the context at all. Evaluate never panics;
// anything it cannot positively establish fails the condition.
func (c *Condition) Evaluate(val any, present bool) bool {
	op := c.Op
	if op == "" {
		op = OpEq
	}
	switch op {
	case OpEq:
		return present && compareValues(val, c.Value) == 0
	case OpNe:
		return !present || compareValues(val, c.Value) != 0
	case OpIn:
		return present && valueIn(val, c.Value)
	case OpNotIn:
		return !present || !valueIn(val, c.Value)
	case OpRegex:
		if !present || val == nil {
			return false
		}
		re := c.re
		if re == nil {
			pat, ok := c.Value.(string)
			if !ok {
				return false
			}
			var err error
			re, err = regexp.Compile(pat)
			if err != nil {
				return false
			}
		}
		return re.MatchString(stringify(val))
	case OpGt:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		return present && aok && bok && a > b
	case OpLt:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		return present && aok && bok && a < b
	}
	return false
}

// EvaluateConditions applies every condition in conds against the flattened
// context attributes, combined with logical AND. An empty or nil map passes.
func EvaluateConditions(conds map[string]Condition, attrs map[string]any) bool {
	for name, cond := range conds {
		val, present := attrs[name]
		if !cond.Evaluate(val, present) {
			return false
		}
	}
	return true
}

// UnmarshalYAML accepts either the explicit {op: ..., value: ...} mapping or
// the compact shorthand string form ("eq A", "in [a, b]", "gt 10").
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		parsed, err := ParseCondition(raw)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	var aux struct {
		Op    Operator `yaml:"op"`
		Value any      `yaml:"value"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	c.Op = aux.Op
	c.Value = aux.Value
	return nil
}

// UnmarshalJSON mirrors the YAML behavior for JSON configs.
func (c *Condition) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parsed, err := ParseCondition(raw)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	var aux struct {
		Op    Operator `json:"op"`
		Value any      `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Op = aux.Op
	c.Value = aux.Value
	return nil
}

// MarshalJSON keeps the unexported compiled pattern out of the wire form.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op    Operator `json:"op,omitempty"`
		Value any      `json:"value"`
	}{Op: c.Op, Value: c.Value})
}

// ParseCondition parses the compact condition shorthand used in seed configs:
//
//	"eq A"            equality against "A"
//	"ne closed"       inequality
//	"in [a, b, c]"    membership
//	"not_in [x]"      negated membership
//	"regex ^ops-"     pattern match
//	"gt 10" / "lt 5"  numeric comparison
//	"A"               bare value, treated as eq
func ParseCondition(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Condition{}, fmt.Errorf("%w: empty condition", ErrInvalidInput)
	}
	op, rest, found := strings.Cut(s, " ")
	if !found || !Operator(op).Valid() || op == "" {
		// bare value form
		return Condition{Op: OpEq, Value: s}, nil
	}
	rest = strings.TrimSpace(rest)
	switch Operator(op) {
	case OpIn, OpNotIn:
		if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
			return Condition{}, fmt.Errorf("%w: %s expects a [a, b] list, got %q", ErrInvalidInput, op, rest)
		}
		items := splitListItems(rest[1 : len(rest)-1])
		vals := make([]any, 0, len(items))
		for _, it := range items {
			vals = append(vals, it)
		}
		return Condition{Op: Operator(op), Value: vals}, nil
	case OpGt, OpLt:
		n, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return Condition{}, fmt.Errorf("%w: %s expects a number, got %q", ErrInvalidInput, op, rest)
		}
		return Condition{Op: Operator(op), Value: n}, nil
	case OpRegex:
		cond := Condition{Op: OpRegex, Value: rest}
		if err := cond.Compile(); err != nil {
			return Condition{}, err
		}
		return cond, nil
	default:
		return Condition{Op: Operator(op), Value: strings.Trim(rest, `"'`)}, nil
	}
}

func splitListItems(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"'`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ============================================================================
// VALUE COMPARISON HELPERS
// ============================================================================

// compareValues returns 0 when a and b are equal, -1/1 for ordered types, and
// -1 for incomparable pairs. Numeric types compare across int/float.
func compareValues(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af == bf:
				return 0
			case af < bf:
				return -1
			default:
				return 1
			}
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			if av == bv {
				return 0
			}
			return -1
		}
	case []string:
		if bv, ok := b.(string); ok {
			for _, v := range av {
				if v == bv {
					return 0
				}
			}
		}
	}
	// last resort: compare stringified forms so enum-ish types still match
	if a != nil && b != nil {
		if stringify(a) == stringify(b) {
			return 0
		}
	}
	return -1
}

func valueIn(val any, set any) bool {
	switch s := set.(type) {
	case []any:
		for _, item := range s {
			if compareValues(val, item) == 0 {
				return true
			}
		}
	case []string:
		for _, item := range s {
			if compareValues(val, item) == 0 {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
