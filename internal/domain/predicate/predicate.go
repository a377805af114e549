// Package predicate describes record filters as plain data so that the same
// filter can be evaluated by a local store and shipped to the backend.
package predicate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid predicate")

type Operator string

const (
	OpAnd        Operator = "and"
	OpOr         Operator = "or"
	OpNot        Operator = "not"
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGe         Operator = "ge"
	OpLt         Operator = "lt"
	OpLe         Operator = "le"
	OpContains   Operator = "contains"
	OpBeginsWith Operator = "begins_with"
	OpBetween    Operator = "between"
)

// Predicate is a condition on record fields or a group of predicates.
// The zero value matches every record.
type Predicate struct {
	Op       Operator    `json:"op,omitempty"`
	Field    string      `json:"field,omitempty"`
	Value    any         `json:"value,omitempty"`
	Values   []any       `json:"values,omitempty"`
	Operands []Predicate `json:"operands,omitempty"`
}

func All() Predicate { return Predicate{} }

func Eq(field string, v any) Predicate         { return cond(OpEq, field, v) }
func Ne(field string, v any) Predicate         { return cond(OpNe, field, v) }
func Gt(field string, v any) Predicate         { return cond(OpGt, field, v) }
func Ge(field string, v any) Predicate         { return cond(OpGe, field, v) }
func Lt(field string, v any) Predicate         { return cond(OpLt, field, v) }
func Le(field string, v any) Predicate         { return cond(OpLe, field, v) }
func Contains(field string, v any) Predicate   { return cond(OpContains, field, v) }
func BeginsWith(field string, v any) Predicate { return cond(OpBeginsWith, field, v) }

func Between(field string, lo, hi any) Predicate {
	return Predicate{Op: OpBetween, Field: field, Values: []any{lo, hi}}
}

func And(ps ...Predicate) Predicate { return Predicate{Op: OpAnd, Operands: ps} }
func Or(ps ...Predicate) Predicate  { return Predicate{Op: OpOr, Operands: ps} }
func Not(p Predicate) Predicate     { return Predicate{Op: OpNot, Operands: []Predicate{p}} }

func cond(op Operator, field string, v any) Predicate {
	return Predicate{Op: op, Field: field, Value: v}
}

func (p Predicate) IsAll() bool {
	return p.Op == ""
}

// Validate checks the structure of the predicate tree.
func (p Predicate) Validate() error {
	switch p.Op {
	case "":
		return nil
	case OpAnd, OpOr:
		for _, o := range p.Operands {
			if err := o.Validate(); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		if len(p.Operands) != 1 {
			return fmt.Errorf("%w: not takes exactly one operand", ErrInvalid)
		}
		return p.Operands[0].Validate()
	case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe, OpContains, OpBeginsWith:
		if p.Field == "" {
			return fmt.Errorf("%w: %s without field", ErrInvalid, p.Op)
		}
		return nil
	case OpBetween:
		if p.Field == "" || len(p.Values) != 2 {
			return fmt.Errorf("%w: between needs a field and two values", ErrInvalid)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown operator %q", ErrInvalid, p.Op)
}

// Match evaluates the predicate against a record's fields.
func (p Predicate) Match(fields map[string]any) bool {
	switch p.Op {
	case "":
		return true
	case OpAnd:
		for _, o := range p.Operands {
			if !o.Match(fields) {
				return false
			}
		}
		return true
	case OpOr:
		for _, o := range p.Operands {
			if o.Match(fields) {
				return true
			}
		}
		return len(p.Operands) == 0
	case OpNot:
		return len(p.Operands) == 1 && !p.Operands[0].Match(fields)
	}

	v, ok := fields[p.Field]
	switch p.Op {
	case OpEq:
		return equal(v, p.Value)
	case OpNe:
		return !equal(v, p.Value)
	case OpContains:
		return ok && contains(v, p.Value)
	case OpBeginsWith:
		s, isStr := v.(string)
		prefix, isPrefix := p.Value.(string)
		return isStr && isPrefix && strings.HasPrefix(s, prefix)
	case OpBetween:
		if !ok || len(p.Values) != 2 {
			return false
		}
		lo, okLo := compare(v, p.Values[0])
		hi, okHi := compare(v, p.Values[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	}

	if !ok {
		return false
	}
	c, comparable := compare(v, p.Value)
	if !comparable {
		return false
	}
	switch p.Op {
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	// Mixed scalar kinds, e.g. a numeric foreign key compared with its key text.
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(v, needle any) bool {
	switch val := v.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(val, s)
	case []any:
		for _, item := range val {
			if equal(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range val {
			if equal(item, needle) {
				return true
			}
		}
	}
	return false
}

// compare orders two scalars of the same family: numbers, strings or times.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := toString(a)
	if !ok {
		return 0, false
	}
	sb, ok := toString(b)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
