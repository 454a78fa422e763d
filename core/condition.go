package core

import (
	"encoding/json"
	"fmt"
)

// Operator is a comparison operator in a condition.
type Operator string

const (
	OpEq      Operator = "="
	OpNeq     Operator = "!="
	OpGt      Operator = ">"
	OpGte     Operator = ">="
	OpLt      Operator = "<"
	OpLte     Operator = "<="
	OpIn      Operator = "IN"
	OpNotIn   Operator = "NOT IN"
	OpLike    Operator = "LIKE"
	OpNotLike Operator = "NOT LIKE"
)

// operatorFunctions maps operators to their function form, used when a
// condition is nested inside an and/or combinator.
var operatorFunctions = map[Operator]string{
	OpEq:      "equals",
	OpNeq:     "notEquals",
	OpGt:      "greater",
	OpGte:     "greaterOrEquals",
	OpLt:      "less",
	OpLte:     "lessOrEquals",
	OpIn:      "in",
	OpNotIn:   "notIn",
	OpLike:    "like",
	OpNotLike: "notLike",
}

// Clause is a node of a condition tree: a leaf Condition or an And/Or combinator.
type Clause interface {
	clauseNode()
}

// Condition is a single comparison. RHS is a scalar, or a []any for IN / NOT IN.
type Condition struct {
	LHS Expr
	Op  Operator
	RHS any
}

// And matches when every child matches.
type And struct {
	Clauses []Clause
}

// Or matches when any child matches.
type Or struct {
	Clauses []Clause
}

func (Condition) clauseNode() {}
func (And) clauseNode()       {}
func (Or) clauseNode()        {}

// Cond is shorthand for a Condition on a named column.
func Cond(column string, op Operator, rhs any) Condition {
	return Condition{LHS: Col(column), Op: op, RHS: rhs}
}

// CloneClause returns a deep copy of c.
func CloneClause(c Clause) Clause {
	switch x := c.(type) {
	case Condition:
		rhs := x.RHS
		if list, ok := rhs.([]any); ok {
			rhs = append([]any(nil), list...)
		}
		return Condition{LHS: CloneExpr(x.LHS), Op: x.Op, RHS: rhs}
	case And:
		return And{Clauses: CloneClauses(x.Clauses)}
	case Or:
		return Or{Clauses: CloneClauses(x.Clauses)}
	}
	return c
}

// CloneClauses deep copies a clause list. A nil list stays nil.
func CloneClauses(cs []Clause) []Clause {
	if cs == nil {
		return nil
	}
	out := make([]Clause, len(cs))
	for i, c := range cs {
		out[i] = CloneClause(c)
	}
	return out
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.LHS, c.Op, c.RHS)
}

// MarshalJSON encodes the condition as [lhs, op, rhs].
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.LHS, string(c.Op), c.RHS})
}

// MarshalJSON encodes a top level OR as a list of its children.
func (o Or) MarshalJSON() ([]byte, error) {
	children := make([]any, len(o.Clauses))
	for i, c := range o.Clauses {
		if cond, ok := c.(Condition); ok {
			children[i] = cond
			continue
		}
		children[i] = []any{clauseFunction(c), "=", 1}
	}
	return json.Marshal(children)
}

// MarshalJSON encodes a top level AND in function form compared against 1.
func (a And) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{clauseFunction(a), "=", 1})
}

// clauseFunction renders a clause in nested function form: [fn, [args...]].
func clauseFunction(c Clause) []any {
	switch x := c.(type) {
	case Condition:
		fn, ok := operatorFunctions[x.Op]
		if !ok {
			fn = string(x.Op)
		}
		return []any{fn, []any{x.LHS, x.RHS}}
	case And:
		return []any{"and", childFunctions(x.Clauses)}
	case Or:
		return []any{"or", childFunctions(x.Clauses)}
	}
	return nil
}

func childFunctions(cs []Clause) []any {
	out := make([]any, len(cs))
	for i, c := range cs {
		out[i] = clauseFunction(c)
	}
	return out
}
