package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Expr is a column expression understood by the analytical backend.
// It is one of Column, Call or Literal.
type Expr interface {
	exprNode()
	String() string
}

// Column references a physical column, a public field or the alias of another
// selected expression.
type Column struct {
	Name string
}

// Call is a function application such as arrayJoin(measurements_key).
// Alias names the output column when the call is selected.
type Call struct {
	Function string
	Args     []Expr
	Alias    string
}

// Literal is a constant argument.
type Literal struct {
	Value any
}

func (Column) exprNode()  {}
func (Call) exprNode()    {}
func (Literal) exprNode() {}

func (c Column) String() string { return c.Name }

func (c Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", c.Function, strings.Join(args, ", "))
}

func (l Literal) String() string { return fmt.Sprint(l.Value) }

// Col is shorthand for a Column expression.
func Col(name string) Column { return Column{Name: name} }

// Fn is shorthand for an unaliased Call expression.
func Fn(function string, args ...Expr) Call { return Call{Function: function, Args: args} }

// Lit is shorthand for a Literal expression.
func Lit(v any) Literal { return Literal{Value: v} }

// OutputName returns the name the backend uses for the expression in result rows.
func OutputName(e Expr) string {
	switch x := e.(type) {
	case Column:
		return x.Name
	case Call:
		if x.Alias != "" {
			return x.Alias
		}
		return x.String()
	case Literal:
		return x.String()
	}
	return ""
}

// CloneExpr returns a deep copy of e.
func CloneExpr(e Expr) Expr {
	switch x := e.(type) {
	case Call:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = CloneExpr(a)
		}
		return Call{Function: x.Function, Args: args, Alias: x.Alias}
	case Literal:
		if list, ok := x.Value.([]any); ok {
			return Literal{Value: append([]any(nil), list...)}
		}
		return x
	default:
		return e
	}
}

// MarshalJSON encodes a call the way the legacy query body does: [fn, [args...], alias].
func (c Call) MarshalJSON() ([]byte, error) {
	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		args[i] = a
	}
	if c.Alias != "" {
		return json.Marshal([]any{c.Function, args, c.Alias})
	}
	return json.Marshal([]any{c.Function, args})
}

func (c Column) MarshalJSON() ([]byte, error) { return json.Marshal(c.Name) }

// MarshalJSON quotes string literals so the backend can tell them from column names.
func (l Literal) MarshalJSON() ([]byte, error) {
	if s, ok := l.Value.(string); ok {
		return json.Marshal("'" + strings.ReplaceAll(s, "'", "\\'") + "'")
	}
	return json.Marshal(l.Value)
}
