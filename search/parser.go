package search

import (
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/INLOpen/discover/core"
)

// Parser turns a filter string bound to request params into a Filter.
type Parser interface {
	Parse(query string, params core.Params) (*core.Filter, error)
}

// SimpleParser understands whitespace separated terms:
//
//	key:value  !key:value  key:>10  key:[a,b]  has:key  "free text"  count():>5
//
// Adjacent terms may be joined with OR; AND is implied. Terms on aggregate
// functions become having-clauses.
type SimpleParser struct{}

var _ Parser = SimpleParser{}

// term is one parsed filter term. aggregates holds the public aggregate
// expressions referenced when the term is a having-clause.
type term struct {
	clause     core.Clause
	aggregates []string
}

// Parse implements Parser.
func (SimpleParser) Parse(query string, params core.Params) (*core.Filter, error) {
	f := &core.Filter{
		Start: params.Start,
		End:   params.End,
	}
	if len(params.ProjectIDs) > 0 {
		f.FilterKeys = map[string][]uint64{"project_id": slices.Clone(params.ProjectIDs)}
	}
	switch len(params.Environments) {
	case 0:
	case 1:
		f.Conditions = append(f.Conditions, core.Cond("environment", core.OpEq, params.Environments[0]))
	default:
		envs := make([]any, len(params.Environments))
		for i, e := range params.Environments {
			envs[i] = e
		}
		f.Conditions = append(f.Conditions, core.Cond("environment", core.OpIn, envs))
	}

	tokens, err := tokenize(query)
	if err != nil {
		return nil, err
	}

	var terms []term
	pendingOr := false
	for _, tok := range tokens {
		switch tok {
		case "AND":
			if len(terms) == 0 || pendingOr {
				return nil, core.NewInvalidQuery("Parse error at 'AND': missing left operand")
			}
			continue
		case "OR":
			if len(terms) == 0 || pendingOr {
				return nil, core.NewInvalidQuery("Parse error at 'OR': missing left operand")
			}
			pendingOr = true
			continue
		}
		t, err := parseTerm(tok)
		if err != nil {
			return nil, err
		}
		if !pendingOr {
			terms = append(terms, t)
			continue
		}
		pendingOr = false
		last := &terms[len(terms)-1]
		if (len(last.aggregates) == 0) != (len(t.aggregates) == 0) {
			return nil, core.NewInvalidQuery("Having an OR between aggregate filters and normal filters is invalid.")
		}
		if or, ok := last.clause.(core.Or); ok {
			or.Clauses = append(or.Clauses, t.clause)
			last.clause = or
		} else {
			last.clause = core.Or{Clauses: []core.Clause{last.clause, t.clause}}
		}
		last.aggregates = append(last.aggregates, t.aggregates...)
	}
	if pendingOr {
		return nil, core.NewInvalidQuery("Parse error at 'OR': missing right operand")
	}

	for _, t := range terms {
		if len(t.aggregates) == 0 {
			f.Conditions = append(f.Conditions, t.clause)
			continue
		}
		f.Having = append(f.Having, t.clause)
		for _, agg := range t.aggregates {
			if !slices.Contains(f.ConditionAggregates, agg) {
				f.ConditionAggregates = append(f.ConditionAggregates, agg)
			}
		}
	}
	return f, nil
}

// tokenize splits on whitespace outside of double quotes and brackets.
func tokenize(query string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		depth   int
	)
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range query {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case quoted:
			current.WriteRune(r)
		case r == '(' || r == '[':
			depth++
			current.WriteRune(r)
		case r == ')' || r == ']':
			depth--
			current.WriteRune(r)
		case unicode.IsSpace(r) && depth == 0:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if quoted {
		return nil, core.NewInvalidQuery("Parse error: unterminated quote in %q", query)
	}
	if depth != 0 {
		return nil, core.NewInvalidQuery("Parse error: unbalanced brackets in %q", query)
	}
	flush()
	return tokens, nil
}

func parseTerm(tok string) (term, error) {
	if strings.HasPrefix(tok, `"`) {
		text := unquote(tok)
		if text == "" {
			return term{}, core.NewInvalidQuery("Parse error: empty search term")
		}
		return term{clause: core.Cond("message", core.OpLike, "%"+text+"%")}, nil
	}

	key, value, found := cutTerm(tok)
	if !found {
		return term{clause: core.Cond("message", core.OpLike, "%"+tok+"%")}, nil
	}
	negated := strings.HasPrefix(key, "!")
	key = strings.TrimPrefix(key, "!")
	if key == "" {
		return term{}, core.NewInvalidQuery("Parse error at %q: empty key", tok)
	}

	if key == "has" {
		if value == "" {
			return term{}, core.NewInvalidQuery("Parse error at %q: has requires a field", tok)
		}
		isNull := 0
		if negated {
			isNull = 1
		}
		return term{clause: core.Condition{LHS: core.Fn("isNull", core.Col(value)), Op: core.OpEq, RHS: isNull}}, nil
	}

	op, value := splitOperator(value)
	if IsFunction(key) {
		if negated {
			return term{}, core.NewInvalidQuery("Parse error at %q: aggregate filters cannot be negated", tok)
		}
		if !IsAggregate(key) {
			return term{}, core.NewInvalidQuery("%s is not a valid aggregate function", key)
		}
		n, ok := parseNumber(value)
		if !ok {
			return term{}, core.NewInvalidQuery("Invalid aggregate query condition: %s, expected a number", tok)
		}
		return term{
			clause:     core.Cond(FunctionAlias(key), op, n),
			aggregates: []string{key},
		}, nil
	}

	if op != core.OpEq {
		if negated {
			return term{}, core.NewInvalidQuery("Parse error at %q: comparisons cannot be negated", tok)
		}
		if n, ok := parseNumber(value); ok {
			return term{clause: core.Cond(key, op, n)}, nil
		}
		return term{clause: core.Cond(key, op, unquote(value))}, nil
	}

	if strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]") {
		var list []any
		for _, v := range strings.Split(value[1:len(value)-1], ",") {
			if v = strings.TrimSpace(v); v != "" {
				list = append(list, scalar(unquote(v)))
			}
		}
		if len(list) == 0 {
			return term{}, core.NewInvalidQuery("Parse error at %q: empty list", tok)
		}
		if negated {
			return term{clause: core.Cond(key, core.OpNotIn, list)}, nil
		}
		return term{clause: core.Cond(key, core.OpIn, list)}, nil
	}

	value = unquote(value)
	if strings.Contains(value, "*") {
		like := strings.ReplaceAll(value, "*", "%")
		if negated {
			return term{clause: core.Cond(key, core.OpNotLike, like)}, nil
		}
		return term{clause: core.Cond(key, core.OpLike, like)}, nil
	}
	if negated {
		return term{clause: core.Cond(key, core.OpNeq, scalar(value))}, nil
	}
	return term{clause: core.Cond(key, core.OpEq, scalar(value))}, nil
}

// cutTerm splits a term at the first colon outside of parentheses.
func cutTerm(tok string) (string, string, bool) {
	depth := 0
	for i, r := range tok {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ':':
			if depth == 0 {
				return tok[:i], tok[i+1:], true
			}
		}
	}
	return tok, "", false
}

func splitOperator(value string) (core.Operator, string) {
	for _, op := range []core.Operator{core.OpGte, core.OpLte, core.OpGt, core.OpLt} {
		if strings.HasPrefix(value, string(op)) {
			return op, strings.TrimSpace(value[len(op):])
		}
	}
	return core.OpEq, value
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

func parseNumber(s string) (any, bool) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	return nil, false
}

// scalar keeps integers numeric so they compare against numeric columns.
func scalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	return s
}
