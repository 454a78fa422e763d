package discover

import (
	"strings"

	"github.com/INLOpen/discover/core"
	"github.com/INLOpen/discover/search"
)

// ResolveDiscoverAliases returns a copy of filter with every public column
// name replaced by its physical column, plus the map from physical names back
// to the public names the caller selected. functionTranslations
// (physical → public) are merged into that map and their names are treated
// as derived. Names of complex columns and aggregation aliases are derived
// too: they are never resolved where they are referenced again.
func ResolveDiscoverAliases(filter *core.Filter, functionTranslations map[string]string) (*core.Filter, map[string]string) {
	resolved := filter.Clone()
	translated := make(map[string]string, len(filter.SelectedColumns)+len(functionTranslations))
	derived := make(map[string]struct{})

	for physical, public := range functionTranslations {
		derived[physical] = struct{}{}
		translated[physical] = public
	}

	for i, expr := range resolved.SelectedColumns {
		switch x := expr.(type) {
		case core.Column:
			name := search.ResolveColumn(x.Name)
			resolved.SelectedColumns[i] = core.Col(name)
			translated[name] = x.Name
		case core.Call:
			if x.Alias != "" {
				derived[strings.Trim(x.Alias, "`")] = struct{}{}
			}
			resolved.SelectedColumns[i] = resolveExpr(x, nil)
		}
	}

	for i, name := range resolved.GroupBy {
		if _, ok := derived[name]; !ok {
			resolved.GroupBy[i] = search.ResolveColumn(name)
		}
	}

	for i, agg := range resolved.Aggregations {
		derived[agg.Alias] = struct{}{}
		if agg.Column != "" {
			resolved.Aggregations[i].Column = search.ResolveColumn(agg.Column)
		}
	}

	resolved.Conditions = resolveClauses(resolved.Conditions, derived)

	for i, entry := range resolved.OrderBy {
		field := strings.TrimLeft(entry, "-")
		if _, ok := derived[field]; !ok {
			field = search.ResolveColumn(field)
		}
		if strings.HasPrefix(entry, "-") {
			field = "-" + field
		}
		resolved.OrderBy[i] = field
	}
	return resolved, translated
}

// resolveExpr resolves the column references of e. Names in derived are left alone.
func resolveExpr(e core.Expr, derived map[string]struct{}) core.Expr {
	switch x := e.(type) {
	case core.Column:
		if _, ok := derived[x.Name]; ok {
			return x
		}
		return core.Col(search.ResolveColumn(x.Name))
	case core.Call:
		for i, arg := range x.Args {
			x.Args[i] = resolveExpr(arg, derived)
		}
		return x
	}
	return e
}

func resolveClauses(clauses []core.Clause, derived map[string]struct{}) []core.Clause {
	for i, c := range clauses {
		switch x := c.(type) {
		case core.Condition:
			x.LHS = resolveExpr(x.LHS, derived)
			clauses[i] = x
		case core.And:
			clauses[i] = core.And{Clauses: resolveClauses(x.Clauses, derived)}
		case core.Or:
			clauses[i] = core.Or{Clauses: resolveClauses(x.Clauses, derived)}
		}
	}
	return clauses
}
