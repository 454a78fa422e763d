package discover

import (
	"testing"

	"github.com/INLOpen/discover/core"
	"github.com/stretchr/testify/assert"
)

func TestResolveDiscoverAliases(t *testing.T) {
	arrayJoin := core.Call{Function: "arrayJoin", Args: []core.Expr{core.Col("measurements_key")}, Alias: "array_join_measurements_key"}
	filter := &core.Filter{
		SelectedColumns: []core.Expr{core.Col("id"), core.Col("project.id"), core.Col("user.email"), arrayJoin},
		Aggregations: []core.Aggregation{
			{Function: "count", Alias: "count"},
			{Function: "quantile(0.95)", Column: "transaction.duration", Alias: "p95"},
		},
		GroupBy: []string{"id", "project.id", "array_join_measurements_key"},
		Conditions: []core.Clause{
			core.Cond("transaction", core.OpEq, "/api"),
			core.Or{Clauses: []core.Clause{
				core.Cond("release", core.OpEq, "1.0"),
				core.Condition{LHS: core.Fn("isNull", core.Col("user.email")), Op: core.OpEq, RHS: 1},
			}},
			core.Cond("custom", core.OpEq, "x"),
		},
		OrderBy: []string{"-p95", "timestamp", "-transaction"},
	}

	resolved, translated := ResolveDiscoverAliases(filter, map[string]string{"count_snuba": "count()"})

	assert.Equal(t, []core.Expr{core.Col("event_id"), core.Col("project_id"), core.Col("email"), arrayJoin}, resolved.SelectedColumns)
	assert.Equal(t, []string{"event_id", "project_id", "array_join_measurements_key"}, resolved.GroupBy)
	assert.Equal(t, "duration", resolved.Aggregations[1].Column)
	assert.Equal(t, "", resolved.Aggregations[0].Column)
	assert.Equal(t, []core.Clause{
		core.Cond("transaction_name", core.OpEq, "/api"),
		core.Or{Clauses: []core.Clause{
			core.Cond("release", core.OpEq, "1.0"),
			core.Condition{LHS: core.Fn("isNull", core.Col("email")), Op: core.OpEq, RHS: 1},
		}},
		core.Cond("tags[custom]", core.OpEq, "x"),
	}, resolved.Conditions)
	assert.Equal(t, []string{"-p95", "timestamp", "-transaction_name"}, resolved.OrderBy)
	assert.Equal(t, map[string]string{
		"event_id":    "id",
		"project_id":  "project.id",
		"email":       "user.email",
		"count_snuba": "count()",
	}, translated)

	t.Run("input is not mutated", func(t *testing.T) {
		assert.Equal(t, core.Col("id"), filter.SelectedColumns[0])
		assert.Equal(t, "id", filter.GroupBy[0])
		assert.Equal(t, "transaction.duration", filter.Aggregations[1].Column)
		assert.Equal(t, core.Cond("transaction", core.OpEq, "/api"), filter.Conditions[0])
		assert.Equal(t, "-transaction", filter.OrderBy[2])
	})
}

func TestResolveDiscoverAliases_DerivedNamesAreKept(t *testing.T) {
	filter := &core.Filter{
		SelectedColumns: []core.Expr{core.Call{
			Function: "coalesce",
			Args:     []core.Expr{core.Col("user.email"), core.Col("user.username")},
			Alias:    "user.display",
		}},
		Aggregations: []core.Aggregation{{Function: "uniq", Column: "user", Alias: "count_unique_user"}},
		GroupBy:      []string{"user.display"},
		OrderBy:      []string{"-count_unique_user", "user.display"},
	}

	resolved, translated := ResolveDiscoverAliases(filter, nil)

	call := resolved.SelectedColumns[0].(core.Call)
	assert.Equal(t, []core.Expr{core.Col("email"), core.Col("username")}, call.Args)
	assert.Equal(t, "user.display", call.Alias)
	assert.Equal(t, []string{"user.display"}, resolved.GroupBy)
	assert.Equal(t, []string{"-count_unique_user", "user.display"}, resolved.OrderBy)
	assert.Empty(t, translated)

	original := filter.SelectedColumns[0].(core.Call)
	assert.Equal(t, core.Col("user.email"), original.Args[0])
}
