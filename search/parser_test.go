package search

import (
	"testing"
	"time"

	"github.com/INLOpen/discover/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleParser_Params(t *testing.T) {
	start := time.Date(2020, 9, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	f, err := SimpleParser{}.Parse("", core.Params{
		Start:        start,
		End:          end,
		ProjectIDs:   []uint64{1, 2},
		Environments: []string{"prod", "staging"},
	})
	require.NoError(t, err)
	assert.Equal(t, start, f.Start)
	assert.Equal(t, end, f.End)
	assert.Equal(t, map[string][]uint64{"project_id": {1, 2}}, f.FilterKeys)
	assert.Equal(t, []core.Clause{core.Cond("environment", core.OpIn, []any{"prod", "staging"})}, f.Conditions)
	assert.Empty(t, f.Having)
}

func TestSimpleParser_Terms(t *testing.T) {
	testCases := []struct {
		query string
		want  core.Clause
	}{
		{"transaction:/api/users", core.Cond("transaction", core.OpEq, "/api/users")},
		{`release:"1.0 beta"`, core.Cond("release", core.OpEq, "1.0 beta")},
		{"!environment:prod", core.Cond("environment", core.OpNeq, "prod")},
		{"transaction.duration:>=250", core.Cond("transaction.duration", core.OpGte, int64(250))},
		{"measurements.lcp:<2.5", core.Cond("measurements.lcp", core.OpLt, 2.5)},
		{"issue.id:[1, 2]", core.Cond("issue.id", core.OpIn, []any{int64(1), int64(2)})},
		{"!browser:[Chrome,Firefox]", core.Cond("browser", core.OpNotIn, []any{"Chrome", "Firefox"})},
		{"transaction:/api/*", core.Cond("transaction", core.OpLike, "/api/%")},
		{"timeout", core.Cond("message", core.OpLike, "%timeout%")},
		{`"connection reset"`, core.Cond("message", core.OpLike, "%connection reset%")},
		{"has:user.email", core.Condition{LHS: core.Fn("isNull", core.Col("user.email")), Op: core.OpEq, RHS: 0}},
		{"!has:user.email", core.Condition{LHS: core.Fn("isNull", core.Col("user.email")), Op: core.OpEq, RHS: 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.query, func(t *testing.T) {
			f, err := SimpleParser{}.Parse(tc.query, core.Params{})
			require.NoError(t, err)
			require.Len(t, f.Conditions, 1)
			assert.Equal(t, tc.want, f.Conditions[0])
		})
	}
}

func TestSimpleParser_AggregateTerms(t *testing.T) {
	f, err := SimpleParser{}.Parse("transaction:foo count_unique(user):>10 OR p95():<300 count():>1", core.Params{})
	require.NoError(t, err)

	assert.Equal(t, []core.Clause{core.Cond("transaction", core.OpEq, "foo")}, f.Conditions)
	require.Len(t, f.Having, 2)
	assert.Equal(t, core.Or{Clauses: []core.Clause{
		core.Cond("count_unique_user", core.OpGt, int64(10)),
		core.Cond("p95", core.OpLt, int64(300)),
	}}, f.Having[0])
	assert.Equal(t, core.Cond("count", core.OpGt, int64(1)), f.Having[1])
	assert.Equal(t, []string{"count_unique(user)", "p95()", "count()"}, f.ConditionAggregates)
}

func TestSimpleParser_OrOfConditions(t *testing.T) {
	f, err := SimpleParser{}.Parse("release:a OR release:b OR release:c", core.Params{})
	require.NoError(t, err)
	require.Len(t, f.Conditions, 1)
	or, ok := f.Conditions[0].(core.Or)
	require.True(t, ok)
	assert.Len(t, or.Clauses, 3)
}

func TestSimpleParser_Errors(t *testing.T) {
	for _, query := range []string{
		`release:"unterminated`,
		"count(:>1",
		"OR release:a",
		"release:a OR",
		"release:a OR count():>1",
		"count():>many",
		"!count():>1",
		"transaction:foo(bar",
		":value",
		"has:",
		"tag:[]",
	} {
		t.Run(query, func(t *testing.T) {
			_, err := SimpleParser{}.Parse(query, core.Params{})
			require.Error(t, err)
			assert.True(t, core.IsInvalidQuery(err))
		})
	}
}
