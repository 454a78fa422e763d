package memstore

import (
	"math"
	"testing"
	"time"

	"github.com/INLOpen/discover/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRow() row {
	return row{ev: &Event{
		ID:           "e1",
		ProjectID:    7,
		Timestamp:    time.Date(2024, 3, 1, 10, 45, 30, 0, time.UTC),
		Fields:       map[string]any{"duration": int64(250), "user.email": nil, "user.username": "jane", "transaction_name": "/api/users"},
		Tags:         map[string]string{"level": "error", "browser": "chrome"},
		Measurements: map[string]float64{"lcp": 1800},
	}}
}

func TestEvaluator_Columns(t *testing.T) {
	e := newEvaluator(&core.RawQuery{Rollup: 3600})
	r := testRow()
	lookup := e.rowLookup(r)

	cases := map[string]any{
		"event_id":           "e1",
		"project_id":         int64(7),
		"timestamp":          "2024-03-01T10:45:30Z",
		"time":               time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Unix(),
		"tags[level]":        "error",
		"tags[missing]":      nil,
		"measurements[lcp]":  1800.0,
		"tags_key":           []any{"browser", "level"},
		"measurements_value": []any{1800.0},
		"duration":           int64(250),
		"unknown":            nil,
	}
	for name, want := range cases {
		got, err := lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	joined := row{ev: r.ev, nested: nestedTags, elem: pair{key: "level", value: "error"}}
	lookup = e.rowLookup(joined)
	v, err := lookup("tags_key")
	require.NoError(t, err)
	assert.Equal(t, "level", v)
	v, err = e.eval(core.Fn("arrayJoin", core.Col("tags_value")), lookup, joined)
	require.NoError(t, err)
	assert.Equal(t, "error", v)

	_, err = e.eval(core.Fn("arrayJoin", core.Col("measurements_key")), lookup, joined)
	assert.Error(t, err)
}

func TestEvaluator_Functions(t *testing.T) {
	e := newEvaluator(&core.RawQuery{})
	r := testRow()
	lookup := e.rowLookup(r)

	eval := func(expr core.Expr) any {
		t.Helper()
		v, err := e.eval(expr, lookup, r)
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, "jane", eval(core.Fn("coalesce", core.Col("user.email"), core.Col("user.username"))))
	assert.Equal(t, int64(1), eval(core.Fn("isNull", core.Col("release"))))
	assert.Equal(t, int64(0), eval(core.Fn("isNotNull", core.Col("release"))))
	assert.Equal(t, int64(260), eval(core.Fn("plus", core.Col("duration"), core.Lit(int64(10)))))
	assert.Equal(t, 125.0, eval(core.Fn("divide", core.Col("duration"), core.Lit(int64(2)))))
	assert.Equal(t, 2.0, eval(core.Fn("floor", core.Lit(2.9))))
	assert.Nil(t, eval(core.Fn("minus", core.Col("release"), core.Lit(int64(1)))))
	assert.True(t, math.IsInf(eval(core.Fn("divide", core.Lit(int64(1)), core.Lit(int64(0)))).(float64), 1))

	_, err := e.eval(core.Fn("plus", core.Lit("a"), core.Lit(int64(1))), lookup, r)
	assert.Error(t, err)
}

func TestEvaluator_Aliases(t *testing.T) {
	double := core.Call{Function: "multiply", Args: []core.Expr{core.Col("duration"), core.Lit(int64(2))}, Alias: "double"}
	loop := core.Call{Function: "plus", Args: []core.Expr{core.Col("loop"), core.Lit(int64(1))}, Alias: "loop"}
	e := newEvaluator(&core.RawQuery{SelectedColumns: []core.Expr{double, loop}})
	r := testRow()
	lookup := e.rowLookup(r)

	v, err := lookup("double")
	require.NoError(t, err)
	assert.Equal(t, int64(500), v)

	_, err = lookup("loop")
	assert.Error(t, err)
}

func TestEvaluator_Conditions(t *testing.T) {
	e := newEvaluator(&core.RawQuery{})
	r := testRow()
	lookup := e.rowLookup(r)

	cases := []struct {
		name   string
		clause core.Clause
		want   bool
	}{
		{"eq", core.Cond("tags[level]", core.OpEq, "error"), true},
		{"eq numeric", core.Cond("duration", core.OpEq, 250.0), true},
		{"eq null", core.Cond("release", core.OpEq, nil), true},
		{"neq null", core.Cond("duration", core.OpNeq, nil), true},
		{"neq on null", core.Cond("release", core.OpNeq, "1.0"), false},
		{"gt", core.Cond("duration", core.OpGt, 200), true},
		{"lte", core.Cond("duration", core.OpLte, 249), false},
		{"gt null", core.Cond("release", core.OpGt, 1), false},
		{"gt mismatched", core.Cond("transaction_name", core.OpGt, 1), false},
		{"in", core.Cond("project_id", core.OpIn, []any{int64(3), int64(7)}), true},
		{"not in", core.Cond("tags[level]", core.OpNotIn, []any{"warning"}), true},
		{"not in null", core.Cond("release", core.OpNotIn, []any{"1.0"}), false},
		{"like", core.Cond("transaction_name", core.OpLike, "/api/%"), true},
		{"like single", core.Cond("tags[level]", core.OpLike, "e_ror"), true},
		{"not like", core.Cond("transaction_name", core.OpNotLike, "%.php"), true},
		{"like escapes", core.Cond("transaction_name", core.OpLike, "/api.users"), false},
		{"column rhs", core.Condition{LHS: core.Col("duration"), Op: core.OpGt, RHS: core.Col("measurements[lcp]")}, false},
		{"and", core.And{Clauses: []core.Clause{core.Cond("duration", core.OpGt, 1), core.Cond("tags[browser]", core.OpEq, "firefox")}}, false},
		{"or", core.Or{Clauses: []core.Clause{core.Cond("duration", core.OpGt, 1000), core.Cond("tags[browser]", core.OpEq, "chrome")}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.match(tc.clause, lookup, r)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := e.match(core.Cond("duration", core.OpIn, "250"), lookup, r)
	assert.Error(t, err)
}

func TestFloorDiv(t *testing.T) {
	assert.Equal(t, int64(2), floorDiv(7, 3))
	assert.Equal(t, int64(-3), floorDiv(-7, 3))
	assert.Equal(t, int64(-2), floorDiv(-6, 3))
}
