package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONMetaType(t *testing.T) {
	count := &FunctionDetails{Name: "count", fn: functions["count"]}
	avgDuration := &FunctionDetails{Name: "avg", Args: []string{"transaction.duration"}, fn: functions["avg"]}
	avgOther := &FunctionDetails{Name: "avg", Args: []string{"stack.depth"}, fn: functions["avg"]}

	testCases := []struct {
		name    string
		alias   string
		typ     string
		details *FunctionDetails
		want    string
	}{
		{"function override", "count", "UInt64", count, "integer"},
		{"duration argument", "avg_transaction_duration", "Float64", avgDuration, "duration"},
		{"fall back to backend type", "avg_stack_depth", "Float64", avgOther, "number"},
		{"nullable int", "project.id", "Nullable(UInt64)", nil, "integer"},
		{"array", "tags.key", "Array(String)", nil, "array"},
		{"date", "timestamp", "DateTime", nil, "date"},
		{"duration by name", "transaction.duration", "", nil, "duration"},
		{"duration measurement", "measurements.lcp", "", nil, "duration"},
		{"measurement", "measurements.cls", "", nil, "number"},
		{"field alias", "issue", "String", nil, "integer"},
		{"string", "message", "String", nil, "string"},
		{"unknown", "x", "", nil, "string"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, JSONMetaType(tc.alias, tc.typ, tc.details))
		})
	}
}
