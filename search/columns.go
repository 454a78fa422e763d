// Package search describes the public event schema of the discover dataset:
// which public field maps to which physical column, the aggregate functions a
// caller may select, and how a filter string turns into a core.Filter.
package search

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/INLOpen/discover/core"
)

// discoverColumns maps public field names to physical columns of the discover dataset.
var discoverColumns = map[string]string{
	"id":                   "event_id",
	"project":              "project_id",
	"project.id":           "project_id",
	"issue.id":             "group_id",
	"timestamp":            "timestamp",
	"time":                 "time",
	"message":              "message",
	"title":                "title",
	"location":             "location",
	"culprit":              "culprit",
	"environment":          "environment",
	"release":              "release",
	"dist":                 "dist",
	"platform.name":        "platform",
	"event.type":           "type",
	"transaction":          "transaction_name",
	"transaction.op":       "transaction_op",
	"transaction.status":   "transaction_status",
	"transaction.duration": "duration",
	"trace":                "trace_id",
	"user":                 "user",
	"user.id":              "user_id",
	"user.email":           "email",
	"user.username":        "username",
	"user.ip":              "ip_address",
	"http.method":          "http_method",
	"http.url":             "http_url",
	"os.name":              "os_name",
	"browser.name":         "browser_name",
	"sdk.name":             "sdk_name",
	"error.type":           "exception_stacks.type",
	"tags.key":             "tags_key",
	"tags.value":           "tags_value",
}

// physicalColumns is the set of column names the backend accepts verbatim.
var physicalColumns = func() map[string]struct{} {
	out := map[string]struct{}{
		"measurements_key":   {},
		"measurements_value": {},
	}
	for _, physical := range discoverColumns {
		out[physical] = struct{}{}
	}
	return out
}()

// durationMeasurements are the web vitals reported in milliseconds.
var durationMeasurements = map[string]struct{}{
	"fp":               {},
	"fcp":              {},
	"lcp":              {},
	"fid":              {},
	"ttfb":             {},
	"ttfb.requesttime": {},
	"app_start_cold":   {},
	"app_start_warm":   {},
	"frames_slow_rate": {},
}

var measurementPattern = regexp.MustCompile(`^measurements\.([a-zA-Z0-9-_.]+)$`)

// MeasurementName returns the measurement key of a "measurements.<name>" field.
func MeasurementName(field string) (string, bool) {
	m := measurementPattern.FindStringSubmatch(field)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// IsMeasurement reports whether field names a measurement.
func IsMeasurement(field string) bool {
	_, ok := MeasurementName(field)
	return ok
}

// IsDurationMeasurement reports whether field names a measurement expressed in milliseconds.
func IsDurationMeasurement(field string) bool {
	name, ok := MeasurementName(field)
	if !ok {
		return false
	}
	_, ok = durationMeasurements[name]
	return ok
}

// IsPhysicalColumn reports whether name is already a backend column.
func IsPhysicalColumn(name string) bool {
	if strings.HasPrefix(name, "tags[") || strings.HasPrefix(name, "measurements[") {
		return true
	}
	_, ok := physicalColumns[name]
	return ok
}

// ResolveColumn maps a public field to its physical column. Physical names
// pass through, measurements become measurements[name] and anything unknown
// is treated as a tag.
func ResolveColumn(name string) string {
	if name == "" || IsPhysicalColumn(name) {
		return name
	}
	if physical, ok := discoverColumns[name]; ok {
		return physical
	}
	if m, ok := MeasurementName(name); ok {
		return fmt.Sprintf("measurements[%s]", m)
	}
	if strings.HasPrefix(name, "tags.") {
		return fmt.Sprintf("tags[%s]", strings.TrimPrefix(name, "tags."))
	}
	return fmt.Sprintf("tags[%s]", name)
}

// FieldAlias is a public pseudo field that does not name a single column.
type FieldAlias struct {
	Name string
	// Alias is the column name carrying the field in result rows.
	Alias string
	// Expression computes the field when it is not a plain column rename.
	Expression func() core.Expr
	ResultType string
}

// FieldAliases lists the pseudo fields of the discover schema.
var FieldAliases = map[string]FieldAlias{
	"issue": {Name: "issue", Alias: "issue.id", ResultType: "integer"},
	"user.display": {
		Name:  "user.display",
		Alias: "user.display",
		Expression: func() core.Expr {
			return core.Call{
				Function: "coalesce",
				Args:     []core.Expr{core.Col("user.email"), core.Col("user.username"), core.Col("user.ip")},
				Alias:    "user.display",
			}
		},
		ResultType: "string",
	},
}

// IsFieldAlias reports whether name is a pseudo field.
func IsFieldAlias(name string) bool {
	_, ok := FieldAliases[name]
	return ok
}
