package search

import "strings"

// backendJSONType maps a backend column type to its public JSON type.
func backendJSONType(backendType string) string {
	if backendType == "" {
		return "string"
	}
	if strings.HasPrefix(backendType, "Nullable(") && strings.HasSuffix(backendType, ")") {
		backendType = backendType[len("Nullable(") : len(backendType)-1]
	}
	switch {
	case strings.HasPrefix(backendType, "Array"):
		return "array"
	case strings.Contains(backendType, "Int"):
		return "integer"
	case strings.Contains(backendType, "Float"), strings.Contains(backendType, "Decimal"):
		return "number"
	case strings.Contains(backendType, "DateTime"):
		return "date"
	}
	return "string"
}

// JSONMetaType returns the public type of a result column. details may be nil.
func JSONMetaType(alias, backendType string, details *FunctionDetails) string {
	if t := details.ResultType(); t != "" {
		return t
	}
	if fa, ok := FieldAliases[alias]; ok && fa.ResultType != "" {
		return fa.ResultType
	}
	if t := backendJSONType(backendType); t != "string" {
		return t
	}
	if strings.Contains(alias, "duration") || IsDurationMeasurement(alias) {
		return "duration"
	}
	if IsMeasurement(alias) {
		return "number"
	}
	return "string"
}
