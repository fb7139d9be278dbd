// Package util collects small helpers shared by logging and API middleware.
package util

import (
	"net/url"
	"strings"
)

// sensitiveQueryKeys lists query parameters whose values must never reach log lines verbatim.
var sensitiveQueryKeys = map[string]struct{}{
	"key":           {},
	"api_key":       {},
	"apikey":        {},
	"access_token":  {},
	"token":         {},
	"code":          {},
	"client_secret": {},
}

// MaskSensitiveQuery redacts known-sensitive query parameter values before a
// URL is written to a log line, preserving the parameter names so request
// shape remains visible for debugging.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	masked := false
	for key := range values {
		if _, sensitive := sensitiveQueryKeys[strings.ToLower(key)]; sensitive {
			values[key] = []string{"***"}
			masked = true
		}
	}
	if !masked {
		return rawQuery
	}
	return values.Encode()
}
