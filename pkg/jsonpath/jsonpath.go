// Package jsonpath reads values out of JSON response bodies.
//
// Paths may be written JSONPath style ("$.products[0].id") or in gjson
// syntax ("products.0.id"); both resolve to the same value.
package jsonpath

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Lookup returns the value at path and whether it exists.
// Strings are returned unquoted, other JSON values in their raw form.
func Lookup(json []byte, path string) (string, bool) {
	if len(json) == 0 || path == "" {
		return "", false
	}

	result := gjson.GetBytes(json, convertToGjsonPath(path))
	if !result.Exists() {
		return "", false
	}
	if result.Type == gjson.Null {
		return "null", true
	}
	return result.String(), true
}

// convertToGjsonPath converts a JSONPath expression to a gjson path.
// Paths without a leading "$" are assumed to be gjson already.
func convertToGjsonPath(path string) string {
	if !strings.HasPrefix(path, "$") {
		return path
	}

	if path == "$" {
		return "@this"
	}

	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")

	// $['name'] and $["name"]
	if strings.Contains(path, "['") {
		path = strings.ReplaceAll(path, "['", ".")
		path = strings.ReplaceAll(path, "']", "")
	}
	if strings.Contains(path, "[\"") {
		path = strings.ReplaceAll(path, "[\"", ".")
		path = strings.ReplaceAll(path, "\"]", "")
	}

	// [n] -> .n
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")

	return strings.TrimPrefix(path, ".")
}
