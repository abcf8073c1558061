package util

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code. Headers
// already set on w (CORS, request id) are preserved.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Truthy reports whether a JSON-decoded value would be considered true by a
// loosely typed producer: false, 0, "", null and a missing value are not.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		return err != nil || f != 0
	default:
		return true
	}
}

// StringField returns m[key] when it is a non-empty string.
func StringField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
