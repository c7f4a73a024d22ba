package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/auditkeep/pkg/errcode"
)

// ParseJSON decodes JSON from the request body into the destination. Unknown fields
// are rejected.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return errcode.Wrap(errcode.ValidationFailed, "invalid JSON body", err)
	}
	return nil
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", errcode.Newf(errcode.ValidationFailed, "missing path parameter: %s", key)
	}
	return str, nil
}

// ParseQueryInt extracts and parses an integer query parameter. Malformed input
// carries code onto the error.
func ParseQueryInt(r *http.Request, key string, defaultVal int, code errcode.Code) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, errcode.Newf(code, "invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseQueryTime parses an RFC3339 timestamp query parameter; nil when absent
func ParseQueryTime(r *http.Request, key string) (*time.Time, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return nil, errcode.Newf(errcode.InvalidDateRange, "invalid timestamp for %s, expected RFC3339", key)
	}
	t = t.UTC()
	return &t, nil
}

// ParseQueryList collects a repeated or comma separated query parameter
func ParseQueryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ParseTime parses an RFC3339 timestamp taken from a JSON body
func ParseTime(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidDateRange, fmt.Sprintf("invalid timestamp for %s, expected RFC3339", field), err)
	}
	t = t.UTC()
	return &t, nil
}
