package model

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RangeQuery represents the row selection options shared by _all_docs and
// view requests. Keys hold JSON text as it appears on the wire.
type RangeQuery struct {
	Key         string `json:"key,omitempty"`
	StartKey    string `json:"startkey,omitempty"`
	EndKey      string `json:"endkey,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	IncludeDocs bool   `json:"include_docs,omitempty"`
	Descending  bool   `json:"descending,omitempty"`
}

// EncodeKey turns a caller-supplied key into JSON text: numbers, array and
// object literals, and already quoted strings pass through, anything else
// is quoted.
func EncodeKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return trimmed
	}
	if v, err := Parse([]byte(trimmed)); err == nil && (v.Kind() == KindInt || v.Kind() == KindFloat) {
		return trimmed
	}
	switch trimmed[0] {
	case '[', '{':
		return trimmed
	case '"':
		if len(trimmed) > 1 && trimmed[len(trimmed)-1] == '"' {
			return trimmed
		}
	}
	return StringValue(key).String()
}

// Values renders q as URL query parameters.
func (q RangeQuery) Values() url.Values {
	v := url.Values{}
	if q.Key != "" {
		v.Set("key", EncodeKey(q.Key))
	}
	if q.StartKey != "" {
		v.Set("startkey", EncodeKey(q.StartKey))
	}
	if q.EndKey != "" {
		v.Set("endkey", EncodeKey(q.EndKey))
	}
	if q.IncludeDocs {
		v.Set("include_docs", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Descending {
		v.Set("descending", "true")
	}
	return v
}

// ParseRangeQuery reads the options back from URL query parameters.
func ParseRangeQuery(v url.Values) (RangeQuery, error) {
	q := RangeQuery{
		Key:         v.Get("key"),
		StartKey:    firstOf(v, "startkey", "start_key"),
		EndKey:      firstOf(v, "endkey", "end_key"),
		IncludeDocs: v.Get("include_docs") == "true",
		Descending:  v.Get("descending") == "true",
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, errors.Wrapf(ErrInvalidArgument, "limit %q", s)
		}
		q.Limit = n
	}
	for _, k := range []string{q.Key, q.StartKey, q.EndKey} {
		if k == "" {
			continue
		}
		if _, err := Parse([]byte(k)); err != nil {
			return q, errors.Wrapf(ErrInvalidArgument, "key %q is not JSON", k)
		}
	}
	return q, nil
}

func firstOf(v url.Values, names ...string) string {
	for _, n := range names {
		if s := v.Get(n); s != "" {
			return s
		}
	}
	return ""
}
