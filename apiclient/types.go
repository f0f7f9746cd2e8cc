package apiclient

import (
	"net/url"
	"sort"
	"strings"
)

// Params holds query parameters for a single request. Values are rendered
// in sorted key order wherever a canonical form is needed (cache keys,
// rendered URLs), so two Params with the same contents always produce the
// same request identity.
type Params map[string]string

// Clone returns an independent copy. A nil receiver yields an empty,
// non-nil map so callers can mutate the result.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Encode renders the parameters as a URL query string with keys in
// sorted order.
func (p Params) Encode() string {
	if len(p) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[k]))
	}
	return b.String()
}

// Values converts to url.Values for form encoding.
func (p Params) Values() url.Values {
	v := make(url.Values, len(p))
	for k, val := range p {
		v.Set(k, val)
	}
	return v
}
