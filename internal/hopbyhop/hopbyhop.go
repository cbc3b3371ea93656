// Package hopbyhop holds the fixed table of connection-scoped header names.
//
// These headers describe a single transport hop. They are never exposed to
// applications and applications may not set them on a response.
package hopbyhop

import (
	"net/http"
	"strings"
)

var names = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// Is reports whether name is a hop-by-hop header. The match is case-insensitive.
func Is(name string) bool {
	_, ok := names[strings.ToLower(name)]
	return ok
}

// Strip deletes every hop-by-hop header from h, including names listed in
// its Connection header.
func Strip(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for k := range h {
		if Is(k) {
			delete(h, k)
		}
	}
}
