package shield

import "net/http"

// Header is one response header set on every reply.
type Header struct {
	Name, Value string
}

// DefaultHeaders suits a JSON API that never serves documents: nothing may
// frame, sniff or cache its responses.
func DefaultHeaders() []Header {
	return []Header{
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "no-referrer"},
		{"Cache-Control", "no-store"},
		{"Cross-Origin-Resource-Policy", "same-origin"},
	}
}

// SecurityHeaders sets headers before the handler runs, so handlers may
// still override one. Entries with an empty value are skipped.
func SecurityHeaders(headers []Header) func(http.Handler) http.Handler {
	set := make([]Header, 0, len(headers))
	for _, h := range headers {
		if h.Value != "" {
			set = append(set, h)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, h := range set {
				w.Header().Set(h.Name, h.Value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
