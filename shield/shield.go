// Package shield is the HTTP middleware stack of the relay: security headers,
// request body limits, request ids and HEAD handling.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

// DefaultMaxBody bounds request bodies. Full page snapshots are the largest
// payloads the REST API accepts.
const DefaultMaxBody = 32 << 20

// DefaultStack returns the relay middleware in order:
// HeadToGet, SecurityHeaders, MaxBody, RequestID.
func DefaultStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody),
		RequestID(logger),
	}
}
