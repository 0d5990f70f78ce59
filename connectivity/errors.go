// Package connectivity guards outbound calls: circuit breakers per endpoint
// and retries with exponential backoff.
package connectivity

import "fmt"

// ErrCircuitOpen is returned when the breaker for an endpoint is open and
// the call was not attempted.
type ErrCircuitOpen struct {
	Endpoint string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Endpoint)
}
