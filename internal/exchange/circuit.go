package exchange

import (
	"time"

	"github.com/sony/gobreaker"
)

// newHTTPBreaker trips after a run of consecutive failures on the
// one-shot HTTPS path, so a venue outage fails fast (TransportFailure)
// instead of letting every caller burn through resty's own retry budget.
func newHTTPBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "deribit-https",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}
