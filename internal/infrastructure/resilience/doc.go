// Package resilience provides a circuit breaker for isolating unreliable
// collaborators.
//
// The restriction engine queries abuse trackers on every level calculation;
// a tracker that has started failing is cut off rather than retried inline.
// The breaker cycles closed -> open -> half-open: consecutive failures open
// it, an open breaker fails fast until its timeout elapses, and a bounded
// number of successful probes close it again.
//
// Example Usage:
//
//	breaker := resilience.New("battery-tracker", resilience.Settings{})
//	result, err := breaker.Execute(func() (interface{}, error) {
//		return tracker.ProposedLevel(pkg, uid)
//	})
package resilience
