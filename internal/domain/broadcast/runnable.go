package broadcast

import "time"

// Never is the runnable-at sentinel for queues that must not be serviced:
// far enough in the future that it never arrives.
var Never = time.Unix(1<<40, 0)

// Reason explains a queue's current runnable-at value. Exactly one reason is
// cached alongside the timestamp.
type Reason int

const (
	// ReasonEmpty: no pending item, runnable-at is Never.
	ReasonEmpty Reason = iota
	// ReasonBlocked: head item gated on ordered delivery, runnable-at is Never.
	ReasonBlocked
	// ReasonForcedDelay: an externally imposed delay is in effect.
	ReasonForcedDelay
	// ReasonContainsForeground: a foreground item is pending (urgent delay).
	ReasonContainsForeground
	// ReasonContainsInteractive: an interactive item is pending (urgent delay).
	ReasonContainsInteractive
	// ReasonContainsInstrumented: an instrumented item is pending (urgent delay).
	ReasonContainsInstrumented
	// ReasonProcessInstrumented: the process itself runs under instrumentation.
	ReasonProcessInstrumented
	// ReasonContainsOrdered: an ordered item is pending (no delay).
	ReasonContainsOrdered
	// ReasonContainsAlarm: an alarm item is pending (no delay).
	ReasonContainsAlarm
	// ReasonContainsPrioritized: a prioritized item is pending (no delay).
	ReasonContainsPrioritized
	// ReasonContainsResultTo: a result-target item is pending (no delay).
	ReasonContainsResultTo
	// ReasonContainsManifest: a manifest-receiver item is pending (no delay).
	ReasonContainsManifest
	// ReasonPersistent: the process is persistent (no delay).
	ReasonPersistent
	// ReasonCached: the process is cached (longest delay).
	ReasonCached
	// ReasonNormal: default delay applies.
	ReasonNormal
	// ReasonMaxPending: backpressure valve engaged, raw enqueue time used.
	ReasonMaxPending
)

var reasonNames = map[Reason]string{
	ReasonEmpty:                "empty",
	ReasonBlocked:              "blocked",
	ReasonForcedDelay:          "forced-delay",
	ReasonContainsForeground:   "contains-foreground",
	ReasonContainsInteractive:  "contains-interactive",
	ReasonContainsInstrumented: "contains-instrumented",
	ReasonProcessInstrumented:  "process-instrumented",
	ReasonContainsOrdered:      "contains-ordered",
	ReasonContainsAlarm:        "contains-alarm",
	ReasonContainsPrioritized:  "contains-prioritized",
	ReasonContainsResultTo:     "contains-result-to",
	ReasonContainsManifest:     "contains-manifest",
	ReasonPersistent:           "persistent",
	ReasonCached:               "cached",
	ReasonNormal:               "normal",
	ReasonMaxPending:           "max-pending",
}

// String returns the reason name.
func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Constants carries the tuning knobs for runnable-at computation and
// starvation avoidance. All values are configuration-driven; tests construct
// explicit instances.
type Constants struct {
	// DelayNormal applies to queues with no special condition.
	DelayNormal time.Duration
	// DelayCached applies to cached processes; the longest delay.
	DelayCached time.Duration
	// DelayUrgent applies to urgent conditions. Typically negative to pull
	// the queue ahead of its enqueue time.
	DelayUrgent time.Duration
	// MaxConsecutiveUrgent bounds urgent dispatches while normal waits.
	MaxConsecutiveUrgent int
	// MaxConsecutiveNormal bounds normal dispatches while offload waits.
	MaxConsecutiveNormal int
	// MaxPending engages the backpressure valve: at or beyond this many
	// pending items, runnable-at collapses to the raw enqueue time.
	MaxPending int
	// BlockedCeiling is the hard limit on how long a queue may stay
	// blocked before the health check reports it as wedged.
	BlockedCeiling time.Duration
}

// DefaultConstants returns production defaults. Deployments override these
// through configuration.
func DefaultConstants() Constants {
	return Constants{
		DelayNormal:          10 * time.Second,
		DelayCached:          120 * time.Second,
		DelayUrgent:          -120 * time.Second,
		MaxConsecutiveUrgent: 3,
		MaxConsecutiveNormal: 10,
		MaxPending:           256,
		BlockedCeiling:       10 * time.Minute,
	}
}
