package restriction

import (
	"github.com/appruntime/broadcastd/internal/infrastructure/monitoring"
	"github.com/appruntime/broadcastd/internal/infrastructure/resilience"
)

// Tracker is an abuse-signal source proposing restriction levels for apps it
// has observed misbehaving. Implementations may call out of process; the
// engine isolates their failures.
type Tracker interface {
	// Name identifies the tracker in logs and metrics.
	Name() string
	// ProposedLevel returns the tracker's vote for (pkg, uid). Trackers
	// with no opinion return LevelUnknown.
	ProposedLevel(pkg string, uid int32) (Level, error)
}

// trackerSet wraps registered trackers with per-tracker circuit breakers so
// a misbehaving tracker is skipped rather than queried on every calculation.
type trackerSet struct {
	trackers []Tracker
	breakers []*resilience.Breaker
	metrics  *monitoring.Metrics
}

func newTrackerSet(trackers []Tracker, metrics *monitoring.Metrics) *trackerSet {
	ts := &trackerSet{trackers: trackers, metrics: metrics}
	for _, t := range trackers {
		ts.breakers = append(ts.breakers, resilience.New(t.Name(), resilience.Settings{}))
	}
	return ts
}

// proposal folds every tracker's vote into the most restrictive level. A
// failing tracker contributes no vote; it never aborts the aggregation.
func (ts *trackerSet) proposal(pkg string, uid int32) Level {
	max := LevelUnknown
	for i, t := range ts.trackers {
		val, err := ts.breakers[i].Execute(func() (interface{}, error) {
			return t.ProposedLevel(pkg, uid)
		})
		if err != nil {
			if ts.metrics != nil {
				ts.metrics.RecordTrackerError(t.Name())
			}
			continue
		}
		if lvl := val.(Level); lvl > max {
			max = lvl
		}
	}
	return max
}
