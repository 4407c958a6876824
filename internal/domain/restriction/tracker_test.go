package restriction

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/appruntime/broadcastd/internal/infrastructure/resilience"
)

func TestTrackerSetProposalTakesMostRestrictive(t *testing.T) {
	tests := []struct {
		name     string
		trackers []Tracker
		want     Level
	}{
		{"no trackers", nil, LevelUnknown},
		{
			"single vote",
			[]Tracker{stubTracker{name: "battery", level: LevelRestrictedBucket}},
			LevelRestrictedBucket,
		},
		{
			"most restrictive wins",
			[]Tracker{
				stubTracker{name: "battery", level: LevelAdaptiveBucket},
				stubTracker{name: "fgs", level: LevelBackgroundRestricted},
				stubTracker{name: "alarms", level: LevelRestrictedBucket},
			},
			LevelBackgroundRestricted,
		},
		{
			"no-opinion trackers contribute nothing",
			[]Tracker{
				stubTracker{name: "battery", level: LevelUnknown},
				stubTracker{name: "fgs", level: LevelUnknown},
			},
			LevelUnknown,
		},
		{
			"failure is skipped not fatal",
			[]Tracker{
				stubTracker{name: "broken", err: errors.New("offline")},
				stubTracker{name: "battery", level: LevelRestrictedBucket},
			},
			LevelRestrictedBucket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTrackerSet(tt.trackers, nil)
			assert.Equal(t, tt.want, ts.proposal(testPkg, testUID))
		})
	}
}

func TestTrackerSetOpensBreakerOnRepeatedFailure(t *testing.T) {
	ts := newTrackerSet([]Tracker{
		stubTracker{name: "broken", err: errors.New("offline")},
		stubTracker{name: "battery", level: LevelRestrictedBucket},
	}, nil)

	// Default trip threshold is more than five consecutive failures.
	for i := 0; i < 10; i++ {
		assert.Equal(t, LevelRestrictedBucket, ts.proposal(testPkg, testUID))
	}
	assert.Equal(t, resilience.StateOpen, ts.breakers[0].State())
	assert.Equal(t, resilience.StateClosed, ts.breakers[1].State())

	// An open breaker still never disturbs the healthy trackers.
	assert.Equal(t, LevelRestrictedBucket, ts.proposal(testPkg, testUID))
}
