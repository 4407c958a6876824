package restriction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appruntime/broadcastd/internal/infrastructure/config"
	"github.com/appruntime/broadcastd/internal/infrastructure/logging"
	"github.com/appruntime/broadcastd/internal/shared/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type promptCall struct {
	pkg string
	uid int32
	id  int
}

type fakePrompter struct {
	calls []promptCall
}

func (p *fakePrompter) RequestBackgroundRestricted(pkg string, uid int32, id int) {
	p.calls = append(p.calls, promptCall{pkg: pkg, uid: uid, id: id})
}

type stubTracker struct {
	name  string
	level Level
	err   error
}

func (s stubTracker) Name() string { return s.name }

func (s stubTracker) ProposedLevel(string, int32) (Level, error) { return s.level, s.err }

func testConfig() config.RestrictionConfig {
	return config.RestrictionConfig{
		RestrictedBucketEnabled: true,
		NotificationMinInterval: 24 * time.Hour,
		EventQueueDepth:         16,
	}
}

func newTestEngine(t *testing.T, trackers []Tracker) (*Engine, *MemoryAuthority, *fakePrompter, *fakeClock) {
	t.Helper()
	authority := NewMemoryAuthority()
	prompter := &fakePrompter{}
	clock := &fakeClock{now: time.Now()}
	e := NewEngine(testConfig(), Authorities{
		Buckets:     authority,
		Hibernation: authority,
		Policy:      authority,
		Packages:    authority,
		Prompter:    prompter,
	}, trackers, logging.NewNop()).WithClock(clock.Now)
	return e, authority, prompter, clock
}

const (
	testPkg = "com.example.app"
	testUID = int32(10001)
)

func TestCalcLevel(t *testing.T) {
	tests := []struct {
		name         string
		bucket       types.Bucket
		setup        func(a *MemoryAuthority)
		trackers     []Tracker
		calcTrackers bool
		wantLevel    Level
		wantReason   Reason
	}{
		{
			name:       "active bucket maps to adaptive",
			bucket:     types.BucketActive,
			wantLevel:  LevelAdaptiveBucket,
			wantReason: ReasonMainUsage | ReasonSubBucket,
		},
		{
			name:       "exempted bucket",
			bucket:     types.BucketExempted,
			wantLevel:  LevelExempted,
			wantReason: ReasonMainDefault,
		},
		{
			name:       "never bucket is user-forced",
			bucket:     types.BucketNever,
			wantLevel:  LevelBackgroundRestricted,
			wantReason: ReasonMainForcedByUser | ReasonSubBucket,
		},
		{
			name:   "user background restriction",
			bucket: types.BucketActive,
			setup: func(a *MemoryAuthority) {
				a.SetBackgroundRestricted(testPkg, testUID, true)
			},
			wantLevel:  LevelBackgroundRestricted,
			wantReason: ReasonMainForcedByUser,
		},
		{
			name:       "restricted bucket",
			bucket:     types.BucketRestricted,
			wantLevel:  LevelRestrictedBucket,
			wantReason: ReasonMainUsage | ReasonSubBucket,
		},
		{
			name:   "hibernation has absolute precedence",
			bucket: types.BucketExempted,
			setup: func(a *MemoryAuthority) {
				a.SetHibernating(testPkg, testUID, true)
			},
			wantLevel:  LevelHibernation,
			wantReason: ReasonMainDormant,
		},
		{
			name:         "tracker raises to restricted bucket",
			bucket:       types.BucketActive,
			trackers:     []Tracker{stubTracker{name: "battery", level: LevelRestrictedBucket}},
			calcTrackers: true,
			wantLevel:    LevelRestrictedBucket,
			wantReason:   ReasonMainForcedBySystem | ReasonSubAbuseTracker,
		},
		{
			name:         "tracker vote below baseline is ignored",
			bucket:       types.BucketNever,
			trackers:     []Tracker{stubTracker{name: "battery", level: LevelAdaptiveBucket}},
			calcTrackers: true,
			wantLevel:    LevelBackgroundRestricted,
			wantReason:   ReasonMainForcedByUser | ReasonSubBucket,
		},
		{
			name:         "tracker bg-restriction is downgraded pending consent",
			bucket:       types.BucketActive,
			trackers:     []Tracker{stubTracker{name: "battery", level: LevelBackgroundRestricted}},
			calcTrackers: true,
			wantLevel:    LevelRestrictedBucket,
			wantReason:   ReasonMainForcedBySystem | ReasonSubUserConsent,
		},
		{
			name:      "trackers not consulted unless requested",
			bucket:    types.BucketActive,
			trackers:  []Tracker{stubTracker{name: "battery", level: LevelRestrictedBucket}},
			wantLevel: LevelAdaptiveBucket,
			wantReason: ReasonMainUsage |
				ReasonSubBucket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, authority, _, _ := newTestEngine(t, tt.trackers)
			if tt.setup != nil {
				tt.setup(authority)
			}
			level, reason := e.CalcLevel(testPkg, testUID, tt.bucket, false, tt.calcTrackers)
			assert.Equal(t, tt.wantLevel, level)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestCalcLevelRestrictedBucketDisabled(t *testing.T) {
	authority := NewMemoryAuthority()
	cfg := testConfig()
	cfg.RestrictedBucketEnabled = false
	e := NewEngine(cfg, Authorities{Buckets: authority, Hibernation: authority, Policy: authority}, nil, logging.NewNop())

	level, reason := e.CalcLevel(testPkg, testUID, types.BucketRestricted, false, false)
	assert.Equal(t, LevelAdaptiveBucket, level)
	assert.Equal(t, ReasonMainUsage|ReasonSubBucket, reason)
}

func TestConsentPromptRequestedOnceAndThrottled(t *testing.T) {
	tracker := stubTracker{name: "battery", level: LevelBackgroundRestricted}
	e, _, prompter, clock := newTestEngine(t, []Tracker{tracker})

	level, _ := e.CalcLevel(testPkg, testUID, types.BucketActive, true, true)
	assert.Equal(t, LevelRestrictedBucket, level)
	require.Len(t, prompter.calls, 1)
	firstID := prompter.calls[0].id

	// Recomputing within the minimum interval never re-prompts.
	e.CalcLevel(testPkg, testUID, types.BucketActive, true, true)
	assert.Len(t, prompter.calls, 1)

	// Past the interval the prompt redisplays under its stable identifier.
	clock.Advance(25 * time.Hour)
	e.CalcLevel(testPkg, testUID, types.BucketActive, true, true)
	require.Len(t, prompter.calls, 2)
	assert.Equal(t, firstID, prompter.calls[1].id)

	// The shown notification is recorded in the settings entry.
	s := e.settings.get(types.PackageKey{UID: testUID, Package: testPkg})
	require.NotNil(t, s)
	id, ok := s.NotificationID(bgRestrictedRequestType)
	require.True(t, ok)
	assert.Equal(t, firstID, id)
}

func TestApplyLevelPublishesTransitionsOnce(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	var changes []LevelChange
	e.AddListener(func(c LevelChange) { changes = append(changes, c) })

	e.handle(message{kind: msgBucketChanged, uid: testUID, pkg: testPkg, bucket: types.BucketActive})
	require.Len(t, changes, 1)
	assert.Equal(t, LevelUnknown.String(), changes[0].PrevLevel)
	assert.Equal(t, LevelAdaptiveBucket.String(), changes[0].Level)

	// Same level again is a no-op.
	e.handle(message{kind: msgBucketChanged, uid: testUID, pkg: testPkg, bucket: types.BucketWorkingSet})
	assert.Len(t, changes, 1)

	e.handle(message{kind: msgBucketChanged, uid: testUID, pkg: testPkg, bucket: types.BucketRestricted})
	require.Len(t, changes, 2)
	assert.Equal(t, LevelAdaptiveBucket.String(), changes[1].PrevLevel)
	assert.Equal(t, LevelRestrictedBucket.String(), changes[1].Level)
}

func TestSecondaryBucketActionRunsImmediatelyWhenIdle(t *testing.T) {
	e, authority, _, _ := newTestEngine(t, []Tracker{stubTracker{name: "battery", level: LevelRestrictedBucket}})

	e.handle(message{kind: msgRecalc, uid: testUID, pkg: testPkg})
	assert.Equal(t, LevelRestrictedBucket, e.GetPackageLevel(testPkg, testUID))
	assert.Equal(t, types.BucketRestricted, authority.Bucket(testPkg, testUID))
}

func TestSecondaryBucketActionDeferredWhileUIDActive(t *testing.T) {
	e, authority, _, _ := newTestEngine(t, []Tracker{stubTracker{name: "battery", level: LevelRestrictedBucket}})
	authority.AddPackage(testPkg, testUID)

	e.handle(message{kind: msgUIDStateChanged, uid: testUID, state: types.UIDStateActive})
	require.True(t, e.IsUIDActive(testUID))

	e.handle(message{kind: msgRecalc, uid: testUID, pkg: testPkg})
	assert.Equal(t, LevelRestrictedBucket, e.GetPackageLevel(testPkg, testUID))
	assert.Equal(t, types.BucketActive, authority.Bucket(testPkg, testUID), "demotion waits for idle")

	e.handle(message{kind: msgUIDStateChanged, uid: testUID, state: types.UIDStateIdle})
	assert.False(t, e.IsUIDActive(testUID))
	assert.Equal(t, types.BucketRestricted, authority.Bucket(testPkg, testUID))

	// A second idle has nothing left to run.
	authority.SetBucket(testPkg, testUID, types.BucketActive, "test-reset")
	e.handle(message{kind: msgUIDStateChanged, uid: testUID, state: types.UIDStateIdle})
	assert.Equal(t, types.BucketActive, authority.Bucket(testPkg, testUID))
}

func TestGoneDropsDeferredActions(t *testing.T) {
	e, authority, _, _ := newTestEngine(t, []Tracker{stubTracker{name: "battery", level: LevelRestrictedBucket}})
	authority.AddPackage(testPkg, testUID)

	e.handle(message{kind: msgUIDStateChanged, uid: testUID, state: types.UIDStateActive})
	e.handle(message{kind: msgRecalc, uid: testUID, pkg: testPkg})
	e.handle(message{kind: msgUIDStateChanged, uid: testUID, state: types.UIDStateGone})

	assert.False(t, e.IsUIDActive(testUID))
	assert.Equal(t, types.BucketActive, authority.Bucket(testPkg, testUID), "gone discards pending demotions")
}

func TestActiveUIDRegistersDemotionForRestrictedPackages(t *testing.T) {
	e, authority, _, _ := newTestEngine(t, nil)
	authority.AddPackage(testPkg, testUID)
	authority.SetBackgroundRestricted(testPkg, testUID, true)

	// The package is already background-restricted before the uid activates.
	e.handle(message{kind: msgBucketChanged, uid: testUID, pkg: testPkg, bucket: types.BucketActive})
	require.Equal(t, LevelBackgroundRestricted, e.GetPackageLevel(testPkg, testUID))

	authority.SetBucket(testPkg, testUID, types.BucketActive, "test-reset")
	e.handle(message{kind: msgUIDStateChanged, uid: testUID, state: types.UIDStateActive})
	assert.Equal(t, types.BucketActive, authority.Bucket(testPkg, testUID))

	e.handle(message{kind: msgUIDStateChanged, uid: testUID, state: types.UIDStateIdle})
	assert.Equal(t, types.BucketRestricted, authority.Bucket(testPkg, testUID))
}

func TestGetLevelIsMostPermissiveAcrossPackages(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)

	assert.Equal(t, LevelUnknown, e.GetLevel(testUID))

	e.handle(message{kind: msgBucketChanged, uid: testUID, pkg: "com.example.strict", bucket: types.BucketNever})
	assert.Equal(t, LevelBackgroundRestricted, e.GetLevel(testUID))

	// A second, less restricted package lowers the effective uid level.
	e.handle(message{kind: msgBucketChanged, uid: testUID, pkg: "com.example.loose", bucket: types.BucketExempted})
	assert.Equal(t, LevelExempted, e.GetLevel(testUID))
}

func TestRemovalMessagesDropState(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	otherUser := int32(1*100000 + 10001)

	e.handle(message{kind: msgBucketChanged, uid: testUID, pkg: "a", bucket: types.BucketActive})
	e.handle(message{kind: msgBucketChanged, uid: testUID, pkg: "b", bucket: types.BucketActive})
	e.handle(message{kind: msgBucketChanged, uid: otherUser, pkg: "c", bucket: types.BucketActive})
	require.Len(t, e.Snapshot(), 3)

	e.handle(message{kind: msgPackageRemoved, uid: testUID, pkg: "a"})
	assert.Len(t, e.Snapshot(), 2)
	assert.Equal(t, LevelUnknown, e.GetPackageLevel("a", testUID))

	e.handle(message{kind: msgUIDRemoved, uid: testUID})
	assert.Empty(t, e.SnapshotUID(testUID))
	require.Len(t, e.Snapshot(), 1)

	e.handle(message{kind: msgUserRemoved, user: 1})
	assert.Empty(t, e.Snapshot())
}

func TestEngineRunProcessesEvents(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)

	done := make(chan struct{})
	var change LevelChange
	e.AddListener(func(c LevelChange) {
		change = c
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	e.OnBucketChanged(testPkg, testUID, types.BucketRestricted)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for level change")
	}
	assert.Equal(t, LevelRestrictedBucket.String(), change.Level)
}

func TestUserOf(t *testing.T) {
	assert.Equal(t, int32(0), UserOf(10001))
	assert.Equal(t, int32(1), UserOf(110001))
	assert.Equal(t, int32(2), UserOf(200000))
}

func TestTrackerFailureDoesNotAbortCalc(t *testing.T) {
	trackers := []Tracker{
		stubTracker{name: "broken", err: errors.New("tracker offline")},
		stubTracker{name: "battery", level: LevelRestrictedBucket},
	}
	e, _, _, _ := newTestEngine(t, trackers)

	level, reason := e.CalcLevel(testPkg, testUID, types.BucketActive, false, true)
	assert.Equal(t, LevelRestrictedBucket, level)
	assert.Equal(t, ReasonMainForcedBySystem|ReasonSubAbuseTracker, reason)
}
