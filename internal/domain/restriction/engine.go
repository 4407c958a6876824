package restriction

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appruntime/broadcastd/internal/infrastructure/config"
	"github.com/appruntime/broadcastd/internal/infrastructure/logging"
	"github.com/appruntime/broadcastd/internal/infrastructure/monitoring"
	"github.com/appruntime/broadcastd/internal/shared/types"
)

// BucketAuthority is the external standby-bucket subsystem. It owns bucket
// state and its persistence; the engine only reads buckets and requests
// moves.
type BucketAuthority interface {
	Bucket(pkg string, uid int32) types.Bucket
	SetBucket(pkg string, uid int32, bucket types.Bucket, reason string)
}

// HibernationAuthority reports whether an app is hibernating.
type HibernationAuthority interface {
	IsHibernating(pkg string, uid int32) bool
}

// PolicyAuthority reports user-set background restriction.
type PolicyAuthority interface {
	IsBackgroundRestricted(pkg string, uid int32) bool
}

// PackageAuthority enumerates the packages sharing a uid.
type PackageAuthority interface {
	PackagesForUID(uid int32) []string
}

// Prompter surfaces the asynchronous "request background restriction"
// prompt. Fire and forget; failures never affect scheduling correctness.
type Prompter interface {
	RequestBackgroundRestricted(pkg string, uid int32, notificationID int)
}

// Authorities bundles the engine's external collaborators.
type Authorities struct {
	Buckets     BucketAuthority
	Hibernation HibernationAuthority
	Policy      PolicyAuthority
	Packages    PackageAuthority
	Prompter    Prompter
}

// LevelChange is the event published on every applied level transition.
type LevelChange struct {
	UID       int32     `json:"uid"`
	Package   string    `json:"package"`
	PrevLevel string    `json:"prev_level"`
	Level     string    `json:"level"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type msgKind int

const (
	msgUIDStateChanged msgKind = iota
	msgBucketChanged
	msgRecalc
	msgPackageRemoved
	msgUIDRemoved
	msgUserRemoved
)

type message struct {
	kind   msgKind
	uid    int32
	pkg    string
	state  types.UIDState
	bucket types.Bucket
	user   int32
}

// bgRestrictedRequestType is the notification type of the consent prompt.
const bgRestrictedRequestType = "request-bg-restricted"

// Engine computes and applies per-app restriction levels. All cross-thread
// signals are converted to messages consumed by a single worker goroutine;
// mu only guards the rare synchronous reads from other goroutines.
type Engine struct {
	cfg      config.RestrictionConfig
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	auth     Authorities
	trackers *trackerSet
	notifier *Notifier
	clock    func() time.Time

	mu       sync.RWMutex
	settings *settingsStore
	// pendingIdle holds, for every currently active uid, one entry per
	// package: the deferred standby action to run once the uid idles, or
	// nil as a membership placeholder.
	pendingIdle map[int32]map[string]func()

	listeners []func(LevelChange)
	events    chan message
}

// NewEngine creates a restriction engine. Trackers are fixed at
// construction; listeners may be added before Run is started.
func NewEngine(cfg config.RestrictionConfig, auth Authorities, trackers []Tracker, logger *logging.Logger) *Engine {
	depth := cfg.EventQueueDepth
	if depth <= 0 {
		depth = 1024
	}
	return &Engine{
		cfg:         cfg,
		logger:      logger,
		auth:        auth,
		trackers:    newTrackerSet(trackers, nil),
		notifier:    NewNotifier(cfg.NotificationMinInterval),
		clock:       time.Now,
		settings:    newSettingsStore(),
		pendingIdle: make(map[int32]map[string]func()),
		events:      make(chan message, depth),
	}
}

// WithMetrics adds metrics tracking to the engine.
func (e *Engine) WithMetrics(metrics *monitoring.Metrics) *Engine {
	e.metrics = metrics
	e.trackers.metrics = metrics
	e.notifier.WithMetrics(metrics)
	return e
}

// WithClock overrides the time source. Used by tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.notifier.WithClock(clock)
	return e
}

// Notifier exposes the engine's notification gate.
func (e *Engine) Notifier() *Notifier { return e.notifier }

// AddListener registers a level-change listener. Must be called before Run.
func (e *Engine) AddListener(fn func(LevelChange)) {
	e.listeners = append(e.listeners, fn)
}

// Run consumes messages until ctx is canceled. It is the engine's sole
// mutating goroutine.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-e.events:
			e.handle(msg)
		}
	}
}

// OnUIDStateChanged routes a uid lifecycle event to the worker.
func (e *Engine) OnUIDStateChanged(uid int32, state types.UIDState) {
	e.events <- message{kind: msgUIDStateChanged, uid: uid, state: state}
}

// OnBucketChanged routes a standby-bucket change to the worker.
func (e *Engine) OnBucketChanged(pkg string, uid int32, bucket types.Bucket) {
	e.events <- message{kind: msgBucketChanged, uid: uid, pkg: pkg, bucket: bucket}
}

// Recalc routes an abuse-tracker signal: recompute (uid, pkg) with tracker
// votes included.
func (e *Engine) Recalc(pkg string, uid int32) {
	e.events <- message{kind: msgRecalc, uid: uid, pkg: pkg}
}

// OnPackageRemoved drops all state for a removed package.
func (e *Engine) OnPackageRemoved(pkg string, uid int32) {
	e.events <- message{kind: msgPackageRemoved, uid: uid, pkg: pkg}
}

// OnUIDRemoved drops all state for a removed uid.
func (e *Engine) OnUIDRemoved(uid int32) {
	e.events <- message{kind: msgUIDRemoved, uid: uid}
}

// OnUserRemoved drops all state for a removed user.
func (e *Engine) OnUserRemoved(user int32) {
	e.events <- message{kind: msgUserRemoved, user: user}
}

func (e *Engine) handle(msg message) {
	switch msg.kind {
	case msgUIDStateChanged:
		e.handleUIDStateChanged(msg.uid, msg.state)
	case msgBucketChanged:
		e.applyLevelFor(msg.pkg, msg.uid, msg.bucket, true, false)
	case msgRecalc:
		e.applyLevelFor(msg.pkg, msg.uid, e.auth.Buckets.Bucket(msg.pkg, msg.uid), true, true)
	case msgPackageRemoved:
		key := types.PackageKey{UID: msg.uid, Package: msg.pkg}
		e.mu.Lock()
		e.settings.remove(key)
		if m, ok := e.pendingIdle[msg.uid]; ok {
			delete(m, msg.pkg)
		}
		e.mu.Unlock()
		e.notifier.Forget(key)
	case msgUIDRemoved:
		e.mu.Lock()
		e.settings.removeUID(msg.uid)
		delete(e.pendingIdle, msg.uid)
		e.mu.Unlock()
	case msgUserRemoved:
		e.mu.Lock()
		e.settings.removeUser(msg.user)
		for uid := range e.pendingIdle {
			if UserOf(uid) == msg.user {
				delete(e.pendingIdle, uid)
			}
		}
		e.mu.Unlock()
	}
	e.updateDeferredGauge()
}

// CalcLevel is the policy decision function: the level (uid, pkg) should
// hold given its standby bucket. Hibernation has absolute precedence; tracker
// votes, when requested, can only raise restriction, and a tracker-driven
// background restriction is downgraded to the restricted bucket pending user
// consent (the prompt is enqueued only when allowPrompt is set).
func (e *Engine) CalcLevel(pkg string, uid int32, bucket types.Bucket, allowPrompt, calcTrackers bool) (Level, Reason) {
	if e.auth.Hibernation != nil && e.auth.Hibernation.IsHibernating(pkg, uid) {
		return LevelHibernation, ReasonMainDormant
	}

	var level Level
	var reason Reason
	switch {
	case bucket == types.BucketExempted:
		level, reason = LevelExempted, ReasonMainDefault
	case bucket == types.BucketNever:
		level, reason = LevelBackgroundRestricted, ReasonMainForcedByUser|ReasonSubBucket
	case e.auth.Policy != nil && e.auth.Policy.IsBackgroundRestricted(pkg, uid):
		level, reason = LevelBackgroundRestricted, ReasonMainForcedByUser
	case e.cfg.RestrictedBucketEnabled && bucket == types.BucketRestricted:
		level, reason = LevelRestrictedBucket, ReasonMainUsage|ReasonSubBucket
	default:
		level, reason = LevelAdaptiveBucket, ReasonMainUsage|ReasonSubBucket
	}

	if calcTrackers {
		proposed := e.trackers.proposal(pkg, uid)
		if proposed > level {
			if proposed >= LevelBackgroundRestricted {
				// Never silently apply the harshest level from
				// heuristics alone; ask the user instead.
				level = LevelRestrictedBucket
				reason = ReasonMainForcedBySystem | ReasonSubUserConsent
				if allowPrompt {
					e.requestBackgroundRestricted(pkg, uid)
				}
			} else {
				level = proposed
				reason = ReasonMainForcedBySystem | ReasonSubAbuseTracker
			}
		}
	}
	return level, reason
}

func (e *Engine) requestBackgroundRestricted(pkg string, uid int32) {
	key := types.PackageKey{UID: uid, Package: pkg}
	e.notifier.Notify(bgRestrictedRequestType, key, func(id int) {
		e.mu.Lock()
		e.settings.getOrCreate(key).NoteNotified(bgRestrictedRequestType, id, e.clock())
		e.mu.Unlock()
		if e.auth.Prompter != nil {
			e.auth.Prompter.RequestBackgroundRestricted(pkg, uid, id)
		}
	})
}

// applyLevelFor computes and applies the level for (uid, pkg).
func (e *Engine) applyLevelFor(pkg string, uid int32, bucket types.Bucket, allowPrompt, calcTrackers bool) {
	level, reason := e.CalcLevel(pkg, uid, bucket, allowPrompt, calcTrackers)
	e.applyLevel(pkg, uid, level, reason)
}

// applyLevel is the transactional update: a no-op when unchanged, otherwise
// the settings transition is recorded, listeners notified, and the secondary
// standby-bucket effect applied (deferred while the uid is active).
func (e *Engine) applyLevel(pkg string, uid int32, level Level, reason Reason) {
	key := types.PackageKey{UID: uid, Package: pkg}
	now := e.clock()

	e.mu.Lock()
	s := e.settings.getOrCreate(key)
	prev := s.Level
	if prev == level {
		e.mu.Unlock()
		return
	}
	s.Apply(level, reason, now)
	change := LevelChange{
		UID:       uid,
		Package:   pkg,
		PrevLevel: prev.String(),
		Level:     level.String(),
		Reason:    reason.String(),
		At:        now,
	}

	// Secondary effect: move the standby bucket to match the new level,
	// deferred while the uid is active so one activity burst is not both
	// punished and rewarded.
	var action func()
	switch {
	case level >= LevelRestrictedBucket && prev < LevelRestrictedBucket:
		action = func() {
			e.auth.Buckets.SetBucket(pkg, uid, types.BucketRestricted, "restriction-level-demotion")
		}
	case level < LevelRestrictedBucket && prev >= LevelRestrictedBucket:
		target := types.BucketRare
		if level == LevelExempted {
			target = types.BucketExempted
		}
		tb := target
		action = func() {
			e.auth.Buckets.SetBucket(pkg, uid, tb, "restriction-level-promotion")
		}
	}
	deferred := false
	if action != nil {
		if m, active := e.pendingIdle[uid]; active {
			m[pkg] = action
			deferred = true
		}
	}
	e.mu.Unlock()

	e.logger.Info("restriction level changed",
		zap.String("package", key.String()),
		zap.String("from", prev.String()),
		zap.String("to", level.String()),
		zap.String("reason", reason.String()),
		zap.Bool("deferred", deferred),
	)
	if e.metrics != nil {
		e.metrics.RecordLevelTransition(prev.String(), level.String())
	}
	for _, fn := range e.listeners {
		fn(change)
	}
	if action != nil && !deferred {
		action()
	}
}

// handleUIDStateChanged maintains the active-uid pending-action map. On
// active, membership is registered for every package of the uid, with a
// deferred demotion for those already background-restricted. On idle (or
// gone), the queued actions are collected, the entry removed, and the
// actions run outside the lock exactly once.
func (e *Engine) handleUIDStateChanged(uid int32, state types.UIDState) {
	switch state {
	case types.UIDStateActive:
		var pkgs []string
		if e.auth.Packages != nil {
			pkgs = e.auth.Packages.PackagesForUID(uid)
		}
		e.mu.Lock()
		m := make(map[string]func(), len(pkgs))
		for _, pkg := range pkgs {
			key := types.PackageKey{UID: uid, Package: pkg}
			if s := e.settings.get(key); s != nil && s.Level == LevelBackgroundRestricted {
				p, u := pkg, uid
				m[pkg] = func() {
					e.auth.Buckets.SetBucket(p, u, types.BucketRestricted, "restriction-level-demotion")
				}
			} else {
				m[pkg] = nil
			}
		}
		e.pendingIdle[uid] = m
		e.mu.Unlock()

	case types.UIDStateIdle, types.UIDStateGone:
		e.mu.Lock()
		m := e.pendingIdle[uid]
		delete(e.pendingIdle, uid)
		e.mu.Unlock()
		if state == types.UIDStateGone {
			// Nothing left to demote; the uid's processes are gone.
			return
		}
		for _, action := range m {
			if action != nil {
				action()
			}
		}
	}
}

func (e *Engine) updateDeferredGauge() {
	if e.metrics == nil {
		return
	}
	e.mu.RLock()
	n := 0
	for _, m := range e.pendingIdle {
		for _, action := range m {
			if action != nil {
				n++
			}
		}
	}
	e.mu.RUnlock()
	e.metrics.SetDeferredActions(n)
}

// IsUIDActive reports whether the uid is currently in a foreground-important
// state. Safe to call from any goroutine.
func (e *Engine) IsUIDActive(uid int32) bool {
	e.mu.RLock()
	_, ok := e.pendingIdle[uid]
	e.mu.RUnlock()
	return ok
}

// GetPackageLevel returns the current level of (uid, pkg).
func (e *Engine) GetPackageLevel(pkg string, uid int32) Level {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s := e.settings.get(types.PackageKey{UID: uid, Package: pkg}); s != nil {
		return s.Level
	}
	return LevelUnknown
}

// GetLevel returns the uid's effective level: the most permissive level held
// by any of its packages, since processes are managed per uid, not per
// package.
func (e *Engine) GetLevel(uid int32) Level {
	e.mu.RLock()
	defer e.mu.RUnlock()
	level := LevelUnknown
	first := true
	e.settings.forUID(uid, func(s *PkgSettings) {
		if first || s.Level < level {
			level = s.Level
			first = false
		}
	})
	return level
}

// SettingsSnapshot is the dump form of one settings entry.
type SettingsSnapshot struct {
	UID       int32     `json:"uid"`
	Package   string    `json:"package"`
	Level     string    `json:"level"`
	PrevLevel string    `json:"prev_level"`
	Reason    string    `json:"reason"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot captures every settings entry for diagnostics.
func (e *Engine) Snapshot() []SettingsSnapshot {
	e.mu.RLock()
	snaps := make([]SettingsSnapshot, 0, len(e.settings.m))
	for key, s := range e.settings.m {
		snaps = append(snaps, SettingsSnapshot{
			UID:       key.UID,
			Package:   key.Package,
			Level:     s.Level.String(),
			PrevLevel: s.PrevLevel.String(),
			Reason:    s.Reason.String(),
			UpdatedAt: s.UpdatedAt,
		})
	}
	e.mu.RUnlock()
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].UID != snaps[j].UID {
			return snaps[i].UID < snaps[j].UID
		}
		return snaps[i].Package < snaps[j].Package
	})
	return snaps
}

// SnapshotUID captures the settings entries of one uid.
func (e *Engine) SnapshotUID(uid int32) []SettingsSnapshot {
	all := e.Snapshot()
	out := all[:0]
	for _, s := range all {
		if s.UID == uid {
			out = append(out, s)
		}
	}
	return out
}
