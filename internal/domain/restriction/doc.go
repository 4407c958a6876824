// Package restriction implements the per-app restriction level engine.
//
// The engine computes a restriction level for every (uid, package) from the
// external standby bucket, hibernation state, and pluggable abuse trackers,
// and applies the secondary standby-bucket effects of level changes. All
// mutating work runs on a single worker goroutine fed by a typed message
// channel, so the settings map and the active-uid pending-action map are
// single-writer; a narrow read lock serves the rare synchronous queries from
// other goroutines.
//
// Components:
//   - Level/Reason: the restriction classification and its encoded cause
//   - Engine: message loop, level calculation and application
//   - Tracker: abuse-signal capability interface, aggregated by maximum
//   - Notifier: per-(uid, package, type) notification throttling
package restriction
