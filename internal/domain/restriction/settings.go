package restriction

import (
	"time"

	"github.com/appruntime/broadcastd/internal/shared/types"
)

// usersPerRange mirrors the uid layout of the runtime: each user owns a
// contiguous block of uids.
const uidsPerUser = 100000

// UserOf returns the user owning a uid.
func UserOf(uid int32) int32 { return uid / uidsPerUser }

// PkgSettings is the per-(uid, package) restriction record. Created lazily
// on first level computation; removed with its package, uid, or user.
type PkgSettings struct {
	Key       types.PackageKey
	Level     Level
	PrevLevel Level
	Reason    Reason
	UpdatedAt time.Time

	lastNotified    map[string]time.Time
	notificationIDs map[string]int
}

// Apply records a level transition: the previous level is captured before
// the new level and reason are set, atomically with the timestamp.
func (s *PkgSettings) Apply(level Level, reason Reason, now time.Time) {
	s.PrevLevel = s.Level
	s.Level = level
	s.Reason = reason
	s.UpdatedAt = now
}

// NoteNotified records that a notification of the given type was shown under
// the given stable identifier.
func (s *PkgSettings) NoteNotified(ntype string, id int, now time.Time) {
	if s.lastNotified == nil {
		s.lastNotified = make(map[string]time.Time)
		s.notificationIDs = make(map[string]int)
	}
	s.lastNotified[ntype] = now
	s.notificationIDs[ntype] = id
}

// LastNotified returns when a notification type was last shown.
func (s *PkgSettings) LastNotified(ntype string) (time.Time, bool) {
	t, ok := s.lastNotified[ntype]
	return t, ok
}

// NotificationID returns the stable identifier assigned to a type.
func (s *PkgSettings) NotificationID(ntype string) (int, bool) {
	id, ok := s.notificationIDs[ntype]
	return id, ok
}

// settingsStore maps package keys to their settings. Not internally locked;
// the engine is its single writer and guards reads with its own lock.
type settingsStore struct {
	m map[types.PackageKey]*PkgSettings
}

func newSettingsStore() *settingsStore {
	return &settingsStore{m: make(map[types.PackageKey]*PkgSettings)}
}

func (st *settingsStore) get(key types.PackageKey) *PkgSettings {
	return st.m[key]
}

func (st *settingsStore) getOrCreate(key types.PackageKey) *PkgSettings {
	s, ok := st.m[key]
	if !ok {
		s = &PkgSettings{Key: key, Level: LevelUnknown, PrevLevel: LevelUnknown}
		st.m[key] = s
	}
	return s
}

func (st *settingsStore) remove(key types.PackageKey) {
	delete(st.m, key)
}

func (st *settingsStore) removeUID(uid int32) {
	for key := range st.m {
		if key.UID == uid {
			delete(st.m, key)
		}
	}
}

func (st *settingsStore) removeUser(user int32) {
	for key := range st.m {
		if UserOf(key.UID) == user {
			delete(st.m, key)
		}
	}
}

// forUID visits every settings entry under a uid.
func (st *settingsStore) forUID(uid int32, visit func(*PkgSettings)) {
	for key, s := range st.m {
		if key.UID == uid {
			visit(s)
		}
	}
}
