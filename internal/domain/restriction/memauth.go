package restriction

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/appruntime/broadcastd/internal/infrastructure/logging"
	"github.com/appruntime/broadcastd/internal/shared/types"
)

// MemoryAuthority is an in-memory implementation of the engine's external
// collaborators. Standalone deployments drive it through the diagnostic API;
// tests drive it directly. Safe for concurrent use.
type MemoryAuthority struct {
	mu           sync.RWMutex
	buckets      map[types.PackageKey]types.Bucket
	hibernating  map[types.PackageKey]bool
	bgRestricted map[types.PackageKey]bool
	packages     map[int32]map[string]struct{}
}

// NewMemoryAuthority creates an empty authority.
func NewMemoryAuthority() *MemoryAuthority {
	return &MemoryAuthority{
		buckets:      make(map[types.PackageKey]types.Bucket),
		hibernating:  make(map[types.PackageKey]bool),
		bgRestricted: make(map[types.PackageKey]bool),
		packages:     make(map[int32]map[string]struct{}),
	}
}

// AddPackage registers a package under a uid.
func (a *MemoryAuthority) AddPackage(pkg string, uid int32) {
	a.mu.Lock()
	if a.packages[uid] == nil {
		a.packages[uid] = make(map[string]struct{})
	}
	a.packages[uid][pkg] = struct{}{}
	a.mu.Unlock()
}

// RemovePackage drops a package and its state.
func (a *MemoryAuthority) RemovePackage(pkg string, uid int32) {
	key := types.PackageKey{UID: uid, Package: pkg}
	a.mu.Lock()
	delete(a.buckets, key)
	delete(a.hibernating, key)
	delete(a.bgRestricted, key)
	if m := a.packages[uid]; m != nil {
		delete(m, pkg)
		if len(m) == 0 {
			delete(a.packages, uid)
		}
	}
	a.mu.Unlock()
}

// Bucket returns the package's standby bucket. Unseen packages report the
// active bucket, matching a freshly used app.
func (a *MemoryAuthority) Bucket(pkg string, uid int32) types.Bucket {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if b, ok := a.buckets[types.PackageKey{UID: uid, Package: pkg}]; ok {
		return b
	}
	return types.BucketActive
}

// SetBucket moves the package's standby bucket.
func (a *MemoryAuthority) SetBucket(pkg string, uid int32, bucket types.Bucket, reason string) {
	a.mu.Lock()
	a.buckets[types.PackageKey{UID: uid, Package: pkg}] = bucket
	if a.packages[uid] == nil {
		a.packages[uid] = make(map[string]struct{})
	}
	a.packages[uid][pkg] = struct{}{}
	a.mu.Unlock()
}

// IsHibernating implements HibernationAuthority.
func (a *MemoryAuthority) IsHibernating(pkg string, uid int32) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hibernating[types.PackageKey{UID: uid, Package: pkg}]
}

// SetHibernating marks a package hibernating.
func (a *MemoryAuthority) SetHibernating(pkg string, uid int32, hibernating bool) {
	a.mu.Lock()
	a.hibernating[types.PackageKey{UID: uid, Package: pkg}] = hibernating
	a.mu.Unlock()
}

// IsBackgroundRestricted implements PolicyAuthority.
func (a *MemoryAuthority) IsBackgroundRestricted(pkg string, uid int32) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bgRestricted[types.PackageKey{UID: uid, Package: pkg}]
}

// SetBackgroundRestricted records the user-set restriction flag.
func (a *MemoryAuthority) SetBackgroundRestricted(pkg string, uid int32, restricted bool) {
	a.mu.Lock()
	a.bgRestricted[types.PackageKey{UID: uid, Package: pkg}] = restricted
	a.mu.Unlock()
}

// PackagesForUID implements PackageAuthority.
func (a *MemoryAuthority) PackagesForUID(uid int32) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pkgs := make([]string, 0, len(a.packages[uid]))
	for pkg := range a.packages[uid] {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// LogPrompter is a Prompter that only logs the request. Standalone
// deployments have no notification service to surface the consent prompt.
type LogPrompter struct {
	Logger *logging.Logger
}

// RequestBackgroundRestricted implements Prompter.
func (p LogPrompter) RequestBackgroundRestricted(pkg string, uid int32, notificationID int) {
	p.Logger.Info("requesting user consent for background restriction",
		zap.String("package", pkg),
		zap.Int32("uid", uid),
		zap.Int("notification_id", notificationID),
	)
}
