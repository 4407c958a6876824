package restriction

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/appruntime/broadcastd/internal/infrastructure/monitoring"
	"github.com/appruntime/broadcastd/internal/shared/types"
)

type gateKey struct {
	key   types.PackageKey
	ntype string
}

// Notifier gates user-facing abuse notifications: at most one notification
// of a given type per (uid, package) within the configured minimum interval.
// Each (key, type) pair is assigned a stable monotonically increasing
// identifier once, so redisplays update in place instead of duplicating.
type Notifier struct {
	minInterval time.Duration
	clock       func() time.Time
	metrics     *monitoring.Metrics

	mu     sync.Mutex
	gates  map[gateKey]*rate.Limiter
	ids    map[gateKey]int
	nextID int
}

// NewNotifier creates a notifier with the given minimum redisplay interval.
func NewNotifier(minInterval time.Duration) *Notifier {
	return &Notifier{
		minInterval: minInterval,
		clock:       time.Now,
		gates:       make(map[gateKey]*rate.Limiter),
		ids:         make(map[gateKey]int),
	}
}

// WithMetrics adds metrics tracking to the notifier.
func (n *Notifier) WithMetrics(metrics *monitoring.Metrics) *Notifier {
	n.metrics = metrics
	return n
}

// WithClock overrides the time source. Used by tests.
func (n *Notifier) WithClock(clock func() time.Time) *Notifier {
	n.clock = clock
	return n
}

// Notify invokes show with the type's stable identifier unless a
// notification of that type was already shown within the minimum interval.
// Reports whether the notification was shown.
func (n *Notifier) Notify(ntype string, key types.PackageKey, show func(id int)) bool {
	gk := gateKey{key: key, ntype: ntype}

	n.mu.Lock()
	lim, ok := n.gates[gk]
	if !ok {
		lim = rate.NewLimiter(rate.Every(n.minInterval), 1)
		n.gates[gk] = lim
	}
	allowed := lim.AllowN(n.clock(), 1)
	var id int
	if allowed {
		id, ok = n.ids[gk]
		if !ok {
			n.nextID++
			id = n.nextID
			n.ids[gk] = id
		}
	}
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.RecordNotification(ntype, allowed)
	}
	if !allowed {
		return false
	}
	show(id)
	return true
}

// Forget drops throttling state for a removed package.
func (n *Notifier) Forget(key types.PackageKey) {
	n.mu.Lock()
	for gk := range n.gates {
		if gk.key == key {
			delete(n.gates, gk)
			delete(n.ids, gk)
		}
	}
	n.mu.Unlock()
}
