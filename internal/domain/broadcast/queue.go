package broadcast

import (
	"errors"
	"fmt"
	"time"

	"github.com/appruntime/broadcastd/internal/shared/types"
)

// ErrQueueWedged reports an ordered-broadcast chain blocked past the
// configured ceiling. This is a fatal diagnostic, not a retryable condition.
var ErrQueueWedged = errors.New("ordered broadcast chain wedged")

// subQueue is one FIFO partition of pending items.
type subQueue struct {
	items []*Item
}

func (s *subQueue) empty() bool { return len(s.items) == 0 }

func (s *subQueue) head() *Item {
	if len(s.items) == 0 {
		return nil
	}
	return s.items[0]
}

func (s *subQueue) push(it *Item) { s.items = append(s.items, it) }

func (s *subQueue) pop() *Item {
	it := s.items[0]
	s.items[0] = nil
	s.items = s.items[1:]
	return it
}

// ProcessQueue aggregates the pending broadcast work for one destination
// process: three priority partitions, the single active slot, summary
// counters, process-state flags, and the cached runnable-at result.
//
// ProcessQueue is not thread-safe. Every operation must run while holding
// the owning Dispatcher's lock.
type ProcessQueue struct {
	key       types.ProcessKey
	constants *Constants

	urgent  subQueue
	normal  subQueue
	offload subQueue

	active              *Item
	dispatchedSinceIdle int

	// Summary counters over all three partitions. Each enqueue, dequeue
	// and replace must keep these equal to a full scan.
	countForeground   int
	countOrdered      int
	countAlarm        int
	countPrioritized  int
	countInteractive  int
	countResultTo     int
	countInstrumented int
	countManifest     int
	countEnqueued     int

	cached       bool
	instrumented bool
	persistent   bool

	prioritizeEarliest bool
	forcedDelay        time.Duration

	consecutiveUrgent int
	consecutiveNormal int

	runnableAt       time.Time
	runnableAtReason Reason
	runnableAtValid  bool

	// Link fields for the runnable list; mutated only by
	// insertIntoRunnableList and removeFromRunnableList.
	runnableNext *ProcessQueue
	runnablePrev *ProcessQueue

	// Next queue sharing the same uid, maintained by the Dispatcher.
	uidNext *ProcessQueue
}

// NewProcessQueue creates an empty queue for the given process identity.
// The constants pointer is shared across all queues of a dispatcher.
func NewProcessQueue(key types.ProcessKey, constants *Constants) *ProcessQueue {
	return &ProcessQueue{key: key, constants: constants}
}

// Key returns the queue's process identity.
func (q *ProcessQueue) Key() types.ProcessKey { return q.key }

func (q *ProcessQueue) queueFor(r *Record) *subQueue {
	switch {
	case r.Urgent():
		return &q.urgent
	case r.Offload():
		return &q.offload
	default:
		return &q.normal
	}
}

func (q *ProcessQueue) subQueues() [3]*subQueue {
	return [3]*subQueue{&q.urgent, &q.normal, &q.offload}
}

func (q *ProcessQueue) onEnqueued(it *Item) {
	q.adjustCounters(it, 1)
	q.countEnqueued++
}

func (q *ProcessQueue) onDequeued(it *Item) {
	q.adjustCounters(it, -1)
	q.countEnqueued--
}

func (q *ProcessQueue) adjustCounters(it *Item, d int) {
	f := it.Record.Flags
	if f&FlagForeground != 0 {
		q.countForeground += d
	}
	if f&FlagOrdered != 0 {
		q.countOrdered += d
	}
	if f&FlagAlarm != 0 {
		q.countAlarm += d
	}
	if f&FlagPrioritized != 0 {
		q.countPrioritized += d
	}
	if f&FlagInteractive != 0 {
		q.countInteractive += d
	}
	if f&FlagResultTo != 0 {
		q.countResultTo += d
	}
	if f&FlagInstrumented != 0 {
		q.countInstrumented += d
	}
	if it.Receiver().Manifest {
		q.countManifest += d
	}
}

// EnqueueOrReplace appends it to the partition selected by its record class.
// When allowReplace is set, the partitions are first scanned in fixed order
// (urgent, normal, offload), newest to oldest within each, for a pending item
// with the same sender uid, user, filter and receiver identity; the first
// match is swapped in place and handed to replaced so the broadcast pipeline
// can resolve it.
func (q *ProcessQueue) EnqueueOrReplace(it *Item, allowReplace bool, replaced func(*Item)) {
	if allowReplace {
		for _, sq := range q.subQueues() {
			for i := len(sq.items) - 1; i >= 0; i-- {
				old := sq.items[i]
				if !old.matches(it) {
					continue
				}
				sq.items[i] = it
				q.onDequeued(old)
				q.onEnqueued(it)
				if replaced != nil {
					replaced(old)
				}
				q.invalidateRunnableAt()
				return
			}
		}
	}
	q.queueFor(it.Record).push(it)
	q.onEnqueued(it)
	q.invalidateRunnableAt()
}

// ForEachMatching applies pred across all three partitions, FIFO order
// within each. Matches are handed to consumer and, when remove is set,
// dropped from the queue with counters adjusted. Consumers that remove must
// fully resolve the matched receiver's delivery state themselves; the queue
// does not, and an unresolved ordered receiver wedges its chain.
func (q *ProcessQueue) ForEachMatching(pred func(*Item) bool, consumer func(*Item), remove bool) bool {
	matched := false
	for _, sq := range q.subQueues() {
		if !remove {
			for _, it := range sq.items {
				if pred(it) {
					matched = true
					if consumer != nil {
						consumer(it)
					}
				}
			}
			continue
		}
		kept := sq.items[:0]
		for _, it := range sq.items {
			if pred(it) {
				matched = true
				q.onDequeued(it)
				if consumer != nil {
					consumer(it)
				}
			} else {
				kept = append(kept, it)
			}
		}
		for i := len(kept); i < len(sq.items); i++ {
			sq.items[i] = nil
		}
		sq.items = kept
	}
	if matched {
		q.invalidateRunnableAt()
	}
	return matched
}

// queueForNext picks between a high- and low-priority partition. The high
// partition wins unless its configured run length is exhausted (or earliest
// dispatch is being prioritized) and the low head is at least as old and not
// blocked on ordered delivery.
func (q *ProcessQueue) queueForNext(high, low *subQueue, consecutive, limit int) *subQueue {
	if high.empty() {
		return low
	}
	if low == nil || low.empty() {
		return high
	}
	lowHead := low.head()
	highHead := high.head()
	consider := q.prioritizeEarliest || consecutive >= limit
	if consider && !lowHead.EnqueuedAt.After(highHead.EnqueuedAt) && !lowHead.Blocked() {
		return low
	}
	return high
}

// selectNextQueue applies the two-level starvation-avoidance reduction:
// first (normal, offload), then (urgent, winner).
func (q *ProcessQueue) selectNextQueue() *subQueue {
	lower := q.queueForNext(&q.normal, &q.offload, q.consecutiveNormal, q.constants.MaxConsecutiveNormal)
	return q.queueForNext(&q.urgent, lower, q.consecutiveUrgent, q.constants.MaxConsecutiveUrgent)
}

// PeekNext returns the item the next MakeActiveNextPending would dispatch,
// or nil when nothing is pending.
func (q *ProcessQueue) PeekNext() *Item {
	sq := q.selectNextQueue()
	if sq == nil {
		return nil
	}
	return sq.head()
}

// Active returns the in-flight item, or nil when the queue is idle.
func (q *ProcessQueue) Active() *Item { return q.active }

// DispatchedSinceIdle returns how many items have been made active since
// the queue last went idle.
func (q *ProcessQueue) DispatchedSinceIdle() int { return q.dispatchedSinceIdle }

// MakeActiveNextPending pops the selected next item and installs it as the
// sole active dispatch. Installing over an existing active item is a caller
// contract violation and panics.
func (q *ProcessQueue) MakeActiveNextPending() *Item {
	if q.active != nil {
		panic(fmt.Sprintf("broadcast: reentrant dispatch on %s", q.key))
	}
	sq := q.selectNextQueue()
	if sq == nil || sq.empty() {
		return nil
	}
	it := sq.pop()
	switch sq {
	case &q.urgent:
		q.consecutiveUrgent++
	case &q.normal:
		q.consecutiveUrgent = 0
		q.consecutiveNormal++
	case &q.offload:
		q.consecutiveUrgent = 0
		q.consecutiveNormal = 0
	}
	q.onDequeued(it)
	q.active = it
	q.dispatchedSinceIdle++
	q.invalidateRunnableAt()
	return it
}

// MakeActiveIdle clears the active slot after the in-flight dispatch has
// been resolved.
func (q *ProcessQueue) MakeActiveIdle() {
	q.active = nil
	q.dispatchedSinceIdle = 0
	q.invalidateRunnableAt()
}

// IsIdle reports whether the queue has neither pending nor active work and
// is eligible for removal from scheduling structures.
func (q *ProcessQueue) IsIdle() bool {
	return q.active == nil && q.countEnqueued == 0
}

// PendingCount returns the total number of pending items.
func (q *ProcessQueue) PendingCount() int { return q.countEnqueued }

// SetProcessCached updates the cached flag from the process liveness
// subsystem.
func (q *ProcessQueue) SetProcessCached(cached bool) {
	if q.cached != cached {
		q.cached = cached
		q.invalidateRunnableAt()
	}
}

// SetProcessInstrumented updates the instrumentation flag.
func (q *ProcessQueue) SetProcessInstrumented(instrumented bool) {
	if q.instrumented != instrumented {
		q.instrumented = instrumented
		q.invalidateRunnableAt()
	}
}

// SetProcessPersistent updates the persistent flag.
func (q *ProcessQueue) SetProcessPersistent(persistent bool) {
	if q.persistent != persistent {
		q.persistent = persistent
		q.invalidateRunnableAt()
	}
}

// SetPrioritizeEarliest forces selection of the earliest-enqueued eligible
// item regardless of consecutive-dispatch limits. Set while a dispatch
// barrier needs to be honored promptly.
func (q *ProcessQueue) SetPrioritizeEarliest(prioritize bool) {
	if q.prioritizeEarliest != prioritize {
		q.prioritizeEarliest = prioritize
		q.invalidateRunnableAt()
	}
}

// ForceDelay imposes an external delay on the queue; non-positive clears it.
func (q *ProcessQueue) ForceDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if q.forcedDelay != d {
		q.forcedDelay = d
		q.invalidateRunnableAt()
	}
}

func (q *ProcessQueue) invalidateRunnableAt() { q.runnableAtValid = false }

// updateRunnableAt recomputes the cached runnable-at value and reason from
// the selected head item and process flags. First matching condition wins.
func (q *ProcessQueue) updateRunnableAt() {
	q.runnableAtValid = true
	next := q.PeekNext()
	if next == nil {
		q.runnableAt = Never
		q.runnableAtReason = ReasonEmpty
		return
	}
	if next.Blocked() {
		q.runnableAt = Never
		q.runnableAtReason = ReasonBlocked
		return
	}

	var delay time.Duration
	c := q.constants
	switch {
	case q.forcedDelay > 0:
		delay = q.forcedDelay
		q.runnableAtReason = ReasonForcedDelay
	case q.countForeground > 0:
		delay = c.DelayUrgent
		q.runnableAtReason = ReasonContainsForeground
	case q.countInteractive > 0:
		delay = c.DelayUrgent
		q.runnableAtReason = ReasonContainsInteractive
	case q.countInstrumented > 0:
		delay = c.DelayUrgent
		q.runnableAtReason = ReasonContainsInstrumented
	case q.instrumented:
		delay = c.DelayUrgent
		q.runnableAtReason = ReasonProcessInstrumented
	case q.countOrdered > 0:
		q.runnableAtReason = ReasonContainsOrdered
	case q.countAlarm > 0:
		q.runnableAtReason = ReasonContainsAlarm
	case q.countPrioritized > 0:
		q.runnableAtReason = ReasonContainsPrioritized
	case q.countResultTo > 0:
		q.runnableAtReason = ReasonContainsResultTo
	case q.countManifest > 0:
		q.runnableAtReason = ReasonContainsManifest
	case q.persistent:
		q.runnableAtReason = ReasonPersistent
	case q.cached:
		delay = c.DelayCached
		q.runnableAtReason = ReasonCached
	default:
		delay = c.DelayNormal
		q.runnableAtReason = ReasonNormal
	}
	q.runnableAt = next.EnqueuedAt.Add(delay)

	// Backpressure valve: a saturated queue is serviced at its raw enqueue
	// time so depth stays bounded under load.
	if q.countEnqueued >= c.MaxPending {
		q.runnableAt = next.EnqueuedAt
		q.runnableAtReason = ReasonMaxPending
	}
}

// RunnableAt returns the earliest time the queue should next be serviced,
// or Never for empty or blocked queues.
func (q *ProcessQueue) RunnableAt() time.Time {
	if !q.runnableAtValid {
		q.updateRunnableAt()
	}
	return q.runnableAt
}

// RunnableAtReason returns the reason code paired with RunnableAt.
func (q *ProcessQueue) RunnableAtReason() Reason {
	if !q.runnableAtValid {
		q.updateRunnableAt()
	}
	return q.runnableAtReason
}

// IsRunnable reports whether the queue has dispatchable work at some finite
// future time.
func (q *ProcessQueue) IsRunnable() bool {
	return q.RunnableAt().Before(Never)
}

// CheckHealth verifies a blocked queue has not been wedged past the
// configured ceiling. The caller treats a returned error as fatal.
func (q *ProcessQueue) CheckHealth(now time.Time) error {
	if q.RunnableAtReason() != ReasonBlocked {
		return nil
	}
	head := q.PeekNext()
	if head == nil {
		return nil
	}
	if blocked := now.Sub(head.EnqueuedAt); blocked > q.constants.BlockedCeiling {
		return fmt.Errorf("%w: %s blocked for %v", ErrQueueWedged, q.key, blocked)
	}
	return nil
}

// ItemSnapshot is the dump form of one pending or active item.
type ItemSnapshot struct {
	Record     string    `json:"record"`
	Action     string    `json:"action"`
	Index      int       `json:"receiver_index"`
	Receiver   string    `json:"receiver"`
	Blocked    bool      `json:"blocked"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func snapshotItem(it *Item) *ItemSnapshot {
	if it == nil {
		return nil
	}
	return &ItemSnapshot{
		Record:     it.Record.ID.String(),
		Action:     it.Record.Action,
		Index:      it.Index,
		Receiver:   it.Receiver().ID,
		Blocked:    it.Blocked(),
		EnqueuedAt: it.EnqueuedAt,
	}
}

// QueueSnapshot is the dump form of one process queue. A debugging surface,
// not a stable wire format.
type QueueSnapshot struct {
	Process             string        `json:"process"`
	UID                 int32         `json:"uid"`
	PendingUrgent       int           `json:"pending_urgent"`
	PendingNormal       int           `json:"pending_normal"`
	PendingOffload      int           `json:"pending_offload"`
	Active              *ItemSnapshot `json:"active,omitempty"`
	RunnableAt          *time.Time    `json:"runnable_at,omitempty"`
	RunnableAtReason    string        `json:"runnable_at_reason"`
	DispatchedSinceIdle int           `json:"dispatched_since_idle"`
	Cached              bool          `json:"cached"`
	Instrumented        bool          `json:"instrumented"`
	Persistent          bool          `json:"persistent"`
}

// Snapshot captures the queue state for diagnostics. Must be called under
// the dispatcher lock; the result is safe to serialize outside it.
func (q *ProcessQueue) Snapshot() QueueSnapshot {
	snap := QueueSnapshot{
		Process:             q.key.Name,
		UID:                 q.key.UID,
		PendingUrgent:       len(q.urgent.items),
		PendingNormal:       len(q.normal.items),
		PendingOffload:      len(q.offload.items),
		Active:              snapshotItem(q.active),
		RunnableAtReason:    q.RunnableAtReason().String(),
		DispatchedSinceIdle: q.dispatchedSinceIdle,
		Cached:              q.cached,
		Instrumented:        q.instrumented,
		Persistent:          q.persistent,
	}
	if at := q.RunnableAt(); at.Before(Never) {
		snap.RunnableAt = &at
	}
	return snap
}
