package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/appruntime/broadcastd/internal/infrastructure/logging"
	"github.com/appruntime/broadcastd/internal/infrastructure/monitoring"
	"github.com/appruntime/broadcastd/internal/shared/types"
)

// Deliverer carries an item out of the scheduler to its destination process.
// Delivery happens outside the dispatcher lock and must not call back into
// the dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, item *Item) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, item *Item) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, item *Item) error { return f(ctx, item) }

// Dispatcher owns every ProcessQueue and the runnable list behind a single
// coarse lock. All scheduling-state transitions are linearized through it;
// the short critical sections never block on I/O.
type Dispatcher struct {
	mu        sync.Mutex
	constants Constants
	clock     func() time.Time
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	deliverer Deliverer

	queues       map[types.ProcessKey]*ProcessQueue
	uidHeads     map[int32]*ProcessQueue
	runnableHead *ProcessQueue

	wake chan struct{}
}

// NewDispatcher creates a dispatcher with the given tuning constants.
func NewDispatcher(constants Constants, deliverer Deliverer, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		constants: constants,
		clock:     time.Now,
		logger:    logger,
		deliverer: deliverer,
		queues:    make(map[types.ProcessKey]*ProcessQueue),
		uidHeads:  make(map[int32]*ProcessQueue),
		wake:      make(chan struct{}, 1),
	}
}

// WithMetrics adds metrics tracking to the dispatcher.
func (d *Dispatcher) WithMetrics(metrics *monitoring.Metrics) *Dispatcher {
	d.metrics = metrics
	return d
}

// WithClock overrides the time source. Used by tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// getOrCreateLocked returns the queue for key, creating and chaining it
// under its uid when first seen.
func (d *Dispatcher) getOrCreateLocked(key types.ProcessKey) *ProcessQueue {
	q, ok := d.queues[key]
	if !ok {
		q = NewProcessQueue(key, &d.constants)
		d.queues[key] = q
		q.uidNext = d.uidHeads[key.UID]
		d.uidHeads[key.UID] = q
		if d.metrics != nil {
			d.metrics.SetQueuesTracked(len(d.queues))
		}
	}
	return q
}

// refreshLocked re-sorts q in the runnable list after any mutation that may
// have changed its runnable-at. Queues with an active dispatch stay out of
// the list until they go idle again.
func (d *Dispatcher) refreshLocked(q *ProcessQueue) {
	d.runnableHead = removeFromRunnableList(d.runnableHead, q)
	if q.Active() == nil && q.PendingCount() > 0 {
		d.runnableHead = insertIntoRunnableList(d.runnableHead, q)
	}
}

func classOf(r *Record) string {
	switch {
	case r.Urgent():
		return "urgent"
	case r.Offload():
		return "offload"
	default:
		return "normal"
	}
}

// Enqueue fans the record out to the queue of every receiver's destination
// process. When allowReplace is set, an equivalent fully-pending item is
// coalesced in place and handed to replaced; the consumer runs under the
// dispatcher lock and must resolve the replaced receiver's delivery state
// without calling back into the dispatcher.
func (d *Dispatcher) Enqueue(record *Record, allowReplace bool, replaced func(*Item)) {
	d.mu.Lock()
	class := classOf(record)
	var resolved []*Record
	for i := range record.Receivers {
		rcv := record.Receivers[i]
		q := d.getOrCreateLocked(types.ProcessKey{Name: rcv.ProcessName, UID: rcv.UID})
		it := &Item{Record: record, Index: i, EnqueuedAt: record.EnqueueTime}
		wasReplaced := false
		q.EnqueueOrReplace(it, allowReplace, func(old *Item) {
			wasReplaced = true
			resolved = append(resolved, old.Record)
			if replaced != nil {
				replaced(old)
			}
		})
		d.refreshLocked(q)
		if d.metrics != nil {
			d.metrics.RecordEnqueue(class, wasReplaced)
		}
	}
	// The consumer resolved each replaced receiver's delivery state; on an
	// ordered record that can unblock heads in sibling queues.
	for _, r := range resolved {
		d.refreshRecordTargetsLocked(r, types.ProcessKey{})
	}
	d.mu.Unlock()
	d.signal()
}

// SetProcessCached updates a process's cached flag, if its queue exists.
func (d *Dispatcher) SetProcessCached(key types.ProcessKey, cached bool) {
	d.setFlag(key, func(q *ProcessQueue) { q.SetProcessCached(cached) })
}

// SetProcessInstrumented updates a process's instrumentation flag.
func (d *Dispatcher) SetProcessInstrumented(key types.ProcessKey, instrumented bool) {
	d.setFlag(key, func(q *ProcessQueue) { q.SetProcessInstrumented(instrumented) })
}

// SetProcessPersistent updates a process's persistent flag.
func (d *Dispatcher) SetProcessPersistent(key types.ProcessKey, persistent bool) {
	d.setFlag(key, func(q *ProcessQueue) { q.SetProcessPersistent(persistent) })
}

func (d *Dispatcher) setFlag(key types.ProcessKey, apply func(*ProcessQueue)) {
	d.mu.Lock()
	q := d.getOrCreateLocked(key)
	apply(q)
	d.refreshLocked(q)
	d.mu.Unlock()
	d.signal()
}

// RemoveProcess abandons all pending work for a dead process. Pending items
// are marked skipped so ordered chains held elsewhere keep advancing, and
// the queue is dropped from every scheduling structure.
func (d *Dispatcher) RemoveProcess(key types.ProcessKey) {
	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	var unblocked []*Record
	q.ForEachMatching(
		func(*Item) bool { return true },
		func(it *Item) {
			it.Record.SetDeliveryState(it.Index, DeliverySkipped)
			unblocked = append(unblocked, it.Record)
		},
		true,
	)
	if active := q.Active(); active != nil {
		active.Record.SetDeliveryState(active.Index, DeliveryFailed)
		unblocked = append(unblocked, active.Record)
		q.MakeActiveIdle()
	}
	d.runnableHead = removeFromRunnableList(d.runnableHead, q)
	delete(d.queues, key)
	d.unchainUIDLocked(q)
	for _, r := range unblocked {
		d.refreshRecordTargetsLocked(r, key)
	}
	if d.metrics != nil {
		d.metrics.SetQueuesTracked(len(d.queues))
	}
	d.mu.Unlock()
	d.signal()
}

// RemoveUID abandons all pending work for every process of a uid, walking
// the same-uid chain.
func (d *Dispatcher) RemoveUID(uid int32) {
	d.mu.Lock()
	head := d.uidHeads[uid]
	var keys []types.ProcessKey
	for q := head; q != nil; q = q.uidNext {
		keys = append(keys, q.Key())
	}
	d.mu.Unlock()
	for _, key := range keys {
		d.RemoveProcess(key)
	}
}

func (d *Dispatcher) unchainUIDLocked(q *ProcessQueue) {
	uid := q.Key().UID
	head := d.uidHeads[uid]
	if head == q {
		if q.uidNext == nil {
			delete(d.uidHeads, uid)
		} else {
			d.uidHeads[uid] = q.uidNext
		}
		q.uidNext = nil
		return
	}
	for cur := head; cur != nil; cur = cur.uidNext {
		if cur.uidNext == q {
			cur.uidNext = q.uidNext
			q.uidNext = nil
			return
		}
	}
}

// refreshRecordTargetsLocked invalidates every queue holding items of r.
// A terminal transition on an ordered record can unblock heads elsewhere.
func (d *Dispatcher) refreshRecordTargetsLocked(r *Record, except types.ProcessKey) {
	if r.Flags&FlagOrdered == 0 {
		return
	}
	for i := range r.Receivers {
		key := types.ProcessKey{Name: r.Receivers[i].ProcessName, UID: r.Receivers[i].UID}
		if key == except {
			continue
		}
		if q, ok := d.queues[key]; ok {
			q.invalidateRunnableAt()
			d.refreshLocked(q)
		}
	}
}

// ForEachMatching applies pred to the pending items of every queue. See
// ProcessQueue.ForEachMatching for the removal contract.
func (d *Dispatcher) ForEachMatching(pred func(*Item) bool, consumer func(*Item), remove bool) bool {
	d.mu.Lock()
	matched := false
	for _, q := range d.queues {
		if q.ForEachMatching(pred, consumer, remove) {
			matched = true
			d.refreshLocked(q)
		}
	}
	d.mu.Unlock()
	if matched {
		d.signal()
	}
	return matched
}

// NextRunnableAt returns the head queue's runnable-at, or Never when no
// queue has dispatchable work.
func (d *Dispatcher) NextRunnableAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runnableHead == nil {
		return Never
	}
	return d.runnableHead.RunnableAt()
}

// Run services queues until ctx is canceled: it repeatedly extracts the
// head of the runnable list once its runnable-at arrives, delivers the next
// item outside the lock, then resolves delivery state and re-sorts.
func (d *Dispatcher) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		q, it := d.takeNext()
		if it != nil {
			d.dispatch(ctx, q, it)
			continue
		}
		wait := time.Hour
		if at := d.NextRunnableAt(); at.Before(Never) {
			if until := at.Sub(d.clock()); until < wait {
				wait = until
			}
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// takeNext pops the head queue's next item when it is due, marking it
// scheduled. Returns nils when nothing is due yet.
func (d *Dispatcher) takeNext() (*ProcessQueue, *Item) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.runnableHead
	if q == nil {
		return nil, nil
	}
	at := q.RunnableAt()
	if !at.Before(Never) || at.After(d.clock()) {
		return nil, nil
	}
	// Captured before the pop invalidates the cache; afterwards the queue
	// reports its post-pop state, not why this dispatch was due.
	reason := q.RunnableAtReason()
	d.runnableHead = removeFromRunnableList(d.runnableHead, q)
	it := q.MakeActiveNextPending()
	if it == nil {
		return nil, nil
	}
	it.Record.SetDeliveryState(it.Index, DeliveryScheduled)
	if d.metrics != nil {
		d.metrics.RecordRunnableReason(reason.String())
	}
	return q, it
}

func (d *Dispatcher) dispatch(ctx context.Context, q *ProcessQueue, it *Item) {
	start := d.clock()
	err := d.deliverer.Deliver(ctx, it)

	d.mu.Lock()
	if err != nil {
		it.Record.SetDeliveryState(it.Index, DeliveryFailed)
		d.logger.Warn("broadcast delivery failed",
			zap.String("process", q.Key().String()),
			zap.String("action", it.Record.Action),
			zap.Error(err),
		)
	} else {
		it.Record.SetDeliveryState(it.Index, DeliveryDelivered)
	}
	q.MakeActiveIdle()
	d.refreshLocked(q)
	d.refreshRecordTargetsLocked(it.Record, q.Key())
	if d.metrics != nil {
		status := "delivered"
		if err != nil {
			status = "failed"
		}
		d.metrics.RecordDispatch(classOf(it.Record), status, d.clock().Sub(start))
	}
	d.mu.Unlock()
	d.signal()
}

// CheckHealth walks every queue looking for a wedged ordered chain. The
// first violation is returned; the caller treats it as fatal.
func (d *Dispatcher) CheckHealth() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	for _, q := range d.queues {
		if err := q.CheckHealth(now); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot captures every queue for diagnostics, sorted by identity. Taken
// under the lock; serialized by the caller outside it.
func (d *Dispatcher) Snapshot() []QueueSnapshot {
	d.mu.Lock()
	snaps := make([]QueueSnapshot, 0, len(d.queues))
	for _, q := range d.queues {
		snaps = append(snaps, q.Snapshot())
	}
	d.mu.Unlock()
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].UID != snaps[j].UID {
			return snaps[i].UID < snaps[j].UID
		}
		return snaps[i].Process < snaps[j].Process
	})
	return snaps
}

// SnapshotUID captures the queues of one uid.
func (d *Dispatcher) SnapshotUID(uid int32) []QueueSnapshot {
	d.mu.Lock()
	var snaps []QueueSnapshot
	for q := d.uidHeads[uid]; q != nil; q = q.uidNext {
		snaps = append(snaps, q.Snapshot())
	}
	d.mu.Unlock()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Process < snaps[j].Process })
	return snaps
}
