package broadcast

import (
	"time"

	"github.com/google/uuid"
)

// Flags classify a broadcast record. A record carries any combination.
type Flags uint16

const (
	// FlagUrgent forces the urgent partition regardless of other flags.
	FlagUrgent Flags = 1 << iota
	// FlagOffload forces the offload partition.
	FlagOffload
	// FlagForeground marks a foreground-priority broadcast.
	FlagForeground
	// FlagOrdered gates delivery to receiver N+1 on receiver N terminating.
	FlagOrdered
	// FlagAlarm marks a broadcast originating from an alarm firing.
	FlagAlarm
	// FlagPrioritized marks a broadcast with priority-tiered receivers.
	FlagPrioritized
	// FlagInteractive marks a broadcast tied to direct user interaction.
	FlagInteractive
	// FlagInstrumented marks a broadcast sent on behalf of instrumentation.
	FlagInstrumented
	// FlagResultTo marks a broadcast whose sender awaits a result.
	FlagResultTo
)

// DeliveryState tracks one receiver's progress through delivery.
type DeliveryState int

const (
	// DeliveryPending means the receiver has not been scheduled yet.
	DeliveryPending DeliveryState = iota
	// DeliveryScheduled means the receiver is the active dispatch somewhere.
	DeliveryScheduled
	// DeliveryDelivered and the states below are terminal.
	DeliveryDelivered
	// DeliverySkipped means delivery was abandoned before dispatch.
	DeliverySkipped
	// DeliveryFailed means the target process rejected or crashed.
	DeliveryFailed
	// DeliveryTimeout means the receiver exceeded its delivery deadline.
	DeliveryTimeout
)

// Terminal reports whether the state ends the receiver's lifecycle.
func (s DeliveryState) Terminal() bool {
	return s >= DeliveryDelivered
}

// String returns the state name.
func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryScheduled:
		return "scheduled"
	case DeliveryDelivered:
		return "delivered"
	case DeliverySkipped:
		return "skipped"
	case DeliveryFailed:
		return "failed"
	case DeliveryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Receiver is one delivery target of a broadcast record.
type Receiver struct {
	// ID identifies the receiver (component name or registration token).
	ID string
	// ProcessName and UID route the receiver to a destination process.
	ProcessName string
	UID         int32
	// Manifest is true for statically declared receivers.
	Manifest bool
}

// Record is one broadcast with its ordered receiver list and per-receiver
// delivery bookkeeping. A Record is shared, not owned, by the process queues
// holding dispatch items that point into it.
type Record struct {
	ID          uuid.UUID
	Action      string
	CallingUID  int32
	UserID      int32
	Flags       Flags
	EnqueueTime time.Time

	Receivers []Receiver

	delivery      []DeliveryState
	blockedUntil  []int
	terminalCount int
}

// NewRecord builds a record for the given receivers. For ordered broadcasts
// receiver i is blocked until i prior receivers have reached a terminal
// state; for unordered broadcasts nothing is blocked.
func NewRecord(action string, callingUID, userID int32, flags Flags, enqueueTime time.Time, receivers []Receiver) *Record {
	r := &Record{
		ID:          uuid.New(),
		Action:      action,
		CallingUID:  callingUID,
		UserID:      userID,
		Flags:       flags,
		EnqueueTime: enqueueTime,
		Receivers:   receivers,
		delivery:    make([]DeliveryState, len(receivers)),
		blockedUntil: func() []int {
			b := make([]int, len(receivers))
			if flags&FlagOrdered != 0 {
				for i := range b {
					b[i] = i
				}
			}
			return b
		}(),
	}
	return r
}

// Urgent reports whether the record belongs in the urgent partition.
func (r *Record) Urgent() bool {
	return r.Flags&(FlagUrgent|FlagForeground|FlagInteractive) != 0
}

// Offload reports whether the record belongs in the offload partition.
func (r *Record) Offload() bool {
	return r.Flags&FlagOffload != 0 && !r.Urgent()
}

// TerminalCount returns how many receivers have reached a terminal state.
// It is monotonically non-decreasing over the record's lifetime.
func (r *Record) TerminalCount() int {
	return r.terminalCount
}

// DeliveryState returns receiver index's current state.
func (r *Record) DeliveryState(index int) DeliveryState {
	return r.delivery[index]
}

// SetDeliveryState moves receiver index to state. Entering a terminal state
// bumps the terminal count; terminal states never regress.
func (r *Record) SetDeliveryState(index int, state DeliveryState) {
	old := r.delivery[index]
	if old.Terminal() {
		return
	}
	r.delivery[index] = state
	if state.Terminal() {
		r.terminalCount++
	}
}

// Blocked reports whether receiver index is gated on an ordered-delivery
// precondition: its threshold exceeds the current terminal count and it has
// not itself terminated.
func (r *Record) Blocked(index int) bool {
	return r.blockedUntil[index] > r.terminalCount && !r.delivery[index].Terminal()
}

// AllReceiversPending reports whether no receiver has left the pending
// state. Replacement coalescing is only legal while this holds.
func (r *Record) AllReceiversPending() bool {
	for _, s := range r.delivery {
		if s != DeliveryPending {
			return false
		}
	}
	return true
}

// FilterEquals reports whether two records match for coalescing purposes.
// Records match when they target the same action from the same sender.
func (r *Record) FilterEquals(other *Record) bool {
	return r.Action == other.Action
}
