package broadcast

import "time"

// Item is one (record, receiver-index) pairing awaiting delivery to a
// specific process. The record is shared across the processes it targets;
// the item only borrows it.
type Item struct {
	Record     *Record
	Index      int
	EnqueuedAt time.Time
}

// Receiver returns the item's target receiver.
func (it *Item) Receiver() Receiver {
	return it.Record.Receivers[it.Index]
}

// Blocked reports whether the item is gated on an ordered-delivery
// precondition of its record.
func (it *Item) Blocked() bool {
	return it.Record.Blocked(it.Index)
}

// matches reports whether other can replace this item: same sender uid and
// user, filter-equal records, identical receiver identity, and this item's
// record still fully pending.
func (it *Item) matches(other *Item) bool {
	return it.Record.CallingUID == other.Record.CallingUID &&
		it.Record.UserID == other.Record.UserID &&
		it.Record.FilterEquals(other.Record) &&
		it.Receiver().ID == other.Receiver().ID &&
		it.Record.AllReceiversPending()
}
