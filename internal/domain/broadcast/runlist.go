package broadcast

// The runnable list is an intrusive doubly-linked list of ProcessQueue nodes
// sorted ascending by RunnableAt. Insertion scans from the head, O(n) over a
// small process population; removal is O(1) given the node. Only these two
// functions may touch the link fields.

// insertIntoRunnableList splices q into the list at its sorted position and
// returns the new head. Inserting a node that is already linked is a
// programming error.
func insertIntoRunnableList(head, q *ProcessQueue) *ProcessQueue {
	if q.runnablePrev != nil || q.runnableNext != nil || head == q {
		panic("broadcast: queue already linked into runnable list")
	}
	at := q.RunnableAt()
	var prev *ProcessQueue
	cur := head
	// Equal keys insert after existing nodes, so equally-due queues are
	// serviced in insertion order.
	for cur != nil && !cur.RunnableAt().After(at) {
		prev = cur
		cur = cur.runnableNext
	}
	q.runnableNext = cur
	q.runnablePrev = prev
	if cur != nil {
		cur.runnablePrev = q
	}
	if prev != nil {
		prev.runnableNext = q
		return head
	}
	return q
}

// removeFromRunnableList unlinks q and returns the new head. Removing a node
// that is not linked is a no-op.
func removeFromRunnableList(head, q *ProcessQueue) *ProcessQueue {
	if q.runnablePrev == nil && q.runnableNext == nil && head != q {
		return head
	}
	if q.runnablePrev != nil {
		q.runnablePrev.runnableNext = q.runnableNext
	} else {
		head = q.runnableNext
	}
	if q.runnableNext != nil {
		q.runnableNext.runnablePrev = q.runnablePrev
	}
	q.runnablePrev = nil
	q.runnableNext = nil
	return head
}
