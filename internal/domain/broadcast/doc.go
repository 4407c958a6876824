// Package broadcast implements the per-process broadcast dispatch queue and
// the global runnable scheduling index.
//
// Each destination process owns a ProcessQueue holding three priority
// partitions (urgent, normal, offload) of pending dispatch items plus at most
// one in-flight active item. The queue computes a cached "runnable at"
// timestamp from its head item and process-state flags; the Dispatcher keeps
// every non-idle queue in a linked list sorted by that timestamp so the
// scheduler loop can always extract the next-runnable process from the head.
//
// Components:
//   - Record/Item: broadcast records and (record, receiver) dispatch items
//   - ProcessQueue: per-process pending queues, counters, active slot
//   - runnable list: intrusive sorted list over ProcessQueue nodes
//   - Dispatcher: coarse-lock owner and scheduler loop
//
// Neither ProcessQueue nor the runnable list is internally thread-safe;
// every operation on them must run while holding the Dispatcher lock.
package broadcast
