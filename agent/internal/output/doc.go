// Package output moves stored events to a Writer.
//
// Output is the lifecycle contract (Start, Resume, Suspend, Emit). Buffered
// implements it on top of a store.Queue: Emit persists the event and
// returns, and flushes are started by an interval ticker, by a per-group
// threshold of newly emitted events, or by an explicit Flush call.
//
// Each group is either idle or flushing. A flush retrieves the group's
// stored set, hands it to the Writer as one Chunk and waits for the
// Writer's verdict. On success exactly the chunk's events are removed, so
// events emitted while the flush was in flight stay stored. On failure the
// store is left alone and the next trigger retries. A trigger that arrives
// while the group is flushing is dropped: there is never more than one
// Writer call in flight per group.
//
// Suspend stops new flushes from starting; a flush already in flight runs
// to completion. Nothing buffered is discarded.
//
// Drain flushes until the store is empty, for short-lived processes that
// want their events out before exiting; Close waits for in-flight flushes.
package output
