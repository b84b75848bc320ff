// Package event defines the unit of telemetry the pipeline moves around.
//
// An Event is an immutable value: the group (logical stream) it belongs to,
// the already-encoded wire payload, and an ID derived from both with a keyed
// BLAKE3 hash. Because the ID depends only on contents, emitting the same
// bytes twice into the same group yields the same Event and the store keeps
// one copy.
//
// Set is the in-memory form of a group's stored set: a map keyed by ID with
// Union, Difference and a deterministic Sorted view used to build chunks.
package event
