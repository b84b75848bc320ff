// Package store persists the undelivered events of every group.
//
// Store is the synchronous backend contract. Two backends exist:
//
//   - FileStore keeps one blob per group under a base directory. The file
//     name is the hex encoding of the group's UTF-8 bytes, so any group name
//     is safe on disk and the mapping is reversible. Add and Remove rewrite
//     the whole blob (decode, union or difference, encode) through a temp
//     file and rename, so a crash leaves either the old or the new content.
//     A blob that cannot be decoded is treated as an empty set and reported
//     as ErrCorrupt. A blob that cannot be read fails Add and Remove and is
//     left in place.
//   - BadgerStore keeps one key per event in a badger database. Each Add or
//     Remove is a single transaction. Undecodable values are deleted and
//     reported as ErrCorrupt.
//
// Blob format (codec.go): magic byte, compression tag, uvarint length of the
// uncompressed body, then the body compressed with none, lz4 or zstd. The
// body is a CBOR array of events in ID order (Core Deterministic Encoding).
//
// Queue is the asynchronous boundary the delivery coordinator talks to. It
// runs one worker goroutine per group, so read-modify-write cycles for a
// group never interleave while different groups proceed in parallel. Queue
// methods never block the caller; each completion callback fires exactly
// once. I/O errors stop at the Queue: they are logged and passed to the
// OnError hook, never returned to the emitter.
package store
