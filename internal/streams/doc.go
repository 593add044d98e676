// Package streams owns the in-memory state of every stream a node knows.
//
// ARCHITECTURE:
//
// A stream is either own (written by this node) or replicated (written by a
// peer); which one is decided solely by comparing the stream's node id with
// the local node id, and never changes.
//
// Own streams:
// TransformOwn is the only path that changes an own stream's root. It holds
// the stream's sequencing lock for the whole read-modify-publish cycle, so
// concurrent appends and compactions of one stream are fully serialized,
// while different streams proceed in parallel.
//
// Replicated streams:
// The gossip syncer is the sole writer of a replica's validated tree. The
// manager only records incoming root candidates; adopting them is the
// syncer's job.
//
// Registry:
// The manager is an explicit map from StreamID to state plus a list of
// known-stream subscriptions. Subscriptions hold no reference back to the
// manager and are pruned once their consumer closes them.
package streams
