// Package event defines the identity and ordering primitives of the log.
//
// ORDERING:
//
// EventKey.Compare is the only function allowed to decide "before/after"
// across streams. It orders by Lamport timestamp first and breaks ties by
// StreamID. Within one stream the Lamport timestamp never decreases along
// increasing offsets, so key order and offset order always agree.
//
// StreamHeartBeat is deliberately only a partial order: two heartbeats are
// comparable when they describe the same offset of the same stream.
package event
