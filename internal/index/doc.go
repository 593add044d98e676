// Package index provides the SQLite-backed index store of a node.
//
// The index holds the small amount of state that must survive restarts
// besides the blocks themselves:
//   - meta: the durable Lamport clock value
//   - streams: every stream id this node has ever observed
//   - identity: the node's ed25519 key seed
//
// # Critical Patterns
//
// Durable before visible: IncreaseLamport and ReceivedLamport persist the new
// clock value in the same statement that computes it, so a value handed out
// by the clock is never lost across a crash.
//
// Idempotent registry: AddStream uses ON CONFLICT DO NOTHING, so replaying
// a stream that is already known is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks instead of failing
//   - Single open connection: SQLite has one writer
package index
