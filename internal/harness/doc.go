// Package harness runs multi-node replication scenarios.
//
// A scenario starts a set of nodes on an in-process bus, applies a list of
// steps and then reads each node's view of the swarm. The reads form a
// trace that is compared against a golden file.
//
// # Scenario Format
//
//	name: scenario_name
//	description: "What this scenario checks"
//	nodes: [a, b]
//	steps:
//	  - op: append
//	    node: a
//	    stream: 0
//	    tags: [order]
//	    payloads: [a1, a2]
//	  - op: sync
//	  - op: compact
//	    node: a
//	expect:
//	  - node: b
//	    tags: [order]
//	    events: [a1, a2]
//
// # Step Types
//
//   - append: appends one event per payload to a stream of node
//   - sync: waits until every node holds every own stream of every other node
//   - compact: packs the own streams of node and collects garbage
//
// Each expectation reads everything the node has validated. Tags narrow the
// read to events carrying all of them; backward reverses the order. When
// events is present the payloads must match exactly.
package harness
