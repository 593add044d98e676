// Package forest stores stream trees as content-addressed blocks.
//
// A tree is a header block listing leaf chunks. Each leaf holds a run of
// consecutive events. Trees are persistent values: extending or packing a
// tree writes new blocks and returns a new Tree, never touching the old one.
//
// Block layout (deterministic CBOR):
//
//	header: {"k": 2, "v": 1, "n": count, "l": last lamport, "c": [[link, count, last lamport], ...]}
//	leaf:   {"k": 1, "e": [[lamport, time, tags, payload], ...]}
//
// Offsets are implicit: the i-th event of the tree has offset i.
package forest
