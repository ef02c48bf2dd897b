/*
Package qdb implements an embedded multi-queue store on top of a key-value
store (in this case, on top of Bolt).

We implement:

1. Queues, append-only sequences of opaque byte-string items, addressed by a
store-wide monotonic item id.

2. Indexes, ordered views of a queue whose keys are computed by keying
functions: sandboxed WebAssembly modules run by package keyfn.

3. Names, a bidirectional mapping between human-readable names and numeric ids
for queues, indexes and keying functions.

# Technical Details

**Namespaces.**
Every structure lives in its own flat namespace (a top-level Bolt bucket). The
first byte of a namespace name is its tag; numeric fields that follow are
fixed-width little-endian:

	q + queue id                                        queue items
	i + index id + rev + queue id + mode + function id  index entries
	f                                                   function records
	n                                                   name records
	r                                                   index revisions
	s                                                   id sequence
	m                                                   queue → index registry

Index namespace names describe the index completely, so the set of indexes
bound to a queue can be rediscovered by scanning namespace names
(DB.ScanIndexes). The registry is the fast path and can be rebuilt from those
names at any time (DB.RebuildRegistry).

**Item ids** are 8-byte big-endian keys within a queue, so forward traversal
is insertion order. They come from one store-wide sequence that also issues
name ids.

**Names.**
Forward records map kind byte (Q, I, F) + name to an 8-byte little-endian id.
Reverse records map kind byte (q, i, f) + id to the name. New names are
registered with a compare-and-swap of the forward record; concurrent first
registrations converge on a single id.

**Index keys.**
The keying function returns a fixed-length byte string. The index mode turns
it into the stored key:

 1. Ordered: the function output as is; equal outputs share one entry.
 2. OrderedHash: output followed by the big-endian xxhash64 of the item.
 3. SipHash: big-endian SipHash-2-4 of the output, followed by xxhash64 of the item.

Index values are 8-byte big-endian item ids.

**Consistency.**
AddItem is not transactional across namespaces: the item is appended first and
each index is then updated in its own transaction. Deleting an item leaves its
index entries in place.
*/
package qdb
