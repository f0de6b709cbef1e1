/*
Package revdb implements an embedded, versioned record store. Every commit
produces a new immutable revision; all prior revisions stay readable, and
readers never block the writer.

We implement:

1. Resources, a directory holding a chain of revisions on top of a block store
(Bolt by default, an append-only mmap'ed file, or memory for tests).

2. Page transactions (PageTrx), the single writer of a resource. A page
transaction stages copy-on-write pages in an intent log and commits them
into a new revision.

3. Read transactions (ReadTrx), bound to one committed revision.

4. Balanced-tree indexes (TreeWriter, TreeReader), order-preserving key to
record-set maps stored as ordinary records, so they are versioned like
everything else.

# Technical Details

**Records and subtrees.**
A record is the smallest versioned unit, addressed by an int64 key within a
subtree. Subtrees are the primary record tree plus one tree per index number
of each index kind (name, path, CAS, path summary). Keys are allocated by
bumping the subtree's max-key counter, so they are never reused.

**Pages.**
The uber page anchors the revision chain; an indirect tree under it leads to
one revision root page per revision. The revision root owns the primary record
tree and refers to an index root page per index kind. Every record tree is an
indirect page tree (fan-out 128) whose leaves are key-value pages holding up
to 512 records.

**Versioning.**
A key-value page is written as a fragment: a full dump or a delta against
older fragments, per the resource's versioning strategy. Reading a page
combines at most RevisionsToRestore fragments, newest first; tombstones
suppress older live entries.

**Commit.**
Committing creates the .commit sentinel, writes dirty pages depth-first
(children before parents) and the new uber page, writes the revision's index
definitions, publishes the uber page key, removes the sentinel, and re-reads
the uber page.
Opening a resource that still has a sentinel truncates the block store to the
last durable revision.

## Binary encoding

**Page**: format version byte, page type byte, compression byte, then the
(optionally compressed) msgpack body.

**File store frame**: payload length (u32 BE), xxhash64 of the payload
(u64 BE), payload. A page key is the frame's offset.

**Index keys** are compared bytewise by default. Composite keys use the tuple
encoding (see EncodeTuple): elements, then their lengths as reverse uvarints,
then the element count. TupleComparator orders them element by element.
*/
package revdb
