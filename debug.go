package revdb

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpRevisionHeader = DumpFlags(1 << iota)
	DumpRecords
	DumpStats
	DumpIndexes
	DumpIndexNodes

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the transaction's revision as text, for tests and debugging.
// Read errors are rendered inline.
func (t *ReadTrx) Dump(f DumpFlags) string {
	var buf strings.Builder
	if f.Contains(DumpRevisionHeader) {
		fmt.Fprintln(&buf, dumpSep1)
		fmt.Fprintf(&buf, "revision %d at %s by %q: %s\n", t.root.Revision, t.root.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), t.root.User.Name, t.root.Message)
	}
	if f.Contains(DumpStats) {
		ss := t.res.Stats()
		fmt.Fprintf(&buf, "stats: page_reads = %d, page_writes = %d, cache_hits = %d, cached_pages = %d, max_fragments_read = %d, avg_fragments_read = %.2f\n", ss.PageReads, ss.PageWrites, ss.CacheHits, ss.CachedPages, ss.MaxFragmentsRead, ss.AvgFragmentsRead())
	}
	if f.Contains(DumpRecords) {
		t.dumpSubtree(&buf, subtreeAddr{RecordSubtree, 0})
	}
	if f.Contains(DumpIndexes) {
		for _, def := range t.defs {
			t.dumpIndex(&buf, f, def)
		}
	}
	return buf.String()
}

func (t *ReadTrx) dumpSubtree(w *strings.Builder, addr subtreeAddr) {
	fmt.Fprintln(w, dumpSep2)
	maxKey, err := t.MaxKey(addr.Kind, addr.Index)
	if err != nil {
		fmt.Fprintf(w, "%v ** ERROR: %v\n", addr, err)
		return
	}
	fmt.Fprintf(w, "%v (max key %d)\n", addr, maxKey)
	for key := int64(0); key <= maxKey; key++ {
		rec, err := t.Record(key, addr.Kind, addr.Index)
		if err != nil {
			fmt.Fprintf(w, "%v/%d ** ERROR: %v\n", addr, key, err)
			continue
		}
		if rec == nil {
			continue
		}
		fmt.Fprintf(w, "%v/%d = %s\n", addr, key, dumpRecord(rec))
	}
}

func (t *ReadTrx) dumpIndex(w *strings.Builder, f DumpFlags, def *IndexDef) {
	fmt.Fprintln(w, dumpSep2)
	raw := must(json.Marshal(def))
	fmt.Fprintf(w, "index %v %s\n", def, raw)
	r := OpenIndex(t, def)
	var pos int
	err := r.Scan(true, func(n *TreeNode) bool {
		pos++
		if f.Contains(DumpIndexNodes) {
			fmt.Fprintf(w, "%v.%d: %s\n", def, pos, n)
		} else {
			fmt.Fprintf(w, "%v.%d: %s => %v\n", def, pos, indexKeyString(n.IndexKey), n.Value)
		}
		return true
	})
	if err != nil {
		fmt.Fprintf(w, "%v ** ERROR: %v\n", def, err)
	}
}

func dumpRecord(rec Record) string {
	switch rec := rec.(type) {
	case *BlobRecord:
		return fmt.Sprintf("blob %q", rec.Data)
	case *TreeNode:
		return rec.String()
	default:
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Sprintf("%v ** ERROR: %v", rec.RecordKind(), err)
		}
		return fmt.Sprintf("%v %s", rec.RecordKind(), raw)
	}
}

func indexKeyString(key []byte) string {
	if tup, err := decodeTuple(key); err == nil && len(tup) > 1 {
		return tup.String()
	}
	return fmt.Sprintf("%q", key)
}

// dumpKeyValuePage renders a key-value page on one line, for tests.
func dumpKeyValuePage(p *KeyValuePage) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%v/%d@%d full=%v", p.addr(), p.PageKey, p.Revision, p.FullDump)
	for _, k := range p.Keys() {
		fmt.Fprintf(&buf, " %d:%s", k, dumpRecord(p.records[k]))
	}
	return buf.String()
}
