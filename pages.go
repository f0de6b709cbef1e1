package revdb

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// NullKey is the storage key of a reference that has not been written yet.
const NullKey int64 = -1

const (
	fanoutExp = 7
	fanout    = 1 << fanoutExp

	recordsPerPageExp = 9
	recordsPerPage    = 1 << recordsPerPageExp

	// recordTreeLevels indirect levels address 2^28 record pages per subtree.
	recordTreeLevels = 4
	// revisionTreeLevels indirect levels address 2^21 revisions.
	revisionTreeLevels = 3
)

// PageReference points at a page: by storage key once written, by identity
// while it only lives in a transaction's intent log. Fragments lists the
// older fragment keys needed to materialize a key-value page, newest first.
//
// A reference reachable from a committed revision is never mutated; new
// revisions work on cloned parents holding fresh references.
type PageReference struct {
	Key       int64   `msgpack:"k"`
	Fragments []int64 `msgpack:"f,omitempty"`
}

func newPageReference() *PageReference {
	return &PageReference{Key: NullKey}
}

func (ref *PageReference) clone() *PageReference {
	if ref == nil {
		return nil
	}
	return &PageReference{Key: ref.Key, Fragments: slices.Clone(ref.Fragments)}
}

func (ref *PageReference) IsNull() bool {
	return ref == nil || ref.Key == NullKey
}

func (ref *PageReference) String() string {
	if ref == nil {
		return "<nil>"
	}
	if len(ref.Fragments) == 0 {
		return fmt.Sprintf("@%d", ref.Key)
	}
	return fmt.Sprintf("@%d%v", ref.Key, ref.Fragments)
}

type pageType uint8

const (
	uberPageType pageType = iota + 1
	revisionRootPageType
	indexRootPageType
	indirectPageType
	keyValuePageType
)

func (t pageType) String() string {
	switch t {
	case uberPageType:
		return "uber"
	case revisionRootPageType:
		return "revision_root"
	case indexRootPageType:
		return "index_root"
	case indirectPageType:
		return "indirect"
	case keyValuePageType:
		return "key_value"
	default:
		return fmt.Sprintf("page(%d)", uint8(t))
	}
}

// Page is implemented by every page type the store persists.
type Page interface {
	pageType() pageType
	// references returns the page's non-nil child references.
	references() []*PageReference
}

func newPageOfType(t pageType) (Page, error) {
	switch t {
	case uberPageType:
		return &UberPage{}, nil
	case revisionRootPageType:
		return &RevisionRootPage{}, nil
	case indexRootPageType:
		return &IndexRootPage{}, nil
	case indirectPageType:
		return &IndirectPage{}, nil
	case keyValuePageType:
		return &KeyValuePage{}, nil
	default:
		return nil, fmt.Errorf("unknown page type %d", uint8(t))
	}
}

// UberPage anchors the revision chain. Revision is the latest committed
// revision, or -1 for a resource that has none yet.
type UberPage struct {
	Revision      int            `msgpack:"r"`
	RevisionsRoot *PageReference `msgpack:"rr"`
}

func newBootstrapUberPage() *UberPage {
	return &UberPage{Revision: -1, RevisionsRoot: newPageReference()}
}

func (p *UberPage) pageType() pageType { return uberPageType }

func (p *UberPage) references() []*PageReference {
	return nonNilRefs(p.RevisionsRoot)
}

func (p *UberPage) clone() *UberPage {
	return &UberPage{Revision: p.Revision, RevisionsRoot: p.RevisionsRoot.clone()}
}

// IsBootstrap is true for the placeholder uber page of an empty resource.
func (p *UberPage) IsBootstrap() bool {
	return p.Revision < 0
}

// User identifies who committed a revision.
type User struct {
	Name string    `msgpack:"n" json:"name"`
	ID   uuid.UUID `msgpack:"id" json:"id"`
}

// IndexTree is the root of one record tree plus its key allocation counter.
type IndexTree struct {
	Root   *PageReference `msgpack:"r"`
	MaxKey int64          `msgpack:"m"`
}

func newIndexTree() *IndexTree {
	return &IndexTree{Root: newPageReference(), MaxKey: -1}
}

func (t *IndexTree) clone() *IndexTree {
	if t == nil {
		return nil
	}
	return &IndexTree{Root: t.Root.clone(), MaxKey: t.MaxKey}
}

// RevisionRootPage describes one revision.
type RevisionRootPage struct {
	Revision  int       `msgpack:"r"`
	Timestamp time.Time `msgpack:"t"`
	Message   string    `msgpack:"m,omitempty"`
	User      User      `msgpack:"u"`

	Records         *IndexTree     `msgpack:"rec"`
	PathSummaryRoot *PageReference `msgpack:"ps"`
	NameRoot        *PageReference `msgpack:"nm"`
	PathRoot        *PageReference `msgpack:"pt"`
	CASRoot         *PageReference `msgpack:"cas"`
}

func newRevisionRootPage(rev int) *RevisionRootPage {
	return &RevisionRootPage{
		Revision:        rev,
		Records:         newIndexTree(),
		PathSummaryRoot: newPageReference(),
		NameRoot:        newPageReference(),
		PathRoot:        newPageReference(),
		CASRoot:         newPageReference(),
	}
}

func (p *RevisionRootPage) pageType() pageType { return revisionRootPageType }

func (p *RevisionRootPage) references() []*PageReference {
	var rec *PageReference
	if p.Records != nil {
		rec = p.Records.Root
	}
	return nonNilRefs(rec, p.PathSummaryRoot, p.NameRoot, p.PathRoot, p.CASRoot)
}

// cloneAs copies the page for use as revision rev. All references are fresh
// objects, so the copy can be modified without touching p.
func (p *RevisionRootPage) cloneAs(rev int) *RevisionRootPage {
	return &RevisionRootPage{
		Revision:        rev,
		Timestamp:       p.Timestamp,
		Message:         p.Message,
		User:            p.User,
		Records:         p.Records.clone(),
		PathSummaryRoot: p.PathSummaryRoot.clone(),
		NameRoot:        p.NameRoot.clone(),
		PathRoot:        p.PathRoot.clone(),
		CASRoot:         p.CASRoot.clone(),
	}
}

// IndexRootPage holds the record trees of one index kind, by index number.
type IndexRootPage struct {
	Kind  SubtreeKind        `msgpack:"k"`
	Trees map[int]*IndexTree `msgpack:"t"`
}

func newIndexRootPage(kind SubtreeKind) *IndexRootPage {
	return &IndexRootPage{Kind: kind, Trees: make(map[int]*IndexTree)}
}

func (p *IndexRootPage) pageType() pageType { return indexRootPageType }

func (p *IndexRootPage) references() []*PageReference {
	refs := make([]*PageReference, 0, len(p.Trees))
	for _, i := range slices.Sorted(maps.Keys(p.Trees)) {
		if t := p.Trees[i]; t != nil && t.Root != nil {
			refs = append(refs, t.Root)
		}
	}
	return refs
}

func (p *IndexRootPage) clone() *IndexRootPage {
	c := &IndexRootPage{Kind: p.Kind, Trees: make(map[int]*IndexTree, len(p.Trees))}
	for i, t := range p.Trees {
		c.Trees[i] = t.clone()
	}
	return c
}

// IndirectPage is an inner node of a record or revision tree.
type IndirectPage struct {
	Refs []*PageReference `msgpack:"r"`
}

func newIndirectPage() *IndirectPage {
	return &IndirectPage{Refs: make([]*PageReference, fanout)}
}

func (p *IndirectPage) pageType() pageType { return indirectPageType }

func (p *IndirectPage) references() []*PageReference {
	return nonNilRefs(p.Refs...)
}

func (p *IndirectPage) clone() *IndirectPage {
	c := newIndirectPage()
	for i, ref := range p.Refs {
		if i < fanout {
			c.Refs[i] = ref.clone()
		}
	}
	return c
}

// indirectOffset returns which slot of the indirect page at the given level
// (0 = top) leads to leaf key.
func indirectOffset(key int64, levels, level int) int {
	shift := uint(fanoutExp * (levels - level - 1))
	return int((key >> shift) & (fanout - 1))
}

func maxTreeKey(levels int) int64 {
	return int64(1)<<(fanoutExp*levels) - 1
}

func recordPageKey(recordKey int64) int64 {
	return recordKey >> recordsPerPageExp
}

func nonNilRefs(refs ...*PageReference) []*PageReference {
	var result []*PageReference
	for _, ref := range refs {
		if ref != nil {
			result = append(result, ref)
		}
	}
	return result
}

// KeyValuePage holds up to 512 records of one subtree. A page written to the
// store is a fragment: either a full dump or a delta against older fragments.
type KeyValuePage struct {
	PageKey  int64
	Subtree  SubtreeKind
	Index    int
	Revision int
	FullDump bool

	records map[int64]Record
}

func newKeyValuePage(pageKey int64, addr subtreeAddr, rev int) *KeyValuePage {
	return &KeyValuePage{
		PageKey:  pageKey,
		Subtree:  addr.Kind,
		Index:    addr.Index,
		Revision: rev,
		records:  make(map[int64]Record),
	}
}

func (p *KeyValuePage) pageType() pageType { return keyValuePageType }

func (p *KeyValuePage) references() []*PageReference { return nil }

func (p *KeyValuePage) Get(key int64) Record {
	return p.records[key]
}

func (p *KeyValuePage) Set(r Record) {
	p.records[r.RecordKey()] = r
}

func (p *KeyValuePage) Len() int {
	return len(p.records)
}

// Keys returns record keys in ascending order.
func (p *KeyValuePage) Keys() []int64 {
	return slices.Sorted(maps.Keys(p.records))
}

func (p *KeyValuePage) addr() subtreeAddr {
	return subtreeAddr{p.Subtree, p.Index}
}

type kvPageWire struct {
	PageKey  int64        `msgpack:"p"`
	Subtree  SubtreeKind  `msgpack:"s"`
	Index    int          `msgpack:"i"`
	Revision int          `msgpack:"r"`
	FullDump bool         `msgpack:"f,omitempty"`
	Records  []recordWire `msgpack:"rec"`
}

type recordWire struct {
	Kind RecordKind         `msgpack:"t"`
	Data msgpack.RawMessage `msgpack:"d"`
}

var _ msgpack.CustomEncoder = (*KeyValuePage)(nil)
var _ msgpack.CustomDecoder = (*KeyValuePage)(nil)

func (p *KeyValuePage) EncodeMsgpack(enc *msgpack.Encoder) error {
	w := kvPageWire{
		PageKey:  p.PageKey,
		Subtree:  p.Subtree,
		Index:    p.Index,
		Revision: p.Revision,
		FullDump: p.FullDump,
		Records:  make([]recordWire, 0, len(p.records)),
	}
	for _, k := range p.Keys() {
		r := p.records[k]
		data, err := msgpack.Marshal(r)
		if err != nil {
			return fmt.Errorf("record %d: %w", k, err)
		}
		w.Records = append(w.Records, recordWire{r.RecordKind(), data})
	}
	return enc.Encode(&w)
}

func (p *KeyValuePage) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w kvPageWire
	if err := dec.Decode(&w); err != nil {
		return err
	}
	p.PageKey, p.Subtree, p.Index, p.Revision, p.FullDump = w.PageKey, w.Subtree, w.Index, w.Revision, w.FullDump
	p.records = make(map[int64]Record, len(w.Records))
	for _, rw := range w.Records {
		r, err := newRecordOfKind(rw.Kind)
		if err != nil {
			return err
		}
		if err := msgpack.Unmarshal(rw.Data, r); err != nil {
			return dataErrf(rw.Data, 0, err, "failed to decode %v record", rw.Kind)
		}
		p.records[r.RecordKey()] = r
	}
	return nil
}
