package revdb

import "fmt"

// SubtreeKind names the record family a page or record belongs to.
type SubtreeKind uint8

const (
	RecordSubtree SubtreeKind = iota
	PathSummarySubtree
	NameSubtree
	PathSubtree
	CASSubtree

	subtreeKindCount
)

var subtreeKindNames = [subtreeKindCount]string{
	RecordSubtree:      "records",
	PathSummarySubtree: "path_summary",
	NameSubtree:        "name",
	PathSubtree:        "path",
	CASSubtree:         "cas",
}

func (k SubtreeKind) String() string {
	if k < subtreeKindCount {
		return subtreeKindNames[k]
	}
	return fmt.Sprintf("subtree(%d)", uint8(k))
}

func (k SubtreeKind) Valid() bool {
	return k < subtreeKindCount
}

// IsIndex is true for kinds that live under an IndexRootPage and are
// addressed by an index number.
func (k SubtreeKind) IsIndex() bool {
	return k != RecordSubtree && k.Valid()
}

func ParseSubtreeKind(s string) (SubtreeKind, error) {
	for i, name := range subtreeKindNames {
		if name == s {
			return SubtreeKind(i), nil
		}
	}
	return 0, fmt.Errorf("invalid subtree kind %q", s)
}

func (k SubtreeKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid subtree kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *SubtreeKind) UnmarshalText(b []byte) error {
	v, err := ParseSubtreeKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// indexRootRef is the one place that maps an index kind to its reference
// on a revision root.
func (rr *RevisionRootPage) indexRootRef(kind SubtreeKind) *PageReference {
	switch kind {
	case PathSummarySubtree:
		return rr.PathSummaryRoot
	case NameSubtree:
		return rr.NameRoot
	case PathSubtree:
		return rr.PathRoot
	case CASSubtree:
		return rr.CASRoot
	default:
		panic(fmt.Errorf("subtree %v has no index root", kind))
	}
}

// subtreeAddr identifies one record tree: a kind plus an index number.
// Index is always 0 for RecordSubtree.
type subtreeAddr struct {
	Kind  SubtreeKind
	Index int
}

func makeSubtreeAddr(kind SubtreeKind, index int) (subtreeAddr, error) {
	if !kind.Valid() {
		return subtreeAddr{}, fmt.Errorf("%w: invalid subtree kind %d", ErrIllegalState, uint8(kind))
	}
	if kind == RecordSubtree {
		index = 0
	} else if index < 0 {
		return subtreeAddr{}, fmt.Errorf("%w: negative index number %d", ErrIllegalState, index)
	}
	return subtreeAddr{kind, index}, nil
}

func (a subtreeAddr) String() string {
	if a.Kind == RecordSubtree {
		return a.Kind.String()
	}
	return fmt.Sprintf("%v.%d", a.Kind, a.Index)
}
