package revdb

import "fmt"

// NameIndexBuilder maintains a name index: each accepted name maps to the
// keys of the records carrying it.
type NameIndexBuilder struct {
	def *IndexDef
	w   *TreeWriter
}

func NewNameIndexBuilder(trx *PageTrx, def *IndexDef) (*NameIndexBuilder, error) {
	if def.Kind != NameSubtree {
		return nil, fmt.Errorf("%w: %v is not a name index", ErrIllegalState, def)
	}
	w, err := NewTreeWriter(trx, def.Kind, def.ID, def.comparator())
	if err != nil {
		return nil, err
	}
	return &NameIndexBuilder{def: def, w: w}, nil
}

// Add indexes recordKey under name. It reports false if the name is filtered
// out by the definition.
func (b *NameIndexBuilder) Add(name string, recordKey int64) (bool, error) {
	if !b.def.Accepts(name) {
		return false, nil
	}
	key := []byte(name)
	refs, found, err := b.w.Get(key, SearchEqual)
	if err != nil {
		return false, err
	}
	var value *References
	if found {
		if refs.Contains(recordKey) {
			return true, nil
		}
		value = refs
		value.Add(recordKey)
	} else {
		value = NewReferences(recordKey)
	}
	if _, err := b.w.Index(key, value, NoMove); err != nil {
		return false, err
	}
	return true, nil
}

// Remove drops recordKey from name's references.
func (b *NameIndexBuilder) Remove(name string, recordKey int64) (bool, error) {
	return b.w.Remove([]byte(name), recordKey)
}

// OpenIndex returns a reader of the index def through src.
func OpenIndex(src RecordSource, def *IndexDef) *TreeReader {
	return NewTreeReader(src, def.Kind, def.ID, def.comparator())
}

// LookupName returns the record keys indexed under name, or nil.
func LookupName(src RecordSource, def *IndexDef, name string) ([]int64, error) {
	refs, found, err := OpenIndex(src, def).Get([]byte(name), SearchEqual)
	if err != nil || !found {
		return nil, err
	}
	return refs.Keys(), nil
}
