package revdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// IndexDef describes a secondary index. Definitions are versioned with the
// revisions they were committed in and stored next to the resource as
// indexes/<revision>.json.
type IndexDef struct {
	Kind        SubtreeKind `json:"kind"`
	ID          int         `json:"id"`
	Paths       []string    `json:"paths,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Includes    []string    `json:"includes,omitempty"`
	Excludes    []string    `json:"excludes,omitempty"`
	Comparator  string      `json:"comparator,omitempty"`
}

func (d *IndexDef) String() string {
	return fmt.Sprintf("%v.%d", d.Kind, d.ID)
}

// Accepts reports whether a name passes the include and exclude filters.
func (d *IndexDef) Accepts(name string) bool {
	if len(d.Includes) > 0 && !slices.Contains(d.Includes, name) {
		return false
	}
	return !slices.Contains(d.Excludes, name)
}

func (d *IndexDef) comparator() Comparator {
	cmp, err := comparatorByName(d.Comparator)
	if err != nil {
		return BytesComparator
	}
	return cmp
}

func findIndexDef(defs []*IndexDef, kind SubtreeKind, id int) (*IndexDef, error) {
	for _, d := range defs {
		if d.Kind == kind && d.ID == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %v.%d", ErrNoSuchIndex, kind, id)
}

// CreateIndex registers def under the next free index number of its kind and
// creates the empty index subtree. The assigned definition is returned.
func (t *PageTrx) CreateIndex(def IndexDef) (*IndexDef, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if !def.Kind.IsIndex() {
		return nil, fmt.Errorf("%w: %v is not an index kind", ErrIllegalState, def.Kind)
	}
	if _, err := comparatorByName(def.Comparator); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIllegalState, err)
	}
	d := def
	d.ID = 0
	for _, existing := range t.defs {
		if existing.Kind == d.Kind && existing.ID >= d.ID {
			d.ID = existing.ID + 1
		}
	}
	addr, err := makeSubtreeAddr(d.Kind, d.ID)
	if err != nil {
		return nil, err
	}
	if err := t.ensureSubtree(addr); err != nil {
		return nil, err
	}
	t.defs = append(slices.Clip(t.defs), &d)
	return &d, nil
}

// IndexDefs returns the indexes defined as of this transaction.
func (t *PageTrx) IndexDefs() []*IndexDef {
	return t.defs
}

func (t *PageTrx) IndexDef(kind SubtreeKind, id int) (*IndexDef, error) {
	return findIndexDef(t.defs, kind, id)
}

func (r *Resource) indexDefsPath(rev int) string {
	return filepath.Join(r.dir, indexesDirName, strconv.Itoa(rev)+".json")
}

// loadIndexDefs returns nil if no index was defined as of rev.
func (r *Resource) loadIndexDefs(rev int) ([]*IndexDef, error) {
	if rev < 0 {
		return nil, nil
	}
	raw, err := os.ReadFile(r.indexDefsPath(rev))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, ioErr(err)
	}
	var defs []*IndexDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, corruptedErr(dataErrf(raw, 0, err, "invalid index definitions of revision %d", rev))
	}
	return defs, nil
}

func (r *Resource) writeIndexDefs(rev int, defs []*IndexDef) error {
	if len(defs) == 0 {
		return nil
	}
	raw, err := json.MarshalIndent(defs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(r.dir, indexesDirName), 0o777); err != nil {
		return err
	}
	return writeFileAtomic(r.indexDefsPath(rev), raw)
}

func (r *Resource) removeIndexDefsAfter(rev int) error {
	entries, err := os.ReadDir(filepath.Join(r.dir, indexesDirName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(name)
		if err != nil || n <= rev {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, indexesDirName, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
