package revdb

// PageContainer pairs the baseline view of a page with the working copy a
// transaction writes to. For key-value pages Complete is the combined view of
// all fragments up to the base revision and Modified is the fragment that
// will be written; for all other pages both point to the same cloned page.
type PageContainer struct {
	Complete Page
	Modified Page

	// nextFragments become the written page's reference fragments.
	nextFragments []int64
}

func newSinglePageContainer(p Page) *PageContainer {
	return &PageContainer{Complete: p, Modified: p}
}

func (c *PageContainer) completeKV() *KeyValuePage {
	return c.Complete.(*KeyValuePage)
}

func (c *PageContainer) modifiedKV() *KeyValuePage {
	return c.Modified.(*KeyValuePage)
}

// intentLog is the only place uncommitted pages live. It is keyed by
// reference identity and owned by one transaction.
type intentLog struct {
	entries map[*PageReference]*PageContainer
}

func newIntentLog() *intentLog {
	return &intentLog{entries: make(map[*PageReference]*PageContainer)}
}

// get returns ok == false when ref has no container.
func (l *intentLog) get(ref *PageReference) (*PageContainer, bool) {
	if ref == nil {
		return nil, false
	}
	c, ok := l.entries[ref]
	return c, ok
}

func (l *intentLog) put(ref *PageReference, c *PageContainer) {
	if ref == nil {
		panic("intentLog.put: nil reference")
	}
	l.entries[ref] = c
}

func (l *intentLog) remove(ref *PageReference) {
	delete(l.entries, ref)
}

func (l *intentLog) truncate() {
	clear(l.entries)
}

func (l *intentLog) len() int {
	return len(l.entries)
}
