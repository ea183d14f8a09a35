package livetree

// markEntry is the side-table record for one element. expanded is the
// presentation state seen at the last evaluation; a change of that state is
// the only trigger that re-opens a settled verdict. applied tracks whether
// the Matched transformation is currently in effect, and survives
// InvalidateAll so a later Rejected verdict can reverse it.
type markEntry struct {
	mark     Mark
	expanded bool
	applied  bool
}

// MarkStore is the out-of-band idempotence table, keyed by element
// identity. It is owned by a single goroutine and is not safe for
// concurrent use.
type MarkStore struct {
	entries map[Key]markEntry
}

// NewMarkStore returns an empty store.
func NewMarkStore() *MarkStore {
	return &MarkStore{entries: make(map[Key]markEntry)}
}

// Get returns the mark for key, Unseen when the element was never evaluated.
func (s *MarkStore) Get(key Key) Mark {
	return s.entries[key].mark
}

// Set records a verdict without touching the recorded presentation state.
func (s *MarkStore) Set(key Key, m Mark) {
	e := s.entries[key]
	e.mark = m
	s.entries[key] = e
}

// record stores the verdict together with the presentation state it was
// computed against.
func (s *MarkStore) record(c Candidate, m Mark) {
	e := s.entries[c.Key]
	e.mark = m
	e.expanded = c.Expanded
	s.entries[c.Key] = e
}

// Applied reports whether the Matched transformation is in effect for key.
func (s *MarkStore) Applied(key Key) bool {
	return s.entries[key].applied
}

func (s *MarkStore) setApplied(key Key, applied bool) {
	e := s.entries[key]
	e.applied = applied
	s.entries[key] = e
}

// NeedsEval applies the sticky re-entry rule: an element is evaluated when
// it is Unseen or when its expanded state flipped since its last
// evaluation. Settled elements are skipped, which keeps a scan
// proportional to the number of new elements.
func (s *MarkStore) NeedsEval(c Candidate) bool {
	e, ok := s.entries[c.Key]
	if !ok || e.mark == Unseen {
		return true
	}
	return e.expanded != c.Expanded
}

// Settled reports whether key carries a Matched or Rejected mark.
func (s *MarkStore) Settled(key Key) bool {
	m := s.Get(key)
	return m == Matched || m == Rejected
}

// InvalidateAll resets every tracked mark to Unseen. Transformation state
// is left alone: the next scan re-evaluates and reverses where needed.
func (s *MarkStore) InvalidateAll() {
	for k, e := range s.entries {
		e.mark = Unseen
		s.entries[k] = e
	}
}

// Reset drops every entry, applied state included. Used when the keys
// themselves stop meaning anything, e.g. after the page loaded a new
// document.
func (s *MarkStore) Reset() {
	clear(s.entries)
}

// Forget drops the entry for an element that left the tree for good.
func (s *MarkStore) Forget(key Key) {
	delete(s.entries, key)
}

// Len returns the number of tracked elements.
func (s *MarkStore) Len() int { return len(s.entries) }

// Counts returns the number of matched and rejected elements.
func (s *MarkStore) Counts() (matched, rejected int) {
	for _, e := range s.entries {
		switch e.mark {
		case Matched:
			matched++
		case Rejected:
			rejected++
		}
	}
	return matched, rejected
}
