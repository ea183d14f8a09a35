package livetree

import "testing"

func TestMarkStore_StickyReentry(t *testing.T) {
	s := NewMarkStore()
	c := Candidate{Key: 1}

	if !s.NeedsEval(c) {
		t.Fatal("unseen element must be evaluated")
	}
	s.record(c, Matched)
	if s.NeedsEval(c) {
		t.Fatal("settled element must be skipped")
	}

	c.Expanded = true
	if !s.NeedsEval(c) {
		t.Fatal("expanding a settled element must re-open it")
	}
	s.record(c, Rejected)
	if s.NeedsEval(c) {
		t.Fatal("expanded element stays rejected while expanded")
	}

	c.Expanded = false
	if !s.NeedsEval(c) {
		t.Fatal("collapsing must re-open the element")
	}
}

func TestMarkStore_InvalidateKeepsApplied(t *testing.T) {
	s := NewMarkStore()
	s.record(Candidate{Key: 1}, Matched)
	s.setApplied(1, true)
	s.record(Candidate{Key: 2}, Rejected)

	s.InvalidateAll()

	if s.Get(1) != Unseen || s.Get(2) != Unseen {
		t.Fatalf("marks after invalidate: %s %s", s.Get(1), s.Get(2))
	}
	if !s.Applied(1) {
		t.Error("applied flag lost on invalidate")
	}
	if s.Settled(1) {
		t.Error("invalidated entry reported settled")
	}
}

func TestMarkStore_CountsAndForget(t *testing.T) {
	s := NewMarkStore()
	s.Set(1, Matched)
	s.Set(2, Rejected)
	s.Set(3, Rejected)

	m, r := s.Counts()
	if m != 1 || r != 2 {
		t.Fatalf("counts: got %d/%d, want 1/2", m, r)
	}
	s.Forget(2)
	if s.Len() != 2 {
		t.Errorf("len after forget: got %d, want 2", s.Len())
	}
	if s.Get(2) != Unseen {
		t.Errorf("forgotten key: got %s", s.Get(2))
	}
}

func TestMarkStore_Reset(t *testing.T) {
	s := NewMarkStore()
	s.record(Candidate{Key: 1}, Matched)
	s.setApplied(1, true)

	s.Reset()

	if s.Len() != 0 || s.Applied(1) || s.Settled(1) {
		t.Errorf("after reset: len=%d applied=%v settled=%v", s.Len(), s.Applied(1), s.Settled(1))
	}
}
