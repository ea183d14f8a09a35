package idgen

import (
	"strings"
	"testing"
)

func TestShort(t *testing.T) {
	gen := Short(10)
	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		id := gen()
		if len(id) != 10 {
			t.Fatalf("length: got %d in %q", len(id), id)
		}
		if strings.Trim(id, alphabet) != "" {
			t.Fatalf("unexpected character in %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate at %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		id := gen()
		if id <= prev {
			t.Fatalf("not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestPrefixedAndValid(t *testing.T) {
	id := Event()
	if !strings.HasPrefix(id, "evt_") {
		t.Fatalf("Event: %q", id)
	}
	if !Valid(id) || !Valid(Clip()) {
		t.Error("generated IDs rejected")
	}
	if Valid("evt_nope") || Valid("") {
		t.Error("garbage accepted")
	}
	if !strings.HasPrefix(Render(), "rnd_") {
		t.Error("Render prefix")
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("x-")
	if a, b := gen(), gen(); a != "x-1" || b != "x-2" {
		t.Errorf("got %q %q", a, b)
	}
}
