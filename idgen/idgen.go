// Package idgen generates identifiers for events, rendered diagrams and
// archived clips. The strategy is a Generator chosen at startup; tests swap
// in a deterministic one.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 produces RFC 9562 version 7 UUIDs: time-sortable, so archive rows
// list in creation order.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Short produces n-character base-36 IDs, used where the ID ends up in DOM
// attributes or URLs.
func Short(n int) Generator {
	return func() string {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand: " + err.Error())
		}
		for i, b := range buf {
			buf[i] = alphabet[int(b)%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed tags every ID from gen, e.g. "evt_" or "clip_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence produces prefix-1, prefix-2, ... for tests.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s%d", prefix, n.Add(1)) }
}

var (
	// Event tags sink events.
	Event = Prefixed("evt_", UUIDv7())
	// Render tags diagram containers inserted into pages.
	Render = Prefixed("rnd_", Short(10))
	// Clip keys archived articles.
	Clip = Prefixed("clip_", UUIDv7())
)

// Valid reports whether s is a UUID, with or without one of our prefixes.
func Valid(s string) bool {
	for _, p := range []string{"evt_", "clip_"} {
		if len(s) > len(p) && s[:len(p)] == p {
			s = s[len(p):]
			break
		}
	}
	_, err := uuid.Parse(s)
	return err == nil
}
