// Package rules provides the sources a live tree engine takes its rule set
// from: a static in-memory set, a YAML file watched with fsnotify, and a
// SQLite table polled for foreign commits. All three publish complete
// replacement rule sets to their subscribers.
package rules

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/hazyhaar/domsieve/livetree"
)

var (
	// ErrNotFound is returned when removing a keyword the set does not hold.
	ErrNotFound = errors.New("rules: keyword not found")
	// ErrEmptyKeyword is returned for blank keywords.
	ErrEmptyKeyword = errors.New("rules: empty keyword")
)

// Source delivers rule sets. Subscribe channels carry every change made
// after the call; read Get for the current set. A subscriber that falls
// behind only ever sees the newest set.
type Source interface {
	Get(ctx context.Context) (livetree.RuleSet, error)
	Subscribe(ctx context.Context) <-chan livetree.RuleSet
}

// Editor is implemented by sources that can be changed at runtime.
type Editor interface {
	Source
	// AddKeyword appends kw and reports whether it was new.
	AddKeyword(ctx context.Context, kw string) (bool, error)
	RemoveKeyword(ctx context.Context, kw string) error
	SetDisabled(ctx context.Context, disabled bool) error
}

// Updater is the consumer side of a rule feed, e.g. *livetree.Engine.
type Updater interface {
	Update(rs livetree.RuleSet)
}

// Feed pushes every rule set published by src to dst until ctx is done.
func Feed(ctx context.Context, src Source, dst ...Updater) {
	for rs := range src.Subscribe(ctx) {
		for _, u := range dst {
			u.Update(rs)
		}
	}
}

// hub fans rule sets out to subscribers with latest-wins delivery.
type hub struct {
	mu   sync.Mutex
	subs map[chan livetree.RuleSet]struct{}
}

func (h *hub) subscribe(ctx context.Context) <-chan livetree.RuleSet {
	ch := make(chan livetree.RuleSet, 1)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan livetree.RuleSet]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

func (h *hub) publish(rs livetree.RuleSet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- rs:
			continue
		default:
		}
		// Replace the undelivered value.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- rs:
		default:
		}
	}
}

func addKeyword(rs livetree.RuleSet, kw string) (livetree.RuleSet, bool, error) {
	kw = strings.TrimSpace(kw)
	if kw == "" {
		return rs, false, ErrEmptyKeyword
	}
	if slices.Contains(rs.Keywords, kw) {
		return rs, false, nil
	}
	rs.Keywords = append(slices.Clone(rs.Keywords), kw)
	return rs, true, nil
}

func removeKeyword(rs livetree.RuleSet, kw string) (livetree.RuleSet, error) {
	kw = strings.TrimSpace(kw)
	i := slices.Index(rs.Keywords, kw)
	if i < 0 {
		return rs, ErrNotFound
	}
	rs.Keywords = slices.Delete(slices.Clone(rs.Keywords), i, i+1)
	return rs, nil
}
