package rules

import (
	"context"
	"sync"

	"github.com/hazyhaar/domsieve/livetree"
)

// Static is an in-memory rule source, edited through its methods only.
type Static struct {
	mu  sync.Mutex
	rs  livetree.RuleSet
	hub hub
}

// NewStatic returns a source holding rs.
func NewStatic(rs livetree.RuleSet) *Static {
	return &Static{rs: rs.Normalize()}
}

func (s *Static) Get(context.Context) (livetree.RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rs, nil
}

func (s *Static) Subscribe(ctx context.Context) <-chan livetree.RuleSet {
	return s.hub.subscribe(ctx)
}

// Set replaces the rule set and notifies subscribers when it changed.
func (s *Static) Set(rs livetree.RuleSet) {
	rs = rs.Normalize()
	s.mu.Lock()
	changed := !s.rs.Equal(rs)
	s.rs = rs
	s.mu.Unlock()
	if changed {
		s.hub.publish(rs)
	}
}

func (s *Static) AddKeyword(_ context.Context, kw string) (bool, error) {
	s.mu.Lock()
	rs, added, err := addKeyword(s.rs, kw)
	if err != nil || !added {
		s.mu.Unlock()
		return false, err
	}
	s.rs = rs
	s.mu.Unlock()
	s.hub.publish(rs)
	return true, nil
}

func (s *Static) RemoveKeyword(_ context.Context, kw string) error {
	s.mu.Lock()
	rs, err := removeKeyword(s.rs, kw)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.rs = rs
	s.mu.Unlock()
	s.hub.publish(rs)
	return nil
}

func (s *Static) SetDisabled(_ context.Context, disabled bool) error {
	s.mu.Lock()
	rs := s.rs
	rs.Disabled = disabled
	s.mu.Unlock()
	s.Set(rs)
	return nil
}
