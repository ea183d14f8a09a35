// Package livetree implements an incremental classifier for a live,
// continuously mutating document tree.
//
// A Tree backend reports mutation batches and answers candidate queries.
// The Engine debounces significant batches, selects candidates, classifies
// the ones that have not been evaluated yet, records a Mark per element and
// applies a Transformer exactly once per verdict transition.
//
// All tree and mark work happens on the goroutine running Engine.Run. Mutation
// feeds, timers and rule updates reach that goroutine over channels, so the
// Mark Store needs no locking. Backends that call into the engine from other
// goroutines must go through the channel-based methods (Update, ScanNow).
package livetree

import (
	"context"
	"encoding/json"
	"strings"
)

// Key is the stable identity of an element inside one Tree. Keys are
// assigned by the backend and never written into the element itself.
type Key uint64

// Mark is the idempotence state of a candidate element.
type Mark int

const (
	Unseen Mark = iota
	Matched
	Rejected
)

func (m Mark) String() string {
	switch m {
	case Matched:
		return "matched"
	case Rejected:
		return "rejected"
	default:
		return "unseen"
	}
}

// MarshalText lets marks appear as words in JSON events.
func (m Mark) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Verdict is the classifier output for one candidate.
type Verdict struct {
	Mark   Mark   `json:"mark"`
	Reason string `json:"reason,omitempty"` // which rule fired, diagnostics only
}

// Candidate holds the facts a backend computed for one candidate element
// during a scan. Predicates only ever look at these facts.
type Candidate struct {
	Key        Key    `json:"key"`
	Anchor     Key    `json:"anchor"`      // closest Query.Anchor ancestor, or Key itself
	Text       string `json:"text"`        // flattened visible text
	Raw        string `json:"raw"`         // verbatim textContent, only with Query.RawText
	Class      string `json:"class"`       // class attribute of the element
	Expanded   bool   `json:"expanded"`    // contains a Query.Expanded match
	InModal    bool   `json:"in_modal"`    // has a Query.Modal ancestor
	Visible    bool   `json:"visible"`     // rendered with a non-zero box
	HasControl bool   `json:"has_control"` // anchor already holds a Query.Control match
	AdSelector string `json:"ad_selector"` // first ad selector the element matches
	AdLabel    string `json:"ad_label"`    // ad label found as exact descendant text
	Detached   bool   `json:"detached"`    // element left the tree during the scan
}

// Query describes what a backend must compute for a scan. Each selector
// list is evaluated independently; a selector that fails to parse or
// matches nothing is skipped, never an error.
type Query struct {
	Candidates []string `json:"candidates" yaml:"candidates"`
	Anchor     string   `json:"anchor,omitempty" yaml:"anchor"`
	Watch      string   `json:"watch,omitempty" yaml:"watch"`
	Expanded   string   `json:"expanded,omitempty" yaml:"expanded"`
	Modal      string   `json:"modal,omitempty" yaml:"modal"`
	Control    string   `json:"control,omitempty" yaml:"control"`
	// RawText asks for Candidate.Raw. Code blocks need their line breaks.
	RawText     bool     `json:"raw_text,omitempty" yaml:"raw_text"`
	AdSelectors []string `json:"ad_selectors,omitempty" yaml:"-"`
	AdLabels    []string `json:"ad_labels,omitempty" yaml:"-"`
}

// WithRules returns a copy of q carrying the structural ad rules of rs.
func (q Query) WithRules(rs RuleSet) Query {
	q.AdSelectors = append([]string(nil), rs.AdSelectors...)
	q.AdLabels = append([]string(nil), rs.AdLabels...)
	return q
}

// Added describes one node added to the tree in a single update.
type Added struct {
	Key     Key  `json:"key"`
	Bearing bool `json:"bearing"` // node is, or contains, a watched element
	Owned   bool `json:"owned"`   // node was inserted by a Transformer
}

// Batch is one synchronous update of the tree as reported by a backend.
type Batch struct {
	Added   []Added `json:"added"`
	Removed int     `json:"removed,omitempty"`
}

// Tree is a live document backend.
type Tree interface {
	// Candidates evaluates q against the current tree and returns the
	// matching elements in document order, duplicates removed.
	Candidates(ctx context.Context, q Query) ([]Candidate, error)
	// Batches delivers mutation batches until the tree is closed.
	Batches() <-chan Batch
	// SetHidden hides or restores an element.
	SetHidden(ctx context.Context, key Key, hidden bool) error
	// InsertAfter inserts an owned HTML fragment as the next sibling of key.
	InsertAfter(ctx context.Context, key Key, fragment string) error
	// Append appends an owned HTML fragment as the last child of key.
	Append(ctx context.Context, key Key, fragment string) error
}

// RuleSet is the mutable classification criteria, replaced wholesale by a
// rule source. Keywords feed the keyword predicate; AdSelectors and AdLabels
// feed the structural ad predicate.
type RuleSet struct {
	Keywords        []string `json:"keywords" yaml:"keywords"`
	AdSelectors     []string `json:"ad_selectors,omitempty" yaml:"ad_selectors"`
	AdLabels        []string `json:"ad_labels,omitempty" yaml:"ad_labels"`
	CaseInsensitive bool     `json:"case_insensitive,omitempty" yaml:"case_insensitive"`
	Disabled        bool     `json:"disabled,omitempty" yaml:"disabled"`
}

// Normalize trims blanks and removes duplicate entries while keeping the
// first-seen order.
func (rs RuleSet) Normalize() RuleSet {
	rs.Keywords = dedupe(rs.Keywords)
	rs.AdSelectors = dedupe(rs.AdSelectors)
	rs.AdLabels = dedupe(rs.AdLabels)
	return rs
}

// Equal reports whether two rule sets classify identically.
func (rs RuleSet) Equal(other RuleSet) bool {
	a, _ := json.Marshal(rs.Normalize())
	b, _ := json.Marshal(other.Normalize())
	return string(a) == string(b)
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
