package livetree

import "strings"

// Predicate decides whether one candidate matches the active rules. It
// must be a pure function of its arguments: no memoization beyond the Mark
// Store, no tree access.
type Predicate interface {
	Classify(c Candidate, rs RuleSet) Verdict
}

// PredicateFunc adapts a plain function to Predicate.
type PredicateFunc func(c Candidate, rs RuleSet) Verdict

func (f PredicateFunc) Classify(c Candidate, rs RuleSet) Verdict { return f(c, rs) }

var rejected = Verdict{Mark: Rejected}

func matched(reason string) Verdict { return Verdict{Mark: Matched, Reason: reason} }

// Keywords matches when the candidate text contains any keyword as a
// literal substring. Matching is case-sensitive unless the rule set says
// otherwise. An empty keyword list rejects everything.
type Keywords struct{}

func (Keywords) Classify(c Candidate, rs RuleSet) Verdict {
	if len(rs.Keywords) == 0 || c.Text == "" {
		return rejected
	}
	text := c.Text
	if rs.CaseInsensitive {
		text = strings.ToLower(text)
	}
	for _, kw := range rs.Keywords {
		if kw == "" {
			continue
		}
		needle := kw
		if rs.CaseInsensitive {
			needle = strings.ToLower(kw)
		}
		if strings.Contains(text, needle) {
			return matched("keyword:" + kw)
		}
	}
	return rejected
}

// Ads matches promoted content by structure: the element matched a fixed
// ad selector, or one of its descendants reads exactly as an ad label. It
// ignores the keyword list entirely.
type Ads struct{}

func (Ads) Classify(c Candidate, _ RuleSet) Verdict {
	if c.AdSelector != "" {
		return matched("ad-selector:" + c.AdSelector)
	}
	if c.AdLabel != "" {
		return matched("ad-label:" + c.AdLabel)
	}
	return rejected
}

// DiagramKeywords are the leading tokens of a mermaid diagram description.
var DiagramKeywords = []string{
	"graph ", "graph\n",
	"flowchart ", "flowchart\n",
	"sequenceDiagram",
	"classDiagram",
	"stateDiagram",
	"erDiagram",
	"journey",
	"gantt",
	"pie ", "pie\n",
	"mindmap",
	"timeline",
	"gitGraph",
	"C4Context",
	"quadrantChart",
	"requirementDiagram",
	"sankey-beta",
	"xychart-beta",
	"radarChart",
	"block-beta",
	"packet-beta",
	"kanban",
	"architecture-beta",
}

// Diagram matches code blocks that carry a mermaid language class or whose
// text opens with a diagram keyword.
type Diagram struct{}

func (Diagram) Classify(c Candidate, _ RuleSet) Verdict {
	if strings.Contains(c.Class, "mermaid") {
		return matched("diagram:class")
	}
	text := c.Raw
	if text == "" {
		text = c.Text
	}
	if kw, ok := DiagramKeyword(text); ok {
		return matched("diagram:" + strings.TrimSpace(kw))
	}
	return rejected
}

// DiagramKeyword returns the diagram keyword text starts with, comparing
// exactly first and then case-insensitively.
func DiagramKeyword(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	for _, kw := range DiagramKeywords {
		if strings.HasPrefix(trimmed, kw) || strings.HasPrefix(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// Controls matches visible candidates that do not hold our control yet.
type Controls struct{}

func (Controls) Classify(c Candidate, _ RuleSet) Verdict {
	if !c.Visible {
		return Verdict{Mark: Rejected, Reason: "hidden"}
	}
	if c.HasControl {
		return Verdict{Mark: Rejected, Reason: "present"}
	}
	return matched("control:absent")
}

// AnyOf matches when any of its predicates matches; the first match wins
// and its reason is kept.
type AnyOf []Predicate

func (a AnyOf) Classify(c Candidate, rs RuleSet) Verdict {
	for _, p := range a {
		if v := p.Classify(c, rs); v.Mark == Matched {
			return v
		}
	}
	return rejected
}

// Guarded wraps a predicate with the reading-context override: an element
// that is expanded or shown inside a modal is never matched, whatever its
// text says. The verdict holds until the element collapses again, which
// the Mark Store detects as a re-entry trigger.
type Guarded struct {
	Inner Predicate
}

func (g Guarded) Classify(c Candidate, rs RuleSet) Verdict {
	if c.Expanded {
		return Verdict{Mark: Rejected, Reason: "expanded"}
	}
	if c.InModal {
		return Verdict{Mark: Rejected, Reason: "modal"}
	}
	return g.Inner.Classify(c, rs)
}

// classify runs p behind the guard every engine applies: an element that
// left the tree mid-scan is rejected without evaluation.
func classify(p Predicate, c Candidate, rs RuleSet) Verdict {
	if c.Detached {
		return Verdict{Mark: Rejected, Reason: "detached"}
	}
	return p.Classify(c, rs)
}
