package sieve

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/render"
	"github.com/hazyhaar/domsieve/sieve/internal/config"
)

// Built-in structural ad rules for the filter profile. Configured ad rules
// replace them.
var (
	DefaultAdSelectors = []string{".TopstoryItem--advertCard", ".Pc-feedAd", ".Pc-feedAd-container"}
	DefaultAdLabels    = []string{"广告"}
)

// ControlClass marks the save control appended by the clip profile.
const ControlClass = "notion-save-btn"

// ControlLabel is the idle label of the save control.
const ControlLabel = "📝 Notion"

// Profile is everything an engine needs besides the tree.
type Profile struct {
	Name      string
	Query     livetree.Query
	Predicate livetree.Predicate
	Debounce  time.Duration
}

func builtin(name string) (Profile, bool) {
	switch name {
	case config.ProfileFilter:
		return Profile{
			Name: name,
			Query: livetree.Query{
				Candidates: []string{".Card.TopstoryItem", ".Card.PCPiecesItem", ".Card.SearchResult-Card"},
				// .RichContent flips is-collapsed in place on expand.
				Watch:    ".Card, .RichContent",
				Expanded: ".RichContent:not(.is-collapsed)",
				Modal:    ".Modal-wrapper",
			},
			Predicate: livetree.Guarded{Inner: livetree.AnyOf{livetree.Keywords{}, livetree.Ads{}}},
			Debounce:  100 * time.Millisecond,
		}, true
	case config.ProfileRender:
		return Profile{
			Name: name,
			Query: livetree.Query{
				Candidates: []string{
					"pre code",
					"code-block code",
					".code-block code",
					`[class*="code"] code`,
					`pre[class*="language-"]`,
					".markdown-body pre code",
					"message-content pre code",
					".response-content pre code",
					"[data-message-id] pre code",
				},
				Anchor:  "pre",
				Watch:   "pre, code",
				RawText: true,
			},
			Predicate: livetree.Diagram{},
			Debounce:  500 * time.Millisecond,
		}, true
	case config.ProfileClip:
		return Profile{
			Name: name,
			Query: livetree.Query{
				Candidates: []string{".ContentItem-actions"},
				Anchor:     ".ContentItem",
				Watch:      ".ContentItem",
				Control:    "." + ControlClass,
			},
			Predicate: livetree.Controls{},
			Debounce:  200 * time.Millisecond,
		}, true
	}
	return Profile{}, false
}

// ResolveProfile returns the built-in profile name with the configured
// overrides applied.
func ResolveProfile(name string, over config.ProfileConfig) (Profile, error) {
	p, ok := builtin(name)
	if !ok {
		return Profile{}, fmt.Errorf("sieve: unknown profile %q", name)
	}
	if len(over.Candidates) > 0 {
		p.Query.Candidates = append([]string(nil), over.Candidates...)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&p.Query.Anchor, over.Anchor)
	set(&p.Query.Watch, over.Watch)
	set(&p.Query.Expanded, over.Expanded)
	set(&p.Query.Modal, over.Modal)
	set(&p.Query.Control, over.Control)
	if over.Debounce > 0 {
		p.Debounce = over.Debounce
	}
	return p, nil
}

// transformer builds the profile's transformer. renderer is used by the
// render profile only.
func (p Profile) transformer(renderer livetree.Renderer) livetree.Transformer {
	switch p.Name {
	case config.ProfileRender:
		return &replaceOnce{inner: livetree.Replace{Renderer: renderer}, done: make(map[livetree.Key]bool)}
	case config.ProfileClip:
		return livetree.Augment{Control: saveControl{class: classOf(p.Query.Control)}}
	default:
		return livetree.Suppress{}
	}
}

// replaceOnce renders at most one container per anchor. A code block can
// be selected twice, as pre and as its code child, and both resolve to
// the same anchor. It runs on the engine goroutine only.
type replaceOnce struct {
	inner livetree.Replace
	done  map[livetree.Key]bool
}

func (r *replaceOnce) Apply(ctx context.Context, tree livetree.Tree, c livetree.Candidate, v livetree.Verdict) error {
	anchor := c.Anchor
	if anchor == 0 {
		anchor = c.Key
	}
	if v.Mark != livetree.Matched || r.done[anchor] {
		return nil
	}
	if err := r.inner.Apply(ctx, tree, c, v); err != nil {
		return err
	}
	r.done[anchor] = true
	return nil
}

func (r *replaceOnce) Reversible() bool { return false }

func (r *replaceOnce) Reset() { clear(r.done) }

// saveControl is the clip button. Its data-action is picked up by the
// page script.
type saveControl struct {
	class string
}

func (s saveControl) Fragment(livetree.Candidate) string {
	return fmt.Sprintf(`<button type="button" class="Button ContentItem-action %s" data-action="clip">%s</button>`,
		html.EscapeString(s.class), ControlLabel)
}

// classOf turns a ".name" control selector back into a class list entry.
func classOf(sel string) string {
	if len(sel) > 1 && sel[0] == '.' {
		return sel[1:]
	}
	return ControlClass
}

// fixedAds is the structural ad rule set applied on top of every rule set
// a source delivers. Ad rules are not user-editable.
type fixedAds struct {
	selectors, labels []string
}

func newFixedAds(rc config.RulesConfig) fixedAds {
	f := fixedAds{selectors: rc.AdSelectors, labels: rc.AdLabels}
	if len(f.selectors) == 0 {
		f.selectors = DefaultAdSelectors
	}
	if len(f.labels) == 0 {
		f.labels = DefaultAdLabels
	}
	return f
}

func (f fixedAds) apply(rs livetree.RuleSet) livetree.RuleSet {
	rs.AdSelectors = append([]string(nil), f.selectors...)
	rs.AdLabels = append([]string(nil), f.labels...)
	return rs
}

// renderer builds the diagram renderer for a page.
func newRenderer(rc config.RenderConfig) *render.Renderer {
	return render.NewRenderer(rc.PublicURL)
}
