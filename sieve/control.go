package sieve

import (
	"context"
	"fmt"

	"github.com/hazyhaar/domsieve/clip"
	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/notion"
	"github.com/hazyhaar/domsieve/rules"
)

// PageStats describes one configured page.
type PageStats struct {
	ID       string         `json:"id"`
	URL      string         `json:"url"`
	Profile  string         `json:"profile"`
	Manual   bool           `json:"manual,omitempty"`
	Attached bool           `json:"attached"`
	Attaches int64          `json:"attaches"`
	Engine   livetree.Stats `json:"engine"`
	// Rendered counts diagram containers the renderer reported drawn.
	Rendered     int64 `json:"rendered"`
	RenderErrors int64 `json:"render_errors"`
	Clips        int64 `json:"clips"`
	ClipErrors   int64 `json:"clip_errors"`
}

func (st *pageState) stats() PageStats {
	s := PageStats{
		ID:           st.cfg.ID,
		URL:          st.cfg.URL,
		Profile:      st.profile.Name,
		Manual:       st.cfg.Manual,
		Attaches:     st.attaches.Load(),
		RenderErrors: st.renderErrors.Load(),
		Clips:        st.clips.Load(),
		ClipErrors:   st.clipErrors.Load(),
	}
	st.mu.Lock()
	s.Rendered = int64(len(st.rendered))
	eng := st.eng
	st.mu.Unlock()
	if eng != nil {
		s.Attached = true
		s.Engine = eng.Stats()
	}
	return s
}

// Pages lists every configured page in configuration order.
func (w *Watcher) Pages() []PageStats {
	out := make([]PageStats, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.pages[id].stats())
	}
	return out
}

// Page returns the stats of one page.
func (w *Watcher) Page(id string) (PageStats, error) {
	st, ok := w.pages[id]
	if !ok {
		return PageStats{}, fmt.Errorf("%w: %s", ErrUnknownPage, id)
	}
	return st.stats(), nil
}

// Scan runs an immediate rescan of page id.
func (w *Watcher) Scan(ctx context.Context, id string) (livetree.ScanReport, error) {
	st, ok := w.pages[id]
	if !ok {
		return livetree.ScanReport{}, fmt.Errorf("%w: %s", ErrUnknownPage, id)
	}
	eng := st.engine()
	if eng == nil {
		return livetree.ScanReport{}, fmt.Errorf("%w: %s", ErrNotAttached, id)
	}
	return eng.ScanNow(ctx)
}

// Rules returns the current rule set.
func (w *Watcher) Rules(ctx context.Context) (livetree.RuleSet, error) {
	return w.rules.Get(ctx)
}

func (w *Watcher) editor() (rules.Editor, error) {
	ed, ok := w.rules.(rules.Editor)
	if !ok {
		return nil, ErrReadOnlyRules
	}
	return ed, nil
}

// AddKeyword adds kw to the rule source and reports whether it was new.
// Every page picks the change up through its subscription.
func (w *Watcher) AddKeyword(ctx context.Context, kw string) (bool, error) {
	ed, err := w.editor()
	if err != nil {
		return false, err
	}
	return ed.AddKeyword(ctx, kw)
}

// RemoveKeyword removes kw from the rule source.
func (w *Watcher) RemoveKeyword(ctx context.Context, kw string) error {
	ed, err := w.editor()
	if err != nil {
		return err
	}
	return ed.RemoveKeyword(ctx, kw)
}

// SetDisabled switches every engine off or back on. Turning it back on
// triggers an immediate rescan.
func (w *Watcher) SetDisabled(ctx context.Context, disabled bool) error {
	ed, err := w.editor()
	if err != nil {
		return err
	}
	return ed.SetDisabled(ctx, disabled)
}

// Targets searches the databases and pages the Notion integration can
// write to.
func (w *Watcher) Targets(ctx context.Context, query string) ([]notion.Target, error) {
	return w.notion.Search(ctx, query)
}

// Clips lists archived clips, newest first.
func (w *Watcher) Clips(ctx context.Context, limit int) ([]clip.Record, error) {
	return w.archive.List(ctx, limit)
}

// ClipRecord returns one archived clip with its markdown.
func (w *Watcher) ClipRecord(ctx context.Context, id string) (clip.Record, error) {
	return w.archive.Get(ctx, id)
}
