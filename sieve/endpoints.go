package sieve

import (
	"context"
	"errors"

	"github.com/hazyhaar/domsieve/clip"
	"github.com/hazyhaar/domsieve/kit"
)

// Requests shared by the HTTP API and the MCP tools.
type (
	KeywordRequest struct {
		Keyword string `json:"keyword"`
	}
	DisabledRequest struct {
		Disabled bool `json:"disabled"`
	}
	PageRequest struct {
		PageID string `json:"page_id"`
	}
	SearchRequest struct {
		Query string `json:"query"`
	}
	ClipListRequest struct {
		Limit int `json:"limit"`
	}
	ClipGetRequest struct {
		ID string `json:"id"`
	}
	ClipRequest struct {
		PageID string `json:"page_id,omitempty"`
		clip.Source
	}
)

// KeywordResult answers keyword edits.
type KeywordResult struct {
	Keyword  string   `json:"keyword"`
	Added    bool     `json:"added,omitempty"`
	Removed  bool     `json:"removed,omitempty"`
	Keywords []string `json:"keywords"`
}

var errMissingField = errors.New("sieve: missing required field")

// endpointSet is every control operation as a kit.Endpoint.
type endpointSet struct {
	rules, addKeyword, removeKeyword, setDisabled kit.Endpoint
	pages, pageStats, scan                        kit.Endpoint
	targets, clips, clipGet, clip                 kit.Endpoint
}

func (w *Watcher) endpoints() endpointSet {
	wrap := func(op string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.Logging(w.logger, op))(ep)
	}
	keywords := func(ctx context.Context, kw string, added, removed bool) (any, error) {
		rs, err := w.Rules(ctx)
		if err != nil {
			return nil, err
		}
		return KeywordResult{Keyword: kw, Added: added, Removed: removed, Keywords: nonNil(rs.Keywords)}, nil
	}

	return endpointSet{
		rules: wrap("rules.get", func(ctx context.Context, _ any) (any, error) {
			return w.Rules(ctx)
		}),
		addKeyword: wrap("rules.add_keyword", func(ctx context.Context, req any) (any, error) {
			r := req.(KeywordRequest)
			added, err := w.AddKeyword(ctx, r.Keyword)
			if err != nil {
				return nil, err
			}
			return keywords(ctx, r.Keyword, added, false)
		}),
		removeKeyword: wrap("rules.remove_keyword", func(ctx context.Context, req any) (any, error) {
			r := req.(KeywordRequest)
			if err := w.RemoveKeyword(ctx, r.Keyword); err != nil {
				return nil, err
			}
			return keywords(ctx, r.Keyword, false, true)
		}),
		setDisabled: wrap("rules.set_disabled", func(ctx context.Context, req any) (any, error) {
			r := req.(DisabledRequest)
			if err := w.SetDisabled(ctx, r.Disabled); err != nil {
				return nil, err
			}
			return w.Rules(ctx)
		}),
		pages: wrap("pages.list", func(context.Context, any) (any, error) {
			return w.Pages(), nil
		}),
		pageStats: wrap("pages.stats", func(_ context.Context, req any) (any, error) {
			return w.Page(req.(PageRequest).PageID)
		}),
		scan: wrap("pages.scan", func(ctx context.Context, req any) (any, error) {
			return w.Scan(ctx, req.(PageRequest).PageID)
		}),
		targets: wrap("notion.search", func(ctx context.Context, req any) (any, error) {
			return w.Targets(ctx, req.(SearchRequest).Query)
		}),
		clips: wrap("clips.list", func(ctx context.Context, req any) (any, error) {
			return w.Clips(ctx, req.(ClipListRequest).Limit)
		}),
		clipGet: wrap("clips.get", func(ctx context.Context, req any) (any, error) {
			r := req.(ClipGetRequest)
			if r.ID == "" {
				return nil, errMissingField
			}
			return w.ClipRecord(ctx, r.ID)
		}),
		clip: wrap("clips.save", func(ctx context.Context, req any) (any, error) {
			r := req.(ClipRequest)
			if r.ItemHTML == "" {
				return nil, errMissingField
			}
			return w.Clip(ctx, r.PageID, r.Source), nil
		}),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
