package sieve

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/livetree/htmltree"
	"github.com/hazyhaar/domsieve/sieve/internal/fetcher"
)

// OnceOptions configures RunOnce.
type OnceOptions struct {
	Profile string
	Rules   livetree.RuleSet
	// Overrides for the profile, usually Config.Profiles[Profile].
	Override ProfileConfig
	// Render is used by the render profile for container frames.
	Render RenderConfig
	Logger *slog.Logger
}

// OnceResult is the outcome of a one-shot run.
type OnceResult struct {
	URL      string              `json:"url"`
	Shell    bool                `json:"shell,omitempty"`
	Report   livetree.ScanReport `json:"report"`
	Verdicts []OnceVerdict       `json:"verdicts"`
	HTML     string              `json:"-"`
}

// OnceVerdict is one classified candidate.
type OnceVerdict struct {
	Key    livetree.Key  `json:"key"`
	Mark   livetree.Mark `json:"mark"`
	Reason string        `json:"reason,omitempty"`
	Text   string        `json:"text,omitempty"`
}

// RunOnce loads src (a file or URL), runs the initial scan of the profile
// over it in memory and returns the verdicts with the transformed
// document.
func RunOnce(ctx context.Context, src string, opts OnceOptions) (*OnceResult, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	prof, err := ResolveProfile(opts.Profile, opts.Override)
	if err != nil {
		return nil, err
	}
	doc, err := fetcher.New(fetcher.WithLogger(opts.Logger)).Load(ctx, src)
	if err != nil {
		return nil, err
	}
	if doc.Shell {
		opts.Logger.Warn("sieve: document looks script-rendered, results may be empty", "url", doc.URL)
	}
	return runOnceTree(ctx, doc.URL, doc.HTML, prof, opts)
}

func runOnceTree(ctx context.Context, docURL string, body []byte, prof Profile, opts OnceOptions) (*OnceResult, error) {
	tree, err := htmltree.Parse(bytes.NewReader(body), htmltree.Options{Watch: prof.Query.Watch, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	res := &OnceResult{URL: docURL}
	rs := opts.Rules
	if prof.Name == ProfileFilter {
		rs = newFixedAds(RulesConfig{AdSelectors: rs.AdSelectors, AdLabels: rs.AdLabels}).apply(rs)
	}

	scanned := make(chan livetree.ScanReport, 1)
	eng, err := livetree.New(livetree.Config{
		Name:        "once",
		Tree:        tree,
		Predicate:   prof.Predicate,
		Transformer: prof.transformer(newRenderer(opts.Render)),
		Query:       prof.Query,
		Rules:       rs,
		Debounce:    prof.Debounce,
		Logger:      opts.Logger,
		Hooks: livetree.Hooks{
			OnVerdict: func(c livetree.Candidate, v livetree.Verdict, _ livetree.Mark) {
				res.Verdicts = append(res.Verdicts, OnceVerdict{Key: c.Key, Mark: v.Mark, Reason: v.Reason, Text: c.Text})
			},
			OnScan: func(r livetree.ScanReport) {
				select {
				case scanned <- r:
				default:
				}
			},
		},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	select {
	case res.Report = <-scanned:
	case err := <-done:
		return nil, fmt.Errorf("sieve: engine stopped before the first scan: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	cancel()
	<-done
	res.HTML = tree.HTML()
	return res, nil
}
