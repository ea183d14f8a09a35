package livetree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Releaser is implemented by trees that can tell when an element became
// unreachable, so its mark can be dropped.
type Releaser interface {
	Released() <-chan Key
}

// Navigator is implemented by trees whose keys are scoped to one document.
// A receive on Navigated means a new document replaced the old one and
// every key handed out before is void.
type Navigator interface {
	Navigated() <-chan struct{}
}

// ScanReport summarises one completed rescan.
type ScanReport struct {
	Seq         uint64        `json:"seq"`
	Reason      string        `json:"reason"` // initial | mutation | rules | manual | document
	Skipped     bool          `json:"skipped,omitempty"`
	Candidates  int           `json:"candidates"`
	Evaluated   int           `json:"evaluated"`
	Matched     int           `json:"matched"`
	Rejected    int           `json:"rejected"`
	Transformed int           `json:"transformed"`
	Errors      int           `json:"errors"`
	Duration    time.Duration `json:"duration"`
}

// Hooks observe the engine. They run on the engine goroutine and must not
// block.
type Hooks struct {
	OnVerdict func(c Candidate, v Verdict, prev Mark)
	OnScan    func(r ScanReport)
	OnError   func(c Candidate, err error)
}

// Config configures an Engine.
type Config struct {
	Name        string // used in logs, e.g. the page id
	Tree        Tree
	Predicate   Predicate
	Transformer Transformer
	Query       Query
	Rules       RuleSet
	Debounce    time.Duration
	Logger      *slog.Logger
	Hooks       Hooks
}

// Stats are point-in-time counters, safe to read from any goroutine.
type Stats struct {
	Scans       int64 `json:"scans"`
	Batches     int64 `json:"batches"`
	Significant int64 `json:"significant"`
	Evaluated   int64 `json:"evaluated"`
	Matched     int64 `json:"matched"`
	Rejected    int64 `json:"rejected"`
	Transformed int64 `json:"transformed"`
	Errors      int64 `json:"errors"`
}

// Engine is the live tree classifier for one tree. Everything touching the
// tree or the Mark Store runs on the goroutine executing Run; other
// goroutines talk to it through Update and ScanNow.
type Engine struct {
	name   string
	tree   Tree
	pred   Predicate
	tf     Transformer
	query  Query
	logger *slog.Logger
	hooks  Hooks

	// Loop-owned state.
	rules RuleSet
	marks *MarkStore
	batch *batcher
	seq   uint64

	// Latest pending rule set, coalesced: only the newest one is applied.
	rulesMu      sync.Mutex
	pendingRules *RuleSet
	rulesCh      chan struct{}

	scanReq chan chan ScanReport
	running atomic.Bool

	scans, batches, significant    atomic.Int64
	evaluated, matchedN, rejectedN atomic.Int64
	transformed, errorsN           atomic.Int64
}

// New creates an Engine. Predicate and Transformer are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Tree == nil {
		return nil, errors.New("livetree: nil tree")
	}
	if cfg.Predicate == nil || cfg.Transformer == nil {
		return nil, errors.New("livetree: predicate and transformer are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		name:    cfg.Name,
		tree:    cfg.Tree,
		pred:    cfg.Predicate,
		tf:      cfg.Transformer,
		query:   cfg.Query,
		logger:  cfg.Logger.With("engine", cfg.Name),
		hooks:   cfg.Hooks,
		rules:   cfg.Rules.Normalize(),
		marks:   NewMarkStore(),
		rulesCh: make(chan struct{}, 1),
		scanReq: make(chan chan ScanReport),
	}
	e.batch = newBatcher(cfg.Debounce, e.marks.Settled)
	return e, nil
}

// Run performs the initial scan, then serves mutation batches, debounce
// signals, rule updates and manual scan requests until ctx is cancelled or
// the tree closes its batch channel.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("livetree: engine already running")
	}
	defer e.running.Store(false)
	defer e.batch.stop()

	// Content present before observation starts is only found by this scan.
	e.scan(ctx, "initial")

	batches := e.tree.Batches()
	var released <-chan Key
	if r, ok := e.tree.(Releaser); ok {
		released = r.Released()
	}
	var navigated <-chan struct{}
	if n, ok := e.tree.(Navigator); ok {
		navigated = n.Navigated()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case b, ok := <-batches:
			if !ok {
				e.logger.Info("livetree: tree closed")
				return nil
			}
			e.batches.Add(1)
			if e.batch.offer(b) {
				e.significant.Add(1)
			}

		case <-e.batch.C():
			e.batch.fired()
			e.scan(ctx, "mutation")

		case <-e.rulesCh:
			if rs, ok := e.takeRules(); ok {
				e.applyRules(ctx, rs)
			}

		case reply := <-e.scanReq:
			reply <- e.scan(ctx, "manual")

		case key := <-released:
			e.marks.Forget(key)

		case <-navigated:
			e.newDocument(ctx)
		}
	}
}

// Update hands a replacement rule set to the engine. It never blocks: when
// several updates arrive before the engine picks them up, only the last
// one is applied.
func (e *Engine) Update(rs RuleSet) {
	e.rulesMu.Lock()
	e.pendingRules = &rs
	e.rulesMu.Unlock()
	select {
	case e.rulesCh <- struct{}{}:
	default:
	}
}

func (e *Engine) takeRules() (RuleSet, bool) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	if e.pendingRules == nil {
		return RuleSet{}, false
	}
	rs := *e.pendingRules
	e.pendingRules = nil
	return rs, true
}

// ScanNow asks the running engine for an immediate rescan and waits for
// its report.
func (e *Engine) ScanNow(ctx context.Context) (ScanReport, error) {
	reply := make(chan ScanReport, 1)
	select {
	case e.scanReq <- reply:
	case <-ctx.Done():
		return ScanReport{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return ScanReport{}, ctx.Err()
	}
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Scans:       e.scans.Load(),
		Batches:     e.batches.Load(),
		Significant: e.significant.Load(),
		Evaluated:   e.evaluated.Load(),
		Matched:     e.matchedN.Load(),
		Rejected:    e.rejectedN.Load(),
		Transformed: e.transformed.Load(),
		Errors:      e.errorsN.Load(),
	}
}

// applyRules swaps the rule set and re-classifies every element: rule
// changes apply retroactively, so hidden items may reappear.
func (e *Engine) applyRules(ctx context.Context, rs RuleSet) {
	rs = rs.Normalize()
	e.logger.Info("livetree: rules updated",
		"keywords", len(rs.Keywords), "ad_selectors", len(rs.AdSelectors),
		"disabled", rs.Disabled)
	e.rules = rs
	e.marks.InvalidateAll()
	// The full rescan below covers whatever a pending timer owed.
	e.batch.stop()
	e.scan(ctx, "rules")
}

// newDocument drops everything keyed by the previous document and scans
// the new one from scratch.
func (e *Engine) newDocument(ctx context.Context) {
	e.logger.Info("livetree: new document, marks reset", "tracked", e.marks.Len())
	e.marks.Reset()
	if r, ok := e.tf.(Resetter); ok {
		r.Reset()
	}
	e.batch.stop()
	e.scan(ctx, "document")
}

func (e *Engine) scan(ctx context.Context, reason string) (rep ScanReport) {
	start := time.Now()
	e.seq++
	rep = ScanReport{Seq: e.seq, Reason: reason}
	defer func() {
		rep.Duration = time.Since(start)
		e.scans.Add(1)
		if e.hooks.OnScan != nil {
			e.hooks.OnScan(rep)
		}
	}()

	if e.rules.Disabled {
		rep.Skipped = true
		return rep
	}

	cands, err := e.tree.Candidates(ctx, e.query.WithRules(e.rules))
	if err != nil {
		// Next mutation retries; the loop must keep observing.
		e.logger.Warn("livetree: candidate query failed", "reason", reason, "error", err)
		rep.Errors++
		e.errorsN.Add(1)
		return rep
	}

	recheck := false
	if r, ok := e.tf.(Rechecker); ok {
		recheck = r.Recheck()
	}

	for _, c := range cands {
		rep.Candidates++
		if !recheck && !e.marks.NeedsEval(c) {
			continue
		}
		prev := e.marks.Get(c.Key)
		v := classify(e.pred, c, e.rules)
		e.marks.record(c, v.Mark)

		rep.Evaluated++
		e.evaluated.Add(1)
		if v.Mark == Matched {
			rep.Matched++
			e.matchedN.Add(1)
		} else {
			rep.Rejected++
			e.rejectedN.Add(1)
		}
		if e.hooks.OnVerdict != nil {
			e.hooks.OnVerdict(c, v, prev)
		}

		done, err := e.transition(ctx, c, v)
		if err != nil {
			rep.Errors++
			e.errorsN.Add(1)
			e.logger.Warn("livetree: transform failed",
				"key", c.Key, "mark", v.Mark, "error", err)
			if e.hooks.OnError != nil {
				e.hooks.OnError(c, err)
			}
			continue
		}
		if done {
			rep.Transformed++
			e.transformed.Add(1)
		}
	}

	e.logger.Debug("livetree: scan complete",
		"reason", reason, "seq", rep.Seq, "candidates", rep.Candidates,
		"evaluated", rep.Evaluated, "matched", rep.Matched)
	return rep
}

// transition applies the transformer when the verdict changes what should
// be in effect for c, and records the new state.
func (e *Engine) transition(ctx context.Context, c Candidate, v Verdict) (bool, error) {
	applied := e.marks.Applied(c.Key)
	switch {
	case v.Mark == Matched && !applied:
	case v.Mark == Rejected && applied && e.tf.Reversible():
	default:
		return false, nil
	}
	if c.Detached {
		return false, nil
	}
	if err := e.tf.Apply(ctx, e.tree, c, v); err != nil {
		return false, fmt.Errorf("apply %s: %w", v.Mark, err)
	}
	e.marks.setApplied(c.Key, v.Mark == Matched)
	return true, nil
}
