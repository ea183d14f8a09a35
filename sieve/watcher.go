// Package sieve runs live tree engines against browser pages. Each
// configured page gets its own tab, its own pagetree and its own engine;
// the Watcher shares the rule source, the clip pipeline, the renderer page
// and the event sinks between them.
package sieve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/domsieve/clip"
	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/notion"
	"github.com/hazyhaar/domsieve/render"
	"github.com/hazyhaar/domsieve/rules"
	"github.com/hazyhaar/domsieve/sieve/internal/browser"
	"github.com/hazyhaar/domsieve/sieve/internal/pagetree"
	"github.com/hazyhaar/domsieve/sieve/internal/sink"
	"github.com/hazyhaar/domsieve/store"
)

var (
	ErrUnknownPage   = errors.New("sieve: unknown page")
	ErrNotAttached   = errors.New("sieve: page not attached")
	ErrReadOnlyRules = errors.New("sieve: rule source cannot be edited")

	errPageClosed = errors.New("sieve: page closed")
)

// Watcher owns the browser and every page engine.
type Watcher struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *Metrics
	stdout  io.Writer

	sinkList []sink.Sink
	sinks    *sink.Router
	events   chan sink.Event

	rules    rules.Source
	db       *sql.DB
	ownDB    bool
	archive  *clip.Archive
	notion   *notion.Client
	render   *render.Handler
	renderer *render.Renderer
	mgr      *browser.Manager

	pages map[string]*pageState
	order []string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

// WithRuleSource replaces the configured rule source.
func WithRuleSource(src rules.Source) Option { return func(w *Watcher) { w.rules = src } }

// WithDB uses db instead of opening Store.Path. The Watcher adds its
// tables and does not close it.
func WithDB(db *sql.DB) Option { return func(w *Watcher) { w.db = db } }

// WithSinks replaces the configured sinks.
func WithSinks(s ...Sink) Option { return func(w *Watcher) { w.sinkList = s } }

// WithNotion replaces the client built from the notion section.
func WithNotion(c *notion.Client) Option { return func(w *Watcher) { w.notion = c } }

// WithMetrics sets the collectors.
func WithMetrics(m *Metrics) Option { return func(w *Watcher) { w.metrics = m } }

// WithStdout redirects the stdout sink.
func WithStdout(out io.Writer) Option { return func(w *Watcher) { w.stdout = out } }

// pageState outlives the tabs it is attached through: a recycled browser
// reattaches the same page.
type pageState struct {
	cfg     PageConfig
	profile Profile
	ads     fixedAds

	mu       sync.Mutex
	eng      *livetree.Engine
	rendered map[string]bool

	attaches, renderErrors, clips, clipErrors atomic.Int64
}

func (st *pageState) engine() *livetree.Engine {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.eng
}

func (st *pageState) setEngine(e *livetree.Engine) {
	st.mu.Lock()
	st.eng = e
	st.mu.Unlock()
}

// markRendered reports whether id is reported rendered for the first time.
func (st *pageState) markRendered(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.rendered[id] {
		return false
	}
	st.rendered[id] = true
	return true
}

// New builds a Watcher from cfg. Nothing is started until Run.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Watcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	w := &Watcher{
		cfg:    cfg,
		logger: slog.Default(),
		events: make(chan sink.Event, 1024),
		pages:  make(map[string]*pageState),
	}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = NewMetrics()
	}

	if w.db == nil {
		db, err := store.Open(cfg.Store.Path, store.WithMkdirAll(),
			store.WithSchema(rules.Schema), store.WithSchema(clip.Schema))
		if err != nil {
			return nil, fmt.Errorf("sieve: %w", err)
		}
		w.db, w.ownDB = db, true
	} else {
		for _, ddl := range []string{rules.Schema, clip.Schema} {
			if _, err := w.db.ExecContext(ctx, ddl); err != nil {
				return nil, fmt.Errorf("sieve: schema: %w", err)
			}
		}
	}
	w.archive = clip.NewArchive(w.db)

	if w.rules == nil {
		src, err := openRules(ctx, cfg.Rules, w.db, w.logger)
		if err != nil {
			w.closeDB()
			return nil, err
		}
		w.rules = src
	}

	if w.notion == nil {
		w.notion = notion.New(notion.Config{
			Token:      cfg.Notion.Token,
			TargetID:   cfg.Notion.TargetID,
			TargetType: cfg.Notion.TargetType,
			BaseURL:    cfg.Notion.BaseURL,
			Logger:     w.logger,
		})
	}
	w.render = render.NewHandler(render.HandlerConfig{MermaidURL: cfg.Render.MermaidURL, Logger: w.logger})
	w.renderer = newRenderer(cfg.Render)

	if w.sinkList == nil {
		list, err := buildSinks(cfg.Sinks, w.stdout, w.logger)
		if err != nil {
			w.closeDB()
			return nil, err
		}
		w.sinkList = list
	}
	w.sinks = sink.NewRouter(w.logger, w.sinkList...)

	w.mgr = browser.NewManager(browser.Config{
		RemoteURL:       cfg.Browser.Remote,
		RecycleInterval: cfg.Browser.RecycleInterval,
		Block:           cfg.Browser.ResourceBlocking,
		Mode:            browser.ParseMode(cfg.Browser.Stealth),
		XvfbDisplay:     cfg.Browser.XvfbDisplay,
		Logger:          w.logger,
	})
	w.mgr.OnRecycle(func(context.Context) { w.metrics.recycles.Inc() })

	for _, pc := range cfg.Pages {
		if err := w.addPage(pc); err != nil {
			w.closeDB()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addPage(pc PageConfig) error {
	prof, err := ResolveProfile(pc.Profile, w.cfg.Profiles[pc.Profile])
	if err != nil {
		return fmt.Errorf("sieve: page %s: %w", pc.ID, err)
	}
	if pc.Debounce > 0 {
		prof.Debounce = pc.Debounce
	}
	st := &pageState{cfg: pc, profile: prof, rendered: make(map[string]bool)}
	if prof.Name == ProfileFilter {
		st.ads = newFixedAds(w.cfg.Rules)
	}
	w.pages[pc.ID] = st
	w.order = append(w.order, pc.ID)
	return nil
}

func openRules(ctx context.Context, rc RulesConfig, db *sql.DB, logger *slog.Logger) (rules.Source, error) {
	switch rc.Source {
	case "file":
		return rules.OpenFile(rc.Path, logger)
	case "sqlite":
		src, err := rules.NewSQLite(ctx, db, rules.SQLiteOptions{Interval: rc.Poll, Logger: logger})
		if err != nil {
			return nil, err
		}
		if err := src.Seed(ctx, rc.Keywords); err != nil {
			return nil, err
		}
		return src, nil
	default:
		return rules.NewStatic(livetree.RuleSet{Keywords: rc.Keywords, CaseInsensitive: rc.CaseInsensitive}), nil
	}
}

// Run starts the browser, attaches every page and blocks until ctx is
// done. Pages that lose their tab are reattached with backoff.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.order) > 0 {
		if err := w.mgr.Start(ctx); err != nil {
			return err
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.pump(ctx) })
	if src, ok := w.rules.(interface{ Watch(context.Context) error }); ok {
		g.Go(func() error { return src.Watch(ctx) })
	}
	for _, id := range w.order {
		st := w.pages[id]
		g.Go(func() error { return w.runPage(ctx, st) })
	}
	w.logger.Info("sieve: running", "pages", len(w.order))
	return g.Wait()
}

// Close releases the browser, the sinks and an owned database.
func (w *Watcher) Close() error {
	err := errors.Join(w.mgr.Close(), w.sinks.Close())
	return errors.Join(err, w.closeDB())
}

func (w *Watcher) closeDB() error {
	if w.ownDB && w.db != nil {
		return w.db.Close()
	}
	return nil
}

// Metrics returns the Prometheus collectors.
func (w *Watcher) Metrics() *Metrics { return w.metrics }

// RenderHandler serves the diagram renderer page.
func (w *Watcher) RenderHandler() *render.Handler { return w.render }

func (w *Watcher) runPage(ctx context.Context, st *pageState) error {
	backoff := time.Second
	for {
		start := time.Now()
		err := w.attachBrowser(ctx, st)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		w.logger.Warn("sieve: page detached, reattaching",
			"page", st.cfg.ID, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
}

func (w *Watcher) attachBrowser(ctx context.Context, st *pageState) error {
	page, err := w.mgr.OpenTab(ctx, st.cfg.URL)
	if err != nil {
		return err
	}
	defer page.Close()

	tree, err := pagetree.Attach(ctx, page, pagetree.Options{
		Watch:        st.profile.Query.Watch,
		Anchor:       st.profile.Query.Anchor,
		ControlLabel: ControlLabel,
		Manual:       st.cfg.Manual,
		Logger:       w.logger.With("page", st.cfg.ID),
	})
	if err != nil {
		return err
	}
	defer tree.Close()
	w.logger.Info("sieve: page attached", "page", st.cfg.ID, "url", st.cfg.URL, "profile", st.profile.Name)
	return w.serve(ctx, st, tree, tree)
}

// pageIO is the page side channel next to the tree: control presses,
// renderer messages and their feedback.
type pageIO interface {
	Clicks() <-chan pagetree.Click
	Signals() <-chan render.Signal
	Done() <-chan struct{}
	SetStatus(ctx context.Context, key livetree.Key, state, label string) error
	ResizeFrame(ctx context.Context, renderID string, height int) error
}

// serve runs one engine over tree until the page goes away or ctx ends.
func (w *Watcher) serve(ctx context.Context, st *pageState, tree livetree.Tree, pg pageIO) error {
	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before reading the current set so no change falls between.
	updates := w.rules.Subscribe(gctx)
	rs, err := w.rules.Get(gctx)
	if err != nil {
		return fmt.Errorf("sieve: rules: %w", err)
	}
	eng, err := w.newEngine(st, tree, rs)
	if err != nil {
		return err
	}
	st.setEngine(eng)
	defer st.setEngine(nil)
	st.attaches.Add(1)
	w.metrics.attaches.WithLabelValues(st.cfg.ID).Inc()

	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		for rs := range updates {
			eng.Update(st.ads.apply(rs))
		}
		return nil
	})
	g.Go(func() error { return w.relay(gctx, st, pg) })
	return g.Wait()
}

func (w *Watcher) newEngine(st *pageState, tree livetree.Tree, rs livetree.RuleSet) (*livetree.Engine, error) {
	id := st.cfg.ID
	hooks := livetree.Hooks{
		OnVerdict: func(c livetree.Candidate, v livetree.Verdict, prev livetree.Mark) {
			if v.Mark != prev {
				w.emit(EventVerdict, id, newVerdictEvent(c, v, prev))
			}
		},
		OnScan: func(r livetree.ScanReport) {
			if r.Evaluated > 0 || r.Reason != "mutation" {
				w.emit(EventScan, id, r)
			}
		},
		OnError: func(c livetree.Candidate, err error) {
			w.emit(EventError, id, errorEvent{Key: c.Key, Error: err.Error()})
		},
	}
	return livetree.New(livetree.Config{
		Name:        id,
		Tree:        tree,
		Predicate:   st.profile.Predicate,
		Transformer: st.profile.transformer(w.renderer),
		Query:       st.profile.Query,
		Rules:       st.ads.apply(rs),
		Debounce:    st.profile.Debounce,
		Logger:      w.logger,
		Hooks:       w.metrics.hooks(id, hooks),
	})
}

// relay serves the page side channel. Saves run on their own goroutines
// so a slow remote never holds up signals.
func (w *Watcher) relay(ctx context.Context, st *pageState, pg pageIO) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pg.Done():
			return errPageClosed
		case c := <-pg.Clicks():
			go w.onClick(ctx, st, pg, c)
		case s := <-pg.Signals():
			w.onSignal(ctx, st, pg, s)
		}
	}
}

func (w *Watcher) onClick(ctx context.Context, st *pageState, pg pageIO, c pagetree.Click) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	res := w.Clip(ctx, st.cfg.ID, c.Source)
	state, label := "saved", "✓ Saved"
	if res.Success {
		st.clips.Add(1)
	} else {
		st.clipErrors.Add(1)
		state, label = "failed", "Error"
	}
	if err := pg.SetStatus(ctx, c.Key, state, label); err != nil {
		w.logger.Debug("sieve: control status", "page", st.cfg.ID, "key", c.Key, "error", err)
	}
}

func (w *Watcher) onSignal(ctx context.Context, st *pageState, pg pageIO, s render.Signal) {
	w.metrics.signals.WithLabelValues(st.cfg.ID, s.Type).Inc()
	switch s.Type {
	case render.MsgRendered:
		if st.markRendered(s.RenderID) {
			w.emit(EventRender, st.cfg.ID, s)
		}
	case render.MsgError:
		st.renderErrors.Add(1)
		w.logger.Warn("sieve: diagram failed", "page", st.cfg.ID, "render_id", s.RenderID, "error", s.Error)
		w.emit(EventRender, st.cfg.ID, s)
	default:
		return
	}
	if err := pg.ResizeFrame(ctx, s.RenderID, s.FrameHeight()); err != nil {
		w.logger.Debug("sieve: resize frame", "render_id", s.RenderID, "error", err)
	}
}

// ClipResult is the outcome of one capture.
type ClipResult struct {
	notion.SaveResult
	Title     string `json:"title,omitempty"`
	ArchiveID string `json:"archive_id,omitempty"`
}

// Clip scrapes src, saves it remotely when Notion is configured and
// archives it locally either way.
func (w *Watcher) Clip(ctx context.Context, pageID string, src clip.Source) ClipResult {
	art, err := clip.Scrape(src)
	if err != nil {
		w.metrics.clips.WithLabelValues("invalid").Inc()
		w.emit(EventError, pageID, errorEvent{Error: err.Error()})
		return ClipResult{SaveResult: notion.SaveResult{Error: err.Error()}}
	}

	var res notion.SaveResult
	if w.notion.Configured() {
		res = w.notion.Save(ctx, art)
	} else {
		res = notion.SaveResult{Error: notion.ErrNotConfigured.Error()}
	}
	out := ClipResult{SaveResult: res, Title: art.Title}

	rec, err := w.archive.Save(ctx, art, res.URL, res.Error)
	if err != nil {
		w.logger.Error("sieve: archive clip", "url", art.URL, "error", err)
	} else {
		out.ArchiveID = rec.ID
	}

	outcome := "saved"
	if !res.Success {
		outcome = "failed"
	}
	w.metrics.clips.WithLabelValues(outcome).Inc()
	w.emit(EventClip, pageID, out)
	return out
}

type verdictEvent struct {
	Key    livetree.Key  `json:"key"`
	Anchor livetree.Key  `json:"anchor"`
	Mark   livetree.Mark `json:"mark"`
	Prev   livetree.Mark `json:"prev"`
	Reason string        `json:"reason,omitempty"`
	Text   string        `json:"text,omitempty"`
}

func newVerdictEvent(c livetree.Candidate, v livetree.Verdict, prev livetree.Mark) verdictEvent {
	text := []rune(c.Text)
	if len(text) > 120 {
		text = append(text[:120], '…')
	}
	return verdictEvent{Key: c.Key, Anchor: c.Anchor, Mark: v.Mark, Prev: prev, Reason: v.Reason, Text: string(text)}
}

type errorEvent struct {
	Key   livetree.Key `json:"key,omitempty"`
	Error string       `json:"error"`
}
