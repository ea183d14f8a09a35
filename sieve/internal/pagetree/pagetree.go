// Package pagetree is the Chrome-backed livetree.Tree. An injected script
// assigns element keys, reports MutationObserver batches over a CDP
// binding and runs candidate queries inside the page.
package pagetree

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/domsieve/clip"
	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/render"
)

//go:embed pagetree.js
var pageJS string

// Binding is the CDP binding name the script reports through.
const Binding = "__domsieve_binding"

var (
	// ErrGone is returned when the keyed element is no longer in the page.
	ErrGone = errors.New("pagetree: element gone")
	// ErrNewDocument aborts a query that found a document the engine has
	// not been reset for yet. The reset rescans.
	ErrNewDocument = errors.New("pagetree: new document")
	// ErrStaleDocument is returned for a query answered by a document
	// that was already replaced.
	ErrStaleDocument = errors.New("pagetree: stale document")
)

// Options configures the injected script.
type Options struct {
	// Watch marks bearing additions. Empty makes every addition bearing.
	Watch string
	// Anchor is the item a clip control belongs to.
	Anchor string
	// ControlLabel is restored on a control after a save finished.
	ControlLabel string
	// Manual keeps the MutationObserver off: Batches returns nil and only
	// explicit scans run.
	Manual bool
	Logger *slog.Logger
}

// Click is a press on an owned clip control.
type Click struct {
	Key    livetree.Key `json:"key"`
	Anchor livetree.Key `json:"anchor"`
	clip.Source
}

// Tree drives one tab. Tree methods may be called from any goroutine; the
// engine is still the only caller of the livetree.Tree methods.
type Tree struct {
	page   *rod.Page
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	batches  chan livetree.Batch
	released chan livetree.Key
	clicks   chan Click
	signals  chan render.Signal

	docs      documents
	navigated chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Attach installs the script into page, now and on every later document,
// and starts relaying binding calls. The returned Tree lives until ctx
// ends, the page closes or Close is called.
func Attach(ctx context.Context, page *rod.Page, opts Options) (*Tree, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Tree{
		page:      page,
		opts:      opts,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		batches:   make(chan livetree.Batch, 64),
		released:  make(chan livetree.Key, 256),
		clicks:    make(chan Click, 16),
		signals:   make(chan render.Signal, 16),
		navigated: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := (proto.RuntimeAddBinding{Name: Binding}).Call(page); err != nil {
		t.logger.Warn("pagetree: addBinding failed (may already exist)", "error", err)
	}
	// Subscribe before injecting so the first batch is not lost.
	wait := page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == Binding {
			t.dispatch(e.Payload)
		}
	})
	go func() {
		defer t.finish()
		wait()
	}()

	script, err := installScript(opts)
	if err != nil {
		cancel()
		return nil, err
	}
	if _, err := page.EvalOnNewDocument(script); err != nil {
		t.logger.Warn("pagetree: register on new document", "error", err)
	}
	if _, err := page.Context(ctx).Eval(`() => { ` + script + ` }`); err != nil {
		cancel()
		return nil, fmt.Errorf("pagetree: inject: %w", err)
	}
	return t, nil
}

type scriptConfig struct {
	Binding      string `json:"binding"`
	Watch        string `json:"watch"`
	Anchor       string `json:"anchor"`
	ControlLabel string `json:"controlLabel"`
	Observe      bool   `json:"observe"`
}

func installScript(opts Options) (string, error) {
	cfg, err := json.Marshal(scriptConfig{
		Binding:      Binding,
		Watch:        opts.Watch,
		Anchor:       opts.Anchor,
		ControlLabel: opts.ControlLabel,
		Observe:      !opts.Manual,
	})
	if err != nil {
		return "", fmt.Errorf("pagetree: script config: %w", err)
	}
	return pageJS + "(" + string(cfg) + ");", nil
}

func (t *Tree) finish() {
	t.closeOnce.Do(func() {
		close(t.batches)
		close(t.done)
	})
}

// Close stops relaying. The injected script stays in the page.
func (t *Tree) Close() error {
	t.cancel()
	<-t.done
	return nil
}

// Done is closed once the tree stopped relaying.
func (t *Tree) Done() <-chan struct{} { return t.done }

// Batches implements livetree.Tree.
func (t *Tree) Batches() <-chan livetree.Batch {
	if t.opts.Manual {
		return nil
	}
	return t.batches
}

// Navigated implements livetree.Navigator.
func (t *Tree) Navigated() <-chan struct{} { return t.navigated }

// newDocument tells the engine its keys are void. A pending notice
// already covers a second navigation.
func (t *Tree) newDocument(doc string) {
	t.logger.Info("pagetree: new document", "doc", doc)
	select {
	case t.navigated <- struct{}{}:
	default:
	}
}

// Released implements livetree.Releaser.
func (t *Tree) Released() <-chan livetree.Key { return t.released }

// Clicks delivers clip control presses.
func (t *Tree) Clicks() <-chan Click { return t.clicks }

// Signals delivers renderer messages.
func (t *Tree) Signals() <-chan render.Signal { return t.signals }

// Candidates implements livetree.Tree by running the query inside the page.
func (t *Tree) Candidates(ctx context.Context, q livetree.Query) ([]livetree.Candidate, error) {
	res, err := t.page.Context(ctx).Eval(`(q) => JSON.stringify(window.__domsieve.candidates(q))`, q)
	if err != nil {
		return nil, fmt.Errorf("pagetree: candidates: %w", err)
	}
	var out candidateSet
	if err := json.Unmarshal([]byte(res.Value.Str()), &out); err != nil {
		return nil, fmt.Errorf("pagetree: decode candidates: %w", err)
	}
	return t.checkCandidates(out)
}

type candidateSet struct {
	Doc        string               `json:"doc"`
	Candidates []livetree.Candidate `json:"candidates"`
}

// checkCandidates hands out keys only for the document the engine knows.
func (t *Tree) checkCandidates(set candidateSet) ([]livetree.Candidate, error) {
	ok, fresh := t.docs.see(set.Doc)
	switch {
	case !ok:
		return nil, ErrStaleDocument
	case fresh:
		t.newDocument(set.Doc)
		return nil, ErrNewDocument
	}
	return set.Candidates, nil
}

// SetHidden implements livetree.Tree.
func (t *Tree) SetHidden(ctx context.Context, key livetree.Key, hidden bool) error {
	return t.call(ctx, `(k, h) => window.__domsieve.setHidden(k, h)`, key, hidden)
}

// InsertAfter implements livetree.Tree.
func (t *Tree) InsertAfter(ctx context.Context, key livetree.Key, fragment string) error {
	return t.call(ctx, `(k, html) => window.__domsieve.insertAfter(k, html)`, key, fragment)
}

// Append implements livetree.Tree.
func (t *Tree) Append(ctx context.Context, key livetree.Key, fragment string) error {
	return t.call(ctx, `(k, html) => window.__domsieve.append(k, html)`, key, fragment)
}

// SetStatus updates the label and state of an owned control.
func (t *Tree) SetStatus(ctx context.Context, key livetree.Key, state, label string) error {
	return t.call(ctx, `(k, s, l) => window.__domsieve.status(k, s, l)`, key, state, label)
}

// ResizeFrame sets the height of a rendered diagram's iframe.
func (t *Tree) ResizeFrame(ctx context.Context, renderID string, height int) error {
	res, err := t.page.Context(ctx).Eval(`(id, h) => window.__domsieve.resizeFrame(id, h)`, renderID, height)
	if err != nil {
		return fmt.Errorf("pagetree: resize %s: %w", renderID, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("pagetree: resize %s: %w", renderID, ErrGone)
	}
	return nil
}

// call runs a keyed page helper; helpers return false when the key no
// longer resolves.
func (t *Tree) call(ctx context.Context, js string, key livetree.Key, args ...any) error {
	res, err := t.page.Context(ctx).Eval(js, append([]any{key}, args...)...)
	if err != nil {
		return fmt.Errorf("pagetree: key %d: %w", key, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("pagetree: key %d: %w", key, ErrGone)
	}
	return nil
}

// dispatch runs on the event goroutine: decode and forward only.
func (t *Tree) dispatch(payload string) {
	m, err := decodeMessage(payload)
	if err != nil {
		t.logger.Warn("pagetree: bad binding payload", "error", err)
		return
	}
	ok, fresh := t.docs.see(m.Doc)
	if !ok {
		t.logger.Debug("pagetree: message from a replaced document", "kind", m.Kind, "doc", m.Doc)
		return
	}
	if fresh {
		t.newDocument(m.Doc)
	}
	switch m.Kind {
	case kindBatch:
		for _, k := range m.Released {
			select {
			case t.released <- k:
			default:
				// A lost release only leaves a stale mark behind.
			}
		}
		if m.Batch == nil || t.opts.Manual {
			return
		}
		select {
		case t.batches <- *m.Batch:
		case <-t.ctx.Done():
		}
	case kindClick:
		select {
		case t.clicks <- *m.Click:
		default:
			t.logger.Warn("pagetree: click dropped", "key", m.Click.Key)
		}
	case kindSignal:
		select {
		case t.signals <- *m.Signal:
		default:
			t.logger.Warn("pagetree: signal dropped", "render_id", m.Signal.RenderID)
		}
	}
}
