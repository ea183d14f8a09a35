package sieve

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domsieve/clip"
	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/livetree/htmltree"
	"github.com/hazyhaar/domsieve/notion"
	"github.com/hazyhaar/domsieve/render"
	"github.com/hazyhaar/domsieve/sieve/internal/pagetree"
	"github.com/hazyhaar/domsieve/store"
)

// eventLog collects sink events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(_ context.Context, ev Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// fakePage stands in for the browser side channel.
type fakePage struct {
	clicks  chan pagetree.Click
	signals chan render.Signal
	done    chan struct{}

	mu      sync.Mutex
	status  map[livetree.Key]string
	heights map[string]int
}

func newFakePage() *fakePage {
	return &fakePage{
		clicks:  make(chan pagetree.Click),
		signals: make(chan render.Signal),
		done:    make(chan struct{}),
		status:  make(map[livetree.Key]string),
		heights: make(map[string]int),
	}
}

func (p *fakePage) Clicks() <-chan pagetree.Click { return p.clicks }
func (p *fakePage) Signals() <-chan render.Signal { return p.signals }
func (p *fakePage) Done() <-chan struct{}         { return p.done }

func (p *fakePage) SetStatus(_ context.Context, key livetree.Key, state, _ string) error {
	p.mu.Lock()
	p.status[key] = state
	p.mu.Unlock()
	return nil
}

func (p *fakePage) ResizeFrame(_ context.Context, id string, h int) error {
	p.mu.Lock()
	p.heights[id] = h
	p.mu.Unlock()
	return nil
}

func (p *fakePage) stateOf(key livetree.Key) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status[key]
}

func (p *fakePage) height(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heights[id]
}

func newWatcher(t *testing.T, yml string, opts ...Option) (*Watcher, *eventLog) {
	t.Helper()
	t.Setenv("NOTION_TOKEN", "")
	cfg, err := ParseConfig([]byte(yml))
	if err != nil {
		t.Fatal(err)
	}
	log := &eventLog{}
	opts = append([]Option{
		WithDB(store.OpenMemory(t)),
		WithLogger(quiet),
		WithSinks(NewCallbackSink(log.add)),
	}, opts...)
	w, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Close() })
	return w, log
}

// attach serves tree as page id until the test ends.
func attach(t *testing.T, w *Watcher, id string, tree *htmltree.Tree) (*fakePage, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pg := newFakePage()
	errc := make(chan error, 1)
	go w.pump(ctx)
	go func() { errc <- w.serve(ctx, w.pages[id], tree, pg) }()
	waitFor(t, "initial scan", func() bool {
		s, _ := w.Page(id)
		return s.Engine.Scans > 0
	})
	return pg, errc
}

func parseTree(t *testing.T, doc, watch string) *htmltree.Tree {
	t.Helper()
	tree, err := htmltree.ParseString(doc, htmltree.Options{Watch: watch, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tree.Close)
	return tree
}

func keyOf(t *testing.T, tree *htmltree.Tree, sel string) livetree.Key {
	t.Helper()
	k, err := tree.Key(sel)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServe_Filter(t *testing.T) {
	w, events := newWatcher(t, `
pages:
  - id: feed
    url: https://www.zhihu.com/
    debounce: 10ms
rules:
  keywords: [spam]
`)
	tree := parseTree(t, feedHTML, ".Card")
	pg, errc := attach(t, w, "feed", tree)

	a, b, c := keyOf(t, tree, "#a"), keyOf(t, tree, "#b"), keyOf(t, tree, "#c")
	if !tree.Hidden(a) || tree.Hidden(b) || tree.Hidden(c) {
		t.Fatalf("initial scan: a=%v b=%v c=%v", tree.Hidden(a), tree.Hidden(b), tree.Hidden(c))
	}
	if !tree.Hidden(keyOf(t, tree, "#d")) || !tree.Hidden(keyOf(t, tree, "#e")) {
		t.Error("built-in ad rules not applied")
	}

	// A new keyword reaches the already attached page.
	if added, err := w.AddKeyword(context.Background(), "honest"); err != nil || !added {
		t.Fatalf("AddKeyword: %v %v", added, err)
	}
	waitFor(t, "rule update", func() bool { return tree.Hidden(b) })

	if err := w.SetDisabled(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	// A disabled engine skips scans and leaves the page as it is.
	waitFor(t, "skipped manual scan", func() bool {
		rep, err := w.Scan(context.Background(), "feed")
		return err == nil && rep.Reason == "manual" && rep.Skipped
	})
	if !tree.Hidden(a) {
		t.Error("disabling touched the page")
	}
	if _, err := w.Scan(context.Background(), "nope"); !errors.Is(err, ErrUnknownPage) {
		t.Errorf("unknown page: %v", err)
	}

	s, _ := w.Page("feed")
	if !s.Attached || s.Attaches != 1 || s.Profile != ProfileFilter {
		t.Errorf("stats: %+v", s)
	}
	waitFor(t, "verdict events", func() bool { return events.count(EventVerdict) >= 4 })

	close(pg.done)
	select {
	case err := <-errc:
		if !errors.Is(err, errPageClosed) {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after the page closed")
	}
	if _, err := w.Scan(context.Background(), "feed"); !errors.Is(err, ErrNotAttached) {
		t.Errorf("scan after detach: %v", err)
	}
}

func TestServe_Clip(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	api := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		rw.Write([]byte(`{"id":"page-1","url":"https://notion.so/page1"}`))
	}))
	defer api.Close()
	nc := notion.New(notion.Config{Token: "secret", TargetID: "db-1", BaseURL: api.URL, Rate: rate.Inf, Logger: quiet})

	w, events := newWatcher(t, `
pages:
  - id: answers
    url: https://www.zhihu.com/
    profile: clip
    debounce: 10ms
`, WithNotion(nc))
	tree := parseTree(t, answerHTML, ".ContentItem")
	pg, _ := attach(t, w, "answers", tree)

	if strings.Count(tree.HTML(), ControlClass) != 1 {
		t.Fatalf("control not appended:\n%s", tree.HTML())
	}
	item := keyOf(t, tree, "#item")
	card, err := tree.OuterHTML(item)
	if err != nil {
		t.Fatal(err)
	}
	const control livetree.Key = 4242
	pg.clicks <- pagetree.Click{Key: control, Anchor: item, Source: clip.Source{ItemHTML: card, PageURL: "https://www.zhihu.com/"}}
	waitFor(t, "control status", func() bool { return pg.stateOf(control) != "" })
	if got := pg.stateOf(control); got != "saved" {
		t.Fatalf("status %q", got)
	}

	recs, err := w.Clips(context.Background(), 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("archive: %v %v", recs, err)
	}
	if recs[0].Title != "Why is Go fast?" || recs[0].RemoteURL != "https://notion.so/page1" {
		t.Errorf("record: %+v", recs[0])
	}
	if s, _ := w.Page("answers"); s.Clips != 1 || s.ClipErrors != 0 {
		t.Errorf("stats: %+v", s)
	}
	if v := testutil.ToFloat64(w.metrics.clips.WithLabelValues("saved")); v != 1 {
		t.Errorf("saved clips metric: %v", v)
	}
	waitFor(t, "clip event", func() bool { return events.count(EventClip) == 1 })
	mu.Lock()
	if len(paths) == 0 || paths[0] != "/v1/pages" {
		t.Errorf("notion calls: %q", paths)
	}
	mu.Unlock()
}

func TestClip_Unconfigured(t *testing.T) {
	w, _ := newWatcher(t, "{}")
	res := w.Clip(context.Background(), "api", clip.Source{ItemHTML: `<div class="ContentItem"><h2 class="ContentItem-title">T</h2></div>`})
	if res.Success || res.ArchiveID == "" || res.Title != "T" {
		t.Errorf("result: %+v", res)
	}
	rec, err := w.ClipRecord(context.Background(), res.ArchiveID)
	if err != nil || rec.RemoteErr != notion.ErrNotConfigured.Error() {
		t.Errorf("record: %+v %v", rec, err)
	}

	res = w.Clip(context.Background(), "api", clip.Source{ItemHTML: "<p>no card</p>"})
	if res.Success || res.ArchiveID != "" || res.Error == "" {
		t.Errorf("invalid card: %+v", res)
	}
	if v := testutil.ToFloat64(w.metrics.clips.WithLabelValues("invalid")); v != 1 {
		t.Errorf("invalid clips metric: %v", v)
	}
}

func TestServe_RenderSignals(t *testing.T) {
	w, events := newWatcher(t, `
pages:
  - id: chat
    url: https://gemini.google.com/app
    profile: render
    debounce: 10ms
`)
	tree := parseTree(t, chatHTML, "pre, code")
	pg, _ := attach(t, w, "chat", tree)

	if strings.Count(tree.HTML(), `class="sieve-diagram"`) != 1 {
		t.Fatalf("container not inserted:\n%s", tree.HTML())
	}

	ok := render.Signal{Type: render.MsgRendered, RenderID: "rnd_1", Height: 300}
	pg.signals <- ok
	pg.signals <- ok
	pg.signals <- render.Signal{Type: render.MsgError, RenderID: "rnd_2", Error: "Parse error on line 2"}
	waitFor(t, "error frame resize", func() bool { return pg.height("rnd_2") != 0 })

	if h := pg.height("rnd_1"); h != 320 {
		t.Errorf("rendered frame height %d", h)
	}
	if h := pg.height("rnd_2"); h != 100 {
		t.Errorf("error frame height %d", h)
	}
	s, _ := w.Page("chat")
	if s.Rendered != 1 || s.RenderErrors != 1 {
		t.Errorf("stats: %+v", s)
	}
	waitFor(t, "render events", func() bool { return events.count(EventRender) == 2 })
}

func TestNew_UnknownProfileOverride(t *testing.T) {
	_, err := ParseConfig([]byte(`
pages:
  - url: https://x
    profile: sparkle
`))
	if err == nil {
		t.Fatal("unknown profile accepted")
	}
}
