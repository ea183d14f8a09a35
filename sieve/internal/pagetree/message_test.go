package pagetree

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/domsieve/clip"
	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/render"
)

func TestDecodeMessage(t *testing.T) {
	m, err := decodeMessage(`{"kind":"batch","doc":"d1","batch":{"added":[{"key":4,"bearing":true},{"key":5,"owned":true}],"removed":2},"released":[1,2]}`)
	if err != nil {
		t.Fatal(err)
	}
	want := livetree.Batch{Added: []livetree.Added{{Key: 4, Bearing: true}, {Key: 5, Owned: true}}, Removed: 2}
	if diff := cmp.Diff(want, *m.Batch); diff != "" {
		t.Errorf("batch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]livetree.Key{1, 2}, m.Released); diff != "" {
		t.Errorf("released: %s", diff)
	}

	m, err = decodeMessage(`{"kind":"click","doc":"d1","click":{"key":9,"anchor":3,"item_html":"<div class=\"ContentItem\"></div>","page_title":"Q","page_url":"https://www.zhihu.com/question/1"}}`)
	if err != nil {
		t.Fatal(err)
	}
	wantClick := Click{Key: 9, Anchor: 3, Source: clip.Source{
		ItemHTML: `<div class="ContentItem"></div>`, PageTitle: "Q", PageURL: "https://www.zhihu.com/question/1",
	}}
	if diff := cmp.Diff(wantClick, *m.Click); diff != "" {
		t.Errorf("click (-want +got):\n%s", diff)
	}

	m, err = decodeMessage(`{"kind":"signal","doc":"d1","signal":{"type":"mermaid-rendered","render_id":"rnd_a","height":240}}`)
	if err != nil {
		t.Fatal(err)
	}
	if *m.Signal != (render.Signal{Type: render.MsgRendered, RenderID: "rnd_a", Height: 240}) {
		t.Errorf("signal: %+v", *m.Signal)
	}
}

func TestDecodeMessage_Rejects(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"kind":"hello","doc":"d1"}`,
		`{"kind":"batch","doc":"d1"}`,
		`{"kind":"batch","batch":{"added":[{"key":1}]}}`,
		`{"kind":"click","doc":"d1","click":{"key":0,"item_html":"<p></p>"}}`,
		`{"kind":"click","doc":"d1","click":{"key":1}}`,
		`{"kind":"signal","doc":"d1","signal":{"type":"bogus","render_id":"x"}}`,
		`{"kind":"signal","doc":"d1","signal":{"type":"mermaid-error"}}`,
	} {
		if _, err := decodeMessage(payload); err == nil {
			t.Errorf("accepted %s", payload)
		}
	}
}

func TestInstallScript(t *testing.T) {
	s, err := installScript(Options{Watch: ".Card", Anchor: ".ContentItem", Manual: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(strings.TrimSpace(s), "//") || !strings.HasSuffix(s, ");") {
		t.Errorf("script shape:\n%.80s ... %s", s, s[len(s)-40:])
	}
	for _, want := range []string{`"binding":"__domsieve_binding"`, `"watch":".Card"`, `"observe":false`} {
		if !strings.Contains(s, want) {
			t.Errorf("config lacks %s", want)
		}
	}
}

func TestDocuments(t *testing.T) {
	var d documents
	steps := []struct {
		doc       string
		ok, fresh bool
	}{
		{"d1", true, false}, // adopted
		{"d1", true, false},
		{"d2", true, true}, // reload
		{"d1", false, false},
		{"d2", true, false},
		{"d3", true, true},
		{"d2", false, false},
	}
	for i, s := range steps {
		ok, fresh := d.see(s.doc)
		if ok != s.ok || fresh != s.fresh {
			t.Errorf("step %d (%s): ok=%v fresh=%v, want %v %v", i, s.doc, ok, fresh, s.ok, s.fresh)
		}
	}
}

func newTestTree() *Tree {
	return &Tree{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:       context.Background(),
		batches:   make(chan livetree.Batch, 4),
		released:  make(chan livetree.Key, 4),
		clicks:    make(chan Click, 4),
		signals:   make(chan render.Signal, 4),
		navigated: make(chan struct{}, 1),
	}
}

func TestDispatch_NewDocument(t *testing.T) {
	tr := newTestTree()
	tr.dispatch(`{"kind":"batch","doc":"d1","batch":{"added":[{"key":1,"bearing":true}]}}`)
	if len(tr.navigated) != 0 || len(tr.batches) != 1 {
		t.Fatalf("first document: navigated=%d batches=%d", len(tr.navigated), len(tr.batches))
	}
	<-tr.batches

	// After a reload the counter starts over at 1.
	tr.dispatch(`{"kind":"batch","doc":"d2","batch":{"added":[{"key":1,"bearing":true}]}}`)
	if len(tr.navigated) != 1 || len(tr.batches) != 1 {
		t.Fatalf("reload: navigated=%d batches=%d", len(tr.navigated), len(tr.batches))
	}
	<-tr.batches

	// Late messages from the old document are dropped.
	tr.dispatch(`{"kind":"batch","doc":"d1","batch":{"added":[{"key":7}]},"released":[3]}`)
	tr.dispatch(`{"kind":"click","doc":"d1","click":{"key":9,"anchor":3,"item_html":"<div></div>"}}`)
	if len(tr.batches) != 0 || len(tr.released) != 0 || len(tr.clicks) != 0 {
		t.Errorf("stale messages forwarded: batches=%d released=%d clicks=%d",
			len(tr.batches), len(tr.released), len(tr.clicks))
	}
}

func TestCheckCandidates(t *testing.T) {
	tr := newTestTree()
	set := candidateSet{Doc: "d1", Candidates: []livetree.Candidate{{Key: 1, Text: "an honest answer"}}}
	got, err := tr.checkCandidates(set)
	if err != nil || len(got) != 1 {
		t.Fatalf("first document: %v %v", got, err)
	}

	set.Doc = "d2"
	if _, err := tr.checkCandidates(set); !errors.Is(err, ErrNewDocument) {
		t.Fatalf("new document: %v", err)
	}
	if len(tr.navigated) != 1 {
		t.Error("engine not told about the new document")
	}
	if got, err := tr.checkCandidates(set); err != nil || len(got) != 1 {
		t.Errorf("after reset: %v %v", got, err)
	}

	set.Doc = "d1"
	if _, err := tr.checkCandidates(set); !errors.Is(err, ErrStaleDocument) {
		t.Errorf("replaced document: %v", err)
	}
}
