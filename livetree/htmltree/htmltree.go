// Package htmltree is an in-process livetree.Tree over a parsed HTML
// document. Edits made through the Tree (appends, removals, transformer
// insertions) are reported as mutation batches, the way a MutationObserver
// would report them in a browser.
//
// Element identity lives in a weak side table: keys are never written into
// the document, and an entry disappears once its node is garbage collected.
package htmltree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"weak"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domsieve/livetree"
)

// ErrDetached is returned when an operation targets an element that is no
// longer part of the document.
var ErrDetached = errors.New("htmltree: element detached")

// Options configures a Tree.
type Options struct {
	// Watch selects the elements whose arrival makes a batch significant.
	// Empty means every element.
	Watch  string
	Logger *slog.Logger
}

// Tree is a mutable HTML document with stable element keys.
type Tree struct {
	mu     sync.Mutex
	doc    *html.Node
	watch  cascadia.Sel
	logger *slog.Logger

	next  livetree.Key
	keys  map[weak.Pointer[html.Node]]livetree.Key
	nodes map[livetree.Key]weak.Pointer[html.Node]
	owned map[livetree.Key]struct{}
	saved map[livetree.Key]savedStyle

	queue    []livetree.Batch
	wake     chan struct{}
	out      chan livetree.Batch
	released chan livetree.Key
	closed   bool
	done     chan struct{}
}

type savedStyle struct {
	value   string
	present bool
}

// Parse reads an HTML document and wraps it in a Tree.
func Parse(r io.Reader, opts Options) (*Tree, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("htmltree: parse: %w", err)
	}
	return New(doc, opts), nil
}

// ParseString is Parse over a string.
func ParseString(s string, opts Options) (*Tree, error) {
	return Parse(strings.NewReader(s), opts)
}

// New wraps an already parsed document.
func New(doc *html.Node, opts Options) *Tree {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Tree{
		doc:      doc,
		logger:   opts.Logger,
		keys:     make(map[weak.Pointer[html.Node]]livetree.Key),
		nodes:    make(map[livetree.Key]weak.Pointer[html.Node]),
		owned:    make(map[livetree.Key]struct{}),
		saved:    make(map[livetree.Key]savedStyle),
		wake:     make(chan struct{}, 1),
		out:      make(chan livetree.Batch),
		released: make(chan livetree.Key, 256),
		done:     make(chan struct{}),
	}
	if opts.Watch != "" {
		sel, err := cascadia.Parse(opts.Watch)
		if err != nil {
			t.logger.Warn("htmltree: invalid watch selector, watching every element",
				"selector", opts.Watch, "error", err)
		} else {
			t.watch = sel
		}
	}
	go t.pump()
	return t
}

// Batches implements livetree.Tree.
func (t *Tree) Batches() <-chan livetree.Batch { return t.out }

// Released implements livetree.Releaser.
func (t *Tree) Released() <-chan livetree.Key { return t.released }

// Close stops the batch feed. The engine treats it as the end of the tree.
func (t *Tree) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
}

// pump delivers queued batches in order. Queueing never blocks the caller,
// so the engine can mutate the tree from its own goroutine.
func (t *Tree) pump() {
	defer close(t.out)
	for {
		t.mu.Lock()
		var b livetree.Batch
		have := len(t.queue) > 0
		if have {
			b = t.queue[0]
			t.queue = t.queue[1:]
		}
		t.mu.Unlock()

		if !have {
			select {
			case <-t.wake:
				continue
			case <-t.done:
				return
			}
		}
		select {
		case t.out <- b:
		case <-t.done:
			return
		}
	}
}

func (t *Tree) emitLocked(b livetree.Batch) {
	if t.closed || (len(b.Added) == 0 && b.Removed == 0) {
		return
	}
	t.queue = append(t.queue, b)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// keyLocked returns the key of n, assigning one on first sight.
func (t *Tree) keyLocked(n *html.Node) livetree.Key {
	wp := weak.Make(n)
	if k, ok := t.keys[wp]; ok {
		return k
	}
	t.next++
	k := t.next
	t.keys[wp] = k
	t.nodes[k] = wp
	runtime.AddCleanup(n, t.release, releaseTicket{wp: wp, key: k})
	return k
}

type releaseTicket struct {
	wp  weak.Pointer[html.Node]
	key livetree.Key
}

// release runs after a node became unreachable.
func (t *Tree) release(r releaseTicket) {
	t.mu.Lock()
	delete(t.keys, r.wp)
	delete(t.nodes, r.key)
	delete(t.owned, r.key)
	delete(t.saved, r.key)
	t.mu.Unlock()
	// Cleanups share one runtime goroutine and must not block. A release
	// lost to a full buffer leaves one dead mark behind; keys are never
	// reused within a tree, so it costs memory only.
	select {
	case t.released <- r.key:
	default:
	}
}

func (t *Tree) nodeLocked(key livetree.Key) (*html.Node, error) {
	wp, ok := t.nodes[key]
	if !ok {
		return nil, ErrDetached
	}
	n := wp.Value()
	if n == nil || !attached(t.doc, n) {
		return nil, ErrDetached
	}
	return n, nil
}

// Key returns the key of the first element matching selector.
func (t *Tree) Key(selector string) (livetree.Key, error) {
	sel, err := cascadia.Parse(selector)
	if err != nil {
		return 0, fmt.Errorf("htmltree: selector %q: %w", selector, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := cascadia.Query(t.doc, sel)
	if n == nil {
		return 0, fmt.Errorf("htmltree: no element matches %q", selector)
	}
	return t.keyLocked(n), nil
}

// Node returns the element behind key. Callers must treat it as read-only.
func (t *Tree) Node(key livetree.Key) (*html.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodeLocked(key)
}

// Owned reports whether key was inserted by a transformer.
func (t *Tree) Owned(key livetree.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.owned[key]
	return ok
}

// Hidden reports whether key is currently hidden by SetHidden.
func (t *Tree) Hidden(key livetree.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.saved[key]
	return ok
}

// HTML renders the whole document.
func (t *Tree) HTML() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var buf bytes.Buffer
	html.Render(&buf, t.doc)
	return buf.String()
}

// OuterHTML renders the element behind key.
func (t *Tree) OuterHTML(key livetree.Key) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.nodeLocked(key)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// AppendHTML parses fragment and appends it to the first element matching
// parentSelector, reporting the addition as one batch. It returns the keys
// of the inserted top-level elements.
func (t *Tree) AppendHTML(parentSelector, fragment string) ([]livetree.Key, error) {
	sel, err := cascadia.Parse(parentSelector)
	if err != nil {
		return nil, fmt.Errorf("htmltree: selector %q: %w", parentSelector, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	parent := cascadia.Query(t.doc, sel)
	if parent == nil {
		return nil, fmt.Errorf("htmltree: no element matches %q", parentSelector)
	}
	nodes, err := parseFragment(parent, fragment)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	return t.reportLocked(nodes, false), nil
}

// Remove detaches the element behind key.
func (t *Tree) Remove(key livetree.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.nodeLocked(key)
	if err != nil {
		return err
	}
	n.Parent.RemoveChild(n)
	t.emitLocked(livetree.Batch{Removed: 1})
	return nil
}

// SetAttr sets an attribute on the element behind key. A class change is
// reported like an addition of the element itself, bearing only when the
// element matches the watch selector; other attributes produce no batch.
func (t *Tree) SetAttr(key livetree.Key, name, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.nodeLocked(key)
	if err != nil {
		return err
	}
	setAttr(n, name, value)
	if name == "class" {
		t.emitLocked(livetree.Batch{Added: []livetree.Added{{
			Key:     key,
			Bearing: t.watch == nil || t.watch.Match(n),
			Owned:   t.insideOwnedLocked(n),
		}}})
	}
	return nil
}

// SetHidden implements livetree.Tree by toggling an inline display:none.
// The element's previous style attribute is restored on reversal.
func (t *Tree) SetHidden(_ context.Context, key livetree.Key, hidden bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.nodeLocked(key)
	if err != nil {
		return err
	}
	prev, isHidden := t.saved[key]
	switch {
	case hidden && !isHidden:
		val, ok := getAttr(n, "style")
		t.saved[key] = savedStyle{value: val, present: ok}
		setAttr(n, "style", joinStyle("display: none", val))
	case !hidden && isHidden:
		if prev.present {
			setAttr(n, "style", prev.value)
		} else {
			removeAttr(n, "style")
		}
		delete(t.saved, key)
	}
	return nil
}

// InsertAfter implements livetree.Tree.
func (t *Tree) InsertAfter(_ context.Context, key livetree.Key, fragment string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.nodeLocked(key)
	if err != nil {
		return err
	}
	nodes, err := parseFragment(n.Parent, fragment)
	if err != nil {
		return err
	}
	next := n.NextSibling
	for _, c := range nodes {
		n.Parent.InsertBefore(c, next)
	}
	t.reportLocked(nodes, true)
	return nil
}

// Append implements livetree.Tree.
func (t *Tree) Append(_ context.Context, key livetree.Key, fragment string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.nodeLocked(key)
	if err != nil {
		return err
	}
	nodes, err := parseFragment(n, fragment)
	if err != nil {
		return err
	}
	for _, c := range nodes {
		n.AppendChild(c)
	}
	t.reportLocked(nodes, true)
	return nil
}

// reportLocked assigns keys to inserted elements and queues the batch.
func (t *Tree) reportLocked(nodes []*html.Node, owned bool) []livetree.Key {
	var b livetree.Batch
	var keys []livetree.Key
	for _, n := range nodes {
		if n.Type != html.ElementNode {
			continue
		}
		k := t.keyLocked(n)
		if owned {
			t.owned[k] = struct{}{}
		}
		keys = append(keys, k)
		b.Added = append(b.Added, livetree.Added{Key: k, Bearing: t.bearing(n), Owned: owned})
	}
	t.emitLocked(b)
	return keys
}

// bearing reports whether n is, or contains, a watched element.
func (t *Tree) bearing(n *html.Node) bool {
	if t.watch == nil {
		return n.Type == html.ElementNode
	}
	return t.watch.Match(n) || cascadia.Query(n, t.watch) != nil
}

func parseFragment(context *html.Node, fragment string) ([]*html.Node, error) {
	if context == nil || context.Type != html.ElementNode {
		context = &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		return nil, fmt.Errorf("htmltree: parse fragment: %w", err)
	}
	return nodes, nil
}

func attached(doc, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == doc {
			return true
		}
	}
	return false
}

func joinStyle(first, rest string) string {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return first
	}
	return first + "; " + rest
}
