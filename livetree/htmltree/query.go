package htmltree

import (
	"context"
	"strings"
	"weak"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domsieve/livetree"
)

// Candidates implements livetree.Tree. Every selector is compiled on its
// own; a selector that does not parse is skipped and the scan goes on.
func (t *Tree) Candidates(ctx context.Context, q livetree.Query) ([]livetree.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	set := make(map[*html.Node]struct{})
	for _, s := range q.Candidates {
		sel := t.compile(s)
		if sel == nil {
			continue
		}
		for _, n := range cascadia.QueryAll(t.doc, sel) {
			set[n] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, nil
	}

	anchor := t.compile(q.Anchor)
	expanded := t.compile(q.Expanded)
	modal := t.compile(q.Modal)
	control := t.compile(q.Control)
	var ads []adRule
	for _, s := range q.AdSelectors {
		if sel := t.compile(s); sel != nil {
			ads = append(ads, adRule{src: s, sel: sel})
		}
	}

	// Walk once so the result comes out in document order.
	var out []livetree.Candidate
	walk(t.doc, func(n *html.Node) {
		if _, ok := set[n]; !ok || t.insideOwnedLocked(n) {
			return
		}
		c := livetree.Candidate{
			Key:     t.keyLocked(n),
			Text:    collapse(Text(n)),
			Class:   attr(n, "class"),
			Visible: visible(n),
		}
		an := n
		if anchor != nil {
			if a := closest(n, anchor); a != nil {
				an = a
			}
		}
		c.Anchor = t.keyLocked(an)
		if q.RawText {
			c.Raw = RawText(n)
		}
		if expanded != nil {
			c.Expanded = expanded.Match(n) || cascadia.Query(n, expanded) != nil
		}
		if modal != nil {
			c.InModal = closest(n, modal) != nil
		}
		if control != nil {
			c.HasControl = cascadia.Query(an, control) != nil
		}
		for _, r := range ads {
			if r.sel.Match(n) {
				c.AdSelector = r.src
				break
			}
		}
		if len(q.AdLabels) > 0 {
			c.AdLabel = findLabel(n, q.AdLabels)
		}
		out = append(out, c)
	})
	return out, nil
}

// insideOwnedLocked reports whether n belongs to a fragment inserted by a
// transformer. Such elements are never candidates.
func (t *Tree) insideOwnedLocked(n *html.Node) bool {
	if len(t.owned) == 0 {
		return false
	}
	for p := n; p != nil; p = p.Parent {
		if k, ok := t.keys[weak.Make(p)]; ok {
			if _, own := t.owned[k]; own {
				return true
			}
		}
	}
	return false
}

type adRule struct {
	src string
	sel cascadia.Sel
}

func (t *Tree) compile(s string) cascadia.Sel {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	sel, err := cascadia.Parse(s)
	if err != nil {
		t.logger.Debug("htmltree: skipping selector", "selector", s, "error", err)
		return nil
	}
	return sel
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// closest mirrors Element.closest: n itself or its nearest matching ancestor.
func closest(n *html.Node, sel cascadia.Sel) *html.Node {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && sel.Match(p) {
			return p
		}
	}
	return nil
}

// findLabel returns the first label that equals the own text of a
// descendant element of n.
func findLabel(n *html.Node, labels []string) string {
	var found string
	var f func(*html.Node) bool
	f = func(e *html.Node) bool {
		for c := e.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			own := strings.TrimSpace(OwnText(c))
			for _, l := range labels {
				if own != "" && own == l {
					found = l
					return true
				}
			}
			if f(c) {
				return true
			}
		}
		return false
	}
	f(n)
	return found
}

// Text approximates innerText for a subtree. Inline text is concatenated
// as is, so markup inside a word does not split it. Block elements and
// <br> break lines; whitespace runs collapse to one space and blank lines
// are dropped. script, style, noscript and template are skipped.
func Text(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		block := false
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			switch {
			case n.DataAtom == atom.Script, n.DataAtom == atom.Style,
				n.DataAtom == atom.Noscript, n.DataAtom == atom.Template:
				return
			case n.DataAtom == atom.Br:
				sb.WriteByte('\n')
				return
			case n.DataAtom == atom.Td, n.DataAtom == atom.Th:
				sb.WriteByte(' ')
			}
			block = blockAtoms[n.DataAtom]
		}
		if block {
			sb.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
		if block {
			sb.WriteByte('\n')
		}
	}
	f(n)

	lines := strings.Split(sb.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = collapse(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// blockAtoms start and end a line in Text.
var blockAtoms = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Caption: true, atom.Dd: true, atom.Details: true, atom.Dialog: true,
	atom.Div: true, atom.Dl: true, atom.Dt: true, atom.Fieldset: true,
	atom.Figcaption: true, atom.Figure: true, atom.Footer: true, atom.Form: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Header: true, atom.Hr: true, atom.Li: true, atom.Main: true, atom.Nav: true,
	atom.Ol: true, atom.P: true, atom.Pre: true, atom.Section: true, atom.Summary: true,
	atom.Table: true, atom.Tr: true, atom.Ul: true,
}

// collapse turns every whitespace run into one space and trims the ends.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// RawText concatenates text nodes verbatim, like Node.textContent. Code
// blocks need their newlines.
func RawText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return sb.String()
}

// OwnText returns the text of n's direct text children.
func OwnText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

// visible approximates a rendered box: no hidden attribute and no inline
// display:none on the element or its ancestors.
func visible(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if _, ok := getAttr(p, "hidden"); ok {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(attr(p, "style")), " ", "")
		if strings.Contains(style, "display:none") {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	v, _ := getAttr(n, key)
	return v
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key && a.Namespace == "" {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key && a.Namespace == "" {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key == key && a.Namespace == "" {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}
