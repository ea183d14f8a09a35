// Package render turns diagram source found in a page into a sandboxed
// rendering. The page gets an owned container whose iframe loads the
// renderer page served by Handler; the renderer reports its height or its
// error back with postMessage, and the page relays that as a Signal.
package render

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/domsieve/idgen"
	"github.com/hazyhaar/domsieve/livetree"
)

// Message types posted by the renderer page.
const (
	MsgRendered = "mermaid-rendered"
	MsgError    = "mermaid-error"
	MsgExport   = "export-data"
)

// DefaultMermaidURL is the script the renderer page loads.
const DefaultMermaidURL = "https://cdn.jsdelivr.net/npm/mermaid@11/dist/mermaid.min.js"

// ContainerClass marks the inserted container. Page scripts look for it to
// wire the toolbar.
const ContainerClass = "sieve-diagram"

var (
	ErrNoCode   = errors.New("render: no diagram code provided")
	ErrEncoding = errors.New("render: code is not valid base64 UTF-8")
)

// Encode produces the value of the renderer's code query parameter:
// base64 of the UTF-8 text, URL-escaped.
func Encode(code string) string {
	return url.QueryEscape(base64.StdEncoding.EncodeToString([]byte(code)))
}

// Decode reverses Encode on an already unescaped query value.
func Decode(param string) (string, error) {
	if param == "" {
		return "", ErrNoCode
	}
	// '+' turns into ' ' when a client forgets to escape the parameter.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(param, " ", "+"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if !utf8.Valid(raw) {
		return "", ErrEncoding
	}
	return string(raw), nil
}

// Renderer builds containers for matched code blocks. It implements
// livetree.Renderer.
type Renderer struct {
	// PageURL is the absolute URL of the renderer page, e.g.
	// "http://127.0.0.1:8765/render".
	PageURL string
	NewID   idgen.Generator
}

// NewRenderer returns a Renderer pointing at pageURL.
func NewRenderer(pageURL string) *Renderer {
	return &Renderer{PageURL: pageURL, NewID: idgen.Render}
}

// FrameURL is the iframe source for code.
func (r *Renderer) FrameURL(code string) string {
	sep := "?"
	if strings.Contains(r.PageURL, "?") {
		sep = "&"
	}
	return r.PageURL + sep + "code=" + Encode(code)
}

// Fragment returns the container markup. The source is kept in a hidden
// div rather than pre/code so the container never looks like a candidate
// itself.
func (r *Renderer) Fragment(c livetree.Candidate) (string, error) {
	code := c.Raw
	if code == "" {
		code = c.Text
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrNoCode
	}
	id := r.NewID()

	var b strings.Builder
	fmt.Fprintf(&b, `<div class="%s" data-render-id="%s">`, ContainerClass, html.EscapeString(id))
	b.WriteString(`<div class="sieve-diagram-toolbar">`)
	b.WriteString(`<button type="button" data-action="toggle-source" title="Show source">Source</button>`)
	b.WriteString(`<button type="button" data-action="fullscreen" title="Fullscreen">Fullscreen</button>`)
	b.WriteString(`<button type="button" data-action="export-svg" title="Export SVG">SVG</button>`)
	b.WriteString(`</div>`)
	fmt.Fprintf(&b, `<iframe class="sieve-diagram-frame" title="Diagram" src="%s" style="width:100%%;min-height:100px;border:none;background:transparent"></iframe>`,
		html.EscapeString(r.FrameURL(code)))
	fmt.Fprintf(&b, `<div class="sieve-diagram-source" hidden style="white-space:pre-wrap;font-family:monospace">%s</div>`,
		html.EscapeString(code))
	b.WriteString(`</div>`)
	return b.String(), nil
}

// Signal is a renderer message relayed by the page.
type Signal struct {
	Type     string `json:"type"`
	RenderID string `json:"render_id"`
	Height   int    `json:"height,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Validate rejects messages that did not come from the renderer page.
func (s Signal) Validate() error {
	switch s.Type {
	case MsgRendered:
		if s.Height < 0 {
			return fmt.Errorf("render: negative height %d", s.Height)
		}
	case MsgError, MsgExport:
	default:
		return fmt.Errorf("render: unknown signal type %q", s.Type)
	}
	return nil
}

// FrameHeight is the iframe height the page applies for s: the reported
// height plus a margin, or the minimum on error.
func (s Signal) FrameHeight() int {
	if s.Type == MsgRendered {
		return s.Height + 20
	}
	return 100
}
