package render

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domsieve/idgen"
	"github.com/hazyhaar/domsieve/livetree"
)

const flow = "graph TD\n  A[Start] --> B{是否?}\n  B -->|yes| C"

func TestEncodeDecode(t *testing.T) {
	enc := Encode(flow)
	param, err := url.QueryUnescape(enc)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(param)
	if err != nil || got != flow {
		t.Fatalf("round trip: %q %v", got, err)
	}

	// An unescaped '+' arrives as a space. ">>>" encodes to "Pj4+".
	raw := base64.StdEncoding.EncodeToString([]byte("graph LR\n>>>?"))
	if got, err := Decode(strings.ReplaceAll(raw, "+", " ")); err != nil || got != "graph LR\n>>>?" {
		t.Errorf("plus recovery: %q %v", got, err)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode(""); !errors.Is(err, ErrNoCode) {
		t.Errorf("empty: %v", err)
	}
	if _, err := Decode("!!notbase64"); !errors.Is(err, ErrEncoding) {
		t.Errorf("garbage: %v", err)
	}
	bad := base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe})
	if _, err := Decode(bad); !errors.Is(err, ErrEncoding) {
		t.Errorf("invalid utf-8: %v", err)
	}
}

func TestFragment(t *testing.T) {
	r := &Renderer{PageURL: "http://127.0.0.1:8765/render", NewID: idgen.Sequence("rnd_")}
	frag, err := r.Fragment(livetree.Candidate{Text: "graph TD A --> B", Raw: "\n" + flow + "\n"})
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := html.ParseFragment(strings.NewReader(frag), &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div})
	if err != nil || len(nodes) != 1 {
		t.Fatalf("parse: %d nodes, %v", len(nodes), err)
	}
	root := nodes[0]
	if attr(root, "data-render-id") != "rnd_1" || attr(root, "class") != ContainerClass {
		t.Errorf("container attrs: %v", root.Attr)
	}
	if cascadia.Query(root, cascadia.MustCompile("pre, code")) != nil {
		t.Error("container carries pre/code and would be picked up as a candidate")
	}

	frame := cascadia.Query(root, cascadia.MustCompile("iframe"))
	if frame == nil {
		t.Fatal("no iframe")
	}
	u, err := url.Parse(attr(frame, "src"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(u.Query().Get("code"))
	if err != nil || got != flow {
		t.Errorf("iframe code: %q %v", got, err)
	}

	src := cascadia.Query(root, cascadia.MustCompile(".sieve-diagram-source"))
	if src == nil || src.FirstChild == nil || src.FirstChild.Data != flow {
		t.Error("source view lost the code")
	}

	if _, err := r.Fragment(livetree.Candidate{Text: "  "}); !errors.Is(err, ErrNoCode) {
		t.Errorf("blank code: %v", err)
	}
}

func TestHandler(t *testing.T) {
	h := NewHandler(HandlerConfig{MermaidURL: "https://cdn.example/mermaid.js"})
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, body := get(t, srv.URL+"?code="+Encode(flow))
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("status %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(body, `src="https://cdn.example/mermaid.js"`) {
		t.Error("mermaid script missing")
	}
	// The code is embedded as a JS string literal, never as markup.
	if !strings.Contains(body, `"graph TD\n  A[Start]`) || !strings.Contains(body, "是否") {
		t.Errorf("code literal missing:\n%s", body)
	}

	_, body = get(t, srv.URL+"?code=%21%21")
	if !strings.Contains(body, `class="error"`) || strings.Contains(body, "cdn.example") {
		t.Errorf("decode error not shown inline:\n%s", body)
	}

	if s := h.Stats(); s.Served != 1 || s.Failed != 1 {
		t.Errorf("stats: %+v", s)
	}
}

func TestSignal(t *testing.T) {
	ok := Signal{Type: MsgRendered, Height: 300}
	if ok.Validate() != nil || ok.FrameHeight() != 320 {
		t.Errorf("rendered: %v %d", ok.Validate(), ok.FrameHeight())
	}
	if (Signal{Type: MsgError, Error: "x"}).FrameHeight() != 100 {
		t.Error("error height")
	}
	if (Signal{Type: "hello"}).Validate() == nil {
		t.Error("unknown type accepted")
	}
}

func get(t *testing.T, u string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(u)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(b)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
