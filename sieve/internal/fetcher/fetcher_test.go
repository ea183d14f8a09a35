package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var article = "<html><body><article><h1>Title</h1><p>" + strings.Repeat("Plain static prose. ", 20) + "</p></article></body></html>"

func TestIsShell(t *testing.T) {
	cases := map[string]bool{
		article: false,
		`<html><body><div id="root"></div><script>boot()</script></body></html>`:                                true,
		`<html><body><noscript>You need to enable JavaScript to run this app.</noscript>` + article + `</body>`: true,
		`<html><body><p>short</p></body></html>`:                                                                true,
		`<html><body><script>` + strings.Repeat("var x = 1;", 100) + `</script></body></html>`:                  true,
	}
	for doc, want := range cases {
		if got := IsShell([]byte(doc)); got != want {
			t.Errorf("IsShell(%.60q) = %v, want %v", doc, got, want)
		}
	}
}

func TestLoad_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(article))
	}))
	defer srv.Close()

	f := New()
	doc, err := f.Load(context.Background(), srv.URL+"/page")
	if err != nil {
		t.Fatal(err)
	}
	if doc.StatusCode != 200 || doc.Shell || string(doc.HTML) != article {
		t.Errorf("doc: status=%d shell=%v", doc.StatusCode, doc.Shell)
	}
	if _, err := f.Load(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("404 accepted")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	if err := os.WriteFile(path, []byte(article), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := New().Load(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.URL != "file://"+path || doc.Shell {
		t.Errorf("doc: %s shell=%v", doc.URL, doc.Shell)
	}
	if _, err := New().Load(context.Background(), filepath.Join(t.TempDir(), "nope.html")); err == nil {
		t.Error("missing file accepted")
	}
}
