package sieve

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/domsieve/clip"
	"github.com/hazyhaar/domsieve/render"
)

const testToken = "s3cret"

func newAPI(t *testing.T) (*Watcher, *httptest.Server) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := newWatcher(t, `
pages:
  - id: feed
    url: https://www.zhihu.com/
rules:
  keywords: [spam]
http:
  token_hash: "`+string(hash)+`"
`)
	srv := httptest.NewServer(w.Handler())
	t.Cleanup(srv.Close)
	return w, srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHTTP_Auth(t *testing.T) {
	_, srv := newAPI(t)
	for _, h := range []string{"", "Bearer wrong", "Basic abc"} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/rules", nil)
		if h != "" {
			req.Header.Set("Authorization", h)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%q: status %d", h, resp.StatusCode)
		}
	}
	// Twice: the second request takes the cached path.
	for range 2 {
		if code := do(t, srv, http.MethodGet, "/api/rules", "", nil); code != http.StatusOK {
			t.Errorf("valid token: status %d", code)
		}
	}
}

func TestHTTP_Keywords(t *testing.T) {
	_, srv := newAPI(t)

	var res KeywordResult
	if code := do(t, srv, http.MethodPost, "/api/rules/keywords", `{"keyword":"课程"}`, &res); code != http.StatusOK {
		t.Fatalf("add: status %d", code)
	}
	if !res.Added || len(res.Keywords) != 2 || res.Keywords[1] != "课程" {
		t.Errorf("add: %+v", res)
	}
	res = KeywordResult{}
	do(t, srv, http.MethodPost, "/api/rules/keywords", `{"keyword":"课程"}`, &res)
	if res.Added {
		t.Error("duplicate keyword reported as added")
	}
	if code := do(t, srv, http.MethodPost, "/api/rules/keywords", `{"keyword":"  "}`, nil); code != http.StatusBadRequest {
		t.Errorf("empty keyword: status %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/api/rules/keywords", `{`, nil); code != http.StatusBadRequest {
		t.Errorf("bad json: status %d", code)
	}

	path := "/api/rules/keywords/" + url.PathEscape("课程")
	res = KeywordResult{}
	if code := do(t, srv, http.MethodDelete, path, "", &res); code != http.StatusOK || !res.Removed {
		t.Errorf("remove: %d %+v", code, res)
	}
	if code := do(t, srv, http.MethodDelete, path, "", nil); code != http.StatusNotFound {
		t.Errorf("remove missing: status %d", code)
	}

	// Literal percent signs survive the path round trip.
	for _, kw := range []string{"a%20b", "50% off", "a/b"} {
		body, _ := json.Marshal(map[string]string{"keyword": kw})
		do(t, srv, http.MethodPost, "/api/rules/keywords", string(body), nil)
		res = KeywordResult{}
		if code := do(t, srv, http.MethodDelete, "/api/rules/keywords/"+url.PathEscape(kw), "", &res); code != http.StatusOK || !res.Removed {
			t.Errorf("remove %q: %d %+v", kw, code, res)
		}
	}

	var rs struct {
		Keywords []string `json:"keywords"`
		Disabled bool     `json:"disabled"`
	}
	do(t, srv, http.MethodPut, "/api/rules/disabled", `{"disabled":true}`, nil)
	do(t, srv, http.MethodGet, "/api/rules", "", &rs)
	if !rs.Disabled || len(rs.Keywords) != 1 {
		t.Errorf("rules: %+v", rs)
	}
}

func TestHTTP_Pages(t *testing.T) {
	_, srv := newAPI(t)

	var pages []PageStats
	if code := do(t, srv, http.MethodGet, "/api/pages", "", &pages); code != http.StatusOK || len(pages) != 1 {
		t.Fatalf("pages: %d %+v", code, pages)
	}
	if pages[0].ID != "feed" || pages[0].Attached {
		t.Errorf("page: %+v", pages[0])
	}
	if code := do(t, srv, http.MethodGet, "/api/pages/nope/stats", "", nil); code != http.StatusNotFound {
		t.Errorf("unknown page: status %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/api/pages/feed/scan", "", nil); code != http.StatusConflict {
		t.Errorf("scan detached page: status %d", code)
	}
	if code := do(t, srv, http.MethodGet, "/api/notion/targets?q=x", "", nil); code != http.StatusServiceUnavailable {
		t.Errorf("targets without notion: status %d", code)
	}
}

func TestHTTP_Clips(t *testing.T) {
	_, srv := newAPI(t)

	body, _ := json.Marshal(ClipRequest{Source: clip.Source{
		ItemHTML: `<div class="ContentItem"><h2 class="ContentItem-title">Saved title</h2>
			<div class="RichContent"><span class="RichText"><p>body text</p></span></div></div>`,
		PageURL: "https://www.zhihu.com/question/1",
	}})
	var res ClipResult
	if code := do(t, srv, http.MethodPost, "/api/clips", string(body), &res); code != http.StatusOK {
		t.Fatalf("clip: status %d", code)
	}
	if res.Success || res.ArchiveID == "" || res.Title != "Saved title" {
		t.Errorf("clip: %+v", res)
	}

	var list []clip.Record
	do(t, srv, http.MethodGet, "/api/clips?limit=5", "", &list)
	if len(list) != 1 || list[0].ID != res.ArchiveID {
		t.Fatalf("list: %+v", list)
	}
	var rec clip.Record
	if code := do(t, srv, http.MethodGet, "/api/clips/"+res.ArchiveID, "", &rec); code != http.StatusOK {
		t.Fatalf("get: status %d", code)
	}
	if !strings.Contains(rec.Markdown, "# Saved title") || !strings.Contains(rec.Markdown, "body text") {
		t.Errorf("markdown:\n%s", rec.Markdown)
	}
	if code := do(t, srv, http.MethodGet, "/api/clips/clip_missing", "", nil); code != http.StatusNotFound {
		t.Errorf("missing clip: status %d", code)
	}
	if code := do(t, srv, http.MethodGet, "/api/clips?limit=x", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit: status %d", code)
	}
}

func TestHTTP_OpenRoutes(t *testing.T) {
	w, srv := newAPI(t)

	resp, err := http.Get(srv.URL + "/render?code=" + render.Encode("graph TD\n A --> B"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("render page: status %d", resp.StatusCode)
	}
	if s := w.RenderHandler().Stats(); s.Served != 1 {
		t.Errorf("render stats: %+v", s)
	}

	w.Metrics().clips.WithLabelValues("saved").Inc()
	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), `domsieve_clips_total{outcome="saved"} 1`) {
		t.Errorf("metrics:\n%s", b)
	}
}
