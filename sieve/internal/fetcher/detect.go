package fetcher

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// shellRoots are mount points of client-rendered apps.
var shellRoots = map[string]bool{"root": true, "app": true, "__next": true, "__nuxt": true}

// IsShell reports whether doc is an application shell: little visible
// text, or an empty mount point, or a noscript asking for JavaScript.
func IsShell(doc []byte) bool {
	z := html.NewTokenizer(bytes.NewReader(doc))
	var text int
	skip := 0 // inside script/style
	emptyMount := false
	pendingMount := false
	inNoscript := false
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return emptyMount || text < 200
		case html.StartTagToken:
			tn, hasAttr := z.TagName()
			a := atom.Lookup(tn)
			pendingMount = false
			switch a {
			case atom.Script, atom.Style:
				skip++
			case atom.Noscript:
				inNoscript = true
			case atom.Div:
				for hasAttr {
					var k, v []byte
					k, v, hasAttr = z.TagAttr()
					if string(k) == "id" && shellRoots[string(v)] {
						pendingMount = true
					}
				}
			}
		case html.EndTagToken:
			tn, _ := z.TagName()
			switch atom.Lookup(tn) {
			case atom.Script, atom.Style:
				if skip > 0 {
					skip--
				}
			case atom.Noscript:
				inNoscript = false
			case atom.Div:
				if pendingMount {
					emptyMount = true
				}
			}
			pendingMount = false
		case html.TextToken:
			if skip > 0 {
				continue
			}
			t := strings.TrimSpace(string(z.Text()))
			if t == "" {
				continue
			}
			pendingMount = false
			if inNoscript && strings.Contains(strings.ToLower(t), "enable javascript") {
				return true
			}
			text += len(t)
		}
	}
}
