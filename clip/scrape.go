package clip

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domsieve/livetree/htmltree"
)

// Source is what the page hands over when the save control is clicked.
type Source struct {
	// ItemHTML is the outer HTML of the answer card (.ContentItem).
	ItemHTML string `json:"item_html"`
	// PageTitle is the text of the page-level question header, used when
	// the card carries no title of its own.
	PageTitle string `json:"page_title"`
	PageURL   string `json:"page_url"`
}

var (
	selItem       = cascadia.MustCompile(".ContentItem")
	selTitles     = []cascadia.Matcher{cascadia.MustCompile(".ContentItem-title"), cascadia.MustCompile(".QuestionItem-title")}
	selAuthors    = []cascadia.Matcher{cascadia.MustCompile(".UserLink-link"), cascadia.MustCompile(".AuthorInfo-name")}
	selRichText   = cascadia.MustCompile(".RichText, .CopyrightRichText-richText")
	selMetaURL    = cascadia.MustCompile(`meta[itemprop="url"]`)
	selParts      = cascadia.MustCompile("p, figure, h2, h3, blockquote, li, .ztext-image_parent-with-shadow, img")
	selImage      = cascadia.MustCompile("img")
	selCaption    = cascadia.MustCompile("figcaption")
	selImageFrame = cascadia.MustCompile(".ztext-image_parent-with-shadow")
)

// Scrape parses src.ItemHTML and extracts the article.
func Scrape(src Source) (Article, error) {
	doc, err := html.Parse(strings.NewReader(src.ItemHTML))
	if err != nil {
		return Article{}, fmt.Errorf("clip: parse card: %w", err)
	}
	item := cascadia.Query(doc, selItem)
	if item == nil {
		return Article{}, fmt.Errorf("clip: no .ContentItem in card markup")
	}
	return ScrapeNode(item, src.PageTitle, src.PageURL), nil
}

// ScrapeNode extracts the article from an already parsed card.
func ScrapeNode(item *html.Node, pageTitle, pageURL string) Article {
	var a Article

	// First selector in the list wins, whatever the document order.
	a.Title = firstText(item, selTitles)
	if a.Title == "" {
		a.Title = strings.TrimSpace(pageTitle)
	}
	if a.Title == "" {
		a.Title = DefaultTitle
	}
	a.Author = firstText(item, selAuthors)
	if a.Author == "" {
		a.Author = DefaultAuthor
	}

	a.URL = pageURL
	if m := cascadia.Query(item, selMetaURL); m != nil {
		if u := attr(m, "content"); u != "" {
			a.URL = u
		}
	}

	rich := cascadia.Query(item, selRichText)
	if rich != nil {
		a.Blocks = blocks(rich)
		a.Content = htmltree.Text(rich)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, item); err == nil {
		a.HTML = Sanitize(buf.String())
	}
	return a
}

func firstText(root *html.Node, sels []cascadia.Matcher) string {
	for _, s := range sels {
		if n := cascadia.Query(root, s); n != nil {
			if t := htmltree.Text(n); t != "" {
				return t
			}
		}
	}
	return ""
}

// blocks walks the rich text in document order and emits text and image
// blocks. Images are de-duplicated by URL: lazy-loaded answers carry the
// same picture twice.
func blocks(rich *html.Node) []Block {
	var out []Block
	seen := make(map[string]struct{})
	parts := cascadia.QueryAll(rich, selParts)
	isPart := make(map[*html.Node]bool, len(parts))
	for _, n := range parts {
		isPart[n] = true
	}

	for _, n := range parts {
		frame := n.DataAtom == atom.Figure || selImageFrame.Match(n)

		var src string
		switch {
		case n.DataAtom == atom.Img:
			src = imageSrc(n)
		case frame:
			if img := cascadia.Query(n, selImage); img != nil {
				src = imageSrc(img)
			}
		}

		if src != "" {
			if _, dup := seen[src]; dup {
				continue
			}
			seen[src] = struct{}{}
			out = append(out, Block{Type: BlockImage, URL: src})
			if n.DataAtom == atom.Figure {
				if c := cascadia.Query(n, selCaption); c != nil {
					if t := htmltree.Text(c); t != "" {
						out = append(out, Block{Type: BlockText, Text: t})
					}
				}
			}
			continue
		}

		if frame || n.DataAtom == atom.Img || insideImageFrame(n, rich) {
			continue
		}
		// A paragraph inside a list item or quote is covered by its parent.
		if nestedPart(n, rich, isPart) {
			continue
		}
		if t := htmltree.Text(n); t != "" {
			out = append(out, Block{Type: BlockText, Text: t})
		}
	}
	return out
}

// imageSrc prefers the lazy-load attributes over src and ignores inline
// data URLs.
func imageSrc(img *html.Node) string {
	for _, k := range []string{"data-actualsrc", "data-original", "src"} {
		if v := strings.TrimSpace(attr(img, k)); v != "" {
			if strings.HasPrefix(v, "data:") {
				return ""
			}
			return v
		}
	}
	return ""
}

func insideImageFrame(n, root *html.Node) bool {
	for p := n.Parent; p != nil && p != root; p = p.Parent {
		if p.DataAtom == atom.Figure || selImageFrame.Match(p) {
			return true
		}
	}
	return false
}

func nestedPart(n, root *html.Node, isPart map[*html.Node]bool) bool {
	for p := n.Parent; p != nil && p != root; p = p.Parent {
		if isPart[p] {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
