package notion

import (
	"github.com/hazyhaar/domsieve/clip"
)

const (
	// MaxTextLen is the API limit on one rich_text content string.
	MaxTextLen = 2000
	// MaxChildren is the API limit on children per create or append call.
	MaxChildren = 100
)

// Block is one child block in the wire format the API expects.
type Block map[string]any

type text struct {
	Content string `json:"content"`
	Link    *link  `json:"link,omitempty"`
}

type link struct {
	URL string `json:"url"`
}

type richText struct {
	Text text `json:"text"`
}

// rich splits s over as many rich text items as MaxTextLen requires.
func rich(s string) []richText {
	chunks := Chunk(s, MaxTextLen)
	if len(chunks) == 0 {
		return []richText{{Text: text{Content: s}}}
	}
	out := make([]richText, len(chunks))
	for i, c := range chunks {
		out[i] = richText{Text: text{Content: c}}
	}
	return out
}

func heading(s string) Block {
	return Block{"object": "block", "type": "heading_2", "heading_2": map[string]any{"rich_text": rich(s)}}
}

func paragraph(rt []richText) Block {
	return Block{"object": "block", "type": "paragraph", "paragraph": map[string]any{"rich_text": rt}}
}

func divider() Block {
	return Block{"object": "block", "type": "divider", "divider": map[string]any{}}
}

func image(url string) Block {
	return Block{"object": "block", "type": "image", "image": map[string]any{
		"type":     "external",
		"external": link{URL: url},
	}}
}

// Children builds the page body: a header (title, author, linked source,
// divider) followed by the article content. Text longer than MaxTextLen
// runes is split over consecutive paragraphs.
func Children(a clip.Article) []Block {
	out := []Block{
		heading(a.Title),
		paragraph(rich("Author: " + a.Author)),
	}
	src := richText{Text: text{Content: "Source: " + a.URL}}
	if a.URL != "" {
		src.Text.Link = &link{URL: a.URL}
	}
	out = append(out, paragraph([]richText{src}), divider())

	if len(a.Blocks) == 0 {
		return append(out, paragraphs(a.Content)...)
	}
	for _, b := range a.Blocks {
		switch b.Type {
		case clip.BlockImage:
			if b.URL != "" {
				out = append(out, image(b.URL))
			}
		default:
			out = append(out, paragraphs(b.Text)...)
		}
	}
	return out
}

func paragraphs(s string) []Block {
	var out []Block
	for _, chunk := range Chunk(s, MaxTextLen) {
		out = append(out, paragraph(rich(chunk)))
	}
	return out
}

// Chunk splits s into pieces of at most n runes. Empty input gives nil.
func Chunk(s string, n int) []string {
	if s == "" || n <= 0 {
		return nil
	}
	r := []rune(s)
	var out []string
	for start := 0; start < len(r); start += n {
		end := min(start+n, len(r))
		out = append(out, string(r[start:end]))
	}
	return out
}
