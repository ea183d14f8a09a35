package clip

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

var (
	policy = bluemonday.UGCPolicy()
	conv   = md.NewConverter(md.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	))
)

// Sanitize strips scripts, handlers and anything else a user-generated
// content policy would not allow.
func Sanitize(raw string) string {
	return policy.Sanitize(raw)
}

// Markdown renders the article for the archive. The sanitized card markup
// is preferred; blocks are the fallback when the converter yields nothing.
func Markdown(a Article) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(a.Title)
	b.WriteString("\n\n")
	b.WriteString("Author: ")
	b.WriteString(a.Author)
	b.WriteString("\n\n")
	if a.URL != "" {
		b.WriteString("Source: <")
		b.WriteString(a.URL)
		b.WriteString(">\n\n")
	}
	b.WriteString("---\n\n")

	if a.HTML != "" {
		out, err := conv.ConvertString(a.HTML, md.WithDomain(a.URL))
		if err == nil && strings.TrimSpace(out) != "" {
			b.WriteString(strings.TrimSpace(out))
			b.WriteString("\n")
			return b.String()
		}
	}
	for _, blk := range a.Blocks {
		switch blk.Type {
		case BlockImage:
			b.WriteString("![](")
			b.WriteString(blk.URL)
			b.WriteString(")\n\n")
		default:
			b.WriteString(blk.Text)
			b.WriteString("\n\n")
		}
	}
	if len(a.Blocks) == 0 && a.Content != "" {
		b.WriteString(a.Content)
		b.WriteString("\n")
	}
	return b.String()
}
