// Package clip turns an answer card into an Article ready to be saved
// remotely, and keeps a local archive of what was saved.
package clip

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by Archive.Get for an unknown id.
var ErrNotFound = errors.New("not found")

// Block is one ordered piece of article content.
type Block struct {
	Type string `json:"type"` // "text" | "image"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

const (
	BlockText  = "text"
	BlockImage = "image"
)

// Article is what the remote save service receives.
type Article struct {
	Title   string  `json:"title"`
	Author  string  `json:"author"`
	URL     string  `json:"url"`
	Content string  `json:"content"` // flattened body text
	Blocks  []Block `json:"blocks"`
	// HTML is the sanitized card markup, kept for the archive only.
	HTML string `json:"-"`
}

const (
	DefaultTitle  = "Untitled Zhihu Answer"
	DefaultAuthor = "Anonymous"
)

// Complete reports whether both a title and some body were found. The
// caller decides whether to save a partial capture anyway.
func (a Article) Complete() bool {
	return a.Title != "" && a.Title != DefaultTitle &&
		(strings.TrimSpace(a.Content) != "" || len(a.Blocks) > 0)
}

// Images returns the image URLs in order.
func (a Article) Images() []string {
	var out []string
	for _, b := range a.Blocks {
		if b.Type == BlockImage {
			out = append(out, b.URL)
		}
	}
	return out
}
