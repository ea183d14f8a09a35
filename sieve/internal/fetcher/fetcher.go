// Package fetcher loads a static document for one-shot runs: a local file
// or a single HTTP GET, no browser.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// MaxBody caps what is read from a file or response.
const MaxBody = 10 << 20

// Document is a loaded page.
type Document struct {
	URL        string // source URL, or file:// path
	HTML       []byte
	StatusCode int
	// Shell is true when the markup looks like a script-rendered shell
	// that needs the browser to produce content.
	Shell bool
}

// Fetcher loads documents.
type Fetcher struct {
	client *http.Client
	ua     string
	logger *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; domsieve/1.0)",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Load reads src: http(s) URLs are fetched, anything else is a file path.
func (f *Fetcher) Load(ctx context.Context, src string) (*Document, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return f.fetch(ctx, src)
	}
	file, err := os.Open(strings.TrimPrefix(src, "file://"))
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}
	defer file.Close()
	body, err := io.ReadAll(io.LimitReader(file, MaxBody))
	if err != nil {
		return nil, fmt.Errorf("fetcher: read %s: %w", src, err)
	}
	return &Document{URL: "file://" + strings.TrimPrefix(src, "file://"), HTML: body, Shell: IsShell(body)}, nil
}

func (f *Fetcher) fetch(ctx context.Context, pageURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetcher: %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBody))
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}
	doc := &Document{URL: pageURL, HTML: body, StatusCode: resp.StatusCode, Shell: IsShell(body)}
	f.logger.Debug("fetcher: fetched",
		"url", pageURL, "status", resp.StatusCode, "size", len(body), "shell", doc.Shell)
	return doc, nil
}
