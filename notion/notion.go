// Package notion saves captured articles as Notion pages.
//
// A page is created under a database (properties Name, URL, Author) or under
// a page (title only). Bodies longer than one create call allows are
// appended in order. A database that lacks the URL or Author property
// answers validation_error; the save is then retried with Name alone.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/domsieve/clip"
)

const (
	DefaultBaseURL = "https://api.notion.com"
	// APIVersion is sent as the Notion-Version header.
	APIVersion = "2022-06-28"

	TargetDatabase = "database"
	TargetPage     = "page"
)

// ErrNotConfigured is returned when the token or the target is missing.
var ErrNotConfigured = errors.New("notion: token and target must be configured")

// Config configures a Client.
type Config struct {
	Token    string `yaml:"token" json:"-"`
	TargetID string `yaml:"target_id" json:"target_id"`
	// TargetType is "database" (default) or "page".
	TargetType string `yaml:"target_type" json:"target_type"`
	BaseURL    string `yaml:"base_url" json:"base_url,omitempty"`

	// Rate is the steady request rate. Default 3/s, the published average.
	Rate rate.Limit `yaml:"-" json:"-"`
	// MaxRetries bounds retries on 429 and 503. Default 3.
	MaxRetries int          `yaml:"max_retries" json:"-"`
	HTTPClient *http.Client `yaml:"-" json:"-"`
	Logger     *slog.Logger `yaml:"-" json:"-"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notion: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsValidation reports whether err is an API validation_error.
func IsValidation(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "validation_error"
}

// SaveResult is reported back to the page control.
type SaveResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	PageID  string `json:"page_id,omitempty"`
	Error   string `json:"error,omitempty"`
	// Fallback is set when the page was created with the title only.
	Fallback bool `json:"fallback,omitempty"`
}

// Target is a database or page the integration can write to.
type Target struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Object string `json:"object"` // "database" | "page"
}

// Client talks to the Notion REST API. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New builds a Client. An unconfigured client is valid; its calls fail
// with ErrNotConfigured.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TargetType == "" {
		cfg.TargetType = TargetDatabase
	}
	if cfg.Rate == 0 {
		cfg.Rate = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(cfg.Rate, 1),
		logger:  cfg.Logger,
	}
}

// Configured reports whether Save can be attempted.
func (c *Client) Configured() bool {
	return c.cfg.Token != "" && c.cfg.TargetID != ""
}

// Save creates a page for a and never returns an error: failures are
// carried in the result so they can be shown next to the control.
func (c *Client) Save(ctx context.Context, a clip.Article) SaveResult {
	p, fallback, err := c.CreatePage(ctx, a)
	if err != nil {
		c.logger.Warn("notion: save failed", "url", a.URL, "page", p.URL, "error", err)
		// A page created before a failed append is still there.
		return SaveResult{Error: err.Error(), URL: p.URL, PageID: p.ID, Fallback: fallback}
	}
	c.logger.Info("notion: saved", "url", a.URL, "page", p.URL, "fallback", fallback)
	return SaveResult{Success: true, URL: p.URL, PageID: p.ID, Fallback: fallback}
}

// Page is the subset of a page object we read back.
type Page struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreatePage creates the page and appends any children beyond the first
// MaxChildren. fallback reports a title-only retry.
func (c *Client) CreatePage(ctx context.Context, a clip.Article) (page Page, fallback bool, err error) {
	if !c.Configured() {
		return Page{}, false, ErrNotConfigured
	}
	children := Children(a)
	first, rest := children, []Block(nil)
	if len(children) > MaxChildren {
		first, rest = children[:MaxChildren], children[MaxChildren:]
	}

	body := map[string]any{
		"parent":     c.parent(),
		"properties": c.properties(a, false),
		"children":   first,
	}
	err = c.do(ctx, http.MethodPost, "/v1/pages", body, &page)
	if err != nil && c.cfg.TargetType == TargetDatabase && IsValidation(err) {
		c.logger.Warn("notion: database properties mismatch, retrying with title only", "error", err)
		body["properties"] = c.properties(a, true)
		if ferr := c.do(ctx, http.MethodPost, "/v1/pages", body, &page); ferr == nil {
			err, fallback = nil, true
		}
	}
	if err != nil {
		return Page{}, false, err
	}
	if page.URL == "" && page.ID != "" {
		page.URL = "https://www.notion.so/" + strings.ReplaceAll(page.ID, "-", "")
	}

	for len(rest) > 0 {
		n := min(MaxChildren, len(rest))
		path := "/v1/blocks/" + page.ID + "/children"
		if err := c.do(ctx, http.MethodPatch, path, map[string]any{"children": rest[:n]}, nil); err != nil {
			return page, fallback, fmt.Errorf("notion: append children: %w", err)
		}
		rest = rest[n:]
	}
	return page, fallback, nil
}

func (c *Client) parent() map[string]string {
	if c.cfg.TargetType == TargetPage {
		return map[string]string{"page_id": c.cfg.TargetID}
	}
	return map[string]string{"database_id": c.cfg.TargetID}
}

func (c *Client) properties(a clip.Article, titleOnly bool) map[string]any {
	if c.cfg.TargetType == TargetPage {
		return map[string]any{"title": rich(a.Title)}
	}
	props := map[string]any{"Name": map[string]any{"title": rich(a.Title)}}
	if titleOnly {
		return props
	}
	if a.URL != "" {
		props["URL"] = map[string]any{"url": a.URL}
	}
	props["Author"] = map[string]any{"rich_text": rich(a.Author)}
	return props
}

type plainText struct {
	PlainText string `json:"plain_text"`
}

type searchItem struct {
	ID         string          `json:"id"`
	Object     string          `json:"object"`
	Title      []plainText     `json:"title"`
	Properties json.RawMessage `json:"properties"`
}

func (it searchItem) title() string {
	if len(it.Title) > 0 && it.Title[0].PlainText != "" {
		return it.Title[0].PlainText
	}
	// Database property schemas share the key but not the shape, hence
	// the lenient decode.
	var props struct {
		Title struct {
			Title []plainText `json:"title"`
		} `json:"title"`
	}
	if json.Unmarshal(it.Properties, &props) == nil && len(props.Title.Title) > 0 {
		return props.Title.Title[0].PlainText
	}
	return "Untitled"
}

// Search lists the databases and pages shared with the integration, most
// recently edited first. query may be empty.
func (c *Client) Search(ctx context.Context, query string) ([]Target, error) {
	if c.cfg.Token == "" {
		return nil, ErrNotConfigured
	}
	body := map[string]any{
		"sort": map[string]string{"direction": "descending", "timestamp": "last_edited_time"},
	}
	if query != "" {
		body["query"] = query
	}
	var resp struct {
		Results []searchItem `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/search", body, &resp); err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(resp.Results))
	for _, it := range resp.Results {
		out = append(out, Target{ID: it.ID, Title: it.title(), Object: it.Object})
	}
	return out, nil
}

// do sends one JSON request, pacing with the limiter and retrying on 429
// and 503 per Retry-After.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("notion: marshal: %w", err)
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("notion: rate wait: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("notion: new request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		req.Header.Set("Notion-Version", APIVersion)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("notion: %s %s: %w", method, path, err)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("notion: read body: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("notion: decode: %w", err)
			}
			return nil
		}

		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		apiErr.Status = resp.StatusCode

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable
		if !retryable || attempt >= c.cfg.MaxRetries {
			return apiErr
		}
		wait := retryAfter(resp.Header.Get("Retry-After"), attempt)
		c.logger.Warn("notion: throttled", "path", path, "status", resp.StatusCode, "wait", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func retryAfter(h string, attempt int) time.Duration {
	if s, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && s >= 0 {
		return time.Duration(s) * time.Second
	}
	return time.Duration(1<<attempt) * time.Second
}
