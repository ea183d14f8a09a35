// Package config holds the domsieve daemon configuration, read from YAML
// with defaults applied after load.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile names.
const (
	ProfileFilter = "filter"
	ProfileRender = "render"
	ProfileClip   = "clip"
)

// Rule source kinds.
const (
	RulesStatic = "static"
	RulesFile   = "file"
	RulesSQLite = "sqlite"
)

// Config is the top-level domsieve configuration.
type Config struct {
	Browser  BrowserConfig            `yaml:"browser"`
	Pages    []PageConfig             `yaml:"pages"`
	Profiles map[string]ProfileConfig `yaml:"profiles"`
	Rules    RulesConfig              `yaml:"rules"`
	Store    StoreConfig              `yaml:"store"`
	Notion   NotionConfig             `yaml:"notion"`
	Render   RenderConfig             `yaml:"render"`
	HTTP     HTTPConfig               `yaml:"http"`
	Sinks    []SinkConfig             `yaml:"sinks"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// PageConfig is one page to attach to.
type PageConfig struct {
	ID      string `yaml:"id"`
	URL     string `yaml:"url"`
	Profile string `yaml:"profile"` // filter | render | clip
	// Debounce overrides the profile window.
	Debounce time.Duration `yaml:"debounce"`
	// Manual disables mutation-driven scans: only the initial scan, rule
	// changes and explicit scan requests run.
	Manual bool `yaml:"manual"`
}

// ProfileConfig overrides parts of a built-in profile. Empty fields keep
// the built-in value.
type ProfileConfig struct {
	Candidates []string      `yaml:"candidates"`
	Anchor     string        `yaml:"anchor"`
	Watch      string        `yaml:"watch"`
	Expanded   string        `yaml:"expanded"`
	Modal      string        `yaml:"modal"`
	Control    string        `yaml:"control"`
	Debounce   time.Duration `yaml:"debounce"`
}

// RulesConfig selects the rule source. Keywords, AdSelectors and AdLabels
// are the whole rule set for the static source and the seed for sqlite.
type RulesConfig struct {
	Source          string        `yaml:"source"` // static | file | sqlite
	Path            string        `yaml:"path"`   // file source
	Keywords        []string      `yaml:"keywords"`
	AdSelectors     []string      `yaml:"ad_selectors"`
	AdLabels        []string      `yaml:"ad_labels"`
	CaseInsensitive bool          `yaml:"case_insensitive"`
	Poll            time.Duration `yaml:"poll"`
}

// StoreConfig locates the SQLite database (sqlite rules, clip archive).
type StoreConfig struct {
	Path string `yaml:"path"`
}

// NotionConfig configures the remote save service. The token may also
// come from NOTION_TOKEN.
type NotionConfig struct {
	Token      string `yaml:"token"`
	TargetID   string `yaml:"target_id"`
	TargetType string `yaml:"target_type"` // database | page
	BaseURL    string `yaml:"base_url"`
}

// RenderConfig configures the diagram renderer page.
type RenderConfig struct {
	MermaidURL string `yaml:"mermaid_url"`
	// PublicURL is the renderer page URL as the browser sees it. Default
	// derived from HTTP.Addr.
	PublicURL string `yaml:"public_url"`
}

// HTTPConfig configures the control API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// TokenHash is a bcrypt hash of the bearer token. Empty disables auth.
	TokenHash string `yaml:"token_hash"`
	MCP       bool   `yaml:"mcp"`
}

// SinkConfig defines an event output.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook
	URL  string `yaml:"url"`
	// Types limits a webhook to these event types. Empty sends all.
	Types []string `yaml:"types"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used without a file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Rules.Source == "" {
		c.Rules.Source = RulesStatic
	}
	if c.Rules.Poll <= 0 {
		c.Rules.Poll = 200 * time.Millisecond
	}
	if c.Store.Path == "" {
		c.Store.Path = "domsieve.db"
	}
	if c.Notion.Token == "" {
		c.Notion.Token = os.Getenv("NOTION_TOKEN")
	}
	if c.Notion.TargetType == "" {
		c.Notion.TargetType = "database"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8765"
	}
	if c.Render.PublicURL == "" {
		c.Render.PublicURL = "http://" + c.HTTP.Addr + "/render"
	}
	for i := range c.Pages {
		if c.Pages[i].Profile == "" {
			c.Pages[i].Profile = ProfileFilter
		}
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("%s-%d", c.Pages[i].Profile, i+1)
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, p := range c.Pages {
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("page %q: url is required", p.ID))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("page %q: duplicate id", p.ID))
		}
		seen[p.ID] = true
		if !KnownProfile(p.Profile) {
			errs = append(errs, fmt.Errorf("page %q: unknown profile %q", p.ID, p.Profile))
		}
	}
	for name := range c.Profiles {
		if !KnownProfile(name) {
			errs = append(errs, fmt.Errorf("profiles: unknown profile %q", name))
		}
	}
	switch c.Rules.Source {
	case RulesStatic, RulesSQLite:
	case RulesFile:
		if c.Rules.Path == "" {
			errs = append(errs, errors.New("rules: file source needs a path"))
		}
	default:
		errs = append(errs, fmt.Errorf("rules: unknown source %q", c.Rules.Source))
	}
	switch c.Notion.TargetType {
	case "database", "page":
	default:
		errs = append(errs, fmt.Errorf("notion: unknown target_type %q", c.Notion.TargetType))
	}
	for _, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				errs = append(errs, errors.New("sinks: webhook needs a url"))
			}
		default:
			errs = append(errs, fmt.Errorf("sinks: unknown type %q", s.Type))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// KnownProfile reports whether name is a built-in profile.
func KnownProfile(name string) bool {
	switch name {
	case ProfileFilter, ProfileRender, ProfileClip:
		return true
	}
	return false
}
