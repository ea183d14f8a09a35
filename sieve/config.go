package sieve

import "github.com/hazyhaar/domsieve/sieve/internal/config"

// Configuration types, re-exported from the internal config package.
type (
	Config        = config.Config
	BrowserConfig = config.BrowserConfig
	PageConfig    = config.PageConfig
	ProfileConfig = config.ProfileConfig
	RulesConfig   = config.RulesConfig
	StoreConfig   = config.StoreConfig
	NotionConfig  = config.NotionConfig
	RenderConfig  = config.RenderConfig
	HTTPConfig    = config.HTTPConfig
	SinkConfig    = config.SinkConfig
)

// Profile names.
const (
	ProfileFilter = config.ProfileFilter
	ProfileRender = config.ProfileRender
	ProfileClip   = config.ProfileClip
)

var (
	// LoadConfig reads a YAML configuration file.
	LoadConfig = config.LoadFile
	// ParseConfig decodes YAML configuration.
	ParseConfig = config.Parse
	// DefaultConfig is the configuration used without a file.
	DefaultConfig = config.Default
)
