package config

import (
	"fmt"
	"time"
)

// DefaultIgnore are glob patterns skipped during extraction by default.
var DefaultIgnore = []string{
	"__MACOSX/**",
	"**/.DS_Store",
	"**/Thumbs.db",
}

// DefaultSpecialDirs are directories next to an entry document whose
// contents are materialized up front.
var DefaultSpecialDirs = []string{"lang", "packs", "assets"}

// DefaultPackagedExtensions are the packaged-data formats loaded by the
// embedded runtime at run time rather than through markup.
var DefaultPackagedExtensions = []string{".epk", ".epw"}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            ".bundlevault",
		Port:               8787,
		EntryExtension:     ".html",
		SpecialDirs:        DefaultSpecialDirs,
		PackagedExtensions: DefaultPackagedExtensions,
		OptionsGlobal:      "eaglercraftXOpts",
		Ignore:             DefaultIgnore,
		FetchTimeout:       5 * time.Minute,
		RequestTimeout:     10 * time.Minute,
		MaxConcurrency:     4,
		UsageCapacity:      5,
		LFSRewrite:         true,
		Limits: LimitsConfig{
			MaxFiles:       50000,
			MaxSize:        4 << 30,
			MaxFileSize:    512 << 20,
			MaxArchiveSize: 8 << 30,
		},
	}
}

// HandleBase returns the URL prefix under which content handles are
// dereferenced. An explicit handle_base_url wins; otherwise it points at
// the local server.
func (c *Config) HandleBase() string {
	if c.HandleBaseURL != "" {
		return c.HandleBaseURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d/blobs", c.Port)
}
