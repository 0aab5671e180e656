package config

import "time"

// Config is the top-level bundlevault configuration, corresponding to .bundlevault.yml.
type Config struct {
	ArchiveURL         string        `yaml:"archive_url" koanf:"archive_url"`
	DataDir            string        `yaml:"data_dir" koanf:"data_dir"`
	Port               int           `yaml:"port" koanf:"port"`
	HandleBaseURL      string        `yaml:"handle_base_url" koanf:"handle_base_url"`
	EntryExtension     string        `yaml:"entry_extension" koanf:"entry_extension"`
	SpecialDirs        []string      `yaml:"special_dirs" koanf:"special_dirs"`
	PackagedExtensions []string      `yaml:"packaged_extensions" koanf:"packaged_extensions"`
	OptionsGlobal      string        `yaml:"options_global" koanf:"options_global"`
	Ignore             []string      `yaml:"ignore" koanf:"ignore"`
	SupportedVersions  []string      `yaml:"supported_versions" koanf:"supported_versions"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout" koanf:"fetch_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout" koanf:"request_timeout"`
	MaxConcurrency     int           `yaml:"max_concurrency" koanf:"max_concurrency"`
	UsageCapacity      int           `yaml:"usage_capacity" koanf:"usage_capacity"`
	LFSRewrite         bool          `yaml:"lfs_rewrite" koanf:"lfs_rewrite"`
	Limits             LimitsConfig  `yaml:"limits" koanf:"limits"`
}

// LimitsConfig bounds the downloaded archive and what a single version
// may unpack to. Zero means unlimited.
type LimitsConfig struct {
	MaxFiles       int   `yaml:"max_files" koanf:"max_files"`
	MaxSize        int64 `yaml:"max_size" koanf:"max_size"`
	MaxFileSize    int64 `yaml:"max_file_size" koanf:"max_file_size"`
	MaxArchiveSize int64 `yaml:"max_archive_size" koanf:"max_archive_size"`
}
