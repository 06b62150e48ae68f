// Package config loads and validates the collector's TOML configuration:
// one [global] table plus a repeated [[repo]] table, one entry per abbs
// tree to track.
package config

import "errors"

// Config is the top-level configuration for the collector.
//
// Fields carry both mapstructure tags (viper's Unmarshal) and toml tags
// (the BurntSushi/toml strict pass in LoadConfig that rejects unrecognized
// keys) so the two decoders agree on key names.
type Config struct {
	Global GlobalConfig `mapstructure:"global" toml:"global"`
	Repo   []RepoConfig `mapstructure:"repo" toml:"repo"`
}

// GlobalConfig holds the process-wide settings.
type GlobalConfig struct {
	CommitsDBPath  string `mapstructure:"commits_db_path" toml:"commits_db_path"`
	AbbsDBPath     string `mapstructure:"abbs_db_path" toml:"abbs_db_path"`
	AutoUpdateRepo bool   `mapstructure:"auto_update_repo" toml:"auto_update_repo"`
	AutoCloneRepo  bool   `mapstructure:"auto_clone_repo" toml:"auto_clone_repo"`
}

// RepoConfig describes one abbs tree the collector walks.
type RepoConfig struct {
	RepoPath string `mapstructure:"repo_path" toml:"repo_path"`
	Branch   string `mapstructure:"branch" toml:"branch"`
	Priority int    `mapstructure:"priority" toml:"priority"`
	Category string `mapstructure:"category" toml:"category"`
	Name     string `mapstructure:"name" toml:"name"`
	URL      string `mapstructure:"url" toml:"url"`
}

// Sentinel errors for configuration validation.
var (
	// ErrMissingCommitsDBPath indicates global.commits_db_path was left empty.
	ErrMissingCommitsDBPath = errors.New("global.commits_db_path must be set")
	// ErrMissingAbbsDBPath indicates global.abbs_db_path was left empty.
	ErrMissingAbbsDBPath = errors.New("global.abbs_db_path must be set")
	// ErrNoRepos indicates the config carries no [[repo]] entries.
	ErrNoRepos = errors.New("at least one [[repo]] entry is required")
	// ErrMissingRepoPath indicates a [[repo]] entry has no repo_path.
	ErrMissingRepoPath = errors.New("repo.repo_path must be set")
	// ErrMissingRepoName indicates a [[repo]] entry has no name.
	ErrMissingRepoName = errors.New("repo.name must be set")
	// ErrDuplicateRepoName indicates two [[repo]] entries share a name.
	ErrDuplicateRepoName = errors.New("repo.name must be unique across [[repo]] entries")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if c.Global.CommitsDBPath == "" {
		return ErrMissingCommitsDBPath
	}

	if c.Global.AbbsDBPath == "" {
		return ErrMissingAbbsDBPath
	}

	if len(c.Repo) == 0 {
		return ErrNoRepos
	}

	seen := make(map[string]struct{}, len(c.Repo))

	for _, r := range c.Repo {
		if r.RepoPath == "" {
			return ErrMissingRepoPath
		}

		if r.Name == "" {
			return ErrMissingRepoName
		}

		if _, ok := seen[r.Name]; ok {
			return ErrDuplicateRepoName
		}

		seen[r.Name] = struct{}{}
	}

	return nil
}
