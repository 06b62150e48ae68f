package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosc-dev/abbsmeta/internal/config"
)

func validConfig() config.Config {
	return config.Config{
		Global: config.GlobalConfig{
			CommitsDBPath: "commits.db",
			AbbsDBPath:    "abbs.db",
		},
		Repo: []config.RepoConfig{
			{RepoPath: "/srv/abbs", Name: "aosc-os-abbs", Branch: "stable"},
		},
	}
}

func TestValidate_ValidConfig_NoError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_ZeroConfig_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	require.ErrorIs(t, cfg.Validate(), config.ErrMissingCommitsDBPath)
}

func TestValidate_MissingAbbsDBPath_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Global.AbbsDBPath = ""
	require.ErrorIs(t, cfg.Validate(), config.ErrMissingAbbsDBPath)
}

func TestValidate_NoRepos_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Repo = nil
	require.ErrorIs(t, cfg.Validate(), config.ErrNoRepos)
}

func TestValidate_MissingRepoPath_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Repo[0].RepoPath = ""
	require.ErrorIs(t, cfg.Validate(), config.ErrMissingRepoPath)
}

func TestValidate_MissingRepoName_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Repo[0].Name = ""
	require.ErrorIs(t, cfg.Validate(), config.ErrMissingRepoName)
}

func TestValidate_DuplicateRepoName_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Repo = append(cfg.Repo, cfg.Repo[0])
	require.ErrorIs(t, cfg.Validate(), config.ErrDuplicateRepoName)
}

func TestLoadConfig_ValidFile_PopulatesConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/config.toml"

	const contents = `
[global]
commits_db_path = "commits.db"
abbs_db_path = "abbs.db"
auto_update_repo = true

[[repo]]
repo_path = "/srv/abbs"
name = "aosc-os-abbs"
branch = "stable"
priority = 1
category = "base"
url = "https://example.invalid/abbs.git"
`

	require.NoError(t, writeFile(path, contents))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "commits.db", cfg.Global.CommitsDBPath)
	assert.True(t, cfg.Global.AutoUpdateRepo)
	require.Len(t, cfg.Repo, 1)
	assert.Equal(t, "aosc-os-abbs", cfg.Repo[0].Name)
	assert.Equal(t, 1, cfg.Repo[0].Priority)
}

func TestLoadConfig_UnrecognizedKey_ReturnsError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/config.toml"

	const contents = `
[global]
commits_db_path = "commits.db"
abbs_db_path = "abbs.db"
bogus_key = true

[[repo]]
repo_path = "/srv/abbs"
name = "aosc-os-abbs"
`

	require.NoError(t, writeFile(path, contents))

	_, err := config.LoadConfig(path)
	require.ErrorIs(t, err, config.ErrUnrecognizedKey)
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
