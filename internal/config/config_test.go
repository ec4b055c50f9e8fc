package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, []string{DefaultAPIBaseURL}, cfg.ApiBaseURLs)
	assert.Equal(t, 3, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 1000, cfg.MaxUserImages)
	assert.Equal(t, 50, cfg.MaxGalleryImages)
	assert.Equal(t, 0.5, cfg.Rate.ModelApiRps)
	assert.Equal(t, 2.0, cfg.Rate.ImageApiRps)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.False(t, cfg.Resume.Disabled)
	assert.NotEmpty(t, cfg.OutputRoot)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
ApiToken = "tok"
OutputRoot = "/data/civitai"
MaxConcurrentDownloads = 8
SkipExisting = true

[Inputs]
Users = ["alice"]
Models = ["123"]

[Rate]
ModelApiRps = 0.25

[Retry]
MaxAttempts = 3
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.ApiToken)
	assert.Equal(t, "/data/civitai", cfg.OutputRoot)
	assert.Equal(t, 8, cfg.MaxConcurrentDownloads)
	assert.True(t, cfg.SkipExisting)
	assert.Equal(t, []string{"alice"}, cfg.Inputs.Users)
	assert.Equal(t, 0.25, cfg.Rate.ModelApiRps)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	// Unset fields still get defaults.
	assert.Equal(t, 2.0, cfg.Rate.ImageApiRps)
	assert.Equal(t, filepath.Join("/data/civitai", ".state"), cfg.StateDir())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConcurrentDownloads)
}

func TestTestModeRedirectsOutputRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("TestMode = true\nOutputRoot = \"/real\"\n"), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "./test_downloads", cfg.OutputRoot)
}

func TestTokenFromEnvironment(t *testing.T) {
	t.Setenv("CIVITAI_API_KEY", "env-token")
	cfg := Defaults()
	assert.Equal(t, "env-token", cfg.ApiToken)
}

func TestTagTableCoversEveryCategory(t *testing.T) {
	for _, cat := range TagCategories {
		assert.NotEmpty(t, TagMappings[cat], "category %s has no keywords", cat)
	}
	assert.Len(t, TagCategories, len(TagMappings))
}
