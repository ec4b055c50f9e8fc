package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadListFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	content := "# comment line\n\nalice\n  bob  \n#another\nhttps://civitai.com/user/carol\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	entries, err := ReadListFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "https://civitai.com/user/carol"}, entries)
}

func TestParseUserEntry(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"Bare handle", "alice", "alice", false},
		{"Profile URL", "https://civitai.com/user/alice", "alice", false},
		{"Profile URL with trailing segment", "https://civitai.com/user/alice/models", "alice", false},
		{"Whitespace", "  bob ", "bob", false},
		{"Empty", "", "", true},
		{"URL without user segment", "https://civitai.com/models/123", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUserEntry(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseModelEntry(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"Bare id", "12345", 12345, false},
		{"Model URL", "https://civitai.com/models/12345", 12345, false},
		{"Model URL with slug", "https://civitai.com/models/12345/some-model", 12345, false},
		{"Zero id", "0", 0, true},
		{"Negative id", "-3", 0, true},
		{"Garbage", "not-a-model", 0, true},
		{"Empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseModelEntry(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 3, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 1000, cfg.MaxUserImages)
	assert.Equal(t, 0.5, cfg.Rate.ModelApiRps)
	assert.Equal(t, 2.0, cfg.Rate.ImageApiRps)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{DefaultAPIBaseURL}, cfg.ApiBaseURLs)
	assert.NotEmpty(t, cfg.OutputRoot)
}

func TestApplyDefaultsTestMode(t *testing.T) {
	cfg := Config{TestMode: true, OutputRoot: "/somewhere/else"}
	cfg.ApplyDefaults()
	assert.Equal(t, "./test_downloads", cfg.OutputRoot)
}
