package filter

import (
	"os"
	"path/filepath"
	"testing"

	"go-civitai-batch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilFilterAdmitsEverything(t *testing.T) {
	var f *BaseModelFilter
	assert.True(t, f.Admit(&models.ModelVersion{BaseModel: "anything"}))
	assert.True(t, f.Admit(&models.ModelVersion{}))
	accepted, rejected := f.Stats()
	assert.Zero(t, accepted)
	assert.Zero(t, rejected)
}

func TestSubstringWhitelist(t *testing.T) {
	f := FromEntries([]string{"Illustrious", "Pony"})

	versions := []struct {
		base string
		want bool
	}{
		{"SDXL 1.0", false},
		{"Pony Diffusion V6 XL", true},
		{"Illustrious", true},
	}
	for _, v := range versions {
		assert.Equal(t, v.want, f.Admit(&models.ModelVersion{BaseModel: v.base}), v.base)
	}

	accepted, rejected := f.Stats()
	assert.Equal(t, int64(2), accepted)
	assert.Equal(t, int64(1), rejected)
}

func TestCaseInsensitive(t *testing.T) {
	f := FromEntries([]string{"pony"})
	assert.True(t, f.Admit(&models.ModelVersion{BaseModel: "PONY DIFFUSION"}))
}

func TestMissingBaseModelRejected(t *testing.T) {
	f := FromEntries([]string{"SDXL"})
	assert.False(t, f.Admit(&models.ModelVersion{}))
	_, rejected := f.Stats()
	assert.Equal(t, int64(1), rejected)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\n\nIllustrious\nPony\n"), 0600))

	f, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.True(t, f.Admit(&models.ModelVersion{BaseModel: "Illustrious XL"}))
	assert.False(t, f.Admit(&models.ModelVersion{BaseModel: "SD 1.5"}))
}

func TestLoadEmptyPathDisablesFilter(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)
	assert.Nil(t, f)
}
