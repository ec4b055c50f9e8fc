package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go-civitai-batch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleVersion() (*models.Model, *models.ModelVersion) {
	model := &models.Model{
		ID:          10,
		Name:        "Test Model",
		Type:        "LORA",
		Description: "A model for testing.",
		Creator:     models.Creator{Username: "alice"},
	}
	version := &models.ModelVersion{
		ID:           20,
		ModelID:      10,
		Name:         "v1",
		BaseModel:    "SDXL 1.0",
		TrainedWords: []string{"trigger1", "trigger2"},
		Stats:        models.Stats{DownloadCount: 42, Rating: 4.5, RatingCount: 9},
		Files: []models.File{{
			Name:    "test-model.safetensors",
			SizeKB:  2048,
			Primary: true,
			Hashes:  models.HashSet{"SHA256": "ABCDEF"},
		}},
		Raw: json.RawMessage(`{"id": 20, "custom": "payload"}`),
	}
	return model, version
}

func TestWriteVersionSidecars(t *testing.T) {
	dir := t.TempDir()
	model, version := sampleVersion()

	require.NoError(t, WriteVersionSidecars(dir, model, version))

	info, err := os.ReadFile(filepath.Join(dir, "test-model.civitai.info"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": 20, "custom": "payload"}`, string(info), "snapshot must be the verbatim payload")

	desc, err := os.ReadFile(filepath.Join(dir, "description.md"))
	require.NoError(t, err)
	body := string(desc)
	assert.Contains(t, body, "# Test Model")
	assert.Contains(t, body, "**Creator**: alice")
	assert.Contains(t, body, "**Base Model**: SDXL 1.0")
	assert.Contains(t, body, "trigger1, trigger2")
	assert.Contains(t, body, "**SHA256**: ABCDEF")
	assert.Contains(t, body, "**File Size**: 2.00MB")
	assert.Contains(t, body, "A model for testing.")
	assert.Contains(t, body, "https://civitai.com/models/10?modelVersionId=20")

	// No .tmp leftovers.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestWriteVersionSidecarsWithoutRaw(t *testing.T) {
	dir := t.TempDir()
	model, version := sampleVersion()
	version.Raw = nil

	require.NoError(t, WriteVersionSidecars(dir, model, version))

	info, err := os.ReadFile(filepath.Join(dir, "test-model.civitai.info"))
	require.NoError(t, err)
	var decoded models.ModelVersion
	require.NoError(t, json.Unmarshal(info, &decoded))
	assert.Equal(t, 20, decoded.ID)
}

func TestWriteUserImagesMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bob", "images_metadata.json")
	images := []models.Image{{ID: 1, URL: "https://x/1.png"}, {ID: 2, URL: "https://x/2.png"}}

	require.NoError(t, WriteUserImagesMetadata(path, images))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded []models.Image
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Len(t, decoded, 2)
}

func TestAtomicWriteReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, AtomicWrite(path, []byte("first")))
	require.NoError(t, AtomicWrite(path, []byte("second")))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(body))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
