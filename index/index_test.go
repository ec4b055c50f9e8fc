package index

import (
	"path/filepath"
	"testing"

	"go-civitai-batch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreateAndSearch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.bleve")

	idx, err := OpenOrCreate(path)
	require.NoError(t, err)

	payload := models.FilePayload{
		VersionID:   20,
		File:        models.File{Name: "sample.safetensors", SizeKB: 2048},
		Creator:     models.Creator{Username: "alice"},
		ModelName:   "Sample Model",
		VersionName: "v1",
		BaseModel:   "Illustrious",
		Tags:        []string{"style", "anime"},
	}
	require.NoError(t, Add(idx, VersionEntry(payload, "/out/sample.safetensors")))
	require.NoError(t, Add(idx, ImageEntry(models.TaskUserImage,
		models.ImagePayload{Image: models.Image{ID: 9}, Username: "bob"}, "/out/9.png")))

	res, err := Search(idx, "+creatorName:alice", 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Total)
	assert.Equal(t, "v_20", res.Hits[0].ID)

	res, err = Search(idx, "+creatorName:bob", 10)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Total)
	assert.Equal(t, "img_9", res.Hits[0].ID)
	require.NoError(t, idx.Close())

	// Reopening an existing index must not recreate it.
	idx, err = OpenOrCreate(path)
	require.NoError(t, err)
	defer idx.Close()
	res, err = Search(idx, "+baseModel:Illustrious", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Total)
}

func TestEntryUpsertReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.bleve")
	idx, err := OpenOrCreate(path)
	require.NoError(t, err)
	defer idx.Close()

	payload := models.FilePayload{VersionID: 20, File: models.File{Name: "a"}}
	require.NoError(t, Add(idx, VersionEntry(payload, "/out/a")))
	require.NoError(t, Add(idx, VersionEntry(payload, "/out/a")))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}
