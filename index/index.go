// Package index maintains a local full-text index over completed
// downloads, so a large archive stays searchable by model name, creator,
// tag, base model or trigger word without touching the API again.
package index

import (
	"fmt"
	"path/filepath"
	"time"

	"go-civitai-batch/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// DefaultName is the index directory under the state directory.
const DefaultName = "archive.bleve"

// Entry is one completed download. All fields are searchable by their
// lowercase JSON tag names (e.g. '+creatorName:alice' or '+tags:style').
type Entry struct {
	ID           string    `json:"id"`   // v_<version_id> or img_<image_id>
	Kind         string    `json:"kind"` // task kind of the producing download
	Name         string    `json:"name"`
	FilePath     string    `json:"filePath"`
	ModelName    string    `json:"modelName,omitempty"`
	VersionName  string    `json:"versionName,omitempty"`
	BaseModel    string    `json:"baseModel,omitempty"`
	CreatorName  string    `json:"creatorName,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Triggers     []string  `json:"triggers,omitempty"`
	SizeKB       float64   `json:"sizeKB,omitempty"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

// VersionEntry builds the index entry for a downloaded model file from
// its task payload.
func VersionEntry(p models.FilePayload, path string) Entry {
	return Entry{
		ID:           fmt.Sprintf("v_%d", p.VersionID),
		Kind:         string(models.TaskModelFile),
		Name:         p.File.Name,
		FilePath:     path,
		ModelName:    p.ModelName,
		VersionName:  p.VersionName,
		BaseModel:    p.BaseModel,
		CreatorName:  p.Creator.Username,
		Tags:         p.Tags,
		Triggers:     p.TrainedWords,
		SizeKB:       p.File.SizeKB,
		DownloadedAt: time.Now().UTC(),
	}
}

// ImageEntry builds the index entry for a downloaded image.
func ImageEntry(kind models.TaskKind, p models.ImagePayload, path string) Entry {
	return Entry{
		ID:           fmt.Sprintf("img_%d", p.Image.ID),
		Kind:         string(kind),
		Name:         filepath.Base(path),
		FilePath:     path,
		CreatorName:  p.Username,
		DownloadedAt: time.Now().UTC(),
	}
}

// OpenOrCreate opens the index at path, creating it on first use.
func OpenOrCreate(path string) (bleve.Index, error) {
	if path == "" {
		path = DefaultName
	}
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Infof("Creating search index at %s", path)
		return bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening search index %s: %w", path, err)
	}
	return idx, nil
}

// Add upserts one entry.
func Add(idx bleve.Index, entry Entry) error {
	return idx.Index(entry.ID, entry)
}

// Search runs a query-string query and returns all stored fields.
func Search(idx bleve.Index, query string, limit int) (*bleve.SearchResult, error) {
	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	req.Fields = []string{"*"}
	if limit > 0 {
		req.Size = limit
	}
	return idx.Search(req)
}
