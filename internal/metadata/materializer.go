// Package metadata writes the sidecar artifacts produced after a version
// fetch: the human summary (description.md) and the verbatim payload
// snapshot (<stem>.civitai.info). All writes are atomic: a .tmp file in
// the destination directory is renamed into place.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-civitai-batch/internal/helpers"
	"go-civitai-batch/internal/models"
	"go-civitai-batch/internal/planner"

	log "github.com/sirupsen/logrus"
)

// WriteVersionSidecars writes description.md and the raw snapshot for a
// fully-fetched version into dir.
func WriteVersionSidecars(dir string, model *models.Model, version *models.ModelVersion) error {
	if !helpers.CheckAndMakeDir(dir) {
		return fmt.Errorf("creating sidecar directory %s", dir)
	}
	file, ok := version.PrimaryFile()
	if !ok {
		return fmt.Errorf("version %d has no files", version.ID)
	}
	if err := writeInfoSnapshot(planner.InfoPath(dir, file), version); err != nil {
		return err
	}
	if err := AtomicWrite(planner.DescriptionPath(dir), []byte(Summary(model, version))); err != nil {
		return err
	}
	log.Debugf("Wrote sidecars for version %d under %s", version.ID, dir)
	return nil
}

func writeInfoSnapshot(path string, version *models.ModelVersion) error {
	raw := version.Raw
	if len(raw) == 0 {
		// No verbatim payload on hand (e.g. resumed task); re-marshal the
		// structured version instead of writing nothing.
		body, err := json.MarshalIndent(version, "", "  ")
		if err != nil {
			return fmt.Errorf("marshalling version %d snapshot: %w", version.ID, err)
		}
		raw = body
	}
	return AtomicWrite(path, raw)
}

// Summary renders the human-readable description.md body.
func Summary(model *models.Model, version *models.ModelVersion) string {
	var b strings.Builder
	file, _ := version.PrimaryFile()

	fmt.Fprintf(&b, "# %s\n\n", model.Name)
	fmt.Fprintf(&b, "- **Creator**: %s\n", model.Creator.Username)
	fmt.Fprintf(&b, "- **Type**: %s\n", model.Type)
	fmt.Fprintf(&b, "- **Version**: %s\n", version.Name)
	fmt.Fprintf(&b, "- **Base Model**: %s\n", version.BaseModel)
	if len(version.TrainedWords) > 0 {
		fmt.Fprintf(&b, "- **Trigger Words**: %s\n", strings.Join(version.TrainedWords, ", "))
	}
	if sha := file.Hashes.SHA256(); sha != "" {
		fmt.Fprintf(&b, "- **SHA256**: %s\n", sha)
	}
	if file.SizeKB > 0 {
		fmt.Fprintf(&b, "- **File Size**: %s\n", helpers.BytesToSize(uint64(file.SizeBytes())))
	}
	fmt.Fprintf(&b, "- **Downloads**: %d\n", version.Stats.DownloadCount)
	fmt.Fprintf(&b, "- **Rating**: %.2f (%d ratings)\n", version.Stats.Rating, version.Stats.RatingCount)
	fmt.Fprintf(&b, "- **NSFW**: %t\n", model.Nsfw)
	fmt.Fprintf(&b, "- **Fetched**: %s\n", time.Now().UTC().Format(time.RFC3339))
	if version.DownloadURL != "" {
		fmt.Fprintf(&b, "- **Download URL**: %s\n", version.DownloadURL)
	}
	fmt.Fprintf(&b, "- **Web URL**: %s\n", version.WebURL())

	if desc := strings.TrimSpace(model.Description); desc != "" {
		fmt.Fprintf(&b, "\n## Description\n\n%s\n", desc)
	}
	return b.String()
}

// WriteUserImagesMetadata writes the images_metadata.json sidecar for a
// user's posted images.
func WriteUserImagesMetadata(path string, images []models.Image) error {
	if !helpers.CheckAndMakeDir(filepath.Dir(path)) {
		return fmt.Errorf("creating directory for %s", path)
	}
	body, err := json.MarshalIndent(images, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling user images metadata: %w", err)
	}
	return AtomicWrite(path, body)
}

// AtomicWrite writes data to path via a .tmp sibling and rename, so
// consumers never observe a half-written file.
func AtomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s into place: %w", tmp, err)
	}
	return nil
}
