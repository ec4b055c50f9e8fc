// Package planner maps remote metadata onto the on-disk tree. The layout
// is a pure function of model/version metadata and the tag-mapping table:
//
//	<root>/models/<base_model>/<tag_category>/<creator>_<model>_<version>/
//
// Images not attached to a model land under <root>/images/<creator>/.
package planner

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go-civitai-batch/internal/config"
	"go-civitai-batch/internal/models"
)

const (
	// MiscCategory is the fallback when no tag matches.
	MiscCategory = "MISC"

	maxSegmentLen = 200
)

// Planner computes destinations under a fixed root with a fixed tag table.
type Planner struct {
	root       string
	mappings   map[string][]string
	categories []string
}

// New builds a planner over the output root using the canonical tag table.
func New(root string) *Planner {
	return &Planner{
		root:       root,
		mappings:   config.TagMappings,
		categories: config.TagCategories,
	}
}

// Root returns the output root the planner was built with.
func (p *Planner) Root() string { return p.root }

// ModelDir is the destination directory for a (model, version) pair.
func (p *Planner) ModelDir(model *models.Model, version *models.ModelVersion) string {
	base := version.BaseModel
	if base == "" {
		base = "Unknown"
	}
	folder := fmt.Sprintf("%s_%s_%s",
		SanitizeSegment(orUnknown(model.Creator.Username)),
		SanitizeSegment(orUnknown(model.Name)),
		SanitizeSegment(orUnknown(version.Name)))
	return filepath.Join(p.root, "models", SanitizeSegment(base), p.Classify(model.Tags), folder)
}

// UserImagesDir is the destination for images posted by a user that are
// not attached to any model.
func (p *Planner) UserImagesDir(username string) string {
	return filepath.Join(p.root, "images", SanitizeSegment(orUnknown(username)))
}

// QuarantineDir is where corrupted temp files are preserved per task.
func (p *Planner) QuarantineDir(taskID string) string {
	return filepath.Join(p.root, "corrupted", taskID)
}

// Classify picks the taxonomy category for a model's tag set. Exact match
// on a category name wins; otherwise any keyword appearing as a substring
// of any tag; otherwise MISC. Matching is case-insensitive and does not
// depend on tag order.
func (p *Planner) Classify(tags []string) string {
	if len(tags) == 0 {
		return MiscCategory
	}
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(tag)))
	}

	for _, category := range p.categories {
		lower := strings.ToLower(category)
		for _, tag := range normalized {
			if tag == lower {
				return category
			}
		}
	}
	for _, category := range p.categories {
		for _, keyword := range p.mappings[category] {
			kw := strings.ToLower(keyword)
			for _, tag := range normalized {
				if strings.Contains(tag, kw) {
					return category
				}
			}
		}
	}
	return MiscCategory
}

// FilePath is the final path of a version's binary file inside dir.
func FilePath(dir string, file models.File) string {
	return filepath.Join(dir, SanitizeSegment(file.Name))
}

// InfoPath is the raw metadata snapshot path beside the binary.
func InfoPath(dir string, file models.File) string {
	return filepath.Join(dir, Stem(file.Name)+".civitai.info")
}

// DescriptionPath is the human summary path inside dir.
func DescriptionPath(dir string) string {
	return filepath.Join(dir, "description.md")
}

// PreviewPath names the idx-th (0-based) preview image beside the binary:
// <stem>.preview.<ext> for the first, <stem>.preview.N.<ext> (2-indexed)
// afterwards.
func PreviewPath(dir string, file models.File, idx int, imageURL string) string {
	ext := ExtFromURL(imageURL)
	stem := Stem(file.Name)
	if idx == 0 {
		return filepath.Join(dir, stem+".preview"+ext)
	}
	return filepath.Join(dir, fmt.Sprintf("%s.preview.%d%s", stem, idx+1, ext))
}

// GalleryPath names a gallery image inside the version directory.
func GalleryPath(dir string, imageID int, imageURL string) string {
	return filepath.Join(dir, "Gallery", fmt.Sprintf("%d%s", imageID, ExtFromURL(imageURL)))
}

// UserImagePath names a user-posted image.
func (p *Planner) UserImagePath(username string, imageID int, imageURL string) string {
	return filepath.Join(p.UserImagesDir(username), fmt.Sprintf("%d%s", imageID, ExtFromURL(imageURL)))
}

// UserImagesMetadataPath is the sidecar JSON listing a user's images.
func (p *Planner) UserImagesMetadataPath(username string) string {
	return filepath.Join(p.UserImagesDir(username), "images_metadata.json")
}

// Stem strips the extension from a remote file name after sanitization.
func Stem(name string) string {
	clean := SanitizeSegment(name)
	return strings.TrimSuffix(clean, path.Ext(clean))
}

// ExtFromURL guesses an image extension from a download URL, defaulting
// to .jpeg when the URL carries none.
func ExtFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	name := rawURL
	if err == nil {
		name = u.Path
	}
	ext := strings.ToLower(path.Ext(path.Base(name)))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".mp4", ".webm":
		return ext
	}
	return ".jpeg"
}

// SanitizeSegment makes one path segment filesystem-safe: forbidden and
// control characters become '_', leading/trailing whitespace and dots are
// stripped, and the segment is capped at 200 characters preserving the
// extension.
func SanitizeSegment(segment string) string {
	var b strings.Builder
	for _, r := range segment {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), " .")
	out = strings.TrimSpace(out)
	if len(out) > maxSegmentLen {
		ext := path.Ext(out)
		if len(ext) >= maxSegmentLen {
			ext = ""
		}
		base := strings.TrimSuffix(out, ext)
		keep := maxSegmentLen - len(ext)
		// Back off to a rune boundary so the cut never leaves a partial
		// multi-byte sequence in the segment.
		for keep > 0 && !utf8.RuneStart(base[keep]) {
			keep--
		}
		out = base[:keep] + ext
	}
	if out == "" {
		out = "_"
	}
	return out
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}
