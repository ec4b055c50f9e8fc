package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type (
	// Model is a single Civitai model with its versions. Only the fields the
	// engine acts on are declared; everything else stays in the raw payload
	// that rides alongside (see ModelVersion.Raw).
	Model struct {
		ID          int            `json:"id"`
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Type        string         `json:"type"`
		Nsfw        bool           `json:"nsfw"`
		Mode        string         `json:"mode"` // "", "Archived", "TakenDown"
		Tags        []string       `json:"tags"`
		Creator     Creator        `json:"creator"`
		Stats       Stats          `json:"stats"`
		Versions    []ModelVersion `json:"modelVersions"`
	}

	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	Stats struct {
		DownloadCount int     `json:"downloadCount"`
		FavoriteCount int     `json:"favoriteCount"`
		CommentCount  int     `json:"commentCount"`
		RatingCount   int     `json:"ratingCount"`
		Rating        float64 `json:"rating"`
	}

	// BaseModelInfo is the nested 'model' object returned by the
	// /model-versions/{id} endpoint.
	BaseModelInfo struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Nsfw bool   `json:"nsfw"`
		Mode string `json:"mode"`
	}

	ModelVersion struct {
		ID           int           `json:"id"`
		ModelID      int           `json:"modelId"`
		Name         string        `json:"name"`
		BaseModel    string        `json:"baseModel"`
		Description  string        `json:"description"`
		TrainedWords []string      `json:"trainedWords"`
		PublishedAt  string        `json:"publishedAt"`
		Stats        Stats         `json:"stats"`
		Files        []File        `json:"files"`
		Images       []Image       `json:"images"`
		DownloadURL  string        `json:"downloadUrl"`
		Model        BaseModelInfo `json:"model"`

		// Raw keeps the verbatim version payload for the .civitai.info
		// sidecar. Populated by the enumerator, never by Unmarshal.
		Raw json.RawMessage `json:"-"`
	}

	FileMetadata struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"` // SafeTensor, PickleTensor, Other
	}

	File struct {
		ID          int          `json:"id"`
		Name        string       `json:"name"`
		SizeKB      float64      `json:"sizeKB"`
		Type        string       `json:"type"`
		Primary     bool         `json:"primary"`
		Hashes      HashSet      `json:"hashes"`
		DownloadURL string       `json:"downloadUrl"`
		Metadata    FileMetadata `json:"metadata"`
	}

	// Image covers version previews, model gallery items and user-posted
	// images; the three endpoints return slightly different shapes, so the
	// optional fields use tolerant types.
	Image struct {
		ID        int             `json:"id"`
		URL       string          `json:"url"`
		Hash      string          `json:"hash"` // blurhash
		Width     int             `json:"width"`
		Height    int             `json:"height"`
		Nsfw      bool            `json:"nsfw"`
		NsfwLevel json.RawMessage `json:"nsfwLevel"` // number or string depending on endpoint
		Username  string          `json:"username"`
		Meta      json.RawMessage `json:"meta"` // generation parameters, unstructured
	}

	// ModelsResponse is a page of /models results.
	ModelsResponse struct {
		Items    []Model            `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	// ImagesResponse is a page of /images results.
	ImagesResponse struct {
		Items    []Image            `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	PaginationMetadata struct {
		TotalItems  int    `json:"totalItems,omitempty"`
		CurrentPage int    `json:"currentPage,omitempty"`
		PageSize    int    `json:"pageSize,omitempty"`
		TotalPages  int    `json:"totalPages,omitempty"`
		NextPage    string `json:"nextPage,omitempty"`
		NextCursor  string `json:"nextCursor,omitempty"`
	}
)

// SizeBytes returns the declared file size in bytes.
func (f File) SizeBytes() int64 {
	return int64(f.SizeKB * 1024)
}

// HashSet is the server's {algorithm: digest} object. Keys are normalized
// to upper case with whitespace stripped so lookups don't depend on the
// server's casing.
type HashSet map[string]string

// UnmarshalJSON normalizes algorithm names on the way in.
func (h *HashSet) UnmarshalJSON(data []byte) error {
	raw := map[string]string{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding hash map: %w", err)
	}
	out := make(HashSet, len(raw))
	for algo, digest := range raw {
		key := strings.ToUpper(strings.TrimSpace(algo))
		out[key] = strings.TrimSpace(digest)
	}
	*h = out
	return nil
}

// Get returns the digest for a canonical algorithm name.
func (h HashSet) Get(algo string) string {
	return h[strings.ToUpper(strings.TrimSpace(algo))]
}

// SHA256 returns the declared SHA-256 digest, if any.
func (h HashSet) SHA256() string { return h.Get("SHA256") }

// Preferred returns the strongest declared digest and its algorithm,
// in order SHA256, BLAKE3, AutoV2. Empty algo means no usable digest.
func (h HashSet) Preferred() (algo, digest string) {
	for _, a := range []string{"SHA256", "BLAKE3", "AUTOV2"} {
		if d := h.Get(a); d != "" {
			return a, d
		}
	}
	return "", ""
}

// Empty reports whether no digest at all was declared.
func (h HashSet) Empty() bool {
	for _, d := range h {
		if d != "" {
			return false
		}
	}
	return true
}

// PrimaryFile returns the file flagged primary, falling back to the first
// file when the flag is absent from the payload.
func (v ModelVersion) PrimaryFile() (File, bool) {
	for _, f := range v.Files {
		if f.Primary {
			return f, true
		}
	}
	if len(v.Files) > 0 {
		return v.Files[0], true
	}
	return File{}, false
}

// WebURL is the canonical page for a model version.
func (v ModelVersion) WebURL() string {
	return fmt.Sprintf("https://civitai.com/models/%d?modelVersionId=%d", v.ModelID, v.ID)
}
