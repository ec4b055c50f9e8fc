// Package enumerator expands the run's inputs (user handles, model ids)
// into durable tasks. Seeding happens before any download starts; the
// metadata tasks it plants then fan out into file and image tasks from
// inside the scheduler's model pipeline.
package enumerator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go-civitai-batch/internal/api"
	"go-civitai-batch/internal/downloader"
	"go-civitai-batch/internal/filter"
	"go-civitai-batch/internal/metadata"
	"go-civitai-batch/internal/models"
	"go-civitai-batch/internal/planner"
	"go-civitai-batch/internal/store"

	log "github.com/sirupsen/logrus"
)

// DefaultGalleryCap bounds gallery downloads per model.
const DefaultGalleryCap = 50

// MetaPayload is the payload of metadata-fetch tasks: exactly one of the
// fields is set.
type MetaPayload struct {
	ModelID  int    `json:"modelId,omitempty"`
	Username string `json:"username,omitempty"`
}

// Options tunes enumeration.
type Options struct {
	MaxUserImages    int
	MaxGalleryImages int
	PageSize         int
}

// Enumerator resolves remote metadata into tasks.
type Enumerator struct {
	client *api.Client
	store  *store.Store
	plan   *planner.Planner
	filter *filter.BaseModelFilter
	opts   Options
}

// New builds an enumerator. filter may be nil (no filtering).
func New(client *api.Client, st *store.Store, plan *planner.Planner, f *filter.BaseModelFilter, opts Options) *Enumerator {
	if opts.MaxGalleryImages <= 0 {
		opts.MaxGalleryImages = DefaultGalleryCap
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Enumerator{client: client, store: st, plan: plan, filter: f, opts: opts}
}

// Seed enqueues one metadata task per input. Enqueue is idempotent, so
// re-running with the same inputs adds nothing new.
func (e *Enumerator) Seed(users []string, modelIDs []int) (int, error) {
	added := 0
	for _, id := range modelIDs {
		n, err := e.enqueueMeta(MetaPayload{ModelID: id}, "model:"+strconv.Itoa(id))
		if err != nil {
			return added, err
		}
		added += n
	}
	for _, user := range users {
		n, err := e.enqueueMeta(MetaPayload{Username: user}, "user:"+user)
		if err != nil {
			return added, err
		}
		added += n
	}
	log.Infof("Seeded %d metadata tasks (%d models, %d users)", added, len(modelIDs), len(users))
	return added, nil
}

func (e *Enumerator) enqueueMeta(payload MetaPayload, remoteID string) (int, error) {
	task, err := models.NewTask(models.TaskMetadataFetch, remoteID, "", payload)
	if err != nil {
		return 0, err
	}
	_, addedNew, err := e.store.Enqueue(task)
	if err != nil {
		return 0, err
	}
	if !addedNew {
		return 0, nil
	}
	return 1, nil
}

// RunMetadata executes one metadata-fetch task; it satisfies the same
// runner shape as the download engine so the scheduler can dispatch on
// task kind.
func (e *Enumerator) RunMetadata(ctx context.Context, task models.Task) (downloader.Result, error) {
	var payload MetaPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return downloader.Result{}, fmt.Errorf("decoding metadata payload for task %s: %w", task.ID, err)
	}
	switch {
	case payload.ModelID != 0:
		return downloader.Result{}, e.expandModel(ctx, payload.ModelID)
	case payload.Username != "":
		return downloader.Result{}, e.expandUser(ctx, payload.Username)
	default:
		return downloader.Result{}, fmt.Errorf("metadata task %s has an empty payload", task.ID)
	}
}

// expandModel fetches a model and enqueues downloads for every admitted
// version: the binary, its previews, and (once per model) the gallery.
func (e *Enumerator) expandModel(ctx context.Context, modelID int) error {
	model, raw, err := e.client.GetModel(ctx, modelID)
	if err != nil {
		return err
	}
	if model.Mode != "" {
		log.Warnf("Skipping model %d (%s): mode is %s", model.ID, model.Name, model.Mode)
		return nil
	}
	attachRawVersions(model, raw)

	galleryDir := ""
	for i := range model.Versions {
		version := &model.Versions[i]
		if !e.filter.Admit(version) {
			continue
		}
		file, ok := version.PrimaryFile()
		if !ok || file.DownloadURL == "" {
			log.Warnf("Version %d of model %d has no downloadable file", version.ID, model.ID)
			continue
		}

		dir := e.plan.ModelDir(model, version)
		if err := metadata.WriteVersionSidecars(dir, model, version); err != nil {
			return err
		}
		if err := e.enqueueFile(model, version, file, dir); err != nil {
			return err
		}
		if err := e.enqueuePreviews(version, file, dir); err != nil {
			return err
		}
		if galleryDir == "" {
			galleryDir = dir
		}
	}
	if galleryDir != "" {
		return e.enqueueGallery(ctx, model, galleryDir)
	}
	return nil
}

func (e *Enumerator) enqueueFile(model *models.Model, version *models.ModelVersion, file models.File, dir string) error {
	payload := models.FilePayload{
		ModelID:      model.ID,
		VersionID:    version.ID,
		File:         file,
		Creator:      model.Creator,
		ModelName:    model.Name,
		VersionName:  version.Name,
		BaseModel:    version.BaseModel,
		Tags:         model.Tags,
		TrainedWords: version.TrainedWords,
	}
	task, err := models.NewTask(models.TaskModelFile, strconv.Itoa(version.ID), planner.FilePath(dir, file), payload)
	if err != nil {
		return err
	}
	_, _, err = e.store.Enqueue(task)
	return err
}

func (e *Enumerator) enqueuePreviews(version *models.ModelVersion, file models.File, dir string) error {
	for idx, img := range version.Images {
		if img.URL == "" {
			continue
		}
		payload := models.ImagePayload{Image: img, VersionID: version.ID}
		task, err := models.NewTask(models.TaskPreviewImage,
			fmt.Sprintf("%d:%d", version.ID, img.ID),
			planner.PreviewPath(dir, file, idx, img.URL), payload)
		if err != nil {
			return err
		}
		if _, _, err := e.store.Enqueue(task); err != nil {
			return err
		}
	}
	return nil
}

// enqueueGallery pulls the model's community gallery, capped, and plants
// image tasks under Gallery/ in the version directory.
func (e *Enumerator) enqueueGallery(ctx context.Context, model *models.Model, dir string) error {
	collected := 0
	pageURL := e.client.GalleryImagesURL(model.ID, e.opts.PageSize)
	for pageURL != "" && collected < e.opts.MaxGalleryImages {
		page, err := e.client.GetImagesPage(ctx, pageURL)
		if err != nil {
			return err
		}
		for _, img := range page.Items {
			if collected >= e.opts.MaxGalleryImages {
				break
			}
			if img.URL == "" {
				continue
			}
			payload := models.ImagePayload{Image: img, ModelID: model.ID}
			task, err := models.NewTask(models.TaskGalleryImage,
				strconv.Itoa(img.ID), planner.GalleryPath(dir, img.ID, img.URL), payload)
			if err != nil {
				return err
			}
			if _, _, err := e.store.Enqueue(task); err != nil {
				return err
			}
			collected++
		}
		if len(page.Items) == 0 {
			break
		}
		pageURL = api.NextPageURL(pageURL, page.Metadata)
	}
	log.Debugf("Enqueued %d gallery images for model %d", collected, model.ID)
	return nil
}

// expandUser enumerates a user's models and posted images.
func (e *Enumerator) expandUser(ctx context.Context, username string) error {
	pageURL := e.client.ModelsByUserURL(username, e.opts.PageSize)
	seen := 0
	for pageURL != "" {
		page, err := e.client.GetModelsPage(ctx, pageURL)
		if err != nil {
			return err
		}
		for _, m := range page.Items {
			if _, err := e.enqueueMeta(MetaPayload{ModelID: m.ID}, "model:"+strconv.Itoa(m.ID)); err != nil {
				return err
			}
			seen++
		}
		if len(page.Items) == 0 {
			break
		}
		pageURL = api.NextPageURL(pageURL, page.Metadata)
	}
	log.Infof("User %s: enqueued metadata for %d models", username, seen)

	return e.expandUserImages(ctx, username)
}

// expandUserImages collects the user's posted images up to the cap,
// writes the metadata sidecar, and plants one task per image.
func (e *Enumerator) expandUserImages(ctx context.Context, username string) error {
	if e.opts.MaxUserImages <= 0 {
		return nil
	}
	var collected []models.Image
	pageURL := e.client.UserImagesURL(username, e.opts.PageSize)
	for pageURL != "" && len(collected) < e.opts.MaxUserImages {
		page, err := e.client.GetImagesPage(ctx, pageURL)
		if err != nil {
			return err
		}
		for _, img := range page.Items {
			if len(collected) >= e.opts.MaxUserImages {
				break
			}
			if img.URL == "" {
				continue
			}
			collected = append(collected, img)
		}
		if len(page.Items) == 0 {
			break
		}
		pageURL = api.NextPageURL(pageURL, page.Metadata)
	}
	if len(collected) == 0 {
		return nil
	}

	if err := metadata.WriteUserImagesMetadata(e.plan.UserImagesMetadataPath(username), collected); err != nil {
		return err
	}
	for _, img := range collected {
		payload := models.ImagePayload{Image: img, Username: username}
		task, err := models.NewTask(models.TaskUserImage,
			strconv.Itoa(img.ID), e.plan.UserImagePath(username, img.ID, img.URL), payload)
		if err != nil {
			return err
		}
		if _, _, err := e.store.Enqueue(task); err != nil {
			return err
		}
	}
	log.Infof("User %s: enqueued %d posted images", username, len(collected))
	return nil
}

// attachRawVersions splits the verbatim model payload so each version
// keeps its own raw snapshot for the sidecar file.
func attachRawVersions(model *models.Model, raw json.RawMessage) {
	var wrapper struct {
		ModelVersions []json.RawMessage `json:"modelVersions"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return
	}
	for i := range model.Versions {
		if i < len(wrapper.ModelVersions) {
			model.Versions[i].Raw = wrapper.ModelVersions[i]
		}
	}
}
