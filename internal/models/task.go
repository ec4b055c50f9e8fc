package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies which pipeline a task belongs to and what its
// payload decodes into.
type TaskKind string

const (
	TaskMetadataFetch TaskKind = "metadata-fetch"
	TaskModelFile     TaskKind = "model-file"
	TaskPreviewImage  TaskKind = "preview-image"
	TaskGalleryImage  TaskKind = "gallery-image"
	TaskUserImage     TaskKind = "user-image"
)

// IsImage reports whether the kind is served by the image pipeline.
func (k TaskKind) IsImage() bool {
	switch k {
	case TaskPreviewImage, TaskGalleryImage, TaskUserImage:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
//
// pending -> in-flight -> {done, failed, quarantined, skipped}
// failed may re-enter pending through the retry policy; done, quarantined
// and skipped are terminal.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusInFlight    TaskStatus = "in-flight"
	StatusDone        TaskStatus = "done"
	StatusFailed      TaskStatus = "failed"
	StatusQuarantined TaskStatus = "quarantined"
	StatusSkipped     TaskStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusQuarantined, StatusSkipped:
		return true
	}
	return false
}

// TaskError is the last recorded failure of a task.
type TaskError struct {
	Class    string    `json:"class"`
	Message  string    `json:"message"`
	Endpoint string    `json:"endpoint,omitempty"`
	Attempt  int       `json:"attempt"`
	Elapsed  float64   `json:"elapsedSeconds"`
	At       time.Time `json:"at"`
}

// Task is the durable unit of work. Payload is opaque JSON interpreted by
// the worker for the task's kind.
type Task struct {
	ID         string          `json:"id"`
	Kind       TaskKind        `json:"kind"`
	RemoteID   string          `json:"remoteId"`
	TargetPath string          `json:"targetPath"`
	Payload    json.RawMessage `json:"payload"`
	Status     TaskStatus      `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  *TaskError      `json:"lastError,omitempty"`
	NotBefore  time.Time       `json:"notBefore,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NewTask builds a pending task with a fresh UUID.
func NewTask(kind TaskKind, remoteID, targetPath string, payload interface{}) (Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}
	now := time.Now().UTC()
	return Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		RemoteID:   remoteID,
		TargetPath: targetPath,
		Payload:    body,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// FilePayload is the payload of model-file tasks. It carries enough of
// the version metadata to index the download without refetching.
type FilePayload struct {
	ModelID      int      `json:"modelId"`
	VersionID    int      `json:"versionId"`
	File         File     `json:"file"`
	Creator      Creator  `json:"creator"`
	ModelName    string   `json:"modelName,omitempty"`
	VersionName  string   `json:"versionName,omitempty"`
	BaseModel    string   `json:"baseModel,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	TrainedWords []string `json:"trainedWords,omitempty"`
}

// ImagePayload is the payload of preview, gallery and user-image tasks.
type ImagePayload struct {
	Image     Image  `json:"image"`
	ModelID   int    `json:"modelId,omitempty"`
	VersionID int    `json:"versionId,omitempty"`
	Username  string `json:"username,omitempty"`
}
