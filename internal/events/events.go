// Package events carries the progress stream: lifecycle notifications
// published by the download engine and scheduler, fanned out to sinks
// (structured log, live CLI view, failure report).
package events

import (
	"sync"
	"time"

	"go-civitai-batch/internal/models"
)

// Type enumerates the event kinds on the stream.
type Type string

const (
	DownloadStarted   Type = "download.started"
	DownloadProgress  Type = "download.progress"
	DownloadCompleted Type = "download.completed"
	DownloadFailed    Type = "download.failed"
	DownloadSkipped   Type = "download.skipped"
	PipelineStats     Type = "pipeline.stats"
	ModeChanged       Type = "supervisor.mode_changed"
)

// Stats is the periodic pipeline snapshot.
type Stats struct {
	Pending        int     `json:"pending"`
	InFlight       int     `json:"inFlight"`
	Done           int     `json:"done"`
	Failed         int     `json:"failed"`
	Quarantined    int     `json:"quarantined"`
	Skipped        int     `json:"skipped"`
	BytesTotal     int64   `json:"bytesTotal"`
	ErrorRate      float64 `json:"errorRate"`
	FilterAccepted int64   `json:"filterAccepted"`
	FilterRejected int64   `json:"filterRejected"`
}

// Event is one notification on the stream. Fields beyond Type and Time
// are populated per event kind.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	TaskID   string          `json:"taskId,omitempty"`
	Kind     models.TaskKind `json:"kind,omitempty"`
	Path     string          `json:"path,omitempty"`
	URL      string          `json:"url,omitempty"`
	Bytes    int64           `json:"bytes,omitempty"`
	Total    int64           `json:"total,omitempty"`
	Duration float64         `json:"durationSeconds,omitempty"`
	Class    string          `json:"class,omitempty"`
	Message  string          `json:"message,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	Mode     string          `json:"mode,omitempty"`
	Stats    *Stats          `json:"stats,omitempty"`
}

// Sink consumes events. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(Event)
}

// Multi fans one event out to several sinks.
type Multi []Sink

func (m Multi) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

// New stamps an event with the current time.
func New(t Type) Event {
	return Event{Type: t, Time: time.Now().UTC()}
}

// Collector buffers failure events for the end-of-run report.
type Collector struct {
	mu     sync.Mutex
	failed []Event
}

func (c *Collector) Publish(e Event) {
	if e.Type != DownloadFailed {
		return
	}
	c.mu.Lock()
	c.failed = append(c.failed, e)
	c.mu.Unlock()
}

// Failed returns a copy of the collected failure events.
func (c *Collector) Failed() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.failed))
	copy(out, c.failed)
	return out
}
