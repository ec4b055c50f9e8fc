package events

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go-civitai-batch/internal/helpers"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
)

// LogSink writes every event as a structured log line.
type LogSink struct{}

func (LogSink) Publish(e Event) {
	fields := log.Fields{"event": string(e.Type)}
	if e.TaskID != "" {
		fields["task"] = e.TaskID
	}
	if e.Kind != "" {
		fields["kind"] = string(e.Kind)
	}
	if e.Path != "" {
		fields["path"] = e.Path
	}
	if e.Total > 0 {
		fields["size"] = helpers.BytesToSize(uint64(e.Total))
	}

	entry := log.WithFields(fields)
	switch e.Type {
	case DownloadFailed:
		entry.WithField("class", e.Class).Warn(e.Message)
	case ModeChanged:
		entry.WithField("mode", e.Mode).Warn(e.Message)
	case DownloadProgress:
		entry.Trace("progress")
	case PipelineStats:
		if e.Stats != nil {
			entry.WithFields(log.Fields{
				"pending":  e.Stats.Pending,
				"inflight": e.Stats.InFlight,
				"done":     e.Stats.Done,
				"failed":   e.Stats.Failed,
			}).Debug("pipeline stats")
		}
	default:
		entry.Info(string(e.Type))
	}
}

// LiveSink renders active downloads and the aggregate line in place on
// the terminal.
type LiveSink struct {
	mu     sync.Mutex
	writer *uilive.Writer
	active map[string]Event
	stats  Stats
	ticker *time.Ticker
	done   chan struct{}
}

// NewLiveSink starts the repaint loop.
func NewLiveSink() *LiveSink {
	w := uilive.New()
	w.Out = os.Stderr
	w.Start()
	s := &LiveSink{
		writer: w,
		active: map[string]Event{},
		ticker: time.NewTicker(250 * time.Millisecond),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-s.ticker.C:
				s.render()
			}
		}
	}()
	return s
}

func (s *LiveSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Type {
	case DownloadStarted, DownloadProgress:
		s.active[e.TaskID] = e
	case DownloadCompleted, DownloadFailed, DownloadSkipped:
		delete(s.active, e.TaskID)
	case PipelineStats:
		if e.Stats != nil {
			s.stats = *e.Stats
		}
	}
}

func (s *LiveSink) render() {
	s.mu.Lock()
	lines := make([]string, 0, len(s.active)+1)
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := s.active[id]
		progress := helpers.BytesToSize(uint64(e.Bytes))
		if e.Total > 0 {
			progress = fmt.Sprintf("%s / %s (%.0f%%)",
				helpers.BytesToSize(uint64(e.Bytes)), helpers.BytesToSize(uint64(e.Total)),
				float64(e.Bytes)/float64(e.Total)*100)
		}
		lines = append(lines, fmt.Sprintf("  %-12s %s  %s", e.Kind, shortPath(e.Path), progress))
	}
	st := s.stats
	s.mu.Unlock()

	lines = append(lines, fmt.Sprintf("pending %d | active %d | done %d | failed %d | quarantined %d | skipped %d | %s",
		st.Pending, st.InFlight, st.Done, st.Failed, st.Quarantined, st.Skipped,
		helpers.BytesToSize(uint64(st.BytesTotal))))
	fmt.Fprintln(s.writer, strings.Join(lines, "\n"))
}

// Stop halts the repaint loop and flushes the final frame.
func (s *LiveSink) Stop() {
	s.ticker.Stop()
	close(s.done)
	s.render()
	s.writer.Stop()
}

func shortPath(p string) string {
	const max = 60
	if len(p) <= max {
		return p
	}
	return "..." + p[len(p)-max+3:]
}

// WriteFailureReport writes failed.txt: one line per permanently failed
// download, so a run's losses are greppable afterwards.
func WriteFailureReport(path string, failed []Event) error {
	if len(failed) == 0 {
		return nil
	}
	var b strings.Builder
	for _, e := range failed {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Format(time.RFC3339), e.TaskID, e.Kind, e.Class, e.Path, e.Message)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("writing failure report %s: %w", path, err)
	}
	log.Infof("Wrote %d failures to %s", len(failed), path)
	return nil
}
