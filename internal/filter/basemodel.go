// Package filter implements the opt-in base-model whitelist gate.
package filter

import (
	"strings"
	"sync/atomic"

	"go-civitai-batch/internal/config"
	"go-civitai-batch/internal/models"

	log "github.com/sirupsen/logrus"
)

// BaseModelFilter admits versions whose baseModel matches any whitelist
// entry (case-insensitive substring). A nil filter admits everything.
// While active, versions without a baseModel are rejected.
type BaseModelFilter struct {
	entries  []string
	accepted atomic.Int64
	rejected atomic.Int64
}

// Load reads a whitelist file (one entry per line, '#' comments and blank
// lines ignored). An empty path returns nil, i.e. filtering disabled.
func Load(path string) (*BaseModelFilter, error) {
	if path == "" {
		return nil, nil
	}
	lines, err := config.ReadListFile(path)
	if err != nil {
		return nil, err
	}
	entries := make([]string, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, strings.ToLower(line))
	}
	log.Infof("Base model filter active with %d entries", len(entries))
	return &BaseModelFilter{entries: entries}, nil
}

// FromEntries builds a filter directly, mainly for tests and flags.
func FromEntries(entries []string) *BaseModelFilter {
	lowered := make([]string, 0, len(entries))
	for _, e := range entries {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(e)))
	}
	return &BaseModelFilter{entries: lowered}
}

// Admit decides whether a version passes the gate, updating the counters.
func (f *BaseModelFilter) Admit(version *models.ModelVersion) bool {
	if f == nil {
		return true
	}
	base := strings.ToLower(strings.TrimSpace(version.BaseModel))
	if base == "" {
		f.rejected.Add(1)
		log.Debugf("Version %d rejected: no baseModel while filter active", version.ID)
		return false
	}
	for _, entry := range f.entries {
		if entry != "" && strings.Contains(base, entry) {
			f.accepted.Add(1)
			return true
		}
	}
	f.rejected.Add(1)
	log.Debugf("Version %d rejected: baseModel %q not whitelisted", version.ID, version.BaseModel)
	return false
}

// Stats returns the accepted/rejected counts for the progress stream.
func (f *BaseModelFilter) Stats() (accepted, rejected int64) {
	if f == nil {
		return 0, 0
	}
	return f.accepted.Load(), f.rejected.Load()
}
