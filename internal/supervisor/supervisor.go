// Package supervisor watches the outcome stream and degrades the run
// before an unhealthy burst turns into mass corruption or a ban: reduced
// concurrency first, then a global halt. It also owns the startup orphan
// scan and the emergency stop sentinel.
package supervisor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-civitai-batch/internal/events"
	"go-civitai-batch/internal/models"
	"go-civitai-batch/internal/store"

	log "github.com/sirupsen/logrus"
)

// Mode is the supervisor's health posture.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeSafe     Mode = "safe"
	ModeCritical Mode = "critical"
)

// HaltReason explains why the run was stopped, if it was.
type HaltReason string

const (
	HaltNone          HaltReason = ""
	HaltErrorBurst    HaltReason = "error_burst"
	HaltConsecutive   HaltReason = "consecutive_failures"
	HaltEmergencyStop HaltReason = "emergency_stop"
)

const (
	// EmergencyStopFile under the state directory halts the run when present.
	EmergencyStopFile = "emergency_stop"

	shortWindow = time.Minute
	longWindow  = 3 * time.Minute

	timeoutRateLimit   = 0.01
	safeErrorRate      = 0.05
	criticalErrorRate  = 0.20
	consecutiveLimit   = 3
	minShortSamples    = 10
	minLongSamples     = 10
	sentinelPollPeriod = 2 * time.Second
)

type outcome struct {
	at       time.Time
	failed   bool
	timedOut bool
}

// Controller is what the supervisor steers; the scheduler satisfies it.
type Controller interface {
	SetSafeMode(on bool)
}

// Supervisor is an event sink that tracks a rolling outcome window and
// drives mode transitions. Register it in the event fan-out and start
// the watch loop.
type Supervisor struct {
	mu          sync.Mutex
	window      []outcome
	consecutive int
	mode        Mode
	haltReason  HaltReason

	controller Controller
	sink       events.Sink
	halt       context.CancelFunc
	root       string
}

// New builds a supervisor. halt cancels the run's context; root is the
// state directory where the emergency stop sentinel is looked for.
func New(controller Controller, sink events.Sink, halt context.CancelFunc, root string) *Supervisor {
	if sink == nil {
		sink = events.Multi{}
	}
	return &Supervisor{
		controller: controller,
		sink:       sink,
		halt:       halt,
		root:       root,
		mode:       ModeNormal,
	}
}

// Mode returns the current posture.
func (s *Supervisor) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Halted returns the halt reason, empty while running.
func (s *Supervisor) Halted() HaltReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haltReason
}

// Publish observes download outcomes from the event stream.
func (s *Supervisor) Publish(e events.Event) {
	switch e.Type {
	case events.DownloadCompleted, events.DownloadSkipped:
		s.record(outcome{at: e.Time, failed: false})
	case events.DownloadFailed:
		s.record(outcome{at: e.Time, failed: true, timedOut: e.Class == "timeout"})
	}
}

func (s *Supervisor) record(o outcome) {
	s.mu.Lock()
	s.window = append(s.window, o)
	if o.failed {
		s.consecutive++
	} else {
		s.consecutive = 0
	}
	s.mu.Unlock()
	s.evaluate()
}

// Start runs the sentinel poll and periodic evaluation until ctx ends.
func (s *Supervisor) Start(ctx context.Context) {
	ticker := time.NewTicker(sentinelPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.sentinelPresent() {
				s.enterCritical(HaltEmergencyStop, "emergency stop file present")
				return
			}
			s.evaluate()
		}
	}
}

func (s *Supervisor) sentinelPresent() bool {
	if s.root == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(s.root, EmergencyStopFile))
	return err == nil
}

// evaluate applies the degradation rules to the current window.
func (s *Supervisor) evaluate() {
	s.mu.Lock()
	if s.haltReason != HaltNone {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.prune(now)

	shortTotal, shortFailed, _ := s.tally(now, shortWindow)
	longTotal, longFailed, longTimedOut := s.tally(now, longWindow)
	consecutive := s.consecutive
	s.mu.Unlock()

	if consecutive >= consecutiveLimit {
		s.enterCritical(HaltConsecutive, "consecutive download failures")
		return
	}
	if shortTotal >= minShortSamples && rate(shortFailed, shortTotal) > criticalErrorRate {
		s.enterCritical(HaltErrorBurst, "error rate over the last minute exceeded the critical threshold")
		return
	}

	degraded := false
	if longTotal >= minLongSamples {
		if rate(longFailed, longTotal) > safeErrorRate {
			degraded = true
		}
		if rate(longTimedOut, longTotal) > timeoutRateLimit {
			degraded = true
		}
	}
	s.setMode(degraded)
}

func (s *Supervisor) prune(now time.Time) {
	cutoff := now.Add(-longWindow)
	i := 0
	for ; i < len(s.window); i++ {
		if s.window[i].at.After(cutoff) {
			break
		}
	}
	s.window = s.window[i:]
}

func (s *Supervisor) tally(now time.Time, span time.Duration) (total, failed, timedOut int) {
	cutoff := now.Add(-span)
	for _, o := range s.window {
		if o.at.Before(cutoff) {
			continue
		}
		total++
		if o.failed {
			failed++
		}
		if o.timedOut {
			timedOut++
		}
	}
	return total, failed, timedOut
}

func (s *Supervisor) setMode(safe bool) {
	s.mu.Lock()
	target := ModeNormal
	if safe {
		target = ModeSafe
	}
	if s.mode == target || s.mode == ModeCritical {
		s.mu.Unlock()
		return
	}
	s.mode = target
	s.mu.Unlock()

	s.controller.SetSafeMode(safe)
	ev := events.New(events.ModeChanged)
	ev.Mode = string(target)
	ev.Message = "error rate threshold crossed"
	s.sink.Publish(ev)
	log.Warnf("Supervisor mode changed to %s", target)
}

func (s *Supervisor) enterCritical(reason HaltReason, message string) {
	s.mu.Lock()
	if s.haltReason != HaltNone {
		s.mu.Unlock()
		return
	}
	s.mode = ModeCritical
	s.haltReason = reason
	s.mu.Unlock()

	ev := events.New(events.ModeChanged)
	ev.Mode = string(ModeCritical)
	ev.Class = string(reason)
	ev.Message = message
	s.sink.Publish(ev)
	log.Errorf("Supervisor halting the run: %s", message)
	if s.halt != nil {
		s.halt()
	}
}

func rate(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// ScanOrphans walks the output tree for leftover .tmp files. A temp file
// whose owning task is still live is kept for byte-level resume; the rest
// are deleted. Returns (kept, deleted).
func ScanOrphans(root string, st *store.Store) (kept, deleted int, err error) {
	live := map[string]struct{}{}
	if err := st.Walk(func(task models.Task) error {
		if !task.Status.Terminal() && task.TargetPath != "" {
			live[task.TargetPath+".tmp"] = struct{}{}
		}
		return nil
	}); err != nil {
		return 0, 0, err
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			// State and quarantine trees are not download targets.
			name := d.Name()
			if name == ".state" || name == "corrupted" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		if _, ok := live[path]; ok {
			kept++
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			log.WithError(rmErr).Warnf("Could not remove orphan temp file %s", path)
			return nil
		}
		deleted++
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	if kept+deleted > 0 {
		log.Infof("Orphan scan: kept %d resumable temp files, deleted %d", kept, deleted)
	}
	return kept, deleted, err
}
