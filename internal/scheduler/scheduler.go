// Package scheduler drains the task store through two pipelines: models
// (metadata fetches and binary files) and images (previews, galleries,
// user posts). Each pipeline has its own worker pool; the supervisor can
// shrink both to a single worker without stopping the run.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go-civitai-batch/internal/api"
	"go-civitai-batch/internal/downloader"
	"go-civitai-batch/internal/events"
	"go-civitai-batch/internal/models"
	"go-civitai-batch/internal/store"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	modelKinds = []models.TaskKind{models.TaskMetadataFetch, models.TaskModelFile}
	imageKinds = []models.TaskKind{models.TaskPreviewImage, models.TaskGalleryImage, models.TaskUserImage}
)

const idlePoll = 200 * time.Millisecond

// Runner executes one claimed task.
type Runner interface {
	Run(ctx context.Context, task models.Task) (downloader.Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task models.Task) (downloader.Result, error)

func (f RunnerFunc) Run(ctx context.Context, task models.Task) (downloader.Result, error) {
	return f(ctx, task)
}

// Config sizes the pipelines.
type Config struct {
	ModelWorkers int
	ImageWorkers int
	// MaxTaskAttempts bounds requeues of rate-limited tasks.
	MaxTaskAttempts int
	// FilterStats, when set, feeds the accepted/rejected counters into the
	// periodic stats event.
	FilterStats func() (accepted, rejected int64)
}

// Scheduler owns the worker pools and the claim loop.
type Scheduler struct {
	store  *store.Store
	runner Runner
	sink   events.Sink
	cfg    Config

	safeMode   atomic.Bool
	bytesTotal atomic.Int64
}

// New builds a scheduler. A nil sink discards events.
func New(st *store.Store, runner Runner, sink events.Sink, cfg Config) *Scheduler {
	if cfg.ModelWorkers < 1 {
		cfg.ModelWorkers = 1
	}
	if cfg.ImageWorkers < 1 {
		cfg.ImageWorkers = 1
	}
	if cfg.MaxTaskAttempts < 1 {
		cfg.MaxTaskAttempts = 5
	}
	if sink == nil {
		sink = events.Multi{}
	}
	return &Scheduler{store: st, runner: runner, sink: sink, cfg: cfg}
}

// SetSafeMode shrinks (or restores) both pipelines to one worker each.
func (s *Scheduler) SetSafeMode(on bool) {
	if s.safeMode.Swap(on) != on {
		log.Warnf("Scheduler safe mode: %t", on)
	}
}

// SafeMode reports whether the reduced-concurrency mode is active.
func (s *Scheduler) SafeMode() bool { return s.safeMode.Load() }

// Run drains the store and returns when no pending or in-flight work
// remains in either pipeline, or the context is cancelled. Claimed tasks
// are returned to pending on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	statsCtx, stopStats := context.WithCancel(context.Background())
	defer stopStats()
	go s.statsLoop(statsCtx)

	for i := 0; i < s.cfg.ModelWorkers; i++ {
		idx := i
		g.Go(func() error { return s.worker(ctx, idx, modelKinds) })
	}
	for i := 0; i < s.cfg.ImageWorkers; i++ {
		idx := i
		g.Go(func() error { return s.worker(ctx, idx, imageKinds) })
	}
	err := g.Wait()
	s.publishStats()
	return err
}

// worker claims and executes tasks of the given kinds until the whole
// store is drained. In safe mode only worker 0 of each pipeline runs.
func (s *Scheduler) worker(ctx context.Context, idx int, kinds []models.TaskKind) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.safeMode.Load() && idx > 0 {
			if s.drained() {
				return nil
			}
			sleep(ctx, idlePoll)
			continue
		}

		claimed, err := s.store.Claim(1, kinds...)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			// Tasks of the other pipeline may still fan out into ours, so
			// drain only when the entire store is quiet.
			if s.drained() {
				return nil
			}
			sleep(ctx, idlePoll)
			continue
		}

		s.execute(ctx, claimed[0])
	}
}

// drained checks the store, not local counters: a task is in-flight from
// the moment Claim marks it, so no claim/execute window can slip through.
func (s *Scheduler) drained() bool {
	counts := s.store.CountByStatus()
	return counts[models.StatusPending] == 0 && counts[models.StatusInFlight] == 0
}

// execute runs one task and records its outcome in the store.
func (s *Scheduler) execute(ctx context.Context, task models.Task) {
	result, err := s.runner.Run(ctx, task)
	switch {
	case err == nil:
		status := models.StatusDone
		if result.Skipped {
			status = models.StatusSkipped
		}
		s.bytesTotal.Add(result.Bytes)
		if cErr := s.store.Complete(task.ID, status, nil); cErr != nil {
			log.WithError(cErr).Errorf("Failed to record completion of task %s", task.ID)
		}

	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		if rErr := s.store.Release(task.ID); rErr != nil {
			log.WithError(rErr).Errorf("Failed to release task %s on cancellation", task.ID)
		}

	case errors.Is(err, downloader.ErrQuarantined):
		s.finish(task, models.StatusQuarantined, err)

	default:
		var classified *api.ClassifiedError
		if errors.As(err, &classified) && classified.Class == api.ClassRateLimit && task.Attempts < s.cfg.MaxTaskAttempts {
			delay := classified.BackoffDelay()
			log.Warnf("Task %s rate limited, requeued for %s", task.ID, delay)
			if rErr := s.store.Requeue(task.ID, delay, taskError(task, err)); rErr != nil {
				log.WithError(rErr).Errorf("Failed to requeue task %s", task.ID)
			}
			return
		}
		s.finish(task, models.StatusFailed, err)
	}
}

func (s *Scheduler) finish(task models.Task, status models.TaskStatus, err error) {
	if cErr := s.store.Complete(task.ID, status, taskError(task, err)); cErr != nil {
		log.WithError(cErr).Errorf("Failed to record failure of task %s", task.ID)
	}
	ev := events.New(events.DownloadFailed)
	ev.TaskID, ev.Kind, ev.Path, ev.Attempts = task.ID, task.Kind, task.TargetPath, task.Attempts
	ev.Message = err.Error()
	ev.Class = classOf(err)
	s.sink.Publish(ev)
}

func taskError(task models.Task, err error) *models.TaskError {
	te := &models.TaskError{
		Message: err.Error(),
		Attempt: task.Attempts,
		At:      time.Now().UTC(),
		Class:   classOf(err),
	}
	var classified *api.ClassifiedError
	if errors.As(err, &classified) {
		te.Endpoint = classified.Endpoint
		te.Elapsed = classified.Elapsed.Seconds()
	}
	return te
}

func classOf(err error) string {
	if errors.Is(err, downloader.ErrQuarantined) {
		return string(api.ClassIntegrity)
	}
	var classified *api.ClassifiedError
	if errors.As(err, &classified) {
		return string(classified.Class)
	}
	return string(api.ClassUnknown)
}

func (s *Scheduler) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishStats()
		}
	}
}

func (s *Scheduler) publishStats() {
	counts := s.store.CountByStatus()
	stats := &events.Stats{
		Pending:     counts[models.StatusPending],
		InFlight:    counts[models.StatusInFlight],
		Done:        counts[models.StatusDone],
		Failed:      counts[models.StatusFailed],
		Quarantined: counts[models.StatusQuarantined],
		Skipped:     counts[models.StatusSkipped],
		BytesTotal:  s.bytesTotal.Load(),
	}
	if settled := stats.Done + stats.Failed + stats.Quarantined + stats.Skipped; settled > 0 {
		stats.ErrorRate = float64(stats.Failed+stats.Quarantined) / float64(settled)
	}
	if s.cfg.FilterStats != nil {
		stats.FilterAccepted, stats.FilterRejected = s.cfg.FilterStats()
	}
	ev := events.New(events.PipelineStats)
	ev.Stats = stats
	s.sink.Publish(ev)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
