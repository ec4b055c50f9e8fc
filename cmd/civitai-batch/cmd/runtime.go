package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-civitai-batch/index"
	"go-civitai-batch/internal/api"
	"go-civitai-batch/internal/config"
	"go-civitai-batch/internal/downloader"
	"go-civitai-batch/internal/enumerator"
	"go-civitai-batch/internal/events"
	"go-civitai-batch/internal/filter"
	"go-civitai-batch/internal/models"
	"go-civitai-batch/internal/planner"
	"go-civitai-batch/internal/ratelimit"
	"go-civitai-batch/internal/scheduler"
	"go-civitai-batch/internal/store"
	"go-civitai-batch/internal/supervisor"
)

// fanout is a mutable event sink set; sinks register during wiring.
type fanout struct {
	sinks []events.Sink
}

func (f *fanout) add(s events.Sink) { f.sinks = append(f.sinks, s) }

func (f *fanout) Publish(e events.Event) {
	for _, s := range f.sinks {
		s.Publish(e)
	}
}

// runtime is the assembled engine for one run.
type runtime struct {
	cfg       config.Config
	st        *store.Store
	gov       *ratelimit.Governor
	client    *api.Client
	plan      *planner.Planner
	filt      *filter.BaseModelFilter
	enum      *enumerator.Enumerator
	engine    *downloader.Engine
	sched     *scheduler.Scheduler
	sup       *supervisor.Supervisor
	idx       bleve.Index
	fan       *fanout
	collector *events.Collector
	live      *events.LiveSink

	cancel context.CancelFunc
}

// newRuntime wires every component against the loaded configuration.
func newRuntime(showProgress bool) (*runtime, context.Context, error) {
	cfg := globalConfig
	if err := os.MkdirAll(cfg.OutputRoot, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating output root %s: %w", cfg.OutputRoot, err)
	}

	st, err := store.Open(filepath.Join(cfg.StateDir(), "tasks.db"))
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	r := &runtime{
		cfg:       cfg,
		st:        st,
		gov:       ratelimit.NewGovernor(cfg.Rate.ModelApiRps, cfg.Rate.ImageApiRps),
		plan:      planner.New(cfg.OutputRoot),
		fan:       &fanout{},
		collector: &events.Collector{},
		cancel:    cancel,
	}
	r.client = api.NewClient(api.NewHTTPClient(globalHttpTransport), cfg.ApiBaseURLs, cfg.ApiToken, r.gov, cfg.Retry.MaxAttempts)
	r.client.LimitConcurrentAPI(cfg.Rate.MaxConcurrentApi)

	r.filt, err = filter.Load(cfg.BaseModelFilterPath)
	if err != nil {
		r.close()
		return nil, nil, err
	}

	r.enum = enumerator.New(r.client, st, r.plan, r.filt, enumerator.Options{
		MaxUserImages:    cfg.MaxUserImages,
		MaxGalleryImages: cfg.MaxGalleryImages,
	})
	r.engine = downloader.New(r.client, r.plan, r.fan, downloader.Options{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Resume:       !cfg.Resume.Disabled,
		SkipExisting: cfg.SkipExisting,
	})

	r.idx, err = index.OpenOrCreate(filepath.Join(cfg.StateDir(), index.DefaultName))
	if err != nil {
		log.WithError(err).Warn("Search index unavailable, continuing without it")
		r.idx = nil
	}

	modelWorkers, imageWorkers := pipelineWorkers(cfg)
	r.sched = scheduler.New(st, scheduler.RunnerFunc(r.dispatch), r.fan, scheduler.Config{
		ModelWorkers:    modelWorkers,
		ImageWorkers:    imageWorkers,
		MaxTaskAttempts: cfg.Retry.MaxAttempts,
		FilterStats:     r.filt.Stats,
	})
	r.sup = supervisor.New(r.sched, r.fan, cancel, cfg.StateDir())

	r.fan.add(events.LogSink{})
	r.fan.add(r.collector)
	r.fan.add(r.sup)
	if showProgress {
		r.live = events.NewLiveSink()
		r.fan.add(r.live)
	}
	return r, ctx, nil
}

// pipelineWorkers derives the scheduler permits from the configuration.
// Without parallel mode both pipelines run one download at a time; with
// it the model pipeline widens to MaxConcurrentDownloads and the image
// pipeline to two, capped at twice the model permits.
func pipelineWorkers(cfg config.Config) (model, image int) {
	if !cfg.ParallelMode {
		return 1, 1
	}
	model = cfg.MaxConcurrentDownloads
	image = 2
	if ceiling := 2 * model; image > ceiling {
		image = ceiling
	}
	return model, image
}

// dispatch routes a claimed task to the component that executes its kind,
// and feeds the search index on completed downloads.
func (r *runtime) dispatch(ctx context.Context, task models.Task) (downloader.Result, error) {
	if task.Kind == models.TaskMetadataFetch {
		return r.enum.RunMetadata(ctx, task)
	}
	res, err := r.engine.Run(ctx, task)
	if err == nil && !res.Skipped {
		r.addToIndex(task, res)
	}
	return res, err
}

func (r *runtime) addToIndex(task models.Task, res downloader.Result) {
	if r.idx == nil {
		return
	}
	var entry index.Entry
	switch task.Kind {
	case models.TaskModelFile:
		var payload models.FilePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return
		}
		entry = index.VersionEntry(payload, res.Path)
	default:
		var payload models.ImagePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return
		}
		entry = index.ImageEntry(task.Kind, payload, res.Path)
	}
	if err := index.Add(r.idx, entry); err != nil {
		log.WithError(err).Debugf("Failed to index %s", res.Path)
	}
}

// run recovers state, drains the queue, and reports the exit code.
func (r *runtime) run(ctx context.Context) int {
	recovered, terminal, err := r.st.Resume()
	if err != nil {
		log.WithError(err).Error("Failed to recover task state")
		return ExitFatal
	}
	log.Infof("Task store ready: %d tasks recovered, %d already terminal", recovered, terminal)

	if _, _, err := supervisor.ScanOrphans(r.cfg.OutputRoot, r.st); err != nil {
		log.WithError(err).Warn("Orphan scan failed")
	}

	r.gov.Start(ctx)
	defer r.gov.Shutdown()
	go r.sup.Start(ctx)

	runErr := r.sched.Run(ctx)

	if err := events.WriteFailureReport(filepath.Join(r.cfg.OutputRoot, "failed.txt"), r.collector.Failed()); err != nil {
		log.WithError(err).Warn("Could not write failure report")
	}

	switch r.sup.Halted() {
	case supervisor.HaltEmergencyStop:
		return ExitEmergencyStop
	case supervisor.HaltErrorBurst, supervisor.HaltConsecutive:
		return ExitFatal
	}
	if runErr != nil && ctx.Err() != nil {
		log.Warn("Run interrupted, progress is saved; rerun to resume")
		return ExitWithFailures
	}
	if runErr != nil {
		log.WithError(runErr).Error("Scheduler failed")
		return ExitFatal
	}

	counts := r.st.CountByStatus()
	if counts[models.StatusFailed] > 0 || counts[models.StatusQuarantined] > 0 {
		log.Warnf("Run finished with %d failed and %d quarantined tasks",
			counts[models.StatusFailed], counts[models.StatusQuarantined])
		return ExitWithFailures
	}
	log.Info("Run finished cleanly")
	return ExitOK
}

// close releases everything in reverse wiring order.
func (r *runtime) close() {
	if r.live != nil {
		r.live.Stop()
	}
	if r.idx != nil {
		r.idx.Close()
	}
	if r.st != nil {
		if err := r.st.Close(); err != nil {
			log.WithError(err).Warn("Error closing task store")
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// resolveInputs merges config inputs with flag inputs into users and
// model ids.
func resolveInputs(cfg config.Config, flagUsers []string, flagModels []string, usersFile, modelsFile string) ([]string, []int, error) {
	userEntries := append([]string{}, cfg.Inputs.Users...)
	userEntries = append(userEntries, flagUsers...)
	if usersFile != "" {
		lines, err := config.ReadListFile(usersFile)
		if err != nil {
			return nil, nil, err
		}
		userEntries = append(userEntries, lines...)
	}

	modelEntries := append([]string{}, cfg.Inputs.Models...)
	modelEntries = append(modelEntries, flagModels...)
	if modelsFile != "" {
		lines, err := config.ReadListFile(modelsFile)
		if err != nil {
			return nil, nil, err
		}
		modelEntries = append(modelEntries, lines...)
	}

	users := make([]string, 0, len(userEntries))
	seenUsers := map[string]struct{}{}
	for _, entry := range userEntries {
		handle, err := config.ParseUserEntry(entry)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seenUsers[handle]; dup {
			continue
		}
		seenUsers[handle] = struct{}{}
		users = append(users, handle)
	}

	ids := make([]int, 0, len(modelEntries))
	seenIDs := map[int]struct{}{}
	for _, entry := range modelEntries {
		id, err := config.ParseModelEntry(entry)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seenIDs[id]; dup {
			continue
		}
		seenIDs[id] = struct{}{}
		ids = append(ids, id)
	}
	return users, ids, nil
}
