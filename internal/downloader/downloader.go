// Package downloader is the resumable, digest-verified file engine. It
// pulls one task at a time: plans nothing itself (the target path is
// fixed at enqueue time), streams to <target>.tmp, verifies the declared
// digest while streaming, and renames into place only on success.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-civitai-batch/internal/api"
	"go-civitai-batch/internal/events"
	"go-civitai-batch/internal/helpers"
	"go-civitai-batch/internal/models"
	"go-civitai-batch/internal/planner"
	"go-civitai-batch/internal/ratelimit"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

const (
	chunkSize = 64 * 1024

	// integrityLimit is how many digest mismatches are tolerated before
	// the temp file is quarantined.
	integrityLimit = 3

	// progressEvery throttles progress events to one per this many bytes.
	progressEvery int64 = 4 << 20
)

// ErrQuarantined marks a download whose payload failed verification
// repeatedly; the temp file was preserved under the quarantine directory.
var ErrQuarantined = errors.New("download quarantined after repeated integrity failures")

// Engine executes download tasks.
type Engine struct {
	client       *api.Client
	plan         *planner.Planner
	sink         events.Sink
	maxAttempts  int
	resume       bool
	skipExisting bool
}

// Options tunes an Engine.
type Options struct {
	MaxAttempts  int
	Resume       bool
	SkipExisting bool
}

// New builds an engine. A nil sink discards events.
func New(client *api.Client, plan *planner.Planner, sink events.Sink, opts Options) *Engine {
	if sink == nil {
		sink = events.Multi{}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	return &Engine{
		client:       client,
		plan:         plan,
		sink:         sink,
		maxAttempts:  opts.MaxAttempts,
		resume:       opts.Resume,
		skipExisting: opts.SkipExisting,
	}
}

// Result describes a finished task.
type Result struct {
	Path    string
	Bytes   int64
	Skipped bool
}

// Run executes one claimed file task to completion. The returned error,
// when classified, carries the class the scheduler uses to decide between
// requeue and permanent failure. ErrQuarantined means the task must move
// to the quarantined status.
func (e *Engine) Run(ctx context.Context, task models.Task) (Result, error) {
	switch task.Kind {
	case models.TaskModelFile:
		var payload models.FilePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return Result{}, fmt.Errorf("decoding file payload for task %s: %w", task.ID, err)
		}
		url := payload.File.DownloadURL
		algo, digest := payload.File.Hashes.Preferred()
		return e.fetch(ctx, task, ratelimit.ChannelModelFile, url, payload.File.SizeBytes(), algo, digest)
	case models.TaskPreviewImage, models.TaskGalleryImage, models.TaskUserImage:
		var payload models.ImagePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return Result{}, fmt.Errorf("decoding image payload for task %s: %w", task.ID, err)
		}
		// Image endpoints declare no digests or sizes.
		return e.fetch(ctx, task, ratelimit.ChannelImageFile, payload.Image.URL, 0, "", "")
	default:
		return Result{}, fmt.Errorf("task %s: kind %s is not downloadable", task.ID, task.Kind)
	}
}

func (e *Engine) fetch(ctx context.Context, task models.Task, channel ratelimit.Channel, url string, declaredSize int64, algo, digest string) (Result, error) {
	target := task.TargetPath
	if url == "" {
		return Result{}, fmt.Errorf("task %s has no download URL", task.ID)
	}
	if skipped, res := e.checkExisting(task, target, algo, digest); skipped {
		return res, nil
	}
	if !helpers.CheckAndMakeDir(filepath.Dir(target)) {
		return Result{}, fmt.Errorf("creating directory for %s", target)
	}

	started := events.New(events.DownloadStarted)
	started.TaskID, started.Kind, started.Path, started.URL, started.Total = task.ID, task.Kind, target, url, declaredSize
	e.sink.Publish(started)

	tmp := target + ".tmp"
	fetchStart := time.Now()
	integrityFailures := 0
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		written, served, err := e.attempt(ctx, task, channel, url, tmp, declaredSize, algo, digest)
		if err == nil {
			final := target
			if served != "" && served != filepath.Base(target) {
				final = filepath.Join(filepath.Dir(target), served)
				log.Debugf("Server named %s, using it over %s", served, filepath.Base(target))
			}
			if err := os.Rename(tmp, final); err != nil {
				return Result{}, fmt.Errorf("renaming %s into place: %w", tmp, err)
			}
			done := events.New(events.DownloadCompleted)
			done.TaskID, done.Kind, done.Path, done.Bytes, done.Attempts = task.ID, task.Kind, final, written, attempt
			done.Duration = time.Since(fetchStart).Seconds()
			e.sink.Publish(done)
			return Result{Path: final, Bytes: written}, nil
		}
		lastErr = err

		var classified *api.ClassifiedError
		if errors.As(err, &classified) && classified.Class == api.ClassIntegrity {
			// Every corrupt payload is preserved for inspection; it cannot
			// be resumed from, so the next attempt starts clean.
			integrityFailures++
			if qErr := e.quarantine(task.ID, tmp, integrityFailures); qErr != nil {
				log.WithError(qErr).Errorf("Failed to quarantine %s", tmp)
			}
			if integrityFailures >= integrityLimit {
				return Result{}, fmt.Errorf("%w: %s", ErrQuarantined, err)
			}
		}

		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !retryHere(err) || attempt == e.maxAttempts {
			break
		}
		delay := backoffFor(err, attempt)
		log.WithError(err).Warnf("Download of %s failed, retrying %d/%d after %s", filepath.Base(target), attempt, e.maxAttempts, delay)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return Result{}, lastErr
}

// checkExisting implements the two skip paths: digest match against the
// final file, and plain name-based skipping when enabled.
func (e *Engine) checkExisting(task models.Task, target, algo, digest string) (bool, Result) {
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		return false, Result{}
	}
	if e.skipExisting {
		log.Debugf("Skipping %s: exists and skip_existing is on", target)
		e.publishSkip(task, target, info.Size())
		return true, Result{Path: target, Bytes: info.Size(), Skipped: true}
	}
	if digest == "" {
		return false, Result{}
	}
	ok, err := verifyFile(target, algo, digest)
	if err != nil {
		log.WithError(err).Warnf("Could not verify existing file %s, redownloading", target)
		return false, Result{}
	}
	if !ok {
		log.Warnf("Existing file %s fails %s verification, redownloading", target, algo)
		return false, Result{}
	}
	log.Debugf("Skipping %s: digest already verified", target)
	e.publishSkip(task, target, info.Size())
	return true, Result{Path: target, Bytes: info.Size(), Skipped: true}
}

func (e *Engine) publishSkip(task models.Task, target string, size int64) {
	ev := events.New(events.DownloadSkipped)
	ev.TaskID, ev.Kind, ev.Path, ev.Bytes = task.ID, task.Kind, target, size
	e.sink.Publish(ev)
}

// attempt performs one request/stream/verify cycle against tmp. The
// digest is fed chunk by chunk during the write, so verification costs
// no second read of the payload. On success it also reports the
// server-declared filename, if any.
func (e *Engine) attempt(ctx context.Context, task models.Task, channel ratelimit.Channel, url, tmp string, declaredSize int64, algo, digest string) (int64, string, error) {
	offset := int64(0)
	if e.resume {
		if info, err := os.Stat(tmp); err == nil && !info.IsDir() {
			offset = info.Size()
		}
	}

	// Total timeout adapts to the declared size and the recent timeout
	// rate; image sizes are undeclared so they get the floor.
	timeout := e.client.Timeouts.TotalTimeout(declaredSize)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.DoFile(attemptCtx, channel, url, offset)
	if err != nil {
		if timedOut(attemptCtx, err) {
			e.client.Timeouts.Record(true)
		}
		return 0, "", api.NewTransportError(err, url, task.Attempts, time.Since(start))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Full body, whether or not a range was asked for. Restart.
		offset = 0
	case http.StatusPartialContent:
		// Server honored the range; keep the prefix.
	case http.StatusRequestedRangeNotSatisfiable:
		// Stale or oversized temp file. Drop it and retry clean.
		os.Remove(tmp)
		return 0, "", &api.ClassifiedError{
			Class:    api.ClassServer5xx,
			Message:  "range not satisfiable, restarting",
			Endpoint: url,
			At:       time.Now(),
		}
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, "", api.NewHTTPError(resp, url, task.Attempts, time.Since(start))
	}

	var h hash.Hash
	autoV2 := false
	if digest != "" {
		var hashErr error
		h, autoV2, hashErr = newHasher(algo)
		if hashErr != nil {
			return 0, "", hashErr
		}
		if offset > 0 {
			// Replay the kept prefix so the running digest still covers
			// the whole file.
			if err := hashPrefix(h, tmp, offset); err != nil {
				return 0, "", fmt.Errorf("hashing resumed prefix of %s: %w", tmp, err)
			}
		}
	}

	written, err := e.stream(attemptCtx, task, resp, tmp, offset, declaredSize, h)
	if err != nil {
		if timedOut(attemptCtx, err) {
			e.client.Timeouts.Record(true)
			return 0, "", &api.ClassifiedError{
				Class:    api.ClassTimeout,
				Message:  fmt.Sprintf("download exceeded total timeout %s", timeout),
				Endpoint: url,
				Elapsed:  time.Since(start),
				At:       time.Now(),
				Err:      err,
			}
		}
		return 0, "", api.NewTransportError(err, url, task.Attempts, time.Since(start))
	}
	e.client.Timeouts.Record(false)

	if h != nil {
		computed := hex.EncodeToString(h.Sum(nil))
		if autoV2 && len(computed) >= 10 {
			computed = computed[:10]
		}
		if !strings.EqualFold(computed, digest) {
			return 0, "", &api.ClassifiedError{
				Class:    api.ClassIntegrity,
				Message:  fmt.Sprintf("%s digest mismatch", algo),
				Endpoint: url,
				At:       time.Now(),
			}
		}
	}

	served := ""
	if task.Kind == models.TaskModelFile {
		served = FilenameFromResponse(resp)
	}
	return written, served, nil
}

// stream copies the response body into tmp at offset, feeding the hasher
// and publishing progress along the way.
func (e *Engine) stream(ctx context.Context, task models.Task, resp *http.Response, tmp string, offset, declaredSize int64, h hash.Hash) (int64, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(tmp, flags, 0600)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", tmp, err)
	}
	defer out.Close()

	total := declaredSize
	if total == 0 && resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	written := offset
	lastEvent := written
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return written, fmt.Errorf("writing %s: %w", tmp, writeErr)
			}
			if h != nil {
				h.Write(buf[:n])
			}
			written += int64(n)
			if written-lastEvent >= progressEvery {
				lastEvent = written
				ev := events.New(events.DownloadProgress)
				ev.TaskID, ev.Kind, ev.Path, ev.Bytes, ev.Total = task.ID, task.Kind, task.TargetPath, written, total
				e.sink.Publish(ev)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, readErr
		}
	}
	if err := out.Sync(); err != nil {
		return written, fmt.Errorf("syncing %s: %w", tmp, err)
	}
	return written, nil
}

// quarantine preserves a corrupt temp file under corrupted/<task-id>/,
// suffixed by the failure ordinal so repeated mismatches do not collide.
func (e *Engine) quarantine(taskID, tmp string, seq int) error {
	dir := e.plan.QuarantineDir(taskID)
	if !helpers.CheckAndMakeDir(dir) {
		return fmt.Errorf("creating quarantine directory %s", dir)
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s.%d", filepath.Base(tmp), seq))
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("moving %s to quarantine: %w", tmp, err)
	}
	log.Warnf("Quarantined %s", dest)
	return nil
}

// newHasher returns the hasher for a declared algorithm. The second
// return marks AutoV2, whose digests are the first ten hex characters
// of the SHA-256.
func newHasher(algo string) (hash.Hash, bool, error) {
	switch strings.ToUpper(algo) {
	case "SHA256":
		return sha256.New(), false, nil
	case "AUTOV2":
		return sha256.New(), true, nil
	case "BLAKE3":
		return blake3.New(), false, nil
	}
	return nil, false, fmt.Errorf("unsupported hash algorithm %q", algo)
}

// hashPrefix replays the first n bytes of path through the hasher.
func hashPrefix(h hash.Hash, path string, n int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyN(h, f, n)
	return err
}

// verifyFile reads an existing file through the hasher for the declared
// algorithm and compares case-insensitively.
func verifyFile(path, algo, digest string) (bool, error) {
	h, autoV2, err := newHasher(algo)
	if err != nil {
		return false, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if _, err := io.CopyBuffer(h, f, make([]byte, chunkSize)); err != nil {
		return false, err
	}
	computed := hex.EncodeToString(h.Sum(nil))
	if autoV2 && len(computed) >= 10 {
		computed = computed[:10]
	}
	return strings.EqualFold(computed, digest), nil
}

// FilenameFromResponse extracts the server-declared file name, which wins
// over the metadata name for model files.
func FilenameFromResponse(resp *http.Response) string {
	header := resp.Header.Get("Content-Disposition")
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil || params["filename"] == "" {
		return ""
	}
	return planner.SanitizeSegment(params["filename"])
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

func retryHere(err error) bool {
	var classified *api.ClassifiedError
	if !errors.As(err, &classified) {
		return false
	}
	// Rate limiting is better served by a delayed requeue than by holding
	// a worker slot through a long sleep.
	if classified.Class == api.ClassRateLimit {
		return false
	}
	return classified.Class.Retryable()
}

func backoffFor(err error, attempt int) time.Duration {
	var classified *api.ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class.Backoff(attempt)
	}
	return api.ClassUnknown.Backoff(attempt)
}
