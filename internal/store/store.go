// Package store is the durable task queue. Every unit of work is a
// models.Task persisted in an embedded bitcask database under
// <root>/.state/tasks.db, with a .bak copy rotated before each
// checkpoint. Tasks are appended by the enumerator, mutated by the
// scheduler and download engine, and never deleted.
package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go-civitai-batch/internal/models"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a task id is not present in the store.
var ErrNotFound = errors.New("task not found")

// ErrNotClaimable is returned when a transition is attempted on a task
// that is not in the expected state.
var ErrNotClaimable = errors.New("task not in a claimable state")

const (
	taskKeyPrefix   = "task:"
	dedupeKeyPrefix = "dedupe:"

	// Checkpoint cadence: whichever of these trips first.
	checkpointTransitions = 50
	checkpointInterval    = 5 * time.Second
)

// gzipMagicBytes are the first two bytes of a gzip stream.
var gzipMagicBytes = []byte{0x1f, 0x8b}

// Store wraps the bitcask instance with the task lifecycle. All writes are
// serialized through the mutex; reads go through the in-memory cache that
// mirrors the database.
type Store struct {
	mu   sync.Mutex
	db   *bitcask.Bitcask
	path string

	// cache mirrors every task for FIFO claiming and skip gates.
	cache map[string]*models.Task
	// dedupe maps the idempotency key to the owning task id.
	dedupe map[string]string

	transitions  int
	lastCheckp   time.Time
	checkpointFn func() error // test hook; defaults to rotateBackup
}

// Open loads (or creates) the store at path. If the primary database is
// corrupt and a .bak copy exists, the backup is promoted automatically.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	db, err := bitcask.Open(path)
	if err != nil {
		backup := path + ".bak"
		if _, statErr := os.Stat(backup); statErr != nil {
			return nil, fmt.Errorf("failed to open task store at %s: %w", path, err)
		}
		log.WithError(err).Warnf("Task store at %s unreadable, falling back to backup", path)
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("removing corrupt task store: %w", err)
		}
		if err := copyDir(backup, path); err != nil {
			return nil, fmt.Errorf("restoring task store backup: %w", err)
		}
		db, err = bitcask.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open restored task store: %w", err)
		}
	}

	s := &Store{
		db:         db,
		path:       path,
		cache:      map[string]*models.Task{},
		dedupe:     map[string]string{},
		lastCheckp: time.Now(),
	}
	s.checkpointFn = s.rotateBackup
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("Task store opened at %s (%d tasks)", path, len(s.cache))
	return s, nil
}

func (s *Store) load() error {
	return s.db.Fold(func(key []byte) error {
		k := string(key)
		raw, err := s.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable store key %s", k)
			return nil
		}
		value, err := decompressIfGzipped(raw)
		if err != nil {
			log.WithError(err).Warnf("Skipping undecodable store key %s", k)
			return nil
		}
		switch {
		case strings.HasPrefix(k, taskKeyPrefix):
			var task models.Task
			if err := json.Unmarshal(value, &task); err != nil {
				log.WithError(err).Warnf("Skipping malformed task record %s", k)
				return nil
			}
			s.cache[task.ID] = &task
		case strings.HasPrefix(k, dedupeKeyPrefix):
			var rec dedupeRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				log.WithError(err).Warnf("Skipping malformed dedupe record %s", k)
				return nil
			}
			s.dedupe[rec.Key] = rec.TaskID
		}
		return nil
	})
}

// Close closes the database and takes a final backup of the flushed
// datafiles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Close()
	if cpErr := s.checkpointFn(); cpErr != nil {
		log.WithError(cpErr).Warn("Final checkpoint failed")
	}
	return err
}

// DedupeKey is the idempotency key for enqueue.
func DedupeKey(kind models.TaskKind, remoteID, targetPath string) string {
	return string(kind) + "|" + remoteID + "|" + targetPath
}

// dedupeRecord is the persisted form of one idempotency mapping. The
// database key is a digest of the logical key, since target paths easily
// exceed bitcask's key size limit.
type dedupeRecord struct {
	Key    string `json:"key"`
	TaskID string `json:"taskId"`
}

func dedupeDBKey(logical string) string {
	sum := sha256.Sum256([]byte(logical))
	return dedupeKeyPrefix + hex.EncodeToString(sum[:16])
}

// Enqueue persists a task unless an equivalent one (same kind, remote id
// and target path) already exists; the existing task is returned in that
// case with added=false.
func (s *Store) Enqueue(task models.Task) (models.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := DedupeKey(task.Kind, task.RemoteID, task.TargetPath)
	if existingID, ok := s.dedupe[key]; ok {
		if existing, ok := s.cache[existingID]; ok {
			return *existing, false, nil
		}
	}

	if err := s.putTask(&task); err != nil {
		return models.Task{}, false, err
	}
	rec, err := json.Marshal(dedupeRecord{Key: key, TaskID: task.ID})
	if err != nil {
		return models.Task{}, false, fmt.Errorf("marshalling dedupe record: %w", err)
	}
	if err := s.putRaw(dedupeDBKey(key), rec); err != nil {
		return models.Task{}, false, err
	}
	s.cache[task.ID] = &task
	s.dedupe[key] = task.ID
	s.noteTransition()
	return task, true, nil
}

// Claim atomically marks up to limit eligible pending tasks as in-flight
// and returns them, FIFO by (creation time, id). Tasks whose NotBefore is
// in the future are not eligible. onlyKinds restricts the claim to the
// given kinds; empty means any.
func (s *Store) Claim(limit int, onlyKinds ...models.TaskKind) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	now := time.Now()
	eligible := make([]*models.Task, 0, limit)
	for _, t := range s.cache {
		if t.Status != models.StatusPending || t.NotBefore.After(now) {
			continue
		}
		if len(onlyKinds) > 0 && !kindIn(t.Kind, onlyKinds) {
			continue
		}
		eligible = append(eligible, t)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]models.Task, 0, len(eligible))
	for _, t := range eligible {
		t.Status = models.StatusInFlight
		t.Attempts++
		t.UpdatedAt = time.Now().UTC()
		if err := s.putTask(t); err != nil {
			return claimed, err
		}
		s.noteTransition()
		claimed = append(claimed, *t)
	}
	return claimed, nil
}

// Complete moves an in-flight task to a terminal (or failed) status.
func (s *Store) Complete(id string, status models.TaskStatus, taskErr *models.TaskError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.cache[id]
	if !ok {
		return fmt.Errorf("completing %s: %w", id, ErrNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("completing %s: already terminal (%s)", id, t.Status)
	}
	t.Status = status
	t.LastError = taskErr
	t.UpdatedAt = time.Now().UTC()
	if err := s.putTask(t); err != nil {
		return err
	}
	s.noteTransition()
	return nil
}

// Requeue moves a task back to pending after a retryable failure, keeping
// the error record and delaying eligibility by delay.
func (s *Store) Requeue(id string, delay time.Duration, taskErr *models.TaskError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.cache[id]
	if !ok {
		return fmt.Errorf("requeueing %s: %w", id, ErrNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("requeueing %s: already terminal (%s)", id, t.Status)
	}
	t.Status = models.StatusPending
	t.LastError = taskErr
	t.NotBefore = time.Now().Add(delay)
	t.UpdatedAt = time.Now().UTC()
	if err := s.putTask(t); err != nil {
		return err
	}
	s.noteTransition()
	return nil
}

// Release returns an in-flight task to pending without recording a
// failure; used on cancellation. The attempt that was charged at claim
// time is refunded.
func (s *Store) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.cache[id]
	if !ok {
		return fmt.Errorf("releasing %s: %w", id, ErrNotFound)
	}
	if t.Status != models.StatusInFlight {
		return fmt.Errorf("releasing %s: %w", id, ErrNotClaimable)
	}
	t.Status = models.StatusPending
	if t.Attempts > 0 {
		t.Attempts--
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.putTask(t); err != nil {
		return err
	}
	s.noteTransition()
	return nil
}

// Resume is called once at startup: every in-flight task (abandoned by a
// crash) moves back to pending. Returns how many were recovered and how
// many terminal tasks act as skip gates.
func (s *Store) Resume() (recovered, terminal int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.cache {
		switch {
		case t.Status == models.StatusInFlight:
			t.Status = models.StatusPending
			t.UpdatedAt = time.Now().UTC()
			if err := s.putTask(t); err != nil {
				return recovered, terminal, err
			}
			recovered++
			s.noteTransition()
		case t.Status.Terminal():
			terminal++
		}
	}
	if recovered > 0 {
		log.Infof("Resumed %d in-flight tasks back to pending", recovered)
	}
	return recovered, terminal, nil
}

// RetryFailed moves every failed task back to pending with a clean
// attempt counter, so an explicit resume gives them a fresh retry budget.
func (s *Store) RetryFailed() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := 0
	for _, t := range s.cache {
		if t.Status != models.StatusFailed {
			continue
		}
		t.Status = models.StatusPending
		t.Attempts = 0
		t.NotBefore = time.Time{}
		t.UpdatedAt = time.Now().UTC()
		if err := s.putTask(t); err != nil {
			return requeued, err
		}
		requeued++
		s.noteTransition()
	}
	return requeued, nil
}

// Get returns a copy of a task by id.
func (s *Store) Get(id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cache[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return *t, nil
}

// Lookup returns the task owning an idempotency key, if any. Used as the
// skip gate: terminal tasks are not re-enqueued on later runs.
func (s *Store) Lookup(kind models.TaskKind, remoteID, targetPath string) (models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.dedupe[DedupeKey(kind, remoteID, targetPath)]
	if !ok {
		return models.Task{}, false
	}
	t, ok := s.cache[id]
	if !ok {
		return models.Task{}, false
	}
	return *t, true
}

// CountByStatus tallies tasks per status.
func (s *Store) CountByStatus() map[models.TaskStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[models.TaskStatus]int{}
	for _, t := range s.cache {
		counts[t.Status]++
	}
	return counts
}

// PendingCount is the number of currently eligible or delayed pending tasks.
func (s *Store) PendingCount(onlyKinds ...models.TaskKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.cache {
		if t.Status != models.StatusPending {
			continue
		}
		if len(onlyKinds) > 0 && !kindIn(t.Kind, onlyKinds) {
			continue
		}
		n++
	}
	return n
}

// Walk calls fn with a copy of every task, in creation order.
func (s *Store) Walk(fn func(models.Task) error) error {
	s.mu.Lock()
	tasks := make([]models.Task, 0, len(s.cache))
	for _, t := range s.cache {
		tasks = append(tasks, *t)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	for _, t := range tasks {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces a checkpoint regardless of the transition counter.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = 0
	s.lastCheckp = time.Now()
	return s.checkpointFn()
}

// --- internals ---

func (s *Store) putTask(t *models.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshalling task %s: %w", t.ID, err)
	}
	return s.putRaw(taskKeyPrefix+t.ID, body)
}

func (s *Store) putRaw(key string, value []byte) error {
	compressed, err := compressGzip(value)
	if err != nil {
		return fmt.Errorf("compressing value for key %s: %w", key, err)
	}
	if err := s.db.Put([]byte(key), compressed); err != nil {
		return fmt.Errorf("putting key %s: %w", key, err)
	}
	return nil
}

// noteTransition drives the checkpoint cadence. Callers hold s.mu.
func (s *Store) noteTransition() {
	s.transitions++
	if s.transitions >= checkpointTransitions || time.Since(s.lastCheckp) >= checkpointInterval {
		s.transitions = 0
		s.lastCheckp = time.Now()
		if err := s.checkpointFn(); err != nil {
			log.WithError(err).Warn("Task store checkpoint failed")
		}
	}
}

// rotateBackup copies the database directory to <path>.bak, replacing the
// previous backup only after the copy completed.
func (s *Store) rotateBackup() error {
	backup := s.path + ".bak"
	staging := backup + ".new"
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := copyDir(s.path, staging); err != nil {
		return err
	}
	if err := os.RemoveAll(backup); err != nil {
		return err
	}
	return os.Rename(staging, backup)
}

func kindIn(kind models.TaskKind, kinds []models.TaskKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0700)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}

// --- compression helpers ---

func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	gReader, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gReader.Close()
	return io.ReadAll(gReader)
}

func compressGzip(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gWriter.Write(value); err != nil {
		_ = gWriter.Close()
		return nil, fmt.Errorf("writing compressed data: %w", err)
	}
	if err := gWriter.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
