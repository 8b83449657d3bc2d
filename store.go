package rendergrid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DebounceInterval is the target delay between a store mutation and the
// snapshot flush it schedules. Any mutation arriving before the timer fires
// supersedes the pending flush rather than scheduling a second one.
const DebounceInterval = 100 * time.Millisecond

// Store is the single source of truth for the set of known jobs: an
// in-memory map guarded by one mutex, with debounced JSON persistence to a
// single on-disk snapshot. Every exported method is linearizable with
// respect to every other.
//
// Persistence follows the write-temp-then-rename durability idiom: the
// flush snapshots the map under the lock, then writes and renames outside
// it, so a crash mid-flush never corrupts the on-disk file.
type Store struct {
	mu   sync.Mutex
	jobs map[RequestedKey]*Job

	snapshotPath string
	logger       *slog.Logger

	dirty bool
	timer *time.Timer
	// flush is invoked (outside the lock) whenever the debounce timer
	// fires, so callers can trigger the actual write without the Store
	// depending on an I/O scheduler.
	flush func()

	closed bool
}

// snapshotRecord is the on-disk shape of one job, matching §4.1's
// schema-compatible subset. Unknown fields are ignored on read.
type snapshotRecord struct {
	Key        RequestedKey  `json:"key"`
	Kind       JobKind       `json:"kind"`
	SourceKind SourceKind    `json:"sourceKind"`
	Source     string        `json:"source"`
	Priority   int           `json:"priority"`
	Status     JobStatus     `json:"status"`
	Progress   int           `json:"progress"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	FilePath   string        `json:"filePath,omitempty"`
	Error      string        `json:"error,omitempty"`
	Options    RenderOptions `json:"options"`
}

// NewStore constructs a Store backed by snapshotPath. It does not read the
// snapshot; call Load explicitly so callers can sequence recovery before the
// scheduler starts.
func NewStore(snapshotPath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		jobs:         make(map[RequestedKey]*Job),
		snapshotPath: snapshotPath,
		logger:       logger,
	}
	s.flush = s.flushNow
	return s
}

// Load reads the snapshot if present. Any job found PROCESSING is rewritten
// to QUEUED with progress=0, since its browser work was interrupted by the
// restart; every other status is preserved verbatim. A missing or corrupted
// snapshot is treated as empty and logged, not fatal.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		s.logger.Warn("store: reading snapshot failed, starting empty", "error", err)
		return nil
	}

	var records []snapshotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("store: snapshot corrupted, starting empty", "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		job := &Job{
			Key:        r.Key,
			Kind:       r.Kind,
			SourceKind: r.SourceKind,
			Source:     r.Source,
			Priority:   r.Priority,
			Status:     r.Status,
			Progress:   r.Progress,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
			FilePath:   r.FilePath,
			Error:      r.Error,
			Options:    r.Options,
		}
		if job.Status == StatusProcessing {
			job.Status = StatusQueued
			job.Progress = 0
			job.UpdatedAt = time.Now()
		}
		s.jobs[job.Key] = job
	}
	return nil
}

// Put writes job under its key, overwriting any existing record
// unconditionally. Submit does not use it; it goes through Insert, which
// performs the duplicate-key check.
func (s *Store) Put(job *Job) {
	s.mu.Lock()
	cp := *job
	s.jobs[job.Key] = &cp
	s.markDirtyLocked()
	s.mu.Unlock()
}

// Insert performs the §4.3 de-dup-and-enqueue check and the write under a
// single critical section, so two concurrent Submit calls racing on the
// same new key can never both land: the loser observes ErrDuplicateKey
// instead of silently overwriting the winner's record. Any terminal existing
// record, COMPLETED included, is replaced rather than rejected (Submit
// answers a COMPLETED key itself before calling Insert), and the
// queue-full check only applies when key is genuinely new — replacing an
// existing record never fails on capacity.
func (s *Store) Insert(job *Job, maxSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	existing, exists := s.jobs[job.Key]
	if exists && !existing.Status.Terminal() {
		return ErrDuplicateKey
	}
	if !exists && len(s.jobs) >= maxSize {
		return ErrQueueFull
	}

	cp := *job
	s.jobs[job.Key] = &cp
	s.markDirtyLocked()
	return nil
}

// Get returns a snapshot copy of the job for key, or false if unknown.
func (s *Store) Get(key RequestedKey) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Delete removes the job entry for key unconditionally. Returns whether it
// existed.
func (s *Store) Delete(key RequestedKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	if ok {
		delete(s.jobs, key)
		s.markDirtyLocked()
	}
	return ok
}

// List returns a snapshot of every job, sorted by CreatedAt ascending for
// determinism.
func (s *Store) List() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Count returns the number of live job entries, terminal ones included.
// Insert's queue-full check counts the same entries directly under its own
// lock rather than calling Count.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Mutator transforms a job in place; Update rejects mutators that try to
// move CreatedAt or Key. Returning false leaves the job untouched (used for
// atomic compare-and-set style transitions such as markAsProcessing).
type Mutator func(j *Job) (ok bool)

// Update applies mutator atomically to the job for key, bumping UpdatedAt
// when it reports success. Returns the resulting job and whether the
// mutator applied.
func (s *Store) Update(key RequestedKey, mutator Mutator) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return Job{}, false
	}
	cp := *j
	if !mutator(&cp) || cp.Key != j.Key || !cp.CreatedAt.Equal(j.CreatedAt) {
		return *j, false
	}
	cp.UpdatedAt = time.Now()
	*j = cp
	s.markDirtyLocked()
	return *j, true
}

// MarkAsProcessing transitions key from QUEUED to PROCESSING. It is a no-op
// (returns false) unless the current status is exactly QUEUED, so a job
// cancelled between selection and dispatch is never started.
func (s *Store) MarkAsProcessing(key RequestedKey) bool {
	_, ok := s.Update(key, func(j *Job) bool {
		if j.Status != StatusQueued {
			return false
		}
		j.Status = StatusProcessing
		return true
	})
	return ok
}

// CleanupOlderThan deletes terminal jobs whose UpdatedAt predates age.
// Artifact files are not touched; filesystem housekeeping is external.
func (s *Store) CleanupOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, k)
			n++
		}
	}
	if n > 0 {
		s.markDirtyLocked()
	}
	return n
}

// markDirtyLocked must be called with mu held. It (re)schedules the
// debounced flush, coalescing with any already-pending timer.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(DebounceInterval, s.flush)
}

// flushNow snapshots the map under the lock, then writes outside it via the
// write-temp-then-rename idiom. A write error is logged and not propagated;
// the next debounced mutation retries.
func (s *Store) flushNow() {
	s.mu.Lock()
	if !s.dirty || s.closed {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	records := make([]snapshotRecord, 0, len(s.jobs))
	for _, j := range s.jobs {
		records = append(records, snapshotRecord{
			Key: j.Key, Kind: j.Kind, SourceKind: j.SourceKind, Source: j.Source,
			Priority: j.Priority, Status: j.Status, Progress: j.Progress,
			CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
			FilePath: j.FilePath, Error: j.Error, Options: j.Options,
		})
	}
	s.mu.Unlock()

	if err := writeSnapshot(s.snapshotPath, records); err != nil {
		s.logger.Warn("store: snapshot flush failed, will retry on next mutation", "error", err)
	}
}

// writeSnapshot writes records to path atomically: a temp file in the same
// directory, then os.Rename over the final path.
func writeSnapshot(path string, records []snapshotRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

// Close performs a final synchronous flush and marks the store closed:
// Insert refuses new jobs with ErrStoreClosed and no further debounced flush
// is written, while other mutations still apply in memory. Intended for
// graceful shutdown.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	dirty := s.dirty
	s.closed = true
	records := make([]snapshotRecord, 0, len(s.jobs))
	for _, j := range s.jobs {
		records = append(records, snapshotRecord{
			Key: j.Key, Kind: j.Kind, SourceKind: j.SourceKind, Source: j.Source,
			Priority: j.Priority, Status: j.Status, Progress: j.Progress,
			CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
			FilePath: j.FilePath, Error: j.Error, Options: j.Options,
		})
	}
	s.mu.Unlock()

	if !dirty {
		return nil
	}
	return writeSnapshot(s.snapshotPath, records)
}

// Stats computes the per-kind queue breakdown named in §6.
func (s *Store) Stats(kind JobKind) QueueStats {
	var st QueueStats
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Kind != kind {
			continue
		}
		st.Total++
		switch j.Status {
		case StatusQueued:
			st.Queued++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}
