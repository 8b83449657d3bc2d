package rendergrid

import (
	"context"
	"log/slog"
	"sort"
)

// OnProcess is invoked once per selected job. The render worker is
// responsible for calling Scheduler.MarkAsProcessing itself (a no-op unless
// the job is still QUEUED) and, on completion, Scheduler.Trigger to resume
// scheduling.
type OnProcess func(ctx context.Context, job Job)

// Scheduler selects the next runnable job for one JobKind, respecting
// priority, age, and a concurrency ceiling measured against the Store. PDF
// and screenshot schedule independently: construct one Scheduler per kind.
//
// The "process" signal is a size-1 buffered channel (trigger-coalescing):
// a pending, not-yet-serviced trigger absorbs any further Trigger calls
// until the scheduler's selection goroutine drains it, matching §9's
// "buffered channel of size 1" translation of the source's event emitter.
type Scheduler struct {
	store         *Store
	kind          JobKind
	maxConcurrent int
	logger        *slog.Logger

	triggerCh chan struct{}
	onProcess OnProcess
}

// NewScheduler constructs a Scheduler bound to store for kind. onProcess is
// called synchronously within the selection goroutine's dispatch step; it
// must return quickly or spawn its own goroutine (the render worker does
// the latter) so the selection loop can keep draining triggers.
func NewScheduler(store *Store, kind JobKind, maxConcurrent int, onProcess OnProcess, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         store,
		kind:          kind,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		triggerCh:     make(chan struct{}, 1),
		onProcess:     onProcess,
	}
}

// Trigger requests a selection pass. It never blocks: if a pass is already
// pending, the call is a no-op.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Run drains trigger signals until ctx is cancelled, performing one
// selection pass per signal.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.triggerCh:
			s.selectAndDispatch(ctx)
		}
	}
}

// selectAndDispatch performs one selection pass: it picks at most one job
// and, if the concurrency ceiling allows it, dispatches it to onProcess.
func (s *Scheduler) selectAndDispatch(ctx context.Context) {
	processing := 0
	var ready []Job
	for _, j := range s.store.List() {
		if j.Kind != s.kind {
			continue
		}
		switch j.Status {
		case StatusProcessing:
			processing++
		case StatusQueued:
			ready = append(ready, j)
		}
	}

	if processing >= s.maxConcurrent {
		return
	}
	if len(ready) == 0 {
		return
	}

	job := selectHighestPriority(ready)
	s.onProcess(ctx, job)
}

// selectHighestPriority applies the total order from §4.2: higher priority
// first, then earlier CreatedAt, then lexicographic Key as a final,
// deterministic tiebreak.
func selectHighestPriority(ready []Job) Job {
	sort.Slice(ready, func(i, k int) bool {
		a, b := ready[i], ready[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Key < b.Key
	})
	return ready[0]
}

// MarkAsProcessing transitions key from QUEUED to PROCESSING, matching the
// atomic compare-and-set contract in §4.2/§4.4.
func (s *Scheduler) MarkAsProcessing(key RequestedKey) bool {
	return s.store.MarkAsProcessing(key)
}

// Cancel sets status to CANCELLED if the job exists and is not terminal.
// On a QUEUED job this takes effect immediately, making the job
// unselectable forever after (P5). On a PROCESSING job the change is
// observed cooperatively by the worker at its next checkpoint.
func (s *Scheduler) Cancel(key RequestedKey) bool {
	_, ok := s.store.Update(key, func(j *Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = StatusCancelled
		return true
	})
	return ok
}

// Remove atomically deletes the job entry and its artifact file, if
// present, unless the job is PROCESSING (removal is refused for active
// jobs). Returns whether a job existed and was removed.
func (s *Scheduler) Remove(key RequestedKey) (bool, error) {
	j, ok := s.store.Get(key)
	if !ok {
		return false, nil
	}
	if j.Status == StatusProcessing {
		return false, nil
	}

	if j.FilePath != "" {
		if err := removeArtifact(j.FilePath); err != nil {
			s.logger.Warn("scheduler: artifact delete failed during remove", "key", key, "error", err)
		}
	}
	s.store.Delete(key)
	return true, nil
}
