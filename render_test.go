package rendergrid

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, sessions sessionFactory, cfg WorkerConfig) (*Worker, *Store, *Scheduler) {
	t.Helper()
	store, _ := newTestStore(t)
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	if cfg.ProcessingTimeout == 0 {
		cfg.ProcessingTimeout = time.Second
	}

	var sched *Scheduler
	w := NewWorker(JobKindPDF, store, nil, sessions, cfg, nil)
	sched = NewScheduler(store, JobKindPDF, 1, w.Process, nil)
	w.scheduler = sched
	return w, store, sched
}

func fakeSessions(page BrowserPage, err error) sessionFactory {
	return func(ctx context.Context, job Job) (BrowserSession, bool, error) {
		if err != nil {
			return nil, false, err
		}
		return &stubSession{page: page}, false, nil
	}
}

type stubSession struct{ page BrowserPage }

func (s *stubSession) NewPage(ctx context.Context, opts BrowserOptions) (BrowserPage, error) {
	return s.page, nil
}
func (s *stubSession) Close() error { return nil }

func TestWorker_HappyPath(t *testing.T) {
	w, store, sched := newTestWorker(t, fakeSessions(&fakePage{}, nil), WorkerConfig{RetryAttempts: 0})
	now := time.Now()
	store.Put(&Job{Key: "k1", Kind: JobKindPDF, SourceKind: SourceInlineHTML, Source: "<h1>hi</h1>", Status: StatusQueued, CreatedAt: now, UpdatedAt: now})

	sched.selectAndDispatch(context.Background())

	require.Eventually(t, func() bool {
		j, _ := store.Get("k1")
		return j.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	j, _ := store.Get("k1")
	assert.Equal(t, 100, j.Progress)
	assert.FileExists(t, j.FilePath)
}

type failingPage struct {
	fakePage
	failCapture int32
}

func (p *failingPage) PDF(opts PDFOptions) ([]byte, error) {
	return nil, errors.New("render crashed")
}

func TestWorker_RetriesThenFails(t *testing.T) {
	w, store, sched := newTestWorker(t, fakeSessions(&failingPage{}, nil), WorkerConfig{RetryAttempts: 2, RetryDelay: time.Millisecond})
	_ = w
	now := time.Now()
	store.Put(&Job{Key: "k1", Kind: JobKindPDF, SourceKind: SourceInlineHTML, Source: "<h1>hi</h1>", Status: StatusQueued, CreatedAt: now, UpdatedAt: now})

	sched.selectAndDispatch(context.Background())

	require.Eventually(t, func() bool {
		j, _ := store.Get("k1")
		return j.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)

	j, _ := store.Get("k1")
	assert.Equal(t, StatusFailed, j.Status)
	assert.Contains(t, j.Error, "render crashed")
}

func TestWorker_CancellationCheckpoint(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	store.Put(&Job{Key: "k1", Kind: JobKindPDF, SourceKind: SourceInlineHTML, Source: "<h1>hi</h1>", Status: StatusProcessing, CreatedAt: now, UpdatedAt: now})

	w := NewWorker(JobKindPDF, store, nil, fakeSessions(&fakePage{}, nil), WorkerConfig{OutputDir: t.TempDir(), ProcessingTimeout: time.Second}, nil)
	sched := NewScheduler(store, JobKindPDF, 1, w.Process, nil)
	w.scheduler = sched

	// Simulate cancellation arriving before the capture checkpoint.
	store.Update("k1", func(j *Job) bool { j.Status = StatusCancelled; return true })

	job, _ := store.Get("k1")
	err := w.attempt(context.Background(), job)
	assert.ErrorIs(t, err, errWorkerCancelled)

	j, _ := store.Get("k1")
	assert.Equal(t, StatusCancelled, j.Status, "cancellation must not be overwritten by the worker")
}

func TestWorker_MarkAsProcessingFailureExitsSilently(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	store.Put(&Job{Key: "k1", Kind: JobKindPDF, Status: StatusCancelled, CreatedAt: now, UpdatedAt: now})

	w := NewWorker(JobKindPDF, store, nil, fakeSessions(&fakePage{}, nil), WorkerConfig{OutputDir: t.TempDir(), ProcessingTimeout: time.Second}, nil)
	sched := NewScheduler(store, JobKindPDF, 1, w.Process, nil)
	w.scheduler = sched

	job, _ := store.Get("k1")
	w.Process(context.Background(), job)

	j, _ := store.Get("k1")
	assert.Equal(t, StatusCancelled, j.Status)
}

func TestWorker_DiagnosticScreenshotOnPDFFailure(t *testing.T) {
	dir := t.TempDir()
	store, _ := newTestStore(t)
	now := time.Now()
	store.Put(&Job{Key: "k1", Kind: JobKindPDF, SourceKind: SourceInlineHTML, Source: "<h1>hi</h1>", Status: StatusQueued, CreatedAt: now, UpdatedAt: now})

	w := NewWorker(JobKindPDF, store, nil, fakeSessions(&failingPage{}, nil), WorkerConfig{OutputDir: dir, ProcessingTimeout: time.Second}, nil)
	sched := NewScheduler(store, JobKindPDF, 1, w.Process, nil)
	w.scheduler = sched

	sched.selectAndDispatch(context.Background())

	require.Eventually(t, func() bool {
		j, _ := store.Get("k1")
		return j.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	j, _ := store.Get("k1")
	assert.Contains(t, j.Error, "diagnostic screenshot")

	matches, _ := filepath.Glob(filepath.Join(dir, "*", "k1__error__*.png"))
	assert.Len(t, matches, 1)
}

func TestWorker_BrowserConnectFailurePropagates(t *testing.T) {
	w, store, sched := newTestWorker(t, fakeSessions(nil, ErrBrowserConnect), WorkerConfig{RetryAttempts: 0})
	_ = w
	now := time.Now()
	store.Put(&Job{Key: "k1", Kind: JobKindPDF, Status: StatusQueued, CreatedAt: now, UpdatedAt: now})

	sched.selectAndDispatch(context.Background())

	require.Eventually(t, func() bool {
		j, _ := store.Get("k1")
		return j.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestAnimationDisableCSS_InjectedIntoOwnedHTML(t *testing.T) {
	// INLINE_HTML/UPLOADED_HTML sources are pre-injected with the
	// animation-disable style block before SetContent, rather than via a
	// runtime InjectStyle call (see render.go's loadContent).
	page := &recordingPage{fakePage: fakePage{}}
	w, store, sched := newTestWorker(t, fakeSessions(page, nil), WorkerConfig{RetryAttempts: 0})
	_ = sched
	now := time.Now()
	job := &Job{
		Key: "k1", Kind: JobKindPDF, SourceKind: SourceInlineHTML, Source: "<h1>hi</h1>",
		Status: StatusQueued, CreatedAt: now, UpdatedAt: now,
		Options: RenderOptions{Browser: BrowserOptions{DisableAnimations: true}},
	}
	store.Put(job)

	j, _ := store.Get("k1")
	require.NoError(t, w.attempt(context.Background(), j))
	assert.Contains(t, page.setContent, "animation-duration")
	assert.Empty(t, page.injectedCSS, "runtime InjectStyle must not be used for owned HTML sources")
}

func TestAnimationDisableCSS_InjectedLiveForRemoteURL(t *testing.T) {
	page := &recordingPage{fakePage: fakePage{}}
	w, store, sched := newTestWorker(t, fakeSessions(page, nil), WorkerConfig{RetryAttempts: 0})
	_ = sched
	now := time.Now()
	job := &Job{
		Key: "k1", Kind: JobKindPDF, SourceKind: SourceRemoteURL, Source: "https://example.com",
		Status: StatusQueued, CreatedAt: now, UpdatedAt: now,
		Options: RenderOptions{Browser: BrowserOptions{DisableAnimations: true}},
	}
	store.Put(job)

	j, _ := store.Get("k1")
	require.NoError(t, w.attempt(context.Background(), j))
	assert.Contains(t, page.injectedCSS, "animation-duration")
}

type recordingPage struct {
	fakePage
	injectedCSS string
	setContent  string
}

func (p *recordingPage) InjectStyle(css string) error {
	p.injectedCSS = css
	return nil
}

func (p *recordingPage) SetContent(html string) error {
	p.setContent = html
	return nil
}

var _ BrowserPage = (*recordingPage)(nil)

func TestWorker_NonRetryableErrorFailsFastWithoutBurningRetries(t *testing.T) {
	var sessionCalls int32
	countingSessions := func(page BrowserPage) sessionFactory {
		return func(ctx context.Context, job Job) (BrowserSession, bool, error) {
			atomic.AddInt32(&sessionCalls, 1)
			return &stubSession{page: page}, false, nil
		}
	}

	w, store, sched := newTestWorker(t, countingSessions(&fakePage{}),
		WorkerConfig{RetryAttempts: 3, RetryDelay: time.Millisecond})
	now := time.Now()
	// An unknown SourceKind can never reach the worker through Submit (it's
	// rejected at admission), but a job already in the store from before a
	// SourceKind was deprecated, or a direct store write, still can: loadContent
	// treats it as a job-level misconfiguration, never transient.
	store.Put(&Job{Key: "k1", Kind: JobKindPDF, SourceKind: SourceKind("bogus"), Status: StatusQueued, CreatedAt: now, UpdatedAt: now})

	sched.selectAndDispatch(context.Background())

	require.Eventually(t, func() bool {
		j, _ := store.Get("k1")
		return j.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	// One render attempt, plus the one session finalize opens for the PDF
	// diagnostic screenshot; no retry attempt is made.
	assert.Equal(t, int32(2), atomic.LoadInt32(&sessionCalls),
		"a non-retryable failure must not consume any of the configured retry attempts")
	_ = w
}

type blockingPage struct {
	fakePage
	release chan struct{}
}

func (p *blockingPage) SetContent(html string) error {
	<-p.release
	return nil
}

func countProcessing(store *Store, kind JobKind) int {
	n := 0
	for _, j := range store.List() {
		if j.Kind == kind && j.Status == StatusProcessing {
			n++
		}
	}
	return n
}

// TestWorker_ProcessRetriggersToFillConcurrencyCeiling exercises the §5
// "N worker slots per kind" model: a single Trigger (as a burst of
// concurrent submissions coalesces into) must fill every available slot up
// to maxConcurrent, not just one, since Process re-triggers immediately
// after reserving each slot rather than waiting on that job's own
// completion.
func TestWorker_ProcessRetriggersToFillConcurrencyCeiling(t *testing.T) {
	store, _ := newTestStore(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		key := RequestedKey(string(rune('a' + i)))
		store.Put(&Job{Key: key, Kind: JobKindPDF, SourceKind: SourceInlineHTML, Source: "<h1>hi</h1>",
			Status: StatusQueued, CreatedAt: now.Add(time.Duration(i) * time.Millisecond), UpdatedAt: now})
	}

	release := make(chan struct{})
	page := &blockingPage{release: release}
	sessions := fakeSessions(page, nil)

	w := NewWorker(JobKindPDF, store, nil, sessions, WorkerConfig{OutputDir: t.TempDir(), ProcessingTimeout: 5 * time.Second}, nil)
	sched := NewScheduler(store, JobKindPDF, 3, w.Process, nil)
	w.scheduler = sched

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	sched.Trigger()

	require.Eventually(t, func() bool {
		return countProcessing(store, JobKindPDF) == 3
	}, time.Second, 5*time.Millisecond, "a single trigger must fill all concurrency slots, not stall at 1")

	close(release)
}

func TestClassifyTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)

	err := classifyTimeout(ctx, errors.New("some failure"))
	assert.ErrorIs(t, err, ErrTimedOut)
}
