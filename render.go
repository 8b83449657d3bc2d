package rendergrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelrender/rendergrid/internal/pipeline"
)

// BrowserPage abstracts the subset of browser-page operations the render
// worker drives, so the state machine in Worker.attempt is fully testable
// against a fake without a real browser binary. chromePage (in browser.go)
// is the production implementation over a chromedp browser-context tab.
type BrowserPage interface {
	SetContent(html string) error
	Navigate(url string) error
	WaitNetworkIdle(ctx context.Context) error
	InjectStyle(css string) error
	WaitForSelector(ctx context.Context, selector string) error
	PDF(opts PDFOptions) ([]byte, error)
	Screenshot(opts ScreenshotOptions) ([]byte, error)
	Close() error
}

// BrowserSession abstracts a browser capable of producing isolated pages.
// Close is a no-op for a shared pool browser and tears down the browser
// process for a per-job dedicated one.
type BrowserSession interface {
	NewPage(ctx context.Context, opts BrowserOptions) (BrowserPage, error)
	Close() error
}

// animationDisableCSS nullifies transitions/animations on every element and
// pseudo-element. For INLINE_HTML/UPLOADED_HTML it is injected into the
// HTML string before rendering via internal/pipeline's CSSInjection; for
// REMOTE_URL sources, which are not HTML strings the caller owns, it is
// injected into the live DOM via BrowserPage.InjectStyle, the same
// chromedp.Evaluate-based DOM mutation fafosnap's takeScreenshot uses for
// its lazy-image/scroll/font-ready scripts.
const animationDisableCSS = `*, *::before, *::after {
  animation-duration: 0s !important;
  animation-delay: 0s !important;
  transition-duration: 0s !important;
  transition-delay: 0s !important;
}`

// errWorkerCancelled signals the cooperative-cancellation checkpoint fired;
// it is never wrapped into the store (the job's status is already
// CANCELLED, set by Scheduler.Cancel) and is never retried.
var errWorkerCancelled = errors.New("rendergrid: cooperative cancellation observed")

// Capturer turns a loaded page into bytes. PDF and screenshot jobs are two
// instances of one generic render subsystem parameterized by this
// capability, per the design note to avoid structural duplication.
type Capturer interface {
	Capture(page BrowserPage, opts RenderOptions) (data []byte, ext string, err error)
}

type pdfCapturer struct{}

func (pdfCapturer) Capture(page BrowserPage, opts RenderOptions) ([]byte, string, error) {
	data, err := page.PDF(opts.PDF)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return data, "pdf", nil
}

type screenshotCapturer struct{}

func (screenshotCapturer) Capture(page BrowserPage, opts RenderOptions) ([]byte, string, error) {
	data, err := page.Screenshot(opts.Screenshot)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return data, opts.Screenshot.extension(), nil
}

// WorkerConfig are the tunables a Worker needs beyond the job itself, drawn
// from the config snapshot (§6).
type WorkerConfig struct {
	OutputDir         string
	ProcessingTimeout time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
}

// sessionFactory resolves the BrowserSession a job should run against:
// either the shared pool session or, when the job carries LaunchOptions, a
// freshly launched dedicated one.
type sessionFactory func(ctx context.Context, job Job) (session BrowserSession, dedicated bool, err error)

// Worker drives the render state machine for one JobKind, reading jobs
// dispatched by a Scheduler via Process.
type Worker struct {
	kind        JobKind
	store       *Store
	scheduler   *Scheduler
	capturer    Capturer
	sessions    sessionFactory
	cfg         WorkerConfig
	now         func() time.Time
	logger      *slog.Logger
	cssInjector pipeline.CSSInjector
}

// NewWorker constructs a Worker for kind. sessions resolves the browser
// session for each job (see BrowserPool.SessionFor).
func NewWorker(kind JobKind, store *Store, scheduler *Scheduler, sessions sessionFactory, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	var capturer Capturer = pdfCapturer{}
	if kind == JobKindScreenshot {
		capturer = screenshotCapturer{}
	}
	return &Worker{
		kind:        kind,
		store:       store,
		scheduler:   scheduler,
		capturer:    capturer,
		sessions:    sessions,
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
		cssInjector: &pipeline.CSSInjection{},
	}
}

// Process is the OnProcess callback handed to a Scheduler: RECEIVED →
// PROCESSING_RESERVED. If markAsProcessing does not succeed (the job was
// cancelled between selection and dispatch), the worker exits silently.
// selectAndDispatch only ever fills one slot per pass, so with
// maxConcurrent>1 and several QUEUED jobs waiting, the next slot needs to be
// requested now rather than left to wait on this job's own completion
// (run's deferred Trigger) — otherwise a burst of submissions can stall at
// concurrency 1 even though the ceiling allows more.
func (w *Worker) Process(ctx context.Context, job Job) {
	if !w.scheduler.MarkAsProcessing(job.Key) {
		return
	}
	w.scheduler.Trigger()
	go w.run(context.WithoutCancel(ctx), job)
}

// run executes up to RetryAttempts+1 attempts, sleeping RetryDelay between
// failures. A failure only retries while attempts remain AND the failure is
// wrapped in *RetryableError (§7): a non-retryable error — a misconfigured
// job, a filesystem write failure — fails fast on the first attempt instead
// of burning the remaining retries on something that cannot change. Only the
// final recorded attempt is stored on the job; earlier retried failures are
// logged only. Every exit path re-triggers the scheduler so the next job is
// picked.
func (w *Worker) run(ctx context.Context, job Job) {
	defer w.scheduler.Trigger()

	totalAttempts := w.cfg.RetryAttempts + 1
	for attempt := 1; attempt <= totalAttempts; attempt++ {
		err := w.attempt(ctx, job)
		if err == nil {
			return
		}
		if errors.Is(err, errWorkerCancelled) {
			return
		}

		var retryable *RetryableError
		final := attempt == totalAttempts || !errors.As(err, &retryable)
		if final {
			w.finalize(job, err)
			return
		}
		w.logger.Warn("render attempt failed, retrying",
			"key", job.Key, "kind", w.kind, "attempt", attempt, "error", err)
		time.Sleep(w.cfg.RetryDelay)
	}
}

// finalize records a terminal FAILED status, attempting a best-effort
// diagnostic screenshot for PDF jobs first.
func (w *Worker) finalize(job Job, cause error) {
	msg := fmt.Errorf("%w: %v", ErrRenderFailed, cause).Error()
	if job.Kind == JobKindPDF {
		if path, ok := w.tryDiagnosticScreenshot(job); ok {
			msg = fmt.Sprintf("%s (diagnostic screenshot: %s)", msg, path)
		}
	}
	w.store.Update(job.Key, func(j *Job) bool {
		j.Status = StatusFailed
		j.Error = msg
		return true
	})
}

// tryDiagnosticScreenshot opens a new page on the job's session (the shared
// pool browser, or a dedicated one for jobs with launch options), reloads
// the source and captures it when possible. Failures here are logged and ignored;
// the diagnostic is opportunistic, never load-bearing.
func (w *Worker) tryDiagnosticScreenshot(job Job) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, dedicated, err := w.sessions(ctx, job)
	if err != nil {
		w.logger.Warn("diagnostic screenshot: session unavailable", "key", job.Key, "error", err)
		return "", false
	}
	if dedicated {
		defer session.Close()
	}

	page, err := session.NewPage(ctx, job.Options.Browser)
	if err != nil {
		w.logger.Warn("diagnostic screenshot: page unavailable", "key", job.Key, "error", err)
		return "", false
	}
	defer page.Close()

	switch job.SourceKind {
	case SourceRemoteURL:
		_ = page.Navigate(job.Source)
	default:
		_ = page.SetContent(job.Source)
	}

	data, err := page.Screenshot(ScreenshotOptions{Type: "png", FullPage: true})
	if err != nil {
		w.logger.Warn("diagnostic screenshot: capture failed", "key", job.Key, "error", err)
		return "", false
	}

	path, err := writeArtifact(w.cfg.OutputDir, w.now(), errorScreenshotFilename(job.Key, w.now()), data)
	if err != nil {
		w.logger.Warn("diagnostic screenshot: write failed", "key", job.Key, "error", err)
		return "", false
	}
	return path, true
}

// attempt drives one full pass of the CONTEXT_READY → WRITTEN state
// machine, bounded by the per-attempt processing timeout.
func (w *Worker) attempt(parent context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(parent, w.cfg.ProcessingTimeout)
	defer cancel()

	session, dedicated, err := w.sessions(ctx, job)
	if err != nil {
		// A browser unavailable to connect to is transient: the shared pool
		// may still be mid-launch, or a dedicated launch may succeed on the
		// next try.
		return NewRetryableError(fmt.Errorf("%w: %v", ErrBrowserConnect, err))
	}
	if dedicated {
		defer session.Close()
	}

	page, err := session.NewPage(ctx, job.Options.Browser)
	if err != nil {
		return classifyTimeout(ctx, NewRetryableError(fmt.Errorf("%w: %v", ErrBrowserConnect, err)))
	}
	defer page.Close()

	w.setProgress(job.Key, 10)

	// CONTEXT_READY → CONTENT_LOADED
	if err := w.loadContent(ctx, page, job); err != nil {
		return classifyTimeout(ctx, err)
	}
	w.setProgress(job.Key, 40)

	// CONTENT_LOADED → PRE_CAPTURE_WAIT
	if err := w.preCaptureWait(ctx, page, job); err != nil {
		return classifyTimeout(ctx, err)
	}

	// PRE_CAPTURE_WAIT → CAPTURED: cooperative cancellation checkpoint.
	if current, ok := w.store.Get(job.Key); ok && current.Status == StatusCancelled {
		return errWorkerCancelled
	}

	data, ext, err := w.capturer.Capture(page, job.Options)
	if err != nil {
		return classifyTimeout(ctx, NewRetryableError(err))
	}
	w.setProgress(job.Key, 70)

	// CAPTURED → WRITTEN
	at := w.now()
	name := filename(job.Kind, job.Key, at, ext)
	path, err := writeArtifact(w.cfg.OutputDir, at, name, data)
	if err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	w.setProgress(job.Key, 100)

	// WRITTEN → DONE
	w.store.Update(job.Key, func(j *Job) bool {
		j.Status = StatusCompleted
		j.FilePath = path
		j.Progress = 100
		return true
	})
	return nil
}

// loadContent's failures are all transient (a bad navigation, a network
// blip) except an unknown SourceKind, which is a job-level misconfiguration
// no retry will fix — that one is returned unwrapped so run() fails fast.
func (w *Worker) loadContent(ctx context.Context, page BrowserPage, job Job) error {
	switch job.SourceKind {
	case SourceInlineHTML, SourceUploadedHTML:
		source := job.Source
		if job.Options.Browser.DisableAnimations {
			source = w.cssInjector.InjectCSS(ctx, source, animationDisableCSS)
		}
		if err := page.SetContent(source); err != nil {
			return NewRetryableError(fmt.Errorf("%w: %v", ErrPageLoad, err))
		}
	case SourceRemoteURL:
		if err := page.Navigate(job.Source); err != nil {
			return NewRetryableError(fmt.Errorf("%w: %v", ErrPageLoad, err))
		}
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidInput, job.SourceKind)
	}
	if err := page.WaitNetworkIdle(ctx); err != nil {
		return NewRetryableError(fmt.Errorf("%w: %v", ErrPageLoad, err))
	}
	return nil
}

func (w *Worker) preCaptureWait(ctx context.Context, page BrowserPage, job Job) error {
	if job.Options.Browser.DisableAnimations {
		// INLINE_HTML/UPLOADED_HTML already had the style block injected
		// into the owned string in loadContent; REMOTE_URL content is never
		// in our hands as a string, so it gets the same CSS injected live.
		if job.SourceKind == SourceRemoteURL {
			if err := page.InjectStyle(animationDisableCSS); err != nil {
				return NewRetryableError(fmt.Errorf("%w: %v", ErrPageLoad, err))
			}
		}
		sleepCtx(ctx, 50*time.Millisecond)
	}
	if sel := job.Options.Browser.WaitForSelector; sel != "" {
		if err := page.WaitForSelector(ctx, sel); err != nil {
			return NewRetryableError(fmt.Errorf("%w: %v", ErrPageLoad, err))
		}
		w.setProgress(job.Key, 50)
	}
	if wait := job.Options.Browser.WaitAfterMS; wait > 0 {
		sleepCtx(ctx, time.Duration(wait)*time.Millisecond)
		w.setProgress(job.Key, 60)
	}
	return nil
}

// sleepCtx sleeps for d or returns early if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// setProgress reports progress only while the job remains PROCESSING: a
// cooperative cancellation or a concurrent removal must not resurrect a
// stale status.
func (w *Worker) setProgress(key RequestedKey, progress int) {
	w.store.Update(key, func(j *Job) bool {
		if j.Status != StatusProcessing {
			return false
		}
		j.Progress = progress
		return true
	})
}

// classifyTimeout rewrites err as ErrTimedOut when the attempt's deadline
// was what actually ended the operation, so the retry loop and finalize
// report the right error kind. A timeout is always transient, so the result
// is (re-)wrapped in RetryableError regardless of whether err already was.
func classifyTimeout(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return NewRetryableError(fmt.Errorf("%w: %v", ErrTimedOut, err))
	}
	return err
}
