package rendergrid

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// Config is the immutable view of tunables consumed by the core (C1),
// matching the shape observed in §6. It is produced by internal/config from
// a YAML snapshot file merged with environment overrides; the core
// itself only ever sees this already-merged value.
type Config struct {
	Browser BrowserConfig
	PDF     PDFDefaults
	Queue   QueueConfig
	Storage StorageConfig
}

// BrowserConfig bounds browser.maxConcurrent (1..10),
// browser.defaultTimeout (1000..120000 ms), the default viewport, and the
// shared pool's launch options.
type BrowserConfig struct {
	MaxConcurrent    int
	DefaultTimeoutMS int
	ViewportWidth    int
	ViewportHeight   int
	LaunchOptions    LaunchOptions
}

// PDFDefaults seed RenderOptions.PDF fields left unset by the caller.
type PDFDefaults struct {
	DefaultFormat string
	DefaultMargin PDFMargin
	PrintBackground bool
}

// QueueConfig bounds queue.maxSize (1..1000), queue.processingTimeout
// (5000..300000 ms), queue.retryAttempts (0..5), queue.retryDelay
// (100..30000 ms).
type QueueConfig struct {
	MaxSize           int
	ProcessingTimeout time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
}

// StorageConfig names storage.outputDir and storage.cleanupAfterHours
// (1..720), plus the job snapshot path (an AMBIENT addition: §6 only names
// the snapshot's shape, not its path, which is a deployment concern).
type StorageConfig struct {
	OutputDir          string
	SnapshotPath       string
	CleanupAfterHours  int
}

// Validate bounds-checks every tunable named in §6.
func (c Config) Validate() error {
	if c.Browser.MaxConcurrent < 1 || c.Browser.MaxConcurrent > 10 {
		return fmt.Errorf("%w: browser.maxConcurrent must be in [1,10]", ErrInvalidInput)
	}
	if c.Browser.DefaultTimeoutMS < 1000 || c.Browser.DefaultTimeoutMS > 120000 {
		return fmt.Errorf("%w: browser.defaultTimeout must be in [1000,120000]", ErrInvalidInput)
	}
	if c.Queue.MaxSize < 1 || c.Queue.MaxSize > 1000 {
		return fmt.Errorf("%w: queue.maxSize must be in [1,1000]", ErrInvalidInput)
	}
	if c.Queue.ProcessingTimeout < 5*time.Second || c.Queue.ProcessingTimeout > 300*time.Second {
		return fmt.Errorf("%w: queue.processingTimeout must be in [5s,300s]", ErrInvalidInput)
	}
	if c.Queue.RetryAttempts < 0 || c.Queue.RetryAttempts > 5 {
		return fmt.Errorf("%w: queue.retryAttempts must be in [0,5]", ErrInvalidInput)
	}
	if c.Queue.RetryDelay < 100*time.Millisecond || c.Queue.RetryDelay > 30*time.Second {
		return fmt.Errorf("%w: queue.retryDelay must be in [100ms,30s]", ErrInvalidInput)
	}
	if c.Storage.OutputDir == "" {
		return fmt.Errorf("%w: storage.outputDir is required", ErrInvalidInput)
	}
	if c.Storage.CleanupAfterHours < 1 || c.Storage.CleanupAfterHours > 720 {
		return fmt.Errorf("%w: storage.cleanupAfterHours must be in [1,720]", ErrInvalidInput)
	}
	return nil
}

// DefaultConfig returns the neutral, in-bounds configuration used when no
// snapshot file is present.
func DefaultConfig() Config {
	return Config{
		Browser: BrowserConfig{
			MaxConcurrent:    2,
			DefaultTimeoutMS: 30000,
			ViewportWidth:    1280,
			ViewportHeight:   800,
			LaunchOptions:    LaunchOptions{Headless: true},
		},
		PDF: PDFDefaults{
			DefaultFormat:   "A4",
			PrintBackground: true,
		},
		Queue: QueueConfig{
			MaxSize:           500,
			ProcessingTimeout: 60 * time.Second,
			RetryAttempts:     1,
			RetryDelay:        2 * time.Second,
		},
		Storage: StorageConfig{
			OutputDir:         "./output",
			SnapshotPath:      "./output/jobs.json",
			CleanupAfterHours: 72,
		},
	}
}

// Service wires the Job Store, one Scheduler and Worker pair per JobKind,
// the shared Browser Pools, and the Submission Facade's validators into a
// single runnable unit. It is the package's top-level construction point;
// callers outside the core (the HTTP adapter, cmd/renderd) only ever touch
// a *Service.
type Service struct {
	cfg       Config
	store     *Store
	validator SourceValidator
	logger    *slog.Logger

	pdfScheduler    *Scheduler
	screenshotSched *Scheduler
	pdfPool         *BrowserPool
	screenshotPool  *BrowserPool

	maxQueueSize int

	cancelRun context.CancelFunc
}

// Option customizes Service construction.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger    *slog.Logger
	validator SourceValidator
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithValidator overrides the default URL/HTML validator, e.g. to allow
// private networks in a trusted deployment.
func WithValidator(v SourceValidator) Option {
	return func(o *serviceOptions) { o.validator = v }
}

// NewService constructs a Service from cfg, loads the job snapshot if
// present, and starts the per-kind schedulers. Call Close for a graceful
// shutdown.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := serviceOptions{logger: slog.Default(), validator: NewDefaultSourceValidator(URLPolicy{})}
	for _, opt := range opts {
		opt(&o)
	}

	store := NewStore(cfg.Storage.SnapshotPath, o.logger)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	pdfPool := NewBrowserPool(cfg.Browser.LaunchOptions, launchSharedBrowser, launchDedicatedBrowser)
	screenshotPool := NewBrowserPool(cfg.Browser.LaunchOptions, launchSharedBrowser, launchDedicatedBrowser)

	workerCfg := WorkerConfig{
		OutputDir:         cfg.Storage.OutputDir,
		ProcessingTimeout: cfg.Queue.ProcessingTimeout,
		RetryAttempts:     cfg.Queue.RetryAttempts,
		RetryDelay:        cfg.Queue.RetryDelay,
	}

	svc := &Service{
		cfg:          cfg,
		store:        store,
		validator:    o.validator,
		logger:       o.logger,
		pdfPool:      pdfPool,
		screenshotPool: screenshotPool,
		maxQueueSize: cfg.Queue.MaxSize,
	}

	pdfWorker := NewWorker(JobKindPDF, store, nil, pdfPool.SessionFor, workerCfg, o.logger)
	svc.pdfScheduler = NewScheduler(store, JobKindPDF, cfg.Browser.MaxConcurrent, pdfWorker.Process, o.logger)
	pdfWorker.scheduler = svc.pdfScheduler

	shotWorker := NewWorker(JobKindScreenshot, store, nil, screenshotPool.SessionFor, workerCfg, o.logger)
	svc.screenshotSched = NewScheduler(store, JobKindScreenshot, cfg.Browser.MaxConcurrent, shotWorker.Process, o.logger)
	shotWorker.scheduler = svc.screenshotSched

	ctx, cancel := context.WithCancel(context.Background())
	svc.cancelRun = cancel
	go svc.pdfScheduler.Run(ctx)
	go svc.screenshotSched.Run(ctx)

	// Recovery: after load, ping both schedulers so orphaned QUEUED jobs
	// (including those rewritten from PROCESSING) resume (§4.1, S6).
	svc.pdfScheduler.Trigger()
	svc.screenshotSched.Trigger()

	return svc, nil
}

func (s *Service) schedulerFor(kind JobKind) *Scheduler {
	if kind == JobKindScreenshot {
		return s.screenshotSched
	}
	return s.pdfScheduler
}

// CleanupOlderThan deletes terminal job records whose UpdatedAt is older
// than age and returns how many were removed. Nothing in this module calls
// it periodically; callers invoke it themselves.
func (s *Service) CleanupOlderThan(age time.Duration) int {
	return s.store.CleanupOlderThan(age)
}

// OutputDir returns the configured artifact root, for callers that need to
// probe the filesystem directly.
func (s *Service) OutputDir() string {
	return s.cfg.Storage.OutputDir
}

// Close stops the schedulers, closes both browser pools, and performs a
// final synchronous snapshot flush (§5 Shutdown).
func (s *Service) Close() error {
	s.cancelRun()

	var firstErr error
	if err := s.pdfPool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.screenshotPool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// snapshotDir returns the directory that holds the snapshot file at path.
func snapshotDir(path string) string {
	return filepath.Dir(path)
}
