// Package rendergrid implements a render-job scheduler and persistent
// priority queue driving a headless-browser render pipeline: HTML documents
// and remote web pages go in, PDF documents and raster screenshots come out.
//
// # Quick start
//
//	svc, err := rendergrid.NewService(cfg, rendergrid.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close()
//
//	job, err := svc.Submit(rendergrid.SubmitRequest{
//		Kind:       rendergrid.JobKindPDF,
//		Key:        "invoice-1",
//		SourceKind: rendergrid.SourceInlineHTML,
//		Source:     "<h1>Hi</h1>",
//		Options:    rendergrid.RenderOptions{PDF: rendergrid.PDFOptions{Format: "A4"}},
//	})
//
// # Pipeline stages
//
// A submission moves through the Submission Facade (validation, sanitation,
// de-duplication), the Priority Queue & Scheduler (selection under a
// concurrency ceiling), the Render Worker state machine (browser-driven
// capture), and finally the Artifact Namer/Reader (on-disk placement and
// retrieval). See DESIGN.md for how each stage is grounded.
//
// # Concurrency
//
// maxConcurrent processing slots are tracked independently per JobKind; PDF
// and screenshot jobs never contend for the same slot.
package rendergrid

import (
	"fmt"
	"regexp"
	"time"
)

// JobKind selects the renderer and the artifact file extension.
type JobKind string

const (
	JobKindPDF        JobKind = "PDF"
	JobKindScreenshot JobKind = "SCREENSHOT"
)

func (k JobKind) valid() bool {
	return k == JobKindPDF || k == JobKindScreenshot
}

// Extension returns the artifact file extension for a completed job of this
// kind. For screenshots the extension depends on RenderOptions, so this is
// only meaningful for JobKindPDF; screenshot extension is resolved from
// ScreenshotOptions.Type at capture time.
func (k JobKind) Extension() string {
	if k == JobKindPDF {
		return "pdf"
	}
	return "png"
}

// SourceKind identifies how Job.Source should be interpreted.
type SourceKind string

const (
	SourceInlineHTML   SourceKind = "INLINE_HTML"
	SourceRemoteURL    SourceKind = "REMOTE_URL"
	SourceUploadedHTML SourceKind = "UPLOADED_HTML"
)

func (s SourceKind) valid() bool {
	switch s {
	case SourceInlineHTML, SourceRemoteURL, SourceUploadedHTML:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the status cannot transition further without the
// record being removed and recreated.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RequestedKey is the caller-chosen identifier for a job. It doubles as the
// idempotency key and as a component of the artifact filename, so its
// character set is restricted.
type RequestedKey string

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// Validate checks the key against the allowed character class and length.
func (k RequestedKey) Validate() error {
	if !keyPattern.MatchString(string(k)) {
		return fmt.Errorf("%w: key must be 1-255 ASCII letters, digits, '-' or '_'", ErrInvalidInput)
	}
	return nil
}

// BrowserOptions controls navigation and viewport behavior shared by both
// job kinds.
type BrowserOptions struct {
	NavigationTimeoutMS int               `json:"navigationTimeoutMs,omitempty" yaml:"navigationTimeoutMs,omitempty"`
	ViewportWidth       int               `json:"viewportWidth,omitempty" yaml:"viewportWidth,omitempty"`
	ViewportHeight      int               `json:"viewportHeight,omitempty" yaml:"viewportHeight,omitempty"`
	UserAgent           string            `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
	ExtraHeaders        map[string]string `json:"extraHeaders,omitempty" yaml:"extraHeaders,omitempty"`
	WaitForSelector     string            `json:"waitForSelector,omitempty" yaml:"waitForSelector,omitempty"`
	WaitAfterMS         int               `json:"waitAfterMs,omitempty" yaml:"waitAfterMs,omitempty"`
	DisableAnimations   bool              `json:"disableAnimations,omitempty" yaml:"disableAnimations,omitempty"`
	ColorScheme         string            `json:"colorScheme,omitempty" yaml:"colorScheme,omitempty"` // light|dark|no-preference
	LaunchOptions       *LaunchOptions    `json:"launchOptions,omitempty" yaml:"launchOptions,omitempty"`
}

// LaunchOptions, when set on a job, forces a dedicated browser instance
// instead of the shared pool browser.
type LaunchOptions struct {
	Headless bool     `json:"headless" yaml:"headless"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// PDFMargin is a four-sided margin expressed as CSS-style unit strings
// (e.g. "0.5in", "1cm").
type PDFMargin struct {
	Top    string `json:"top,omitempty" yaml:"top,omitempty"`
	Right  string `json:"right,omitempty" yaml:"right,omitempty"`
	Bottom string `json:"bottom,omitempty" yaml:"bottom,omitempty"`
	Left   string `json:"left,omitempty" yaml:"left,omitempty"`
}

// PDFOptions controls PDF capture. Format and Width/Height are mutually
// exclusive; Width/Height wins when both are supplied.
type PDFOptions struct {
	Format             string    `json:"format,omitempty" yaml:"format,omitempty"` // A4|A3|A5|Letter|Legal
	Width              string    `json:"width,omitempty" yaml:"width,omitempty"`
	Height             string    `json:"height,omitempty" yaml:"height,omitempty"`
	Landscape          bool      `json:"landscape,omitempty" yaml:"landscape,omitempty"`
	Margin             PDFMargin `json:"margin,omitempty" yaml:"margin,omitempty"`
	PrintBackground    bool      `json:"printBackground,omitempty" yaml:"printBackground,omitempty"`
	Scale              float64   `json:"scale,omitempty" yaml:"scale,omitempty"`
	HeaderTemplate     string    `json:"headerTemplate,omitempty" yaml:"headerTemplate,omitempty"`
	FooterTemplate     string    `json:"footerTemplate,omitempty" yaml:"footerTemplate,omitempty"`
	DisplayHeaderFooter bool     `json:"displayHeaderFooter,omitempty" yaml:"displayHeaderFooter,omitempty"`
}

// explicitDimensions reports whether Width/Height (which win over Format)
// were supplied.
func (o PDFOptions) explicitDimensions() bool {
	return o.Width != "" || o.Height != ""
}

// ClipRect is a capture region in CSS pixels.
type ClipRect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// ScreenshotOptions controls raster capture. Clip and FullPage are mutually
// exclusive; Clip wins when both are supplied.
type ScreenshotOptions struct {
	Type           string    `json:"type,omitempty" yaml:"type,omitempty"` // png|jpeg
	Quality        int       `json:"quality,omitempty" yaml:"quality,omitempty"`
	FullPage       bool      `json:"fullPage,omitempty" yaml:"fullPage,omitempty"`
	Clip           *ClipRect `json:"clip,omitempty" yaml:"clip,omitempty"`
	OmitBackground bool      `json:"omitBackground,omitempty" yaml:"omitBackground,omitempty"`
	ScaleMode      string    `json:"scaleMode,omitempty" yaml:"scaleMode,omitempty"` // css|device
}

func (o ScreenshotOptions) extension() string {
	if o.Type == "jpeg" {
		return "jpeg"
	}
	return "png"
}

// QueueOptions controls per-job scheduling priority.
type QueueOptions struct {
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// RenderOptions groups every tunable accepted on submission.
type RenderOptions struct {
	Browser    BrowserOptions    `json:"browser,omitempty" yaml:"browser,omitempty"`
	PDF        PDFOptions        `json:"pdf,omitempty" yaml:"pdf,omitempty"`
	Screenshot ScreenshotOptions `json:"screenshot,omitempty" yaml:"screenshot,omitempty"`
	Queue      QueueOptions      `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// clampPriority returns p clamped into [1,10], defaulting to 5 when zero.
func clampPriority(p int) int {
	if p == 0 {
		return 5
	}
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// Validate checks cross-field invariants named in the data model: the
// mutual exclusions between PDF format/dimensions and screenshot
// clip/fullPage are resolved by precedence, not rejected, so Validate only
// rejects out-of-range scalars.
func (o RenderOptions) Validate() error {
	if o.Browser.NavigationTimeoutMS < 0 || o.Browser.NavigationTimeoutMS > 120000 {
		return fmt.Errorf("%w: browser.navigationTimeoutMs must be in [0,120000]", ErrInvalidInput)
	}
	if o.Browser.WaitAfterMS < 0 || o.Browser.WaitAfterMS > 60000 {
		return fmt.Errorf("%w: browser.waitAfterMs must be in [0,60000]", ErrInvalidInput)
	}
	switch o.Browser.ColorScheme {
	case "", "light", "dark", "no-preference":
	default:
		return fmt.Errorf("%w: browser.colorScheme must be light, dark or no-preference", ErrInvalidInput)
	}
	if o.PDF.Scale != 0 && (o.PDF.Scale <= 0 || o.PDF.Scale > 2) {
		return fmt.Errorf("%w: pdf.scale must be in (0,2]", ErrInvalidInput)
	}
	if o.Screenshot.Type != "" && o.Screenshot.Type != "png" && o.Screenshot.Type != "jpeg" {
		return fmt.Errorf("%w: screenshot.type must be png or jpeg", ErrInvalidInput)
	}
	if o.Screenshot.Quality != 0 {
		if o.Screenshot.Type != "jpeg" {
			return fmt.Errorf("%w: screenshot.quality only applies when type=jpeg", ErrInvalidInput)
		}
		if o.Screenshot.Quality < 0 || o.Screenshot.Quality > 100 {
			return fmt.Errorf("%w: screenshot.quality must be in [0,100]", ErrInvalidInput)
		}
	}
	if o.Queue.Priority != 0 && (o.Queue.Priority < 1 || o.Queue.Priority > 10) {
		return fmt.Errorf("%w: queue.priority must be in [1,10]", ErrInvalidInput)
	}
	return nil
}

// Job is the central entity owned exclusively by the Job Store for its
// entire lifetime. Callers and workers hold only its Key and operate
// through the store's accessors.
type Job struct {
	Key        RequestedKey  `json:"key"`
	Kind       JobKind       `json:"kind"`
	SourceKind SourceKind    `json:"sourceKind"`
	Source     string        `json:"source"`
	Options    RenderOptions `json:"options"`
	Status     JobStatus     `json:"status"`
	Progress   int           `json:"progress"`
	Priority   int           `json:"priority"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	FilePath   string        `json:"filePath,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// store's lock (ExtraHeaders and Args slices/maps are shared but treated as
// immutable once a job is inserted).
func (j Job) Clone() Job {
	return j
}

// View is the externally observed projection of a Job, matching §6's
// JobView shape (ISO-8601 timestamps, no internal fields).
type View struct {
	Key       RequestedKey `json:"key"`
	Status    JobStatus    `json:"status"`
	Progress  int          `json:"progress"`
	CreatedAt string       `json:"createdAt"`
	UpdatedAt string       `json:"updatedAt"`
	FilePath  string       `json:"filePath,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// ToView projects a Job into its externally observed shape.
func (j Job) ToView() View {
	return View{
		Key:       j.Key,
		Status:    j.Status,
		Progress:  j.Progress,
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: j.UpdatedAt.UTC().Format(time.RFC3339Nano),
		FilePath:  j.FilePath,
		Error:     j.Error,
	}
}

// QueueStats is the per-kind count breakdown returned by queueStats.
type QueueStats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
