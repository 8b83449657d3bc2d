package rendergrid

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// chromeSession wraps a chromedp exec-allocator context: the OS process for
// one Chrome/Chromium instance. owned distinguishes a dedicated per-job
// browser (Close cancels the allocator context, which tears the process
// down) from the shared pool browser (Close is a no-op; the pool itself
// owns the teardown). Unlike a launcher that hands back a raw PID to kill
// on a stuck shutdown, chromedp's allocator context IS the process's
// lifetime: cancelling it is the only teardown path, and it is always
// honored (grounded on fafosnap's takeScreenshot, which never manages a PID
// either).
type chromeSession struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	owned       bool
}

var _ BrowserSession = (*chromeSession)(nil)

// NewPage opens an isolated browser tab (its own chromedp browser context,
// sharing the session's one browser process) with the viewport, user-agent,
// extra headers and reduced-motion preference derived from opts.
func (s *chromeSession) NewPage(ctx context.Context, opts BrowserOptions) (BrowserPage, error) {
	pageCtx, cancel := chromedp.NewContext(s.allocCtx)

	timeout := time.Duration(opts.NavigationTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	tasks := chromedp.Tasks{chromedp.Navigate("about:blank")}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		tasks = append(tasks, chromedp.EmulateViewport(int64(opts.ViewportWidth), int64(opts.ViewportHeight)))
	}
	if opts.UserAgent != "" {
		ua := opts.UserAgent
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetUserAgentOverride(ua).Do(ctx)
		}))
	}
	if len(opts.ExtraHeaders) > 0 {
		headers := make(network.Headers, len(opts.ExtraHeaders))
		for k, v := range opts.ExtraHeaders {
			headers[k] = v
		}
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetExtraHTTPHeaders(headers).Do(ctx)
		}))
	}
	var features []*emulation.MediaFeature
	if opts.ColorScheme != "" && opts.ColorScheme != "no-preference" {
		features = append(features, &emulation.MediaFeature{Name: "prefers-color-scheme", Value: opts.ColorScheme})
	}
	if opts.DisableAnimations {
		features = append(features, &emulation.MediaFeature{Name: "prefers-reduced-motion", Value: "reduce"})
	}
	if len(features) > 0 {
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetEmulatedMedia().WithFeatures(features).Do(ctx)
		}))
	}

	runCtx, runCancel := context.WithTimeout(pageCtx, timeout)
	defer runCancel()
	if err := chromedp.Run(runCtx, tasks...); err != nil {
		cancel()
		return nil, fmt.Errorf("creating page: %w", err)
	}

	return &chromePage{ctx: pageCtx, cancel: cancel, navTimeout: timeout}, nil
}

// Close tears down a dedicated browser by cancelling its allocator context.
// The shared pool browser is never closed here: the worker that borrowed it
// isn't the one that owns its lifetime, only BrowserPool.Close is (see
// shutdown below).
func (s *chromeSession) Close() error {
	if !s.owned {
		return nil
	}
	s.allocCancel()
	return nil
}

// shutdown unconditionally cancels the allocator context, tearing the
// browser process down regardless of owned. BrowserPool.Close calls this on
// the shared session instead of Close, since Close's owned guard exists to
// stop a worker's per-job defer from killing the shared browser out from
// under other in-flight jobs — the pool itself needs no such guard.
func (s *chromeSession) shutdown() {
	s.allocCancel()
}

// chromePage implements BrowserPage over a chromedp browser-context tab.
type chromePage struct {
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
}

var _ BrowserPage = (*chromePage)(nil)

func (p *chromePage) SetContent(html string) error {
	encoded, err := json.Marshal(html)
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}
	script := fmt.Sprintf(`(function(html){document.open();document.write(html);document.close();})(%s)`, encoded)

	ctx, cancel := context.WithTimeout(p.ctx, p.navTimeout)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Evaluate(script, nil))
}

func (p *chromePage) Navigate(url string) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.navTimeout)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Navigate(url))
}

// WaitNetworkIdle polls document.readyState until it reaches "complete",
// then waits out a short quiescence window for requests fired just after
// load. chromedp has no WaitIdle equivalent; this is grounded directly on
// fafosnap's takeScreenshot readyState poll-loop plus its post-load Sleep
// for hydration/network bursts, scaled down to a fixed quiescence window
// instead of a fixed hydration delay since this runs for arbitrary content,
// not a known SPA.
func (p *chromePage) WaitNetworkIdle(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(runCtx, chromedp.ActionFunc(func(actx context.Context) error {
			for i := 0; i < 40; i++ {
				var ready string
				if err := chromedp.Evaluate(`document.readyState`, &ready).Do(actx); err != nil {
					return err
				}
				if ready == "complete" {
					return nil
				}
				select {
				case <-actx.Done():
					return actx.Err()
				case <-time.After(250 * time.Millisecond):
				}
			}
			return nil
		}), chromedp.Sleep(2*time.Second))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chromePage) InjectStyle(css string) error {
	encoded, err := json.Marshal(css)
	if err != nil {
		return fmt.Errorf("encoding style: %w", err)
	}
	script := fmt.Sprintf(`(function(css){
		const style = document.createElement('style');
		style.textContent = css;
		document.head.appendChild(style);
	})(%s)`, encoded)
	return chromedp.Run(p.ctx, chromedp.Evaluate(script, nil))
}

func (p *chromePage) WaitForSelector(ctx context.Context, selector string) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *chromePage) PDF(opts PDFOptions) ([]byte, error) {
	params := buildPDFParams(opts)
	var buf []byte
	err := chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := params.Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) Screenshot(opts ScreenshotOptions) ([]byte, error) {
	params := buildScreenshotParams(opts)
	var buf []byte
	err := chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, err := params.Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

func buildPDFParams(opts PDFOptions) *page.PrintToPDFParams {
	params := page.PrintToPDF().
		WithLandscape(opts.Landscape).
		WithPrintBackground(opts.PrintBackground).
		WithDisplayHeaderFooter(opts.DisplayHeaderFooter).
		WithHeaderTemplate(opts.HeaderTemplate).
		WithFooterTemplate(opts.FooterTemplate)

	if opts.Scale > 0 {
		params = params.WithScale(opts.Scale)
	}
	if opts.explicitDimensions() {
		if w := parsePageDimension(opts.Width); w > 0 {
			params = params.WithPaperWidth(w)
		}
		if h := parsePageDimension(opts.Height); h > 0 {
			params = params.WithPaperHeight(h)
		}
	} else if w, h, ok := paperFormatDimensions(opts.Format); ok {
		params = params.WithPaperWidth(w).WithPaperHeight(h)
	}
	if m := parsePageDimension(opts.Margin.Top); m > 0 {
		params = params.WithMarginTop(m)
	}
	if m := parsePageDimension(opts.Margin.Right); m > 0 {
		params = params.WithMarginRight(m)
	}
	if m := parsePageDimension(opts.Margin.Bottom); m > 0 {
		params = params.WithMarginBottom(m)
	}
	if m := parsePageDimension(opts.Margin.Left); m > 0 {
		params = params.WithMarginLeft(m)
	}
	return params
}

// paperFormatDimensions returns paper size in inches for the named formats
// in §3. Width/Height in PDFOptions win over Format when both are set; this
// table only applies when Format alone was supplied.
func paperFormatDimensions(format string) (w, h float64, ok bool) {
	switch format {
	case "A4", "a4":
		return 8.27, 11.69, true
	case "A3", "a3":
		return 11.69, 16.54, true
	case "A5", "a5":
		return 5.83, 8.27, true
	case "Letter", "letter":
		return 8.5, 11, true
	case "Legal", "legal":
		return 8.5, 14, true
	default:
		return 8.5, 11, true // Letter default
	}
}

// parsePageDimension converts a "<number><unit>" string (px|in|cm|mm, or a
// bare number of pixels) into inches, the unit page.PrintToPDFParams
// expects. Unparseable input returns 0, which callers treat as "unset".
func parsePageDimension(s string) float64 {
	if s == "" {
		return 0
	}
	// Sscanf's %f reads a 'p' as the start of a hex-float exponent, so a
	// "px" suffix is handled before falling through to the scan below.
	if strings.HasSuffix(s, "px") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "px"), 64)
		if err != nil {
			return 0
		}
		return v / 96
	}
	var value float64
	var unit string
	if _, err := fmt.Sscanf(s, "%f%s", &value, &unit); err != nil {
		if _, err := fmt.Sscanf(s, "%f", &value); err != nil {
			return 0
		}
		unit = "px"
	}
	switch unit {
	case "in", "":
		return value
	case "cm":
		return value / 2.54
	case "mm":
		return value / 25.4
	case "px":
		return value / 96
	default:
		return value
	}
}

func buildScreenshotParams(opts ScreenshotOptions) *page.CaptureScreenshotParams {
	format := page.CaptureScreenshotFormatPng
	if opts.Type == "jpeg" {
		format = page.CaptureScreenshotFormatJpeg
	}
	// fullPage defaults to true when no clip region is given (§4.4): a
	// screenshot request with neither set captures the whole page, not just
	// the viewport. Clip wins when both are supplied (see ScreenshotOptions),
	// so a clip region always forces fullPage off.
	fullPage := opts.Clip == nil
	params := page.CaptureScreenshot().
		WithFormat(format).
		WithOmitBackground(opts.OmitBackground).
		WithCaptureBeyondViewport(fullPage)
	if opts.Type == "jpeg" && opts.Quality > 0 {
		params = params.WithQuality(int64(opts.Quality))
	}
	if opts.Clip != nil {
		params = params.WithClip(&page.Viewport{
			X: opts.Clip.X, Y: opts.Clip.Y,
			Width: opts.Clip.Width, Height: opts.Clip.Height,
			Scale: 1,
		})
	}
	return params
}

// launchSharedBrowser is the BrowserPool's launch function for the shared,
// long-lived browser per kind.
func launchSharedBrowser(ctx context.Context, opts LaunchOptions) (BrowserSession, error) {
	allocCtx, allocCancel, err := launchAllocator(opts)
	if err != nil {
		return nil, err
	}
	return &chromeSession{allocCtx: allocCtx, allocCancel: allocCancel, owned: false}, nil
}

// launchDedicatedBrowser launches an independent browser for a single job
// that supplied its own LaunchOptions; the returned session is owned and
// torn down by the worker at the end of the attempt.
func launchDedicatedBrowser(ctx context.Context, opts LaunchOptions) (BrowserSession, error) {
	allocCtx, allocCancel, err := launchAllocator(opts)
	if err != nil {
		return nil, err
	}
	return &chromeSession{allocCtx: allocCtx, allocCancel: allocCancel, owned: true}, nil
}

// launchAllocator starts a browser process via chromedp's exec allocator,
// honoring CHROMEDP_BROWSER_BIN and CI the same way fafosnap's environment
// drives its own chromedp invocation, and eagerly runs one no-op command so
// a bad binary/launch flag surfaces here rather than on the first real job.
func launchAllocator(opts LaunchOptions) (context.Context, context.CancelFunc, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if bin := os.Getenv("CHROMEDP_BROWSER_BIN"); bin != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(bin))
	}
	if os.Getenv("CI") != "" {
		allocOpts = append(allocOpts, chromedp.Flag("no-sandbox", true))
	}
	for _, arg := range opts.Args {
		allocOpts = append(allocOpts, chromedp.Flag(arg, true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)

	launchCtx, launchCancel := chromedp.NewContext(allocCtx)
	defer launchCancel()
	if err := chromedp.Run(launchCtx); err != nil {
		allocCancel()
		return nil, nil, fmt.Errorf("launching browser: %w", err)
	}
	return allocCtx, allocCancel, nil
}
