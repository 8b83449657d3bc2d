package rendergrid

import (
	"context"
	"fmt"
	"sync"
)

// BrowserPool lazily launches and shares a single long-lived headless
// browser per output kind (§4.5). Concurrent first-use requests coalesce
// onto the same launch; contexts and pages created from the shared browser
// are never shared across jobs. When a job carries its own LaunchOptions,
// SessionFor bypasses the pool entirely and hands the worker a freshly
// launched dedicated browser, which the worker closes itself at the end of
// the attempt.
//
// The lazy-create-under-lock-with-a-wait-channel idiom is a standard Go
// coalesced-first-use pattern (no single pack file names it this way); it
// is applied here to a single shared-instance-per-kind model since §4.5
// calls for exactly one shared browser, not a pool of interchangeable ones.
type BrowserPool struct {
	mu        sync.Mutex
	session   BrowserSession
	launching chan struct{}
	closed    bool

	launch          func(ctx context.Context, opts LaunchOptions) (BrowserSession, error)
	launchOptions   LaunchOptions
	launchDedicated func(ctx context.Context, opts LaunchOptions) (BrowserSession, error)
}

// NewBrowserPool constructs a BrowserPool. launch produces the shared
// browser (called at most once, lazily); launchDedicated produces a fresh,
// independent browser for jobs that supply their own LaunchOptions.
func NewBrowserPool(
	defaultOpts LaunchOptions,
	launch func(ctx context.Context, opts LaunchOptions) (BrowserSession, error),
	launchDedicated func(ctx context.Context, opts LaunchOptions) (BrowserSession, error),
) *BrowserPool {
	return &BrowserPool{
		launch:          launch,
		launchDedicated: launchDedicated,
		launchOptions:   defaultOpts,
	}
}

// acquireShared returns the shared browser session, launching it on first
// use. Concurrent callers during the first launch all wait on the same
// in-flight attempt rather than racing separate launches.
func (p *BrowserPool) acquireShared(ctx context.Context) (BrowserSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.session != nil {
		s := p.session
		p.mu.Unlock()
		return s, nil
	}
	if ch := p.launching; ch != nil {
		p.mu.Unlock()
		select {
		case <-ch:
			return p.acquireShared(ctx)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ch := make(chan struct{})
	p.launching = ch
	p.mu.Unlock()

	session, err := p.launch(ctx, p.launchOptions)

	p.mu.Lock()
	p.launching = nil
	if err == nil {
		p.session = session
	}
	p.mu.Unlock()
	close(ch)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
	}
	return session, nil
}

// SessionFor resolves the session a job should run against: the shared
// pool browser, unless the job carries LaunchOptions, in which case a
// dedicated browser is launched and the caller is told to close it after
// use (the `dedicated` return value).
func (p *BrowserPool) SessionFor(ctx context.Context, job Job) (session BrowserSession, dedicated bool, err error) {
	if job.Options.Browser.LaunchOptions != nil {
		s, err := p.launchDedicated(ctx, *job.Options.Browser.LaunchOptions)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrBrowserConnect, err)
		}
		return s, true, nil
	}
	s, err := p.acquireShared(ctx)
	return s, false, err
}

// poolOwnedSession is implemented by sessions that distinguish the pool's
// own teardown from the worker-facing Close guard a shared session's Close
// uses to refuse tearing itself down out from under other jobs.
type poolOwnedSession interface {
	shutdown()
}

// Close tears down the shared browser, if one was launched, via its
// pool-owned teardown path rather than Close: a shared chromeSession's Close
// is a no-op by design (see browser.go), so calling it here would leak the
// browser process on every shutdown. Sessions that don't implement
// poolOwnedSession (e.g. test fakes) fall back to Close. Idempotent.
func (p *BrowserPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.session == nil {
		return nil
	}
	s := p.session
	p.session = nil
	if owned, ok := s.(poolOwnedSession); ok {
		owned.shutdown()
		return nil
	}
	return s.Close()
}
