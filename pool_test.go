package rendergrid

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	closed int32
}

func (f *fakeSession) NewPage(ctx context.Context, opts BrowserOptions) (BrowserPage, error) {
	return &fakePage{}, nil
}
func (f *fakeSession) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

type fakePage struct{}

func (f *fakePage) SetContent(html string) error                        { return nil }
func (f *fakePage) Navigate(url string) error                           { return nil }
func (f *fakePage) WaitNetworkIdle(ctx context.Context) error           { return nil }
func (f *fakePage) InjectStyle(css string) error                        { return nil }
func (f *fakePage) WaitForSelector(ctx context.Context, sel string) error { return nil }
func (f *fakePage) PDF(opts PDFOptions) ([]byte, error)                  { return []byte("%PDF-1.4"), nil }
func (f *fakePage) Screenshot(opts ScreenshotOptions) ([]byte, error)    { return []byte("png-bytes"), nil }
func (f *fakePage) Close() error                                        { return nil }

func TestBrowserPool_LazyLaunchAndReuse(t *testing.T) {
	var launches int32
	session := &fakeSession{}

	pool := NewBrowserPool(LaunchOptions{Headless: true},
		func(ctx context.Context, opts LaunchOptions) (BrowserSession, error) {
			atomic.AddInt32(&launches, 1)
			return session, nil
		},
		nil,
	)

	job := Job{Key: "k1", Kind: JobKindPDF}
	s1, dedicated, err := pool.SessionFor(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, dedicated)

	s2, _, err := pool.SessionFor(context.Background(), job)
	require.NoError(t, err)
	assert.Same(t, s1, s2, "shared browser must be reused, not relaunched")
	assert.Equal(t, int32(1), atomic.LoadInt32(&launches))
}

func TestBrowserPool_CoalescesConcurrentLaunch(t *testing.T) {
	var launches int32
	pool := NewBrowserPool(LaunchOptions{},
		func(ctx context.Context, opts LaunchOptions) (BrowserSession, error) {
			atomic.AddInt32(&launches, 1)
			time.Sleep(20 * time.Millisecond)
			return &fakeSession{}, nil
		},
		nil,
	)

	done := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, _, err := pool.SessionFor(context.Background(), Job{Kind: JobKindPDF})
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&launches), "concurrent first-use calls must coalesce onto one launch")
}

func TestBrowserPool_DedicatedBrowserForJobLaunchOptions(t *testing.T) {
	var sharedLaunches, dedicatedLaunches int32
	pool := NewBrowserPool(LaunchOptions{},
		func(ctx context.Context, opts LaunchOptions) (BrowserSession, error) {
			atomic.AddInt32(&sharedLaunches, 1)
			return &fakeSession{}, nil
		},
		func(ctx context.Context, opts LaunchOptions) (BrowserSession, error) {
			atomic.AddInt32(&dedicatedLaunches, 1)
			return &fakeSession{}, nil
		},
	)

	job := Job{Kind: JobKindPDF, Options: RenderOptions{Browser: BrowserOptions{LaunchOptions: &LaunchOptions{Headless: false}}}}
	_, dedicated, err := pool.SessionFor(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, dedicated)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dedicatedLaunches))
	assert.Equal(t, int32(0), atomic.LoadInt32(&sharedLaunches))
}

func TestBrowserPool_Close(t *testing.T) {
	session := &fakeSession{}
	pool := NewBrowserPool(LaunchOptions{},
		func(ctx context.Context, opts LaunchOptions) (BrowserSession, error) { return session, nil },
		nil,
	)

	_, _, err := pool.SessionFor(context.Background(), Job{Kind: JobKindPDF})
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&session.closed))

	_, _, err = pool.SessionFor(context.Background(), Job{Kind: JobKindPDF})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// fakeOwnedSession mimics chromeSession's split between Close (a no-op
// worker-facing guard) and shutdown (the pool's real teardown path).
type fakeOwnedSession struct {
	fakeSession
	shutdownCalls int32
}

func (f *fakeOwnedSession) shutdown() {
	atomic.AddInt32(&f.shutdownCalls, 1)
}

func TestBrowserPool_Close_PrefersShutdownOverNoOpClose(t *testing.T) {
	session := &fakeOwnedSession{}
	pool := NewBrowserPool(LaunchOptions{},
		func(ctx context.Context, opts LaunchOptions) (BrowserSession, error) { return session, nil },
		nil,
	)

	_, _, err := pool.SessionFor(context.Background(), Job{Kind: JobKindPDF})
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&session.shutdownCalls),
		"pool must tear the shared browser down via shutdown, not a no-op Close")
	assert.Equal(t, int32(0), atomic.LoadInt32(&session.closed),
		"Close itself must not be the teardown path for a pool-owned session")
}
