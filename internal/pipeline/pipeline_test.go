package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/imagecache"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/resource"
	"github.com/skeinweb/skein/internal/sched"
	"github.com/skeinweb/skein/internal/shared/id"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// the http transport keeps idle connections alive briefly
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

func startResources(t *testing.T) *resource.Service {
	t.Helper()
	cfg := config.Default().Resource
	cfg.Timeout = 5 * time.Second
	cfg.Retries = 0
	cfg.HostRPS = 0 // unlimited in tests
	svc, err := resource.NewService(cfg, logging.Nop(), nil, nil)
	require.NoError(t, err)
	go svc.Run()
	t.Cleanup(svc.Stop)
	return svc
}

type harness struct {
	pool   *sched.Pool
	events chan msg.Event
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	svc := startResources(t)
	imgCfg := config.Default().Images
	imgCfg.DiskDir = "" // memory tier only
	images, err := imagecache.New(imgCfg, svc, logging.Nop(), nil, nil)
	require.NoError(t, err)

	pool := sched.New(logging.Nop(), nil)
	t.Cleanup(pool.Shutdown)

	events := make(chan msg.Event, 64)
	return &harness{
		pool:   pool,
		events: events,
		deps: Deps{
			Logger:        logging.Nop(),
			Resources:     svc,
			Images:        images,
			Events:        events,
			Viewport:      render.Size{Width: 800, Height: 600},
			ScriptTimeout: 2 * time.Second,
		},
	}
}

// spawn registers a shutdown cleanup so pool.Shutdown never waits on a
// worker that was not told to stop.
func (h *harness) spawn(t *testing.T, pid id.PipelineID) *Pipeline {
	t.Helper()
	p, err := Spawn(h.pool, pid, id.NoPipeline, "", h.deps)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(2 * time.Second) })
	return p
}

func waitEvent(t *testing.T, events <-chan msg.Event) msg.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pipeline event")
		return nil
	}
}

func waitFrame(t *testing.T, events <-chan msg.Event) msg.FrameReady {
	t.Helper()
	for {
		ev := waitEvent(t, events)
		if fr, ok := ev.(msg.FrameReady); ok {
			return fr
		}
	}
}

func servePage(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadDeliversFrame(t *testing.T) {
	srv := servePage(t, `<html><head><title>hi</title></head><body><h1>Hello</h1><p>world</p></body></html>`)
	h := newHarness(t)
	p := h.spawn(t, 1)

	p.Load(srv.URL)

	fr := waitFrame(t, h.events)
	assert.Equal(t, id.PipelineID(1), fr.Pipeline)
	require.NotNil(t, fr.Tree)
	assert.NotEmpty(t, fr.Tree.Items)
	assert.Equal(t, 800, fr.Tree.Viewport.Width)
}

func TestResizeReflowsAtNewViewport(t *testing.T) {
	srv := servePage(t, `<html><body><p>resize me</p></body></html>`)
	h := newHarness(t)
	p := h.spawn(t, 2)

	p.Load(srv.URL)
	first := waitFrame(t, h.events)
	require.Equal(t, 800, first.Tree.Viewport.Width)

	p.Resize(render.Size{Width: 400, Height: 300})
	second := waitFrame(t, h.events)
	assert.Equal(t, 400, second.Tree.Viewport.Width)
}

func TestScriptCrashReportsEvent(t *testing.T) {
	h := newHarness(t)
	p := h.spawn(t, 7)

	p.Load("about:crash")

	ev := waitEvent(t, h.events)
	crashed, ok := ev.(msg.Crashed)
	require.True(t, ok, "expected a crash event, got %T", ev)
	assert.Equal(t, id.PipelineID(7), crashed.Pipeline)
	assert.Equal(t, "script", crashed.Worker)
	assert.Contains(t, crashed.Cause, "crash requested")

	// the layout worker survived and must still tear down cleanly
	assert.True(t, p.Shutdown(2*time.Second))
}

func TestLoadFailureEmitsEvent(t *testing.T) {
	h := newHarness(t)
	p := h.spawn(t, 4)

	p.Load("gopher://nowhere/")

	ev := waitEvent(t, h.events)
	failed, ok := ev.(msg.LoadFailed)
	require.True(t, ok, "expected a load failure, got %T", ev)
	assert.Equal(t, id.PipelineID(4), failed.Pipeline)
	assert.Equal(t, "gopher://nowhere/", failed.URL)
	assert.NotEmpty(t, failed.Reason)
}

func TestShutdownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	p := h.spawn(t, 3)

	require.True(t, p.Shutdown(2*time.Second))
	assert.True(t, p.Shutdown(2*time.Second))

	select {
	case <-p.Done():
	default:
		t.Fatal("Done must be closed after shutdown")
	}
}

func TestSpawnOnClosedPool(t *testing.T) {
	h := newHarness(t)
	h.pool.Shutdown()

	_, err := Spawn(h.pool, 9, id.NoPipeline, "", h.deps)
	require.Error(t, err)
	assert.ErrorIs(t, err, sched.ErrPoolClosed)
}
