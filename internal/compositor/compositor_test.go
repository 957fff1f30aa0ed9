package compositor

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/constellation"
	"github.com/skeinweb/skein/internal/imagecache"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/resource"
	"github.com/skeinweb/skein/internal/sched"
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

func servePage(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type engine struct {
	pool    *sched.Pool
	surface *Headless
	comp    *Compositor
	errCh   chan error
	stopped bool
}

// startFullEngine runs compositor plus constellation over real services.
// constellationDelay starts the compositor first to exercise the
// rendezvous wait.
func startFullEngine(t *testing.T, urls []string, constellationDelay time.Duration) *engine {
	t.Helper()
	svc := startResources(t)
	imgCfg := config.Default().Images
	imgCfg.DiskDir = "" // memory tier only
	images, err := imagecache.New(imgCfg, svc, logging.Nop(), nil, nil)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Engine.ViewportWidth = 640
	cfg.Engine.ViewportHeight = 480
	cfg.Engine.ScriptTimeout = 2 * time.Second
	cfg.Engine.ExitGrace = 2 * time.Second

	pool := sched.New(logging.Nop(), nil)
	notify := make(chan msg.Notification, 64)
	rendezvous := make(chan chan<- msg.Command, 1)

	surface := NewHeadless()
	comp := New(Deps{
		Config:      cfg.Engine,
		Logger:      logging.Nop(),
		Surface:     surface,
		Notify:      notify,
		Rendezvous:  rendezvous,
		InitialURLs: urls,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- comp.Run() }()

	if constellationDelay > 0 {
		time.Sleep(constellationDelay)
	}
	require.NoError(t, constellation.Start(constellation.Deps{
		Pool:      pool,
		Config:    *cfg,
		Logger:    logging.Nop(),
		Resources: svc,
		Images:    images,
		Notify:    notify,
	}, rendezvous))

	e := &engine{pool: pool, surface: surface, comp: comp, errCh: errCh}
	t.Cleanup(func() {
		e.quit(t)
		pool.Shutdown()
	})
	return e
}

func (e *engine) waitStopped(t *testing.T) {
	t.Helper()
	if e.stopped {
		return
	}
	select {
	case err := <-e.errCh:
		require.NoError(t, err)
		e.stopped = true
	case <-time.After(10 * time.Second):
		t.Fatal("compositor did not stop")
	}
}

func (e *engine) quit(t *testing.T) {
	t.Helper()
	if e.stopped {
		return
	}
	e.comp.RequestExit()
	e.waitStopped(t)
}

func TestEndToEndFrameFlow(t *testing.T) {
	srv := servePage(t, `<html><body><h1>Front page</h1><p>body text</p></body></html>`)
	e := startFullEngine(t, []string{srv.URL}, 0)

	frame, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok, "no frame presented")
	assert.Equal(t, uint64(1), frame.Seq)
	assert.Positive(t, frame.Items)
	assert.Equal(t, 640, frame.Viewport.Width)
	require.NotNil(t, frame.Tree)

	e.quit(t)
	assert.True(t, e.surface.Closed())
}

func TestStartupOrderingSurvivesSlowConstellation(t *testing.T) {
	srv := servePage(t, `<html><body><p>late riser</p></body></html>`)
	e := startFullEngine(t, []string{srv.URL}, 300*time.Millisecond)

	frame, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok, "initial load must wait for the rendezvous, not race it")
	assert.Positive(t, frame.Items)
}

func TestNavigateAndHistoryEvents(t *testing.T) {
	srv := servePage(t, `<html><body><p>a page</p></body></html>`)
	e := startFullEngine(t, []string{srv.URL + "/a"}, 0)

	first, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok)

	e.surface.Inject(NavigateEvent{URL: srv.URL + "/b"})
	second, ok := e.surface.WaitFrame(2, 10*time.Second)
	require.True(t, ok)
	require.NotEqual(t, first.Pipeline, second.Pipeline)

	e.surface.Inject(HistoryEvent{Dir: msg.Back})
	third, ok := e.surface.WaitFrame(3, 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, first.Pipeline, third.Pipeline, "back must repaint the old page")
}

func TestResizeEventReflows(t *testing.T) {
	srv := servePage(t, `<html><body><p>squeeze</p></body></html>`)
	e := startFullEngine(t, []string{srv.URL}, 0)

	first, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok)
	require.Equal(t, 640, first.Viewport.Width)

	e.surface.Inject(ResizeEvent{Size: render.Size{Width: 320, Height: 240}})
	second, ok := e.surface.WaitFrame(2, 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, 320, second.Viewport.Width)
}

func TestLoadErrorPaintsErrorPage(t *testing.T) {
	e := startFullEngine(t, []string{"gopher://nope/"}, 0)

	frame, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok)
	require.NotNil(t, frame.Tree)

	var found bool
	for _, item := range frame.Tree.Items {
		if strings.Contains(item.Text, "Unable to load") {
			found = true
		}
	}
	assert.True(t, found, "error page must name the failure")
}

func TestQuitEventStopsEngine(t *testing.T) {
	e := startFullEngine(t, nil, 0)

	e.surface.Inject(QuitEvent{})
	e.waitStopped(t)
	assert.True(t, e.surface.Closed())
}

func TestDuplicateExitRequestsTolerated(t *testing.T) {
	e := startFullEngine(t, nil, 0)

	e.surface.Inject(QuitEvent{})
	e.surface.Inject(QuitEvent{})
	e.comp.RequestExit()
	e.comp.RequestExit()

	e.waitStopped(t)
}

func TestHeadlessWaitFrameTimeout(t *testing.T) {
	h := NewHeadless()
	_, ok := h.WaitFrame(1, 50*time.Millisecond)
	assert.False(t, ok)
}

func TestStatusBeforeConnectionReportsFalse(t *testing.T) {
	comp := New(Deps{Logger: logging.Nop()})
	_, ok := comp.Status(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestStatusReflectsPipelineTable(t *testing.T) {
	srv := servePage(t, `<html><body><p>status me</p></body></html>`)
	e := startFullEngine(t, []string{srv.URL}, 0)

	frame, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok)

	st, ok := e.comp.Status(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, frame.Pipeline, st.Focused)
	require.Len(t, st.Pipelines, 1)
	assert.Equal(t, srv.URL, st.Pipelines[0].URL)
}
