//go:build integration
// +build integration

package integration

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skeinweb/skein/internal/compositor"
	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/constellation"
	"github.com/skeinweb/skein/internal/imagecache"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/profiler"
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/resource"
	"github.com/skeinweb/skein/internal/sched"
	"github.com/skeinweb/skein/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

// engine is a fully wired instance on a headless surface, the same
// assembly the binary performs minus the shell.
type engine struct {
	surface *compositor.Headless
	comp    *compositor.Compositor
	runErr  chan error
	stopped bool
}

func startEngine(t *testing.T, urls []string, mutate func(*config.Config, *constellation.Deps)) *engine {
	t.Helper()

	cfg := config.Default()
	cfg.Engine.ViewportWidth = 640
	cfg.Engine.ViewportHeight = 480
	cfg.Engine.ScriptTimeout = 5 * time.Second
	cfg.Engine.ExitGrace = 2 * time.Second
	cfg.Resource.Timeout = 5 * time.Second
	cfg.Resource.Retries = 0
	cfg.Resource.HostRPS = 0
	cfg.Images.DiskDir = ""

	registry := prometheus.NewRegistry()
	metrics := monitoring.New(registry)
	t.Cleanup(metrics.Close)

	logger := logging.Nop()
	prof := profiler.New(cfg.Profiler, logger, registry)
	pool := sched.New(logger, metrics)
	require.NoError(t, pool.Launch("profiler", prof.Run))

	resources, err := resource.NewService(cfg.Resource, logger, metrics, prof)
	require.NoError(t, err)
	require.NoError(t, pool.Launch("resources", resources.Run))

	images, err := imagecache.New(cfg.Images, resources, logger, metrics, prof)
	require.NoError(t, err)

	deps := constellation.Deps{
		Pool:      pool,
		Logger:    logger,
		Metrics:   metrics,
		Prof:      prof,
		Resources: resources,
		Images:    images,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	deps.Config = *cfg

	notify := make(chan msg.Notification, 16)
	deps.Notify = notify
	rendezvous := make(chan chan<- msg.Command, 1)
	require.NoError(t, constellation.Start(deps, rendezvous))

	e := &engine{
		surface: compositor.NewHeadless(),
		runErr:  make(chan error, 1),
	}
	e.comp = compositor.New(compositor.Deps{
		Config:      cfg.Engine,
		Logger:      logger,
		Metrics:     metrics,
		Prof:        prof,
		Surface:     e.surface,
		Notify:      notify,
		Rendezvous:  rendezvous,
		InitialURLs: urls,
	})
	go func() { e.runErr <- e.comp.Run() }()

	t.Cleanup(func() {
		e.quit(t)
		resources.Stop()
		prof.Stop()
		pool.Shutdown()
	})
	return e
}

// quit asks the engine to exit and waits for the compositor to return.
func (e *engine) quit(t *testing.T) {
	t.Helper()
	if e.stopped {
		return
	}
	e.stopped = true
	e.comp.RequestExit()
	select {
	case err := <-e.runErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("engine did not shut down")
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func firstImageItem(tree *render.Tree) (render.DisplayItem, bool) {
	for _, it := range tree.Items {
		if it.Kind == render.KindImage {
			return it, true
		}
	}
	return render.DisplayItem{}, false
}

func TestBlankPageStartsAndExitsCleanly(t *testing.T) {
	e := startEngine(t, []string{"about:blank"}, nil)

	frame, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok, "no frame for about:blank")
	assert.NotZero(t, frame.Pipeline)
	assert.Equal(t, render.Size{Width: 640, Height: 480}, frame.Viewport)
	assert.Empty(t, frame.Tree.Items, "blank page should paint nothing")

	e.quit(t)
	assert.True(t, e.surface.Closed())
}

// Two pages referencing the same image must share one decode; both
// display lists end up holding the identical pixel buffer.
func TestImageDecodeSharedAcrossPipelines(t *testing.T) {
	payload := pngBytes(t, 6, 4)
	var picFetches atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/pic.png", func(w http.ResponseWriter, r *http.Request) {
		picFetches.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><h1>pics</h1><img src="/pic.png"></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := startEngine(t, []string{srv.URL + "/page?n=1", srv.URL + "/page?n=2"}, nil)

	fra, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok)
	frb, ok := e.surface.WaitFrame(2, 10*time.Second)
	require.True(t, ok)
	require.NotEqual(t, fra.Pipeline, frb.Pipeline)

	ita, ok := firstImageItem(fra.Tree)
	require.True(t, ok, "first page painted no image")
	itb, ok := firstImageItem(frb.Tree)
	require.True(t, ok, "second page painted no image")

	require.NotNil(t, ita.Image)
	assert.Same(t, ita.Image, itb.Image, "pipelines must share the decoded image")
	assert.Equal(t, 6, ita.Image.Width)
	assert.Equal(t, int64(1), picFetches.Load(), "image fetch should happen once")
}

func TestSurfaceNavigationUsesHistoryWithoutRefetch(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body><p>page %s</p></body></html>`, r.URL.Path)
	}))
	defer srv.Close()

	e := startEngine(t, []string{srv.URL + "/first"}, nil)
	first, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok)

	e.surface.Inject(compositor.NavigateEvent{URL: srv.URL + "/second"})
	second, ok := e.surface.WaitFrame(2, 10*time.Second)
	require.True(t, ok)
	require.NotEqual(t, first.Pipeline, second.Pipeline)
	require.Equal(t, int64(2), hits.Load())

	e.surface.Inject(compositor.HistoryEvent{Dir: msg.Back})
	back, ok := e.surface.WaitFrame(3, 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, first.Pipeline, back.Pipeline, "back should repaint the first page")
	assert.Equal(t, int64(2), hits.Load(), "history traversal must not refetch")

	e.surface.Inject(compositor.HistoryEvent{Dir: msg.Forward})
	fwd, ok := e.surface.WaitFrame(4, 10*time.Second)
	require.True(t, ok)
	assert.Equal(t, second.Pipeline, fwd.Pipeline)
	assert.Equal(t, int64(2), hits.Load())
}

// A navigation superseded while its fetch is still in flight must not
// surface a frame after its pipeline is gone.
func TestSupersededLoadNeverPaints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fast", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p>fast</p></body></html>`)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(250 * time.Millisecond)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p>slow</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := startEngine(t, []string{srv.URL + "/fast"}, nil)
	first, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok)

	e.surface.Inject(compositor.NavigateEvent{URL: srv.URL + "/slow"})
	e.surface.Inject(compositor.NavigateEvent{URL: srv.URL + "/fast?again=1"})

	second, ok := e.surface.WaitFrame(2, 10*time.Second)
	require.True(t, ok)
	require.NotEqual(t, first.Pipeline, second.Pipeline)

	// Give the abandoned fetch time to complete and be dropped.
	time.Sleep(time.Second)
	frames := e.surface.Frames()
	require.Len(t, frames, 2, "the superseded load must not present")
	for _, f := range frames {
		for _, it := range f.Tree.Items {
			assert.NotContains(t, it.Text, "slow")
		}
	}
}

func TestQuitEventTwiceIsHarmless(t *testing.T) {
	e := startEngine(t, []string{"about:blank"}, nil)
	_, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok)

	e.surface.Inject(compositor.QuitEvent{})
	e.surface.Inject(compositor.QuitEvent{})
	e.comp.RequestExit()

	e.stopped = true
	select {
	case err := <-e.runErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("engine did not shut down")
	}
	assert.True(t, e.surface.Closed())
}

func TestSessionPersistsAcrossRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p>persisted</p></body></html>`)
	}))
	defer srv.Close()

	path := t.TempDir() + "/last.session"
	store := session.NewStore(path, logging.Nop())

	e := startEngine(t, []string{srv.URL}, func(cfg *config.Config, deps *constellation.Deps) {
		deps.Session = store
	})
	_, ok := e.surface.WaitFrame(1, 10*time.Second)
	require.True(t, ok)
	e.quit(t)

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL}, snap.URLs)
	assert.Equal(t, 0, snap.Focused)
}
