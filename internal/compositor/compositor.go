package compositor

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/profiler"
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/shared/id"
)

// connectTimeout bounds the rendezvous wait; a constellation that never
// connects is a startup wiring bug, not a runtime condition.
const connectTimeout = 10 * time.Second

// Frame is one presented picture.
type Frame struct {
	Seq        uint64
	Pipeline   id.PipelineID
	Viewport   render.Size
	Background render.Color
	Items      int
	Tree       *render.Tree
}

// Surface is where frames go and where input comes from. Present is
// called only from the compositor goroutine.
type Surface interface {
	Present(*Frame) error
	Events() <-chan Event
	Close() error
}

// Event is input from the surface.
type Event interface{ surfaceEvent() }

// NavigateEvent loads a URL in the focused frame.
type NavigateEvent struct{ URL string }

// HistoryEvent traverses session history.
type HistoryEvent struct{ Dir msg.Direction }

// ResizeEvent changes the viewport.
type ResizeEvent struct{ Size render.Size }

// QuitEvent asks the engine to shut down.
type QuitEvent struct{}

func (NavigateEvent) surfaceEvent() {}
func (HistoryEvent) surfaceEvent() {}
func (ResizeEvent) surfaceEvent() {}
func (QuitEvent) surfaceEvent() {}

// Deps wires the compositor to the rest of the engine. Notify is owned
// here and drained for the whole engine lifetime; Rendezvous delivers
// the constellation command channel exactly once.
type Deps struct {
	Config      config.EngineConfig
	Logger      *logging.Logger
	Metrics     *monitoring.Metrics
	Prof        *profiler.Profiler
	Surface     Surface
	Notify      chan msg.Notification
	Rendezvous  <-chan chan<- msg.Command
	InitialURLs []string
}

// Compositor owns the main goroutine. It turns constellation
// notifications into presented frames and surface input into commands,
// and it is the only component allowed to start the engine shutdown.
type Compositor struct {
	deps   Deps
	logger *logging.Logger

	cmds      chan<- msg.Command
	connected chan struct{} // closed once cmds is set
	viewport  render.Size
	seq       uint64
	exiting   bool

	exitOnce sync.Once
	exitReq  chan struct{}
}

func New(deps Deps) *Compositor {
	return &Compositor{
		deps:   deps,
		logger: deps.Logger.Named("compositor"),
		viewport: render.Size{
			Width:  deps.Config.ViewportWidth,
			Height: deps.Config.ViewportHeight,
		},
		connected: make(chan struct{}),
		exitReq:   make(chan struct{}, 1),
	}
}

// RequestExit asks the engine to shut down. Safe from any goroutine,
// any number of times.
func (c *Compositor) RequestExit() {
	c.exitOnce.Do(func() { c.exitReq <- struct{}{} })
}

// Status asks the constellation for its debug view. Callable from any
// goroutine; reports false before the rendezvous, on timeout, or after
// the constellation has stopped.
func (c *Compositor) Status(timeout time.Duration) (msg.Status, bool) {
	select {
	case <-c.connected:
	default:
		return msg.Status{}, false
	}

	reply := make(chan msg.Status, 1)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case c.cmds <- msg.DebugStatus{Reply: reply}:
	case <-deadline.C:
		return msg.Status{}, false
	}
	select {
	case st := <-reply:
		return st, true
	case <-deadline.C:
		return msg.Status{}, false
	}
}

// Run owns the calling goroutine until ShutdownComplete arrives. The
// thread is locked for the duration, matching what window systems
// require of the thread that paints.
func (c *Compositor) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	select {
	case cmds := <-c.deps.Rendezvous:
		c.cmds = cmds
		close(c.connected)
	case <-time.After(connectTimeout):
		return errors.New("compositor: constellation never connected")
	}
	c.logger.Info("connected", zap.Int("initial_urls", len(c.deps.InitialURLs)))

	for i, raw := range c.deps.InitialURLs {
		if i == 0 {
			c.cmds <- msg.InitLoadURL{URL: raw}
		} else {
			c.cmds <- msg.LoadURLInFrame{URL: raw, Parent: id.NoPipeline}
		}
	}

	for {
		select {
		case n := <-c.deps.Notify:
			if c.handleNotification(n) {
				return c.closeSurface()
			}
		case ev := <-c.deps.Surface.Events():
			c.handleSurfaceEvent(ev)
		case <-c.exitReq:
			c.beginExit()
		}
	}
}

// handleNotification reports true once shutdown has been acknowledged.
func (c *Compositor) handleNotification(n msg.Notification) bool {
	switch m := n.(type) {
	case msg.FrameReady:
		c.present(m.Pipeline, m.Tree)
	case msg.LoadError:
		c.logger.Warn("load error",
			zap.Uint64("pipeline", uint64(m.Pipeline)),
			zap.String("url", m.URL),
			zap.String("reason", m.Reason))
		c.present(m.Pipeline, errorTree(c.viewport, m))
	case msg.ShutdownComplete:
		c.logger.Info("shutdown acknowledged")
		return true
	}
	return false
}

func (c *Compositor) handleSurfaceEvent(ev Event) {
	if c.exiting {
		if _, quit := ev.(QuitEvent); !quit {
			c.logger.Debug("surface event ignored during exit")
		}
		return
	}
	switch e := ev.(type) {
	case NavigateEvent:
		c.cmds <- msg.InitLoadURL{URL: e.URL}
	case HistoryEvent:
		c.cmds <- msg.Navigate{Dir: e.Dir}
	case ResizeEvent:
		c.viewport = e.Size
		c.cmds <- msg.Resize{Size: e.Size}
	case QuitEvent:
		c.beginExit()
	}
}

func (c *Compositor) beginExit() {
	if c.exiting {
		return
	}
	c.exiting = true
	c.logger.Info("requesting engine exit")
	c.cmds <- msg.Exit{}
}

func (c *Compositor) present(pid id.PipelineID, tree *render.Tree) {
	start := time.Now()
	c.seq++
	frame := &Frame{
		Seq:        c.seq,
		Pipeline:   pid,
		Viewport:   tree.Viewport,
		Background: tree.Background,
		Items:      len(tree.Items),
		Tree:       tree,
	}
	err := c.deps.Surface.Present(frame)
	elapsed := time.Since(start)

	if c.deps.Prof != nil {
		c.deps.Prof.Record(profiler.CatCompositing, elapsed)
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordFrame(frame.Items, elapsed)
	}
	if err != nil {
		c.logger.Error("present failed", zap.Uint64("seq", frame.Seq), zap.Error(err))
		return
	}
	c.logger.Debug("frame presented",
		zap.Uint64("seq", frame.Seq),
		zap.Uint64("pipeline", uint64(pid)),
		zap.Int("items", frame.Items))
}

func (c *Compositor) closeSurface() error {
	if err := c.deps.Surface.Close(); err != nil {
		c.logger.Warn("surface close failed", zap.Error(err))
	}
	c.logger.Info("compositor stopped", zap.Uint64("frames", c.seq))
	return nil
}

// errorTree paints the in-engine error page for a load that produced no
// frame of its own.
func errorTree(viewport render.Size, e msg.LoadError) *render.Tree {
	const margin = 16.0
	width := float64(viewport.Width) - 2*margin
	t := &render.Tree{Viewport: viewport, Background: render.White}
	t.Items = append(t.Items,
		render.DisplayItem{
			Kind:     render.KindText,
			Bounds:   render.Rect{X: margin, Y: margin, Width: width, Height: 22.4},
			Color:    render.Black,
			Text:     "Unable to load " + e.URL,
			FontSize: 16,
		},
		render.DisplayItem{
			Kind:     render.KindText,
			Bounds:   render.Rect{X: margin, Y: margin + 33.6, Width: width, Height: 18.2},
			Color:    render.Black,
			Text:     e.Reason,
			FontSize: 13,
		})
	return t
}
