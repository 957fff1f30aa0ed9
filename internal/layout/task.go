package layout

import (
	"time"

	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/dom"
	"github.com/skeinweb/skein/internal/imagecache"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/profiler"
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/sched"
	"github.com/skeinweb/skein/internal/shared/id"
)

// Msg is a message into the layout task.
type Msg interface{ layoutMsg() }

// Reflow carries a style-input snapshot. Ownership of Document transfers
// with the send. Done receives Seq back when the frame has been posted;
// the echo is best-effort.
type Reflow struct {
	Seq      uint64
	URL      string
	Document *dom.Node
	Viewport render.Size
	Done     chan<- uint64
}

// PrepareToExit asks the task to finish the current reflow, ack, and go
// quiescent until ExitNow.
type PrepareToExit struct {
	Ack chan<- struct{}
}

// ExitNow stops the task.
type ExitNow struct{}

func (Reflow) layoutMsg()        {}
func (PrepareToExit) layoutMsg() {}
func (ExitNow) layoutMsg()       {}

// how long a reflow waits for outstanding image decodes before painting
// placeholders
const imageWaitTimeout = 3 * time.Second

// Deps wires one layout task.
type Deps struct {
	Pipeline id.PipelineID
	Cmds     <-chan Msg
	Events   chan<- msg.Event
	Images   *imagecache.PipelineCache
	Queue    *sched.WorkQueue // nil forces sequential constraint solving
	Logger   *logging.Logger
	Metrics  *monitoring.Metrics
	Prof     *profiler.Profiler
}

// Task computes layout for one pipeline. It owns no document state
// between reflows; everything arrives in the Reflow message.
type Task struct {
	deps   Deps
	logger *logging.Logger
}

// NewTask builds the task. Run it on the scheduler pool.
func NewTask(deps Deps) *Task {
	return &Task{
		deps:   deps,
		logger: deps.Logger.Named("layout").With(zap.Uint64("pipeline", uint64(deps.Pipeline))),
	}
}

// Run processes messages until ExitNow.
func (t *Task) Run() {
	for m := range t.deps.Cmds {
		switch m := m.(type) {
		case Reflow:
			t.handleReflow(m)
		case PrepareToExit:
			t.ack(m.Ack)
			t.quiesce()
			return
		case ExitNow:
			return
		}
	}
}

// quiesce drains messages after PrepareToExit, acting only on ExitNow.
func (t *Task) quiesce() {
	for m := range t.deps.Cmds {
		switch m := m.(type) {
		case ExitNow:
			return
		case PrepareToExit:
			t.ack(m.Ack)
		default:
			t.logger.Debug("dropping message while quiescent")
		}
	}
}

func (t *Task) ack(ch chan<- struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (t *Task) handleReflow(m Reflow) {
	t.logger.Debug("reflow", zap.Uint64("seq", m.Seq), zap.String("url", m.URL))

	var styled *StyledNode
	t.phase(profiler.CatStyleRecalc, func() {
		styled = ComputeStyles(m.Document)
	})

	var root *Box
	t.phase(profiler.CatBoxBuild, func() {
		root = BuildBoxes(styled, t.deps.Images)
	})

	t.phase(profiler.CatLayoutSolve, func() {
		Solve(root, m.Viewport, t.deps.Queue)
	})

	// give pending decodes a chance to land so image items carry pixels
	if t.deps.Images != nil {
		if !t.deps.Images.WaitAll(imageWaitTimeout) {
			t.logger.Debug("painting with images still pending")
		}
	}

	var tree *render.Tree
	t.phase(profiler.CatDisplayBuild, func() {
		tree = BuildDisplayList(root, m.Viewport, t.deps.Images)
	})

	t.deps.Events <- msg.FrameReady{Pipeline: t.deps.Pipeline, Tree: tree}
	if t.deps.Metrics != nil {
		t.deps.Metrics.LayoutReflows.Inc()
	}
	if m.Done != nil {
		select {
		case m.Done <- m.Seq:
		default:
		}
	}
}

func (t *Task) phase(cat profiler.Category, fn func()) {
	if t.deps.Prof == nil {
		fn()
		return
	}
	t.deps.Prof.Time(cat, fn)
}
