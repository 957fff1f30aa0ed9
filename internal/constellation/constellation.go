package constellation

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/imagecache"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/pipeline"
	"github.com/skeinweb/skein/internal/profiler"
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/resource"
	"github.com/skeinweb/skein/internal/sched"
	"github.com/skeinweb/skein/internal/session"
	"github.com/skeinweb/skein/internal/shared/id"
)

const (
	stateLoading = "loading"
	stateActive  = "active"
)

// Deps carries the engine-wide services the constellation hands to the
// pipelines it spawns.
type Deps struct {
	Pool      *sched.Pool
	Config    config.Config
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics
	Prof      *profiler.Profiler
	Resources *resource.Service
	Images    *imagecache.Service
	Session   *session.Store
	Notify    chan<- msg.Notification
}

type record struct {
	p        *pipeline.Pipeline
	url      string
	state    string
	parent   id.PipelineID
	lastTree *render.Tree
}

// Constellation supervises every pipeline and owns navigation history.
// All of its state belongs to the run goroutine; other goroutines talk
// to it through the command channel only.
type Constellation struct {
	deps   Deps
	logger *logging.Logger

	cmds   chan msg.Command
	events chan msg.Event

	alloc     *id.PipelineAllocator
	pipelines map[id.PipelineID]*record
	focused   id.PipelineID
	pending   id.PipelineID
	back      []id.PipelineID
	forward   []id.PipelineID
	viewport  render.Size
	queue     *sched.WorkQueue
}

// Start launches the constellation on the pool, then sends its command
// channel through rendezvous. Nothing can reach the constellation before
// that send, and the compositor blocks on the receive, so no command is
// ever lost to startup ordering.
func Start(deps Deps, rendezvous chan<- chan<- msg.Command) error {
	c := &Constellation{
		deps:      deps,
		logger:    deps.Logger.Named("constellation"),
		cmds:      make(chan msg.Command, 16),
		events:    make(chan msg.Event, 64),
		alloc:     id.NewPipelineAllocator(),
		pipelines: make(map[id.PipelineID]*record),
		viewport: render.Size{
			Width:  deps.Config.Engine.ViewportWidth,
			Height: deps.Config.Engine.ViewportHeight,
		},
	}
	if deps.Config.Engine.ParallelLayout {
		c.queue = sched.NewWorkQueue(deps.Config.Engine.LayoutWorkers)
	}
	if err := deps.Pool.Launch("constellation", c.run); err != nil {
		return err
	}
	rendezvous <- c.cmds
	return nil
}

func (c *Constellation) run() {
	c.logger.Info("running",
		zap.Int("viewport_w", c.viewport.Width),
		zap.Int("viewport_h", c.viewport.Height),
		zap.Bool("parallel_layout", c.queue != nil))
	for {
		select {
		case cmd := <-c.cmds:
			if c.handleCommand(cmd) {
				return
			}
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// handleCommand reports true when the loop should stop.
func (c *Constellation) handleCommand(cmd msg.Command) bool {
	switch m := cmd.(type) {
	case msg.InitLoadURL:
		c.spawnPipeline(m.URL, id.NoPipeline, true)
	case msg.LoadURLInFrame:
		if m.Parent != id.NoPipeline {
			if _, ok := c.pipelines[m.Parent]; !ok {
				c.logger.Warn("frame load for unknown parent",
					zap.Uint64("parent", uint64(m.Parent)),
					zap.String("url", m.URL))
				return false
			}
		}
		c.spawnPipeline(m.URL, m.Parent, false)
	case msg.Resize:
		c.viewport = m.Size
		for _, rec := range c.pipelines {
			rec.p.Resize(m.Size)
		}
	case msg.Navigate:
		c.navigate(m.Dir)
	case msg.DebugStatus:
		c.replyStatus(m.Reply)
	case msg.Exit:
		c.exit()
		return true
	}
	return false
}

func (c *Constellation) handleEvent(ev msg.Event) {
	switch e := ev.(type) {
	case msg.FrameReady:
		rec, ok := c.pipelines[e.Pipeline]
		if !ok {
			c.logger.Debug("frame from destroyed pipeline",
				zap.Uint64("id", uint64(e.Pipeline)))
			return
		}
		rec.lastTree = e.Tree.Clone()
		rec.state = stateActive
		if c.pending == e.Pipeline {
			c.commitFocus(e.Pipeline)
		}
		c.notify(e)

	case msg.LoadFailed:
		if _, ok := c.pipelines[e.Pipeline]; !ok {
			c.logger.Debug("failure from destroyed pipeline",
				zap.Uint64("id", uint64(e.Pipeline)))
			return
		}
		c.logger.Warn("load failed",
			zap.Uint64("id", uint64(e.Pipeline)),
			zap.String("url", e.URL),
			zap.String("reason", e.Reason))
		c.destroy(e.Pipeline, "load failed")
		c.notify(msg.LoadError{Pipeline: e.Pipeline, URL: e.URL, Reason: e.Reason})

	case msg.Crashed:
		rec, ok := c.pipelines[e.Pipeline]
		if !ok {
			c.logger.Debug("crash from destroyed pipeline",
				zap.Uint64("id", uint64(e.Pipeline)))
			return
		}
		c.logger.Error("pipeline crashed",
			zap.Uint64("id", uint64(e.Pipeline)),
			zap.String("worker", e.Worker),
			zap.String("cause", e.Cause))
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordPipelineCrash(e.Worker)
		}
		url := rec.url
		c.destroy(e.Pipeline, "worker crashed")
		c.notify(msg.LoadError{
			Pipeline: e.Pipeline,
			URL:      url,
			Reason:   e.Worker + " worker crashed: " + e.Cause,
		})
	}
}

func (c *Constellation) spawnPipeline(url string, parent id.PipelineID, focus bool) {
	pid := c.alloc.Next()
	p, err := pipeline.Spawn(c.deps.Pool, pid, parent, url, pipeline.Deps{
		Logger:        c.deps.Logger,
		Metrics:       c.deps.Metrics,
		Prof:          c.deps.Prof,
		Resources:     c.deps.Resources,
		Images:        c.deps.Images,
		Events:        c.events,
		Queue:         c.queue,
		Viewport:      c.viewport,
		ScriptTimeout: c.deps.Config.Engine.ScriptTimeout,
	})
	if err != nil {
		c.logger.Error("spawn failed", zap.String("url", url), zap.Error(err))
		c.notify(msg.LoadError{Pipeline: pid, URL: url, Reason: err.Error()})
		return
	}

	c.pipelines[pid] = &record{p: p, url: url, state: stateLoading, parent: parent}
	if focus {
		// a navigation that never painted is replaced, not kept
		if c.pending != id.NoPipeline {
			c.destroy(c.pending, "superseded navigation")
		}
		c.pending = pid
	}
	c.gauge()
	p.Load(url)
}

// commitFocus runs when a pending navigation paints its first frame.
// The outgoing page moves onto the back stack and the forward stack is
// destroyed, which is what a fresh navigation means for history.
func (c *Constellation) commitFocus(pid id.PipelineID) {
	old := c.focused
	c.focused = pid
	c.pending = id.NoPipeline

	if old != id.NoPipeline && old != pid {
		c.back = append(c.back, old)
		if depth := c.deps.Config.Engine.HistoryDepth; len(c.back) > depth {
			evicted := c.back[0]
			c.back = c.back[1:]
			c.destroy(evicted, "history depth exceeded")
		}
	}
	for len(c.forward) > 0 {
		fid := c.forward[len(c.forward)-1]
		c.forward = c.forward[:len(c.forward)-1]
		c.destroy(fid, "forward history cleared")
	}
	c.logger.Info("focus",
		zap.Uint64("id", uint64(pid)),
		zap.Int("back", len(c.back)),
		zap.Int("forward", len(c.forward)))
}

func (c *Constellation) navigate(dir msg.Direction) {
	var from, to *[]id.PipelineID
	if dir == msg.Back {
		from, to = &c.back, &c.forward
	} else {
		from, to = &c.forward, &c.back
	}
	if len(*from) == 0 {
		c.logger.Debug("history empty", zap.Stringer("dir", dir))
		return
	}

	target := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]
	rec, ok := c.pipelines[target]
	if !ok {
		// stacks are scrubbed whenever the table changes; a miss is a bug
		c.logger.Error("history entry without pipeline",
			zap.Uint64("id", uint64(target)))
		return
	}

	if c.focused != id.NoPipeline {
		*to = append(*to, c.focused)
	}
	c.focused = target
	c.logger.Info("navigate",
		zap.Stringer("dir", dir),
		zap.Uint64("id", uint64(target)))

	// the retained display list repaints the page without refetching
	if rec.lastTree != nil {
		c.notify(msg.FrameReady{Pipeline: target, Tree: rec.lastTree.Clone()})
	}
}

// destroy removes a pipeline from the table and history, then shuts it
// down off the supervisor goroutine so the loop never blocks on grace.
func (c *Constellation) destroy(pid id.PipelineID, reason string) {
	rec, ok := c.pipelines[pid]
	if !ok {
		return
	}
	delete(c.pipelines, pid)
	c.back = removeID(c.back, pid)
	c.forward = removeID(c.forward, pid)
	if c.focused == pid {
		c.focused = id.NoPipeline
	}
	if c.pending == pid {
		c.pending = id.NoPipeline
	}
	c.gauge()
	c.logger.Info("destroying pipeline",
		zap.Uint64("id", uint64(pid)),
		zap.String("reason", reason))

	grace := c.deps.Config.Engine.ExitGrace
	name := fmt.Sprintf("destroy-%d", pid)
	if err := c.deps.Pool.Launch(name, func() { rec.p.Shutdown(grace) }); err != nil {
		rec.p.Shutdown(grace)
	}
}

func (c *Constellation) replyStatus(reply chan msg.Status) {
	st := msg.Status{
		Focused: c.focused,
		Back:    len(c.back),
		Forward: len(c.forward),
	}
	for pid, rec := range c.pipelines {
		st.Pipelines = append(st.Pipelines, msg.PipelineStatus{
			ID:     pid,
			Parent: rec.parent,
			URL:    rec.url,
			State:  rec.state,
		})
	}
	sort.Slice(st.Pipelines, func(i, j int) bool {
		return st.Pipelines[i].ID < st.Pipelines[j].ID
	})
	select {
	case reply <- st:
	default:
		c.logger.Debug("status reply dropped")
	}
}

// exit shuts every pipeline down in parallel, persists the session, and
// acknowledges to the compositor. The loop returns after this.
func (c *Constellation) exit() {
	c.logger.Info("exit", zap.Int("pipelines", len(c.pipelines)))
	grace := c.deps.Config.Engine.ExitGrace

	var wg sync.WaitGroup
	for pid, rec := range c.pipelines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !rec.p.Shutdown(grace) {
				c.logger.Warn("pipeline exceeded exit grace",
					zap.Uint64("id", uint64(pid)))
			}
		}()
	}
	wg.Wait()

	c.saveSession()
	if c.deps.Metrics != nil {
		c.deps.Metrics.SetPipelinesActive(0)
	}
	c.notify(msg.ShutdownComplete{})
	c.logger.Info("stopped")
}

func (c *Constellation) saveSession() {
	if c.deps.Session == nil {
		return
	}
	snap := c.sessionSnapshot()
	if len(snap.URLs) == 0 {
		return
	}
	if err := c.deps.Session.Save(snap); err != nil {
		c.logger.Warn("session save failed", zap.Error(err))
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.IncSessionsSaved()
	}
}

// sessionSnapshot lists top-level pages in creation order. History-only
// pages are skipped; restoring them as live tabs would not match what
// the user last saw.
func (c *Constellation) sessionSnapshot() session.Snapshot {
	hist := make(map[id.PipelineID]bool, len(c.back)+len(c.forward))
	for _, pid := range c.back {
		hist[pid] = true
	}
	for _, pid := range c.forward {
		hist[pid] = true
	}

	var ids []id.PipelineID
	for pid, rec := range c.pipelines {
		if rec.parent == id.NoPipeline && !hist[pid] {
			ids = append(ids, pid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var snap session.Snapshot
	for i, pid := range ids {
		snap.URLs = append(snap.URLs, c.pipelines[pid].url)
		if pid == c.focused {
			snap.Focused = i
		}
	}
	return snap
}

func (c *Constellation) gauge() {
	if c.deps.Metrics != nil {
		c.deps.Metrics.SetPipelinesActive(len(c.pipelines))
	}
}

// notify blocks. The compositor drains its channel for the whole engine
// lifetime, including while an exit is in flight.
func (c *Constellation) notify(n msg.Notification) {
	c.deps.Notify <- n
}

func removeID(ids []id.PipelineID, pid id.PipelineID) []id.PipelineID {
	out := ids[:0]
	for _, v := range ids {
		if v != pid {
			out = append(out, v)
		}
	}
	return out
}
