package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/imagecache"
	"github.com/skeinweb/skein/internal/layout"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/profiler"
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/resource"
	"github.com/skeinweb/skein/internal/sched"
	"github.com/skeinweb/skein/internal/script"
	"github.com/skeinweb/skein/internal/shared/id"
)

// Deps carries the shared services a pipeline's workers use.
type Deps struct {
	Logger        *logging.Logger
	Metrics       *monitoring.Metrics
	Prof          *profiler.Profiler
	Resources     *resource.Service
	Images        *imagecache.Service
	Events        chan<- msg.Event
	Queue         *sched.WorkQueue
	Viewport      render.Size
	ScriptTimeout time.Duration
}

// Pipeline owns one frame's script and layout workers. The workers talk
// to each other and to the constellation only through channels; no heap
// state crosses a pipeline boundary by reference.
type Pipeline struct {
	ID     id.PipelineID
	Parent id.PipelineID
	URL    string

	scriptCmds chan script.Msg
	layoutCmds chan layout.Msg
	events     chan<- msg.Event
	done       chan struct{}
	exiting    atomic.Bool
	crashed    atomic.Int32
	logger     *logging.Logger
}

// Spawn launches the script and layout workers on the pool, plus a
// watcher that closes Done when both have returned.
func Spawn(pool *sched.Pool, pid, parent id.PipelineID, url string, deps Deps) (*Pipeline, error) {
	p := &Pipeline{
		ID:         pid,
		Parent:     parent,
		URL:        url,
		scriptCmds: make(chan script.Msg, 8),
		layoutCmds: make(chan layout.Msg, 8),
		events:     deps.Events,
		done:       make(chan struct{}),
		logger:     deps.Logger.Named("pipeline").With(zap.Uint64("id", uint64(pid))),
	}

	var pcache *imagecache.PipelineCache
	if deps.Images != nil {
		pcache = imagecache.NewPipelineCache(deps.Images, pid)
	}

	layoutTask := layout.NewTask(layout.Deps{
		Pipeline: pid,
		Cmds:     p.layoutCmds,
		Events:   deps.Events,
		Images:   pcache,
		Queue:    deps.Queue,
		Logger:   deps.Logger,
		Metrics:  deps.Metrics,
		Prof:     deps.Prof,
	})
	scriptTask := script.NewTask(script.Deps{
		Pipeline:      pid,
		Cmds:          p.scriptCmds,
		Layout:        p.layoutCmds,
		Events:        deps.Events,
		Resources:     deps.Resources,
		Images:        pcache,
		Viewport:      deps.Viewport,
		ScriptTimeout: deps.ScriptTimeout,
		Logger:        deps.Logger,
		Metrics:       deps.Metrics,
		Prof:          deps.Prof,
	})

	var wg sync.WaitGroup
	wg.Add(2)

	launch := func(name string, run func(), worker string) error {
		return pool.LaunchSupervised(name,
			func() {
				defer wg.Done()
				run()
			},
			p.crashHandler(worker))
	}

	if err := launch(fmt.Sprintf("layout-%d", pid), layoutTask.Run, "layout"); err != nil {
		return nil, fmt.Errorf("pipeline %d: %w", pid, err)
	}
	if err := launch(fmt.Sprintf("script-%d", pid), scriptTask.Run, "script"); err != nil {
		p.trySendLayout(layout.ExitNow{})
		return nil, fmt.Errorf("pipeline %d: %w", pid, err)
	}
	if err := pool.Launch(fmt.Sprintf("pipeline-%d-watch", pid), func() {
		wg.Wait()
		close(p.done)
	}); err != nil {
		p.trySendScript(script.ExitNow{})
		p.trySendLayout(layout.ExitNow{})
		return nil, fmt.Errorf("pipeline %d: %w", pid, err)
	}

	if deps.Metrics != nil {
		deps.Metrics.IncPipelinesTotal()
	}
	p.logger.Info("spawned", zap.String("url", url), zap.Uint64("parent", uint64(parent)))
	return p, nil
}

// crashHandler reports a dead worker unless the pipeline is being torn
// down anyway.
func (p *Pipeline) crashHandler(worker string) func(cause any) {
	return func(cause any) {
		p.crashed.Add(1)
		if p.exiting.Load() {
			return
		}
		p.events <- msg.Crashed{
			Pipeline: p.ID,
			Worker:   worker,
			Cause:    fmt.Sprint(cause),
		}
	}
}

// Load starts loading url in this pipeline's frame.
func (p *Pipeline) Load(url string) {
	p.URL = url
	p.trySendScript(script.Load{URL: url})
}

// Resize pushes a new viewport; the script task reflows the document.
func (p *Pipeline) Resize(size render.Size) {
	p.trySendScript(script.Resize{Viewport: size})
}

// Done closes once both workers have returned.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Shutdown runs the two-phase exit: ask both workers to go quiescent,
// then stop them, bounded by grace overall. It reports whether both
// workers were seen down in time. Safe to call for crashed pipelines;
// sends to dead workers are dropped.
func (p *Pipeline) Shutdown(grace time.Duration) bool {
	p.exiting.Store(true)

	deadline := time.Now().Add(grace)
	polite := time.NewTimer(grace / 2)
	defer polite.Stop()

	acks := make(chan struct{}, 2)
	p.trySendScript(script.PrepareToExit{Ack: acks})
	p.trySendLayout(layout.PrepareToExit{Ack: acks})

	// dead workers will never ack
	need := 2 - int(p.crashed.Load())

ackLoop:
	for got := 0; got < need; got++ {
		select {
		case <-acks:
		case <-p.done:
			return true
		case <-polite.C:
			break ackLoop
		}
	}

	p.trySendScript(script.ExitNow{})
	p.trySendLayout(layout.ExitNow{})

	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = 10 * time.Millisecond
	}
	forced := time.NewTimer(remaining)
	defer forced.Stop()

	select {
	case <-p.done:
		p.logger.Debug("workers stopped")
		return true
	case <-forced.C:
		p.logger.Warn("workers still running past grace period")
		return false
	}
}

func (p *Pipeline) trySendScript(m script.Msg) {
	select {
	case p.scriptCmds <- m:
	default:
		p.logger.Debug("script command dropped", zap.String("type", fmt.Sprintf("%T", m)))
	}
}

func (p *Pipeline) trySendLayout(m layout.Msg) {
	select {
	case p.layoutCmds <- m:
	default:
		p.logger.Debug("layout command dropped", zap.String("type", fmt.Sprintf("%T", m)))
	}
}
