package script

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/dom"
	"github.com/skeinweb/skein/internal/imagecache"
	"github.com/skeinweb/skein/internal/layout"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/profiler"
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/resource"
	"github.com/skeinweb/skein/internal/shared/id"
)

// Msg is a message into the script task.
type Msg interface{ scriptMsg() }

// Load starts loading a document.
type Load struct {
	URL string
}

// Resize updates the viewport and reflows the current document.
type Resize struct {
	Viewport render.Size
}

// PrepareToExit stops new work and acks; ExitNow follows.
type PrepareToExit struct {
	Ack chan<- struct{}
}

// ExitNow stops the task.
type ExitNow struct{}

func (Load) scriptMsg()          {}
func (Resize) scriptMsg()        {}
func (PrepareToExit) scriptMsg() {}
func (ExitNow) scriptMsg()       {}

// Deps wires one script task.
type Deps struct {
	Pipeline      id.PipelineID
	Cmds          <-chan Msg
	Layout        chan<- layout.Msg
	Events        chan<- msg.Event
	Resources     *resource.Service
	Images        *imagecache.PipelineCache
	Viewport      render.Size
	ScriptTimeout time.Duration
	Logger        *logging.Logger
	Metrics       *monitoring.Metrics
	Prof          *profiler.Profiler
}

// Task drives one pipeline's document: fetch, parse, run page scripts,
// prefetch images, then hand a snapshot to layout. The document tree
// never leaves this goroutine; layout only ever sees snapshots.
type Task struct {
	deps   Deps
	logger *logging.Logger

	doc      *dom.Document
	url      string
	viewport render.Size
	seq      uint64

	sandbox    *Sandbox
	reflowDone chan uint64
}

// NewTask builds the task. Run it on the scheduler pool.
func NewTask(deps Deps) *Task {
	return &Task{
		deps:       deps,
		logger:     deps.Logger.Named("script").With(zap.Uint64("pipeline", uint64(deps.Pipeline))),
		viewport:   deps.Viewport,
		reflowDone: make(chan uint64, 4),
	}
}

// Run processes messages until ExitNow.
func (t *Task) Run() {
	for {
		select {
		case m := <-t.deps.Cmds:
			switch m := m.(type) {
			case Load:
				t.load(m.URL)
			case Resize:
				t.viewport = m.Viewport
				if t.doc != nil {
					t.reflow()
				}
			case PrepareToExit:
				t.ack(m.Ack)
				t.quiesce()
				return
			case ExitNow:
				return
			}
		case seq := <-t.reflowDone:
			t.logger.Debug("reflow complete", zap.Uint64("seq", seq))
		}
	}
}

func (t *Task) quiesce() {
	for {
		select {
		case m := <-t.deps.Cmds:
			switch m := m.(type) {
			case ExitNow:
				return
			case PrepareToExit:
				t.ack(m.Ack)
			default:
				t.logger.Debug("dropping message while quiescent")
			}
		case <-t.reflowDone:
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

func (t *Task) load(rawURL string) {
	t.logger.Info("loading", zap.String("url", rawURL))

	resp := t.deps.Resources.Fetch(rawURL, resource.KindDocument, t.deps.Pipeline)
	if resp.Err != nil {
		if errors.Is(resp.Err, resource.ErrCrashRequested) {
			panic(fmt.Sprintf("crash requested by %s", rawURL))
		}
		t.loadFailed(rawURL, resp.Err)
		return
	}

	body := resp.Body
	if !isHTML(resp.MediaType) {
		body = plainTextPage(body)
	}

	doc, err := dom.Parse(resp.URL, body)
	if err != nil {
		t.loadFailed(resp.URL, err)
		return
	}
	t.doc = doc
	t.url = resp.URL

	t.runScripts()

	if t.deps.Images != nil {
		for _, u := range doc.ImageURLs() {
			t.deps.Images.Prefetch(u)
		}
	}

	t.reflow()
}

func (t *Task) loadFailed(url string, cause error) {
	t.logger.Warn("load failed", zap.String("url", url), zap.Error(cause))
	t.deps.Events <- msg.LoadFailed{
		Pipeline: t.deps.Pipeline,
		URL:      url,
		Reason:   cause.Error(),
	}
}

// runScripts executes inline scripts against the live document. Script
// failures never fail the load; the page renders with whatever the
// scripts managed to do.
func (t *Task) runScripts() {
	scripts := t.doc.InlineScripts()
	if len(scripts) == 0 {
		return
	}
	if t.sandbox == nil {
		timeout := t.deps.ScriptTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		t.sandbox = NewSandbox(timeout, t.logger)
	}

	for i, source := range scripts {
		var entries []ConsoleEntry
		var err error
		t.timed(profiler.CatScriptRun, func() {
			entries, err = t.sandbox.Execute(source, t.doc)
		})

		if t.deps.Metrics != nil {
			t.deps.Metrics.ScriptRuns.Inc()
		}
		for _, e := range entries {
			t.logger.Debug("console",
				zap.Int("script", i),
				zap.String("level", e.Level),
				zap.String("message", e.Message))
		}
		if err != nil {
			if t.deps.Metrics != nil {
				t.deps.Metrics.ScriptErrors.Inc()
			}
			t.logger.Warn("script error", zap.Int("script", i), zap.Error(err))
		}
	}
}

func (t *Task) reflow() {
	t.seq++
	t.deps.Layout <- layout.Reflow{
		Seq:      t.seq,
		URL:      t.url,
		Document: t.doc.Snapshot(),
		Viewport: t.viewport,
		Done:     t.reflowDone,
	}
}

func (t *Task) timed(cat profiler.Category, fn func()) {
	if t.deps.Prof == nil {
		fn()
		return
	}
	t.deps.Prof.Time(cat, fn)
}

func isHTML(mediaType string) bool {
	switch strings.ToLower(mediaType) {
	case "text/html", "application/xhtml+xml", "":
		return true
	}
	return false
}

// plainTextPage wraps a non-HTML payload so it still renders.
func plainTextPage(body []byte) []byte {
	var b strings.Builder
	b.WriteString("<html><body><pre>")
	b.WriteString(html.EscapeString(string(body)))
	b.WriteString("</pre></body></html>")
	return []byte(b.String())
}
