package layout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/shared/id"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type runningTask struct {
	cmds   chan Msg
	events chan msg.Event
	done   chan struct{}
}

func startTask(t *testing.T) *runningTask {
	t.Helper()
	rt := &runningTask{
		cmds:   make(chan Msg, 8),
		events: make(chan msg.Event, 8),
		done:   make(chan struct{}),
	}
	task := NewTask(Deps{
		Pipeline: id.PipelineID(42),
		Cmds:     rt.cmds,
		Events:   rt.events,
		Logger:   logging.Nop(),
	})
	go func() {
		defer close(rt.done)
		task.Run()
	}()
	t.Cleanup(func() {
		select {
		case rt.cmds <- ExitNow{}:
		default:
		}
		select {
		case <-rt.done:
		case <-time.After(2 * time.Second):
			t.Error("layout task did not stop")
		}
	})
	return rt
}

func TestReflowPostsFrameReady(t *testing.T) {
	rt := startTask(t)
	done := make(chan uint64, 1)

	rt.cmds <- Reflow{
		Seq:      7,
		URL:      "https://example.com/",
		Document: snapshot(t, `<html><body><p>hello world</p></body></html>`),
		Viewport: render.Size{Width: 800, Height: 600},
		Done:     done,
	}

	select {
	case ev := <-rt.events:
		frame, ok := ev.(msg.FrameReady)
		require.True(t, ok, "expected FrameReady, got %T", ev)
		assert.Equal(t, id.PipelineID(42), frame.Pipeline)
		require.NotNil(t, frame.Tree)
		assert.NotEmpty(t, frame.Tree.Items)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame posted")
	}

	select {
	case seq := <-done:
		assert.Equal(t, uint64(7), seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no reflow completion echo")
	}
}

func TestPrepareToExitGoesQuiescent(t *testing.T) {
	rt := startTask(t)

	ack := make(chan struct{}, 1)
	rt.cmds <- PrepareToExit{Ack: ack}
	select {
	case <-ack:
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
	}

	// reflows after PrepareToExit are dropped
	rt.cmds <- Reflow{
		Seq:      1,
		Document: snapshot(t, `<html><body><p>late</p></body></html>`),
		Viewport: render.Size{Width: 100, Height: 100},
	}
	select {
	case ev := <-rt.events:
		t.Fatalf("quiescent task should not emit %T", ev)
	case <-time.After(100 * time.Millisecond):
	}

	rt.cmds <- ExitNow{}
	select {
	case <-rt.done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not exit")
	}
}

func TestDuplicatePrepareToExitReAcks(t *testing.T) {
	rt := startTask(t)

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	rt.cmds <- PrepareToExit{Ack: first}
	rt.cmds <- PrepareToExit{Ack: second}

	for _, ch := range []chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("missing ack")
		}
	}
}
