package msg

import (
	"github.com/skeinweb/skein/internal/render"
	"github.com/skeinweb/skein/internal/shared/id"
)

// Direction selects a history traversal.
type Direction uint8

const (
	Back Direction = iota
	Forward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "back"
}

// Command is a message into the constellation. The compositor obtains
// the command channel through the startup rendezvous before it may send.
type Command interface{ command() }

// InitLoadURL navigates the focused root frame, driving history.
type InitLoadURL struct {
	URL string
}

// LoadURLInFrame starts an independent frame load. Parent is NoPipeline
// for a top-level frame; history is untouched either way.
type LoadURLInFrame struct {
	URL    string
	Parent id.PipelineID
}

// Resize updates the viewport and reflows every live pipeline.
type Resize struct {
	Size render.Size
}

// Navigate traverses session history.
type Navigate struct {
	Dir Direction
}

// Exit starts the two-phase engine shutdown. The constellation
// acknowledges with ShutdownComplete once every pipeline is down.
type Exit struct{}

// DebugStatus asks for a point-in-time view of the pipeline table.
// Reply must be buffered; the answer is sent best-effort.
type DebugStatus struct {
	Reply chan Status
}

func (InitLoadURL) command() {}
func (LoadURLInFrame) command() {}
func (Resize) command() {}
func (Navigate) command() {}
func (Exit) command() {}
func (DebugStatus) command() {}

// Event is a message from a pipeline worker to the constellation.
// Events citing destroyed pipeline ids are dropped there.
type Event interface{ event() }

// FrameReady carries a finished display list. It flows twice: layout
// posts it to the constellation, and the constellation forwards it to
// the compositor for live pipelines only, so it is both an Event and a
// Notification.
type FrameReady struct {
	Pipeline id.PipelineID
	Tree     *render.Tree
}

// LoadFailed reports a document load that produced no frame.
type LoadFailed struct {
	Pipeline id.PipelineID
	URL      string
	Reason   string
}

// Crashed reports a worker that died. Recoverable; the constellation
// removes the pipeline and its siblings continue.
type Crashed struct {
	Pipeline id.PipelineID
	Worker   string
	Cause    string
}

func (FrameReady) event() {}
func (LoadFailed) event() {}
func (Crashed) event() {}

// Notification is a message from the constellation to the compositor.
type Notification interface{ notification() }

// LoadError surfaces a failed or crashed load to the user.
type LoadError struct {
	Pipeline id.PipelineID
	URL      string
	Reason   string
}

// ShutdownComplete acknowledges Exit: every pipeline is stopped and the
// constellation loop is about to return.
type ShutdownComplete struct{}

func (FrameReady) notification() {}
func (LoadError) notification() {}
func (ShutdownComplete) notification() {}

// Status is the debug view answered to DebugStatus.
type Status struct {
	Pipelines []PipelineStatus `json:"pipelines"`
	Focused   id.PipelineID    `json:"focused"`
	Back      int              `json:"back_depth"`
	Forward   int              `json:"forward_depth"`
}

// PipelineStatus describes one table entry.
type PipelineStatus struct {
	ID     id.PipelineID `json:"id"`
	Parent id.PipelineID `json:"parent,omitempty"`
	URL    string        `json:"url"`
	State  string        `json:"state"`
}
