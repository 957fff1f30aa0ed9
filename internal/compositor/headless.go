package compositor

import (
	"sync"
	"time"
)

// Headless is the Surface used when no window system is attached. It
// retains every presented frame for inspection and lets callers inject
// synthetic input, which is how the engine is driven in tests and in
// shell-only deployments.
type Headless struct {
	mu     sync.Mutex
	frames []*Frame
	closed bool

	notify chan struct{}
	events chan Event
}

func NewHeadless() *Headless {
	return &Headless{
		notify: make(chan struct{}, 1),
		events: make(chan Event, 16),
	}
}

func (h *Headless) Present(f *Frame) error {
	h.mu.Lock()
	h.frames = append(h.frames, f)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
	return nil
}

func (h *Headless) Events() <-chan Event { return h.events }

func (h *Headless) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Closed reports whether the compositor has shut the surface.
func (h *Headless) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Inject queues a synthetic input event.
func (h *Headless) Inject(ev Event) {
	h.events <- ev
}

// Frames returns a copy of everything presented so far.
func (h *Headless) Frames() []*Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Frame, len(h.frames))
	copy(out, h.frames)
	return out
}

// WaitFrame blocks until at least n frames have been presented and
// returns the nth, or false on timeout.
func (h *Headless) WaitFrame(n int, timeout time.Duration) (*Frame, bool) {
	deadline := time.After(timeout)
	for {
		h.mu.Lock()
		if len(h.frames) >= n {
			f := h.frames[n-1]
			h.mu.Unlock()
			return f, true
		}
		h.mu.Unlock()
		select {
		case <-h.notify:
		case <-deadline:
			return nil, false
		}
	}
}
