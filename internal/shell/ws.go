package shell

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/compositor"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/render"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	clientBuffer = 32
	writeWait    = 5 * time.Second
)

// wsFrame is a presented frame on the wire.
type wsFrame struct {
	Type       string   `json:"type"`
	Token      string   `json:"token"`
	Seq        uint64   `json:"seq"`
	Pipeline   uint64   `json:"pipeline"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Background string   `json:"background"`
	Items      []wsItem `json:"items"`
}

type wsItem struct {
	Kind  string  `json:"kind"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
	Color string  `json:"color,omitempty"`
	Text  string  `json:"text,omitempty"`
	Size  float64 `json:"size,omitempty"`
	URL   string  `json:"url,omitempty"`
}

// wsCommand is input from a client.
type wsCommand struct {
	Type   string `json:"type"`
	URL    string `json:"url,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// wsNotice is everything else the shell says to a client.
type wsNotice struct {
	Type    string `json:"type"`
	Client  string `json:"client,omitempty"`
	Message string `json:"message,omitempty"`
}

// encodeFrame renders the wire form once per presented frame; every
// subscriber receives the same bytes. Text goes through bluemonday so
// document text cannot smuggle markup into an inspector UI.
func encodeFrame(f *compositor.Frame, policy *bluemonday.Policy) ([]byte, error) {
	env := wsFrame{
		Type:       "frame",
		Token:      uuid.NewString(),
		Seq:        f.Seq,
		Pipeline:   uint64(f.Pipeline),
		Width:      f.Viewport.Width,
		Height:     f.Viewport.Height,
		Background: hexColor(f.Background),
	}
	if f.Tree != nil {
		env.Items = make([]wsItem, 0, len(f.Tree.Items))
		for _, it := range f.Tree.Items {
			item := wsItem{
				X: it.Bounds.X,
				Y: it.Bounds.Y,
				W: it.Bounds.Width,
				H: it.Bounds.Height,
			}
			switch it.Kind {
			case render.KindRect:
				item.Kind = "rect"
				item.Color = hexColor(it.Color)
			case render.KindText:
				item.Kind = "text"
				item.Color = hexColor(it.Color)
				item.Text = policy.Sanitize(it.Text)
				item.Size = it.FontSize
			case render.KindImage:
				item.Kind = "image"
				item.URL = it.ImageURL
			}
			env.Items = append(env.Items, item)
		}
	}
	return sonic.Marshal(env)
}

func hexColor(c render.Color) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (cl *client) shutdown() {
	cl.once.Do(func() {
		close(cl.done)
		_ = cl.conn.Close()
	})
}

func (cl *client) writeLoop(logger *logging.Logger) {
	for {
		select {
		case payload := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("websocket write failed",
					zap.String("client", cl.id), zap.Error(err))
				cl.shutdown()
				return
			}
		case <-cl.done:
			return
		}
	}
}

// trySend queues a payload without ever blocking the caller.
func (cl *client) trySend(payload []byte) {
	select {
	case cl.send <- payload:
	default:
	}
}

// hub fans presented frames out to every connected client. A client
// whose buffer is full skips the frame; the next one supersedes it.
type hub struct {
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	clients map[string]*client
	last    []byte // retained for late subscribers
}

func newHub(logger *logging.Logger, metrics *monitoring.Metrics) *hub {
	return &hub{
		logger:  logger,
		metrics: metrics,
		clients: make(map[string]*client),
	}
}

func (h *hub) broadcast(payload []byte) {
	h.mu.Lock()
	h.last = payload
	for _, cl := range h.clients {
		cl.trySend(payload)
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.RecordWSMessage("out", "frame")
	}
}

func (h *hub) add(conn *websocket.Conn) *client {
	cl := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[cl.id] = cl
	if h.last != nil {
		cl.trySend(h.last)
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.IncWSConnections()
	}
	return cl
}

func (h *hub) remove(cl *client) {
	h.mu.Lock()
	_, present := h.clients[cl.id]
	delete(h.clients, cl.id)
	h.mu.Unlock()
	if present && h.metrics != nil {
		h.metrics.DecWSConnections()
	}
	cl.shutdown()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, cl := range clients {
		if h.metrics != nil {
			h.metrics.DecWSConnections()
		}
		cl.shutdown()
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
