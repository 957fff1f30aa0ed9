// Package shell serves the debug surface over HTTP. Presented frames
// stream to WebSocket subscribers, and the same socket accepts
// navigation commands, so a browser tab can act as the display.
package shell

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/bytedance/sonic"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/skeinweb/skein/internal/compositor"
	"github.com/skeinweb/skein/internal/config"
	"github.com/skeinweb/skein/internal/logging"
	"github.com/skeinweb/skein/internal/monitoring"
	"github.com/skeinweb/skein/internal/msg"
	"github.com/skeinweb/skein/internal/render"
)

const (
	eventBuffer     = 16
	shutdownTimeout = 3 * time.Second
	statusTimeout   = 2 * time.Second
)

// Deps carries what the shell needs from the rest of the engine.
type Deps struct {
	Config   config.ShellConfig
	Logger   *logging.Logger
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer

	// Status queries the live pipeline table. Nil disables the endpoint.
	Status func(time.Duration) (msg.Status, bool)
}

// Shell is a compositor surface backed by an HTTP server.
type Shell struct {
	deps      Deps
	logger    *logging.Logger
	hub       *hub
	events    chan compositor.Event
	sanitizer *bluemonday.Policy
	inspector *bluemonday.Policy

	srv   *http.Server
	ln    net.Listener
	ready chan struct{}

	mu     sync.Mutex
	closed bool
}

// New builds the shell. Run must be called before frames arrive.
func New(deps Deps) *Shell {
	logger := deps.Logger.Named("shell")
	s := &Shell{
		deps:      deps,
		logger:    logger,
		hub:       newHub(logger, deps.Metrics),
		events:    make(chan compositor.Event, eventBuffer),
		sanitizer: bluemonday.StrictPolicy(),
		inspector: bluemonday.UGCPolicy(),
		ready:     make(chan struct{}),
	}
	s.srv = &http.Server{Handler: s.routes()}
	return s
}

func (s *Shell) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	router.GET("/api/stats", s.handleStats)
	router.GET("/api/pipelines", s.handlePipelines)
	router.POST("/api/inspect", s.handleInspect)

	router.GET("/ws", s.handleWS)
	return router
}

// Run binds the configured address and serves until Close. It signals
// readiness once the listener is bound, so callers may use port zero
// and read the bound address afterwards.
func (s *Shell) Run() error {
	ln, err := net.Listen("tcp", s.deps.Config.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("shell listening", zap.String("addr", ln.Addr().String()))
	close(s.ready)

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WaitReady blocks until the listener is bound or the timeout expires.
func (s *Shell) WaitReady(timeout time.Duration) bool {
	select {
	case <-s.ready:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Addr reports the bound address. Empty before Run binds the listener.
func (s *Shell) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Present implements compositor.Surface by broadcasting the frame to
// every WebSocket subscriber.
func (s *Shell) Present(f *compositor.Frame) error {
	payload, err := encodeFrame(f, s.sanitizer)
	if err != nil {
		return err
	}
	s.hub.broadcast(payload)
	return nil
}

// Events implements compositor.Surface.
func (s *Shell) Events() <-chan compositor.Event {
	return s.events
}

// Close implements compositor.Surface. It disconnects all clients and
// stops the HTTP server. Safe to call more than once.
func (s *Shell) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bound := s.ln != nil
	s.mu.Unlock()

	s.hub.closeAll()
	if !bound {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("shell shutdown", zap.Error(err))
		return err
	}
	s.logger.Info("shell stopped")
	return nil
}

func (s *Shell) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.hub.count(),
	})
}

func (s *Shell) handleStats(c *gin.Context) {
	if s.deps.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics disabled"})
		return
	}
	snap := s.deps.Metrics.GetSnapshot()
	body, err := sonic.Marshal(snap)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (s *Shell) handlePipelines(c *gin.Context) {
	if s.deps.Status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status unavailable"})
		return
	}
	status, ok := s.deps.Status(statusTimeout)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine not responding"})
		return
	}
	body, err := sonic.Marshal(status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

type inspectRequest struct {
	HTML  string `json:"html" binding:"required"`
	Query string `json:"query" binding:"required"`
}

type inspectResponse struct {
	Count   int      `json:"count"`
	Matches []string `json:"matches"`
}

// handleInspect evaluates an XPath query against submitted markup.
// Matched fragments are sanitized before they go back out.
func (s *Shell) handleInspect(c *gin.Context) {
	var req inspectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, err := htmlquery.Parse(strings.NewReader(req.HTML))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "parse: " + err.Error()})
		return
	}
	nodes, err := htmlquery.QueryAll(doc, req.Query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query: " + err.Error()})
		return
	}
	resp := inspectResponse{Count: len(nodes), Matches: make([]string, 0, len(nodes))}
	for _, n := range nodes {
		resp.Matches = append(resp.Matches, s.inspector.Sanitize(htmlquery.OutputHTML(n, true)))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Shell) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	cl := s.hub.add(conn)
	defer s.hub.remove(cl)
	s.logger.Debug("websocket client connected", zap.String("client", cl.id))

	if greeting, err := sonic.Marshal(wsNotice{Type: "hello", Client: cl.id}); err == nil {
		cl.trySend(greeting)
	}
	go cl.writeLoop(s.logger)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed",
					zap.String("client", cl.id), zap.Error(err))
			}
			return
		}
		s.dispatch(cl, data)
	}
}

// dispatch turns a client command into a surface event. Events the
// compositor has not yet drained are dropped rather than blocking the
// read loop.
func (s *Shell) dispatch(cl *client, data []byte) {
	var cmd wsCommand
	if err := sonic.Unmarshal(data, &cmd); err != nil {
		s.sendError(cl, "malformed command: "+err.Error())
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordWSMessage("in", cmd.Type)
	}
	switch cmd.Type {
	case "navigate":
		if cmd.URL == "" {
			s.sendError(cl, "navigate requires url")
			return
		}
		s.pushEvent(compositor.NavigateEvent{URL: cmd.URL})
	case "back":
		s.pushEvent(compositor.HistoryEvent{Dir: msg.Back})
	case "forward":
		s.pushEvent(compositor.HistoryEvent{Dir: msg.Forward})
	case "resize":
		if cmd.Width <= 0 || cmd.Height <= 0 {
			s.sendError(cl, "resize requires positive width and height")
			return
		}
		s.pushEvent(compositor.ResizeEvent{Size: render.Size{Width: cmd.Width, Height: cmd.Height}})
	case "quit":
		s.pushEvent(compositor.QuitEvent{})
	case "ping":
		if pong, err := sonic.Marshal(wsNotice{Type: "pong"}); err == nil {
			cl.trySend(pong)
		}
	default:
		s.sendError(cl, "unknown command type: "+cmd.Type)
	}
}

func (s *Shell) pushEvent(ev compositor.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("surface event dropped", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (s *Shell) sendError(cl *client, message string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordWSMessage("out", "error")
	}
	if payload, err := sonic.Marshal(wsNotice{Type: "error", Message: message}); err == nil {
		cl.trySend(payload)
	}
}
