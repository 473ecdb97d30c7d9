package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gosession/internal/config"
	"github.com/Tyrowin/gosession/internal/logging"
	"github.com/Tyrowin/gosession/internal/project"
	"github.com/Tyrowin/gosession/internal/protocol"
)

const (
	sendBuffer = 256
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second

	// pendingPerBurst bounds the frames held before authentication as a
	// multiple of the rate-limit burst.
	pendingPerBurst = 4
)

// Client is one socket session. It starts in StateAuthenticating, moves to
// StateAuthenticated after a successful login and ends in StateClosed.
type Client struct {
	id     uint64
	server *Server
	conn   *websocket.Conn
	ip     string
	log    *slog.Logger
	logBuf *logging.BufferHandler

	ctx    context.Context
	cancel context.CancelFunc

	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	// procMu serializes frame processing, including the replay after
	// authentication.
	procMu sync.Mutex

	mu      sync.Mutex
	state   State
	authing bool
	auto    bool
	pending []protocol.Frame
	project *project.Project
	display string

	closeOnce sync.Once

	maxMessageSize int64
	rateLimit      config.RateLimitConfig
	rateLimiter    *rateLimiter
	maxPending     int
}

func newClient(s *Server, conn *websocket.Conn, remoteAddr, name string) *Client {
	cfg := s.config.Get()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	buf := logging.NewBufferHandler(s.log.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:             s.nextID.Add(1),
		server:         s,
		conn:           conn,
		ip:             peerIP(remoteAddr),
		logBuf:         buf,
		ctx:            ctx,
		cancel:         cancel,
		send:           make(chan []byte, sendBuffer),
		state:          StateAuthenticating,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimit:      cfg.RateLimit,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		maxPending:     max(pendingPerBurst*cfg.RateLimit.Burst, 1),
	}
	c.log = slog.New(buf).With("conn", c.id)

	go c.resolveDisplay(name)
	c.log.Info("a new client connected to the server", "ip", c.ip)
	return c
}

// resolveDisplay looks up the display name and releases the buffered log.
func (c *Client) resolveDisplay(name string) {
	display := displayName(c.ctx, c.server.resolver, c.ip, name)
	c.mu.Lock()
	c.display = display
	c.mu.Unlock()
	c.logBuf.Flush(slog.String("host", display))
}

// ID returns the connection id, unique for the lifetime of the server.
func (c *Client) ID() uint64 { return c.id }

// IP returns the peer IP.
func (c *Client) IP() string { return c.ip }

// Display returns the resolved display name, or "" while it is resolving.
func (c *Client) Display() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.display
}

// State returns the current protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Project returns the project the client authenticated against, or nil.
func (c *Client) Project() *project.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.project
}

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger { return c.log }

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Send queues msg for the write pump. It reports false when the client is
// closed or its buffer is full.
func (c *Client) Send(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// HandleFrame processes one inbound frame.
func (c *Client) HandleFrame(raw []byte) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	frame, err := protocol.Decode(raw)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			c.log.Warn(perr.Message, "code", perr.Code, "data", perr.Data, "err", perr.Err)
			c.Send(protocol.Err(perr))
		}
		return
	}

	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return
	case StateAuthenticating:
		if c.authing || !frame.IsCore() {
			if len(c.pending) >= c.maxPending {
				queued := len(c.pending)
				c.mu.Unlock()
				c.log.Warn("too many frames before authentication, closing connection", "queued", queued, "limit", c.maxPending)
				c.Close()
				return
			}
			c.pending = append(c.pending, frame)
			c.mu.Unlock()
			return
		}
		c.authing = true
		c.mu.Unlock()
		go c.authenticate(frame.Core)
		return
	}
	c.mu.Unlock()

	c.dispatch(frame)
}

func (c *Client) dispatch(f protocol.Frame) {
	if f.IsCore() {
		c.server.core(c, f.Core)
		return
	}
	c.relay(f.Raw)
}

// relay fans raw out to every other client of the project. A peer whose
// buffer is full is closed.
func (c *Client) relay(raw []byte) {
	p := c.Project()
	if p == nil {
		c.log.Error("unable to relay message, client is not authenticated")
		return
	}

	for _, peer := range p.Peers(c) {
		if peer.Send(raw) {
			continue
		}
		if pc, ok := peer.(*Client); ok && pc.State() != StateClosed {
			pc.log.Warn("client removed due to full send buffer")
			pc.Close()
		}
	}
}

func (c *Client) authenticate(core map[string]json.RawMessage) {
	req, err := protocol.ParseAuth(core)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			c.authFail(perr.Code, perr.Message, nil)
		}
		return
	}

	id, auto := req.ID, false
	init := req.Init
	if !req.HasID {
		id = c.server.config.AutoLogin()
		if id == "" {
			c.authFail(protocol.CodeAutoLoginDisabled, "Unable to authenticate, autologin is disabled", nil)
			return
		}
		auto, init = true, nil
		c.log.Info("using automatic login to project", "project", id)
	} else {
		c.log.Info("trying to connect to project", "project", id)
	}

	p, err := c.server.library.Resolve(c.ctx, id, init)
	if c.ctx.Err() != nil {
		return
	}
	if err != nil {
		msg := "Unable to load project: " + id
		var le *project.LoadError
		if errors.As(err, &le) {
			msg += " (" + le.Kind.String() + ")"
		}
		c.authFail(protocol.CodeProjectLoadFailed, msg, err)
		return
	}
	if p == nil {
		c.authFail(protocol.CodeProjectLoadFailed, "Unable to load project: "+id, nil)
		return
	}

	if err := p.Authenticate(c.server.hasher, req.Pwd, req.HasPwd); err != nil {
		var ae *project.AuthError
		if errors.As(err, &ae) {
			c.authFail(ae.Code, ae.Message, ae.Err)
			return
		}
		c.authFail(protocol.CodeCredentialMismatch, "Password was incorrect", err)
		return
	}

	c.authSuccess(p, auto)
}

func (c *Client) authFail(code int, message string, cause error) {
	c.log.Warn("authentication failed", "code", code, "message", message, "err", cause)
	c.Send(protocol.AuthErr(code, message))
	c.Close()
}

func (c *Client) authSuccess(p *project.Project, auto bool) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.project = p
	c.state = StateAuthenticated
	c.authing = false
	c.auto = auto
	p.Attach(c)
	if auto {
		c.server.addAutoLogin(c)
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.Send(protocol.Authed(p.ID(), c.id))
	c.log.Info("authenticated to project", "project", p.ID(), "replayed", len(pending))

	for _, f := range pending {
		c.dispatch(f)
	}
}

// Close ends the session. It detaches the client from its project and the
// auto-login registry and stops the write pump. Only the first call has an
// effect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		p := c.project
		c.pending = nil
		c.mu.Unlock()

		c.cancel()
		if p != nil {
			p.Detach(c)
		}
		c.server.removeAutoLogin(c)

		c.sendMu.Lock()
		c.sendClosed = true
		close(c.send)
		c.sendMu.Unlock()

		c.server.hub.unregisterClient(c)
		c.log.Info("disconnected from the server")
		if fn := c.server.hooks.OnDisconnect; fn != nil {
			fn(c)
		}
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error("error setting initial read deadline", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Error("error setting read deadline in pong handler", "err", err)
		}
		return nil
	})
}

// handleReadError logs the reason the read loop ends.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("client disconnected", "err", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("client connection closed", "err", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected WebSocket error", "err", err)
	default:
		c.log.Warn("WebSocket read error", "err", err)
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn("rate limit exceeded; discarding message",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error("error closing connection in readPump", "err", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if !c.checkRateLimit() {
			continue
		}
		c.HandleFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the WebSocket connection, ignoring expected errors.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Error("error closing connection in writePump", "err", err)
	}
}

// handleMessage writes one outgoing frame, or the close frame once the
// send channel is closed.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Error("error setting write deadline", "err", err)
		return false
	}

	if !ok {
		c.writeCloseMessage()
		return false
	}

	// Every envelope is its own frame, so queued messages are not coalesced.
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Error("error writing message", "err", err)
		}
		return false
	}
	return true
}

func (c *Client) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Error("error writing close message", "err", err)
	}
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Error("error setting write deadline for ping", "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Error("error writing ping message", "err", err)
		return false
	}
	return true
}
