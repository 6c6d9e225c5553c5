// ABOUTME: Websocket endpoint for the relay: token-authorized subscribe and publish
// ABOUTME: Enforces channel scope per capability token and ends sessions on token expiry

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-support/internal/auth"
	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	outboundBuffer = 256
)

// TokenVerifier checks capability tokens presented on connect.
type TokenVerifier interface {
	Verify(token string) (*capability.Claims, error)
}

// MessageAppender persists a client-published message. It is responsible
// for broadcasting the stored record; the relay never fans out the frame the
// client sent.
type MessageAppender interface {
	AppendMessage(ctx context.Context, conversationID string, sender store.SenderType, body string) (*store.Message, error)
}

// Server upgrades HTTP requests to relay websocket sessions.
type Server struct {
	hub      *Hub
	verifier TokenVerifier
	appender MessageAppender
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a relay websocket server on top of hub. Published
// messages go through appender.
func NewServer(hub *Hub, verifier TokenVerifier, appender MessageAppender, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:      hub,
		verifier: verifier,
		appender: appender,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The widget is embedded on third-party sites; the token is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "relay-server"),
		conns:  make(map[*serverConn]struct{}),
	}
}

// ServeHTTP handles GET /relay. The token comes from ?token= or a bearer header.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.ExtractBearerToken(r.Header.Get("Authorization"))
	}

	claims, err := s.verifier.Verify(token)
	if err != nil {
		code := CodeUnauthorized
		if errors.Is(err, capability.ErrTokenExpired) {
			code = CodeTokenExpired
		}
		s.logger.Debug("relay handshake rejected", "code", code, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(HandshakeError{Code: code, Message: err.Error()})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &serverConn{
		srv:    s,
		ws:     ws,
		claims: claims,
		out:    make(chan Frame, outboundBuffer),
		subs:   make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With("channel", claims.Channel, "role", claims.Role),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	}()

	c.run()
}

// Close terminates every open session and waits for them to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// serverConn is one websocket session bound to one capability token.
type serverConn struct {
	srv    *Server
	ws     *websocket.Conn
	claims *capability.Claims
	out    chan Frame
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]string // channel -> hub subscription ID
}

func (c *serverConn) run() {
	c.logger.Debug("relay session opened")

	var expiry *time.Timer
	if c.claims.ExpiresAt != nil {
		expiry = time.AfterFunc(time.Until(c.claims.ExpiresAt.Time), func() {
			c.terminate(CodeTokenExpired, "capability token expired")
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()
	c.cancel()
	<-writerDone

	if expiry != nil {
		expiry.Stop()
	}
	c.unsubscribeAll()
	_ = c.ws.Close()
	c.logger.Debug("relay session closed")
}

func (c *serverConn) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Unblock ReadJSON when the session is cancelled from elsewhere
	go func() {
		<-c.ctx.Done()
		_ = c.ws.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				c.logger.Debug("relay read error", "error", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.send(Frame{Type: FrameError, Code: CodeBadFrame, Message: "frame is not valid JSON"})
			continue
		}
		c.handle(f)
	}
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.cancel()
				return
			}
			if f.Type == FrameError && isTerminal(f.Code) {
				c.writeClose(websocket.ClosePolicyViolation, f.Code)
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.writeClose(websocket.CloseGoingAway, "")
			return
		}
	}
}

func (c *serverConn) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func isTerminal(code string) bool {
	return code == CodeTokenExpired || code == CodeUnauthorized || code == CodeEvicted
}

func (c *serverConn) send(f Frame) {
	select {
	case c.out <- f:
	case <-c.ctx.Done():
	}
}

// terminate sends a terminal error frame; the writer closes the session after it.
func (c *serverConn) terminate(code, msg string) {
	c.logger.Info("terminating relay session", "code", code)
	c.send(Frame{Type: FrameError, Code: code, Message: msg})
}

func (c *serverConn) handle(f Frame) {
	switch f.Type {
	case FrameSubscribe:
		c.subscribe(f.Channel)
	case FrameUnsubscribe:
		c.unsubscribe(f.Channel)
	case FramePublish:
		c.publish(f)
	case FramePing:
		c.send(Frame{Type: FramePong})
	default:
		c.send(Frame{Type: FrameError, Code: CodeBadFrame, Message: "unknown frame type " + f.Type})
	}
}

func (c *serverConn) subscribe(channel string) {
	if !c.claims.CanSubscribe(channel) {
		c.logger.Warn("subscribe outside token scope", "requested", channel)
		c.send(Frame{Type: FrameError, Channel: channel, Code: CodeForbidden, Message: "token does not grant subscribe on " + channel})
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[channel]; ok {
		c.mu.Unlock()
		c.send(Frame{Type: FrameSubscribed, Channel: channel})
		return
	}
	stream, subID := c.srv.hub.Subscribe(c.ctx, channel)
	c.subs[channel] = subID
	c.mu.Unlock()

	// Ack before forwarding so the client sees subscribed ahead of replayed events
	c.send(Frame{Type: FrameSubscribed, Channel: channel})
	go c.forward(channel, subID, stream)
}

func (c *serverConn) forward(channel, subID string, stream <-chan Event) {
	for ev := range stream {
		ev := ev
		c.send(Frame{Type: FrameEvent, Channel: channel, Event: &ev})
	}

	// Stream closed: unsubscribe, session end, or eviction by the hub
	c.mu.Lock()
	current, stillSubscribed := c.subs[channel]
	evicted := stillSubscribed && current == subID && c.ctx.Err() == nil
	if evicted {
		delete(c.subs, channel)
	}
	c.mu.Unlock()

	if evicted {
		c.terminate(CodeEvicted, "subscriber fell behind")
	}
}

func (c *serverConn) unsubscribe(channel string) {
	c.mu.Lock()
	subID, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()

	if ok {
		c.srv.hub.Unsubscribe(channel, subID)
	}
	c.send(Frame{Type: FrameUnsubscribed, Channel: channel})
}

func (c *serverConn) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]string)
	c.mu.Unlock()

	for channel, subID := range subs {
		c.srv.hub.Unsubscribe(channel, subID)
	}
}

// publishPayload is the part of a client's message event the relay trusts.
// Sender and ID come from the token and the store.
type publishPayload struct {
	Body string `json:"body"`
}

func (c *serverConn) publish(f Frame) {
	if f.Event == nil {
		c.send(Frame{Type: FrameError, Code: CodeBadFrame, Message: "publish requires an event"})
		return
	}

	ev := *f.Event
	if f.Channel != "" {
		ev.Channel = f.Channel
	}
	if !c.claims.CanPublish(ev.Channel, ev.Name) {
		c.logger.Warn("publish outside token scope", "requested", ev.Channel, "event", ev.Name)
		c.send(Frame{Type: FrameError, Channel: ev.Channel, Code: CodeForbidden, Message: "token does not grant publish of " + ev.Name})
		return
	}

	var payload publishPayload
	if len(ev.Data) == 0 || json.Unmarshal(ev.Data, &payload) != nil || strings.TrimSpace(payload.Body) == "" {
		c.send(Frame{Type: FrameError, Channel: ev.Channel, Code: CodeBadFrame, Message: "message event needs a non-empty body"})
		return
	}
	if c.srv.appender == nil {
		c.send(Frame{Type: FrameError, Channel: ev.Channel, Code: CodeRejected, Message: "relay does not accept messages"})
		return
	}

	msg, err := c.srv.appender.AppendMessage(c.ctx, c.claims.ConversationID(), senderFor(c.claims.Role), payload.Body)
	if err != nil {
		// A non-nil msg means it was persisted but not broadcast; history still carries it
		c.logger.Debug("publish rejected", "persisted", msg != nil, "error", err)
		c.send(Frame{Type: FrameError, Channel: ev.Channel, Code: CodeRejected, Message: err.Error()})
		return
	}
	c.logger.Debug("client message appended", "message_id", msg.ID, "client_event_id", ev.ID)
}

func senderFor(role capability.Role) store.SenderType {
	if role == capability.RoleAgent {
		return store.SenderAgent
	}
	return store.SenderVisitor
}
