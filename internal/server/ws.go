package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"nextalk-relay/internal/identity"
	"nextalk-relay/internal/presence"
	"nextalk-relay/internal/relay"
	"nextalk-relay/internal/storage"
	"nextalk-relay/internal/storage/zapadapter"
)

const (
	EventJoin        = "join"
	EventChatMessage = "chat message"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
	sendBuffer   = 64
)

// Frames above maxFrameSize are drained and answered with an error event.
// Frames above transportLimit make gorilla drop the connection.
const transportLimit = 1 << 20

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

type connState int

const (
	stateAnonymous connState = iota
	stateJoined
	stateClosed
)

// envelope is the frame format in both directions
type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type errorEvent struct {
	Message string `json:"message"`
}

// TokenParser verifies session tokens; implemented by *identity.Directory
type TokenParser interface {
	ParseToken(token string) (*identity.Claims, error)
}

// wsConn is a live websocket connection. Emit may be called from any goroutine.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	logger *zap.SugaredLogger
	send   chan []byte

	// subject is the user id proven by a session token, empty for anonymous upgrades
	subject string

	mu    sync.Mutex
	state connState
}

func (c *wsConn) ID() string { return c.id }

// Emit queues an event for the write pump
func (c *wsConn) Emit(event string, payload interface{}) error {
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		return ErrConnClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *wsConn) emitError(msg string) {
	if err := c.Emit(relay.EventError, errorEvent{Message: msg}); err != nil {
		c.logger.Warnf("Failed to emit error event: %v", err)
	}
}

// markClosed moves the connection to its terminal state and stops the write pump
func (c *wsConn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateClosed {
		c.state = stateClosed
		close(c.send)
	}
}

func (c *wsConn) setState(s connState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateClosed {
		c.state = s
	}
}

// writePump owns all writes to the socket
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debugf("Write failed: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsHandler upgrades requests on "/ws" and runs the connection lifecycle
type wsHandler struct {
	logger     *zap.SugaredLogger
	presence   *presence.Table
	dispatcher Dispatcher
	tokens     TokenParser
	upgrader   websocket.Upgrader
	parsers    fastjson.ParserPool

	mu    sync.Mutex
	conns map[string]*wsConn
}

func newWSHandler(logger *zap.SugaredLogger, table *presence.Table, dispatcher Dispatcher, tokens TokenParser, origin string) *wsHandler {
	h := &wsHandler{
		logger:     logger,
		presence:   table,
		dispatcher: dispatcher,
		tokens:     tokens,
		conns:      make(map[string]*wsConn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(origin),
	}
	return h
}

// checkOrigin accepts non-browser clients, the configured origin and same-host pages
func checkOrigin(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "*" || origin == allowed {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// bearerToken reads the token from the Authorization header or, for browsers that
// cannot set headers on a websocket, from the "token" query parameter
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var subject string
	if token := bearerToken(r); token != "" && h.tokens != nil {
		claims, err := h.tokens.ParseToken(token)
		if err != nil {
			h.logger.Debugf("Rejected websocket token: %v", err)
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		subject = claims.Subject
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	id := xid.New().String()
	c := &wsConn{
		id:      id,
		ws:      ws,
		logger:  h.logger.With("conn_id", id),
		send:    make(chan []byte, sendBuffer),
		subject: subject,
	}

	ctx := zapadapter.NewContextWithConnID(context.Background(), id)
	if reqID, ok := zapadapter.IDFromContext(r.Context()); ok {
		ctx = zapadapter.NewContextWithID(ctx, reqID)
	}

	h.track(c)
	c.logger.Infof("Connection opened from %s", r.RemoteAddr)

	go c.writePump()
	h.readLoop(ctx, c)
}

// readLoop handles events of one connection in arrival order until the transport closes
func (h *wsHandler) readLoop(ctx context.Context, c *wsConn) {
	defer func() {
		if userID, ok := h.presence.Unregister(c); ok {
			c.logger.Infof("User %s went offline", userID)
		}
		c.markClosed()
		h.untrack(c)
		_ = c.ws.Close()
		c.logger.Info("Connection closed")
	}()

	c.ws.SetReadLimit(transportLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warnf("Unexpected close: %v", err)
			}
			return
		}

		frame, err := io.ReadAll(io.LimitReader(r, maxFrameSize+1))
		if err != nil {
			c.logger.Debugf("Read failed: %v", err)
			return
		}

		if len(frame) > maxFrameSize {
			if _, err := io.Copy(io.Discard, r); err != nil {
				c.logger.Debugf("Read failed: %v", err)
				return
			}
			c.logger.Warnf("Dropped frame over %d bytes", maxFrameSize)
			c.emitError(fmt.Sprintf("Frame exceeds %d bytes", maxFrameSize))
			continue
		}

		h.handleFrame(ctx, c, frame)
	}
}

// handleFrame decodes an envelope and runs its event. Bad input never closes the connection.
func (h *wsHandler) handleFrame(ctx context.Context, c *wsConn, frame []byte) {
	p := h.parsers.Get()
	defer h.parsers.Put(p)

	v, err := p.ParseBytes(frame)
	if err != nil || v.Type() != fastjson.TypeObject {
		c.logger.Debugf("Malformed frame: %q", frame)
		c.emitError("Malformed frame")
		return
	}

	event := string(v.GetStringBytes("event"))
	data := v.Get("data")

	switch event {
	case EventJoin:
		h.join(c, data)
	case EventChatMessage:
		h.chatMessage(ctx, c, data)
	default:
		c.logger.Debugf("Unknown event %q", event)
		c.emitError("Unknown event \"" + event + "\"")
	}
}

// join binds the connection to a user id. The payload is either {"userId": "..."} or the bare id.
func (h *wsHandler) join(c *wsConn, data *fastjson.Value) {
	var userID string
	switch {
	case data == nil:
	case data.Type() == fastjson.TypeString:
		userID = string(data.GetStringBytes())
	case data.Type() == fastjson.TypeObject:
		userID = string(data.GetStringBytes("userId"))
	}

	if userID == "" {
		c.logger.Warn("Join without user id")
		c.emitError("userId is required")
		return
	}

	if c.subject != "" && userID != c.subject {
		c.logger.Warnf("Join as %s refused, token belongs to %s", userID, c.subject)
		c.emitError("userId does not match token")
		return
	}

	h.presence.Register(userID, c)
	c.setState(stateJoined)
	c.logger.Infof("User %s joined", userID)
}

func (h *wsHandler) chatMessage(ctx context.Context, c *wsConn, data *fastjson.Value) {
	if data == nil || data.Type() != fastjson.TypeObject {
		c.emitError("Message payload must be an object")
		return
	}

	var fields [3]string
	for i, name := range []string{"senderId", "receiverId", "content"} {
		s, err := stringField(data, name)
		if err != nil {
			c.emitError(clientMessage(err))
			return
		}
		fields[i] = s
	}

	in := relay.Incoming{SenderID: fields[0], ReceiverID: fields[1], Content: fields[2]}
	if c.subject != "" && in.SenderID != c.subject {
		c.emitError("senderId does not match token")
		return
	}

	if _, err := h.dispatcher.HandleIncomingMessage(ctx, in, c); err != nil {
		if errors.Is(err, storage.ErrValidation) {
			c.emitError(clientMessage(err))
			return
		}
		c.logger.Errorf("Relaying message from %s failed: %v", in.SenderID, err)
		c.emitError("Failed to send message")
	}
}

func (h *wsHandler) track(c *wsConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *wsHandler) untrack(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

// closeAll drops every open connection; http.Server.Shutdown does not touch hijacked ones
func (h *wsHandler) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.conns {
		_ = c.ws.Close()
	}
}
