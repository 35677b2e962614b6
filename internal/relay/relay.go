// Package relay persists incoming chat messages and forwards them to live connections.
package relay

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"nextalk-relay/internal/presence"
	"nextalk-relay/internal/storage"
	"nextalk-relay/internal/storage/zapadapter"
)

const (
	EventNewMessage = "newMessage"
	EventError      = "error"
)

// DefaultStorageTimeout bounds every storage call made while relaying a message
const DefaultStorageTimeout = 5 * time.Second

// Store is the part of the conversation store the dispatcher needs
type Store interface {
	ResolveConversation(ctx context.Context, userA, userB string) (storage.Conversation, error)
	AppendMessage(ctx context.Context, chat, author, text string) (storage.Message, error)
}

// Presence resolves a user id to its live connection
type Presence interface {
	Lookup(userID string) (presence.Conn, bool)
}

// Incoming is a message submitted by a client over HTTP or a live connection
type Incoming struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// Validate reports the first missing or empty field
func (in Incoming) Validate() error {
	switch {
	case in.SenderID == "":
		return &ValidationError{Field: "senderId", Reason: "is required"}
	case in.ReceiverID == "":
		return &ValidationError{Field: "receiverId", Reason: "is required"}
	case in.Content == "":
		return &ValidationError{Field: "content", Reason: "is required"}
	case strings.TrimSpace(in.Content) == "":
		return &ValidationError{Field: "content", Reason: "cannot be empty"}
	}
	return nil
}

type Option func(*Dispatcher)

// StorageTimeout overrides DefaultStorageTimeout
func StorageTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// Dispatcher is the single message path shared by the HTTP API and websocket connections
type Dispatcher struct {
	logger   *zap.SugaredLogger
	store    Store
	presence Presence
	timeout  time.Duration
}

func NewDispatcher(logger *zap.SugaredLogger, store Store, presence Presence, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:   logger,
		store:    store,
		presence: presence,
		timeout:  DefaultStorageTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleIncomingMessage validates and persists a message, then delivers it to the receiver's
// live connection when there is one. The persisted message is always echoed to origin; when
// origin is nil (HTTP submissions) the sender's own live connection, if any, gets the echo.
// Delivery problems are logged only: once persisted the message shows up in history anyway.
func (d *Dispatcher) HandleIncomingMessage(ctx context.Context, in Incoming, origin presence.Conn) (storage.Message, error) {
	if err := in.Validate(); err != nil {
		return storage.Message{}, err
	}

	log := d.logger.Desugar().With(zapadapter.Fields(ctx)...).Sugar()

	chat, err := d.resolve(ctx, in.SenderID, in.ReceiverID)
	if err != nil {
		return storage.Message{}, err
	}

	m, err := d.append(ctx, chat.ID, in.SenderID, in.Content)
	if err != nil {
		return storage.Message{}, err
	}

	log.Debugf("Message %s saved in chat %s", m.ID, chat.ID)

	var deliveredTo string
	if conn, ok := d.presence.Lookup(in.ReceiverID); ok {
		d.emit(log, conn, m)
		deliveredTo = conn.ID()
	} else {
		log.Debugf("Receiver %s is offline", in.ReceiverID)
	}

	if origin == nil {
		if conn, ok := d.presence.Lookup(in.SenderID); ok {
			origin = conn
		}
	}
	if origin != nil && origin.ID() != deliveredTo {
		d.emit(log, origin, m)
	}

	return m, nil
}

func (d *Dispatcher) resolve(ctx context.Context, userA, userB string) (storage.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.store.ResolveConversation(ctx, userA, userB)
}

func (d *Dispatcher) append(ctx context.Context, chat, author, text string) (storage.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.store.AppendMessage(ctx, chat, author, text)
}

func (d *Dispatcher) emit(log *zap.SugaredLogger, conn presence.Conn, m storage.Message) {
	if err := conn.Emit(EventNewMessage, m); err != nil {
		log.Warnw("Failed to deliver message", "message_id", m.ID, "target_conn", conn.ID(), "error", err)
	}
}
