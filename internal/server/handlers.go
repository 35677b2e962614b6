package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"nextalk-relay/internal/identity"
	"nextalk-relay/internal/presence"
	"nextalk-relay/internal/relay"
	"nextalk-relay/internal/storage"
	"nextalk-relay/internal/storage/zapadapter"
)

// Store is the read side of storage used by the HTTP API
type Store interface {
	Users(ctx context.Context) ([]storage.User, error)
	UserByID(ctx context.Context, id string) (storage.User, error)
	FetchHistory(ctx context.Context, userA, userB string) ([]storage.Message, error)
}

// Dispatcher relays messages; implemented by *relay.Dispatcher
type Dispatcher interface {
	HandleIncomingMessage(ctx context.Context, in relay.Incoming, origin presence.Conn) (storage.Message, error)
}

// Directory registers and authenticates users; implemented by *identity.Directory
type Directory interface {
	CreateUser(ctx context.Context, r identity.Registration) (storage.User, error)
	VerifyCredentials(ctx context.Context, c identity.Credentials) (storage.User, error)
	IssueToken(u storage.User) (string, error)
	TokenParser
}

type parsers struct {
	createMessagePool fastjson.ParserPool
	authPool          fastjson.ParserPool
}

type handler struct {
	logger     *zap.SugaredLogger
	store      Store
	dispatcher Dispatcher
	directory  Directory
	presence   *presence.Table
	parsers    parsers
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	payload, _ := json.Marshal(errorBody{Error: http.StatusText(status), Message: msg})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// clientMessage drops the sentinel prefix storage puts in front of validation messages
func clientMessage(err error) string {
	return strings.TrimPrefix(err.Error(), storage.ErrValidation.Error()+": ")
}

// fail maps err to a status code and writes it; 5xx are logged with the request id
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrValidation):
		writeError(w, http.StatusBadRequest, clientMessage(err))
	case errors.Is(err, storage.ErrUserExists):
		writeError(w, http.StatusBadRequest, "User already exists")
	case errors.Is(err, identity.ErrPasswordNotSet):
		writeError(w, http.StatusUnauthorized, "Invalid login method, please sign in with your OAuth provider")
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, storage.ErrUserNotExist):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, strings.TrimPrefix(err.Error(), storage.ErrNotFound.Error()+": "))
	default:
		h.logger.Desugar().With(zapadapter.Fields(r.Context())...).Sugar().Errorw("Request failed",
			"method", r.Method,
			"uri", r.URL.RequestURI(),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

// stringField returns the string under name; a missing or null field yields ""
func stringField(v *fastjson.Value, name string) (string, error) {
	f := v.Get(name)
	if f == nil || f.Type() == fastjson.TypeNull {
		return "", nil
	}

	b, err := f.StringBytes()
	if err != nil {
		return "", fmt.Errorf("%w: %s must be a string", storage.ErrValidation, name)
	}
	return string(b), nil
}

// stringFields reads every name from a JSON object body, stopping at the first type error
func stringFields(pool *fastjson.ParserPool, body []byte, names ...string) ([]string, error) {
	p := pool.Get()
	defer pool.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed JSON", storage.ErrValidation)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("%w: body must be a JSON object", storage.ErrValidation)
	}

	out := make([]string, len(names))
	for i, name := range names {
		if out[i], err = stringField(v, name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// index handles HTTP requests on "/" endpoint and lists the API
func (h *handler) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "NexTalk relay is running",
		"endpoints": map[string]interface{}{
			"auth": map[string]string{
				"register": "POST /api/auth/register",
				"login":    "POST /api/auth/login",
			},
			"users": map[string]string{
				"list":   "GET /api/users",
				"online": "GET /api/users/online",
				"get":    "GET /api/users/{id}",
			},
			"messages": map[string]string{
				"get":  "GET /api/messages?userAId=&userBId=",
				"post": "POST /api/messages",
			},
			"health":    "GET /api/health",
			"websocket": "GET /ws",
		},
	})
}

// health handles HTTP requests on "/api/health" endpoint
func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"online": h.presence.Len(),
	})
}

// users handles HTTP requests on "/api/users" endpoint
func (h *handler) users(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.Users(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, users)
}

// onlineUsers handles HTTP requests on "/api/users/online" endpoint
func (h *handler) onlineUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userIds": h.presence.Online(),
	})
}

// userByID handles HTTP requests on "/api/users/{id}" endpoint
func (h *handler) userByID(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.UserByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, u)
}

// history handles GET requests on "/api/messages" endpoint
func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userA, userB := q.Get("userAId"), q.Get("userBId")
	if userA == "" || userB == "" {
		writeError(w, http.StatusBadRequest, "Query parameters \"userAId\" and \"userBId\" are required")
		return
	}

	messages, err := h.store.FetchHistory(r.Context(), userA, userB)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// createMessage handles POST requests on "/api/messages" endpoint
func (h *handler) createMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	fields, err := stringFields(&h.parsers.createMessagePool, body, "senderId", "receiverId", "content")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	in := relay.Incoming{SenderID: fields[0], ReceiverID: fields[1], Content: fields[2]}
	m, err := h.dispatcher.HandleIncomingMessage(r.Context(), in, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, m)
}

// register handles HTTP requests on "/api/auth/register" endpoint
func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	fields, err := stringFields(&h.parsers.authPool, body, "name", "email", "password")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	u, err := h.directory.CreateUser(r.Context(), identity.Registration{
		Name:     fields[0],
		Email:    fields[1],
		Password: fields[2],
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "User registered successfully",
		"user":    u,
	})
}

// login handles HTTP requests on "/api/auth/login" endpoint
func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	fields, err := stringFields(&h.parsers.authPool, body, "email", "password")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	u, err := h.directory.VerifyCredentials(r.Context(), identity.Credentials{Email: fields[0], Password: fields[1]})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	token, err := h.directory.IssueToken(u)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Login successful",
		"token":   token,
		"user":    u,
	})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Route "+r.URL.Path+" not found")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "Method "+r.Method+" is not allowed on "+r.URL.Path)
}
