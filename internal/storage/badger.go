package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// resolveAttempts bounds how many times a conflicting find-or-create transaction is retried
const resolveAttempts = 5

// BadgerStore is the embedded conversation store and user directory.
//
// Keys are laid out so that prefix scans return records in the order callers need:
//
//	user:{id}                         -> diskUser
//	email:{email}                     -> user id
//	conv:{id}                         -> Conversation
//	pair:{len(low)}:{low}:{high}      -> conversation id
//	msg:{chat}:{unix nano %019d}:{id} -> Message
type BadgerStore struct {
	logger *zap.SugaredLogger
	db     *badger.DB
}

// diskUser keeps the password hash that User hides from JSON
type diskUser struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Image        string    `json:"image"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewBadger opens a Badger database at path. An empty path keeps everything in memory.
func NewBadger(logger *zap.SugaredLogger, path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{logger: logger, db: db}, nil
}

// Migrate is a no-op, Badger has no schema
func (s *BadgerStore) Migrate(context.Context) error { return nil }

func (s *BadgerStore) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Errorf("closing badger: %v", err)
	}
}

func userKey(id string) []byte     { return []byte("user:" + id) }
func emailKey(email string) []byte { return []byte("email:" + email) }
func convKey(id string) []byte     { return []byte("conv:" + id) }
func msgPrefix(chat string) []byte { return []byte("msg:" + chat + ":") }

// pairKey length-prefixes low so no choice of ids makes two pairs share a key
func pairKey(low, high string) []byte {
	return []byte(fmt.Sprintf("pair:%d:%s:%s", len(low), low, high))
}

func msgKey(m Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", m.ConversationID, m.CreatedAt.UnixNano(), m.ID))
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (s *BadgerStore) CreateUser(_ context.Context, u User) (User, error) {
	u.ID = uuid.NewString()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.CreatedAt = now()

	s.logger.Debugf("Creating user (%s)", u.Email)

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(emailKey(u.Email)); err == nil {
			return ErrUserExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(emailKey(u.Email), []byte(u.ID)); err != nil {
			return err
		}
		return setJSON(txn, userKey(u.ID), diskUser(u))
	})
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			return User{}, ErrUserExists
		}
		return User{}, wrap("create user", err)
	}

	s.logger.Debugf("Created user (%s) with id %s", u.Email, u.ID)

	return u, nil
}

func (s *BadgerStore) UserByID(_ context.Context, id string) (User, error) {
	var du diskUser
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &du)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return User{}, ErrUserNotExist
		}
		return User{}, wrap("get user", err)
	}
	return User(du), nil
}

func (s *BadgerStore) UserByEmail(_ context.Context, email string) (User, error) {
	var du diskUser
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(emailKey(strings.ToLower(strings.TrimSpace(email))))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, userKey(string(id)), &du)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return User{}, ErrUserNotExist
		}
		return User{}, wrap("get user", err)
	}
	return User(du), nil
}

// Users returns every registered user, newest first
func (s *BadgerStore) Users(_ context.Context) ([]User, error) {
	s.logger.Debug("Retrieving users")

	users := make([]User, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var du diskUser
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &du)
			}); err != nil {
				return err
			}
			users = append(users, User(du))
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list users", err)
	}

	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.After(users[j].CreatedAt)
	})

	s.logger.Debugf("Retrieved %d users", len(users))

	return users, nil
}

// ResolveConversation returns the conversation between two users, creating it on first use.
// The lookup and the insert share one transaction; when two first calls race, Badger aborts
// one of them with ErrConflict and the retry finds the record the winner committed.
func (s *BadgerStore) ResolveConversation(_ context.Context, userA, userB string) (Conversation, error) {
	low, high, err := orderedPair(userA, userB)
	if err != nil {
		return Conversation{}, err
	}

	s.logger.Debugf("Resolving chat between (%s) and (%s)", low, high)

	for attempt := 1; attempt <= resolveAttempts; attempt++ {
		var c Conversation
		err = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(pairKey(low, high))
			switch {
			case err == nil:
				id, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				return getJSON(txn, convKey(string(id)), &c)
			case errors.Is(err, badger.ErrKeyNotFound):
				c = Conversation{
					ID:        uuid.NewString(),
					UserIDs:   []string{userA, userB},
					CreatedAt: now(),
				}
				if err := txn.Set(pairKey(low, high), []byte(c.ID)); err != nil {
					return err
				}
				return setJSON(txn, convKey(c.ID), c)
			default:
				return err
			}
		})
		if err == nil {
			s.logger.Debugf("Resolved chat (id: %s)", c.ID)
			return c, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return Conversation{}, wrap("resolve chat", err)
		}
		s.logger.Debugf("Chat resolution for (%s, %s) conflicted, attempt %d", low, high, attempt)
	}

	return Conversation{}, ErrConversationRace
}

// AppendMessage stores a message under its chat, keyed by creation time
func (s *BadgerStore) AppendMessage(_ context.Context, chat, author, text string) (Message, error) {
	text, err := checkMessage(chat, author, text)
	if err != nil {
		return Message{}, err
	}

	s.logger.Debugf("Creating message from user (id: %s) in chat (id: %s)", author, chat)

	m := Message{
		ID:             uuid.NewString(),
		ConversationID: chat,
		SenderID:       author,
		Content:        text,
		CreatedAt:      now(),
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(chat)); err != nil {
			return err
		}
		return setJSON(txn, msgKey(m), m)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Message{}, ErrChatNotExist
		}
		return Message{}, wrap("create message", err)
	}

	return m, nil
}

// MessagesByConversation returns chat messages from earliest to latest.
// The zero padded timestamp in the key makes the prefix scan chronological.
func (s *BadgerStore) MessagesByConversation(_ context.Context, chat string) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for chat (id: %s)", chat)

	messages := make([]Message, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(chat)); err != nil {
			return err
		}

		prefix := msgPrefix(chat)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrChatNotExist
		}
		return nil, wrap("retrieve messages", err)
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// FetchHistory resolves (or creates) the chat between two users and returns its messages
func (s *BadgerStore) FetchHistory(ctx context.Context, userA, userB string) ([]Message, error) {
	return fetchHistory(ctx, s, userA, userB)
}

// badgerLogger routes Badger's internal logging to zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
