package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/caarlos0/env/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mytesting "nextalk-relay/internal/testing"
)

// backend is the method set shared by Store and BadgerStore
type backend interface {
	CreateUser(ctx context.Context, u User) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	Users(ctx context.Context) ([]User, error)
	ResolveConversation(ctx context.Context, userA, userB string) (Conversation, error)
	AppendMessage(ctx context.Context, chat, author, text string) (Message, error)
	MessagesByConversation(ctx context.Context, chat string) ([]Message, error)
	FetchHistory(ctx context.Context, userA, userB string) ([]Message, error)
}

var (
	_ backend = (*Store)(nil)
	_ backend = (*BadgerStore)(nil)
)

func bootstrapBadger(t *testing.T) *BadgerStore {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s, err := NewBadger(logger.Sugar(), "")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

// bootstrapPostgres connects using DB_* variables; it only runs when TEST_POSTGRES is set
func bootstrapPostgres(t *testing.T) *Store {
	if os.Getenv("TEST_POSTGRES") == "" {
		t.Skip("TEST_POSTGRES is not set")
	}

	var cfg Config
	require.NoError(t, env.Parse(&cfg))

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s, err := New(context.Background(), logger.Sugar(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(s.Close)

	return s
}

func backends(t *testing.T) map[string]func(*testing.T) backend {
	return map[string]func(*testing.T) backend{
		"badger":   func(t *testing.T) backend { return bootstrapBadger(t) },
		"postgres": func(t *testing.T) backend { return bootstrapPostgres(t) },
	}
}

func TestResolveConversationIdempotent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			a, b := mytesting.RandUserID(), mytesting.RandUserID()

			first, err := s.ResolveConversation(ctx, a, b)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{a, b}, first.UserIDs)

			second, err := s.ResolveConversation(ctx, a, b)
			require.NoError(t, err)
			require.Equal(t, first.ID, second.ID)

			swapped, err := s.ResolveConversation(ctx, b, a)
			require.NoError(t, err)
			require.Equal(t, first.ID, swapped.ID)
		})
	}
}

func TestResolveConversationDistinctPairs(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			ids := []string{mytesting.RandUserID(), mytesting.RandUserID(), mytesting.RandUserID(), mytesting.RandUserID()}
			seen := make(map[string]bool)
			for _, pair := range mytesting.BatchUserIDs(ids) {
				c, err := s.ResolveConversation(ctx, pair[0], pair[1])
				require.NoError(t, err)
				require.False(t, seen[c.ID])
				seen[c.ID] = true
			}
			require.Len(t, seen, len(ids)-1)

			for _, pair := range mytesting.BatchUserIDs(mytesting.ReverseIDs(ids)) {
				c, err := s.ResolveConversation(ctx, pair[0], pair[1])
				require.NoError(t, err)
				if pair[1] == ids[0] {
					require.True(t, seen[c.ID])
				}
			}

			// ids sharing a key separator still name different pairs
			prefix := mytesting.RandUserID()
			c1, err := s.ResolveConversation(ctx, prefix+":b", prefix+":c")
			require.NoError(t, err)
			c2, err := s.ResolveConversation(ctx, prefix+":b:"+prefix, "c")
			require.NoError(t, err)
			c3, err := s.ResolveConversation(ctx, prefix, "b:"+prefix+":c")
			require.NoError(t, err)
			require.NotEqual(t, c1.ID, c2.ID)
			require.NotEqual(t, c1.ID, c3.ID)
			require.NotEqual(t, c2.ID, c3.ID)
		})
	}
}

func TestResolveConversationConcurrent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			a, b := mytesting.RandUserID(), mytesting.RandUserID()

			const n = 8
			ids := make([]string, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					userA, userB := a, b
					if i%2 == 1 {
						userA, userB = b, a
					}
					c, err := s.ResolveConversation(context.Background(), userA, userB)
					if err == nil {
						ids[i] = c.ID
					}
				}(i)
			}
			wg.Wait()

			for _, id := range ids {
				require.NotEmpty(t, id)
				require.Equal(t, ids[0], id)
			}
		})
	}
}

func TestResolveConversationBadUsers(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			_, err := s.ResolveConversation(context.Background(), "", mytesting.RandUserID())
			require.ErrorIs(t, err, ErrValidation)
			require.Equal(t, ErrChatBadUsers, err)

			_, err = s.ResolveConversation(context.Background(), "a\x00b", "c")
			require.Equal(t, ErrChatBadUserID, err)
			_, err = s.ResolveConversation(context.Background(), "a", "b\x00c")
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestAppendMessage(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			a, b := mytesting.RandUserID(), mytesting.RandUserID()

			c, err := s.ResolveConversation(ctx, a, b)
			require.NoError(t, err)

			m, err := s.AppendMessage(ctx, c.ID, a, "  Hi There!  ")
			require.NoError(t, err)
			require.NotEmpty(t, m.ID)
			require.Equal(t, c.ID, m.ConversationID)
			require.Equal(t, a, m.SenderID)
			require.Equal(t, "Hi There!", m.Content)
			require.False(t, m.CreatedAt.IsZero())
		})
	}
}

func TestAppendMessageValidation(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			a, b := mytesting.RandUserID(), mytesting.RandUserID()

			c, err := s.ResolveConversation(ctx, a, b)
			require.NoError(t, err)

			for _, content := range []string{"", "   ", "\n\t "} {
				_, err = s.AppendMessage(ctx, c.ID, a, content)
				require.Equal(t, ErrMessageBadContent, err)
				require.True(t, errors.Is(err, ErrValidation))
			}

			_, err = s.AppendMessage(ctx, "", a, "hi")
			require.Equal(t, ErrMessageBadChat, err)

			_, err = s.AppendMessage(ctx, c.ID, "", "hi")
			require.Equal(t, ErrMessageBadAuthor, err)

			history, err := s.FetchHistory(ctx, a, b)
			require.NoError(t, err)
			require.Empty(t, history)
		})
	}
}

func TestAppendMessageBadChat(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			_, err := s.AppendMessage(context.Background(), "00000000-0000-0000-0000-000000000000", mytesting.RandUserID(), "Hi There!")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFetchHistoryOrdered(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			a, b := mytesting.RandUserID(), mytesting.RandUserID()

			history, err := s.FetchHistory(ctx, a, b)
			require.NoError(t, err)
			require.NotNil(t, history)
			require.Empty(t, history)

			c, err := s.ResolveConversation(ctx, a, b)
			require.NoError(t, err)

			sent := make([]string, 0, 10)
			for i := 0; i < 10; i++ {
				author := a
				if i%2 == 1 {
					author = b
				}
				m, err := s.AppendMessage(ctx, c.ID, author, mytesting.RandString())
				require.NoError(t, err)
				sent = append(sent, m.ID)
			}

			history, err = s.FetchHistory(ctx, b, a)
			require.NoError(t, err)
			require.Len(t, history, len(sent))

			for i := 1; i < len(history); i++ {
				require.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
			}
			for _, m := range history {
				require.Contains(t, sent, m.ID)
				require.Equal(t, c.ID, m.ConversationID)
			}
		})
	}
}

func TestMessagesByConversationNotExist(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			_, err := s.MessagesByConversation(context.Background(), "00000000-0000-0000-0000-000000000000")
			require.Equal(t, ErrChatNotExist, err)
		})
	}
}

func TestCreateUser(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			email := mytesting.RandEmail()
			u, err := s.CreateUser(ctx, User{Name: "Alice", Email: "  " + email, PasswordHash: "hash"})
			require.NoError(t, err)
			require.NotEmpty(t, u.ID)
			require.Equal(t, email, u.Email)

			byID, err := s.UserByID(ctx, u.ID)
			require.NoError(t, err)
			require.Equal(t, u.Name, byID.Name)
			require.Equal(t, "hash", byID.PasswordHash)

			byEmail, err := s.UserByEmail(ctx, email)
			require.NoError(t, err)
			require.Equal(t, u.ID, byEmail.ID)
		})
	}
}

func TestCreateUserExists(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			email := mytesting.RandEmail()
			_, err := s.CreateUser(ctx, User{Name: mytesting.RandString(), Email: email})
			require.NoError(t, err)
			_, err = s.CreateUser(ctx, User{Name: mytesting.RandString(), Email: email})
			require.Equal(t, ErrUserExists, err)
		})
	}
}

func TestUserNotExist(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			_, err := s.UserByID(context.Background(), mytesting.RandUserID())
			require.Equal(t, ErrUserNotExist, err)
			require.ErrorIs(t, err, ErrNotFound)

			_, err = s.UserByEmail(context.Background(), mytesting.RandEmail())
			require.Equal(t, ErrUserNotExist, err)
		})
	}
}

func TestUsersNewestFirst(t *testing.T) {
	s := bootstrapBadger(t)
	ctx := context.Background()

	var created []string
	for i := 0; i < 3; i++ {
		u, err := s.CreateUser(ctx, User{Name: mytesting.RandString(), Email: mytesting.RandEmail()})
		require.NoError(t, err)
		created = append(created, u.ID)
	}

	users, err := s.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	for i := 1; i < len(users); i++ {
		require.False(t, users[i].CreatedAt.After(users[i-1].CreatedAt))
	}
	require.ElementsMatch(t, created, []string{users[0].ID, users[1].ID, users[2].ID})
}

func TestErrorWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := wrap("create message", cause)

	var storageErr *Error
	require.True(t, errors.As(err, &storageErr))
	require.Equal(t, "create message", storageErr.Op)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "storage: create message: connection refused", err.Error())
	require.NoError(t, wrap("noop", nil))
}
