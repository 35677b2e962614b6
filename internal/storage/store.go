package storage

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"nextalk-relay/internal/storage/zapadapter"
)

//go:embed schema.sql
var schema string

// now is the clock used for server-assigned timestamps. PostgreSQL keeps microseconds,
// so both backends truncate to keep ordering identical.
var now = func() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Store is the PostgreSQL backed conversation store and user directory
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Migrate creates tables and indexes if they do not exist yet
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Debug("Applying schema")
	_, err := s.db.Exec(ctx, schema)
	return wrap("migrate", err)
}

func (s *Store) Close() {
	s.db.Close()
}

// CreateUser persists a new user with a generated id and returns it.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	u.ID = uuid.NewString()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	u.CreatedAt = now()

	s.logger.Debugf("Creating user (%s)", u.Email)

	sql := "insert into users (id, name, email, image, password_hash, created_at) values ($1, $2, $3, $4, $5, $6)"
	_, err := s.db.Exec(ctx, sql, u.ID, u.Name, u.Email, u.Image, u.PasswordHash, u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return User{}, ErrUserExists
		}
		return User{}, wrap("create user", err)
	}

	s.logger.Debugf("Created user (%s) with id %s", u.Email, u.ID)

	return u, nil
}

const userColumns = "id, name, email, image, password_hash, created_at"

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Image, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, wrap("scan user", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	sql := "select " + userColumns + " from users where email = $1"
	return scanUser(s.db.QueryRow(ctx, sql, strings.ToLower(strings.TrimSpace(email))))
}

func (s *Store) UserByID(ctx context.Context, id string) (User, error) {
	sql := "select " + userColumns + " from users where id = $1"
	return scanUser(s.db.QueryRow(ctx, sql, id))
}

// Users returns every registered user, newest first
func (s *Store) Users(ctx context.Context) ([]User, error) {
	s.logger.Debug("Retrieving users")

	rows, err := s.db.Query(ctx, "select "+userColumns+" from users order by created_at desc, id")
	if err != nil {
		return nil, wrap("list users", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	if rows.Err() != nil {
		return nil, wrap("list users", rows.Err())
	}

	s.logger.Debugf("Retrieved %d users", len(users))

	return users, nil
}

// ResolveConversation returns the conversation between two users, creating it on first use.
// The unique (user_low, user_high) index makes the insert-or-return a single atomic statement,
// so concurrent first calls for one pair always agree on the same record.
func (s *Store) ResolveConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	low, high, err := orderedPair(userA, userB)
	if err != nil {
		return Conversation{}, err
	}

	s.logger.Debugf("Resolving chat between (%s) and (%s)", low, high)

	sql := `insert into conversations (id, user_low, user_high, user_ids, created_at)
			values ($1, $2, $3, $4, $5)
			on conflict on constraint conversations_pair_key
			do update set user_low = excluded.user_low
			returning id, user_ids, created_at`

	var (
		c       Conversation
		userIDs pgtype.TextArray
	)
	err = s.db.QueryRow(ctx, sql, uuid.NewString(), low, high, []string{userA, userB}, now()).
		Scan(&c.ID, &userIDs, &c.CreatedAt)
	if err != nil {
		return Conversation{}, wrap("resolve chat", err)
	}

	if err = userIDs.AssignTo(&c.UserIDs); err != nil {
		return Conversation{}, wrap("resolve chat", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()

	s.logger.Debugf("Resolved chat (id: %s)", c.ID)

	return c, nil
}

// AppendMessage creates new message in database and returns it
func (s *Store) AppendMessage(ctx context.Context, chat, author, text string) (Message, error) {
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

	sql := "insert into messages (id, conversation_id, sender_id, content, created_at) values ($1, $2, $3, $4, $5)"
	_, err = s.db.Exec(ctx, sql, m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.ForeignKeyViolation:
				return Message{}, ErrChatNotExist
			case pgerrcode.CheckViolation:
				return Message{}, ErrMessageBadContent
			}
		}
		return Message{}, wrap("create message", err)
	}

	return m, nil
}

// MessagesByConversation returns list of all chat messages, sorted by message creation time
// (from earliest to latest)
func (s *Store) MessagesByConversation(ctx context.Context, chat string) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for chat (id: %s)", chat)

	// check if chat exists
	var i int8
	err := s.db.QueryRow(ctx, "select 1 from conversations where id = $1", chat).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotExist
		}
		return nil, wrap("retrieve messages", err)
	}

	sql := `select id,
				   conversation_id,
				   sender_id,
				   content,
				   created_at
			  from messages
			 where conversation_id = $1
			 order by created_at asc, id asc`

	rows, err := s.db.Query(ctx, sql, chat)
	if err != nil {
		return nil, wrap("retrieve messages", err)
	}

	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		err = rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt)
		if err != nil {
			return nil, wrap("retrieve messages", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, wrap("retrieve messages", rows.Err())
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// FetchHistory resolves (or creates) the chat between two users and returns its messages
func (s *Store) FetchHistory(ctx context.Context, userA, userB string) ([]Message, error) {
	return fetchHistory(ctx, s, userA, userB)
}

type historySource interface {
	ResolveConversation(ctx context.Context, userA, userB string) (Conversation, error)
	MessagesByConversation(ctx context.Context, chat string) ([]Message, error)
}

func fetchHistory(ctx context.Context, src historySource, userA, userB string) ([]Message, error) {
	c, err := src.ResolveConversation(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	return src.MessagesByConversation(ctx, c.ID)
}
