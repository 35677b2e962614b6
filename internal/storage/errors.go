package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrUserExists        = errors.New("user already exists")
	ErrUserNotExist      = fmt.Errorf("%w: user does not exist", ErrNotFound)
	ErrChatNotExist      = fmt.Errorf("%w: chat does not exist", ErrNotFound)
	ErrConversationRace  = errors.New("concurrent conversation creation did not settle")
	ErrMessageBadContent = fmt.Errorf("%w: content must not be empty", ErrValidation)
	ErrMessageBadChat    = fmt.Errorf("%w: chat id is required", ErrValidation)
	ErrMessageBadAuthor  = fmt.Errorf("%w: sender id is required", ErrValidation)
	ErrChatBadUsers      = fmt.Errorf("%w: two user ids are required", ErrValidation)
	ErrChatBadUserID     = fmt.Errorf("%w: user ids must not contain NUL", ErrValidation)
)

// Error wraps a failure of the underlying database driver
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// orderedPair normalizes an unordered pair of user ids so that (a, b) and (b, a) share one key.
func orderedPair(userA, userB string) (string, string, error) {
	if userA == "" || userB == "" {
		return "", "", ErrChatBadUsers
	}
	if strings.ContainsRune(userA, 0) || strings.ContainsRune(userB, 0) {
		return "", "", ErrChatBadUserID
	}
	if userA > userB {
		return userB, userA, nil
	}
	return userA, userB, nil
}

// checkMessage trims content and validates a message before it is persisted.
func checkMessage(chat, author, text string) (string, error) {
	if chat == "" {
		return "", ErrMessageBadChat
	}
	if author == "" {
		return "", ErrMessageBadAuthor
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrMessageBadContent
	}
	return text, nil
}
