// Package identity registers users, checks their credentials and issues session tokens.
// The relay never sees password material, only the user ids handed out here.
package identity

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"nextalk-relay/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPasswordNotSet     = errors.New("account has no password, sign in with a provider")
	ErrInvalidToken       = errors.New("invalid token")
)

const bcryptCost = 10

// bcrypt only hashes the first 72 bytes and refuses longer input
const maxPasswordBytes = 72

// DefaultTokenTTL is how long an issued token stays valid
const DefaultTokenTTL = 7 * 24 * time.Hour

// UserStore persists users
type UserStore interface {
	CreateUser(ctx context.Context, u storage.User) (storage.User, error)
	UserByEmail(ctx context.Context, email string) (storage.User, error)
}

// Registration is the sign-up payload
type Registration struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// Credentials is the sign-in payload
type Credentials struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Claims are carried by issued tokens
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type Directory struct {
	logger   *zap.SugaredLogger
	users    UserStore
	secret   []byte
	ttl      time.Duration
	validate *validator.Validate
}

func NewDirectory(logger *zap.SugaredLogger, users UserStore, secret string, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Directory{
		logger:   logger,
		users:    users,
		secret:   []byte(secret),
		ttl:      ttl,
		validate: v,
	}
}

// CreateUser validates a registration, hashes the password and stores the user
func (d *Directory) CreateUser(ctx context.Context, r Registration) (storage.User, error) {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	if err := d.check(r); err != nil {
		return storage.User{}, err
	}
	// max counts runes, the bcrypt limit is in bytes
	if len(r.Password) > maxPasswordBytes {
		return storage.User{}, fmt.Errorf("%w: password must be at most %d bytes long", storage.ErrValidation, maxPasswordBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(r.Password), bcryptCost)
	if err != nil {
		return storage.User{}, fmt.Errorf("hashing password: %w", err)
	}

	u, err := d.users.CreateUser(ctx, storage.User{
		Name:         r.Name,
		Email:        r.Email,
		PasswordHash: string(hash),
	})
	if err != nil {
		return storage.User{}, err
	}

	d.logger.Infof("New user registered: %s", u.Email)

	return u, nil
}

// VerifyCredentials returns the user owning email when password matches
func (d *Directory) VerifyCredentials(ctx context.Context, c Credentials) (storage.User, error) {
	if err := d.check(c); err != nil {
		return storage.User{}, err
	}

	u, err := d.users.UserByEmail(ctx, c.Email)
	if err != nil {
		return storage.User{}, err
	}

	if u.PasswordHash == "" {
		return storage.User{}, ErrPasswordNotSet
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(c.Password)); err != nil {
		return storage.User{}, ErrInvalidCredentials
	}

	return u, nil
}

// IssueToken signs a token identifying u
func (d *Directory) IssueToken(u storage.User) (string, error) {
	issued := time.Now()
	claims := Claims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(d.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
}

// ParseToken verifies a token and returns its claims
func (d *Directory) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return d.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// check runs struct validation and turns the first failure into a readable storage.ErrValidation
func (d *Directory) check(v interface{}) error {
	err := d.validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", storage.ErrValidation, fe.Field())
	case "email":
		return fmt.Errorf("%w: %s must be a valid email address", storage.ErrValidation, fe.Field())
	case "min":
		return fmt.Errorf("%w: %s must be at least %s characters long", storage.ErrValidation, fe.Field(), fe.Param())
	case "max":
		return fmt.Errorf("%w: %s must be at most %s characters long", storage.ErrValidation, fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%w: %s is invalid", storage.ErrValidation, fe.Field())
	}
}
