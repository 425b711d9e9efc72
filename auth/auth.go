// Package auth is the authentication provider: account registration and
// login with bcrypt-hashed credentials, and signed session tokens verified
// on every request and connection handshake.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nebulachat/nebula/core"
	"github.com/nebulachat/nebula/store"
)

var (
	// ErrEmailTaken is returned when registering an already-known email.
	ErrEmailTaken = errors.New("auth: email already registered")

	// ErrInvalidEmail is returned when no account matches the email.
	ErrInvalidEmail = errors.New("auth: invalid email")

	// ErrInvalidPassword is returned when the password does not match.
	ErrInvalidPassword = errors.New("auth: invalid password")

	// ErrInvalidToken is returned for missing, malformed or forged tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

const bcryptCost = 10

// UserStore is the slice of the store the auth provider needs.
type UserStore interface {
	CreateUser(u core.User) error
	User(id string) (core.User, error)
	UserByEmail(email string) (core.User, error)
}

// Service issues and verifies credentials for the chat server.
type Service struct {
	users  UserStore
	secret []byte
}

// New creates an auth service signing tokens with the given secret.
func New(users UserStore, secret string) *Service {
	return &Service{users: users, secret: []byte(secret)}
}

// Register creates an account and returns the user with a session token.
func (s *Service) Register(firstName, lastName, email, password string) (core.User, string, error) {
	if _, err := s.users.UserByEmail(email); err == nil {
		return core.User{}, "", ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return core.User{}, "", fmt.Errorf("hash password: %w", err)
	}

	u := core.User{
		ID:           uuid.New().String(),
		FirstName:    firstName,
		LastName:     lastName,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(u); err != nil {
		return core.User{}, "", fmt.Errorf("create user: %w", err)
	}

	token, err := s.IssueToken(u.ID)
	if err != nil {
		return core.User{}, "", err
	}
	return u, token, nil
}

// Login verifies credentials and returns the user with a session token.
func (s *Service) Login(email, password string) (core.User, string, error) {
	u, err := s.users.UserByEmail(email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.User{}, "", ErrInvalidEmail
		}
		return core.User{}, "", fmt.Errorf("look up user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return core.User{}, "", ErrInvalidPassword
	}

	token, err := s.IssueToken(u.ID)
	if err != nil {
		return core.User{}, "", err
	}
	return u, token, nil
}

// IssueToken signs a session token for the user.
func (s *Service) IssueToken(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  userID,
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a session token and resolves the bound user.
func (s *Service) Verify(tokenString string) (core.User, error) {
	if tokenString == "" {
		return core.User{}, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return core.User{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return core.User{}, ErrInvalidToken
	}
	id, _ := claims["id"].(string)
	if id == "" {
		return core.User{}, ErrInvalidToken
	}

	u, err := s.users.User(id)
	if err != nil {
		return core.User{}, ErrInvalidToken
	}
	return u, nil
}
