// Package app is the HTTP edge: session issuance, routing, and the
// translation of domain errors into wire responses. Domain behavior
// lives in the services it delegates to.
package app

import (
	"context"
	"fmt"
	"time"

	"taskflow/api/internal/auth"
	"taskflow/api/internal/store"
	"taskflow/api/internal/util"
)

// Session is the authenticated caller derived from a bearer token.
type Session struct {
	UserID   string
	UserName string
}

// UserStore is what session handling needs from persistence.
type UserStore interface {
	EnsureUserByName(ctx context.Context, id, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	Ping(ctx context.Context) error
}

// SessionService issues and validates name-based sessions. There is no
// password: presenting a display name logs you in as that user, creating
// the row on first contact.
type SessionService struct {
	users     UserStore
	secret    []byte
	accessTTL time.Duration
}

func NewSessionService(users UserStore, secret []byte, accessTTL time.Duration) *SessionService {
	return &SessionService{users: users, secret: secret, accessTTL: accessTTL}
}

// LoginResult is returned from a successful login.
type LoginResult struct {
	Token    string
	UserID   string
	UserName string
}

func (s *SessionService) Login(ctx context.Context, name string) (LoginResult, error) {
	user, err := s.users.EnsureUserByName(ctx, util.NewID("usr"), name)
	if err != nil {
		return LoginResult{}, fmt.Errorf("ensure user: %w", err)
	}

	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Exp:  time.Now().Add(s.accessTTL).Unix(),
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}

	return LoginResult{Token: token, UserID: user.ID, UserName: user.DisplayName}, nil
}

func (s *SessionService) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, UserName: claims.Name}, nil
}

func (s *SessionService) Ping(ctx context.Context) error {
	return s.users.Ping(ctx)
}
