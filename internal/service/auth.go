package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
)

// ErrInvalidCredentials is returned by Login for an unknown username or a
// password mismatch, without distinguishing the two to callers.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ErrUsernameTaken is returned by Register when the username already exists.
var ErrUsernameTaken = errors.New("username already taken")

const sessionTTL = 24 * time.Hour

// AuthService handles account registration, login, and session lookup.
type AuthService struct {
	store *store.Store
}

// NewAuthService creates a new auth service.
func NewAuthService(s *store.Store) *AuthService {
	return &AuthService{store: s}
}

// Register creates a new player account with a bcrypt-hashed password.
func (a *AuthService) Register(ctx context.Context, username, email, password string) (*model.User, error) {
	if _, err := a.store.GetUserByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check existing username: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login verifies username/password and, on success, replaces the user's
// active session (per C5: login deactivates any prior session, returning
// its IP for firewall handoff) and returns the raw session token to set as
// a cookie.
func (a *AuthService) Login(ctx context.Context, username, password, clientIP string) (token string, user *model.User, priorIP string, err error) {
	user, err = a.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, "", ErrInvalidCredentials
		}
		return "", nil, "", fmt.Errorf("lookup user: %w", err)
	}

	if user.Banned {
		return "", nil, "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, "", ErrInvalidCredentials
	}

	token, tokenHash, err := newSessionToken()
	if err != nil {
		return "", nil, "", fmt.Errorf("generate session token: %w", err)
	}

	session := &model.Session{
		UserID:    user.ID,
		TokenHash: tokenHash,
		ClientIP:  clientIP,
		Active:    true,
		ExpiresAt: time.Now().Add(sessionTTL),
	}

	priorIP, err = a.store.ReplaceActiveSession(ctx, session)
	if err != nil {
		return "", nil, "", fmt.Errorf("replace active session: %w", err)
	}

	return token, user, priorIP, nil
}

// ValidateSession resolves a raw session token to its Session row (with
// User preloaded), rejecting inactive or expired sessions.
func (a *AuthService) ValidateSession(ctx context.Context, token string) (*model.Session, error) {
	tokenHash := hashToken(token)

	session, err := a.store.GetSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	if session.ExpiresAt.Before(time.Now()) {
		return nil, ErrInvalidCredentials
	}

	return session, nil
}

// Logout deactivates the session bound to token, tolerating an
// already-invalid token.
func (a *AuthService) Logout(ctx context.Context, token string) error {
	session, err := a.ValidateSession(ctx, token)
	if err != nil {
		return nil
	}
	return a.store.DeactivateSession(ctx, session.ID)
}

func newSessionToken() (token, tokenHash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	token = base64.URLEncoding.EncodeToString(b)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
