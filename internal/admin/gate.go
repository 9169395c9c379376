package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secret.drop/internal/crypto"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNoSession     = errors.New("no admin session")
	ErrNotConfigured = errors.New("admin password not configured")
)

const (
	DefaultSessionTTL = 8 * time.Hour
	tokenBytes        = 32
)

// Gate guards the listing surface behind one shared password.
type Gate struct {
	password string
	sessions SessionStore
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Gate)

func WithSessionTTL(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.ttl = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func NewGate(password string, sessions SessionStore, opts ...Option) *Gate {
	g := &Gate{
		password: password,
		sessions: sessions,
		ttl:      DefaultSessionTTL,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) SessionTTL() time.Duration {
	return g.ttl
}

// Login checks password and opens a session. The returned token is only
// ever held by the client; the store keeps its digest.
func (g *Gate) Login(ctx context.Context, password string) (string, time.Time, error) {
	if g.password == "" {
		return "", time.Time{}, ErrNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(g.password)) != 1 {
		g.logger.Warn("admin login rejected")
		return "", time.Time{}, ErrUnauthorized
	}

	token, err := crypto.GenerateToken(tokenBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}
	expiresAt := g.now().Add(g.ttl)
	if err := g.sessions.Create(ctx, digest(token), expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("save session: %w", err)
	}

	g.logger.Info("admin session opened", "expires_at", expiresAt)
	return token, expiresAt, nil
}

// Logout revokes token. Unknown or empty tokens are not an error.
func (g *Gate) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := g.sessions.Delete(ctx, digest(token)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Authenticate returns ErrNoSession unless token names a live session.
func (g *Gate) Authenticate(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoSession
	}
	key := digest(token)
	expiresAt, err := g.sessions.Lookup(ctx, key)
	if errors.Is(err, ErrSessionNotFound) {
		return ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if !g.now().Before(expiresAt) {
		_ = g.sessions.Delete(ctx, key)
		return ErrNoSession
	}
	return nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
