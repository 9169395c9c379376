package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secret.drop/internal/crypto"
	"secret.drop/internal/models"
	"secret.drop/internal/store"
)

var (
	// ErrGone covers absent, expired, exhausted and already consumed secrets.
	// Callers must not be able to tell these apart.
	ErrGone          = errors.New("secret not found or gone")
	ErrWrongPassword = errors.New("wrong password")
)

const DefaultConsumeRetries = 5

type Engine struct {
	store   store.Store
	clock   Clock
	retries int
	logger  *slog.Logger
}

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retries = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		clock:   SystemClock{},
		retries: DefaultConsumeRetries,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now reads the engine's clock.
func (e *Engine) Now(ctx context.Context) (time.Time, error) {
	return e.clock.Now(ctx)
}

// TryConsume verifies password and spends one read of secret id, evaluated at
// now. On success it returns the record as committed, payload included.
//
// The password is checked before anything is written, so wrong guesses never
// cost a read. The increment is a compare-and-swap on the read count observed
// here; on conflict the record is re-read and re-evaluated, and once retries
// run out the secret is reported gone rather than revealed.
func (e *Engine) TryConsume(ctx context.Context, id, password string, now time.Time) (*models.Secret, error) {
	secret, err := e.load(ctx, id, now)
	if err != nil {
		return nil, err
	}

	ok, err := crypto.MatchVerifier(password, secret.Verifier)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, ErrWrongPassword
	}

	for attempt := 1; ; attempt++ {
		next := *secret
		next.ReadCount++
		next.Deleted = Evaluate(&next, now).Terminal()

		err := e.store.CompareAndUpdate(ctx, id, secret.ReadCount, models.Mutation{
			ReadCount: next.ReadCount,
			Deleted:   next.Deleted,
		})
		switch {
		case err == nil:
			return &next, nil
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrGone
		case !errors.Is(err, store.ErrConflict):
			return nil, fmt.Errorf("consume secret: %w", err)
		}

		if attempt >= e.retries {
			e.logger.Warn("consume retries exhausted", "attempts", attempt)
			return nil, ErrGone
		}

		// The verifier is immutable, so the password check still holds.
		secret, err = e.load(ctx, id, now)
		if err != nil {
			return nil, err
		}
	}
}

// load fetches id and returns ErrGone unless it is still active at now.
// Records found terminal are tombstoned on the way out.
func (e *Engine) load(ctx context.Context, id string, now time.Time) (*models.Secret, error) {
	secret, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrGone
	}
	if err != nil {
		return nil, fmt.Errorf("load secret: %w", err)
	}
	if secret.Deleted {
		return nil, ErrGone
	}
	if Evaluate(secret, now).Terminal() {
		e.markDeleted(ctx, secret)
		return nil, ErrGone
	}
	return secret, nil
}

// markDeleted is best effort; a lost race means someone else changed the
// record, and the next reader re-evaluates it anyway.
func (e *Engine) markDeleted(ctx context.Context, secret *models.Secret) {
	err := e.store.CompareAndUpdate(ctx, secret.ID, secret.ReadCount, models.Mutation{
		ReadCount: secret.ReadCount,
		Deleted:   true,
	})
	if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("tombstone terminal secret failed", "err", err)
	}
}

// Reap physically deletes every record that is terminal at now and returns
// how many were removed. Terminal states never revert, so a concurrent reveal
// can only ever find the record gone.
func (e *Engine) Reap(ctx context.Context, now time.Time) (int, error) {
	all, err := e.store.Scan(ctx, store.Page{})
	if err != nil {
		return 0, fmt.Errorf("reap scan: %w", err)
	}

	deleted := 0
	for _, secret := range all {
		if !Evaluate(secret, now).Terminal() {
			continue
		}
		if err := e.store.Delete(ctx, secret.ID); err != nil {
			return deleted, fmt.Errorf("reap delete: %w", err)
		}
		deleted++
	}
	return deleted, nil
}
