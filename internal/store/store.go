package store

import (
	"context"
	"errors"

	"secret.drop/internal/models"
)

var (
	ErrNotFound      = errors.New("secret not found")
	ErrConflict      = errors.New("secret was modified concurrently")
	ErrAlreadyExists = errors.New("secret already exists")
)

// Page bounds a Scan. A zero Limit means no bound.
type Page struct {
	Offset int
	Limit  int
}

// Store is a durable mapping from id to secret record.
//
// CompareAndUpdate is the only write on an existing record. It applies m only
// if the stored record is not deleted and its ReadCount still equals
// expectedReadCount; otherwise it returns ErrConflict (or ErrNotFound when the
// record is gone or tombstoned). A tombstone is never cleared.
type Store interface {
	Put(ctx context.Context, secret *models.Secret) error
	Get(ctx context.Context, id string) (*models.Secret, error)
	CompareAndUpdate(ctx context.Context, id string, expectedReadCount int, m models.Mutation) error
	// Scan returns records newest first. It never mutates them.
	Scan(ctx context.Context, page Page) ([]*models.Secret, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
