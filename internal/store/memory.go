package store

import (
	"context"
	"sort"
	"sync"

	"secret.drop/internal/models"
)

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	secrets map[string]*models.Secret
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets: make(map[string]*models.Secret),
	}
}

func (s *MemoryStore) Put(ctx context.Context, secret *models.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[secret.ID]; ok {
		return ErrAlreadyExists
	}
	s.secrets[secret.ID] = secret.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return secret.Clone(), nil
}

func (s *MemoryStore) CompareAndUpdate(ctx context.Context, id string, expectedReadCount int, m models.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.secrets[id]
	if !ok || secret.Deleted {
		return ErrNotFound
	}
	if secret.ReadCount != expectedReadCount {
		return ErrConflict
	}

	secret.ReadCount = m.ReadCount
	secret.Deleted = m.Deleted
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, page Page) ([]*models.Secret, error) {
	s.mu.RLock()
	out := make([]*models.Secret, 0, len(s.secrets))
	for _, secret := range s.secrets {
		out = append(out, secret.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return paginate(out, page), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.secrets, id)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets = make(map[string]*models.Secret)
	return nil
}

func paginate(all []*models.Secret, page Page) []*models.Secret {
	if page.Offset >= len(all) {
		return []*models.Secret{}
	}
	if page.Offset > 0 {
		all = all[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(all) {
		all = all[:page.Limit]
	}
	return all
}
