// redis.go
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"secret.drop/internal/models"
)

var _ Store = (*RedisStore)(nil)

const (
	indexKey = "secrets:index"

	// Tombstones and time-expired records stay readable for the admin
	// listing this long before redis drops the key.
	tombstoneRetention = time.Hour
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(options *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership
// of it; Close closes the client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying connection so other redis-backed components
// can share the pool.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) Put(ctx context.Context, secret *models.Secret) error {
	data, err := encode(secret)
	if err != nil {
		return err
	}

	key := secretKey(secret.ID)
	var setCmd *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setCmd = pipe.SetNX(ctx, key, data, keyTTL(secret))
		pipe.ZAddNX(ctx, indexKey, redis.Z{
			Score:  float64(secret.CreatedAt.UnixNano()),
			Member: secret.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if !setCmd.Val() {
		return ErrAlreadyExists
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	data, err := r.client.Get(ctx, secretKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decode(data)
}

func (r *RedisStore) CompareAndUpdate(ctx context.Context, id string, expectedReadCount int, m models.Mutation) error {
	key := secretKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		secret, err := decode(data)
		if err != nil {
			return err
		}
		if secret.Deleted {
			return ErrNotFound
		}
		if secret.ReadCount != expectedReadCount {
			return ErrConflict
		}

		secret.ReadCount = m.ReadCount
		secret.Deleted = m.Deleted

		newData, err := encode(secret)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if secret.Deleted {
				pipe.Set(ctx, key, newData, tombstoneRetention)
			} else {
				pipe.Set(ctx, key, newData, redis.KeepTTL)
			}
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return err
	default:
		return fmt.Errorf("redis compare and update: %w", err)
	}
}

func (r *RedisStore) Scan(ctx context.Context, page Page) ([]*models.Secret, error) {
	start := int64(page.Offset)
	stop := int64(-1)
	if page.Limit > 0 {
		stop = start + int64(page.Limit) - 1
	}

	ids, err := r.client.ZRevRange(ctx, indexKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan index: %w", err)
	}
	if len(ids) == 0 {
		return []*models.Secret{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = secretKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan records: %w", err)
	}

	out := make([]*models.Secret, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// key expired in redis; drop it from the index
			stale = append(stale, ids[i])
			continue
		}
		secret, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, secret)
	}

	if len(stale) > 0 {
		_ = r.client.ZRem(ctx, indexKey, stale...).Err()
	}

	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, secretKey(id))
		pipe.ZRem(ctx, indexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Now returns the redis server time, for deployments that need one clock
// across instances.
func (r *RedisStore) Now(ctx context.Context) (time.Time, error) {
	t, err := r.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis time: %w", err)
	}
	return t.UTC(), nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Helpers

func secretKey(id string) string {
	return "secret:" + id
}

func keyTTL(secret *models.Secret) time.Duration {
	if secret.ExpiresAt == nil {
		return 0
	}
	ttl := time.Until(*secret.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + tombstoneRetention
}

func encode(secret *models.Secret) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(secret); err != nil {
		return nil, fmt.Errorf("encode secret: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*models.Secret, error) {
	var secret models.Secret
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&secret); err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return &secret, nil
}
