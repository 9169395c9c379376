package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secret.drop/internal/crypto"
	"secret.drop/internal/models"
	"secret.drop/internal/store"
)

var (
	testParams = crypto.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1, SaltLen: 16, KeyLen: 32}
	t0         = time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)
)

func ptrTime(t time.Time) *time.Time { return &t }
func ptrInt(n int) *int              { return &n }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, st store.Store, id, password string, expiresAt *time.Time, maxReads *int) {
	t.Helper()
	v, err := crypto.DeriveVerifier(password, testParams)
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), &models.Secret{
		ID:        id,
		Payload:   models.Payload{Kind: models.PayloadText, Data: []byte("content of " + id)},
		Verifier:  v,
		CreatedAt: t0,
		ExpiresAt: expiresAt,
		MaxReads:  maxReads,
	}))
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name   string
		secret models.Secret
		now    time.Time
		want   Status
	}{
		{"time bound before", models.Secret{ExpiresAt: ptrTime(t0.Add(time.Minute))}, t0, Active},
		{"time bound at", models.Secret{ExpiresAt: ptrTime(t0)}, t0, ExpiredByTime},
		{"time bound after", models.Secret{ExpiresAt: ptrTime(t0)}, t0.Add(time.Second), ExpiredByTime},
		{"reads left", models.Secret{MaxReads: ptrInt(2), ReadCount: 1}, t0, Active},
		{"reads spent", models.Secret{MaxReads: ptrInt(2), ReadCount: 2}, t0, ExhaustedByReads},
		{"both, reads win", models.Secret{MaxReads: ptrInt(1), ReadCount: 1, ExpiresAt: ptrTime(t0)}, t0, ExhaustedByReads},
		{"both, time hit first", models.Secret{MaxReads: ptrInt(5), ReadCount: 1, ExpiresAt: ptrTime(t0)}, t0, ExpiredByTime},
		{"tombstoned", models.Secret{MaxReads: ptrInt(5), Deleted: true}, t0, ExhaustedByReads},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Evaluate(&c.secret, c.now))
		})
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "expired", ExpiredByTime.String())
	assert.Equal(t, "exhausted", ExhaustedByReads.String())
	assert.False(t, Active.Terminal())
	assert.True(t, ExpiredByTime.Terminal())
}

func TestTryConsumeSingleRead(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "X", "p@ss", nil, ptrInt(1))
	e := NewEngine(st, WithLogger(testLogger()))
	ctx := context.Background()

	got, err := e.TryConsume(ctx, "X", "p@ss", t0)
	require.NoError(t, err)
	assert.Equal(t, "content of X", string(got.Payload.Data))
	assert.Equal(t, 1, got.ReadCount)
	assert.True(t, got.Deleted)

	_, err = e.TryConsume(ctx, "X", "p@ss", t0)
	assert.ErrorIs(t, err, ErrGone)
}

func TestTryConsumeWrongPasswordDoesNotSpendReads(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "C", "abc", nil, ptrInt(3))
	e := NewEngine(st, WithLogger(testLogger()))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.TryConsume(ctx, "C", "wrong", t0)
		require.ErrorIs(t, err, ErrWrongPassword)
	}
	rec, err := st.Get(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ReadCount)

	for i := 0; i < 3; i++ {
		_, err := e.TryConsume(ctx, "C", "abc", t0)
		require.NoError(t, err)
	}
	_, err = e.TryConsume(ctx, "C", "abc", t0)
	assert.ErrorIs(t, err, ErrGone)
	_, err = e.TryConsume(ctx, "C", "wrong", t0)
	assert.ErrorIs(t, err, ErrGone, "gone secrets do not reveal whether the password was right")
}

func TestTryConsumeTimeBound(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "B", "abc", ptrTime(t0.Add(time.Minute)), nil)
	e := NewEngine(st, WithLogger(testLogger()))
	ctx := context.Background()

	_, err := e.TryConsume(ctx, "B", "abc", t0.Add(59*time.Second))
	require.NoError(t, err)
	_, err = e.TryConsume(ctx, "B", "abc", t0.Add(30*time.Second))
	require.NoError(t, err, "time-only secrets allow repeated reads")

	_, err = e.TryConsume(ctx, "B", "abc", t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrGone)

	rec, err := st.Get(ctx, "B")
	require.NoError(t, err)
	assert.True(t, rec.Deleted, "expired secret is tombstoned on access")

	_, err = e.TryConsume(ctx, "B", "abc", t0)
	assert.ErrorIs(t, err, ErrGone, "tombstone wins even if the clock says otherwise")
}

func TestTryConsumeMissing(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), WithLogger(testLogger()))
	_, err := e.TryConsume(context.Background(), "nope", "x", t0)
	assert.ErrorIs(t, err, ErrGone)
}

func TestTryConsumeConcurrentSingleRead(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "race", "pw", nil, ptrInt(1))
	e := NewEngine(st, WithLogger(testLogger()))

	const n = 24
	var (
		wg       sync.WaitGroup
		revealed atomic.Int32
		gone     atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.TryConsume(context.Background(), "race", "pw", t0)
			switch {
			case err == nil:
				revealed.Add(1)
			case errors.Is(err, ErrGone):
				gone.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), revealed.Load())
	assert.Equal(t, int32(n-1), gone.Load())
}

func TestTryConsumeConcurrentWithWrongPasswords(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "k", "right", nil, ptrInt(4))
	e := NewEngine(st, WithLogger(testLogger()), WithRetries(50))

	var (
		wg       sync.WaitGroup
		revealed atomic.Int32
		wrong    atomic.Int32
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			password := "right"
			if i%3 == 0 {
				password = "wrong"
			}
			_, err := e.TryConsume(context.Background(), "k", password, t0)
			switch {
			case err == nil:
				revealed.Add(1)
			case errors.Is(err, ErrWrongPassword):
				wrong.Add(1)
			case errors.Is(err, ErrGone):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(4), revealed.Load())
	rec, err := st.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.ReadCount)
	assert.True(t, rec.Deleted)
}

type conflictStore struct {
	store.Store
	calls atomic.Int32
}

func (c *conflictStore) CompareAndUpdate(ctx context.Context, id string, expected int, m models.Mutation) error {
	c.calls.Add(1)
	return store.ErrConflict
}

func TestTryConsumeRetriesThenFailsClosed(t *testing.T) {
	mem := store.NewMemoryStore()
	seed(t, mem, "hot", "pw", nil, ptrInt(10))
	cs := &conflictStore{Store: mem}
	e := NewEngine(cs, WithLogger(testLogger()), WithRetries(3))

	_, err := e.TryConsume(context.Background(), "hot", "pw", t0)
	assert.ErrorIs(t, err, ErrGone)
	assert.Equal(t, int32(3), cs.calls.Load())

	rec, err := mem.Get(context.Background(), "hot")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ReadCount)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) Get(context.Context, string) (*models.Secret, error) {
	return nil, errors.New("connection refused")
}

func TestTryConsumeStorageErrorIsNotGone(t *testing.T) {
	e := NewEngine(brokenStore{Store: store.NewMemoryStore()}, WithLogger(testLogger()))
	_, err := e.TryConsume(context.Background(), "any", "pw", t0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGone)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestTryConsumeMalformedVerifier(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Put(context.Background(), &models.Secret{
		ID: "bad", Verifier: "garbage", CreatedAt: t0, MaxReads: ptrInt(1),
	}))
	e := NewEngine(st, WithLogger(testLogger()))

	_, err := e.TryConsume(context.Background(), "bad", "pw", t0)
	assert.ErrorIs(t, err, crypto.ErrMalformedVerifier)
}

func TestReap(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, "live", "pw", ptrTime(t0.Add(time.Hour)), nil)
	seed(t, st, "old", "pw", ptrTime(t0.Add(-time.Minute)), nil)
	seed(t, st, "spent", "pw", nil, ptrInt(1))
	ctx := context.Background()
	require.NoError(t, st.CompareAndUpdate(ctx, "spent", 0, models.Mutation{ReadCount: 1, Deleted: true}))

	e := NewEngine(st, WithLogger(testLogger()))
	n, err := e.Reap(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := st.Scan(ctx, store.Page{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "live", left[0].ID)

	n, err = e.Reap(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngineUsesClock(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), WithClock(ClockFunc(func() time.Time { return t0 })))
	now, err := e.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0, now)
}

type reaperStub struct {
	reap func(ctx context.Context, now time.Time) (int, error)
}

func (reaperStub) Now(context.Context) (time.Time, error) { return t0, nil }

func (r reaperStub) Reap(ctx context.Context, now time.Time) (int, error) {
	return r.reap(ctx, now)
}

func TestRunReaperRunsImmediatelyAndStopsOnCancel(t *testing.T) {
	calls := make(chan struct{}, 8)
	r := reaperStub{reap: func(ctx context.Context, now time.Time) (int, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline on the reap context")
		}
		select {
		case calls <- struct{}{}:
		default:
		}
		return 0, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunReaper(ctx, testLogger(), r, 10*time.Millisecond)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for reaper pass")
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

func TestRunReaperDisabled(t *testing.T) {
	r := reaperStub{reap: func(context.Context, time.Time) (int, error) {
		t.Fatal("should not be called")
		return 0, nil
	}}
	RunReaper(context.Background(), testLogger(), r, 0)
}

func TestReapOnceLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	reapOnce(context.Background(), logger, reaperStub{reap: func(context.Context, time.Time) (int, error) {
		return 3, nil
	}})
	assert.Contains(t, buf.String(), "terminal secrets deleted")

	buf.Reset()
	reapOnce(context.Background(), logger, reaperStub{reap: func(context.Context, time.Time) (int, error) {
		return 0, errors.New("db down")
	}})
	assert.Contains(t, buf.String(), "reaper pass failed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reapOnce(ctx, logger, reaperStub{reap: func(context.Context, time.Time) (int, error) {
		t.Fatal("should not run with a cancelled context")
		return 0, nil
	}})
}
