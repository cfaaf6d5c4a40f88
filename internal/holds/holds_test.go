package holds

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "k", "alice", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, "k", "bob", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Acquire(ctx, "k", "alice", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner may refresh")

	owner, err := store.Owner(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	released, err := store.Release(ctx, "k", "bob")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = store.Release(ctx, "k", "alice")
	require.NoError(t, err)
	assert.True(t, released)

	owner, err = store.Owner(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, owner)

	_, err = store.Acquire(ctx, "k2", "alice", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	ok, err = store.Acquire(ctx, "k2", "bob", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired hold is free")
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := store.Acquire(ctx, "k", "alice", time.Minute)
	assert.True(t, ok)
	ok, _ = store.Acquire(ctx, "k", "bob", time.Minute)
	assert.False(t, ok)

	now = now.Add(61 * time.Second)
	owner, _ := store.Owner(ctx, "k")
	assert.Empty(t, owner)

	ok, _ = store.Acquire(ctx, "k", "bob", time.Minute)
	assert.True(t, ok)
	released, _ := store.Release(ctx, "k", "alice")
	assert.False(t, released)

	_, _ = store.Acquire(ctx, "other", "carol", time.Second)
	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, store.Sweep())
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, owner, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Release(ctx context.Context, key, owner string) (bool, error) {
	args := m.Called(ctx, key, owner)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Owner(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func TestFailoverStore(t *testing.T) {
	primary := new(mockStore)
	fallback := NewMemoryStore()
	logger := zerolog.New(io.Discard)
	store := NewFailoverStore(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Acquire", ctx, "a", "alice", time.Minute).Return(true, nil).Once()

		ok, err := store.Acquire(ctx, "a", "alice", time.Minute)
		assert.NoError(t, err)
		assert.True(t, ok)
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Acquire", ctx, "b", "bob", time.Minute).Return(false, errors.New("conn refused")).Once()

		ok, err := store.Acquire(ctx, "b", "bob", time.Minute)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, store.isDown.Load())

		owner, err := store.Owner(ctx, "b")
		assert.NoError(t, err)
		assert.Equal(t, "bob", owner, "served from fallback without touching primary")
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		store.isDown.Store(true)
		store.lastCheck = time.Now().Add(-2 * time.Minute)

		primary.On("Owner", ctx, "c").Return("carol", nil).Once()

		owner, err := store.Owner(ctx, "c")
		assert.NoError(t, err)
		assert.Equal(t, "carol", owner)
		assert.False(t, store.isDown.Load())
		primary.AssertExpectations(t)
	})

	t.Run("ReleaseFallsThroughToFallback", func(t *testing.T) {
		primary.On("Release", ctx, "b", "bob").Return(false, nil).Once()

		ok, err := store.Release(ctx, "b", "bob")
		assert.NoError(t, err)
		assert.True(t, ok)
		primary.AssertExpectations(t)
	})
}

func TestHolds(t *testing.T) {
	h := New(NewMemoryStore(), 10*time.Minute)
	ctx := context.Background()

	require.NoError(t, h.Hold(ctx, 1, "2026-03-09", "10:00", "sess-a"))
	assert.ErrorIs(t, h.Hold(ctx, 1, "2026-03-09", "10:00", "sess-b"), ErrHeld)
	require.NoError(t, h.Hold(ctx, 1, "2026-03-09", "11:00", "sess-b"))

	held, err := h.IsHeld(ctx, 1, "2026-03-09", "10:00")
	require.NoError(t, err)
	assert.True(t, held)

	other, err := h.HeldByOther(ctx, 1, "2026-03-09", "10:00", "sess-a")
	require.NoError(t, err)
	assert.False(t, other)
	other, err = h.HeldByOther(ctx, 1, "2026-03-09", "10:00", "sess-b")
	require.NoError(t, err)
	assert.True(t, other)

	require.NoError(t, h.Release(ctx, 1, "2026-03-09", "10:00", "sess-a"))
	held, err = h.IsHeld(ctx, 1, "2026-03-09", "10:00")
	require.NoError(t, err)
	assert.False(t, held)

	assert.Equal(t, "hold:7:2026-03-09:09:30", Key(7, "2026-03-09", "09:30"))
}
