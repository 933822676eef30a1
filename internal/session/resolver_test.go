package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RichardoC/chatpad/internal/db"
	"github.com/RichardoC/chatpad/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTTL = time.Minute

func newRedisBindings(t *testing.T) (*RedisBindings, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := NewRedisBindings(redis.NewClient(&redis.Options{Addr: mr.Addr()}), testTTL)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

var backends = map[string]func(t *testing.T) Bindings{
	"memory": func(*testing.T) Bindings { return NewMemoryBindings() },
	"redis": func(t *testing.T) Bindings {
		b, _ := newRedisBindings(t)
		return b
	},
}

// eachBackend runs fn once per binding store, each with a fresh
// conversation store.
func eachBackend(t *testing.T, fn func(t *testing.T, r *Resolver, store db.Store)) {
	for name, newBindings := range backends {
		t.Run(name, func(t *testing.T) {
			store, err := db.NewFileStore(t.TempDir(), nil)
			require.NoError(t, err)
			fn(t, NewResolver(store, newBindings(t), nil), store)
		})
	}
}

func TestResolveCreatesOnceAndReuses(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Resolver, store db.Store) {
		ctx := context.Background()

		_, ok, err := r.Current(ctx, "h1")
		require.NoError(t, err)
		assert.False(t, ok)

		id, err := r.Resolve(ctx, "h1")
		require.NoError(t, err)
		again, err := r.Resolve(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, id, again)

		other, err := r.Resolve(ctx, "h2")
		require.NoError(t, err)
		assert.NotEqual(t, id, other)

		list, err := store.ListSummaries(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})
}

func TestResolveConcurrentSameHandle(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Resolver, store db.Store) {
		ctx := context.Background()

		var wg sync.WaitGroup
		got := make([]string, 8)
		for i := range got {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, err := r.Resolve(ctx, "same")
				assert.NoError(t, err)
				got[i] = id
			}(i)
		}
		wg.Wait()
		for _, id := range got {
			assert.Equal(t, got[0], id)
		}
		list, err := store.ListSummaries(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestRebind(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Resolver, store db.Store) {
		ctx := context.Background()

		err := r.Rebind(ctx, "h", "nope")
		assert.True(t, errors.Is(err, models.ErrNotFound))
		_, ok, err := r.Current(ctx, "h")
		require.NoError(t, err)
		assert.False(t, ok, "failed rebind must not bind")

		conv, err := store.Create(ctx)
		require.NoError(t, err)
		require.NoError(t, r.Rebind(ctx, "h", conv.ID))

		id, err := r.Resolve(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, conv.ID, id)
	})
}

func TestClearStartsFreshConversation(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Resolver, _ db.Store) {
		ctx := context.Background()

		first, err := r.Resolve(ctx, "h")
		require.NoError(t, err)
		require.NoError(t, r.Clear(ctx, "h"))

		_, ok, err := r.Current(ctx, "h")
		require.NoError(t, err)
		assert.False(t, ok)

		second, err := r.Resolve(ctx, "h")
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})
}

func TestDeletedConversationInvalidatesBindings(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Resolver, store db.Store) {
		ctx := context.Background()

		id, err := r.Resolve(ctx, "a")
		require.NoError(t, err)
		require.NoError(t, r.Rebind(ctx, "b", id))

		require.NoError(t, store.Delete(ctx, id, false))
		require.NoError(t, r.Forget(ctx, id))

		for _, h := range []string{"a", "b"} {
			_, ok, err := r.Current(ctx, h)
			require.NoError(t, err)
			assert.False(t, ok)
		}
	})
}

func TestStaleBindingIsDropped(t *testing.T) {
	eachBackend(t, func(t *testing.T, r *Resolver, store db.Store) {
		ctx := context.Background()

		id, err := r.Resolve(ctx, "a")
		require.NoError(t, err)
		// deleted without Forget, e.g. by another server instance
		require.NoError(t, store.Delete(ctx, id, false))

		next, err := r.Resolve(ctx, "a")
		require.NoError(t, err)
		assert.NotEqual(t, id, next)
	})
}

func TestBindingsMoveBetweenConversations(t *testing.T) {
	for name, newBindings := range backends {
		t.Run(name, func(t *testing.T) {
			b := newBindings(t)
			ctx := context.Background()

			require.NoError(t, b.Set(ctx, "h", "c1"))
			require.NoError(t, b.Set(ctx, "h", "c2"))
			require.NoError(t, b.ClearConversation(ctx, "c1"))

			id, ok, err := b.Get(ctx, "h")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "c2", id)

			require.NoError(t, b.Clear(ctx, "h"))
			_, ok, err = b.Get(ctx, "h")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestNewHandleIsUnique(t *testing.T) {
	assert.NotEqual(t, NewHandle(), NewHandle())
}

func TestRedisBindingsSlideExpiry(t *testing.T) {
	b, mr := newRedisBindings(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "h", "c1"))
	assert.Equal(t, testTTL, mr.TTL(b.convKey("c1")))

	mr.FastForward(40 * time.Second)
	_, ok, err := b.Get(ctx, "h")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testTTL, mr.TTL(b.handleKey("h")))
	assert.Equal(t, testTTL, mr.TTL(b.convKey("c1")))

	mr.FastForward(40 * time.Second)
	id, ok, err := b.Get(ctx, "h")
	require.NoError(t, err)
	require.True(t, ok, "read within the ttl keeps the binding alive")
	assert.Equal(t, "c1", id)

	mr.FastForward(testTTL + time.Second)
	_, ok, err = b.Get(ctx, "h")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(b.convKey("c1")))
}

func TestRedisBindingsClearConversationSkipsMovedHandles(t *testing.T) {
	b, mr := newRedisBindings(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "idle", "c1"))
	require.NoError(t, b.Set(ctx, "active", "c1"))

	// "idle" expires while "active" keeps the c1 set alive
	mr.FastForward(40 * time.Second)
	_, _, err := b.Get(ctx, "active")
	require.NoError(t, err)
	mr.FastForward(30 * time.Second)
	require.False(t, mr.Exists(b.handleKey("idle")))
	require.True(t, mr.Exists(b.convKey("c1")))

	require.NoError(t, b.Set(ctx, "idle", "c2"))
	require.NoError(t, b.ClearConversation(ctx, "c1"))

	id, ok, err := b.Get(ctx, "idle")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c2", id)

	_, ok, err = b.Get(ctx, "active")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(b.convKey("c1")))
}
