package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Bindings stores which conversation each client handle is bound to.
type Bindings interface {
	Get(ctx context.Context, handle string) (conversationID string, ok bool, err error)
	Set(ctx context.Context, handle, conversationID string) error
	Clear(ctx context.Context, handle string) error
	// ClearConversation unbinds every handle bound to conversationID.
	ClearConversation(ctx context.Context, conversationID string) error
	Close() error
}

// MemoryBindings keeps bindings in process; they are lost on restart.
type MemoryBindings struct {
	mu       sync.Mutex
	byConv   map[string]map[string]struct{}
	byHandle map[string]string
}

func NewMemoryBindings() *MemoryBindings {
	return &MemoryBindings{
		byConv:   make(map[string]map[string]struct{}),
		byHandle: make(map[string]string),
	}
}

func (m *MemoryBindings) Get(_ context.Context, handle string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHandle[handle]
	return id, ok, nil
}

func (m *MemoryBindings) Set(_ context.Context, handle, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unbindLocked(handle)
	m.byHandle[handle] = conversationID
	handles, ok := m.byConv[conversationID]
	if !ok {
		handles = make(map[string]struct{})
		m.byConv[conversationID] = handles
	}
	handles[handle] = struct{}{}
	return nil
}

func (m *MemoryBindings) Clear(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unbindLocked(handle)
	return nil
}

func (m *MemoryBindings) ClearConversation(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for handle := range m.byConv[conversationID] {
		delete(m.byHandle, handle)
	}
	delete(m.byConv, conversationID)
	return nil
}

func (m *MemoryBindings) Close() error { return nil }

func (m *MemoryBindings) unbindLocked(handle string) {
	prev, ok := m.byHandle[handle]
	if !ok {
		return
	}
	delete(m.byHandle, handle)
	if handles, ok := m.byConv[prev]; ok {
		delete(handles, handle)
		if len(handles) == 0 {
			delete(m.byConv, prev)
		}
	}
}

// RedisBindings shares bindings between server instances. Each handle key
// expires after ttl of inactivity; a reverse set per conversation lets a
// delete invalidate every handle bound to it. The set's expiry slides with
// its handles, and it may still name handles that expired or moved on, so
// ClearConversation checks each handle's current value before deleting it.
func NewRedisBindings(client *redis.Client, ttl time.Duration) *RedisBindings {
	return &RedisBindings{client: client, prefix: "chatpad:", ttl: ttl}
}

func (r *RedisBindings) handleKey(handle string) string {
	return r.prefix + "session:" + handle
}

func (r *RedisBindings) convKey(conversationID string) string {
	return r.prefix + "conversation:" + conversationID + ":handles"
}

func (r *RedisBindings) Get(ctx context.Context, handle string) (string, bool, error) {
	id, err := r.client.Get(ctx, r.handleKey(handle)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get binding")
	}
	if r.ttl > 0 {
		_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Expire(ctx, r.handleKey(handle), r.ttl)
			pipe.Expire(ctx, r.convKey(id), r.ttl)
			return nil
		})
		if err != nil {
			return "", false, errors.Wrap(err, "redis refresh binding")
		}
	}
	return id, true, nil
}

func (r *RedisBindings) Set(ctx context.Context, handle, conversationID string) error {
	prev, err := r.client.Get(ctx, r.handleKey(handle)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "redis get binding")
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" && prev != conversationID {
			pipe.SRem(ctx, r.convKey(prev), handle)
		}
		pipe.Set(ctx, r.handleKey(handle), conversationID, r.ttl)
		pipe.SAdd(ctx, r.convKey(conversationID), handle)
		if r.ttl > 0 {
			pipe.Expire(ctx, r.convKey(conversationID), r.ttl)
		}
		return nil
	})
	return errors.Wrap(err, "redis set binding")
}

func (r *RedisBindings) Clear(ctx context.Context, handle string) error {
	prev, err := r.client.Get(ctx, r.handleKey(handle)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "redis get binding")
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.handleKey(handle))
		pipe.SRem(ctx, r.convKey(prev), handle)
		return nil
	})
	return errors.Wrap(err, "redis clear binding")
}

func (r *RedisBindings) ClearConversation(ctx context.Context, conversationID string) error {
	handles, err := r.client.SMembers(ctx, r.convKey(conversationID)).Result()
	if err != nil {
		return errors.Wrap(err, "redis list bound handles")
	}

	var bound []string
	if len(handles) > 0 {
		keys := make([]string, len(handles))
		for i, h := range handles {
			keys[i] = r.handleKey(h)
		}
		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return errors.Wrap(err, "redis read bound handles")
		}
		for i, v := range values {
			if id, ok := v.(string); ok && id == conversationID {
				bound = append(bound, keys[i])
			}
		}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(bound) > 0 {
			pipe.Del(ctx, bound...)
		}
		pipe.Del(ctx, r.convKey(conversationID))
		return nil
	})
	return errors.Wrap(err, "redis clear conversation bindings")
}

func (r *RedisBindings) Close() error {
	return r.client.Close()
}
