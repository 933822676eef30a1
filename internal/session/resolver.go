// Package session binds client handles to conversations.
//
// A handle is an opaque per-client token (the server keeps it in a cookie).
// Each handle is bound to at most one conversation at a time. Bindings are
// created lazily on the first chat message, cleared on reset, moved by an
// explicit load and dropped when their conversation is deleted.
package session

import (
	"context"

	"github.com/RichardoC/chatpad/internal/db"
	"github.com/RichardoC/chatpad/internal/lock"
	"github.com/RichardoC/chatpad/internal/models"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Resolver struct {
	store    db.Store
	bindings Bindings
	locks    *lock.Keyed
	logger   *zap.Logger
}

func NewResolver(store db.Store, bindings Bindings, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    store,
		bindings: bindings,
		locks:    lock.NewKeyed(),
		logger:   logger,
	}
}

// NewHandle returns a fresh client handle.
func NewHandle() string {
	return shortuuid.New()
}

// Resolve returns the conversation bound to handle, creating and binding a
// new one when there is none or the bound one no longer exists.
func (r *Resolver) Resolve(ctx context.Context, handle string) (string, error) {
	unlock := r.locks.Lock(handle)
	defer unlock()

	id, ok, err := r.current(ctx, handle)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	conv, err := r.store.Create(ctx)
	if err != nil {
		return "", errors.Wrap(err, "create conversation")
	}
	if err := r.bindings.Set(ctx, handle, conv.ID); err != nil {
		return "", errors.Wrap(err, "bind conversation")
	}
	r.logger.Info("session bound to new conversation",
		zap.String("handle", handle),
		zap.String("conversation_id", conv.ID))
	return conv.ID, nil
}

// Current returns the bound conversation without creating one.
func (r *Resolver) Current(ctx context.Context, handle string) (string, bool, error) {
	unlock := r.locks.Lock(handle)
	defer unlock()
	return r.current(ctx, handle)
}

func (r *Resolver) current(ctx context.Context, handle string) (string, bool, error) {
	id, ok, err := r.bindings.Get(ctx, handle)
	if err != nil {
		return "", false, errors.Wrap(err, "read binding")
	}
	if !ok {
		return "", false, nil
	}

	exists, err := r.store.Exists(ctx, id)
	if err != nil {
		return "", false, err
	}
	if !exists {
		// The conversation was deleted elsewhere; treat the binding as gone.
		if err := r.bindings.Clear(ctx, handle); err != nil {
			return "", false, errors.Wrap(err, "clear stale binding")
		}
		return "", false, nil
	}
	return id, true, nil
}

// Rebind points handle at an existing conversation.
func (r *Resolver) Rebind(ctx context.Context, handle, conversationID string) error {
	unlock := r.locks.Lock(handle)
	defer unlock()

	exists, err := r.store.Exists(ctx, conversationID)
	if err != nil {
		return err
	}
	if !exists {
		return models.ErrNotFound
	}
	if err := r.bindings.Set(ctx, handle, conversationID); err != nil {
		return errors.Wrap(err, "bind conversation")
	}
	r.logger.Info("session rebound",
		zap.String("handle", handle),
		zap.String("conversation_id", conversationID))
	return nil
}

// Clear unbinds handle; the next Resolve starts a fresh conversation.
func (r *Resolver) Clear(ctx context.Context, handle string) error {
	unlock := r.locks.Lock(handle)
	defer unlock()
	return errors.Wrap(r.bindings.Clear(ctx, handle), "clear binding")
}

// Forget drops every binding to conversationID. Called after a delete.
func (r *Resolver) Forget(ctx context.Context, conversationID string) error {
	return errors.Wrap(r.bindings.ClearConversation(ctx, conversationID), "forget conversation")
}
