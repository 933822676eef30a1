package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/chatpad/internal/lock"
	"github.com/RichardoC/chatpad/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FileStore keeps one JSON document per conversation in a directory and an
// in-memory copy of all of them. Every mutation rewrites the affected file
// before returning.
type FileStore struct {
	dir    string
	mu     sync.RWMutex
	convs  map[string]*models.Conversation
	locks  *lock.Keyed
	clock  *clock
	logger *zap.Logger
}

// NewFileStore loads every *.json conversation found in dir, creating dir
// if needed. Unreadable files are skipped and logged.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// 0700 - conversation history is private
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "create conversations directory")
	}

	s := &FileStore{
		dir:    dir,
		convs:  make(map[string]*models.Conversation),
		locks:  lock.NewKeyed(),
		clock:  newClock(),
		logger: logger,
	}
	if err := s.loadAll(); err != nil {
		logger.Warn("some conversations could not be loaded", zap.Error(err))
	}
	logger.Info("conversation store opened",
		zap.String("driver", DriverFile),
		zap.String("dir", dir),
		zap.Int("conversations", len(s.convs)))
	return s, nil
}

func (s *FileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "read conversations directory")
	}

	var errs error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		var conv models.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "parse %s", entry.Name()))
			continue
		}
		if conv.ID == "" {
			conv.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		if conv.Messages == nil {
			conv.Messages = []models.Message{}
		}
		s.convs[conv.ID] = &conv
		s.clock.observe(conv.UpdatedAt)
	}
	return errs
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", id))
}

// write persists conv via a temp file and rename so a crash never leaves a
// half-written document behind.
func (s *FileStore) write(conv *models.Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal conversation")
	}
	tmp, err := os.CreateTemp(s.dir, conv.ID+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write conversation")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync conversation")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close conversation")
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return errors.Wrap(err, "chmod conversation")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path(conv.ID)), "rename conversation")
}

func (s *FileStore) get(id string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	return conv, ok
}

func (s *FileStore) Create(ctx context.Context) (*models.Conversation, error) {
	now := s.clock.Now()
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock := s.locks.Lock(conv.ID)
	defer unlock()
	if err := s.write(conv); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.convs[conv.ID] = conv
	s.mu.Unlock()

	s.logger.Debug("conversation created", zap.String("conversation_id", conv.ID))
	return cloneConversation(conv), nil
}

func (s *FileStore) Append(ctx context.Context, id string, msg models.Message) (time.Time, error) {
	if !validRole(msg.Role) {
		return time.Time{}, errors.Wrapf(models.ErrValidation, "invalid role %q", msg.Role)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	conv, ok := s.get(id)
	if !ok {
		return time.Time{}, models.ErrNotFound
	}

	now := s.clock.Now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	next := cloneConversation(conv)
	next.Messages = append(next.Messages, msg)
	next.UpdatedAt = now
	if err := s.write(next); err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	s.convs[id] = next
	s.mu.Unlock()

	s.logger.Debug("message appended",
		zap.String("conversation_id", id),
		zap.String("role", string(msg.Role)),
		zap.Int("seq", len(next.Messages)))
	return now, nil
}

func (s *FileStore) SetSettings(ctx context.Context, id, model, personality string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	conv, ok := s.get(id)
	if !ok {
		return models.ErrNotFound
	}
	next := cloneConversation(conv)
	next.Model = model
	next.Personality = personality
	if err := s.write(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.convs[id] = next
	s.mu.Unlock()
	return nil
}

func (s *FileStore) ListSummaries(ctx context.Context) ([]models.Summary, error) {
	s.mu.RLock()
	summaries := make([]models.Summary, 0, len(s.convs))
	for _, conv := range s.convs {
		count := 0
		for _, m := range conv.Messages {
			if m.Role != models.RoleSystem {
				count++
			}
		}
		summaries = append(summaries, models.Summary{
			ID:           conv.ID,
			Preview:      models.Preview(conv.Messages),
			Model:        conv.Model,
			Personality:  conv.Personality,
			MessageCount: count,
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
		})
	}
	s.mu.RUnlock()

	// Sort by UpdatedAt (newest first)
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*models.Conversation, error) {
	conv, ok := s.get(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *FileStore) Exists(ctx context.Context, id string) (bool, error) {
	_, ok := s.get(id)
	return ok, nil
}

func (s *FileStore) Delete(ctx context.Context, id string, strict bool) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, ok := s.get(id); !ok {
		if strict {
			return models.ErrNotFound
		}
		return nil
	}

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete conversation file")
	}

	s.mu.Lock()
	delete(s.convs, id)
	s.mu.Unlock()

	s.logger.Info("conversation deleted", zap.String("conversation_id", id))
	return nil
}

func (s *FileStore) Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	hits := make([]models.SearchHit, 0)
	for _, conv := range s.convs {
		for _, m := range conv.Messages {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				hits = append(hits, models.SearchHit{
					ConversationID: conv.ID,
					Role:           m.Role,
					Content:        m.Content,
					Timestamp:      m.Timestamp,
				})
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *FileStore) Close() error {
	return nil
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.Messages = make([]models.Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return &out
}
