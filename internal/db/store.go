package db

import (
	"context"
	"sync"
	"time"

	"github.com/RichardoC/chatpad/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Store persists conversations keyed by id. Every mutating call is durable
// when it returns; nothing is buffered.
type Store interface {
	// Create allocates a new empty conversation.
	Create(ctx context.Context) (*models.Conversation, error)
	// Append adds msg to the end of the conversation and returns the new
	// updated_at. It fails with models.ErrNotFound for unknown ids.
	Append(ctx context.Context, id string, msg models.Message) (time.Time, error)
	// SetSettings records the model and personality last used with id.
	SetSettings(ctx context.Context, id, model, personality string) error
	// ListSummaries returns all conversations, most recently updated first.
	ListSummaries(ctx context.Context) ([]models.Summary, error)
	Load(ctx context.Context, id string) (*models.Conversation, error)
	Exists(ctx context.Context, id string) (bool, error)
	// Delete removes id. Missing ids are ignored unless strict is set, in
	// which case models.ErrNotFound is returned.
	Delete(ctx context.Context, id string, strict bool) error
	// Search finds messages whose content matches query, newest first.
	Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error)
	Close() error
}

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverFile     = "file"
)

// Open builds the store selected by driver. dsn is the database source for
// SQL drivers and the directory for the file driver.
func Open(driver, dsn string, logger *zap.Logger) (Store, error) {
	switch driver {
	case DriverFile:
		return NewFileStore(dsn, logger)
	case DriverSQLite, DriverPostgres, DriverMySQL:
		return New(driver, dsn, logger)
	default:
		return nil, errors.Errorf("unknown store driver %q", driver)
	}
}

// clock hands out strictly increasing timestamps so that updated_at never
// ties or goes backwards, even when the wall clock does.
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// observe moves the clock forward past t, used when loading persisted state.
func (c *clock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}

func validRole(r models.Role) bool {
	switch r {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
		return true
	}
	return false
}
