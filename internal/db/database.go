package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/RichardoC/chatpad/internal/lock"
	"github.com/RichardoC/chatpad/internal/models"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Database is the SQL-backed Store.
type Database struct {
	db      *sql.DB
	dialect dialect
	locks   *lock.Keyed
	clock   *clock
	logger  *zap.Logger
}

// New opens driver/dsn and applies the schema.
func New(driver, dsn string, logger *zap.Logger) (*Database, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, errors.Errorf("unsupported sql driver %q", driver)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}
	if driver == DriverSQLite {
		// One writer at a time; avoids SQLITE_BUSY between concurrent appends.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "apply schema")
		}
	}

	database := &Database{
		db:      db,
		dialect: d,
		locks:   lock.NewKeyed(),
		clock:   newClock(),
		logger:  logger,
	}

	var latest sql.NullInt64
	if err := db.QueryRow("SELECT MAX(updated_at) FROM conversations").Scan(&latest); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "read latest update time")
	}
	if latest.Valid {
		database.clock.observe(fromNanos(latest.Int64))
	}

	logger.Info("conversation store opened", zap.String("driver", driver))
	return database, nil
}

func (d *Database) q(query string) string {
	return d.dialect.rebind(query)
}

func (d *Database) Create(ctx context.Context) (*models.Conversation, error) {
	now := d.clock.Now()
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
        INSERT INTO conversations (id, model, personality, created_at, updated_at)
        VALUES (?, '', '', ?, ?)`
	if _, err := d.db.ExecContext(ctx, d.q(query), conv.ID, now.UnixNano(), now.UnixNano()); err != nil {
		return nil, errors.Wrap(err, "insert conversation")
	}

	d.logger.Debug("conversation created", zap.String("conversation_id", conv.ID))
	return conv, nil
}

func (d *Database) Append(ctx context.Context, id string, msg models.Message) (time.Time, error) {
	if !validRole(msg.Role) {
		return time.Time{}, errors.Wrapf(models.ErrValidation, "invalid role %q", msg.Role)
	}

	unlock := d.locks.Lock(id)
	defer unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "begin append")
	}
	defer tx.Rollback()

	var updated int64
	err = tx.QueryRowContext(ctx, d.q("SELECT updated_at FROM conversations WHERE id = ?"+d.dialect.forUpdate), id).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, models.ErrNotFound
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "lock conversation")
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, d.q("SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?"), id).Scan(&seq); err != nil {
		return time.Time{}, errors.Wrap(err, "read last sequence")
	}

	now := d.clock.Now()
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}

	query := `
        INSERT INTO messages (conversation_id, seq, role, content, created_at)
        VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, d.q(query), id, seq+1, string(msg.Role), msg.Content, ts.UnixNano()); err != nil {
		return time.Time{}, errors.Wrap(err, "insert message")
	}
	if _, err := tx.ExecContext(ctx, d.q("UPDATE conversations SET updated_at = ? WHERE id = ?"), now.UnixNano(), id); err != nil {
		return time.Time{}, errors.Wrap(err, "touch conversation")
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, errors.Wrap(err, "commit append")
	}

	d.logger.Debug("message appended",
		zap.String("conversation_id", id),
		zap.String("role", string(msg.Role)),
		zap.Int64("seq", seq+1))
	return now, nil
}

func (d *Database) SetSettings(ctx context.Context, id, model, personality string) error {
	res, err := d.db.ExecContext(ctx, d.q("UPDATE conversations SET model = ?, personality = ? WHERE id = ?"), model, personality, id)
	if err != nil {
		return errors.Wrap(err, "update conversation settings")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update conversation settings")
	}
	// MySQL reports 0 affected rows when values are unchanged.
	if n == 0 {
		ok, err := d.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrNotFound
		}
	}
	return nil
}

func (d *Database) ListSummaries(ctx context.Context) ([]models.Summary, error) {
	query := `
        SELECT c.id, c.model, c.personality, c.created_at, c.updated_at,
            (SELECT COUNT(*) FROM messages m
                WHERE m.conversation_id = c.id AND m.role <> 'system'),
            COALESCE((SELECT m.content FROM messages m
                WHERE m.conversation_id = c.id AND m.role <> 'system'
                ORDER BY m.seq LIMIT 1), '')
        FROM conversations c
        ORDER BY c.updated_at DESC, c.id`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	summaries := make([]models.Summary, 0)
	for rows.Next() {
		var (
			s                models.Summary
			created, updated int64
			first            string
		)
		if err := rows.Scan(&s.ID, &s.Model, &s.Personality, &created, &updated, &s.MessageCount, &first); err != nil {
			return nil, errors.Wrap(err, "scan conversation summary")
		}
		s.CreatedAt = fromNanos(created)
		s.UpdatedAt = fromNanos(updated)
		s.Preview = models.EmptyPreview
		if s.MessageCount > 0 {
			s.Preview = models.Preview([]models.Message{{Role: models.RoleUser, Content: first}})
		}
		summaries = append(summaries, s)
	}
	return summaries, errors.Wrap(rows.Err(), "iterate conversation summaries")
}

func (d *Database) Load(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{ID: id, Messages: []models.Message{}}
	var created, updated int64
	err := d.db.QueryRowContext(ctx,
		d.q("SELECT model, personality, created_at, updated_at FROM conversations WHERE id = ?"), id).
		Scan(&conv.Model, &conv.Personality, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load conversation")
	}
	conv.CreatedAt = fromNanos(created)
	conv.UpdatedAt = fromNanos(updated)

	rows, err := d.db.QueryContext(ctx,
		d.q("SELECT role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq"), id)
	if err != nil {
		return nil, errors.Wrap(err, "load messages")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg  models.Message
			role string
			ts   int64
		)
		if err := rows.Scan(&role, &msg.Content, &ts); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.Role = models.Role(role)
		msg.Timestamp = fromNanos(ts)
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return conv, nil
}

func (d *Database) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, d.q("SELECT 1 FROM conversations WHERE id = ?"), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "check conversation")
	}
	return true, nil
}

func (d *Database) Delete(ctx context.Context, id string, strict bool) error {
	unlock := d.locks.Lock(id)
	defer unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()

	// Delete messages
	if _, err := tx.ExecContext(ctx, d.q("DELETE FROM messages WHERE conversation_id = ?"), id); err != nil {
		return errors.Wrap(err, "delete messages")
	}

	// Delete conversation
	res, err := tx.ExecContext(ctx, d.q("DELETE FROM conversations WHERE id = ?"), id)
	if err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	if n == 0 && strict {
		return models.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit delete")
	}
	if n > 0 {
		d.logger.Info("conversation deleted", zap.String("conversation_id", id))
	}
	return nil
}

func (d *Database) Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.QueryContext(ctx, d.q(d.dialect.search), d.dialect.searchArg(query), limit)
	if err != nil {
		return nil, errors.Wrap(err, "search messages")
	}
	defer rows.Close()

	hits := make([]models.SearchHit, 0)
	for rows.Next() {
		var (
			hit  models.SearchHit
			role string
			ts   int64
		)
		if err := rows.Scan(&hit.ConversationID, &role, &hit.Content, &ts); err != nil {
			return nil, errors.Wrap(err, "scan search hit")
		}
		hit.Role = models.Role(role)
		hit.Timestamp = fromNanos(ts)
		hits = append(hits, hit)
	}
	return hits, errors.Wrap(rows.Err(), "iterate search hits")
}

func (d *Database) Close() error {
	return d.db.Close()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
