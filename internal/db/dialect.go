package db

import (
	"strconv"
	"strings"
)

// dialect captures the few places where the three SQL backends differ.
// Queries are written with ? placeholders and rebound per dialect.
type dialect struct {
	schema    []string
	forUpdate string
	dollar    bool
	search    string
	// searchArg turns a user query into the bind value for search.
	searchArg func(q string) string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    model TEXT NOT NULL DEFAULT '',
    personality TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    conversation_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, seq),
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts4(
    content,
    conversation_id,
    tokenize=porter
);

-- Keep the FTS index in step with the messages table
CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(docid, content, conversation_id)
    VALUES (new.rowid, new.content, new.conversation_id);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    DELETE FROM messages_fts WHERE docid = old.rowid;
END;`

var dialects = map[string]dialect{
	DriverSQLite: {
		schema: []string{sqliteSchema},
		search: `
        SELECT m.conversation_id, m.role, m.content, m.created_at
        FROM messages m
        JOIN messages_fts fts ON m.rowid = fts.docid
        WHERE fts.content MATCH ?
        ORDER BY m.created_at DESC
        LIMIT ?`,
		// Phrase-quote so user input never parses as FTS query syntax.
		searchArg: func(q string) string {
			return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
		},
	},
	DriverPostgres: {
		schema: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id          VARCHAR(64) PRIMARY KEY,
				model       VARCHAR(255) NOT NULL DEFAULT '',
				personality VARCHAR(64)  NOT NULL DEFAULT '',
				created_at  BIGINT NOT NULL,
				updated_at  BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				conversation_id VARCHAR(64) NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				seq             BIGINT NOT NULL,
				role            VARCHAR(16) NOT NULL,
				content         TEXT NOT NULL,
				created_at      BIGINT NOT NULL,
				PRIMARY KEY (conversation_id, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at)`,
		},
		forUpdate: " FOR UPDATE",
		dollar:    true,
		search: `
        SELECT conversation_id, role, content, created_at
        FROM messages
        WHERE content ILIKE ?
        ORDER BY created_at DESC
        LIMIT ?`,
		searchArg: likePattern,
	},
	DriverMySQL: {
		schema: []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id          VARCHAR(64) PRIMARY KEY,
				model       VARCHAR(255) NOT NULL DEFAULT '',
				personality VARCHAR(64)  NOT NULL DEFAULT '',
				created_at  BIGINT NOT NULL,
				updated_at  BIGINT NOT NULL,
				INDEX idx_conversations_updated_at (updated_at)
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				conversation_id VARCHAR(64) NOT NULL,
				seq             BIGINT NOT NULL,
				role            VARCHAR(16) NOT NULL,
				content         LONGTEXT NOT NULL,
				created_at      BIGINT NOT NULL,
				PRIMARY KEY (conversation_id, seq),
				FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
		},
		forUpdate: " FOR UPDATE",
		search: `
        SELECT conversation_id, role, content, created_at
        FROM messages
        WHERE content LIKE ?
        ORDER BY created_at DESC
        LIMIT ?`,
		searchArg: likePattern,
	},
}

func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

// rebind rewrites ? placeholders to $n for dialects that need it.
func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
