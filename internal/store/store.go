// Package store is the relational layer: session rows folded from per-turn
// diffs and aggregated statistics rows, both on SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"docchat/internal/kst"
	"docchat/internal/logging"
	"docchat/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    session_id              TEXT PRIMARY KEY,
    collection_name         TEXT NOT NULL DEFAULT '',
    started_at              TEXT NOT NULL,
    ended_at                TEXT,
    message_count           INTEGER NOT NULL DEFAULT 0,
    user_message_count      INTEGER NOT NULL DEFAULT 0,
    assistant_message_count INTEGER NOT NULL DEFAULT 0,
    total_response_time_ms  INTEGER NOT NULL DEFAULT 0,
    avg_response_time_ms    INTEGER NOT NULL DEFAULT 0,
    has_error               INTEGER NOT NULL DEFAULT 0,
    min_retrieval_score     REAL,
    llm_model               TEXT,
    reasoning_level         TEXT
);

CREATE TABLE IF NOT EXISTS chat_statistics (
    stat_id                INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_name        TEXT NOT NULL,
    date                   TEXT NOT NULL,
    hour                   INTEGER,
    total_messages         INTEGER NOT NULL DEFAULT 0,
    user_messages          INTEGER NOT NULL DEFAULT 0,
    assistant_messages     INTEGER NOT NULL DEFAULT 0,
    total_tokens           INTEGER NOT NULL DEFAULT 0,
    avg_response_time_ms   REAL NOT NULL DEFAULT 0,
    p50_response_time_ms   REAL NOT NULL DEFAULT 0,
    p95_response_time_ms   REAL NOT NULL DEFAULT 0,
    p99_response_time_ms   REAL NOT NULL DEFAULT 0,
    max_response_time_ms   REAL NOT NULL DEFAULT 0,
    avg_retrieval_score    REAL,
    reranking_used_count   INTEGER NOT NULL DEFAULT 0,
    error_count            INTEGER NOT NULL DEFAULT 0,
    top_queries            TEXT NOT NULL DEFAULT '[]',
    model_usage            TEXT NOT NULL DEFAULT '{}',
    reasoning_distribution TEXT NOT NULL DEFAULT '{}',
    created_at             TEXT NOT NULL,
    updated_at             TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_stats_coll_date_hour
    ON chat_statistics (collection_name, date, IFNULL(hour, -1));
`

// DB wraps the SQLite handle.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the database and applies the WAL and cache
// pragmas plus the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between the session batcher and the aggregator.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA cache_size = -8000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set cache pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logging.For("store").Info().Str("path", path).Msg("database opened")
	return &DB{sql: db}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error { return d.sql.Close() }

const upsertSessionSQL = `
INSERT INTO chat_sessions (
    session_id, collection_name, started_at, ended_at,
    message_count, user_message_count, assistant_message_count,
    total_response_time_ms, avg_response_time_ms,
    has_error, min_retrieval_score, llm_model, reasoning_level
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    collection_name         = CASE WHEN excluded.collection_name != '' THEN excluded.collection_name ELSE collection_name END,
    ended_at                = excluded.ended_at,
    user_message_count      = user_message_count + excluded.user_message_count,
    assistant_message_count = assistant_message_count + excluded.assistant_message_count,
    message_count           = user_message_count + excluded.user_message_count
                              + assistant_message_count + excluded.assistant_message_count,
    total_response_time_ms  = total_response_time_ms + excluded.total_response_time_ms,
    avg_response_time_ms    = (total_response_time_ms + excluded.total_response_time_ms)
                              / MAX(1, assistant_message_count + excluded.assistant_message_count),
    has_error               = MAX(has_error, excluded.has_error),
    min_retrieval_score     = CASE
                                WHEN excluded.min_retrieval_score IS NULL THEN min_retrieval_score
                                WHEN min_retrieval_score IS NULL THEN excluded.min_retrieval_score
                                ELSE MIN(min_retrieval_score, excluded.min_retrieval_score)
                              END,
    llm_model               = COALESCE(excluded.llm_model, llm_model),
    reasoning_level         = COALESCE(excluded.reasoning_level, reasoning_level)
`

// ApplySessionUpdates folds a batch of per-turn diffs into chat_sessions in a
// single transaction. The counting invariants hold after every commit:
// message_count is the sum of the per-role counts and avg_response_time_ms is
// the integer mean over assistant turns. On any failure the whole batch rolls
// back and the count of unapplied diffs is returned with the error.
func (d *DB) ApplySessionUpdates(ctx context.Context, updates []models.SessionUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return len(updates), fmt.Errorf("failed to begin session batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSessionSQL)
	if err != nil {
		return len(updates), fmt.Errorf("failed to prepare session upsert: %w", err)
	}
	defer stmt.Close()

	now := kst.Now().Format(kst.TimestampLayout)
	for i, upd := range updates {
		var minScore *float64
		for _, s := range upd.TopScores {
			if minScore == nil || s < *minScore {
				v := s
				minScore = &v
			}
		}
		hasError := 0
		if upd.HasError {
			hasError = 1
		}
		avg := upd.ResponseTimeMS
		if upd.DeltaAssistant > 1 {
			avg = upd.ResponseTimeMS / int64(upd.DeltaAssistant)
		}

		if _, err := stmt.ExecContext(ctx,
			upd.SessionID, upd.CollectionName, now, now,
			upd.DeltaUser+upd.DeltaAssistant, upd.DeltaUser, upd.DeltaAssistant,
			upd.ResponseTimeMS, avg,
			hasError, minScore, nullStr(upd.LLMModel), nullStr(upd.ReasoningLevel),
		); err != nil {
			return len(updates) - i, fmt.Errorf("session upsert for %s failed: %w", upd.SessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return len(updates), fmt.Errorf("failed to commit session batch: %w", err)
	}
	return 0, nil
}

// Session is one chat_sessions row.
type Session struct {
	SessionID             string
	CollectionName        string
	StartedAt             string
	EndedAt               *string
	MessageCount          int
	UserMessageCount      int
	AssistantMessageCount int
	TotalResponseTimeMS   int64
	AvgResponseTimeMS     int64
	HasError              bool
	MinRetrievalScore     *float64
	LLMModel              *string
	ReasoningLevel        *string
}

// GetSession loads one session row.
func (d *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := d.sql.QueryRowContext(ctx, `
		SELECT session_id, collection_name, started_at, ended_at,
		       message_count, user_message_count, assistant_message_count,
		       total_response_time_ms, avg_response_time_ms,
		       has_error, min_retrieval_score, llm_model, reasoning_level
		FROM chat_sessions WHERE session_id = ?`, sessionID)

	var s Session
	var hasError int
	if err := row.Scan(
		&s.SessionID, &s.CollectionName, &s.StartedAt, &s.EndedAt,
		&s.MessageCount, &s.UserMessageCount, &s.AssistantMessageCount,
		&s.TotalResponseTimeMS, &s.AvgResponseTimeMS,
		&hasError, &s.MinRetrievalScore, &s.LLMModel, &s.ReasoningLevel,
	); err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	s.HasError = hasError != 0
	return &s, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
