package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/deckster/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. The _pragma form
	// applies busy_timeout to every pooled connection, not just the first.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000" +
		"&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS owners (
		owner_id TEXT PRIMARY KEY,
		first_seen_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		state TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS session_artifacts (
		session_id TEXT NOT NULL,
		slot TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, slot)
	);

	CREATE TABLE IF NOT EXISTS session_turns (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		intent TEXT,
		extracted TEXT,
		state TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session with its artifacts and history.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	if !sess.State.Valid() {
		return fmt.Errorf("create session %s: %w", sess.ID, domain.ErrInvalidState)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_id, state, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, string(sess.State), sess.Version,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for slot, v := range sess.Artifacts {
		if err := upsertArtifact(ctx, tx, sess.ID, slot, v, sess.UpdatedAt); err != nil {
			return err
		}
	}
	if err := insertTurns(ctx, tx, sess.ID, sess.History); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// GetSession retrieves a full session.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, state, version, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var sess domain.Session
	var state string
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.OwnerID, &state, &sess.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	// A stored state outside the closed set is corruption, not a transition target.
	sess.State, err = domain.ParseState(state)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)

	if sess.Artifacts, err = s.loadArtifacts(ctx, id); err != nil {
		return nil, err
	}
	if sess.History, err = s.loadTurns(ctx, id); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) loadArtifacts(ctx context.Context, id string) (map[domain.Slot]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slot, value FROM session_artifacts WHERE session_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer closeRows(rows, "artifacts")

	out := make(map[domain.Slot]json.RawMessage)
	for rows.Next() {
		var slot, value string
		if err := rows.Scan(&slot, &value); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		out[domain.Slot(slot)] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) loadTurns(ctx context.Context, id string) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, intent, extracted, state, created_at
		FROM session_turns WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer closeRows(rows, "turns")

	var out []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var role string
		var intent, extracted, state sql.NullString
		var createdAt int64
		if err := rows.Scan(&t.Seq, &role, &t.Content, &intent, &extracted, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = domain.Role(role)
		t.Intent = domain.IntentKind(intent.String)
		t.Extracted = extracted.String
		t.State = domain.State(state.String)
		t.Timestamp = time.UnixMilli(createdAt)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

// PutField writes one artifact slot.
func (s *SQLiteStore) PutField(ctx context.Context, id string, slot domain.Slot, value json.RawMessage) (int64, error) {
	if !slot.Valid() {
		return 0, fmt.Errorf("put field: unknown slot %q", slot)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin put field: %w", err)
	}
	defer rollback(tx)

	now := time.Now()
	version, err := bumpVersion(ctx, tx, id, "", now)
	if err != nil {
		return 0, err
	}
	if len(value) == 0 {
		if err := deleteArtifact(ctx, tx, id, slot); err != nil {
			return 0, err
		}
	} else if err := upsertArtifact(ctx, tx, id, slot, value, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit put field: %w", err)
	}
	return version, nil
}

// PutState writes the session state.
func (s *SQLiteStore) PutState(ctx context.Context, id string, state domain.State) (int64, error) {
	if !state.Valid() {
		return 0, fmt.Errorf("put state: %w", domain.ErrInvalidState)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin put state: %w", err)
	}
	defer rollback(tx)

	version, err := bumpVersion(ctx, tx, id, state, time.Now())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit put state: %w", err)
	}
	return version, nil
}

// Commit applies one orchestration step atomically.
func (s *SQLiteStore) Commit(ctx context.Context, c Commit) (int64, error) {
	if !c.State.Valid() {
		return 0, fmt.Errorf("commit: %w", domain.ErrInvalidState)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit: %w", err)
	}
	defer rollback(tx)

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET state = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(c.State), c.UpdatedAt.UnixMilli(), c.SessionID, c.ExpectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, c.SessionID).Scan(&one)
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("check session: %w", err)
		}
		slog.Warn("Commit affected 0 rows", "session_id", c.SessionID, "expected_version", c.ExpectedVersion)
		return 0, ErrStaleWrite
	}

	for _, slot := range c.Clear {
		if err := deleteArtifact(ctx, tx, c.SessionID, slot); err != nil {
			return 0, err
		}
	}
	for slot, v := range c.Set {
		if err := upsertArtifact(ctx, tx, c.SessionID, slot, v, c.UpdatedAt); err != nil {
			return 0, err
		}
	}
	if err := insertTurns(ctx, tx, c.SessionID, c.Turns); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit step: %w", err)
	}
	return c.ExpectedVersion + 1, nil
}

// ListSessions returns the sessions of an owner, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, updated_at FROM sessions
		WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var state string
		var updatedAt int64
		if err := rows.Scan(&sum.ID, &state, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.State = domain.State(state)
		sum.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// TouchOwner records that an owner was seen.
func (s *SQLiteStore) TouchOwner(ctx context.Context, ownerID string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO owners (owner_id, first_seen_at, last_seen_at)
	VALUES (?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		last_seen_at = excluded.last_seen_at`,
		ownerID, seen.UnixMilli(), seen.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("touch owner: %w", err)
	}
	return nil
}

// GetOwner retrieves an owner.
func (s *SQLiteStore) GetOwner(ctx context.Context, ownerID string) (*domain.Owner, error) {
	var o domain.Owner
	var first, last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, first_seen_at, last_seen_at FROM owners WHERE owner_id = ?`, ownerID,
	).Scan(&o.OwnerID, &first, &last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan owner row: %w", err)
	}
	o.FirstSeenAt = time.UnixMilli(first)
	o.LastSeenAt = time.UnixMilli(last)
	return &o, nil
}

// GetExpiredSessions returns the ids of sessions idle longer than ttl.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer closeRows(rows, "expired sessions")

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return ids, nil
}

// DeleteSession removes a session with its artifacts and turns.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer rollback(tx)

	for _, q := range []string{
		`DELETE FROM session_turns WHERE session_id = ?`,
		`DELETE FROM session_artifacts WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

// bumpVersion increments the version of id, optionally setting its state,
// and returns the new version.
func bumpVersion(ctx context.Context, tx *sql.Tx, id string, state domain.State, now time.Time) (int64, error) {
	var version int64
	var err error
	if state == "" {
		err = tx.QueryRowContext(ctx, `
			UPDATE sessions SET version = version + 1, updated_at = ?
			WHERE id = ? RETURNING version`, now.UnixMilli(), id).Scan(&version)
	} else {
		err = tx.QueryRowContext(ctx, `
			UPDATE sessions SET state = ?, version = version + 1, updated_at = ?
			WHERE id = ? RETURNING version`, string(state), now.UnixMilli(), id).Scan(&version)
	}
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}
	return version, nil
}

func upsertArtifact(ctx context.Context, tx *sql.Tx, id string, slot domain.Slot, value json.RawMessage, now time.Time) error {
	if !slot.Valid() {
		return fmt.Errorf("upsert artifact: unknown slot %q", slot)
	}
	if !json.Valid(value) {
		return fmt.Errorf("upsert artifact %s: value is not valid JSON", slot)
	}
	_, err := tx.ExecContext(ctx, `
	INSERT INTO session_artifacts (session_id, slot, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id, slot) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`,
		id, string(slot), string(value), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", slot, err)
	}
	return nil
}

func deleteArtifact(ctx context.Context, tx *sql.Tx, id string, slot domain.Slot) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_artifacts WHERE session_id = ? AND slot = ?`, id, string(slot)); err != nil {
		return fmt.Errorf("delete artifact %s: %w", slot, err)
	}
	return nil
}

func insertTurns(ctx context.Context, tx *sql.Tx, id string, turns []domain.Turn) error {
	for _, t := range turns {
		var intent, extracted, state interface{}
		if t.Intent != "" {
			intent = string(t.Intent)
		}
		if t.Extracted != "" {
			extracted = t.Extracted
		}
		if t.State != "" {
			state = string(t.State)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_turns (session_id, seq, role, content, intent, extracted, state, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, t.Seq, string(t.Role), t.Content, intent, extracted, state, t.Timestamp.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", t.Seq, err)
		}
	}
	return nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("failed to roll back transaction", "error", err)
	}
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "rows", what, "error", err)
	}
}
