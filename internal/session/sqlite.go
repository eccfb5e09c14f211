package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	mission       TEXT NOT NULL DEFAULT '',
	project_path  TEXT NOT NULL,
	status        TEXT NOT NULL,
	initial_score REAL NOT NULL DEFAULT 0,
	final_score   REAL NOT NULL DEFAULT 0,
	commit_count  INTEGER NOT NULL DEFAULT 0,
	branch        TEXT NOT NULL DEFAULT '',
	stopped_for   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
`

// SQLiteStore implements Store over a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the store at path. ":memory:" gives
// an ephemeral store for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: opening sqlite store: %w", err)
	}
	// The modernc driver serializes access per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: initializing schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession persists a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return errors.New("session: id must not be empty")
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("session: invalid status %q", sess.Status)
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, mission, project_path, status, initial_score,
			final_score, commit_count, branch, stopped_for, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Mission, sess.ProjectPath, string(sess.Status),
		sess.InitialScore, sess.FinalScore, sess.CommitCount, sess.Branch,
		sess.StoppedFor, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("session: creating session %s: %w", sess.ID, err)
	}
	return nil
}

// UpdateSession persists session mutations. Sessions in a terminal status
// are immutable; updates return ErrTerminal.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *Session) error {
	current, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return &ErrTerminal{ID: sess.ID, Status: current.Status}
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("session: invalid status %q", sess.Status)
	}
	sess.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET mission = ?, status = ?, initial_score = ?,
			final_score = ?, commit_count = ?, branch = ?, stopped_for = ?,
			updated_at = ?
		WHERE id = ?`,
		sess.Mission, string(sess.Status), sess.InitialScore, sess.FinalScore,
		sess.CommitCount, sess.Branch, sess.StoppedFor, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("session: updating session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession fetches one session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mission, project_path, status, initial_score, final_score,
			commit_count, branch, stopped_for, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mission, project_path, status, initial_score, final_score,
			commit_count, branch, stopped_for, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("session: listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AppendEvent appends one event to the session's log and returns its
// sequence number.
func (s *SQLiteStore) AppendEvent(ctx context.Context, sessionID string, e Event) (int64, error) {
	payload, err := Encode(e)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, string(e.Kind()), payload, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("session: appending %s event: %w", e.Kind(), err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session: reading event seq: %w", err)
	}
	return seq, nil
}

// ListEvents returns the session's event log in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, payload FROM events
		WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: listing events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var kind string
		if err := rows.Scan(&ev.Seq, &kind, &ev.Payload); err != nil {
			return nil, fmt.Errorf("session: scanning event: %w", err)
		}
		ev.Kind = Kind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status string
	err := row.Scan(&sess.ID, &sess.Mission, &sess.ProjectPath, &status,
		&sess.InitialScore, &sess.FinalScore, &sess.CommitCount, &sess.Branch,
		&sess.StoppedFor, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: scanning session: %w", err)
	}
	sess.Status = Status(status)
	return &sess, nil
}
