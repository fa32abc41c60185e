package session

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// sessionColumns is the SELECT list shared by all session queries.
const sessionColumns = "id, contact_id, contact_name, room_id, room_name, start_time, end_time"

// timeFormat is the canonical on-disk timestamp encoding.
const timeFormat = time.RFC3339Nano

// Store manages session and turn persistence in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a session store using the given database path.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			contact_name TEXT NOT NULL,
			room_id TEXT NOT NULL DEFAULT '',
			room_name TEXT NOT NULL DEFAULT '',
			start_time TEXT NOT NULL,
			end_time TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_open_contact
			ON sessions(contact_id, start_time) WHERE end_time IS NULL;
		CREATE INDEX IF NOT EXISTS idx_sessions_open_room
			ON sessions(room_id, start_time) WHERE end_time IS NULL;

		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL,
			create_time TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, create_time);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindOpen returns the open session for the identity, or nil if none
// exists. Room and direct sessions are queried on disjoint columns so
// they can never be conflated. Ordered by start_time descending as a
// defensive tiebreak; there should be at most one open session.
func (s *Store) FindOpen(identity Identity) (*Session, error) {
	var row *sql.Row
	if identity.IsGroup() {
		row = s.db.QueryRow(`
			SELECT `+sessionColumns+` FROM sessions
			WHERE end_time IS NULL AND room_id = ?
			ORDER BY start_time DESC LIMIT 1
		`, identity.RoomID)
	} else {
		row = s.db.QueryRow(`
			SELECT `+sessionColumns+` FROM sessions
			WHERE end_time IS NULL AND room_id = '' AND contact_id = ?
			ORDER BY start_time DESC LIMIT 1
		`, identity.ContactID)
	}

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	return sess, nil
}

// Start creates and persists a new open session for the identity.
func (s *Store) Start(identity Identity, start time.Time) (*Session, error) {
	sess := &Session{
		ID:          uuid.NewString(),
		ContactID:   identity.ContactID,
		ContactName: identity.ContactName,
		RoomID:      identity.RoomID,
		RoomName:    identity.RoomName,
		StartTime:   start,
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, contact_id, contact_name, room_id, room_name, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
	`, sess.ID, sess.ContactID, sess.ContactName, sess.RoomID, sess.RoomName,
		start.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return sess, nil
}

// End closes the session by stamping its end_time. Closure is the only
// terminal transition; sessions are never deleted.
func (s *Store) End(sessionID string, end time.Time) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET end_time = ? WHERE id = ?
	`, end.UTC().Format(timeFormat), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// AppendExchange records the prompt turn and its assistant reply in one
// transaction. Turns are only ever written in such pairs, after a reply
// has been obtained, so a failed completion never leaves an orphaned
// half-exchange behind.
func (s *Store) AppendExchange(sessionID string, prompt, reply Turn) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range []Turn{prompt, reply} {
		_, err := tx.Exec(`
			INSERT INTO turns (session_id, role, content, tokens, create_time)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, string(t.Role), t.Content, t.Tokens,
			t.CreateTime.UTC().Format(timeFormat))
		if err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}

// Turns returns the session's turns ordered oldest first. The insert id
// breaks ties between turns written within the same timestamp.
func (s *Store) Turns(sessionID string) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, tokens, create_time
		FROM turns WHERE session_id = ?
		ORDER BY create_time ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role, createTime string
		if err := rows.Scan(&t.ID, &t.SessionID, &role, &t.Content, &t.Tokens, &createTime); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		t.CreateTime, err = time.Parse(timeFormat, createTime)
		if err != nil {
			return nil, fmt.Errorf("parse turn time: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var startTime string
	var endTime sql.NullString

	err := row.Scan(&sess.ID, &sess.ContactID, &sess.ContactName,
		&sess.RoomID, &sess.RoomName, &startTime, &endTime)
	if err != nil {
		return nil, err
	}

	sess.StartTime, err = time.Parse(timeFormat, startTime)
	if err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	if endTime.Valid {
		t, err := time.Parse(timeFormat, endTime.String)
		if err != nil {
			return nil, fmt.Errorf("parse end_time: %w", err)
		}
		sess.EndTime = &t
	}

	return &sess, nil
}
