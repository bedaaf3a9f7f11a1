// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	// SQL drivers, registered by dialect name.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the append-only event log. Implementations must guarantee that
// sequence numbers for a given session are gap-free and strictly increasing
// even under concurrent AppendEvent calls.
type Store interface {
	CreateSession(ctx context.Context, cfg SessionConfig, parentID *string) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	AppendEvent(ctx context.Context, sessionID string, kind EventKind, author string, content []Content) (*Event, error)
	// AppendToolCallEvent is AppendEvent for the tool-call lifecycle kinds
	// (ToolCallApproved, ToolCallDenied, and any other event the projector
	// keys off Event.ToolCallID rather than its Content).
	AppendToolCallEvent(ctx context.Context, sessionID string, kind EventKind, author, toolCallID string, content []Content) (*Event, error)
	ListEvents(ctx context.Context, sessionID string, after *uint64, limit int) ([]Event, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// SQLStore is a dialect-aware, transactionally-sequenced implementation of
// Store, adapted from the SQL session store pattern: one table for session
// rows, one for their events, with the event sequence number assigned inside
// the same transaction as the insert via SELECT MAX(sequence_num)+1.
type SQLStore struct {
	db      *sql.DB
	dialect string

	// locker serializes AppendEvent per session beyond what the DB
	// transaction alone provides; the default is a local mutex per
	// sessionID, sufficient for a single-process deployment. A distributed
	// Locker (see lock.go) is swapped in for multi-instance deployments.
	locker Locker
}

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    parent_session_id VARCHAR(255),
    config_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createEventsSchemaSQL = `
CREATE TABLE IF NOT EXISTS session_events (
    id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    sequence_num INTEGER NOT NULL,
    kind VARCHAR(64) NOT NULL,
    author VARCHAR(255),
    content_json TEXT,
    tool_call_id VARCHAR(255),
    parent_session_id VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, id)
)`

const createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_session_events_seq ON session_events(session_id, sequence_num)`

const createEventsCreatedAtIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_session_events_created_at ON session_events(session_id, created_at)`

// NewSQLStore opens a dialect-aware event store. dialect is one of
// "postgres", "mysql", "sqlite"/"sqlite3".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	case "sqlite3":
		dialect = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect, locker: NewMutexLocker()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// WithLocker swaps in a different per-session serialization strategy (e.g.
// an etcd-backed distributed lock for multi-instance deployments).
func (s *SQLStore) WithLocker(l Locker) *SQLStore {
	s.locker = l
	return s
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range []string{
		createSessionsSchemaSQL,
		createEventsSchemaSQL,
		createEventsIndexSQL,
		createEventsCreatedAtIndexSQL,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateSession(ctx context.Context, cfg SessionConfig, parentID *string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        NewID(),
		ParentID:  parentID,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session config: %w", err)
	}

	var parent any
	var parentSID string
	if parentID != nil {
		parent = *parentID
		parentSID = *parentID
	}

	query := s.insertSessionQuery()
	if _, err := s.db.ExecContext(ctx, query, sess.ID, parent, string(configJSON), now, now); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if _, err := s.appendEvent(ctx, sess.ID, EventSessionCreated, "system", "", parentSID, nil); err != nil {
		return nil, fmt.Errorf("failed to append session_created event: %w", err)
	}

	return sess, nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	query := `SELECT id, parent_session_id, config_json, created_at, updated_at FROM sessions WHERE id = ?`
	query = s.rebind(query)

	var (
		id, configJSON string
		parentID       sql.NullString
		createdAt      time.Time
		updatedAt      time.Time
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&id, &parentID, &configJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var cfg SessionConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session config: %w", err)
	}

	sess := &Session{ID: id, Config: cfg, CreatedAt: createdAt, UpdatedAt: updatedAt}
	if parentID.Valid {
		pid := parentID.String
		sess.ParentID = &pid
	}
	return sess, nil
}

// AppendEvent assigns the next gap-free sequence number for sessionID and
// persists the event, all inside one transaction, serialized per-session by
// s.locker so two concurrent callers never race on the same counter.
func (s *SQLStore) AppendEvent(ctx context.Context, sessionID string, kind EventKind, author string, content []Content) (*Event, error) {
	return s.appendEvent(ctx, sessionID, kind, author, "", "", content)
}

func (s *SQLStore) AppendToolCallEvent(ctx context.Context, sessionID string, kind EventKind, author, toolCallID string, content []Content) (*Event, error) {
	return s.appendEvent(ctx, sessionID, kind, author, toolCallID, "", content)
}

func (s *SQLStore) appendEvent(ctx context.Context, sessionID string, kind EventKind, author, toolCallID, parentSessionID string, content []Content) (*Event, error) {
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seqNum, err := s.getNextSequenceNumTx(ctx, tx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence number: %w", err)
	}

	var contentJSON string
	if len(content) > 0 {
		b, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event content: %w", err)
		}
		contentJSON = string(b)
	}

	now := time.Now()
	event := &Event{
		ID:          NewID(),
		SessionID:   sessionID,
		SequenceNum: seqNum,
		Kind:        kind,
		Author:      author,
		CreatedAt:   now,
		Content:     content,
		ToolCallID:  toolCallID,
	}
	event.ParentSessionID = parentSessionID

	query := s.insertEventQuery()
	if _, err := tx.ExecContext(ctx, query,
		event.ID, event.SessionID, event.SequenceNum, string(event.Kind),
		event.Author, contentJSON, event.ToolCallID, event.ParentSessionID, event.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	touchQuery := s.rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touchQuery, now, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return event, nil
}

func (s *SQLStore) ListEvents(ctx context.Context, sessionID string, after *uint64, limit int) ([]Event, error) {
	cols := `id, session_id, sequence_num, kind, author, content_json, tool_call_id, parent_session_id, created_at`
	query := `SELECT ` + cols + ` FROM session_events WHERE session_id = ?`
	args := []any{sessionID}

	if after != nil {
		query += " AND sequence_num > ?"
		args = append(args, *after)
	}
	query += " ORDER BY sequence_num ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	query = s.rebind(query)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev                                          Event
			kind                                        string
			contentJSON, toolCallID, parentSID          sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.SequenceNum, &kind, &ev.Author,
			&contentJSON, &toolCallID, &parentSID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		ev.ToolCallID = toolCallID.String
		ev.ParentSessionID = parentSID.String
		if contentJSON.Valid && contentJSON.String != "" {
			if err := json.Unmarshal([]byte(contentJSON.String), &ev.Content); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event content: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	eventQuery := s.rebind(`DELETE FROM session_events WHERE session_id = ?`)
	if _, err := s.db.ExecContext(ctx, eventQuery, sessionID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	query := s.rebind(`DELETE FROM sessions WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLStore) getNextSequenceNumTx(ctx context.Context, tx *sql.Tx, sessionID string) (uint64, error) {
	query := s.rebind(`SELECT COALESCE(MAX(sequence_num), -1) + 1 FROM session_events WHERE session_id = ?`)
	var seqNum uint64
	if err := tx.QueryRowContext(ctx, query, sessionID).Scan(&seqNum); err != nil {
		return 0, err
	}
	return seqNum, nil
}

func (s *SQLStore) insertSessionQuery() string {
	return s.rebind(`INSERT INTO sessions (id, parent_session_id, config_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`)
}

func (s *SQLStore) insertEventQuery() string {
	return s.rebind(`INSERT INTO session_events (
		id, session_id, sequence_num, kind, author, content_json, tool_call_id, parent_session_id, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
}

// rebind converts ? placeholders to $N for postgres, leaves them alone otherwise.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	return convertToPostgresPlaceholders(query)
}

// convertToPostgresPlaceholders converts ? to $1, $2, ... in a single pass.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", paramNum)
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

var _ Store = (*SQLStore)(nil)

// Locker serializes AppendEvent calls for a given session ID. Lock blocks
// until the lock is held and returns a function that releases it.
type Locker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// MutexLocker is the default, single-process Locker: one mutex per session
// ID, created lazily and kept for the lifetime of the process.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: make(map[string]*sync.Mutex)}
}

func (m *MutexLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock, nil
}

var _ Locker = (*MutexLocker)(nil)
