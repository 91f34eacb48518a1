package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	dbconfig "peerprep/pkg/database"
	"peerprep/pkg/types"
)

// Manager implements interfaces.SessionStore on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          logr.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	retryDelay   time.Duration
	writeTimeout time.Duration
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pending migrations and starts the writer
func NewManager(config *dbconfig.Config, log logr.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		log:          log.WithName("database"),
		writeChannel: make(chan writeOperation, 100), // TECHNICAL: Buffer for write operations prevents blocking
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		writeTimeout: 30 * time.Second,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && !isConstraintViolation(err) {
				// FUNCTIONAL DISCOVERY: Transient failures (busy, locked) are retried exactly once
				m.log.Error(err, "Database write failed, retrying", "delay", m.retryDelay)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.log.Error(err, "Database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.log.V(1).Info("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.writeTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-timeout.C:
		return ErrWriteTimeout
	}
}

// SaveMatch records an immutable match
func (m *Manager) SaveMatch(ctx context.Context, match *types.Match) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO matches (id, user_a, user_b, request_a, request_b, question_id, formed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			match.ID,
			match.UserA,
			match.UserB,
			match.RequestA,
			match.RequestB,
			match.QuestionID,
			match.FormedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert match: %w", err)
		}
		return nil
	})
}

// CreateSession inserts a new session row
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	participantsJSON, err := json.Marshal(session.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (id, match_id, question_id, user_a, user_b, participants, status,
				close_reason, exit_requested_by, exit_deadline, exit_round, created_at, closed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			session.ID,
			session.MatchID,
			session.QuestionID,
			session.Participants[0].UserID,
			session.Participants[1].UserID,
			string(participantsJSON),
			session.Status,
			nullString(string(session.CloseReason)),
			nullString(session.ExitRequestedBy),
			session.ExitDeadline,
			session.ExitRound,
			session.CreatedAt,
			session.ClosedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// UpdateSession rewrites the mutable lifecycle fields of a session
func (m *Manager) UpdateSession(ctx context.Context, session *types.Session) error {
	participantsJSON, err := json.Marshal(session.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET participants = ?, status = ?, close_reason = ?, exit_requested_by = ?,
				exit_deadline = ?, exit_round = ?, closed_at = ?
			WHERE id = ?
		`,
			string(participantsJSON),
			session.Status,
			nullString(string(session.CloseReason)),
			nullString(session.ExitRequestedBy),
			session.ExitDeadline,
			session.ExitRound,
			session.ClosedAt,
			session.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return types.ErrSessionNotFound
		}
		return nil
	})
}

const sessionColumns = `id, match_id, question_id, participants, status, close_reason,
	exit_requested_by, exit_deadline, exit_round, created_at, closed_at`

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	row := m.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// ListOpenSessions returns all sessions that are not closed, oldest first
func (m *Manager) ListOpenSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE status <> 'closed' ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query open sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		session          types.Session
		participantsJSON string
		closeReason      sql.NullString
		exitRequestedBy  sql.NullString
		exitDeadline     sql.NullTime
		closedAt         sql.NullTime
	)

	err := row.Scan(
		&session.ID,
		&session.MatchID,
		&session.QuestionID,
		&participantsJSON,
		&session.Status,
		&closeReason,
		&exitRequestedBy,
		&exitDeadline,
		&session.ExitRound,
		&session.CreatedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	// TECHNICAL DISCOVERY: JSON deserialization restores both participant states
	if err := json.Unmarshal([]byte(participantsJSON), &session.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}

	session.CloseReason = types.CloseReason(closeReason.String)
	session.ExitRequestedBy = exitRequestedBy.String
	if exitDeadline.Valid {
		session.ExitDeadline = &exitDeadline.Time
	}
	if closedAt.Valid {
		session.ClosedAt = &closedAt.Time
	}
	return &session, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Stats exposes connection pool statistics for the health endpoint
func (m *Manager) Stats() sql.DBStats {
	return m.db.Stats()
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// applySQLiteOptimizations applies performance optimizations
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for concurrency
		"PRAGMA synchronous = NORMAL", // Balance safety and performance
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
