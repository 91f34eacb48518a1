package interfaces

import (
	"context"

	"peerprep/pkg/types"
)

// SessionStore persists what is needed to recover in-flight sessions
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling and connection management
type SessionStore interface {
	// SaveMatch records an immutable match before its session is created
	SaveMatch(ctx context.Context, match *types.Match) error

	// CreateSession inserts a new session row
	CreateSession(ctx context.Context, session *types.Session) error

	// UpdateSession rewrites the mutable lifecycle fields of a session
	UpdateSession(ctx context.Context, session *types.Session) error

	// GetSession returns types.ErrSessionNotFound when the id is unknown
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// ListOpenSessions returns every session not yet closed
	ListOpenSessions(ctx context.Context) ([]*types.Session, error)

	// HealthCheck verifies database connectivity
	HealthCheck(ctx context.Context) error

	// Close releases database resources
	Close() error
}
