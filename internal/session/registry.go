package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"peerprep/internal/logging"
	"peerprep/internal/metrics"
	"peerprep/pkg/interfaces"
	"peerprep/pkg/types"
)

// entry serializes every operation on one session
type entry struct {
	mu      sync.Mutex
	session *types.Session
	removed bool
}

// Registry owns the set of live sessions created from successful pairings
// ARCHITECTURAL DISCOVERY: Per-session mutexes let different sessions progress in
// parallel. Lock order is entry.mu before Registry.mu, never the reverse.
type Registry struct {
	clock     clock.WithDelayedExecution
	store     interfaces.SessionStore
	retention time.Duration
	metrics   *metrics.Metrics
	log       logr.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	byUser   map[string]string // userID -> open sessionID
}

// NewRegistry creates a registry that keeps closed sessions queryable for retention
func NewRegistry(clk clock.WithDelayedExecution, store interfaces.SessionStore, retention time.Duration,
	m *metrics.Metrics, log logr.Logger) *Registry {
	return &Registry{
		clock:     clk,
		store:     store,
		retention: retention,
		metrics:   m,
		log:       log.WithName("session"),
		sessions:  make(map[string]*entry),
		byUser:    make(map[string]string),
	}
}

// Create builds an Active session from match. It fails with
// ErrDuplicateParticipant if either user is already bound to an open session.
func (r *Registry) Create(ctx context.Context, match *types.Match) (*types.Session, error) {
	session := types.NewSession(uuid.New().String(), match, r.clock.Now())
	if err := session.Validate(); err != nil {
		return nil, err
	}

	e := &entry{session: session}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	for _, userID := range session.UserIDs() {
		if existing, ok := r.byUser[userID]; ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is bound to session %s", types.ErrDuplicateParticipant, userID, existing)
		}
	}
	r.sessions[session.ID] = e
	for _, userID := range session.UserIDs() {
		r.byUser[userID] = session.ID
	}
	r.mu.Unlock()

	if err := r.persistNew(ctx, match, session); err != nil {
		r.mu.Lock()
		r.dropLocked(session)
		r.mu.Unlock()
		e.removed = true
		return nil, err
	}

	r.metrics.SessionOpened()
	r.log.Info("Session created", "session_id", session.ID, "match_id", match.ID,
		"user_a", match.UserA, "user_b", match.UserB, "question_id", match.QuestionID)
	return session.Clone(), nil
}

func (r *Registry) persistNew(ctx context.Context, match *types.Match, session *types.Session) error {
	if err := r.store.SaveMatch(ctx, match); err != nil {
		return fmt.Errorf("%w: save match: %w", ErrStoreUnavailable, err)
	}
	if err := r.store.CreateSession(ctx, session); err != nil {
		return fmt.Errorf("%w: create session: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Registry) dropLocked(session *types.Session) {
	delete(r.sessions, session.ID)
	for _, userID := range session.UserIDs() {
		if r.byUser[userID] == session.ID {
			delete(r.byUser, userID)
		}
	}
}

func (r *Registry) lookup(sessionID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	return e, ok
}

// Get returns a snapshot of the session, including closed sessions still in
// their retention window. Evicted or unknown ids fail with ErrSessionNotFound.
func (r *Registry) Get(sessionID string) (*types.Session, error) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return nil, types.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, types.ErrSessionNotFound
	}
	return e.session.Clone(), nil
}

// ActiveFor returns the open session bound to userID
func (r *Registry) ActiveFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	return id, ok
}

// OpenSessionIDs returns the ids of every open session in a stable order
func (r *Registry) OpenSessionIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser)/2)
	seen := make(map[string]bool, len(r.byUser)/2)
	for _, id := range r.byUser {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Update applies fn to a copy of an open session under the session's lock and
// commits the copy if fn succeeds. Closed sessions fail with ErrSessionNotFound.
// A commit that closes the session releases both participants and schedules eviction.
func (r *Registry) Update(ctx context.Context, sessionID string, fn func(s *types.Session) error) (*types.Session, error) {
	e, ok := r.lookup(sessionID)
	if !ok {
		return nil, types.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.session.Open() {
		return nil, types.ErrSessionNotFound
	}

	next := e.session.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	prev := e.session
	e.session = next

	if needsPersist(prev, next) {
		if err := r.store.UpdateSession(ctx, next); err != nil {
			// memory stays authoritative; the row catches up on the next transition
			r.log.Error(err, "Failed to persist session", "session_id", sessionID, "status", next.Status)
			r.metrics.RecordInvariantViolation(metrics.ViolationSessionPersist)
		}
	}

	if next.Status == types.SessionClosed {
		r.release(next)
	}
	return next.Clone(), nil
}

// Close transitions an open session to Closed with reason. It reports whether
// this call closed it; closing an already closed session is a no-op.
func (r *Registry) Close(ctx context.Context, sessionID string, reason types.CloseReason) (*types.Session, bool, error) {
	s, err := r.Update(ctx, sessionID, func(s *types.Session) error {
		return s.Close(reason, r.clock.Now())
	})
	if err == nil {
		return s, true, nil
	}

	// still retained after an earlier close
	if closed, getErr := r.Get(sessionID); getErr == nil && closed.Status == types.SessionClosed {
		return closed, false, nil
	}
	return nil, false, err
}

// release unbinds both participants and schedules eviction. Caller holds the entry lock.
func (r *Registry) release(s *types.Session) {
	r.mu.Lock()
	for _, userID := range s.UserIDs() {
		if r.byUser[userID] == s.ID {
			delete(r.byUser, userID)
		}
	}
	r.mu.Unlock()

	r.metrics.SessionClosed(string(s.CloseReason))
	r.log.Info("Session closed", "session_id", s.ID, "reason", s.CloseReason, "retention", r.retention)

	sessionID := s.ID
	r.clock.AfterFunc(r.retention, func() { go r.evict(sessionID) })
}

func (r *Registry) evict(sessionID string) {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.V(logging.VERBOSE).Info("Session evicted", "session_id", sessionID)
	}
}

// Count returns the number of sessions in memory, open or retained
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// LoadOpenSessions restores every non-closed session from the store. Participants
// start disconnected and must heartbeat to re-attach; an exit that was pending
// when the process stopped is rolled back because its grace timer is gone.
func (r *Registry) LoadOpenSessions(ctx context.Context) (int, error) {
	sessions, err := r.store.ListOpenSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load open sessions: %w", err)
	}

	now := r.clock.Now()
	loaded := 0
	for _, s := range sessions {
		for i := range s.Participants {
			p := &s.Participants[i]
			if p.ConnectionAlive || p.DisconnectedAt == nil {
				p.ConnectionAlive = false
				p.DisconnectedAt = &now
			}
		}
		if s.Status == types.SessionExitPending {
			s.ResetExit()
			if err := s.Transition(types.SessionActive); err != nil {
				return loaded, err
			}
		}
		if err := s.Validate(); err != nil {
			r.log.Error(err, "Skipping corrupt session row", "session_id", s.ID)
			r.metrics.RecordInvariantViolation(metrics.ViolationDuplicateParticipant)
			continue
		}

		r.mu.Lock()
		conflict := ""
		for _, userID := range s.UserIDs() {
			if existing, ok := r.byUser[userID]; ok {
				conflict = existing
			}
		}
		if conflict != "" {
			r.mu.Unlock()
			r.log.Error(types.ErrDuplicateParticipant, "Skipping session sharing a participant",
				"session_id", s.ID, "conflicting_session_id", conflict)
			r.metrics.RecordInvariantViolation(metrics.ViolationDuplicateParticipant)
			continue
		}
		r.sessions[s.ID] = &entry{session: s}
		for _, userID := range s.UserIDs() {
			r.byUser[userID] = s.ID
		}
		r.mu.Unlock()

		if err := r.store.UpdateSession(ctx, s); err != nil {
			r.log.Error(err, "Failed to persist recovered session", "session_id", s.ID)
		}
		r.metrics.SessionOpened()
		loaded++
	}

	r.log.Info("Recovered open sessions", "count", loaded)
	return loaded, nil
}

// needsPersist reports whether next differs from prev in anything recovery depends on.
// Heartbeat timestamps alone stay in memory.
func needsPersist(prev, next *types.Session) bool {
	if prev.Status != next.Status || prev.ExitRound != next.ExitRound ||
		prev.ExitRequestedBy != next.ExitRequestedBy || prev.CloseReason != next.CloseReason {
		return true
	}
	for i := range prev.Participants {
		a, b := prev.Participants[i], next.Participants[i]
		if a.ConnectionAlive != b.ConnectionAlive || a.ExitConfirmed != b.ExitConfirmed {
			return true
		}
	}
	return false
}
