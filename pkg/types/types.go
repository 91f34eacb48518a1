package types

import (
	"time"
)

// Question complexities accepted by the question bank
const (
	ComplexityEasy   = "Easy"
	ComplexityMedium = "Medium"
	ComplexityHard   = "Hard"
)

// SessionStatus is the lifecycle state of a two-party session.
// Legal transitions: Active -> ExitPending, ExitPending -> Active (cancelled exit),
// ExitPending -> Closed. Closed is terminal.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionExitPending SessionStatus = "exit_pending"
	SessionClosed      SessionStatus = "closed"
)

// CanTransition reports whether moving from s to next is a legal lifecycle step
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionActive:
		return next == SessionExitPending
	case SessionExitPending:
		return next == SessionActive || next == SessionClosed
	default:
		return false
	}
}

// CloseReason is reported to both peers on SessionClosed
type CloseReason string

const (
	CloseExitConfirmed      CloseReason = "exit_confirmed"
	CloseExitTimeout        CloseReason = "exit_timeout"
	CloseDisconnectOverride CloseReason = "disconnect_override"
	CloseAbandoned          CloseReason = "abandoned"
)

// Question mirrors a question bank record
type Question struct {
	ID          string `json:"question_id" yaml:"question_id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Category    string `json:"category" yaml:"category"`
	Complexity  string `json:"complexity" yaml:"complexity"`
}

// QuestionFilter selects questions by category and complexity
type QuestionFilter struct {
	Category   string
	Complexity string
}

// Matches reports whether q satisfies the filter
func (f QuestionFilter) Matches(q Question) bool {
	return q.Category == f.Category && q.Complexity == f.Complexity
}

// User mirrors a user account record
type User struct {
	ID       string `json:"user_id" yaml:"user_id"`
	Username string `json:"username" yaml:"username"`
	Email    string `json:"email,omitempty" yaml:"email"`
}

// MatchRequest is owned by the match queue until paired, withdrawn or expired
type MatchRequest struct {
	ID          string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	Category    string    `json:"desired_category"`
	Complexity  string    `json:"desired_complexity"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Filter returns the question filter the request asks for
func (r *MatchRequest) Filter() QuestionFilter {
	return QuestionFilter{Category: r.Category, Complexity: r.Complexity}
}

// Compatible reports whether two requests may be paired
func (r *MatchRequest) Compatible(other *MatchRequest) bool {
	return r.UserID != other.UserID &&
		r.Category == other.Category &&
		r.Complexity == other.Complexity
}

// Match is the immutable record of one successful pairing
type Match struct {
	ID         string    `json:"match_id"`
	UserA      string    `json:"user_id_a"`
	UserB      string    `json:"user_id_b"`
	RequestA   string    `json:"request_id_a"`
	RequestB   string    `json:"request_id_b"`
	QuestionID string    `json:"question_id"`
	FormedAt   time.Time `json:"formed_at"`
}

// ParticipantState is one peer's view inside a session
type ParticipantState struct {
	UserID          string     `json:"user_id"`
	ConnectionAlive bool       `json:"connection_alive"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	DisconnectedAt  *time.Time `json:"disconnected_at,omitempty"`
	ExitConfirmed   bool       `json:"exit_confirmed"`
}

// Session binds exactly two users and one question
// FUNCTIONAL DISCOVERY: status is only changed through Transition so that
// lifecycle legality lives in one place
type Session struct {
	ID              string              `json:"session_id"`
	MatchID         string              `json:"match_id"`
	QuestionID      string              `json:"question_id"`
	Participants    [2]ParticipantState `json:"participants"`
	Status          SessionStatus       `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	ClosedAt        *time.Time          `json:"closed_at,omitempty"`
	CloseReason     CloseReason         `json:"close_reason,omitempty"`
	ExitRequestedBy string              `json:"exit_requested_by,omitempty"`
	ExitDeadline    *time.Time          `json:"exit_deadline,omitempty"`
	ExitRound       int                 `json:"exit_round"`
}

// NewSession builds an Active session from a match
func NewSession(id string, match *Match, now time.Time) *Session {
	return &Session{
		ID:         id,
		MatchID:    match.ID,
		QuestionID: match.QuestionID,
		Participants: [2]ParticipantState{
			{UserID: match.UserA, ConnectionAlive: true, LastHeartbeatAt: now},
			{UserID: match.UserB, ConnectionAlive: true, LastHeartbeatAt: now},
		},
		Status:    SessionActive,
		CreatedAt: now,
	}
}

// Transition moves the session to next if the lifecycle allows it
func (s *Session) Transition(next SessionStatus) error {
	if !s.Status.CanTransition(next) {
		return ErrInvalidTransition
	}
	s.Status = next
	return nil
}

// Close moves an open session to Closed, passing through ExitPending so no
// transition skips a state. Closing a closed session is a no-op.
func (s *Session) Close(reason CloseReason, now time.Time) error {
	if s.Status == SessionClosed {
		return nil
	}
	if s.Status == SessionActive {
		if err := s.Transition(SessionExitPending); err != nil {
			return err
		}
	}
	if err := s.Transition(SessionClosed); err != nil {
		return err
	}
	s.CloseReason = reason
	s.ClosedAt = &now
	s.ExitDeadline = nil
	return nil
}

// Open reports whether the session still binds its participants
func (s *Session) Open() bool {
	return s.Status == SessionActive || s.Status == SessionExitPending
}

// UserIDs returns both participant ids in creation order
func (s *Session) UserIDs() [2]string {
	return [2]string{s.Participants[0].UserID, s.Participants[1].UserID}
}

// Participant returns the state for userID, or nil if the user is not in the session
func (s *Session) Participant(userID string) *ParticipantState {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// Peer returns the other participant's state, or nil if userID is not in the session
func (s *Session) Peer(userID string) *ParticipantState {
	switch userID {
	case s.Participants[0].UserID:
		return &s.Participants[1]
	case s.Participants[1].UserID:
		return &s.Participants[0]
	}
	return nil
}

// ResetExit clears both confirmation flags and the pending exit round
func (s *Session) ResetExit() {
	for i := range s.Participants {
		s.Participants[i].ExitConfirmed = false
	}
	s.ExitRequestedBy = ""
	s.ExitDeadline = nil
}

// Clone returns a deep copy safe to hand out of a session's lock
func (s *Session) Clone() *Session {
	c := *s
	c.ClosedAt = copyTime(s.ClosedAt)
	c.ExitDeadline = copyTime(s.ExitDeadline)
	for i := range c.Participants {
		c.Participants[i].DisconnectedAt = copyTime(s.Participants[i].DisconnectedAt)
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
