package exit

import (
	"time"

	"peerprep/pkg/types"
)

// Outcome is the lifecycle step an exit operation produced
type Outcome int

const (
	// OutcomeNone left the session status unchanged
	OutcomeNone Outcome = iota
	// OutcomeRequested moved the session from Active to ExitPending
	OutcomeRequested
	// OutcomeCancelled rolled an ExitPending session back to Active
	OutcomeCancelled
	// OutcomeClosed closed the session
	OutcomeClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRequested:
		return "requested"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeClosed:
		return "closed"
	default:
		return "none"
	}
}

// ARCHITECTURAL DISCOVERY: Every exit rule is a pure function of the session so the
// whole state machine is testable without timers or connections. Callers run them
// inside the registry's per-session critical section.

// Request handles request_exit from userID. From Active it opens a new exit round
// with userID's confirmation already set and a deadline grace from now; if the peer
// is already known to be disconnected the session closes at once. A request from
// the peer of a pending round counts as its confirmation.
func Request(s *types.Session, userID string, now time.Time, grace time.Duration) (Outcome, error) {
	p := s.Participant(userID)
	if p == nil {
		return OutcomeNone, types.ErrNotParticipant
	}

	switch s.Status {
	case types.SessionActive:
		if err := s.Transition(types.SessionExitPending); err != nil {
			return OutcomeNone, err
		}
		p.ExitConfirmed = true
		s.ExitRequestedBy = userID
		s.ExitRound++
		deadline := now.Add(grace)
		s.ExitDeadline = &deadline

		if !s.Peer(userID).ConnectionAlive {
			return OutcomeClosed, s.Close(types.CloseDisconnectOverride, now)
		}
		return OutcomeRequested, nil

	case types.SessionExitPending:
		if s.ExitRequestedBy == userID {
			return OutcomeNone, nil
		}
		return Confirm(s, userID, now)

	default:
		return OutcomeNone, types.ErrSessionNotFound
	}
}

// Confirm records userID's agreement to a pending exit and closes the session
// once both participants have confirmed
func Confirm(s *types.Session, userID string, now time.Time) (Outcome, error) {
	p := s.Participant(userID)
	if p == nil {
		return OutcomeNone, types.ErrNotParticipant
	}

	switch s.Status {
	case types.SessionExitPending:
	case types.SessionActive:
		return OutcomeNone, types.ErrInvalidTransition
	default:
		return OutcomeNone, types.ErrSessionNotFound
	}

	p.ExitConfirmed = true
	if !s.Participants[0].ExitConfirmed || !s.Participants[1].ExitConfirmed {
		return OutcomeNone, nil
	}
	return OutcomeClosed, s.Close(types.CloseExitConfirmed, now)
}

// Cancel rolls a pending exit back to Active with both confirmations cleared,
// whichever participant sends it. Cancelling with no exit pending is a no-op.
func Cancel(s *types.Session, userID string) (Outcome, error) {
	if s.Participant(userID) == nil {
		return OutcomeNone, types.ErrNotParticipant
	}

	switch s.Status {
	case types.SessionExitPending:
		s.ResetExit()
		return OutcomeCancelled, s.Transition(types.SessionActive)
	case types.SessionActive:
		return OutcomeNone, nil
	default:
		return OutcomeNone, types.ErrSessionNotFound
	}
}

// Disconnected marks userID unreachable. During a pending exit the requester's
// drop cancels the round and the peer's drop closes the session immediately.
func Disconnected(s *types.Session, userID string, now time.Time) (Outcome, error) {
	p := s.Participant(userID)
	if p == nil {
		return OutcomeNone, types.ErrNotParticipant
	}

	p.ConnectionAlive = false
	if p.DisconnectedAt == nil {
		at := now
		p.DisconnectedAt = &at
	}

	if s.Status != types.SessionExitPending {
		return OutcomeNone, nil
	}
	if s.ExitRequestedBy == userID {
		s.ResetExit()
		return OutcomeCancelled, s.Transition(types.SessionActive)
	}
	return OutcomeClosed, s.Close(types.CloseDisconnectOverride, now)
}

// Reconnected marks userID reachable again and reports whether it had been
// marked disconnected
func Reconnected(s *types.Session, userID string, now time.Time) (bool, error) {
	p := s.Participant(userID)
	if p == nil {
		return false, types.ErrNotParticipant
	}

	wasDown := !p.ConnectionAlive
	p.ConnectionAlive = true
	p.DisconnectedAt = nil
	p.LastHeartbeatAt = now
	return wasDown, nil
}

// GraceElapsed auto-confirms the exit round that armed the timer. A timer from
// an earlier, cancelled round finds a different round number and does nothing.
func GraceElapsed(s *types.Session, round int, now time.Time) (Outcome, error) {
	if s.Status != types.SessionExitPending || s.ExitRound != round {
		return OutcomeNone, nil
	}
	return OutcomeClosed, s.Close(types.CloseExitTimeout, now)
}

// Abandon closes a session whose participants have both been disconnected for
// at least after
func Abandon(s *types.Session, now time.Time, after time.Duration) (Outcome, error) {
	for _, p := range s.Participants {
		if p.ConnectionAlive || p.DisconnectedAt == nil || now.Sub(*p.DisconnectedAt) < after {
			return OutcomeNone, nil
		}
	}
	return OutcomeClosed, s.Close(types.CloseAbandoned, now)
}
