package exit

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"peerprep/internal/logging"
	"peerprep/pkg/interfaces"
	"peerprep/pkg/types"
)

// Sessions is the part of the session registry the coordinator drives
type Sessions interface {
	Update(ctx context.Context, sessionID string, fn func(s *types.Session) error) (*types.Session, error)
	OpenSessionIDs() []string
}

type graceTimer struct {
	timer clock.Timer
	round int
}

// Coordinator runs the two-party exit handshake on top of the session registry
// and tells both peers about every step
type Coordinator struct {
	clock    clock.WithDelayedExecution
	sessions Sessions
	notifier interfaces.Notifier
	grace    time.Duration
	log      logr.Logger

	mu     sync.Mutex
	timers map[string]graceTimer // sessionID -> armed grace timer
}

// NewCoordinator creates a coordinator that auto-confirms pending exits after grace
func NewCoordinator(clk clock.WithDelayedExecution, sessions Sessions, notifier interfaces.Notifier,
	grace time.Duration, log logr.Logger) *Coordinator {
	return &Coordinator{
		clock:    clk,
		sessions: sessions,
		notifier: notifier,
		grace:    grace,
		log:      log.WithName("exit"),
		timers:   make(map[string]graceTimer),
	}
}

// RequestExit opens an exit round for userID, or confirms the round the peer opened
func (c *Coordinator) RequestExit(ctx context.Context, sessionID, userID string) (*types.Session, error) {
	now := c.clock.Now()
	return c.apply(ctx, sessionID, userID, func(s *types.Session) (Outcome, error) {
		return Request(s, userID, now, c.grace)
	})
}

// ConfirmExit records the peer's agreement to a pending exit
func (c *Coordinator) ConfirmExit(ctx context.Context, sessionID, userID string) (*types.Session, error) {
	now := c.clock.Now()
	return c.apply(ctx, sessionID, userID, func(s *types.Session) (Outcome, error) {
		return Confirm(s, userID, now)
	})
}

// CancelExit returns a pending exit to Active
func (c *Coordinator) CancelExit(ctx context.Context, sessionID, userID string) (*types.Session, error) {
	return c.apply(ctx, sessionID, userID, func(s *types.Session) (Outcome, error) {
		return Cancel(s, userID)
	})
}

// HandleDisconnect applies a presence disconnect of userID to its session
func (c *Coordinator) HandleDisconnect(ctx context.Context, sessionID, userID string) (*types.Session, error) {
	now := c.clock.Now()
	s, err := c.apply(ctx, sessionID, userID, func(s *types.Session) (Outcome, error) {
		return Disconnected(s, userID, now)
	})
	if err != nil {
		return nil, err
	}

	if s.Open() {
		if peer := s.Peer(userID); peer != nil {
			c.notify(peer.UserID, types.Notification{
				Type:       types.NotificationPeerDisconnected,
				SessionID:  s.ID,
				PeerUserID: userID,
				Timestamp:  now,
			})
		}
	}
	return s, nil
}

// SweepAbandoned closes every open session whose participants have both been
// gone for at least after, and returns the closed ids
func (c *Coordinator) SweepAbandoned(ctx context.Context, after time.Duration) []string {
	var closed []string
	for _, sessionID := range c.sessions.OpenSessionIDs() {
		now := c.clock.Now()
		s, err := c.apply(ctx, sessionID, "", func(s *types.Session) (Outcome, error) {
			return Abandon(s, now, after)
		})
		if err != nil {
			if !types.IsBenign(err) {
				c.log.Error(err, "Abandonment check failed", "session_id", sessionID)
			}
			continue
		}
		if s.Status == types.SessionClosed {
			closed = append(closed, sessionID)
		}
	}
	return closed
}

// Stop disarms every grace timer
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.timer.Stop()
		delete(c.timers, id)
	}
}

// apply runs op inside the session's critical section, then reacts to the outcome
func (c *Coordinator) apply(ctx context.Context, sessionID, userID string,
	op func(s *types.Session) (Outcome, error)) (*types.Session, error) {
	outcome := OutcomeNone
	s, err := c.sessions.Update(ctx, sessionID, func(s *types.Session) error {
		o, err := op(s)
		outcome = o
		return err
	})
	if err != nil {
		return nil, err
	}

	c.react(s, userID, outcome)
	return s, nil
}

func (c *Coordinator) react(s *types.Session, userID string, outcome Outcome) {
	now := c.clock.Now()

	switch outcome {
	case OutcomeRequested:
		c.arm(s.ID, s.ExitRound)
		c.log.Info("Exit requested", "session_id", s.ID, "user_id", userID,
			"round", s.ExitRound, "deadline", s.ExitDeadline)
		c.notifyBoth(s, types.ExitRequestedNotification(s.ID, userID, s.ExitDeadline, now))

	case OutcomeCancelled:
		c.disarm(s.ID)
		reason := types.ReasonCancelledByPeer
		if !s.Participant(userID).ConnectionAlive {
			reason = types.ReasonRequesterDisconnected
		}
		c.log.Info("Exit cancelled", "session_id", s.ID, "user_id", userID, "reason", reason)
		c.notifyBoth(s, types.Notification{
			Type:      types.NotificationExitCancelled,
			SessionID: s.ID,
			ByUserID:  userID,
			Reason:    reason,
			Timestamp: now,
		})

	case OutcomeClosed:
		c.disarm(s.ID)
		c.log.Info("Exit completed", "session_id", s.ID, "user_id", userID, "reason", s.CloseReason)
		c.notifyBoth(s, types.SessionClosedNotification(s.ID, s.CloseReason, now))

	default:
		c.log.V(logging.DEBUG).Info("Exit state unchanged", "session_id", s.ID, "user_id", userID, "status", s.Status)
	}
}

func (c *Coordinator) arm(sessionID string, round int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.timers[sessionID]; ok {
		old.timer.Stop()
	}
	timer := c.clock.AfterFunc(c.grace, func() { go c.onGraceElapsed(sessionID, round) })
	c.timers[sessionID] = graceTimer{timer: timer, round: round}
}

func (c *Coordinator) disarm(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[sessionID]; ok {
		t.timer.Stop()
		delete(c.timers, sessionID)
	}
}

// onGraceElapsed fires once per armed round
func (c *Coordinator) onGraceElapsed(sessionID string, round int) {
	c.mu.Lock()
	if t, ok := c.timers[sessionID]; ok && t.round == round {
		delete(c.timers, sessionID)
	}
	c.mu.Unlock()

	now := c.clock.Now()
	_, err := c.apply(context.Background(), sessionID, "", func(s *types.Session) (Outcome, error) {
		return GraceElapsed(s, round, now)
	})
	if err != nil && !types.IsBenign(err) {
		c.log.Error(err, "Grace period handling failed", "session_id", sessionID, "round", round)
	}
}

func (c *Coordinator) notifyBoth(s *types.Session, n types.Notification) {
	for _, userID := range s.UserIDs() {
		c.notify(userID, n)
	}
}

func (c *Coordinator) notify(userID string, n types.Notification) {
	if err := c.notifier.Notify(userID, n); err != nil {
		c.log.V(logging.VERBOSE).Info("Notification not delivered", "user_id", userID, "type", n.Type, "error", err.Error())
	}
}
