package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"peerprep/internal/exit"
	"peerprep/internal/logging"
	"peerprep/internal/matching"
	"peerprep/internal/metrics"
	"peerprep/internal/presence"
	"peerprep/internal/session"
	"peerprep/pkg/interfaces"
	"peerprep/pkg/types"
)

// Components are the constructed instances the orchestrator drives
type Components struct {
	Queue    *matching.Queue
	Sessions *session.Registry
	Presence *presence.Tracker
	Exit     *exit.Coordinator
	Users    interfaces.UserDirectory
	Notifier interfaces.Notifier
}

// Config tunes the periodic abandonment sweep
type Config struct {
	AbandonAfter  time.Duration
	SweepInterval time.Duration
}

// Orchestrator turns client commands and component events into session state
// and notifications for both peers
// ARCHITECTURAL DISCOVERY: The orchestrator holds no lock of its own. Every
// mutation goes through the queue lock or a session's lock, so commands from
// different users proceed in parallel.
type Orchestrator struct {
	clock    clock.WithTicker
	queue    *matching.Queue
	sessions *session.Registry
	presence *presence.Tracker
	exit     *exit.Coordinator
	users    interfaces.UserDirectory
	notifier interfaces.Notifier
	config   Config
	metrics  *metrics.Metrics
	log      logr.Logger
}

// New wires the orchestrator as listener of the queue and the presence tracker
func New(clk clock.WithTicker, c Components, cfg Config, m *metrics.Metrics, log logr.Logger) *Orchestrator {
	o := &Orchestrator{
		clock:    clk,
		queue:    c.Queue,
		sessions: c.Sessions,
		presence: c.Presence,
		exit:     c.Exit,
		users:    c.Users,
		notifier: c.Notifier,
		config:   cfg,
		metrics:  m,
		log:      log.WithName("orchestrator"),
	}
	c.Queue.SetListener(o)
	c.Presence.SetListener(o)
	return o
}

// Recover reloads open sessions persisted before a restart and returns how many
// can be resumed. A session with a participant no longer in the user directory
// can never be re-attached, so it is closed as abandoned.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	loaded, err := o.sessions.LoadOpenSessions(ctx)
	if err != nil {
		return 0, err
	}

	for _, sessionID := range o.sessions.OpenSessionIDs() {
		s, err := o.sessions.Get(sessionID)
		if err != nil {
			continue
		}
		removed := ""
		for _, userID := range s.UserIDs() {
			if _, err := o.users.GetUser(ctx, userID); errors.Is(err, types.ErrUserNotFound) {
				removed = userID
				break
			}
		}
		if removed == "" {
			continue
		}

		if _, closedNow, err := o.sessions.Close(ctx, sessionID, types.CloseAbandoned); err != nil {
			o.log.Error(err, "Failed to close unrecoverable session", "session_id", sessionID)
		} else if closedNow {
			loaded--
			o.log.Info("Closed session of removed user", "session_id", sessionID, "user_id", removed)
		}
	}
	return loaded, nil
}

// Run drives presence sweeps and the abandonment sweep until ctx is cancelled
func (o *Orchestrator) Run(ctx context.Context) {
	go o.presence.Start(ctx)

	ticker := o.clock.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()
	defer o.exit.Stop()

	for {
		select {
		case <-ticker.C():
			if closed := o.exit.SweepAbandoned(ctx, o.config.AbandonAfter); len(closed) > 0 {
				o.log.Info("Closed abandoned sessions", "count", len(closed), "session_ids", closed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Submit validates the user and queues a match request
func (o *Orchestrator) Submit(ctx context.Context, userID, category, complexity string) (*types.MatchRequest, error) {
	if _, err := o.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return o.queue.Enqueue(ctx, userID, category, complexity)
}

// Withdraw removes the user's pending request. A request already paired,
// expired or withdrawn is a no-op.
func (o *Orchestrator) Withdraw(_ context.Context, userID, requestID string) error {
	req, err := o.queue.Withdraw(requestID, userID)
	if err != nil || req == nil {
		return err
	}
	o.notify(userID, types.Notification{
		Type:      types.NotificationMatchWithdrawn,
		RequestID: req.ID,
		Timestamp: o.clock.Now(),
	})
	return nil
}

// Heartbeat records liveness and refreshes the user's session participant state
func (o *Orchestrator) Heartbeat(ctx context.Context, userID string) (presence.BeatResult, error) {
	result := o.presence.Beat(userID)
	if result == presence.BeatCoalesced {
		return result, nil
	}

	_, err := o.reattach(ctx, userID, result == presence.BeatFresh)
	if types.IsBenign(err) {
		err = nil
	}
	return result, err
}

// Attach registers a new client connection for userID and re-attaches it to the
// user's open session. It fails with ErrSessionNotFound when there is none.
func (o *Orchestrator) Attach(ctx context.Context, userID string) (*types.Session, error) {
	o.presence.Beat(userID)
	return o.reattach(ctx, userID, true)
}

func (o *Orchestrator) reattach(ctx context.Context, userID string, fresh bool) (*types.Session, error) {
	sessionID, ok := o.sessions.ActiveFor(userID)
	if !ok {
		return nil, types.ErrSessionNotFound
	}

	now := o.clock.Now()
	wasDown := false
	s, err := o.sessions.Update(ctx, sessionID, func(s *types.Session) error {
		down, err := exit.Reconnected(s, userID, now)
		wasDown = down
		return err
	})
	if err != nil {
		return nil, err
	}

	if fresh || wasDown {
		o.notify(userID, types.Notification{
			Type:      types.NotificationSessionResumed,
			SessionID: s.ID,
			Session:   s,
			Timestamp: now,
		})
	}
	if wasDown {
		o.log.Info("Participant reconnected", "session_id", s.ID, "user_id", userID)
		o.notify(s.Peer(userID).UserID, types.Notification{
			Type:       types.NotificationPeerReconnected,
			SessionID:  s.ID,
			PeerUserID: userID,
			Timestamp:  now,
		})
	}
	return s, nil
}

// RequestExit starts the two-party exit handshake
func (o *Orchestrator) RequestExit(ctx context.Context, userID, sessionID string) (*types.Session, error) {
	return o.exit.RequestExit(ctx, sessionID, userID)
}

// ConfirmExit agrees to the peer's pending exit
func (o *Orchestrator) ConfirmExit(ctx context.Context, userID, sessionID string) (*types.Session, error) {
	return o.exit.ConfirmExit(ctx, sessionID, userID)
}

// CancelExit rolls a pending exit back to Active
func (o *Orchestrator) CancelExit(ctx context.Context, userID, sessionID string) (*types.Session, error) {
	return o.exit.CancelExit(ctx, sessionID, userID)
}

// GetSessionStatus returns the session, including closed sessions still retained
func (o *Orchestrator) GetSessionStatus(sessionID string) (*types.Session, error) {
	return o.sessions.Get(sessionID)
}

// SessionFor returns the open session the user is bound to
func (o *Orchestrator) SessionFor(userID string) (*types.Session, error) {
	sessionID, ok := o.sessions.ActiveFor(userID)
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return o.sessions.Get(sessionID)
}

// GetQueueDepth returns the number of pending match requests
func (o *Orchestrator) GetQueueDepth() int {
	return o.queue.Depth()
}

// OnQueued implements matching.Listener
func (o *Orchestrator) OnQueued(req *types.MatchRequest) {
	o.notify(req.UserID, types.Notification{
		Type:      types.NotificationMatchQueued,
		RequestID: req.ID,
		Timestamp: req.SubmittedAt,
	})
}

// OnMatched implements matching.Listener
func (o *Orchestrator) OnMatched(ctx context.Context, match *types.Match) error {
	s, err := o.sessions.Create(ctx, match)
	if err != nil {
		if errors.Is(err, types.ErrDuplicateParticipant) {
			// the queue should never pair a bound user
			o.log.Error(err, "Invariant violation: paired user already in a session",
				"match_id", match.ID, "user_a", match.UserA, "user_b", match.UserB)
			o.metrics.RecordInvariantViolation(metrics.ViolationDuplicateParticipant)
		} else {
			o.log.Error(err, "Failed to create session", "match_id", match.ID)
		}
		return fmt.Errorf("failed to create session for match %s: %w", match.ID, err)
	}
	o.metrics.RecordMatch()

	now := o.clock.Now()
	a, b := match.UserA, match.UserB
	o.notify(a, types.MatchFoundNotification(s.ID, b, o.displayName(ctx, b), match.QuestionID, now))
	o.notify(b, types.MatchFoundNotification(s.ID, a, o.displayName(ctx, a), match.QuestionID, now))
	return nil
}

// OnTimeout implements matching.Listener
func (o *Orchestrator) OnTimeout(req *types.MatchRequest) {
	o.notify(req.UserID, types.Notification{
		Type:      types.NotificationMatchTimeout,
		RequestID: req.ID,
		Code:      types.CodeMatchTimeout,
		Message:   types.ErrMatchTimeout.Error(),
		Timestamp: o.clock.Now(),
	})
}

// OnFailed implements matching.Listener
func (o *Orchestrator) OnFailed(req *types.MatchRequest, reason string) {
	o.notify(req.UserID, types.Notification{
		Type:      types.NotificationMatchFailed,
		RequestID: req.ID,
		Reason:    reason,
		Timestamp: o.clock.Now(),
	})
}

// OnDisconnected implements presence.Listener. The user's pending request is
// withdrawn and its session sees the disconnect.
func (o *Orchestrator) OnDisconnected(userID string) {
	if req := o.queue.WithdrawUser(userID); req != nil {
		o.log.Info("Withdrew request of disconnected user", "request_id", req.ID, "user_id", userID)
	}

	sessionID, ok := o.sessions.ActiveFor(userID)
	if !ok {
		return
	}
	if _, err := o.exit.HandleDisconnect(context.Background(), sessionID, userID); err != nil && !types.IsBenign(err) {
		o.log.Error(err, "Failed to apply disconnect", "session_id", sessionID, "user_id", userID)
	}
}

func (o *Orchestrator) displayName(ctx context.Context, userID string) string {
	user, err := o.users.GetUser(ctx, userID)
	if err != nil {
		o.log.V(logging.VERBOSE).Info("Falling back to user id as display name", "user_id", userID, "error", err.Error())
		return userID
	}
	return user.Username
}

func (o *Orchestrator) notify(userID string, n types.Notification) {
	if err := o.notifier.Notify(userID, n); err != nil {
		o.log.V(logging.VERBOSE).Info("Notification not delivered", "user_id", userID, "type", n.Type, "error", err.Error())
	}
}
