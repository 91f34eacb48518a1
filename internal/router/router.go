package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"peerprep/internal/logging"
	"peerprep/internal/metrics"
	"peerprep/internal/presence"
	"peerprep/pkg/interfaces"
	"peerprep/pkg/types"
)

// Orchestrator is the command surface the router dispatches into
type Orchestrator interface {
	Submit(ctx context.Context, userID, category, complexity string) (*types.MatchRequest, error)
	Withdraw(ctx context.Context, userID, requestID string) error
	Heartbeat(ctx context.Context, userID string) (presence.BeatResult, error)
	RequestExit(ctx context.Context, userID, sessionID string) (*types.Session, error)
	ConfirmExit(ctx context.Context, userID, sessionID string) (*types.Session, error)
	CancelExit(ctx context.Context, userID, sessionID string) (*types.Session, error)
}

// Router decodes client commands, applies rate limits and dispatches them
// ARCHITECTURAL DISCOVERY: Pure command routing without session state or connection
// handling. Every outcome reaches the client as a typed notification.
type Router struct {
	orchestrator Orchestrator
	notifier     interfaces.Notifier
	rateLimiter  *RateLimiter
	clock        clock.PassiveClock
	metrics      *metrics.Metrics
	log          logr.Logger
}

// NewRouter creates a command router
func NewRouter(orchestrator Orchestrator, notifier interfaces.Notifier, limiter *RateLimiter,
	clk clock.PassiveClock, m *metrics.Metrics, log logr.Logger) *Router {
	return &Router{
		orchestrator: orchestrator,
		notifier:     notifier,
		rateLimiter:  limiter,
		clock:        clk,
		metrics:      m,
		log:          log.WithName("router"),
	}
}

// HandleCommand processes one raw command from userID
func (r *Router) HandleCommand(ctx context.Context, userID string, data []byte) {
	var cmd types.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		r.reject(userID, "", fmt.Errorf("%w: %w", types.ErrInvalidRequest, ErrMalformedCommand))
		return
	}

	err := r.Route(ctx, userID, &cmd)
	r.metrics.RecordCommand(cmd.Type, types.ErrorCode(err))
	if err != nil {
		r.reject(userID, cmd.Type, err)
	}
}

// Route validates and dispatches a decoded command
// FUNCTIONAL DISCOVERY: Heartbeats bypass the rate limiter so a busy client is
// never disconnected for talking too much
func (r *Router) Route(ctx context.Context, userID string, cmd *types.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.Type != types.CommandHeartbeat && !r.rateLimiter.Allow(userID) {
		return types.ErrRateLimited
	}

	r.log.V(logging.DEBUG).Info("Routing command", "user_id", userID, "type", cmd.Type)

	switch cmd.Type {
	case types.CommandSubmitMatchRequest:
		_, err := r.orchestrator.Submit(ctx, userID, cmd.Category, cmd.Complexity)
		return err

	case types.CommandWithdrawMatchRequest:
		return r.orchestrator.Withdraw(ctx, userID, cmd.RequestID)

	case types.CommandHeartbeat:
		if _, err := r.orchestrator.Heartbeat(ctx, userID); err != nil {
			return err
		}
		r.send(userID, types.Notification{Type: types.NotificationHeartbeatAck, Timestamp: r.clock.Now()})
		return nil

	case types.CommandRequestExit:
		_, err := r.orchestrator.RequestExit(ctx, userID, cmd.SessionID)
		return err

	case types.CommandConfirmExit:
		_, err := r.orchestrator.ConfirmExit(ctx, userID, cmd.SessionID)
		return err

	case types.CommandCancelExit:
		_, err := r.orchestrator.CancelExit(ctx, userID, cmd.SessionID)
		return err

	default:
		return fmt.Errorf("%w: unknown command type %q", types.ErrInvalidRequest, cmd.Type)
	}
}

// reject reports a failed command to its sender
func (r *Router) reject(userID, command string, err error) {
	if types.IsBenign(err) {
		r.log.V(logging.VERBOSE).Info("Stale command", "user_id", userID, "type", command, "error", err.Error())
	} else if types.ErrorCode(err) == types.CodeInternal {
		r.log.Error(err, "Command failed", "user_id", userID, "type", command)
	} else {
		r.log.V(logging.VERBOSE).Info("Command rejected", "user_id", userID, "type", command, "error", err.Error())
	}
	r.send(userID, types.ErrorNotification(command, err, r.clock.Now()))
}

func (r *Router) send(userID string, n types.Notification) {
	if err := r.notifier.Notify(userID, n); err != nil {
		r.log.V(logging.VERBOSE).Info("Notification not delivered", "user_id", userID, "type", n.Type, "error", err.Error())
	}
}
