package types

import (
	"fmt"
	"time"
)

// Command types sent by clients over the persistent channel
const (
	CommandSubmitMatchRequest   = "submit_match_request"
	CommandWithdrawMatchRequest = "withdraw_match_request"
	CommandHeartbeat            = "heartbeat"
	CommandRequestExit          = "request_exit"
	CommandConfirmExit          = "confirm_exit"
	CommandCancelExit           = "cancel_exit"
)

// Notification types pushed to clients
const (
	NotificationMatchQueued      = "match_queued"
	NotificationMatchFound       = "match_found"
	NotificationMatchTimeout     = "match_timeout"
	NotificationMatchFailed      = "match_failed"
	NotificationMatchWithdrawn   = "match_withdrawn"
	NotificationExitRequested    = "exit_requested"
	NotificationExitCancelled    = "exit_cancelled"
	NotificationSessionClosed    = "session_closed"
	NotificationSessionResumed   = "session_resumed"
	NotificationPeerDisconnected = "peer_disconnected"
	NotificationPeerReconnected  = "peer_reconnected"
	NotificationHeartbeatAck     = "heartbeat_ack"
	NotificationError            = "error"
)

// Reasons carried by exit_cancelled and match_failed
const (
	ReasonCancelledByPeer       = "cancelled"
	ReasonRequesterDisconnected = "requester_disconnected"
	ReasonInternal              = "internal_error"
)

// Command is one inbound client instruction
type Command struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Category   string `json:"category,omitempty"`
	Complexity string `json:"complexity,omitempty"`
}

// Validate checks that the command carries the fields its type needs
func (c *Command) Validate() error {
	switch c.Type {
	case CommandSubmitMatchRequest:
		if !IsValidCategory(c.Category) || !IsValidComplexity(c.Complexity) {
			return fmt.Errorf("%w: category and complexity are required", ErrInvalidRequest)
		}
	case CommandWithdrawMatchRequest:
		if c.RequestID == "" {
			return fmt.Errorf("%w: request_id is required", ErrInvalidRequest)
		}
	case CommandRequestExit, CommandConfirmExit, CommandCancelExit:
		if c.SessionID == "" {
			return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
		}
	case CommandHeartbeat:
	default:
		return fmt.Errorf("%w: unknown command type %q", ErrInvalidRequest, c.Type)
	}
	return nil
}

// Notification is one outbound, typed event for a single user
type Notification struct {
	Type         string     `json:"type"`
	RequestID    string     `json:"request_id,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	PeerUserID   string     `json:"peer_user_id,omitempty"`
	PeerUsername string     `json:"peer_username,omitempty"`
	QuestionID   string     `json:"question_id,omitempty"`
	ByUserID     string     `json:"by_user_id,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Session      *Session   `json:"session,omitempty"`
	Code         string     `json:"code,omitempty"`
	Message      string     `json:"message,omitempty"`
	Command      string     `json:"command,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// MatchFoundNotification tells one peer which session and question it was paired into
func MatchFoundNotification(sessionID, peerID, peerName, questionID string, now time.Time) Notification {
	return Notification{
		Type:         NotificationMatchFound,
		SessionID:    sessionID,
		PeerUserID:   peerID,
		PeerUsername: peerName,
		QuestionID:   questionID,
		Timestamp:    now,
	}
}

// ExitRequestedNotification asks the peer to confirm or cancel
func ExitRequestedNotification(sessionID, byUserID string, deadline *time.Time, now time.Time) Notification {
	return Notification{
		Type:      NotificationExitRequested,
		SessionID: sessionID,
		ByUserID:  byUserID,
		Deadline:  deadline,
		Timestamp: now,
	}
}

// SessionClosedNotification reports the terminal close reason
func SessionClosedNotification(sessionID string, reason CloseReason, now time.Time) Notification {
	return Notification{
		Type:      NotificationSessionClosed,
		SessionID: sessionID,
		Reason:    string(reason),
		Timestamp: now,
	}
}

// ErrorNotification reports a rejected command without internal details
func ErrorNotification(command string, err error, now time.Time) Notification {
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return Notification{
		Type:      NotificationError,
		Code:      code,
		Message:   msg,
		Command:   command,
		Timestamp: now,
	}
}
