package types

import "errors"

// ARCHITECTURAL DISCOVERY: One taxonomy shared by every component so that
// callers classify outcomes with errors.Is instead of string matching
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrMatchTimeout         = errors.New("match request timed out")
	ErrSessionNotFound      = errors.New("session not found")
	ErrRequestNotFound      = errors.New("match request not found")
	ErrDuplicateParticipant = errors.New("user already bound to an open session")
	ErrNotParticipant       = errors.New("user is not a participant of this session")
	ErrInvalidTransition    = errors.New("invalid session transition")
	ErrUserNotFound         = errors.New("user not found")
	ErrNoQuestionAvailable  = errors.New("no question matches the requested category and complexity")
	ErrRateLimited          = errors.New("too many commands")
)

// Error codes sent to clients in error notifications
const (
	CodeInvalidRequest    = "invalid_request"
	CodeMatchTimeout      = "match_timeout"
	CodeSessionNotFound   = "session_not_found"
	CodeRequestNotFound   = "request_not_found"
	CodeNotParticipant    = "not_participant"
	CodeInvalidTransition = "invalid_transition"
	CodeUserNotFound      = "user_not_found"
	CodeNoQuestion        = "no_question_available"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal_error"
)

// IsBenign reports stale-reference outcomes that callers treat as no-ops
func IsBenign(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrRequestNotFound)
}

// ErrorCode maps an error to the stable code exposed to clients
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrMatchTimeout):
		return CodeMatchTimeout
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrRequestNotFound):
		return CodeRequestNotFound
	case errors.Is(err, ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrUserNotFound):
		return CodeUserNotFound
	case errors.Is(err, ErrNoQuestionAvailable):
		return CodeNoQuestion
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
