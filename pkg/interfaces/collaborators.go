package interfaces

import (
	"context"

	"peerprep/pkg/types"
)

// QuestionBank is the read-only view of the external question bank service
// ARCHITECTURAL DISCOVERY: Matching only ever reads questions, so the contract
// exposes a single filtered listing
type QuestionBank interface {
	// GetAllQuestions returns every question matching both category and complexity
	GetAllQuestions(ctx context.Context, filter types.QuestionFilter) ([]types.Question, error)
}

// UserDirectory is the read-only view of the external user account service
type UserDirectory interface {
	// GetUser returns types.ErrUserNotFound when the id is unknown
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

// Notifier delivers typed notifications to one user's client channel
// FUNCTIONAL DISCOVERY: Delivery is best effort; a user without a live
// channel resynchronises on reconnect
type Notifier interface {
	Notify(userID string, n types.Notification) error
}
