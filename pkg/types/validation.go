package types

import (
	"fmt"
	"regexp"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const maxCategoryLength = 50

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 character limit prevents database issues
// and ensures reasonable display in UI components
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidComplexity checks the complexity against the question bank's levels
func IsValidComplexity(complexity string) bool {
	switch complexity {
	case ComplexityEasy, ComplexityMedium, ComplexityHard:
		return true
	default:
		return false
	}
}

// IsValidCategory checks a free-form category name
func IsValidCategory(category string) bool {
	return len(category) >= 1 && len(category) <= maxCategoryLength
}

// Validate ensures the request is well formed before it enters the queue
func (r *MatchRequest) Validate() error {
	if !IsValidUserID(r.UserID) {
		return fmt.Errorf("%w: malformed user id %q", ErrInvalidRequest, r.UserID)
	}
	if !IsValidCategory(r.Category) {
		return fmt.Errorf("%w: category must be 1-%d characters", ErrInvalidRequest, maxCategoryLength)
	}
	if !IsValidComplexity(r.Complexity) {
		return fmt.Errorf("%w: complexity must be Easy, Medium or Hard", ErrInvalidRequest)
	}
	return nil
}

// Validate checks the two-distinct-participants invariant
func (s *Session) Validate() error {
	a, b := s.Participants[0].UserID, s.Participants[1].UserID
	if a == "" || b == "" {
		return fmt.Errorf("%w: session %s is missing a participant", ErrDuplicateParticipant, s.ID)
	}
	if a == b {
		return fmt.Errorf("%w: session %s pairs %s with itself", ErrDuplicateParticipant, s.ID, a)
	}
	return nil
}
