package matching

// Reasons reported through Listener.OnFailed
const (
	ReasonNoQuestion           = "no_question_available"
	ReasonQuestionBank         = "question_bank_unavailable"
	ReasonSessionNotCreated    = "session_not_created"
	ReasonDuplicateParticipant = "duplicate_participant"
)
