package matching

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"peerprep/internal/logging"
	"peerprep/internal/metrics"
	"peerprep/pkg/interfaces"
	"peerprep/pkg/types"
)

// Listener receives the outcome of every request that leaves the queue
type Listener interface {
	// OnQueued runs once per accepted request, before any pairing it triggers.
	// It is called with the queue locked and must not call back into the queue.
	OnQueued(req *types.MatchRequest)
	// OnMatched turns a match into a session. Both users stay busy until it returns.
	// A non-nil error fails both requests.
	OnMatched(ctx context.Context, match *types.Match) error
	OnTimeout(req *types.MatchRequest)
	OnFailed(req *types.MatchRequest, reason string)
}

// SessionLookup reports whether a user is bound to an open session
type SessionLookup interface {
	ActiveFor(userID string) (string, bool)
}

type entry struct {
	req   *types.MatchRequest
	timer clock.Timer
}

// Queue holds pending match requests and pairs compatible ones
// ARCHITECTURAL DISCOVERY: The claim-and-remove step runs under the single queue
// mutex, the one global serialization point of the orchestrator
type Queue struct {
	clock     clock.WithDelayedExecution
	timeout   time.Duration
	questions interfaces.QuestionBank
	sessions  SessionLookup
	metrics   *metrics.Metrics
	log       logr.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	mu       sync.Mutex
	pending  []*entry // insertion order
	byID     map[string]*entry
	byUser   map[string]*entry
	claimed  map[string]struct{} // users paired but not yet bound to a session
	listener Listener
}

// Option customises a Queue
type Option func(*Queue)

// WithRand draws questions from r instead of a randomly seeded source
func WithRand(r *rand.Rand) Option {
	return func(q *Queue) {
		q.rand = r
	}
}

// WithSeed draws questions from a source seeded with seed, so a fixed seed
// reproduces the same sequence of questions
func WithSeed(seed uint64) Option {
	return WithRand(rand.New(rand.NewPCG(seed, seed)))
}

// NewQueue creates a queue whose requests expire after timeout
func NewQueue(clk clock.WithDelayedExecution, timeout time.Duration, questions interfaces.QuestionBank,
	sessions SessionLookup, m *metrics.Metrics, log logr.Logger, opts ...Option) *Queue {
	q := &Queue{
		clock:     clk,
		timeout:   timeout,
		questions: questions,
		sessions:  sessions,
		metrics:   m,
		log:       log.WithName("matching"),
		rand:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		byID:      make(map[string]*entry),
		byUser:    make(map[string]*entry),
		claimed:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetListener registers the receiver of queue outcomes
func (q *Queue) SetListener(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listener = l
}

// Enqueue validates and queues a request, then runs one pairing pass.
// It rejects with ErrInvalidRequest when the user already has a pending
// request or an open session, or when no question can satisfy the filter.
func (q *Queue) Enqueue(ctx context.Context, userID, category, complexity string) (*types.MatchRequest, error) {
	req := &types.MatchRequest{
		ID:          uuid.New().String(),
		UserID:      userID,
		Category:    category,
		Complexity:  complexity,
		SubmittedAt: q.clock.Now(),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	questions, err := q.questions.GetAllQuestions(ctx, req.Filter())
	if err != nil {
		return nil, fmt.Errorf("failed to query question bank: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidRequest, types.ErrNoQuestionAvailable)
	}

	q.mu.Lock()
	if _, busy := q.byUser[userID]; busy {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: user %s already has a pending request", types.ErrInvalidRequest, userID)
	}
	if _, busy := q.claimed[userID]; busy {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: user %s is being placed into a session", types.ErrInvalidRequest, userID)
	}
	if sessionID, ok := q.sessions.ActiveFor(userID); ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: user %s is already in session %s", types.ErrInvalidRequest, userID, sessionID)
	}

	e := &entry{req: req}
	q.pending = append(q.pending, e)
	q.byID[req.ID] = e
	q.byUser[userID] = e
	requestID := req.ID
	e.timer = q.clock.AfterFunc(q.timeout, func() { go q.expire(requestID) })

	listener := q.listener
	// queued is announced before a concurrent enqueue can pair this request
	if listener != nil {
		listener.OnQueued(req)
	}
	partner := q.claimPartnerLocked(e)
	q.metrics.SetQueueDepth(len(q.pending))
	q.mu.Unlock()

	q.log.V(logging.VERBOSE).Info("Match request queued",
		"request_id", req.ID, "user_id", userID, "category", category, "complexity", complexity)

	if partner != nil {
		q.complete(ctx, listener, partner.req, req)
	}
	return req, nil
}

// claimPartnerLocked pairs e with the earliest-submitted compatible pending
// request and removes both. Every enqueue runs a pass, so no two compatible
// requests remain pending between passes and only the newcomer can pair.
func (q *Queue) claimPartnerLocked(e *entry) *entry {
	for _, other := range q.pending {
		if other == e || !other.req.Compatible(e.req) {
			continue
		}
		q.removeLocked(other)
		q.removeLocked(e)
		q.claimed[other.req.UserID] = struct{}{}
		q.claimed[e.req.UserID] = struct{}{}
		return other
	}
	return nil
}

func (q *Queue) removeLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(q.byID, e.req.ID)
	delete(q.byUser, e.req.UserID)
	for i, p := range q.pending {
		if p == e {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
}

// complete picks the question and hands the match to the listener.
// first is the earlier request and becomes user A.
func (q *Queue) complete(ctx context.Context, listener Listener, first, second *types.MatchRequest) {
	defer q.release(first.UserID, second.UserID)

	questionID, reason := q.pickQuestion(ctx, first.Filter())
	if reason != "" {
		q.fail(listener, reason, first, second)
		return
	}

	match := &types.Match{
		ID:         uuid.New().String(),
		UserA:      first.UserID,
		UserB:      second.UserID,
		RequestA:   first.ID,
		RequestB:   second.ID,
		QuestionID: questionID,
		FormedAt:   q.clock.Now(),
	}
	q.log.Info("Match formed", "match_id", match.ID, "user_a", match.UserA, "user_b", match.UserB,
		"question_id", questionID)

	if listener == nil {
		return
	}
	if err := listener.OnMatched(ctx, match); err != nil {
		reason := ReasonSessionNotCreated
		if errors.Is(err, types.ErrDuplicateParticipant) {
			reason = ReasonDuplicateParticipant
		}
		q.fail(listener, reason, first, second)
	}
}

// pickQuestion draws uniformly among the questions satisfying the filter
func (q *Queue) pickQuestion(ctx context.Context, filter types.QuestionFilter) (string, string) {
	questions, err := q.questions.GetAllQuestions(ctx, filter)
	if err != nil {
		q.log.Error(err, "Question bank query failed", "category", filter.Category, "complexity", filter.Complexity)
		return "", ReasonQuestionBank
	}
	if len(questions) == 0 {
		return "", ReasonNoQuestion
	}
	return questions[q.draw(len(questions))].ID, ""
}

// draw returns an index in [0, n); *rand.Rand is not safe for concurrent use
func (q *Queue) draw(n int) int {
	q.randMu.Lock()
	defer q.randMu.Unlock()
	return q.rand.IntN(n)
}

func (q *Queue) fail(listener Listener, reason string, reqs ...*types.MatchRequest) {
	q.metrics.RecordMatchFailure(reason)
	for _, req := range reqs {
		q.log.Info("Match request failed", "request_id", req.ID, "user_id", req.UserID, "reason", reason)
		if listener != nil {
			listener.OnFailed(req, reason)
		}
	}
}

func (q *Queue) release(userIDs ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, userID := range userIDs {
		delete(q.claimed, userID)
	}
}

// expire removes a request that waited longer than the timeout
func (q *Queue) expire(requestID string) {
	q.mu.Lock()
	e, ok := q.byID[requestID]
	if !ok {
		// paired or withdrawn first
		q.mu.Unlock()
		return
	}
	q.removeLocked(e)
	listener := q.listener
	q.metrics.SetQueueDepth(len(q.pending))
	q.mu.Unlock()

	q.log.Info("Match request timed out", "request_id", requestID, "user_id", e.req.UserID, "timeout", q.timeout)
	q.metrics.RecordMatchTimeout()
	if listener != nil {
		listener.OnTimeout(e.req)
	}
}

// Withdraw removes a pending request owned by userID. It returns the removed
// request, or nil when the request was already consumed.
func (q *Queue) Withdraw(requestID, userID string) (*types.MatchRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[requestID]
	if !ok {
		return nil, nil
	}
	if e.req.UserID != userID {
		return nil, fmt.Errorf("%w: request %s belongs to another user", types.ErrInvalidRequest, requestID)
	}
	q.removeLocked(e)
	q.metrics.SetQueueDepth(len(q.pending))
	q.log.V(logging.VERBOSE).Info("Match request withdrawn", "request_id", requestID, "user_id", userID)
	return e.req, nil
}

// WithdrawUser removes the pending request of userID, if any
func (q *Queue) WithdrawUser(userID string) *types.MatchRequest {
	q.mu.Lock()
	e, ok := q.byUser[userID]
	q.mu.Unlock()
	if !ok {
		return nil
	}
	req, _ := q.Withdraw(e.req.ID, userID)
	return req
}

// Pending returns a copy of the user's pending request
func (q *Queue) Pending(userID string) (*types.MatchRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byUser[userID]
	if !ok {
		return nil, false
	}
	req := *e.req
	return &req, true
}

// Depth returns the number of pending requests
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
