package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"peerprep/internal/metrics"
	"peerprep/internal/presence"
	"peerprep/pkg/types"
)

type call struct {
	method string
	userID string
	arg    string
}

// mockOrchestrator records calls and returns err for every command
type mockOrchestrator struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (m *mockOrchestrator) record(method, userID, arg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{method, userID, arg})
	return m.err
}

func (m *mockOrchestrator) Submit(_ context.Context, userID, category, complexity string) (*types.MatchRequest, error) {
	return &types.MatchRequest{}, m.record("submit", userID, category+"/"+complexity)
}

func (m *mockOrchestrator) Withdraw(_ context.Context, userID, requestID string) error {
	return m.record("withdraw", userID, requestID)
}

func (m *mockOrchestrator) Heartbeat(_ context.Context, userID string) (presence.BeatResult, error) {
	return presence.BeatAccepted, m.record("heartbeat", userID, "")
}

func (m *mockOrchestrator) RequestExit(_ context.Context, userID, sessionID string) (*types.Session, error) {
	return nil, m.record("request_exit", userID, sessionID)
}

func (m *mockOrchestrator) ConfirmExit(_ context.Context, userID, sessionID string) (*types.Session, error) {
	return nil, m.record("confirm_exit", userID, sessionID)
}

func (m *mockOrchestrator) CancelExit(_ context.Context, userID, sessionID string) (*types.Session, error) {
	return nil, m.record("cancel_exit", userID, sessionID)
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []types.Notification
}

func (m *mockNotifier) Notify(_ string, n types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

func (m *mockNotifier) last() types.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

type fixture struct {
	clock    *clocktesting.FakeClock
	orch     *mockOrchestrator
	notifier *mockNotifier
	registry *prometheus.Registry
	router   *Router
}

func newFixture(limit int) *fixture {
	fc := clocktesting.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	f := &fixture{
		clock:    fc,
		orch:     &mockOrchestrator{},
		notifier: &mockNotifier{},
		registry: reg,
	}
	f.router = NewRouter(f.orch, f.notifier, NewRateLimiter(fc, limit), fc, metrics.New(reg), logr.Discard())
	return f
}

func TestRouter_Dispatch(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    call
	}{
		{"submit", `{"type":"submit_match_request","category":"Arrays","complexity":"Easy"}`, call{"submit", "alice", "Arrays/Easy"}},
		{"withdraw", `{"type":"withdraw_match_request","request_id":"r1"}`, call{"withdraw", "alice", "r1"}},
		{"request exit", `{"type":"request_exit","session_id":"s1"}`, call{"request_exit", "alice", "s1"}},
		{"confirm exit", `{"type":"confirm_exit","session_id":"s1"}`, call{"confirm_exit", "alice", "s1"}},
		{"cancel exit", `{"type":"cancel_exit","session_id":"s1"}`, call{"cancel_exit", "alice", "s1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(10)
			f.router.HandleCommand(context.Background(), "alice", []byte(tt.payload))

			require.Len(t, f.orch.calls, 1)
			assert.Equal(t, tt.want, f.orch.calls[0])
			assert.Empty(t, f.notifier.sent, "successful commands answer through orchestrator notifications")
		})
	}
}

func TestRouter_RejectsBadCommands(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"type":`},
		{"unknown type", `{"type":"teleport"}`},
		{"missing session", `{"type":"request_exit"}`},
		{"bad complexity", `{"type":"submit_match_request","category":"Arrays","complexity":"Impossible"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(10)
			f.router.HandleCommand(context.Background(), "alice", []byte(tt.payload))

			assert.Empty(t, f.orch.calls)
			n := f.notifier.last()
			assert.Equal(t, types.NotificationError, n.Type)
			assert.Equal(t, types.CodeInvalidRequest, n.Code)
		})
	}
}

func TestRouter_HeartbeatAck(t *testing.T) {
	f := newFixture(1)

	for i := 0; i < 5; i++ {
		f.router.HandleCommand(context.Background(), "alice", []byte(`{"type":"heartbeat"}`))
	}

	assert.Len(t, f.orch.calls, 5, "heartbeats are never rate limited")
	assert.Equal(t, types.NotificationHeartbeatAck, f.notifier.last().Type)
}

func TestRouter_RateLimit(t *testing.T) {
	f := newFixture(2)
	cmd := []byte(`{"type":"withdraw_match_request","request_id":"r1"}`)

	for i := 0; i < 3; i++ {
		f.router.HandleCommand(context.Background(), "alice", cmd)
	}
	assert.Len(t, f.orch.calls, 2)
	assert.Equal(t, types.CodeRateLimited, f.notifier.last().Code)

	// other users have their own window
	f.router.HandleCommand(context.Background(), "bob", cmd)
	assert.Len(t, f.orch.calls, 3)

	f.clock.Step(time.Minute)
	f.router.HandleCommand(context.Background(), "alice", cmd)
	assert.Len(t, f.orch.calls, 4)
}

func TestRouter_ErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
		msg  string
	}{
		{types.ErrSessionNotFound, types.CodeSessionNotFound, types.ErrSessionNotFound.Error()},
		{types.ErrNotParticipant, types.CodeNotParticipant, types.ErrNotParticipant.Error()},
		{types.ErrInvalidTransition, types.CodeInvalidTransition, types.ErrInvalidTransition.Error()},
		{errors.New("disk on fire"), types.CodeInternal, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			f := newFixture(10)
			f.orch.err = tt.err
			f.router.HandleCommand(context.Background(), "alice", []byte(`{"type":"confirm_exit","session_id":"s1"}`))

			n := f.notifier.last()
			assert.Equal(t, tt.code, n.Code)
			assert.Equal(t, tt.msg, n.Message)
			assert.Equal(t, types.CommandConfirmExit, n.Command)
		})
	}
}

func TestRouter_CountsCommands(t *testing.T) {
	f := newFixture(10)
	f.router.HandleCommand(context.Background(), "alice", []byte(`{"type":"heartbeat"}`))
	f.orch.err = types.ErrSessionNotFound
	f.router.HandleCommand(context.Background(), "alice", []byte(`{"type":"cancel_exit","session_id":"s1"}`))

	expected := `
# HELP peerprep_commands_total Count of client commands by type and outcome code.
# TYPE peerprep_commands_total counter
peerprep_commands_total{code="ok",type="heartbeat"} 1
peerprep_commands_total{code="session_not_found",type="cancel_exit"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected), "peerprep_commands_total"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	limiter := NewRateLimiter(fc, 5)

	limiter.Allow("alice")
	fc.Step(2 * time.Minute)
	limiter.Allow("bob")
	fc.Step(4 * time.Minute)

	limiter.Cleanup()
	assert.Equal(t, 1, limiter.Tracked())
}

func TestRateLimiter_StartCleansPeriodically(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	limiter := NewRateLimiter(fc, 5)
	limiter.Allow("alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go limiter.Start(ctx)
	assert.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)

	for i := 0; i < 7; i++ {
		fc.Step(time.Minute)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Eventually(t, func() bool { return limiter.Tracked() == 0 }, time.Second, time.Millisecond)
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	limiter := NewRateLimiter(fc, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("alice") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, allowed)
}
