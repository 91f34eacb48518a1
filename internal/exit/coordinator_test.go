package exit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"peerprep/pkg/types"
)

// fakeSessions serializes updates the way the registry does
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
}

func (f *fakeSessions) Update(_ context.Context, id string, fn func(s *types.Session) error) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.Open() {
		return nil, types.ErrSessionNotFound
	}
	next := s.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	f.sessions[id] = next
	return next.Clone(), nil
}

func (f *fakeSessions) OpenSessionIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, s := range f.sessions {
		if s.Open() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeSessions) get(id string) *types.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Clone()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]types.Notification
}

func (r *recordingNotifier) Notify(userID string, n types.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]types.Notification)
	}
	r.sent[userID] = append(r.sent[userID], n)
	return nil
}

func (r *recordingNotifier) kinds(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.sent[userID] {
		out = append(out, n.Type)
	}
	return out
}

func (r *recordingNotifier) last(userID string) types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := r.sent[userID]
	return ns[len(ns)-1]
}

type fixture struct {
	clock    *clocktesting.FakeClock
	sessions *fakeSessions
	notifier *recordingNotifier
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	fc := clocktesting.NewFakeClock(t0)
	sessions := &fakeSessions{sessions: map[string]*types.Session{"s1": newSession()}}
	notifier := &recordingNotifier{}
	coord := NewCoordinator(fc, sessions, notifier, grace, logr.Discard())
	t.Cleanup(coord.Stop)
	return &fixture{clock: fc, sessions: sessions, notifier: notifier, coord: coord}
}

func TestCoordinator_RequestNotifiesBoth(t *testing.T) {
	f := newFixture(t)

	s, err := f.coord.RequestExit(context.Background(), "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.SessionExitPending, s.Status)

	for _, user := range []string{"alice", "bob"} {
		n := f.notifier.last(user)
		assert.Equal(t, types.NotificationExitRequested, n.Type)
		assert.Equal(t, "alice", n.ByUserID)
		require.NotNil(t, n.Deadline)
		assert.Equal(t, t0.Add(grace), *n.Deadline)
	}
}

func TestCoordinator_GraceTimeoutCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.RequestExit(ctx, "s1", "alice")
	require.NoError(t, err)

	f.clock.Step(grace - time.Second)
	assert.Equal(t, types.SessionExitPending, f.sessions.get("s1").Status)

	f.clock.Step(2 * time.Second)
	assert.Eventually(t, func() bool {
		return f.sessions.get("s1").Status == types.SessionClosed
	}, time.Second, time.Millisecond)

	assert.Equal(t, types.CloseExitTimeout, f.sessions.get("s1").CloseReason)
	assert.Eventually(t, func() bool {
		return f.notifier.last("bob").Type == types.NotificationSessionClosed
	}, time.Second, time.Millisecond)
	assert.Equal(t, string(types.CloseExitTimeout), f.notifier.last("alice").Reason)
}

func TestCoordinator_ConfirmCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.RequestExit(ctx, "s1", "alice")
	require.NoError(t, err)
	s, err := f.coord.ConfirmExit(ctx, "s1", "bob")
	require.NoError(t, err)

	assert.Equal(t, types.SessionClosed, s.Status)
	assert.Equal(t, types.CloseExitConfirmed, s.CloseReason)
	assert.Equal(t, []string{types.NotificationExitRequested, types.NotificationSessionClosed}, f.notifier.kinds("alice"))

	// second close attempt is benign
	_, err = f.coord.ConfirmExit(ctx, "s1", "bob")
	assert.True(t, types.IsBenign(err))
}

func TestCoordinator_CancelDisarmsTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.RequestExit(ctx, "s1", "alice")
	require.NoError(t, err)
	f.clock.Step(5 * time.Second)

	s, err := f.coord.CancelExit(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, s.Status)
	assert.False(t, s.Participants[0].ExitConfirmed)
	assert.False(t, s.Participants[1].ExitConfirmed)

	n := f.notifier.last("alice")
	assert.Equal(t, types.NotificationExitCancelled, n.Type)
	assert.Equal(t, "bob", n.ByUserID)
	assert.Equal(t, types.ReasonCancelledByPeer, n.Reason)

	assert.False(t, f.clock.HasWaiters())
	f.clock.Step(time.Minute)
	assert.Equal(t, types.SessionActive, f.sessions.get("s1").Status)
}

func TestCoordinator_StaleTimerDoesNotCloseNewRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.RequestExit(ctx, "s1", "alice")
	require.NoError(t, err)
	f.clock.Step(10 * time.Second)
	_, err = f.coord.CancelExit(ctx, "s1", "alice")
	require.NoError(t, err)
	_, err = f.coord.RequestExit(ctx, "s1", "bob")
	require.NoError(t, err)

	// first round's deadline passes
	f.clock.Step(grace - 5*time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, types.SessionExitPending, f.sessions.get("s1").Status)

	f.clock.Step(10 * time.Second)
	assert.Eventually(t, func() bool {
		return f.sessions.get("s1").Status == types.SessionClosed
	}, time.Second, time.Millisecond)
	assert.Equal(t, 2, f.sessions.get("s1").ExitRound)
}

func TestCoordinator_DisconnectOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// bob lapses while the session is active
	s, err := f.coord.HandleDisconnect(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, s.Status)
	n := f.notifier.last("alice")
	assert.Equal(t, types.NotificationPeerDisconnected, n.Type)
	assert.Equal(t, "bob", n.PeerUserID)

	// alice's request closes without waiting out the grace period
	s, err = f.coord.RequestExit(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.SessionClosed, s.Status)
	assert.Equal(t, types.CloseDisconnectOverride, s.CloseReason)
	assert.False(t, f.clock.HasWaiters())
}

func TestCoordinator_RequesterDisconnectCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.RequestExit(ctx, "s1", "alice")
	require.NoError(t, err)
	s, err := f.coord.HandleDisconnect(ctx, "s1", "alice")
	require.NoError(t, err)

	assert.Equal(t, types.SessionActive, s.Status)
	assert.Contains(t, f.notifier.kinds("bob"), types.NotificationExitCancelled)
	cancelled := f.notifier.sent["bob"][1]
	assert.Equal(t, types.ReasonRequesterDisconnected, cancelled.Reason)
	assert.Equal(t, types.NotificationPeerDisconnected, f.notifier.last("bob").Type)
}

func TestCoordinator_SweepAbandoned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sessions.sessions["s2"] = types.NewSession("s2",
		&types.Match{ID: "m2", UserA: "carol", UserB: "dave", QuestionID: "q1"}, t0)

	_, err := f.coord.HandleDisconnect(ctx, "s1", "alice")
	require.NoError(t, err)
	_, err = f.coord.HandleDisconnect(ctx, "s1", "bob")
	require.NoError(t, err)
	_, err = f.coord.HandleDisconnect(ctx, "s2", "carol")
	require.NoError(t, err)

	f.clock.Step(10 * time.Minute)
	closed := f.coord.SweepAbandoned(ctx, 10*time.Minute)

	assert.Equal(t, []string{"s1"}, closed)
	assert.Equal(t, types.CloseAbandoned, f.sessions.get("s1").CloseReason)
	assert.True(t, f.sessions.get("s2").Open())
}

func TestCoordinator_UnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.RequestExit(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	_, err = f.coord.RequestExit(context.Background(), "s1", "mallory")
	assert.ErrorIs(t, err, types.ErrNotParticipant)
}
