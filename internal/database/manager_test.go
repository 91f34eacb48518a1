package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerprep/pkg/database"
	"peerprep/pkg/interfaces"
	"peerprep/pkg/types"
)

var _ interfaces.SessionStore = (*Manager)(nil)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := &database.Config{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    10,
		BusyTimeout:     time.Second,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 30,
	}

	manager, err := NewManager(config, logr.Discard())
	require.NoError(t, err)
	manager.retryDelay = time.Millisecond
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testMatch(id, a, b string) *types.Match {
	return &types.Match{
		ID:         id,
		UserA:      a,
		UserB:      b,
		RequestA:   "req-" + a,
		RequestB:   "req-" + b,
		QuestionID: "q-arrays-1",
		FormedAt:   baseTime,
	}
}

func saveSession(t *testing.T, m *Manager, id, a, b string) *types.Session {
	t.Helper()
	ctx := context.Background()
	match := testMatch("match-"+id, a, b)
	require.NoError(t, m.SaveMatch(ctx, match))
	session := types.NewSession(id, match, baseTime)
	require.NoError(t, m.CreateSession(ctx, session))
	return session
}

func TestManager_CreateAndGetSession(t *testing.T) {
	m := setupTestDB(t)
	created := saveSession(t, m, "s1", "alice", "bob")

	got, err := m.GetSession(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "match-s1", got.MatchID)
	assert.Equal(t, "q-arrays-1", got.QuestionID)
	assert.Equal(t, types.SessionActive, got.Status)
	assert.Equal(t, [2]string{"alice", "bob"}, got.UserIDs())
	assert.True(t, got.Participants[0].ConnectionAlive)
	assert.True(t, baseTime.Equal(got.CreatedAt))
	assert.Nil(t, got.ClosedAt)
	assert.Nil(t, got.ExitDeadline)
	assert.Empty(t, got.CloseReason)
}

func TestManager_GetSessionNotFound(t *testing.T) {
	m := setupTestDB(t)

	_, err := m.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestManager_UpdateSessionLifecycle(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	session := saveSession(t, m, "s1", "alice", "bob")

	deadline := baseTime.Add(30 * time.Second)
	require.NoError(t, session.Transition(types.SessionExitPending))
	session.ExitRequestedBy = "alice"
	session.ExitDeadline = &deadline
	session.ExitRound = 1
	session.Participants[0].ExitConfirmed = true
	require.NoError(t, m.UpdateSession(ctx, session))

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionExitPending, got.Status)
	assert.Equal(t, "alice", got.ExitRequestedBy)
	require.NotNil(t, got.ExitDeadline)
	assert.True(t, deadline.Equal(*got.ExitDeadline))
	assert.Equal(t, 1, got.ExitRound)
	assert.True(t, got.Participants[0].ExitConfirmed)

	closedAt := deadline
	require.NoError(t, session.Transition(types.SessionClosed))
	session.CloseReason = types.CloseExitTimeout
	session.ClosedAt = &closedAt
	require.NoError(t, m.UpdateSession(ctx, session))

	got, err = m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionClosed, got.Status)
	assert.Equal(t, types.CloseExitTimeout, got.CloseReason)
	require.NotNil(t, got.ClosedAt)
}

func TestManager_UpdateUnknownSession(t *testing.T) {
	m := setupTestDB(t)
	session := types.NewSession("ghost", testMatch("m", "alice", "bob"), baseTime)

	err := m.UpdateSession(context.Background(), session)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestManager_ListOpenSessionsSkipsClosed(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	saveSession(t, m, "open-1", "alice", "bob")
	closed := saveSession(t, m, "closed-1", "carol", "dave")
	saveSession(t, m, "open-2", "erin", "frank")

	require.NoError(t, closed.Transition(types.SessionExitPending))
	require.NoError(t, closed.Transition(types.SessionClosed))
	require.NoError(t, m.UpdateSession(ctx, closed))

	sessions, err := m.ListOpenSessions(ctx)
	require.NoError(t, err)

	var ids []string
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"open-1", "open-2"}, ids)
}

func TestManager_RejectsSelfMatch(t *testing.T) {
	m := setupTestDB(t)

	err := m.SaveMatch(context.Background(), testMatch("m1", "alice", "alice"))
	assert.Error(t, err)
}

func TestManager_ConcurrentWrites(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			match := testMatch(fmt.Sprintf("m%d", i), fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i))
			if err := m.SaveMatch(ctx, match); err != nil {
				errs <- err
				return
			}
			errs <- m.CreateSession(ctx, types.NewSession(fmt.Sprintf("s%d", i), match, baseTime))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	sessions, err := m.ListOpenSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 20)
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	m := setupTestDB(t)

	require.NoError(t, m.HealthCheck(context.Background()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err := m.SaveMatch(context.Background(), testMatch("m1", "alice", "bob"))
	assert.ErrorIs(t, err, ErrManagerClosed)
}
