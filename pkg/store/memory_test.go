package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/models"
)

type recordedChange struct {
	sessionID string
	version   int64
	deleted   bool
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	changes []recordedChange
}

func (n *recordingNotifier) SessionChanged(_ context.Context, s *models.Session) {
	n.changes = append(n.changes, recordedChange{sessionID: s.SessionID, version: s.Version})
}

func (n *recordingNotifier) SessionDeleted(_ context.Context, sessionID string, lastVersion int64) {
	n.changes = append(n.changes, recordedChange{sessionID: sessionID, version: lastVersion, deleted: true})
}

func testSession(id string) *models.Session {
	now := models.NewTimestamp(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return &models.Session{
		SessionID: id,
		SyncMode:  models.SyncModePerParticipant,
		Status:    models.StatusPending,
		Participants: []models.Participant{
			{ParticipantID: "p-0", ParticipantIndex: 0, TotalTimeMs: 300_000, OriginalTimeMs: 300_000},
			{ParticipantID: "p-1", ParticipantIndex: 1, TotalTimeMs: 300_000, OriginalTimeMs: 300_000},
		},
		TotalTimeMs: 300_000,
		IncrementMs: 2_000,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, nil, nil)

	created, err := s.Create(ctx, testSession("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CreateOverridesCallerVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, nil, nil)

	in := testSession("sess-1")
	in.Version = 42
	created, err := s.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, int64(42), in.Version, "input session must not be mutated")
}

func TestMemoryStore_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("version check passes", func(t *testing.T) {
		s := NewMemoryStore(0, nil, nil)
		created, err := s.Create(ctx, testSession("sess-1"))
		require.NoError(t, err)

		next := created.Clone()
		next.Status = models.StatusRunning
		updated, err := s.Update(ctx, "sess-1", next, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, models.StatusRunning, updated.Status)
	})

	t.Run("version mismatch", func(t *testing.T) {
		s := NewMemoryStore(0, nil, nil)
		created, err := s.Create(ctx, testSession("sess-1"))
		require.NoError(t, err)

		_, err = s.Update(ctx, "sess-1", created, 7)
		var conflict *ConcurrencyError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(7), conflict.Expected)
		assert.Equal(t, int64(1), conflict.Actual)
	})

	t.Run("no version check always wins", func(t *testing.T) {
		s := NewMemoryStore(0, nil, nil)
		created, err := s.Create(ctx, testSession("sess-1"))
		require.NoError(t, err)

		updated, err := s.Update(ctx, "sess-1", created, NoVersionCheck)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
	})

	t.Run("missing session", func(t *testing.T) {
		s := NewMemoryStore(0, nil, nil)
		_, err := s.Update(ctx, "missing", testSession("missing"), NoVersionCheck)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, nil, nil)

	_, err := s.Create(ctx, testSession("sess-1"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "sess-1"))
	_, err = s.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Delete(ctx, "sess-1"), ErrNotFound)
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s := NewMemoryStore(time.Hour, clk, nil)

	_, err := s.Create(ctx, testSession("sess-1"))
	require.NoError(t, err)

	t.Run("write refreshes the deadline", func(t *testing.T) {
		clk.Advance(40 * time.Minute)
		got, err := s.Get(ctx, "sess-1")
		require.NoError(t, err)

		_, err = s.Update(ctx, "sess-1", got, NoVersionCheck)
		require.NoError(t, err)

		deadline, ok := s.ExpiresAt("sess-1")
		require.True(t, ok)
		assert.Equal(t, clk.Now().Add(time.Hour), deadline)
	})

	t.Run("expired session is gone", func(t *testing.T) {
		clk.Advance(time.Hour + time.Second)
		_, err := s.Get(ctx, "sess-1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "sess-1"), ErrNotFound)
	})
}

func TestMemoryStore_Notifications(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	s := NewMemoryStore(0, nil, notifier)

	created, err := s.Create(ctx, testSession("sess-1"))
	require.NoError(t, err)
	_, err = s.Update(ctx, "sess-1", created, 1)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "sess-1"))

	require.Len(t, notifier.changes, 3)
	assert.Equal(t, recordedChange{sessionID: "sess-1", version: 1}, notifier.changes[0])
	assert.Equal(t, recordedChange{sessionID: "sess-1", version: 2}, notifier.changes[1])
	assert.Equal(t, recordedChange{sessionID: "sess-1", version: 2, deleted: true}, notifier.changes[2])
}
