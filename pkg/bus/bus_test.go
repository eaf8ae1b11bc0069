package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/models"
)

func TestStateChannel(t *testing.T) {
	assert.Equal(t, "turnclock:session-traffic:abc", StateChannel("turnclock:", "abc"))
	assert.Equal(t, "turnclock:session-traffic:*", StatePattern("turnclock:"))
}

func TestInProcBus_Dispatch(t *testing.T) {
	ctx := context.Background()
	b := NewInProcBus()

	var got []StateChange
	b.Subscribe(func(c StateChange) { got = append(got, c) })

	// Not started yet: publishes are dropped.
	require.NoError(t, b.Publish(ctx, StateChange{SessionID: "early"}))
	assert.Empty(t, got)

	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Publish(ctx, StateChange{SessionID: "sess-1", Version: 3}))
	require.Len(t, got, 1)
	assert.Equal(t, "sess-1", got[0].SessionID)
	assert.Equal(t, int64(3), got[0].Version)

	b.Stop()
	require.NoError(t, b.Publish(ctx, StateChange{SessionID: "late"}))
	assert.Len(t, got, 1)
}

func TestInProcBus_PublishToSession(t *testing.T) {
	ctx := context.Background()
	b := NewInProcBus()

	var got []StateChange
	b.Subscribe(func(c StateChange) { got = append(got, c) })
	require.NoError(t, b.Start(ctx))

	require.NoError(t, b.PublishToSession(ctx, "sess-1", json.RawMessage(`{"event":"peer_connected"}`)))

	require.Len(t, got, 1)
	assert.Equal(t, "sess-1", got[0].SessionID)
	assert.JSONEq(t, `{"event":"peer_connected"}`, string(got[0].Payload))
	assert.Zero(t, got[0].Version)
	assert.Nil(t, got[0].State)
	assert.False(t, got[0].Deleted)
}

func TestChangeNotifier(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 500_000_000, time.UTC))
	b := NewInProcBus()
	require.NoError(t, b.Start(ctx))

	var got []StateChange
	b.Subscribe(func(c StateChange) { got = append(got, c) })

	notifier := NewChangeNotifier(b, clk, "replica-a")

	t.Run("session changed", func(t *testing.T) {
		sess := &models.Session{SessionID: "sess-1", Version: 4, Status: models.StatusRunning}
		notifier.SessionChanged(ctx, sess)

		require.Len(t, got, 1)
		c := got[0]
		assert.Equal(t, "sess-1", c.SessionID)
		assert.Equal(t, int64(4), c.Version)
		assert.False(t, c.Deleted)
		assert.Same(t, sess, c.State)
		assert.Equal(t, clock.EpochMillis(clk.Now()), c.ServerTS)
		assert.Equal(t, "replica-a", c.Origin)
	})

	t.Run("session deleted advertises next version", func(t *testing.T) {
		notifier.SessionDeleted(ctx, "sess-1", 4)

		require.Len(t, got, 2)
		c := got[1]
		assert.True(t, c.Deleted)
		assert.Nil(t, c.State)
		assert.Equal(t, int64(5), c.Version)
	})
}
