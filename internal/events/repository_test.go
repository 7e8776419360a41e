package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/internal/presence"
	"github.com/redlegion/eventpay/pkg/database/databasetest"
	"github.com/redlegion/eventpay/pkg/keylock"
)

func TestRepositoryCloseFreezesSessionsInOneTransaction(t *testing.T) {
	pool := databasetest.Open(t)
	id := databasetest.EventID()
	databasetest.InsertEvent(t, pool, id, "live", chanOps)
	ctx := context.Background()

	repo := NewRepository(pool)
	presenceRepo := presence.NewRepository(pool)
	presenceSvc := presence.NewService(presenceRepo, repo)
	_, err := presenceSvc.Ingest(ctx, models.PresenceEvent{EventID: id, UserID: organizer, ChannelID: chanOps,
		DisplayName: "Dispatch", Kind: models.PresenceJoined, OccurredAt: time.Now().UTC().Add(-30 * time.Minute)})
	require.NoError(t, err)

	svc := NewService(repo, presenceSvc, keylock.New())
	ev, err := svc.Close(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.EventClosed, ev.Status)
	assert.Equal(t, 1, ev.TotalParticipants)

	sessions, err := presenceRepo.ListSessions(ctx, id)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].IsActive)
	assert.InDelta(t, 30*60, sessions[0].DurationSeconds, 5)

	_, err = presenceSvc.Ingest(ctx, models.PresenceEvent{EventID: id, UserID: organizer, ChannelID: chanOps,
		Kind: models.PresenceLeft, OccurredAt: time.Now().UTC()})
	assert.Error(t, err)
	after, err := presenceRepo.ListSessions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sessions, after)
}
