package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redlegion/eventpay/internal/models"
)

func TestJobEnvelopeRoundTrip(t *testing.T) {
	ev := &models.Event{ID: "web-0a0b0c0d", Name: "Ore run", TrackedChannels: []models.Channel{{ID: "100000000000000002"}}}
	job, err := NewJob(JobTypeTrackerBegin, TrackerPayload{EventID: ev.ID, Event: ev})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.CreatedAt.IsZero())

	raw, err := json.Marshal(job)
	require.NoError(t, err)
	var back Job
	require.NoError(t, json.Unmarshal(raw, &back))

	var p TrackerPayload
	require.NoError(t, back.Decode(&p))
	assert.Equal(t, "web-0a0b0c0d", p.EventID)
	require.NotNil(t, p.Event)
	assert.Equal(t, "Ore run", p.Event.Name)

	bad := &Job{ID: "x", Type: JobTypePayrollArchive, Payload: json.RawMessage(`[1,2]`)}
	var a ArchivePayload
	assert.ErrorContains(t, bad.Decode(&a), "payroll_archive")
}

func TestQueueRouting(t *testing.T) {
	assert.Equal(t, QueueTracker, queueFor(JobTypeTrackerBegin))
	assert.Equal(t, QueueTracker, queueFor(JobTypeTrackerEnd))
	assert.Equal(t, QueueArchive, queueFor(JobTypePayrollArchive))
}
