package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/models"
)

const (
	// QueueTracker is the Redis list key for presence tracker commands.
	QueueTracker = "worker:tracker"
	// QueueArchive is the Redis list key for finalized payroll archive jobs.
	QueueArchive = "worker:archive"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeTrackerBegin   JobType = "tracker_begin"
	JobTypeTrackerEnd     JobType = "tracker_end"
	JobTypePayrollArchive JobType = "payroll_archive"
)

// queueFor maps a job type to its list.
func queueFor(t JobType) string {
	if t == JobTypePayrollArchive {
		return QueueArchive
	}
	return QueueTracker
}

// TrackerPayload is the payload for tracker begin/end jobs. Event is set for begin only.
type TrackerPayload struct {
	EventID string        `json:"event_id"`
	Event   *models.Event `json:"event,omitempty"`
}

// ArchivePayload is the payload for payroll archive jobs.
type ArchivePayload struct {
	EventID   string `json:"event_id"`
	PayrollID string `json:"payroll_id"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewJob wraps payload in a fresh envelope.
func NewJob(t JobType, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of job %s: %w", j.Type, j.ID, err)
	}
	return nil
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client redis.Cmdable
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client redis.Cmdable, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, queueFor(job.Type), raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// BeginTracking enqueues a tracker start command for ev.
func (q *Queue) BeginTracking(ctx context.Context, ev *models.Event) error {
	job, err := NewJob(JobTypeTrackerBegin, TrackerPayload{EventID: ev.ID, Event: ev})
	if err != nil {
		return err
	}
	if err := q.push(ctx, job); err != nil {
		return err
	}
	q.logger.Debug("enqueued tracker begin job", zap.String("job_id", job.ID), zap.String("event_id", ev.ID))
	return nil
}

// EndTracking enqueues a tracker stop command.
func (q *Queue) EndTracking(ctx context.Context, eventID string) error {
	job, err := NewJob(JobTypeTrackerEnd, TrackerPayload{EventID: eventID})
	if err != nil {
		return err
	}
	if err := q.push(ctx, job); err != nil {
		return err
	}
	q.logger.Debug("enqueued tracker end job", zap.String("job_id", job.ID), zap.String("event_id", eventID))
	return nil
}

// EnqueueArchive enqueues the archival of a finalized payroll.
func (q *Queue) EnqueueArchive(ctx context.Context, p *models.Payroll) error {
	job, err := NewJob(JobTypePayrollArchive, ArchivePayload{EventID: p.EventID, PayrollID: p.ID})
	if err != nil {
		return err
	}
	if err := q.push(ctx, job); err != nil {
		return err
	}
	q.logger.Debug("enqueued payroll archive job", zap.String("job_id", job.ID), zap.String("payroll_id", p.ID))
	return nil
}

// Dequeue blocks until a job is available on one of keys or ctx is done. Returns job and key
// (queue name). With no keys it listens on every work queue.
func (q *Queue) Dequeue(ctx context.Context, keys ...string) (*Job, string, error) {
	if len(keys) == 0 {
		keys = []string{QueueTracker, QueueArchive}
	}
	result, err := q.client.BLPop(ctx, 0, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, queueFor(job.Type), raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
