// Package worker drains the Redis job queues: tracker commands and payroll archival.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/redlegion/eventpay/internal/apperr"
	"github.com/redlegion/eventpay/internal/models"
	"github.com/redlegion/eventpay/internal/payroll"
	"github.com/redlegion/eventpay/pkg/queue"
	"github.com/redlegion/eventpay/pkg/storage"
)

// JobQueue is the queue the worker drains.
type JobQueue interface {
	Dequeue(ctx context.Context, keys ...string) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Tracker receives begin/end tracking commands.
type Tracker interface {
	BeginTracking(ctx context.Context, ev *models.Event) error
	EndTracking(ctx context.Context, eventID string) error
}

// Exporter builds the payroll document of an event.
type Exporter interface {
	Export(ctx context.Context, eventID string) (*payroll.Export, error)
}

// EventSource reads the current state of an event.
type EventSource interface {
	Get(ctx context.Context, id string) (*models.Event, error)
}

// Uploader stores an archived object.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// Processor executes queued jobs. Tracker and archive handling are optional; a job whose
// handler is not configured fails and ends up in the DLQ after retries.
type Processor struct {
	queue    JobQueue
	tracker  Tracker
	exporter Exporter
	uploader Uploader
	events   EventSource
	backoff  time.Duration
	logger   *zap.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithEvents lets tracker jobs check the event before talking to the bot. A retried
// begin that lost the race with the event's close is dropped.
func WithEvents(src EventSource) Option { return func(p *Processor) { p.events = src } }

// NewProcessor creates a job processor.
func NewProcessor(q JobQueue, tracker Tracker, exporter Exporter, uploader Uploader, logger *zap.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		queue:    q,
		tracker:  tracker,
		exporter: exporter,
		uploader: uploader,
		backoff:  queue.RetryBackoff,
		logger:   logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeTrackerBegin, queue.JobTypeTrackerEnd:
		return p.processTracker(ctx, job)
	case queue.JobTypePayrollArchive:
		return p.processArchive(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *Processor) processTracker(ctx context.Context, job *queue.Job) error {
	if p.tracker == nil {
		return fmt.Errorf("no tracker configured for %s", job.Type)
	}
	var payload queue.TrackerPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if job.Type == queue.JobTypeTrackerEnd {
		if ev, ok, err := p.current(ctx, payload.EventID); err != nil {
			return err
		} else if ok && ev.Status == models.EventLive {
			p.logger.Warn("stale tracker end dropped, event is live", zap.String("event_id", payload.EventID), zap.String("job_id", job.ID))
			return nil
		}
		return p.tracker.EndTracking(ctx, payload.EventID)
	}
	if payload.Event == nil {
		return fmt.Errorf("tracker begin job %s has no event", job.ID)
	}
	ev := payload.Event
	if p.events != nil {
		cur, ok, err := p.current(ctx, payload.EventID)
		if err != nil {
			return err
		}
		if !ok || cur.Status != models.EventLive {
			p.logger.Warn("stale tracker begin dropped, event is not live",
				zap.String("event_id", payload.EventID), zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
			return nil
		}
		ev = cur
	}
	return p.tracker.BeginTracking(ctx, ev)
}

// current returns the stored event; ok is false when it no longer exists or no source is set.
func (p *Processor) current(ctx context.Context, id string) (*models.Event, bool, error) {
	if p.events == nil {
		return nil, false, nil
	}
	ev, err := p.events.Get(ctx, id)
	if apperr.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load event: %w", err)
	}
	return ev, true, nil
}

func (p *Processor) processArchive(ctx context.Context, job *queue.Job) error {
	if p.exporter == nil || p.uploader == nil {
		return fmt.Errorf("payroll archive not configured")
	}
	var payload queue.ArchivePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	doc, err := p.exporter.Export(ctx, payload.EventID)
	if apperr.IsNotFound(err) {
		p.logger.Warn("archive skipped, event or payroll gone", zap.String("event_id", payload.EventID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("export payroll: %w", err)
	}
	if doc.Payroll.Status != models.PayrollClosed {
		p.logger.Warn("archive skipped, payroll not finalized", zap.String("event_id", payload.EventID))
		return nil
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}
	key := storage.PayrollKey(payload.EventID, doc.Payroll.ID)
	url, err := p.uploader.Upload(ctx, key, "application/json", bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("payroll archived", zap.String("payroll_id", doc.Payroll.ID), zap.String("s3_key", key), zap.String("url", url))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context, keys ...string) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx, keys...)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.String("type", string(job.Type)), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
