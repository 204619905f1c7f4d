// Package worker runs queued recording deliveries outside the request path.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tgringer/callserver/internal/delivery"
	"github.com/tgringer/callserver/pkg/queue"
)

// JobQueue is the subset of the Redis queue the worker drives.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job, cause error) error
	DeadLetter(ctx context.Context, job *queue.Job, cause error) error
}

// DeliveryProcessor posts queued recording deliveries to the bot endpoint.
type DeliveryProcessor struct {
	notifier delivery.Notifier
	queue    JobQueue
	logger   *zap.Logger
	backoff  time.Duration
}

// NewDeliveryProcessor creates a delivery processor.
func NewDeliveryProcessor(notifier delivery.Notifier, q JobQueue, logger *zap.Logger) *DeliveryProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryProcessor{notifier: notifier, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one delivery job.
func (p *DeliveryProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeDelivery {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.DeliveryPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.FileURL == "" {
		return fmt.Errorf("delivery job %s has no file url", job.ID)
	}
	return p.notifier.Notify(ctx, delivery.FromPayload(payload))
}

// handle processes job and routes a failure. Only an unreached endpoint is retried:
// once the bot has answered, a resend could deliver the recording twice.
func (p *DeliveryProcessor) handle(ctx context.Context, job *queue.Job) bool {
	log := p.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	err := p.Process(ctx, job)
	if err == nil {
		log.Debug("delivery job done")
		return true
	}
	if errors.Is(err, delivery.ErrUnreached) {
		log.Warn("delivery endpoint unreachable, retrying", zap.Error(err))
		if reErr := p.queue.Retry(ctx, job, err); reErr != nil {
			log.Error("retry enqueue failed", zap.Error(reErr))
		}
		return false
	}
	log.Error("delivery job failed", zap.Error(err))
	if dlErr := p.queue.DeadLetter(ctx, job, err); dlErr != nil {
		log.Error("dead-letter push failed", zap.Error(dlErr))
	}
	return true
}

// Run starts the worker loop until ctx is done.
func (p *DeliveryProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("delivery worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
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
		if !p.handle(ctx, job) {
			p.sleep(ctx)
		}
	}
}

func (p *DeliveryProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
