package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const enqueueTimeout = 3 * time.Second

// AsynqBroker enqueues jobs on a Redis-backed asynq queue. The task id
// is reused as the asynq task id, so a queued or running job can later
// be revoked by the id alone.
type AsynqBroker struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	timeout   time.Duration
	maxRetry  int
}

func NewAsynqBroker(opt asynq.RedisClientOpt, jobTimeout time.Duration, maxRetry int) *AsynqBroker {
	return &AsynqBroker{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     "default",
		timeout:   jobTimeout,
		maxRetry:  maxRetry,
	}
}

func (b *AsynqBroker) Close() error {
	if err := b.client.Close(); err != nil {
		return err
	}
	return b.inspector.Close()
}

func (b *AsynqBroker) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	// Keep the submission path bounded even when Redis is down.
	cctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()

	_, err = b.client.EnqueueContext(cctx, asynq.NewTask(string(job.Type), payload),
		asynq.TaskID(job.TaskID),
		asynq.Queue(b.queue),
		asynq.Timeout(b.timeout),
		asynq.MaxRetry(b.maxRetry),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	return nil
}

// Revoke asks the broker to drop the job if still pending and to signal
// cancellation if it is already running. Either half may find nothing
// to act on; that is not an error.
func (b *AsynqBroker) Revoke(ctx context.Context, taskID string) error {
	cancelErr := b.inspector.CancelProcessing(taskID)

	deleteErr := b.inspector.DeleteTask(b.queue, taskID)
	if errors.Is(deleteErr, asynq.ErrTaskNotFound) || errors.Is(deleteErr, asynq.ErrQueueNotFound) {
		deleteErr = nil
	}
	// Deleting an active task is rejected by asynq; the cancellation
	// signal above already covers that case, so only report revoke
	// failure when both halves failed.
	if deleteErr != nil && cancelErr != nil {
		return fmt.Errorf("revoke %s: %v", taskID, deleteErr)
	}
	return nil
}
