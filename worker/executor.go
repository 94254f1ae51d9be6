package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"mediaforge/queue"
	"mediaforge/storage"
	"mediaforge/task"
)

// ProgressFunc lets a transformer report partial progress; done/total
// is mapped into the fetched..transformed checkpoint window.
type ProgressFunc func(done, total int)

// Result is the output of one transform run.
type Result struct {
	Data        []byte
	Ext         string
	ContentType string
	Extra       map[string]string
}

// Transformer is one job-type variant of the executor. Implementations
// are pure with respect to the task record: they consume decoded bytes
// and parameters and produce transformed bytes, nothing else.
type Transformer interface {
	Type() queue.JobType
	Category() storage.Category
	Transform(ctx context.Context, inputs [][]byte, p queue.Params, report ProgressFunc) (*Result, error)
}

// Throttle is the pre-flight resource gate checked before a job leaves
// the queued state. Zero values disable the corresponding check.
type Throttle struct {
	CPU     float64 // required idle CPU percentage
	FreeMem int64   // required available memory in bytes
}

// Executor drives every job through the same skeleton: mark
// processing, fetch sources, transform, upload, finalize. All task
// record writes are atomic field groups keyed by the task id, so a
// redelivered job converges to the same terminal state.
type Executor struct {
	store        task.Store
	storage      storage.Store
	transformers map[queue.JobType]Transformer
	throttle     Throttle
}

func NewExecutor(store task.Store, st storage.Store, throttle Throttle) *Executor {
	return &Executor{
		store:        store,
		storage:      st,
		transformers: make(map[queue.JobType]Transformer),
		throttle:     throttle,
	}
}

func (e *Executor) Register(t Transformer) {
	e.transformers[t.Type()] = t
}

// Mux exposes the registered transformers as an asynq handler mux.
func (e *Executor) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for jobType := range e.transformers {
		mux.HandleFunc(string(jobType), e.Handle)
	}
	return mux
}

// Handle is the broker entry point for one delivery.
func (e *Executor) Handle(ctx context.Context, at *asynq.Task) error {
	var job queue.Job
	if err := json.Unmarshal(at.Payload(), &job); err != nil {
		return fmt.Errorf("unmarshal job payload: %v: %w", err, asynq.SkipRetry)
	}
	tr, ok := e.transformers[queue.JobType(at.Type())]
	if !ok {
		return fmt.Errorf("no transformer for job type %q: %w", at.Type(), asynq.SkipRetry)
	}
	return e.Run(ctx, tr, job)
}

// Run executes one job. Any failure after the record left the queued
// state marks the record failed and is also returned to the broker so
// its retry bookkeeping stays consistent.
func (e *Executor) Run(ctx context.Context, tr Transformer, job queue.Job) error {
	// A redelivery may name a task the control plane cancelled between
	// deliveries. Ack it without work; the record stays terminal.
	if rec, ok, err := e.store.Get(ctx, job.TaskID); err == nil && ok && rec.Status == task.StatusCancelled {
		log.Printf("task %s: cancelled, dropping delivery", job.TaskID)
		return nil
	}

	// Check system resources before starting. Failing here leaves the
	// record queued; the broker redelivers later.
	if err := e.checkResources(); err != nil {
		return fmt.Errorf("insufficient system resources: %w", err)
	}

	log.Printf("task %s: processing (%s)", job.TaskID, job.Type)
	if err := e.store.Update(ctx, job.TaskID, task.FieldsProcessing(task.ProgressStarted)); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	inputs := make([][]byte, 0, len(job.Sources))
	for _, locator := range job.Sources {
		data, err := e.storage.Fetch(ctx, locator)
		if err != nil {
			if interrupted := e.interrupted(ctx, job.TaskID); interrupted != nil {
				return interrupted()
			}
			return e.fail(job.TaskID, fmt.Sprintf("fetch source artifact: %v", err), err)
		}
		inputs = append(inputs, data)
	}
	if interrupted := e.interrupted(ctx, job.TaskID); interrupted != nil {
		return interrupted()
	}
	if err := e.store.Update(ctx, job.TaskID, task.FieldsProgress(task.ProgressFetched)); err != nil {
		return fmt.Errorf("checkpoint fetched: %w", err)
	}

	report := func(done, total int) {
		if total <= 0 {
			return
		}
		span := task.ProgressTransformed - task.ProgressFetched
		p := task.ProgressFetched + span*done/total
		_ = e.store.Update(ctx, job.TaskID, task.FieldsProgress(p))
	}

	result, err := tr.Transform(ctx, inputs, job.Params, report)
	if err != nil {
		if interrupted := e.interrupted(ctx, job.TaskID); interrupted != nil {
			return interrupted()
		}
		return e.fail(job.TaskID, fmt.Sprintf("transform: %v", err), err)
	}
	if interrupted := e.interrupted(ctx, job.TaskID); interrupted != nil {
		return interrupted()
	}
	if err := e.store.Update(ctx, job.TaskID, task.FieldsProgress(task.ProgressTransformed)); err != nil {
		return fmt.Errorf("checkpoint transformed: %w", err)
	}

	locator, err := e.storage.Upload(ctx, result.Data, tr.Category(), result.Ext, result.ContentType)
	if err != nil {
		return e.fail(job.TaskID, fmt.Sprintf("upload result artifact: %v", err), err)
	}
	if err := e.store.Update(ctx, job.TaskID, task.FieldsProgress(task.ProgressUploaded)); err != nil {
		return fmt.Errorf("checkpoint uploaded: %w", err)
	}

	// Terminal write: status, progress, result and metadata land as
	// one atomic field group.
	if err := e.store.Update(ctx, job.TaskID, task.FieldsCompleted(locator, result.Extra)); err != nil {
		return fmt.Errorf("finalize record: %w", err)
	}
	log.Printf("task %s: completed", job.TaskID)
	return nil
}

// interrupted inspects the job context between steps. It returns a
// non-nil closure when work must stop: on timeout the record is marked
// failed; on cancellation the record decides — a cancelled record means
// the control API revoked the job and the delivery is acked, anything
// else (worker shutdown) hands the delivery back for redelivery.
func (e *Executor) interrupted(ctx context.Context, taskID string) func() error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return func() error {
			return e.fail(taskID, "processing timed out", ctx.Err())
		}
	}
	return func() error {
		// The job context is already dead; read with a detached one.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rec, ok, err := e.store.Get(rctx, taskID); err == nil && ok && rec.Status == task.StatusCancelled {
			log.Printf("task %s: revoked, stopping", taskID)
			return nil
		}
		return ctx.Err()
	}
}

// fail writes the terminal failed record and propagates the underlying
// fault to the broker. Record writes use a detached context so a
// cancelled job context cannot swallow the failure.
func (e *Executor) fail(taskID, reason string, cause error) error {
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Update(wctx, taskID, task.FieldsFailed(reason)); err != nil {
		log.Printf("task %s: writing failed status: %v", taskID, err)
	}
	log.Printf("task %s: failed: %s", taskID, reason)
	return cause
}

// checkResources verifies that the host has enough free resources to
// start a new job.
func (e *Executor) checkResources() error {
	if e.throttle.CPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Printf("Warning: could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-e.throttle.CPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], e.throttle.CPU)
		}
	}

	if e.throttle.FreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("Warning: could not get memory usage: %v", err)
		} else if vm.Available < uint64(e.throttle.FreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, e.throttle.FreeMem)
		}
	}
	return nil
}
