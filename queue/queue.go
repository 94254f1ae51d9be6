package queue

import "context"

// JobType is the closed set of transform variants. The value doubles
// as the broker-side task type name.
type JobType string

const (
	ImageCompress JobType = "image:compress"
	ImageResize   JobType = "image:resize"
	ImageConvert  JobType = "image:convert"
	PDFCompress   JobType = "pdf:compress"
	PDFMerge      JobType = "pdf:merge"
	PDFExtract    JobType = "pdf:extract"
)

// Params carries the job-type-specific knobs. Only the fields relevant
// to the job's type are populated.
type Params struct {
	Quality          int    `json:"quality,omitempty"`
	TargetSize       int64  `json:"target_size,omitempty"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	KeepAspectRatio  bool   `json:"maintain_aspect_ratio,omitempty"`
	TargetFormat     string `json:"target_format,omitempty"`
	CompressionLevel string `json:"compression_level,omitempty"`
	StartPage        int    `json:"start_page,omitempty"`
	EndPage          int    `json:"end_page,omitempty"`
}

// Job is one queue message instructing a worker to run a task's
// transform. Exactly one job is enqueued per task; multi-file jobs
// carry all their source locators.
type Job struct {
	TaskID  string   `json:"task_id"`
	Type    JobType  `json:"type"`
	Sources []string `json:"sources"`
	Params  Params   `json:"params"`
}

// Broker carries jobs from the submission service to the workers.
// Delivery is at-least-once: a job may be redelivered after a worker
// crash, so executors must be idempotent per task id. Revoke is
// best-effort and advisory.
type Broker interface {
	Enqueue(ctx context.Context, job Job) error
	Revoke(ctx context.Context, taskID string) error
}
