package task

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	// StatusUnknown is reported for ids the store has no record of.
	// An unknown id is not a fault.
	StatusUnknown Status = "unknown"
)

// Terminal reports whether no further field mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress checkpoints. Each stage boundary maps to a fixed percentage
// so status polls are auditable without timing-dependent readings.
const (
	ProgressQueued      = 0
	ProgressStarted     = 10
	ProgressFetched     = 30
	ProgressTransformed = 70
	ProgressUploaded    = 90
	ProgressDone        = 100
)

// Record is the stored state of one unit of trackable work.
// ResultLocator and Error are mutually exclusive; both stay empty until
// the record reaches completed respectively failed.
type Record struct {
	ID             string            `json:"task_id"`
	Type           string            `json:"type"`
	Status         Status            `json:"status"`
	Progress       int               `json:"progress"`
	SourceLocators []string          `json:"source_urls,omitempty"`
	ResultLocator  string            `json:"result_url,omitempty"`
	Error          string            `json:"error,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

var (
	ErrNotFound     = errors.New("task not found")
	ErrInvalidState = errors.New("task is in a terminal state")
)

// ValidationError rejects malformed input before any side effect.
// A submission failing validation never mints a task id.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// UpstreamError marks a storage or broker failure during submission.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }
