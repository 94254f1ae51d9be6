package task

import (
	"context"
	"fmt"
	"log"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"mediaforge/queue"
	"mediaforge/storage"
)

// Upload is one file payload attached to a submission.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// SubmitRequest describes one logical task. Multi-file jobs (merge)
// attach all their payloads; everything else attaches exactly one.
type SubmitRequest struct {
	Type    queue.JobType
	Params  queue.Params
	Uploads []Upload
}

// StatusView is the record projection returned to pollers.
type StatusView struct {
	Status        Status            `json:"status"`
	Progress      int               `json:"progress"`
	ResultLocator string            `json:"result_url,omitempty"`
	Error         string            `json:"error,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// ListItem is one row of the paginated task listing.
type ListItem struct {
	TaskID   string `json:"task_id"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
}

// Page is one page of the task listing.
type Page struct {
	Tasks  []ListItem `json:"tasks"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// SweepReport lists what the retention sweep deleted and what it kept.
type SweepReport struct {
	Deleted   []string `json:"deleted_files"`
	Preserved []string `json:"preserved_files"`
}

// ConvertFormats is the closed set of image conversion targets.
var ConvertFormats = []string{"jpg", "jpeg", "png", "gif", "bmp", "tiff"}

// CompressionLevels is the closed set of PDF compression levels.
var CompressionLevels = []string{"low", "medium", "high"}

// Service drives the task lifecycle: it validates submissions, uploads
// source artifacts, enqueues jobs and answers status/control calls.
// Store, broker and storage handles are injected; there are no
// process-wide singletons.
type Service struct {
	store     Store
	broker    queue.Broker
	storage   storage.Store
	maxUpload int64
}

func NewService(store Store, broker queue.Broker, storage storage.Store, maxUpload int64) *Service {
	return &Service{
		store:     store,
		broker:    broker,
		storage:   storage,
		maxUpload: maxUpload,
	}
}

// Submit validates the request, uploads the source payloads, enqueues
// exactly one job and initializes the task record. Validation failures
// happen before any side effect: no id is minted, nothing is uploaded,
// nothing is queued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := validate(req, s.maxUpload); err != nil {
		return "", err
	}

	taskID := shortuuid.New()

	locators := make([]string, 0, len(req.Uploads))
	for _, up := range req.Uploads {
		locator, err := s.storage.Upload(ctx, up.Data, storage.Originals, uploadExt(up), up.ContentType)
		if err != nil {
			return "", &UpstreamError{Op: "upload source", Err: err}
		}
		locators = append(locators, locator)
	}

	// Queue before record: a record stuck at queued with no matching
	// job would never make progress, while a job with no record is
	// recovered by the executor's first status write.
	job := queue.Job{
		TaskID:  taskID,
		Type:    req.Type,
		Sources: locators,
		Params:  req.Params,
	}
	if err := s.broker.Enqueue(ctx, job); err != nil {
		return "", &UpstreamError{Op: "enqueue job", Err: err}
	}

	rec := Record{
		ID:             taskID,
		Type:           string(req.Type),
		Status:         StatusQueued,
		Progress:       ProgressQueued,
		SourceLocators: locators,
		CreatedAt:      time.Now(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		// The job is already queued; the executor recreates the record
		// on its first status write.
		log.Printf("task %s: record init failed (executor will recover): %v", taskID, err)
	}

	log.Printf("task %s submitted (%s, %d source(s))", taskID, req.Type, len(locators))
	return taskID, nil
}

// Status returns the record projection for an id. An unknown id yields
// a distinct unknown view, not an error.
func (s *Service) Status(ctx context.Context, taskID string) (StatusView, error) {
	rec, ok, err := s.store.Get(ctx, taskID)
	if err != nil {
		return StatusView{}, err
	}
	if !ok {
		return StatusView{Status: StatusUnknown}, nil
	}
	return StatusView{
		Status:        rec.Status,
		Progress:      rec.Progress,
		ResultLocator: rec.ResultLocator,
		Error:         rec.Error,
		Extra:         rec.Extra,
	}, nil
}

// Cancel revokes the job and marks the record cancelled. Revocation is
// advisory: an executor past its last cancellation check may still
// finish and overwrite the cancelled status.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	rec, ok, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("cannot cancel task in state %s: %w", rec.Status, ErrInvalidState)
	}

	if err := s.broker.Revoke(ctx, taskID); err != nil {
		// Best-effort: mark the record cancelled regardless.
		log.Printf("task %s: revoke failed: %v", taskID, err)
	}
	return s.store.Update(ctx, taskID, FieldsCancelled())
}

// List returns one page of tasks in creation order plus the total
// count. Index entries whose record has expired are pruned lazily.
func (s *Service) List(ctx context.Context, limit, offset int) (Page, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	ids, err := s.store.IDs(ctx)
	if err != nil {
		return Page{}, err
	}

	// Prune before paging so Total and the page agree on what exists.
	alive := make([]ListItem, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.store.Get(ctx, id)
		if err != nil {
			return Page{}, err
		}
		if !ok {
			// Record expired; drop the dangling index entry.
			_ = s.store.Drop(ctx, id)
			continue
		}
		alive = append(alive, ListItem{
			TaskID:   id,
			Status:   rec.Status,
			Progress: rec.Progress,
		})
	}

	page := Page{
		Tasks:  []ListItem{},
		Total:  len(alive),
		Limit:  limit,
		Offset: offset,
	}
	if offset >= len(alive) {
		return page, nil
	}
	end := offset + limit
	if end > len(alive) {
		end = len(alive)
	}
	page.Tasks = alive[offset:end]
	return page, nil
}

// Sweep reconciles stored artifacts against in-flight tasks: every
// artifact not referenced by a queued or processing task is deleted.
// Administrative, out-of-band; completed results are deletable too.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	ids, err := s.store.IDs(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	preserved := make(map[string]bool)
	for _, id := range ids {
		rec, ok, err := s.store.Get(ctx, id)
		if err != nil {
			return SweepReport{}, err
		}
		if !ok || rec.Status.Terminal() {
			continue
		}
		for _, loc := range rec.SourceLocators {
			preserved[loc] = true
		}
		if rec.ResultLocator != "" {
			preserved[rec.ResultLocator] = true
		}
	}

	report := SweepReport{Deleted: []string{}, Preserved: []string{}}
	for loc := range preserved {
		report.Preserved = append(report.Preserved, loc)
	}

	for _, category := range storage.Categories {
		objects, err := s.storage.List(ctx, category)
		if err != nil {
			return SweepReport{}, err
		}
		for _, obj := range objects {
			if preserved[obj.Locator] {
				continue
			}
			if err := s.storage.Delete(ctx, obj.Key); err != nil {
				return SweepReport{}, err
			}
			report.Deleted = append(report.Deleted, obj.Locator)
		}
	}

	log.Printf("sweep: deleted %d artifact(s), preserved %d", len(report.Deleted), len(report.Preserved))
	return report, nil
}

func validate(req SubmitRequest, maxUpload int64) error {
	if len(req.Uploads) == 0 {
		return Validationf("a file upload is required")
	}

	kind := "application/pdf"
	wantPrefix := false
	if strings.HasPrefix(string(req.Type), "image:") {
		kind = "image/"
		wantPrefix = true
	}
	for _, up := range req.Uploads {
		ct := up.ContentType
		if wantPrefix && !strings.HasPrefix(ct, kind) {
			return Validationf("file must be an image, got %q", ct)
		}
		if !wantPrefix && ct != kind {
			return Validationf("file must be a PDF, got %q", ct)
		}
		if maxUpload > 0 && int64(len(up.Data)) > maxUpload {
			return Validationf("file %q exceeds the %d byte upload limit", up.Filename, maxUpload)
		}
	}

	switch req.Type {
	case queue.ImageCompress:
		if req.Params.Quality < 1 || req.Params.Quality > 100 {
			return Validationf("quality must be between 1 and 100")
		}
		if req.Params.TargetSize < 0 {
			return Validationf("target_size must not be negative")
		}
	case queue.ImageResize:
		if req.Params.Width <= 0 || req.Params.Height <= 0 {
			return Validationf("width and height must be positive")
		}
	case queue.ImageConvert:
		if !contains(ConvertFormats, strings.ToLower(req.Params.TargetFormat)) {
			return Validationf("invalid format %q, must be one of: %s",
				req.Params.TargetFormat, strings.Join(ConvertFormats, ", "))
		}
	case queue.PDFCompress:
		if !contains(CompressionLevels, req.Params.CompressionLevel) {
			return Validationf("invalid compression level %q, must be one of: %s",
				req.Params.CompressionLevel, strings.Join(CompressionLevels, ", "))
		}
	case queue.PDFMerge:
		if len(req.Uploads) < 2 {
			return Validationf("at least 2 PDF files are required for merging")
		}
	case queue.PDFExtract:
		if req.Params.StartPage < 1 {
			return Validationf("start_page must be at least 1")
		}
		if req.Params.EndPage < req.Params.StartPage {
			return Validationf("end_page must not be before start_page")
		}
	default:
		return Validationf("unsupported job type %q", req.Type)
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// uploadExt derives the storage key extension for a payload, preferring
// the declared content type over the client-supplied filename.
func uploadExt(up Upload) string {
	switch up.ContentType {
	case "application/pdf":
		return "pdf"
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/bmp":
		return "bmp"
	case "image/tiff":
		return "tiff"
	}
	if exts, err := mime.ExtensionsByType(up.ContentType); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	if ext := strings.TrimPrefix(filepath.Ext(up.Filename), "."); ext != "" {
		return ext
	}
	return "bin"
}
