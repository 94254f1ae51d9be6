package api

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mediaforge/config"
	"mediaforge/queue"
	"mediaforge/task"
)

// HealthFunc reports the health of the backing record store.
type HealthFunc func(ctx context.Context) error

type Handler struct {
	svc    *task.Service
	cfg    *config.Config
	health HealthFunc
}

func NewHandler(svc *task.Service, cfg *config.Config, health HealthFunc) *Handler {
	return &Handler{svc: svc, cfg: cfg, health: health}
}

func (h *Handler) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "MediaForge API is running", "version": "1.0.0"})
}

func (h *Handler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handleImageCompress compresses an image with the given quality and an
// optional target output size.
func (h *Handler) handleImageCompress(c *gin.Context) {
	upload, ok := h.readUpload(c, "upload")
	if !ok {
		return
	}
	quality, ok := formInt(c, "quality", 75)
	if !ok {
		return
	}
	targetSize, ok := formInt64(c, "target_size", 0)
	if !ok {
		return
	}

	h.submit(c, task.SubmitRequest{
		Type:    queue.ImageCompress,
		Params:  queue.Params{Quality: quality, TargetSize: targetSize},
		Uploads: []task.Upload{upload},
	})
}

// handleImageResize resizes an image to the requested dimensions,
// optionally preserving the aspect ratio (thumbnail semantics).
func (h *Handler) handleImageResize(c *gin.Context) {
	upload, ok := h.readUpload(c, "upload")
	if !ok {
		return
	}
	width, ok := requiredFormInt(c, "width")
	if !ok {
		return
	}
	height, ok := requiredFormInt(c, "height")
	if !ok {
		return
	}
	keepAspect := c.DefaultPostForm("maintain_aspect_ratio", "true") != "false"

	h.submit(c, task.SubmitRequest{
		Type:    queue.ImageResize,
		Params:  queue.Params{Width: width, Height: height, KeepAspectRatio: keepAspect},
		Uploads: []task.Upload{upload},
	})
}

// handleImageConvert converts an image to a different format.
func (h *Handler) handleImageConvert(c *gin.Context) {
	upload, ok := h.readUpload(c, "upload")
	if !ok {
		return
	}
	format := c.PostForm("target_format")
	if format == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_format is required"})
		return
	}

	h.submit(c, task.SubmitRequest{
		Type:    queue.ImageConvert,
		Params:  queue.Params{TargetFormat: format},
		Uploads: []task.Upload{upload},
	})
}

// handlePDFCompress compresses a PDF at the requested level.
func (h *Handler) handlePDFCompress(c *gin.Context) {
	upload, ok := h.readUpload(c, "upload")
	if !ok {
		return
	}
	level := c.DefaultPostForm("compression_level", "medium")

	h.submit(c, task.SubmitRequest{
		Type:    queue.PDFCompress,
		Params:  queue.Params{CompressionLevel: level},
		Uploads: []task.Upload{upload},
	})
}

// handlePDFMerge merges two or more PDFs, in upload order, into one.
func (h *Handler) handlePDFMerge(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form: " + err.Error()})
		return
	}
	headers := form.File["files"]
	uploads := make([]task.Upload, 0, len(headers))
	for _, fh := range headers {
		upload, ok := h.readFileHeader(c, fh)
		if !ok {
			return
		}
		uploads = append(uploads, upload)
	}

	h.submit(c, task.SubmitRequest{Type: queue.PDFMerge, Uploads: uploads})
}

// handlePDFExtract extracts a 1-based inclusive page range from a PDF.
func (h *Handler) handlePDFExtract(c *gin.Context) {
	upload, ok := h.readUpload(c, "upload")
	if !ok {
		return
	}
	startPage, ok := requiredFormInt(c, "start_page")
	if !ok {
		return
	}
	endPage, ok := requiredFormInt(c, "end_page")
	if !ok {
		return
	}

	h.submit(c, task.SubmitRequest{
		Type:    queue.PDFExtract,
		Params:  queue.Params{StartPage: startPage, EndPage: endPage},
		Uploads: []task.Upload{upload},
	})
}

// handleGetProgress reports task status. An unknown id is a normal
// answer, not an error.
func (h *Handler) handleGetProgress(c *gin.Context) {
	view, err := h.svc.Status(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read task status", "details": err.Error()})
		return
	}
	if view.Status == task.StatusUnknown {
		c.JSON(http.StatusOK, gin.H{"status": task.StatusUnknown, "message": "Task ID not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleCancelTask cancels a non-terminal task.
func (h *Handler) handleCancelTask(c *gin.Context) {
	err := h.svc.Cancel(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancelled successfully"})
}

// handleListTasks pages through all known tasks in creation order.
func (h *Handler) handleListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	page, err := h.svc.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve tasks", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, page)
}

// handleCleanup runs the retention sweep over all artifact categories.
func (h *Handler) handleCleanup(c *gin.Context) {
	report, err := h.svc.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Cleanup failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":         "Cleanup complete",
		"deleted_files":   report.Deleted,
		"preserved_files": report.Preserved,
	})
}

func (h *Handler) submit(c *gin.Context, req task.SubmitRequest) {
	taskID, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var verr *task.ValidationError
	var uerr *task.UpstreamError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Msg})
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, task.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &uerr):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload or task failed", "details": uerr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) readUpload(c *gin.Context, field string) (task.Upload, bool) {
	fh, err := c.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file upload is required"})
		return task.Upload{}, false
	}
	return h.readFileHeader(c, fh)
}

func (h *Handler) readFileHeader(c *gin.Context, fh *multipart.FileHeader) (task.Upload, bool) {
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload: " + err.Error()})
		return task.Upload{}, false
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.cfg.MaxInputSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload: " + err.Error()})
		return task.Upload{}, false
	}

	return task.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, true
}

func formInt(c *gin.Context, field string, def int) (int, bool) {
	raw := c.DefaultPostForm(field, strconv.Itoa(def))
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " must be an integer"})
		return 0, false
	}
	return v, true
}

func formInt64(c *gin.Context, field string, def int64) (int64, bool) {
	raw := c.DefaultPostForm(field, strconv.FormatInt(def, 10))
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " must be an integer"})
		return 0, false
	}
	return v, true
}

func requiredFormInt(c *gin.Context, field string) (int, bool) {
	raw := c.PostForm(field)
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " is required"})
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " must be an integer"})
		return 0, false
	}
	return v, true
}
