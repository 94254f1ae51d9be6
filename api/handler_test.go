package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaforge/config"
	"mediaforge/queue"
	"mediaforge/storage"
	"mediaforge/task"
)

// In-memory collaborators, in the spirit of the executor fakes.

type memStore struct {
	recs  map[string]task.Record
	order []string
}

func newMemStore() *memStore { return &memStore{recs: make(map[string]task.Record)} }

func (m *memStore) Create(ctx context.Context, rec task.Record) error {
	m.recs[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (task.Record, bool, error) {
	rec, ok := m.recs[id]
	return rec, ok, nil
}

func (m *memStore) Update(ctx context.Context, id string, fields task.Fields) error {
	rec, ok := m.recs[id]
	if !ok {
		rec = task.Record{ID: id, CreatedAt: time.Now()}
		m.order = append(m.order, id)
	}
	if v, ok := fields["status"]; ok {
		rec.Status = task.Status(v)
	}
	if v, ok := fields["progress"]; ok {
		rec.Progress, _ = strconv.Atoi(v)
	}
	if v, ok := fields["result_url"]; ok {
		rec.ResultLocator = v
	}
	if v, ok := fields["error"]; ok {
		rec.Error = v
	}
	m.recs[id] = rec
	return nil
}

func (m *memStore) IDs(ctx context.Context) ([]string, error) {
	return append([]string(nil), m.order...), nil
}

func (m *memStore) Count(ctx context.Context) (int64, error) { return int64(len(m.order)), nil }

func (m *memStore) Drop(ctx context.Context, id string) error {
	delete(m.recs, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

type fakeBroker struct {
	enqueued []queue.Job
	revoked  []string
}

func (f *fakeBroker) Enqueue(ctx context.Context, job queue.Job) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeBroker) Revoke(ctx context.Context, taskID string) error {
	f.revoked = append(f.revoked, taskID)
	return nil
}

type fakeStorage struct {
	objects map[storage.Category][]storage.Object
	deleted []string
	seq     int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[storage.Category][]storage.Object)}
}

func (f *fakeStorage) Upload(ctx context.Context, data []byte, category storage.Category, ext, contentType string) (string, error) {
	f.seq++
	return fmt.Sprintf("https://cdn/%s/%d.%s", category, f.seq, ext), nil
}

func (f *fakeStorage) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeStorage) List(ctx context.Context, category storage.Category) ([]storage.Object, error) {
	return f.objects[category], nil
}

func (f *fakeStorage) Delete(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type testEnv struct {
	router *gin.Engine
	cfg    *config.Config
	store  *memStore
	broker *fakeBroker
}

func setupTestRouter() *testEnv {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		MaxInputSize: 10 * 1024 * 1024,
		AuthEnable:   false,
	}
	store := newMemStore()
	broker := &fakeBroker{}
	svc := task.NewService(store, broker, newFakeStorage(), cfg.MaxInputSize)
	router := SetupRouter(svc, cfg, nil)
	return &testEnv{router: router, cfg: cfg, store: store, broker: broker}
}

type filePart struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, parts []filePart, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.field, p.filename))
		h.Set("Content-Type", p.contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(p.data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func postMultipart(t *testing.T, env *testEnv, path string, parts []filePart, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, parts, fields)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, body)
	req.Header.Set("Content-Type", contentType)
	env.router.ServeHTTP(w, req)
	return w
}

func imagePart() filePart {
	return filePart{field: "upload", filename: "in.png", contentType: "image/png", data: []byte("png-bytes")}
}

func pdfPart(field, name string) filePart {
	return filePart{field: field, filename: name, contentType: "application/pdf", data: []byte("pdf-bytes")}
}

func TestHandleImageCompress(t *testing.T) {
	env := setupTestRouter()

	w := postMultipart(t, env, "/image/compress", []filePart{imagePart()}, map[string]string{"quality": "75"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["task_id"])

	rec, ok, _ := env.store.Get(context.Background(), resp["task_id"])
	require.True(t, ok)
	assert.Equal(t, task.StatusQueued, rec.Status)
	assert.Equal(t, 0, rec.Progress)

	require.Len(t, env.broker.enqueued, 1)
	assert.Equal(t, resp["task_id"], env.broker.enqueued[0].TaskID)
}

func TestHandleImageCompress_InvalidQuality(t *testing.T) {
	env := setupTestRouter()

	w := postMultipart(t, env, "/image/compress", []filePart{imagePart()}, map[string]string{"quality": "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Rejected before any side effect.
	n, _ := env.store.Count(context.Background())
	assert.Zero(t, n)
	assert.Empty(t, env.broker.enqueued)
}

func TestHandleImageCompress_WrongContentType(t *testing.T) {
	env := setupTestRouter()

	w := postMultipart(t, env, "/image/compress", []filePart{pdfPart("upload", "a.pdf")}, map[string]string{"quality": "75"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleImageResize(t *testing.T) {
	env := setupTestRouter()

	w := postMultipart(t, env, "/image/resize", []filePart{imagePart()},
		map[string]string{"width": "100", "height": "100", "maintain_aspect_ratio": "true"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, env.broker.enqueued, 1)
	job := env.broker.enqueued[0]
	assert.Equal(t, queue.ImageResize, job.Type)
	assert.Equal(t, 100, job.Params.Width)
	assert.True(t, job.Params.KeepAspectRatio)
}

func TestHandleImageResize_MissingDimensions(t *testing.T) {
	env := setupTestRouter()

	w := postMultipart(t, env, "/image/resize", []filePart{imagePart()}, map[string]string{"width": "100"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePDFMerge_SingleFileRejected(t *testing.T) {
	env := setupTestRouter()

	w := postMultipart(t, env, "/pdf/merge", []filePart{pdfPart("files", "a.pdf")}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	n, _ := env.store.Count(context.Background())
	assert.Zero(t, n)
}

func TestHandlePDFMerge(t *testing.T) {
	env := setupTestRouter()

	w := postMultipart(t, env, "/pdf/merge",
		[]filePart{pdfPart("files", "a.pdf"), pdfPart("files", "b.pdf")}, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, env.broker.enqueued, 1)
	assert.Len(t, env.broker.enqueued[0].Sources, 2)
}

func TestHandlePDFExtract_ReversedRange(t *testing.T) {
	env := setupTestRouter()

	w := postMultipart(t, env, "/pdf/extract", []filePart{pdfPart("upload", "a.pdf")},
		map[string]string{"start_page": "5", "end_page": "3"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The task never existed.
	n, _ := env.store.Count(context.Background())
	assert.Zero(t, n)
}

func TestHandleGetProgress(t *testing.T) {
	env := setupTestRouter()

	t.Run("unknown id is not a fault", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/progress/no-such-task", nil)
		env.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "unknown", resp["status"])
	})

	t.Run("known id", func(t *testing.T) {
		w := postMultipart(t, env, "/image/compress", []filePart{imagePart()}, map[string]string{"quality": "75"})
		require.Equal(t, http.StatusAccepted, w.Code)
		var created map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

		w = httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/progress/"+created["task_id"], nil)
		env.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var view task.StatusView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		assert.Equal(t, task.StatusQueued, view.Status)
		assert.Equal(t, 0, view.Progress)
	})
}

func TestHandleCancelTask(t *testing.T) {
	env := setupTestRouter()

	w := postMultipart(t, env, "/image/compress", []filePart{imagePart()}, map[string]string{"quality": "75"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["task_id"]

	w = httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/task/"+id, nil)
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	rec, _, _ := env.store.Get(context.Background(), id)
	assert.Equal(t, task.StatusCancelled, rec.Status)
	assert.Equal(t, []string{id}, env.broker.revoked)

	// Cancelling a terminal task is rejected.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("DELETE", "/task/"+id, nil)
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Cancelling an unknown task is a 404.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("DELETE", "/task/no-such-task", nil)
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleListTasks(t *testing.T) {
	env := setupTestRouter()

	for i := 0; i < 3; i++ {
		w := postMultipart(t, env, "/image/compress", []filePart{imagePart()}, map[string]string{"quality": "75"})
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/tasks?limit=2&offset=0", nil)
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var page task.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Tasks, 2)
}

func TestHandleCleanup(t *testing.T) {
	env := setupTestRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/cleanup", nil)
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Cleanup complete", resp["message"])
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestRouter()

	t.Run("Auth disabled", func(t *testing.T) {
		env.cfg.AuthEnable = false
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/tasks", nil)
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Auth enabled, no token", func(t *testing.T) {
		env.cfg.AuthEnable = true
		env.cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/tasks", nil)
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Auth enabled, wrong token", func(t *testing.T) {
		env.cfg.AuthEnable = true
		env.cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/tasks", nil)
		req.Header.Set("Authorization", "Bearer wrong-key")
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Auth enabled, wrong scheme", func(t *testing.T) {
		env.cfg.AuthEnable = true
		env.cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/tasks", nil)
		req.Header.Set("Authorization", "Basic secret")
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Auth enabled, correct token", func(t *testing.T) {
		env.cfg.AuthEnable = true
		env.cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/tasks", nil)
		req.Header.Set("Authorization", "Bearer secret")
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("health stays open", func(t *testing.T) {
		env.cfg.AuthEnable = true
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/health", nil)
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
