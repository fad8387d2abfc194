package api

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/gurre/docflow/internal/config"
	"github.com/gurre/docflow/internal/dispatcher"
	"github.com/gurre/docflow/internal/model"
	"github.com/gurre/docflow/internal/objectstore"
	"github.com/gurre/docflow/internal/scheduler"
	"github.com/gurre/docflow/internal/taskstore"
	"github.com/gurre/docflow/internal/workspace"
)

// fakeS3Client and fakeUploader mirror the scheduler package's test doubles
// (internal/scheduler/scheduler_test.go) so the API facade can be exercised
// against a real objectstore.Gateway without touching AWS.
type fakeS3Client struct {
	objects map[string][]byte
}

func s3key(bucket, key string) string { return bucket + "/" + key }

func (f *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[s3key(*params.Bucket, *params.Key)]
	if !ok {
		return nil, &notFoundErr{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[s3key(*params.Bucket, *params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[s3key(*params.Bucket, *params.Key)]
	if !ok {
		return nil, &notFoundErr{}
	}
	size := int64(len(data))
	return &s3.HeadObjectOutput{ContentLength: &size}, nil
}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

type fakeUploader struct{ client *fakeS3Client }

func (u *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return nil, err
	}
	return &manager.UploadOutput{}, nil
}

type fakeConversionEngine struct{}

func (fakeConversionEngine) OfficeToPDF(ctx context.Context, inPath, outPath string) error {
	return nil
}

func (fakeConversionEngine) PDFToMarkdown(ctx context.Context, inPath, outDir string) (dispatcher.Result, error) {
	return dispatcher.Result{Success: true}, nil
}

func (fakeConversionEngine) ImageToMarkdown(ctx context.Context, inPath, outDir string) (dispatcher.Result, error) {
	return dispatcher.Result{Success: true}, nil
}

func (fakeConversionEngine) ClearAcceleratorCache(ctx context.Context) {}

// newTestServer builds a Server with no scheduler started, backed by a real
// MemoryStore and a fake S3 gateway, for exercising the HTTP handlers
// directly without spinning up worker goroutines.
func newTestServer(t *testing.T) (*Server, *taskstore.MemoryStore, *fakeS3Client) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	client := &fakeS3Client{objects: map[string][]byte{}}
	gw := objectstore.New(client, &fakeUploader{client: client}, nil, "")

	ws, err := workspace.NewManager(filepath.Join(t.TempDir(), "ws"), filepath.Join(t.TempDir(), "tmp"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	disp := dispatcher.New(fakeConversionEngine{})
	cfg := config.Default()
	sched := scheduler.New(cfg, store, ws, gw, disp, 8)

	return New(":0", store, sched, gw), store, client
}

func decodeJSON(t *testing.T, r io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
}

func TestHandleCreateWithLocalPath(t *testing.T) {
	s, store, _ := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("task_type", string(model.TaskOfficeToPDF))
	mw.WriteField("priority", string(model.PriorityHigh))
	mw.WriteField("local_path", "/tmp/report.docx")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/create", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	s.handleCreate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rec.Body, &resp)
	id := int64(resp["id"].(float64))

	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Priority != model.PriorityHigh {
		t.Errorf("expected priority high, got %s", got.Priority)
	}
	if got.Source.LocalPath != "/tmp/report.docx" {
		t.Errorf("expected local_path to round-trip, got %q", got.Source.LocalPath)
	}
}

func TestHandleCreateRejectsInvalidTaskType(t *testing.T) {
	s, _, _ := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("task_type", "not_a_real_type")
	mw.WriteField("local_path", "/tmp/report.docx")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/create", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	s.handleCreate(rec, req)

	// handleCreate itself does not validate task_type enum membership; that
	// is store.Create's job (spec §4.1 Validate). A MemoryStore.Create call
	// with an invalid TaskType surfaces as a 400 through writeAPIError.
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGetNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/999", nil)
	req.SetPathValue("id", "999")
	rec := httptest.NewRecorder()

	s.handleGet(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleGetReturnsView(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()

	task := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityNormal, Source: model.SourceSpec{LocalPath: "/tmp/a"}}
	id, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/1", nil)
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()

	s.handleGet(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view model.View
	decodeJSON(t, rec.Body, &view)
	if view.ID != id {
		t.Errorf("expected id %d, got %d", id, view.ID)
	}
}

func TestHandleListFiltersByStatus(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()

	a := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityNormal, Source: model.SourceSpec{LocalPath: "/tmp/a"}}
	b := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityNormal, Source: model.SourceSpec{LocalPath: "/tmp/b"}}
	store.Create(ctx, a)
	bID, _ := store.Create(ctx, b)
	if _, err := store.TryClaim(ctx, bID); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks?status=processing", nil)
	rec := httptest.NewRecorder()

	s.handleList(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Tasks []model.View `json:"tasks"`
		Count int          `json:"count"`
	}
	decodeJSON(t, rec.Body, &resp)
	if resp.Count != 1 || resp.Tasks[0].ID != bID {
		t.Fatalf("expected exactly task %d, got %+v", bID, resp.Tasks)
	}
}

func TestHandleRetryRejectsNonTerminalTask(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()

	task := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityNormal, Source: model.SourceSpec{LocalPath: "/tmp/a"}}
	id, _ := store.Create(ctx, task)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/1/retry", nil)
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()

	s.handleRetry(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for pending task retry, got %d: %s", rec.Code, rec.Body.String())
	}
	_ = id
}

func TestHandleRetryResetsFailedTask(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()

	task := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityNormal, Source: model.SourceSpec{LocalPath: "/tmp/a"}, RetryCount: 3}
	id, _ := store.Create(ctx, task)
	if err := store.UpdateStatus(ctx, id, model.StatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/1/retry", nil)
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()

	s.handleRetry(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("expected pending after retry, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("expected retry_count reset to 0, got %d", got.RetryCount)
	}
}

func TestHandleUpdateTaskTypeRequiresFailedStatus(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()

	task := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityNormal, Source: model.SourceSpec{LocalPath: "/tmp/a"}}
	store.Create(ctx, task)

	body, _ := json.Marshal(map[string]string{"task_type": string(model.TaskPDFToMarkdown)})
	req := httptest.NewRequest(http.MethodPut, "/api/tasks/1/task-type", bytes.NewReader(body))
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()

	s.handleUpdateTaskType(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-failed task, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleStatisticsReportsCounts(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()
	store.Create(ctx, &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityNormal, Source: model.SourceSpec{LocalPath: "/tmp/a"}})

	req := httptest.NewRequest(http.MethodGet, "/api/statistics", nil)
	rec := httptest.NewRecorder()

	s.handleStatistics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rec.Body, &resp)
	if _, ok := resp["store"]; !ok {
		t.Errorf("expected a store key in statistics response")
	}
}

func TestHandleHealthReportsQueueDepths(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()

	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rec.Body, &resp)
	if resp["status"] != "alive" {
		t.Errorf("expected status=alive, got %v", resp["status"])
	}
	if _, ok := resp["queue_depths"]; !ok {
		t.Errorf("expected queue_depths to be reported")
	}
}

func TestHandleDownloadStreamsMatchingArtifact(t *testing.T) {
	s, store, client := newTestServer(t)
	ctx := context.Background()

	client.objects["out-bucket/converted/report.md"] = []byte("# Report")

	task := &model.Task{
		TaskType: model.TaskPDFToMarkdown,
		Priority: model.PriorityNormal,
		Source:   model.SourceSpec{LocalPath: "/tmp/a"},
		S3URLs:   []string{"s3://out-bucket/converted/report.md"},
	}
	id, _ := store.Create(ctx, task)

	req := httptest.NewRequest(http.MethodGet, "/api/download/1/report.md", nil)
	req.SetPathValue("id", "1")
	req.SetPathValue("filename", "report.md")
	rec := httptest.NewRecorder()

	s.handleDownload(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "# Report" {
		t.Errorf("expected streamed body to match uploaded object, got %q", rec.Body.String())
	}
	disposition := rec.Header().Get("Content-Disposition")
	if disposition == "" {
		t.Errorf("expected a Content-Disposition header")
	}
	_ = id
}

func TestHandleDownloadUnknownFilename(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()

	task := &model.Task{
		TaskType: model.TaskPDFToMarkdown,
		Priority: model.PriorityNormal,
		Source:   model.SourceSpec{LocalPath: "/tmp/a"},
		S3URLs:   []string{"s3://out-bucket/converted/report.md"},
	}
	store.Create(ctx, task)

	req := httptest.NewRequest(http.MethodGet, "/api/download/1/nope.txt", nil)
	req.SetPathValue("id", "1")
	req.SetPathValue("filename", "nope.txt")
	rec := httptest.NewRecorder()

	s.handleDownload(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
