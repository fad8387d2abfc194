package scheduler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gurre/docflow/internal/config"
	"github.com/gurre/docflow/internal/dispatcher"
	"github.com/gurre/docflow/internal/model"
	"github.com/gurre/docflow/internal/objectstore"
	"github.com/gurre/docflow/internal/taskstore"
	"github.com/gurre/docflow/internal/workspace"
)

// fakeS3Client is a minimal in-memory stand-in for objectstore.Client.
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

// fakeConversionEngine always succeeds, writing a single markdown file.
type fakeConversionEngine struct{}

func (fakeConversionEngine) OfficeToPDF(ctx context.Context, inPath, outPath string) error {
	return os.WriteFile(outPath, []byte("pdf"), 0644)
}

func (fakeConversionEngine) PDFToMarkdown(ctx context.Context, inPath, outDir string) (dispatcher.Result, error) {
	mdPath := filepath.Join(outDir, "doc.md")
	if err := os.WriteFile(mdPath, []byte("# hello"), 0644); err != nil {
		return dispatcher.Result{}, err
	}
	return dispatcher.Result{Success: true, MarkdownFiles: []string{mdPath}}, nil
}

func (fakeConversionEngine) ImageToMarkdown(ctx context.Context, inPath, outDir string) (dispatcher.Result, error) {
	return dispatcher.Result{Success: true}, nil
}

func (fakeConversionEngine) ClearAcceleratorCache(ctx context.Context) {}

func newTestScheduler(t *testing.T, capacity int) (*Scheduler, *taskstore.MemoryStore, *fakeS3Client) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	ws, err := workspace.NewManager(filepath.Join(t.TempDir(), "ws"), filepath.Join(t.TempDir(), "tmp"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client := &fakeS3Client{objects: map[string][]byte{}}
	gw := objectstore.New(client, &fakeUploader{client: client}, nil, "")
	disp := dispatcher.New(fakeConversionEngine{})

	cfg := config.Default()
	cfg.MaxConcurrentTasks = 2
	cfg.TaskCheckIntervalSeconds = 1
	cfg.GCInterval = time.Minute

	return New(cfg, store, ws, gw, disp, capacity), store, client
}

func TestPollOnceClaimsAndRoutesByPriority(t *testing.T) {
	s, store, _ := newTestScheduler(t, 8)
	ctx := context.Background()

	low := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityLow, Source: model.SourceSpec{LocalPath: "/tmp/a"}}
	high := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityHigh, Source: model.SourceSpec{LocalPath: "/tmp/b"}}
	if _, err := store.Create(ctx, low); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(ctx, high); err != nil {
		t.Fatalf("Create: %v", err)
	}

	s.pollOnce(ctx)

	select {
	case id := <-s.fabric.High:
		if id != high.ID {
			t.Errorf("High lane got %d, want %d", id, high.ID)
		}
	default:
		t.Fatalf("expected high task to be routed to the High lane")
	}
	select {
	case id := <-s.fabric.Low:
		if id != low.ID {
			t.Errorf("Low lane got %d, want %d", id, low.ID)
		}
	default:
		t.Fatalf("expected low task to be routed to the Low lane")
	}

	got, err := store.Get(ctx, high.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusProcessing {
		t.Errorf("expected claimed task to be processing, got %s", got.Status)
	}
}

func TestPollOnceSkipsAlreadyClaimedRows(t *testing.T) {
	s, store, _ := newTestScheduler(t, 8)
	ctx := context.Background()

	task := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityNormal, Source: model.SourceSpec{LocalPath: "/tmp/a"}}
	id, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.TryClaim(ctx, id); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	s.pollOnce(ctx)

	select {
	case got := <-s.fabric.Normal:
		t.Fatalf("did not expect already-claimed task %d to be routed again", got)
	default:
	}
}

func TestProcessTaskCompletesLocalFileTask(t *testing.T) {
	s, store, _ := newTestScheduler(t, 8)
	ctx := context.Background()

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "report.docx")
	if err := os.WriteFile(srcFile, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	task := &model.Task{
		TaskType: model.TaskPDFToMarkdown,
		Priority: model.PriorityNormal,
		Source:   model.SourceSpec{LocalPath: srcFile},
	}
	id, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.TryClaim(ctx, id); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	s.processTask(ctx, id, logger)

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got status=%s error=%s", got.Status, got.ErrorMessage)
	}
	if len(got.S3URLs) == 0 {
		t.Errorf("expected s3_urls to be populated")
	}
	if got.OutputURL == "" {
		t.Errorf("expected output_url to be set")
	}
	if got.CompletedAt == nil {
		t.Errorf("expected completed_at to be set")
	}

	select {
	case <-s.fabric.Update:
	case <-time.After(time.Second):
		t.Errorf("expected task to be enqueued onto update")
	}
	select {
	case <-s.fabric.Cleanup:
	case <-time.After(time.Second):
		t.Errorf("expected task to be enqueued onto cleanup")
	}
	select {
	case <-s.fabric.Callback:
	case <-time.After(time.Second):
		t.Errorf("expected task to be enqueued onto callback")
	}
}

func TestProcessTaskRetriesThenFails(t *testing.T) {
	s, store, _ := newTestScheduler(t, 8)
	ctx := context.Background()

	task := &model.Task{
		TaskType:      model.TaskPDFToMarkdown,
		Priority:      model.PriorityNormal,
		Source:        model.SourceSpec{LocalPath: "/nonexistent/does-not-exist.docx"},
		MaxRetryCount: 2,
	}
	id, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := store.TryClaim(ctx, id); err != nil {
			t.Fatalf("TryClaim: %v", err)
		}
		s.processTask(ctx, id, logger)

		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if i == 0 {
			if got.Status != model.StatusPending {
				t.Fatalf("attempt %d: expected pending after first failure, got %s", i, got.Status)
			}
			if got.RetryCount != 1 {
				t.Errorf("attempt %d: expected retry_count=1, got %d", i, got.RetryCount)
			}
			<-s.fabric.Intake // drain the re-enqueued id
		} else {
			if got.Status != model.StatusFailed {
				t.Fatalf("attempt %d: expected failed after exhausting retries, got %s", i, got.Status)
			}
			if got.RetryCount != got.MaxRetryCount {
				t.Errorf("expected retry_count == max_retry_count, got %d != %d", got.RetryCount, got.MaxRetryCount)
			}
			if got.CompletedAt == nil {
				t.Errorf("expected completed_at to be set on terminal failure")
			}
		}
	}
}

// TestProcessTaskFailsWhenConversionProducesNoOutput guards invariant §3.1 /
// §8 ("status=completed ⇒ s3_urls ≠ ∅"): an engine that reports Success=true
// but writes nothing under output/ (fakeConversionEngine's ImageToMarkdown
// does exactly this) must never leave a task completed with empty s3_urls.
func TestProcessTaskFailsWhenConversionProducesNoOutput(t *testing.T) {
	s, store, _ := newTestScheduler(t, 8)
	ctx := context.Background()

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "scan.png")
	if err := os.WriteFile(srcFile, []byte("fake-image"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	task := &model.Task{
		TaskType:      model.TaskImageToMarkdown,
		Priority:      model.PriorityNormal,
		Source:        model.SourceSpec{LocalPath: srcFile},
		MaxRetryCount: 1,
	}
	id, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.TryClaim(ctx, id); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	s.processTask(ctx, id, logger)

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status == model.StatusCompleted {
		t.Fatalf("task with no output files must not be marked completed, got s3_urls=%v", got.S3URLs)
	}
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed after exhausting the single retry, got %s", got.Status)
	}
	if len(got.S3URLs) != 0 {
		t.Errorf("expected no s3_urls on a task with no uploaded output, got %v", got.S3URLs)
	}
	if got.ErrorMessage == "" {
		t.Errorf("expected error_message to be set")
	}
}

func TestRecoverCrashedTasksResetsProcessingRows(t *testing.T) {
	s, store, _ := newTestScheduler(t, 8)
	ctx := context.Background()

	task := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityNormal, Source: model.SourceSpec{LocalPath: "/tmp/a"}}
	id, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.TryClaim(ctx, id); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	if err := s.recoverCrashedTasks(ctx); err != nil {
		t.Fatalf("recoverCrashedTasks: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("expected recovered task to be pending, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Errorf("expected recovery marker to be set on error_message")
	}
}

func TestDeliverCallbackRecordsSuccess(t *testing.T) {
	var deliveryID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		io.ReadAll(r.Body)
		deliveryID = r.Header.Get("X-Delivery-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, store, _ := newTestScheduler(t, 8)
	ctx := context.Background()

	task := &model.Task{
		TaskType:    model.TaskOfficeToPDF,
		Priority:    model.PriorityNormal,
		Source:      model.SourceSpec{LocalPath: "/tmp/a"},
		CallbackURL: srv.URL,
	}
	id, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	client := &http.Client{Timeout: time.Second}
	s.deliverCallback(ctx, client, id)

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CallbackStatusCode != http.StatusOK {
		t.Errorf("expected callback_status_code=200, got %d", got.CallbackStatusCode)
	}
	if got.CallbackTime == nil {
		t.Errorf("expected callback_time to be set")
	}
	if deliveryID == "" {
		t.Errorf("expected X-Delivery-Id header to be set on the callback request")
	}
}

func TestDeliverCallbackSkippedWhenNoCallbackURL(t *testing.T) {
	s, store, _ := newTestScheduler(t, 8)
	ctx := context.Background()

	task := &model.Task{TaskType: model.TaskOfficeToPDF, Priority: model.PriorityNormal, Source: model.SourceSpec{LocalPath: "/tmp/a"}}
	id, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	client := &http.Client{Timeout: time.Second}
	s.deliverCallback(ctx, client, id)

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CallbackTime != nil {
		t.Errorf("expected no callback attempt when callback_url is empty")
	}
}
