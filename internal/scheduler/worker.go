package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gurre/docflow/internal/apierrors"
	"github.com/gurre/docflow/internal/dispatcher"
	"github.com/gurre/docflow/internal/filenamecodec"
	"github.com/gurre/docflow/internal/metrics"
	"github.com/gurre/docflow/internal/model"
	"github.com/gurre/docflow/internal/objectstore"
	"github.com/gurre/docflow/internal/queue"
)

// runWorker pulls one task id at a time from Dispatch and runs the full
// per-task pipeline (spec §4.6.1). processTask runs the conversion step on a
// context detached from cancellation, so a conversion already started runs to
// completion after ctx is cancelled.
func (s *Scheduler) runWorker(ctx context.Context, id int) {
	log := logger.With().Int("worker_id", id).Logger()
	for {
		taskID, ok := queue.Pop(ctx, s.fabric.Dispatch)
		if !ok {
			return
		}
		s.processTask(ctx, taskID, log)
	}
}

// processTask runs the pipeline from spec §4.6.1 for a single task id,
// applying the §4.6.4 failure/retry policy on any step-level error.
func (s *Scheduler) processTask(ctx context.Context, taskID int64, log zerolog.Logger) {
	t0 := nowUTC()
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		log.Error().Err(err).Int64("task_id", taskID).Msg("worker: could not load claimed task")
		return
	}
	log = log.With().Int64("task_id", taskID).Logger()

	if err := s.workspaces.Create(taskID); err != nil {
		s.failStep(ctx, task, log, fmt.Errorf("create workspace: %w", err))
		return
	}

	localIn, err := s.fetchInput(ctx, task)
	if err != nil {
		s.failStep(ctx, task, log, fmt.Errorf("input fetch failed: %w", err))
		return
	}

	outDir := s.workspaces.OutputDir(taskID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		s.failStep(ctx, task, log, fmt.Errorf("create output dir: %w", err))
		return
	}

	timer := metrics.NewTimer()
	result, err := s.runConversion(context.WithoutCancel(ctx), task, localIn, outDir)
	timer.ObserveDuration(metrics.ConversionDuration.WithLabelValues(string(task.TaskType)))
	if err != nil {
		s.failStep(ctx, task, log, err)
		return
	}

	upload, err := s.pushOutputs(ctx, task, outDir)
	if err != nil {
		s.failStep(ctx, task, log, fmt.Errorf("upload failed: %w", err))
		return
	}

	task.Status = model.StatusCompleted
	completedAt := nowUTC()
	task.CompletedAt = &completedAt
	task.ErrorMessage = ""
	task.OutputURL = upload.primaryURL
	task.S3URLs = upload.allURLs
	task.Result = summarizeResult(result, task)

	if err := s.store.Update(ctx, task); err != nil {
		log.Error().Err(err).Msg("worker: failed to persist completed task")
		return
	}

	log.Info().Dur("processing_time", nowUTC().Sub(t0)).Msg("worker: task completed")
	metrics.TasksProcessedTotal.WithLabelValues(string(task.TaskType), string(model.StatusCompleted)).Inc()

	s.enqueuePostStages(ctx, taskID)
}

// enqueuePostStages pushes id onto update, cleanup, and callback in
// sequence (spec §4.6.1's final line).
func (s *Scheduler) enqueuePostStages(ctx context.Context, taskID int64) {
	_ = queue.Push(ctx, s.fabric.Update, taskID)
	_ = queue.Push(ctx, s.fabric.Cleanup, taskID)
	_ = queue.Push(ctx, s.fabric.Callback, taskID)
}

// failStep implements spec §4.6.4: increment retry_count; if still under
// max_retry_count, reset to pending and re-enter the intake lane; otherwise
// mark failed terminally.
func (s *Scheduler) failStep(ctx context.Context, task *model.Task, log zerolog.Logger, stepErr error) {
	task.RetryCount++
	task.ErrorMessage = stepErr.Error()

	if task.RetryCount < task.MaxRetryCount {
		task.Status = model.StatusPending
		retryAt := nowUTC()
		task.LastRetryAt = &retryAt
		if err := s.store.Update(ctx, task); err != nil {
			log.Error().Err(err).Msg("worker: failed to persist retry state")
			return
		}
		log.Warn().Err(stepErr).Int("retry_count", task.RetryCount).Msg("worker: step failed, re-queued for retry")
		if err := queue.Push(ctx, s.fabric.Intake, task.ID); err != nil {
			log.Error().Err(err).Msg("worker: failed to re-enter intake after retry")
		}
		return
	}

	task.Status = model.StatusFailed
	task.RetryCount = task.MaxRetryCount
	completedAt := nowUTC()
	task.CompletedAt = &completedAt
	if err := s.store.Update(ctx, task); err != nil {
		log.Error().Err(err).Msg("worker: failed to persist terminal failure")
		return
	}
	log.Error().Err(stepErr).Msg("worker: task failed, retries exhausted")
	metrics.TasksProcessedTotal.WithLabelValues(string(task.TaskType), string(model.StatusFailed)).Inc()

	// A worker that fails still drives the task through the post-stages
	// so cleanup and a failure callback still run (spec §4.6 items 5-6
	// apply to every terminal task, not only completed ones).
	s.enqueuePostStages(ctx, task.ID)
}

// fetchInput implements spec §4.6.2: resolve whichever source spec branch
// is populated into a local file under the workspace's input/ directory.
func (s *Scheduler) fetchInput(ctx context.Context, task *model.Task) (string, error) {
	switch task.Source.Kind() {
	case "bucket_key":
		decodedKey := filenamecodec.Decode(task.Source.ObjectKey)
		localPath := s.workspaces.InputPath(task.ID, path.Base(decodedKey))
		dl, err := s.gateway.Download(ctx, task.Source.Bucket, task.Source.ObjectKey, localPath)
		if err != nil {
			return "", err
		}
		task.InputPath = localPath
		task.FileName = path.Base(decodedKey)
		task.FileSizeBytes = dl.Size
		return localPath, nil

	case "local_path":
		localPath := s.workspaces.InputPath(task.ID, filepath.Base(task.Source.LocalPath))
		if err := copyFile(task.Source.LocalPath, localPath); err != nil {
			return "", err
		}
		info, err := os.Stat(localPath)
		if err != nil {
			return "", err
		}
		task.InputPath = localPath
		task.FileName = filepath.Base(task.Source.LocalPath)
		task.FileSizeBytes = info.Size()
		return localPath, nil

	case "file_url":
		return "", apierrors.Invalid("file_url source is not implemented")

	default:
		return "", apierrors.Invalid("ambiguous or missing source spec")
	}
}

// copyFile copies (never moves) src to dst: the caller's file must survive.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// runConversion dispatches the conversion step, routing batch task types
// through ConvertBatch and single-file types through Convert.
func (s *Scheduler) runConversion(ctx context.Context, task *model.Task, localIn, outDir string) (any, error) {
	if task.TaskType.IsBatch() {
		batch, err := s.dispatch.ConvertBatch(ctx, task.TaskType.SingleTaskType(), localIn, outDir, task.Params)
		if err != nil {
			return nil, err
		}
		return batch, nil
	}

	result, err := s.dispatch.Convert(ctx, task.TaskType, localIn, outDir, task.Params)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, dispatcher.ClassifyReportedFailure(result.Error)
	}
	return result, nil
}

// pushOutputsResult carries the primary/all-URLs view push_outputs needs
// to hand back to the worker pipeline.
type pushOutputsResult struct {
	primaryURL string
	allURLs    []string
}

// pushOutputs implements spec §4.6.3: inspect output_dir, upload the whole
// directory when it holds more than one artifact, otherwise upload the
// single file; set the primary URL to the .md file if present, else the
// largest file.
func (s *Scheduler) pushOutputs(ctx context.Context, task *model.Task, outDir string) (pushOutputsResult, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return pushOutputsResult{}, err
	}

	multi, singleFile := classifyOutputTree(outDir, entries)

	outputBucket := task.Source.Bucket
	folder := path.Dir(task.Source.ObjectKey)
	if folder == "." {
		folder = ""
	}

	if !multi {
		key := objectstore.DeriveOutputKey(task.Source.Bucket, outputBucket, folder, task.Source.ObjectKey, task.FileName, task.ID, task.TaskType, filepath.Base(singleFile))
		metadata := objectstore.StandardMetadata(task.ID, task.TaskType, task.FileName, folder)
		uploaded, err := s.gateway.UploadFile(ctx, singleFile, outputBucket, key, metadata)
		if err != nil {
			return pushOutputsResult{}, err
		}
		return pushOutputsResult{primaryURL: uploaded.URL, allURLs: []string{uploaded.URL}}, nil
	}

	prefix := objectstore.DeriveOutputKey(task.Source.Bucket, outputBucket, folder, task.Source.ObjectKey, task.FileName, task.ID, task.TaskType, "")
	prefix = strings.TrimSuffix(prefix, "/")
	metadata := objectstore.StandardMetadata(task.ID, task.TaskType, task.FileName, folder)
	dirResult, err := s.gateway.UploadDirectory(ctx, outDir, outputBucket, prefix, metadata)
	if err != nil {
		return pushOutputsResult{}, err
	}
	if len(dirResult.Failed) > 0 && len(dirResult.Uploaded) == 0 {
		return pushOutputsResult{}, fmt.Errorf("all %d output files failed to upload", len(dirResult.Failed))
	}

	var allURLs []string
	for _, u := range dirResult.Uploaded {
		allURLs = append(allURLs, u.URL)
	}
	if len(allURLs) == 0 {
		return pushOutputsResult{}, fmt.Errorf("conversion produced no output files to upload")
	}
	return pushOutputsResult{primaryURL: primaryURL(dirResult), allURLs: allURLs}, nil
}

// classifyOutputTree reports whether outDir's contents require a
// directory-level upload (multiple files, an images/ sub-directory, or any
// .json file) per spec §4.6.3, and if not, the path of the single file to
// upload.
func classifyOutputTree(outDir string, entries []os.DirEntry) (multi bool, singleFile string) {
	fileCount := 0
	var onlyFile string
	for _, e := range entries {
		if e.IsDir() {
			if e.Name() == "images" {
				return true, ""
			}
			continue
		}
		fileCount++
		onlyFile = filepath.Join(outDir, e.Name())
		if strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			return true, ""
		}
	}
	if fileCount != 1 {
		return true, ""
	}
	return false, onlyFile
}

// primaryURL picks the .md file if any, else the largest uploaded file
// (spec §4.6.3).
func primaryURL(dirResult objectstore.DirectoryUploadResult) string {
	var mdURL string
	var largestURL string
	var largestSize int64 = -1
	for _, u := range dirResult.Uploaded {
		if strings.HasSuffix(strings.ToLower(u.URL), ".md") && mdURL == "" {
			mdURL = u.URL
		}
		if u.Size > largestSize {
			largestSize = u.Size
			largestURL = u.URL
		}
	}
	if mdURL != "" {
		return mdURL
	}
	return largestURL
}

// summarizeResult builds the opaque result map attached to a completed task
// (spec §3 "result: opaque map").
func summarizeResult(result any, task *model.Task) model.Result {
	out := model.Result{
		"task_type": string(task.TaskType),
	}
	switch v := result.(type) {
	case dispatcher.BatchResult:
		out["total_files"] = v.TotalFiles
		out["succeeded_files"] = v.SucceededFiles
		out["failed_files"] = v.FailedFiles
	case dispatcher.Result:
		out["markdown_files"] = v.MarkdownFiles
		out["json_files"] = v.JSONFiles
		out["image_files"] = v.ImageFiles
	}
	return out
}
