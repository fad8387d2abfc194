package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gurre/docflow/internal/apierrors"
	"github.com/gurre/docflow/internal/filenamecodec"
	"github.com/gurre/docflow/internal/model"
	"github.com/gurre/docflow/internal/queue"
	"github.com/gurre/docflow/internal/taskstore"
)

// maxCreateBodyBytes bounds the multipart form the create handler will
// parse into memory/temp files before rejecting the request.
const maxCreateBodyBytes = 256 << 20 // 256MiB

// createRequest is the form shape for POST /api/tasks/create (spec §4.7
// create: "validates source-spec exclusivity, priority, and task_type
// enum; applies filename normalization to the object key").
type createRequest struct {
	TaskType    model.TaskType
	Priority    model.Priority
	Bucket      string
	ObjectKey   string
	FileURL     string
	LocalPath   string
	Params      model.Params
	Platform    string
	CallbackURL string
	OutputSpec  string
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxCreateBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	req := createRequest{
		TaskType:    model.TaskType(r.FormValue("task_type")),
		Priority:    model.Priority(orDefault(r.FormValue("priority"), string(model.PriorityNormal))),
		Bucket:      r.FormValue("bucket"),
		ObjectKey:   filenamecodec.Decode(r.FormValue("object_key")),
		FileURL:     r.FormValue("file_url"),
		LocalPath:   r.FormValue("local_path"),
		Platform:    r.FormValue("platform"),
		CallbackURL: r.FormValue("callback_url"),
		OutputSpec:  r.FormValue("output_spec"),
	}

	if raw := r.FormValue("params"); raw != "" {
		var params model.Params
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid params JSON: "+err.Error())
			return
		}
		req.Params = params
	}

	source := model.SourceSpec{
		Bucket:    req.Bucket,
		ObjectKey: req.ObjectKey,
		FileURL:   req.FileURL,
		LocalPath: req.LocalPath,
	}

	// A directly attached file (multipart field "file") resolves to a
	// local_path source: the API facade stages it to disk and the worker
	// pipeline's fetch-input local_path branch (spec §4.6.2) takes it from
	// there, the same way a caller-supplied local_path would.
	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		staged, stageErr := s.stageUpload(file, header.Filename)
		if stageErr != nil {
			writeError(w, http.StatusInternalServerError, "failed to stage uploaded file: "+stageErr.Error())
			return
		}
		source.LocalPath = staged
	}

	task := &model.Task{
		TaskType:    req.TaskType,
		Priority:    req.Priority,
		Source:      source,
		OutputSpec:  req.OutputSpec,
		Params:      req.Params,
		Platform:    req.Platform,
		CallbackURL: req.CallbackURL,
	}

	id, err := s.store.Create(r.Context(), task)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	if fabric := s.fabric(); fabric != nil {
		_ = queue.Push(r.Context(), fabric.Intake, id)
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(model.StatusPending)})
}

// stageUpload persists an uploaded multipart file under a process-wide
// staging directory and returns its path.
func (s *Server) stageUpload(src io.Reader, filename string) (string, error) {
	dir := filepath.Join(os.TempDir(), "docflow-uploads")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(filename)))
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return "", err
	}
	return dest, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task.View())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := taskstore.Query{
		Status:   model.Status(r.URL.Query().Get("status")),
		TaskType: model.TaskType(r.URL.Query().Get("task_type")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}

	tasks, err := s.store.List(r.Context(), q)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	views := make([]model.View, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, t.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "count": len(views)})
}

// handleRetry implements spec §4.7 retry: refuses unless status is failed
// or cancelled; resets and re-enqueues.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.retryOne(r, id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(model.StatusPending)})
}

func (s *Server) retryOne(r *http.Request, id int64) error {
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		return err
	}
	if task.Status != model.StatusFailed && task.Status != model.StatusCancelled {
		return apierrors.Invalid(fmt.Sprintf("task %d is %s, not failed or cancelled", id, task.Status))
	}

	task.Status = model.StatusPending
	task.RetryCount = 0
	task.ErrorMessage = ""
	task.CompletedAt = nil
	if err := s.store.Update(r.Context(), task); err != nil {
		return err
	}
	if fabric := s.fabric(); fabric != nil {
		_ = queue.Push(r.Context(), fabric.Intake, id)
	}
	return nil
}

// handleRetryFailed implements spec §4.7 retry_failed: the bulk form of retry.
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.store.ByStatus(r.Context(), model.StatusFailed)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	var retried []int64
	for _, t := range failed {
		if err := s.retryOne(r, t.ID); err != nil {
			logger.Warn().Err(err).Int64("task_id", t.ID).Msg("api: retry-failed: skipping task")
			continue
		}
		retried = append(retried, t.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": retried, "count": len(retried)})
}

// handleUpdateTaskType implements spec §4.7 update_task_type: only for
// status=failed; changes the engine selection without creating a new row.
func (s *Server) handleUpdateTaskType(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		TaskType model.TaskType `json:"task_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if !body.TaskType.Valid() {
		writeError(w, http.StatusBadRequest, "invalid task_type: "+string(body.TaskType))
		return
	}

	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if task.Status != model.StatusFailed {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("task %d is %s, not failed", id, task.Status))
		return
	}

	task.TaskType = body.TaskType
	if err := s.store.Update(r.Context(), task); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task.View())
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Statistics(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}

	body := map[string]any{"store": stats}
	if fabric := s.fabric(); fabric != nil {
		body["queue_depths"] = fabric.Depths()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "alive",
		"time":   time.Now().UTC(),
	}
	if s.sched != nil {
		body["scheduler_running"] = s.sched.IsRunning()
		body["queue_depths"] = s.sched.Fabric().Depths()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDownload implements spec §4.7 download: locates the s3_urls entry
// whose tail matches the requested filename (accepting both raw and
// URL-decoded forms), then streams the object with an ASCII-safe
// Content-Disposition.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filename := r.PathValue("filename")

	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	matchURL, ok := matchArtifact(task.S3URLs, filename)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no artifact named %q on task %d", filename, id))
		return
	}

	bucket, key, ok := parseArtifactURL(matchURL)
	if !ok {
		writeError(w, http.StatusInternalServerError, "could not parse stored artifact URL")
		return
	}

	tmp, err := os.CreateTemp("", "docflow-download-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if _, err := s.gateway.Download(r.Context(), bucket, key, tmpPath); err != nil {
		writeAPIError(w, err)
		return
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	asciiName := toASCIIFilename(filename)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, asciiName))
	io.Copy(w, f)
}

// matchArtifact finds the s3Urls entry whose path tail equals filename,
// trying both the raw and URL-decoded form of each candidate tail.
func matchArtifact(s3URLs []string, filename string) (string, bool) {
	for _, u := range s3URLs {
		tail := u
		if idx := strings.LastIndex(u, "/"); idx >= 0 {
			tail = u[idx+1:]
		}
		if tail == filename {
			return u, true
		}
		if decoded, err := url.QueryUnescape(tail); err == nil && decoded == filename {
			return u, true
		}
		if decoded, err := url.QueryUnescape(filename); err == nil && tail == decoded {
			return u, true
		}
	}
	return "", false
}

func parseArtifactURL(s string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(s, "s3://") {
		return "", "", false
	}
	rest := strings.TrimPrefix(s, "s3://")
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// toASCIIFilename replaces every non-ASCII byte with '_' for a safe bare
// Content-Disposition filename parameter; no RFC 5987 filename* parameter is
// emitted.
func toASCIIFilename(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] < 0x80 {
			b.WriteByte(name[i])
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}
