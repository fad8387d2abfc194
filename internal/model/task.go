// Package model defines the aggregate types shared across the orchestrator:
// the Task record, its lifecycle enums, and the opaque blobs attached to it.
package model

import "time"

// TaskType enumerates the conversion pipelines the dispatcher knows how to run.
type TaskType string

const (
	TaskOfficeToPDF      TaskType = "office_to_pdf"
	TaskPDFToMarkdown    TaskType = "pdf_to_markdown"
	TaskOfficeToMarkdown TaskType = "office_to_markdown"
	TaskImageToMarkdown  TaskType = "image_to_markdown"
	TaskBatchOfficeToPDF TaskType = "batch_office_to_pdf"
	TaskBatchPDFToMD     TaskType = "batch_pdf_to_markdown"
	TaskBatchOfficeToMD  TaskType = "batch_office_to_markdown"
	TaskBatchImageToMD   TaskType = "batch_image_to_markdown"
)

// Valid reports whether t is one of the enumerated task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskOfficeToPDF, TaskPDFToMarkdown, TaskOfficeToMarkdown, TaskImageToMarkdown,
		TaskBatchOfficeToPDF, TaskBatchPDFToMD, TaskBatchOfficeToMD, TaskBatchImageToMD:
		return true
	}
	return false
}

// IsBatch reports whether t dispatches over a directory rather than a single file.
func (t TaskType) IsBatch() bool {
	switch t {
	case TaskBatchOfficeToPDF, TaskBatchPDFToMD, TaskBatchOfficeToMD, TaskBatchImageToMD:
		return true
	}
	return false
}

// SingleTaskType returns the per-file task type a batch task type dispatches to.
func (t TaskType) SingleTaskType() TaskType {
	switch t {
	case TaskBatchOfficeToPDF:
		return TaskOfficeToPDF
	case TaskBatchPDFToMD:
		return TaskPDFToMarkdown
	case TaskBatchOfficeToMD:
		return TaskOfficeToMarkdown
	case TaskBatchImageToMD:
		return TaskImageToMarkdown
	}
	return t
}

// Status is the lifecycle state of a Task, per spec §3.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority selects which lane of the Queue Fabric a task is routed through.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the enumerated priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// DefaultMaxRetryCount is the default value of Task.MaxRetryCount (spec §3).
const DefaultMaxRetryCount = 3

// SourceSpec names exactly one of the ways a task can point at its input bytes
// (spec §3 invariant 4: exactly one source spec is populated).
type SourceSpec struct {
	Bucket          string `json:"bucket,omitempty"`
	ObjectKey       string `json:"object_key,omitempty"`
	FileURL         string `json:"file_url,omitempty"`
	LocalPath       string `json:"local_path,omitempty"`
	UploadedBlobKey string `json:"uploaded_blob_handle,omitempty"`
}

// Kind identifies which of the four source forms is populated, or "" if none
// or more than one is set.
func (s SourceSpec) Kind() string {
	set := 0
	kind := ""
	if s.Bucket != "" || s.ObjectKey != "" {
		set++
		kind = "bucket_key"
	}
	if s.FileURL != "" {
		set++
		kind = "file_url"
	}
	if s.LocalPath != "" {
		set++
		kind = "local_path"
	}
	if s.UploadedBlobKey != "" {
		set++
		kind = "uploaded_blob"
	}
	if set != 1 {
		return ""
	}
	return kind
}

// Params carries opaque engine hints (force_reprocess, recursive, file_pattern, ...).
type Params map[string]any

// Result carries the opaque per-engine result summary attached to a completed task.
type Result map[string]any

// Task is the single aggregate of the orchestrator (spec §3).
type Task struct {
	ID       int64
	TaskType TaskType
	Status   Status
	Priority Priority

	Source     SourceSpec
	OutputSpec string

	Params      Params
	Platform    string
	CallbackURL string

	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastRetryAt  *time.Time
	UpdatedAt    time.Time
	RetryCount   int
	MaxRetryCount int

	InputPath     string
	OutputPath    string
	FileName      string
	FileSizeBytes int64
	OutputURL     string
	S3URLs        []string
	Result        Result
	ErrorMessage  string

	CallbackStatusCode int
	CallbackMessage    string
	CallbackTime       *time.Time
}

// View is the public JSON representation of a Task: the §4.7 "task view"
// returned by get/list and POSTed to callback_url (spec §4.6 item 6).
type View struct {
	ID       int64      `json:"id"`
	TaskType TaskType   `json:"task_type"`
	Status   Status     `json:"status"`
	Priority Priority   `json:"priority"`

	Params      Params `json:"params,omitempty"`
	Platform    string `json:"platform,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`

	RetryCount    int `json:"retry_count"`
	MaxRetryCount int `json:"max_retry_count"`

	InputPath     string `json:"input_path,omitempty"`
	OutputPath    string `json:"output_path,omitempty"`
	FileName      string `json:"file_name,omitempty"`
	FileSizeBytes int64  `json:"file_size_bytes,omitempty"`
	OutputURL     string `json:"output_url,omitempty"`
	S3URLs        []string `json:"s3_urls,omitempty"`
	Result        Result `json:"result,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	CallbackStatusCode int        `json:"callback_status_code,omitempty"`
	CallbackMessage    string     `json:"callback_message,omitempty"`
	CallbackTime       *time.Time `json:"callback_time,omitempty"`
}

// View projects t into its public representation.
func (t *Task) View() View {
	return View{
		ID: t.ID, TaskType: t.TaskType, Status: t.Status, Priority: t.Priority,
		Params: t.Params, Platform: t.Platform, CallbackURL: t.CallbackURL,
		CreatedAt: t.CreatedAt, StartedAt: t.StartedAt, CompletedAt: t.CompletedAt, LastRetryAt: t.LastRetryAt,
		RetryCount: t.RetryCount, MaxRetryCount: t.MaxRetryCount,
		InputPath: t.InputPath, OutputPath: t.OutputPath, FileName: t.FileName, FileSizeBytes: t.FileSizeBytes,
		OutputURL: t.OutputURL, S3URLs: t.S3URLs, Result: t.Result, ErrorMessage: t.ErrorMessage,
		CallbackStatusCode: t.CallbackStatusCode, CallbackMessage: t.CallbackMessage, CallbackTime: t.CallbackTime,
	}
}

// Validate checks the invariants a Task must satisfy before it is persisted:
// a known task_type, a known priority, and exactly one source (spec §3
// invariant 4). It also defaults a non-positive MaxRetryCount.
func (t *Task) Validate() error {
	if !t.TaskType.Valid() {
		return ErrInvalidTaskType
	}
	if !t.Priority.Valid() {
		return ErrInvalidPriority
	}
	if t.Source.Kind() == "" {
		return ErrAmbiguousSource
	}
	if t.MaxRetryCount <= 0 {
		t.MaxRetryCount = DefaultMaxRetryCount
	}
	return nil
}
