// Package config holds the orchestrator's enumerated configuration (spec §6)
// and its validation, in the same fail-fast, field-by-field style as the
// teacher's restore Config.Validate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every configuration key enumerated in spec §6.
type Config struct {
	// Scheduler
	MaxConcurrentTasks       int           // max_concurrent_tasks, default 3
	TaskCheckIntervalSeconds int           // task_check_interval_seconds, default 5
	GCInterval               time.Duration // default 30m
	GCRetentionDays          int           // 0 disables terminal-row deletion
	CallbackTimeout          time.Duration

	// Filesystem
	WorkspaceBaseDir string // workspace_base_dir, default /app/task_workspace
	TempDir          string

	// Persistence
	DatabaseKind string // "sqlite" | "mysql"
	DatabaseURL  string

	// Object store: download side
	DownloadAccessKey   string
	DownloadSecretKey   string
	DownloadEndpoint    string
	DownloadRegion      string
	DownloadBucket      string

	// Object store: upload side
	UploadAccessKey string
	UploadSecretKey string
	UploadEndpoint  string
	UploadRegion    string
	UploadBucket    string

	// Observability
	LogLevel  string
	LogDir    string
	LogFormat string

	// HTTP
	ListenAddr string

	// Conversion engine binaries (spec §9 SubprocessEngine)
	OfficeRendererPath string
	PDFAnalyzerPath    string
	OCRPath            string
	CacheClearPath     string
}

// Default returns a Config populated with the spec §6 defaults.
func Default() *Config {
	return &Config{
		MaxConcurrentTasks:       3,
		TaskCheckIntervalSeconds: 5,
		GCInterval:               30 * time.Minute,
		GCRetentionDays:          0,
		CallbackTimeout:          10 * time.Second,
		WorkspaceBaseDir:         "/app/task_workspace",
		TempDir:                  "/app/task_workspace/.tmp",
		DatabaseKind:             "sqlite",
		DatabaseURL:              "/app/task_workspace/docflow.db",
		LogLevel:                 "info",
		LogFormat:                "json",
		ListenAddr:               ":8080",
	}
}

// Validate ensures all required fields are present and within range, in the
// same style as the teacher's restore Config.Validate: one explicit check per
// field, returning on the first violation.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be at least 1")
	}
	if c.TaskCheckIntervalSeconds < 1 {
		return fmt.Errorf("task_check_interval_seconds must be at least 1")
	}
	if c.WorkspaceBaseDir == "" {
		return fmt.Errorf("workspace_base_dir is required")
	}
	if c.TempDir == "" {
		return fmt.Errorf("temp_dir is required")
	}
	if c.DatabaseKind != "sqlite" && c.DatabaseKind != "mysql" {
		return fmt.Errorf("database_kind must be sqlite or mysql")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.CallbackTimeout < time.Second {
		return fmt.Errorf("callback timeout must be at least 1 second")
	}
	if c.GCInterval < time.Minute {
		return fmt.Errorf("gc interval must be at least 1 minute")
	}
	if c.GCRetentionDays < 0 {
		return fmt.Errorf("gc retention days must not be negative")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	return nil
}

// downloadCredentialChain and uploadCredentialChain document the fixed,
// left-to-right fallback order of environment keys consulted when explicit
// Config fields are empty, per spec §4.3 ("a fallback chain of well-known
// configuration keys"). Evaluated by LoadFromEnv.
var downloadCredentialChain = []string{"DOCFLOW_DOWNLOAD_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID"}
var downloadSecretChain = []string{"DOCFLOW_DOWNLOAD_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY"}
var uploadCredentialChain = []string{"DOCFLOW_UPLOAD_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID"}
var uploadSecretChain = []string{"DOCFLOW_UPLOAD_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY"}

// firstNonEmptyEnv walks a fallback chain of environment variable names and
// returns the first one that is set and non-empty.
func firstNonEmptyEnv(chain []string) string {
	for _, name := range chain {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// LoadFromEnv builds a Config starting from Default() and overlaying every
// DOCFLOW_* environment variable that is set, including the download/upload
// credential fallback chains documented above.
func LoadFromEnv() *Config {
	c := Default()

	if v := os.Getenv("DOCFLOW_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("DOCFLOW_TASK_CHECK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TaskCheckIntervalSeconds = n
		}
	}
	if v := os.Getenv("DOCFLOW_GC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GCInterval = d
		}
	}
	if v := os.Getenv("DOCFLOW_GC_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GCRetentionDays = n
		}
	}
	if v := os.Getenv("DOCFLOW_CALLBACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CallbackTimeout = d
		}
	}

	if v := os.Getenv("DOCFLOW_WORKSPACE_BASE_DIR"); v != "" {
		c.WorkspaceBaseDir = v
	}
	if v := os.Getenv("DOCFLOW_TEMP_DIR"); v != "" {
		c.TempDir = v
	}

	if v := os.Getenv("DOCFLOW_DATABASE_KIND"); v != "" {
		c.DatabaseKind = v
	}
	if v := os.Getenv("DOCFLOW_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}

	c.DownloadAccessKey = firstNonEmptyEnv(downloadCredentialChain)
	c.DownloadSecretKey = firstNonEmptyEnv(downloadSecretChain)
	c.DownloadEndpoint = os.Getenv("DOCFLOW_DOWNLOAD_S3_ENDPOINT")
	c.DownloadRegion = os.Getenv("DOCFLOW_DOWNLOAD_S3_REGION")
	c.DownloadBucket = os.Getenv("DOCFLOW_DOWNLOAD_S3_BUCKET")

	c.UploadAccessKey = firstNonEmptyEnv(uploadCredentialChain)
	c.UploadSecretKey = firstNonEmptyEnv(uploadSecretChain)
	c.UploadEndpoint = os.Getenv("DOCFLOW_UPLOAD_S3_ENDPOINT")
	c.UploadRegion = os.Getenv("DOCFLOW_UPLOAD_S3_REGION")
	c.UploadBucket = os.Getenv("DOCFLOW_UPLOAD_S3_BUCKET")

	if v := os.Getenv("DOCFLOW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DOCFLOW_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("DOCFLOW_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("DOCFLOW_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}

	c.OfficeRendererPath = os.Getenv("DOCFLOW_OFFICE_RENDERER_PATH")
	c.PDFAnalyzerPath = os.Getenv("DOCFLOW_PDF_ANALYZER_PATH")
	c.OCRPath = os.Getenv("DOCFLOW_OCR_PATH")
	c.CacheClearPath = os.Getenv("DOCFLOW_CACHE_CLEAR_PATH")

	return c
}
