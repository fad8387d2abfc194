// Package dispatcher implements the Conversion Dispatcher (spec §4.4): the
// dispatch table over office/PDF/image conversion engines, and the batch
// directory walker. The capability-set-behind-an-interface shape mirrors the
// teacher's itemimage.Decoder: one small interface and a concrete hot-path
// implementation; failures are returned as classified apierrors values.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gurre/docflow/internal/apierrors"
	"github.com/gurre/docflow/internal/model"
)

// Result is returned by Dispatcher.Convert (spec §4.4: "result contains at
// least {success, markdown_files[], json_files[], image_files[], error?}").
type Result struct {
	Success       bool
	MarkdownFiles []string
	JSONFiles     []string
	ImageFiles    []string
	Error         error
}

// Engine is the capability set every conversion engine implements (spec §9:
// "a single Engine capability set ... so each can be implemented as a child
// process, a linked library, or an RPC call without changing the scheduler").
type Engine interface {
	// OfficeToPDF renders the office document at inPath to a single PDF at
	// outPath.
	OfficeToPDF(ctx context.Context, inPath, outPath string) error

	// PDFToMarkdown analyzes the PDF at inPath, writing {stem}.md, {stem}.json,
	// and an images/ sub-directory of extracted figures under outDir.
	PDFToMarkdown(ctx context.Context, inPath, outDir string) (Result, error)

	// ImageToMarkdown OCRs the image at inPath, writing a single .md under outDir.
	ImageToMarkdown(ctx context.Context, inPath, outDir string) (Result, error)

	// ClearAcceleratorCache releases any GPU/accelerator state held by the
	// engine. Called after every conversion, successful or not (spec §5).
	ClearAcceleratorCache(ctx context.Context)
}

// Dispatcher routes a task_type to the matching Engine call (spec §4.4).
type Dispatcher struct {
	engine Engine
}

// New builds a Dispatcher over the given Engine.
func New(engine Engine) *Dispatcher {
	return &Dispatcher{engine: engine}
}

// Convert implements the dispatch table (spec §4.4). params may carry
// force_reprocess (bool, for pdf_to_markdown's skip-if-exists rule).
func (d *Dispatcher) Convert(ctx context.Context, taskType model.TaskType, inPath, outPath string, params model.Params) (result Result, err error) {
	defer d.engine.ClearAcceleratorCache(ctx)

	switch taskType {
	case model.TaskOfficeToPDF:
		return d.convertOfficeToPDF(ctx, inPath, outPath)
	case model.TaskPDFToMarkdown:
		return d.convertPDFToMarkdown(ctx, inPath, outPath, params)
	case model.TaskOfficeToMarkdown:
		return d.convertOfficeToMarkdown(ctx, inPath, outPath, params)
	case model.TaskImageToMarkdown:
		return d.engine.ImageToMarkdown(ctx, inPath, outPath)
	default:
		if taskType.IsBatch() {
			return Result{}, apierrors.NewEngine("unsupported_format", fmt.Errorf("batch dispatch must go through ConvertBatch, got %s", taskType))
		}
		return Result{}, apierrors.NewEngine("unsupported_format", fmt.Errorf("unknown task type %s", taskType))
	}
}

func (d *Dispatcher) convertOfficeToPDF(ctx context.Context, inPath, outPath string) (Result, error) {
	if err := d.engine.OfficeToPDF(ctx, inPath, outPath); err != nil {
		return Result{}, classifyEngineError(err)
	}
	return Result{Success: true}, nil
}

func (d *Dispatcher) convertPDFToMarkdown(ctx context.Context, inPath, outDir string, params model.Params) (Result, error) {
	stem := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
	mdPath := filepath.Join(outDir, stem+".md")

	forceReprocess, _ := params["force_reprocess"].(bool)
	if !forceReprocess {
		if _, err := os.Stat(mdPath); err == nil {
			return existingArtifacts(outDir, stem)
		}
	}

	result, err := d.engine.PDFToMarkdown(ctx, inPath, outDir)
	if err != nil {
		return Result{}, classifyEngineError(err)
	}
	if !result.Success {
		return result, ClassifyReportedFailure(result.Error)
	}
	return result, nil
}

func (d *Dispatcher) convertOfficeToMarkdown(ctx context.Context, inPath, outDir string, params model.Params) (Result, error) {
	tempPDF := filepath.Join(filepath.Dir(outDir), "temp", strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))+".pdf")
	if err := d.engine.OfficeToPDF(ctx, inPath, tempPDF); err != nil {
		return Result{}, classifyEngineError(err)
	}
	return d.convertPDFToMarkdown(ctx, tempPDF, outDir, params)
}

// existingArtifacts reports the previously produced .md/.json/images/* for
// stem as a successful, skipped conversion (spec §4.4: "If a prior .md
// output exists and force_reprocess is false, skip and return the existing
// artifacts").
func existingArtifacts(outDir, stem string) (Result, error) {
	result := Result{Success: true}
	md := filepath.Join(outDir, stem+".md")
	js := filepath.Join(outDir, stem+".json")
	if _, err := os.Stat(md); err == nil {
		result.MarkdownFiles = append(result.MarkdownFiles, md)
	}
	if _, err := os.Stat(js); err == nil {
		result.JSONFiles = append(result.JSONFiles, js)
	}
	imagesDir := filepath.Join(outDir, "images")
	entries, err := os.ReadDir(imagesDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				result.ImageFiles = append(result.ImageFiles, filepath.Join(imagesDir, e.Name()))
			}
		}
	}
	return result, nil
}

// classifyEngineError maps a raw engine error to a finer
// apierrors.KindEngineFailed sub-kind, per spec §7. Engines that want a
// specific classification should return an *apierrors.Error directly (e.g.
// via apierrors.NewEngine); this is the fallback classifier for engines that
// return a plain error. The branch order follows the original MinerU
// engine's own classifier (NanamiAkari/DocumentConvert
// services/document_service.py's _analyze_mineru_python_error), most
// specific match first: password protection and accelerator OOM are
// checked before the generic CUDA-unavailable and "not found" branches so a
// CUDA OOM message isn't misclassified as a plain accelerator-unavailable
// error.
func classifyEngineError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apierrors.KindOf(err); ok {
		return err
	}

	msg := strings.ToLower(err.Error())
	if strings.TrimSpace(msg) == "" {
		return apierrors.NewEngine("silent_failure", err)
	}

	switch {
	case strings.Contains(msg, "password") || strings.Contains(msg, "pdfiumerror"):
		return apierrors.NewEngine("password_protected", err)
	case strings.Contains(msg, "out of memory") || strings.Contains(msg, "oom"):
		return apierrors.NewEngine("accelerator_oom", err)
	case strings.Contains(msg, "cuda") && (strings.Contains(msg, "not available") || strings.Contains(msg, "unavailable")):
		return apierrors.NewEngine("accelerator_unavailable", err)
	case strings.Contains(msg, "cuda"):
		return apierrors.NewEngine("accelerator_oom", err)
	case strings.Contains(msg, "no module named") || strings.Contains(msg, "importerror") || strings.Contains(msg, "import error"):
		return apierrors.NewEngine("missing_dependency", err)
	case strings.Contains(msg, "permission"):
		return apierrors.NewEngine("permission_denied", err)
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "filenotfounderror") || (strings.Contains(msg, "not found") && strings.Contains(msg, "binary")):
		return apierrors.NewEngine("not_found", err)
	case strings.Contains(msg, "runtimeerror") && strings.Contains(msg, "model"):
		return apierrors.NewEngine("model_load_failed", err)
	case strings.Contains(msg, "valueerror") || strings.Contains(msg, "typeerror"):
		return apierrors.NewEngine("invalid_parameter", err)
	case strings.Contains(msg, "attributeerror"):
		return apierrors.NewEngine("version_mismatch", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return apierrors.NewEngine("timeout", err)
	case strings.Contains(msg, "unsupported") || strings.Contains(msg, "unrecognized format"):
		return apierrors.NewEngine("unsupported_format", err)
	default:
		return apierrors.NewEngine("unknown", err)
	}
}

// ClassifyReportedFailure classifies an engine call that returned
// Result{Success: false} rather than a Go error. A nil or empty Error is its
// own classification — "静默失败" ("silent failure"), per
// _analyze_mineru_python_error's final fallback for an engine that reports
// failure with no error text at all — rather than being folded into
// "unknown".
func ClassifyReportedFailure(err error) error {
	if err == nil || strings.TrimSpace(err.Error()) == "" {
		return apierrors.NewEngine("silent_failure", err)
	}
	return classifyEngineError(err)
}

// BatchResult aggregates per-file outcomes for a batch_* task (spec §4.4).
type BatchResult struct {
	TotalFiles     int
	SucceededFiles int
	FailedFiles    []string
	Results        []Result
}

// ConvertBatch walks inDir (optionally recursively, optionally filtered by a
// regex on filename) and dispatches singleTaskType per matched file,
// aggregating counts (spec §4.4 batch_*).
func (d *Dispatcher) ConvertBatch(ctx context.Context, singleTaskType model.TaskType, inDir, outDir string, params model.Params) (BatchResult, error) {
	recursive, _ := params["recursive"].(bool)
	var pattern *regexp.Regexp
	if raw, ok := params["file_pattern"].(string); ok && raw != "" {
		compiled, err := regexp.Compile(raw)
		if err != nil {
			return BatchResult{}, apierrors.Invalid(fmt.Sprintf("invalid file_pattern: %v", err))
		}
		pattern = compiled
	}

	files, err := walkBatchInputs(inDir, recursive, pattern)
	if err != nil {
		return BatchResult{}, apierrors.New(apierrors.KindEngineFailed, err)
	}

	var batch BatchResult
	batch.TotalFiles = len(files)
	for _, f := range files {
		stem := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		perFileOut := filepath.Join(outDir, stem)
		if err := os.MkdirAll(perFileOut, 0755); err != nil {
			batch.FailedFiles = append(batch.FailedFiles, f)
			continue
		}

		result, err := d.Convert(ctx, singleTaskType, f, perFileOut, params)
		if err != nil {
			batch.FailedFiles = append(batch.FailedFiles, f)
			continue
		}
		batch.SucceededFiles++
		batch.Results = append(batch.Results, result)
	}

	return batch, nil
}

func walkBatchInputs(inDir string, recursive bool, pattern *regexp.Regexp) ([]string, error) {
	var out []string

	if !recursive {
		entries, err := os.ReadDir(inDir)
		if err != nil {
			return nil, fmt.Errorf("read batch input dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if pattern != nil && !pattern.MatchString(e.Name()) {
				continue
			}
			out = append(out, filepath.Join(inDir, e.Name()))
		}
	} else {
		err := filepath.Walk(inDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			if pattern != nil && !pattern.MatchString(info.Name()) {
				return nil
			}
			out = append(out, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk batch input dir: %w", err)
		}
	}

	sort.Strings(out)
	return out, nil
}
