package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gurre/docflow/internal/apierrors"
)

// SubprocessEngine implements Engine by shelling out to external
// binaries — a headless office renderer, a PDF-to-markdown analyzer, and an
// OCR tool — following the exec.CommandContext-based subprocess-invocation
// style used elsewhere in the pack for driving external tools from a Go
// orchestrator (spec §9: "Subprocess-based engines ... behind a single
// Engine capability set").
type SubprocessEngine struct {
	// OfficeRendererPath is the headless office-to-PDF converter binary
	// (e.g. a soffice/libreoffice wrapper script).
	OfficeRendererPath string
	// PDFAnalyzerPath is the PDF structure/markdown analyzer binary.
	PDFAnalyzerPath string
	// OCRPath is the image-to-markdown OCR binary.
	OCRPath string
	// CacheClearPath, if set, is invoked after every conversion to release
	// accelerator (GPU) memory (spec §5).
	CacheClearPath string

	cmdFactory func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewSubprocessEngine builds a SubprocessEngine wired to the given binaries.
func NewSubprocessEngine(officeRenderer, pdfAnalyzer, ocr, cacheClear string) *SubprocessEngine {
	return &SubprocessEngine{
		OfficeRendererPath: officeRenderer,
		PDFAnalyzerPath:    pdfAnalyzer,
		OCRPath:            ocr,
		CacheClearPath:     cacheClear,
		cmdFactory:         exec.CommandContext,
	}
}

func (e *SubprocessEngine) run(ctx context.Context, bin string, args ...string) (stdout, stderr []byte, err error) {
	if bin == "" {
		return nil, nil, apierrors.NewEngine("missing_dependency", fmt.Errorf("no binary configured for this conversion"))
	}
	cmd := e.cmdFactory(ctx, bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(errBuf.String()))
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

func (e *SubprocessEngine) OfficeToPDF(ctx context.Context, inPath, outPath string) error {
	_, _, err := e.run(ctx, e.OfficeRendererPath, "--convert-to", "pdf", "--outdir", filepath.Dir(outPath), inPath)
	return err
}

func (e *SubprocessEngine) PDFToMarkdown(ctx context.Context, inPath, outDir string) (Result, error) {
	stdout, _, err := e.run(ctx, e.PDFAnalyzerPath, inPath, "--out", outDir, "--format", "markdown+json+images")
	if err != nil {
		return Result{}, err
	}
	return parsePDFAnalyzerOutput(stdout, outDir)
}

func (e *SubprocessEngine) ImageToMarkdown(ctx context.Context, inPath, outDir string) (Result, error) {
	stem := strings.TrimSuffix(filepath.Base(inPath), filepath.Ext(inPath))
	mdPath := filepath.Join(outDir, stem+".md")
	if _, _, err := e.run(ctx, e.OCRPath, inPath, "--out", mdPath); err != nil {
		return Result{}, err
	}
	return Result{Success: true, MarkdownFiles: []string{mdPath}}, nil
}

func (e *SubprocessEngine) ClearAcceleratorCache(ctx context.Context) {
	if e.CacheClearPath == "" {
		return
	}
	_, _, _ = e.run(ctx, e.CacheClearPath)
}

// parsePDFAnalyzerOutput interprets the analyzer's stdout as a newline-separated
// list of produced file paths, classifying each by extension.
func parsePDFAnalyzerOutput(stdout []byte, outDir string) (Result, error) {
	result := Result{Success: true}
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch filepath.Ext(line) {
		case ".md":
			result.MarkdownFiles = append(result.MarkdownFiles, line)
		case ".json":
			result.JSONFiles = append(result.JSONFiles, line)
		case ".png", ".jpg", ".jpeg":
			result.ImageFiles = append(result.ImageFiles, line)
		}
	}
	return result, nil
}
