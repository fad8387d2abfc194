// Package workspace implements the Workspace Manager (spec §4.2): per-task
// scratch directories and their safe, bounded cleanup. Path handling follows
// the teacher's checkpoint.FileStore discipline — clean, verify-absolute,
// mkdir — generalized from a single checkpoint file to a whole directory
// tree per task.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Stats reports directory counts and sizes for observability (spec §4.2 stats).
type Stats struct {
	InputFiles   int
	InputBytes   int64
	OutputFiles  int
	OutputBytes  int64
	TempFiles    int
	TempBytes    int64
}

// Manager maps a task id to a root directory and its input/output/temp
// sub-directories, and cleans them up on the boundaries the spec allows.
type Manager struct {
	baseDir string
	tempDir string
}

// NewManager returns a Manager rooted at baseDir, with a process-wide
// temporary directory at tempDir used by gc_temp_files.
func NewManager(baseDir, tempDir string) (*Manager, error) {
	clean := filepath.Clean(baseDir)
	if !filepath.IsAbs(clean) {
		return nil, fmt.Errorf("workspace base dir must be absolute: %s", clean)
	}
	if err := os.MkdirAll(clean, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base dir: %w", err)
	}

	cleanTemp := filepath.Clean(tempDir)
	if !filepath.IsAbs(cleanTemp) {
		return nil, fmt.Errorf("temp dir must be absolute: %s", cleanTemp)
	}
	if err := os.MkdirAll(cleanTemp, 0755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	return &Manager{baseDir: clean, tempDir: cleanTemp}, nil
}

// Root returns W(id) = <base>/task_{id}/, never touching disk.
func (m *Manager) Root(id int64) string {
	return filepath.Join(m.baseDir, "task_"+strconv.FormatInt(id, 10))
}

func (m *Manager) inputDir(id int64) string  { return filepath.Join(m.Root(id), "input") }
func (m *Manager) outputDir(id int64) string { return filepath.Join(m.Root(id), "output") }
func (m *Manager) tempSubDir(id int64) string { return filepath.Join(m.Root(id), "temp") }

// OutputDir returns the output/ directory for id, for callers that need to
// walk it directly (push_outputs, spec §4.6.3).
func (m *Manager) OutputDir(id int64) string { return m.outputDir(id) }

// InputDir returns the input/ directory for id.
func (m *Manager) InputDir(id int64) string { return m.inputDir(id) }

// InputPath is pure path computation; it never touches disk.
func (m *Manager) InputPath(id int64, filename string) string {
	return filepath.Join(m.inputDir(id), filepath.Base(filename))
}

// OutputPath is pure path computation; it never touches disk.
func (m *Manager) OutputPath(id int64, filename string) string {
	return filepath.Join(m.outputDir(id), filepath.Base(filename))
}

// TempPath is pure path computation; it never touches disk.
func (m *Manager) TempPath(id int64, filename string) string {
	return filepath.Join(m.tempSubDir(id), filepath.Base(filename))
}

// Create idempotently creates the input/, output/, temp/ sub-directories for
// id with mode 0755.
func (m *Manager) Create(id int64) error {
	for _, dir := range []string{m.inputDir(id), m.outputDir(id), m.tempSubDir(id)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create workspace directory %s: %w", dir, err)
		}
	}
	return nil
}

// PartialCleanup removes everything under temp/ and any output/ sub-directory
// whose name matches "*temp*" (engine scratch areas). It never deletes
// input/ nor final artifacts directly under output/ (spec §4.2 invariant:
// artifacts may be served by the download proxy after upload completes).
func (m *Manager) PartialCleanup(id int64) error {
	tempDir := m.tempSubDir(id)
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return fmt.Errorf("read temp dir: %w", err)
		}
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tempDir, e.Name())); err != nil {
			return fmt.Errorf("remove temp entry %s: %w", e.Name(), err)
		}
	}

	outputDir := m.outputDir(id)
	outEntries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read output dir: %w", err)
	}
	for _, e := range outEntries {
		if !e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), "temp") {
			if err := os.RemoveAll(filepath.Join(outputDir, e.Name())); err != nil {
				return fmt.Errorf("remove output scratch dir %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// Remove deletes W(id) entirely. Only used by explicit task deletion (spec
// §3: "Deletion only via explicit GC of rows older than N days").
func (m *Manager) Remove(id int64) error {
	return os.RemoveAll(m.Root(id))
}

// GCTempFiles deletes files under the process-wide temp dir older than maxAge.
func (m *Manager) GCTempFiles(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	entries, err := os.ReadDir(m.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(m.tempDir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				return removed, fmt.Errorf("remove stale temp entry %s: %w", path, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Stats walks W(id) and reports file counts and byte sizes per sub-directory.
func (m *Manager) Stats(id int64) (Stats, error) {
	var s Stats
	dirs := []struct {
		path   string
		files  *int
		bytes  *int64
	}{
		{m.inputDir(id), &s.InputFiles, &s.InputBytes},
		{m.outputDir(id), &s.OutputFiles, &s.OutputBytes},
		{m.tempSubDir(id), &s.TempFiles, &s.TempBytes},
	}

	for _, d := range dirs {
		err := filepath.Walk(d.path, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !info.IsDir() {
				*d.files++
				*d.bytes += info.Size()
			}
			return nil
		})
		if err != nil {
			return s, fmt.Errorf("walk %s: %w", d.path, err)
		}
	}
	return s, nil
}
