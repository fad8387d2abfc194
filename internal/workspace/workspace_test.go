package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	base := t.TempDir()
	m, err := NewManager(filepath.Join(base, "work"), filepath.Join(base, "tmp"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreateIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	if err := m.Create(1); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := m.Create(1); err != nil {
		t.Fatalf("second Create: %v", err)
	}

	for _, dir := range []string{"input", "output", "temp"} {
		if _, err := os.Stat(filepath.Join(m.Root(1), dir)); err != nil {
			t.Errorf("expected %s to exist: %v", dir, err)
		}
	}
}

func TestPathsArePure(t *testing.T) {
	m := newTestManager(t)

	in := m.InputPath(7, "doc.docx")
	if _, err := os.Stat(in); !os.IsNotExist(err) {
		t.Errorf("InputPath must not touch disk, found %v", err)
	}
	if filepath.Base(in) != "doc.docx" {
		t.Errorf("expected basename preserved, got %s", in)
	}
}

func TestPartialCleanupPreservesInputAndArtifacts(t *testing.T) {
	m := newTestManager(t)
	if err := m.Create(2); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mustWrite(t, m.InputPath(2, "in.docx"), "input")
	mustWrite(t, m.OutputPath(2, "out.pdf"), "final artifact")
	mustWrite(t, m.TempPath(2, "scratch.bin"), "scratch")
	scratchDir := filepath.Join(m.Root(2), "output", "render_temp")
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		t.Fatalf("mkdir scratch dir: %v", err)
	}
	mustWrite(t, filepath.Join(scratchDir, "intermediate.bin"), "x")

	if err := m.PartialCleanup(2); err != nil {
		t.Fatalf("PartialCleanup: %v", err)
	}

	if _, err := os.Stat(m.InputPath(2, "in.docx")); err != nil {
		t.Errorf("expected input to survive cleanup: %v", err)
	}
	if _, err := os.Stat(m.OutputPath(2, "out.pdf")); err != nil {
		t.Errorf("expected final artifact to survive cleanup: %v", err)
	}
	if _, err := os.Stat(m.TempPath(2, "scratch.bin")); !os.IsNotExist(err) {
		t.Errorf("expected temp file removed, got %v", err)
	}
	if _, err := os.Stat(scratchDir); !os.IsNotExist(err) {
		t.Errorf("expected *temp* output scratch dir removed, got %v", err)
	}
}

func TestGCTempFilesRemovesOnlyStaleEntries(t *testing.T) {
	m := newTestManager(t)

	fresh := filepath.Join(m.tempDir, "fresh.bin")
	stale := filepath.Join(m.tempDir, "stale.bin")
	mustWrite(t, fresh, "fresh")
	mustWrite(t, stale, "stale")

	oldTime := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := m.GCTempFiles(time.Hour)
	if err != nil {
		t.Fatalf("GCTempFiles: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("expected fresh file to survive: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("expected stale file removed, got %v", err)
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(t)
	if err := m.Create(3); err != nil {
		t.Fatalf("Create: %v", err)
	}
	mustWrite(t, m.InputPath(3, "a.docx"), "0123456789")
	mustWrite(t, m.OutputPath(3, "a.pdf"), "01234")

	stats, err := m.Stats(3)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.InputFiles != 1 || stats.InputBytes != 10 {
		t.Errorf("unexpected input stats: %+v", stats)
	}
	if stats.OutputFiles != 1 || stats.OutputBytes != 5 {
		t.Errorf("unexpected output stats: %+v", stats)
	}
}

func mustWrite(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
