package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/moneybench/arena/internal/domain"
)

func TestMaterializeWritesFiles(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	set := domain.ArtifactSet{
		CycleID: "cycle-1",
		Files: []domain.ArtifactFile{
			{Path: "Dockerfile", Content: []byte("FROM scratch\n")},
			{Path: "static/index.html", Content: []byte("<html></html>")},
		},
	}

	dir, err := m.Materialize(set)
	if err != nil {
		t.Fatalf("Materialize returned error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "static", "index.html"))
	if err != nil {
		t.Fatalf("expected nested file to exist: %v", err)
	}
	if string(data) != "<html></html>" {
		t.Fatalf("unexpected file content %q", data)
	}
}

func TestMaterializeRejectsEscapingPaths(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	for _, p := range []string{"../evil", "/etc/passwd", "a/../../evil"} {
		set := domain.ArtifactSet{
			CycleID: "cycle-1",
			Files:   []domain.ArtifactFile{{Path: p, Content: []byte("x")}},
		}
		if _, err := m.Materialize(set); err == nil {
			t.Fatalf("expected error for path %q", p)
		}
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := m.Cleanup("/tmp"); err == nil {
		t.Fatal("expected cleanup outside root to fail")
	}
}

func TestMaterializeReplacesPriorContents(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	first := domain.ArtifactSet{
		CycleID: "cycle-1",
		Files:   []domain.ArtifactFile{{Path: "stale.txt", Content: []byte("old")}},
	}
	dir, err := m.Materialize(first)
	if err != nil {
		t.Fatalf("Materialize returned error: %v", err)
	}
	second := domain.ArtifactSet{
		CycleID: "cycle-1",
		Files:   []domain.ArtifactFile{{Path: "Dockerfile", Content: []byte("FROM scratch\n")}},
	}
	if _, err := m.Materialize(second); err != nil {
		t.Fatalf("Materialize returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed, err=%v", err)
	}
}
