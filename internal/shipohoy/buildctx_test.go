package shipohoy

import (
	"archive/tar"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareContextWritesInlineContainerfile(t *testing.T) {
	dir := t.TempDir()
	rel, err := PrepareContext(BuildSpec{ContextDir: dir, ContainerfileData: []byte("FROM scratch\n")})
	if err != nil {
		t.Fatalf("PrepareContext: %v", err)
	}
	if rel != DefaultContainerfile {
		t.Fatalf("rel = %q", rel)
	}
	data, err := os.ReadFile(filepath.Join(dir, DefaultContainerfile))
	if err != nil || string(data) != "FROM scratch\n" {
		t.Fatalf("containerfile = %q, %v", data, err)
	}
}

func TestPrepareContextRejectsOutsidePath(t *testing.T) {
	dir := t.TempDir()
	_, err := PrepareContext(BuildSpec{ContextDir: dir, ContainerfilePath: filepath.Join(filepath.Dir(dir), "Containerfile")})
	if err == nil {
		t.Fatalf("expected error for containerfile outside context")
	}
}

func TestContextTarListsFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("a"), 0o600); err != nil {
		t.Fatal(err)
	}
	rc := ContextTar(dir)
	defer func() { _ = rc.Close() }()
	tr := tar.NewReader(rc)
	names := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		names[hdr.Name] = true
	}
	if !names["sub"] || !names["sub/a.txt"] {
		t.Fatalf("names = %v", names)
	}
}
