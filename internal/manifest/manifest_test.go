package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stratus-run/stratus/pkg/api"
)

const quickstartManifest = `environments:
  - name: examples/quickstart-notebook
    container: coiled/notebook:latest
    conda:
      channels: [conda-forge]
      dependencies: ["python=3.8", "coiled=0.0.37", "dask=2021.3.0"]
jobs:
  - name: examples/quickstart
    software: examples/quickstart-notebook
    command: ["/bin/bash", "run.sh"]
    files: [run.sh]
    ports: [8888]
    description: Quickly launch a Dask cluster on the cloud
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stratus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/bash\njupyter lab\n"), 0o755); err != nil {
		t.Fatalf("write run.sh: %v", err)
	}
	return path
}

func TestLoadQuickstart(t *testing.T) {
	path := writeManifest(t, quickstartManifest)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Environments) != 1 || len(m.Jobs) != 1 {
		t.Fatalf("unexpected counts: %d envs, %d jobs", len(m.Environments), len(m.Jobs))
	}
	env := m.Environments[0]
	if env.Name != "examples/quickstart-notebook" || env.Container != "coiled/notebook:latest" {
		t.Fatalf("env mismatch: %+v", env)
	}
	if env.Conda == nil || env.Conda.Channels[0] != "conda-forge" {
		t.Fatalf("conda channels lost: %+v", env.Conda)
	}
	wantDeps := []string{"python=3.8", "coiled=0.0.37", "dask=2021.3.0"}
	for i, d := range wantDeps {
		if env.Conda.Dependencies[i] != d {
			t.Fatalf("dependency order lost at %d: %s", i, env.Conda.Dependencies[i])
		}
	}
	job := m.Jobs[0]
	if job.Software != env.Name {
		t.Fatalf("job software mismatch: %s", job.Software)
	}
	if job.Ports[0] != 8888 {
		t.Fatalf("port mismatch: %v", job.Ports)
	}
}

func TestValidateRejectsEmptyJobCommand(t *testing.T) {
	bad := strings.Replace(quickstartManifest, `command: ["/bin/bash", "run.sh"]`, "command: []", 1)
	path := writeManifest(t, bad)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "command") {
		t.Fatalf("expected command validation error, got %v", err)
	}
}

func TestValidateRejectsDuplicateJobNames(t *testing.T) {
	dup := quickstartManifest + `  - name: examples/quickstart
    software: examples/quickstart-notebook
    command: ["/bin/bash", "run.sh"]
`
	path := writeManifest(t, dup)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestValidateRejectsEmptyManifest(t *testing.T) {
	path := writeManifest(t, "environments: []\njobs: []\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty manifest")
	}
}

func TestResolveFilesInline(t *testing.T) {
	path := writeManifest(t, quickstartManifest)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	files, err := m.ResolveFiles(m.Jobs[0], 1<<20)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	f := files[0]
	if f.Path != "run.sh" || len(f.Content) == 0 {
		t.Fatalf("expected inlined run.sh, got %+v", f.Path)
	}
	sum := sha256.Sum256(f.Content)
	if f.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch")
	}
	if f.Size != int64(len(f.Content)) {
		t.Fatalf("size mismatch: %d vs %d", f.Size, len(f.Content))
	}
}

func TestResolveFilesOverLimitKeepsMetadataOnly(t *testing.T) {
	path := writeManifest(t, quickstartManifest)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	files, err := m.ResolveFiles(m.Jobs[0], 4) // run.sh is bigger than 4 bytes
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if files[0].Content != nil {
		t.Fatalf("expected metadata-only payload over the inline limit")
	}
	if files[0].SHA256 == "" || files[0].Size == 0 {
		t.Fatalf("metadata missing: %+v", files[0])
	}
}

func TestResolveFilesMissingFile(t *testing.T) {
	path := writeManifest(t, quickstartManifest)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	job := api.JobSpec{Name: "j", Software: "e", Command: []string{"true"}, Files: []string{"missing.ipynb"}}
	if _, err := m.ResolveFiles(job, 0); err == nil {
		t.Fatalf("expected error for missing attached file")
	}
}
