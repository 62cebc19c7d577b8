package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Transfer.Method != "cca" || cfg.Transfer.Dims != 30 {
		t.Errorf("transfer defaults = %q/%d", cfg.Transfer.Method, cfg.Transfer.Dims)
	}
	if cfg.Jobs.MaxConcurrent != 1 {
		t.Errorf("default max_concurrent = %d, want 1", cfg.Jobs.MaxConcurrent)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	content := `
server:
  port: 9090
data:
  datasets:
    mouse_v1:
      reference_path: ./ref.tsv
      reference_obs_path: ./ref_obs.tsv
      query_path: ./query.tsv
      query_obs_path: ./query_obs.tsv
transfer:
  dims: 20
`
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Transfer.Dims != 20 {
		t.Errorf("dims = %d, want 20", cfg.Transfer.Dims)
	}
	// Unset fields fall back to defaults.
	if cfg.Transfer.KAnchor != 25 {
		t.Errorf("k_anchor = %d, want default 25", cfg.Transfer.KAnchor)
	}
	if cfg.Transfer.MinDetectedFrac != 0.01 {
		t.Errorf("min_detected_frac = %v, want default 0.01", cfg.Transfer.MinDetectedFrac)
	}
	// With no default_dataset, the single dataset becomes the default.
	if cfg.Data.DefaultDataset != "mouse_v1" {
		t.Errorf("default_dataset = %q, want mouse_v1", cfg.Data.DefaultDataset)
	}
}

func TestLoadRejectsIncompleteDataset(t *testing.T) {
	content := `
data:
  datasets:
    broken:
      query_path: ./query.tsv
`
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for dataset without reference paths")
	}
}

func TestLoadRejectsUnknownDefaultDataset(t *testing.T) {
	content := `
data:
  default_dataset: missing
  datasets:
    present:
      reference_path: ./r.tsv
      reference_obs_path: ./ro.tsv
      query_path: ./q.tsv
`
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown default_dataset")
	}
}

func TestDatasetIDsSorted(t *testing.T) {
	d := DataConfig{Datasets: map[string]PairConfig{
		"zeta": {}, "alpha": {}, "mid": {},
	}}
	ids := d.DatasetIDs()
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}
