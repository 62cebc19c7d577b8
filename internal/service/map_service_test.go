package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/patchmap/server/internal/config"
	"github.com/patchmap/server/internal/data/matrix"
	"github.com/patchmap/server/internal/integrate"
	"github.com/patchmap/server/internal/jobstore"
)

// servicePair builds a small two-cluster pair with deterministic expression:
// Pvalb cells express g0-g3, Sst cells express g4-g7.
func servicePair(t *testing.T) *DatasetPair {
	t.Helper()

	genes := make([]string, 8)
	for i := range genes {
		genes[i] = fmt.Sprintf("g%d", i)
	}

	build := func(prefix string, n int) ([]string, [][]float64, map[string]string) {
		cells := make([]string, n)
		labels := make(map[string]string, n)
		values := make([][]float64, len(genes))
		for i := range values {
			values[i] = make([]float64, n)
		}
		for j := 0; j < n; j++ {
			cells[j] = fmt.Sprintf("%s%d", prefix, j)
			label, lo, hi := "Pvalb", 0, 4
			if j >= n/2 {
				label, lo, hi = "Sst", 4, 8
			}
			labels[cells[j]] = label
			for i := lo; i < hi; i++ {
				values[i][j] = 5 + 0.2*float64(j%3)
			}
		}
		return cells, values, labels
	}

	refCells, refValues, refLabels := build("r", 12)
	refExpr, err := matrix.New(genes, refCells, refValues)
	if err != nil {
		t.Fatalf("reference matrix: %v", err)
	}
	queryCells, queryValues, _ := build("q", 6)
	queryExpr, err := matrix.New(genes, queryCells, queryValues)
	if err != nil {
		t.Fatalf("query matrix: %v", err)
	}

	coords := make(map[string][]float64, len(refCells))
	for _, c := range refCells {
		if refLabels[c] == "Pvalb" {
			coords[c] = []float64{0, 0}
		} else {
			coords[c] = []float64{10, 10}
		}
	}

	p := integrate.DefaultParams()
	p.Dims = 2
	p.TopGenes = 8
	p.KAnchor = 3
	p.KFilter = 3
	p.KWeight = 5
	p.MinGenes = 2
	p.MarkerConsistency = 0.5
	p.MarkersPerCluster = 2

	return &DatasetPair{
		ID: "test",
		Reference: &integrate.Dataset{
			Name:   "test/reference",
			Expr:   refExpr,
			Labels: refLabels,
		},
		Query: &integrate.Dataset{
			Name: "test/query",
			Expr: queryExpr,
		},
		Exclude:   map[string]bool{},
		NonTarget: map[string]bool{},
		RefCoords: coords,
		Defaults:  p,
	}
}

func serviceStore(t *testing.T) *jobstore.Store {
	t.Helper()
	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestExecuteMapJob(t *testing.T) {
	pair := servicePair(t)
	store := serviceStore(t)
	svc := NewMapService(map[string]*DatasetPair{"test": pair})

	job := &jobstore.MapJob{
		ID:        "run1",
		DatasetID: "test",
		Status:    jobstore.JobStatusQueued,
		Params:    jobstore.MapJobParams{DatasetID: "test", Coords: true},
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := svc.ExecuteMapJob(context.Background(), store, "run1"); err != nil {
		t.Fatalf("ExecuteMapJob failed: %v", err)
	}

	rows, total, err := store.QueryPredictions("run1", 0, 0, 100)
	if err != nil {
		t.Fatalf("QueryPredictions failed: %v", err)
	}
	if total != pair.Query.Expr.NCells() {
		t.Fatalf("predicted %d cells, want %d", total, pair.Query.Expr.NCells())
	}
	for _, row := range rows {
		want := "Pvalb"
		var cellIdx int
		fmt.Sscanf(row.Cell, "q%d", &cellIdx)
		if cellIdx >= pair.Query.Expr.NCells()/2 {
			want = "Sst"
		}
		if row.Label != want {
			t.Errorf("cell %s predicted %q, want %q", row.Cell, row.Label, want)
		}
		if !row.HasCoords {
			t.Errorf("cell %s missing transferred coords", row.Cell)
			continue
		}
		// Coordinates must land near the correct cluster centroid.
		wantXY := 0.0
		if want == "Sst" {
			wantXY = 10.0
		}
		if row.X < wantXY-1 || row.X > wantXY+1 || row.Y < wantXY-1 || row.Y > wantXY+1 {
			t.Errorf("cell %s coords (%g, %g), want near (%g, %g)", row.Cell, row.X, row.Y, wantXY, wantXY)
		}
	}

	markers, err := store.QueryMarkers("run1")
	if err != nil {
		t.Fatalf("QueryMarkers failed: %v", err)
	}
	if len(markers) == 0 {
		t.Fatal("no markers selected")
	}
	blockFor := map[string][2]int{"Pvalb": {0, 4}, "Sst": {4, 8}}
	for _, m := range markers {
		var gi int
		fmt.Sscanf(m.Gene, "g%d", &gi)
		block := blockFor[m.Cluster]
		if gi < block[0] || gi >= block[1] {
			t.Errorf("marker %s assigned to %s, outside its expression block", m.Gene, m.Cluster)
		}
	}

	stored, err := store.GetJob("run1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if stored.NGenes != 8 {
		t.Errorf("n_genes = %d, want 8", stored.NGenes)
	}
	if stored.NAnchors == 0 {
		t.Error("n_anchors = 0, expected anchors between matching clusters")
	}
	if stored.Progress.Phase != PhaseSavingResults || stored.Progress.Done != totalPhases {
		t.Errorf("final progress = %+v", stored.Progress)
	}
}

func TestExecuteMapJobUnknownDataset(t *testing.T) {
	store := serviceStore(t)
	svc := NewMapService(map[string]*DatasetPair{})

	job := &jobstore.MapJob{
		ID:        "run1",
		DatasetID: "nope",
		Status:    jobstore.JobStatusQueued,
		Params:    jobstore.MapJobParams{DatasetID: "nope"},
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := svc.ExecuteMapJob(context.Background(), store, "run1"); err == nil {
		t.Fatal("expected error for unknown dataset")
	}
}

func TestExecuteMapJobCancelled(t *testing.T) {
	pair := servicePair(t)
	store := serviceStore(t)
	svc := NewMapService(map[string]*DatasetPair{"test": pair})

	job := &jobstore.MapJob{
		ID:        "run1",
		DatasetID: "test",
		Status:    jobstore.JobStatusQueued,
		Params:    jobstore.MapJobParams{DatasetID: "test"},
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.ExecuteMapJob(ctx, store, "run1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// Nothing should have been persisted for the cancelled run.
	_, total, err := store.QueryPredictions("run1", 0, 0, 10)
	if err != nil {
		t.Fatalf("QueryPredictions failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("predictions persisted for cancelled job: %d", total)
	}
}

func TestMergeParams(t *testing.T) {
	base := integrate.DefaultParams()
	merged := mergeParams(base, jobstore.MapJobParams{Method: "pca", Dims: 10, Seed: 99})
	if merged.Method != "pca" || merged.Dims != 10 || merged.Seed != 99 {
		t.Errorf("overrides not applied: %+v", merged)
	}
	if merged.KAnchor != base.KAnchor || merged.TopGenes != base.TopGenes {
		t.Errorf("unset fields changed: %+v", merged)
	}
}

func TestParamsFromConfigDefaults(t *testing.T) {
	got := ParamsFromConfig(config.TransferConfig{})
	want := integrate.DefaultParams()
	if got != want {
		t.Errorf("zero config changed defaults:\ngot  %+v\nwant %+v", got, want)
	}
}
