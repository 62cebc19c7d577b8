package integrate

import (
	"testing"
)

func markerFixture() ([]GeneScore, *PropTable, *PropTable) {
	scores := []GeneScore{
		{Gene: "strong", Score: 0.95, Variance: 0.2, Cluster: "A"},
		{Gene: "weakdom", Score: 0.90, Variance: 0.2, Cluster: "A"},
		{Gene: "inconsistent", Score: 0.85, Variance: 0.2, Cluster: "B"},
		{Gene: "second", Score: 0.80, Variance: 0.1, Cluster: "B"},
		{Gene: "offtarget", Score: 0.75, Variance: 0.1, Cluster: "C"},
	}
	refPT := &PropTable{
		Genes:    []string{"strong", "weakdom", "inconsistent", "second", "offtarget"},
		Clusters: []string{"A", "B", "C"},
		Props: [][]float64{
			{0.9, 0.05, 0.05},
			{0.1, 0.05, 0.05}, // below dominance in its own cluster
			{0.05, 0.8, 0.05},
			{0.05, 0.7, 0.05},
			{0.05, 0.05, 0.9},
		},
		Means: [][]float64{
			{3, 0.2, 0.1},
			{0.5, 0.2, 0.1},
			{0.1, 2.5, 0.2},
			{0.2, 2.2, 0.1},
			{0.1, 0.2, 2.8},
		},
	}
	queryPT := &PropTable{
		Genes:    refPT.Genes,
		Clusters: refPT.Clusters,
		Props:    refPT.Props,
		Means: [][]float64{
			{2.8, 0.3, 0.2},
			{0.4, 0.3, 0.2},
			{2.4, 0.1, 0.2}, // flipped pattern: inconsistent across datasets
			{0.3, 2.0, 0.2},
			{0.2, 0.1, 2.5},
		},
	}
	return scores, refPT, queryPT
}

func TestSelectMarkersFilters(t *testing.T) {
	scores, refPT, queryPT := markerFixture()
	p := DefaultParams()

	markers := SelectMarkers(scores, refPT, queryPT, nil, nil, p)

	got := make(map[string]bool)
	for _, m := range markers {
		got[m.Gene] = true
	}
	if !got["strong"] || !got["second"] || !got["offtarget"] {
		t.Errorf("expected strong, second and offtarget selected, got %v", markers)
	}
	if got["weakdom"] {
		t.Errorf("gene below the dominance cutoff was selected")
	}
	if got["inconsistent"] {
		t.Errorf("gene with flipped cross-dataset pattern was selected")
	}

	for _, m := range markers {
		if m.Consistency < p.MarkerConsistency {
			t.Errorf("marker %s consistency %v below cutoff", m.Gene, m.Consistency)
		}
	}
}

func TestSelectMarkersTargetClusters(t *testing.T) {
	scores, refPT, queryPT := markerFixture()
	p := DefaultParams()

	markers := SelectMarkers(scores, refPT, queryPT, map[string]bool{"A": true}, nil, p)
	for _, m := range markers {
		if m.Cluster != "A" {
			t.Errorf("marker %s for non-target cluster %s selected", m.Gene, m.Cluster)
		}
	}
}

func TestSelectMarkersPerClusterCap(t *testing.T) {
	scores, refPT, queryPT := markerFixture()
	p := DefaultParams()
	p.MarkersPerCluster = 1

	markers := SelectMarkers(scores, refPT, queryPT, nil, nil, p)
	perCluster := make(map[string]int)
	for _, m := range markers {
		perCluster[m.Cluster]++
	}
	for cluster, n := range perCluster {
		if n > 1 {
			t.Errorf("cluster %s has %d markers, cap is 1", cluster, n)
		}
	}
}

func TestSelectMarkersMustInclude(t *testing.T) {
	scores, refPT, queryPT := markerFixture()
	p := DefaultParams()

	markers := SelectMarkers(scores, refPT, queryPT, nil, []string{"weakdom", "Canonical1"}, p)

	got := make(map[string]int)
	for _, m := range markers {
		got[m.Gene]++
	}
	if got["weakdom"] != 1 {
		t.Errorf("must-include gene weakdom missing or duplicated: %d", got["weakdom"])
	}
	if got["Canonical1"] != 1 {
		t.Errorf("must-include gene absent from scores must still appear once, got %d", got["Canonical1"])
	}
	for gene, n := range got {
		if n > 1 {
			t.Errorf("gene %s appears %d times; list must be deduplicated", gene, n)
		}
	}
}

func TestSelectMarkersIdempotent(t *testing.T) {
	scores, refPT, queryPT := markerFixture()
	p := DefaultParams()

	first := SelectMarkers(scores, refPT, queryPT, nil, nil, p)
	second := SelectMarkers(scores, refPT, queryPT, nil, nil, p)
	if len(first) != len(second) {
		t.Fatalf("marker count changed between runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("marker %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}
