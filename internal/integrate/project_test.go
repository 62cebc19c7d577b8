package integrate

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

// projectFixture builds two small datasets with matched two-cluster
// structure over the given genes.
func projectFixture(t *testing.T, nCells, nGenes int, seed int64) (*Dataset, *Dataset, []string) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	genes := make([]string, nGenes)
	for i := range genes {
		genes[i] = geneName(i)
	}

	build := func(name string, labeled bool) *Dataset {
		cells := make([]string, nCells)
		labels := make(map[string]string)
		values := make([][]float64, nGenes)
		for i := range values {
			values[i] = make([]float64, nCells)
		}
		for j := 0; j < nCells; j++ {
			cells[j] = name + "_c" + geneName(j)
			cluster := j % 2
			if labeled {
				labels[cells[j]] = []string{"A", "B"}[cluster]
			}
			for i := 0; i < nGenes; i++ {
				v := math.Abs(rng.NormFloat64() * 0.2)
				if i%2 == cluster {
					v += 3
				}
				values[i][j] = v
			}
		}
		m := mustMatrix(t, genes, cells, values)
		return &Dataset{Name: name, Expr: m, Labels: labels}
	}
	return build("ref", true), build("query", false), genes
}

func TestProjectShapes(t *testing.T) {
	ref, query, genes := projectFixture(t, 20, 10, 3)
	p := DefaultParams()
	p.Dims = 4

	for _, method := range []string{"cca", "pca"} {
		p.Method = method
		emb, err := Project(ref, query, genes, p)
		if err != nil {
			t.Fatalf("%s projection failed: %v", method, err)
		}
		if len(emb.Ref) != 20 || len(emb.Query) != 20 {
			t.Errorf("%s: embedding has %d/%d cells, want 20/20", method, len(emb.Ref), len(emb.Query))
		}
		for _, vec := range emb.Ref {
			if len(vec) != 4 {
				t.Fatalf("%s: embedding vector has %d dims, want 4", method, len(vec))
			}
			for _, v := range vec {
				if math.IsNaN(v) {
					t.Fatalf("%s: embedding contains NaN", method)
				}
			}
		}
	}
}

func TestProjectDimensionalityError(t *testing.T) {
	ref, query, genes := projectFixture(t, 10, 8, 5)
	p := DefaultParams()
	p.Dims = 9 // > min(10,10,8)-1

	_, err := Project(ref, query, genes, p)
	if !errors.Is(err, ErrDimensionality) {
		t.Fatalf("expected ErrDimensionality, got %v", err)
	}

	p.Dims = 0
	if _, err := Project(ref, query, genes, p); !errors.Is(err, ErrDimensionality) {
		t.Fatalf("expected ErrDimensionality for zero dims, got %v", err)
	}
}

func TestProjectUnknownMethod(t *testing.T) {
	ref, query, genes := projectFixture(t, 10, 8, 5)
	p := DefaultParams()
	p.Dims = 3
	p.Method = "tsne"
	if _, err := Project(ref, query, genes, p); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestProjectDeterministic(t *testing.T) {
	ref, query, genes := projectFixture(t, 16, 12, 9)
	p := DefaultParams()
	p.Dims = 5

	first, err := Project(ref, query, genes, p)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	second, err := Project(ref, query, genes, p)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	for i := range first.Ref {
		for d := range first.Ref[i] {
			if first.Ref[i][d] != second.Ref[i][d] {
				t.Fatalf("embedding differs between identical runs at cell %d dim %d", i, d)
			}
		}
	}
}

func TestProjectSeparatesClusters(t *testing.T) {
	// Cells of the same cluster must end up closer to each other (across
	// datasets) than cells of different clusters, otherwise anchor search
	// is hopeless.
	ref, query, genes := projectFixture(t, 30, 20, 21)
	p := DefaultParams()
	p.Dims = 5

	emb, err := Project(ref, query, genes, p)
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}

	same, cross := 0.0, 0.0
	nSame, nCross := 0, 0
	for i := range emb.Ref {
		for j := range emb.Query {
			d := euclidean(emb.Ref[i], emb.Query[j])
			if i%2 == j%2 {
				same += d
				nSame++
			} else {
				cross += d
				nCross++
			}
		}
	}
	if same/float64(nSame) >= cross/float64(nCross) {
		t.Errorf("same-cluster mean distance %v not below cross-cluster %v",
			same/float64(nSame), cross/float64(nCross))
	}
}
