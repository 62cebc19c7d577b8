// Package integrate maps query cells onto a reference cell-type taxonomy.
// It finds a shared low-dimensional embedding for two expression datasets,
// identifies mutual-nearest-neighbor anchor pairs between them, transfers
// reference labels through the weighted anchor graph, and scores marker
// genes for specificity and cross-dataset consistency.
package integrate

import (
	"errors"

	"github.com/patchmap/server/internal/data/matrix"
)

// ErrEmptyGeneSet is returned when gene filtering leaves too few usable
// genes for projection to be meaningful.
var ErrEmptyGeneSet = errors.New("gene set too small after filtering")

// ErrDimensionality is returned when the requested embedding dimensionality
// exceeds the available rank.
var ErrDimensionality = errors.New("embedding dimensionality exceeds available rank")

// Dataset is a named expression matrix plus per-cell annotations. Labels is
// empty for a query dataset awaiting prediction.
type Dataset struct {
	Name     string
	Platform string
	Expr     *matrix.Matrix
	Labels   map[string]string // cell id -> cluster label
}

// CellLabel returns the label of the cell at column j, or "" if unlabeled.
func (d *Dataset) CellLabel(j int) string {
	return d.Labels[d.Expr.Cells[j]]
}

// Params holds every tunable of the mapping pipeline. Thread one Params
// value through all component calls; there is no ambient state.
type Params struct {
	Method   string // "cca" (default) or "pca"
	Dims     int    // shared embedding dimensionality
	TopGenes int    // projection uses the top-N genes by specificity

	KAnchor int // mutual nearest neighbors for anchor search
	KFilter int // shared neighbors for anchor weighting
	KWeight int // anchors consulted per query cell during transfer

	DetectionThreshold float64 // expression above this counts as detected
	MinDetectedFrac    float64 // required detection fraction in both datasets
	PlatformLog2Gap    float64 // max allowed |mean_ref - mean_query| (log2 units)
	MinGenes           int     // below this, gene filtering is fatal

	MaxAnchorDist float64 // anchors farther than this cast no vote; 0 disables

	MarkerDominance   float64 // min detection proportion in the assigned cluster
	MarkerConsistency float64 // min cross-dataset Pearson r of cluster means
	MarkersPerCluster int     // cap per cluster in the final marker list

	Seed int64 // recorded with outputs for reproducibility
}

// DefaultParams returns the default pipeline configuration.
func DefaultParams() Params {
	return Params{
		Method:             "cca",
		Dims:               30,
		TopGenes:           2000,
		KAnchor:            25,
		KFilter:            30,
		KWeight:            50,
		DetectionThreshold: 0,
		MinDetectedFrac:    0.01,
		PlatformLog2Gap:    2,
		MinGenes:           50,
		MarkerDominance:    0.3,
		MarkerConsistency:  0.75,
		MarkersPerCluster:  5,
	}
}

// GeneSet is the ordered set of gene identifiers usable by all downstream
// components, derived once per run.
type GeneSet struct {
	Genes []string
	index map[string]int
}

// NewGeneSet builds a GeneSet preserving order and dropping duplicates.
func NewGeneSet(genes []string) *GeneSet {
	gs := &GeneSet{index: make(map[string]int, len(genes))}
	for _, g := range genes {
		if _, dup := gs.index[g]; dup {
			continue
		}
		gs.index[g] = len(gs.Genes)
		gs.Genes = append(gs.Genes, g)
	}
	return gs
}

// Contains reports whether the gene is in the set.
func (gs *GeneSet) Contains(gene string) bool {
	_, ok := gs.index[gene]
	return ok
}

// Len returns the number of genes in the set.
func (gs *GeneSet) Len() int { return len(gs.Genes) }

// Anchor is a correspondence between one reference cell and one query cell
// (indices into the respective embeddings). Score is the initial mutual-rank
// reliability; Weight is the shared-neighbor corroboration in [0,1].
type Anchor struct {
	Ref    int
	Query  int
	Score  float64
	Weight float64
}

// Embedding holds both datasets' cells in one shared coordinate frame.
// Row order follows each dataset's Expr.Cells order.
type Embedding struct {
	Ref   [][]float64
	Query [][]float64
	Dims  int
}

// Prediction is the transfer result for one query cell. Confidence is the
// predicted label's normalized vote share in [0,1]. Fallback marks cells
// predicted by the no-anchor fallback policy (confidence 0).
type Prediction struct {
	Cell       string
	Label      string
	Confidence float64
	Fallback   bool
	Coords     []float64 // transferred continuous features, if requested
}
