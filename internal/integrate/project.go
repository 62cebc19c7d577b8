package integrate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Project computes a shared d-dimensional embedding for every cell in both
// datasets, restricted to the given candidate genes (normally the top-N by
// specificity score). Method "cca" maximizes correlation between the two
// datasets' projections via an SVD of the cross-product of per-gene
// standardized matrices; method "pca" decomposes the merged centered matrix.
// The decomposition is deterministic given identical inputs.
func Project(ref, query *Dataset, genes []string, p Params) (*Embedding, error) {
	nRef := ref.Expr.NCells()
	nQuery := query.Expr.NCells()
	maxDims := minInt(minInt(nRef, nQuery), len(genes)) - 1
	if p.Dims > maxDims {
		return nil, fmt.Errorf("%w: requested %d dims, max usable is %d (%d ref cells, %d query cells, %d genes)",
			ErrDimensionality, p.Dims, maxDims, nRef, nQuery, len(genes))
	}
	if p.Dims < 1 {
		return nil, fmt.Errorf("%w: requested %d dims", ErrDimensionality, p.Dims)
	}

	switch p.Method {
	case "", "cca":
		return projectCCA(ref, query, genes, p.Dims)
	case "pca":
		return projectPCA(ref, query, genes, p.Dims)
	default:
		return nil, fmt.Errorf("unknown projection method %q", p.Method)
	}
}

// projectCCA runs the canonical-correlation-style step: per-gene
// standardization within each dataset, SVD of the cells_ref x cells_query
// cross-product, canonical coordinates from the singular vectors scaled by
// the root singular values, then per-cell L2 normalization so distances are
// comparable across datasets.
func projectCCA(ref, query *Dataset, genes []string, dims int) (*Embedding, error) {
	xr := cellsByGenes(ref, genes, true)
	xq := cellsByGenes(query, genes, true)

	var k mat.Dense
	k.Mul(xr, xq.T())

	var svd mat.SVD
	if ok := svd.Factorize(&k, mat.SVDThin); !ok {
		return nil, fmt.Errorf("svd of cross-product failed to converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	emb := &Embedding{
		Ref:   scaledCoords(&u, values, dims),
		Query: scaledCoords(&v, values, dims),
		Dims:  dims,
	}
	l2Normalize(emb.Ref)
	l2Normalize(emb.Query)
	return emb, nil
}

// projectPCA decomposes the merged per-gene centered matrix and projects
// both datasets onto the leading components.
func projectPCA(ref, query *Dataset, genes []string, dims int) (*Embedding, error) {
	xr := cellsByGenes(ref, genes, false)
	xq := cellsByGenes(query, genes, false)
	nRef, g := xr.Dims()
	nQuery, _ := xq.Dims()

	merged := mat.NewDense(nRef+nQuery, g, nil)
	merged.Stack(xr, xq)
	centerColumns(merged)

	var svd mat.SVD
	if ok := svd.Factorize(merged, mat.SVDThin); !ok {
		return nil, fmt.Errorf("svd of merged matrix failed to converge")
	}
	var u mat.Dense
	svd.UTo(&u)
	values := svd.Values(nil)

	scores := scaledCoords(&u, values, dims)
	return &Embedding{
		Ref:   scores[:nRef],
		Query: scores[nRef:],
		Dims:  dims,
	}, nil
}

// cellsByGenes builds a cells x genes dense matrix for the dataset restricted
// to the given genes. With standardize, each gene column is centered and
// scaled to unit variance within the dataset (zero-variance genes become
// zero columns).
func cellsByGenes(d *Dataset, genes []string, standardize bool) *mat.Dense {
	n := d.Expr.NCells()
	out := mat.NewDense(n, len(genes), nil)
	for c, gene := range genes {
		gi, ok := d.Expr.GeneIndex(gene)
		if !ok {
			continue
		}
		row := d.Expr.Row(gi)
		m := mean(row)
		if standardize {
			sd := 0.0
			for _, v := range row {
				sd += (v - m) * (v - m)
			}
			sd = math.Sqrt(sd / float64(n))
			if sd < 1e-12 {
				continue
			}
			for j, v := range row {
				out.Set(j, c, (v-m)/sd)
			}
		} else {
			for j, v := range row {
				out.Set(j, c, v)
			}
		}
	}
	return out
}

func centerColumns(m *mat.Dense) {
	rows, cols := m.Dims()
	for c := 0; c < cols; c++ {
		sum := 0.0
		for r := 0; r < rows; r++ {
			sum += m.At(r, c)
		}
		avg := sum / float64(rows)
		for r := 0; r < rows; r++ {
			m.Set(r, c, m.At(r, c)-avg)
		}
	}
}

// scaledCoords extracts the leading dims columns of the singular-vector
// matrix, scaled by the root of the corresponding singular value.
func scaledCoords(u *mat.Dense, values []float64, dims int) [][]float64 {
	rows, cols := u.Dims()
	if dims > cols {
		dims = cols
	}
	out := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		vec := make([]float64, dims)
		for c := 0; c < dims; c++ {
			vec[c] = u.At(r, c) * math.Sqrt(values[c])
		}
		out[r] = vec
	}
	return out
}

func l2Normalize(vecs [][]float64) {
	for _, v := range vecs {
		norm := 0.0
		for _, x := range v {
			norm += x * x
		}
		norm = math.Sqrt(norm)
		if norm < 1e-12 {
			continue
		}
		for i := range v {
			v[i] /= norm
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
