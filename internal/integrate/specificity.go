package integrate

import (
	"math"
	"runtime"
	"sort"
	"sync"
)

const betaEps = 1e-10

// PropTable holds per-cluster detection proportions and mean expression for
// each gene in a GeneSet. Clusters with zero cells contribute proportion 0
// and mean 0, so downstream scores stay defined.
type PropTable struct {
	Genes    []string
	Clusters []string
	Props    [][]float64 // genes x clusters, detection proportion in [0,1]
	Means    [][]float64 // genes x clusters, mean expression
}

// ClusterIndex returns the column index of a cluster label.
func (pt *PropTable) ClusterIndex(label string) (int, bool) {
	for i, c := range pt.Clusters {
		if c == label {
			return i, true
		}
	}
	return -1, false
}

// DetectionProportions computes the genes-by-clusters proportion and mean
// matrices for a labeled dataset over a GeneSet. Cluster order is sorted for
// determinism; unlabeled cells are ignored.
func DetectionProportions(d *Dataset, gs *GeneSet, threshold float64) *PropTable {
	cols := clusterColumns(d)
	clusters := make([]string, 0, len(cols))
	for label := range cols {
		clusters = append(clusters, label)
	}
	sort.Strings(clusters)

	pt := &PropTable{
		Genes:    gs.Genes,
		Clusters: clusters,
		Props:    make([][]float64, gs.Len()),
		Means:    make([][]float64, gs.Len()),
	}

	parallelFor(gs.Len(), func(i int) {
		gene := gs.Genes[i]
		props := make([]float64, len(clusters))
		means := make([]float64, len(clusters))
		gi, ok := d.Expr.GeneIndex(gene)
		if ok {
			row := d.Expr.Row(gi)
			for c, label := range clusters {
				idx := cols[label]
				if len(idx) == 0 {
					continue
				}
				detected := 0
				sum := 0.0
				for _, j := range idx {
					v := row[j]
					if v > threshold {
						detected++
					}
					sum += v
				}
				props[c] = float64(detected) / float64(len(idx))
				means[c] = sum / float64(len(idx))
			}
		}
		pt.Props[i] = props
		pt.Means[i] = means
	})

	return pt
}

// GeneScore is one gene's specificity statistic. Cluster is the cluster with
// the maximal detection proportion (first in sorted order on ties).
type GeneScore struct {
	Gene     string
	Score    float64
	Variance float64
	Cluster  string
}

// ScoreSpecificity computes the beta specificity score for every gene in the
// table: the sum of squared pairwise differences of the per-cluster
// proportion vector, normalized by the sum of absolute pairwise differences.
// The score lies in [0,1]: 0 for a vector constant across clusters, ~1 for a
// gene detected in exactly one cluster. Raw variance is carried as the
// tiebreak key. Scores are never NaN.
func ScoreSpecificity(pt *PropTable) []GeneScore {
	scores := make([]GeneScore, len(pt.Genes))
	parallelFor(len(pt.Genes), func(i int) {
		props := pt.Props[i]
		score, variance := betaScore(props)
		scores[i] = GeneScore{
			Gene:     pt.Genes[i],
			Score:    score,
			Variance: variance,
			Cluster:  argmaxCluster(props, pt.Clusters),
		}
	})
	return scores
}

// betaScore returns the specificity statistic and the raw variance of a
// proportion vector. Both are 0 for vectors with fewer than two entries.
func betaScore(props []float64) (score, variance float64) {
	k := len(props)
	if k < 2 {
		return 0, 0
	}

	sumSq, sumAbs := 0.0, 0.0
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			d := props[i] - props[j]
			sumSq += d * d
			sumAbs += math.Abs(d)
		}
	}
	score = sumSq / (sumAbs + betaEps)

	m := mean(props)
	for _, p := range props {
		variance += (p - m) * (p - m)
	}
	variance /= float64(k)
	return score, variance
}

func argmaxCluster(props []float64, clusters []string) string {
	if len(clusters) == 0 {
		return ""
	}
	best := 0
	for i := 1; i < len(props); i++ {
		if props[i] > props[best] {
			best = i
		}
	}
	return clusters[best]
}

// TopGenes returns the n highest-scoring genes, ordered by score descending
// with variance then gene id as tiebreaks.
func TopGenes(scores []GeneScore, n int) []string {
	ranked := make([]GeneScore, len(scores))
	copy(ranked, scores)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Variance != ranked[j].Variance {
			return ranked[i].Variance > ranked[j].Variance
		}
		return ranked[i].Gene < ranked[j].Gene
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	genes := make([]string, n)
	for i := 0; i < n; i++ {
		genes[i] = ranked[i].Gene
	}
	return genes
}

// parallelFor runs fn(i) for i in [0,n) sharded across NumCPU workers.
// fn must only write to its own index's slot; no locking is performed.
func parallelFor(n int, fn func(i int)) {
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= n {
			break
		}
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}
