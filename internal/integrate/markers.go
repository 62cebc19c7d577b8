package integrate

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Marker is one selected marker gene with its supporting statistics.
type Marker struct {
	Gene        string
	Cluster     string
	Score       float64
	Consistency float64 // cross-dataset Pearson r of per-cluster means
	Rank        int
}

// SelectMarkers produces the final deduplicated, ranked marker list. Genes
// are ranked by specificity score (variance tiebreak) and kept when their
// assigned cluster is a target cluster (all clusters when targets is empty),
// the assigned cluster's detection proportion reaches p.MarkerDominance, and
// the gene's per-cluster mean-expression vectors correlate (Pearson) at
// least p.MarkerConsistency between the two datasets over shared clusters.
// At most p.MarkersPerCluster genes are kept per cluster. mustInclude genes
// are appended afterwards regardless of filters, deduplicated.
func SelectMarkers(scores []GeneScore, refPT, queryPT *PropTable, targets map[string]bool, mustInclude []string, p Params) []Marker {
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

	refIdx := geneIndexOf(refPT)
	queryIdx := geneIndexOf(queryPT)
	shared := sharedClusters(refPT, queryPT)

	perCluster := make(map[string]int)
	seen := make(map[string]bool)
	var markers []Marker

	for _, gs := range ranked {
		if gs.Cluster == "" || seen[gs.Gene] {
			continue
		}
		if len(targets) > 0 && !targets[gs.Cluster] {
			continue
		}
		if p.MarkersPerCluster > 0 && perCluster[gs.Cluster] >= p.MarkersPerCluster {
			continue
		}
		ri, ok := refIdx[gs.Gene]
		if !ok {
			continue
		}
		ci, ok := refPT.ClusterIndex(gs.Cluster)
		if !ok || refPT.Props[ri][ci] < p.MarkerDominance {
			continue
		}
		r := crossDatasetConsistency(gs.Gene, refPT, queryPT, refIdx, queryIdx, shared)
		if r < p.MarkerConsistency {
			continue
		}
		seen[gs.Gene] = true
		perCluster[gs.Cluster]++
		markers = append(markers, Marker{
			Gene:        gs.Gene,
			Cluster:     gs.Cluster,
			Score:       gs.Score,
			Consistency: r,
		})
	}

	byGene := make(map[string]GeneScore, len(scores))
	for _, gs := range scores {
		byGene[gs.Gene] = gs
	}
	for _, gene := range mustInclude {
		if seen[gene] {
			continue
		}
		seen[gene] = true
		m := Marker{Gene: gene}
		if gs, ok := byGene[gene]; ok {
			m.Cluster = gs.Cluster
			m.Score = gs.Score
			m.Consistency = crossDatasetConsistency(gene, refPT, queryPT, refIdx, queryIdx, shared)
		}
		markers = append(markers, m)
	}

	for i := range markers {
		markers[i].Rank = i + 1
	}
	return markers
}

// crossDatasetConsistency computes the Pearson correlation of a gene's
// per-cluster mean-expression vectors between the two datasets over their
// shared clusters. Fewer than two shared clusters, or a gene missing from
// either table, yields -1 (never passes the consistency cutoff).
func crossDatasetConsistency(gene string, refPT, queryPT *PropTable, refIdx, queryIdx map[string]int, shared [][2]int) float64 {
	ri, okR := refIdx[gene]
	qi, okQ := queryIdx[gene]
	if !okR || !okQ || len(shared) < 2 {
		return -1
	}
	x := make([]float64, len(shared))
	y := make([]float64, len(shared))
	for i, pair := range shared {
		x[i] = refPT.Means[ri][pair[0]]
		y[i] = queryPT.Means[qi][pair[1]]
	}
	r := stat.Correlation(x, y, nil)
	if r != r { // NaN: a constant vector on either side
		return -1
	}
	return r
}

func geneIndexOf(pt *PropTable) map[string]int {
	idx := make(map[string]int, len(pt.Genes))
	for i, g := range pt.Genes {
		idx[g] = i
	}
	return idx
}

// sharedClusters pairs up cluster column indices present in both tables.
func sharedClusters(refPT, queryPT *PropTable) [][2]int {
	var shared [][2]int
	for i, c := range refPT.Clusters {
		if j, ok := queryPT.ClusterIndex(c); ok {
			shared = append(shared, [2]int{i, j})
		}
	}
	return shared
}
