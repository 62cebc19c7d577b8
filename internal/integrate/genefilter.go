package integrate

import (
	"fmt"
	"math"
	"sort"
)

// FilterGenes derives the run's GeneSet: genes present in both datasets that
// pass the exclusion list, the non-target (glial/contaminant) median check,
// the cross-platform mean balance check, and the minimum detection fraction
// in BOTH datasets. Deterministic given identical inputs. Returns
// ErrEmptyGeneSet if fewer than p.MinGenes genes survive.
//
// nonTarget names the reference clusters treated as contamination sources;
// the median check rejects genes whose strongest non-target cluster median
// exceeds their strongest target cluster median.
func FilterGenes(ref, query *Dataset, exclude map[string]bool, nonTarget map[string]bool, p Params) (*GeneSet, error) {
	refCols := clusterColumns(ref)

	var kept []string
	for gi, gene := range ref.Expr.Genes {
		if exclude[gene] {
			continue
		}
		qi, ok := query.Expr.GeneIndex(gene)
		if !ok {
			continue
		}
		refRow := ref.Expr.Row(gi)
		queryRow := query.Expr.Row(qi)

		if detectedFraction(refRow, p.DetectionThreshold) < p.MinDetectedFrac {
			continue
		}
		if detectedFraction(queryRow, p.DetectionThreshold) < p.MinDetectedFrac {
			continue
		}
		if math.Abs(mean(refRow)-mean(queryRow)) >= p.PlatformLog2Gap {
			continue
		}
		if len(nonTarget) > 0 && !passesContaminantCheck(refRow, refCols, nonTarget) {
			continue
		}
		kept = append(kept, gene)
	}

	if len(kept) < p.MinGenes {
		return nil, fmt.Errorf("%w: %d genes passed, need at least %d", ErrEmptyGeneSet, len(kept), p.MinGenes)
	}
	return NewGeneSet(kept), nil
}

// clusterColumns groups a dataset's column indices by cluster label.
// Unlabeled cells are skipped.
func clusterColumns(d *Dataset) map[string][]int {
	cols := make(map[string][]int)
	for j := range d.Expr.Cells {
		label := d.CellLabel(j)
		if label == "" {
			continue
		}
		cols[label] = append(cols[label], j)
	}
	return cols
}

// passesContaminantCheck keeps a gene only if its maximum per-cluster median
// over target clusters is at least its maximum over non-target clusters.
func passesContaminantCheck(row []float64, cols map[string][]int, nonTarget map[string]bool) bool {
	maxTarget := math.Inf(-1)
	maxNonTarget := math.Inf(-1)
	for label, idx := range cols {
		m := medianAt(row, idx)
		if nonTarget[label] {
			if m > maxNonTarget {
				maxNonTarget = m
			}
		} else {
			if m > maxTarget {
				maxTarget = m
			}
		}
	}
	if math.IsInf(maxNonTarget, -1) {
		return true
	}
	if math.IsInf(maxTarget, -1) {
		return false
	}
	return maxTarget >= maxNonTarget
}

func detectedFraction(row []float64, threshold float64) float64 {
	if len(row) == 0 {
		return 0
	}
	n := 0
	for _, v := range row {
		if v > threshold {
			n++
		}
	}
	return float64(n) / float64(len(row))
}

func mean(row []float64) float64 {
	if len(row) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range row {
		sum += v
	}
	return sum / float64(len(row))
}

func medianAt(row []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	vals := make([]float64, len(idx))
	for i, j := range idx {
		vals[i] = row[j]
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}
