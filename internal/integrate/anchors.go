package integrate

import (
	"math"
	"sort"
)

// FindAnchors finds mutual-nearest-neighbor cell pairs between the reference
// and query embeddings. A pair (r, q) is an anchor iff r is among q's k
// nearest reference cells AND q is among r's k nearest query cells; the
// bidirectionality rejects one-sided matches caused by density imbalance.
// The initial score is 1 - max(rank_r, rank_q)/k, so tighter mutual ranks
// score higher. Output is sorted by (Ref, Query) for determinism.
//
// An empty result is not an error: callers must degrade to a fallback
// prediction policy and surface the condition as a warning.
func FindAnchors(emb *Embedding, k int) []Anchor {
	if len(emb.Ref) == 0 || len(emb.Query) == 0 || k < 1 {
		return nil
	}
	if k > len(emb.Ref) {
		k = len(emb.Ref)
	}
	if k > len(emb.Query) {
		k = len(emb.Query)
	}

	queryToRef := nearestNeighbors(emb.Query, emb.Ref, k, -1)
	refToQuery := nearestNeighbors(emb.Ref, emb.Query, k, -1)

	// rank of query q within ref r's neighbor list, for mutuality checks
	refRank := make([]map[int]int, len(refToQuery))
	for r, nbrs := range refToQuery {
		m := make(map[int]int, len(nbrs))
		for rank, q := range nbrs {
			m[q] = rank
		}
		refRank[r] = m
	}

	var anchors []Anchor
	for q, nbrs := range queryToRef {
		for rankQ, r := range nbrs {
			rankR, mutual := refRank[r][q]
			if !mutual {
				continue
			}
			worst := rankQ
			if rankR > worst {
				worst = rankR
			}
			anchors = append(anchors, Anchor{
				Ref:   r,
				Query: q,
				Score: 1 - float64(worst)/float64(k),
			})
		}
	}

	sort.Slice(anchors, func(i, j int) bool {
		if anchors[i].Ref != anchors[j].Ref {
			return anchors[i].Ref < anchors[j].Ref
		}
		return anchors[i].Query < anchors[j].Query
	})
	return anchors
}

// WeightAnchors annotates each anchor with a local-consistency weight in
// [0,1]. For anchor (r, q), q's kFilter nearest query neighbors are mapped
// through their own anchors to reference cells; the weight is the Jaccard
// overlap between that mapped set and r's kFilter nearest reference
// neighbors. Idiosyncratic anchors with no corroborating neighborhood get 0;
// anchors whose neighborhoods fully agree get 1. Soft weighting: no anchor
// is discarded.
func WeightAnchors(anchors []Anchor, emb *Embedding, kFilter int) []Anchor {
	if len(anchors) == 0 {
		return anchors
	}
	if kFilter > len(emb.Query)-1 {
		kFilter = len(emb.Query) - 1
	}
	if kFilter > len(emb.Ref)-1 {
		kFilter = len(emb.Ref) - 1
	}
	if kFilter < 1 {
		out := make([]Anchor, len(anchors))
		copy(out, anchors)
		return out
	}

	partners := make(map[int][]int) // query cell -> anchored reference cells
	for _, a := range anchors {
		partners[a.Query] = append(partners[a.Query], a.Ref)
	}

	queryNN := nearestNeighbors(emb.Query, emb.Query, kFilter, 1)
	refNN := nearestNeighbors(emb.Ref, emb.Ref, kFilter, 1)

	out := make([]Anchor, len(anchors))
	parallelFor(len(anchors), func(i int) {
		a := anchors[i]

		mapped := make(map[int]bool)
		for _, qn := range queryNN[a.Query] {
			for _, r := range partners[qn] {
				mapped[r] = true
			}
		}

		refSet := make(map[int]bool, kFilter)
		for _, rn := range refNN[a.Ref] {
			refSet[rn] = true
		}

		inter, union := 0, len(refSet)
		for r := range mapped {
			if refSet[r] {
				inter++
			} else {
				union++
			}
		}

		a.Weight = 0
		if union > 0 {
			a.Weight = clamp01(float64(inter) / float64(union))
		}
		out[i] = a
	})
	return out
}

// nearestNeighbors returns, for each point in from, the indices of its k
// nearest points in to by Euclidean distance, nearest first. selfOffset
// skips that many leading neighbors (1 drops the point itself when from and
// to are the same set, -1 keeps everything). Parallel across points.
func nearestNeighbors(from, to [][]float64, k int, selfOffset int) [][]int {
	skip := 0
	if selfOffset > 0 {
		skip = selfOffset
	}
	out := make([][]int, len(from))
	parallelFor(len(from), func(i int) {
		type cand struct {
			idx  int
			dist float64
		}
		cands := make([]cand, len(to))
		for j := range to {
			cands[j] = cand{idx: j, dist: sqDist(from[i], to[j])}
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].dist != cands[b].dist {
				return cands[a].dist < cands[b].dist
			}
			return cands[a].idx < cands[b].idx
		})
		n := k
		if n > len(cands)-skip {
			n = len(cands) - skip
		}
		nbrs := make([]int, 0, n)
		for j := skip; j < skip+n; j++ {
			nbrs = append(nbrs, cands[j].idx)
		}
		out[i] = nbrs
	})
	return out
}

func sqDist(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func euclidean(a, b []float64) float64 {
	return math.Sqrt(sqDist(a, b))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
