package integrate

import (
	"sort"
)

// TransferResult is the outcome of label transfer for a full query dataset.
type TransferResult struct {
	Predictions []Prediction
	// Warning is set when the engine ran degraded (e.g. no anchors);
	// predictions are then fallback-only with confidence 0.
	Warning string
}

// TransferLabels propagates reference labels to every query cell through the
// weighted anchor graph. For each query cell the kWeight nearest anchors (by
// distance from the cell to the anchor's query endpoint) vote for their
// reference endpoint's label with weight anchorWeight/(1+dist); votes are
// normalized to sum 1 and the predicted label is the argmax, with its share
// as the confidence. refFeatures, if non-nil, maps reference cell indices to
// continuous vectors (e.g. 2-D visualization coordinates) transferred by the
// same weights via weighted averaging.
//
// Cells with no usable votes (zero anchors, all weights zero, or every
// anchor beyond p.MaxAnchorDist) receive the fallback prediction: the
// nearest reference centroid's label (majority label when centroids are
// unavailable), confidence 0, Fallback true. Deterministic given identical
// embeddings and anchors.
func TransferLabels(ref, query *Dataset, emb *Embedding, anchors []Anchor, refFeatures map[int][]float64, p Params) *TransferResult {
	res := &TransferResult{Predictions: make([]Prediction, len(query.Expr.Cells))}
	if len(anchors) == 0 {
		res.Warning = "no anchors found; all predictions use the fallback policy"
	}

	fb := newFallback(ref, emb, refFeatures)

	kWeight := p.KWeight
	if kWeight < 1 || kWeight > len(anchors) {
		kWeight = len(anchors)
	}

	parallelFor(len(query.Expr.Cells), func(qi int) {
		res.Predictions[qi] = predictCell(qi, query, emb, anchors, kWeight, refFeatures, ref, fb, p)
	})

	return res
}

func predictCell(qi int, query *Dataset, emb *Embedding, anchors []Anchor, kWeight int, refFeatures map[int][]float64, ref *Dataset, fb *fallback, p Params) Prediction {
	pred := Prediction{Cell: query.Expr.Cells[qi]}

	type scored struct {
		anchor Anchor
		dist   float64
	}
	cands := make([]scored, 0, len(anchors))
	for _, a := range anchors {
		d := euclidean(emb.Query[qi], emb.Query[a.Query])
		if p.MaxAnchorDist > 0 && d > p.MaxAnchorDist {
			continue
		}
		cands = append(cands, scored{anchor: a, dist: d})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		if cands[i].anchor.Ref != cands[j].anchor.Ref {
			return cands[i].anchor.Ref < cands[j].anchor.Ref
		}
		return cands[i].anchor.Query < cands[j].anchor.Query
	})
	if len(cands) > kWeight {
		cands = cands[:kWeight]
	}

	votes := make(map[string]float64)
	total := 0.0
	var featSum []float64
	for _, c := range cands {
		label := ref.CellLabel(c.anchor.Ref)
		if label == "" {
			continue
		}
		w := c.anchor.Weight / (1 + c.dist)
		if w <= 0 {
			continue
		}
		votes[label] += w
		total += w
		if refFeatures != nil {
			if feat, ok := refFeatures[c.anchor.Ref]; ok {
				if featSum == nil {
					featSum = make([]float64, len(feat))
				}
				for i, v := range feat {
					featSum[i] += w * v
				}
			}
		}
	}

	if total <= 0 {
		return fb.predict(emb.Query[qi], pred.Cell)
	}

	best := ""
	bestShare := 0.0
	for label, v := range votes {
		share := v / total
		if share > bestShare || (share == bestShare && (best == "" || label < best)) {
			best = label
			bestShare = share
		}
	}
	pred.Label = best
	pred.Confidence = clamp01(bestShare)
	if featSum != nil {
		pred.Coords = make([]float64, len(featSum))
		for i, v := range featSum {
			pred.Coords[i] = v / total
		}
	}
	return pred
}

// fallback predicts by nearest reference centroid in the shared embedding,
// degrading to the reference majority label when no centroid is computable.
// Fallback predictions always carry confidence 0 so downstream consumers can
// filter them rather than mistake them for anchored transfers.
type fallback struct {
	labels    []string
	centroids [][]float64
	features  [][]float64
	majority  string
}

func newFallback(ref *Dataset, emb *Embedding, refFeatures map[int][]float64) *fallback {
	byLabel := make(map[string][]int)
	for j := range ref.Expr.Cells {
		label := ref.CellLabel(j)
		if label == "" {
			continue
		}
		byLabel[label] = append(byLabel[label], j)
	}

	fb := &fallback{}
	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	bestCount := 0
	for _, label := range labels {
		idx := byLabel[label]
		if len(idx) > bestCount {
			bestCount = len(idx)
			fb.majority = label
		}
		if len(emb.Ref) == 0 {
			continue
		}
		centroid := make([]float64, emb.Dims)
		for _, j := range idx {
			for d, v := range emb.Ref[j] {
				centroid[d] += v
			}
		}
		for d := range centroid {
			centroid[d] /= float64(len(idx))
		}
		var feat []float64
		if refFeatures != nil {
			n := 0
			for _, j := range idx {
				if f, ok := refFeatures[j]; ok {
					if feat == nil {
						feat = make([]float64, len(f))
					}
					for i, v := range f {
						feat[i] += v
					}
					n++
				}
			}
			if n > 0 {
				for i := range feat {
					feat[i] /= float64(n)
				}
			}
		}
		fb.labels = append(fb.labels, label)
		fb.centroids = append(fb.centroids, centroid)
		fb.features = append(fb.features, feat)
	}
	return fb
}

func (fb *fallback) predict(vec []float64, cell string) Prediction {
	pred := Prediction{Cell: cell, Fallback: true}
	if len(fb.centroids) == 0 {
		pred.Label = fb.majority
		return pred
	}
	best := 0
	bestDist := sqDist(vec, fb.centroids[0])
	for i := 1; i < len(fb.centroids); i++ {
		if d := sqDist(vec, fb.centroids[i]); d < bestDist {
			best = i
			bestDist = d
		}
	}
	pred.Label = fb.labels[best]
	if fb.features[best] != nil {
		pred.Coords = append([]float64(nil), fb.features[best]...)
	}
	return pred
}
