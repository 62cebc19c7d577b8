package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/patchmap/server/internal/integrate"
	"github.com/patchmap/server/internal/jobstore"
)

// Pipeline phases, reported through the job store as the run advances.
const (
	PhaseLoading          = "loading"
	PhaseFilteringGenes   = "filtering_genes"
	PhaseScoringGenes     = "scoring_genes"
	PhaseProjecting       = "projecting"
	PhaseAnchoring        = "anchoring"
	PhaseWeighting        = "weighting"
	PhaseTransferring     = "transferring"
	PhaseSelectingMarkers = "selecting_markers"
	PhaseSavingResults    = "saving_results"
)

const totalPhases = 9

// MapService executes label-transfer mapping jobs against loaded dataset
// pairs.
type MapService struct {
	pairs map[string]*DatasetPair
}

// NewMapService creates a mapping service over the given dataset pairs.
func NewMapService(pairs map[string]*DatasetPair) *MapService {
	return &MapService{pairs: pairs}
}

// Pair returns the loaded pair for a dataset id.
func (s *MapService) Pair(id string) (*DatasetPair, bool) {
	p, ok := s.pairs[id]
	return p, ok
}

// ExecuteMapJob runs the full mapping pipeline for a queued job and persists
// predictions and markers to the store. The context is checked between
// phases so a cancelled job stops at the next boundary.
func (s *MapService) ExecuteMapJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}

	pair, ok := s.pairs[job.Params.DatasetID]
	if !ok {
		return fmt.Errorf("unknown dataset %q", job.Params.DatasetID)
	}

	p := mergeParams(pair.Defaults, job.Params)
	start := time.Now()

	phase := func(name string, done int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return store.UpdateJobProgress(jobID, name, done, totalPhases)
	}

	// Datasets are loaded at startup; this phase exists so clients see a
	// consistent first state even when the pipeline starts instantly.
	if err := phase(PhaseLoading, 0); err != nil {
		return err
	}

	if err := phase(PhaseFilteringGenes, 1); err != nil {
		return err
	}
	gs, err := integrate.FilterGenes(pair.Reference, pair.Query, pair.Exclude, pair.NonTarget, p)
	if err != nil {
		return err
	}

	if err := phase(PhaseScoringGenes, 2); err != nil {
		return err
	}
	refPT := integrate.DetectionProportions(pair.Reference, gs, p.DetectionThreshold)
	scores := integrate.ScoreSpecificity(refPT)
	top := integrate.TopGenes(scores, p.TopGenes)

	if err := phase(PhaseProjecting, 3); err != nil {
		return err
	}
	emb, err := integrate.Project(pair.Reference, pair.Query, top, p)
	if err != nil {
		return err
	}

	if err := phase(PhaseAnchoring, 4); err != nil {
		return err
	}
	anchors := integrate.FindAnchors(emb, p.KAnchor)

	if err := phase(PhaseWeighting, 5); err != nil {
		return err
	}
	anchors = integrate.WeightAnchors(anchors, emb, p.KFilter)

	if err := phase(PhaseTransferring, 6); err != nil {
		return err
	}
	var refFeatures map[int][]float64
	if job.Params.Coords && len(pair.RefCoords) > 0 {
		refFeatures = make(map[int][]float64, len(pair.RefCoords))
		for j, cell := range pair.Reference.Expr.Cells {
			if c, ok := pair.RefCoords[cell]; ok {
				refFeatures[j] = c
			}
		}
	}
	result := integrate.TransferLabels(pair.Reference, pair.Query, emb, anchors, refFeatures, p)

	if err := phase(PhaseSelectingMarkers, 7); err != nil {
		return err
	}
	markers := s.selectMarkers(pair, gs, scores, refPT, result, job.Params.Markers, p)

	if err := phase(PhaseSavingResults, 8); err != nil {
		return err
	}
	predRows := make([]*jobstore.PredictionRow, len(result.Predictions))
	for i, pred := range result.Predictions {
		row := &jobstore.PredictionRow{
			Cell:       pred.Cell,
			Label:      pred.Label,
			Confidence: pred.Confidence,
			Fallback:   pred.Fallback,
		}
		if len(pred.Coords) >= 2 {
			row.X, row.Y, row.HasCoords = pred.Coords[0], pred.Coords[1], true
		}
		predRows[i] = row
	}
	if err := store.InsertPredictions(jobID, predRows); err != nil {
		return fmt.Errorf("failed to save predictions: %w", err)
	}

	markerRows := make([]*jobstore.MarkerRow, len(markers))
	for i, m := range markers {
		markerRows[i] = &jobstore.MarkerRow{
			Gene:        m.Gene,
			Cluster:     m.Cluster,
			Score:       m.Score,
			Consistency: m.Consistency,
			Rank:        m.Rank,
		}
	}
	if err := store.InsertMarkers(jobID, markerRows); err != nil {
		return fmt.Errorf("failed to save markers: %w", err)
	}

	if err := store.UpdateJobStats(jobID, gs.Len(), len(anchors), p.Seed, result.Warning); err != nil {
		return fmt.Errorf("failed to save job stats: %w", err)
	}

	if err := phase(PhaseSavingResults, totalPhases); err != nil {
		return err
	}

	log.Printf("Job %s: mapped %d cells onto %s (%d genes, %d anchors) in %v",
		jobID, len(result.Predictions), job.Params.DatasetID, gs.Len(), len(anchors), time.Since(start))
	return nil
}

// selectMarkers relabels the query with the transferred labels and picks
// marker genes that hold up in both datasets.
func (s *MapService) selectMarkers(pair *DatasetPair, gs *integrate.GeneSet, scores []integrate.GeneScore, refPT *integrate.PropTable, result *integrate.TransferResult, mustInclude []string, p integrate.Params) []integrate.Marker {
	predicted := make(map[string]string, len(result.Predictions))
	for _, pred := range result.Predictions {
		predicted[pred.Cell] = pred.Label
	}
	labeled := &integrate.Dataset{
		Name:     pair.Query.Name,
		Platform: pair.Query.Platform,
		Expr:     pair.Query.Expr,
		Labels:   predicted,
	}
	queryPT := integrate.DetectionProportions(labeled, gs, p.DetectionThreshold)

	var targets map[string]bool
	if len(pair.NonTarget) > 0 {
		targets = make(map[string]bool)
		for _, label := range pair.Reference.Labels {
			if !pair.NonTarget[label] {
				targets[label] = true
			}
		}
	}

	return integrate.SelectMarkers(scores, refPT, queryPT, targets, mustInclude, p)
}

// mergeParams overlays per-job overrides on the pair defaults.
func mergeParams(base integrate.Params, jp jobstore.MapJobParams) integrate.Params {
	p := base
	if jp.Method != "" {
		p.Method = jp.Method
	}
	if jp.Dims > 0 {
		p.Dims = jp.Dims
	}
	if jp.TopGenes > 0 {
		p.TopGenes = jp.TopGenes
	}
	if jp.KAnchor > 0 {
		p.KAnchor = jp.KAnchor
	}
	if jp.KFilter > 0 {
		p.KFilter = jp.KFilter
	}
	if jp.KWeight > 0 {
		p.KWeight = jp.KWeight
	}
	if jp.Seed != 0 {
		p.Seed = jp.Seed
	}
	return p
}
