// Package service provides business logic for the mapping server.
package service

import (
	"fmt"
	"sort"

	"github.com/patchmap/server/internal/config"
	"github.com/patchmap/server/internal/data/matrix"
	"github.com/patchmap/server/internal/integrate"
)

// DatasetPair is one loaded reference/query pair with everything a mapping
// job needs: expression matrices, metadata, exclusion lists and the
// configured pipeline defaults.
type DatasetPair struct {
	ID        string
	Reference *integrate.Dataset
	Query     *integrate.Dataset
	RefObs    *matrix.ObsTable
	QueryObs  *matrix.ObsTable
	Exclude   map[string]bool
	NonTarget map[string]bool
	RefCoords map[string][]float64 // reference cell id -> visualization coords
	Defaults  integrate.Params
}

// LoadPair loads a dataset pair from the configured paths.
func LoadPair(id string, cfg config.PairConfig, transfer config.TransferConfig) (*DatasetPair, error) {
	refExpr, err := matrix.Load(cfg.ReferencePath)
	if err != nil {
		return nil, fmt.Errorf("reference matrix: %w", err)
	}
	refObs, err := matrix.LoadObs(cfg.ReferenceObsPath)
	if err != nil {
		return nil, fmt.Errorf("reference obs: %w", err)
	}
	queryExpr, err := matrix.Load(cfg.QueryPath)
	if err != nil {
		return nil, fmt.Errorf("query matrix: %w", err)
	}

	pair := &DatasetPair{
		ID: id,
		Reference: &integrate.Dataset{
			Name:   id + "/reference",
			Expr:   refExpr,
			Labels: refObs.Labels(),
		},
		Query: &integrate.Dataset{
			Name: id + "/query",
			Expr: queryExpr,
		},
		RefObs:    refObs,
		Exclude:   make(map[string]bool),
		NonTarget: make(map[string]bool),
		Defaults:  ParamsFromConfig(transfer),
	}
	if len(pair.Reference.Labels) == 0 {
		return nil, fmt.Errorf("reference obs table has no labels; nothing to transfer")
	}

	if len(refObs.Rows) > 0 {
		pair.Reference.Platform = refObs.Rows[0].Platform
	}

	if cfg.QueryObsPath != "" {
		queryObs, err := matrix.LoadObs(cfg.QueryObsPath)
		if err != nil {
			return nil, fmt.Errorf("query obs: %w", err)
		}
		pair.QueryObs = queryObs
		if len(queryObs.Rows) > 0 {
			pair.Query.Platform = queryObs.Rows[0].Platform
		}
	}

	if cfg.ExcludeGenesPath != "" {
		exclude, err := matrix.LoadGeneList(cfg.ExcludeGenesPath)
		if err != nil {
			return nil, fmt.Errorf("exclusion gene list: %w", err)
		}
		pair.Exclude = exclude
	}

	for _, label := range cfg.NonTargetLabels {
		pair.NonTarget[label] = true
	}

	if len(cfg.CoordColumns) > 0 {
		coords, err := refObs.Coords(cfg.CoordColumns)
		if err != nil {
			return nil, fmt.Errorf("reference coords: %w", err)
		}
		pair.RefCoords = coords
	}

	return pair, nil
}

// ParamsFromConfig converts the configured transfer defaults into pipeline
// parameters.
func ParamsFromConfig(t config.TransferConfig) integrate.Params {
	p := integrate.DefaultParams()
	if t.Method != "" {
		p.Method = t.Method
	}
	if t.Dims > 0 {
		p.Dims = t.Dims
	}
	if t.TopGenes > 0 {
		p.TopGenes = t.TopGenes
	}
	if t.KAnchor > 0 {
		p.KAnchor = t.KAnchor
	}
	if t.KFilter > 0 {
		p.KFilter = t.KFilter
	}
	if t.KWeight > 0 {
		p.KWeight = t.KWeight
	}
	if t.DetectionThreshold > 0 {
		p.DetectionThreshold = t.DetectionThreshold
	}
	if t.MinDetectedFrac > 0 {
		p.MinDetectedFrac = t.MinDetectedFrac
	}
	if t.PlatformLog2Gap > 0 {
		p.PlatformLog2Gap = t.PlatformLog2Gap
	}
	if t.MinGenes > 0 {
		p.MinGenes = t.MinGenes
	}
	if t.MarkerDominance > 0 {
		p.MarkerDominance = t.MarkerDominance
	}
	if t.MarkerConsistency > 0 {
		p.MarkerConsistency = t.MarkerConsistency
	}
	if t.MarkersPerCluster > 0 {
		p.MarkersPerCluster = t.MarkersPerCluster
	}
	p.Seed = t.Seed
	return p
}

// PairSummary describes a loaded pair for the API.
type PairSummary struct {
	ID             string   `json:"id"`
	ReferenceCells int      `json:"reference_cells"`
	ReferenceGenes int      `json:"reference_genes"`
	QueryCells     int      `json:"query_cells"`
	QueryGenes     int      `json:"query_genes"`
	Labels         []string `json:"labels"`
	HasCoords      bool     `json:"has_coords"`
}

// Summary returns dataset dimensions and the reference label set.
func (p *DatasetPair) Summary() PairSummary {
	labelSet := make(map[string]bool)
	for _, l := range p.Reference.Labels {
		labelSet[l] = true
	}
	labels := make([]string, 0, len(labelSet))
	for l := range labelSet {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	return PairSummary{
		ID:             p.ID,
		ReferenceCells: p.Reference.Expr.NCells(),
		ReferenceGenes: p.Reference.Expr.NGenes(),
		QueryCells:     p.Query.Expr.NCells(),
		QueryGenes:     p.Query.Expr.NGenes(),
		Labels:         labels,
		HasCoords:      len(p.RefCoords) > 0,
	}
}
