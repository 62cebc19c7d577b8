package api

import (
	"github.com/patchmap/server/internal/service"
)

// DatasetInfo contains information about a dataset pair for the API response.
type DatasetInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DatasetRegistry holds loaded dataset pairs for all configured datasets.
type DatasetRegistry struct {
	pairs          map[string]*service.DatasetPair
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		pairs:          make(map[string]*service.DatasetPair),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a loaded dataset pair.
func (r *DatasetRegistry) Register(datasetID string, pair *service.DatasetPair) {
	r.pairs[datasetID] = pair
}

// Get returns the pair for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.DatasetPair {
	return r.pairs[datasetID]
}

// Pairs returns all registered pairs keyed by dataset id.
func (r *DatasetRegistry) Pairs() map[string]*service.DatasetPair {
	return r.pairs
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "PatchMap"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		infos = append(infos, DatasetInfo{ID: id, Name: id})
	}
	return infos
}
