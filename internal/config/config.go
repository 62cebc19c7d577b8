// Package config handles configuration loading for the PatchMap server.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Cache    CacheConfig    `yaml:"cache"`
	Transfer TransferConfig `yaml:"transfer"`
	Jobs     JobsConfig     `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DataConfig lists the dataset pairs served by this instance.
type DataConfig struct {
	DefaultDataset string                `yaml:"default_dataset"`
	Datasets       map[string]PairConfig `yaml:"datasets"`
}

// PairConfig describes one reference/query dataset pair on disk.
type PairConfig struct {
	ReferencePath    string   `yaml:"reference_path"`
	ReferenceObsPath string   `yaml:"reference_obs_path"`
	QueryPath        string   `yaml:"query_path"`
	QueryObsPath     string   `yaml:"query_obs_path"`
	ExcludeGenesPath string   `yaml:"exclude_genes_path"`
	NonTargetLabels  []string `yaml:"non_target_labels"`
	CoordColumns     []string `yaml:"coord_columns"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResultSizeMB     int `yaml:"result_size_mb"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes"`
	QueryCacheSize   int `yaml:"query_cache_size"`
}

// TransferConfig carries the default mapping pipeline parameters; job
// submissions may override the projection/neighbor knobs per run.
type TransferConfig struct {
	Method             string  `yaml:"method"`
	Dims               int     `yaml:"dims"`
	TopGenes           int     `yaml:"top_genes"`
	KAnchor            int     `yaml:"k_anchor"`
	KFilter            int     `yaml:"k_filter"`
	KWeight            int     `yaml:"k_weight"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	MinDetectedFrac    float64 `yaml:"min_detected_frac"`
	PlatformLog2Gap    float64 `yaml:"platform_log2_gap"`
	MinGenes           int     `yaml:"min_genes"`
	MarkerDominance    float64 `yaml:"marker_dominance"`
	MarkerConsistency  float64 `yaml:"marker_consistency"`
	MarkersPerCluster  int     `yaml:"markers_per_cluster"`
	Seed               int64   `yaml:"seed"`
}

// JobsConfig contains mapping job manager settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "PatchMap",
		},
		Cache: CacheConfig{
			ResultSizeMB:     256,
			ResultTTLMinutes: 10,
			QueryCacheSize:   1000,
		},
		Transfer: TransferConfig{
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
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/map_jobs.sqlite",
			RetentionDays: 7,
		},
	}
}

// DatasetIDs returns the configured dataset ids in stable (sorted) order.
func (d *DataConfig) DatasetIDs() []string {
	ids := make([]string, 0, len(d.Datasets))
	for id := range d.Datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}

	t, dt := &cfg.Transfer, defaults.Transfer
	if t.Method == "" {
		t.Method = dt.Method
	}
	if t.Dims == 0 {
		t.Dims = dt.Dims
	}
	if t.TopGenes == 0 {
		t.TopGenes = dt.TopGenes
	}
	if t.KAnchor == 0 {
		t.KAnchor = dt.KAnchor
	}
	if t.KFilter == 0 {
		t.KFilter = dt.KFilter
	}
	if t.KWeight == 0 {
		t.KWeight = dt.KWeight
	}
	if t.MinDetectedFrac == 0 {
		t.MinDetectedFrac = dt.MinDetectedFrac
	}
	if t.PlatformLog2Gap == 0 {
		t.PlatformLog2Gap = dt.PlatformLog2Gap
	}
	if t.MinGenes == 0 {
		t.MinGenes = dt.MinGenes
	}
	if t.MarkerDominance == 0 {
		t.MarkerDominance = dt.MarkerDominance
	}
	if t.MarkerConsistency == 0 {
		t.MarkerConsistency = dt.MarkerConsistency
	}
	if t.MarkersPerCluster == 0 {
		t.MarkersPerCluster = dt.MarkersPerCluster
	}

	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}

	if cfg.Data.DefaultDataset == "" && len(cfg.Data.Datasets) > 0 {
		cfg.Data.DefaultDataset = cfg.Data.DatasetIDs()[0]
	}
}

func validate(cfg *Config) error {
	for id, ds := range cfg.Data.Datasets {
		if ds.ReferencePath == "" {
			return fmt.Errorf("dataset %q: reference_path is required", id)
		}
		if ds.ReferenceObsPath == "" {
			return fmt.Errorf("dataset %q: reference_obs_path is required", id)
		}
		if ds.QueryPath == "" {
			return fmt.Errorf("dataset %q: query_path is required", id)
		}
	}
	if cfg.Data.DefaultDataset != "" {
		if _, ok := cfg.Data.Datasets[cfg.Data.DefaultDataset]; !ok {
			return fmt.Errorf("default_dataset %q is not a configured dataset", cfg.Data.DefaultDataset)
		}
	}
	return nil
}
