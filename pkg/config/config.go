// Package config loads the server's YAML bootstrap configuration:
// thread/partition topology, listen port, data directories, and
// storage thresholds. Validation follows the teacher's
// pkg/validation.ConfigValidator pattern, generalized from per-request
// validation to one-shot startup validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dowkv/wcstore/pkg/validation"
	"gopkg.in/yaml.v3"
)

// Config is the full server bootstrap configuration.
type Config struct {
	NumThreads       int           `yaml:"num_threads"`
	TotalPartitions  int           `yaml:"total_partitions"`
	BasePort         int           `yaml:"base_port"`
	CommitLogDir     string        `yaml:"commit_log_dir"`
	SSTableDir       string        `yaml:"sstable_dir"`
	CatalogPath      string        `yaml:"catalog_path"`
	MemtableMaxBytes int64         `yaml:"memtable_max_bytes"`
	CommitLogSync    time.Duration `yaml:"commit_log_sync_interval"`
	Compaction       Compaction    `yaml:"compaction"`
	Archive          Archive       `yaml:"archive"`
}

// Compaction configures the background size-tiered compactor.
type Compaction struct {
	MinBucketSize int           `yaml:"min_bucket_size"`
	MaxBucketSize int           `yaml:"max_bucket_size"`
	Interval      time.Duration `yaml:"interval"`
}

// Archive configures optional S3 cold-archival of superseded segments.
type Archive struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// Default returns a Config with the original engine's fixed defaults
// (single listener on :29876, one thread, sixteen partitions) as a
// starting point for Load's overlay.
func Default() Config {
	return Config{
		NumThreads:       1,
		TotalPartitions:  16,
		BasePort:         29876,
		CommitLogDir:     "/var/lib/wcstore/commit_logs",
		SSTableDir:       "/var/lib/wcstore/sstables",
		CatalogPath:      "/var/lib/wcstore/schemas",
		MemtableMaxBytes: 16 * 1024 * 1024,
		CommitLogSync:    10 * time.Second,
		Compaction: Compaction{
			MinBucketSize: 4,
			MaxBucketSize: 32,
			Interval:      time.Minute,
		},
	}
}

// Load reads and parses a YAML config file at path, overlaying it onto
// Default(). A missing file is not an error: the process runs on
// defaults alone, matching the teacher's flag-default convention.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks every field against its operational bounds, collecting
// every violation rather than stopping at the first.
func (c Config) Validate() error {
	cv := validation.NewConfigValidator("Config")
	cv.Positive("num_threads", c.NumThreads)
	cv.Positive("total_partitions", c.TotalPartitions)
	cv.RangeInt("base_port", c.BasePort, 1, 65535)
	cv.Required("commit_log_dir", c.CommitLogDir)
	cv.Required("sstable_dir", c.SSTableDir)
	cv.Required("catalog_path", c.CatalogPath)
	cv.Positive("memtable_max_bytes", int(c.MemtableMaxBytes))
	cv.MinDuration("commit_log_sync_interval", c.CommitLogSync, time.Second)
	cv.Custom("total_partitions", func() error {
		if c.TotalPartitions < c.NumThreads {
			return fmt.Errorf("total_partitions (%d) must be >= num_threads (%d), or some threads would own nothing", c.TotalPartitions, c.NumThreads)
		}
		return nil
	})
	cv.When(c.Archive.Enabled, func(cv *validation.ConfigValidator) {
		cv.Required("archive.bucket", c.Archive.Bucket)
		cv.Required("archive.region", c.Archive.Region)
	})
	return cv.Validate()
}
