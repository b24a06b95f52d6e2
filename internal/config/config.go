// Package config loads and validates the YAML configuration for a ctbt
// mirror run, in the shape of cmd/sunlight/sunlight.go's Config type:
// documented, in-line-commented fields, with optional sub-sections gated by
// a zero-value check rather than a pointer, one struct per remote backend.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ctbt.dev/ctbt"
)

// Config is the top-level ctbt.yaml document.
type Config struct {
	// KnownLogsPath is the path to a locally cached v3 log_list.json, loaded
	// with ctbt.LoadKnownLogs.
	KnownLogsPath string `yaml:"known_logs"`

	// Log is the URL of the log to mirror, as it appears in KnownLogsPath.
	Log string `yaml:"log"`

	// ArchiveDir is the root of this log's on-disk archive: sth.json, the
	// shards/ directory, and the shard index cache.
	ArchiveDir string `yaml:"archive_dir"`

	// ShardSize is the number of entries per shard file. Defaults to 65536.
	ShardSize int64 `yaml:"shard_size"`

	// MaxBatch is the largest get-entries range the Fetch Pipeline will
	// request in one call. Defaults to 256.
	MaxBatch int `yaml:"max_batch"`

	// Workers is the number of concurrent get-entries fetches the Fetch
	// Pipeline runs. Defaults to 8.
	Workers int `yaml:"workers"`

	// Torrent configures the Packager. Optional; if zero-valued, no
	// .torrent/magnet/RSS output is produced.
	Torrent TorrentConfig `yaml:"torrent"`

	// S3 optionally replicates sealed shard data and manifests off-site.
	// Only one of S3 or DynamoDB's use as the trusted-STH backend applies;
	// both may be configured independently.
	S3 S3Config `yaml:"s3"`

	// DynamoDB optionally stores the trusted STH record with a
	// compare-and-swap write, for the case where multiple operator hosts
	// share one archive.
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`

	// Debug enables debug-level logging. Equivalent to the CTBT_DEBUG
	// environment variable, or the CLI's -debug flag.
	Debug bool `yaml:"debug"`

	// MetricsAddr, if set, starts a Prometheus /metrics listener on this
	// address, matching the teacher's private localhost debug server
	// pattern in cmd/sunlight/sunlight.go. Optional.
	MetricsAddr string `yaml:"metrics_addr"`
}

// TorrentConfig configures .torrent/magnet/RSS emission by internal/packager.
type TorrentConfig struct {
	// OutputDir is where .torrent, .magnet, and the rolling .rss feed are
	// written.
	OutputDir string `yaml:"output_dir"`

	// DownloadURLPrefix is the HTTP URL prefix under which torrent files
	// will be published, used to build the RSS feed's enclosure URLs.
	DownloadURLPrefix string `yaml:"download_url_prefix"`

	// Trackers is a list of tracker URLs to include in each torrent.
	Trackers []string `yaml:"trackers"`

	// Peers is a list of seed peers in BEP-0009 "host:port" form, used when
	// Trackers is empty to produce a tracker-less torrent.
	Peers []string `yaml:"peers"`

	// ASN is the autonomous system number the archive was fetched from,
	// recorded in each torrent's comment field for provenance.
	ASN int `yaml:"asn"`
}

// S3Config mirrors internal/ctlog/s3.go's connection parameters.
type S3Config struct {
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Endpoint string `yaml:"endpoint"`
}

func (c S3Config) enabled() bool { return c.Bucket != "" }

// DynamoDBConfig mirrors internal/ctlog/dynamodb.go's connection parameters.
type DynamoDBConfig struct {
	Region   string `yaml:"region"`
	Table    string `yaml:"table"`
	Endpoint string `yaml:"endpoint"`
}

func (c DynamoDBConfig) enabled() bool { return c.Table != "" }

// S3Enabled reports whether the S3 remote backend is configured.
func (c *Config) S3Enabled() bool { return c.S3.enabled() }

// DynamoDBEnabled reports whether the DynamoDB remote backend is configured.
func (c *Config) DynamoDBEnabled() bool { return c.DynamoDB.enabled() }

// TorrentEnabled reports whether the Packager should run.
func (c *Config) TorrentEnabled() bool { return c.Torrent.OutputDir != "" }

// Load reads and parses the YAML config file at path, applies defaults, and
// validates it, returning a *ctbt.ConfigError for any problem detected
// before the core starts.
func Load(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, &ctbt.ConfigError{Field: "path", Err: err}
	}
	c := &Config{
		ShardSize: 65536,
		MaxBatch:  256,
		Workers:   8,
	}
	if err := yaml.Unmarshal(body, c); err != nil {
		return nil, &ctbt.ConfigError{Field: "yaml", Err: err}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that c is internally consistent, independent of whether
// it was loaded from disk. It never touches the network or filesystem
// beyond what was already read by Load.
func (c *Config) Validate() error {
	if c.KnownLogsPath == "" {
		return &ctbt.ConfigError{Field: "known_logs", Err: fmt.Errorf("required")}
	}
	if c.Log == "" {
		return &ctbt.ConfigError{Field: "log", Err: fmt.Errorf("required")}
	}
	if c.ArchiveDir == "" {
		return &ctbt.ConfigError{Field: "archive_dir", Err: fmt.Errorf("required")}
	}
	if c.ShardSize < 1 {
		return &ctbt.ConfigError{Field: "shard_size", Err: fmt.Errorf("must be positive, got %d", c.ShardSize)}
	}
	if c.ShardSize&(c.ShardSize-1) != 0 {
		return &ctbt.ConfigError{Field: "shard_size", Err: fmt.Errorf("must be a power of two, got %d", c.ShardSize)}
	}
	if c.MaxBatch < 1 {
		return &ctbt.ConfigError{Field: "max_batch", Err: fmt.Errorf("must be positive, got %d", c.MaxBatch)}
	}
	if c.Workers < 1 {
		return &ctbt.ConfigError{Field: "workers", Err: fmt.Errorf("must be positive, got %d", c.Workers)}
	}
	if c.S3.enabled() && c.S3.Region == "" {
		return &ctbt.ConfigError{Field: "s3.region", Err: fmt.Errorf("required when s3.bucket is set")}
	}
	if c.DynamoDB.enabled() && c.DynamoDB.Region == "" {
		return &ctbt.ConfigError{Field: "dynamodb.region", Err: fmt.Errorf("required when dynamodb.table is set")}
	}
	if c.Torrent.OutputDir != "" && len(c.Torrent.Trackers) == 0 && len(c.Torrent.Peers) == 0 {
		return &ctbt.ConfigError{Field: "torrent", Err: fmt.Errorf("at least one of trackers or peers is required when torrent.output_dir is set")}
	}
	return nil
}
