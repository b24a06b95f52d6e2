package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ctbt.dev/ctbt"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ctbt.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
known_logs: logs.json
log: https://ct.example/log/
archive_dir: /var/lib/ctbt/archive
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ShardSize != 65536 {
		t.Errorf("ShardSize default = %d, want 65536", c.ShardSize)
	}
	if c.MaxBatch != 256 {
		t.Errorf("MaxBatch default = %d, want 256", c.MaxBatch)
	}
	if c.Workers != 8 {
		t.Errorf("Workers default = %d, want 8", c.Workers)
	}
	if c.TorrentEnabled() {
		t.Error("TorrentEnabled() = true, want false when torrent is unconfigured")
	}
	if c.S3Enabled() || c.DynamoDBEnabled() {
		t.Error("remote backends should be disabled by default")
	}
}

func TestLoadParsesTorrentAndBackends(t *testing.T) {
	path := writeConfig(t, `
known_logs: logs.json
log: https://ct.example/log/
archive_dir: /var/lib/ctbt/archive
torrent:
  output_dir: /var/lib/ctbt/torrents
  download_url_prefix: https://mirror.example/torrents/
  trackers:
    - udp://tracker.example:1337/announce
  asn: 64512
s3:
  region: us-east-1
  bucket: ctbt-archive
dynamodb:
  region: us-east-1
  table: ctbt-sth
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.TorrentEnabled() {
		t.Error("TorrentEnabled() = false, want true")
	}
	if !c.S3Enabled() {
		t.Error("S3Enabled() = false, want true")
	}
	if !c.DynamoDBEnabled() {
		t.Error("DynamoDBEnabled() = false, want true")
	}
	if c.Torrent.ASN != 64512 {
		t.Errorf("Torrent.ASN = %d, want 64512", c.Torrent.ASN)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load: want error for missing file")
	}
	var cfgErr *ctbt.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error is not a *ctbt.ConfigError: %v", err)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing known_logs", `
log: https://ct.example/log/
archive_dir: /var/lib/ctbt
`, "known_logs"},
		{"missing log", `
known_logs: logs.json
archive_dir: /var/lib/ctbt
`, "log"},
		{"missing archive_dir", `
known_logs: logs.json
log: https://ct.example/log/
`, "archive_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load: want error")
			}
			var cfgErr *ctbt.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error is not a *ctbt.ConfigError: %v", err)
			}
			if cfgErr.Field != tt.want {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.want)
			}
		})
	}
}

func TestValidateTorrentRequiresTrackerOrPeer(t *testing.T) {
	path := writeConfig(t, `
known_logs: logs.json
log: https://ct.example/log/
archive_dir: /var/lib/ctbt
torrent:
  output_dir: /var/lib/ctbt/torrents
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load: want error when torrent has neither trackers nor peers")
	}
}

func TestValidateShardSizeMustBePowerOfTwo(t *testing.T) {
	path := writeConfig(t, `
known_logs: logs.json
log: https://ct.example/log/
archive_dir: /var/lib/ctbt
shard_size: 1000
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load: want error for a non-power-of-two shard_size")
	}
	var cfgErr *ctbt.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error is not a *ctbt.ConfigError: %v", err)
	}
	if cfgErr.Field != "shard_size" {
		t.Errorf("Field = %q, want \"shard_size\"", cfgErr.Field)
	}
}

func TestValidateS3RequiresRegion(t *testing.T) {
	path := writeConfig(t, `
known_logs: logs.json
log: https://ct.example/log/
archive_dir: /var/lib/ctbt
s3:
  bucket: ctbt-archive
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load: want error when s3.bucket is set without s3.region")
	}
}
