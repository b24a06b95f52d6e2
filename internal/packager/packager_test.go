package packager

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ctbt.dev/ctbt/internal/shard"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})) }

func writeShardFixture(t *testing.T, dir string, m shard.Manifest) {
	t.Helper()
	shardsDir := filepath.Join(dir, "shards")
	if err := os.MkdirAll(shardsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(shard.DataPath(dir, m.FirstIndex), []byte("fake shard data, long enough to span a couple of pieces maybe"), 0o644); err != nil {
		t.Fatal(err)
	}
	manifestJSON := []byte(`{"first_index":0,"last_index":1,"count":2}`)
	if err := os.WriteFile(shard.ManifestPath(dir, m.FirstIndex), manifestJSON, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPieceLengthFloor(t *testing.T) {
	if got := pieceLength(100); got != 1<<15 {
		t.Errorf("pieceLength(100) = %d, want %d", got, 1<<15)
	}
}

func TestPieceLengthScalesWithSize(t *testing.T) {
	got := pieceLength(1 << 30)
	if got <= 1<<15 {
		t.Errorf("pieceLength(1GiB) = %d, want > %d", got, 1<<15)
	}
	if got%(1<<13) != 0 {
		t.Errorf("pieceLength(1GiB) = %d, want multiple of 8KiB", got)
	}
}

func TestOnShardSealedWritesTorrentMagnetAndRSS(t *testing.T) {
	archiveDir := t.TempDir()
	outDir := t.TempDir()

	m := shard.Manifest{FirstIndex: 0, LastIndex: 1, Count: 2, SealedAt: time.Unix(1700000000, 0)}
	writeShardFixture(t, archiveDir, m)

	p := New(Config{
		OutputDir:         outDir,
		DownloadURLPrefix: "https://mirror.example/torrents",
		Trackers:          []string{"udp://tracker.example:1337/announce"},
		ASN:               64512,
		LogName:           "Example Log",
		LogURL:            "https://ct.example/log/",
	}, testLogger())

	p.OnShardSealed(archiveDir, m)

	base := p.baseName(m)
	for _, suffix := range []string{".torrent", ".magnet"} {
		path := filepath.Join(outDir, base+suffix)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s to exist: %v", path, err)
		}
	}

	torrentBytes, err := os.ReadFile(filepath.Join(outDir, base+".torrent"))
	if err != nil {
		t.Fatal(err)
	}
	if len(torrentBytes) == 0 {
		t.Fatal("torrent file is empty")
	}
	if torrentBytes[0] != 'd' {
		t.Errorf("torrent file does not start with a bencoded dict: %q", torrentBytes[:1])
	}

	magnetBytes, err := os.ReadFile(filepath.Join(outDir, base+".magnet"))
	if err != nil {
		t.Fatal(err)
	}
	magnet := string(magnetBytes)
	if want := "magnet:?xt=urn:btih:"; len(magnet) < len(want) || magnet[:len(want)] != want {
		t.Errorf("magnet link = %q, want prefix %q", magnet, want)
	}

	rssPath := p.rssPath()
	if _, err := os.Stat(rssPath); err != nil {
		t.Errorf("expected rss feed at %s: %v", rssPath, err)
	}
}

func TestOnShardSealedAppendsToExistingRSSFeed(t *testing.T) {
	archiveDir := t.TempDir()
	outDir := t.TempDir()

	cfg := Config{
		OutputDir:         outDir,
		DownloadURLPrefix: "https://mirror.example/torrents",
		Trackers:          []string{"udp://tracker.example:1337/announce"},
		LogURL:            "https://ct.example/log/",
	}
	p := New(cfg, testLogger())

	m1 := shard.Manifest{FirstIndex: 0, LastIndex: 1, Count: 2, SealedAt: time.Unix(1700000000, 0)}
	writeShardFixture(t, archiveDir, m1)
	p.OnShardSealed(archiveDir, m1)

	m2 := shard.Manifest{FirstIndex: 2, LastIndex: 3, Count: 2, SealedAt: time.Unix(1700000100, 0)}
	writeShardFixture(t, archiveDir, m2)
	p.OnShardSealed(archiveDir, m2)

	feed, err := p.loadOrInitRSS()
	if err != nil {
		t.Fatal(err)
	}
	if len(feed.Channel.Items) != 2 {
		t.Fatalf("rss feed has %d items, want 2", len(feed.Channel.Items))
	}
}

func TestOnShardSealedIsNoopWhenOutputDirUnset(t *testing.T) {
	archiveDir := t.TempDir()
	p := New(Config{}, testLogger())
	m := shard.Manifest{FirstIndex: 0, LastIndex: 1, Count: 2, SealedAt: time.Unix(1700000000, 0)}
	writeShardFixture(t, archiveDir, m)
	// Should not panic or create anything; OutputDir is empty.
	p.OnShardSealed(archiveDir, m)
}

func TestOnShardSealedLogsAndSkipsOnMissingShardFiles(t *testing.T) {
	archiveDir := t.TempDir()
	outDir := t.TempDir()
	p := New(Config{OutputDir: outDir, LogURL: "https://ct.example/log/"}, testLogger())
	m := shard.Manifest{FirstIndex: 0, LastIndex: 1, Count: 2, SealedAt: time.Unix(1700000000, 0)}
	// No fixture files written: buildTorrent must fail gracefully.
	p.OnShardSealed(archiveDir, m)

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no output files on failure, got %v", entryNames(entries))
	}
}

func entryNames(entries []fs.DirEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func TestCheckArchiveComplete(t *testing.T) {
	archiveDir := t.TempDir()
	m := shard.Manifest{FirstIndex: 0, LastIndex: 1}
	if err := checkArchiveComplete(archiveDir, m); err == nil {
		t.Fatal("checkArchiveComplete: want error before fixture is written")
	}
	writeShardFixture(t, archiveDir, m)
	if err := checkArchiveComplete(archiveDir, m); err != nil {
		t.Fatalf("checkArchiveComplete: %v", err)
	}
}
