// Command ctbt mirrors a Certificate Transparency log into a local,
// consistency-verified archive and republishes sealed shards over
// BitTorrent.
//
// Usage:
//
//	ctbt -c ctbt.yaml [-debug] [sync|expert-getct|expert-hash|expert-bt]
//
// With no subcommand, or "sync", ctbt runs one full pass of the Sync
// Controller: fetch the log's current STH, verify it is consistent with
// the locally trusted one, fetch and verify any new entries, seal shards,
// and package each newly sealed shard for distribution.
//
// The expert-* subcommands mirror original_source/atbtct/atbtct.py's
// expert_getct/expert_hash/expert_bt split. expert-getct runs the same
// verified sync as "sync" (including the trusted-STH commit) but packages
// nothing. expert-hash and expert-bt operate on the local archive only,
// without contacting the log: they rebuild derived state (Merkle roots,
// torrents) from sealed shards on disk, and never write the trusted STH.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/schollz/progressbar/v3"

	"ctbt.dev/ctbt"
	"ctbt.dev/ctbt/internal/archive"
	"ctbt.dev/ctbt/internal/config"
	"ctbt.dev/ctbt/internal/ctclient"
	"ctbt.dev/ctbt/internal/durable"
	"ctbt.dev/ctbt/internal/merkle"
	"ctbt.dev/ctbt/internal/metrics"
	"ctbt.dev/ctbt/internal/obslog"
	"ctbt.dev/ctbt/internal/packager"
	"ctbt.dev/ctbt/internal/shard"
	"ctbt.dev/ctbt/internal/syncctl"
)

func main() {
	fs := flag.NewFlagSet("ctbt", flag.ExitOnError)
	configFlag := fs.String("c", "ctbt.yaml", "path to the config file")
	debugFlag := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(os.Args[1:])

	action := "sync"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}

	if *debugFlag {
		obslog.SetDebug(true)
	}
	logger := obslog.New()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		obslog.Fatal(logger, "failed to load config file", "err", err)
	}
	if cfg.Debug {
		obslog.SetDebug(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	registry := metrics.NewRegistry()
	metrics.ServeDebug(ctx, cfg.MetricsAddr, registry.Mux(logger), logger)

	logs, err := ctbt.LoadKnownLogs(cfg.KnownLogsPath)
	if err != nil {
		obslog.Fatal(logger, "failed to load known logs list", "err", err)
	}
	logDesc, err := ctbt.FindLog(logs, cfg.Log)
	if err != nil {
		obslog.Fatal(logger, "log is not in the known logs list", "log", cfg.Log, "err", err)
	}

	var pkg *packager.Packager
	if cfg.TorrentEnabled() {
		pkg = packager.New(packager.Config{
			OutputDir:         cfg.Torrent.OutputDir,
			DownloadURLPrefix: cfg.Torrent.DownloadURLPrefix,
			Trackers:          cfg.Torrent.Trackers,
			Peers:             cfg.Torrent.Peers,
			ASN:               cfg.Torrent.ASN,
			LogName:           logDesc.Description,
			LogURL:            logDesc.URL,
		}, logger)
	}

	switch action {
	case "sync":
		runSync(ctx, cfg, logDesc, pkg, registry, logger)
	case "expert-getct":
		runSync(ctx, cfg, logDesc, nil, registry, logger)
	case "expert-hash":
		runExpertHash(cfg, logger)
	case "expert-bt":
		runExpertBT(cfg, logDesc, pkg, logger)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [sync|expert-getct|expert-hash|expert-bt]\n", os.Args[0])
		os.Exit(2)
	}
}

// runSync drives one full Sync Controller pass against the network,
// wiring pkg (if configured) to receive every shard sealed during the
// run.
func runSync(ctx context.Context, cfg *config.Config, log ctbt.LogDescriptor, pkg *packager.Packager, registry *metrics.Registry, logger *slog.Logger) {
	client := ctclient.New(log.URL)
	controller := syncctl.New(cfg.ArchiveDir, log, client, cfg.ShardSize, cfg.MaxBatch, cfg.Workers, logger)
	registry.MustRegister(controller.Metrics()...)

	if err := durable.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		obslog.Fatal(logger, "failed to create archive directory", "dir", cfg.ArchiveDir, "err", err)
	}
	idx, err := archive.OpenIndex(filepath.Join(cfg.ArchiveDir, "index.db"))
	if err != nil {
		obslog.Fatal(logger, "failed to open shard index", "err", err)
	}
	defer idx.Close()
	controller.Index = idx

	if cfg.S3Enabled() {
		s3Backend, err := archive.NewS3Backend(ctx, cfg.S3.Region, cfg.S3.Bucket, cfg.S3.Endpoint, logger)
		if err != nil {
			obslog.Fatal(logger, "failed to set up S3 replica", "err", err)
		}
		controller.Replica = s3Backend
		registry.MustRegister(archive.CollectMetrics(s3Backend)...)
	}

	if cfg.DynamoDBEnabled() {
		dynamoBackend, err := archive.NewDynamoDBBackend(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Table, cfg.DynamoDB.Endpoint, logger)
		if err != nil {
			obslog.Fatal(logger, "failed to set up DynamoDB trusted-STH store", "err", err)
		}
		controller.STHStore = dynamoBackend
		registry.MustRegister(archive.CollectMetrics(dynamoBackend)...)
	}

	bar := progressbar.Default(-1, "syncing "+log.URL)
	controller.OnShardSealed = func(m shard.Manifest) {
		bar.Set64(m.LastIndex + 1)
		if pkg != nil {
			pkg.OnShardSealed(cfg.ArchiveDir, m)
		}
	}

	if err := controller.Run(ctx); err != nil {
		obslog.Fatal(logger, "sync run failed", "log", log.URL, "err", err)
	}
	bar.Finish()
}

// runExpertHash replays every sealed shard (not the open one) and reports the
// resulting Merkle root, without contacting the log. It is the read-only
// equivalent of atbtct's expert_hash: a way to audit or recover the
// archive's implied tree state after manual intervention.
func runExpertHash(cfg *config.Config, logger *slog.Logger) {
	manifests, err := readSealedManifests(cfg.ArchiveDir)
	if err != nil {
		obslog.Fatal(logger, "failed to list sealed shards", "err", err)
	}

	builder := merkle.NewBuilder()
	for _, m := range manifests {
		for entry, err := range shard.Replay(m.DataPath, m.FirstIndex) {
			if err != nil {
				obslog.Fatal(logger, "failed to replay shard", "data_path", m.DataPath, "err", err)
			}
			if _, err := builder.AddLeaf(entry.LeafBytes); err != nil {
				obslog.Fatal(logger, "failed to add leaf while recomputing tree", "err", err)
			}
		}
	}

	root, err := builder.RootHash()
	if err != nil {
		obslog.Fatal(logger, "failed to compute root hash", "err", err)
	}
	logger.Info("recomputed tree state from local archive", "tree_size", builder.Size(), "root_hash", root.String())
}

// runExpertBT regenerates torrents, magnet links, and RSS entries for
// every currently sealed shard, without syncing. It is the read-only
// equivalent of atbtct's expert_bt: useful after changing tracker or peer
// configuration, or after losing the torrent output directory.
func runExpertBT(cfg *config.Config, log ctbt.LogDescriptor, pkg *packager.Packager, logger *slog.Logger) {
	if pkg == nil {
		obslog.Fatal(logger, "expert-bt requires torrent.output_dir to be set in the config")
	}
	manifests, err := readSealedManifests(cfg.ArchiveDir)
	if err != nil {
		obslog.Fatal(logger, "failed to list sealed shards", "err", err)
	}
	for _, m := range manifests {
		pkg.OnShardSealed(cfg.ArchiveDir, m)
	}
	logger.Info("regenerated torrents for sealed shards", "count", len(manifests), "log", log.URL)
}

// readSealedManifests is the cmd/ctbt-local counterpart to
// internal/syncctl.Controller.sealedManifests: it lists the shards
// directory's manifest files, in index order. Both call
// archive.SealedManifests; this one skips the Controller's index
// reconciliation, since the expert subcommands never touch any other
// Controller state.
func readSealedManifests(dir string) ([]shard.Manifest, error) {
	return archive.SealedManifests(dir)
}
