// Package syncctl drives one log's mirror run end to end: fetch and verify
// a new Signed Tree Head, fetch and verify the entries between the trusted
// tree size and the new one, and commit the new STH only once every entry
// has been durably written and the full tree hashes out, per spec.md §4.F.
package syncctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/mod/sumdb/tlog"

	"ctbt.dev/ctbt"
	"ctbt.dev/ctbt/internal/archive"
	"ctbt.dev/ctbt/internal/ctclient"
	"ctbt.dev/ctbt/internal/decode"
	"ctbt.dev/ctbt/internal/durable"
	"ctbt.dev/ctbt/internal/merkle"
	"ctbt.dev/ctbt/internal/pipeline"
	"ctbt.dev/ctbt/internal/shard"
)

// Controller runs the state machine for one log against one on-disk
// archive directory. A Controller is not safe for concurrent Run calls
// against the same Dir; the advisory lockfile in Dir guards against two
// separate processes doing so, but two goroutines sharing one Controller
// would race on its in-memory fields regardless.
type Controller struct {
	Dir    string // per-log archive directory
	Log    ctbt.LogDescriptor
	Client *ctclient.Client

	ShardSize int64
	MaxBatch  int
	Workers   int

	Logger *slog.Logger

	// OnShardSealed, if set, is called synchronously for every shard sealed
	// during this run, in order, after its manifest is durable. It is the
	// notification stream internal/packager consumes (spec.md §4.G); a
	// failure here is logged but never aborts the run.
	OnShardSealed func(shard.Manifest)

	// Index, if set, caches the archive's sealed-shard manifests in a local
	// SQLite database (spec.md §5's "Local index"). The shards directory's
	// manifest files remain the source of truth: sealedManifests re-records
	// every on-disk manifest into Index whenever the two disagree (rows with
	// no manifest on disk are left in place), and every newly sealed
	// shard is recorded into it as it is sealed.
	Index *archive.Index

	// Replica, if set, receives a copy of every newly sealed shard's data
	// and manifest files, for off-site redundancy beyond the local archive
	// root (spec.md §5's optional remote backends).
	Replica archive.Backend

	// STHStore, if set, backs the trusted STH record with a remote
	// compare-and-swap store instead of relying solely on the local
	// advisory lockfile, for operators running the same archive from more
	// than one host. The local sth.json file is still kept in sync as a
	// durable local cache regardless.
	STHStore archive.STHStore

	remoteSTH archive.STHRecord // the record last Fetch'd or Create'd from STHStore, for Replace's compare-and-swap

	m metrics
}

// New returns a Controller ready to Run against dir. client.OnRetry is set
// to feed the controller's retry counter, overwriting any previous value.
func New(dir string, log ctbt.LogDescriptor, client *ctclient.Client, shardSize int64, maxBatch, workers int, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		Dir: dir, Log: log, Client: client,
		ShardSize: shardSize, MaxBatch: maxBatch, Workers: workers,
		Logger: logger, m: initMetrics(),
	}
	client.OnRetry = func() { c.m.Retries.Inc() }
	return c
}

// sthRecord is the on-disk JSON shape of the trusted STH file. It is kept
// separate from ctbt.SignedTreeHead, which has no JSON tags of its own: the
// wire protocol's get-sth response and this archive's persisted-state
// record happen to share a shape, but only one of them needs to round-trip
// through encoding/json.
type sthRecord struct {
	TreeSize          int64  `json:"tree_size"`
	Timestamp         int64  `json:"timestamp"`
	SHA256RootHash    []byte `json:"sha256_root_hash"`
	TreeHeadSignature []byte `json:"tree_head_signature"`
}

func (c *Controller) sthPath() string { return filepath.Join(c.Dir, "sth.json") }

// loadTrustedSTH returns the archive's last-committed STH, or a zero-size
// STH if none has ever been committed (spec.md §4.F IDLE). If c.STHStore is
// set, it is consulted instead of the local file, and the fetched record is
// kept for commitSTH's compare-and-swap Replace.
func (c *Controller) loadTrustedSTH(ctx context.Context) (*ctbt.SignedTreeHead, error) {
	var body []byte
	if c.STHStore != nil {
		rec, err := c.STHStore.Fetch(ctx, c.Log.LogID)
		switch {
		case errors.Is(err, archive.ErrNotFound):
			return &ctbt.SignedTreeHead{}, nil
		case err != nil:
			return nil, fmt.Errorf("fetching trusted STH from remote store: %w", err)
		}
		c.remoteSTH = rec
		body = rec.Bytes()
	} else {
		var err error
		body, err = os.ReadFile(c.sthPath())
		if err != nil {
			if os.IsNotExist(err) {
				return &ctbt.SignedTreeHead{}, nil
			}
			return nil, &ctbt.DiskIOError{Path: c.sthPath(), Op: "read", Err: err}
		}
	}
	var rec sthRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, &ctbt.ConfigError{Field: "sth.json", Err: fmt.Errorf("parsing trusted STH: %w", err)}
	}
	sth := &ctbt.SignedTreeHead{TreeSize: rec.TreeSize, Timestamp: rec.Timestamp, TreeHeadSignature: rec.TreeHeadSignature}
	copy(sth.SHA256RootHash[:], rec.SHA256RootHash)
	return sth, nil
}

// commitSTH atomically replaces the trusted STH file, and, if c.STHStore is
// set, the remote record too, guarded by a compare-and-swap against
// whatever loadTrustedSTH last fetched. Called only from COMMIT, and only
// after every entry up to sth.TreeSize is durable on disk and the locally
// recomputed root matches sth.SHA256RootHash.
func (c *Controller) commitSTH(ctx context.Context, sth *ctbt.SignedTreeHead) error {
	rec := sthRecord{
		TreeSize: sth.TreeSize, Timestamp: sth.Timestamp,
		SHA256RootHash: sth.SHA256RootHash[:], TreeHeadSignature: sth.TreeHeadSignature,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling trusted STH: %w", err)
	}

	if c.STHStore != nil {
		if c.remoteSTH == nil {
			if err := c.STHStore.Create(ctx, c.Log.LogID, body); err != nil {
				return fmt.Errorf("creating trusted STH in remote store: %w", err)
			}
		} else {
			newRecord, err := c.STHStore.Replace(ctx, c.remoteSTH, body)
			if err != nil {
				return fmt.Errorf("replacing trusted STH in remote store: %w", err)
			}
			c.remoteSTH = newRecord
		}
	}

	// The local file is kept in sync regardless of STHStore, so expert-hash,
	// expert-bt, and offline recovery never depend on a remote store being
	// reachable.
	if err := durable.WriteFile(c.sthPath(), body, 0o644); err != nil {
		return &ctbt.DiskIOError{Path: c.sthPath(), Op: "write", Err: err}
	}
	return nil
}

// lock acquires the archive-root advisory lockfile described in spec.md §5.
// The caller must Unlock the returned handle when the run ends, success or
// not.
func (c *Controller) lock() (*flock.Flock, error) {
	if err := durable.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, &ctbt.DiskIOError{Path: c.Dir, Op: "mkdir", Err: err}
	}
	fl := flock.New(filepath.Join(c.Dir, ".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, &ctbt.DiskIOError{Path: fl.Path(), Op: "lock", Err: err}
	}
	if !locked {
		return nil, &ctbt.DiskIOError{Path: fl.Path(), Op: "lock", Err: fmt.Errorf("archive is locked by another run")}
	}
	return fl, nil
}

// sealedManifests returns every sealed shard's manifest in index order. The
// shards directory is always the source of truth; if c.Index is set and its
// contents disagree with what's on disk, sealedManifests rebuilds it before
// returning (spec.md §5's "Local index": the Sync Controller never trusts
// the cache over the manifests themselves).
func (c *Controller) sealedManifests(ctx context.Context) ([]shard.Manifest, error) {
	manifests, err := archive.SealedManifests(c.Dir)
	if err != nil {
		return nil, err
	}
	if c.Index == nil {
		return manifests, nil
	}

	onDisk := make([]int64, len(manifests))
	for i, m := range manifests {
		onDisk[i] = m.FirstIndex
	}
	indexed, err := c.Index.All()
	if err != nil {
		return nil, fmt.Errorf("listing archive index: %w", err)
	}
	if !equalInt64s(indexed, onDisk) {
		c.Logger.Info("archive index disagrees with shards directory, rebuilding", "log", c.Log.URL)
		if err := archive.Rebuild(ctx, c.Index, c.Dir, onDisk, c.Logger); err != nil {
			return nil, fmt.Errorf("rebuilding archive index: %w", err)
		}
	}
	return manifests, nil
}

func equalInt64s(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// openShardFirstIndex returns the start index of the shard that is open (or
// would be opened next) given the already-sealed manifests.
func openShardFirstIndex(sealed []shard.Manifest) int64 {
	if len(sealed) == 0 {
		return 0
	}
	last := sealed[len(sealed)-1]
	return last.LastIndex + 1
}

// replayLocalState rebuilds a full-tree Builder by replaying every leaf
// already durable on disk: first the sealed shards in order, then the
// open shard's complete records up to its high-water mark. This realizes
// the Merkle Engine's Open Question (c) resolution (option a, spec.md §9):
// no partial hash-stack is ever persisted, so every run starts by paying
// local, network-free CPU to reconstruct exactly the state a previous run
// left durable, however far that run got.
func (c *Controller) replayLocalState(sealed []shard.Manifest, openFirstIndex int64) (*merkle.Builder, error) {
	builder := merkle.NewBuilder()
	for _, m := range sealed {
		for entry, err := range shard.Replay(m.DataPath, m.FirstIndex) {
			if err != nil {
				return nil, fmt.Errorf("replaying sealed shard %q: %w", m.DataPath, err)
			}
			if _, err := builder.AddLeaf(entry.LeafBytes); err != nil {
				return nil, err
			}
		}
	}

	openPath := shard.DataPath(c.Dir, openFirstIndex)
	if _, err := os.Stat(openPath); err != nil {
		if os.IsNotExist(err) {
			return builder, nil
		}
		return nil, &ctbt.DiskIOError{Path: openPath, Op: "stat", Err: err}
	}
	for entry, err := range shard.Replay(openPath, openFirstIndex) {
		if err != nil {
			// A trailing partial record here would already have been
			// truncated by shard.OpenWriter before this replay runs (Run
			// always opens the writer first); any error surviving that is
			// real corruption, not a crash artifact.
			return nil, fmt.Errorf("replaying open shard %q: %w", openPath, err)
		}
		if _, err := builder.AddLeaf(entry.LeafBytes); err != nil {
			return nil, err
		}
	}
	return builder, nil
}

// replicateShard uploads a newly sealed shard's data and manifest files to
// c.Replica, keyed by the log's ID so one bucket or table can hold more
// than one log's shards (spec.md §5's optional remote backends). A failure
// here never aborts the run: the local archive root remains authoritative,
// and the caller only logs the error.
func (c *Controller) replicateShard(ctx context.Context, m shard.Manifest) error {
	dataBody, err := os.ReadFile(m.DataPath)
	if err != nil {
		return fmt.Errorf("reading sealed shard data: %w", err)
	}
	manifestPath := shard.ManifestPath(c.Dir, m.FirstIndex)
	manifestBody, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("reading sealed shard manifest: %w", err)
	}
	prefix := fmt.Sprintf("%s/%08d", c.Log.LogID, m.FirstIndex)
	if err := c.Replica.Upload(ctx, prefix+".bin", dataBody); err != nil {
		return fmt.Errorf("uploading sealed shard data: %w", err)
	}
	if err := c.Replica.Upload(ctx, prefix+".manifest.json", manifestBody); err != nil {
		return fmt.Errorf("uploading sealed shard manifest: %w", err)
	}
	return nil
}

// fetchAdapter adapts *ctclient.Client to pipeline.EntryFetcher: the two
// packages define distinct RawEntry types (pipeline avoids depending on
// ctclient's wire-shaped type, so it can be tested without any HTTP
// machinery) and this is the seam that bridges them.
type fetchAdapter struct{ client *ctclient.Client }

func (a fetchAdapter) GetEntries(ctx context.Context, start, end int64) ([]pipeline.RawEntry, error) {
	raw, err := a.client.GetEntries(ctx, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.RawEntry, len(raw))
	for i, r := range raw {
		out[i] = pipeline.RawEntry{Index: r.Index, LeafInput: r.LeafInput, ExtraData: r.ExtraData}
	}
	return out, nil
}

// Run executes one full pass of the state machine against the log, per
// spec.md §4.F. It returns nil only if the run reached DONE, whether
// because the trusted STH advanced or because the log had not moved since
// the last run.
func (c *Controller) Run(ctx context.Context) (err error) {
	state := StateIdle
	outcome := func(s State) {
		c.m.Transitions.WithLabelValues(s.String()).Inc()
		state = s
	}
	defer func() {
		errCategory := "none"
		if err != nil {
			errCategory = fmt.Sprintf("%T", err)
		}
		c.m.RunOutcomes.WithLabelValues(state.String(), errCategory).Inc()
		c.Logger.Info("sync run finished", "log", c.Log.URL, "state", state.String(), "err", err)
	}()

	fl, err := c.lock()
	if err != nil {
		outcome(StateAbort)
		return err
	}
	defer fl.Unlock()

	outcome(StateIdle)
	trusted, err := c.loadTrustedSTH(ctx)
	if err != nil {
		outcome(StateAbort)
		return err
	}
	c.Logger.Info("loaded trusted STH", "log", c.Log.URL, "tree_size", trusted.TreeSize)

	outcome(StateFetchSTH)
	newSTH, err := c.Client.GetSTH(ctx)
	if err != nil {
		outcome(StateAbort)
		return err
	}
	if err := newSTH.Verify(c.Log.LogID, c.Log.PublicKey); err != nil {
		outcome(StateAbort)
		return err
	}
	if newSTH.TreeSize < trusted.TreeSize {
		outcome(StateAbort)
		return &ctbt.ConsistencyProofError{OldSize: trusted.TreeSize, NewSize: newSTH.TreeSize,
			Err: fmt.Errorf("new tree_size %d is smaller than trusted tree_size %d", newSTH.TreeSize, trusted.TreeSize)}
	}

	outcome(StateVerifyConsistency)
	if trusted.TreeSize > 0 {
		proof, err := c.Client.GetSTHConsistency(ctx, trusted.TreeSize, newSTH.TreeSize)
		if err != nil {
			outcome(StateAbort)
			return err
		}
		hashProof := make([]tlog.Hash, len(proof))
		for i, h := range proof {
			hashProof[i] = tlog.Hash(h)
		}
		if err := merkle.VerifyConsistency(hashProof, trusted.TreeSize, tlog.Hash(trusted.SHA256RootHash),
			newSTH.TreeSize, tlog.Hash(newSTH.SHA256RootHash)); err != nil {
			outcome(StateAbort)
			return &ctbt.ConsistencyProofError{OldSize: trusted.TreeSize, NewSize: newSTH.TreeSize, Err: err}
		}
	}
	if newSTH.TreeSize == trusted.TreeSize {
		if trusted.TreeSize > 0 && newSTH.SHA256RootHash != trusted.SHA256RootHash {
			outcome(StateAbort)
			return &ctbt.RootMismatchError{TreeSize: newSTH.TreeSize, Got: trusted.SHA256RootHash, Want: newSTH.SHA256RootHash}
		}
		c.Logger.Info("log has not advanced, nothing to sync", "log", c.Log.URL, "tree_size", newSTH.TreeSize)
		outcome(StateDone)
		return nil
	}

	outcome(StateSync)
	sealed, err := c.sealedManifests(ctx)
	if err != nil {
		outcome(StateAbort)
		return err
	}
	openFirstIndex := openShardFirstIndex(sealed)

	writer, err := shard.OpenWriter(c.Dir, c.ShardSize, openFirstIndex, func(m shard.Manifest) error {
		c.m.ShardsSealed.Inc()
		if c.Index != nil {
			if err := c.Index.Record(m); err != nil {
				c.Logger.Error("failed to record sealed shard in archive index", "log", c.Log.URL, "first_index", m.FirstIndex, "err", err)
			}
		}
		if c.Replica != nil {
			if err := c.replicateShard(ctx, m); err != nil {
				c.Logger.Error("failed to replicate sealed shard", "log", c.Log.URL, "first_index", m.FirstIndex, "err", err)
			}
		}
		if c.OnShardSealed != nil {
			c.OnShardSealed(m)
		}
		return nil
	})
	if err != nil {
		outcome(StateAbort)
		return err
	}

	builder, err := c.replayLocalState(sealed, openFirstIndex)
	if err != nil {
		writer.Close()
		outcome(StateAbort)
		return err
	}
	localCount := builder.Size()
	if localCount > newSTH.TreeSize {
		writer.Close()
		outcome(StateAbort)
		return fmt.Errorf("syncctl: local archive already holds %d entries, more than the log's new tree_size %d", localCount, newSTH.TreeSize)
	}
	if localCount < trusted.TreeSize {
		writer.Close()
		outcome(StateAbort)
		return fmt.Errorf("syncctl: local archive holds only %d entries, fewer than the trusted tree_size %d", localCount, trusted.TreeSize)
	}

	fetcher := fetchAdapter{client: c.Client}
	sink := func(entry *ctbt.Entry) error {
		if err := writer.Append(entry); err != nil {
			return err
		}
		if _, err := builder.AddLeaf(entry.LeafBytes); err != nil {
			return fmt.Errorf("syncctl: %w", err)
		}
		c.m.EntriesFetched.Inc()
		return nil
	}

	if localCount < newSTH.TreeSize {
		if err := pipeline.Run(ctx, fetcher, decode.DecodeEntry, localCount, newSTH.TreeSize, c.MaxBatch, c.Workers, sink); err != nil {
			writer.Close()
			outcome(StateAbort)
			return err
		}
	}

	root, err := builder.RootHash()
	if err != nil {
		writer.Close()
		outcome(StateAbort)
		return fmt.Errorf("syncctl: computing final root: %w", err)
	}
	if [32]byte(root) != newSTH.SHA256RootHash {
		writer.Close()
		outcome(StateAbort)
		return &ctbt.RootMismatchError{TreeSize: newSTH.TreeSize, Got: [32]byte(root), Want: newSTH.SHA256RootHash}
	}

	outcome(StateCommit)
	if err := writer.Close(); err != nil {
		outcome(StateAbort)
		return err
	}
	if err := c.commitSTH(ctx, newSTH); err != nil {
		outcome(StateAbort)
		return err
	}
	c.Logger.Info("advanced trusted STH", "log", c.Log.URL, "old_size", trusted.TreeSize, "new_size", newSTH.TreeSize)

	outcome(StateDone)
	return nil
}
