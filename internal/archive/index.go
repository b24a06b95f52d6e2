package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"ctbt.dev/ctbt"
	"ctbt.dev/ctbt/internal/shard"
)

// SealedManifests walks dir's shards directory and returns every sealed
// shard's manifest, in index order. internal/syncctl.Controller's private
// sealedManifests calls it and then reconciles the result with its Index;
// cmd/ctbt's expert subcommands call it directly.
func SealedManifests(dir string) ([]shard.Manifest, error) {
	shardsDir := filepath.Join(dir, "shards")
	entries, err := os.ReadDir(shardsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &ctbt.DiskIOError{Path: shardsDir, Op: "readdir", Err: err}
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".manifest.json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // zero-padded index prefixes keep lexicographic order numeric

	manifests := make([]shard.Manifest, 0, len(names))
	for _, name := range names {
		path := filepath.Join(shardsDir, name)
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, &ctbt.DiskIOError{Path: path, Op: "read", Err: err}
		}
		var m shard.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("parsing manifest %q: %w", path, err)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Index is a local SQLite cache over a log's sealed-shard manifests,
// grounded on internal/ctlog/sqlite.go's SQLiteBackend: same
// crawshaw.io/sqlite connection handling and the same "synchronous=FULL"
// pragma, but storing shard index ranges instead of a lock checkpoint.
//
// Unlike sqlite.go's checkpoint table, this database is not a source of
// truth: every row is derived from a manifest file already durable on
// disk, so a missing or corrupt index.db is never a data-loss event — it
// is rebuilt from the manifests themselves by Rebuild.
type Index struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

// OpenIndex opens (creating if necessary) the shard index cache at path.
func OpenIndex(path string) (*Index, error) {
	conn, err := sqlite.OpenConn(path, sqlite.SQLITE_OPEN_READWRITE|sqlite.SQLITE_OPEN_CREATE)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard index %q: %w", path, err)
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA synchronous = FULL;", nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := sqlitex.ExecTransient(conn, `CREATE TABLE IF NOT EXISTS shards (
		first_index INTEGER PRIMARY KEY,
		last_index  INTEGER NOT NULL,
		count       INTEGER NOT NULL,
		subroot     BLOB NOT NULL,
		data_path   TEXT NOT NULL,
		sealed_at   INTEGER NOT NULL
	);`, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create shards table: %w", err)
	}
	return &Index{conn: conn}, nil
}

// Close closes the underlying database connection.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.conn.Close()
}

// Record upserts m into the index.
func (idx *Index) Record(m shard.Manifest) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return sqlitex.Exec(idx.conn, `INSERT INTO shards
		(first_index, last_index, count, subroot, data_path, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(first_index) DO UPDATE SET
			last_index = excluded.last_index,
			count = excluded.count,
			subroot = excluded.subroot,
			data_path = excluded.data_path,
			sealed_at = excluded.sealed_at`,
		nil, m.FirstIndex, m.LastIndex, m.Count, m.Subroot[:], m.DataPath, m.SealedAt.Unix())
}

// Lookup returns the manifest for the sealed shard that contains entry
// index, if any has been recorded.
func (idx *Index) Lookup(index int64) (shard.Manifest, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var m shard.Manifest
	found := false
	err := sqlitex.Exec(idx.conn, `SELECT first_index, last_index, count, subroot, data_path, sealed_at
		FROM shards WHERE first_index <= ? AND last_index >= ? LIMIT 1`,
		func(stmt *sqlite.Stmt) error {
			m.FirstIndex = stmt.GetInt64("first_index")
			m.LastIndex = stmt.GetInt64("last_index")
			m.Count = stmt.GetInt64("count")
			var subroot [32]byte
			n := stmt.GetBytes("subroot", subroot[:])
			_ = n
			m.Subroot = subroot
			m.DataPath = stmt.GetText("data_path")
			m.SealedAt = time.Unix(stmt.GetInt64("sealed_at"), 0)
			found = true
			return nil
		}, index, index)
	if err != nil {
		return shard.Manifest{}, false, err
	}
	return m, found, nil
}

// All returns every recorded manifest's first_index, in ascending order.
func (idx *Index) All() ([]int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var indexes []int64
	err := sqlitex.Exec(idx.conn, `SELECT first_index FROM shards ORDER BY first_index ASC`,
		func(stmt *sqlite.Stmt) error {
			indexes = append(indexes, stmt.GetInt64("first_index"))
			return nil
		})
	return indexes, err
}

// Rebuild repopulates the index from the manifest files in dir's shards
// directory for the given first indexes, discarding whatever the index
// previously held for those first indexes; rows for other first indexes
// are left as they are. It is the recovery path used when index.db is missing,
// stale, or was deleted by an operator: manifests on disk remain the
// single source of truth.
func Rebuild(ctx context.Context, idx *Index, dir string, manifestFirstIndexes []int64, log *slog.Logger) error {
	sorted := append([]int64(nil), manifestFirstIndexes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, first := range sorted {
		path := shard.ManifestPath(dir, first)
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read manifest %q during rebuild: %w", path, err)
		}
		var m shard.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return fmt.Errorf("failed to parse manifest %q during rebuild: %w", path, err)
		}
		if err := idx.Record(m); err != nil {
			return fmt.Errorf("failed to record manifest %q during rebuild: %w", path, err)
		}
		debugf(ctx, log, "rebuilt shard index entry", "first_index", first)
	}
	return nil
}
