// Package shard appends verified log entries to fixed-size shard files and
// seals them with a manifest once full, per the archive layout in spec.md §3.
package shard

import (
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"ctbt.dev/ctbt"
	"ctbt.dev/ctbt/internal/decode"
	"ctbt.dev/ctbt/internal/durable"
	"ctbt.dev/ctbt/internal/merkle"
)

// Manifest describes one sealed shard: its index range, its own Merkle
// subroot (for auditability independent of the full tree), and where its
// data file lives relative to the archive root.
type Manifest struct {
	FirstIndex int64     `json:"first_index"`
	LastIndex  int64     `json:"last_index"` // inclusive
	Count      int64     `json:"count"`
	Subroot    [32]byte  `json:"subroot"`
	DataPath   string    `json:"data_path"`
	SealedAt   time.Time `json:"sealed_at"`
}

func shardBaseName(firstIndex int64) string {
	return fmt.Sprintf("%08d", firstIndex)
}

// DataPath returns the path of the data file for the shard starting at
// firstIndex within dir.
func DataPath(dir string, firstIndex int64) string {
	return filepath.Join(dir, "shards", shardBaseName(firstIndex)+".bin")
}

// ManifestPath returns the path of the manifest file for the shard starting
// at firstIndex within dir.
func ManifestPath(dir string, firstIndex int64) string {
	return filepath.Join(dir, "shards", shardBaseName(firstIndex)+".manifest.json")
}

// Writer appends entries to the currently open shard, sequentially and only
// forward: no random I/O into a finalized shard is ever performed.
type Writer struct {
	dir       string
	shardSize int64

	firstIndex int64 // start index of the currently open shard
	count      int64 // entries written into the open shard so far
	file       *os.File
	builder    *merkle.Builder // subroot accumulator for the open shard only

	onSealed func(Manifest) error
}

// OpenWriter opens (or creates) the shard starting at firstIndex for
// appending. If the shard's data file already exists from a previous,
// possibly crashed run, its complete entries are replayed to recover the
// write position and the subroot builder state; any trailing, incomplete
// record left by a non-fsynced write is truncated away.
func OpenWriter(dir string, shardSize, firstIndex int64, onSealed func(Manifest) error) (*Writer, error) {
	shardsDir := filepath.Join(dir, "shards")
	if err := durable.MkdirAll(shardsDir, 0o755); err != nil {
		return nil, &ctbt.DiskIOError{Path: shardsDir, Op: "mkdir", Err: err}
	}

	path := DataPath(dir, firstIndex)
	w := &Writer{
		dir:        dir,
		shardSize:  shardSize,
		firstIndex: firstIndex,
		builder:    merkle.NewBuilder(),
		onSealed:   onSealed,
	}

	validLength, count, err := replayAndValidate(path, firstIndex, w.builder)
	if err != nil {
		return nil, err
	}
	w.count = count

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &ctbt.DiskIOError{Path: path, Op: "open", Err: err}
	}
	if err := f.Truncate(validLength); err != nil {
		f.Close()
		return nil, &ctbt.DiskIOError{Path: path, Op: "truncate", Err: err}
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, &ctbt.DiskIOError{Path: path, Op: "seek", Err: err}
	}
	w.file = f

	if w.count == w.shardSize {
		// A crash landed exactly on a shard boundary before sealing completed.
		if err := w.seal(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// FirstIndex returns the start index of the shard currently being written.
func (w *Writer) FirstIndex() int64 { return w.firstIndex }

// Count returns the number of entries written into the currently open shard.
func (w *Writer) Count() int64 { return w.count }

// Append writes entry to the open shard. entry.Index must equal the index
// that immediately follows the last entry written (w.FirstIndex() +
// w.Count()); any other index is a programming error in the caller, which
// is expected to feed entries in strict order.
func (w *Writer) Append(entry *ctbt.Entry) error {
	want := w.firstIndex + w.count
	if entry.Index != want {
		return fmt.Errorf("shard writer: out-of-order append: got index %d, want %d", entry.Index, want)
	}

	payload := encodeRecord(entry.LeafBytes, entry.ExtraData)
	if _, err := w.file.Write(payload); err != nil {
		return &ctbt.DiskIOError{Path: w.file.Name(), Op: "write", Err: err}
	}
	if _, err := w.builder.AddLeaf(entry.LeafBytes); err != nil {
		return fmt.Errorf("shard writer: %w", err)
	}
	w.count++

	if w.count == w.shardSize {
		return w.seal()
	}
	return nil
}

// seal fsyncs and closes the current shard's data file, writes its manifest,
// notifies onSealed, and opens the next shard for writing.
func (w *Writer) seal() error {
	if err := w.file.Sync(); err != nil {
		return &ctbt.DiskIOError{Path: w.file.Name(), Op: "fsync", Err: err}
	}
	path := w.file.Name()
	if err := w.file.Close(); err != nil {
		return &ctbt.DiskIOError{Path: path, Op: "close", Err: err}
	}

	subroot, err := w.builder.RootHash()
	if err != nil {
		return fmt.Errorf("shard writer: computing subroot: %w", err)
	}
	m := Manifest{
		FirstIndex: w.firstIndex,
		LastIndex:  w.firstIndex + w.count - 1,
		Count:      w.count,
		Subroot:    [32]byte(subroot),
		DataPath:   path,
		SealedAt:   time.Now(),
	}
	mPath := ManifestPath(w.dir, w.firstIndex)
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("shard writer: marshaling manifest: %w", err)
	}
	if err := durable.CreateExclusive(mPath, body, 0o644); err != nil {
		return &ctbt.DiskIOError{Path: mPath, Op: "write manifest", Err: err}
	}
	if w.onSealed != nil {
		if err := w.onSealed(m); err != nil {
			return fmt.Errorf("shard writer: onSealed callback: %w", err)
		}
	}

	next := w.firstIndex + w.shardSize
	nf, err := os.OpenFile(DataPath(w.dir, next), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return &ctbt.DiskIOError{Path: DataPath(w.dir, next), Op: "open", Err: err}
	}
	w.firstIndex = next
	w.count = 0
	w.file = nf
	w.builder = merkle.NewBuilder()
	return nil
}

// Close fsyncs and closes the currently open (unsealed) shard's data file
// without sealing it. It does not write a manifest: an open shard has no
// manifest until it is sealed by filling to ShardSize.
func (w *Writer) Close() error {
	if err := w.file.Sync(); err != nil {
		return &ctbt.DiskIOError{Path: w.file.Name(), Op: "fsync", Err: err}
	}
	if err := w.file.Close(); err != nil {
		return &ctbt.DiskIOError{Path: w.file.Name(), Op: "close", Err: err}
	}
	return nil
}

func encodeRecord(leaf, extra []byte) []byte {
	b := &cryptobyte.Builder{}
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(leaf) })
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(extra) })
	return b.BytesOrPanic()
}

// replayAndValidate reads an existing (possibly absent) shard data file,
// parsing complete (leaf, extra_data) records and feeding their leaf bytes
// into builder. It returns the byte length of the longest valid prefix and
// the number of complete records found in it; a non-fsynced partial tail
// left by a crash is silently dropped rather than treated as corruption.
func replayAndValidate(path string, firstIndex int64, builder *merkle.Builder) (validLength, count int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, &ctbt.DiskIOError{Path: path, Op: "read", Err: err}
	}

	s := cryptobyte.String(data)
	var consumed int64
	for !s.Empty() {
		before := len(s)
		var leaf, extra cryptobyte.String
		if !s.ReadUint24LengthPrefixed(&leaf) || !s.ReadUint24LengthPrefixed(&extra) {
			break // incomplete trailing record; stop before it
		}
		if _, err := decode.DecodeEntry(firstIndex+count, leaf, extra); err != nil {
			break // a record that doesn't even parse as a leaf; stop before it
		}
		if _, err := builder.AddLeaf(leaf); err != nil {
			return 0, 0, fmt.Errorf("replaying shard %q: %w", path, err)
		}
		consumed += int64(before - len(s))
		count++
	}
	return consumed, count, nil
}

// Replay iterates every complete entry in the sealed shard at path, in
// order, decoding each one. It is used by the Merkle Engine to rebuild tree
// state by replaying already-durable local shards instead of persisting a
// partial hash-stack across runs (spec.md §9, Open Question c).
func Replay(path string, firstIndex int64) iter.Seq2[*ctbt.Entry, error] {
	return func(yield func(*ctbt.Entry, error) bool) {
		data, err := os.ReadFile(path)
		if err != nil {
			yield(nil, &ctbt.DiskIOError{Path: path, Op: "read", Err: err})
			return
		}
		s := cryptobyte.String(data)
		index := firstIndex
		for !s.Empty() {
			var leaf, extra cryptobyte.String
			if !s.ReadUint24LengthPrefixed(&leaf) || !s.ReadUint24LengthPrefixed(&extra) {
				yield(nil, fmt.Errorf("replaying shard %q: truncated record at index %d", path, index))
				return
			}
			entry, err := decode.DecodeEntry(index, leaf, extra)
			if !yield(entry, err) {
				return
			}
			if err != nil {
				return
			}
			index++
		}
	}
}
