package shard

import (
	"fmt"
	"os"
	"testing"

	"golang.org/x/crypto/cryptobyte"

	"ctbt.dev/ctbt"
)

// emptyChainExtraData encodes an x509_entry extra_data with no intermediate
// certificates: a zero-length certificate_chain, which is what ParseLeaf
// (via internal/decode) expects to be able to round-trip.
func emptyChainExtraData() []byte {
	b := &cryptobyte.Builder{}
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {})
	return b.BytesOrPanic()
}

func testEntry(i int64) *ctbt.Entry {
	e := &ctbt.Entry{
		Index:       i,
		Type:        ctbt.X509Entry,
		Timestamp:   1700000000000 + i,
		Certificate: []byte(fmt.Sprintf("certificate-%d", i)),
	}
	e.LeafBytes = e.MerkleTreeLeaf()
	e.ExtraData = emptyChainExtraData()
	return e
}

func TestWriterSealsAtShardSize(t *testing.T) {
	dir := t.TempDir()
	var sealed []Manifest
	w, err := OpenWriter(dir, 4, 0, func(m Manifest) error {
		sealed = append(sealed, m)
		return nil
	})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	for i := int64(0); i < 4; i++ {
		if err := w.Append(testEntry(i)); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	if len(sealed) != 1 {
		t.Fatalf("got %d sealed shards, want 1", len(sealed))
	}
	if sealed[0].FirstIndex != 0 || sealed[0].LastIndex != 3 || sealed[0].Count != 4 {
		t.Errorf("manifest = %+v", sealed[0])
	}
	if w.FirstIndex() != 4 || w.Count() != 0 {
		t.Errorf("writer should have rolled over to shard starting at 4, got FirstIndex=%d Count=%d", w.FirstIndex(), w.Count())
	}

	if _, err := os.Stat(ManifestPath(dir, 0)); err != nil {
		t.Errorf("manifest file missing: %v", err)
	}
}

func TestWriterRejectsOutOfOrderAppend(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 10, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(testEntry(1)); err == nil {
		t.Fatal("expected error for out-of-order append")
	}
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 100, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 5; i++ {
		if err := w.Append(testEntry(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var got []int64
	for e, err := range Replay(DataPath(dir, 0), 0) {
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		got = append(got, e.Index)
	}
	if len(got) != 5 {
		t.Fatalf("got %d entries, want 5", len(got))
	}
	for i, idx := range got {
		if idx != int64(i) {
			t.Errorf("entry %d has index %d", i, idx)
		}
	}
}

func TestOpenWriterResumesAfterCrashTruncatesPartialTail(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 100, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 3; i++ {
		if err := w.Append(testEntry(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write: append a few garbage bytes that don't form
	// a complete record.
	path := DataPath(dir, 0)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0x00, 0x00, 0x05, 'a', 'b'}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	w2, err := OpenWriter(dir, 100, 0, nil)
	if err != nil {
		t.Fatalf("OpenWriter after crash: %v", err)
	}
	if w2.Count() != 3 {
		t.Fatalf("Count() = %d, want 3 (partial tail must be dropped)", w2.Count())
	}
	if err := w2.Append(testEntry(3)); err != nil {
		t.Fatalf("Append after resume: %v", err)
	}
}

func TestShardBaseNameIsZeroPadded(t *testing.T) {
	if got := shardBaseName(42); got != "00000042" {
		t.Errorf("shardBaseName(42) = %q", got)
	}
}
