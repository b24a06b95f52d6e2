// Package merkle maintains an RFC 6962 Merkle tree incrementally as log
// entries are fetched, and verifies consistency proofs between tree sizes.
//
// It is a thin layer over golang.org/x/mod/sumdb/tlog, which implements the
// same hash tree shape RFC 6962 specifies (tlog.RecordHash is
// SHA-256(0x00||data), tlog.NodeHash is SHA-256(0x01||left||right)) so no
// translation is needed between the two.
package merkle

import (
	"fmt"

	"golang.org/x/mod/sumdb/tlog"
)

// Builder is a streaming Merkle tree builder. It never holds the leaves
// themselves, but it keeps every "stored hash" tlog produces (about two per
// leaf), so its memory grows linearly with Size; it does not reduce its
// state to a logarithmic stack of subtree roots.
//
// Builder is not safe for concurrent use; the Fetch Pipeline's reorder
// buffer guarantees AddLeaf is only ever called in strict index order and
// never concurrently.
type Builder struct {
	size   int64
	hashes map[int64]tlog.Hash
}

// NewBuilder returns an empty Builder, ready to accept leaf 0.
func NewBuilder() *Builder {
	return &Builder{hashes: make(map[int64]tlog.Hash)}
}

// Size returns the number of leaves appended so far.
func (b *Builder) Size() int64 { return b.size }

// AddLeaf appends leaf (the exact bytes of its RFC 6962 MerkleTreeLeaf
// encoding) to the tree and returns the index it was assigned, which is
// always b.Size() before the call.
func (b *Builder) AddLeaf(leaf []byte) (index int64, err error) {
	index = b.size
	hashes, err := tlog.StoredHashes(b.size, leaf, b.hashReader())
	if err != nil {
		return 0, fmt.Errorf("computing stored hashes for leaf %d: %w", index, err)
	}
	for i, h := range hashes {
		id := tlog.StoredHashIndex(0, b.size) + int64(i)
		b.hashes[id] = h
	}
	b.size++
	return index, nil
}

// RootHash returns the root hash of the tree as built so far.
func (b *Builder) RootHash() (tlog.Hash, error) {
	return tlog.TreeHash(b.size, b.hashReader())
}

func (b *Builder) hashReader() tlog.HashReaderFunc {
	return func(indexes []int64) ([]tlog.Hash, error) {
		list := make([]tlog.Hash, 0, len(indexes))
		for _, id := range indexes {
			h, ok := b.hashes[id]
			if !ok {
				return nil, fmt.Errorf("internal error: missing stored hash at index %d", id)
			}
			list = append(list, h)
		}
		return list, nil
	}
}

// VerifyConsistency checks that a tree of size newSize with root newRoot is
// a consistent extension of a tree of size oldSize with root oldRoot, given
// proof as returned by a log's get-sth-consistency endpoint.
//
// It handles the two vacuous cases spec.md calls out before delegating to
// tlog.CheckTree: oldSize == 0 (any tree is trivially consistent with the
// empty tree, and logs return an empty proof for it) and oldSize == newSize
// (the proof must be empty and the roots must already be equal).
func VerifyConsistency(proof []tlog.Hash, oldSize int64, oldRoot tlog.Hash, newSize int64, newRoot tlog.Hash) error {
	if oldSize == 0 {
		return nil
	}
	if oldSize == newSize {
		if len(proof) != 0 {
			return fmt.Errorf("consistency proof for equal tree sizes must be empty, got %d elements", len(proof))
		}
		if oldRoot != newRoot {
			return fmt.Errorf("root hash changed at constant tree size %d", oldSize)
		}
		return nil
	}
	return tlog.CheckTree(proof, newSize, newRoot, oldSize, oldRoot)
}
