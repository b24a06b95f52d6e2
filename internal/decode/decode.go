// Package decode turns the raw leaf_input/extra_data pairs returned by a
// log's get-entries endpoint into ctbt.Entry values.
package decode

import "ctbt.dev/ctbt"

// DecodeEntry parses one get-entries result at the given log-global index.
// It is the read-side counterpart of ctbt.Entry.MerkleTreeLeaf: it never
// modifies leaf or extra, and reports any malformed structure as a
// *ctbt.DecodeError naming the offending index.
func DecodeEntry(index int64, leafInput, extraData []byte) (*ctbt.Entry, error) {
	return ctbt.ParseLeaf(index, leafInput, extraData)
}
