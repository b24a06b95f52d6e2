// Package ctbt mirrors an RFC 6962 Certificate Transparency log into a local,
// resumable archive and republishes its shards as BitTorrent swarms.
//
// The package holds the data model shared by every stage of the pipeline:
// log descriptors, Signed Tree Heads, and the RFC 6962 MerkleTreeLeaf
// encoding. The pipeline itself lives in the internal packages: ctclient
// (the log HTTP client), decode (leaf parsing), merkle (the streaming tree
// and consistency verifier), pipeline (the concurrent fetcher), shard (the
// on-disk archive writer), syncctl (the run state machine), and packager
// (torrent/magnet/RSS emission).
package ctbt
