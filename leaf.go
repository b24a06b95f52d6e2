package ctbt

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"math"

	"golang.org/x/crypto/cryptobyte"
)

// EntryType is the RFC 6962 §3.4 LogEntryType: whether a leaf commits to a
// final certificate or to a precertificate.
type EntryType uint16

const (
	X509Entry   EntryType = 0
	PrecertEntry EntryType = 1
)

func (t EntryType) String() string {
	if t == PrecertEntry {
		return "precert_entry"
	}
	return "x509_entry"
}

// Entry is a decoded RFC 6962 log entry: the MerkleTreeLeaf plus the
// extra_data that accompanies it in a get-entries response (the chain, and
// for precertificates the pre-certificate itself). Index is the entry's
// zero-based, log-global position.
type Entry struct {
	Index         int64
	Type          EntryType
	Timestamp     int64 // milliseconds since the Unix epoch
	Certificate   []byte
	IssuerKeyHash [32]byte // only set for PrecertEntry
	PreCertificate []byte  // only set for PrecertEntry
	Chain         [][]byte // intermediate certificates from extra_data

	// LeafBytes and ExtraData are the raw, re-serializable wire forms, kept
	// around so the Shard Writer can persist exactly what the log returned
	// without a re-encode round trip.
	LeafBytes []byte
	ExtraData []byte

	// LeafHash is SHA-256(0x00 || LeafBytes), the RFC 6962 Merkle leaf hash.
	LeafHash [32]byte
}

// MerkleTreeLeaf re-serializes the RFC 6962 MerkleTreeLeaf structure for e.
// It is used by tests and by callers that decoded LeafBytes and want to
// confirm a round trip; the Shard Writer and Merkle Engine use LeafBytes and
// LeafHash directly instead of calling this on the hot path.
func (e *Entry) MerkleTreeLeaf() []byte {
	b := &cryptobyte.Builder{}
	b.AddUint8(0 /* version = v1 */)
	b.AddUint8(0 /* leaf_type = timestamped_entry */)
	b.AddUint64(uint64(e.Timestamp))
	if e.Type == PrecertEntry {
		b.AddUint16(uint16(PrecertEntry))
		b.AddBytes(e.IssuerKeyHash[:])
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(e.Certificate)
		})
	} else {
		b.AddUint16(uint16(X509Entry))
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(e.Certificate)
		})
	}
	b.AddUint16LengthPrefixed(func(*cryptobyte.Builder) {}) // extensions, always empty
	return b.BytesOrPanic()
}

// LeafHashOf computes the RFC 6962 Merkle leaf hash of raw MerkleTreeLeaf
// bytes: SHA-256(0x00 || leaf).
func LeafHashOf(leaf []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(leaf)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NodeHashOf computes an RFC 6962 interior Merkle node hash:
// SHA-256(0x01 || left || right).
func NodeHashOf(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ParseLeaf parses a single RFC 6962 MerkleTreeLeaf (leaf_input) and its
// accompanying extra_data, per RFC 6962 §3.4. index is the entry's
// zero-based position in the log and is only used to annotate DecodeError.
func ParseLeaf(index int64, leaf, extra []byte) (*Entry, error) {
	s := cryptobyte.String(leaf)
	var version, leafType uint8
	var timestamp uint64
	var entryType uint16
	if !s.ReadUint8(&version) {
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("empty leaf")}
	}
	if version != 0 {
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("unsupported leaf version %d", version)}
	}
	if !s.ReadUint8(&leafType) {
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("truncated leaf: no leaf_type")}
	}
	if leafType != 0 {
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("unsupported leaf_type %d", leafType)}
	}
	if !s.ReadUint64(&timestamp) || timestamp > math.MaxInt64 {
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("invalid timestamp")}
	}
	if !s.ReadUint16(&entryType) {
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("truncated leaf: no entry_type")}
	}

	e := &Entry{
		Index:     index,
		Type:      EntryType(entryType),
		Timestamp: int64(timestamp),
		LeafBytes: append([]byte(nil), leaf...),
		ExtraData: append([]byte(nil), extra...),
		LeafHash:  LeafHashOf(leaf),
	}

	switch EntryType(entryType) {
	case PrecertEntry:
		if !s.CopyBytes(e.IssuerKeyHash[:]) {
			return nil, &DecodeError{Index: index, Err: fmt.Errorf("truncated precert_entry: no issuer_key_hash")}
		}
		if !s.ReadUint24LengthPrefixed((*cryptobyte.String)(&e.Certificate)) {
			return nil, &DecodeError{Index: index, Err: fmt.Errorf("truncated precert_entry: no tbs_certificate")}
		}
	case X509Entry:
		if !s.ReadUint24LengthPrefixed((*cryptobyte.String)(&e.Certificate)) {
			return nil, &DecodeError{Index: index, Err: fmt.Errorf("truncated x509_entry: no signed_entry")}
		}
	default:
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("unsupported entry_type %d", entryType)}
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("malformed or trailing extensions")}
	}

	x := cryptobyte.String(extra)
	switch e.Type {
	case PrecertEntry:
		if !x.ReadUint24LengthPrefixed((*cryptobyte.String)(&e.PreCertificate)) {
			return nil, &DecodeError{Index: index, Err: fmt.Errorf("truncated precert extra_data: no pre_certificate")}
		}
		var chain cryptobyte.String
		if !x.ReadUint24LengthPrefixed(&chain) || !x.Empty() {
			return nil, &DecodeError{Index: index, Err: fmt.Errorf("malformed precert extra_data chain")}
		}
		if err := readChain(&chain, e); err != nil {
			return nil, &DecodeError{Index: index, Err: err}
		}
	case X509Entry:
		var chain cryptobyte.String
		if !x.ReadUint24LengthPrefixed(&chain) || !x.Empty() {
			return nil, &DecodeError{Index: index, Err: fmt.Errorf("malformed x509 extra_data chain")}
		}
		if err := readChain(&chain, e); err != nil {
			return nil, &DecodeError{Index: index, Err: err}
		}
	}

	if !bytes.Equal(e.MerkleTreeLeaf(), leaf) {
		return nil, &DecodeError{Index: index, Err: fmt.Errorf("internal error: re-encoded leaf does not match input")}
	}

	return e, nil
}

func readChain(chain *cryptobyte.String, e *Entry) error {
	for !chain.Empty() {
		var cert []byte
		if !chain.ReadUint24LengthPrefixed((*cryptobyte.String)(&cert)) {
			return fmt.Errorf("malformed certificate in chain")
		}
		e.Chain = append(e.Chain, cert)
	}
	return nil
}
