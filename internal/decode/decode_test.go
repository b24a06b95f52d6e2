package decode

import (
	"testing"

	"ctbt.dev/ctbt"
	"golang.org/x/crypto/cryptobyte"
)

func TestDecodeEntryRoundTrip(t *testing.T) {
	e := &ctbt.Entry{Type: ctbt.X509Entry, Timestamp: 123, Certificate: []byte("cert")}
	leaf := e.MerkleTreeLeaf()

	b := &cryptobyte.Builder{}
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {}) // empty chain
	extra := b.BytesOrPanic()

	got, err := DecodeEntry(3, leaf, extra)
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if got.Index != 3 || got.Type != ctbt.X509Entry {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeEntryPropagatesDecodeError(t *testing.T) {
	_, err := DecodeEntry(0, nil, nil)
	if _, ok := err.(*ctbt.DecodeError); !ok {
		t.Fatalf("got %T, want *ctbt.DecodeError", err)
	}
}
