package ctbt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	ct "github.com/google/certificate-transparency-go"
	"golang.org/x/crypto/cryptobyte"
)

func signSTH(t *testing.T, sth *SignedTreeHead, sigAlg uint8, sign func(digest [32]byte) []byte) {
	t.Helper()
	input, err := ct.SerializeSTHSignatureInput(ct.SignedTreeHead{
		Version:        ct.V1,
		TreeSize:       uint64(sth.TreeSize),
		Timestamp:      uint64(sth.Timestamp),
		SHA256RootHash: ct.SHA256Hash(sth.SHA256RootHash),
	})
	if err != nil {
		t.Fatalf("SerializeSTHSignatureInput: %v", err)
	}
	digest := sha256.Sum256(input)
	sig := sign(digest)

	b := &cryptobyte.Builder{}
	b.AddUint8(4) // hash_algo = sha256
	b.AddUint8(sigAlg)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(sig)
	})
	sth.TreeHeadSignature = b.BytesOrPanic()
}

func TestSignedTreeHeadVerifyECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sth := &SignedTreeHead{TreeSize: 100, Timestamp: 1700000000000}
	sth.SHA256RootHash = [32]byte{1, 2, 3}
	signSTH(t, sth, 3, func(digest [32]byte) []byte {
		sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
		if err != nil {
			t.Fatal(err)
		}
		return sig
	})

	if err := sth.Verify("test-log", &key.PublicKey); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	sth.TreeSize++
	if err := sth.Verify("test-log", &key.PublicKey); err == nil {
		t.Fatal("Verify should fail after tampering with TreeSize")
	}
}

func TestSignedTreeHeadVerifyRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	sth := &SignedTreeHead{TreeSize: 5, Timestamp: 1}
	signSTH(t, sth, 1, func(digest [32]byte) []byte {
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		if err != nil {
			t.Fatal(err)
		}
		return sig
	})
	if err := sth.Verify("test-log", &key.PublicKey); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSignedTreeHeadVerifyRejectsWrongAlgorithm(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sth := &SignedTreeHead{TreeSize: 1}
	signSTH(t, sth, 1 /* claims rsa */, func(digest [32]byte) []byte {
		sig, _ := ecdsa.SignASN1(rand.Reader, key, digest[:])
		return sig
	})
	if err := sth.Verify("test-log", &key.PublicKey); err == nil {
		t.Fatal("Verify should reject a sig_algo mismatched to the key type")
	}
}
