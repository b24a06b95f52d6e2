package ctbt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	ct "github.com/google/certificate-transparency-go"
	"golang.org/x/crypto/cryptobyte"
)

// SignedTreeHead is an RFC 6962 §4.3 get-sth response: the log's current
// commitment to its tree, over which the Sync Controller proves consistency
// before trusting any new entries.
type SignedTreeHead struct {
	TreeSize          int64
	Timestamp         int64 // milliseconds since the Unix epoch
	SHA256RootHash    [32]byte
	TreeHeadSignature []byte // the raw digitally-signed struct from the wire
}

// Verify checks TreeHeadSignature against pub, per RFC 6962 §3.5: the
// digitally-signed struct wraps a hash_algo/sig_algo pair (required to be
// SHA-256 and whatever algorithm matches pub) followed by the signature
// bytes over SerializeSTHSignatureInput(sth).
func (sth *SignedTreeHead) Verify(logID string, pub crypto.PublicKey) error {
	s := cryptobyte.String(sth.TreeHeadSignature)
	var hashAlg, sigAlg uint8
	var signature []byte
	if !s.ReadUint8(&hashAlg) || !s.ReadUint8(&sigAlg) ||
		!s.ReadUint16LengthPrefixed((*cryptobyte.String)(&signature)) || !s.Empty() {
		return &SignatureInvalidError{LogID: logID, Err: fmt.Errorf("malformed DigitallySigned struct")}
	}
	if hashAlg != 4 { // hash_algo = sha256
		return &SignatureInvalidError{LogID: logID, Err: fmt.Errorf("unsupported hash algorithm %d", hashAlg)}
	}

	input, err := ct.SerializeSTHSignatureInput(ct.SignedTreeHead{
		Version:        ct.V1,
		TreeSize:       uint64(sth.TreeSize),
		Timestamp:      uint64(sth.Timestamp),
		SHA256RootHash: ct.SHA256Hash(sth.SHA256RootHash),
	})
	if err != nil {
		return &SignatureInvalidError{LogID: logID, Err: err}
	}
	digest := sha256.Sum256(input)

	switch key := pub.(type) {
	case *rsa.PublicKey:
		if sigAlg != 1 { // sig_algo = rsa
			return &SignatureInvalidError{LogID: logID, Err: fmt.Errorf("signature algorithm %d does not match RSA key", sigAlg)}
		}
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
			return &SignatureInvalidError{LogID: logID, Err: err}
		}
	case *ecdsa.PublicKey:
		if sigAlg != 3 { // sig_algo = ecdsa
			return &SignatureInvalidError{LogID: logID, Err: fmt.Errorf("signature algorithm %d does not match ECDSA key", sigAlg)}
		}
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return &SignatureInvalidError{LogID: logID, Err: fmt.Errorf("ECDSA signature does not verify")}
		}
	default:
		return &SignatureInvalidError{LogID: logID, Err: fmt.Errorf("unsupported public key type %T", pub)}
	}
	return nil
}
