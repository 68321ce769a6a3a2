package eip712

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Wire widths of the combined signature blob. The wrapper contract
// discriminates the execution mode by total length alone.
const (
	SignatureLength = 65
	DeadlineLength  = 32

	// PlainLength carries only the transfer signature.
	PlainLength = SignatureLength
	// WithPermitLength carries transfer sig ++ permit sig ++ deadline.
	WithPermitLength = SignatureLength + SignatureLength + DeadlineLength
)

// ErrMalformedSignature is returned when a signature component is not
// exactly its fixed byte width or cannot be decomposed into (v, r, s).
var ErrMalformedSignature = errors.New("malformed signature")

// Signature is a decomposed secp256k1 signature with the Ethereum
// recovery id convention (v in {27, 28}).
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// Bytes serializes the signature as r ++ s ++ v (65 bytes).
func (s Signature) Bytes() []byte {
	out := make([]byte, SignatureLength)
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// ParseSignature decomposes a 65-byte r ++ s ++ v signature. A recovery
// id of 0 or 1 is normalized to 27/28.
func ParseSignature(b []byte) (Signature, error) {
	if len(b) != SignatureLength {
		return Signature{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedSignature, len(b), SignatureLength)
	}
	sig := Signature{V: b[64]}
	copy(sig.R[:], b[0:32])
	copy(sig.S[:], b[32:64])
	if sig.V < 27 {
		sig.V += 27
	}
	return sig, nil
}

// SignDigest signs a 32-byte EIP-712 digest with the given key.
func SignDigest(digest []byte, key *ecdsa.PrivateKey) (Signature, error) {
	raw, err := crypto.Sign(digest, key)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign digest: %w", err)
	}
	// crypto.Sign yields recovery id 0/1; contracts expect 27/28.
	raw[64] += 27
	return ParseSignature(raw)
}

// CombineSignatures concatenates the transfer signature with an optional
// permit signature and its deadline into the blob the wrapper contract
// consumes. Without a permit the result is 65 bytes; with one it is
// 162 bytes (65 + 65 + 32, deadline big-endian, left-padded).
func CombineSignatures(transfer Signature, permit *Signature, deadline uint64) []byte {
	if permit == nil {
		return transfer.Bytes()
	}
	out := make([]byte, 0, WithPermitLength)
	out = append(out, transfer.Bytes()...)
	out = append(out, permit.Bytes()...)
	var d [DeadlineLength]byte
	binary.BigEndian.PutUint64(d[DeadlineLength-8:], deadline)
	return append(out, d[:]...)
}

// SplitCombined is the inverse of CombineSignatures. The permit
// signature and deadline are nil/zero for a plain-length blob.
func SplitCombined(b []byte) (transfer Signature, permit *Signature, deadline uint64, err error) {
	switch len(b) {
	case PlainLength:
		transfer, err = ParseSignature(b)
		return transfer, nil, 0, err
	case WithPermitLength:
		transfer, err = ParseSignature(b[:SignatureLength])
		if err != nil {
			return Signature{}, nil, 0, err
		}
		p, err := ParseSignature(b[SignatureLength : 2*SignatureLength])
		if err != nil {
			return Signature{}, nil, 0, err
		}
		d := b[2*SignatureLength:]
		for _, c := range d[:DeadlineLength-8] {
			if c != 0 {
				return Signature{}, nil, 0, fmt.Errorf("%w: deadline exceeds 64 bits", ErrMalformedSignature)
			}
		}
		deadline = binary.BigEndian.Uint64(d[DeadlineLength-8:])
		return transfer, &p, deadline, nil
	default:
		return Signature{}, nil, 0, fmt.Errorf("%w: combined length %d is neither %d nor %d",
			ErrMalformedSignature, len(b), PlainLength, WithPermitLength)
	}
}
